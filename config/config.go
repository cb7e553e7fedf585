// Package config resolves named resources into fully-populated
// descriptors. Sources are an optional TOML config file and a snapshot of
// process environment variables; the resolver is built once at startup
// and passed into the components that need it, so no core logic performs
// ambient environment lookups.
package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/qrmi-dev/qrmi/model"
	"github.com/qrmi-dev/qrmi/pkg/qerrors"
)

// Environment variable names understood per resource. In the process
// environment each key is prefixed with "<RESOURCE>_"; in the config
// file's environment table keys appear unprefixed.
const (
	EnvType            = "QRMI_TYPE"
	EnvEndpoint        = "QRMI_ENDPOINT"
	EnvIAMEndpoint     = "QRMI_IAM_ENDPOINT"
	EnvIAMAPIKey       = "QRMI_IAM_APIKEY"
	EnvServiceCRN      = "QRMI_SERVICE_CRN"
	EnvS3Endpoint      = "QRMI_S3_ENDPOINT"
	EnvS3Bucket        = "QRMI_S3_BUCKET"
	EnvS3Region        = "QRMI_S3_REGION"
	EnvAWSAccessKeyID  = "QRMI_AWS_ACCESS_KEY_ID"
	EnvAWSSecretKey    = "QRMI_AWS_SECRET_ACCESS_KEY"
	EnvProjectID       = "QRMI_PROJECT_ID"
	EnvAuthToken       = "QRMI_AUTH_TOKEN"
	EnvSessionMode     = "QRMI_SESSION_MODE"
	EnvSessionTTL      = "QRMI_SESSION_TTL_SECONDS"
	EnvJobTimeout      = "QRMI_JOB_TIMEOUT_SECONDS"
	EnvPollInterval    = "QRMI_POLL_INTERVAL_SECONDS"
	EnvInlineSizeLimit = "QRMI_INLINE_SIZE_LIMIT_BYTES"
)

// Scheduler-provided allocation variables. The core only reads these;
// they are set by the cluster scheduler for each job context.
const (
	EnvAllocatedResources = "SLURM_JOB_QPU_RESOURCES"
	EnvAllocatedTypes     = "SLURM_JOB_QPU_TYPES"
)

// Documented defaults.
const (
	DefaultSessionTTL      = 28800 * time.Second
	DefaultJobTimeout      = 3600 * time.Second
	DefaultPollInterval    = time.Second
	DefaultInlineSizeLimit = 4 << 20
)

// FileConfig is the on-disk TOML layout: a list of resource definitions,
// each with a name, a provider kind and an environment table.
type FileConfig struct {
	Resources []ResourceDef `toml:"resources"`
}

// ResourceDef is one config-file resource entry.
type ResourceDef struct {
	Name        string            `toml:"name"`
	Type        string            `toml:"type"`
	Environment map[string]string `toml:"environment"`
}

// LoadFile reads and decodes a TOML config file, rejecting unknown keys.
func LoadFile(path string) (*FileConfig, error) {
	var cfg FileConfig
	metaData, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, qerrors.Wrap(qerrors.ErrConfigDecodeFile, err, path)
	}
	if undecoded := metaData.Undecoded(); len(undecoded) > 0 {
		items := make([]string, 0, len(undecoded))
		for _, item := range undecoded {
			items = append(items, item.String())
		}
		return nil, qerrors.ErrConfigUnknownItem.GenWithStackByArgs(strings.Join(items, ","))
	}
	return &cfg, nil
}

// S3Config is the object-store portion of a descriptor, used by the
// staged payload transport.
type S3Config struct {
	Endpoint        string
	Bucket          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Descriptor is a fully-resolved, validated resource description. It is
// immutable once built; the lease referencing the resource owns it.
type Descriptor struct {
	Name string
	Kind model.ProviderKind

	// Endpoint is the provider API base URL.
	Endpoint string

	// Identity endpoint credentials (direct-access, runtime-service).
	IAMEndpoint string
	APIKey      string
	ServiceCRN  string

	// Static bearer token and project scope (cloud-provider).
	AuthToken string
	ProjectID string

	S3 S3Config

	SessionMode     model.SessionMode
	SessionTTL      time.Duration
	JobTimeout      time.Duration
	PollInterval    time.Duration
	InlineSizeLimit int
}

// Resolver turns resource names into descriptors. Construct one with
// NewResolver at startup and share it; it never mutates after that.
type Resolver struct {
	file *FileConfig
	env  map[string]string

	// allocation restricts which resources may be resolved; nil means
	// unrestricted (no scheduler context).
	allocation map[string]model.ProviderKind
}

// NewResolver builds a resolver from an optional file config and an
// os.Environ()-style snapshot. When the scheduler allocation variables
// are present they restrict which resources Resolve will accept.
func NewResolver(file *FileConfig, environ []string) (*Resolver, error) {
	env := make(map[string]string, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i > 0 {
			env[kv[:i]] = kv[i+1:]
		}
	}

	r := &Resolver{file: file, env: env}
	if names, ok := env[EnvAllocatedResources]; ok {
		kinds := env[EnvAllocatedTypes]
		alloc, err := parseAllocation(names, kinds)
		if err != nil {
			return nil, err
		}
		r.allocation = alloc
	}
	return r, nil
}

// parseAllocation zips the two comma-separated scheduler lists.
func parseAllocation(names, kinds string) (map[string]model.ProviderKind, error) {
	nameList := strings.Split(names, ",")
	kindList := strings.Split(kinds, ",")
	if len(nameList) != len(kindList) {
		return nil, qerrors.ErrConfigInvalidValue.GenWithStackByArgs(
			EnvAllocatedTypes, "allocation",
			fmt.Sprintf("%d kinds for %d resources", len(kindList), len(nameList)))
	}
	alloc := make(map[string]model.ProviderKind, len(nameList))
	for i, name := range nameList {
		name = strings.TrimSpace(name)
		kind, ok := model.ParseProviderKind(strings.TrimSpace(kindList[i]))
		if !ok {
			return nil, qerrors.ErrUnknownProviderKind.GenWithStackByArgs(
				kindList[i], name, model.SupportedProviderKinds)
		}
		alloc[name] = kind
	}
	return alloc, nil
}

// Allocated returns the resource names this context may acquire, or nil
// when unrestricted.
func (r *Resolver) Allocated() []string {
	if r.allocation == nil {
		return nil
	}
	names := make([]string, 0, len(r.allocation))
	for name := range r.allocation {
		names = append(names, name)
	}
	return names
}

// lookup finds the value for key, preferring the prefixed process
// environment over the config-file environment table.
func (r *Resolver) lookup(name, key string) string {
	if v, ok := r.env[name+"_"+key]; ok {
		return v
	}
	if r.file != nil {
		for i := range r.file.Resources {
			if r.file.Resources[i].Name == name {
				return r.file.Resources[i].Environment[key]
			}
		}
	}
	return ""
}

func (r *Resolver) fileDef(name string) *ResourceDef {
	if r.file == nil {
		return nil
	}
	for i := range r.file.Resources {
		if r.file.Resources[i].Name == name {
			return &r.file.Resources[i]
		}
	}
	return nil
}

// Resolve builds the descriptor for the named resource, validating every
// required field for its provider kind.
func (r *Resolver) Resolve(name string) (*Descriptor, error) {
	if r.allocation != nil {
		if _, ok := r.allocation[name]; !ok {
			return nil, qerrors.ErrResourceNotAllocated.GenWithStackByArgs(name, r.Allocated())
		}
	}

	kind, err := r.resolveKind(name)
	if err != nil {
		return nil, err
	}

	d := &Descriptor{
		Name:            name,
		Kind:            kind,
		SessionMode:     model.SessionModeDedicated,
		SessionTTL:      DefaultSessionTTL,
		JobTimeout:      DefaultJobTimeout,
		PollInterval:    DefaultPollInterval,
		InlineSizeLimit: DefaultInlineSizeLimit,
	}

	if d.Endpoint, err = r.requireURL(name, EnvEndpoint); err != nil {
		return nil, err
	}

	switch kind {
	case model.DirectAccess, model.RuntimeService:
		if d.IAMEndpoint, err = r.requireURL(name, EnvIAMEndpoint); err != nil {
			return nil, err
		}
		if d.APIKey, err = r.require(name, EnvIAMAPIKey); err != nil {
			return nil, err
		}
		if d.ServiceCRN, err = r.require(name, EnvServiceCRN); err != nil {
			return nil, err
		}
		if d.S3, err = r.resolveS3(name); err != nil {
			return nil, err
		}
	case model.CloudProvider:
		if d.ProjectID, err = r.require(name, EnvProjectID); err != nil {
			return nil, err
		}
		if d.AuthToken, err = r.require(name, EnvAuthToken); err != nil {
			return nil, err
		}
	}

	if err := r.resolveTuning(name, d); err != nil {
		return nil, err
	}

	log.L().Debug("resolved resource descriptor",
		zap.String("resource", name),
		zap.String("kind", string(kind)),
		zap.String("endpoint", d.Endpoint))
	return d, nil
}

// resolveKind finds the provider kind: config file entry first, then the
// prefixed environment, falling back to the scheduler allocation. A kind
// that contradicts the allocation entry is a configuration error, not a
// silent override.
func (r *Resolver) resolveKind(name string) (model.ProviderKind, error) {
	raw := ""
	if def := r.fileDef(name); def != nil {
		raw = def.Type
	}
	if raw == "" {
		raw = r.lookup(name, EnvType)
	}
	if raw == "" {
		if r.allocation != nil {
			if k, ok := r.allocation[name]; ok {
				return k, nil
			}
		}
		return "", qerrors.ErrResourceNotDefined.GenWithStackByArgs(name)
	}
	kind, ok := model.ParseProviderKind(raw)
	if !ok {
		return "", qerrors.ErrUnknownProviderKind.GenWithStackByArgs(raw, name, model.SupportedProviderKinds)
	}
	if r.allocation != nil {
		if allocated, ok := r.allocation[name]; ok && allocated != kind {
			return "", qerrors.ErrConfigInvalidValue.GenWithStackByArgs(EnvType, name,
				fmt.Sprintf("%s contradicts allocated type %s", kind, allocated))
		}
	}
	return kind, nil
}

func (r *Resolver) resolveS3(name string) (S3Config, error) {
	var s3 S3Config
	var err error
	if s3.Endpoint, err = r.requireURL(name, EnvS3Endpoint); err != nil {
		return s3, err
	}
	if s3.Bucket, err = r.require(name, EnvS3Bucket); err != nil {
		return s3, err
	}
	if s3.Region, err = r.require(name, EnvS3Region); err != nil {
		return s3, err
	}
	if s3.AccessKeyID, err = r.require(name, EnvAWSAccessKeyID); err != nil {
		return s3, err
	}
	if s3.SecretAccessKey, err = r.require(name, EnvAWSSecretKey); err != nil {
		return s3, err
	}
	return s3, nil
}

// resolveTuning applies the optional knobs with documented defaults.
func (r *Resolver) resolveTuning(name string, d *Descriptor) error {
	if v := r.lookup(name, EnvSessionMode); v != "" {
		mode, ok := model.ParseSessionMode(v)
		if !ok {
			return qerrors.ErrConfigInvalidValue.GenWithStackByArgs(EnvSessionMode, name, v)
		}
		d.SessionMode = mode
	}
	if err := r.seconds(name, EnvSessionTTL, &d.SessionTTL); err != nil {
		return err
	}
	if err := r.seconds(name, EnvJobTimeout, &d.JobTimeout); err != nil {
		return err
	}
	if err := r.seconds(name, EnvPollInterval, &d.PollInterval); err != nil {
		return err
	}
	if v := r.lookup(name, EnvInlineSizeLimit); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return qerrors.ErrConfigInvalidValue.GenWithStackByArgs(EnvInlineSizeLimit, name, v)
		}
		d.InlineSizeLimit = n
	}
	return nil
}

func (r *Resolver) seconds(name, key string, out *time.Duration) error {
	v := r.lookup(name, key)
	if v == "" {
		return nil
	}
	secs, err := strconv.ParseInt(v, 10, 64)
	if err != nil || secs <= 0 {
		return qerrors.ErrConfigInvalidValue.GenWithStackByArgs(key, name, v)
	}
	*out = time.Duration(secs) * time.Second
	return nil
}

func (r *Resolver) require(name, key string) (string, error) {
	v := r.lookup(name, key)
	if v == "" {
		return "", qerrors.ErrConfigMissingField.GenWithStackByArgs(key, name)
	}
	return v, nil
}

func (r *Resolver) requireURL(name, key string) (string, error) {
	v, err := r.require(name, key)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(v)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", qerrors.ErrConfigInvalidURL.GenWithStackByArgs(key, name, v)
	}
	return strings.TrimSuffix(v, "/"), nil
}
