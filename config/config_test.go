package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/qrmi-dev/qrmi/model"
	"github.com/qrmi-dev/qrmi/pkg/qerrors"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qrmi.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	path := writeTempConfig(t, `
[[resources]]
name = "heron1"
type = "direct-access"
[resources.environment]
QRMI_ENDPOINT = "https://daa.example.com"
QRMI_IAM_ENDPOINT = "https://iam.example.com"
QRMI_IAM_APIKEY = "k1"
QRMI_SERVICE_CRN = "crn:v1:test"
QRMI_S3_ENDPOINT = "https://s3.example.com"
QRMI_S3_BUCKET = "jobs"
QRMI_S3_REGION = "us-east-1"
QRMI_AWS_ACCESS_KEY_ID = "ak"
QRMI_AWS_SECRET_ACCESS_KEY = "sk"
`)
	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, cfg.Resources, 1)
	require.Equal(t, "heron1", cfg.Resources[0].Name)
	require.Equal(t, "direct-access", cfg.Resources[0].Type)
	require.Equal(t, "jobs", cfg.Resources[0].Environment["QRMI_S3_BUCKET"])
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	path := writeTempConfig(t, `
[[resources]]
name = "heron1"
type = "direct-access"
unexpected = true
`)
	_, err := LoadFile(path)
	require.Error(t, err)
	require.True(t, qerrors.ErrConfigUnknownItem.Equal(err))
}

func fullDirectAccessEnv(name string) []string {
	return []string{
		name + "_QRMI_TYPE=direct-access",
		name + "_QRMI_ENDPOINT=https://daa.example.com/",
		name + "_QRMI_IAM_ENDPOINT=https://iam.example.com",
		name + "_QRMI_IAM_APIKEY=k1",
		name + "_QRMI_SERVICE_CRN=crn:v1:test",
		name + "_QRMI_S3_ENDPOINT=https://s3.example.com",
		name + "_QRMI_S3_BUCKET=jobs",
		name + "_QRMI_S3_REGION=us-east-1",
		name + "_QRMI_AWS_ACCESS_KEY_ID=ak",
		name + "_QRMI_AWS_SECRET_ACCESS_KEY=sk",
	}
}

func TestResolveFromEnvironment(t *testing.T) {
	t.Parallel()

	r, err := NewResolver(nil, fullDirectAccessEnv("heron1"))
	require.NoError(t, err)

	d, err := r.Resolve("heron1")
	require.NoError(t, err)
	require.Equal(t, model.DirectAccess, d.Kind)
	// Trailing slash is trimmed so path joins stay clean.
	require.Equal(t, "https://daa.example.com", d.Endpoint)
	require.Equal(t, "jobs", d.S3.Bucket)
	require.Equal(t, model.SessionModeDedicated, d.SessionMode)
	require.Equal(t, DefaultSessionTTL, d.SessionTTL)
	require.Equal(t, DefaultPollInterval, d.PollInterval)
}

func TestResolveEnvOverridesFile(t *testing.T) {
	t.Parallel()

	file := &FileConfig{Resources: []ResourceDef{{
		Name: "heron1",
		Type: "direct-access",
		Environment: map[string]string{
			"QRMI_ENDPOINT":              "https://file.example.com",
			"QRMI_IAM_ENDPOINT":          "https://iam.example.com",
			"QRMI_IAM_APIKEY":            "k1",
			"QRMI_SERVICE_CRN":           "crn:v1:test",
			"QRMI_S3_ENDPOINT":           "https://s3.example.com",
			"QRMI_S3_BUCKET":             "jobs",
			"QRMI_S3_REGION":             "us-east-1",
			"QRMI_AWS_ACCESS_KEY_ID":     "ak",
			"QRMI_AWS_SECRET_ACCESS_KEY": "sk",
		},
	}}}
	r, err := NewResolver(file, []string{"heron1_QRMI_ENDPOINT=https://env.example.com"})
	require.NoError(t, err)

	d, err := r.Resolve("heron1")
	require.NoError(t, err)
	require.Equal(t, "https://env.example.com", d.Endpoint)
}

func TestResolveMissingField(t *testing.T) {
	t.Parallel()

	env := []string{
		"heron1_QRMI_TYPE=cloud-provider",
		"heron1_QRMI_ENDPOINT=https://cloud.example.com",
		"heron1_QRMI_PROJECT_ID=p1",
	}
	r, err := NewResolver(nil, env)
	require.NoError(t, err)

	_, err = r.Resolve("heron1")
	require.Error(t, err)
	require.True(t, qerrors.ErrConfigMissingField.Equal(err))
}

func TestResolveInvalidURL(t *testing.T) {
	t.Parallel()

	env := fullDirectAccessEnv("heron1")
	env[1] = "heron1_QRMI_ENDPOINT=not-a-url"
	r, err := NewResolver(nil, env)
	require.NoError(t, err)

	_, err = r.Resolve("heron1")
	require.Error(t, err)
	require.True(t, qerrors.ErrConfigInvalidURL.Equal(err))
}

func TestResolveUnknownKind(t *testing.T) {
	t.Parallel()

	r, err := NewResolver(nil, []string{"heron1_QRMI_TYPE=quantum-magic"})
	require.NoError(t, err)

	_, err = r.Resolve("heron1")
	require.Error(t, err)
	require.True(t, qerrors.ErrUnknownProviderKind.Equal(err))
}

func TestResolveUndefinedResource(t *testing.T) {
	t.Parallel()

	r, err := NewResolver(nil, nil)
	require.NoError(t, err)

	_, err = r.Resolve("nope")
	require.Error(t, err)
	require.True(t, qerrors.ErrResourceNotDefined.Equal(err))
}

func TestResolveCloudProvider(t *testing.T) {
	t.Parallel()

	env := []string{
		"fresnel1_QRMI_TYPE=cloud-provider",
		"fresnel1_QRMI_ENDPOINT=https://cloud.example.com",
		"fresnel1_QRMI_PROJECT_ID=p1",
		"fresnel1_QRMI_AUTH_TOKEN=tok",
	}
	r, err := NewResolver(nil, env)
	require.NoError(t, err)

	d, err := r.Resolve("fresnel1")
	require.NoError(t, err)
	require.Equal(t, model.CloudProvider, d.Kind)
	require.Equal(t, "p1", d.ProjectID)
	require.Equal(t, "tok", d.AuthToken)
	require.Equal(t, DefaultInlineSizeLimit, d.InlineSizeLimit)
}

func TestResolveTuning(t *testing.T) {
	t.Parallel()

	env := append(fullDirectAccessEnv("heron1"),
		"heron1_QRMI_SESSION_MODE=batch",
		"heron1_QRMI_SESSION_TTL_SECONDS=600",
		"heron1_QRMI_JOB_TIMEOUT_SECONDS=120",
		"heron1_QRMI_POLL_INTERVAL_SECONDS=2",
	)
	r, err := NewResolver(nil, env)
	require.NoError(t, err)

	d, err := r.Resolve("heron1")
	require.NoError(t, err)
	require.Equal(t, model.SessionModeBatch, d.SessionMode)
	require.Equal(t, 10*time.Minute, d.SessionTTL)
	require.Equal(t, 2*time.Minute, d.JobTimeout)
	require.Equal(t, 2*time.Second, d.PollInterval)
}

func TestResolveInvalidTuningValue(t *testing.T) {
	t.Parallel()

	env := append(fullDirectAccessEnv("heron1"),
		"heron1_QRMI_SESSION_TTL_SECONDS=-5",
	)
	r, err := NewResolver(nil, env)
	require.NoError(t, err)

	_, err = r.Resolve("heron1")
	require.Error(t, err)
	require.True(t, qerrors.ErrConfigInvalidValue.Equal(err))
}

func TestAllocationRestrictsResources(t *testing.T) {
	t.Parallel()

	env := append(fullDirectAccessEnv("heron1"),
		"SLURM_JOB_QPU_RESOURCES=heron1,fresnel1",
		"SLURM_JOB_QPU_TYPES=direct-access,cloud-provider",
		"other_QRMI_TYPE=direct-access",
	)
	r, err := NewResolver(nil, env)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"heron1", "fresnel1"}, r.Allocated())

	_, err = r.Resolve("heron1")
	require.NoError(t, err)

	_, err = r.Resolve("other")
	require.Error(t, err)
	require.True(t, qerrors.ErrResourceNotAllocated.Equal(err))
}

func TestAllocationKindSupplementsEnv(t *testing.T) {
	t.Parallel()

	// No <NAME>_QRMI_TYPE: the kind comes from the allocation lists.
	env := fullDirectAccessEnv("heron1")[1:]
	env = append(env,
		"SLURM_JOB_QPU_RESOURCES=heron1",
		"SLURM_JOB_QPU_TYPES=direct-access",
	)
	r, err := NewResolver(nil, env)
	require.NoError(t, err)

	d, err := r.Resolve("heron1")
	require.NoError(t, err)
	require.Equal(t, model.DirectAccess, d.Kind)
}

func TestAllocationKindConflictFails(t *testing.T) {
	t.Parallel()

	// The environment claims direct-access while the scheduler allocated
	// the resource as cloud-provider; the contradiction must not resolve
	// silently either way.
	env := append(fullDirectAccessEnv("heron1"),
		"SLURM_JOB_QPU_RESOURCES=heron1",
		"SLURM_JOB_QPU_TYPES=cloud-provider",
	)
	r, err := NewResolver(nil, env)
	require.NoError(t, err)

	_, err = r.Resolve("heron1")
	require.Error(t, err)
	require.True(t, qerrors.ErrConfigInvalidValue.Equal(err))
}

func TestAllocationListLengthMismatch(t *testing.T) {
	t.Parallel()

	_, err := NewResolver(nil, []string{
		"SLURM_JOB_QPU_RESOURCES=heron1,fresnel1",
		"SLURM_JOB_QPU_TYPES=direct-access",
	})
	require.Error(t, err)
	require.True(t, qerrors.ErrConfigInvalidValue.Equal(err))
}
