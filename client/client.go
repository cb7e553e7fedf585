// Package client implements the per-provider wire protocols behind one
// capability interface. The provider set is closed: direct-access,
// runtime-service and cloud-provider. Each variant maps its backend's
// error codes onto the shared taxonomy in pkg/qerrors.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/qrmi-dev/qrmi/auth"
	"github.com/qrmi-dev/qrmi/config"
	"github.com/qrmi-dev/qrmi/model"
	"github.com/qrmi-dev/qrmi/pkg/clock"
	"github.com/qrmi-dev/qrmi/pkg/qerrors"
	"github.com/qrmi-dev/qrmi/pkg/retry"
	"github.com/qrmi-dev/qrmi/transport"
)

// statusCallTimeout bounds a single status poll; a poll must never block
// the engine's loop for long.
const statusCallTimeout = 10 * time.Second

// Capabilities declares what a provider variant supports, so callers do
// not have to know the variant.
type Capabilities struct {
	// Sessions is true when Acquire creates a remote session; false when
	// acquisition is local bookkeeping only.
	Sessions bool
	// Cancel is true when the backend supports remote job cancellation.
	// When false, stopping a job only stops polling; the remote job may
	// run to completion unobserved.
	Cancel bool
}

// Provider is the uniform acquire/run/release contract over one backend.
// Implementations are safe for concurrent use.
type Provider interface {
	Kind() model.ProviderKind
	Capabilities() Capabilities

	// IsAccessible probes whether the backend is online.
	IsAccessible(ctx context.Context) bool

	// Acquire claims the backend, returning the acquisition token
	// (remote session id, or a locally generated id for variants without
	// a session concept).
	Acquire(ctx context.Context, mode model.SessionMode, ttl time.Duration) (string, error)
	// Release is idempotent: releasing an unknown or already-released
	// token is a no-op.
	Release(ctx context.Context, acquisitionToken string) error

	// Submit moves the payload via the variant's transport and starts
	// the job. Never retried: a failed submit surfaces immediately.
	Submit(ctx context.Context, lease *model.Lease, seq uint64, spec model.JobSpec) (*model.Job, error)
	// Status performs a single bounded poll.
	Status(ctx context.Context, job *model.Job) (model.JobStatus, error)
	// Cancel requests remote cancellation; no-op when unsupported.
	Cancel(ctx context.Context, job *model.Job) error
	// Result returns the job's opaque result payload; ErrNotReady unless
	// the job is Completed.
	Result(ctx context.Context, job *model.Job) ([]byte, error)
	// Cleanup tears a finished job down: the remote job record is deleted
	// and any staged payload objects are removed. Idempotent; a job that
	// is already gone is not an error.
	Cleanup(ctx context.Context, job *model.Job) error

	// Target returns the backend's serialized device description.
	Target(ctx context.Context) (model.Target, error)
	// Metadata returns provider-specific descriptive data.
	Metadata() map[string]string
}

// New wires the production variant for a descriptor: S3-backed staged
// transport for direct-access and runtime-service, inline transport for
// cloud-provider.
func New(ctx context.Context, desc *config.Descriptor, tokens *auth.Manager) (Provider, error) {
	clk := clock.New()
	switch desc.Kind {
	case model.DirectAccess, model.RuntimeService:
		store, err := transport.NewS3Store(ctx, desc.S3)
		if err != nil {
			return nil, err
		}
		staged := transport.NewStaged(store, clk, retry.DefaultPolicy())
		if desc.Kind == model.DirectAccess {
			return NewDirectAccess(desc, tokens, staged, nil), nil
		}
		return NewRuntimeService(desc, tokens, staged, nil), nil
	case model.CloudProvider:
		return NewCloudProvider(desc, tokens, nil), nil
	}
	return nil, qerrors.ErrUnknownProviderKind.GenWithStackByArgs(
		desc.Kind, desc.Name, model.SupportedProviderKinds)
}

// statusError carries a non-2xx response for variant-level mapping.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("backend returned status %d: %s", e.code, e.body)
}

// httpStatus extracts the HTTP status code behind err, or 0.
func httpStatus(err error) int {
	var se *statusError
	if !errors.As(err, &se) {
		return 0
	}
	return se.code
}

// restClient is the JSON-over-HTTP plumbing shared by all variants.
type restClient struct {
	base       string
	httpClient *http.Client
	tokens     *auth.Manager
	desc       *config.Descriptor
}

func newRESTClient(desc *config.Descriptor, tokens *auth.Manager, httpClient *http.Client) *restClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &restClient{
		base:       desc.Endpoint,
		httpClient: httpClient,
		tokens:     tokens,
		desc:       desc,
	}
}

// doJSON issues one request with a bearer token, decoding a JSON response
// into out when out is non-nil. Non-2xx responses become *statusError.
func (c *restClient) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	token, err := c.tokens.Token(ctx, c.desc)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(data))}
	}
	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}

// mapProviderError converts a variant-level failure into the shared
// taxonomy. The caller handles status codes with operation-specific
// meaning (e.g. 404 on session delete) before calling this.
func mapProviderError(err error) error {
	if err == nil {
		return nil
	}
	switch httpStatus(err) {
	case 0:
		// Not an HTTP status failure: auth errors pass through, network
		// errors are transport-level.
		if qerrors.ErrAuthFailed.Equal(err) || qerrors.ErrAuthTokenInvalid.Equal(err) ||
			qerrors.ErrTransport.Equal(err) || qerrors.ErrPayloadTooLarge.Equal(err) {
			return err
		}
		return qerrors.Wrap(qerrors.ErrProvider, err, "transport", err.Error())
	case http.StatusUnauthorized, http.StatusForbidden:
		return qerrors.Wrap(qerrors.ErrAuthFailed, err, "backend")
	case http.StatusConflict, http.StatusLocked, http.StatusTooManyRequests:
		return qerrors.Wrap(qerrors.ErrResourceBusy, err, "backend", "")
	case http.StatusNotFound:
		return qerrors.Wrap(qerrors.ErrJobNotFound, err, "")
	default:
		return qerrors.Wrap(qerrors.ErrProvider, err,
			fmt.Sprintf("%d", httpStatus(err)), err.Error())
	}
}

// targetDocument assembles the serialized configuration+properties
// document shared by the backend-fronted variants.
func targetDocument(ctx context.Context, c *restClient, backend string) (model.Target, error) {
	doc := map[string]json.RawMessage{
		"configuration": json.RawMessage("null"),
		"properties":    json.RawMessage("null"),
	}
	var cfg json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/v1/backends/"+backend+"/configuration", nil, &cfg); err == nil {
		doc["configuration"] = cfg
	}
	var props json.RawMessage
	if err := c.doJSON(ctx, http.MethodGet, "/v1/backends/"+backend+"/properties", nil, &props); err == nil {
		doc["properties"] = props
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return model.Target{}, err
	}
	return model.Target{Value: string(encoded)}, nil
}
