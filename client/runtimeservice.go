package client

import (
	"context"
	"net/http"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/qrmi-dev/qrmi/auth"
	"github.com/qrmi-dev/qrmi/config"
	"github.com/qrmi-dev/qrmi/model"
	"github.com/qrmi-dev/qrmi/pkg/qerrors"
	"github.com/qrmi-dev/qrmi/transport"
)

// RuntimeService talks to the managed-session API. Acquisition creates a
// remote session with a mode and maximum TTL; jobs are submitted under
// that session, payloads staged through object storage as with
// direct-access.
type RuntimeService struct {
	desc   *config.Descriptor
	rest   *restClient
	staged *transport.Staged
}

// NewRuntimeService builds the variant with explicit dependencies so
// tests can substitute the transport and HTTP client.
func NewRuntimeService(desc *config.Descriptor, tokens *auth.Manager, staged *transport.Staged, httpClient *http.Client) *RuntimeService {
	return &RuntimeService{
		desc:   desc,
		rest:   newRESTClient(desc, tokens, httpClient),
		staged: staged,
	}
}

func (r *RuntimeService) Kind() model.ProviderKind { return model.RuntimeService }

func (r *RuntimeService) Capabilities() Capabilities {
	return Capabilities{Sessions: true, Cancel: true}
}

func (r *RuntimeService) IsAccessible(ctx context.Context) bool {
	var info backendInfo
	if err := r.rest.doJSON(ctx, http.MethodGet, "/v1/backends/"+r.desc.Name, nil, &info); err != nil {
		return false
	}
	return info.Status == "online"
}

type sessionRequest struct {
	Mode   string `json:"mode"`
	MaxTTL int64  `json:"max_ttl"`
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
}

// Acquire creates a remote session; its id is the acquisition token.
func (r *RuntimeService) Acquire(ctx context.Context, mode model.SessionMode, ttl time.Duration) (string, error) {
	req := sessionRequest{
		Mode:   string(mode),
		MaxTTL: int64(ttl / time.Second),
	}
	var resp sessionResponse
	if err := r.rest.doJSON(ctx, http.MethodPost, "/v1/sessions", &req, &resp); err != nil {
		return "", mapProviderError(err)
	}
	if resp.SessionID == "" {
		return "", qerrors.ErrProvider.GenWithStackByArgs("", "session endpoint returned no session id")
	}
	log.L().Info("session created",
		zap.String("resource", r.desc.Name),
		zap.String("session_id", resp.SessionID),
		zap.String("mode", string(mode)))
	return resp.SessionID, nil
}

// Release deletes the remote session. A 404 means the session is already
// gone; release stays idempotent.
func (r *RuntimeService) Release(ctx context.Context, acquisitionToken string) error {
	err := r.rest.doJSON(ctx, http.MethodDelete, "/v1/sessions/"+acquisitionToken, nil, nil)
	if err != nil {
		if httpStatus(err) == http.StatusNotFound {
			return nil
		}
		return mapProviderError(err)
	}
	log.L().Info("session released",
		zap.String("resource", r.desc.Name),
		zap.String("session_id", acquisitionToken))
	return nil
}

func (r *RuntimeService) Submit(ctx context.Context, lease *model.Lease, seq uint64, spec model.JobSpec) (*model.Job, error) {
	if spec.Program != model.ProgramSampler && spec.Program != model.ProgramEstimator {
		return nil, qerrors.ErrUnsupportedPayload.GenWithStackByArgs(spec.Program, model.RuntimeService)
	}
	return submitStaged(ctx, r.rest, r.staged, lease, seq, spec, lease.ID)
}

func (r *RuntimeService) Status(ctx context.Context, job *model.Job) (model.JobStatus, error) {
	return fetchJobStatus(ctx, r.rest, job)
}

func (r *RuntimeService) Cancel(ctx context.Context, job *model.Job) error {
	return cancelJob(ctx, r.rest, job)
}

// Cleanup removes the job from the backend, cancelling it first when it
// is still running, and deletes the staged objects.
func (r *RuntimeService) Cleanup(ctx context.Context, job *model.Job) error {
	err := cancelJob(ctx, r.rest, job)
	r.staged.Cleanup(ctx, job.LeaseID, job.Seq)
	return err
}

func (r *RuntimeService) Result(ctx context.Context, job *model.Job) ([]byte, error) {
	return resultStaged(ctx, r.rest, r.staged, job)
}

// Logs downloads the job's log object, written by the backend once the
// job reached a terminal state.
func (r *RuntimeService) Logs(ctx context.Context, job *model.Job) ([]byte, error) {
	return r.staged.GetLogs(ctx, job.LeaseID, job.Seq)
}

func (r *RuntimeService) Target(ctx context.Context) (model.Target, error) {
	return targetDocument(ctx, r.rest, r.desc.Name)
}

func (r *RuntimeService) Metadata() map[string]string {
	return map[string]string{"backend_name": r.desc.Name}
}
