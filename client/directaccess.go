package client

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/qrmi-dev/qrmi/auth"
	"github.com/qrmi-dev/qrmi/config"
	"github.com/qrmi-dev/qrmi/model"
	"github.com/qrmi-dev/qrmi/pkg/qerrors"
	"github.com/qrmi-dev/qrmi/transport"
)

// DirectAccess talks to the low-level job API fronted by object storage.
// The backend has no session concept: acquisition is local bookkeeping
// and release is a no-op. Payloads are staged; the backend reads the
// input and writes results/logs through presigned URLs.
type DirectAccess struct {
	desc   *config.Descriptor
	rest   *restClient
	staged *transport.Staged
}

// NewDirectAccess builds the variant with explicit dependencies so tests
// can substitute the transport and HTTP client.
func NewDirectAccess(desc *config.Descriptor, tokens *auth.Manager, staged *transport.Staged, httpClient *http.Client) *DirectAccess {
	return &DirectAccess{
		desc:   desc,
		rest:   newRESTClient(desc, tokens, httpClient),
		staged: staged,
	}
}

func (d *DirectAccess) Kind() model.ProviderKind { return model.DirectAccess }

func (d *DirectAccess) Capabilities() Capabilities {
	return Capabilities{Sessions: false, Cancel: true}
}

// backendInfo is the backend listing response shape.
type backendInfo struct {
	Name   string `json:"name"`
	Status string `json:"status"`
}

func (d *DirectAccess) IsAccessible(ctx context.Context) bool {
	var info backendInfo
	if err := d.rest.doJSON(ctx, http.MethodGet, "/v1/backends/"+d.desc.Name, nil, &info); err != nil {
		return false
	}
	return info.Status == "online"
}

// Acquire returns a locally generated acquisition token; the backend has
// no session endpoint to call.
func (d *DirectAccess) Acquire(ctx context.Context, _ model.SessionMode, _ time.Duration) (string, error) {
	// Probe credentials up front so an invalid key fails the acquire,
	// not the first submit.
	if _, err := d.rest.tokens.Token(ctx, d.desc); err != nil {
		return "", err
	}
	return uuid.New().String(), nil
}

// Release is a no-op; there is no remote session to tear down.
func (d *DirectAccess) Release(_ context.Context, _ string) error {
	return nil
}

// jobDocument is the submission body: metadata plus the presigned
// storage locations the backend uses for input, results and logs.
type jobDocument struct {
	ID          string         `json:"id"`
	Backend     string         `json:"backend"`
	ProgramID   string         `json:"program_id"`
	TimeoutSecs int64          `json:"timeout_secs"`
	LogLevel    string         `json:"log_level"`
	SessionID   string         `json:"session_id,omitempty"`
	Storage     map[string]any `json:"storage"`
}

func storageEntry(presignedURL string) map[string]string {
	return map[string]string{
		"presigned_url": presignedURL,
		"type":          "s3_compatible",
	}
}

// submitStaged stages the payload and posts the job document; shared
// with the runtime-service variant, which adds a session id.
func submitStaged(ctx context.Context, rest *restClient, staged *transport.Staged,
	lease *model.Lease, seq uint64, spec model.JobSpec, sessionID string,
) (*model.Job, error) {
	if err := staged.PutInput(ctx, lease.ID, seq, spec.Input); err != nil {
		return nil, err
	}
	urls, err := staged.URLs(ctx, lease.ID, seq)
	if err != nil {
		return nil, err
	}

	jobID := uuid.New().String()
	doc := jobDocument{
		ID:          jobID,
		Backend:     rest.desc.Name,
		ProgramID:   string(spec.Program),
		TimeoutSecs: int64(spec.Timeout / time.Second),
		LogLevel:    "info",
		SessionID:   sessionID,
		Storage: map[string]any{
			"input":   storageEntry(urls.InputGet),
			"results": storageEntry(urls.ResultsPut),
			"logs":    storageEntry(urls.LogsPut),
		},
	}
	if err := rest.doJSON(ctx, http.MethodPost, "/v1/jobs", &doc, nil); err != nil {
		return nil, mapProviderError(err)
	}
	log.L().Info("job submitted",
		zap.String("resource", rest.desc.Name),
		zap.String("job_id", jobID),
		zap.String("lease_id", lease.ID),
		zap.Uint64("seq", seq))
	return &model.Job{
		ID:      jobID,
		LeaseID: lease.ID,
		Seq:     seq,
		Program: spec.Program,
		Status:  model.JobSubmitted,
	}, nil
}

func (d *DirectAccess) Submit(ctx context.Context, lease *model.Lease, seq uint64, spec model.JobSpec) (*model.Job, error) {
	if spec.Program != model.ProgramSampler && spec.Program != model.ProgramEstimator {
		return nil, qerrors.ErrUnsupportedPayload.GenWithStackByArgs(spec.Program, model.DirectAccess)
	}
	return submitStaged(ctx, d.rest, d.staged, lease, seq, spec, "")
}

// jobInfo is the job detail response shape.
type jobInfo struct {
	ID             string          `json:"id"`
	Status         string          `json:"status"`
	ReasonCode     json.RawMessage `json:"reason_code,omitempty"`
	ReasonMessage  string          `json:"reason_message,omitempty"`
	ReasonSolution string          `json:"reason_solution,omitempty"`
}

// mapJobStatus converts the backend's job state strings.
func mapJobStatus(s string) (model.JobStatus, bool) {
	switch s {
	case "Queued":
		return model.JobSubmitted, true
	case "Running":
		return model.JobRunning, true
	case "Completed":
		return model.JobCompleted, true
	case "Failed":
		return model.JobFailed, true
	case "Cancelled":
		return model.JobCancelled, true
	}
	return 0, false
}

// fetchJobStatus is the single bounded poll shared with runtime-service.
func fetchJobStatus(ctx context.Context, rest *restClient, job *model.Job) (model.JobStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, statusCallTimeout)
	defer cancel()

	var info jobInfo
	if err := rest.doJSON(ctx, http.MethodGet, "/v1/jobs/"+job.ID, nil, &info); err != nil {
		if httpStatus(err) == http.StatusNotFound {
			return 0, qerrors.Wrap(qerrors.ErrJobNotFound, err, job.ID)
		}
		return 0, mapProviderError(err)
	}
	status, ok := mapJobStatus(info.Status)
	if !ok {
		return 0, qerrors.ErrProvider.GenWithStackByArgs(info.Status, "unknown job status")
	}
	return status, nil
}

func (d *DirectAccess) Status(ctx context.Context, job *model.Job) (model.JobStatus, error) {
	return fetchJobStatus(ctx, d.rest, job)
}

// cancelJob cancels a still-running job and deletes it from the backend.
func cancelJob(ctx context.Context, rest *restClient, job *model.Job) error {
	status, err := fetchJobStatus(ctx, rest, job)
	if err == nil && !status.IsTerminal() {
		// Ignore a cancel race: the job may finish between poll and cancel.
		_ = rest.doJSON(ctx, http.MethodPost, "/v1/jobs/"+job.ID+"/cancel", nil, nil)
	}
	if err := rest.doJSON(ctx, http.MethodDelete, "/v1/jobs/"+job.ID, nil, nil); err != nil {
		if httpStatus(err) == http.StatusNotFound {
			return nil
		}
		return mapProviderError(err)
	}
	return nil
}

func (d *DirectAccess) Cancel(ctx context.Context, job *model.Job) error {
	return cancelJob(ctx, d.rest, job)
}

// Cleanup removes the job from the backend, cancelling it first when it
// is still running, and deletes the staged objects. Results must be
// fetched before cleanup; afterwards the job slot is gone.
func (d *DirectAccess) Cleanup(ctx context.Context, job *model.Job) error {
	err := cancelJob(ctx, d.rest, job)
	d.staged.Cleanup(ctx, job.LeaseID, job.Seq)
	return err
}

// resultStaged fetches the result document of a completed job from the
// staged transport; shared with the runtime-service variant.
func resultStaged(ctx context.Context, rest *restClient, staged *transport.Staged, job *model.Job) ([]byte, error) {
	var info jobInfo
	if err := rest.doJSON(ctx, http.MethodGet, "/v1/jobs/"+job.ID, nil, &info); err != nil {
		if httpStatus(err) == http.StatusNotFound {
			return nil, qerrors.Wrap(qerrors.ErrJobNotFound, err, job.ID)
		}
		return nil, mapProviderError(err)
	}
	status, ok := mapJobStatus(info.Status)
	if !ok {
		return nil, qerrors.ErrProvider.GenWithStackByArgs(info.Status, "unknown job status")
	}
	switch status {
	case model.JobCompleted:
		return staged.GetResults(ctx, job.LeaseID, job.Seq)
	case model.JobFailed:
		return nil, qerrors.ErrProvider.GenWithStackByArgs(
			string(info.ReasonCode), info.ReasonMessage+" "+info.ReasonSolution)
	default:
		return nil, qerrors.ErrNotReady.GenWithStackByArgs(job.ID, status)
	}
}

func (d *DirectAccess) Result(ctx context.Context, job *model.Job) ([]byte, error) {
	return resultStaged(ctx, d.rest, d.staged, job)
}

// Logs downloads the job's log object, written by the backend once the
// job reached a terminal state.
func (d *DirectAccess) Logs(ctx context.Context, job *model.Job) ([]byte, error) {
	return d.staged.GetLogs(ctx, job.LeaseID, job.Seq)
}

func (d *DirectAccess) Target(ctx context.Context) (model.Target, error) {
	return targetDocument(ctx, d.rest, d.desc.Name)
}

func (d *DirectAccess) Metadata() map[string]string {
	return map[string]string{"backend_name": d.desc.Name}
}
