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

// CloudProviderClient talks to the third-party cloud batch API.
// Payloads travel inline in the request body, bounded by the provider's
// size limit. The API exposes neither sessions nor cancellation:
// acquisition is local bookkeeping, and stopping a job only stops
// polling — the remote batch may run to completion unobserved.
type CloudProviderClient struct {
	desc   *config.Descriptor
	rest   *restClient
	inline transport.Inline
}

// NewCloudProvider builds the variant; the descriptor's static auth
// token is used as the bearer credential.
func NewCloudProvider(desc *config.Descriptor, tokens *auth.Manager, httpClient *http.Client) *CloudProviderClient {
	return &CloudProviderClient{
		desc:   desc,
		rest:   newRESTClient(desc, tokens, httpClient),
		inline: transport.Inline{SizeLimit: desc.InlineSizeLimit},
	}
}

func (c *CloudProviderClient) Kind() model.ProviderKind { return model.CloudProvider }

func (c *CloudProviderClient) Capabilities() Capabilities {
	return Capabilities{Sessions: false, Cancel: false}
}

func (c *CloudProviderClient) IsAccessible(ctx context.Context) bool {
	// The API has no per-device status endpoint; reachability of the
	// account surface is the best available probe.
	err := c.rest.doJSON(ctx, http.MethodGet, "/account/api/v1/auth/info", nil, nil)
	return err == nil
}

// Acquire returns a locally generated acquisition token.
func (c *CloudProviderClient) Acquire(_ context.Context, _ model.SessionMode, _ time.Duration) (string, error) {
	return uuid.New().String(), nil
}

// Release is a no-op; there is no remote session to tear down.
func (c *CloudProviderClient) Release(_ context.Context, _ string) error {
	return nil
}

type batchRequest struct {
	ProjectID string `json:"project_id"`
	Sequence  string `json:"sequence"`
	JobRuns   int    `json:"job_runs"`
}

type batchData struct {
	ID      string          `json:"id"`
	Status  string          `json:"status"`
	Results json.RawMessage `json:"results,omitempty"`
}

type batchResponse struct {
	Data batchData `json:"data"`
}

func (c *CloudProviderClient) Submit(ctx context.Context, lease *model.Lease, seq uint64, spec model.JobSpec) (*model.Job, error) {
	if spec.Program != model.ProgramSampler {
		return nil, qerrors.ErrUnsupportedPayload.GenWithStackByArgs(spec.Program, model.CloudProvider)
	}
	if err := c.inline.Check(spec.Input); err != nil {
		return nil, err
	}

	runs := spec.Runs
	if runs <= 0 {
		runs = 1
	}
	req := batchRequest{
		ProjectID: c.desc.ProjectID,
		Sequence:  string(spec.Input),
		JobRuns:   runs,
	}
	var resp batchResponse
	if err := c.rest.doJSON(ctx, http.MethodPost, "/api/v1/batches", &req, &resp); err != nil {
		return nil, mapProviderError(err)
	}
	if resp.Data.ID == "" {
		return nil, qerrors.ErrProvider.GenWithStackByArgs("", "batch endpoint returned no id")
	}
	log.L().Info("batch submitted",
		zap.String("resource", c.desc.Name),
		zap.String("batch_id", resp.Data.ID),
		zap.String("lease_id", lease.ID),
		zap.Uint64("seq", seq))
	return &model.Job{
		ID:      resp.Data.ID,
		LeaseID: lease.ID,
		Seq:     seq,
		Program: spec.Program,
		Status:  model.JobSubmitted,
	}, nil
}

// mapBatchStatus converts the batch API's state strings.
func mapBatchStatus(s string) (model.JobStatus, bool) {
	switch s {
	case "PENDING":
		return model.JobSubmitted, true
	case "RUNNING":
		return model.JobRunning, true
	case "DONE":
		return model.JobCompleted, true
	case "ERROR":
		return model.JobFailed, true
	case "CANCELED":
		return model.JobCancelled, true
	}
	return 0, false
}

func (c *CloudProviderClient) fetchBatch(ctx context.Context, job *model.Job) (*batchData, error) {
	var resp batchResponse
	if err := c.rest.doJSON(ctx, http.MethodGet, "/api/v1/batches/"+job.ID, nil, &resp); err != nil {
		if httpStatus(err) == http.StatusNotFound {
			return nil, qerrors.Wrap(qerrors.ErrJobNotFound, err, job.ID)
		}
		return nil, mapProviderError(err)
	}
	return &resp.Data, nil
}

func (c *CloudProviderClient) Status(ctx context.Context, job *model.Job) (model.JobStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, statusCallTimeout)
	defer cancel()

	data, err := c.fetchBatch(ctx, job)
	if err != nil {
		return 0, err
	}
	status, ok := mapBatchStatus(data.Status)
	if !ok {
		return 0, qerrors.ErrProvider.GenWithStackByArgs(data.Status, "unknown batch status")
	}
	return status, nil
}

// Cancel is a no-op: the batch API does not support remote cancellation
// (Capabilities().Cancel is false); the engine stops polling instead.
func (c *CloudProviderClient) Cancel(_ context.Context, _ *model.Job) error {
	return nil
}

// Cleanup is a no-op: payloads and results travel inline, so there is
// nothing staged to remove, and the API owns the batch record.
func (c *CloudProviderClient) Cleanup(_ context.Context, _ *model.Job) error {
	return nil
}

// Result returns the batch results carried inline in the detail response.
func (c *CloudProviderClient) Result(ctx context.Context, job *model.Job) ([]byte, error) {
	data, err := c.fetchBatch(ctx, job)
	if err != nil {
		return nil, err
	}
	status, ok := mapBatchStatus(data.Status)
	if !ok {
		return nil, qerrors.ErrProvider.GenWithStackByArgs(data.Status, "unknown batch status")
	}
	switch status {
	case model.JobCompleted:
		return []byte(data.Results), nil
	case model.JobFailed:
		return nil, qerrors.ErrProvider.GenWithStackByArgs(data.Status, "batch failed")
	default:
		return nil, qerrors.ErrNotReady.GenWithStackByArgs(job.ID, status)
	}
}

// Target returns an empty device description; the batch API does not
// publish one.
func (c *CloudProviderClient) Target(_ context.Context) (model.Target, error) {
	return model.Target{Value: "{}"}, nil
}

func (c *CloudProviderClient) Metadata() map[string]string {
	return map[string]string{
		"backend_name": c.desc.Name,
		"project_id":   c.desc.ProjectID,
	}
}
