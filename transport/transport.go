// Package transport moves opaque job payloads between the caller and a
// backend. Two strategies exist: Inline carries the payload in the
// provider API body, Staged parks it in object storage keyed by lease id
// and job sequence number. Staged operations are idempotent and are
// retried with bounded exponential backoff; inline transfers are part of
// the (non-retried) submission call and only get bounds-checked here.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/qrmi-dev/qrmi/pkg/clock"
	"github.com/qrmi-dev/qrmi/pkg/promutil"
	"github.com/qrmi-dev/qrmi/pkg/qerrors"
	"github.com/qrmi-dev/qrmi/pkg/retry"
)

// Object names under the per-job key prefix.
const (
	inputObject   = "input.json"
	resultsObject = "results.json"
	logsObject    = "logs.json"
)

// presignLifetime bounds how long the backend may use a presigned URL.
const presignLifetime = 12 * time.Hour

// Inline bounds payloads that travel in the provider API body.
type Inline struct {
	// SizeLimit is the provider's inline payload limit in bytes.
	SizeLimit int
}

// Check validates the payload against the provider limit.
func (i Inline) Check(payload []byte) error {
	if i.SizeLimit > 0 && len(payload) > i.SizeLimit {
		return qerrors.ErrPayloadTooLarge.GenWithStackByArgs(len(payload), i.SizeLimit)
	}
	return nil
}

// StagedURLs are the presigned locations handed to the backend alongside
// a job submission.
type StagedURLs struct {
	InputGet   string
	ResultsPut string
	LogsPut    string
}

// Staged moves payloads through an object store. The lease id and the
// per-lease job sequence number form the key prefix, so concurrent jobs
// on the same or different leases never collide.
type Staged struct {
	store  ObjectStore
	clk    clock.Clock
	policy retry.Policy
}

// NewStaged wraps store with the retry schedule used for idempotent
// object-storage calls.
func NewStaged(store ObjectStore, clk clock.Clock, policy retry.Policy) *Staged {
	if clk == nil {
		clk = clock.New()
	}
	return &Staged{store: store, clk: clk, policy: policy}
}

// key builds "<leaseID>/<seq>/<object>".
func key(leaseID string, seq uint64, object string) string {
	return fmt.Sprintf("%s/%d/%s", leaseID, seq, object)
}

// InputKey exposes the input object key for a job slot.
func InputKey(leaseID string, seq uint64) string {
	return key(leaseID, seq, inputObject)
}

// ResultsKey exposes the results object key for a job slot.
func ResultsKey(leaseID string, seq uint64) string {
	return key(leaseID, seq, resultsObject)
}

// PutInput uploads the job input payload, retrying on failure.
func (s *Staged) PutInput(ctx context.Context, leaseID string, seq uint64, payload []byte) error {
	k := InputKey(leaseID, seq)
	return s.do(ctx, "put", k, func(ctx context.Context) error {
		return s.store.Put(ctx, k, payload)
	})
}

// GetResults downloads the results object written by the backend.
func (s *Staged) GetResults(ctx context.Context, leaseID string, seq uint64) ([]byte, error) {
	k := ResultsKey(leaseID, seq)
	var data []byte
	err := s.do(ctx, "get", k, func(ctx context.Context) error {
		var opErr error
		data, opErr = s.store.Get(ctx, k)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// GetLogs downloads the logs object, available once the job reached a
// terminal state.
func (s *Staged) GetLogs(ctx context.Context, leaseID string, seq uint64) ([]byte, error) {
	k := key(leaseID, seq, logsObject)
	var data []byte
	err := s.do(ctx, "get", k, func(ctx context.Context) error {
		var opErr error
		data, opErr = s.store.Get(ctx, k)
		return opErr
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// URLs generates the presigned locations for one job slot.
func (s *Staged) URLs(ctx context.Context, leaseID string, seq uint64) (StagedURLs, error) {
	var urls StagedURLs
	var err error
	if urls.InputGet, err = s.store.PresignGet(ctx, InputKey(leaseID, seq), presignLifetime); err != nil {
		return urls, err
	}
	if urls.ResultsPut, err = s.store.PresignPut(ctx, ResultsKey(leaseID, seq), presignLifetime); err != nil {
		return urls, err
	}
	if urls.LogsPut, err = s.store.PresignPut(ctx, key(leaseID, seq, logsObject), presignLifetime); err != nil {
		return urls, err
	}
	return urls, nil
}

// Cleanup deletes the staged objects of a job slot. Best effort; a
// missing object is not an error.
func (s *Staged) Cleanup(ctx context.Context, leaseID string, seq uint64) {
	for _, object := range []string{inputObject, resultsObject, logsObject} {
		if err := s.store.Delete(ctx, key(leaseID, seq, object)); err != nil {
			log.L().Warn("failed to delete staged object",
				zap.String("key", key(leaseID, seq, object)),
				zap.Error(err))
		}
	}
}

func (s *Staged) do(ctx context.Context, op, k string, fn func(ctx context.Context) error) error {
	attempt := 0
	err := retry.Do(ctx, s.clk, s.policy, nil, func(ctx context.Context) error {
		if attempt > 0 {
			promutil.TransportRetries.WithLabelValues(op).Inc()
			log.L().Debug("retrying staged transport operation",
				zap.String("op", op), zap.String("key", k), zap.Int("attempt", attempt))
		}
		attempt++
		return fn(ctx)
	})
	if err != nil {
		if qerrors.ErrTransport.Equal(err) {
			return err
		}
		return qerrors.Wrap(qerrors.ErrTransport, err, op, k)
	}
	return nil
}
