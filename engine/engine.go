// Package engine runs jobs end to end on top of the lease manager:
// submit, poll until terminal, fetch the result. The engine owns the
// polling discipline so provider variants stay single-shot.
package engine

import (
	"context"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/qrmi-dev/qrmi/client"
	"github.com/qrmi-dev/qrmi/lease"
	"github.com/qrmi-dev/qrmi/model"
	"github.com/qrmi-dev/qrmi/pkg/clock"
	"github.com/qrmi-dev/qrmi/pkg/promutil"
	"github.com/qrmi-dev/qrmi/pkg/qerrors"
)

const (
	// pollGrowthFactor stretches the poll interval while the job stays
	// non-terminal, up to maxPollFactor times the base interval.
	pollGrowthFactor = 2
	maxPollFactor    = 8

	// maxConsecutivePollFailures bounds transient status errors before
	// the engine gives up on a job.
	maxConsecutivePollFailures = 5

	// pollsPerSecond caps the process-wide status poll rate across all
	// concurrent executions.
	pollsPerSecond = 10

	// teardownTimeout bounds the best-effort cancel and cleanup calls,
	// which run on a fresh context because the caller's may be done.
	teardownTimeout = 30 * time.Second
)

// abandonedOutcome labels jobs the engine stopped tracking before the
// backend reported a terminal status.
const abandonedOutcome = "Abandoned"

// Engine coordinates job execution. Safe for concurrent use; each
// execution runs independently under its own lease sequence number.
type Engine struct {
	leases  *lease.Manager
	clk     clock.Clock
	base    time.Duration
	limiter *rate.Limiter
}

// New builds an engine polling at the given base interval.
func New(leases *lease.Manager, clk clock.Clock, pollInterval time.Duration) *Engine {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Engine{
		leases:  leases,
		clk:     clk,
		base:    pollInterval,
		limiter: rate.NewLimiter(rate.Limit(pollsPerSecond), pollsPerSecond),
	}
}

// Execution is the handle for one submitted job. Cancel may be called
// from any goroutine; the engine honors it at the next poll boundary.
type Execution struct {
	Job      *model.Job
	deadline time.Time

	cancelled *atomic.Bool
	// cancelSent guards the single best-effort remote cancel call.
	cancelSent *atomic.Bool
}

// Cancel requests cooperative cancellation. The remote job is cancelled
// only when the provider supports it; otherwise polling just stops.
func (e *Execution) Cancel() {
	e.cancelled.Store(true)
}

// Submit validates the lease, stamps a sequence number and starts the
// job. A submit is never retried.
func (e *Engine) Submit(ctx context.Context, ls *model.Lease, spec model.JobSpec) (*Execution, error) {
	provider, err := e.leases.Provider(ls.Resource)
	if err != nil {
		return nil, err
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = ls.MaxTTL
	}
	seq, deadline, err := e.leases.BeginJob(ls, timeout)
	if err != nil {
		return nil, err
	}

	job, err := provider.Submit(ctx, ls, seq, spec)
	if err != nil {
		return nil, err
	}
	job.SubmittedAt = e.clk.Now()
	job.Deadline = deadline

	promutil.JobsSubmitted.WithLabelValues(ls.Resource, string(spec.Program)).Inc()
	log.L().Info("job submitted",
		zap.String("resource", ls.Resource),
		zap.String("job_id", job.ID),
		zap.String("lease_id", ls.ID),
		zap.Uint64("seq", seq),
		zap.Time("deadline", deadline))

	return &Execution{
		Job:        job,
		deadline:   deadline,
		cancelled:  atomic.NewBool(false),
		cancelSent: atomic.NewBool(false),
	}, nil
}

// Wait polls until the job reaches a terminal status, fetches the
// result for completed jobs and tears the job down on the backend.
// TimedOut and Cancelled are terminal
// statuses, not errors: Wait returns a nil result and nil error and the
// caller inspects Job.Status. A failed job surfaces the provider's
// reason as the error.
func (e *Engine) Wait(ctx context.Context, ls *model.Lease, ex *Execution) ([]byte, error) {
	provider, err := e.leases.Provider(ls.Resource)
	if err != nil {
		return nil, err
	}

	interval := e.base
	maxInterval := e.base * maxPollFactor
	pollFailures := 0

	for !ex.Job.Status.IsTerminal() {
		if ctx.Err() != nil || ex.cancelled.Load() {
			e.cancelOnce(provider, ex)
			ex.Job.Status = model.JobCancelled
			break
		}
		if !e.clk.Now().Before(ex.deadline) {
			e.cancelOnce(provider, ex)
			ex.Job.Status = model.JobTimedOut
			log.L().Warn("job deadline exceeded",
				zap.String("resource", ls.Resource),
				zap.String("job_id", ex.Job.ID))
			break
		}
		if err := e.leases.CheckActive(ls); err != nil {
			e.cancelOnce(provider, ex)
			e.abandon(ls.Resource, provider, ex)
			return nil, err
		}

		if err := e.limiter.Wait(ctx); err != nil {
			continue
		}
		promutil.StatusPolls.WithLabelValues(ls.Resource).Inc()
		status, err := provider.Status(ctx, ex.Job)
		if err != nil {
			if qerrors.ErrJobNotFound.Equal(err) || qerrors.ErrAuthFailed.Equal(err) {
				e.abandon(ls.Resource, provider, ex)
				return nil, err
			}
			pollFailures++
			if pollFailures >= maxConsecutivePollFailures {
				e.abandon(ls.Resource, provider, ex)
				return nil, err
			}
			log.L().Warn("status poll failed, will retry",
				zap.String("job_id", ex.Job.ID),
				zap.Int("consecutive_failures", pollFailures),
				zap.Error(err))
		} else {
			pollFailures = 0
			if status != ex.Job.Status {
				log.L().Info("job status changed",
					zap.String("job_id", ex.Job.ID),
					zap.Stringer("from", ex.Job.Status),
					zap.Stringer("to", status))
				interval = e.base
			}
			ex.Job.Status = status
			if status.IsTerminal() {
				break
			}
		}

		e.sleep(ctx, interval)
		if interval < maxInterval {
			interval *= pollGrowthFactor
			if interval > maxInterval {
				interval = maxInterval
			}
		}
	}

	e.finish(ls.Resource, ex)
	// Teardown runs after the result fetch below; a completed job's
	// results live in the staged objects the cleanup deletes.
	defer e.cleanup(provider, ex)

	switch ex.Job.Status {
	case model.JobCompleted:
		return provider.Result(ctx, ex.Job)
	case model.JobFailed:
		// Result carries the backend's failure reason.
		_, err := provider.Result(ctx, ex.Job)
		if err == nil {
			err = qerrors.ErrProvider.GenWithStackByArgs(ex.Job.Status, "job failed")
		}
		return nil, err
	default:
		// TimedOut and Cancelled.
		return nil, nil
	}
}

// Run submits and waits in one call.
func (e *Engine) Run(ctx context.Context, ls *model.Lease, spec model.JobSpec) (*model.Job, []byte, error) {
	ex, err := e.Submit(ctx, ls, spec)
	if err != nil {
		return nil, nil, err
	}
	result, err := e.Wait(ctx, ls, ex)
	return ex.Job, result, err
}

// cancelOnce issues at most one best-effort remote cancel. The call uses
// a fresh context because the caller's may already be done.
func (e *Engine) cancelOnce(provider client.Provider, ex *Execution) {
	if !provider.Capabilities().Cancel {
		return
	}
	if !ex.cancelSent.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := provider.Cancel(ctx, ex.Job); err != nil {
		log.L().Warn("remote cancel failed",
			zap.String("job_id", ex.Job.ID),
			zap.Error(err))
	}
}

// cleanup removes the remote job record and its staged payloads. Best
// effort: a cleanup failure never changes the run's outcome.
func (e *Engine) cleanup(provider client.Provider, ex *Execution) {
	ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
	defer cancel()
	if err := provider.Cleanup(ctx, ex.Job); err != nil {
		log.L().Warn("job cleanup failed",
			zap.String("job_id", ex.Job.ID),
			zap.Error(err))
	}
}

func (e *Engine) finish(resource string, ex *Execution) {
	promutil.JobsFinished.WithLabelValues(resource, ex.Job.Status.String()).Inc()
	e.observeDuration(resource, ex)
}

// abandon accounts for a job the engine gave up on without a terminal
// status from the backend, then tears it down.
func (e *Engine) abandon(resource string, provider client.Provider, ex *Execution) {
	promutil.JobsFinished.WithLabelValues(resource, abandonedOutcome).Inc()
	e.observeDuration(resource, ex)
	e.cleanup(provider, ex)
}

func (e *Engine) observeDuration(resource string, ex *Execution) {
	if !ex.Job.SubmittedAt.IsZero() {
		promutil.JobDuration.WithLabelValues(resource).
			Observe(clock.MonotonicElapsed(e.clk, ex.Job.SubmittedAt).Seconds())
	}
}

func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	timer := e.clk.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
