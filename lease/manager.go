// Package lease enforces the single-active-lease-per-resource rule and
// drives the lease state machine. All mutations flow through the
// Manager; providers never change lease status themselves.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/pingcap/log"
	"go.uber.org/zap"

	"github.com/qrmi-dev/qrmi/client"
	"github.com/qrmi-dev/qrmi/model"
	"github.com/qrmi-dev/qrmi/pkg/clock"
	"github.com/qrmi-dev/qrmi/pkg/promutil"
	"github.com/qrmi-dev/qrmi/pkg/qerrors"
)

// expiryCheckInterval is how often the background checker scans for
// leases past their TTL.
const expiryCheckInterval = time.Second

// resourceState holds everything the manager tracks for one registered
// resource. Its mutex is held across the provider's Acquire/Release
// calls, so two concurrent Acquire calls on the same resource serialize
// and the loser observes the winner's lease.
type resourceState struct {
	mu       sync.Mutex
	provider client.Provider
	active   *model.Lease
	// nextSeq numbers jobs submitted under the active lease.
	nextSeq uint64
}

// Manager owns every lease in the process. One lease may be active per
// resource at a time; acquiring a busy resource fails, it never queues.
type Manager struct {
	mu        sync.RWMutex
	resources map[string]*resourceState

	clk clock.Clock

	wg     sync.WaitGroup
	closed chan struct{}
}

// NewManager starts the expiry checker goroutine; callers must Close.
func NewManager(clk clock.Clock) *Manager {
	m := &Manager{
		resources: make(map[string]*resourceState),
		clk:       clk,
		closed:    make(chan struct{}),
	}
	m.wg.Add(1)
	go m.expiryLoop()
	return m
}

// Register makes a resource acquirable. Re-registering a name replaces
// the provider only when no lease is active on it.
func (m *Manager) Register(name string, provider client.Provider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.resources[name]; ok {
		st.mu.Lock()
		defer st.mu.Unlock()
		if st.active != nil && st.active.Status == model.LeaseActive {
			return qerrors.ErrResourceBusy.GenWithStackByArgs(name, st.active.ID)
		}
		st.provider = provider
		return nil
	}
	m.resources[name] = &resourceState{provider: provider}
	return nil
}

func (m *Manager) state(name string) (*resourceState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.resources[name]
	if !ok {
		return nil, qerrors.ErrResourceNotDefined.GenWithStackByArgs(name)
	}
	return st, nil
}

// Provider returns the registered provider for a resource.
func (m *Manager) Provider(name string) (client.Provider, error) {
	st, err := m.state(name)
	if err != nil {
		return nil, err
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.provider, nil
}

// Acquire claims the resource exclusively. The returned lease is Active
// with its TTL window already running. An active lease on the resource
// fails the call with ErrResourceBusy; the caller decides whether to
// retry. A provider failure leaves no lease behind.
func (m *Manager) Acquire(ctx context.Context, name string, mode model.SessionMode, ttl time.Duration) (*model.Lease, error) {
	st, err := m.state(name)
	if err != nil {
		return nil, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.active != nil && !st.active.Status.IsTerminal() {
		// A stale but expired lease does not block acquisition.
		if m.clk.Now().Before(st.active.ExpiresAt()) {
			promutil.AcquireTotal.WithLabelValues(name, "busy").Inc()
			return nil, qerrors.ErrResourceBusy.GenWithStackByArgs(name, st.active.ID)
		}
		m.expire(name, st.active)
	}

	lease := &model.Lease{
		Resource:  name,
		Mode:      mode,
		MaxTTL:    ttl,
		CreatedAt: m.clk.Now(),
		Status:    model.LeasePending,
	}

	token, err := st.provider.Acquire(ctx, mode, ttl)
	if err != nil {
		lease.AdvanceStatus(model.LeaseFailed)
		promutil.AcquireTotal.WithLabelValues(name, "error").Inc()
		return nil, err
	}
	lease.ID = token
	lease.AdvanceStatus(model.LeaseActive)
	st.active = lease
	st.nextSeq = 0

	promutil.AcquireTotal.WithLabelValues(name, "ok").Inc()
	log.L().Info("lease acquired",
		zap.String("resource", name),
		zap.String("lease_id", lease.ID),
		zap.String("mode", string(mode)),
		zap.Duration("max_ttl", ttl))
	return lease, nil
}

// Release ends the lease and tears down any remote session. It is
// idempotent: releasing a terminal or unknown lease succeeds.
func (m *Manager) Release(ctx context.Context, lease *model.Lease) error {
	if lease == nil {
		return nil
	}
	st, err := m.state(lease.Resource)
	if err != nil {
		return err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.active == nil || st.active.ID != lease.ID {
		return nil
	}
	if st.active.Status.IsTerminal() {
		return nil
	}

	if err := st.provider.Release(ctx, lease.ID); err != nil {
		return err
	}
	st.active.AdvanceStatus(model.LeaseReleased)
	lease.Status = st.active.Status
	log.L().Info("lease released",
		zap.String("resource", lease.Resource),
		zap.String("lease_id", lease.ID))
	return nil
}

// BeginJob checks the lease is still usable and hands out the next job
// sequence number plus the effective deadline, which is the job timeout
// clamped to the lease expiry.
func (m *Manager) BeginJob(lease *model.Lease, timeout time.Duration) (uint64, time.Time, error) {
	st, err := m.state(lease.Resource)
	if err != nil {
		return 0, time.Time{}, err
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.active == nil || st.active.ID != lease.ID {
		return 0, time.Time{}, qerrors.ErrLeaseNotFound.GenWithStackByArgs(lease.ID, lease.Resource)
	}
	if st.active.Status != model.LeaseActive {
		return 0, time.Time{}, qerrors.ErrLeaseExpired.GenWithStackByArgs(lease.ID, st.active.Status)
	}
	now := m.clk.Now()
	if !now.Before(st.active.ExpiresAt()) {
		m.expire(lease.Resource, st.active)
		lease.Status = st.active.Status
		return 0, time.Time{}, qerrors.ErrLeaseExpired.GenWithStackByArgs(lease.ID, st.active.Status)
	}

	seq := st.nextSeq
	st.nextSeq++

	deadline := now.Add(timeout)
	if expiry := st.active.ExpiresAt(); deadline.After(expiry) {
		deadline = expiry
	}
	return seq, deadline, nil
}

// CheckActive reports whether the lease is still Active, expiring it
// first when its TTL has elapsed.
func (m *Manager) CheckActive(lease *model.Lease) error {
	st, err := m.state(lease.Resource)
	if err != nil {
		return err
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.active == nil || st.active.ID != lease.ID {
		return qerrors.ErrLeaseNotFound.GenWithStackByArgs(lease.ID, lease.Resource)
	}
	if st.active.Status == model.LeaseActive && !m.clk.Now().Before(st.active.ExpiresAt()) {
		m.expire(lease.Resource, st.active)
	}
	lease.Status = st.active.Status
	if st.active.Status != model.LeaseActive {
		return qerrors.ErrLeaseExpired.GenWithStackByArgs(lease.ID, st.active.Status)
	}
	return nil
}

// expire marks a lease Expired. Caller holds the resource mutex.
func (m *Manager) expire(name string, lease *model.Lease) {
	if !lease.AdvanceStatus(model.LeaseExpired) {
		return
	}
	promutil.LeasesExpired.WithLabelValues(name).Inc()
	log.L().Warn("lease expired",
		zap.String("resource", name),
		zap.String("lease_id", lease.ID),
		zap.Duration("max_ttl", lease.MaxTTL))
}

// expiryLoop forces leases past their TTL into Expired even when no
// caller is touching them.
func (m *Manager) expiryLoop() {
	defer m.wg.Done()
	ticker := m.clk.Ticker(expiryCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.closed:
			return
		case <-ticker.C:
			m.sweepExpired()
		}
	}
}

func (m *Manager) sweepExpired() {
	m.mu.RLock()
	states := make(map[string]*resourceState, len(m.resources))
	for name, st := range m.resources {
		states[name] = st
	}
	m.mu.RUnlock()

	now := m.clk.Now()
	for name, st := range states {
		st.mu.Lock()
		if st.active != nil && st.active.Status == model.LeaseActive && !now.Before(st.active.ExpiresAt()) {
			m.expire(name, st.active)
		}
		st.mu.Unlock()
	}
}

// Close stops the expiry checker and releases every active lease with a
// best-effort provider call.
func (m *Manager) Close(ctx context.Context) {
	close(m.closed)
	m.wg.Wait()

	m.mu.RLock()
	states := make(map[string]*resourceState, len(m.resources))
	for name, st := range m.resources {
		states[name] = st
	}
	m.mu.RUnlock()

	for name, st := range states {
		st.mu.Lock()
		if st.active != nil && st.active.Status == model.LeaseActive {
			if err := st.provider.Release(ctx, st.active.ID); err != nil {
				log.L().Warn("release on close failed",
					zap.String("resource", name),
					zap.String("lease_id", st.active.ID),
					zap.Error(err))
			}
			st.active.AdvanceStatus(model.LeaseReleased)
		}
		st.mu.Unlock()
	}
}
