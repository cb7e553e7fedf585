package lease

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/goleak"

	"github.com/qrmi-dev/qrmi/client"
	"github.com/qrmi-dev/qrmi/model"
	"github.com/qrmi-dev/qrmi/pkg/clock"
	"github.com/qrmi-dev/qrmi/pkg/qerrors"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// stubProvider counts acquire/release calls; acquireErr injects failures.
type stubProvider struct {
	mu         sync.Mutex
	acquires   int
	releases   []string
	acquireErr error
}

func (s *stubProvider) Kind() model.ProviderKind { return model.DirectAccess }
func (s *stubProvider) Capabilities() client.Capabilities {
	return client.Capabilities{Cancel: true}
}
func (s *stubProvider) IsAccessible(context.Context) bool { return true }

func (s *stubProvider) Acquire(context.Context, model.SessionMode, time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acquireErr != nil {
		return "", s.acquireErr
	}
	s.acquires++
	return fmt.Sprintf("token-%d", s.acquires), nil
}

func (s *stubProvider) Release(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases = append(s.releases, token)
	return nil
}

func (s *stubProvider) Submit(_ context.Context, lease *model.Lease, seq uint64, spec model.JobSpec) (*model.Job, error) {
	return &model.Job{ID: "job", LeaseID: lease.ID, Seq: seq, Program: spec.Program}, nil
}
func (s *stubProvider) Status(context.Context, *model.Job) (model.JobStatus, error) {
	return model.JobRunning, nil
}
func (s *stubProvider) Cancel(context.Context, *model.Job) error  { return nil }
func (s *stubProvider) Cleanup(context.Context, *model.Job) error { return nil }
func (s *stubProvider) Result(context.Context, *model.Job) ([]byte, error) {
	return nil, nil
}
func (s *stubProvider) Target(context.Context) (model.Target, error) {
	return model.Target{}, nil
}
func (s *stubProvider) Metadata() map[string]string { return nil }

func newTestManager(t *testing.T, clk clock.Clock) (*Manager, *stubProvider) {
	t.Helper()
	m := NewManager(clk)
	t.Cleanup(func() { m.Close(context.Background()) })
	p := &stubProvider{}
	require.NoError(t, m.Register("heron1", p))
	return m, p
}

func TestAcquireAndRelease(t *testing.T) {
	m, p := newTestManager(t, clock.New())
	ctx := context.Background()

	ls, err := m.Acquire(ctx, "heron1", model.SessionModeDedicated, time.Hour)
	require.NoError(t, err)
	require.Equal(t, model.LeaseActive, ls.Status)
	require.Equal(t, "token-1", ls.ID)
	require.Equal(t, "heron1", ls.Resource)

	require.NoError(t, m.Release(ctx, ls))
	require.Equal(t, model.LeaseReleased, ls.Status)

	p.mu.Lock()
	require.Equal(t, []string{"token-1"}, p.releases)
	p.mu.Unlock()

	// The resource is acquirable again after release.
	_, err = m.Acquire(ctx, "heron1", model.SessionModeDedicated, time.Hour)
	require.NoError(t, err)
}

func TestAcquireBusy(t *testing.T) {
	m, _ := newTestManager(t, clock.New())
	ctx := context.Background()

	_, err := m.Acquire(ctx, "heron1", model.SessionModeDedicated, time.Hour)
	require.NoError(t, err)

	_, err = m.Acquire(ctx, "heron1", model.SessionModeDedicated, time.Hour)
	require.Error(t, err)
	require.True(t, qerrors.ErrResourceBusy.Equal(err))
}

func TestAcquireConcurrentSingleWinner(t *testing.T) {
	m, p := newTestManager(t, clock.New())
	ctx := context.Background()

	var wg sync.WaitGroup
	wins := atomic.NewInt64(0)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Acquire(ctx, "heron1", model.SessionModeDedicated, time.Hour); err == nil {
				wins.Inc()
			} else {
				require.True(t, qerrors.ErrResourceBusy.Equal(err))
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int64(1), wins.Load())

	p.mu.Lock()
	require.Equal(t, 1, p.acquires)
	p.mu.Unlock()
}

func TestAcquireProviderFailureLeavesNoLease(t *testing.T) {
	m, p := newTestManager(t, clock.New())
	ctx := context.Background()

	p.mu.Lock()
	p.acquireErr = qerrors.ErrAuthFailed.GenWithStackByArgs("iam")
	p.mu.Unlock()

	_, err := m.Acquire(ctx, "heron1", model.SessionModeDedicated, time.Hour)
	require.Error(t, err)
	require.True(t, qerrors.ErrAuthFailed.Equal(err))

	// The failed attempt does not leave the resource busy.
	p.mu.Lock()
	p.acquireErr = nil
	p.mu.Unlock()
	_, err = m.Acquire(ctx, "heron1", model.SessionModeDedicated, time.Hour)
	require.NoError(t, err)
}

func TestAcquireUnknownResource(t *testing.T) {
	m, _ := newTestManager(t, clock.New())

	_, err := m.Acquire(context.Background(), "nope", model.SessionModeDedicated, time.Hour)
	require.Error(t, err)
	require.True(t, qerrors.ErrResourceNotDefined.Equal(err))
}

func TestReleaseIsIdempotent(t *testing.T) {
	m, p := newTestManager(t, clock.New())
	ctx := context.Background()

	ls, err := m.Acquire(ctx, "heron1", model.SessionModeDedicated, time.Hour)
	require.NoError(t, err)

	require.NoError(t, m.Release(ctx, ls))
	require.NoError(t, m.Release(ctx, ls))
	require.NoError(t, m.Release(ctx, nil))

	p.mu.Lock()
	require.Len(t, p.releases, 1)
	p.mu.Unlock()
}

func TestLeaseExpiresAfterTTL(t *testing.T) {
	mock := clock.NewMock()
	m, _ := newTestManager(t, mock)
	ctx := context.Background()

	ls, err := m.Acquire(ctx, "heron1", model.SessionModeDedicated, 10*time.Minute)
	require.NoError(t, err)

	mock.Add(10*time.Minute + time.Second)

	err = m.CheckActive(ls)
	require.Error(t, err)
	require.True(t, qerrors.ErrLeaseExpired.Equal(err))
	require.Equal(t, model.LeaseExpired, ls.Status)

	// An expired lease no longer blocks acquisition.
	ls2, err := m.Acquire(ctx, "heron1", model.SessionModeDedicated, 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, model.LeaseActive, ls2.Status)
}

func TestExpirySweepRunsWithoutCallers(t *testing.T) {
	mock := clock.NewMock()
	m, _ := newTestManager(t, mock)

	_, err := m.Acquire(context.Background(), "heron1", model.SessionModeDedicated, 10*time.Minute)
	require.NoError(t, err)

	mock.Add(10 * time.Minute)

	// Nothing touches the lease from here on; the background sweep alone
	// must flip it to Expired. Each poll advances the clock one checker
	// tick in case the checker's ticker registered late.
	st, err := m.state("heron1")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		mock.Add(expiryCheckInterval)
		st.mu.Lock()
		defer st.mu.Unlock()
		return st.active.Status == model.LeaseExpired
	}, time.Second, 5*time.Millisecond)
}

func TestBeginJobSequencesAndClampsDeadline(t *testing.T) {
	mock := clock.NewMock()
	m, _ := newTestManager(t, mock)
	ctx := context.Background()

	ls, err := m.Acquire(ctx, "heron1", model.SessionModeDedicated, time.Hour)
	require.NoError(t, err)

	seq, deadline, err := m.BeginJob(ls, 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, uint64(0), seq)
	require.Equal(t, mock.Now().Add(10*time.Minute), deadline)

	seq, _, err = m.BeginJob(ls, 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)

	// A timeout beyond the lease expiry clamps to the expiry instant.
	_, deadline, err = m.BeginJob(ls, 5*time.Hour)
	require.NoError(t, err)
	require.Equal(t, ls.ExpiresAt(), deadline)
}

func TestBeginJobRejectsStaleLease(t *testing.T) {
	mock := clock.NewMock()
	m, _ := newTestManager(t, mock)
	ctx := context.Background()

	ls, err := m.Acquire(ctx, "heron1", model.SessionModeDedicated, time.Hour)
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, ls))

	_, _, err = m.BeginJob(ls, time.Minute)
	require.Error(t, err)
	require.True(t, qerrors.ErrLeaseExpired.Equal(err))
}

func TestBeginJobUnknownLease(t *testing.T) {
	m, _ := newTestManager(t, clock.New())

	_, _, err := m.BeginJob(&model.Lease{ID: "ghost", Resource: "heron1"}, time.Minute)
	require.Error(t, err)
	require.True(t, qerrors.ErrLeaseNotFound.Equal(err))
}

func TestRegisterBusyResource(t *testing.T) {
	m, _ := newTestManager(t, clock.New())
	ctx := context.Background()

	_, err := m.Acquire(ctx, "heron1", model.SessionModeDedicated, time.Hour)
	require.NoError(t, err)

	err = m.Register("heron1", &stubProvider{})
	require.Error(t, err)
	require.True(t, qerrors.ErrResourceBusy.Equal(err))
}

func TestCloseReleasesActiveLeases(t *testing.T) {
	p := &stubProvider{}
	m := NewManager(clock.New())
	require.NoError(t, m.Register("heron1", p))

	ls, err := m.Acquire(context.Background(), "heron1", model.SessionModeDedicated, time.Hour)
	require.NoError(t, err)

	m.Close(context.Background())
	require.Equal(t, model.LeaseReleased, ls.Status)

	p.mu.Lock()
	require.Equal(t, []string{ls.ID}, p.releases)
	p.mu.Unlock()
}
