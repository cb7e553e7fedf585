package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLeaseStatusTransitions(t *testing.T) {
	t.Parallel()

	ls := &Lease{Status: LeasePending}
	require.True(t, ls.AdvanceStatus(LeaseActive))
	require.True(t, ls.AdvanceStatus(LeaseReleased))

	// Terminal states never reopen.
	require.False(t, ls.AdvanceStatus(LeaseActive))
	require.False(t, ls.AdvanceStatus(LeaseExpired))
	require.Equal(t, LeaseReleased, ls.Status)
}

func TestLeaseCannotSkipPending(t *testing.T) {
	t.Parallel()

	ls := &Lease{Status: LeasePending}
	require.False(t, ls.AdvanceStatus(LeaseReleased))
	require.False(t, ls.AdvanceStatus(LeaseExpired))
	require.True(t, ls.AdvanceStatus(LeaseFailed))
}

func TestLeaseExpiresAt(t *testing.T) {
	t.Parallel()

	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ls := &Lease{CreatedAt: created, MaxTTL: 8 * time.Hour}
	require.Equal(t, created.Add(8*time.Hour), ls.ExpiresAt())
}

func TestJobStatusTerminal(t *testing.T) {
	t.Parallel()

	for _, s := range []JobStatus{JobCompleted, JobFailed, JobCancelled, JobTimedOut} {
		require.True(t, s.IsTerminal(), s.String())
	}
	for _, s := range []JobStatus{JobSubmitted, JobRunning} {
		require.False(t, s.IsTerminal(), s.String())
	}
}

func TestParseProviderKind(t *testing.T) {
	t.Parallel()

	for _, k := range SupportedProviderKinds {
		got, ok := ParseProviderKind(string(k))
		require.True(t, ok)
		require.Equal(t, k, got)
	}
	_, ok := ParseProviderKind("mainframe")
	require.False(t, ok)
}

func TestParseSessionMode(t *testing.T) {
	t.Parallel()

	mode, ok := ParseSessionMode("batch")
	require.True(t, ok)
	require.Equal(t, SessionModeBatch, mode)

	_, ok = ParseSessionMode("exclusive")
	require.False(t, ok)
}

func TestParseProgramID(t *testing.T) {
	t.Parallel()

	p, ok := ParseProgramID("estimator")
	require.True(t, ok)
	require.Equal(t, ProgramEstimator, p)

	_, ok = ParseProgramID("optimizer")
	require.False(t, ok)
}
