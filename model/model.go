// Package model holds the data types shared across the QRMI core:
// provider kinds, leases, jobs and their status machines.
package model

import (
	"fmt"
	"time"
)

// ProviderKind identifies which wire protocol backs a resource. The set
// is closed; adding a kind means adding a client variant.
type ProviderKind string

const (
	// DirectAccess is the low-level API fronted by object storage.
	DirectAccess ProviderKind = "direct-access"
	// RuntimeService is the managed-session API.
	RuntimeService ProviderKind = "runtime-service"
	// CloudProvider is the third-party cloud batch API.
	CloudProvider ProviderKind = "cloud-provider"
)

// SupportedProviderKinds lists every recognized kind, for error messages.
var SupportedProviderKinds = []ProviderKind{DirectAccess, RuntimeService, CloudProvider}

// ParseProviderKind validates a config-supplied kind string.
func ParseProviderKind(s string) (ProviderKind, bool) {
	switch ProviderKind(s) {
	case DirectAccess, RuntimeService, CloudProvider:
		return ProviderKind(s), true
	}
	return "", false
}

// SessionMode selects how a managed session schedules jobs.
type SessionMode string

const (
	// SessionModeDedicated reserves the backend for this lease.
	SessionModeDedicated SessionMode = "dedicated"
	// SessionModeBatch shares the backend between leases.
	SessionModeBatch SessionMode = "batch"
)

// ParseSessionMode validates a config-supplied session mode.
func ParseSessionMode(s string) (SessionMode, bool) {
	switch SessionMode(s) {
	case SessionModeDedicated, SessionModeBatch:
		return SessionMode(s), true
	}
	return "", false
}

// LeaseStatus is the lease state machine. Transitions are monotonic:
// Pending -> Active -> {Released, Expired, Failed}, terminal states never
// transition further.
type LeaseStatus int

const (
	LeasePending LeaseStatus = iota
	LeaseActive
	LeaseReleased
	LeaseExpired
	LeaseFailed
)

func (s LeaseStatus) String() string {
	switch s {
	case LeasePending:
		return "Pending"
	case LeaseActive:
		return "Active"
	case LeaseReleased:
		return "Released"
	case LeaseExpired:
		return "Expired"
	case LeaseFailed:
		return "Failed"
	}
	return fmt.Sprintf("LeaseStatus(%d)", int(s))
}

// IsTerminal reports whether no further transition is possible.
func (s LeaseStatus) IsTerminal() bool {
	return s == LeaseReleased || s == LeaseExpired || s == LeaseFailed
}

// canTransition encodes the monotonic lease state machine.
func (s LeaseStatus) canTransition(to LeaseStatus) bool {
	if s.IsTerminal() {
		return false
	}
	switch s {
	case LeasePending:
		return to == LeaseActive || to == LeaseFailed
	case LeaseActive:
		return to.IsTerminal()
	}
	return false
}

// Lease is an exclusive, time-bounded claim on a resource. It is created
// by the lease manager and mutated only by the lease manager.
type Lease struct {
	// ID is the acquisition token. For managed sessions it is the remote
	// session id; otherwise it is generated locally.
	ID string
	// Resource is the resource name this lease claims.
	Resource string
	Mode     SessionMode
	// MaxTTL is the forced-expiry window measured from CreatedAt.
	MaxTTL    time.Duration
	CreatedAt time.Time
	Status    LeaseStatus
}

// ExpiresAt returns the instant after which the lease is expired.
func (l *Lease) ExpiresAt() time.Time {
	return l.CreatedAt.Add(l.MaxTTL)
}

// AdvanceStatus applies a monotonic transition, returning false if the
// transition would reopen a terminal state or skip a step.
func (l *Lease) AdvanceStatus(to LeaseStatus) bool {
	if !l.Status.canTransition(to) {
		return false
	}
	l.Status = to
	return true
}

// ProgramID is the primitive kind of a job payload. The two recognized
// values correspond to the two supported primitive job types.
type ProgramID string

const (
	ProgramSampler   ProgramID = "sampler"
	ProgramEstimator ProgramID = "estimator"
)

// ParseProgramID validates a user-supplied program kind.
func ParseProgramID(s string) (ProgramID, bool) {
	switch ProgramID(s) {
	case ProgramSampler, ProgramEstimator:
		return ProgramID(s), true
	}
	return "", false
}

// JobStatus is the job state machine. Terminal states never reopen.
type JobStatus int

const (
	JobSubmitted JobStatus = iota
	JobRunning
	JobCompleted
	JobFailed
	JobCancelled
	JobTimedOut
)

func (s JobStatus) String() string {
	switch s {
	case JobSubmitted:
		return "Submitted"
	case JobRunning:
		return "Running"
	case JobCompleted:
		return "Completed"
	case JobFailed:
		return "Failed"
	case JobCancelled:
		return "Cancelled"
	case JobTimedOut:
		return "TimedOut"
	}
	return fmt.Sprintf("JobStatus(%d)", int(s))
}

// IsTerminal reports whether the job has reached a final status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled, JobTimedOut:
		return true
	}
	return false
}

// JobSpec is the caller-supplied description of a unit of work. Input is
// an opaque byte payload; the core never validates its internals.
type JobSpec struct {
	Program ProgramID
	Input   []byte
	// Runs is the repetition count for cloud-provider batches; ignored by
	// the other variants.
	Runs int
	// Timeout bounds the job execution; clamped to the lease TTL window.
	Timeout time.Duration
}

// Job is a unit of work submitted under exactly one lease. A job cannot
// logically outlive its lease: a released or expired lease invalidates
// polling, though the backend may still complete the underlying work.
type Job struct {
	// ID is assigned by the backend, or generated locally for backends
	// that accept caller-chosen ids.
	ID      string
	LeaseID string
	// Seq is the per-lease job sequence number; together with the lease
	// id it forms the staged-transport key prefix.
	Seq         uint64
	Program     ProgramID
	Status      JobStatus
	SubmittedAt time.Time
	// Deadline is always <= the lease's expiry instant.
	Deadline time.Time
}

// Target is a vendor-specific serialized device description (supported
// instructions, properties, timing constraints) for compilers.
type Target struct {
	Value string
}

// TaskResult carries the opaque result payload of a completed job.
type TaskResult struct {
	Value []byte
}
