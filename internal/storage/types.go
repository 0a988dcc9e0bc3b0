package storage

import (
	"context"
	"errors"
	"time"

	"callbot/internal/localtime"
	"callbot/internal/recurrence"
)

var (
	// ErrNotFound is returned for unknown or already-terminal call IDs.
	ErrNotFound = errors.New("call not found")
	// ErrAlreadyFired is returned when a cancel or reschedule loses the
	// race against the dispatcher's fire transaction.
	ErrAlreadyFired = errors.New("call already fired")
	// ErrUnavailable wraps underlying I/O failures.
	ErrUnavailable = errors.New("store unavailable")
)

// Status is a call's lifecycle state.
//
// pending -> firing -> fired      (one-off success; recurring goes back to pending)
// pending -> firing -> failed     (delivery retries exhausted, one-off)
// pending -> cancelled            (user cancel)
//
// "firing" marks a claimed occurrence; a row stuck in it after a crash is
// demoted to pending during dispatcher recovery.
type Status string

const (
	StatusPending   Status = "pending"
	StatusFiring    Status = "firing"
	StatusFired     Status = "fired"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further occurrence can come from this status.
func (s Status) Terminal() bool {
	return s == StatusFired || s == StatusCancelled || s == StatusFailed
}

// Call is a scheduled reminder call. Wall and Timezone hold the user's
// original local intent verbatim; NextFireAt is always derived from them.
type Call struct {
	ID      string
	OwnerID int64
	Message string

	Wall     localtime.WallClock
	Timezone string
	Rule     recurrence.Rule

	NextFireAt  *time.Time
	Status      Status
	LastFiredAt *time.Time
	FireCount   int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// OwnerSettings carries per-owner delivery preferences, consulted by the
// gateway at dispatch time.
type OwnerSettings struct {
	OwnerID      int64
	Target       string // @username or +phone for the voice gateway
	Language     string
	Repeat       int
	Timeout      int // seconds the call is allowed to ring
	SendTextCopy bool
	Timezone     string // default timezone for new calls
	UpdatedAt    time.Time
}

// Store is the persistence API used by the calls service and the dispatcher.
//
// Mutations are atomic per call. Conditional status transitions make the
// cancel-vs-fire race deterministic: whichever transaction commits first
// wins, and the loser observes ErrAlreadyFired.
type Store interface {
	// CreateCall inserts a pending call. A missing ID is assigned.
	CreateCall(ctx context.Context, c *Call) error
	GetCall(ctx context.Context, id string) (*Call, error)
	// ListByOwner returns every call of the owner, newest first,
	// terminal entries included so failures stay visible.
	ListByOwner(ctx context.Context, ownerID int64) ([]*Call, error)
	CountActiveByOwner(ctx context.Context, ownerID int64) (int, error)

	// CancelCall transitions pending -> cancelled.
	CancelCall(ctx context.Context, id string) error
	// RescheduleCall replaces the local intent of a pending call, keeping
	// its ID and rule.
	RescheduleCall(ctx context.Context, id string, wall localtime.WallClock, tzID string, next time.Time) error

	// DueBefore returns pending calls with NextFireAt <= t, ascending by
	// NextFireAt then ID.
	DueBefore(ctx context.Context, t time.Time, limit int) ([]*Call, error)
	// BeginFire claims one occurrence: pending -> firing, guarded by the
	// expected NextFireAt so a stale claim cannot double-fire.
	BeginFire(ctx context.Context, id string, expectedNext time.Time) error
	// CompleteFire finishes a claimed occurrence. status is StatusPending
	// (recurring, next != nil), StatusFired or StatusFailed.
	CompleteFire(ctx context.Context, id string, status Status, next *time.Time, firedAt time.Time, delivered bool) error
	// ResetInFlight demotes firing -> pending after a crash.
	ResetInFlight(ctx context.Context) (int, error)

	// NextWake reports the soonest pending NextFireAt, if any.
	NextWake(ctx context.Context) (time.Time, bool, error)
	// PurgeTerminal removes terminal calls last updated before the cutoff.
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int, error)

	PutOwner(ctx context.Context, s OwnerSettings) error
	GetOwner(ctx context.Context, ownerID int64) (OwnerSettings, bool, error)

	Close() error
}
