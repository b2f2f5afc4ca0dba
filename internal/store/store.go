package store

import (
	"context"
	"errors"
	"time"

	"github.com/lordamdal/beaver-hr-interviewer/internal/session"
)

var (
	// ErrNotFound means no session exists for the given key.
	ErrNotFound = errors.New("session not found")
	// ErrConflict means a non-terminal session already exists for the
	// provider call id.
	ErrConflict = errors.New("active session already exists for call")
	// ErrVersionConflict means a concurrent writer committed first; the
	// caller must re-read and re-decide.
	ErrVersionConflict = errors.New("session version conflict")
)

// Store is durable keyed storage for interview sessions with an optimistic
// compare-and-swap write. It is the only mutable shared state in the system.
type Store interface {
	Get(ctx context.Context, sessionID string) (*session.InterviewSession, error)
	GetByProviderCallID(ctx context.Context, providerCallID string) (*session.InterviewSession, error)

	// Create persists a new session. Returns ErrConflict if a non-terminal
	// session already exists for the same provider call id.
	Create(ctx context.Context, s *session.InterviewSession) error

	// CompareAndSwap writes the mutated session only if the stored version
	// still equals expectedVersion. On success the stored and in-memory
	// versions are both advanced by one. Returns ErrVersionConflict when a
	// concurrent update won the race.
	CompareAndSwap(ctx context.Context, expectedVersion int64, s *session.InterviewSession) error

	// ListStale returns non-terminal sessions not updated since the cutoff,
	// for the liveness watchdog.
	ListStale(ctx context.Context, cutoff time.Time) ([]*session.InterviewSession, error)

	Close() error
}
