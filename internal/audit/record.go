package audit

import (
	"errors"
	"time"
)

// Outcome is the result of an access decision.
type Outcome string

const (
	OutcomeAllowed Outcome = "ALLOWED"
	OutcomeDenied  Outcome = "DENIED"
)

// Valid reports whether o is a known outcome.
func (o Outcome) Valid() bool {
	return o == OutcomeAllowed || o == OutcomeDenied
}

// ActorAnonymous is recorded when no verified subject is known.
const ActorAnonymous = "anonymous"

// ResourceSessions is the pseudo-resource for login, refresh, verify and
// logout events.
const ResourceSessions = "sessions"

// Record is one audit trail entry. ID, Seq, Timestamp, PrevHash and Hash
// are assigned by the Logger; callers fill in the rest.
type Record struct {
	ID        string    `json:"id"`
	Seq       int64     `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	ActorID   string    `json:"actor_id"`
	Role      string    `json:"role,omitempty"`
	Resource  string    `json:"resource"`
	Action    string    `json:"action"`
	Outcome   Outcome   `json:"outcome"`
	Reason    string    `json:"reason"`
	Origin    string    `json:"origin,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Method    string    `json:"method,omitempty"`
	Path      string    `json:"path,omitempty"`
	PrevHash  string    `json:"prev_hash"`
	Hash      string    `json:"hash"`
}

// Sentinel errors for audit operations.
var (
	// ErrTimeout means the primary store did not accept the record in time.
	ErrTimeout = errors.New("audit: write timed out")

	// ErrWriteFailed means the primary store rejected the record.
	ErrWriteFailed = errors.New("audit: write failed")

	// ErrInvalidRecord means required fields are missing.
	ErrInvalidRecord = errors.New("audit: invalid record")

	// ErrChainBroken means stored records do not form an intact hash chain.
	ErrChainBroken = errors.New("audit: hash chain broken")
)
