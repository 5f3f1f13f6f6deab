package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// GenesisHash is the PrevHash of the first record.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// canonical is the hashed form of a Record. Field order is fixed by the
// struct; Hash itself is excluded.
type canonical struct {
	ID        string `json:"id"`
	Seq       int64  `json:"seq"`
	Timestamp string `json:"timestamp"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Resource  string `json:"resource"`
	Action    string `json:"action"`
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason"`
	Origin    string `json:"origin"`
	RequestID string `json:"request_id"`
	Method    string `json:"method"`
	Path      string `json:"path"`
}

// formatTimestamp is the single timestamp encoding used for hashing and storage.
func formatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ComputeHash returns hex(sha256(rec.PrevHash || canonical JSON of rec)).
func ComputeHash(rec Record) string {
	body, _ := json.Marshal(canonical{ //nolint:errcheck // plain strings and ints always marshal
		ID:        rec.ID,
		Seq:       rec.Seq,
		Timestamp: formatTimestamp(rec.Timestamp),
		ActorID:   rec.ActorID,
		Role:      rec.Role,
		Resource:  rec.Resource,
		Action:    rec.Action,
		Outcome:   string(rec.Outcome),
		Reason:    rec.Reason,
		Origin:    rec.Origin,
		RequestID: rec.RequestID,
		Method:    rec.Method,
		Path:      rec.Path,
	})

	h := sha256.New()
	h.Write([]byte(rec.PrevHash))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// ChainError pinpoints the first record where verification failed.
type ChainError struct {
	Seq    int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("audit: hash chain broken at seq %d: %s", e.Seq, e.Reason)
}

// Unwrap makes errors.Is(err, ErrChainBroken) hold.
func (e *ChainError) Unwrap() error { return ErrChainBroken }

// ChainVerifier checks records one at a time in ascending Seq order.
type ChainVerifier struct {
	prevSeq  int64
	prevHash string
	count    int64
}

// NewChainVerifier starts a verification at the genesis record.
func NewChainVerifier() *ChainVerifier {
	return &ChainVerifier{prevHash: GenesisHash}
}

// Next checks rec against the previous record.
func (v *ChainVerifier) Next(rec Record) error {
	switch {
	case rec.Seq != v.prevSeq+1:
		return &ChainError{Seq: rec.Seq, Reason: fmt.Sprintf("expected seq %d", v.prevSeq+1)}
	case rec.PrevHash != v.prevHash:
		return &ChainError{Seq: rec.Seq, Reason: "prev_hash does not match preceding record"}
	case ComputeHash(rec) != rec.Hash:
		return &ChainError{Seq: rec.Seq, Reason: "content does not match hash"}
	}
	v.prevSeq = rec.Seq
	v.prevHash = rec.Hash
	v.count++
	return nil
}

// Count returns how many records have verified so far.
func (v *ChainVerifier) Count() int64 { return v.count }

// VerifyChain checks a complete trail ordered by ascending Seq.
func VerifyChain(records []Record) error {
	v := NewChainVerifier()
	for _, rec := range records {
		if err := v.Next(rec); err != nil {
			return err
		}
	}
	return nil
}
