package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/nerrad567/authcore/internal/audit"
)

// handleListAudit returns paginated audit records, newest first.
//
// Query parameters:
//   - actor_id: exact actor
//   - outcome: ALLOWED or DENIED
//   - reason: reason code (missing_token, permission_denied, ...)
//   - resource: resource name, including "sessions"
//   - limit: max results (default 50, max 200)
//   - offset: pagination offset
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.Filter{
		ActorID:  q.Get("actor_id"),
		Outcome:  audit.Outcome(q.Get("outcome")),
		Reason:   q.Get("reason"),
		Resource: q.Get("resource"),
	}
	if filter.Outcome != "" && !filter.Outcome.Valid() {
		writeBadRequest(w, "outcome must be ALLOWED or DENIED")
		return
	}

	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	result, err := s.auditRepo.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list audit records", "error", err)
		writeInternalError(w, "failed to list audit records")
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// verifyResponse is the body of GET /audit/verify.
type verifyResponse struct {
	Intact   bool   `json:"intact"`
	Verified int64  `json:"verified"`
	BrokenAt int64  `json:"broken_at,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// handleVerifyAudit walks the whole trail and checks the hash chain.
func (s *Server) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	n, err := audit.VerifyStore(r.Context(), s.auditRepo)
	if err == nil {
		writeJSON(w, http.StatusOK, verifyResponse{Intact: true, Verified: n})
		return
	}

	var chainErr *audit.ChainError
	if errors.As(err, &chainErr) {
		s.logger.Error("audit chain verification failed", "seq", chainErr.Seq, "reason", chainErr.Reason)
		writeJSON(w, http.StatusOK, verifyResponse{
			Intact:   false,
			Verified: n,
			BrokenAt: chainErr.Seq,
			Detail:   chainErr.Reason,
		})
		return
	}

	s.logger.Error("audit chain verification error", "error", err)
	writeInternalError(w, "failed to verify audit trail")
}
