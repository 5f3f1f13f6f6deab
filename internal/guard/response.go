package guard

import (
	"encoding/json"
	"net/http"
)

// Rejection is the body of a 401 or 403 response.
type Rejection struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Expired bool   `json:"expired"`
}

var reasonMessages = map[string]string{
	ReasonMissingToken:          "authentication required",
	ReasonInvalidToken:          "invalid token",
	ReasonExpiredToken:          "token expired, refresh and retry",
	ReasonRevokedToken:          "token revoked",
	ReasonPermissionDenied:      "insufficient permissions",
	ReasonRevocationUnavailable: "authentication temporarily unavailable",
}

// Message returns the client-facing text for a reason code.
func Message(reason string) string {
	if msg, ok := reasonMessages[reason]; ok {
		return msg
	}
	return "authentication required"
}

// WriteRejection writes the response for a denied decision. Only the
// reason code and a fixed message are exposed.
func WriteRejection(w http.ResponseWriter, d Decision) {
	WriteReason(w, d.Status(), d.Reason)
}

// WriteReason writes a rejection for status and reason. It is shared with
// the session endpoints so every 401 looks the same.
func WriteReason(w http.ResponseWriter, status int, reason string) {
	expired := reason == ReasonExpiredToken

	h := w.Header()
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	if status == http.StatusUnauthorized {
		h.Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	}
	if expired {
		h.Set("X-Token-Expired", "true")
	}
	w.WriteHeader(status)

	//nolint:errcheck // Best-effort write to response; connection may be closed
	json.NewEncoder(w).Encode(Rejection{
		Status:  status,
		Code:    reason,
		Message: Message(reason),
		Expired: expired,
	})
}
