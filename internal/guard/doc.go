// Package guard is the access guard placed in front of every protected
// route.
//
// For each request the guard walks a fixed sequence of states:
//
//	START → EXTRACT_TOKEN → VERIFY_TOKEN → CHECK_PERMISSION → ALLOW
//	              |               |                |
//	          (missing)   (invalid/expired)    (denied)
//	              ↓               ↓                ↓
//	          REJECT_401      REJECT_401       REJECT_403
//
// Every terminal state produces exactly one audit record before the
// response is written. A failed audit write never changes the decision; the
// audit logger escalates it to the alert channel instead.
//
// On ALLOW the verified auth.Identity is placed in the request context
// (auth.IdentityFromContext). Handlers never see the token itself.
package guard
