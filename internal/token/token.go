// Package token implements the single-use, time-boxed approval tokens that
// bind human sign-off to an exact evidentiary context.
//
// A token is issued when a human approves an evidence bundle and is consumed
// exactly once by the component submitting the gated action. Single-use is
// enforced by the authoritative Store, not by best-effort locking: the
// consume path is an atomic compare-and-set, so concurrent callers resolve
// to exactly one winner.
package token

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// DefaultTTL is the validity window applied when the issuer is not
// configured otherwise.
const DefaultTTL = 300 * time.Second

// Status tracks a token through its lifecycle.
type Status string

const (
	StatusIssued   Status = "ISSUED"
	StatusUsed     Status = "USED"
	StatusExpired  Status = "EXPIRED"
	StatusRejected Status = "REJECTED"
)

// Token is a single-use, time-boxed authorization bound to one intent and
// one evidence bundle.
type Token struct {
	TokenID      string    `json:"token_id"`
	IntentID     string    `json:"intent_id"`
	EvidenceHash string    `json:"evidence_hash"`
	StateAnchor  string    `json:"state_anchor"`
	IssuedAt     time.Time `json:"issued_at"`
	ExpiresAt    time.Time `json:"expires_at"`
	Used         bool      `json:"used"`
	UsedAt       time.Time `json:"used_at,omitempty"`
	Status       Status    `json:"status"`
}

// Expired reports whether the token's validity window has closed.
func (t *Token) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// clone returns a defensive copy so store internals never escape.
func (t *Token) clone() *Token {
	cp := *t
	return &cp
}

// EvidenceBundle is what a human reviews before a token is issued: the
// setup facts, the risk parameters, the governance state hash the approval
// is anchored to, and any safety flags raised during review.
type EvidenceBundle struct {
	IntentID    string         `json:"intent_id"`
	SetupFacts  map[string]any `json:"setup_facts"`
	RiskParams  map[string]any `json:"risk_params"`
	StateAnchor string         `json:"state_anchor"`
	SafetyFlags []string       `json:"safety_flags,omitempty"`
}

// Hash produces the canonical evidence hash the token is bound to.
// encoding/json serializes map keys in sorted order, which makes the
// marshalled form canonical for hashing.
func (b EvidenceBundle) Hash() string {
	data, err := json.Marshal(b)
	if err != nil {
		// Maps of JSON-encodable values cannot fail to marshal; a failure
		// here is a programming error in the bundle construction.
		panic(fmt.Sprintf("evidence bundle not hashable: %v", err))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Reason is a typed rejection cause, machine-readable for operator display.
type Reason string

const (
	ReasonNotFound         Reason = "NOT_FOUND"
	ReasonAlreadyUsed      Reason = "ALREADY_USED"
	ReasonExpired          Reason = "EXPIRED"
	ReasonIntentMismatch   Reason = "INTENT_MISMATCH"
	ReasonEvidenceMismatch Reason = "EVIDENCE_MISMATCH"
	ReasonHaltActive       Reason = "HALT_ACTIVE"
	ReasonStateChanged     Reason = "STATE_CHANGED"
	ReasonOutstandingLimit Reason = "OUTSTANDING_LIMIT"
)

// RejectionError is returned by every failed validation, issuance or
// consumption. Rejections are expected and recoverable by a fresh human
// approval; they are never retried silently with the same token.
type RejectionError struct {
	TokenID  string
	IntentID string
	Reason   Reason
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("token %s rejected: %s", e.TokenID, e.Reason)
}

// ReasonCode returns the machine-readable rejection code.
func (e *RejectionError) ReasonCode() string { return string(e.Reason) }

// Invariant names the enforcement the rejection carries.
func (e *RejectionError) Invariant() string {
	switch e.Reason {
	case ReasonAlreadyUsed:
		return "single-use-token"
	case ReasonExpired:
		return "time-boxed-approval"
	case ReasonIntentMismatch, ReasonEvidenceMismatch:
		return "evidence-bound-approval"
	case ReasonHaltActive:
		return "halt-fail-closed"
	case ReasonStateChanged:
		return "state-anchored-approval"
	case ReasonOutstandingLimit:
		return "outstanding-token-cap"
	default:
		return "token-existence"
	}
}

// Rejected reports whether err is a rejection with the given reason.
func Rejected(err error, reason Reason) bool {
	rej, ok := err.(*RejectionError)
	return ok && rej.Reason == reason
}
