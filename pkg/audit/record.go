// Package audit implements the append-only audit stream: typed records for
// token, delegation, policy and resource events over a hash-chained store.
//
// Audit writes never block or fail the operation that produced them. The
// buffered sink drops (and logs) records under backpressure, and storage
// errors are swallowed after logging. Consumers get at-least-once delivery
// and must deduplicate on (token_id, event_type, timestamp).
package audit

import (
	"time"

	"github.com/google/uuid"
)

// Kind partitions the audit stream.
type Kind string

const (
	KindToken          Kind = "token"
	KindDelegation     Kind = "delegation"
	KindPolicyDecision Kind = "policy_decision"
	KindResource       Kind = "resource"
)

// Status is the outcome attached to a record.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	StatusDenied  Status = "denied"
)

// Token event types.
const (
	TokenIssued       = "issued"
	TokenRefreshed    = "refreshed"
	TokenRevoked      = "revoked"
	TokenVerification = "verification"
	TokenAPIAccess    = "api_access"
)

// Delegation event types.
const (
	DelegationCreated          = "created"
	DelegationRevoked          = "revoked"
	DelegationValidationFailed = "validation_failed"
)

// Record is one immutable audit record.
type Record struct {
	ID         string            `json:"id"`
	Timestamp  time.Time         `json:"timestamp"`
	Kind       Kind              `json:"kind"`
	EventType  string            `json:"event_type"`
	Status     Status            `json:"status"`
	SubjectIDs map[string]string `json:"subject_ids,omitempty"`
	Details    map[string]any    `json:"details,omitempty"`
	SourceIP   string            `json:"source_ip,omitempty"`
}

// NewRecord stamps identity and time on a record.
func NewRecord(kind Kind, eventType string, status Status) Record {
	return Record{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		EventType: eventType,
		Status:    status,
	}
}

// WithSubject attaches a subject identifier (token_id, client_id, grant_id...).
func (r Record) WithSubject(key, value string) Record {
	if r.SubjectIDs == nil {
		r.SubjectIDs = make(map[string]string)
	}
	r.SubjectIDs[key] = value
	return r
}

// WithDetail attaches a detail field.
func (r Record) WithDetail(key string, value any) Record {
	if r.Details == nil {
		r.Details = make(map[string]any)
	}
	r.Details[key] = value
	return r
}

// WithSourceIP attaches the caller address.
func (r Record) WithSourceIP(ip string) Record {
	r.SourceIP = ip
	return r
}

// ErrorTokenID returns the synthetic token id recorded for failures that
// occur before a token exists, preserving the relational constraint on
// token-keyed audit rows.
func ErrorTokenID() string {
	return "error-" + uuid.New().String()
}
