package ledger

import (
	"encoding/json"
	"time"
)

type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultDenied  Result = "denied"
)

// Well-known actions and entity types the detector and aggregator key on.
const (
	ActionLogin  = "LOGIN"
	ActionLogout = "LOGOUT"
	ActionCreate = "CREATE"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
	ActionRevoke = "REVOKE"

	EntityUser    = "USER"
	EntitySession = "SESSION"
	EntityPayment = "PAYMENT"
	EntityInvoice = "INVOICE"
)

// AuditEvent is the unsigned, unchained payload normalized from a domain
// mutation notice.
type AuditEvent struct {
	OrgID              string          `json:"orgId"`
	ActorID            string          `json:"actorId,omitempty"`
	Action             string          `json:"action"`
	EntityType         string          `json:"entityType"`
	EntityID           string          `json:"entityId"`
	IPAddress          string          `json:"ipAddress"`
	UserAgent          string          `json:"userAgent"`
	Result             Result          `json:"result"`
	Reason             string          `json:"reason,omitempty"`
	CompensatesEntryID string          `json:"compensatesEntryId,omitempty"`
	Before             json.RawMessage `json:"before,omitempty"`
	After              json.RawMessage `json:"after,omitempty"`
	Timestamp          time.Time       `json:"timestamp"`
}

// Mutating reports whether the event records a change to domain state.
func (e AuditEvent) Mutating() bool {
	switch e.Action {
	case ActionLogin, ActionLogout:
		return false
	default:
		return e.Result != ResultDenied
	}
}

// Entry is an immutable, hash-chained ledger record.
type Entry struct {
	AuditEvent
	EntryID           string `json:"entryId"`
	SequenceNum       int64  `json:"sequenceNum"`
	PreviousHash      string `json:"previousHash"`
	EntryHash         string `json:"entryHash"`
	Signature         string `json:"signature"`
	SigningKeyVersion string `json:"signingKeyVersion"`
}

// ChainState is the per-organization tip pointer.
type ChainState struct {
	OrgID           string `json:"orgId"`
	LastSequenceNum int64  `json:"lastSequenceNum"`
	LastHash        string `json:"lastHash"`
}

// Checkpoint summarizes an archived prefix of an organization's chain so the
// remaining entries can still be linked back to genesis.
type Checkpoint struct {
	OrgID             string    `json:"orgId"`
	FromSeq           int64     `json:"fromSeq"`
	ToSeq             int64     `json:"toSeq"`
	FirstPreviousHash string    `json:"firstPreviousHash"`
	LastHash          string    `json:"lastHash"`
	EntryCount        int64     `json:"entryCount"`
	Digest            string    `json:"digest"`
	ArchivedAt        time.Time `json:"archivedAt"`
}

// Filter selects entries of one organization. Zero values are unbounded;
// From is inclusive and To exclusive.
type Filter struct {
	OrgID      string
	ActorID    string
	Action     string
	EntityType string
	From       time.Time
	To         time.Time
	FromSeq    int64
	ToSeq      int64
}

func (f Filter) Match(e Entry) bool {
	if f.OrgID != "" && e.OrgID != f.OrgID {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.Action != "" && e.Action != f.Action {
		return false
	}
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.Timestamp.Before(f.To) {
		return false
	}
	if f.FromSeq > 0 && e.SequenceNum < f.FromSeq {
		return false
	}
	if f.ToSeq > 0 && e.SequenceNum > f.ToSeq {
		return false
	}
	return true
}
