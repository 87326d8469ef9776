package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"
)

const genesisPrefix = "GENESIS|"

// GenesisHash is the previousHash of an organization's first entry.
func GenesisHash(orgID string) string {
	sum := sha256.Sum256([]byte(genesisPrefix + orgID))
	return hex.EncodeToString(sum[:])
}

type canonicalEvent struct {
	EntryID            string          `json:"entryId"`
	OrgID              string          `json:"orgId"`
	ActorID            string          `json:"actorId"`
	Action             string          `json:"action"`
	EntityType         string          `json:"entityType"`
	EntityID           string          `json:"entityId"`
	IPAddress          string          `json:"ipAddress"`
	UserAgent          string          `json:"userAgent"`
	Result             Result          `json:"result"`
	Reason             string          `json:"reason"`
	CompensatesEntryID string          `json:"compensatesEntryId"`
	Before             json.RawMessage `json:"before"`
	After              json.RawMessage `json:"after"`
	Timestamp          string          `json:"timestamp"`
}

// Canonicalize renders the hashed payload of an entry in a fixed field order.
func Canonicalize(entryID string, e AuditEvent) []byte {
	c := canonicalEvent{
		EntryID:            entryID,
		OrgID:              e.OrgID,
		ActorID:            e.ActorID,
		Action:             e.Action,
		EntityType:         e.EntityType,
		EntityID:           e.EntityID,
		IPAddress:          e.IPAddress,
		UserAgent:          e.UserAgent,
		Result:             e.Result,
		Reason:             e.Reason,
		CompensatesEntryID: e.CompensatesEntryID,
		Before:             rawOrNull(e.Before),
		After:              rawOrNull(e.After),
		Timestamp:          e.Timestamp.UTC().Format(time.RFC3339Nano),
	}
	b, err := json.Marshal(c)
	if err != nil {
		// Before/After are validated JSON by the time they reach here; fall
		// back to nulls so the hash stays defined.
		c.Before, c.After = json.RawMessage("null"), json.RawMessage("null")
		b, _ = json.Marshal(c)
	}
	return b
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}

// ComputeHash returns H(previousHash | canonical(event) | seq).
func ComputeHash(prev string, entryID string, e AuditEvent, seq int64) string {
	h := sha256.New()
	_, _ = h.Write([]byte(prev))
	_, _ = h.Write([]byte("|"))
	_, _ = h.Write(Canonicalize(entryID, e))
	_, _ = h.Write([]byte("|" + strconv.FormatInt(seq, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// Recompute returns the hash an entry should carry given its own fields.
func Recompute(e Entry) string {
	return ComputeHash(e.PreviousHash, e.EntryID, e.AuditEvent, e.SequenceNum)
}

// Break describes the first point where a chain walk failed.
type Break struct {
	Seq    int64  `json:"seq"`
	Reason string `json:"reason"`
}

// Break reasons. ReasonAnchorMissing only comes from range walks whose
// fromSeq-1 entry is absent; it is not evidence of tampering.
const (
	ReasonSequenceGap   = "sequence_gap"
	ReasonPreviousHash  = "previous_hash_mismatch"
	ReasonEntryHash     = "entry_hash_mismatch"
	ReasonSignature     = "signature_invalid"
	ReasonOrgMismatch   = "org_mismatch"
	ReasonTipMismatch   = "chain_state_mismatch"
	ReasonAnchorMissing = "anchor_missing"
)

// Walker checks entries one at a time in sequence order. It is shared by the
// online verifier and the offline export validator.
type Walker struct {
	OrgID        string
	ExpectSeq    int64
	ExpectPrev   string
	Keys         SignatureVerifier
	LastHash     string
	LastSeq      int64
	Checked      int64
	FirstFailure *Break
}

// NewWalker starts a walk at seq expecting prev as the previousHash.
func NewWalker(orgID string, seq int64, prev string, keys SignatureVerifier) *Walker {
	if seq <= 0 {
		seq = 1
	}
	return &Walker{OrgID: orgID, ExpectSeq: seq, ExpectPrev: prev, Keys: keys}
}

// Step checks e and returns false at the first failure.
func (w *Walker) Step(e Entry) bool {
	if w.FirstFailure != nil {
		return false
	}
	fail := func(reason string) bool {
		w.FirstFailure = &Break{Seq: w.ExpectSeq, Reason: reason}
		return false
	}
	if e.OrgID != w.OrgID {
		return fail(ReasonOrgMismatch)
	}
	if e.SequenceNum != w.ExpectSeq {
		return fail(ReasonSequenceGap)
	}
	if e.PreviousHash != w.ExpectPrev {
		return fail(ReasonPreviousHash)
	}
	if Recompute(e) != e.EntryHash {
		return fail(ReasonEntryHash)
	}
	if w.Keys != nil && !w.Keys.Verify(e.SigningKeyVersion, e.EntryHash, e.Signature) {
		return fail(ReasonSignature)
	}
	w.Checked++
	w.LastSeq = e.SequenceNum
	w.LastHash = e.EntryHash
	w.ExpectSeq++
	w.ExpectPrev = e.EntryHash
	return true
}
