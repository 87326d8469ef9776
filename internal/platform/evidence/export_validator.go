// Package evidence checks ledger exports offline, away from the database
// that produced them.
package evidence

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/export"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/ledger"
)

// Mode selects how much of an export artifact is checked.
type Mode string

const (
	// ModeJSON walks the document only.
	ModeJSON Mode = "json"
	// ModeStrict also requires a matching "<file>.sha256" sidecar.
	ModeStrict Mode = "strict"
)

var ErrInvalidExport = errors.New("invalid export")

type document struct {
	Metadata *export.Metadata `json:"metadata"`
	Entries  []export.Item    `json:"entries"`
	Count    *int64           `json:"count"`
}

// Report is the outcome of an offline walk.
type Report struct {
	OrgID    string `json:"orgId"`
	Entries  int    `json:"entries"`
	Checked  int64  `json:"checked"`
	FromSeq  int64  `json:"fromSeq,omitempty"`
	ToSeq    int64  `json:"toSeq,omitempty"`
	Filtered bool   `json:"filtered"`
	// Anchored is set when the first entry is not the genesis entry, so its
	// previousHash is taken on trust.
	Anchored bool          `json:"anchored"`
	OK       bool          `json:"ok"`
	Break    *ledger.Break `json:"break,omitempty"`
	// Problems lists disagreements between the file's own claims and the walk.
	Problems []string `json:"problems,omitempty"`
}

// Valid reports a clean walk with no self-inconsistency.
func (r Report) Valid() bool { return r.OK && len(r.Problems) == 0 }

// ValidateExportJSON walks a JSON export. Unfiltered exports are checked as
// a contiguous chain; filtered ones entry by entry, since gaps are expected.
// keys may be nil to skip signature checks.
func ValidateExportJSON(data []byte, keys ledger.SignatureVerifier) (Report, error) {
	var doc document
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&doc); err != nil {
		return Report{}, fmt.Errorf("%w: %v", ErrInvalidExport, err)
	}
	if doc.Metadata == nil {
		return Report{}, fmt.Errorf("%w: metadata is required", ErrInvalidExport)
	}
	if doc.Count == nil {
		return Report{}, fmt.Errorf("%w: count is required", ErrInvalidExport)
	}
	meta := *doc.Metadata
	if strings.TrimSpace(meta.OrgID) == "" {
		return Report{}, fmt.Errorf("%w: metadata.orgId is required", ErrInvalidExport)
	}
	if meta.Format != "" && meta.Format != export.FormatJSON {
		return Report{}, fmt.Errorf("%w: unexpected format %q", ErrInvalidExport, meta.Format)
	}

	rep := Report{OrgID: meta.OrgID, Entries: len(doc.Entries), Filtered: filtered(meta.Filters)}
	if *doc.Count != int64(len(doc.Entries)) {
		rep.Problems = append(rep.Problems, fmt.Sprintf("count %d does not match %d entries", *doc.Count, len(doc.Entries)))
	}
	if len(doc.Entries) > 0 {
		rep.FromSeq = doc.Entries[0].SequenceNum
		rep.ToSeq = doc.Entries[len(doc.Entries)-1].SequenceNum
	}
	if meta.UpperSeq > 0 && rep.ToSeq > meta.UpperSeq {
		rep.Problems = append(rep.Problems, fmt.Sprintf("entry seq %d exceeds upperSeq %d", rep.ToSeq, meta.UpperSeq))
	}

	if rep.Filtered {
		walkEntries(&rep, doc.Entries, keys)
	} else {
		walkChain(&rep, doc.Entries, keys)
	}
	rep.OK = rep.Break == nil
	crossCheck(&rep, meta, doc.Entries)
	return rep, nil
}

func filtered(q export.Query) bool {
	return q.ActorID != "" || q.Action != "" || q.EntityType != "" || !q.From.IsZero() || !q.To.IsZero()
}

func walkChain(rep *Report, items []export.Item, keys ledger.SignatureVerifier) {
	if len(items) == 0 {
		return
	}
	first := items[0]
	prev := ledger.GenesisHash(rep.OrgID)
	if first.SequenceNum > 1 {
		prev = first.PreviousHash
		rep.Anchored = true
	}
	w := ledger.NewWalker(rep.OrgID, first.SequenceNum, prev, keys)
	for _, it := range items {
		if !w.Step(it.Entry) {
			break
		}
	}
	rep.Checked = w.Checked
	rep.Break = w.FirstFailure
}

func walkEntries(rep *Report, items []export.Item, keys ledger.SignatureVerifier) {
	var last int64
	for _, it := range items {
		e := it.Entry
		reason := ""
		switch {
		case e.OrgID != rep.OrgID:
			reason = ledger.ReasonOrgMismatch
		case e.SequenceNum <= last:
			reason = ledger.ReasonSequenceGap
		case ledger.Recompute(e) != e.EntryHash:
			reason = ledger.ReasonEntryHash
		case keys != nil && !keys.Verify(e.SigningKeyVersion, e.EntryHash, e.Signature):
			reason = ledger.ReasonSignature
		}
		if reason != "" {
			rep.Break = &ledger.Break{Seq: e.SequenceNum, Reason: reason}
			return
		}
		last = e.SequenceNum
		rep.Checked++
	}
}

func crossCheck(rep *Report, meta export.Metadata, items []export.Item) {
	if rep.Break != nil && !meta.TamperWarning {
		rep.Problems = append(rep.Problems, fmt.Sprintf("file claims an intact chain but seq %d fails (%s)", rep.Break.Seq, rep.Break.Reason))
	}
	if !meta.TamperWarning {
		return
	}
	for _, it := range items {
		want := export.IntegrityOK
		if it.SequenceNum >= meta.BrokenAtSeq {
			want = export.IntegritySuspect
		}
		if it.Integrity != want {
			rep.Problems = append(rep.Problems, fmt.Sprintf("seq %d marked %q, want %q", it.SequenceNum, it.Integrity, want))
			return
		}
	}
}

// ValidateExportFile reads and walks an export on disk. In strict mode the
// sidecar "<path>.sha256" must exist and match.
func ValidateExportFile(path string, mode Mode, keys ledger.SignatureVerifier) (Report, error) {
	if mode != ModeJSON && mode != ModeStrict {
		return Report{}, fmt.Errorf("invalid validation mode: %s", mode)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Report{}, fmt.Errorf("read export: %w", err)
	}
	if mode == ModeStrict {
		if err := checkSidecar(path, data); err != nil {
			return Report{}, err
		}
	}
	return ValidateExportJSON(data, keys)
}

func checkSidecar(path string, data []byte) error {
	raw, err := os.ReadFile(path + ".sha256")
	if err != nil {
		return fmt.Errorf("read checksum sidecar: %w", err)
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return fmt.Errorf("checksum sidecar is empty")
	}
	sum := sha256.Sum256(data)
	actual := hex.EncodeToString(sum[:])
	if !strings.EqualFold(fields[0], actual) {
		return fmt.Errorf("export sha256 mismatch: expected=%s actual=%s", fields[0], actual)
	}
	return nil
}
