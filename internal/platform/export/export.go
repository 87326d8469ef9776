package export

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/ledger"
	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/tracing"
)

type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case FormatCSV:
		return FormatCSV, nil
	case FormatJSON, "":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: unsupported format %q", ErrInvalidQuery, raw)
	}
}

// CSVHeader is the fixed column order of CSV exports.
var CSVHeader = []string{
	"timestamp", "userId", "action", "resourceType", "resourceId", "ipAddress", "userAgent", "result",
	"sequenceNum", "previousHash", "entryHash", "signature", "signingKeyVersion", "integrity",
}

const flushEvery = 100

type Metadata struct {
	OrgID              string    `json:"orgId"`
	Format             Format    `json:"format"`
	GeneratedAt        time.Time `json:"generatedAt"`
	Filters            Query     `json:"filters"`
	UpperSeq           int64     `json:"upperSeq"`
	VerifiedFromSeq    int64     `json:"verifiedFromSeq"`
	VerifiedThroughSeq int64     `json:"verifiedThroughSeq"`
	TamperWarning      bool      `json:"tamperWarning"`
	BrokenAtSeq        int64     `json:"brokenAtSeq,omitempty"`
	Reason             string    `json:"reason,omitempty"`
}

// Export is a verified, not yet streamed export. Metadata is final before any
// entry is written so callers can surface it in response headers.
type Export struct {
	svc    *Service
	filter ledger.Filter
	meta   Metadata
}

// Prepare pins the upper bound at the current tip and verifies the chain from
// genesis through it.
func (s *Service) Prepare(ctx context.Context, format Format, q Query) (*Export, error) {
	f, err := q.filter()
	if err != nil {
		return nil, err
	}
	meta := Metadata{OrgID: q.OrgID, Format: format, GeneratedAt: s.clock.Now(), Filters: q}
	state, ok, err := s.store.ChainState(ctx, q.OrgID)
	if err != nil {
		return nil, fmt.Errorf("export %s: %w", q.OrgID, err)
	}
	if ok {
		meta.UpperSeq = state.LastSequenceNum
		res, err := s.verifier.VerifyWithTrigger(ctx, ledger.TriggerExport, q.OrgID, 0, meta.UpperSeq)
		if err != nil {
			return nil, fmt.Errorf("export %s: %w", q.OrgID, err)
		}
		meta.VerifiedFromSeq, meta.VerifiedThroughSeq = res.FromSeq, res.ToSeq
		if !res.OK {
			meta.TamperWarning, meta.BrokenAtSeq, meta.Reason = true, res.BrokenAtSeq, res.Reason
		}
	}
	if st := s.verifier.Registry().Status(q.OrgID); st.Known && !st.OK && st.BrokenAtSeq > 0 {
		if !meta.TamperWarning || st.BrokenAtSeq < meta.BrokenAtSeq {
			meta.TamperWarning, meta.BrokenAtSeq, meta.Reason = true, st.BrokenAtSeq, st.Reason
		}
	}
	f.ToSeq = meta.UpperSeq
	if meta.TamperWarning {
		s.logger.Warn("exporting tampered range", "org_id", q.OrgID, "broken_at_seq", meta.BrokenAtSeq, "reason", meta.Reason)
	}
	return &Export{svc: s, filter: f, meta: meta}, nil
}

func (x *Export) Metadata() Metadata { return x.meta }

func (x *Export) integrity(seq int64) string {
	if x.meta.TamperWarning && seq >= x.meta.BrokenAtSeq {
		return IntegritySuspect
	}
	return IntegrityOK
}

// scan streams matching entries through fn. An empty chain streams nothing.
func (x *Export) scan(ctx context.Context, fn func(Item) error) error {
	if x.meta.UpperSeq == 0 {
		return nil
	}
	return x.svc.store.Scan(ctx, x.filter, func(e ledger.Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(Item{Entry: e, Integrity: x.integrity(e.SequenceNum)})
	})
}

type flusher interface{ Flush() }

// WriteTo streams the export in its format and returns the entry count.
func (x *Export) WriteTo(ctx context.Context, w io.Writer) (n int64, err error) {
	ctx, span := tracing.StartSpan(ctx, "export.write", tracing.Org(x.meta.OrgID))
	defer func() {
		tracing.End(span, err)
		if err == nil {
			x.svc.metrics.ObserveExport(string(x.meta.Format), x.meta.TamperWarning)
		}
	}()
	if x.meta.Format == FormatCSV {
		return x.writeCSV(ctx, w)
	}
	return x.writeJSON(ctx, w)
}

func flushThrough(w io.Writer) {
	if f, ok := w.(flusher); ok {
		f.Flush()
	}
}

func (x *Export) writeCSV(ctx context.Context, w io.Writer) (int64, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return 0, err
	}
	var n int64
	err := x.scan(ctx, func(it Item) error {
		if err := cw.Write(csvRow(it)); err != nil {
			return err
		}
		n++
		if n%flushEvery == 0 {
			cw.Flush()
			if err := cw.Error(); err != nil {
				return err
			}
			flushThrough(w)
		}
		return nil
	})
	cw.Flush()
	if err == nil {
		err = cw.Error()
	}
	flushThrough(w)
	return n, err
}

func csvRow(it Item) []string {
	return []string{
		it.Timestamp.UTC().Format(time.RFC3339Nano),
		neutralize(it.ActorID),
		neutralize(it.Action),
		neutralize(it.EntityType),
		neutralize(it.EntityID),
		neutralize(it.IPAddress),
		neutralize(it.UserAgent),
		string(it.Result),
		strconv.FormatInt(it.SequenceNum, 10),
		it.PreviousHash,
		it.EntryHash,
		it.Signature,
		neutralize(it.SigningKeyVersion),
		it.Integrity,
	}
}

// neutralize prefixes cells a spreadsheet would evaluate as a formula.
func neutralize(v string) string {
	if v == "" {
		return v
	}
	switch v[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return "'" + v
	}
	return v
}

func (x *Export) writeJSON(ctx context.Context, w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	meta, err := json.Marshal(x.meta)
	if err != nil {
		return 0, err
	}
	if _, err := bw.WriteString(`{"metadata":`); err != nil {
		return 0, err
	}
	if _, err := bw.Write(meta); err != nil {
		return 0, err
	}
	if _, err := bw.WriteString(`,"entries":[`); err != nil {
		return 0, err
	}
	var n int64
	err = x.scan(ctx, func(it Item) error {
		b, err := json.Marshal(it)
		if err != nil {
			return err
		}
		if n > 0 {
			if err := bw.WriteByte(','); err != nil {
				return err
			}
		}
		if _, err := bw.Write(b); err != nil {
			return err
		}
		n++
		if n%flushEvery == 0 {
			if err := bw.Flush(); err != nil {
				return err
			}
			flushThrough(w)
		}
		return nil
	})
	if err != nil {
		_ = bw.Flush()
		return n, err
	}
	if _, err := fmt.Fprintf(bw, `],"count":%d}`, n); err != nil {
		return n, err
	}
	if err := bw.Flush(); err != nil {
		return n, err
	}
	flushThrough(w)
	return n, nil
}
