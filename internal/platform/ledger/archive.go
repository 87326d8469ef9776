package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// SegmentDigest is sha256 over the segment's entry hashes in order.
func SegmentDigest(hashes []string) string {
	h := sha256.New()
	for _, eh := range hashes {
		_, _ = h.Write([]byte(eh))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ArchiveThrough removes the retained prefix of orgID's chain up to and
// including seq, leaving a checkpoint from which verification resumes. The
// segment must verify cleanly first.
func (v *Verifier) ArchiveThrough(ctx context.Context, orgID string, seq int64) (Checkpoint, error) {
	if seq <= 0 {
		return Checkpoint{}, fmt.Errorf("archive %s: %w: sequence must be positive", orgID, ErrValidation)
	}
	res, err := v.walk(ctx, orgID, 0, seq)
	if err != nil {
		return Checkpoint{}, err
	}
	if !res.OK {
		return Checkpoint{}, fmt.Errorf("archive %s: segment broken at seq %d (%s): %w", orgID, res.BrokenAtSeq, res.Reason, ErrChainIntegrity)
	}
	if res.Checked == 0 || res.ToSeq != seq {
		return Checkpoint{}, fmt.Errorf("archive %s: no retained entries through seq %d: %w", orgID, seq, ErrEntryNotFound)
	}

	cp := Checkpoint{OrgID: orgID, FromSeq: res.FromSeq, ToSeq: seq, LastHash: res.TipHash, ArchivedAt: v.clock.Now()}
	var hashes []string
	err = v.store.Scan(ctx, Filter{OrgID: orgID, FromSeq: res.FromSeq, ToSeq: seq}, func(e Entry) error {
		if len(hashes) == 0 {
			cp.FirstPreviousHash = e.PreviousHash
		}
		hashes = append(hashes, e.EntryHash)
		return nil
	})
	if err != nil {
		return Checkpoint{}, fmt.Errorf("archive %s: %w", orgID, err)
	}
	cp.EntryCount = int64(len(hashes))
	cp.Digest = SegmentDigest(hashes)
	if err := v.store.Archive(ctx, cp); err != nil {
		return Checkpoint{}, fmt.Errorf("archive %s: %w", orgID, err)
	}
	v.logger.Info("ledger segment archived", "org_id", orgID, "from_seq", cp.FromSeq, "to_seq", cp.ToSeq, "digest", cp.Digest)
	return cp, nil
}

// RetentionReport lists the checkpoints written by one retention pass.
type RetentionReport struct {
	Orgs     int          `json:"orgs"`
	Archived []Checkpoint `json:"archived"`
}

// ApplyRetention archives every organization's retained entries except the
// newest keep. Orgs that fail to archive are skipped and reported in the
// joined error; a broken segment is never archived.
func (v *Verifier) ApplyRetention(ctx context.Context, keep int64) (RetentionReport, error) {
	if keep <= 0 {
		return RetentionReport{}, fmt.Errorf("%w: retention must keep at least one entry", ErrValidation)
	}
	orgs, err := v.store.Orgs(ctx)
	if err != nil {
		return RetentionReport{}, fmt.Errorf("retention: %w", err)
	}
	rep := RetentionReport{Orgs: len(orgs)}
	var errs []error
	for _, orgID := range orgs {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		retained, err := v.store.Count(ctx, Filter{OrgID: orgID})
		if err != nil {
			errs = append(errs, fmt.Errorf("retention %s: %w", orgID, err))
			continue
		}
		if retained <= keep {
			continue
		}
		tail, ok, err := v.store.Tail(ctx, orgID)
		if err != nil {
			errs = append(errs, fmt.Errorf("retention %s: %w", orgID, err))
			continue
		}
		if !ok {
			continue
		}
		cp, err := v.ArchiveThrough(ctx, orgID, tail.SequenceNum-keep)
		if err != nil {
			v.logger.Warn("ledger retention skipped", "org_id", orgID, "error", err)
			errs = append(errs, err)
			continue
		}
		rep.Archived = append(rep.Archived, cp)
	}
	return rep, errors.Join(errs...)
}
