package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wizardbeardstudio/open-audit-ledger/internal/platform/ledger"
)

// SystemActor attributes ledger entries written by the registry itself.
const SystemActor = "system:sessions"

// Observe is a fan-out handler: deleting a user revokes all of the user's
// sessions in that org, and a logout revokes the named session.
func (r *Registry) Observe(ctx context.Context, e ledger.Entry) error {
	if e.Result != ledger.ResultSuccess {
		return nil
	}
	switch {
	case e.Action == ledger.ActionDelete && e.EntityType == ledger.EntityUser:
		_, err := r.RevokeAll(ctx, e.OrgID, e.EntityID, "user deleted")
		return err
	case e.Action == ledger.ActionLogout && e.EntityType == ledger.EntitySession:
		_, err := r.Revoke(ctx, e.OrgID, e.EntityID, "logout")
		if errors.Is(err, ErrSessionNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// LedgerRecorder writes REVOKE SESSION entries through the ledger recorder.
type LedgerRecorder struct {
	Recorder *ledger.Recorder
}

func (l LedgerRecorder) RecordRevocation(ctx context.Context, s Session, reason string) error {
	after, err := json.Marshal(map[string]any{
		"userId":    s.UserID,
		"revokedAt": s.RevokedAt,
	})
	if err != nil {
		return err
	}
	n := ledger.Notice{
		OrgID:      s.OrgID,
		ActorID:    SystemActor,
		Action:     ledger.ActionRevoke,
		EntityType: ledger.EntitySession,
		EntityID:   s.ID,
		IPAddress:  s.IPAddress,
		Result:     string(ledger.ResultSuccess),
		Reason:     reason,
		After:      after,
	}
	if s.RevokedAt != nil {
		n.Timestamp = *s.RevokedAt
	}
	if _, err := l.Recorder.Record(ctx, n); err != nil {
		return fmt.Errorf("record revocation of %s: %w", s.ID, err)
	}
	return nil
}
