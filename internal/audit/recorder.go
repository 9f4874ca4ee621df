package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/civic-directory/accessgate/internal/auth"
	"github.com/civic-directory/accessgate/internal/db/models"
	"github.com/civic-directory/accessgate/internal/safego"
)

// Event actions.
const (
	ActionVerificationRequested = "verification.requested"
	ActionVerificationVerified  = "verification.verified"
	ActionSessionIssued         = "session.issued"
	ActionSessionRevoked        = "session.revoked"
	ActionSessionRevokedAll     = "session.revoked_all"
	ActionGateForbidden         = "gate.forbidden"
)

const defaultRecordTimeout = 5 * time.Second

// Store persists audit rows.
type Store interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// Recorder writes events to the store and shipper in the background. A nil
// *Recorder discards events.
type Recorder struct {
	store   Store
	shipper Shipper
	timeout time.Duration
	now     func() time.Time
}

// NewRecorder creates a Recorder. Either collaborator may be nil.
func NewRecorder(store Store, shipper Shipper) *Recorder {
	return &Recorder{store: store, shipper: shipper, timeout: defaultRecordTimeout, now: time.Now}
}

// Record persists and ships ev without blocking the caller. Failures are logged.
func (r *Recorder) Record(ev Event) {
	if r == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = r.now().UTC()
	}
	if ev.ActorType == "" {
		ev.ActorType = "anonymous"
	}

	safego.GoWithTimeout(r.timeout, func(ctx context.Context) {
		r.write(ctx, &ev)
	})
}

func (r *Recorder) write(ctx context.Context, ev *Event) {
	if r.store != nil {
		if err := r.store.CreateAuditLog(ctx, toModel(ev)); err != nil {
			slog.Error("failed to persist audit event", "action", ev.Action, "error", err)
		}
	}
	if r.shipper != nil {
		if err := r.shipper.Ship(ctx, ev); err != nil {
			slog.Warn("failed to ship audit event", "action", ev.Action, "error", err)
		}
	}
}

func toModel(ev *Event) *models.AuditLog {
	return &models.AuditLog{
		ActorType:    ev.ActorType,
		ActorID:      nullable(ev.ActorID),
		Action:       ev.Action,
		ResourceType: nullable(ev.ResourceType),
		ResourceID:   nullable(ev.ResourceID),
		Metadata:     ev.Metadata,
		IPAddress:    nullable(ev.IPAddress),
		CreatedAt:    ev.Timestamp,
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// ActorOf returns the actor type and id recorded for p.
func ActorOf(p auth.Principal) (actorType, actorID string) {
	switch v := p.(type) {
	case auth.User:
		return string(auth.KindUser), v.ID
	case auth.Admin:
		return string(auth.KindAdmin), v.ID
	case auth.Politician:
		return string(auth.KindPolitician), v.ID
	default:
		return string(auth.KindAnonymous), ""
	}
}
