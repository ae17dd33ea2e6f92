package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"apjsurvey/internal/domain"
	"apjsurvey/internal/store"
)

// Writer appends audit events to the events collection. Events are written after the
// document change they describe, so a failed append never undoes that change.
type Writer struct {
	Store store.Store
	Log   logrus.FieldLogger
	Now   func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Store == nil {
		return nil
	}
	if w.Now == nil {
		w.Now = time.Now
	}
	if actorID == "" {
		actorID = "system"
	}
	evt := domain.Event{
		ID:         uuid.NewString(),
		TS:         w.Now().UTC().Format(time.RFC3339),
		Type:       evtType,
		EntityKind: entityKind,
		EntityID:   entityID,
		ActorID:    actorID,
		Payload:    payload,
	}
	if err := w.Store.Create(ctx, domain.CollectionEvents, evt.ID, evt); err != nil {
		return fmt.Errorf("append event %s: %w", evtType, err)
	}
	return nil
}

// Record is Append for callers that cannot act on the failure; it logs instead.
func (w Writer) Record(ctx context.Context, evtType, entityKind, entityID, actorID string, payload EventPayload) {
	if err := w.Append(ctx, evtType, entityKind, entityID, actorID, payload); err != nil && w.Log != nil {
		w.Log.WithError(err).WithField("entity_id", entityID).Warn("event not recorded")
	}
}

// List returns events for one entity, oldest first.
func (w Writer) List(ctx context.Context, entityKind, entityID string) ([]domain.Event, error) {
	q := store.Eq("entityKind", entityKind, "entityId", entityID)
	q.OrderBy = "ts"
	return store.ListAs[domain.Event](ctx, w.Store, domain.CollectionEvents, q)
}
