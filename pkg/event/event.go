// Package event implements event creation, routing-key derivation, reserved
// type rejection, and fan-out notification — the "immutable fact" half of
// the Sequence & Event Engine.
package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hubd/hubd/pkg/apperr"
	"github.com/hubd/hubd/pkg/channel"
	"github.com/hubd/hubd/pkg/store"
	"github.com/hubd/hubd/pkg/transitbus"
)

// Descriptor is what a caller (an agent over the hub, or REST) supplies to
// create an event.
type Descriptor struct {
	Name       string
	Data       map[string]any
	SequenceID string
}

// Created is dispatched on the Transit Bus after every persisted event, for
// the batched counter handler.
type Created struct {
	ID    string
	AppID string
}

// Service creates and fans out events.
type Service struct {
	store *store.Store
	layer *channel.Layer
	bus   *transitbus.Bus
	now   func() int64 // microseconds since epoch; overridable in tests
}

// New constructs a Service and registers its Transit Bus handlers.
func New(st *store.Store, layer *channel.Layer, bus *transitbus.Bus, nowMicros func() int64) *Service {
	svc := &Service{store: st, layer: layer, bus: bus, now: nowMicros}
	transitbus.RegisterBatched(bus, 5000, 3*time.Second, svc.onCreatedBatch)
	return svc
}

// currentPeriod buckets counters by UTC calendar day.
func currentPeriod() string {
	return time.Now().UTC().Format("2006-01-02")
}

// Create validates and persists a new event, derives its routing key from
// whether it is sequence-bound, rejects reserved names, and dispatches the
// Transit Bus notification. This is the path used by agents; engine-emitted
// reserved events go through CreateReserved instead.
func (s *Service) Create(ctx context.Context, app store.Application, d Descriptor, publisherIP string) (store.Event, error) {
	if store.ReservedEventTypes[d.Name] {
		return store.Event{}, apperr.Validation("event type %q is reserved for engine use", d.Name)
	}

	var taskName, sequenceID string
	if d.SequenceID != "" {
		seq, err := s.store.GetSequence(ctx, d.SequenceID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return store.Event{}, apperr.Authorization("sequence %s does not exist or does not belong to this application", d.SequenceID)
			}
			return store.Event{}, apperr.Internal(fmt.Errorf("get sequence: %w", err))
		}
		if seq.AppID != app.ID {
			return store.Event{}, apperr.Authorization("sequence %s does not exist or does not belong to this application", d.SequenceID)
		}
		if seq.State.Terminal() {
			return store.Event{}, apperr.Conflict("sequence %s is already finished", d.SequenceID)
		}
		taskName = seq.TaskName
		sequenceID = seq.ID
	}

	ev := store.Event{
		ID:          uuid.NewString(),
		AppID:       app.ID,
		TaskName:    taskName,
		SequenceID:  sequenceID,
		EventType:   d.Name,
		EventKey:    routingKey(app.Name, taskName, d.Name),
		Data:        d.Data,
		PublisherIP: publisherIP,
		T:           s.now(),
	}
	if err := s.store.InsertEvent(ctx, ev); err != nil {
		return store.Event{}, apperr.Internal(fmt.Errorf("insert event: %w", err))
	}

	if sequenceID != "" {
		if err := s.unfreezeIfFrozen(ctx, sequenceID); err != nil {
			return store.Event{}, apperr.Internal(fmt.Errorf("unfreeze on event: %w", err))
		}
	}

	s.bus.Dispatch(Created{ID: ev.ID, AppID: ev.AppID})
	if err := s.Notify(ctx, ev); err != nil {
		return store.Event{}, apperr.Internal(err)
	}
	return ev, nil
}

// CreateReserved persists one of the engine's own reserved-name events
// (start/stop/frozen/unfrozen/failed/succeeded) bound to a sequence.
func (s *Service) CreateReserved(ctx context.Context, seq store.EventSequence, eventType, publisherIP string) (store.Event, error) {
	ev := store.Event{
		ID:          uuid.NewString(),
		AppID:       seq.AppID,
		TaskName:    seq.TaskName,
		TaskID:      seq.TaskID,
		SequenceID:  seq.ID,
		EventType:   eventType,
		EventKey:    reservedEventKey(seq.TaskName, eventType),
		PublisherIP: publisherIP,
		T:           s.now(),
	}
	if err := s.store.InsertEvent(ctx, ev); err != nil {
		return store.Event{}, fmt.Errorf("insert reserved event: %w", err)
	}
	s.bus.Dispatch(Created{ID: ev.ID, AppID: ev.AppID})
	if err := s.Notify(ctx, ev); err != nil {
		return store.Event{}, err
	}
	return ev, nil
}

// routingKey derives "<task_name>/<event_type>" when sequence-bound, else
// "<app_name>/_/<event_type>" — used for agent-published events.
func routingKey(appName, taskName, eventType string) string {
	if taskName != "" {
		return taskName + "/" + eventType
	}
	return appName + "/_/" + eventType
}

// stopEventTypes are the reserved types emitted when a sequence finishes:
// one specific stop event plus the generic "stop" event, keyed
// "<stop_type>@<task_name>" rather than the usual "/" separator.
var stopEventTypes = map[string]bool{
	"stop": true, "succeeded": true, "failed": true, "skipped": true, "cancelled": true,
}

// reservedEventKey derives the routing key for an engine-emitted reserved
// event. Stop-family events use "<stop_type>@<task_name>" (or the bare type
// if somehow not task-bound); everything else ("start", "frozen",
// "unfrozen") uses the usual "<task_name>/<event_type>" form.
func reservedEventKey(taskName, eventType string) string {
	if stopEventTypes[eventType] {
		if taskName == "" {
			return eventType
		}
		return eventType + "@" + taskName
	}
	return routingKey("", taskName, eventType)
}

// Notify fans an event out to its subscriber groups: app-wide monitoring,
// the event-key's subscribers, and — if sequence-bound — the sequence's
// monitoring group.
func (s *Service) Notify(ctx context.Context, ev store.Event) error {
	groups := []string{
		monitoringAppEventsGroup(ev.AppID),
		eventKeyGroup(ev.EventKey),
	}
	if ev.SequenceID != "" {
		groups = append(groups, monitoringSequenceEventsGroup(ev.SequenceID))
	}
	return s.layer.GroupsSend(ctx, groups, "new_event", ev)
}

func monitoringAppEventsGroup(appID string) string      { return "m/appEvents/" + appID }
func monitoringSequenceEventsGroup(seqID string) string { return "m/sequenceEvents/" + seqID }
func eventKeyGroup(key string) string                   { return "e/key/" + key }

func (s *Service) unfreezeIfFrozen(ctx context.Context, sequenceID string) error {
	seq, err := s.store.GetSequence(ctx, sequenceID)
	if err != nil {
		return err
	}
	if seq.State != store.SequenceFrozen {
		return nil
	}
	_, err = s.store.TransitionSequence(ctx, sequenceID, seq.Revision, func(s *store.EventSequence) {
		s.State = store.SequenceInProgress
		s.StateUpdatedAt = time.Now()
	})
	if err != nil {
		// A racing transition (e.g. a concurrent finish) means this event
		// simply lost the race to unfreeze; not this caller's problem.
		return nil
	}
	return nil
}

func (s *Service) onCreatedBatch(batch []Created) {
	if err := s.store.IncrementCounter(context.Background(), "events", currentPeriod(), int64(len(batch))); err != nil {
		// Counter increments are advisory; log-and-continue per the Transit
		// Bus's retry policy (a failed pile does not poison the next one).
		slog.Error("event: increment events counter", "error", err)
	}
}
