// Package sequence implements the EventSequence lifecycle: starting a run of
// a task, finishing it (successfully or not), freezing it when its owning
// connection drops, unfreezing it the moment any new event lands (handled by
// pkg/event), and reaping sequences that stay frozen too long.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hubd/hubd/pkg/apperr"
	"github.com/hubd/hubd/pkg/channel"
	"github.com/hubd/hubd/pkg/event"
	"github.com/hubd/hubd/pkg/store"
	"github.com/hubd/hubd/pkg/transitbus"
)

// orphanThreshold matches the 24h FROZEN->ORPHANED sweep window.
const orphanThreshold = 24 * time.Hour

const (
	batchSize  = 100
	batchDelay = time.Second
)

// Created, Updated and Finished are dispatched on the Transit Bus so the
// batched counter-increment / group-notify handlers stay decoupled from the
// code paths that mutate sequences.
type Created struct {
	Sequence store.EventSequence
}

type Updated struct {
	Sequence store.EventSequence
}

type Finished struct {
	Sequence store.EventSequence
}

// Service implements the sequence lifecycle.
type Service struct {
	store  *store.Store
	layer  *channel.Layer
	bus    *transitbus.Bus
	events *event.Service
}

// New constructs a Service and registers its batched Transit Bus handlers.
func New(st *store.Store, layer *channel.Layer, bus *transitbus.Bus, events *event.Service) *Service {
	svc := &Service{store: st, layer: layer, bus: bus, events: events}
	transitbus.RegisterBatched(bus, batchSize, batchDelay, svc.onCreatedBatch)
	transitbus.RegisterBatched(bus, batchSize, batchDelay, svc.onUpdatedBatch)
	transitbus.RegisterBatched(bus, batchSize, batchDelay, svc.onFinishedBatch)
	return svc
}

// Descriptor is what an agent supplies to start a sequence.
type Descriptor struct {
	TaskID       string
	CustomName   string
	ConnectionID string
}

// CreateAndStart validates that the task and (if given) the connection exist
// and belong to app, inserts a new in-progress sequence, and emits its
// engine "start" event.
func (s *Service) CreateAndStart(ctx context.Context, app store.Application, d Descriptor, publisherIP string) (store.EventSequence, error) {
	task, err := s.store.GetTask(ctx, d.TaskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.EventSequence{}, apperr.NotFound("task %s does not exist", d.TaskID)
		}
		return store.EventSequence{}, apperr.Internal(err)
	}
	if task.AppID != app.ID {
		return store.EventSequence{}, apperr.Authorization("task %s does not belong to this application", d.TaskID)
	}

	if d.ConnectionID != "" {
		conn, err := s.store.GetConnection(ctx, d.ConnectionID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return store.EventSequence{}, apperr.NotFound("connection %s does not exist", d.ConnectionID)
			}
			return store.EventSequence{}, apperr.Internal(err)
		}
		if conn.AppID != app.ID {
			return store.EventSequence{}, apperr.Authorization("connection %s does not belong to this application", d.ConnectionID)
		}
	}

	name := d.CustomName
	if name == "" {
		name = fmt.Sprintf("%s [%d]", task.QualifiedName, time.Now().Unix())
	}

	now := time.Now()
	seq := store.EventSequence{
		ID:             uuid.NewString(),
		AppID:          app.ID,
		TaskID:         task.ID,
		TaskName:       task.QualifiedName,
		Name:           name,
		State:          store.SequenceInProgress,
		StateUpdatedAt: now,
		ConnectionID:   d.ConnectionID,
		CreatedAt:      now,
		ExpiresAt:      now.Add(72 * time.Hour),
	}
	if err := s.store.InsertSequence(ctx, seq); err != nil {
		return store.EventSequence{}, apperr.Internal(fmt.Errorf("insert sequence: %w", err))
	}

	if _, err := s.events.CreateReserved(ctx, seq, "start", publisherIP); err != nil {
		return store.EventSequence{}, apperr.Internal(fmt.Errorf("create start event: %w", err))
	}

	s.bus.Dispatch(Created{Sequence: seq})
	return seq, nil
}

// Finish transitions a sequence to succeeded or failed. Finishing an
// already-terminal sequence (including a concurrent racing finish) fails
// with apperr.Conflict — the caller should treat that as "already handled".
//
// There is no is_skipped path: skipped is reachable in store.SequenceState
// for the terminal-state enum's sake, but nothing in this engine currently
// produces it — the original finish_sequence only distinguishes
// succeeded/failed.
func (s *Service) Finish(ctx context.Context, seqID string, expectedRevision int64, failed bool, errMsg string, publisherIP string) (store.EventSequence, error) {
	finishedAt := time.Now()
	finished, err := s.store.TransitionSequence(ctx, seqID, expectedRevision, func(seq *store.EventSequence) {
		if failed {
			seq.State = store.SequenceFailed
		} else {
			seq.State = store.SequenceSucceeded
		}
		seq.StateUpdatedAt = finishedAt
		seq.FinishedAt = &finishedAt
		seq.Error = errMsg
		// The lifecycle treats a finished sequence's accumulated metadata as
		// spent: it is cleared here and not copied into the succeeded/failed
		// or stop events, which carry no data.
		seq.Meta = map[string]any{}
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.EventSequence{}, apperr.Conflict("sequence %s is already finished", seqID)
		}
		return store.EventSequence{}, apperr.Internal(err)
	}

	specific := "succeeded"
	if failed {
		specific = "failed"
	}
	if _, err := s.events.CreateReserved(ctx, finished, specific, publisherIP); err != nil {
		return store.EventSequence{}, apperr.Internal(fmt.Errorf("create %s event: %w", specific, err))
	}
	if _, err := s.events.CreateReserved(ctx, finished, "stop", publisherIP); err != nil {
		return store.EventSequence{}, apperr.Internal(fmt.Errorf("create stop event: %w", err))
	}

	s.bus.Dispatch(Finished{Sequence: finished})
	return finished, nil
}

// FreezeByConnection freezes every live (non-terminal) sequence owned by a
// connection that just disconnected, so the orphan reaper can eventually
// reclaim it if the connection never comes back.
func (s *Service) FreezeByConnection(ctx context.Context, connectionID string) error {
	live, err := s.store.ListSequencesByConnection(ctx, connectionID,
		store.SequenceInProgress, store.SequenceFrozen)
	if err != nil {
		return fmt.Errorf("sequence: list by connection: %w", err)
	}
	now := time.Now()
	for _, seq := range live {
		if seq.State == store.SequenceFrozen {
			continue
		}
		frozen, err := s.store.TransitionSequence(ctx, seq.ID, seq.Revision, func(s *store.EventSequence) {
			s.State = store.SequenceFrozen
			s.StateUpdatedAt = now
		})
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue // lost a race (e.g. a concurrent finish); nothing to freeze
			}
			return fmt.Errorf("sequence: freeze %s: %w", seq.ID, err)
		}
		if _, err := s.events.CreateReserved(ctx, frozen, "frozen", ""); err != nil {
			return fmt.Errorf("sequence: create frozen event: %w", err)
		}
		s.bus.Dispatch(Updated{Sequence: frozen})
	}
	return nil
}

// Abandon transitions the subset of ids that are FROZEN and owned by
// connectionID straight to ORPHANED, skipping anything not in that exact
// state (already resumed, already terminal, or owned by someone else).
func (s *Service) Abandon(ctx context.Context, connectionID string, ids []string) error {
	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	frozen, err := s.store.ListSequencesByConnection(ctx, connectionID, store.SequenceFrozen)
	if err != nil {
		return fmt.Errorf("sequence: list by connection: %w", err)
	}
	now := time.Now()
	for _, seq := range frozen {
		if !wanted[seq.ID] {
			continue
		}
		orphaned, err := s.store.TransitionSequence(ctx, seq.ID, seq.Revision, func(s *store.EventSequence) {
			s.State = store.SequenceOrphaned
			s.StateUpdatedAt = now
		})
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return fmt.Errorf("sequence: abandon %s: %w", seq.ID, err)
		}
		s.bus.Dispatch(Finished{Sequence: orphaned})
	}
	return nil
}

// UpdateMeta replaces a sequence's meta object wholesale and notifies its
// monitoring groups.
func (s *Service) UpdateMeta(ctx context.Context, seqID string, expectedRevision int64, meta map[string]any) (store.EventSequence, error) {
	updated, err := s.store.TransitionSequence(ctx, seqID, expectedRevision, func(seq *store.EventSequence) {
		seq.Meta = meta
	})
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.EventSequence{}, apperr.Conflict("sequence %s was modified concurrently", seqID)
		}
		return store.EventSequence{}, apperr.Internal(err)
	}
	s.bus.Dispatch(Updated{Sequence: updated})
	return updated, nil
}

// ReapOrphans sweeps sequences that have sat FROZEN for longer than
// orphanThreshold and marks them ORPHANED, a terminal state. Safe to run
// concurrently from every hub instance: TransitionSequence's compare-and-
// swap means only the instance that wins the race actually transitions a
// given row.
func (s *Service) ReapOrphans(ctx context.Context) (int, error) {
	candidates, err := s.store.ListOrphanCandidates(ctx, time.Now().Add(-orphanThreshold))
	if err != nil {
		return 0, fmt.Errorf("sequence: list orphan candidates: %w", err)
	}
	reaped := 0
	now := time.Now()
	for _, seq := range candidates {
		orphaned, err := s.store.TransitionSequence(ctx, seq.ID, seq.Revision, func(s *store.EventSequence) {
			s.State = store.SequenceOrphaned
			s.StateUpdatedAt = now
		})
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				continue
			}
			return reaped, fmt.Errorf("sequence: orphan %s: %w", seq.ID, err)
		}
		s.bus.Dispatch(Finished{Sequence: orphaned})
		reaped++
	}
	return reaped, nil
}

// RunOrphanReaper ticks ReapOrphans until ctx is cancelled, matching the
// worker pool's periodic-scan shape.
func (s *Service) RunOrphanReaper(ctx context.Context, interval time.Duration, log func(msg string, args ...any)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reaped, err := s.ReapOrphans(ctx)
			if err != nil {
				log("sequence: orphan reap failed", "error", err)
				continue
			}
			if reaped > 0 {
				log("sequence: reaped orphaned sequences", "count", reaped)
			}
		}
	}
}

func countersForCreated(seq store.EventSequence) []string {
	return []string{
		"sequences",
		"sequences/app/" + seq.AppID,
		"sequences/task/" + seq.TaskID,
	}
}

func countersForFinished(seq store.EventSequence) []string {
	subjects := []string{"finished_sequences"}
	if seq.State == store.SequenceFailed {
		subjects = append(subjects,
			"failed_sequences",
			"failed_sequences/app/"+seq.AppID,
			"failed_sequences/task/"+seq.TaskID,
		)
	}
	return subjects
}

func (s *Service) onCreatedBatch(batch []Created) {
	for _, c := range batch {
		for _, subject := range countersForCreated(c.Sequence) {
			s.bump(subject)
		}
		_ = s.layer.GroupSend(context.Background(), "m/app/"+c.Sequence.AppID, "sequence",
			map[string]any{"event": "new", "sequence_id": c.Sequence.ID})
	}
}

func (s *Service) onUpdatedBatch(batch []Updated) {
	for _, u := range batch {
		// Both per-sequence topic aliases name the same monitoring group
		// (§6); fan out to both so a client watching either literal form
		// sees the update.
		groups := []string{"m/sequence/" + u.Sequence.ID, "m/seq/" + u.Sequence.ID, "m/app/" + u.Sequence.AppID}
		_ = s.layer.GroupsSend(context.Background(), groups, "sequence",
			map[string]any{"event": "update", "sequence": u.Sequence})
	}
}

func (s *Service) onFinishedBatch(batch []Finished) {
	for _, f := range batch {
		for _, subject := range countersForFinished(f.Sequence) {
			s.bump(subject)
		}
		_ = s.layer.GroupSend(context.Background(), "m/app/"+f.Sequence.AppID, "sequence",
			map[string]any{"event": "finished", "sequence_id": f.Sequence.ID, "error": f.Sequence.Error})
	}
}

func (s *Service) bump(subject string) {
	if err := s.store.IncrementCounter(context.Background(), subject, period(), 1); err != nil {
		slog.Error("sequence: increment counter", "subject", subject, "error", err)
	}
}

func period() string { return time.Now().UTC().Format("2006-01-02") }
