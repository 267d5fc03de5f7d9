// Package trigger evaluates ApplicationTask.Triggers: cron expressions,
// event-key subscriptions, and filesystem-notify watches. Triggers are
// declarative — the hub never runs a task's body. When a trigger condition
// is met, the evaluator synthesizes a nudge on the task's app-wide agent
// group, asking a connected agent to reconnect/resync and pick the task up.
package trigger

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/hubd/hubd/pkg/channel"
	"github.com/hubd/hubd/pkg/store"
	"github.com/robfig/cron/v3"
)

// Evaluator owns the cron runner and filesystem watcher for every live
// triggered task, and the event-key routing already provided by pkg/event
// for event-keyed triggers (no separate mechanism needed there).
type Evaluator struct {
	store *store.Store
	layer *channel.Layer
	cron  *cron.Cron
	watch *fsnotify.Watcher

	mu      sync.Mutex
	cronIDs map[string][]cron.EntryID // task id -> cron entries, for Reload
}

// New constructs an Evaluator. Call Start before Reload.
func New(st *store.Store, layer *channel.Layer) (*Evaluator, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Evaluator{
		store:   st,
		layer:   layer,
		cron:    cron.New(),
		watch:   fsw,
		cronIDs: make(map[string][]cron.EntryID),
	}, nil
}

// Start runs the cron scheduler and the filesystem-notify event loop, then
// loads every currently live triggered task. Blocks only briefly; both
// loops run in background goroutines until ctx is cancelled.
func (e *Evaluator) Start(ctx context.Context) error {
	e.cron.Start()
	go e.watchLoop(ctx)

	tasks, err := e.store.ListTriggeredTasks(ctx)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		e.load(t)
	}

	go func() {
		<-ctx.Done()
		e.cron.Stop()
		_ = e.watch.Close()
	}()
	return nil
}

// Reload re-evaluates a single task's triggers — call this whenever a task
// is defined, updated, or deactivated.
func (e *Evaluator) Reload(t store.ApplicationTask) {
	e.unload(t.ID)
	if t.DeletedAt == nil {
		e.load(t)
	}
}

func (e *Evaluator) load(t store.ApplicationTask) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var ids []cron.EntryID
	for _, trig := range t.Triggers {
		switch trig.Kind {
		case "cron":
			id, err := e.cron.AddFunc(trig.Cron, e.nudgeFunc(t, "cron_trigger"))
			if err != nil {
				slog.Error("trigger: invalid cron expression", "task_id", t.ID, "cron", trig.Cron, "error", err)
				continue
			}
			ids = append(ids, id)
		case "fsnotify":
			if err := e.watch.Add(trig.Path); err != nil {
				slog.Error("trigger: watch path failed", "task_id", t.ID, "path", trig.Path, "error", err)
			}
		case "event":
			// No separate mechanism: the event-key routing pkg/event already
			// provides (e/key/<key> groups) is how an agent discovers this.
		}
	}
	e.cronIDs[t.ID] = ids
}

func (e *Evaluator) unload(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, id := range e.cronIDs[taskID] {
		e.cron.Remove(id)
	}
	delete(e.cronIDs, taskID)
}

func (e *Evaluator) nudgeFunc(t store.ApplicationTask, reason string) func() {
	return func() {
		if err := e.layer.GroupSend(context.Background(), "a/"+t.AppID, "force_reconnect",
			map[string]string{"task_id": t.ID, "reason": reason}); err != nil {
			slog.Error("trigger: nudge failed", "task_id", t.ID, "error", err)
		}
	}
}

func (e *Evaluator) watchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.watch.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			e.onPathChanged(ev.Name)
		case err, ok := <-e.watch.Errors:
			if !ok {
				return
			}
			slog.Error("trigger: fsnotify error", "error", err)
		}
	}
}

func (e *Evaluator) onPathChanged(path string) {
	tasks, err := e.store.ListTriggeredTasks(context.Background())
	if err != nil {
		slog.Error("trigger: list triggered tasks failed", "error", err)
		return
	}
	for _, t := range tasks {
		for _, trig := range t.Triggers {
			if trig.Kind == "fsnotify" && trig.Path == path {
				e.nudgeFunc(t, "fsnotify_trigger")()
			}
		}
	}
}
