// Package task implements ApplicationTask CRUD: definition, the
// keep-old-when-update-is-nil update semantics, and deactivation (soft
// delete), plus the `m/app/<id>` / `a/<id>` notifications tasks emit.
package task

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hubd/hubd/pkg/apperr"
	"github.com/hubd/hubd/pkg/channel"
	"github.com/hubd/hubd/pkg/store"
)

const deletedNameSuffix = " (DELETED)"

// Service implements ApplicationTask lifecycle operations.
type Service struct {
	store *store.Store
	layer *channel.Layer
}

// New constructs a Service.
func New(st *store.Store, layer *channel.Layer) *Service {
	return &Service{store: st, layer: layer}
}

// Descriptor is what a caller supplies to define a new task.
type Descriptor struct {
	Name        string
	Description string
	Tags        []string
	Body        store.TaskBody
	Env         map[string]string
	Triggers    []store.TaskTrigger
}

// Define inserts a new ApplicationTask under app. Fails with apperr.Conflict
// if app already has a live task with this name.
func (s *Service) Define(ctx context.Context, app store.Application, d Descriptor) (store.ApplicationTask, error) {
	t := store.ApplicationTask{
		ID:            uuid.NewString(),
		AppID:         app.ID,
		Name:          d.Name,
		QualifiedName: app.Name + "/" + d.Name,
		Description:   d.Description,
		Tags:          d.Tags,
		Body:          d.Body,
		Env:           d.Env,
		Triggers:      d.Triggers,
		LastUpdated:   time.Now(),
	}
	if err := s.store.InsertTask(ctx, t); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return store.ApplicationTask{}, apperr.Conflict("task named %q already exists for this application", d.Name)
		}
		return store.ApplicationTask{}, apperr.Internal(err)
	}
	s.notifyChanged(ctx, t)
	return t, nil
}

// Update replaces description/tags/body/env/triggers; nil fields are left
// unchanged. Tasks have no display_name, so an update has none to carry.
type Update struct {
	Description *string
	Tags        *[]string
	Body        *store.TaskBody
	Env         *map[string]string
	Triggers    *[]store.TaskTrigger
}

func (u Update) apply(t *store.ApplicationTask) {
	if u.Description != nil {
		t.Description = *u.Description
	}
	if u.Tags != nil {
		t.Tags = *u.Tags
	}
	if u.Body != nil {
		t.Body = *u.Body
	}
	if u.Env != nil {
		t.Env = *u.Env
	}
	if u.Triggers != nil {
		t.Triggers = *u.Triggers
	}
}

// Update fetches, mutates, and persists a task, then notifies its app's
// monitoring and agent groups.
func (s *Service) Update(ctx context.Context, id string, u Update) (store.ApplicationTask, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return store.ApplicationTask{}, mapNotFound(err, "task %s not found", id)
	}
	u.apply(&t)
	t.LastUpdated = time.Now()
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return store.ApplicationTask{}, mapNotFound(err, "task %s not found", id)
	}
	s.notifyChanged(ctx, t)
	return t, nil
}

// Deactivate soft-deletes a task, renaming it to free its (app-scoped and
// qualified) name for reuse, and notifies the app's agent group.
func (s *Service) Deactivate(ctx context.Context, id string) error {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return mapNotFound(err, "task %s not found", id)
	}
	if t.DeletedAt != nil {
		return nil
	}
	renamed := t.Name + deletedNameSuffix
	renamedQualified := t.QualifiedName + deletedNameSuffix
	if err := s.store.SoftDeleteTask(ctx, id, renamed, renamedQualified, time.Now().Unix()); err != nil {
		return mapNotFound(err, "task %s not found", id)
	}
	_ = s.layer.GroupSend(ctx, "a/"+t.AppID, "task_removed", t.ID)
	return nil
}

// ListByApp returns the live tasks for an app, used to answer `synchronize`
// and the post-hello `tasks` emission.
func (s *Service) ListByApp(ctx context.Context, appID string) ([]store.ApplicationTask, error) {
	tasks, err := s.store.ListTasksByApp(ctx, appID)
	if err != nil {
		return nil, apperr.Internal(err)
	}
	return tasks, nil
}

func (s *Service) notifyChanged(ctx context.Context, t store.ApplicationTask) {
	_ = s.layer.GroupSend(ctx, "m/app/"+t.AppID, "task", t)
	_ = s.layer.GroupSend(ctx, "a/"+t.AppID, "task_updated", t)
}

func mapNotFound(err error, format string, args ...any) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound(format, args...)
	}
	return apperr.Internal(fmt.Errorf("task: %w", err))
}
