package taskdeck

import (
	"context"
	"fmt"
	"slices"

	"github.com/taskdeck/taskdeck.go/pkg/bridge"
	"github.com/taskdeck/taskdeck.go/pkg/collection"
	"github.com/taskdeck/taskdeck.go/pkg/gateway"
	"github.com/taskdeck/taskdeck.go/pkg/models"
)

const (
	resourceTasks      = "tasks"
	resourceCategories = "categories"
)

// TasksSnapshot is the published state of a TaskManager. Tasks are in
// display order; categories are sorted by name.
type TasksSnapshot struct {
	SyncState
	Tasks      []models.Task
	Categories []models.Category
}

// TaskManager owns one actor's tasks and categories.
type TaskManager struct {
	manager[TasksSnapshot]

	tasks      []models.Task
	categories []models.Category
}

// NewTaskManager creates a TaskManager speaking to g. The manager is
// idle until SetUser binds an actor.
func NewTaskManager(g gateway.Gateway, opts ...Option) *TaskManager {
	m := &TaskManager{}
	o := buildOptions(opts)
	m.init(g, o.log, m)
	return m
}

func taskID(t models.Task) string { return t.ID }

func taskOrder(t models.Task) int { return t.Order }

// taskLess orders by the manual order value; created-at then id break
// ties deterministically when orders collide across writers.
func taskLess(a, b models.Task) bool {
	if a.Order != b.Order {
		return a.Order < b.Order
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func categoryID(c models.Category) string { return c.ID }

func categoryLess(a, b models.Category) bool {
	if a.Name != b.Name {
		return a.Name < b.Name
	}
	return a.ID < b.ID
}

func (m *TaskManager) clearLocked() {
	m.tasks = nil
	m.categories = nil
}

func (m *TaskManager) snapshotLocked() TasksSnapshot {
	return TasksSnapshot{
		SyncState:  m.stateLocked(),
		Tasks:      slices.Clone(m.tasks),
		Categories: slices.Clone(m.categories),
	}
}

func (m *TaskManager) fetch(ctx context.Context, actor string, gen uint64) error {
	var tasks []models.Task
	filter := gateway.Filter{Match: map[string]any{"user_id": actor}, OrderBy: "order", Ascending: true}
	if err := m.g.Query(ctx, resourceTasks, filter, &tasks); err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	var categories []models.Category
	catFilter := gateway.Filter{Match: map[string]any{"user_id": actor}, OrderBy: "name", Ascending: true}
	if err := m.g.Query(ctx, resourceCategories, catFilter, &categories); err != nil {
		return fmt.Errorf("load categories: %w", err)
	}

	m.mu.Lock()
	if !m.stillLocked(actor, gen) {
		m.mu.Unlock()
		return nil
	}
	m.tasks = collection.Sort(tasks, taskLess)
	m.categories = collection.Sort(categories, categoryLess)
	seq, snap := m.completeRefreshLocked()
	m.mu.Unlock()
	m.n.publish(seq, snap)
	return nil
}

func (m *TaskManager) attach(ctx context.Context, r *bridge.Router, actor string, gen uint64) error {
	if _, err := r.Attach(ctx, resourceTasks, actor, func(ev gateway.Event) {
		m.applyTaskEvent(actor, gen, ev)
	}); err != nil {
		return err
	}
	_, err := r.Attach(ctx, resourceCategories, actor, func(ev gateway.Event) {
		m.applyCategoryEvent(actor, gen, ev)
	})
	return err
}

// applyTaskEvent merges one realtime change. Upserts remove any cached
// copy before inserting and re-sorting, so duplicated or replayed
// events are harmless.
func (m *TaskManager) applyTaskEvent(actor string, gen uint64, ev gateway.Event) {
	var t models.Task
	src := ev.New
	if ev.Action == gateway.ActionDelete && !ev.Old.IsZero() {
		src = ev.Old
	}
	if err := src.Decode(&t); err != nil {
		m.log.Warn("undecodable task event", "action", ev.Action, "error", err)
		return
	}

	m.mu.Lock()
	if !m.stillLocked(actor, gen) {
		m.mu.Unlock()
		return
	}
	if ev.Action == gateway.ActionDelete {
		m.tasks = collection.Remove(m.tasks, t.ID, taskID)
	} else {
		m.tasks = collection.Upsert(m.tasks, t, taskID, taskLess)
	}
	seq, snap := m.stageLocked()
	m.mu.Unlock()
	m.n.publish(seq, snap)
}

func (m *TaskManager) applyCategoryEvent(actor string, gen uint64, ev gateway.Event) {
	var c models.Category
	src := ev.New
	if ev.Action == gateway.ActionDelete && !ev.Old.IsZero() {
		src = ev.Old
	}
	if err := src.Decode(&c); err != nil {
		m.log.Warn("undecodable category event", "action", ev.Action, "error", err)
		return
	}

	m.mu.Lock()
	if !m.stillLocked(actor, gen) {
		m.mu.Unlock()
		return
	}
	if ev.Action == gateway.ActionDelete {
		m.categories = collection.Remove(m.categories, c.ID, categoryID)
	} else {
		m.categories = collection.Upsert(m.categories, c, categoryID, categoryLess)
	}
	seq, snap := m.stageLocked()
	m.mu.Unlock()
	m.n.publish(seq, snap)
}

// SaveTask inserts (empty id) or updates a task. The record echoed back
// by the backend, not the locally constructed one, is merged into the
// cache: the backend may normalize or default fields.
func (m *TaskManager) SaveTask(ctx context.Context, t models.Task) error {
	actor, gen, err := m.begin()
	if err != nil {
		return err
	}

	op := gateway.OpUpdate
	if t.ID == "" {
		op = gateway.OpInsert
		t.UserID = actor
		m.mu.Lock()
		t.Order = collection.NextOrder(m.tasks, taskOrder)
		m.mu.Unlock()
	} else {
		m.mu.Lock()
		_, ok := collection.Find(m.tasks, t.ID, taskID)
		m.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: task %s", ErrNotFound, t.ID)
		}
	}

	var echo models.Task
	if err := m.g.Mutate(ctx, resourceTasks, op, t, &echo); err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	m.mergeTask(actor, gen, echo)
	return nil
}

// ToggleTask flips a task's done flag.
func (m *TaskManager) ToggleTask(ctx context.Context, id string) error {
	actor, gen, err := m.begin()
	if err != nil {
		return err
	}

	m.mu.Lock()
	t, ok := collection.Find(m.tasks, id, taskID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: task %s", ErrNotFound, id)
	}
	t.Done = !t.Done

	var echo models.Task
	if err := m.g.Mutate(ctx, resourceTasks, gateway.OpUpdate, t, &echo); err != nil {
		return fmt.Errorf("toggle task: %w", err)
	}
	m.mergeTask(actor, gen, echo)
	return nil
}

// DeleteTask removes a task. A concurrent removal observed through the
// realtime feed is tolerated.
func (m *TaskManager) DeleteTask(ctx context.Context, id string) error {
	actor, gen, err := m.begin()
	if err != nil {
		return err
	}

	if err := m.g.Mutate(ctx, resourceTasks, gateway.OpDelete, models.Task{ID: id}, nil); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}

	m.mu.Lock()
	if !m.stillLocked(actor, gen) {
		m.mu.Unlock()
		return nil
	}
	m.tasks = collection.Remove(m.tasks, id, taskID)
	seq, snap := m.stageLocked()
	m.mu.Unlock()
	m.n.publish(seq, snap)
	return nil
}

// ReorderTasks re-sequences the given tasks, which may be only the
// visible subset of the collection. The order values those tasks
// already hold are redistributed across the new sequence, so tasks
// outside the subset keep both their order values and their
// interleaving. Writes are sequential; on a mid-sequence failure the
// items before the failure are already persisted, so the cache is
// resynchronized with a forced refresh instead of guessing.
func (m *TaskManager) ReorderTasks(ctx context.Context, ids []string) error {
	actor, gen, err := m.begin()
	if err != nil {
		return err
	}

	m.mu.Lock()
	seqTasks := make([]models.Task, 0, len(ids))
	for _, id := range ids {
		t, ok := collection.Find(m.tasks, id, taskID)
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("%w: task %s", ErrNotFound, id)
		}
		seqTasks = append(seqTasks, t)
	}
	m.mu.Unlock()

	assignments := collection.ReassignOrders(seqTasks, taskID, taskOrder)
	for _, a := range assignments {
		payload := map[string]any{"id": a.ID, "order": a.Order}
		if err := m.g.Mutate(ctx, resourceTasks, gateway.OpUpdate, payload, nil); err != nil {
			if rerr := m.Refresh(ctx, true); rerr != nil {
				m.log.Warn("resync after failed reorder", "error", rerr)
			}
			return fmt.Errorf("reorder tasks: %w", err)
		}
	}

	m.mu.Lock()
	if !m.stillLocked(actor, gen) {
		m.mu.Unlock()
		return nil
	}
	byID := make(map[string]int, len(assignments))
	for _, a := range assignments {
		byID[a.ID] = a.Order
	}
	tasks := slices.Clone(m.tasks)
	for i := range tasks {
		if o, ok := byID[tasks[i].ID]; ok {
			tasks[i].Order = o
		}
	}
	m.tasks = collection.Sort(tasks, taskLess)
	seq, snap := m.stageLocked()
	m.mu.Unlock()
	m.n.publish(seq, snap)
	return nil
}

// SaveCategory inserts (empty id) or updates a category.
func (m *TaskManager) SaveCategory(ctx context.Context, c models.Category) error {
	actor, gen, err := m.begin()
	if err != nil {
		return err
	}

	op := gateway.OpUpdate
	if c.ID == "" {
		op = gateway.OpInsert
		c.UserID = actor
	} else {
		m.mu.Lock()
		_, ok := collection.Find(m.categories, c.ID, categoryID)
		m.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: category %s", ErrNotFound, c.ID)
		}
	}

	var echo models.Category
	if err := m.g.Mutate(ctx, resourceCategories, op, c, &echo); err != nil {
		return fmt.Errorf("save category: %w", err)
	}

	m.mu.Lock()
	if !m.stillLocked(actor, gen) {
		m.mu.Unlock()
		return nil
	}
	m.categories = collection.Upsert(m.categories, echo, categoryID, categoryLess)
	seq, snap := m.stageLocked()
	m.mu.Unlock()
	m.n.publish(seq, snap)
	return nil
}

// DeleteCategory removes a category. Tasks keep their category id; the
// backend clears the reference and the realtime feed echoes the
// resulting task updates.
func (m *TaskManager) DeleteCategory(ctx context.Context, id string) error {
	actor, gen, err := m.begin()
	if err != nil {
		return err
	}

	if err := m.g.Mutate(ctx, resourceCategories, gateway.OpDelete, models.Category{ID: id}, nil); err != nil {
		return fmt.Errorf("delete category: %w", err)
	}

	m.mu.Lock()
	if !m.stillLocked(actor, gen) {
		m.mu.Unlock()
		return nil
	}
	m.categories = collection.Remove(m.categories, id, categoryID)
	seq, snap := m.stageLocked()
	m.mu.Unlock()
	m.n.publish(seq, snap)
	return nil
}

func (m *TaskManager) mergeTask(actor string, gen uint64, t models.Task) {
	m.mu.Lock()
	if !m.stillLocked(actor, gen) {
		m.mu.Unlock()
		return
	}
	m.tasks = collection.Upsert(m.tasks, t, taskID, taskLess)
	seq, snap := m.stageLocked()
	m.mu.Unlock()
	m.n.publish(seq, snap)
}
