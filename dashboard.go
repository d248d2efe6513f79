package taskdeck

import (
	"context"
	"fmt"
	"slices"

	"github.com/taskdeck/taskdeck.go/pkg/bridge"
	"github.com/taskdeck/taskdeck.go/pkg/gateway"
	"github.com/taskdeck/taskdeck.go/pkg/layout"
)

const resourceLayouts = "dashboard_layouts"

// layoutDoc is the stored form of a dashboard layout, one document per
// user.
type layoutDoc struct {
	ID      string          `json:"id,omitempty"`
	UserID  string          `json:"user_id"`
	Widgets []layout.Widget `json:"widgets"`
}

// DashboardSnapshot is the published state of a DashboardManager. The
// widget slice is always normalized against the catalog: every catalog
// entry present exactly once, orders contiguous per slot.
type DashboardSnapshot struct {
	SyncState
	Widgets []layout.Widget
}

// DashboardManager owns the actor's dashboard layout. The stored
// document may lag the widget catalog in either direction; every load
// and echo passes through normalization so callers only ever see a
// complete layout.
type DashboardManager struct {
	manager[DashboardSnapshot]

	catalog []layout.CatalogEntry
	docID   string
	widgets []layout.Widget
}

// NewDashboardManager creates a DashboardManager speaking to g.
func NewDashboardManager(g gateway.Gateway, opts ...Option) *DashboardManager {
	m := &DashboardManager{}
	o := buildOptions(opts)
	m.catalog = o.catalog
	m.init(g, o.log, m)
	return m
}

func (m *DashboardManager) clearLocked() {
	m.docID = ""
	m.widgets = nil
}

func (m *DashboardManager) snapshotLocked() DashboardSnapshot {
	return DashboardSnapshot{
		SyncState: m.stateLocked(),
		Widgets:   slices.Clone(m.widgets),
	}
}

func (m *DashboardManager) fetch(ctx context.Context, actor string, gen uint64) error {
	var docs []layoutDoc
	if err := m.g.Query(ctx, resourceLayouts,
		gateway.Filter{Match: map[string]any{"user_id": actor}}, &docs); err != nil {
		return fmt.Errorf("load dashboard layout: %w", err)
	}

	var stored *layout.Layout
	docID := ""
	if len(docs) > 0 {
		stored = &layout.Layout{Widgets: docs[0].Widgets}
		docID = docs[0].ID
	}
	normalized := layout.Normalize(stored, m.catalog)

	m.mu.Lock()
	if !m.stillLocked(actor, gen) {
		m.mu.Unlock()
		return nil
	}
	m.docID = docID
	m.widgets = normalized.Widgets
	seq, snap := m.completeRefreshLocked()
	m.mu.Unlock()
	m.n.publish(seq, snap)
	return nil
}

func (m *DashboardManager) attach(ctx context.Context, r *bridge.Router, actor string, gen uint64) error {
	_, err := r.Attach(ctx, resourceLayouts, actor, func(ev gateway.Event) {
		m.applyLayoutEvent(actor, gen, ev)
	})
	return err
}

// applyLayoutEvent replaces the layout wholesale. Layout edits are not
// commutative, so the document is the unit of change; a delete falls
// back to the catalog defaults.
func (m *DashboardManager) applyLayoutEvent(actor string, gen uint64, ev gateway.Event) {
	var normalized layout.Layout
	docID := ""
	if ev.Action == gateway.ActionDelete {
		normalized = layout.Normalize(nil, m.catalog)
	} else {
		var doc layoutDoc
		if err := ev.New.Decode(&doc); err != nil {
			m.log.Warn("undecodable layout event", "action", ev.Action, "error", err)
			return
		}
		normalized = layout.Normalize(&layout.Layout{Widgets: doc.Widgets}, m.catalog)
		docID = doc.ID
	}

	m.mu.Lock()
	if !m.stillLocked(actor, gen) {
		m.mu.Unlock()
		return
	}
	m.docID = docID
	m.widgets = normalized.Widgets
	seq, snap := m.stageLocked()
	m.mu.Unlock()
	m.n.publish(seq, snap)
}

// MoveWidget moves a widget to targetIndex among the visible widgets of
// targetSlot, then persists the whole document. The local layout is
// updated optimistically; the echo wins if the server rewrote anything.
func (m *DashboardManager) MoveWidget(ctx context.Context, widgetID string, targetSlot layout.Slot, targetIndex int) error {
	actor, gen, err := m.begin()
	if err != nil {
		return err
	}

	m.mu.Lock()
	current := layout.Layout{Widgets: slices.Clone(m.widgets)}
	m.mu.Unlock()

	moved, err := layout.MoveVisible(current, widgetID, targetSlot, targetIndex)
	if err != nil {
		return fmt.Errorf("move widget: %w", err)
	}
	return m.persist(ctx, actor, gen, moved)
}

// SetWidgetVisible toggles a widget's visibility and persists the
// document.
func (m *DashboardManager) SetWidgetVisible(ctx context.Context, widgetID string, visible bool) error {
	actor, gen, err := m.begin()
	if err != nil {
		return err
	}

	m.mu.Lock()
	current := layout.Layout{Widgets: slices.Clone(m.widgets)}
	m.mu.Unlock()

	changed, err := layout.SetVisible(current, widgetID, visible)
	if err != nil {
		return fmt.Errorf("set widget visibility: %w", err)
	}
	return m.persist(ctx, actor, gen, changed)
}

// persist writes the full layout document, inserting on first save,
// and installs the normalized echo.
func (m *DashboardManager) persist(ctx context.Context, actor string, gen uint64, l layout.Layout) error {
	m.mu.Lock()
	doc := layoutDoc{ID: m.docID, UserID: actor, Widgets: l.Widgets}
	m.mu.Unlock()

	op := gateway.OpUpdate
	if doc.ID == "" {
		op = gateway.OpInsert
	}

	var echo layoutDoc
	if err := m.g.Mutate(ctx, resourceLayouts, op, doc, &echo); err != nil {
		return fmt.Errorf("save dashboard layout: %w", err)
	}
	normalized := layout.Normalize(&layout.Layout{Widgets: echo.Widgets}, m.catalog)

	m.mu.Lock()
	if !m.stillLocked(actor, gen) {
		m.mu.Unlock()
		return nil
	}
	if echo.ID != "" {
		m.docID = echo.ID
	}
	m.widgets = normalized.Widgets
	seq, snap := m.stageLocked()
	m.mu.Unlock()
	m.n.publish(seq, snap)
	return nil
}
