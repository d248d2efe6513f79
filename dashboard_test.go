package taskdeck

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskdeck/taskdeck.go/internal/gatewaytest"
	"github.com/taskdeck/taskdeck.go/pkg/gateway"
	"github.com/taskdeck/taskdeck.go/pkg/layout"
	"github.com/taskdeck/taskdeck.go/pkg/logger"
)

var dashCatalog = []layout.CatalogEntry{
	{Type: "productivity", DefaultSlot: layout.SlotPrimary},
	{Type: "notes", DefaultSlot: layout.SlotSecondary},
}

func newDashboardFixture(t *testing.T) (*gatewaytest.Gateway, *DashboardManager) {
	t.Helper()
	gw := gatewaytest.New()
	m := NewDashboardManager(gw, WithLogger(logger.Nop()), WithCatalog(dashCatalog))
	t.Cleanup(m.Dispose)
	return gw, m
}

func findDashWidget(t *testing.T, m *DashboardManager, id string) layout.Widget {
	t.Helper()
	for _, w := range m.Snapshot().Widgets {
		if w.ID == id {
			return w
		}
	}
	t.Fatalf("widget %s not in snapshot", id)
	return layout.Widget{}
}

func TestDashboardFetch(t *testing.T) {
	ctx := context.Background()

	t.Run("no stored document yields catalog defaults", func(t *testing.T) {
		_, m := newDashboardFixture(t)
		require.NoError(t, m.SetUser(ctx, "alice"))

		snap := m.Snapshot()
		assert.Equal(t, StatusReady, snap.Status)
		require.Len(t, snap.Widgets, 2)
		for _, w := range snap.Widgets {
			assert.True(t, w.Visible)
		}
	})

	t.Run("stored document is normalized against the catalog", func(t *testing.T) {
		gw, m := newDashboardFixture(t)
		gw.SetQueryResult(resourceLayouts, []layoutDoc{{
			ID:     "doc1",
			UserID: "alice",
			Widgets: []layout.Widget{
				{ID: "productivity", Type: "productivity", Slot: layout.SlotSecondary, Order: 0, Visible: false},
			},
		}})
		require.NoError(t, m.SetUser(ctx, "alice"))

		// The stale document predates the notes widget; normalization
		// appends it without disturbing the stored placement.
		prod := findDashWidget(t, m, "productivity")
		assert.Equal(t, layout.SlotSecondary, prod.Slot)
		assert.False(t, prod.Visible)

		notes := findDashWidget(t, m, "notes")
		assert.Equal(t, layout.SlotSecondary, notes.Slot)
		assert.Equal(t, 1, notes.Order)
		assert.True(t, notes.Visible)
	})
}

func TestMoveWidget(t *testing.T) {
	ctx := context.Background()
	gw, m := newDashboardFixture(t)
	require.NoError(t, m.SetUser(ctx, "alice"))

	var ops []gateway.Op
	gw.SetMutateHook(func(resource string, op gateway.Op, payload any) (any, error) {
		ops = append(ops, op)
		doc := payload.(layoutDoc)
		if doc.ID == "" {
			doc.ID = "doc1"
		}
		return doc, nil
	})

	// First persist has no document yet, so it inserts.
	require.NoError(t, m.MoveWidget(ctx, "notes", layout.SlotPrimary, 0))
	notes := findDashWidget(t, m, "notes")
	assert.Equal(t, layout.SlotPrimary, notes.Slot)
	assert.Equal(t, 0, notes.Order)
	assert.Equal(t, 1, findDashWidget(t, m, "productivity").Order)

	// The second one updates the document the echo named.
	require.NoError(t, m.MoveWidget(ctx, "notes", layout.SlotSecondary, 0))
	require.Equal(t, []gateway.Op{gateway.OpInsert, gateway.OpUpdate}, ops)

	err := m.MoveWidget(ctx, "ghost", layout.SlotPrimary, 0)
	assert.ErrorIs(t, err, layout.ErrUnknownWidget)
}

func TestSetWidgetVisible(t *testing.T) {
	ctx := context.Background()
	gw, m := newDashboardFixture(t)
	require.NoError(t, m.SetUser(ctx, "alice"))

	require.NoError(t, m.SetWidgetVisible(ctx, "notes", false))
	assert.False(t, findDashWidget(t, m, "notes").Visible)
	assert.Equal(t, 1, gw.Calls("mutate:"+resourceLayouts))

	gw.SetMutateErr(resourceLayouts, assert.AnError)
	require.Error(t, m.SetWidgetVisible(ctx, "notes", true))
	assert.False(t, findDashWidget(t, m, "notes").Visible, "cache unchanged on failure")
}

func TestDashboardRealtimeEvents(t *testing.T) {
	ctx := context.Background()

	t.Run("update replaces the layout wholesale", func(t *testing.T) {
		gw, m := newDashboardFixture(t)
		require.NoError(t, m.SetUser(ctx, "alice"))

		gw.Push(resourceLayouts, gatewaytest.Event(gateway.ActionUpdate, layoutDoc{
			ID:     "doc1",
			UserID: "alice",
			Widgets: []layout.Widget{
				{ID: "notes", Type: "notes", Slot: layout.SlotPrimary, Order: 0, Visible: true},
				{ID: "productivity", Type: "productivity", Slot: layout.SlotPrimary, Order: 1, Visible: true},
			},
		}, nil))

		require.Eventually(t, func() bool {
			return findDashWidgetQuiet(m, "notes").Slot == layout.SlotPrimary
		}, time.Second, time.Millisecond)
		assert.Equal(t, layout.SlotPrimary, findDashWidget(t, m, "productivity").Slot)
	})

	t.Run("delete resets to catalog defaults", func(t *testing.T) {
		gw, m := newDashboardFixture(t)
		gw.SetQueryResult(resourceLayouts, []layoutDoc{{
			ID:     "doc1",
			UserID: "alice",
			Widgets: []layout.Widget{
				{ID: "notes", Type: "notes", Slot: layout.SlotPrimary, Order: 0, Visible: false},
			},
		}})
		require.NoError(t, m.SetUser(ctx, "alice"))
		require.False(t, findDashWidget(t, m, "notes").Visible)

		gw.Push(resourceLayouts, gatewaytest.Event(gateway.ActionDelete, nil,
			layoutDoc{ID: "doc1", UserID: "alice"}))

		require.Eventually(t, func() bool {
			return findDashWidgetQuiet(m, "notes").Visible
		}, time.Second, time.Millisecond)
		assert.Equal(t, layout.SlotSecondary, findDashWidget(t, m, "notes").Slot)
	})
}

func findDashWidgetQuiet(m *DashboardManager, id string) layout.Widget {
	for _, w := range m.Snapshot().Widgets {
		if w.ID == id {
			return w
		}
	}
	return layout.Widget{}
}
