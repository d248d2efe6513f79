package layout

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCatalog = []CatalogEntry{
	{Type: "productivity", DefaultSlot: SlotPrimary},
	{Type: "notes", DefaultSlot: SlotSecondary},
}

func TestNormalize(t *testing.T) {
	t.Run("nil stored yields catalog defaults", func(t *testing.T) {
		got := Normalize(nil, DefaultCatalog)
		require.Len(t, got.Widgets, len(DefaultCatalog))
		for _, w := range got.Widgets {
			assert.True(t, w.Visible, "widget %s", w.Type)
			assert.Equal(t, w.Type, w.ID)
		}
		assertContiguous(t, got)
	})

	t.Run("stored placement survives, missing types appended", func(t *testing.T) {
		stored := &Layout{Widgets: []Widget{
			{ID: "productivity", Type: "productivity", Slot: SlotSecondary, Order: 0, Visible: false},
		}}
		got := Normalize(stored, testCatalog)
		require.Len(t, got.Widgets, 2)

		prod := findWidget(t, got, "productivity")
		assert.Equal(t, SlotSecondary, prod.Slot)
		assert.Equal(t, 0, prod.Order)
		assert.False(t, prod.Visible)

		notes := findWidget(t, got, "notes")
		assert.Equal(t, SlotSecondary, notes.Slot)
		assert.Equal(t, 1, notes.Order, "appended after what already occupies the slot")
		assert.True(t, notes.Visible)
	})

	t.Run("unknown stored types dropped", func(t *testing.T) {
		stored := &Layout{Widgets: []Widget{
			{ID: "legacy", Type: "legacy", Slot: SlotPrimary},
		}}
		got := Normalize(stored, testCatalog)
		require.Len(t, got.Widgets, 2)
		for _, w := range got.Widgets {
			assert.NotEqual(t, "legacy", w.Type)
		}
	})

	t.Run("duplicate stored types collapse to the first", func(t *testing.T) {
		stored := &Layout{Widgets: []Widget{
			{ID: "notes", Type: "notes", Slot: SlotPrimary, Visible: true},
			{ID: "notes2", Type: "notes", Slot: SlotTertiary, Visible: false},
		}}
		got := Normalize(stored, testCatalog)
		notes := findWidget(t, got, "notes")
		assert.Equal(t, SlotPrimary, notes.Slot)
		assert.True(t, notes.Visible)
	})

	t.Run("orders rederived", func(t *testing.T) {
		stored := &Layout{Widgets: []Widget{
			{ID: "productivity", Type: "productivity", Slot: SlotPrimary, Order: 7, Visible: true},
			{ID: "notes", Type: "notes", Slot: SlotPrimary, Order: 7, Visible: true},
		}}
		got := Normalize(stored, testCatalog)
		assertContiguous(t, got)
	})
}

func TestMove(t *testing.T) {
	l := Normalize(nil, testCatalog)

	t.Run("across slots", func(t *testing.T) {
		got, err := Move(l, "notes", SlotPrimary, 0)
		require.NoError(t, err)
		notes := findWidget(t, got, "notes")
		assert.Equal(t, SlotPrimary, notes.Slot)
		assert.Equal(t, 0, notes.Order)
		prod := findWidget(t, got, "productivity")
		assert.Equal(t, 1, prod.Order)
		assertContiguous(t, got)
	})

	t.Run("index clamped", func(t *testing.T) {
		got, err := Move(l, "notes", SlotPrimary, 99)
		require.NoError(t, err)
		assert.Equal(t, 1, findWidget(t, got, "notes").Order)

		got, err = Move(l, "notes", SlotPrimary, -5)
		require.NoError(t, err)
		assert.Equal(t, 0, findWidget(t, got, "notes").Order)
	})

	t.Run("unknown widget", func(t *testing.T) {
		_, err := Move(l, "nope", SlotPrimary, 0)
		assert.ErrorIs(t, err, ErrUnknownWidget)
	})
}

func TestMoveVisible(t *testing.T) {
	// Secondary slot: a (visible), h (hidden), b (visible), trailing
	// hidden t. Visible indexes count only a and b.
	l := Layout{Widgets: []Widget{
		{ID: "x", Type: "x", Slot: SlotPrimary, Order: 0, Visible: true},
		{ID: "a", Type: "a", Slot: SlotSecondary, Order: 0, Visible: true},
		{ID: "h", Type: "h", Slot: SlotSecondary, Order: 1, Visible: false},
		{ID: "b", Type: "b", Slot: SlotSecondary, Order: 2, Visible: true},
		{ID: "t", Type: "t", Slot: SlotSecondary, Order: 3, Visible: false},
	}}

	t.Run("visible index lands before that visible neighbor", func(t *testing.T) {
		got, err := MoveVisible(l, "x", SlotSecondary, 1)
		require.NoError(t, err)
		// x takes b's position; the hidden widget h keeps its place
		// between a and x.
		assertSlotOrder(t, got, SlotSecondary, []string{"a", "h", "x", "b", "t"})
	})

	t.Run("past last visible inserts before trailing hidden", func(t *testing.T) {
		got, err := MoveVisible(l, "x", SlotSecondary, 5)
		require.NoError(t, err)
		assertSlotOrder(t, got, SlotSecondary, []string{"a", "h", "b", "x", "t"})
	})

	t.Run("empty slot", func(t *testing.T) {
		got, err := MoveVisible(l, "x", SlotTertiary, 0)
		require.NoError(t, err)
		assertSlotOrder(t, got, SlotTertiary, []string{"x"})
	})
}

func TestSetVisible(t *testing.T) {
	l := Normalize(nil, testCatalog)

	got, err := SetVisible(l, "notes", false)
	require.NoError(t, err)
	assert.False(t, findWidget(t, got, "notes").Visible)
	// Placement untouched.
	assert.Equal(t, findWidget(t, l, "notes").Order, findWidget(t, got, "notes").Order)

	_, err = SetVisible(l, "nope", true)
	assert.ErrorIs(t, err, ErrUnknownWidget)
}

func findWidget(t *testing.T, l Layout, id string) Widget {
	t.Helper()
	for _, w := range l.Widgets {
		if w.ID == id {
			return w
		}
	}
	t.Fatalf("widget %s not in layout", id)
	return Widget{}
}

// assertContiguous checks every slot's orders run 0..n-1.
func assertContiguous(t *testing.T, l Layout) {
	t.Helper()
	next := make(map[Slot]int)
	for _, w := range sortWidgets(l.Widgets) {
		assert.Equal(t, next[w.Slot], w.Order, "widget %s in slot %s", w.ID, w.Slot)
		next[w.Slot]++
	}
}

func assertSlotOrder(t *testing.T, l Layout, slot Slot, ids []string) {
	t.Helper()
	got := make([]string, 0, len(ids))
	for _, w := range slotWidgets(l.Widgets, slot) {
		got = append(got, w.ID)
	}
	assert.Equal(t, ids, got)
}
