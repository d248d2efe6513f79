// Package layout arranges dashboard widgets into named ordered slots.
// The engine is pure: every operation takes a layout value and returns a
// new one. Order values are always re-derived from slot positions in
// full, so duplicate or gapped orders cannot persist past any operation,
// and loading reconciles whatever was stored against the widget catalog
// so schema drift in persisted layouts never breaks.
package layout

import (
	"errors"
	"fmt"
	"sort"
)

// Slot is a named ordered bucket on the dashboard.
type Slot string

const (
	SlotPrimary   Slot = "primary"
	SlotSecondary Slot = "secondary"
	SlotTertiary  Slot = "tertiary"
)

// slotRank fixes the display order of slots themselves.
func slotRank(s Slot) int {
	switch s {
	case SlotPrimary:
		return 0
	case SlotSecondary:
		return 1
	default:
		return 2
	}
}

// Widget is one dashboard widget's placement.
type Widget struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Slot    Slot   `json:"slot"`
	Order   int    `json:"order"`
	Visible bool   `json:"visible"`
}

// Layout is the persisted document shape. There is no version field;
// Normalize against the catalog is the only migration mechanism.
type Layout struct {
	Widgets []Widget `json:"widgets"`
}

// CatalogEntry declares one widget type the dashboard knows about and
// the slot it lands in by default.
type CatalogEntry struct {
	Type        string
	DefaultSlot Slot
}

// DefaultCatalog is the widget catalog of the Taskdeck dashboard.
// Normalize reconciles every loaded layout against it, so adding an
// entry here is all a new widget type needs.
var DefaultCatalog = []CatalogEntry{
	{Type: "productivity", DefaultSlot: SlotPrimary},
	{Type: "tasks", DefaultSlot: SlotPrimary},
	{Type: "calendar", DefaultSlot: SlotSecondary},
	{Type: "notes", DefaultSlot: SlotSecondary},
	{Type: "friends", DefaultSlot: SlotTertiary},
	{Type: "stats", DefaultSlot: SlotTertiary},
}

// ErrUnknownWidget is returned when an operation names a widget that is
// not part of the layout.
var ErrUnknownWidget = errors.New("layout: unknown widget")

// Normalize produces a layout containing exactly one widget per catalog
// entry. Types present in stored keep their stored slot, order and
// visibility; missing types are appended to their default slot after
// everything already there. Order values are re-derived from slot
// positions, so the result never carries duplicates or gaps. stored may
// be nil.
func Normalize(stored *Layout, catalog []CatalogEntry) Layout {
	byType := make(map[string]Widget)
	if stored != nil {
		for _, w := range stored.Widgets {
			if _, dup := byType[w.Type]; dup {
				continue
			}
			byType[w.Type] = w
		}
	}

	widgets := make([]Widget, 0, len(catalog))
	for _, entry := range catalog {
		if w, ok := byType[entry.Type]; ok {
			if w.ID == "" {
				w.ID = entry.Type
			}
			widgets = append(widgets, w)
			continue
		}
		widgets = append(widgets, Widget{
			ID:      entry.Type,
			Type:    entry.Type,
			Slot:    entry.DefaultSlot,
			Order:   nextOrder(widgets, entry.DefaultSlot),
			Visible: true,
		})
	}

	return reindex(widgets)
}

// Move places the widget into targetSlot at targetIndex, an index into
// that slot's full ordered list. The index is clamped, untouched widgets
// keep their relative order, and every order value is re-derived.
func Move(l Layout, widgetID string, targetSlot Slot, targetIndex int) (Layout, error) {
	moved, rest, err := extract(l, widgetID)
	if err != nil {
		return Layout{}, err
	}

	target := slotWidgets(rest, targetSlot)
	if targetIndex < 0 {
		targetIndex = 0
	}
	if targetIndex > len(target) {
		targetIndex = len(target)
	}

	moved.Slot = targetSlot
	inserted := make([]Widget, 0, len(target)+1)
	inserted = append(inserted, target[:targetIndex]...)
	inserted = append(inserted, moved)
	inserted = append(inserted, target[targetIndex:]...)

	out := make([]Widget, 0, len(rest)+1)
	for _, w := range rest {
		if w.Slot != targetSlot {
			out = append(out, w)
		}
	}
	out = append(out, inserted...)

	return reindex(out), nil
}

// MoveVisible is Move with the index counted against the slot's visible
// widgets only, the way a drag target sees them. The visible index is
// translated to a full-list position by locating the visible neighbor it
// points at, so hidden widgets keep their interleaving instead of being
// silently reordered around.
func MoveVisible(l Layout, widgetID string, targetSlot Slot, visibleIndex int) (Layout, error) {
	_, rest, err := extract(l, widgetID)
	if err != nil {
		return Layout{}, err
	}

	target := slotWidgets(rest, targetSlot)
	visible := make([]int, 0, len(target)) // positions of visible widgets in target
	for i, w := range target {
		if w.Visible {
			visible = append(visible, i)
		}
	}

	var fullIndex int
	switch {
	case visibleIndex < 0:
		fullIndex = 0
	case visibleIndex >= len(visible):
		// Past the last visible widget: insert right after it, not at
		// the end of the full list, so trailing hidden widgets stay put.
		if len(visible) == 0 {
			fullIndex = len(target)
		} else {
			fullIndex = visible[len(visible)-1] + 1
		}
	default:
		fullIndex = visible[visibleIndex]
	}

	return Move(l, widgetID, targetSlot, fullIndex)
}

// SetVisible toggles a widget's visibility without changing placement.
func SetVisible(l Layout, widgetID string, visible bool) (Layout, error) {
	out := make([]Widget, len(l.Widgets))
	found := false
	for i, w := range l.Widgets {
		if w.ID == widgetID {
			w.Visible = visible
			found = true
		}
		out[i] = w
	}
	if !found {
		return Layout{}, fmt.Errorf("%w: %s", ErrUnknownWidget, widgetID)
	}
	return Layout{Widgets: out}, nil
}

// extract removes the named widget, returning it and the remainder in
// canonical order.
func extract(l Layout, widgetID string) (Widget, []Widget, error) {
	sorted := sortWidgets(l.Widgets)
	rest := make([]Widget, 0, len(sorted))
	var moved Widget
	found := false
	for _, w := range sorted {
		if w.ID == widgetID {
			moved = w
			found = true
			continue
		}
		rest = append(rest, w)
	}
	if !found {
		return Widget{}, nil, fmt.Errorf("%w: %s", ErrUnknownWidget, widgetID)
	}
	return moved, rest, nil
}

// reindex re-derives every widget's order from its position within its
// slot and returns the layout in canonical order.
func reindex(widgets []Widget) Layout {
	sorted := sortWidgets(widgets)
	counts := make(map[Slot]int)
	for i, w := range sorted {
		sorted[i].Order = counts[w.Slot]
		counts[w.Slot]++
	}
	return Layout{Widgets: sorted}
}

// sortWidgets orders by slot rank then stored order, stable on ties.
func sortWidgets(widgets []Widget) []Widget {
	out := make([]Widget, len(widgets))
	copy(out, widgets)
	sort.SliceStable(out, func(i, j int) bool {
		if slotRank(out[i].Slot) != slotRank(out[j].Slot) {
			return slotRank(out[i].Slot) < slotRank(out[j].Slot)
		}
		return out[i].Order < out[j].Order
	})
	return out
}

// slotWidgets returns the widgets of one slot in order.
func slotWidgets(widgets []Widget, slot Slot) []Widget {
	out := make([]Widget, 0, len(widgets))
	for _, w := range sortWidgets(widgets) {
		if w.Slot == slot {
			out = append(out, w)
		}
	}
	return out
}

// nextOrder returns the first order value past everything in the slot.
func nextOrder(widgets []Widget, slot Slot) int {
	next := 0
	for _, w := range widgets {
		if w.Slot == slot && w.Order >= next {
			next = w.Order + 1
		}
	}
	return next
}
