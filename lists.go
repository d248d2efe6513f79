package taskdeck

import (
	"context"
	"fmt"
	"slices"

	"github.com/taskdeck/taskdeck.go/pkg/access"
	"github.com/taskdeck/taskdeck.go/pkg/bridge"
	"github.com/taskdeck/taskdeck.go/pkg/collection"
	"github.com/taskdeck/taskdeck.go/pkg/gateway"
	"github.com/taskdeck/taskdeck.go/pkg/models"
)

const (
	resourceLists       = "lists"
	resourceListMembers = "list_members"

	procInviteListMember = "invite_list_member"
)

// ListsSnapshot is the published state of a ListManager. Every list
// carries the actor's resolved role in AccessRole, so views never
// re-derive permissions.
type ListsSnapshot struct {
	SyncState
	Lists []models.List
}

// ListManager owns the lists the actor can see, both owned and shared.
// Membership changes arrive on a separate feed and carry too little
// context to patch locally, so they trigger a full refresh.
type ListManager struct {
	manager[ListsSnapshot]

	lists []models.List
}

// NewListManager creates a ListManager speaking to g.
func NewListManager(g gateway.Gateway, opts ...Option) *ListManager {
	m := &ListManager{}
	o := buildOptions(opts)
	m.init(g, o.log, m)
	return m
}

func listID(l models.List) string { return l.ID }

func listLess(a, b models.List) bool {
	ap, bp := models.RolePriority(a.AccessRole), models.RolePriority(b.AccessRole)
	if ap != bp {
		return ap < bp
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func memberID(mb models.ListMember) string { return mb.ID }

func memberLess(a, b models.ListMember) bool {
	ap, bp := models.RolePriority(a.Role), models.RolePriority(b.Role)
	if ap != bp {
		return ap < bp
	}
	an, bn := memberName(a), memberName(b)
	if an != bn {
		return an < bn
	}
	return a.ID < b.ID
}

func memberName(mb models.ListMember) string {
	if mb.Profile != nil && mb.Profile.DisplayName != "" {
		return mb.Profile.DisplayName
	}
	return mb.UserID
}

// resolveRole derives the actor's role on a list: ownership wins, then
// the membership row, then the fail-closed default.
func resolveRole(l models.List, actor string) access.Role {
	if l.OwnerID == actor && actor != "" {
		return access.RoleOwner
	}
	if mb, ok := l.Member(actor); ok {
		return access.Normalize(string(mb.Role))
	}
	return access.Resolve("", l.OwnerID, actor)
}

func (m *ListManager) clearLocked() { m.lists = nil }

func (m *ListManager) snapshotLocked() ListsSnapshot {
	lists := make([]models.List, len(m.lists))
	for i, l := range m.lists {
		l.Members = slices.Clone(l.Members)
		lists[i] = l
	}
	return ListsSnapshot{SyncState: m.stateLocked(), Lists: lists}
}

func (m *ListManager) fetch(ctx context.Context, actor string, gen uint64) error {
	var lists []models.List
	if err := m.g.Query(ctx, resourceLists,
		gateway.Filter{Match: map[string]any{"visible_to": actor}}, &lists); err != nil {
		return fmt.Errorf("load lists: %w", err)
	}

	var members []models.ListMember
	if err := m.g.Query(ctx, resourceListMembers,
		gateway.Filter{Match: map[string]any{"visible_to": actor}}, &members); err != nil {
		return fmt.Errorf("load list members: %w", err)
	}

	byList := make(map[string][]models.ListMember)
	for _, mb := range members {
		byList[mb.ListID] = append(byList[mb.ListID], mb)
	}
	for i := range lists {
		lists[i].Members = collection.Sort(byList[lists[i].ID], memberLess)
		lists[i].AccessRole = resolveRole(lists[i], actor)
	}

	m.mu.Lock()
	if !m.stillLocked(actor, gen) {
		m.mu.Unlock()
		return nil
	}
	m.lists = collection.Sort(lists, listLess)
	seq, snap := m.completeRefreshLocked()
	m.mu.Unlock()
	m.n.publish(seq, snap)
	return nil
}

func (m *ListManager) attach(ctx context.Context, r *bridge.Router, actor string, gen uint64) error {
	if _, err := r.Attach(ctx, resourceLists, actor, func(ev gateway.Event) {
		m.applyListEvent(actor, gen, ev)
	}); err != nil {
		return err
	}
	_, err := r.Attach(ctx, resourceListMembers, actor, func(ev gateway.Event) {
		m.applyMemberEvent(actor, gen, ev)
	})
	return err
}

// applyListEvent merges a list change. The feed payload has no member
// rows, so membership and role are inherited from the cached copy when
// one exists.
func (m *ListManager) applyListEvent(actor string, gen uint64, ev gateway.Event) {
	var l models.List
	src := ev.New
	if ev.Action == gateway.ActionDelete && !ev.Old.IsZero() {
		src = ev.Old
	}
	if err := src.Decode(&l); err != nil {
		m.log.Warn("undecodable list event", "action", ev.Action, "error", err)
		return
	}

	m.mu.Lock()
	if !m.stillLocked(actor, gen) {
		m.mu.Unlock()
		return
	}
	if ev.Action == gateway.ActionDelete {
		m.lists = collection.Remove(m.lists, l.ID, listID)
	} else {
		if cached, ok := collection.Find(m.lists, l.ID, listID); ok {
			l.Members = cached.Members
		}
		l.AccessRole = resolveRole(l, actor)
		m.lists = collection.Upsert(m.lists, l, listID, listLess)
	}
	seq, snap := m.stageLocked()
	m.mu.Unlock()
	m.n.publish(seq, snap)
}

// applyMemberEvent resyncs on membership changes. A member row can add
// the actor to a list the cache has never seen, or revoke access to a
// cached one, and either way the list feed stays silent.
func (m *ListManager) applyMemberEvent(actor string, gen uint64, ev gateway.Event) {
	m.resync(actor, gen)
}

// roleOn reports the actor's role on a cached list.
func (m *ListManager) roleOn(lid string) (access.Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := collection.Find(m.lists, lid, listID)
	if !ok {
		return "", fmt.Errorf("%w: list %s", ErrNotFound, lid)
	}
	return l.AccessRole, nil
}

// SaveList creates a list when l.ID is empty, otherwise updates the
// title. Updates require edit rights on the cached copy; the check runs
// before any backend traffic so a viewer costs nothing.
func (m *ListManager) SaveList(ctx context.Context, l models.List) error {
	actor, gen, err := m.begin()
	if err != nil {
		return err
	}

	op := gateway.OpUpdate
	if l.ID == "" {
		op = gateway.OpInsert
		l.OwnerID = actor
	} else {
		role, err := m.roleOn(l.ID)
		if err != nil {
			return err
		}
		if !access.CanEdit(role) {
			return fmt.Errorf("%w: update list %s", ErrForbidden, l.ID)
		}
	}

	var echo models.List
	if err := m.g.Mutate(ctx, resourceLists, op, l, &echo); err != nil {
		return fmt.Errorf("save list: %w", err)
	}

	m.mu.Lock()
	if !m.stillLocked(actor, gen) {
		m.mu.Unlock()
		return nil
	}
	if cached, ok := collection.Find(m.lists, echo.ID, listID); ok {
		echo.Members = cached.Members
	}
	echo.AccessRole = resolveRole(echo, actor)
	m.lists = collection.Upsert(m.lists, echo, listID, listLess)
	seq, snap := m.stageLocked()
	m.mu.Unlock()
	m.n.publish(seq, snap)
	return nil
}

// DeleteList removes a list. Owner only.
func (m *ListManager) DeleteList(ctx context.Context, id string) error {
	actor, gen, err := m.begin()
	if err != nil {
		return err
	}
	role, err := m.roleOn(id)
	if err != nil {
		return err
	}
	if !access.CanDelete(role) {
		return fmt.Errorf("%w: delete list %s", ErrForbidden, id)
	}

	if err := m.g.Mutate(ctx, resourceLists, gateway.OpDelete, map[string]any{"id": id}, nil); err != nil {
		return fmt.Errorf("delete list: %w", err)
	}

	m.mu.Lock()
	if !m.stillLocked(actor, gen) {
		m.mu.Unlock()
		return nil
	}
	m.lists = collection.Remove(m.lists, id, listID)
	seq, snap := m.stageLocked()
	m.mu.Unlock()
	m.n.publish(seq, snap)
	return nil
}

// InviteMember adds a friend to a list with the given role. Owner only.
// The invite resolves the friend and writes the member row with
// server-side checks, so it goes through a remote procedure.
func (m *ListManager) InviteMember(ctx context.Context, lid, friendUserID string, role access.Role) error {
	actor, gen, err := m.begin()
	if err != nil {
		return err
	}
	myRole, err := m.roleOn(lid)
	if err != nil {
		return err
	}
	if !access.CanManageMembers(myRole) {
		return fmt.Errorf("%w: invite to list %s", ErrForbidden, lid)
	}
	role = access.Normalize(string(role))
	if role == access.RoleOwner {
		return fmt.Errorf("%w: cannot grant owner on list %s", ErrForbidden, lid)
	}

	var member models.ListMember
	if err := m.g.Invoke(ctx, procInviteListMember, map[string]any{
		"list_id": lid,
		"user_id": friendUserID,
		"role":    string(role),
	}, &member); err != nil {
		return fmt.Errorf("invite member: %w", err)
	}

	m.mergeMember(actor, gen, member)
	return nil
}

// RemoveMember removes another user's membership row. Owner only;
// leaving is LeaveList.
func (m *ListManager) RemoveMember(ctx context.Context, lid, mid string) error {
	actor, gen, err := m.begin()
	if err != nil {
		return err
	}
	role, err := m.roleOn(lid)
	if err != nil {
		return err
	}

	m.mu.Lock()
	var target models.ListMember
	ok := false
	if l, found := collection.Find(m.lists, lid, listID); found {
		target, ok = collection.Find(l.Members, mid, memberID)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: member %s on list %s", ErrNotFound, mid, lid)
	}

	if !access.CanRemoveMember(role, target.UserID == actor) {
		return fmt.Errorf("%w: remove member from list %s", ErrForbidden, lid)
	}

	if err := m.g.Mutate(ctx, resourceListMembers, gateway.OpDelete, map[string]any{"id": mid}, nil); err != nil {
		return fmt.Errorf("remove member: %w", err)
	}

	m.dropMember(actor, gen, lid, mid)
	return nil
}

// LeaveList removes the actor's own membership row. Owners cannot
// leave; they delete the list instead.
func (m *ListManager) LeaveList(ctx context.Context, lid string) error {
	actor, gen, err := m.begin()
	if err != nil {
		return err
	}
	role, err := m.roleOn(lid)
	if err != nil {
		return err
	}
	if !access.CanRemoveMember(role, true) {
		return fmt.Errorf("%w: leave list %s", ErrForbidden, lid)
	}

	m.mu.Lock()
	var own models.ListMember
	ok := false
	if l, found := collection.Find(m.lists, lid, listID); found {
		own, ok = l.Member(actor)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: membership on list %s", ErrNotFound, lid)
	}

	if err := m.g.Mutate(ctx, resourceListMembers, gateway.OpDelete, map[string]any{"id": own.ID}, nil); err != nil {
		return fmt.Errorf("leave list: %w", err)
	}

	m.mu.Lock()
	if !m.stillLocked(actor, gen) {
		m.mu.Unlock()
		return nil
	}
	m.lists = collection.Remove(m.lists, lid, listID)
	seq, snap := m.stageLocked()
	m.mu.Unlock()
	m.n.publish(seq, snap)
	return nil
}

func (m *ListManager) mergeMember(actor string, gen uint64, mb models.ListMember) {
	m.mu.Lock()
	if !m.stillLocked(actor, gen) {
		m.mu.Unlock()
		return
	}
	if l, ok := collection.Find(m.lists, mb.ListID, listID); ok {
		l.Members = collection.Upsert(l.Members, mb, memberID, memberLess)
		m.lists = collection.Upsert(m.lists, l, listID, listLess)
	}
	seq, snap := m.stageLocked()
	m.mu.Unlock()
	m.n.publish(seq, snap)
}

func (m *ListManager) dropMember(actor string, gen uint64, lid, mid string) {
	m.mu.Lock()
	if !m.stillLocked(actor, gen) {
		m.mu.Unlock()
		return
	}
	if l, ok := collection.Find(m.lists, lid, listID); ok {
		l.Members = collection.Remove(l.Members, mid, memberID)
		m.lists = collection.Upsert(m.lists, l, listID, listLess)
	}
	seq, snap := m.stageLocked()
	m.mu.Unlock()
	m.n.publish(seq, snap)
}
