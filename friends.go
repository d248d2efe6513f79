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
	resourceFriendships    = "friendships"
	resourceFriendRequests = "friend_requests"
	resourceProfiles       = "profiles"

	procAddFriendByCode = "add_friend_by_code"
	procAcceptFriendReq = "accept_friend_request"
)

// FriendsSnapshot is the published state of a FriendManager. Incoming
// and Outgoing hold pending requests from the actor's point of view.
type FriendsSnapshot struct {
	SyncState
	Friends  []models.Friend
	Incoming []models.FriendRequest
	Outgoing []models.FriendRequest
}

// FriendManager owns one actor's friendships and friend requests. Wire
// payloads carry user ids only; records are decorated with profiles from
// a local cache before they reach the snapshot.
type FriendManager struct {
	manager[FriendsSnapshot]

	friends  []models.Friend
	incoming []models.FriendRequest
	outgoing []models.FriendRequest
	profiles map[string]models.Profile
}

// NewFriendManager creates a FriendManager speaking to g.
func NewFriendManager(g gateway.Gateway, opts ...Option) *FriendManager {
	m := &FriendManager{profiles: make(map[string]models.Profile)}
	o := buildOptions(opts)
	m.init(g, o.log, m)
	return m
}

func friendID(f models.Friend) string { return f.ID }

func friendName(f models.Friend) string {
	if f.Profile != nil && f.Profile.DisplayName != "" {
		return f.Profile.DisplayName
	}
	return f.FriendID
}

func friendLess(a, b models.Friend) bool {
	an, bn := friendName(a), friendName(b)
	if an != bn {
		return an < bn
	}
	return a.ID < b.ID
}

func requestID(r models.FriendRequest) string { return r.ID }

func requestLess(a, b models.FriendRequest) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (m *FriendManager) clearLocked() {
	m.friends = nil
	m.incoming = nil
	m.outgoing = nil
	m.profiles = make(map[string]models.Profile)
}

func (m *FriendManager) snapshotLocked() FriendsSnapshot {
	return FriendsSnapshot{
		SyncState: m.stateLocked(),
		Friends:   slices.Clone(m.friends),
		Incoming:  slices.Clone(m.incoming),
		Outgoing:  slices.Clone(m.outgoing),
	}
}

func (m *FriendManager) fetch(ctx context.Context, actor string, gen uint64) error {
	var friends []models.Friend
	if err := m.g.Query(ctx, resourceFriendships,
		gateway.Filter{Match: map[string]any{"user_id": actor}}, &friends); err != nil {
		return fmt.Errorf("load friendships: %w", err)
	}

	var incoming []models.FriendRequest
	if err := m.g.Query(ctx, resourceFriendRequests,
		gateway.Filter{Match: map[string]any{"receiver_id": actor, "status": string(models.FriendRequestPending)}},
		&incoming); err != nil {
		return fmt.Errorf("load incoming requests: %w", err)
	}

	var outgoing []models.FriendRequest
	if err := m.g.Query(ctx, resourceFriendRequests,
		gateway.Filter{Match: map[string]any{"sender_id": actor, "status": string(models.FriendRequestPending)}},
		&outgoing); err != nil {
		return fmt.Errorf("load outgoing requests: %w", err)
	}

	var profiles []models.Profile
	if err := m.g.Query(ctx, resourceProfiles,
		gateway.Filter{Match: map[string]any{"related_to": actor}}, &profiles); err != nil {
		return fmt.Errorf("load profiles: %w", err)
	}

	m.mu.Lock()
	if !m.stillLocked(actor, gen) {
		m.mu.Unlock()
		return nil
	}
	m.profiles = make(map[string]models.Profile, len(profiles))
	for _, p := range profiles {
		m.profiles[p.ID] = p
	}
	m.friends = collection.Sort(friends, friendLess)
	m.incoming = collection.Sort(incoming, requestLess)
	m.outgoing = collection.Sort(outgoing, requestLess)
	m.decorateLocked()
	seq, snap := m.completeRefreshLocked()
	m.mu.Unlock()
	m.n.publish(seq, snap)
	return nil
}

// decorateLocked attaches cached profiles to every record that lacks
// one. Friends are re-sorted afterwards since their sort key is the
// profile display name.
func (m *FriendManager) decorateLocked() {
	for i := range m.friends {
		if p, ok := m.profiles[m.friends[i].FriendID]; ok {
			cp := p
			m.friends[i].Profile = &cp
		}
	}
	m.friends = collection.Sort(m.friends, friendLess)
	for i := range m.incoming {
		if p, ok := m.profiles[m.incoming[i].SenderID]; ok {
			cp := p
			m.incoming[i].Sender = &cp
		}
	}
	for i := range m.outgoing {
		if p, ok := m.profiles[m.outgoing[i].ReceiverID]; ok {
			cp := p
			m.outgoing[i].Receiver = &cp
		}
	}
}

func (m *FriendManager) attach(ctx context.Context, r *bridge.Router, actor string, gen uint64) error {
	if _, err := r.Attach(ctx, resourceFriendships, actor, func(ev gateway.Event) {
		m.applyFriendshipEvent(actor, gen, ev)
	}); err != nil {
		return err
	}
	_, err := r.Attach(ctx, resourceFriendRequests, actor, func(ev gateway.Event) {
		m.applyRequestEvent(actor, gen, ev)
	})
	return err
}

// applyFriendshipEvent merges a friendship change. An insert whose
// counterpart profile is unknown means the cache is missing context the
// feed cannot deliver, so the whole family is refreshed instead of
// patching blind.
func (m *FriendManager) applyFriendshipEvent(actor string, gen uint64, ev gateway.Event) {
	var f models.Friend
	src := ev.New
	if ev.Action == gateway.ActionDelete && !ev.Old.IsZero() {
		src = ev.Old
	}
	if err := src.Decode(&f); err != nil {
		m.log.Warn("undecodable friendship event", "action", ev.Action, "error", err)
		return
	}

	m.mu.Lock()
	if !m.stillLocked(actor, gen) {
		m.mu.Unlock()
		return
	}
	if ev.Action == gateway.ActionDelete {
		m.friends = collection.Remove(m.friends, f.ID, friendID)
		seq, snap := m.stageLocked()
		m.mu.Unlock()
		m.n.publish(seq, snap)
		return
	}
	if _, known := m.profiles[f.FriendID]; !known {
		m.mu.Unlock()
		m.resync(actor, gen)
		return
	}
	m.friends = collection.Upsert(m.friends, f, friendID, friendLess)
	m.decorateLocked()
	seq, snap := m.stageLocked()
	m.mu.Unlock()
	m.n.publish(seq, snap)
}

func (m *FriendManager) applyRequestEvent(actor string, gen uint64, ev gateway.Event) {
	var req models.FriendRequest
	src := ev.New
	if ev.Action == gateway.ActionDelete && !ev.Old.IsZero() {
		src = ev.Old
	}
	if err := src.Decode(&req); err != nil {
		m.log.Warn("undecodable friend request event", "action", ev.Action, "error", err)
		return
	}

	m.mu.Lock()
	if !m.stillLocked(actor, gen) {
		m.mu.Unlock()
		return
	}

	// Anything that is no longer pending leaves both request lists; an
	// acceptance is followed by its own friendship insert event.
	if ev.Action == gateway.ActionDelete || req.Status != models.FriendRequestPending {
		m.incoming = collection.Remove(m.incoming, req.ID, requestID)
		m.outgoing = collection.Remove(m.outgoing, req.ID, requestID)
		seq, snap := m.stageLocked()
		m.mu.Unlock()
		m.n.publish(seq, snap)
		return
	}

	counterpart := req.SenderID
	if req.SenderID == actor {
		counterpart = req.ReceiverID
	}
	if _, known := m.profiles[counterpart]; !known {
		m.mu.Unlock()
		m.resync(actor, gen)
		return
	}

	if req.ReceiverID == actor {
		m.incoming = collection.Upsert(m.incoming, req, requestID, requestLess)
	} else {
		m.outgoing = collection.Upsert(m.outgoing, req, requestID, requestLess)
	}
	m.decorateLocked()
	seq, snap := m.stageLocked()
	m.mu.Unlock()
	m.n.publish(seq, snap)
}

// friendInviteResult is what the add/accept procedures return. The
// server decides whether a code resolves to an immediate friendship or
// a pending request.
type friendInviteResult struct {
	Friendship *models.Friend        `json:"friendship,omitempty"`
	Request    *models.FriendRequest `json:"request,omitempty"`
	Profile    *models.Profile       `json:"profile,omitempty"`
}

// AddFriendByCode resolves a friend code through the backend. The code
// lookup and duplicate checks need server-side state the client cannot
// see, so this is a remote procedure, not a plain mutation.
func (m *FriendManager) AddFriendByCode(ctx context.Context, code string) error {
	actor, gen, err := m.begin()
	if err != nil {
		return err
	}
	if code == "" {
		return fmt.Errorf("add friend: empty code")
	}

	var res friendInviteResult
	if err := m.g.Invoke(ctx, procAddFriendByCode, map[string]any{"code": code}, &res); err != nil {
		return fmt.Errorf("add friend: %w", err)
	}

	m.mu.Lock()
	if !m.stillLocked(actor, gen) {
		m.mu.Unlock()
		return nil
	}
	if res.Profile != nil {
		m.profiles[res.Profile.ID] = *res.Profile
	}
	if res.Friendship != nil {
		m.friends = collection.Upsert(m.friends, *res.Friendship, friendID, friendLess)
	}
	if res.Request != nil {
		m.outgoing = collection.Upsert(m.outgoing, *res.Request, requestID, requestLess)
	}
	m.decorateLocked()
	seq, snap := m.stageLocked()
	m.mu.Unlock()
	m.n.publish(seq, snap)
	return nil
}

// AcceptRequest accepts an incoming friend request. Acceptance writes
// two friendship rows with server-side authorization, hence a remote
// procedure.
func (m *FriendManager) AcceptRequest(ctx context.Context, reqID string) error {
	actor, gen, err := m.begin()
	if err != nil {
		return err
	}

	m.mu.Lock()
	_, ok := collection.Find(m.incoming, reqID, requestID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: friend request %s", ErrNotFound, reqID)
	}

	var res friendInviteResult
	if err := m.g.Invoke(ctx, procAcceptFriendReq, map[string]any{"request_id": reqID}, &res); err != nil {
		return fmt.Errorf("accept friend request: %w", err)
	}

	m.mu.Lock()
	if !m.stillLocked(actor, gen) {
		m.mu.Unlock()
		return nil
	}
	m.incoming = collection.Remove(m.incoming, reqID, requestID)
	if res.Profile != nil {
		m.profiles[res.Profile.ID] = *res.Profile
	}
	if res.Friendship != nil {
		m.friends = collection.Upsert(m.friends, *res.Friendship, friendID, friendLess)
	}
	m.decorateLocked()
	seq, snap := m.stageLocked()
	m.mu.Unlock()
	m.n.publish(seq, snap)
	return nil
}

// DeclineRequest declines an incoming friend request.
func (m *FriendManager) DeclineRequest(ctx context.Context, id string) error {
	actor, gen, err := m.begin()
	if err != nil {
		return err
	}

	m.mu.Lock()
	_, ok := collection.Find(m.incoming, id, requestID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: friend request %s", ErrNotFound, id)
	}

	payload := map[string]any{"id": id, "status": string(models.FriendRequestDeclined)}
	if err := m.g.Mutate(ctx, resourceFriendRequests, gateway.OpUpdate, payload, nil); err != nil {
		return fmt.Errorf("decline friend request: %w", err)
	}

	m.removeRequest(actor, gen, id)
	return nil
}

// CancelRequest withdraws an outgoing friend request.
func (m *FriendManager) CancelRequest(ctx context.Context, id string) error {
	actor, gen, err := m.begin()
	if err != nil {
		return err
	}

	m.mu.Lock()
	_, ok := collection.Find(m.outgoing, id, requestID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: friend request %s", ErrNotFound, id)
	}

	if err := m.g.Mutate(ctx, resourceFriendRequests, gateway.OpDelete, map[string]any{"id": id}, nil); err != nil {
		return fmt.Errorf("cancel friend request: %w", err)
	}

	m.removeRequest(actor, gen, id)
	return nil
}

// RemoveFriend dissolves a friendship.
func (m *FriendManager) RemoveFriend(ctx context.Context, friendshipID string) error {
	actor, gen, err := m.begin()
	if err != nil {
		return err
	}

	if err := m.g.Mutate(ctx, resourceFriendships, gateway.OpDelete, map[string]any{"id": friendshipID}, nil); err != nil {
		return fmt.Errorf("remove friend: %w", err)
	}

	m.mu.Lock()
	if !m.stillLocked(actor, gen) {
		m.mu.Unlock()
		return nil
	}
	m.friends = collection.Remove(m.friends, friendshipID, friendID)
	seq, snap := m.stageLocked()
	m.mu.Unlock()
	m.n.publish(seq, snap)
	return nil
}

func (m *FriendManager) removeRequest(actor string, gen uint64, id string) {
	m.mu.Lock()
	if !m.stillLocked(actor, gen) {
		m.mu.Unlock()
		return
	}
	m.incoming = collection.Remove(m.incoming, id, requestID)
	m.outgoing = collection.Remove(m.outgoing, id, requestID)
	seq, snap := m.stageLocked()
	m.mu.Unlock()
	m.n.publish(seq, snap)
}
