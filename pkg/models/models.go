// Package models holds the record types of the Taskdeck resource
// families. Records mirror what the backend stores, plus derived fields
// (access roles, attached profiles) that are computed client-side and
// never persisted.
package models

import (
	"time"

	"github.com/taskdeck/taskdeck.go/pkg/access"
)

// Task is a single to-do item owned by one user. Order expresses display
// sequence within the owner's task list; values are unique but not
// necessarily contiguous.
type Task struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	CategoryID string     `json:"category_id,omitempty"`
	Title      string     `json:"title"`
	Notes      string     `json:"notes,omitempty"`
	Done       bool       `json:"done"`
	DueAt      *time.Time `json:"due_at,omitempty"`
	Order      int        `json:"order"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Category groups tasks for one user.
type Category struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Name      string    `json:"name"`
	Color     string    `json:"color,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Profile is the public part of a user account, used to decorate friend
// and membership records whose wire payloads carry ids only.
type Profile struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	FriendCode  string `json:"friend_code,omitempty"`
}

// Friend is one direction of an established friendship.
type Friend struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	FriendID  string    `json:"friend_id"`
	Profile   *Profile  `json:"profile,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// FriendRequestStatus tracks the lifecycle of a friend request.
type FriendRequestStatus string

const (
	FriendRequestPending  FriendRequestStatus = "pending"
	FriendRequestAccepted FriendRequestStatus = "accepted"
	FriendRequestDeclined FriendRequestStatus = "declined"
)

// FriendRequest is a pending invitation between two users.
type FriendRequest struct {
	ID         string              `json:"id"`
	SenderID   string              `json:"sender_id"`
	ReceiverID string              `json:"receiver_id"`
	Status     FriendRequestStatus `json:"status"`
	Sender     *Profile            `json:"sender,omitempty"`
	Receiver   *Profile            `json:"receiver,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
}

// List is a shared collection of items. AccessRole describes the current
// actor's relationship to the list; it is derived on every fetch and
// never persisted.
type List struct {
	ID         string       `json:"id"`
	OwnerID    string       `json:"owner_id"`
	Title      string       `json:"title"`
	AccessRole access.Role  `json:"access_role,omitempty"`
	Members    []ListMember `json:"members,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Member returns the membership row for the given user, if any.
func (l List) Member(userID string) (ListMember, bool) {
	for _, m := range l.Members {
		if m.UserID == userID {
			return m, true
		}
	}
	return ListMember{}, false
}

// ListMember is one user's membership in a shared list.
type ListMember struct {
	ID        string      `json:"id"`
	ListID    string      `json:"list_id"`
	UserID    string      `json:"user_id"`
	Role      access.Role `json:"role"`
	Profile   *Profile    `json:"profile,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// RolePriority orders roles for display, owner first.
func RolePriority(r access.Role) int {
	switch r {
	case access.RoleOwner:
		return 0
	case access.RoleEditor:
		return 1
	default:
		return 2
	}
}
