// Package domain defines the realtime entities: rooms, messages, and
// notifications, plus the per-kind room policies that govern creation and
// access.
package domain

import (
	"context"
	"strings"
	"time"
)

// RoomKind discriminates room behavior for creation and access checks.
type RoomKind string

const (
	// RoomKindDirect is a two-party conversation.
	RoomKindDirect RoomKind = "direct"
	// RoomKindGroup is an ad-hoc multi-party conversation.
	RoomKindGroup RoomKind = "group"
	// RoomKindClan is the shared chat channel of one clan.
	RoomKindClan RoomKind = "clan"
	// RoomKindNotificationFeed is the per-user notification channel.
	RoomKindNotificationFeed RoomKind = "notification-feed"
)

// Valid reports whether the kind is a known room kind.
func (k RoomKind) Valid() bool {
	switch k {
	case RoomKindDirect, RoomKindGroup, RoomKindClan, RoomKindNotificationFeed:
		return true
	}
	return false
}

// Room is a named channel over which messages broadcast to subscribers.
//
// Key is the external identity for lazily-created kinds: the clan id for clan
// chat and the user id for notification feeds. Concurrent first joins converge
// on one room because (kind, key) is unique in storage.
type Room struct {
	ID        string
	Kind      RoomKind
	Key       string
	CreatorID string
	Active    bool
	CreatedAt time.Time
}

// MembershipDirectory answers room access questions from the surrounding
// platform (clan membership, conversation participants). It is consumed as an
// external collaborator.
type MembershipDirectory interface {
	IsRoomMember(ctx context.Context, roomID string, userID string) (bool, error)
	IsClanMember(ctx context.Context, clanID string, userID string) (bool, error)
}

// RoomPolicy describes how one room kind is created and guarded.
type RoomPolicy struct {
	// LazyCreate allows the registry to create the room on first join,
	// keyed by the room's (kind, key) identity.
	LazyCreate bool
	// CanAccess decides whether userID may subscribe to the room.
	CanAccess func(ctx context.Context, directory MembershipDirectory, room Room, userID string) (bool, error)
}

var roomPolicies = map[RoomKind]RoomPolicy{
	RoomKindDirect: {
		LazyCreate: false,
		CanAccess:  membershipAccess,
	},
	RoomKindGroup: {
		LazyCreate: false,
		CanAccess:  membershipAccess,
	},
	RoomKindClan: {
		LazyCreate: true,
		CanAccess: func(ctx context.Context, directory MembershipDirectory, room Room, userID string) (bool, error) {
			if directory == nil {
				return false, nil
			}
			return directory.IsClanMember(ctx, room.Key, userID)
		},
	},
	RoomKindNotificationFeed: {
		LazyCreate: true,
		CanAccess: func(_ context.Context, _ MembershipDirectory, room Room, userID string) (bool, error) {
			return room.Key == strings.TrimSpace(userID) && room.Key != "", nil
		},
	},
}

func membershipAccess(ctx context.Context, directory MembershipDirectory, room Room, userID string) (bool, error) {
	if directory == nil {
		return false, nil
	}
	return directory.IsRoomMember(ctx, room.ID, userID)
}

// PolicyFor returns the policy for a room kind.
func PolicyFor(kind RoomKind) (RoomPolicy, bool) {
	policy, ok := roomPolicies[kind]
	return policy, ok
}

// ClanRoomKey returns the storage key for a clan chat room.
func ClanRoomKey(clanID string) string {
	return strings.TrimSpace(clanID)
}

// NotificationFeedKey returns the storage key for a user's notification feed.
func NotificationFeedKey(userID string) string {
	return strings.TrimSpace(userID)
}
