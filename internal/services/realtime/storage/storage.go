// Package storage defines the persistence boundary for the realtime service.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/guildpoint/guildpoint/internal/services/realtime/domain"
)

var (
	// ErrNotFound indicates a requested room, message, or notification is missing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a requested write conflicts with uniqueness constraints.
	ErrConflict = errors.New("record conflict")
)

// RoomStore persists room identity and lifecycle state.
type RoomStore interface {
	// CreateRoomIfAbsent inserts the room unless one with the same
	// (kind, key) identity exists, and returns the surviving row. Concurrent
	// callers converge on a single room.
	CreateRoomIfAbsent(ctx context.Context, room domain.Room) (domain.Room, error)
	GetRoom(ctx context.Context, roomID string) (domain.Room, error)
	GetRoomByKey(ctx context.Context, kind domain.RoomKind, key string) (domain.Room, error)
	SetRoomActive(ctx context.Context, roomID string, active bool) error
}

// MessageStore persists the per-room append-only message log.
type MessageStore interface {
	// AppendMessage persists the message with the next sequence number for
	// its room, in commit order. When a message with the same
	// (room, client message id) already exists, the original is returned
	// with duplicate set and nothing is written.
	AppendMessage(ctx context.Context, message domain.Message) (persisted domain.Message, duplicate bool, err error)
	// ReadMessagesAfter returns up to limit messages with sequence greater
	// than afterSequence, ordered by sequence ascending.
	ReadMessagesAfter(ctx context.Context, roomID string, afterSequence int64, limit int) ([]domain.Message, error)
	// LatestSequence returns the highest sequence persisted for the room,
	// or zero for an empty room.
	LatestSequence(ctx context.Context, roomID string) (int64, error)
}

// NotificationStore persists user notification inbox state.
type NotificationStore interface {
	// PutNotification persists the notification, de-duplicating by
	// (recipient, dedupe key) when a dedupe key is set. The surviving row is
	// returned with duplicate set when an earlier write won.
	PutNotification(ctx context.Context, notification domain.Notification) (persisted domain.Notification, duplicate bool, err error)
	ListNotificationsByRecipient(ctx context.Context, recipientUserID string, limit int) ([]domain.Notification, error)
	CountUnreadByRecipient(ctx context.Context, recipientUserID string) (int, error)
	MarkNotificationRead(ctx context.Context, recipientUserID string, notificationID string, readAt time.Time) (domain.Notification, error)
}

// Store aggregates the realtime persistence surfaces.
type Store interface {
	RoomStore
	MessageStore
	NotificationStore
}
