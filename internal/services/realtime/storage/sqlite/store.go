// Package sqlite provides SQLite-backed persistence for the realtime service.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/guildpoint/guildpoint/internal/platform/storage/sqlitemigrate"
	"github.com/guildpoint/guildpoint/internal/services/realtime/domain"
	"github.com/guildpoint/guildpoint/internal/services/realtime/storage"
	"github.com/guildpoint/guildpoint/internal/services/realtime/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// appendAttempts bounds the optimistic retries when two writers race for the
// same room sequence slot.
const appendAttempts = 5

// Store provides SQLite-backed persistence for rooms, messages, and
// notifications.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a realtime SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := store.runMigrations(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) runMigrations() error {
	return sqlitemigrate.ApplyMigrations(s.sqlDB, migrations.FS, "")
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func encodeMetadata(metadata map[string]string) (string, error) {
	if len(metadata) == 0 {
		return "", nil
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(encoded), nil
}

func decodeMetadata(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var metadata map[string]string
	if err := json.Unmarshal([]byte(raw), &metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return metadata, nil
}

// CreateRoomIfAbsent inserts the room unless one with the same (kind, key)
// identity exists, and returns the surviving row.
func (s *Store) CreateRoomIfAbsent(ctx context.Context, room domain.Room) (domain.Room, error) {
	if err := ctx.Err(); err != nil {
		return domain.Room{}, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Room{}, fmt.Errorf("storage is not configured")
	}
	if !room.Kind.Valid() {
		return domain.Room{}, fmt.Errorf("room kind %q is invalid", room.Kind)
	}
	if strings.TrimSpace(room.ID) == "" {
		return domain.Room{}, fmt.Errorf("room id is required")
	}
	if strings.TrimSpace(room.Key) == "" {
		return domain.Room{}, fmt.Errorf("room key is required")
	}
	createdAt := room.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO rooms (id, kind, room_key, creator_id, active, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (kind, room_key) DO NOTHING
`, room.ID, string(room.Kind), room.Key, room.CreatorID, boolToInt(room.Active), toMillis(createdAt))
	if err != nil {
		return domain.Room{}, fmt.Errorf("insert room: %w", err)
	}

	return s.GetRoomByKey(ctx, room.Kind, room.Key)
}

// GetRoom returns one room by id.
func (s *Store) GetRoom(ctx context.Context, roomID string) (domain.Room, error) {
	if err := ctx.Err(); err != nil {
		return domain.Room{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, kind, room_key, creator_id, active, created_at
FROM rooms WHERE id = ?
`, roomID)
	return scanRoom(row)
}

// GetRoomByKey returns one room by its (kind, key) identity.
func (s *Store) GetRoomByKey(ctx context.Context, kind domain.RoomKind, key string) (domain.Room, error) {
	if err := ctx.Err(); err != nil {
		return domain.Room{}, err
	}
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, kind, room_key, creator_id, active, created_at
FROM rooms WHERE kind = ? AND room_key = ?
`, string(kind), key)
	return scanRoom(row)
}

// SetRoomActive flips the room's active flag.
func (s *Store) SetRoomActive(ctx context.Context, roomID string, active bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	result, err := s.sqlDB.ExecContext(ctx, "UPDATE rooms SET active = ? WHERE id = ?", boolToInt(active), roomID)
	if err != nil {
		return fmt.Errorf("update room active: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("room active rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func scanRoom(row *sql.Row) (domain.Room, error) {
	var (
		room      domain.Room
		kind      string
		active    int
		createdAt int64
	)
	err := row.Scan(&room.ID, &kind, &room.Key, &room.CreatorID, &active, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Room{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Room{}, fmt.Errorf("scan room: %w", err)
	}
	room.Kind = domain.RoomKind(kind)
	room.Active = active != 0
	room.CreatedAt = fromMillis(createdAt)
	return room, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}

// AppendMessage persists the message with the room's next sequence number.
// A message whose (room, client message id) already exists is returned as-is
// with duplicate set; nothing new is written.
//
// Sequence assignment and the insert commit together, so the sequence order is
// the commit order. Races for the same slot are resolved by the
// (room_id, sequence) uniqueness constraint and retried.
func (s *Store) AppendMessage(ctx context.Context, message domain.Message) (domain.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Message{}, false, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Message{}, false, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(message.ID) == "" {
		return domain.Message{}, false, fmt.Errorf("message id is required")
	}
	if strings.TrimSpace(message.RoomID) == "" {
		return domain.Message{}, false, fmt.Errorf("room id is required")
	}
	if strings.TrimSpace(message.ClientMessageID) == "" {
		return domain.Message{}, false, fmt.Errorf("client message id is required")
	}
	if !message.Kind.Valid() {
		return domain.Message{}, false, fmt.Errorf("message kind %q is invalid", message.Kind)
	}
	if message.CreatedAt.IsZero() {
		message.CreatedAt = time.Now().UTC()
	}
	metadataJSON, err := encodeMetadata(message.Metadata)
	if err != nil {
		return domain.Message{}, false, err
	}

	var lastErr error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		existing, err := s.getMessageByClientID(ctx, message.RoomID, message.ClientMessageID)
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return domain.Message{}, false, err
		}

		_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO messages (id, room_id, sequence, sender_id, content, kind, metadata_json, client_message_id, created_at)
VALUES (?, ?, (SELECT COALESCE(MAX(sequence), 0) + 1 FROM messages WHERE room_id = ?), ?, ?, ?, ?, ?, ?)
`, message.ID, message.RoomID, message.RoomID, message.SenderID, message.Content, string(message.Kind), metadataJSON, message.ClientMessageID, toMillis(message.CreatedAt))
		if err == nil {
			persisted, lookupErr := s.getMessageByClientID(ctx, message.RoomID, message.ClientMessageID)
			return persisted, false, lookupErr
		}
		if !isUniqueConstraintErr(err) {
			return domain.Message{}, false, fmt.Errorf("insert message: %w", err)
		}
		// Lost the race for the sequence slot, or a concurrent writer
		// persisted the same client message id first.
		lastErr = err
	}
	return domain.Message{}, false, fmt.Errorf("append message contention: %w", lastErr)
}

func (s *Store) getMessageByClientID(ctx context.Context, roomID string, clientMessageID string) (domain.Message, error) {
	return s.scanMessageRow(s.sqlDB.QueryRowContext(ctx, `
SELECT id, room_id, sequence, sender_id, content, kind, metadata_json, client_message_id, created_at
FROM messages WHERE room_id = ? AND client_message_id = ?
`, roomID, clientMessageID))
}

// ReadMessagesAfter returns up to limit messages after the given sequence,
// ordered by sequence ascending.
func (s *Store) ReadMessagesAfter(ctx context.Context, roomID string, afterSequence int64, limit int) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, room_id, sequence, sender_id, content, kind, metadata_json, client_message_id, created_at
FROM messages WHERE room_id = ? AND sequence > ?
ORDER BY sequence ASC LIMIT ?
`, roomID, afterSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	defer rows.Close()

	var messages []domain.Message
	for rows.Next() {
		message, err := s.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// LatestSequence returns the highest persisted sequence for the room, or zero.
func (s *Store) LatestSequence(ctx context.Context, roomID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var latest int64
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(sequence), 0) FROM messages WHERE room_id = ?", roomID,
	).Scan(&latest)
	if err != nil {
		return 0, fmt.Errorf("latest sequence: %w", err)
	}
	return latest, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanMessageRow(row *sql.Row) (domain.Message, error) {
	message, err := scanMessageFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Message{}, storage.ErrNotFound
	}
	return message, err
}

func (s *Store) scanMessage(rows *sql.Rows) (domain.Message, error) {
	return scanMessageFrom(rows)
}

func scanMessageFrom(scanner rowScanner) (domain.Message, error) {
	var (
		message      domain.Message
		kind         string
		metadataJSON string
		createdAt    int64
	)
	err := scanner.Scan(&message.ID, &message.RoomID, &message.Sequence, &message.SenderID, &message.Content, &kind, &metadataJSON, &message.ClientMessageID, &createdAt)
	if err != nil {
		return domain.Message{}, err
	}
	message.Kind = domain.MessageKind(kind)
	message.CreatedAt = fromMillis(createdAt)
	metadata, err := decodeMetadata(metadataJSON)
	if err != nil {
		return domain.Message{}, err
	}
	message.Metadata = metadata
	return message, nil
}

// PutNotification persists the notification, de-duplicating by
// (recipient, dedupe key) when a dedupe key is set.
func (s *Store) PutNotification(ctx context.Context, notification domain.Notification) (domain.Notification, bool, error) {
	if err := ctx.Err(); err != nil {
		return domain.Notification{}, false, err
	}
	if s == nil || s.sqlDB == nil {
		return domain.Notification{}, false, fmt.Errorf("storage is not configured")
	}
	if strings.TrimSpace(notification.ID) == "" {
		return domain.Notification{}, false, fmt.Errorf("notification id is required")
	}
	recipient := strings.TrimSpace(notification.RecipientUserID)
	if recipient == "" {
		return domain.Notification{}, false, fmt.Errorf("recipient user id is required")
	}
	if strings.TrimSpace(notification.Topic) == "" {
		return domain.Notification{}, false, fmt.Errorf("notification topic is required")
	}
	if notification.CreatedAt.IsZero() {
		notification.CreatedAt = time.Now().UTC()
	}
	metadataJSON, err := encodeMetadata(notification.Metadata)
	if err != nil {
		return domain.Notification{}, false, err
	}

	dedupeKey := strings.TrimSpace(notification.DedupeKey)
	if dedupeKey != "" {
		existing, err := s.getNotificationByDedupeKey(ctx, recipient, dedupeKey)
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return domain.Notification{}, false, err
		}
	}

	var readAt any
	if notification.ReadAt != nil {
		readAt = toMillis(*notification.ReadAt)
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO notifications (id, recipient_user_id, topic, title, body, metadata_json, dedupe_key, created_at, read_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, notification.ID, recipient, notification.Topic, notification.Title, notification.Body, metadataJSON, dedupeKey, toMillis(notification.CreatedAt), readAt)
	if err != nil {
		if isUniqueConstraintErr(err) && dedupeKey != "" {
			existing, lookupErr := s.getNotificationByDedupeKey(ctx, recipient, dedupeKey)
			if lookupErr == nil {
				return existing, true, nil
			}
		}
		return domain.Notification{}, false, fmt.Errorf("insert notification: %w", err)
	}
	notification.DedupeKey = dedupeKey
	notification.RecipientUserID = recipient
	return notification, false, nil
}

func (s *Store) getNotificationByDedupeKey(ctx context.Context, recipientUserID string, dedupeKey string) (domain.Notification, error) {
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, recipient_user_id, topic, title, body, metadata_json, dedupe_key, created_at, read_at
FROM notifications WHERE recipient_user_id = ? AND dedupe_key = ?
`, recipientUserID, dedupeKey)
	return scanNotification(row)
}

// ListNotificationsByRecipient lists the recipient's inbox, newest first.
func (s *Store) ListNotificationsByRecipient(ctx context.Context, recipientUserID string, limit int) ([]domain.Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, recipient_user_id, topic, title, body, metadata_json, dedupe_key, created_at, read_at
FROM notifications WHERE recipient_user_id = ?
ORDER BY created_at DESC, id DESC LIMIT ?
`, recipientUserID, limit)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var notifications []domain.Notification
	for rows.Next() {
		notification, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, notification)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notifications: %w", err)
	}
	return notifications, nil
}

// CountUnreadByRecipient counts unread inbox items for badge rendering.
func (s *Store) CountUnreadByRecipient(ctx context.Context, recipientUserID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var count int
	err := s.sqlDB.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM notifications WHERE recipient_user_id = ? AND read_at IS NULL", recipientUserID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// MarkNotificationRead stamps the notification read and returns the updated
// row. Marking an already-read notification is a no-op that returns the row.
func (s *Store) MarkNotificationRead(ctx context.Context, recipientUserID string, notificationID string, readAt time.Time) (domain.Notification, error) {
	if err := ctx.Err(); err != nil {
		return domain.Notification{}, err
	}
	if readAt.IsZero() {
		readAt = time.Now().UTC()
	}
	_, err := s.sqlDB.ExecContext(ctx, `
UPDATE notifications SET read_at = ?
WHERE recipient_user_id = ? AND id = ? AND read_at IS NULL
`, toMillis(readAt), recipientUserID, notificationID)
	if err != nil {
		return domain.Notification{}, fmt.Errorf("mark notification read: %w", err)
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, recipient_user_id, topic, title, body, metadata_json, dedupe_key, created_at, read_at
FROM notifications WHERE recipient_user_id = ? AND id = ?
`, recipientUserID, notificationID)
	return scanNotification(row)
}

func scanNotification(scanner rowScanner) (domain.Notification, error) {
	var (
		notification domain.Notification
		metadataJSON string
		createdAt    int64
		readAt       sql.NullInt64
	)
	err := scanner.Scan(&notification.ID, &notification.RecipientUserID, &notification.Topic, &notification.Title, &notification.Body, &metadataJSON, &notification.DedupeKey, &createdAt, &readAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Notification{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Notification{}, fmt.Errorf("scan notification: %w", err)
	}
	notification.CreatedAt = fromMillis(createdAt)
	if readAt.Valid {
		stamped := fromMillis(readAt.Int64)
		notification.ReadAt = &stamped
	}
	metadata, err := decodeMetadata(metadataJSON)
	if err != nil {
		return domain.Notification{}, err
	}
	notification.Metadata = metadata
	return notification, nil
}
