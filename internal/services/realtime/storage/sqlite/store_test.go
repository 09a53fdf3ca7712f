package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/guildpoint/guildpoint/internal/services/realtime/domain"
	"github.com/guildpoint/guildpoint/internal/services/realtime/storage"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "realtime_test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func createTestRoom(t *testing.T, store *Store, id string, kind domain.RoomKind, key string) domain.Room {
	t.Helper()
	room, err := store.CreateRoomIfAbsent(context.Background(), domain.Room{
		ID:     id,
		Kind:   kind,
		Key:    key,
		Active: true,
	})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}
	return room
}

func appendTestMessage(t *testing.T, store *Store, roomID string, clientMessageID string, content string) domain.Message {
	t.Helper()
	message, duplicate, err := store.AppendMessage(context.Background(), domain.Message{
		ID:              "msg-" + clientMessageID,
		RoomID:          roomID,
		SenderID:        "user-1",
		Content:         content,
		Kind:            domain.MessageKindText,
		ClientMessageID: clientMessageID,
	})
	if err != nil {
		t.Fatalf("append message: %v", err)
	}
	if duplicate {
		t.Fatalf("unexpected duplicate for client message id %q", clientMessageID)
	}
	return message
}

func TestCreateRoomIfAbsentConvergesOnOneRoom(t *testing.T) {
	store := openTestStore(t)

	first := createTestRoom(t, store, "room-a", domain.RoomKindClan, "clan-7")
	second := createTestRoom(t, store, "room-b", domain.RoomKindClan, "clan-7")

	if first.ID != second.ID {
		t.Fatalf("expected one surviving room, got %q and %q", first.ID, second.ID)
	}
	if first.ID != "room-a" {
		t.Fatalf("expected first insert to win, got %q", first.ID)
	}
}

func TestCreateRoomIfAbsentConcurrentJoinsCreateOneClanRoom(t *testing.T) {
	store := openTestStore(t)

	const writers = 8
	rooms := make([]domain.Room, writers)
	errs := make([]error, writers)
	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rooms[i], errs[i] = store.CreateRoomIfAbsent(context.Background(), domain.Room{
				ID:     fmt.Sprintf("room-%d", i),
				Kind:   domain.RoomKindClan,
				Key:    "clan-7",
				Active: true,
			})
		}()
	}
	wg.Wait()

	for i := range writers {
		if errs[i] != nil {
			t.Fatalf("writer %d: %v", i, errs[i])
		}
		if rooms[i].ID != rooms[0].ID {
			t.Fatalf("writer %d converged on %q, writer 0 on %q", i, rooms[i].ID, rooms[0].ID)
		}
	}
}

func TestCreateRoomIfAbsentAllowsSameKeyAcrossKinds(t *testing.T) {
	store := openTestStore(t)

	clan := createTestRoom(t, store, "room-a", domain.RoomKindClan, "7")
	feed := createTestRoom(t, store, "room-b", domain.RoomKindNotificationFeed, "7")

	if clan.ID == feed.ID {
		t.Fatal("expected distinct rooms for distinct kinds sharing a key")
	}
}

func TestGetRoomMissingReturnsNotFound(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.GetRoom(context.Background(), "room-x"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSetRoomActive(t *testing.T) {
	store := openTestStore(t)
	room := createTestRoom(t, store, "room-a", domain.RoomKindGroup, "group-1")

	if err := store.SetRoomActive(context.Background(), room.ID, false); err != nil {
		t.Fatalf("deactivate room: %v", err)
	}
	got, err := store.GetRoom(context.Background(), room.ID)
	if err != nil {
		t.Fatalf("get room: %v", err)
	}
	if got.Active {
		t.Fatal("expected room to be inactive")
	}

	if err := store.SetRoomActive(context.Background(), "room-x", false); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing room, got %v", err)
	}
}

func TestAppendMessageAssignsContiguousSequencesFromOne(t *testing.T) {
	store := openTestStore(t)
	room := createTestRoom(t, store, "room-42", domain.RoomKindGroup, "group-42")

	for i := 1; i <= 5; i++ {
		message := appendTestMessage(t, store, room.ID, fmt.Sprintf("cli-%d", i), fmt.Sprintf("m%d", i))
		if message.Sequence != int64(i) {
			t.Fatalf("message %d sequence = %d, want %d", i, message.Sequence, i)
		}
	}
}

func TestAppendMessageConcurrentSendsGetUniqueContiguousSequences(t *testing.T) {
	store := openTestStore(t)
	room := createTestRoom(t, store, "room-42", domain.RoomKindGroup, "group-42")

	const senders = 10
	results := make([]domain.Message, senders)
	errs := make([]error, senders)
	var wg sync.WaitGroup
	for i := range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _, errs[i] = store.AppendMessage(context.Background(), domain.Message{
				ID:              fmt.Sprintf("msg-%d", i),
				RoomID:          room.ID,
				SenderID:        fmt.Sprintf("user-%d", i),
				Content:         "hello",
				Kind:            domain.MessageKindText,
				ClientMessageID: fmt.Sprintf("cli-%d", i),
			})
		}()
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for i := range senders {
		if errs[i] != nil {
			t.Fatalf("sender %d: %v", i, errs[i])
		}
		if seen[results[i].Sequence] {
			t.Fatalf("duplicate sequence %d", results[i].Sequence)
		}
		seen[results[i].Sequence] = true
	}
	for want := int64(1); want <= senders; want++ {
		if !seen[want] {
			t.Fatalf("missing sequence %d in assigned range", want)
		}
	}
}

func TestAppendMessageIsIdempotentByClientMessageID(t *testing.T) {
	store := openTestStore(t)
	room := createTestRoom(t, store, "room-42", domain.RoomKindGroup, "group-42")

	original := appendTestMessage(t, store, room.ID, "cli-dup", "first body")

	replayed, duplicate, err := store.AppendMessage(context.Background(), domain.Message{
		ID:              "msg-other",
		RoomID:          room.ID,
		SenderID:        "user-1",
		Content:         "second body",
		Kind:            domain.MessageKindText,
		ClientMessageID: "cli-dup",
	})
	if err != nil {
		t.Fatalf("replay append: %v", err)
	}
	if !duplicate {
		t.Fatal("expected duplicate flag on replayed append")
	}
	if replayed.ID != original.ID {
		t.Fatalf("replayed id = %q, want original %q", replayed.ID, original.ID)
	}
	if replayed.Sequence != original.Sequence {
		t.Fatalf("replayed sequence = %d, want original %d", replayed.Sequence, original.Sequence)
	}
	if replayed.Content != "first body" {
		t.Fatalf("replayed content = %q, want original body", replayed.Content)
	}

	latest, err := store.LatestSequence(context.Background(), room.ID)
	if err != nil {
		t.Fatalf("latest sequence: %v", err)
	}
	if latest != 1 {
		t.Fatalf("latest sequence = %d, want 1 (no duplicate persisted)", latest)
	}
}

func TestAppendMessagePreservesMetadata(t *testing.T) {
	store := openTestStore(t)
	room := createTestRoom(t, store, "room-42", domain.RoomKindGroup, "group-42")

	_, _, err := store.AppendMessage(context.Background(), domain.Message{
		ID:              "msg-1",
		RoomID:          room.ID,
		SenderID:        "user-1",
		Content:         "gg",
		Kind:            domain.MessageKindText,
		Metadata:        map[string]string{"match_id": "match-9"},
		ClientMessageID: "cli-1",
	})
	if err != nil {
		t.Fatalf("append message: %v", err)
	}

	messages, err := store.ReadMessagesAfter(context.Background(), room.ID, 0, 10)
	if err != nil {
		t.Fatalf("read messages: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if messages[0].Metadata["match_id"] != "match-9" {
		t.Fatalf("metadata = %v, want match_id preserved", messages[0].Metadata)
	}
}

func TestReadMessagesAfterReturnsOrderedWindow(t *testing.T) {
	store := openTestStore(t)
	room := createTestRoom(t, store, "room-42", domain.RoomKindGroup, "group-42")

	for i := 1; i <= 14; i++ {
		appendTestMessage(t, store, room.ID, fmt.Sprintf("cli-%d", i), fmt.Sprintf("m%d", i))
	}

	messages, err := store.ReadMessagesAfter(context.Background(), room.ID, 10, 100)
	if err != nil {
		t.Fatalf("read messages: %v", err)
	}
	if len(messages) != 4 {
		t.Fatalf("expected messages 11-14, got %d", len(messages))
	}
	for i, message := range messages {
		want := int64(11 + i)
		if message.Sequence != want {
			t.Fatalf("message %d sequence = %d, want %d", i, message.Sequence, want)
		}
	}
}

func TestReadMessagesAfterHonorsLimit(t *testing.T) {
	store := openTestStore(t)
	room := createTestRoom(t, store, "room-42", domain.RoomKindGroup, "group-42")

	for i := 1; i <= 5; i++ {
		appendTestMessage(t, store, room.ID, fmt.Sprintf("cli-%d", i), "m")
	}

	messages, err := store.ReadMessagesAfter(context.Background(), room.ID, 0, 2)
	if err != nil {
		t.Fatalf("read messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected limit of 2, got %d", len(messages))
	}
	if messages[0].Sequence != 1 || messages[1].Sequence != 2 {
		t.Fatalf("expected earliest window first, got %d and %d", messages[0].Sequence, messages[1].Sequence)
	}
}

func TestLatestSequenceEmptyRoomIsZero(t *testing.T) {
	store := openTestStore(t)
	room := createTestRoom(t, store, "room-42", domain.RoomKindGroup, "group-42")

	latest, err := store.LatestSequence(context.Background(), room.ID)
	if err != nil {
		t.Fatalf("latest sequence: %v", err)
	}
	if latest != 0 {
		t.Fatalf("latest = %d, want 0", latest)
	}
}

func TestPutNotificationDeduplicatesByKey(t *testing.T) {
	store := openTestStore(t)

	first, duplicate, err := store.PutNotification(context.Background(), domain.Notification{
		ID:              "ntf-1",
		RecipientUserID: "user-1",
		Topic:           "clan.invite",
		Title:           "Clan invite",
		DedupeKey:       "invite-9",
	})
	if err != nil {
		t.Fatalf("put notification: %v", err)
	}
	if duplicate {
		t.Fatal("unexpected duplicate on first put")
	}

	second, duplicate, err := store.PutNotification(context.Background(), domain.Notification{
		ID:              "ntf-2",
		RecipientUserID: "user-1",
		Topic:           "clan.invite",
		Title:           "Clan invite again",
		DedupeKey:       "invite-9",
	})
	if err != nil {
		t.Fatalf("put duplicate notification: %v", err)
	}
	if !duplicate {
		t.Fatal("expected duplicate flag on second put")
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate resolved to %q, want original %q", second.ID, first.ID)
	}
}

func TestMarkNotificationReadIsIdempotent(t *testing.T) {
	store := openTestStore(t)

	_, _, err := store.PutNotification(context.Background(), domain.Notification{
		ID:              "ntf-1",
		RecipientUserID: "user-1",
		Topic:           "tournament.start",
	})
	if err != nil {
		t.Fatalf("put notification: %v", err)
	}

	readAt := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	marked, err := store.MarkNotificationRead(context.Background(), "user-1", "ntf-1", readAt)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if !marked.Read() {
		t.Fatal("expected notification to be read")
	}

	again, err := store.MarkNotificationRead(context.Background(), "user-1", "ntf-1", readAt.Add(time.Hour))
	if err != nil {
		t.Fatalf("mark read twice: %v", err)
	}
	if again.ReadAt == nil || !again.ReadAt.Equal(readAt) {
		t.Fatalf("read_at = %v, want original stamp %v", again.ReadAt, readAt)
	}

	if _, err := store.MarkNotificationRead(context.Background(), "user-1", "ntf-x", readAt); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing notification, got %v", err)
	}
}

func TestCountUnreadByRecipient(t *testing.T) {
	store := openTestStore(t)

	for i := 1; i <= 3; i++ {
		_, _, err := store.PutNotification(context.Background(), domain.Notification{
			ID:              fmt.Sprintf("ntf-%d", i),
			RecipientUserID: "user-1",
			Topic:           "feed.mention",
		})
		if err != nil {
			t.Fatalf("put notification %d: %v", i, err)
		}
	}
	if _, err := store.MarkNotificationRead(context.Background(), "user-1", "ntf-2", time.Now()); err != nil {
		t.Fatalf("mark read: %v", err)
	}

	count, err := store.CountUnreadByRecipient(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("count unread: %v", err)
	}
	if count != 2 {
		t.Fatalf("unread = %d, want 2", count)
	}
}

func TestListNotificationsByRecipientNewestFirst(t *testing.T) {
	store := openTestStore(t)

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		_, _, err := store.PutNotification(context.Background(), domain.Notification{
			ID:              fmt.Sprintf("ntf-%d", i),
			RecipientUserID: "user-1",
			Topic:           "feed.mention",
			CreatedAt:       base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("put notification %d: %v", i, err)
		}
	}

	notifications, err := store.ListNotificationsByRecipient(context.Background(), "user-1", 10)
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	if len(notifications) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(notifications))
	}
	if notifications[0].ID != "ntf-3" || notifications[2].ID != "ntf-1" {
		t.Fatalf("expected newest first, got %q..%q", notifications[0].ID, notifications[2].ID)
	}
}
