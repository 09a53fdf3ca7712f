package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	platformerrors "github.com/guildpoint/guildpoint/internal/platform/errors"
	"github.com/guildpoint/guildpoint/internal/platform/id"
	"github.com/guildpoint/guildpoint/internal/services/realtime/domain"
	"github.com/guildpoint/guildpoint/internal/services/realtime/storage"
)

const (
	defaultBackfillLimit = 50
	maxBackfillLimit     = 200
)

// hub routes frames between live connections and the persistent store. It is
// the single owner of the subscription table and the per-user session table;
// the message log and per-room sequence counters live in the store, where
// sequence assignment commits in write order.
type hub struct {
	store           storage.Store
	directory       domain.MembershipDirectory
	clock           func() time.Time
	newID           func() (string, error)
	tracer          trace.Tracer
	maxContentBytes int

	mu             sync.Mutex
	sessionsByUser map[string]*wsSession
	subscribers    map[string]map[*wsSession]struct{}
}

func newHub(store storage.Store, directory domain.MembershipDirectory, maxContentBytes int) *hub {
	return &hub{
		store:           store,
		directory:       directory,
		clock:           func() time.Time { return time.Now().UTC() },
		newID:           id.NewID,
		tracer:          otel.Tracer("github.com/guildpoint/guildpoint/internal/services/realtime"),
		maxContentBytes: maxContentBytes,
		sessionsByUser:  make(map[string]*wsSession),
		subscribers:     make(map[string]map[*wsSession]struct{}),
	}
}

// register installs the session as the single live connection for its user
// and returns any superseded session for the caller to close.
func (h *hub) register(session *wsSession) *wsSession {
	h.mu.Lock()
	previous := h.sessionsByUser[session.userID]
	h.sessionsByUser[session.userID] = session
	h.mu.Unlock()
	if previous == session {
		return nil
	}
	return previous
}

// unregister removes the session's subscriptions and, when it is still the
// user's current connection, its session table entry.
func (h *hub) unregister(session *wsSession) {
	h.mu.Lock()
	for roomID := range h.subscribers {
		delete(h.subscribers[roomID], session)
		if len(h.subscribers[roomID]) == 0 {
			delete(h.subscribers, roomID)
		}
	}
	if h.sessionsByUser[session.userID] == session {
		delete(h.sessionsByUser, session.userID)
	}
	h.mu.Unlock()
}

func (h *hub) subscribe(session *wsSession, roomID string) {
	h.mu.Lock()
	peers, ok := h.subscribers[roomID]
	if !ok {
		peers = make(map[*wsSession]struct{})
		h.subscribers[roomID] = peers
	}
	peers[session] = struct{}{}
	h.mu.Unlock()
	session.markJoined(roomID)
}

func (h *hub) unsubscribe(session *wsSession, roomID string) {
	h.mu.Lock()
	delete(h.subscribers[roomID], session)
	if len(h.subscribers[roomID]) == 0 {
		delete(h.subscribers, roomID)
	}
	h.mu.Unlock()
	session.markLeft(roomID)
}

func (h *hub) subscriberSnapshot(roomID string) []*wsSession {
	h.mu.Lock()
	peers := make([]*wsSession, 0, len(h.subscribers[roomID]))
	for session := range h.subscribers[roomID] {
		peers = append(peers, session)
	}
	h.mu.Unlock()
	return peers
}

func (h *hub) sessionForUser(userID string) *wsSession {
	h.mu.Lock()
	session := h.sessionsByUser[userID]
	h.mu.Unlock()
	return session
}

// attach completes connection setup: it auto-subscribes the session to the
// user's notification feed and reports the unread badge count.
func (h *hub) attach(ctx context.Context, session *wsSession) (domain.Room, int, error) {
	feedID, err := h.newID()
	if err != nil {
		return domain.Room{}, 0, fmt.Errorf("new feed room id: %w", err)
	}
	feed, err := h.store.CreateRoomIfAbsent(ctx, domain.Room{
		ID:        feedID,
		Kind:      domain.RoomKindNotificationFeed,
		Key:       domain.NotificationFeedKey(session.userID),
		CreatorID: session.userID,
		Active:    true,
		CreatedAt: h.clock(),
	})
	if err != nil {
		return domain.Room{}, 0, fmt.Errorf("ensure notification feed: %w", err)
	}
	h.subscribe(session, feed.ID)

	unread, err := h.store.CountUnreadByRecipient(ctx, session.userID)
	if err != nil {
		return domain.Room{}, 0, fmt.Errorf("count unread: %w", err)
	}
	return feed, unread, nil
}

// join resolves the requested room through its kind policy, enforces access,
// and subscribes the session. Joining an already-joined room re-acks.
func (h *hub) join(ctx context.Context, session *wsSession, payload joinPayload) (domain.Room, int64, error) {
	room, err := h.resolveRoom(ctx, session, payload)
	if err != nil {
		return domain.Room{}, 0, err
	}

	policy, ok := domain.PolicyFor(room.Kind)
	if !ok {
		return domain.Room{}, 0, platformerrors.New(platformerrors.CodeRoomNotFound, fmt.Sprintf("room kind %q is unknown", room.Kind))
	}
	allowed, err := policy.CanAccess(ctx, h.directory, room, session.userID)
	if err != nil {
		return domain.Room{}, 0, platformerrors.Wrap(platformerrors.CodeInternal, "room access check failed", err)
	}
	if !allowed {
		return domain.Room{}, 0, platformerrors.WithMetadata(
			platformerrors.CodeNotAuthorized,
			"access to room denied",
			map[string]string{"room_id": room.ID},
		)
	}

	h.subscribe(session, room.ID)

	latest, err := h.store.LatestSequence(ctx, room.ID)
	if err != nil {
		return domain.Room{}, 0, fmt.Errorf("latest sequence: %w", err)
	}
	return room, latest, nil
}

func (h *hub) resolveRoom(ctx context.Context, session *wsSession, payload joinPayload) (domain.Room, error) {
	roomID := strings.TrimSpace(payload.RoomID)
	if roomID != "" {
		room, err := h.store.GetRoom(ctx, roomID)
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Room{}, platformerrors.New(platformerrors.CodeRoomNotFound, fmt.Sprintf("room %s does not exist", roomID))
		}
		if err != nil {
			return domain.Room{}, fmt.Errorf("get room: %w", err)
		}
		return room, nil
	}

	kind := domain.RoomKind(strings.TrimSpace(payload.Kind))
	key := strings.TrimSpace(payload.Key)
	if !kind.Valid() || key == "" {
		return domain.Room{}, platformerrors.New(platformerrors.CodeInvalidArgument, "join requires room_id or a valid kind and key")
	}

	policy, _ := domain.PolicyFor(kind)
	if !policy.LazyCreate {
		room, err := h.store.GetRoomByKey(ctx, kind, key)
		if errors.Is(err, storage.ErrNotFound) {
			return domain.Room{}, platformerrors.New(platformerrors.CodeRoomNotFound, fmt.Sprintf("no %s room for key %s", kind, key))
		}
		if err != nil {
			return domain.Room{}, fmt.Errorf("get room by key: %w", err)
		}
		return room, nil
	}

	roomID, err := h.newID()
	if err != nil {
		return domain.Room{}, fmt.Errorf("new room id: %w", err)
	}
	room, err := h.store.CreateRoomIfAbsent(ctx, domain.Room{
		ID:        roomID,
		Kind:      kind,
		Key:       key,
		CreatorID: session.userID,
		Active:    true,
		CreatedAt: h.clock(),
	})
	if err != nil {
		return domain.Room{}, fmt.Errorf("create room: %w", err)
	}
	return room, nil
}

func (h *hub) leave(session *wsSession, roomID string) {
	h.unsubscribe(session, roomID)
}

// send persists the message with the room's next sequence number and
// broadcasts it to every subscriber, including the sender's echo. A replayed
// client message id resolves to the originally persisted message and is not
// re-broadcast. Broadcast is best-effort per subscriber; missed frames are
// recovered by backfill.
func (h *hub) send(ctx context.Context, session *wsSession, payload sendPayload) (domain.Message, bool, error) {
	ctx, span := h.tracer.Start(ctx, "realtime.send")
	defer span.End()

	roomID := strings.TrimSpace(payload.RoomID)
	if roomID == "" {
		return domain.Message{}, false, platformerrors.New(platformerrors.CodeInvalidArgument, "room_id is required")
	}
	span.SetAttributes(attribute.String("room.id", roomID))

	if !session.isJoined(roomID) {
		return domain.Message{}, false, platformerrors.WithMetadata(
			platformerrors.CodeNotSubscribed,
			"must join the room before sending",
			map[string]string{"room_id": roomID},
		)
	}

	clientMessageID := strings.TrimSpace(payload.ClientMessageID)
	if clientMessageID == "" {
		return domain.Message{}, false, platformerrors.New(platformerrors.CodeInvalidArgument, "client_message_id is required")
	}
	content := payload.Content
	if strings.TrimSpace(content) == "" {
		return domain.Message{}, false, platformerrors.New(platformerrors.CodeInvalidArgument, "content is required")
	}
	if h.maxContentBytes > 0 && len(content) > h.maxContentBytes {
		return domain.Message{}, false, platformerrors.WithMetadata(
			platformerrors.CodePayloadTooLarge,
			fmt.Sprintf("content exceeds %d bytes", h.maxContentBytes),
			map[string]string{"room_id": roomID},
		)
	}
	kind := domain.MessageKindText
	if strings.TrimSpace(payload.Kind) != "" {
		kind = domain.MessageKind(payload.Kind)
		if !kind.Valid() {
			return domain.Message{}, false, platformerrors.New(platformerrors.CodeInvalidArgument, fmt.Sprintf("message kind %q is invalid", payload.Kind))
		}
	}

	room, err := h.store.GetRoom(ctx, roomID)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Message{}, false, platformerrors.New(platformerrors.CodeRoomNotFound, fmt.Sprintf("room %s does not exist", roomID))
	}
	if err != nil {
		return domain.Message{}, false, fmt.Errorf("get room: %w", err)
	}
	if !room.Active {
		return domain.Message{}, false, platformerrors.WithMetadata(
			platformerrors.CodeRoomInactive,
			"room has been deactivated",
			map[string]string{"room_id": roomID},
		)
	}

	messageID, err := h.newID()
	if err != nil {
		return domain.Message{}, false, fmt.Errorf("new message id: %w", err)
	}
	persisted, duplicate, err := h.store.AppendMessage(ctx, domain.Message{
		ID:              messageID,
		RoomID:          roomID,
		SenderID:        session.userID,
		Content:         content,
		Kind:            kind,
		Metadata:        payload.Metadata,
		ClientMessageID: clientMessageID,
		CreatedAt:       h.clock(),
	})
	if err != nil {
		return domain.Message{}, false, fmt.Errorf("append message: %w", err)
	}
	span.SetAttributes(attribute.Int64("message.sequence", persisted.Sequence))

	if !duplicate {
		h.broadcast(roomID, messageFrame(persisted))
	}
	return persisted, duplicate, nil
}

func (h *hub) broadcast(roomID string, frame wsFrame) {
	for _, subscriber := range h.subscriberSnapshot(roomID) {
		if err := subscriber.peer.writeFrame(frame); err != nil {
			log.Printf("realtime: broadcast to user=%q room=%q failed: %v", subscriber.userID, roomID, err)
		}
	}
}

// backfill reads the persisted log after a known sequence. It is a restartable
// read, not a subscription; callers page with afterSequence and limit.
func (h *hub) backfill(ctx context.Context, session *wsSession, payload backfillPayload) ([]domain.Message, error) {
	ctx, span := h.tracer.Start(ctx, "realtime.backfill")
	defer span.End()

	roomID := strings.TrimSpace(payload.RoomID)
	if roomID == "" {
		return nil, platformerrors.New(platformerrors.CodeInvalidArgument, "room_id is required")
	}
	if payload.AfterSequence < 0 {
		return nil, platformerrors.New(platformerrors.CodeInvalidArgument, "after_sequence must be >= 0")
	}
	if !session.isJoined(roomID) {
		return nil, platformerrors.WithMetadata(
			platformerrors.CodeNotSubscribed,
			"must join the room before requesting backfill",
			map[string]string{"room_id": roomID},
		)
	}
	span.SetAttributes(
		attribute.String("room.id", roomID),
		attribute.Int64("backfill.after_sequence", payload.AfterSequence),
	)

	limit := payload.Limit
	if limit <= 0 {
		limit = defaultBackfillLimit
	}
	if limit > maxBackfillLimit {
		limit = maxBackfillLimit
	}

	messages, err := h.store.ReadMessagesAfter(ctx, roomID, payload.AfterSequence, limit)
	if err != nil {
		return nil, fmt.Errorf("read messages: %w", err)
	}
	return messages, nil
}

func (h *hub) markRead(ctx context.Context, session *wsSession, notificationID string) (domain.Notification, error) {
	notificationID = strings.TrimSpace(notificationID)
	if notificationID == "" {
		return domain.Notification{}, platformerrors.New(platformerrors.CodeInvalidArgument, "notification_id is required")
	}
	notification, err := h.store.MarkNotificationRead(ctx, session.userID, notificationID, h.clock())
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Notification{}, platformerrors.New(platformerrors.CodeNotFound, fmt.Sprintf("notification %s does not exist", notificationID))
	}
	if err != nil {
		return domain.Notification{}, fmt.Errorf("mark notification read: %w", err)
	}
	return notification, nil
}

// NotificationInput describes one notification produced by the surrounding
// platform (feed mentions, clan invites, tournament updates).
type NotificationInput struct {
	RecipientUserID string
	Topic           string
	Title           string
	Body            string
	Metadata        map[string]string
	DedupeKey       string
}

// publishNotification persists the notification and pushes it to the
// recipient's live feed subscription when connected. Deduplicated items are
// not re-pushed.
func (h *hub) publishNotification(ctx context.Context, input NotificationInput) (domain.Notification, bool, error) {
	notificationID, err := h.newID()
	if err != nil {
		return domain.Notification{}, false, fmt.Errorf("new notification id: %w", err)
	}
	notification, duplicate, err := h.store.PutNotification(ctx, domain.Notification{
		ID:              notificationID,
		RecipientUserID: input.RecipientUserID,
		Topic:           input.Topic,
		Title:           input.Title,
		Body:            input.Body,
		Metadata:        input.Metadata,
		DedupeKey:       input.DedupeKey,
		CreatedAt:       h.clock(),
	})
	if err != nil {
		return domain.Notification{}, false, err
	}
	if duplicate {
		return notification, true, nil
	}

	if session := h.sessionForUser(notification.RecipientUserID); session != nil {
		if err := session.peer.writeFrame(notificationFrame(notification)); err != nil {
			log.Printf("realtime: notification push to user=%q failed: %v", notification.RecipientUserID, err)
		}
	}
	return notification, false, nil
}

// closeStale closes connections whose last heartbeat is older than maxAge.
func (h *hub) closeStale(maxAge time.Duration) int {
	now := h.clock()
	h.mu.Lock()
	var stale []*wsSession
	for _, session := range h.sessionsByUser {
		if session.heartbeatAge(now) > maxAge {
			stale = append(stale, session)
		}
	}
	h.mu.Unlock()

	for _, session := range stale {
		log.Printf("realtime: closing stale connection user=%q", session.userID)
		session.peer.close()
	}
	return len(stale)
}
