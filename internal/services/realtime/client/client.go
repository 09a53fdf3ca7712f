// Package client implements the connecting side of the realtime protocol:
// connection lifecycle with reconnect, request/ack correlation, and ordered
// message dispatch.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/net/websocket"

	platformerrors "github.com/guildpoint/guildpoint/internal/platform/errors"
	"github.com/guildpoint/guildpoint/internal/platform/id"
	"github.com/guildpoint/guildpoint/internal/platform/timeouts"
)

// State is the connection lifecycle state.
type State string

const (
	StateDisconnected     State = "disconnected"
	StateConnecting       State = "connecting"
	StateAuthenticating   State = "authenticating"
	StateConnected State = "connected"
	// StateReauthenticating marks an in-place credential refresh while
	// connected; automatic reconnects re-enter StateConnecting instead.
	StateReauthenticating State = "reauthenticating"
	StateDisconnecting    State = "disconnecting"
	// StateFailed is terminal: the reconnect attempt ceiling was reached.
	StateFailed State = "failed"
)

const (
	defaultMaxReconnectAttempts = 8
	// Heartbeat replies the client will wait for before forcing a reconnect.
	maxMissedHeartbeats = 2
	// Messages requested per backfill page; gap recovery keeps paging until a
	// short page marks the end of the persisted log.
	backfillPageSize = 50
)

const (
	frameTypeJoin         = "join"
	frameTypeLeave        = "leave"
	frameTypeSend         = "send"
	frameTypeBackfill     = "backfill"
	frameTypeRead         = "read"
	frameTypeMessage      = "message"
	frameTypeNotification = "notification"
	frameTypeAck          = "ack"
	frameTypeError        = "error"
	frameTypeHeartbeat    = "heartbeat"
)

// Config defines the inputs for one realtime connection.
type Config struct {
	// URL is the websocket endpoint, e.g. wss://realtime.guildpoint.gg/ws.
	URL string
	// Origin is the handshake origin; defaults to the URL host over http.
	Origin string
	// AccessToken is carried as the gp_token cookie.
	AccessToken string

	RequestTimeout       time.Duration
	HeartbeatInterval    time.Duration
	MaxReconnectAttempts int
	RecentlySeenCapacity int

	// OnStateChange observes lifecycle transitions; called outside locks.
	OnStateChange func(State)
}

// Message is one room message as observed by the client.
type Message struct {
	ID        string
	RoomID    string
	Sequence  int64
	SenderID  string
	Content   string
	Kind      string
	Metadata  map[string]string
	CreatedAt time.Time
}

// Notification is one pushed notification.
type Notification struct {
	ID        string
	Topic     string
	Title     string
	Body      string
	Metadata  map[string]string
	Read      bool
	CreatedAt time.Time
}

// JoinRequest identifies a room by id, or by kind and key for lazily-created
// kinds.
type JoinRequest struct {
	RoomID string
	Kind   string
	Key    string
}

// JoinResult reports the joined room and its latest persisted sequence.
type JoinResult struct {
	RoomID         string
	LatestSequence int64
}

// SendRequest carries one outgoing message. ClientMessageID is the
// idempotency key; reuse it when retrying so the server converges on one
// persisted message. A blank id is filled in once and kept for the request.
type SendRequest struct {
	RoomID          string
	ClientMessageID string
	Content         string
	Kind            string
	Metadata        map[string]string
}

// SendResult reports the persisted message identity.
type SendResult struct {
	MessageID string
	Sequence  int64
	Duplicate bool
}

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type ackEnvelope struct {
	Result ackResult `json:"result"`
}

type ackResult struct {
	Status         string `json:"status"`
	UserID         string `json:"user_id,omitempty"`
	RoomID         string `json:"room_id,omitempty"`
	LatestSequence int64  `json:"latest_sequence,omitempty"`
	MessageID      string `json:"message_id,omitempty"`
	Sequence       int64  `json:"sequence,omitempty"`
	Count          int    `json:"count,omitempty"`
	Duplicate      bool   `json:"duplicate,omitempty"`
	UnreadCount    int    `json:"unread_count,omitempty"`
}

type errorEnvelope struct {
	Error struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		Retryable bool   `json:"retryable"`
	} `json:"error"`
}

type messageEnvelope struct {
	Message struct {
		ID        string            `json:"id"`
		RoomID    string            `json:"room_id"`
		Sequence  int64             `json:"sequence"`
		SenderID  string            `json:"sender_id"`
		Content   string            `json:"content"`
		Kind      string            `json:"kind"`
		Metadata  map[string]string `json:"metadata"`
		CreatedAt string            `json:"created_at"`
	} `json:"message"`
}

type notificationEnvelope struct {
	Notification struct {
		ID        string            `json:"id"`
		Topic     string            `json:"topic"`
		Title     string            `json:"title"`
		Body      string            `json:"body"`
		Metadata  map[string]string `json:"metadata"`
		Read      bool              `json:"read"`
		CreatedAt string            `json:"created_at"`
	} `json:"notification"`
}

type pendingReply struct {
	ack ackResult
	err error
}

// Client maintains one realtime connection: it dials, authenticates, keeps
// the session alive with heartbeats, reconnects with exponential backoff, and
// re-establishes subscriptions after a drop.
type Client struct {
	cfg        Config
	dispatcher *dispatcher

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	encoder  *json.Encoder
	userID   string
	feedRoom string
	pending  map[string]chan pendingReply
	closing  bool

	heartbeatReplies chan struct{}
	readLoopDone     chan struct{}
}

// New builds an unconnected client.
func New(cfg Config) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = timeouts.Request
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = timeouts.Heartbeat
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	c := &Client{
		cfg:              cfg,
		state:            StateDisconnected,
		pending:          make(map[string]chan pendingReply),
		heartbeatReplies: make(chan struct{}, maxMissedHeartbeats+1),
	}
	c.dispatcher = newDispatcher(cfg.RecentlySeenCapacity, func(roomID string, afterSequence int64) {
		// Called with the dispatcher lock held; recover asynchronously.
		go c.recoverGap(roomID, afterSequence)
	})
	return c
}

// recoverGap pages backfill requests until the missing range is applied. The
// server replays one page per request, so a gap wider than a page needs
// another request from where the last one stopped; a short page means the
// persisted log is exhausted and live delivery resumes.
func (c *Client) recoverGap(roomID string, afterSequence int64) {
	after := afterSequence
	for {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		count, err := c.Backfill(ctx, roomID, after, backfillPageSize)
		cancel()
		if err != nil {
			log.Printf("realtime client: gap backfill room=%q after=%d failed: %v", roomID, after, err)
			// Re-arm gap detection so the next buffered arrival retries.
			c.dispatcher.releaseBackfill(roomID)
			return
		}
		if count < backfillPageSize {
			return
		}
		applied := c.dispatcher.lastApplied(roomID)
		if applied <= after {
			return
		}
		after = applied
	}
}

// ConnectionState reports the current lifecycle state.
func (c *Client) ConnectionState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID reports the identity the server acknowledged, empty before connect.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// NotificationFeedRoomID reports the feed room the server auto-subscribed.
func (c *Client) NotificationFeedRoomID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.feedRoom
}

// Subscribe registers the handler for a room's ordered messages. Register
// before Join to avoid missing the first broadcasts.
func (c *Client) Subscribe(roomID string, handler MessageHandler) {
	c.dispatcher.subscribe(roomID, handler)
}

// SubscribeNotifications registers the pushed-notification handler.
func (c *Client) SubscribeNotifications(handler NotificationHandler) {
	c.dispatcher.subscribeNotifications(handler)
}

func (c *Client) setState(next State) {
	c.mu.Lock()
	if c.state == next {
		c.mu.Unlock()
		return
	}
	c.state = next
	observer := c.cfg.OnStateChange
	c.mu.Unlock()
	if observer != nil {
		observer(next)
	}
}

// Connect dials and authenticates the session. It returns once the server
// acknowledges the connection; delivery and heartbeats run in the background
// until Close.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected && c.state != StateFailed {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("connect from state %q", state)
	}
	c.closing = false
	c.mu.Unlock()

	c.setState(StateConnecting)
	if err := c.establish(ctx); err != nil {
		c.setState(StateDisconnected)
		return err
	}

	go c.heartbeatLoop()
	return nil
}

// establish dials, waits for the session ack, and starts the read loop.
func (c *Client) establish(ctx context.Context) error {
	conn, err := c.dial()
	if err != nil {
		return platformerrors.Wrap(platformerrors.CodeTransportUnavailable, "dial realtime endpoint", err)
	}

	c.setState(StateAuthenticating)

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.RequestTimeout))
	}
	decoder := json.NewDecoder(conn)
	var first wsFrame
	if err := decoder.Decode(&first); err != nil {
		_ = conn.Close()
		return platformerrors.Wrap(platformerrors.CodeTransportUnavailable, "read session ack", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	if first.Type == frameTypeError {
		_ = conn.Close()
		return decodeFrameError(first.Payload)
	}
	if first.Type != frameTypeAck {
		_ = conn.Close()
		return platformerrors.New(platformerrors.CodeTransportUnavailable, fmt.Sprintf("unexpected first frame %q", first.Type))
	}
	var session ackEnvelope
	if err := json.Unmarshal(first.Payload, &session); err != nil {
		_ = conn.Close()
		return platformerrors.Wrap(platformerrors.CodeTransportUnavailable, "decode session ack", err)
	}

	readLoopDone := make(chan struct{})
	c.mu.Lock()
	c.conn = conn
	c.encoder = json.NewEncoder(conn)
	c.userID = session.Result.UserID
	c.feedRoom = session.Result.RoomID
	c.readLoopDone = readLoopDone
	c.mu.Unlock()

	c.setState(StateConnected)
	go c.readLoop(conn, decoder, readLoopDone)
	return nil
}

func (c *Client) dial() (*websocket.Conn, error) {
	origin := strings.TrimSpace(c.cfg.Origin)
	if origin == "" {
		origin = "http" + strings.TrimPrefix(strings.TrimPrefix(c.cfg.URL, "ws"), "http")
	}
	wsCfg, err := websocket.NewConfig(c.cfg.URL, origin)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(c.cfg.AccessToken) != "" {
		wsCfg.Header = make(http.Header)
		wsCfg.Header.Set("Cookie", "gp_token="+c.cfg.AccessToken)
	}
	return websocket.DialConfig(wsCfg)
}

// Close tears the connection down and stops reconnecting.
func (c *Client) Close() {
	c.setState(StateDisconnecting)
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	c.encoder = nil
	done := c.readLoopDone
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
	c.failPending(platformerrors.New(platformerrors.CodeTransportUnavailable, "connection closed"))
	c.setState(StateDisconnected)
}

func (c *Client) readLoop(conn *websocket.Conn, decoder *json.Decoder, done chan struct{}) {
	defer close(done)

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			c.onConnectionLost(conn, err)
			return
		}

		switch frame.Type {
		case frameTypeAck:
			var envelope ackEnvelope
			if err := json.Unmarshal(frame.Payload, &envelope); err != nil {
				log.Printf("realtime client: malformed ack: %v", err)
				continue
			}
			c.resolvePending(frame.RequestID, pendingReply{ack: envelope.Result})
		case frameTypeError:
			err := decodeFrameError(frame.Payload)
			if frame.RequestID != "" {
				c.resolvePending(frame.RequestID, pendingReply{err: err})
				continue
			}
			var domainErr *platformerrors.Error
			if errors.As(err, &domainErr) && domainErr.Code == platformerrors.CodeSuperseded {
				// A newer session took over; do not fight it by reconnecting.
				log.Printf("realtime client: session superseded by a newer connection")
				c.mu.Lock()
				c.closing = true
				c.mu.Unlock()
			} else {
				log.Printf("realtime client: connection error: %v", err)
			}
		case frameTypeMessage:
			var envelope messageEnvelope
			if err := json.Unmarshal(frame.Payload, &envelope); err != nil {
				log.Printf("realtime client: malformed message frame: %v", err)
				continue
			}
			c.dispatcher.deliverMessage(messageFromWire(envelope))
		case frameTypeNotification:
			var envelope notificationEnvelope
			if err := json.Unmarshal(frame.Payload, &envelope); err != nil {
				log.Printf("realtime client: malformed notification frame: %v", err)
				continue
			}
			c.dispatcher.deliverNotification(notificationFromWire(envelope))
		case frameTypeHeartbeat:
			select {
			case c.heartbeatReplies <- struct{}{}:
			default:
			}
		default:
			log.Printf("realtime client: ignoring frame type %q", frame.Type)
		}
	}
}

func messageFromWire(envelope messageEnvelope) Message {
	createdAt, _ := time.Parse(time.RFC3339, envelope.Message.CreatedAt)
	return Message{
		ID:        envelope.Message.ID,
		RoomID:    envelope.Message.RoomID,
		Sequence:  envelope.Message.Sequence,
		SenderID:  envelope.Message.SenderID,
		Content:   envelope.Message.Content,
		Kind:      envelope.Message.Kind,
		Metadata:  envelope.Message.Metadata,
		CreatedAt: createdAt,
	}
}

func notificationFromWire(envelope notificationEnvelope) Notification {
	createdAt, _ := time.Parse(time.RFC3339, envelope.Notification.CreatedAt)
	return Notification{
		ID:        envelope.Notification.ID,
		Topic:     envelope.Notification.Topic,
		Title:     envelope.Notification.Title,
		Body:      envelope.Notification.Body,
		Metadata:  envelope.Notification.Metadata,
		Read:      envelope.Notification.Read,
		CreatedAt: createdAt,
	}
}

func decodeFrameError(payload json.RawMessage) error {
	var envelope errorEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return platformerrors.New(platformerrors.CodeUnknown, "malformed error frame")
	}
	code := platformerrors.Code(envelope.Error.Code)
	if code == "" {
		code = platformerrors.CodeUnknown
	}
	return platformerrors.New(code, envelope.Error.Message)
}

// onConnectionLost runs the reconnect cycle unless the client is closing.
func (c *Client) onConnectionLost(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	closing := c.closing
	if c.conn == conn {
		c.conn = nil
		c.encoder = nil
	}
	c.mu.Unlock()

	c.failPending(platformerrors.Wrap(platformerrors.CodeTransportUnavailable, "connection lost", cause))

	if closing {
		c.setState(StateDisconnected)
		return
	}
	log.Printf("realtime client: connection lost: %v", cause)
	c.reconnect()
}

// reconnect dials with exponential backoff, then replays every tracked join
// and backfills from the last applied sequence so no messages are lost.
func (c *Client) reconnect() {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 10 * time.Second

	for attempt := 1; attempt <= c.cfg.MaxReconnectAttempts; attempt++ {
		c.mu.Lock()
		closing := c.closing
		c.mu.Unlock()
		if closing {
			c.setState(StateDisconnected)
			return
		}
		// Each retry restarts the dial cycle from the top.
		c.setState(StateConnecting)

		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		err := c.establish(ctx)
		cancel()
		if err == nil {
			c.resubscribe()
			return
		}

		wait := policy.NextBackOff()
		log.Printf("realtime client: reconnect attempt %d/%d failed, retrying in %s: %v",
			attempt, c.cfg.MaxReconnectAttempts, wait, err)
		time.Sleep(wait)
	}

	log.Printf("realtime client: reconnect attempts exhausted")
	c.setState(StateFailed)
}

// resubscribe re-joins every tracked room and backfills messages persisted
// while disconnected.
func (c *Client) resubscribe() {
	for roomID, lastApplied := range c.dispatcher.trackedRooms() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		result, err := c.Join(ctx, JoinRequest{RoomID: roomID})
		if err != nil {
			cancel()
			log.Printf("realtime client: re-join room=%q failed: %v", roomID, err)
			continue
		}
		cancel()
		if result.LatestSequence > lastApplied {
			c.recoverGap(roomID, lastApplied)
		}
	}
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	missed := 0
	for range ticker.C {
		c.mu.Lock()
		closing := c.closing
		state := c.state
		c.mu.Unlock()
		if closing || state == StateFailed {
			return
		}
		if state != StateConnected {
			continue
		}

		// Drain replies received since the last beat.
		replied := false
		for {
			select {
			case <-c.heartbeatReplies:
				replied = true
				continue
			default:
			}
			break
		}
		if replied {
			missed = 0
		} else {
			missed++
		}

		if missed > maxMissedHeartbeats {
			log.Printf("realtime client: %d heartbeat replies missed, forcing reconnect", missed)
			missed = 0
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()
			if conn != nil {
				// The read loop notices the close and reconnects.
				_ = conn.Close()
			}
			continue
		}

		err := c.writeFrame(wsFrame{
			Type: frameTypeHeartbeat,
			Payload: mustJSON(map[string]string{
				"sent_at": time.Now().UTC().Format(time.RFC3339),
			}),
		})
		if err != nil {
			log.Printf("realtime client: heartbeat write failed: %v", err)
		}
	}
}

func (c *Client) writeFrame(frame wsFrame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.encoder == nil {
		return platformerrors.New(platformerrors.CodeTransportUnavailable, "not connected")
	}
	return c.encoder.Encode(frame)
}

// request sends a frame and waits for its ack or error, bounded by ctx and
// the configured request timeout.
func (c *Client) request(ctx context.Context, frameType string, payload any) (ackResult, error) {
	requestID, err := id.NewID()
	if err != nil {
		return ackResult{}, fmt.Errorf("new request id: %w", err)
	}

	reply := make(chan pendingReply, 1)
	c.mu.Lock()
	c.pending[requestID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}()

	if err := c.writeFrame(wsFrame{
		Type:      frameType,
		RequestID: requestID,
		Payload:   mustJSON(payload),
	}); err != nil {
		return ackResult{}, err
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ackResult{}, platformerrors.Wrap(platformerrors.CodeTimeout, frameType+" request canceled", ctx.Err())
	case <-timer.C:
		return ackResult{}, platformerrors.New(platformerrors.CodeTimeout, frameType+" request timed out")
	case result := <-reply:
		if result.err != nil {
			return ackResult{}, result.err
		}
		return result.ack, nil
	}
}

func (c *Client) resolvePending(requestID string, reply pendingReply) {
	if requestID == "" {
		return
	}
	c.mu.Lock()
	ch, ok := c.pending[requestID]
	if ok {
		delete(c.pending, requestID)
	}
	c.mu.Unlock()
	if ok {
		ch <- reply
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan pendingReply)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- pendingReply{err: err}
	}
}

// Join subscribes to a room and starts dispatch tracking at the room's
// latest sequence. Joining again is harmless.
func (c *Client) Join(ctx context.Context, req JoinRequest) (JoinResult, error) {
	ack, err := c.request(ctx, frameTypeJoin, map[string]string{
		"room_id": req.RoomID,
		"kind":    req.Kind,
		"key":     req.Key,
	})
	if err != nil {
		return JoinResult{}, err
	}
	c.dispatcher.trackRoom(ack.RoomID, ack.LatestSequence)
	return JoinResult{RoomID: ack.RoomID, LatestSequence: ack.LatestSequence}, nil
}

// Leave unsubscribes from a room and stops tracking it.
func (c *Client) Leave(ctx context.Context, roomID string) error {
	if _, err := c.request(ctx, frameTypeLeave, map[string]string{"room_id": roomID}); err != nil {
		return err
	}
	c.dispatcher.forgetRoom(roomID)
	return nil
}

// Send delivers one message. On TIMEOUT, retry with the same request (the
// filled-in ClientMessageID) to converge on the originally persisted message.
func (c *Client) Send(ctx context.Context, req *SendRequest) (SendResult, error) {
	if strings.TrimSpace(req.ClientMessageID) == "" {
		clientMessageID, err := id.NewID()
		if err != nil {
			return SendResult{}, fmt.Errorf("new client message id: %w", err)
		}
		req.ClientMessageID = clientMessageID
	}

	ack, err := c.request(ctx, frameTypeSend, map[string]any{
		"room_id":           req.RoomID,
		"client_message_id": req.ClientMessageID,
		"content":           req.Content,
		"kind":              req.Kind,
		"metadata":          req.Metadata,
	})
	if err != nil {
		return SendResult{}, err
	}
	return SendResult{
		MessageID: ack.MessageID,
		Sequence:  ack.Sequence,
		Duplicate: ack.Duplicate,
	}, nil
}

// Backfill requests persisted messages after a sequence; they arrive through
// the room's subscribed handler. The returned count is the number replayed.
func (c *Client) Backfill(ctx context.Context, roomID string, afterSequence int64, limit int) (int, error) {
	ack, err := c.request(ctx, frameTypeBackfill, map[string]any{
		"room_id":        roomID,
		"after_sequence": afterSequence,
		"limit":          limit,
	})
	if err != nil {
		return 0, err
	}
	return ack.Count, nil
}

// MarkRead marks one notification read and returns the remaining unread count.
func (c *Client) MarkRead(ctx context.Context, notificationID string) (int, error) {
	ack, err := c.request(ctx, frameTypeRead, map[string]string{"notification_id": notificationID})
	if err != nil {
		return 0, err
	}
	return ack.UnreadCount, nil
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("realtime client: failed to marshal frame payload: %v", err)
		return nil
	}
	return b
}
