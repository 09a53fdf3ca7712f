// Package server hosts the realtime HTTP/WebSocket process: connection
// lifecycle, room subscriptions, message fan-out, and notification delivery.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/websocket"

	platformerrors "github.com/guildpoint/guildpoint/internal/platform/errors"
	"github.com/guildpoint/guildpoint/internal/platform/timeouts"
	"github.com/guildpoint/guildpoint/internal/services/realtime/domain"
	"github.com/guildpoint/guildpoint/internal/services/realtime/storage"
	sqlitestore "github.com/guildpoint/guildpoint/internal/services/realtime/storage/sqlite"
)

const (
	tokenCookieName = "gp_token"

	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3

	maxClientMessageIDRunes = 128
	defaultMaxContentBytes  = 8 * 1024

	// Connections missing this many heartbeat intervals are reaped.
	staleHeartbeatIntervals = 3
)

// Config defines the inputs for the realtime transport boundary.
//
// The settings couple the WebSocket layer to platform identity tokens and the
// social service's membership directory without owning either.
type Config struct {
	HTTPAddr          string
	StoragePath       string
	SocialBaseURL     string
	ResourceSecret    string
	TokenIssuer       string
	TokenAudience     string
	TokenPublicKey    string
	MaxContentBytes   int
	HeartbeatInterval time.Duration
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Handler is the realtime HTTP surface plus the in-process publishing API the
// surrounding platform uses to push notifications to connected users.
type Handler struct {
	mux *http.ServeMux
	hub *hub
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// PublishNotification persists the notification and pushes it to the
// recipient's live connection when one exists. A repeated dedupe key returns
// the original notification with duplicate set.
func (h *Handler) PublishNotification(ctx context.Context, input NotificationInput) (domain.Notification, bool, error) {
	return h.hub.publishNotification(ctx, input)
}

// ListNotifications returns the recipient's most recent notifications, newest
// first, for surfaces that render the inbox outside the socket.
func (h *Handler) ListNotifications(ctx context.Context, recipientUserID string, limit int) ([]domain.Notification, error) {
	return h.hub.store.ListNotificationsByRecipient(ctx, recipientUserID, limit)
}

// DeactivateRoom marks a room read-only. Existing subscribers keep receiving
// backfill; new sends are rejected.
func (h *Handler) DeactivateRoom(ctx context.Context, roomID string) error {
	return h.hub.store.SetRoomActive(ctx, roomID, false)
}

type wsUserIDContextKey struct{}

// NewHandler creates realtime routes for tests and offline paths. WebSocket
// auth is intentionally disabled: the gp_token cookie value is trusted as the
// user id.
func NewHandler(store storage.Store, directory domain.MembershipDirectory) *Handler {
	return newHandler(store, directory, nil, false, defaultMaxContentBytes)
}

// NewHandlerWithAuthorizer creates realtime routes with enforced websocket
// identity checks.
func NewHandlerWithAuthorizer(store storage.Store, directory domain.MembershipDirectory, authorizer Authorizer, maxContentBytes int) *Handler {
	if maxContentBytes <= 0 {
		maxContentBytes = defaultMaxContentBytes
	}
	return newHandler(store, directory, authorizer, true, maxContentBytes)
}

func newHandler(store storage.Store, directory domain.MembershipDirectory, authorizer Authorizer, requireAuth bool, maxContentBytes int) *Handler {
	h := newHub(store, directory, maxContentBytes)
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, h)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		token := accessTokenFromRequest(r)
		var userID string
		if requireAuth {
			if authorizer == nil {
				http.Error(w, "websocket auth is not configured", http.StatusServiceUnavailable)
				return
			}
			if token == "" {
				log.Printf("realtime: websocket unauthorized: missing gp_token for host=%q remote=%s", r.Host, r.RemoteAddr)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			resolved, err := authorizer.VerifyIdentity(r.Context(), token)
			if err != nil || strings.TrimSpace(resolved) == "" {
				log.Printf("realtime: websocket unauthorized: identity check failed for host=%q remote=%s err=%v", r.Host, r.RemoteAddr, err)
				http.Error(w, "authentication required", http.StatusUnauthorized)
				return
			}
			userID = strings.TrimSpace(resolved)
		} else {
			userID = token
			if userID == "" {
				userID = "user"
			}
		}

		ctx := context.WithValue(r.Context(), wsUserIDContextKey{}, userID)
		wsHandler.ServeHTTP(w, r.WithContext(ctx))
	})

	return &Handler{mux: mux, hub: h}
}

func accessTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	cookie, err := r.Cookie(tokenCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

func handleWSConn(conn *websocket.Conn, h *hub) {
	defer func() {
		_ = conn.Close()
	}()

	ctx := context.Background()
	userID := ""
	if request := conn.Request(); request != nil {
		ctx = request.Context()
		if resolved, ok := request.Context().Value(wsUserIDContextKey{}).(string); ok {
			userID = strings.TrimSpace(resolved)
		}
	}
	if userID == "" {
		return
	}

	peer := newWSPeer(json.NewEncoder(conn), conn.Close)
	session := newWSSession(userID, peer, h.clock())

	if superseded := h.register(session); superseded != nil {
		_ = superseded.peer.writeFrame(errorFrame("", platformerrors.CodeSuperseded, "connection replaced by a newer session"))
		superseded.peer.close()
	}
	defer h.unregister(session)

	feed, unread, err := h.attach(ctx, session)
	if err != nil {
		log.Printf("realtime: connection setup failed user=%q err=%v", userID, err)
		_ = writeError(peer, "", err)
		return
	}
	_ = peer.writeFrame(ackFrame("", ackResult{
		Status:      "connected",
		UserID:      userID,
		RoomID:      feed.ID,
		UnreadCount: unread,
	}))

	decoder := json.NewDecoder(conn)
	windowStart := h.clock()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = peer.writeFrame(errorFrame("", platformerrors.CodeInvalidArgument, "invalid frame payload"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = peer.writeFrame(errorFrame(frame.RequestID, platformerrors.CodePayloadTooLarge, "frame payload too large"))
			continue
		}

		now := h.clock()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = peer.writeFrame(errorFrame(frame.RequestID, platformerrors.CodeRateLimited, "frame rate limit exceeded"))
			return
		}

		switch frame.Type {
		case frameTypeJoin:
			handleJoinFrame(ctx, h, session, frame)
		case frameTypeLeave:
			handleLeaveFrame(h, session, frame)
		case frameTypeSend:
			handleSendFrame(ctx, h, session, frame)
		case frameTypeBackfill:
			handleBackfillFrame(ctx, h, session, frame)
		case frameTypeRead:
			handleReadFrame(ctx, h, session, frame)
		case frameTypeHeartbeat:
			handleHeartbeatFrame(h, session, frame)
		default:
			_ = peer.writeFrame(errorFrame(frame.RequestID, platformerrors.CodeInvalidArgument, "unsupported frame type"))
		}
	}
}

func handleJoinFrame(ctx context.Context, h *hub, session *wsSession, frame wsFrame) {
	var payload joinPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = session.peer.writeFrame(errorFrame(frame.RequestID, platformerrors.CodeInvalidArgument, "invalid join payload"))
		return
	}

	room, latest, err := h.join(ctx, session, payload)
	if err != nil {
		log.Printf("realtime: join failed user=%q room=%q kind=%q err=%v", session.userID, payload.RoomID, payload.Kind, err)
		_ = writeError(session.peer, frame.RequestID, err)
		return
	}

	_ = session.peer.writeFrame(ackFrame(frame.RequestID, ackResult{
		RoomID:         room.ID,
		LatestSequence: latest,
	}))
}

func handleLeaveFrame(h *hub, session *wsSession, frame wsFrame) {
	var payload leavePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = session.peer.writeFrame(errorFrame(frame.RequestID, platformerrors.CodeInvalidArgument, "invalid leave payload"))
		return
	}
	roomID := strings.TrimSpace(payload.RoomID)
	if roomID == "" {
		_ = session.peer.writeFrame(errorFrame(frame.RequestID, platformerrors.CodeInvalidArgument, "room_id is required"))
		return
	}

	// Leaving a room the session never joined acks all the same.
	h.leave(session, roomID)
	_ = session.peer.writeFrame(ackFrame(frame.RequestID, ackResult{RoomID: roomID}))
}

func handleSendFrame(ctx context.Context, h *hub, session *wsSession, frame wsFrame) {
	var payload sendPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = session.peer.writeFrame(errorFrame(frame.RequestID, platformerrors.CodeInvalidArgument, "invalid send payload"))
		return
	}
	if utf8.RuneCountInString(payload.ClientMessageID) > maxClientMessageIDRunes {
		_ = session.peer.writeFrame(errorFrame(frame.RequestID, platformerrors.CodeInvalidArgument, "client_message_id must be at most 128 characters"))
		return
	}

	persisted, duplicate, err := h.send(ctx, session, payload)
	if err != nil {
		_ = writeError(session.peer, frame.RequestID, err)
		return
	}

	_ = session.peer.writeFrame(ackFrame(frame.RequestID, ackResult{
		MessageID: persisted.ID,
		RoomID:    persisted.RoomID,
		Sequence:  persisted.Sequence,
		Duplicate: duplicate,
	}))
}

func handleBackfillFrame(ctx context.Context, h *hub, session *wsSession, frame wsFrame) {
	var payload backfillPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = session.peer.writeFrame(errorFrame(frame.RequestID, platformerrors.CodeInvalidArgument, "invalid backfill payload"))
		return
	}

	messages, err := h.backfill(ctx, session, payload)
	if err != nil {
		_ = writeError(session.peer, frame.RequestID, err)
		return
	}

	for _, message := range messages {
		_ = session.peer.writeFrame(messageFrame(message))
	}
	_ = session.peer.writeFrame(ackFrame(frame.RequestID, ackResult{
		RoomID: payload.RoomID,
		Count:  len(messages),
	}))
}

func handleReadFrame(ctx context.Context, h *hub, session *wsSession, frame wsFrame) {
	var payload readPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = session.peer.writeFrame(errorFrame(frame.RequestID, platformerrors.CodeInvalidArgument, "invalid read payload"))
		return
	}

	if _, err := h.markRead(ctx, session, payload.NotificationID); err != nil {
		_ = writeError(session.peer, frame.RequestID, err)
		return
	}
	unread, err := h.store.CountUnreadByRecipient(ctx, session.userID)
	if err != nil {
		_ = writeError(session.peer, frame.RequestID, err)
		return
	}

	_ = session.peer.writeFrame(ackFrame(frame.RequestID, ackResult{UnreadCount: unread}))
}

func handleHeartbeatFrame(h *hub, session *wsSession, frame wsFrame) {
	var payload heartbeatPayload
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			_ = session.peer.writeFrame(errorFrame(frame.RequestID, platformerrors.CodeInvalidArgument, "invalid heartbeat payload"))
			return
		}
	}

	now := h.clock()
	session.touchHeartbeat(now)
	_ = session.peer.writeFrame(wsFrame{
		Type:      frameTypeHeartbeat,
		RequestID: frame.RequestID,
		Payload: mustJSON(heartbeatPayload{
			SentAt:     payload.SentAt,
			ServerTime: now.Format(time.RFC3339),
		}),
	})
}

// Server hosts the realtime HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	handler         *Handler
	store           *sqlitestore.Store
	reaperStop      context.CancelFunc
	reaperDone      chan struct{}
}

// NewServer builds a configured realtime server and wires identity and
// membership checks when the platform endpoints are configured.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if strings.TrimSpace(config.StoragePath) == "" {
		return nil, errors.New("storage path is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = timeouts.Heartbeat
	}

	store, err := sqlitestore.Open(config.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("open realtime store: %w", err)
	}

	var directory domain.MembershipDirectory
	if strings.TrimSpace(config.SocialBaseURL) != "" {
		directory, err = NewHTTPDirectory(config.SocialBaseURL, config.ResourceSecret)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("init membership directory: %w", err)
		}
	} else {
		log.Printf("realtime: social base url not configured, membership checks unavailable")
	}

	authorizer, err := NewJWTAuthorizer(config.TokenIssuer, config.TokenAudience, config.TokenPublicKey)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init token authorizer: %w", err)
	}

	handler := NewHandlerWithAuthorizer(store, directory, authorizer, config.MaxContentBytes)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	reaperCtx, reaperStop := context.WithCancel(context.Background())
	reaperDone := make(chan struct{})
	go runHeartbeatReaper(reaperCtx, handler.hub, config.HeartbeatInterval, reaperDone)

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		handler:         handler,
		store:           store,
		reaperStop:      reaperStop,
		reaperDone:      reaperDone,
	}, nil
}

func runHeartbeatReaper(ctx context.Context, h *hub, interval time.Duration, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reaped := h.closeStale(staleHeartbeatIntervals * interval); reaped > 0 {
				log.Printf("realtime: reaped %d stale connections", reaped)
			}
		}
	}
}

// Handler exposes the in-process publishing API.
func (s *Server) Handler() *Handler {
	return s.handler
}

// Run creates and serves a realtime server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init realtime server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve realtime: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("realtime server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("realtime server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.reaperStop != nil {
		s.reaperStop()
	}
	if s.reaperDone != nil {
		<-s.reaperDone
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("close realtime store: %v", err)
		}
	}
}
