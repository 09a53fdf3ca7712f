package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	platformerrors "github.com/guildpoint/guildpoint/internal/platform/errors"
	server "github.com/guildpoint/guildpoint/internal/services/realtime/app"
	"github.com/guildpoint/guildpoint/internal/services/realtime/domain"
	sqlitestore "github.com/guildpoint/guildpoint/internal/services/realtime/storage/sqlite"
)

type openTestDirectory struct{}

func (openTestDirectory) IsRoomMember(context.Context, string, string) (bool, error) {
	return true, nil
}

func (openTestDirectory) IsClanMember(context.Context, string, string) (bool, error) {
	return true, nil
}

func startTestServer(t *testing.T) (*httptest.Server, *server.Handler, *sqlitestore.Store) {
	t.Helper()
	store, err := sqlitestore.Open(filepath.Join(t.TempDir(), "realtime.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	_, err = store.CreateRoomIfAbsent(context.Background(), domain.Room{
		ID:        "room-1",
		Kind:      domain.RoomKindGroup,
		Key:       "room-1",
		CreatorID: "creator",
		Active:    true,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create room: %v", err)
	}

	handler := server.NewHandler(store, openTestDirectory{})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, handler, store
}

func newTestClient(t *testing.T, srv *httptest.Server, userID string) *Client {
	t.Helper()
	c := New(Config{
		URL:               "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		Origin:            srv.URL,
		AccessToken:       userID,
		RequestTimeout:    2 * time.Second,
		HeartbeatInterval: time.Minute,
	})
	t.Cleanup(c.Close)
	return c
}

func connectTestClient(t *testing.T, srv *httptest.Server, userID string) *Client {
	t.Helper()
	c := newTestClient(t, srv, userID)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect %q: %v", userID, err)
	}
	return c
}

func waitForState(t *testing.T, c *Client, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.ConnectionState() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("state = %q, want %q", c.ConnectionState(), want)
}

func seedStoredMessage(t *testing.T, store *sqlitestore.Store, roomID string, n int) {
	t.Helper()
	_, _, err := store.AppendMessage(context.Background(), domain.Message{
		ID:              fmt.Sprintf("seeded-%03d", n),
		RoomID:          roomID,
		SenderID:        "bob",
		Content:         fmt.Sprintf("missed %d", n),
		Kind:            domain.MessageKindText,
		ClientMessageID: fmt.Sprintf("seed-cm-%03d", n),
		CreatedAt:       time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed message %d: %v", n, err)
	}
}

func TestClientConnectReportsIdentityAndStates(t *testing.T) {
	srv, _, _ := startTestServer(t)

	var mu sync.Mutex
	var transitions []State
	c := New(Config{
		URL:               "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		Origin:            srv.URL,
		AccessToken:       "alice",
		RequestTimeout:    2 * time.Second,
		HeartbeatInterval: time.Minute,
		OnStateChange: func(state State) {
			mu.Lock()
			transitions = append(transitions, state)
			mu.Unlock()
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if c.UserID() != "alice" {
		t.Fatalf("user id = %q, want %q", c.UserID(), "alice")
	}
	if c.NotificationFeedRoomID() == "" {
		t.Fatal("notification feed room id is empty")
	}

	c.Close()
	waitForState(t, c, StateDisconnected)

	mu.Lock()
	got := append([]State(nil), transitions...)
	mu.Unlock()
	want := []State{StateConnecting, StateAuthenticating, StateConnected, StateDisconnecting, StateDisconnected}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("transition %d = %q, want %q (all: %v)", i, got[i], want[i], got)
		}
	}
}

func TestClientSendDeliversToSubscribers(t *testing.T) {
	srv, _, _ := startTestServer(t)

	alice := connectTestClient(t, srv, "alice")
	bob := connectTestClient(t, srv, "bob")

	received := make(chan Message, 4)
	bob.Subscribe("room-1", func(msg Message) {
		received <- msg
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := alice.Join(ctx, JoinRequest{RoomID: "room-1"}); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	if _, err := bob.Join(ctx, JoinRequest{RoomID: "room-1"}); err != nil {
		t.Fatalf("bob join: %v", err)
	}

	result, err := alice.Send(ctx, &SendRequest{RoomID: "room-1", Content: "gg"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if result.Sequence != 1 || result.Duplicate {
		t.Fatalf("send result = %+v, want sequence 1", result)
	}

	select {
	case msg := <-received:
		if msg.Content != "gg" || msg.Sequence != 1 || msg.SenderID != "alice" {
			t.Fatalf("received = %+v", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("bob never received the message")
	}
}

func TestClientSendRetryConvergesOnOriginalMessage(t *testing.T) {
	srv, _, _ := startTestServer(t)

	alice := connectTestClient(t, srv, "alice")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := alice.Join(ctx, JoinRequest{RoomID: "room-1"}); err != nil {
		t.Fatalf("join: %v", err)
	}

	request := &SendRequest{RoomID: "room-1", Content: "only once"}
	first, err := alice.Send(ctx, request)
	if err != nil {
		t.Fatalf("first send: %v", err)
	}
	if request.ClientMessageID == "" {
		t.Fatal("send did not pin a client message id for retries")
	}

	// A retry after a timeout reuses the same request value.
	retry, err := alice.Send(ctx, request)
	if err != nil {
		t.Fatalf("retry send: %v", err)
	}
	if !retry.Duplicate {
		t.Fatal("retry duplicate = false, want true")
	}
	if retry.MessageID != first.MessageID || retry.Sequence != first.Sequence {
		t.Fatalf("retry = %+v, want message %q sequence %d", retry, first.MessageID, first.Sequence)
	}
}

func TestClientRecoversGapThroughBackfill(t *testing.T) {
	srv, _, store := startTestServer(t)

	alice := connectTestClient(t, srv, "alice")
	bob := connectTestClient(t, srv, "bob")

	received := make(chan Message, 32)
	alice.Subscribe("room-1", func(msg Message) {
		received <- msg
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := alice.Join(ctx, JoinRequest{RoomID: "room-1"}); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	if _, err := bob.Join(ctx, JoinRequest{RoomID: "room-1"}); err != nil {
		t.Fatalf("bob join: %v", err)
	}

	for i := 1; i <= 10; i++ {
		if _, err := bob.Send(ctx, &SendRequest{RoomID: "room-1", Content: fmt.Sprintf("live %d", i)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	// Messages 11..14 land while alice's frames are lost: persist them
	// without a broadcast, as a dropped connection would observe.
	for i := 11; i <= 14; i++ {
		seedStoredMessage(t, store, "room-1", i)
	}

	// The next live broadcast exposes the gap; alice backfills and resumes.
	if _, err := bob.Send(ctx, &SendRequest{RoomID: "room-1", Content: "live 15"}); err != nil {
		t.Fatalf("send 15: %v", err)
	}

	var sequences []int64
	deadline := time.After(5 * time.Second)
	for len(sequences) < 15 {
		select {
		case msg := <-received:
			sequences = append(sequences, msg.Sequence)
		case <-deadline:
			t.Fatalf("received %d messages before timeout: %v", len(sequences), sequences)
		}
	}

	for i, sequence := range sequences {
		if sequence != int64(i+1) {
			t.Fatalf("sequence %d = %d, want %d (all: %v)", i, sequence, i+1, sequences)
		}
	}
}

func TestClientRecoversGapWiderThanOneBackfillPage(t *testing.T) {
	srv, _, store := startTestServer(t)

	alice := connectTestClient(t, srv, "alice")
	bob := connectTestClient(t, srv, "bob")

	received := make(chan Message, 256)
	alice.Subscribe("room-1", func(msg Message) {
		received <- msg
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := alice.Join(ctx, JoinRequest{RoomID: "room-1"}); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	if _, err := bob.Join(ctx, JoinRequest{RoomID: "room-1"}); err != nil {
		t.Fatalf("bob join: %v", err)
	}

	if _, err := bob.Send(ctx, &SendRequest{RoomID: "room-1", Content: "live 1"}); err != nil {
		t.Fatalf("send 1: %v", err)
	}

	// Lose far more than one backfill page while alice's frames are dropped.
	for i := 2; i <= 119; i++ {
		seedStoredMessage(t, store, "room-1", i)
	}

	// The next live broadcast exposes the gap; recovery must page through
	// the whole missed range, not stop after the first reply.
	if _, err := bob.Send(ctx, &SendRequest{RoomID: "room-1", Content: "live 120"}); err != nil {
		t.Fatalf("send 120: %v", err)
	}

	var sequences []int64
	deadline := time.After(10 * time.Second)
	for len(sequences) < 120 {
		select {
		case msg := <-received:
			sequences = append(sequences, msg.Sequence)
		case <-deadline:
			t.Fatalf("received %d messages before timeout (last: %v)", len(sequences), sequences[max(0, len(sequences)-5):])
		}
	}
	for i, sequence := range sequences {
		if sequence != int64(i+1) {
			t.Fatalf("sequence %d = %d, want %d", i, sequence, i+1)
		}
	}

	// Live delivery resumed after the gap closed.
	if _, err := bob.Send(ctx, &SendRequest{RoomID: "room-1", Content: "live 121"}); err != nil {
		t.Fatalf("send 121: %v", err)
	}
	select {
	case msg := <-received:
		if msg.Sequence != 121 {
			t.Fatalf("post-recovery sequence = %d, want 121", msg.Sequence)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("live delivery never resumed after recovery")
	}
}

func TestClientReconnectReentersConnecting(t *testing.T) {
	srv, _, _ := startTestServer(t)

	var mu sync.Mutex
	var transitions []State
	c := New(Config{
		URL:               "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		Origin:            srv.URL,
		AccessToken:       "alice",
		RequestTimeout:    2 * time.Second,
		HeartbeatInterval: time.Minute,
		OnStateChange: func(state State) {
			mu.Lock()
			transitions = append(transitions, state)
			mu.Unlock()
		},
	})
	t.Cleanup(c.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := c.Join(ctx, JoinRequest{RoomID: "room-1"}); err != nil {
		t.Fatalf("join: %v", err)
	}

	// Observe only the transitions of the drop and recovery cycle.
	mu.Lock()
	transitions = nil
	mu.Unlock()

	srv.CloseClientConnections()

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		got := append([]State(nil), transitions...)
		mu.Unlock()
		if len(got) > 0 && got[len(got)-1] == StateConnected {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("never reconnected; transitions = %v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	got := append([]State(nil), transitions...)
	mu.Unlock()
	sawConnecting := false
	for _, state := range got {
		if state == StateConnecting {
			sawConnecting = true
		}
		if state == StateReauthenticating {
			t.Fatalf("reconnect entered %q; transitions = %v", StateReauthenticating, got)
		}
	}
	if !sawConnecting {
		t.Fatalf("reconnect skipped %q; transitions = %v", StateConnecting, got)
	}

	// The restored session works once resubscription lands.
	sendCtx, sendCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer sendCancel()
	request := &SendRequest{RoomID: "room-1", Content: "after the drop"}
	sendDeadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := c.Send(sendCtx, request); err == nil {
			break
		} else if time.Now().After(sendDeadline) {
			t.Fatalf("send after reconnect: %v", err)
		}
		time.Sleep(25 * time.Millisecond)
	}
}

func TestClientSupersededStopsWithoutReconnect(t *testing.T) {
	srv, _, _ := startTestServer(t)

	first := connectTestClient(t, srv, "alice")
	_ = connectTestClient(t, srv, "alice")

	waitForState(t, first, StateDisconnected)
}

func TestClientNotificationsPushAndMarkRead(t *testing.T) {
	srv, handler, _ := startTestServer(t)

	alice := connectTestClient(t, srv, "alice")
	pushed := make(chan Notification, 2)
	alice.SubscribeNotifications(func(n Notification) {
		pushed <- n
	})

	notification, duplicate, err := handler.PublishNotification(context.Background(), server.NotificationInput{
		RecipientUserID: "alice",
		Topic:           "tournament.start",
		Title:           "Bracket live",
		DedupeKey:       "t-1",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if duplicate {
		t.Fatal("first publish reported duplicate")
	}

	select {
	case n := <-pushed:
		if n.Topic != "tournament.start" || n.Read {
			t.Fatalf("pushed notification = %+v", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never arrived")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	unread, err := alice.MarkRead(ctx, notification.ID)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if unread != 0 {
		t.Fatalf("unread = %d, want 0", unread)
	}
}

func TestClientRequestErrorsCarryCodes(t *testing.T) {
	srv, _, _ := startTestServer(t)

	alice := connectTestClient(t, srv, "alice")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := alice.Join(ctx, JoinRequest{RoomID: "missing"})
	var domainErr *platformerrors.Error
	if !errors.As(err, &domainErr) || domainErr.Code != platformerrors.CodeRoomNotFound {
		t.Fatalf("join error = %v, want code %s", err, platformerrors.CodeRoomNotFound)
	}

	_, err = alice.Send(ctx, &SendRequest{RoomID: "room-1", Content: "not joined"})
	if !errors.As(err, &domainErr) || domainErr.Code != platformerrors.CodeNotSubscribed {
		t.Fatalf("send error = %v, want code %s", err, platformerrors.CodeNotSubscribed)
	}

	_, err = alice.MarkRead(ctx, "missing")
	if !errors.As(err, &domainErr) || domainErr.Code != platformerrors.CodeNotFound {
		t.Fatalf("mark read error = %v, want code %s", err, platformerrors.CodeNotFound)
	}
}

func TestClientConnectFailsAgainstNonRealtimeEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	c := New(Config{
		URL:            "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		Origin:         srv.URL,
		AccessToken:    "alice",
		RequestTimeout: time.Second,
	})
	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("connect succeeded against a non-realtime endpoint")
	}
	if state := c.ConnectionState(); state != StateDisconnected {
		t.Fatalf("state = %q, want %q", state, StateDisconnected)
	}
}
