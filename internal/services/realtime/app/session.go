package server

import (
	"encoding/json"
	"sync"
	"time"
)

// wsPeer serializes frame writes to one websocket connection.
type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
	closer  func() error
}

func newWSPeer(encoder *json.Encoder, closer func() error) *wsPeer {
	return &wsPeer{encoder: encoder, closer: closer}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

func (p *wsPeer) close() {
	if p == nil || p.closer == nil {
		return
	}
	_ = p.closer()
}

// wsSession is the server-side state of one live connection: the verified
// identity, the joined room set, and heartbeat bookkeeping. The joined set is
// mutated only by the session's own read loop.
type wsSession struct {
	userID string
	peer   *wsPeer

	mu            sync.Mutex
	joined        map[string]struct{}
	lastHeartbeat time.Time
}

func newWSSession(userID string, peer *wsPeer, now time.Time) *wsSession {
	return &wsSession{
		userID:        userID,
		peer:          peer,
		joined:        make(map[string]struct{}),
		lastHeartbeat: now,
	}
}

// markJoined records the subscription; re-joining is a no-op.
func (s *wsSession) markJoined(roomID string) {
	s.mu.Lock()
	s.joined[roomID] = struct{}{}
	s.mu.Unlock()
}

func (s *wsSession) markLeft(roomID string) {
	s.mu.Lock()
	delete(s.joined, roomID)
	s.mu.Unlock()
}

func (s *wsSession) isJoined(roomID string) bool {
	s.mu.Lock()
	_, ok := s.joined[roomID]
	s.mu.Unlock()
	return ok
}

func (s *wsSession) joinedRooms() []string {
	s.mu.Lock()
	rooms := make([]string, 0, len(s.joined))
	for roomID := range s.joined {
		rooms = append(rooms, roomID)
	}
	s.mu.Unlock()
	return rooms
}

func (s *wsSession) touchHeartbeat(now time.Time) {
	s.mu.Lock()
	s.lastHeartbeat = now
	s.mu.Unlock()
}

func (s *wsSession) heartbeatAge(now time.Time) time.Duration {
	s.mu.Lock()
	age := now.Sub(s.lastHeartbeat)
	s.mu.Unlock()
	return age
}
