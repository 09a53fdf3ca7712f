package client

import "sync"

// MessageHandler receives room messages in sequence order, exactly once per
// message id.
type MessageHandler func(Message)

// NotificationHandler receives pushed notifications, deduplicated by id.
type NotificationHandler func(Notification)

const defaultRecentlySeenCapacity = 4096

// dispatcher applies incoming frames to handlers in order. It keeps a bounded
// recently-seen id set and a per-room cursor of the next expected sequence;
// a gap pauses the room, buffers live arrivals, and asks the connection layer
// to backfill the missing range before resuming.
type dispatcher struct {
	mu sync.Mutex

	maxSeen   int
	seen      map[string]struct{}
	seenOrder []string

	rooms               map[string]*roomCursor
	handlers            map[string]MessageHandler
	notificationHandler NotificationHandler

	// requestBackfill must not block; it is invoked while the dispatcher
	// lock is held.
	requestBackfill func(roomID string, afterSequence int64)
}

type roomCursor struct {
	nextSequence     int64
	awaitingBackfill bool
	buffered         map[int64]Message
}

func newDispatcher(maxSeen int, requestBackfill func(roomID string, afterSequence int64)) *dispatcher {
	if maxSeen <= 0 {
		maxSeen = defaultRecentlySeenCapacity
	}
	return &dispatcher{
		maxSeen:         maxSeen,
		seen:            make(map[string]struct{}),
		rooms:           make(map[string]*roomCursor),
		handlers:        make(map[string]MessageHandler),
		requestBackfill: requestBackfill,
	}
}

func (d *dispatcher) subscribe(roomID string, handler MessageHandler) {
	d.mu.Lock()
	d.handlers[roomID] = handler
	d.mu.Unlock()
}

func (d *dispatcher) subscribeNotifications(handler NotificationHandler) {
	d.mu.Lock()
	d.notificationHandler = handler
	d.mu.Unlock()
}

// trackRoom starts sequence tracking at latestSequence+1. An already-tracked
// room keeps its cursor so a re-join after reconnect resumes where delivery
// stopped.
func (d *dispatcher) trackRoom(roomID string, latestSequence int64) {
	d.mu.Lock()
	if _, ok := d.rooms[roomID]; !ok {
		d.rooms[roomID] = &roomCursor{
			nextSequence: latestSequence + 1,
			buffered:     make(map[int64]Message),
		}
	}
	d.mu.Unlock()
}

// releaseBackfill re-arms gap detection after a failed recovery so the next
// buffered arrival requests a fresh backfill.
func (d *dispatcher) releaseBackfill(roomID string) {
	d.mu.Lock()
	if cursor, ok := d.rooms[roomID]; ok {
		cursor.awaitingBackfill = false
	}
	d.mu.Unlock()
}

func (d *dispatcher) forgetRoom(roomID string) {
	d.mu.Lock()
	delete(d.rooms, roomID)
	delete(d.handlers, roomID)
	d.mu.Unlock()
}

// lastApplied returns the highest sequence applied for the room, or 0.
func (d *dispatcher) lastApplied(roomID string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	cursor, ok := d.rooms[roomID]
	if !ok {
		return 0
	}
	return cursor.nextSequence - 1
}

func (d *dispatcher) trackedRooms() map[string]int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	rooms := make(map[string]int64, len(d.rooms))
	for roomID, cursor := range d.rooms {
		rooms[roomID] = cursor.nextSequence - 1
	}
	return rooms
}

// deliverMessage applies one incoming message frame. Duplicates and already
// applied sequences are no-ops; a sequence past the expected one is buffered
// while the gap backfills.
func (d *dispatcher) deliverMessage(msg Message) {
	d.mu.Lock()

	if d.alreadySeen(msg.ID) {
		d.mu.Unlock()
		return
	}

	cursor, ok := d.rooms[msg.RoomID]
	if !ok {
		// Untracked room, nothing subscribed to order against.
		d.mu.Unlock()
		return
	}

	if msg.Sequence < cursor.nextSequence {
		d.mu.Unlock()
		return
	}

	var apply []Message
	if msg.Sequence == cursor.nextSequence {
		d.markSeen(msg.ID)
		apply = append(apply, msg)
		cursor.nextSequence++
		// Flush any buffered run that became contiguous.
		for {
			buffered, ok := cursor.buffered[cursor.nextSequence]
			if !ok {
				break
			}
			delete(cursor.buffered, cursor.nextSequence)
			d.markSeen(buffered.ID)
			apply = append(apply, buffered)
			cursor.nextSequence++
		}
		// A backfill replays buffered sequences too; drop the copies so the
		// room does not stay latched awaiting an already-closed gap.
		for sequence := range cursor.buffered {
			if sequence < cursor.nextSequence {
				delete(cursor.buffered, sequence)
			}
		}
		if len(cursor.buffered) == 0 {
			cursor.awaitingBackfill = false
		}
	} else {
		cursor.buffered[msg.Sequence] = msg
		if !cursor.awaitingBackfill {
			cursor.awaitingBackfill = true
			if d.requestBackfill != nil {
				d.requestBackfill(msg.RoomID, cursor.nextSequence-1)
			}
		}
	}

	handler := d.handlers[msg.RoomID]
	d.mu.Unlock()

	if handler == nil {
		return
	}
	for _, m := range apply {
		handler(m)
	}
}

func (d *dispatcher) deliverNotification(notification Notification) {
	d.mu.Lock()
	if d.alreadySeen(notification.ID) {
		d.mu.Unlock()
		return
	}
	d.markSeen(notification.ID)
	handler := d.notificationHandler
	d.mu.Unlock()

	if handler != nil {
		handler(notification)
	}
}

func (d *dispatcher) alreadySeen(id string) bool {
	_, ok := d.seen[id]
	return ok
}

func (d *dispatcher) markSeen(id string) {
	d.seen[id] = struct{}{}
	d.seenOrder = append(d.seenOrder, id)
	if len(d.seenOrder) > d.maxSeen {
		evict := d.seenOrder[0]
		d.seenOrder = d.seenOrder[1:]
		delete(d.seen, evict)
	}
}
