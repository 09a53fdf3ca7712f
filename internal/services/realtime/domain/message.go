package domain

import "time"

// MessageKind discriminates user text from server-generated system lines.
type MessageKind string

const (
	// MessageKindText is a user-authored message.
	MessageKindText MessageKind = "text"
	// MessageKindSystem is a server-generated message.
	MessageKindSystem MessageKind = "system"
)

// Valid reports whether the kind is a known message kind.
func (k MessageKind) Valid() bool {
	return k == MessageKindText || k == MessageKindSystem
}

// Message is one immutable entry in a room's append-only log.
//
// Sequence is unique and contiguous within RoomID, assigned in persistence
// commit order. ClientMessageID is the sender's idempotency key: a retried
// send with the same key resolves to the originally persisted message.
type Message struct {
	ID              string
	RoomID          string
	Sequence        int64
	SenderID        string
	Content         string
	Kind            MessageKind
	Metadata        map[string]string
	ClientMessageID string
	CreatedAt       time.Time
}
