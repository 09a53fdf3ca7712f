package domain

import "time"

// Notification is one user-targeted inbox item. After creation only the
// read/unread state changes; items are never reordered.
type Notification struct {
	ID              string
	RecipientUserID string
	Topic           string
	Title           string
	Body            string
	Metadata        map[string]string
	DedupeKey       string
	CreatedAt       time.Time
	ReadAt          *time.Time
}

// Read reports whether the notification has been acknowledged.
func (n Notification) Read() bool {
	return n.ReadAt != nil
}
