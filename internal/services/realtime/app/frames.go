package server

import (
	"encoding/json"
	"errors"
	"log"
	"time"

	platformerrors "github.com/guildpoint/guildpoint/internal/platform/errors"
	"github.com/guildpoint/guildpoint/internal/services/realtime/domain"
)

// Frame types carried over the socket. Request types (join, leave, send,
// backfill, read, heartbeat) correlate to an ack or error by request id;
// message and notification frames are unsolicited server pushes.
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

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

type joinPayload struct {
	RoomID string `json:"room_id,omitempty"`
	Kind   string `json:"kind,omitempty"`
	Key    string `json:"key,omitempty"`
}

type leavePayload struct {
	RoomID string `json:"room_id"`
}

type sendPayload struct {
	RoomID          string            `json:"room_id"`
	ClientMessageID string            `json:"client_message_id"`
	Content         string            `json:"content"`
	Kind            string            `json:"kind,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

type backfillPayload struct {
	RoomID        string `json:"room_id"`
	AfterSequence int64  `json:"after_sequence"`
	Limit         int    `json:"limit,omitempty"`
}

type readPayload struct {
	NotificationID string `json:"notification_id"`
}

type heartbeatPayload struct {
	SentAt     string `json:"sent_at,omitempty"`
	ServerTime string `json:"server_time,omitempty"`
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

type messageEnvelope struct {
	Message wireMessage `json:"message"`
}

type wireMessage struct {
	ID        string            `json:"id"`
	RoomID    string            `json:"room_id"`
	Sequence  int64             `json:"sequence"`
	SenderID  string            `json:"sender_id"`
	Content   string            `json:"content"`
	Kind      string            `json:"kind"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt string            `json:"created_at"`
}

type notificationEnvelope struct {
	Notification wireNotification `json:"notification"`
}

type wireNotification struct {
	ID        string            `json:"id"`
	Topic     string            `json:"topic"`
	Title     string            `json:"title,omitempty"`
	Body      string            `json:"body,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Read      bool              `json:"read"`
	CreatedAt string            `json:"created_at"`
}

func toWireMessage(message domain.Message) wireMessage {
	return wireMessage{
		ID:        message.ID,
		RoomID:    message.RoomID,
		Sequence:  message.Sequence,
		SenderID:  message.SenderID,
		Content:   message.Content,
		Kind:      string(message.Kind),
		Metadata:  message.Metadata,
		CreatedAt: message.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func toWireNotification(notification domain.Notification) wireNotification {
	return wireNotification{
		ID:        notification.ID,
		Topic:     notification.Topic,
		Title:     notification.Title,
		Body:      notification.Body,
		Metadata:  notification.Metadata,
		Read:      notification.Read(),
		CreatedAt: notification.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func messageFrame(message domain.Message) wsFrame {
	return wsFrame{
		Type:    frameTypeMessage,
		Payload: mustJSON(messageEnvelope{Message: toWireMessage(message)}),
	}
}

func notificationFrame(notification domain.Notification) wsFrame {
	return wsFrame{
		Type:    frameTypeNotification,
		Payload: mustJSON(notificationEnvelope{Notification: toWireNotification(notification)}),
	}
}

func ackFrame(requestID string, result ackResult) wsFrame {
	if result.Status == "" {
		result.Status = "ok"
	}
	return wsFrame{
		Type:      frameTypeAck,
		RequestID: requestID,
		Payload:   mustJSON(ackEnvelope{Result: result}),
	}
}

func errorFrame(requestID string, code platformerrors.Code, message string) wsFrame {
	return wsFrame{
		Type:      frameTypeError,
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      string(code),
				Message:   message,
				Retryable: code.Retryable(),
			},
		}),
	}
}

// writeError reports a request failure to one peer, mapping domain errors to
// wire codes.
func writeError(peer *wsPeer, requestID string, err error) error {
	code := platformerrors.CodeInternal
	message := "internal error"
	var domainErr *platformerrors.Error
	if errors.As(err, &domainErr) {
		code = domainErr.Code
		message = domainErr.Message
	}
	return peer.writeFrame(errorFrame(requestID, code, message))
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
