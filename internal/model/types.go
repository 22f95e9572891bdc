package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Inbound events.
const (
	EventContactUpdated  = "contact.updated"
	EventMessageReceived = "message.received"
	EventSyncCompleted   = "sync.completed"
)

// Outbound events.
const (
	EventEntityAck   = "entity.ack"
	EventSyncRequest = "sync.request"
)

// Kind is the entity type.
type Kind string

const (
	KindContact Kind = "contact"
	KindMessage Kind = "message"
)

// KindForEvent maps an inbound update event to its entity kind.
func KindForEvent(event string) (Kind, bool) {
	switch event {
	case EventContactUpdated:
		return KindContact, true
	case EventMessageReceived:
		return KindMessage, true
	}
	return "", false
}

// Errors
var (
	ErrMissingID    = errors.New("entity id is required")
	ErrUnknownEvent = errors.New("unknown entity event")
)

// EntityUpdate is one inbound update for a contact or message.
type EntityUpdate struct {
	Kind       Kind
	ID         string
	Platform   string
	UpdatedAt  time.Time       // Server ordering timestamp, zero if absent
	ReceivedAt time.Time       // Local receive time
	Data       json.RawMessage // Full event payload
}

// Key identifies the entity across kinds.
func (u EntityUpdate) Key() string {
	return string(u.Kind) + ":" + u.ID
}

// entityEnvelope holds the fields every update carries.
type entityEnvelope struct {
	ID        string    `json:"id"`
	Platform  string    `json:"platform,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ParseEntityUpdate decodes an inbound update event.
func ParseEntityUpdate(event string, data json.RawMessage, receivedAt time.Time) (EntityUpdate, error) {
	kind, ok := KindForEvent(event)
	if !ok {
		return EntityUpdate{}, fmt.Errorf("%w: %s", ErrUnknownEvent, event)
	}

	var env entityEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return EntityUpdate{}, fmt.Errorf("decode %s: %w", event, err)
	}
	if env.ID == "" {
		return EntityUpdate{}, fmt.Errorf("decode %s: %w", event, ErrMissingID)
	}

	return EntityUpdate{
		Kind:       kind,
		ID:         env.ID,
		Platform:   env.Platform,
		UpdatedAt:  env.UpdatedAt,
		ReceivedAt: receivedAt,
		Data:       data,
	}, nil
}

// Contact is the payload of contact.updated.
type Contact struct {
	ID          string    `json:"id"`
	Platform    string    `json:"platform,omitempty"`
	DisplayName string    `json:"display_name"`
	Handle      string    `json:"handle,omitempty"`
	AvatarURL   string    `json:"avatar_url,omitempty"`
	Presence    string    `json:"presence,omitempty"` // "online", "away", "offline"
	UpdatedAt   time.Time `json:"updated_at"`
}

// Message is the payload of message.received.
type Message struct {
	ID        string    `json:"id"`
	Platform  string    `json:"platform,omitempty"`
	ChatID    string    `json:"chat_id"`
	SenderID  string    `json:"sender_id"`
	Body      string    `json:"body"`
	SentAt    time.Time `json:"sent_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Ack acknowledges one update.
type Ack struct {
	Kind      Kind      `json:"kind"`
	ID        string    `json:"id"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

// AckFor builds the acknowledgment of u.
func AckFor(u EntityUpdate) Ack {
	return Ack{Kind: u.Kind, ID: u.ID, UpdatedAt: u.UpdatedAt}
}

// SyncRequest asks the server to replay updates after Cursor.
type SyncRequest struct {
	Cursor string `json:"cursor,omitempty"`
}

// SyncCompleted reports the end of a replay.
type SyncCompleted struct {
	Cursor string `json:"cursor"`
	Count  int    `json:"count"`
}
