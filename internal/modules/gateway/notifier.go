package gateway

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Notification is the payload of notification:new.
type Notification struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Title     string         `json:"title"`
	Body      string         `json:"body,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Notifier is the typed entry point for domain notifications. Each method maps
// to exactly one server event.
type Notifier struct {
	hub *Hub
	now func() time.Time
}

func NewNotifier(hub *Hub) *Notifier {
	return &Notifier{hub: hub, now: time.Now}
}

// NotifyNew delivers n to every live connection of subjectID, filling in the
// id and timestamp when missing.
func (n *Notifier) NotifyNew(subjectID string, note Notification) Notification {
	if note.ID == "" {
		note.ID = uuid.NewString()
	}
	if note.CreatedAt.IsZero() {
		note.CreatedAt = n.now().UTC()
	}
	if strings.TrimSpace(note.Type) == "" {
		note.Type = "system"
	}
	_ = n.hub.SendToUser(subjectID, EventNotificationNew, note.wire())
	return note
}

// NotifyCountUpdated tells the subject's clients their unread count changed.
func (n *Notifier) NotifyCountUpdated(subjectID string, unread int) {
	if unread < 0 {
		unread = 0
	}
	_ = n.hub.SendToUser(subjectID, EventCountUpdated, map[string]any{"count": unread})
}

// NotifyBroadcast sends payload to everyone, or to one subscribed room when
// room is set.
func (n *Notifier) NotifyBroadcast(room string, payload map[string]any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	if strings.TrimSpace(room) == "" {
		return n.hub.Broadcast(EventBroadcast, payload)
	}
	return n.hub.SendToRoom(room, EventBroadcast, payload)
}

func (note Notification) wire() map[string]any {
	out := map[string]any{
		"id":        note.ID,
		"type":      note.Type,
		"title":     note.Title,
		"createdAt": note.CreatedAt.Format(time.RFC3339Nano),
	}
	if note.Body != "" {
		out["body"] = note.Body
	}
	if len(note.Data) > 0 {
		out["data"] = note.Data
	}
	return out
}
