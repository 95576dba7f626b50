package gateway

import (
	"errors"
	"strings"

	"github.com/mx-space/authgate/internal/pkg/jwt"
)

// Event is a server-initiated realtime event. The set is closed.
type Event string

const (
	EventNotificationNew     Event = "notification:new"
	EventCountUpdated        Event = "notification:count_updated"
	EventBroadcast           Event = "notification:broadcast"
	EventSubscribed          Event = "notification:subscribed"
	EventUnsubscribed        Event = "notification:unsubscribed"
	EventConnectionConfirmed Event = "connection:confirmed"
	EventConnectionError     Event = "connection:error"
)

func (e Event) Valid() bool {
	switch e {
	case EventNotificationNew, EventCountUpdated, EventBroadcast, EventSubscribed,
		EventUnsubscribed, EventConnectionConfirmed, EventConnectionError:
		return true
	}
	return false
}

// Client-initiated events.
const (
	clientEventSubscribe   = "subscribe"
	clientEventUnsubscribe = "unsubscribe"
)

const (
	userRoomPrefix = "user:"
	// broadcastRoom holds every authenticated connection.
	broadcastRoom = "gateway:authenticated"
)

var (
	ErrNotAuthenticated = errors.New("connection is not authenticated")
	ErrInvalidRoom      = errors.New("invalid room name")
	ErrPrivateRoom      = errors.New("user rooms cannot be joined explicitly")
	ErrUnknownEvent     = errors.New("unknown event")
)

// UserRoom is the private room every connection of subjectID joins.
func UserRoom(subjectID string) string {
	return userRoomPrefix + subjectID
}

func validateRoom(room string) (string, error) {
	room = strings.TrimSpace(room)
	if room == "" || len(room) > 128 {
		return "", ErrInvalidRoom
	}
	if strings.HasPrefix(room, userRoomPrefix) || room == broadcastRoom {
		return "", ErrPrivateRoom
	}
	return room, nil
}

// Conn is one realtime connection as the hub sees it.
type Conn interface {
	ID() string
	Emit(event string, payload any) error
	Join(room string)
	Leave(room string)
	Disconnect()
}

// Emitter delivers to every local connection in a room.
type Emitter interface {
	EmitToRoom(room, event string, payload any)
}

// TokenVerifier is the part of the token codec the handshake needs.
type TokenVerifier interface {
	Verify(token string) (*jwt.AccessClaims, error)
}

type connState int

const (
	stateConnecting connState = iota
	stateAuthenticated
	stateRejected
	stateDisconnected
)

func (s connState) String() string {
	switch s {
	case stateConnecting:
		return "CONNECTING"
	case stateAuthenticated:
		return "AUTHENTICATED"
	case stateRejected:
		return "REJECTED"
	default:
		return "DISCONNECTED"
	}
}

// Stats is a point-in-time view of this instance's gateway.
type Stats struct {
	InstanceID    string `json:"instanceId"`
	Connections   int    `json:"connections"`
	OnlineUsers   int    `json:"onlineUsers"`
	Handshaking   int    `json:"handshaking"`
	ClusterFanout bool   `json:"clusterFanout"`
}
