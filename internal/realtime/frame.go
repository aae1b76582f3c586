package realtime

import (
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Push event kinds.
const (
	EventNewMessage = "new_message"
	EventReaction   = "reaction"
	EventDeletion   = "deletion"
)

// Bus event kinds published by the client.
const (
	KindConnected    = "realtime.connected"
	KindDisconnected = "realtime.disconnected"
)

const roomPrefix = "chat_"

// Event is one inbound data frame.
type Event struct {
	Kind    string
	Room    string
	ChatID  int64
	Payload json.RawMessage
}

// ReactionPayload is the payload of a reaction event.
type ReactionPayload struct {
	MessageID int64              `json:"message_id"`
	Reactions map[string][]int64 `json:"reactions"`
}

// DeletionPayload is the payload of a deletion event.
type DeletionPayload struct {
	MessageID int64 `json:"message_id"`
}

// frame is the wire envelope for both directions. Control frames carry
// Action, data frames carry Event.
type frame struct {
	Action  string          `json:"action,omitempty"`
	Event   string          `json:"event,omitempty"`
	Room    string          `json:"room,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// RoomFor returns the room identifier of a chat.
func RoomFor(chatID int64) string {
	return roomPrefix + strconv.FormatInt(chatID, 10)
}

// ChatIDFromRoom parses a room identifier back to a chat id.
func ChatIDFromRoom(room string) (int64, bool) {
	s, ok := strings.CutPrefix(room, roomPrefix)
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
