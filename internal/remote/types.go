package remote

import (
	"time"

	"github.com/matheus3301/chatsync/internal/store"
)

// ChatDTO is a chat entry of the GET chats response.
type ChatDTO struct {
	ID              int64      `json:"id"`
	Name            string     `json:"name"`
	Type            string     `json:"type"`
	IconURL         string     `json:"icon_url"`
	Role            string     `json:"role,omitempty"`
	LastMessage     string     `json:"last_message"`
	LastMessageType string     `json:"last_message_type"`
	LastMessageTime *time.Time `json:"last_message_time"`
	UnreadCount     int        `json:"unread_count"`
}

// ToStore converts the wire chat into a store row carrying only server-owned fields.
func (c ChatDTO) ToStore() store.Chat {
	typ := store.ChatType(c.Type)
	if typ != store.ChatPrivate {
		typ = store.ChatGroup
	}
	var last int64
	if c.LastMessageTime != nil {
		last = millis(*c.LastMessageTime)
	}
	return store.Chat{
		ID:              c.ID,
		Name:            c.Name,
		Type:            typ,
		IconURL:         c.IconURL,
		Role:            c.Role,
		LastMessage:     c.LastMessage,
		LastMessageType: c.LastMessageType,
		LastMessageTime: last,
		UnreadCount:     max(c.UnreadCount, 0),
	}
}

// MessageDTO is the server representation of a message.
type MessageDTO struct {
	ID             int64              `json:"id"`
	GroupID        int64              `json:"group_id"`
	SenderID       int64              `json:"sender_id"`
	SenderName     string             `json:"sender_name"`
	SenderAvatar   string             `json:"sender_avatar"`
	Type           string             `json:"type"`
	Content        string             `json:"content"`
	Metadata       map[string]any     `json:"metadata"`
	ReplyToID      int64              `json:"reply_to_id,omitempty"`
	ReplyToContent string             `json:"reply_to_content,omitempty"`
	ReplyToType    string             `json:"reply_to_type,omitempty"`
	ReplyToSender  string             `json:"reply_to_sender,omitempty"`
	IsForwarded    bool               `json:"is_forwarded"`
	IsDeleted      bool               `json:"is_deleted"`
	Reactions      map[string][]int64 `json:"reactions"`
	CreatedAt      time.Time          `json:"created_at"`
	Status         string             `json:"status"`
}

// ToStore converts the wire message into a store row.
func (m MessageDTO) ToStore() store.Message {
	typ := m.Type
	if typ == "" {
		typ = store.TypeText
	}
	return store.Message{
		ID:             m.ID,
		GroupID:        m.GroupID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		SenderAvatar:   m.SenderAvatar,
		Type:           typ,
		Content:        m.Content,
		Metadata:       m.Metadata,
		ReplyToID:      m.ReplyToID,
		ReplyToContent: m.ReplyToContent,
		ReplyToType:    m.ReplyToType,
		ReplyToSender:  m.ReplyToSender,
		IsForwarded:    m.IsForwarded,
		IsDeleted:      m.IsDeleted,
		Reactions:      store.Reactions(m.Reactions),
		CreatedAt:      millis(m.CreatedAt),
		Status:         store.ParseStatus(m.Status),
	}
}

// SendBody is the POST chats/{id}/messages request body.
type SendBody struct {
	Content   string         `json:"content"`
	Type      string         `json:"type,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	ReplyToID int64          `json:"reply_to_id,omitempty"`
}

// ReactionAck is the server answer to a reaction toggle. Reactions is nil
// when the server only acknowledged the request.
type ReactionAck struct {
	MessageID int64              `json:"message_id"`
	Reactions map[string][]int64 `json:"reactions"`
}

// GroupUpdate carries the editable group metadata. Empty fields are left unchanged.
type GroupUpdate struct {
	Name    string `json:"name,omitempty"`
	IconURL string `json:"icon_url,omitempty"`
}

type reactionBody struct {
	Reaction string `json:"reaction"`
}

type membersBody struct {
	UserIDs []int64 `json:"user_ids"`
}

type roleBody struct {
	Role string `json:"role"`
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
