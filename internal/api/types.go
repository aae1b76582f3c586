package api

import (
	"time"

	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/viewmodel"
)

// Chat is a chat list row as sent to UI clients.
type Chat struct {
	ID                 int64  `json:"id"`
	Name               string `json:"name"`
	Type               string `json:"type"`
	IconURL            string `json:"icon_url,omitempty"`
	Role               string `json:"role,omitempty"`
	LastMessage        string `json:"last_message"`
	LastMessageType    string `json:"last_message_type"`
	LastMessageTime    int64  `json:"last_message_time"`
	UnreadCount        int    `json:"unread_count"`
	Pinned             bool   `json:"pinned"`
	Muted              bool   `json:"muted"`
	MuteUntil          string `json:"mute_until,omitempty"`
	NotificationTone   string `json:"notification_tone,omitempty"`
	VibrationEnabled   bool   `json:"vibration_enabled"`
	VibrationIntensity int    `json:"vibration_intensity"`
}

// Reply is the quoted message of a reply.
type Reply struct {
	ID      int64  `json:"id"`
	Content string `json:"content"`
	Type    string `json:"type"`
	Sender  string `json:"sender"`
}

// Message is a message as sent to UI clients.
type Message struct {
	ID           int64              `json:"id"`
	ChatID       int64              `json:"chat_id"`
	SenderID     int64              `json:"sender_id"`
	SenderName   string             `json:"sender_name,omitempty"`
	SenderAvatar string             `json:"sender_avatar,omitempty"`
	Type         string             `json:"type"`
	Content      string             `json:"content"`
	Metadata     map[string]any     `json:"metadata,omitempty"`
	ReplyTo      *Reply             `json:"reply_to,omitempty"`
	IsForwarded  bool               `json:"is_forwarded"`
	IsDeleted    bool               `json:"is_deleted"`
	Reactions    map[string][]int64 `json:"reactions,omitempty"`
	CreatedAt    int64              `json:"created_at"`
	Status       string             `json:"status"`
}

// Empty is the request or response of calls without arguments or results.
type Empty struct{}

// ChatRequest names one chat.
type ChatRequest struct {
	ChatID int64 `json:"chat_id"`
}

// ListChatsResponse is the ordered chat list.
type ListChatsResponse struct {
	Chats    []Chat `json:"chats"`
	Revision uint64 `json:"revision"`
}

// SyncNowResponse reports a completed chat list sync.
type SyncNowResponse struct {
	Chats int `json:"chats"`
}

// SetChatSettingRequest changes one device-local chat setting. Value is a
// bool, string or number depending on Field.
type SetChatSettingRequest struct {
	ChatID int64  `json:"chat_id"`
	Field  string `json:"field"`
	Value  any    `json:"value"`
}

// PinChatRequest pins or unpins a chat.
type PinChatRequest struct {
	ChatID int64 `json:"chat_id"`
	Pinned bool  `json:"pinned"`
}

// MuteChatRequest mutes a chat. Until is "" to unmute, "always", an RFC3339
// timestamp or a duration such as "8h".
type MuteChatRequest struct {
	ChatID int64  `json:"chat_id"`
	Until  string `json:"until"`
}

// MarkChatReadResponse reports how many messages became read.
type MarkChatReadResponse struct {
	Changed int64 `json:"changed"`
}

// StatusResponse describes the daemon.
type StatusResponse struct {
	Session       string `json:"session"`
	State         string `json:"state"`
	StateSinceMs  int64  `json:"state_since_ms"`
	UptimeMs      int64  `json:"uptime_ms"`
	ViewerID      int64  `json:"viewer_id"`
	ChatCount     int64  `json:"chat_count"`
	MessageCount  int64  `json:"message_count"`
	Realtime      bool   `json:"realtime"`
	OpenChatID    int64  `json:"open_chat_id,omitempty"`
	Revision      uint64 `json:"revision"`
	ChatsSyncedAt int64  `json:"chats_synced_at,omitempty"`
}

// WatchChangesRequest selects the bus namespace to stream. Empty means all.
type WatchChangesRequest struct {
	Namespace string `json:"namespace"`
}

// ChangeEvent is one streamed bus event.
type ChangeEvent struct {
	EventID          string `json:"event_id"`
	Session          string `json:"session"`
	Kind             string `json:"kind"`
	ChatID           int64  `json:"chat_id,omitempty"`
	Revision         uint64 `json:"revision,omitempty"`
	OccurredAtUnixMs int64  `json:"occurred_at_unix_ms"`
	Detail           string `json:"detail,omitempty"`
}

// AddMembersRequest adds users to a group.
type AddMembersRequest struct {
	ChatID  int64   `json:"chat_id"`
	UserIDs []int64 `json:"user_ids"`
}

// UpdateGroupRequest edits group metadata.
type UpdateGroupRequest struct {
	ChatID  int64  `json:"chat_id"`
	Name    string `json:"name,omitempty"`
	IconURL string `json:"icon_url,omitempty"`
}

// UpdateRoleRequest changes a member's role.
type UpdateRoleRequest struct {
	ChatID int64  `json:"chat_id"`
	UserID int64  `json:"user_id"`
	Role   string `json:"role"`
}

// WindowResponse is the message window of the open chat, newest first.
// Divider is -1 when there is no unread divider.
type WindowResponse struct {
	ChatID   int64     `json:"chat_id"`
	Messages []Message `json:"messages"`
	Divider  int       `json:"divider"`
	HasMore  bool      `json:"has_more"`
	Revision uint64    `json:"revision"`
	Notice   string    `json:"notice,omitempty"`
}

// SendMessageRequest is a composed message.
type SendMessageRequest struct {
	ChatID    int64          `json:"chat_id"`
	Content   string         `json:"content"`
	Type      string         `json:"type,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	ReplyToID int64          `json:"reply_to_id,omitempty"`
}

// SendMessageResponse carries the stored message.
type SendMessageResponse struct {
	Message Message `json:"message"`
}

// ReactRequest toggles a reaction.
type ReactRequest struct {
	MessageID int64  `json:"message_id"`
	Reaction  string `json:"reaction"`
}

// DeleteMessageRequest deletes a message for self or for everyone.
type DeleteMessageRequest struct {
	MessageID int64  `json:"message_id"`
	Scope     string `json:"scope"`
}

// SearchMessagesRequest runs a local full-text search. A zero ChatID
// searches every chat.
type SearchMessagesRequest struct {
	Query  string `json:"query"`
	ChatID int64  `json:"chat_id,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// SearchResult is one search hit.
type SearchResult struct {
	Message Message `json:"message"`
	Snippet string  `json:"snippet"`
}

// SearchMessagesResponse holds search hits, newest first.
type SearchMessagesResponse struct {
	Results []SearchResult `json:"results"`
}

func chatToWire(c *store.Chat, now time.Time) Chat {
	return Chat{
		ID:                 c.ID,
		Name:               c.Name,
		Type:               string(c.Type),
		IconURL:            c.IconURL,
		Role:               c.Role,
		LastMessage:        c.LastMessage,
		LastMessageType:    c.LastMessageType,
		LastMessageTime:    c.LastMessageTime,
		UnreadCount:        c.UnreadCount,
		Pinned:             c.IsPinned,
		Muted:              c.IsMuted(now),
		MuteUntil:          c.MuteUntil,
		NotificationTone:   c.NotificationTone,
		VibrationEnabled:   c.VibrationEnabled,
		VibrationIntensity: c.VibrationIntensity,
	}
}

func rowsToWire(rows []viewmodel.ChatRow) []Chat {
	out := make([]Chat, len(rows))
	for i := range rows {
		out[i] = chatToWire(&rows[i].Chat, time.Time{})
		out[i].Muted = rows[i].Muted
	}
	return out
}

func messageToWire(m *store.Message) Message {
	out := Message{
		ID:           m.ID,
		ChatID:       m.GroupID,
		SenderID:     m.SenderID,
		SenderName:   m.SenderName,
		SenderAvatar: m.SenderAvatar,
		Type:         m.Type,
		Content:      m.Content,
		Metadata:     m.Metadata,
		IsForwarded:  m.IsForwarded,
		IsDeleted:    m.IsDeleted,
		Reactions:    m.Reactions,
		CreatedAt:    m.CreatedAt,
		Status:       m.Status.String(),
	}
	if m.ReplyToID != 0 {
		out.ReplyTo = &Reply{ID: m.ReplyToID, Content: m.ReplyToContent, Type: m.ReplyToType, Sender: m.ReplyToSender}
	}
	return out
}

func messagesToWire(msgs []store.Message) []Message {
	out := make([]Message, len(msgs))
	for i := range msgs {
		out[i] = messageToWire(&msgs[i])
	}
	return out
}

func windowToWire(w viewmodel.Window, notice string) *WindowResponse {
	return &WindowResponse{
		ChatID:   w.ChatID,
		Messages: messagesToWire(w.Messages),
		Divider:  w.Divider,
		HasMore:  w.HasMore,
		Revision: w.Revision,
		Notice:   notice,
	}
}
