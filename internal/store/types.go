package store

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

var (
	// ErrNotFound is returned when a chat or message row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPinLimit is returned when pinning would exceed MaxPinned chats.
	ErrPinLimit = fmt.Errorf("at most %d chats can be pinned", MaxPinned)
	// ErrInvalidSetting is returned for unknown local settings or bad values.
	ErrInvalidSetting = errors.New("invalid chat setting")
)

// MaxPinned is the number of chats that may be pinned at once.
const MaxPinned = 4

// MuteAlways is the mute_until sentinel for an indefinite mute.
const MuteAlways = "always"

// ChatType distinguishes group conversations from one-to-one chats.
type ChatType string

const (
	ChatGroup   ChatType = "group"
	ChatPrivate ChatType = "private"
)

// Chat is one conversation row. Fields below IsPinned are device-local and
// never written by sync.
type Chat struct {
	ID              int64
	Name            string
	Type            ChatType
	IconURL         string
	Role            string
	LastMessage     string
	LastMessageType string
	LastMessageTime int64 // unix ms
	UnreadCount     int
	ReadThrough     int64 // last_message_time observed at the last local read

	IsPinned           bool
	PinnedAt           int64
	MuteUntil          string // "", RFC3339 timestamp or MuteAlways
	NotificationTone   string
	VibrationEnabled   bool
	VibrationIntensity int
}

// IsMuted reports whether notifications for the chat are muted at now.
func (c *Chat) IsMuted(now time.Time) bool {
	switch c.MuteUntil {
	case "":
		return false
	case MuteAlways:
		return true
	}
	until, err := time.Parse(time.RFC3339, c.MuteUntil)
	if err != nil {
		return false
	}
	return now.Before(until)
}

// Status is the local viewer's delivery state of a message. It only moves forward.
type Status int

const (
	StatusSent Status = iota + 1
	StatusDelivered
	StatusRead
)

func (s Status) String() string {
	switch s {
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	default:
		return "sent"
	}
}

// ParseStatus maps a wire status to a Status. Unknown values are treated as sent.
func ParseStatus(s string) Status {
	switch s {
	case "delivered":
		return StatusDelivered
	case "read":
		return StatusRead
	default:
		return StatusSent
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	*s = ParseStatus(string(b))
	return nil
}

// Message types known to the preview builder. Other media types pass through.
const (
	TypeText  = "text"
	TypeImage = "image"
	TypeVideo = "video"
)

// Reactions maps a reaction symbol to the set of user ids that reacted with it.
type Reactions map[string][]int64

// Toggle returns a copy of r with userID added to or removed from symbol.
func (r Reactions) Toggle(symbol string, userID int64) Reactions {
	out := make(Reactions, len(r)+1)
	for k, v := range r {
		out[k] = slices.Clone(v)
	}
	users := out[symbol]
	if i := slices.Index(users, userID); i >= 0 {
		users = slices.Delete(users, i, i+1)
	} else {
		users = append(users, userID)
	}
	if len(users) == 0 {
		delete(out, symbol)
	} else {
		out[symbol] = users
	}
	return out.normalize()
}

// normalize sorts and de-duplicates every user set and drops empty symbols.
func (r Reactions) normalize() Reactions {
	out := make(Reactions, len(r))
	for k, v := range r {
		users := slices.Clone(v)
		slices.Sort(users)
		users = slices.Compact(users)
		if len(users) > 0 {
			out[k] = users
		}
	}
	return out
}

// Message is one chat message row.
type Message struct {
	ID             int64
	GroupID        int64
	SenderID       int64
	SenderName     string
	SenderAvatar   string
	Type           string
	Content        string
	Metadata       map[string]any
	ReplyToID      int64
	ReplyToContent string
	ReplyToType    string
	ReplyToSender  string
	IsForwarded    bool
	IsDeleted      bool
	Reactions      Reactions
	CreatedAt      int64 // unix ms, ordering key
	Status         Status
}

// Setting names a purely local per-chat field.
type Setting string

const (
	SettingNotificationTone   Setting = "notification_tone"
	SettingVibrationEnabled   Setting = "vibration_enabled"
	SettingVibrationIntensity Setting = "vibration_intensity"
	SettingMuteUntil          Setting = "mute_until"
	SettingPinned             Setting = "is_pinned"
)

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
