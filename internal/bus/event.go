package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	ID        string
	Kind      string
	ChatID    int64
	Revision  uint64
	Timestamp time.Time
	Payload   any
}

// Store change kinds. Every completed local write publishes one of these.
const (
	KindChatsChanged    = "store.chats_changed"
	KindMessagesChanged = "store.messages_changed"
	KindChatRemoved     = "store.chat_removed"
)

// StoreNamespace matches every store change kind.
const StoreNamespace = "store."
