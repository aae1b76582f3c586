package viewmodel

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
)

// Views holds the chat list and the single open thread.
type Views struct {
	Chats *ChatList

	db        *store.DB
	pager     Pager
	bus       *bus.Bus
	logger    *zap.Logger
	readDelay time.Duration

	mu     sync.Mutex
	thread *Thread
}

// NewViews creates the read models. syncer is usually the same reconciler as pager.
func NewViews(db *store.DB, syncer Syncer, pager Pager, b *bus.Bus, logger *zap.Logger, readDelay time.Duration) *Views {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Views{
		Chats:     NewChatList(db, syncer, b, logger),
		db:        db,
		pager:     pager,
		bus:       b,
		logger:    logger,
		readDelay: readDelay,
	}
}

// Open opens chatID as the only thread, closing the previous one.
func (v *Views) Open(ctx context.Context, chatID int64) *Thread {
	v.mu.Lock()
	prev := v.thread
	v.thread = nil
	v.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	t := OpenThread(ctx, chatID, v.db, v.pager, v.bus, v.logger, v.readDelay)
	v.mu.Lock()
	v.thread = t
	v.mu.Unlock()
	return t
}

// Thread returns the open thread if it shows chatID.
func (v *Views) Thread(chatID int64) (*Thread, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.thread == nil || v.thread.ChatID() != chatID {
		return nil, false
	}
	return v.thread, true
}

// Close closes the thread of chatID if it is open.
func (v *Views) Close(chatID int64) {
	v.mu.Lock()
	t := v.thread
	if t == nil || t.ChatID() != chatID {
		v.mu.Unlock()
		return
	}
	v.thread = nil
	v.mu.Unlock()
	t.Close()
}

// CloseAll closes the open thread, if any.
func (v *Views) CloseAll() {
	v.mu.Lock()
	t := v.thread
	v.thread = nil
	v.mu.Unlock()
	if t != nil {
		t.Close()
	}
}
