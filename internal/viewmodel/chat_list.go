// Package viewmodel derives what a UI renders from the local store. View
// models never hold their own state beyond the last query result and
// re-query whenever the store changes.
package viewmodel

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
)

// Syncer triggers a chat list sync.
type Syncer interface {
	SyncChats(ctx context.Context) error
}

// ChatRow is one chat list entry.
type ChatRow struct {
	store.Chat
	Muted bool
}

// ChatList is the ordered chat list read model.
type ChatList struct {
	db     *store.DB
	syncer Syncer
	bus    *bus.Bus
	logger *zap.Logger
	now    func() time.Time

	mu    sync.RWMutex
	chats []store.Chat
	rev   uint64

	refreshCh chan struct{}
	Flash     Flash
}

// NewChatList creates the chat list read model.
func NewChatList(db *store.DB, syncer Syncer, b *bus.Bus, logger *zap.Logger) *ChatList {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ChatList{
		db:        db,
		syncer:    syncer,
		bus:       b,
		logger:    logger.Named("chat_list"),
		now:       time.Now,
		refreshCh: make(chan struct{}, 1),
	}
}

// Start loads the list and keeps it current until ctx is done.
func (l *ChatList) Start(ctx context.Context) {
	ch, unsub := l.bus.Subscribe(bus.StoreNamespace, 64)
	if err := l.Reload(ctx); err != nil {
		l.logger.Error("initial chat list load failed", zap.Error(err))
	}

	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if evt.Revision <= l.Revision() {
					continue
				}
				if err := l.Reload(ctx); err != nil && ctx.Err() == nil {
					l.logger.Error("chat list reload failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Reload re-queries the store.
func (l *ChatList) Reload(ctx context.Context) error {
	rev := l.bus.Revision()
	chats, err := l.db.QueryChatsOrdered(ctx)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.chats = chats
	l.rev = rev
	l.mu.Unlock()
	l.signalRefresh()
	return nil
}

// Revision returns the bus revision the current rows reflect.
func (l *ChatList) Revision() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rev
}

// Snapshot returns the current rows with mute state evaluated now.
func (l *ChatList) Snapshot() []ChatRow {
	l.mu.RLock()
	defer l.mu.RUnlock()
	now := l.now()
	rows := make([]ChatRow, len(l.chats))
	for i, c := range l.chats {
		rows[i] = ChatRow{Chat: c, Muted: c.IsMuted(now)}
	}
	return rows
}

// Refresh asks for a sync. The cached rows stay available whatever the outcome.
func (l *ChatList) Refresh(ctx context.Context) error {
	if err := l.syncer.SyncChats(ctx); err != nil {
		l.Flash.Error("Offline: showing saved chats")
		return err
	}
	return nil
}

// RefreshCh signals that the rows changed.
func (l *ChatList) RefreshCh() <-chan struct{} {
	return l.refreshCh
}

func (l *ChatList) signalRefresh() {
	select {
	case l.refreshCh <- struct{}{}:
	default:
	}
}
