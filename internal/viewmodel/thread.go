package viewmodel

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
	chatsync "github.com/matheus3301/chatsync/internal/sync"
)

// DefaultReadDelay is the pause between showing a chat and marking it read,
// so the first render reflects the unread state.
const DefaultReadDelay = 1500 * time.Millisecond

// Pager is the reconciler surface a thread drives.
type Pager interface {
	Open(chatID int64)
	Close(chatID int64)
	FetchPage(ctx context.Context, chatID int64, page int) (chatsync.PageResult, error)
	LoadOlder(ctx context.Context, chatID int64) (chatsync.PageResult, error)
	Cursor(chatID int64) (next int, hasMore bool)
	MarkChatRead(ctx context.Context, chatID int64) (int64, error)
	PageSize() int
	ViewerID() int64
}

// Window is what a thread shows: messages newest first.
type Window struct {
	ChatID   int64
	Messages []store.Message
	Divider  int
	HasMore  bool
	Revision uint64
}

// Thread is the paged message window of one open chat.
type Thread struct {
	chatID    int64
	db        *store.DB
	pager     Pager
	bus       *bus.Bus
	logger    *zap.Logger
	readDelay time.Duration

	reloadMu  sync.Mutex
	mu        sync.RWMutex
	limit     int
	msgs      []store.Message
	total     int
	dividerID int64
	rev       uint64

	readTimer *time.Timer
	cancel    context.CancelFunc
	refreshCh chan struct{}
	Flash     Flash
}

// OpenThread opens chatID: it fetches the latest page (best effort), fixes
// the unread divider, and marks the chat read after readDelay. The returned
// thread follows store changes until Close.
func OpenThread(ctx context.Context, chatID int64, db *store.DB, pager Pager, b *bus.Bus, logger *zap.Logger, readDelay time.Duration) *Thread {
	if logger == nil {
		logger = zap.NewNop()
	}
	if readDelay < 0 {
		readDelay = DefaultReadDelay
	}
	t := &Thread{
		chatID:    chatID,
		db:        db,
		pager:     pager,
		bus:       b,
		logger:    logger.Named("thread").With(zap.Int64("chat_id", chatID)),
		readDelay: readDelay,
		limit:     pager.PageSize(),
		refreshCh: make(chan struct{}, 1),
	}

	pager.Open(chatID)
	ch, unsub := b.Subscribe(bus.StoreNamespace, 64)

	if _, err := pager.FetchPage(ctx, chatID, 0); err != nil {
		t.logger.Warn("latest page unavailable, showing cache", zap.Error(err))
		t.Flash.Error("Offline: showing saved messages")
	}
	if err := t.reload(ctx); err != nil {
		t.logger.Error("initial load failed", zap.Error(err))
	}

	t.mu.Lock()
	if i := chatsync.DividerIndex(t.msgs, pager.ViewerID()); i >= 0 {
		t.dividerID = t.msgs[i].ID
	}
	t.mu.Unlock()

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	go t.follow(wctx, ch, unsub)

	t.readTimer = time.AfterFunc(readDelay, func() {
		if _, err := pager.MarkChatRead(wctx, chatID); err != nil && wctx.Err() == nil {
			t.logger.Error("mark read failed", zap.Error(err))
		}
	})
	return t
}

// ChatID returns the chat this thread shows.
func (t *Thread) ChatID() int64 { return t.chatID }

func (t *Thread) follow(ctx context.Context, ch <-chan bus.Event, unsub func()) {
	defer unsub()
	for {
		select {
		case evt := <-ch:
			if evt.ChatID != 0 && evt.ChatID != t.chatID {
				continue
			}
			if evt.Revision <= t.revision() {
				continue
			}
			if err := t.reload(ctx); err != nil && ctx.Err() == nil {
				t.logger.Error("reload failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

func (t *Thread) revision() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.rev
}

// reload re-queries the window. Reloads run one at a time, and a result
// older than the one already shown is dropped.
func (t *Thread) reload(ctx context.Context) error {
	t.reloadMu.Lock()
	defer t.reloadMu.Unlock()

	rev := t.bus.Revision()
	t.mu.RLock()
	limit := t.limit
	t.mu.RUnlock()

	msgs, err := t.db.QueryMessagesPage(ctx, t.chatID, limit, 0)
	if err != nil {
		return err
	}
	total, err := t.db.CountMessages(ctx, t.chatID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	if rev < t.rev {
		t.mu.Unlock()
		return nil
	}
	t.msgs = msgs
	t.total = total
	t.rev = rev
	t.mu.Unlock()
	t.signalRefresh()
	return nil
}

// LoadMore grows the window by one page. Server pages are fetched until the
// fetched range covers the window, so cached rows with holes between them
// are filled in. When a fetch fails the window shows what the store has.
func (t *Thread) LoadMore(ctx context.Context) (Window, error) {
	size := t.pager.PageSize()
	t.mu.Lock()
	t.limit += size
	limit := t.limit
	t.mu.Unlock()

	var fetchErr error
	for {
		next, hasMore := t.pager.Cursor(t.chatID)
		if !hasMore || next*size >= limit {
			break
		}
		if _, err := t.pager.LoadOlder(ctx, t.chatID); err != nil {
			t.Flash.Error("Could not load older messages")
			fetchErr = err
			break
		}
	}
	if err := t.reload(ctx); err != nil {
		return t.Window(), err
	}
	return t.Window(), fetchErr
}

// Window returns the current window. The divider keeps pointing at the
// message chosen when the chat was opened.
func (t *Thread) Window() Window {
	t.mu.RLock()
	defer t.mu.RUnlock()

	divider := -1
	if t.dividerID != 0 {
		divider = slices.IndexFunc(t.msgs, func(m store.Message) bool { return m.ID == t.dividerID })
	}
	_, serverHasMore := t.pager.Cursor(t.chatID)
	return Window{
		ChatID:   t.chatID,
		Messages: slices.Clone(t.msgs),
		Divider:  divider,
		HasMore:  t.total > len(t.msgs) || serverHasMore,
		Revision: t.rev,
	}
}

// Close stops following changes, cancels a pending read mark and releases
// the chat's realtime room.
func (t *Thread) Close() {
	if t.readTimer != nil {
		t.readTimer.Stop()
	}
	if t.cancel != nil {
		t.cancel()
	}
	t.pager.Close(t.chatID)
}

// RefreshCh signals that the window changed.
func (t *Thread) RefreshCh() <-chan struct{} {
	return t.refreshCh
}

func (t *Thread) signalRefresh() {
	select {
	case t.refreshCh <- struct{}{}:
	default:
	}
}
