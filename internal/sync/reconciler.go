// Package sync merges server state into the local store. It owns chat list
// sync, per-chat page cursors, push ingestion and read marking.
package sync

import (
	"context"
	"fmt"
	"strconv"
	gosync "sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
)

// DefaultPageSize is the number of messages per page.
const DefaultPageSize = 50

const (
	receiptTimeout     = 15 * time.Second
	receiptConcurrency = 4
)

// API is the part of the chat server the reconciler reads from.
type API interface {
	ListChats(ctx context.Context) ([]store.Chat, error)
	ListMessages(ctx context.Context, chatID int64, limit, offset int) ([]store.Message, error)
	MarkRead(ctx context.Context, chatID int64) error
}

// Channel is the realtime room subscription.
type Channel interface {
	Join(chatID int64)
	Leave(chatID int64)
}

// Options configures a Reconciler.
type Options struct {
	ViewerID int64
	PageSize int
}

// Reconciler is the single writer of network-observed state into the store.
type Reconciler struct {
	db     *store.DB
	api    API
	ch     Channel
	bus    *bus.Bus
	state  *status.Machine
	logger *zap.Logger
	opts   Options

	flight singleflight.Group

	mu      gosync.Mutex
	cursors map[int64]*cursor
	active  int64
	// activeRead is set once the active chat has been marked read since it
	// was opened; until then syncs leave its unread state alone.
	activeRead bool

	receipts gosync.WaitGroup
}

// NewReconciler creates a reconciler. ch and state may be nil.
func NewReconciler(db *store.DB, api API, ch Channel, b *bus.Bus, state *status.Machine, logger *zap.Logger, opts Options) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	return &Reconciler{
		db:      db,
		api:     api,
		ch:      ch,
		bus:     b,
		state:   state,
		logger:  logger.Named("sync"),
		opts:    opts,
		cursors: make(map[int64]*cursor),
	}
}

// ViewerID returns the local user's id.
func (r *Reconciler) ViewerID() int64 { return r.opts.ViewerID }

// PageSize returns the number of messages per page.
func (r *Reconciler) PageSize() int { return r.opts.PageSize }

// SetChannel attaches the realtime channel after construction.
func (r *Reconciler) SetChannel(ch Channel) {
	r.mu.Lock()
	r.ch = ch
	r.mu.Unlock()
}

// SyncChats fetches the chat list and merges it into the store. Concurrent
// calls share one request. On network failure the cached list is left as is
// and the error is returned for logging.
func (r *Reconciler) SyncChats(ctx context.Context) error {
	_, err, _ := r.flight.Do("chats", func() (any, error) {
		return nil, r.syncChats(ctx)
	})
	return err
}

func (r *Reconciler) syncChats(ctx context.Context) error {
	r.transition(status.Syncing)
	start := time.Now()

	chats, err := r.api.ListChats(ctx)
	if err != nil {
		r.logger.Warn("chat list sync failed, serving cache", zap.Error(err))
		r.transition(status.Offline)
		return fmt.Errorf("list chats: %w", err)
	}
	if err := r.db.UpsertChats(ctx, chats); err != nil {
		r.logger.Error("failed to store chat list", zap.Error(err), zap.Int("chats", len(chats)))
		return fmt.Errorf("store chats: %w", err)
	}
	r.changed(bus.KindChatsChanged, 0)

	if active := r.readActive(); active != 0 {
		if c, err := r.db.GetChat(ctx, active); err == nil && c != nil && c.UnreadCount > 0 {
			if _, err := r.MarkChatRead(ctx, active); err != nil {
				r.logger.Warn("failed to re-apply read state", zap.Int64("chat_id", active), zap.Error(err))
			}
		}
	}

	r.flushReceipts(ctx)

	if err := r.db.SetCheckpoint(ctx, store.KeyChatsSyncedAt, strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
		r.logger.Warn("failed to write checkpoint", zap.Error(err))
	}
	r.transition(status.Ready)
	r.logger.Info("chat list synced", zap.Int("chats", len(chats)), zap.Duration("took", time.Since(start)))
	return nil
}

// flushReceipts retries read receipts that were not acknowledged earlier.
func (r *Reconciler) flushReceipts(ctx context.Context) {
	pending, err := r.db.PendingReceipts(ctx)
	if err != nil {
		r.logger.Warn("failed to list pending receipts", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(receiptConcurrency)
	for _, chatID := range pending {
		g.Go(func() error {
			r.sendReceipt(gctx, chatID)
			return nil
		})
	}
	_ = g.Wait()
}

// sendReceipt posts the read receipt of chatID and clears the pending marker
// on success. Failures leave the marker for the next sync.
func (r *Reconciler) sendReceipt(ctx context.Context, chatID int64) {
	ctx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()

	if err := r.api.MarkRead(ctx, chatID); err != nil {
		r.logger.Warn("read receipt pending", zap.Int64("chat_id", chatID), zap.Error(err))
		return
	}
	if err := r.db.DeleteCheckpoint(ctx, store.ReceiptKey(chatID)); err != nil {
		r.logger.Warn("failed to clear receipt", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

// Wait blocks until every in-flight read receipt has finished.
func (r *Reconciler) Wait() {
	r.receipts.Wait()
}

func (r *Reconciler) transition(to status.State) {
	if r.state == nil {
		return
	}
	if err := r.state.Transition(to); err != nil {
		r.logger.Debug("status transition skipped", zap.Error(err))
	}
}

func (r *Reconciler) changed(kind string, chatID int64) {
	if r.bus != nil {
		r.bus.Changed(kind, chatID)
	}
}
