package sync

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
)

// Open makes chatID the active chat: its pagination restarts and the
// realtime channel switches to its room.
func (r *Reconciler) Open(chatID int64) {
	r.mu.Lock()
	r.active = chatID
	r.activeRead = false
	r.cursors[chatID] = &cursor{hasMore: true}
	ch := r.ch
	r.mu.Unlock()

	if ch != nil {
		ch.Join(chatID)
	}
}

// Close clears chatID as the active chat if it still is. Fetches in flight
// for it complete and merge normally.
func (r *Reconciler) Close(chatID int64) {
	r.mu.Lock()
	if r.active != chatID {
		r.mu.Unlock()
		return
	}
	r.active = 0
	r.activeRead = false
	ch := r.ch
	r.mu.Unlock()

	if ch != nil {
		ch.Leave(chatID)
	}
}

// Active returns the open chat, or 0.
func (r *Reconciler) Active() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// readActive returns the open chat once it has been marked read, or 0.
func (r *Reconciler) readActive() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.activeRead {
		return 0
	}
	return r.active
}

// MarkChatRead marks every message of chatID not sent by the viewer as read
// and zeroes the unread count locally, then sends the read receipt in the
// background. An unacknowledged receipt stays pending until the next sync.
// Returns the number of messages that changed.
func (r *Reconciler) MarkChatRead(ctx context.Context, chatID int64) (int64, error) {
	n, err := r.db.MarkAllReadExceptSelf(ctx, chatID, r.opts.ViewerID)
	if err != nil {
		return 0, fmt.Errorf("mark %d read: %w", chatID, err)
	}
	r.mu.Lock()
	if r.active == chatID {
		r.activeRead = true
	}
	r.mu.Unlock()
	if err := r.db.SetCheckpoint(ctx, store.ReceiptKey(chatID), strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
		r.logger.Warn("failed to persist pending receipt", zap.Int64("chat_id", chatID), zap.Error(err))
	}
	r.changed(bus.KindMessagesChanged, chatID)

	r.receipts.Add(1)
	go func() {
		defer r.receipts.Done()
		r.sendReceipt(context.WithoutCancel(ctx), chatID)
	}()
	return n, nil
}

// DividerIndex returns the index of the unread divider in msgs, which are
// ordered newest first: the last index whose message is unread and from
// another sender, and whose next older message is absent, the viewer's own or
// already read. Returns -1 when no such message exists.
func DividerIndex(msgs []store.Message, viewerID int64) int {
	unread := func(i int) bool {
		return msgs[i].SenderID != viewerID && msgs[i].Status != store.StatusRead
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if unread(i) && (i+1 == len(msgs) || !unread(i+1)) {
			return i
		}
	}
	return -1
}
