package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
)

// cursor is the pagination state of one chat for the current open session.
type cursor struct {
	next    int
	hasMore bool
}

// PageResult describes one fetched page.
type PageResult struct {
	Page     int
	Fetched  int
	Inserted int
	HasMore  bool
}

func (r *Reconciler) cursorLocked(chatID int64) *cursor {
	c, ok := r.cursors[chatID]
	if !ok {
		c = &cursor{hasMore: true}
		r.cursors[chatID] = c
	}
	return c
}

// Cursor returns the next backfill page of a chat and whether the server may
// have older messages.
func (r *Reconciler) Cursor(chatID int64) (next int, hasMore bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.cursorLocked(chatID)
	return c.next, c.hasMore
}

// FetchPage fetches page n of a chat and merges it into the store. Page 0 is
// the latest window; page n>0 is at offset n*PageSize. Identical concurrent
// requests share one fetch. A failed fetch leaves the cursor untouched.
func (r *Reconciler) FetchPage(ctx context.Context, chatID int64, page int) (PageResult, error) {
	if page < 0 {
		page = 0
	}
	key := fmt.Sprintf("page:%d:%d", chatID, page)
	v, err, _ := r.flight.Do(key, func() (any, error) {
		return r.fetchPage(ctx, chatID, page)
	})
	if err != nil {
		return PageResult{Page: page}, err
	}
	return v.(PageResult), nil
}

func (r *Reconciler) fetchPage(ctx context.Context, chatID int64, page int) (PageResult, error) {
	size := r.opts.PageSize
	msgs, err := r.api.ListMessages(ctx, chatID, size, page*size)
	if err != nil {
		r.logger.Warn("page fetch failed", zap.Int64("chat_id", chatID), zap.Int("page", page), zap.Error(err))
		return PageResult{}, fmt.Errorf("fetch page %d of %d: %w", page, chatID, err)
	}
	for i := range msgs {
		if msgs[i].GroupID == 0 {
			msgs[i].GroupID = chatID
		}
	}

	inserted, err := r.db.UpsertMessages(ctx, msgs)
	if err != nil {
		r.logger.Error("failed to store page", zap.Int64("chat_id", chatID), zap.Int("page", page), zap.Error(err))
		return PageResult{}, fmt.Errorf("store page %d of %d: %w", page, chatID, err)
	}

	r.mu.Lock()
	c := r.cursorLocked(chatID)
	if page >= c.next {
		c.next = page + 1
	}
	if len(msgs) < size {
		c.hasMore = false
	}
	hasMore := c.hasMore
	r.mu.Unlock()

	if len(msgs) > 0 {
		r.changed(bus.KindMessagesChanged, chatID)
	}
	r.logger.Debug("page merged",
		zap.Int64("chat_id", chatID),
		zap.Int("page", page),
		zap.Int("fetched", len(msgs)),
		zap.Int("inserted", inserted),
	)
	return PageResult{Page: page, Fetched: len(msgs), Inserted: inserted, HasMore: hasMore}, nil
}

// LoadOlder fetches the next backfill page of a chat. It is a no-op once the
// server reported no older messages.
func (r *Reconciler) LoadOlder(ctx context.Context, chatID int64) (PageResult, error) {
	next, hasMore := r.Cursor(chatID)
	if !hasMore {
		return PageResult{Page: next, HasMore: false}, nil
	}
	return r.FetchPage(ctx, chatID, next)
}
