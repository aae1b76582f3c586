package sync

import (
	"context"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
)

// HandleEvent merges one realtime push into the store. It is called by the
// realtime client for every data frame in arrival order. Failures are logged.
func (r *Reconciler) HandleEvent(ctx context.Context, evt realtime.Event) {
	var err error
	switch evt.Kind {
	case realtime.EventNewMessage:
		err = r.ingestMessage(ctx, evt)
	case realtime.EventReaction:
		err = r.ingestReaction(ctx, evt)
	case realtime.EventDeletion:
		err = r.ingestDeletion(ctx, evt)
	default:
		r.logger.Debug("ignoring push event", zap.String("kind", evt.Kind))
		return
	}
	if err != nil {
		r.logger.Error("failed to ingest push event",
			zap.String("kind", evt.Kind),
			zap.String("room", evt.Room),
			zap.Error(err),
		)
	}
}

// ingestMessage stores a pushed message. Chats other than the open one gain
// an unread; in the open chat the message is read immediately.
func (r *Reconciler) ingestMessage(ctx context.Context, evt realtime.Event) error {
	var dto remote.MessageDTO
	if err := json.Unmarshal(evt.Payload, &dto); err != nil {
		return err
	}
	m := dto.ToStore()
	if m.GroupID == 0 {
		m.GroupID = evt.ChatID
	}
	if m.GroupID == 0 || m.ID == 0 {
		r.logger.Warn("push message without ids", zap.String("room", evt.Room))
		return nil
	}

	open := m.GroupID == r.Active()
	isNew, err := r.db.ApplyIncoming(ctx, &m, r.opts.ViewerID, !open)
	if err != nil {
		return err
	}
	r.changed(bus.KindMessagesChanged, m.GroupID)

	if isNew && open && m.SenderID != r.opts.ViewerID {
		if _, err := r.MarkChatRead(ctx, m.GroupID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reconciler) ingestReaction(ctx context.Context, evt realtime.Event) error {
	var p realtime.ReactionPayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		return err
	}
	found, err := r.db.ApplyReactions(ctx, p.MessageID, store.Reactions(p.Reactions))
	if err != nil {
		return err
	}
	if found {
		r.changed(bus.KindMessagesChanged, r.chatOf(ctx, p.MessageID, evt.ChatID))
	}
	return nil
}

// ingestDeletion tombstones a message deleted for everyone by someone else.
func (r *Reconciler) ingestDeletion(ctx context.Context, evt realtime.Event) error {
	var p realtime.DeletionPayload
	if err := json.Unmarshal(evt.Payload, &p); err != nil {
		return err
	}
	chatID := r.chatOf(ctx, p.MessageID, evt.ChatID)
	found, err := r.db.TombstoneMessage(ctx, p.MessageID)
	if err != nil {
		return err
	}
	if found {
		r.changed(bus.KindMessagesChanged, chatID)
	}
	return nil
}

// chatOf resolves the chat of a stored message, falling back to the room's chat.
func (r *Reconciler) chatOf(ctx context.Context, messageID, fallback int64) int64 {
	m, err := r.db.GetMessage(ctx, messageID)
	if err != nil || m == nil {
		return fallback
	}
	return m.GroupID
}
