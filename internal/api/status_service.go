package api

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
)

// Status reports the daemon state and store counters.
func (s *ChatService) Status(ctx context.Context, _ *Empty) (*StatusResponse, error) {
	resp := &StatusResponse{
		Session:    s.sessionName,
		UptimeMs:   time.Since(s.startedAt).Milliseconds(),
		ViewerID:   s.rec.ViewerID(),
		OpenChatID: s.rec.Active(),
		Revision:   s.bus.Revision(),
	}
	if s.machine != nil {
		resp.State = string(s.machine.Current())
		resp.StateSinceMs = s.machine.Since().UnixMilli()
	}
	if s.rt != nil {
		resp.Realtime = s.rt.Connected()
	}

	if n, err := s.db.ChatCount(ctx); err == nil {
		resp.ChatCount = n
	}
	if n, err := s.db.MessageCount(ctx); err == nil {
		resp.MessageCount = n
	}
	if v, ok, err := s.db.Checkpoint(ctx, store.KeyChatsSyncedAt); err == nil && ok {
		resp.ChatsSyncedAt, _ = strconv.ParseInt(v, 10, 64)
	}
	return resp, nil
}

// WatchChanges streams bus events until the client goes away.
func (s *ChatService) WatchChanges(req *WatchChangesRequest, stream ServerStream[ChangeEvent]) error {
	ch, unsub := s.bus.Subscribe(req.Namespace, 256)
	defer unsub()

	for {
		select {
		case evt := <-ch:
			id := evt.ID
			if id == "" {
				id = uuid.New().String()
			}
			if err := stream.Send(&ChangeEvent{
				EventID:          id,
				Session:          s.sessionName,
				Kind:             evt.Kind,
				ChatID:           evt.ChatID,
				Revision:         evt.Revision,
				OccurredAtUnixMs: evt.Timestamp.UnixMilli(),
				Detail:           detail(evt),
			}); err != nil {
				return err
			}
		case <-stream.Context().Done():
			return nil
		}
	}
}

// detail renders the payload of the event kinds that carry one.
func detail(evt bus.Event) string {
	switch p := evt.Payload.(type) {
	case status.StatusChange:
		return fmt.Sprintf("%s -> %s", p.From, p.To)
	case outbox.Attempt:
		if p.Err != "" {
			return fmt.Sprintf("attempt %s %s: %s", p.ID, p.State, p.Err)
		}
		return fmt.Sprintf("attempt %s %s", p.ID, p.State)
	case string:
		return p
	}
	return ""
}
