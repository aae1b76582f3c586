package outbox

import (
	"context"
	"fmt"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/remote"
)

func (s *Sender) groupErr(chatID int64, op string, err error) error {
	if remote.IsForbidden(err) {
		return &ChatInaccessibleError{ChatID: chatID, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// AddMembers adds users to a group chat.
func (s *Sender) AddMembers(ctx context.Context, chatID int64, userIDs []int64) error {
	if chatID <= 0 || len(userIDs) == 0 {
		return fmt.Errorf("%w: chat id and at least one user are required", ErrValidation)
	}
	if err := s.api.AddMembers(ctx, chatID, userIDs); err != nil {
		return s.groupErr(chatID, "add members", err)
	}
	return nil
}

// UpdateGroup edits group metadata and merges the returned chat.
func (s *Sender) UpdateGroup(ctx context.Context, chatID int64, update remote.GroupUpdate) error {
	if chatID <= 0 || (update.Name == "" && update.IconURL == "") {
		return fmt.Errorf("%w: nothing to update", ErrValidation)
	}
	chat, err := s.api.UpdateGroup(ctx, chatID, update)
	if err != nil {
		return s.groupErr(chatID, "update group", err)
	}
	if err := s.db.UpsertChat(ctx, chat); err != nil {
		return fmt.Errorf("store group: %w", err)
	}
	s.changed(bus.KindChatsChanged, chatID)
	return nil
}

// LeaveGroup leaves a group chat and purges it locally. A chat the server no
// longer knows or no longer lets the viewer access is purged as well.
func (s *Sender) LeaveGroup(ctx context.Context, chatID int64) error {
	if chatID <= 0 {
		return fmt.Errorf("%w: chat id is required", ErrValidation)
	}
	err := s.api.LeaveGroup(ctx, chatID)
	if err != nil && !remote.IsNotFound(err) && !remote.IsForbidden(err) {
		return fmt.Errorf("leave group: %w", err)
	}
	return s.PurgeChat(ctx, chatID)
}

// UpdateRole changes a member's role. A change to the viewer's own role is
// recorded on the chat row.
func (s *Sender) UpdateRole(ctx context.Context, chatID, userID int64, role string) error {
	if chatID <= 0 || userID <= 0 || role == "" {
		return fmt.Errorf("%w: invalid role update", ErrValidation)
	}
	if err := s.api.UpdateRole(ctx, chatID, userID, role); err != nil {
		return s.groupErr(chatID, "update role", err)
	}
	if userID != s.viewerID {
		return nil
	}
	if err := s.db.SetChatRole(ctx, chatID, role); err != nil {
		return fmt.Errorf("store role: %w", err)
	}
	s.changed(bus.KindChatsChanged, chatID)
	return nil
}
