// Package outbox sends user-composed messages and applies the user's message
// actions once the server has accepted them.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/store"
)

// Bus event kinds of a send attempt. The payload is an Attempt.
const (
	KindSending = "outbox.sending"
	KindSent    = "outbox.sent"
	KindFailed  = "outbox.failed"
)

// API is the part of the chat server the sender writes to.
type API interface {
	SendMessage(ctx context.Context, chatID int64, body remote.SendBody) (*store.Message, error)
	React(ctx context.Context, messageID int64, reaction string) (store.Reactions, error)
	DeleteMessage(ctx context.Context, messageID int64) error
	AddMembers(ctx context.Context, chatID int64, userIDs []int64) error
	UpdateGroup(ctx context.Context, chatID int64, update remote.GroupUpdate) (*store.Chat, error)
	LeaveGroup(ctx context.Context, chatID int64) error
	UpdateRole(ctx context.Context, chatID, userID int64, role string) error
}

// SendRequest is a message composed by the user. Type is open ended: media
// types the store has no preview for pass through unchanged.
type SendRequest struct {
	ChatID    int64          `validate:"gt=0"`
	Content   string         `validate:"required,max=4096"`
	Type      string         `validate:"omitempty,max=32,lowercase"`
	Metadata  map[string]any `validate:"-"`
	ReplyToID int64          `validate:"gte=0"`
}

// Scope selects who a deletion applies to.
type Scope string

const (
	ScopeSelf     Scope = "self"
	ScopeEveryone Scope = "everyone"
)

// Sender performs user-initiated message operations. Every operation calls
// the server first and only then writes the store, so a failure leaves no
// local trace. There is no background retry.
type Sender struct {
	db       *store.DB
	api      API
	bus      *bus.Bus
	logger   *zap.Logger
	viewerID int64
	validate *validator.Validate
}

// NewSender creates a new sender for the viewer.
func NewSender(db *store.DB, api API, b *bus.Bus, logger *zap.Logger, viewerID int64) *Sender {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		db:       db,
		api:      api,
		bus:      b,
		logger:   logger.Named("outbox"),
		viewerID: viewerID,
		validate: validator.New(),
	}
}

func (s *Sender) check(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var vErrs validator.ValidationErrors
	if errors.As(err, &vErrs) {
		first := vErrs[0]
		return fmt.Errorf("%w: field %s failed rule %s", ErrValidation, first.Field(), first.Tag())
	}
	return fmt.Errorf("%w: %v", ErrValidation, err)
}

// Send posts a message and stores the server's record together with the new
// chat preview. On failure nothing is stored; a 403 is reported as
// *ChatInaccessibleError.
func (s *Sender) Send(ctx context.Context, req SendRequest) (*store.Message, error) {
	req.Content = strings.TrimSpace(req.Content)
	if err := s.check(req); err != nil {
		return nil, err
	}

	attempt := newAttempt(req.ChatID)
	_ = attempt.to(Sending)
	s.publish(KindSending, attempt)

	m, err := s.api.SendMessage(ctx, req.ChatID, remote.SendBody{
		Content:   req.Content,
		Type:      req.Type,
		Metadata:  req.Metadata,
		ReplyToID: req.ReplyToID,
	})
	if err != nil {
		s.fail(attempt, err)
		if remote.IsForbidden(err) {
			return nil, &ChatInaccessibleError{ChatID: req.ChatID, Err: err}
		}
		return nil, fmt.Errorf("send message: %w", err)
	}

	if m.GroupID == 0 {
		m.GroupID = req.ChatID
	}
	if m.SenderID == 0 {
		m.SenderID = s.viewerID
	}
	if m.CreatedAt == 0 {
		m.CreatedAt = time.Now().UnixMilli()
	}
	_ = attempt.to(Sent)
	attempt.MessageID = m.ID

	if err := s.db.ApplySentMessage(ctx, m); err != nil {
		// The server has the message; the next page fetch brings it back.
		s.logger.Error("sent message not stored", zap.Int64("chat_id", req.ChatID), zap.Int64("msg_id", m.ID), zap.Error(err))
		s.publish(KindSent, attempt)
		return nil, fmt.Errorf("store sent message: %w", err)
	}
	s.changed(bus.KindMessagesChanged, m.GroupID)
	s.publish(KindSent, attempt)
	s.logger.Info("message sent", zap.String("attempt", attempt.ID), zap.Int64("chat_id", req.ChatID), zap.Int64("msg_id", m.ID))
	return m, nil
}

func (s *Sender) fail(a *Attempt, err error) {
	_ = a.to(Failed)
	a.Err = err.Error()
	s.logger.Warn("send failed", zap.String("attempt", a.ID), zap.Int64("chat_id", a.ChatID), zap.Error(err))
	s.publish(KindFailed, a)
}

// React toggles the viewer's reaction on a message. When the server answers
// with the full reaction set it replaces the local one; otherwise the toggle
// is applied locally. A message already gone on the server is purged.
func (s *Sender) React(ctx context.Context, messageID int64, reaction string) error {
	reaction = strings.TrimSpace(reaction)
	if messageID <= 0 || reaction == "" {
		return fmt.Errorf("%w: message id and reaction are required", ErrValidation)
	}

	reactions, err := s.api.React(ctx, messageID, reaction)
	if err != nil {
		return s.resolve(ctx, messageID, err, "react")
	}

	m, err := s.db.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if m == nil {
		return nil
	}
	if reactions == nil {
		reactions = m.Reactions.Toggle(reaction, s.viewerID)
	}
	if _, err := s.db.ApplyReactions(ctx, messageID, reactions); err != nil {
		return fmt.Errorf("store reactions: %w", err)
	}
	s.changed(bus.KindMessagesChanged, m.GroupID)
	return nil
}

// Delete removes a message. ScopeSelf only removes the local row. ScopeEveryone
// deletes on the server first; a 404 means it is already gone and is treated
// as success. Either way the local row is removed and its id hidden so later
// fetches do not bring it back.
func (s *Sender) Delete(ctx context.Context, messageID int64, scope Scope) error {
	if messageID <= 0 {
		return fmt.Errorf("%w: message id is required", ErrValidation)
	}
	m, err := s.db.GetMessage(ctx, messageID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}

	switch scope {
	case ScopeSelf:
	case ScopeEveryone:
		if m != nil {
			chat, err := s.db.GetChat(ctx, m.GroupID)
			if err != nil {
				return fmt.Errorf("load chat: %w", err)
			}
			role := ""
			if chat != nil {
				role = chat.Role
			}
			if !CanDeleteForEveryone([]store.Message{*m}, s.viewerID, role) {
				return fmt.Errorf("delete %d for everyone: %w", messageID, ErrNotAllowed)
			}
		}
		if err := s.api.DeleteMessage(ctx, messageID); err != nil && !remote.IsNotFound(err) {
			return s.resolve(ctx, messageID, err, "delete")
		}
	default:
		return fmt.Errorf("%w: unknown delete scope %q", ErrValidation, scope)
	}

	return s.purgeMessage(ctx, messageID, m)
}

// resolve maps a failed message call: 404 converges by purging the message
// locally, 403 becomes *ChatInaccessibleError.
func (s *Sender) resolve(ctx context.Context, messageID int64, err error, op string) error {
	if remote.IsNotFound(err) {
		m, _ := s.db.GetMessage(ctx, messageID)
		s.logger.Info("message already gone on server", zap.String("op", op), zap.Int64("msg_id", messageID))
		return s.purgeMessage(ctx, messageID, m)
	}
	if remote.IsForbidden(err) {
		var chatID int64
		if m, _ := s.db.GetMessage(ctx, messageID); m != nil {
			chatID = m.GroupID
		}
		return &ChatInaccessibleError{ChatID: chatID, Err: err}
	}
	return fmt.Errorf("%s message %d: %w", op, messageID, err)
}

func (s *Sender) purgeMessage(ctx context.Context, messageID int64, m *store.Message) error {
	if err := s.db.DeleteMessageLocal(ctx, messageID); err != nil {
		return fmt.Errorf("delete local message: %w", err)
	}
	var chatID int64
	if m != nil {
		chatID = m.GroupID
	}
	s.changed(bus.KindMessagesChanged, chatID)
	return nil
}

// PurgeChat removes a chat and all of its messages from this device. It is
// only called after the user confirmed it.
func (s *Sender) PurgeChat(ctx context.Context, chatID int64) error {
	if err := s.db.DeleteChatLocal(ctx, chatID); err != nil {
		return fmt.Errorf("purge chat %d: %w", chatID, err)
	}
	s.changed(bus.KindChatRemoved, chatID)
	s.logger.Info("chat purged", zap.Int64("chat_id", chatID))
	return nil
}

func (s *Sender) publish(kind string, a *Attempt) {
	if s.bus == nil {
		return
	}
	cp := *a
	s.bus.Publish(bus.Event{Kind: kind, ChatID: a.ChatID, Timestamp: time.Now(), Payload: cp})
}

func (s *Sender) changed(kind string, chatID int64) {
	if s.bus != nil {
		s.bus.Changed(kind, chatID)
	}
}
