// Package remote is the REST client for the chat server.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/matheus3301/chatsync/internal/store"
)

// APIError is returned for every non-2xx response.
type APIError struct {
	StatusCode int
	Method     string
	URL        string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s %s: %d %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// IsForbidden reports whether err is a 403 from the server.
func IsForbidden(err error) bool {
	return hasStatus(err, http.StatusForbidden)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

func hasStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Options configures a Client.
type Options struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client talks to the chat server's REST API.
type Client struct {
	http *resty.Client
	log  *zap.Logger
}

// New creates a REST client. A zero timeout uses 15s.
func New(opts Options, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	h := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(opts.Timeout).
		SetHeader("Accept", "application/json").
		SetJSONMarshaler(json.Marshal).
		SetJSONUnmarshaler(json.Unmarshal)
	if opts.Token != "" {
		h.SetAuthToken(opts.Token)
	}
	return &Client{http: h, log: log.Named("remote")}
}

func (c *Client) r(ctx context.Context) *resty.Request {
	return c.http.R().SetContext(ctx).SetError(&errorBody{})
}

// check turns a transport error or a non-2xx response into an error.
func (c *Client) check(resp *resty.Response, err error) error {
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	if !resp.IsError() {
		return nil
	}
	apiErr := &APIError{
		StatusCode: resp.StatusCode(),
		Method:     resp.Request.Method,
		URL:        resp.Request.URL,
	}
	if body, ok := resp.Error().(*errorBody); ok && body != nil {
		apiErr.Message = body.Message
		if apiErr.Message == "" {
			apiErr.Message = body.Error
		}
	}
	c.log.Debug("api error",
		zap.Int("status", apiErr.StatusCode),
		zap.String("method", apiErr.Method),
		zap.String("url", apiErr.URL),
	)
	return apiErr
}

func id(v int64) string {
	return strconv.FormatInt(v, 10)
}

// ListChats fetches the viewer's chat list.
func (c *Client) ListChats(ctx context.Context) ([]store.Chat, error) {
	var out []ChatDTO
	resp, err := c.r(ctx).SetResult(&out).Get("/chats")
	if err := c.check(resp, err); err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	chats := make([]store.Chat, 0, len(out))
	for _, dto := range out {
		chats = append(chats, dto.ToStore())
	}
	return chats, nil
}

// ListMessages fetches one page of a chat, newest first.
func (c *Client) ListMessages(ctx context.Context, chatID int64, limit, offset int) ([]store.Message, error) {
	var out []MessageDTO
	resp, err := c.r(ctx).
		SetPathParam("id", id(chatID)).
		SetQueryParams(map[string]string{
			"limit":  strconv.Itoa(limit),
			"offset": strconv.Itoa(offset),
		}).
		SetResult(&out).
		Get("/chats/{id}/messages")
	if err := c.check(resp, err); err != nil {
		return nil, fmt.Errorf("list messages of %d: %w", chatID, err)
	}
	msgs := make([]store.Message, 0, len(out))
	for _, dto := range out {
		m := dto.ToStore()
		if m.GroupID == 0 {
			m.GroupID = chatID
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// SendMessage posts a new message and returns the server's record of it.
func (c *Client) SendMessage(ctx context.Context, chatID int64, body SendBody) (*store.Message, error) {
	var out MessageDTO
	resp, err := c.r(ctx).
		SetPathParam("id", id(chatID)).
		SetBody(body).
		SetResult(&out).
		Post("/chats/{id}/messages")
	if err := c.check(resp, err); err != nil {
		return nil, fmt.Errorf("send to %d: %w", chatID, err)
	}
	m := out.ToStore()
	if m.GroupID == 0 {
		m.GroupID = chatID
	}
	return &m, nil
}

// React toggles a reaction. The returned reactions are nil when the server
// sent a bare acknowledgement.
func (c *Client) React(ctx context.Context, messageID int64, reaction string) (store.Reactions, error) {
	var out ReactionAck
	resp, err := c.r(ctx).
		SetPathParam("id", id(messageID)).
		SetBody(reactionBody{Reaction: reaction}).
		SetResult(&out).
		Post("/messages/{id}/reactions")
	if err := c.check(resp, err); err != nil {
		return nil, fmt.Errorf("react to %d: %w", messageID, err)
	}
	if out.Reactions == nil {
		return nil, nil
	}
	return store.Reactions(out.Reactions), nil
}

// DeleteMessage deletes a message for every participant.
func (c *Client) DeleteMessage(ctx context.Context, messageID int64) error {
	resp, err := c.r(ctx).SetPathParam("id", id(messageID)).Delete("/messages/{id}")
	if err := c.check(resp, err); err != nil {
		return fmt.Errorf("delete %d: %w", messageID, err)
	}
	return nil
}

// MarkRead sends the read receipt of a chat.
func (c *Client) MarkRead(ctx context.Context, chatID int64) error {
	resp, err := c.r(ctx).SetPathParam("id", id(chatID)).Post("/chats/{id}/read")
	if err := c.check(resp, err); err != nil {
		return fmt.Errorf("mark %d read: %w", chatID, err)
	}
	return nil
}

// AddMembers adds users to a group chat.
func (c *Client) AddMembers(ctx context.Context, chatID int64, userIDs []int64) error {
	resp, err := c.r(ctx).
		SetPathParam("id", id(chatID)).
		SetBody(membersBody{UserIDs: userIDs}).
		Post("/chats/{id}/members")
	if err := c.check(resp, err); err != nil {
		return fmt.Errorf("add members to %d: %w", chatID, err)
	}
	return nil
}

// UpdateGroup edits group metadata and returns the updated chat.
func (c *Client) UpdateGroup(ctx context.Context, chatID int64, update GroupUpdate) (*store.Chat, error) {
	var out ChatDTO
	resp, err := c.r(ctx).
		SetPathParam("id", id(chatID)).
		SetBody(update).
		SetResult(&out).
		Put("/chats/{id}")
	if err := c.check(resp, err); err != nil {
		return nil, fmt.Errorf("update group %d: %w", chatID, err)
	}
	chat := out.ToStore()
	if chat.ID == 0 {
		chat.ID = chatID
	}
	return &chat, nil
}

// LeaveGroup removes the viewer from a group chat.
func (c *Client) LeaveGroup(ctx context.Context, chatID int64) error {
	resp, err := c.r(ctx).SetPathParam("id", id(chatID)).Post("/chats/{id}/leave")
	if err := c.check(resp, err); err != nil {
		return fmt.Errorf("leave %d: %w", chatID, err)
	}
	return nil
}

// UpdateRole changes a member's role in a group chat.
func (c *Client) UpdateRole(ctx context.Context, chatID, userID int64, role string) error {
	resp, err := c.r(ctx).
		SetPathParams(map[string]string{"id": id(chatID), "user": id(userID)}).
		SetBody(roleBody{Role: role}).
		Put("/chats/{id}/members/{user}/role")
	if err := c.check(resp, err); err != nil {
		return fmt.Errorf("update role in %d: %w", chatID, err)
	}
	return nil
}
