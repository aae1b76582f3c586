// Package client is the typed gRPC client of a chatsync daemon.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/matheus3301/chatsync/internal/api"
)

// Client wraps the gRPC connection to the daemon.
type Client struct {
	conn    *grpc.ClientConn
	Chat    *ChatClient
	Message *MessageClient
}

// New dials the daemon's Unix domain socket and returns typed service clients.
func New(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(api.CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return NewFromConn(conn), nil
}

// NewFromConn wraps an existing connection. Calls made through it use the
// JSON codec whatever the connection's defaults are.
func NewFromConn(conn *grpc.ClientConn) *Client {
	return &Client{
		conn:    conn,
		Chat:    &ChatClient{cc: conn},
		Message: &MessageClient{cc: conn},
	}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, service, method string, in any) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, api.FullMethod(service, method), in, out, grpc.CallContentSubtype(api.CodecName)); err != nil {
		return nil, err
	}
	return out, nil
}

// ChatClient calls chatsync.v1.ChatService.
type ChatClient struct {
	cc grpc.ClientConnInterface
}

func (c *ChatClient) ListChats(ctx context.Context) (*api.ListChatsResponse, error) {
	return invoke[api.ListChatsResponse](ctx, c.cc, api.ChatServiceName, "ListChats", &api.Empty{})
}

func (c *ChatClient) SyncNow(ctx context.Context) (*api.SyncNowResponse, error) {
	return invoke[api.SyncNowResponse](ctx, c.cc, api.ChatServiceName, "SyncNow", &api.Empty{})
}

func (c *ChatClient) SetChatSetting(ctx context.Context, chatID int64, field string, value any) error {
	_, err := invoke[api.Empty](ctx, c.cc, api.ChatServiceName, "SetChatSetting", &api.SetChatSettingRequest{ChatID: chatID, Field: field, Value: value})
	return err
}

func (c *ChatClient) PinChat(ctx context.Context, chatID int64, pinned bool) error {
	_, err := invoke[api.Empty](ctx, c.cc, api.ChatServiceName, "PinChat", &api.PinChatRequest{ChatID: chatID, Pinned: pinned})
	return err
}

func (c *ChatClient) MuteChat(ctx context.Context, chatID int64, until string) error {
	_, err := invoke[api.Empty](ctx, c.cc, api.ChatServiceName, "MuteChat", &api.MuteChatRequest{ChatID: chatID, Until: until})
	return err
}

func (c *ChatClient) MarkChatRead(ctx context.Context, chatID int64) (*api.MarkChatReadResponse, error) {
	return invoke[api.MarkChatReadResponse](ctx, c.cc, api.ChatServiceName, "MarkChatRead", &api.ChatRequest{ChatID: chatID})
}

func (c *ChatClient) PurgeChat(ctx context.Context, chatID int64) error {
	_, err := invoke[api.Empty](ctx, c.cc, api.ChatServiceName, "PurgeChat", &api.ChatRequest{ChatID: chatID})
	return err
}

func (c *ChatClient) AddMembers(ctx context.Context, chatID int64, userIDs []int64) error {
	_, err := invoke[api.Empty](ctx, c.cc, api.ChatServiceName, "AddMembers", &api.AddMembersRequest{ChatID: chatID, UserIDs: userIDs})
	return err
}

func (c *ChatClient) UpdateGroup(ctx context.Context, req *api.UpdateGroupRequest) error {
	_, err := invoke[api.Empty](ctx, c.cc, api.ChatServiceName, "UpdateGroup", req)
	return err
}

func (c *ChatClient) LeaveGroup(ctx context.Context, chatID int64) error {
	_, err := invoke[api.Empty](ctx, c.cc, api.ChatServiceName, "LeaveGroup", &api.ChatRequest{ChatID: chatID})
	return err
}

func (c *ChatClient) UpdateRole(ctx context.Context, chatID, userID int64, role string) error {
	_, err := invoke[api.Empty](ctx, c.cc, api.ChatServiceName, "UpdateRole", &api.UpdateRoleRequest{ChatID: chatID, UserID: userID, Role: role})
	return err
}

func (c *ChatClient) Status(ctx context.Context) (*api.StatusResponse, error) {
	return invoke[api.StatusResponse](ctx, c.cc, api.ChatServiceName, "Status", &api.Empty{})
}

// WatchChanges streams daemon events of namespace ("" for all) to fn until
// ctx is done, the stream ends, or fn returns an error.
func (c *ChatClient) WatchChanges(ctx context.Context, namespace string, fn func(*api.ChangeEvent) error) error {
	desc := &api.ChatServiceDesc.Streams[0]
	stream, err := c.cc.NewStream(ctx, desc, api.FullMethod(api.ChatServiceName, desc.StreamName), grpc.CallContentSubtype(api.CodecName))
	if err != nil {
		return err
	}
	if err := stream.SendMsg(&api.WatchChangesRequest{Namespace: namespace}); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}
	for {
		var evt api.ChangeEvent
		if err := stream.RecvMsg(&evt); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := fn(&evt); err != nil {
			return err
		}
	}
}

// MessageClient calls chatsync.v1.MessageService.
type MessageClient struct {
	cc grpc.ClientConnInterface
}

func (c *MessageClient) OpenChat(ctx context.Context, chatID int64) (*api.WindowResponse, error) {
	return invoke[api.WindowResponse](ctx, c.cc, api.MessageServiceName, "OpenChat", &api.ChatRequest{ChatID: chatID})
}

func (c *MessageClient) CloseChat(ctx context.Context, chatID int64) error {
	_, err := invoke[api.Empty](ctx, c.cc, api.MessageServiceName, "CloseChat", &api.ChatRequest{ChatID: chatID})
	return err
}

func (c *MessageClient) LoadMore(ctx context.Context, chatID int64) (*api.WindowResponse, error) {
	return invoke[api.WindowResponse](ctx, c.cc, api.MessageServiceName, "LoadMore", &api.ChatRequest{ChatID: chatID})
}

func (c *MessageClient) GetWindow(ctx context.Context, chatID int64) (*api.WindowResponse, error) {
	return invoke[api.WindowResponse](ctx, c.cc, api.MessageServiceName, "GetWindow", &api.ChatRequest{ChatID: chatID})
}

func (c *MessageClient) SendMessage(ctx context.Context, req *api.SendMessageRequest) (*api.SendMessageResponse, error) {
	return invoke[api.SendMessageResponse](ctx, c.cc, api.MessageServiceName, "SendMessage", req)
}

func (c *MessageClient) ReactToMessage(ctx context.Context, messageID int64, reaction string) error {
	_, err := invoke[api.Empty](ctx, c.cc, api.MessageServiceName, "ReactToMessage", &api.ReactRequest{MessageID: messageID, Reaction: reaction})
	return err
}

func (c *MessageClient) DeleteMessage(ctx context.Context, messageID int64, scope string) error {
	_, err := invoke[api.Empty](ctx, c.cc, api.MessageServiceName, "DeleteMessage", &api.DeleteMessageRequest{MessageID: messageID, Scope: scope})
	return err
}

func (c *MessageClient) SearchMessages(ctx context.Context, req *api.SearchMessagesRequest) (*api.SearchMessagesResponse, error) {
	return invoke[api.SearchMessagesResponse](ctx, c.cc, api.MessageServiceName, "SearchMessages", req)
}
