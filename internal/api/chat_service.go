package api

import (
	"context"
	"fmt"
	"math"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	chatsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/matheus3301/chatsync/internal/viewmodel"
)

// Connectivity reports whether the realtime channel is connected.
type Connectivity interface {
	Connected() bool
}

// ChatService implements chatsync.v1.ChatService: the chat list, local chat
// settings, group administration and daemon status.
type ChatService struct {
	sessionName string
	startedAt   time.Time

	db      *store.DB
	views   *viewmodel.Views
	rec     *chatsync.Reconciler
	sender  *outbox.Sender
	machine *status.Machine
	bus     *bus.Bus
	rt      Connectivity
}

// NewChatService creates the chat service. rt may be nil.
func NewChatService(sessionName string, db *store.DB, views *viewmodel.Views, rec *chatsync.Reconciler, sender *outbox.Sender, machine *status.Machine, b *bus.Bus, rt Connectivity) *ChatService {
	return &ChatService{
		sessionName: sessionName,
		startedAt:   time.Now(),
		db:          db,
		views:       views,
		rec:         rec,
		sender:      sender,
		machine:     machine,
		bus:         b,
		rt:          rt,
	}
}

// ChatServiceDesc describes chatsync.v1.ChatService.
var ChatServiceDesc = grpc.ServiceDesc{
	ServiceName: ChatServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary(ChatServiceName, "ListChats", (*ChatService).ListChats),
		unary(ChatServiceName, "SyncNow", (*ChatService).SyncNow),
		unary(ChatServiceName, "SetChatSetting", (*ChatService).SetChatSetting),
		unary(ChatServiceName, "PinChat", (*ChatService).PinChat),
		unary(ChatServiceName, "MuteChat", (*ChatService).MuteChat),
		unary(ChatServiceName, "MarkChatRead", (*ChatService).MarkChatRead),
		unary(ChatServiceName, "PurgeChat", (*ChatService).PurgeChat),
		unary(ChatServiceName, "AddMembers", (*ChatService).AddMembers),
		unary(ChatServiceName, "UpdateGroup", (*ChatService).UpdateGroup),
		unary(ChatServiceName, "LeaveGroup", (*ChatService).LeaveGroup),
		unary(ChatServiceName, "UpdateRole", (*ChatService).UpdateRole),
		unary(ChatServiceName, "Status", (*ChatService).Status),
	},
	Streams: []grpc.StreamDesc{
		serverStream("WatchChanges", (*ChatService).WatchChanges),
	},
}

// RegisterChatService registers svc on s.
func RegisterChatService(s grpc.ServiceRegistrar, svc *ChatService) {
	s.RegisterService(&ChatServiceDesc, svc)
}

// ListChats returns the chat list from the store, pinned first.
func (s *ChatService) ListChats(ctx context.Context, _ *Empty) (*ListChatsResponse, error) {
	list := s.views.Chats
	if list.Revision() < s.bus.Revision() || list.Revision() == 0 {
		if err := list.Reload(ctx); err != nil {
			return nil, toStatus("list chats", err)
		}
	}
	return &ListChatsResponse{Chats: rowsToWire(list.Snapshot()), Revision: list.Revision()}, nil
}

// SyncNow fetches the chat list from the server.
func (s *ChatService) SyncNow(ctx context.Context, _ *Empty) (*SyncNowResponse, error) {
	if err := s.views.Chats.Refresh(ctx); err != nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "sync: %v", err)
	}
	if err := s.views.Chats.Reload(ctx); err != nil {
		return nil, toStatus("sync", err)
	}
	return &SyncNowResponse{Chats: len(s.views.Chats.Snapshot())}, nil
}

// SetChatSetting changes one device-local setting of a chat.
func (s *ChatService) SetChatSetting(ctx context.Context, req *SetChatSettingRequest) (*Empty, error) {
	field := store.Setting(req.Field)
	value, err := settingValue(field, req.Value)
	if err != nil {
		return nil, toStatus("set chat setting", err)
	}
	if err := s.db.SetLocalChatSetting(ctx, req.ChatID, field, value); err != nil {
		return nil, toStatus("set chat setting", err)
	}
	s.bus.Changed(bus.KindChatsChanged, req.ChatID)
	return &Empty{}, nil
}

// PinChat pins or unpins a chat.
func (s *ChatService) PinChat(ctx context.Context, req *PinChatRequest) (*Empty, error) {
	if err := s.db.SetPinned(ctx, req.ChatID, req.Pinned); err != nil {
		return nil, toStatus("pin chat", err)
	}
	s.bus.Changed(bus.KindChatsChanged, req.ChatID)
	return &Empty{}, nil
}

// MuteChat mutes or unmutes a chat.
func (s *ChatService) MuteChat(ctx context.Context, req *MuteChatRequest) (*Empty, error) {
	until := req.Until
	if d, err := time.ParseDuration(until); err == nil {
		if d <= 0 {
			return nil, toStatus("mute chat", fmt.Errorf("%w: mute duration must be positive", store.ErrInvalidSetting))
		}
		until = time.Now().Add(d).UTC().Format(time.RFC3339)
	}
	if err := s.db.MuteChat(ctx, req.ChatID, until); err != nil {
		return nil, toStatus("mute chat", err)
	}
	s.bus.Changed(bus.KindChatsChanged, req.ChatID)
	return &Empty{}, nil
}

// MarkChatRead marks a chat read locally and queues the read receipt.
func (s *ChatService) MarkChatRead(ctx context.Context, req *ChatRequest) (*MarkChatReadResponse, error) {
	n, err := s.rec.MarkChatRead(ctx, req.ChatID)
	if err != nil {
		return nil, toStatus("mark read", err)
	}
	return &MarkChatReadResponse{Changed: n}, nil
}

// PurgeChat removes a chat and its messages from this device.
func (s *ChatService) PurgeChat(ctx context.Context, req *ChatRequest) (*Empty, error) {
	s.views.Close(req.ChatID)
	if err := s.sender.PurgeChat(ctx, req.ChatID); err != nil {
		return nil, toStatus("purge chat", err)
	}
	return &Empty{}, nil
}

// AddMembers adds users to a group.
func (s *ChatService) AddMembers(ctx context.Context, req *AddMembersRequest) (*Empty, error) {
	if err := s.sender.AddMembers(ctx, req.ChatID, req.UserIDs); err != nil {
		return nil, toStatus("add members", err)
	}
	return &Empty{}, nil
}

// UpdateGroup edits a group's name or icon.
func (s *ChatService) UpdateGroup(ctx context.Context, req *UpdateGroupRequest) (*Empty, error) {
	if err := s.sender.UpdateGroup(ctx, req.ChatID, remote.GroupUpdate{Name: req.Name, IconURL: req.IconURL}); err != nil {
		return nil, toStatus("update group", err)
	}
	return &Empty{}, nil
}

// LeaveGroup leaves a group and purges it locally.
func (s *ChatService) LeaveGroup(ctx context.Context, req *ChatRequest) (*Empty, error) {
	s.views.Close(req.ChatID)
	if err := s.sender.LeaveGroup(ctx, req.ChatID); err != nil {
		return nil, toStatus("leave group", err)
	}
	return &Empty{}, nil
}

// UpdateRole changes a member's role.
func (s *ChatService) UpdateRole(ctx context.Context, req *UpdateRoleRequest) (*Empty, error) {
	if err := s.sender.UpdateRole(ctx, req.ChatID, req.UserID, req.Role); err != nil {
		return nil, toStatus("update role", err)
	}
	return &Empty{}, nil
}

// settingValue converts a JSON-decoded value to the type the store expects.
func settingValue(field store.Setting, v any) (any, error) {
	if field != store.SettingVibrationIntensity {
		return v, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return nil, fmt.Errorf("%w: %s wants an integer", store.ErrInvalidSetting, field)
		}
		return int(n), nil
	}
	return nil, fmt.Errorf("%w: %s wants a number, got %T", store.ErrInvalidSetting, field, v)
}
