package api

import (
	"context"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/chatsync/internal/outbox"
	"github.com/matheus3301/chatsync/internal/store"
	"github.com/matheus3301/chatsync/internal/viewmodel"
)

// MessageService implements chatsync.v1.MessageService: the open thread,
// message actions and local search.
type MessageService struct {
	db     *store.DB
	views  *viewmodel.Views
	sender *outbox.Sender
}

// NewMessageService creates the message service.
func NewMessageService(db *store.DB, views *viewmodel.Views, sender *outbox.Sender) *MessageService {
	return &MessageService{db: db, views: views, sender: sender}
}

// MessageServiceDesc describes chatsync.v1.MessageService.
var MessageServiceDesc = grpc.ServiceDesc{
	ServiceName: MessageServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{
		unary(MessageServiceName, "OpenChat", (*MessageService).OpenChat),
		unary(MessageServiceName, "CloseChat", (*MessageService).CloseChat),
		unary(MessageServiceName, "LoadMore", (*MessageService).LoadMore),
		unary(MessageServiceName, "GetWindow", (*MessageService).GetWindow),
		unary(MessageServiceName, "SendMessage", (*MessageService).SendMessage),
		unary(MessageServiceName, "ReactToMessage", (*MessageService).ReactToMessage),
		unary(MessageServiceName, "DeleteMessage", (*MessageService).DeleteMessage),
		unary(MessageServiceName, "SearchMessages", (*MessageService).SearchMessages),
	},
}

// RegisterMessageService registers svc on s.
func RegisterMessageService(s grpc.ServiceRegistrar, svc *MessageService) {
	s.RegisterService(&MessageServiceDesc, svc)
}

// OpenChat makes a chat the open thread and returns its first window.
func (s *MessageService) OpenChat(ctx context.Context, req *ChatRequest) (*WindowResponse, error) {
	if req.ChatID <= 0 {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "chat_id is required")
	}
	t := s.views.Open(ctx, req.ChatID)
	notice, _ := t.Flash.Get()
	return windowToWire(t.Window(), notice), nil
}

// CloseChat closes the thread of a chat if it is open.
func (s *MessageService) CloseChat(_ context.Context, req *ChatRequest) (*Empty, error) {
	s.views.Close(req.ChatID)
	return &Empty{}, nil
}

// LoadMore grows the open thread by one older page. A failed fetch returns
// the current window with a notice.
func (s *MessageService) LoadMore(ctx context.Context, req *ChatRequest) (*WindowResponse, error) {
	t, err := s.thread(req.ChatID)
	if err != nil {
		return nil, err
	}
	w, err := t.LoadMore(ctx)
	notice := ""
	if err != nil {
		notice, _ = t.Flash.Get()
	}
	return windowToWire(w, notice), nil
}

// GetWindow returns the current window of the open thread.
func (s *MessageService) GetWindow(_ context.Context, req *ChatRequest) (*WindowResponse, error) {
	t, err := s.thread(req.ChatID)
	if err != nil {
		return nil, err
	}
	notice, _ := t.Flash.Get()
	return windowToWire(t.Window(), notice), nil
}

func (s *MessageService) thread(chatID int64) (*viewmodel.Thread, error) {
	t, ok := s.views.Thread(chatID)
	if !ok {
		return nil, grpcstatus.Errorf(codes.FailedPrecondition, "chat %d is not open", chatID)
	}
	return t, nil
}

// SendMessage sends a message and returns the stored record.
func (s *MessageService) SendMessage(ctx context.Context, req *SendMessageRequest) (*SendMessageResponse, error) {
	m, err := s.sender.Send(ctx, outbox.SendRequest{
		ChatID:    req.ChatID,
		Content:   req.Content,
		Type:      req.Type,
		Metadata:  req.Metadata,
		ReplyToID: req.ReplyToID,
	})
	if err != nil {
		return nil, toStatus("send message", err)
	}
	return &SendMessageResponse{Message: messageToWire(m)}, nil
}

// ReactToMessage toggles the viewer's reaction on a message.
func (s *MessageService) ReactToMessage(ctx context.Context, req *ReactRequest) (*Empty, error) {
	if err := s.sender.React(ctx, req.MessageID, req.Reaction); err != nil {
		return nil, toStatus("react", err)
	}
	return &Empty{}, nil
}

// DeleteMessage deletes a message. An empty scope deletes for self.
func (s *MessageService) DeleteMessage(ctx context.Context, req *DeleteMessageRequest) (*Empty, error) {
	scope := outbox.Scope(strings.ToLower(req.Scope))
	if scope == "" {
		scope = outbox.ScopeSelf
	}
	if err := s.sender.Delete(ctx, req.MessageID, scope); err != nil {
		return nil, toStatus("delete message", err)
	}
	return &Empty{}, nil
}

// SearchMessages runs a full-text search over stored messages.
func (s *MessageService) SearchMessages(ctx context.Context, req *SearchMessagesRequest) (*SearchMessagesResponse, error) {
	if strings.TrimSpace(req.Query) == "" {
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "query is required")
	}
	results, err := s.db.SearchMessages(ctx, req.Query, req.ChatID, req.Limit)
	if err != nil {
		return nil, toStatus("search messages", err)
	}
	out := make([]SearchResult, len(results))
	for i := range results {
		out[i] = SearchResult{Message: messageToWire(&results[i].Message), Snippet: results[i].Snippet}
	}
	return &SearchMessagesResponse{Results: out}, nil
}
