package daemon

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"

	"github.com/matheus3301/chatsync/internal/api"
	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/client"
	"github.com/matheus3301/chatsync/internal/config"
	"github.com/matheus3301/chatsync/internal/lock"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/session"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
	chatsync "github.com/matheus3301/chatsync/internal/sync"
)

const viewer = 99

// chatServer is a fake chat backend: REST endpoints plus a websocket push
// endpoint at /ws.
type chatServer struct {
	*httptest.Server

	mu     gosync.Mutex
	chats  []remote.ChatDTO
	msgs   map[int64][]remote.MessageDTO
	nextID int64
	reads  []int64
	rooms  []string
	conn   *websocket.Conn
}

func newChatServer(t *testing.T) *chatServer {
	t.Helper()
	now := time.Now().UTC()
	s := &chatServer{
		chats: []remote.ChatDTO{
			{ID: 1, Name: "Team", Type: "group", LastMessage: "hi", LastMessageType: "text", LastMessageTime: &now, UnreadCount: 2},
			{ID: 2, Name: "Ana", Type: "private"},
		},
		msgs:   make(map[int64][]remote.MessageDTO),
		nextID: 1000,
	}
	for i := 3; i >= 1; i-- {
		s.msgs[1] = append(s.msgs[1], remote.MessageDTO{
			ID: int64(100 + i), GroupID: 1, SenderID: 5, Type: "text",
			Content: fmt.Sprintf("message %d", i), CreatedAt: now.Add(time.Duration(i-3) * time.Minute), Status: "delivered",
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /chats", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		writeJSON(w, s.chats)
	})
	mux.HandleFunc("GET /chats/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		s.mu.Lock()
		defer s.mu.Unlock()
		all := s.msgs[id]
		if offset >= len(all) {
			writeJSON(w, []remote.MessageDTO{})
			return
		}
		writeJSON(w, all[offset:min(offset+limit, len(all))])
	})
	mux.HandleFunc("POST /chats/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
		var body remote.SendBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		s.mu.Lock()
		defer s.mu.Unlock()
		s.nextID++
		m := remote.MessageDTO{ID: s.nextID, GroupID: id, SenderID: viewer, Type: "text", Content: body.Content, CreatedAt: time.Now().UTC(), Status: "sent"}
		s.msgs[id] = append([]remote.MessageDTO{m}, s.msgs[id]...)
		writeJSON(w, m)
	})
	mux.HandleFunc("POST /chats/{id}/read", func(w http.ResponseWriter, r *http.Request) {
		id, _ := strconv.ParseInt(r.PathValue("id"), 10, 64)
		s.mu.Lock()
		s.reads = append(s.reads, id)
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /ws", s.serveWS)

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func (s *chatServer) serveWS(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f struct {
			Action string `json:"action"`
			Room   string `json:"room"`
		}
		if json.Unmarshal(data, &f) == nil && f.Action == "join" {
			s.mu.Lock()
			s.rooms = append(s.rooms, f.Room)
			s.mu.Unlock()
		}
	}
}

func (s *chatServer) joined(room string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rooms {
		if r == room {
			return true
		}
	}
	return false
}

func (s *chatServer) push(t *testing.T, event, room string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	data, err := json.Marshal(map[string]any{"event": event, "room": room, "payload": json.RawMessage(raw)})
	require.NoError(t, err)
	s.mu.Lock()
	defer s.mu.Unlock()
	require.NotNil(t, s.conn)
	require.NoError(t, s.conn.WriteMessage(websocket.TextMessage, data))
}

func (s *chatServer) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reads)
}

// shortHome points the session tree at a short temp path so the socket path
// stays under the 104-byte Unix socket limit on macOS.
func shortHome(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "cs-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	t.Setenv(session.EnvHome, dir)
	return dir
}

func testConfig(srv *chatServer, withRealtime bool) *config.Config {
	cfg := &config.Config{
		APIBaseURL:     srv.URL,
		ViewerID:       viewer,
		PageSize:       50,
		ReadDelay:      "10ms",
		SyncSchedule:   "@every 1h",
		RequestTimeout: "5s",
	}
	if withRealtime {
		cfg.RealtimeURL = "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	}
	return cfg
}

func startDaemon(t *testing.T, cfg *config.Config) (*client.Client, *fx.App) {
	t.Helper()
	app := fx.New(
		Module(Params{SessionName: "test", Config: cfg}),
		fx.NopLogger,
	)
	require.NoError(t, app.Err())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, app.Start(ctx))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = app.Stop(ctx)
	})

	c, err := client.New(session.SocketPath("test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, app
}

func TestDaemonLifecycle(t *testing.T) {
	home := shortHome(t)
	srv := newChatServer(t)
	c, app := startDaemon(t, testConfig(srv, false))
	ctx := context.Background()

	require.Eventually(t, func() bool {
		resp, err := c.Chat.ListChats(ctx)
		return err == nil && len(resp.Chats) == 2
	}, 5*time.Second, 20*time.Millisecond, "initial sync never landed")

	var st *api.StatusResponse
	require.Eventually(t, func() bool {
		var err error
		st, err = c.Chat.Status(ctx)
		return err == nil && st.State == string(status.Ready)
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "test", st.Session)
	assert.Equal(t, int64(2), st.ChatCount)
	assert.False(t, st.Realtime)

	require.NoError(t, c.Chat.PinChat(ctx, 2, true))
	list, err := c.Chat.ListChats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), list.Chats[0].ID)

	w, err := c.Message.OpenChat(ctx, 1)
	require.NoError(t, err)
	require.Len(t, w.Messages, 3)
	assert.Equal(t, 2, w.Divider, "divider on the oldest unread message")

	require.Eventually(t, func() bool { return srv.readCount() > 0 }, 5*time.Second, 20*time.Millisecond, "read receipt never sent")
	require.Eventually(t, func() bool {
		w, err = c.Message.GetWindow(ctx, 1)
		return err == nil && w.Messages[0].Status == "read"
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 2, w.Divider, "divider stays put after the read mark")

	sent, err := c.Message.SendMessage(ctx, &api.SendMessageRequest{ChatID: 1, Content: "on my way"})
	require.NoError(t, err)
	assert.Equal(t, "on my way", sent.Message.Content)

	found, err := c.Message.SearchMessages(ctx, &api.SearchMessagesRequest{Query: "way"})
	require.NoError(t, err)
	require.Len(t, found.Results, 1)

	err = c.Chat.PinChat(ctx, 404, true)
	assert.Equal(t, codes.NotFound, grpcstatus.Code(err))

	require.NoError(t, app.Stop(context.Background()))
	assert.Zero(t, lock.Holder(filepath.Join(home, "sessions", "test")), "lock released on stop")
}

func TestWatchChangesStream(t *testing.T) {
	shortHome(t)
	srv := newChatServer(t)
	c, _ := startDaemon(t, testConfig(srv, false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *api.ChangeEvent, 16)
	go func() {
		_ = c.Chat.WatchChanges(ctx, bus.StoreNamespace, func(evt *api.ChangeEvent) error {
			got <- evt
			return nil
		})
	}()

	// The subscription is set up asynchronously; keep writing until an event arrives.
	deadline := time.After(5 * time.Second)
	for {
		_, err := c.Chat.SyncNow(context.Background())
		require.NoError(t, err)
		select {
		case evt := <-got:
			assert.True(t, strings.HasPrefix(evt.Kind, bus.StoreNamespace))
			assert.Equal(t, "test", evt.Session)
			assert.NotEmpty(t, evt.EventID)
			assert.NotZero(t, evt.Revision)
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("no change event streamed")
		}
	}
}

func TestRealtimePushReachesOpenThread(t *testing.T) {
	shortHome(t)
	srv := newChatServer(t)
	c, _ := startDaemon(t, testConfig(srv, true))
	ctx := context.Background()

	require.Eventually(t, func() bool {
		st, err := c.Chat.Status(ctx)
		return err == nil && st.Realtime
	}, 5*time.Second, 20*time.Millisecond, "realtime never connected")

	_, err := c.Message.OpenChat(ctx, 1)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return srv.joined("chat_1") }, 5*time.Second, 20*time.Millisecond)

	srv.push(t, realtime.EventNewMessage, "chat_1", remote.MessageDTO{
		ID: 777, GroupID: 1, SenderID: 5, Type: "text", Content: "pushed", CreatedAt: time.Now().UTC(), Status: "sent",
	})

	require.Eventually(t, func() bool {
		w, err := c.Message.GetWindow(ctx, 1)
		return err == nil && len(w.Messages) > 0 && w.Messages[0].ID == 777
	}, 5*time.Second, 20*time.Millisecond, "pushed message never shown")

	list, err := c.Chat.ListChats(ctx)
	require.NoError(t, err)
	for _, chat := range list.Chats {
		if chat.ID == 1 {
			assert.Zero(t, chat.UnreadCount, "open chat stays read")
			assert.Equal(t, "pushed", chat.LastMessage)
		}
	}
}

func TestSecondDaemonFailsOnLock(t *testing.T) {
	shortHome(t)
	srv := newChatServer(t)

	l, err := lock.Acquire(session.Dir("test"))
	require.NoError(t, err)
	defer func() { _ = l.Release() }()

	app := fx.New(Module(Params{SessionName: "test", Config: testConfig(srv, false)}), fx.NopLogger)
	require.Error(t, app.Err())
	assert.ErrorContains(t, app.Err(), "session lock held by PID")
}

type countingSyncer struct{ n atomic.Int32 }

func (c *countingSyncer) SyncChats(context.Context) error {
	c.n.Add(1)
	return nil
}

func TestSchedulerRunsSync(t *testing.T) {
	s := NewScheduler("@every 1s", zap.NewNop())
	syncer := &countingSyncer{}
	require.NoError(t, s.Start(context.Background(), syncer))
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool { return syncer.n.Load() > 0 }, 5*time.Second, 50*time.Millisecond)
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	s := NewScheduler("every minute", zap.NewNop())
	assert.Error(t, s.Start(context.Background(), &countingSyncer{}))
}

func TestWatchRealtimeMapsState(t *testing.T) {
	srv := newChatServer(t)
	db, err := store.Open(filepath.Join(t.TempDir(), "t.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	b := bus.New()
	m := status.NewMachine(b)
	rec := chatsync.NewReconciler(db, remote.New(remote.Options{BaseURL: srv.URL}, nil), nil, b, m, nil, chatsync.Options{ViewerID: viewer})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, rec.SyncChats(ctx))
	require.Equal(t, status.Ready, m.Current())

	go watchRealtime(ctx, b, rec, m, zap.NewNop())
	// Let the watcher subscribe.
	time.Sleep(20 * time.Millisecond)

	b.Publish(bus.Event{Kind: realtime.KindDisconnected})
	require.Eventually(t, func() bool { return m.Current() == status.Reconnecting }, time.Second, 5*time.Millisecond)

	b.Publish(bus.Event{Kind: realtime.KindConnected})
	require.Eventually(t, func() bool { return m.Current() == status.Ready }, 2*time.Second, 5*time.Millisecond)
}
