package sync

import (
	"context"
	"errors"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/realtime"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
)

const viewer = 99

func testDB(t *testing.T) *store.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := store.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fakeAPI serves chats and newest-first message histories from memory.
type fakeAPI struct {
	mu        gosync.Mutex
	chats     []store.Chat
	history   map[int64][]store.Message
	listErr   error
	pageErr   error
	readErr   error
	listCalls int
	reads     []int64
	gate      chan struct{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{history: make(map[int64][]store.Message)}
}

func (f *fakeAPI) ListChats(ctx context.Context) ([]store.Chat, error) {
	f.mu.Lock()
	f.listCalls++
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	return append([]store.Chat(nil), f.chats...), nil
}

func (f *fakeAPI) ListMessages(ctx context.Context, chatID int64, limit, offset int) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pageErr != nil {
		return nil, f.pageErr
	}
	all := f.history[chatID]
	if offset >= len(all) {
		return nil, nil
	}
	end := min(offset+limit, len(all))
	return append([]store.Message(nil), all[offset:end]...), nil
}

func (f *fakeAPI) MarkRead(ctx context.Context, chatID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return f.readErr
	}
	f.reads = append(f.reads, chatID)
	return nil
}

func (f *fakeAPI) set(fn func(f *fakeAPI)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

// history builds n messages for a chat, newest first, one second apart.
func history(chatID int64, n int, sender int64) []store.Message {
	out := make([]store.Message, n)
	for i := range n {
		out[i] = store.Message{
			ID:        chatID*10000 + int64(n-i),
			GroupID:   chatID,
			SenderID:  sender,
			Type:      store.TypeText,
			Content:   "m",
			CreatedAt: int64(n-i) * 1000,
			Status:    store.StatusDelivered,
		}
	}
	return out
}

type fakeChannel struct {
	mu    gosync.Mutex
	calls []string
}

func (c *fakeChannel) Join(chatID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "join "+realtime.RoomFor(chatID))
}

func (c *fakeChannel) Leave(chatID int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "leave "+realtime.RoomFor(chatID))
}

func newReconciler(t *testing.T, api *fakeAPI) (*Reconciler, *store.DB, *status.Machine) {
	t.Helper()
	db := testDB(t)
	m := status.NewMachine(nil)
	r := NewReconciler(db, api, nil, bus.New(), m, nil, Options{ViewerID: viewer})
	return r, db, m
}

func TestSyncChatsStoresList(t *testing.T) {
	api := newFakeAPI()
	api.chats = []store.Chat{
		{ID: 1, Name: "a", LastMessageTime: 1000, UnreadCount: 2},
		{ID: 2, Name: "b", LastMessageTime: 2000},
	}
	r, db, m := newReconciler(t, api)
	ctx := context.Background()

	require.NoError(t, r.SyncChats(ctx))
	assert.Equal(t, status.Ready, m.Current())

	chats, err := db.QueryChatsOrdered(ctx)
	require.NoError(t, err)
	require.Len(t, chats, 2)
	assert.Equal(t, int64(2), chats[0].ID)

	_, ok, _ := db.Checkpoint(ctx, store.KeyChatsSyncedAt)
	assert.True(t, ok, "successful sync writes a checkpoint")
}

func TestSyncChatsOfflineServesCache(t *testing.T) {
	api := newFakeAPI()
	api.chats = []store.Chat{
		{ID: 1, LastMessageTime: 1000},
		{ID: 2, LastMessageTime: 3000},
		{ID: 3, LastMessageTime: 2000},
	}
	r, db, m := newReconciler(t, api)
	ctx := context.Background()
	require.NoError(t, r.SyncChats(ctx))
	require.NoError(t, db.SetPinned(ctx, 1, true))
	before, _ := db.QueryChatsOrdered(ctx)

	api.set(func(f *fakeAPI) { f.listErr = errors.New("network down") })
	err := r.SyncChats(ctx)
	require.Error(t, err)
	assert.Equal(t, status.Offline, m.Current())

	after, err := db.QueryChatsOrdered(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, []int64{1, 2, 3}, []int64{after[0].ID, after[1].ID, after[2].ID})
}

func TestSyncChatsCoalescesConcurrentCalls(t *testing.T) {
	api := newFakeAPI()
	api.gate = make(chan struct{})
	r, _, _ := newReconciler(t, api)

	var wg gosync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.SyncChats(context.Background())
		}()
	}
	require.Eventually(t, func() bool {
		api.mu.Lock()
		defer api.mu.Unlock()
		return api.listCalls == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(api.gate)
	wg.Wait()

	api.mu.Lock()
	defer api.mu.Unlock()
	assert.Equal(t, 1, api.listCalls, "concurrent syncs share one request")
}

func TestPaginationNoDuplicatesNoGaps(t *testing.T) {
	api := newFakeAPI()
	api.history[1] = history(1, 120, 5)
	r, db, _ := newReconciler(t, api)
	ctx := context.Background()
	r.Open(1)

	res, err := r.FetchPage(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 50, res.Inserted)
	assert.True(t, res.HasMore)

	res, err = r.LoadOlder(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Page)

	// A push arrived; the latest window is re-fetched.
	api.set(func(f *fakeAPI) {
		newest := store.Message{ID: 1_000_000, GroupID: 1, SenderID: 5, Type: store.TypeText, Content: "new", CreatedAt: 500_000, Status: store.StatusSent}
		f.history[1] = append([]store.Message{newest}, f.history[1]...)
	})
	res, err = r.FetchPage(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Inserted)

	msgs, err := db.QueryMessagesPage(ctx, 1, 500, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 101)

	seen := make(map[int64]bool)
	for i, m := range msgs {
		assert.False(t, seen[m.ID], "duplicate id %d", m.ID)
		seen[m.ID] = true
		if i > 0 {
			assert.Less(t, m.CreatedAt, msgs[i-1].CreatedAt)
		}
	}
	// Ids 1..120 shifted by one position; loaded pages cover the newest 100 of them.
	for n := int64(21); n <= 120; n++ {
		assert.True(t, seen[10000+n], "gap at message %d", n)
	}
}

func TestShortPageEndsBackfill(t *testing.T) {
	api := newFakeAPI()
	api.history[1] = history(1, 60, 5)
	r, _, _ := newReconciler(t, api)
	ctx := context.Background()
	r.Open(1)

	_, err := r.FetchPage(ctx, 1, 0)
	require.NoError(t, err)
	res, err := r.LoadOlder(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Fetched)
	assert.False(t, res.HasMore)

	api.set(func(f *fakeAPI) { f.pageErr = errors.New("must not be called") })
	res, err = r.LoadOlder(ctx, 1)
	require.NoError(t, err)
	assert.False(t, res.HasMore)

	// Reopening starts a new session with a fresh cursor.
	r.Open(1)
	_, hasMore := r.Cursor(1)
	assert.True(t, hasMore)
}

func TestFetchFailureKeepsCursor(t *testing.T) {
	api := newFakeAPI()
	api.history[1] = history(1, 120, 5)
	r, _, _ := newReconciler(t, api)
	ctx := context.Background()
	r.Open(1)
	_, err := r.FetchPage(ctx, 1, 0)
	require.NoError(t, err)

	api.set(func(f *fakeAPI) { f.pageErr = errors.New("timeout") })
	_, err = r.LoadOlder(ctx, 1)
	require.Error(t, err)
	next, hasMore := r.Cursor(1)
	assert.Equal(t, 1, next)
	assert.True(t, hasMore)

	api.set(func(f *fakeAPI) { f.pageErr = nil })
	res, err := r.LoadOlder(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Page)
}

func TestOpenCloseSwitchRooms(t *testing.T) {
	ch := &fakeChannel{}
	r, _, _ := newReconciler(t, newFakeAPI())
	r.SetChannel(ch)

	r.Open(1)
	r.Open(2)
	r.Close(1) // stale close for a chat that is no longer active
	assert.Equal(t, int64(2), r.Active())
	r.Close(2)
	assert.Zero(t, r.Active())

	assert.Equal(t, []string{"join chat_1", "join chat_2", "leave chat_2"}, ch.calls)
}

func TestMarkChatReadSendsReceipt(t *testing.T) {
	api := newFakeAPI()
	r, db, _ := newReconciler(t, api)
	ctx := context.Background()
	_, err := db.UpsertMessages(ctx, history(1, 3, 5))
	require.NoError(t, err)

	n, err := r.MarkChatRead(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	r.Wait()

	assert.Equal(t, []int64{1}, api.reads)
	pending, _ := db.PendingReceipts(ctx)
	assert.Empty(t, pending)
}

func TestFailedReceiptIsRetriedOnSync(t *testing.T) {
	api := newFakeAPI()
	api.readErr = errors.New("offline")
	r, db, _ := newReconciler(t, api)
	ctx := context.Background()
	_, err := db.UpsertMessages(ctx, history(4, 2, 5))
	require.NoError(t, err)

	_, err = r.MarkChatRead(ctx, 4)
	require.NoError(t, err, "local read succeeds without the network")
	r.Wait()

	c, _ := db.GetChat(ctx, 4)
	assert.Zero(t, c.UnreadCount)
	pending, _ := db.PendingReceipts(ctx)
	assert.Equal(t, []int64{4}, pending)

	api.set(func(f *fakeAPI) { f.readErr = nil })
	require.NoError(t, r.SyncChats(ctx))
	pending, _ = db.PendingReceipts(ctx)
	assert.Empty(t, pending)
	assert.Equal(t, []int64{4}, api.reads)
}

func TestOpenChatKeepsLocalReadAcrossSync(t *testing.T) {
	api := newFakeAPI()
	api.chats = []store.Chat{{ID: 1, LastMessageTime: 1000, UnreadCount: 5}}
	r, db, _ := newReconciler(t, api)
	ctx := context.Background()
	require.NoError(t, r.SyncChats(ctx))

	r.Open(1)
	_, err := r.MarkChatRead(ctx, 1)
	require.NoError(t, err)

	// The server has newer activity the viewer has not seen yet.
	api.set(func(f *fakeAPI) { f.chats = []store.Chat{{ID: 1, LastMessageTime: 2000, UnreadCount: 1}} })
	require.NoError(t, r.SyncChats(ctx))
	r.Wait()

	c, _ := db.GetChat(ctx, 1)
	assert.Zero(t, c.UnreadCount, "an open chat always shows zero unread")
}

func TestSyncLeavesOpeningChatUnread(t *testing.T) {
	api := newFakeAPI()
	api.chats = []store.Chat{{ID: 1, LastMessageTime: 3000, UnreadCount: 3}}
	api.history[1] = history(1, 3, 5)
	r, db, _ := newReconciler(t, api)
	ctx := context.Background()

	r.Open(1)
	_, err := r.FetchPage(ctx, 1, 0)
	require.NoError(t, err)

	// A scheduled sync lands before the thread has shown its divider.
	require.NoError(t, r.SyncChats(ctx))
	r.Wait()

	c, _ := db.GetChat(ctx, 1)
	assert.Equal(t, 3, c.UnreadCount, "sync must not read a chat that was never marked read")
	page, err := db.QueryMessagesPage(ctx, 1, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, DividerIndex(page, viewer))
	assert.Empty(t, api.reads)

	_, err = r.MarkChatRead(ctx, 1)
	require.NoError(t, err)
	api.set(func(f *fakeAPI) { f.chats = []store.Chat{{ID: 1, LastMessageTime: 4000, UnreadCount: 1}} })
	require.NoError(t, r.SyncChats(ctx))
	r.Wait()

	c, _ = db.GetChat(ctx, 1)
	assert.Zero(t, c.UnreadCount, "after the first read mark the open chat stays read")
}

func pushMessage(t *testing.T, chatID, id, sender, createdAt int64) realtime.Event {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"id": id, "group_id": chatID, "sender_id": sender, "type": "text", "content": "push",
		"created_at": time.UnixMilli(createdAt).UTC().Format(time.RFC3339Nano), "status": "sent",
	})
	require.NoError(t, err)
	return realtime.Event{Kind: realtime.EventNewMessage, Room: realtime.RoomFor(chatID), ChatID: chatID, Payload: payload}
}

func TestHandleNewMessageCountsUnreadOnce(t *testing.T) {
	r, db, _ := newReconciler(t, newFakeAPI())
	ctx := context.Background()

	evt := pushMessage(t, 3, 77, 5, 5000)
	r.HandleEvent(ctx, evt)
	r.HandleEvent(ctx, evt) // at-least-once delivery

	c, err := db.GetChat(ctx, 3)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 1, c.UnreadCount)
	assert.Equal(t, "push", c.LastMessage)
	assert.Equal(t, int64(5000), c.LastMessageTime)

	r.HandleEvent(ctx, pushMessage(t, 3, 78, viewer, 6000))
	c, _ = db.GetChat(ctx, 3)
	assert.Equal(t, 1, c.UnreadCount, "own messages never count as unread")
}

func TestHandleNewMessageInOpenChatIsRead(t *testing.T) {
	api := newFakeAPI()
	r, db, _ := newReconciler(t, api)
	ctx := context.Background()
	r.Open(3)

	r.HandleEvent(ctx, pushMessage(t, 3, 77, 5, 5000))
	r.Wait()

	m, _ := db.GetMessage(ctx, 77)
	require.NotNil(t, m)
	assert.Equal(t, store.StatusRead, m.Status)
	c, _ := db.GetChat(ctx, 3)
	assert.Zero(t, c.UnreadCount)
	assert.Equal(t, []int64{3}, api.reads)
}

func TestHandleReactionAndDeletion(t *testing.T) {
	r, db, _ := newReconciler(t, newFakeAPI())
	ctx := context.Background()
	b := r.bus
	sub, unsub := b.Subscribe(bus.StoreNamespace, 10)
	defer unsub()

	r.HandleEvent(ctx, pushMessage(t, 3, 77, 5, 5000))
	<-sub

	r.HandleEvent(ctx, realtime.Event{
		Kind: realtime.EventReaction, Room: "chat_3", ChatID: 3,
		Payload: json.RawMessage(`{"message_id":77,"reactions":{"👍":[5,6]}}`),
	})
	evt := <-sub
	assert.Equal(t, int64(3), evt.ChatID)
	m, _ := db.GetMessage(ctx, 77)
	assert.Equal(t, []int64{5, 6}, m.Reactions["👍"])

	r.HandleEvent(ctx, realtime.Event{
		Kind: realtime.EventDeletion, Room: "chat_3", ChatID: 3,
		Payload: json.RawMessage(`{"message_id":77}`),
	})
	<-sub
	m, _ = db.GetMessage(ctx, 77)
	require.NotNil(t, m, "deletions by others keep a tombstone")
	assert.True(t, m.IsDeleted)
	assert.Empty(t, m.Content)

	// Unknown messages and malformed payloads are ignored.
	r.HandleEvent(ctx, realtime.Event{Kind: realtime.EventDeletion, Payload: json.RawMessage(`{"message_id":404}`)})
	r.HandleEvent(ctx, realtime.Event{Kind: realtime.EventReaction, Payload: json.RawMessage(`not json`)})
	assert.Equal(t, uint64(3), b.Revision())
}

func TestDividerIndex(t *testing.T) {
	other := func(s store.Status) store.Message { return store.Message{SenderID: 5, Status: s} }
	mine := store.Message{SenderID: viewer, Status: store.StatusSent}
	sent, read := store.StatusSent, store.StatusRead

	tests := []struct {
		name string
		msgs []store.Message
		want int
	}{
		{"empty", nil, -1},
		{"all read", []store.Message{other(read), other(read)}, -1},
		{"only own", []store.Message{mine, mine}, -1},
		{"all unread", []store.Message{other(sent), other(sent), other(sent)}, 2},
		{"run then read", []store.Message{other(sent), other(sent), other(read)}, 1},
		{"run then own", []store.Message{other(sent), mine, other(read)}, 0},
		{"two runs picks older", []store.Message{other(sent), mine, other(sent), other(sent), other(read)}, 3},
		{"delivered counts as unread", []store.Message{other(store.StatusDelivered)}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DividerIndex(tt.msgs, viewer))
		})
	}
}
