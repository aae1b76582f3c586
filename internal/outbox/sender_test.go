package outbox

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/remote"
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

// fakeServer is a tiny in-memory chat server shared by one or more clients.
type fakeServer struct {
	mu        gosync.Mutex
	nextID    int64
	messages  map[int64]bool
	sendErr   error
	reactErr  error
	reactions store.Reactions
	groupErr  error
	calls     []string
}

func newFakeServer() *fakeServer {
	return &fakeServer{nextID: 500, messages: make(map[int64]bool)}
}

func apiErr(code int) error {
	return &remote.APIError{StatusCode: code, Method: http.MethodPost, URL: "/test"}
}

func (f *fakeServer) record(call string) {
	f.calls = append(f.calls, call)
}

func (f *fakeServer) SendMessage(ctx context.Context, chatID int64, body remote.SendBody) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("send")
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.nextID++
	f.messages[f.nextID] = true
	typ := body.Type
	if typ == "" {
		typ = store.TypeText
	}
	return &store.Message{
		ID: f.nextID, GroupID: chatID, SenderID: viewer, Type: typ,
		Content: body.Content, CreatedAt: 10_000 + f.nextID, Status: store.StatusSent,
	}, nil
}

func (f *fakeServer) React(ctx context.Context, messageID int64, reaction string) (store.Reactions, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("react")
	return f.reactions, f.reactErr
}

func (f *fakeServer) DeleteMessage(ctx context.Context, messageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("delete")
	if !f.messages[messageID] {
		return apiErr(http.StatusNotFound)
	}
	delete(f.messages, messageID)
	return nil
}

func (f *fakeServer) AddMembers(ctx context.Context, chatID int64, userIDs []int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("add_members")
	return f.groupErr
}

func (f *fakeServer) UpdateGroup(ctx context.Context, chatID int64, update remote.GroupUpdate) (*store.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("update_group")
	if f.groupErr != nil {
		return nil, f.groupErr
	}
	return &store.Chat{ID: chatID, Name: update.Name, Type: store.ChatGroup, IconURL: update.IconURL}, nil
}

func (f *fakeServer) LeaveGroup(ctx context.Context, chatID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("leave")
	return f.groupErr
}

func (f *fakeServer) UpdateRole(ctx context.Context, chatID, userID int64, role string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("update_role")
	return f.groupErr
}

func TestSendStoresServerRecord(t *testing.T) {
	db := testDB(t)
	b := bus.New()
	sub, unsub := b.Subscribe("outbox.", 10)
	defer unsub()
	s := NewSender(db, newFakeServer(), b, nil, viewer)
	ctx := context.Background()

	m, err := s.Send(ctx, SendRequest{ChatID: 7, Content: "  hello  "})
	require.NoError(t, err)
	assert.Equal(t, "hello", m.Content)

	stored, err := db.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, store.StatusSent, stored.Status)

	c, _ := db.GetChat(ctx, 7)
	require.NotNil(t, c)
	assert.Equal(t, "hello", c.LastMessage)
	assert.Equal(t, m.CreatedAt, c.LastMessageTime)

	first, second := <-sub, <-sub
	assert.Equal(t, KindSending, first.Kind)
	assert.Equal(t, KindSent, second.Kind)
	a := second.Payload.(Attempt)
	assert.Equal(t, Sent, a.State)
	assert.Equal(t, m.ID, a.MessageID)
	assert.Equal(t, first.Payload.(Attempt).ID, a.ID)
}

func TestSendFailureLeavesNoPhantom(t *testing.T) {
	db := testDB(t)
	srv := newFakeServer()
	srv.sendErr = errors.New("connection reset")
	b := bus.New()
	sub, unsub := b.Subscribe("outbox.failed", 10)
	defer unsub()
	s := NewSender(db, srv, b, nil, viewer)
	ctx := context.Background()

	_, err := s.Send(ctx, SendRequest{ChatID: 7, Content: "hello"})
	require.Error(t, err)
	var inaccessible *ChatInaccessibleError
	assert.False(t, errors.As(err, &inaccessible))

	n, err := db.CountMessages(ctx, 7)
	require.NoError(t, err)
	assert.Zero(t, n, "no phantom message after a failed send")
	c, _ := db.GetChat(ctx, 7)
	assert.Nil(t, c, "no placeholder chat either")

	select {
	case evt := <-sub:
		a := evt.Payload.(Attempt)
		assert.Equal(t, Failed, a.State)
		assert.Contains(t, a.Err, "connection reset")
	case <-time.After(time.Second):
		t.Fatal("no outbox.failed event")
	}
}

func TestSendForbiddenOffersPurge(t *testing.T) {
	db := testDB(t)
	srv := newFakeServer()
	srv.sendErr = apiErr(http.StatusForbidden)
	s := NewSender(db, srv, bus.New(), nil, viewer)
	ctx := context.Background()
	require.NoError(t, db.UpsertChat(ctx, &store.Chat{ID: 7, Name: "gone"}))

	_, err := s.Send(ctx, SendRequest{ChatID: 7, Content: "hello"})
	var inaccessible *ChatInaccessibleError
	require.ErrorAs(t, err, &inaccessible)
	assert.Equal(t, int64(7), inaccessible.ChatID)

	c, _ := db.GetChat(ctx, 7)
	assert.NotNil(t, c, "a 403 never purges automatically")

	require.NoError(t, s.PurgeChat(ctx, 7))
	c, _ = db.GetChat(ctx, 7)
	assert.Nil(t, c)
}

func TestSendValidation(t *testing.T) {
	db := testDB(t)
	srv := newFakeServer()
	s := NewSender(db, srv, bus.New(), nil, viewer)

	tests := []struct {
		name string
		req  SendRequest
	}{
		{"empty content", SendRequest{ChatID: 1}},
		{"blank content", SendRequest{ChatID: 1, Content: " \n\t"}},
		{"missing chat", SendRequest{Content: "x"}},
		{"malformed type", SendRequest{ChatID: 1, Content: "x", Type: "Sticker"}},
		{"overlong type", SendRequest{ChatID: 1, Content: "x", Type: strings.Repeat("a", 33)}},
		{"negative reply", SendRequest{ChatID: 1, Content: "x", ReplyToID: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Send(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
	assert.Empty(t, srv.calls, "validation failures never reach the network")
}

func TestSendPassesOtherMediaTypes(t *testing.T) {
	db := testDB(t)
	s := NewSender(db, newFakeServer(), bus.New(), nil, viewer)
	ctx := context.Background()

	m, err := s.Send(ctx, SendRequest{ChatID: 3, Content: "party.gif", Type: "sticker"})
	require.NoError(t, err)

	stored, err := db.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "sticker", stored.Type)
}

// TestDeleteConvergence covers a delete for everyone racing with a local
// delete on another device: both devices end up without the message and
// neither sees an error.
func TestDeleteConvergence(t *testing.T) {
	srv := newFakeServer()
	dbA, dbB := testDB(t), testDB(t)
	a := NewSender(dbA, srv, bus.New(), nil, viewer)
	b := NewSender(dbB, srv, bus.New(), nil, viewer)
	ctx := context.Background()

	m, err := a.Send(ctx, SendRequest{ChatID: 1, Content: "oops"})
	require.NoError(t, err)
	require.NoError(t, dbB.UpsertMessage(ctx, m))

	require.NoError(t, b.Delete(ctx, m.ID, ScopeSelf))
	require.NoError(t, a.Delete(ctx, m.ID, ScopeEveryone))
	require.NoError(t, b.Delete(ctx, m.ID, ScopeEveryone), "404 is success")

	for name, db := range map[string]*store.DB{"A": dbA, "B": dbB} {
		got, err := db.GetMessage(ctx, m.ID)
		require.NoError(t, err)
		assert.Nil(t, got, "client %s still has the message", name)

		// A later page fetch must not bring it back either.
		require.NoError(t, db.UpsertMessage(ctx, m))
		got, _ = db.GetMessage(ctx, m.ID)
		assert.Nil(t, got, "client %s resurrected the message", name)
	}
	assert.Equal(t, []string{"send", "delete", "delete"}, srv.calls)
}

func TestDeleteForEveryoneRequiresPermission(t *testing.T) {
	db := testDB(t)
	srv := newFakeServer()
	s := NewSender(db, srv, bus.New(), nil, viewer)
	ctx := context.Background()

	other := store.Message{ID: 1, GroupID: 2, SenderID: 5, Type: store.TypeText, Content: "theirs", CreatedAt: 1}
	require.NoError(t, db.UpsertMessage(ctx, &other))

	err := s.Delete(ctx, 1, ScopeEveryone)
	assert.ErrorIs(t, err, ErrNotAllowed)
	assert.Empty(t, srv.calls)

	require.NoError(t, db.SetChatRole(ctx, 2, RoleAdmin))
	srv.messages[1] = true
	require.NoError(t, s.Delete(ctx, 1, ScopeEveryone))
	got, _ := db.GetMessage(ctx, 1)
	assert.Nil(t, got)

	assert.ErrorIs(t, s.Delete(ctx, 1, Scope("nobody")), ErrValidation)
}

func TestReactAppliesServerSet(t *testing.T) {
	db := testDB(t)
	srv := newFakeServer()
	srv.reactions = store.Reactions{"🔥": {viewer, 5}}
	s := NewSender(db, srv, bus.New(), nil, viewer)
	ctx := context.Background()
	m := store.Message{ID: 3, GroupID: 1, SenderID: 5, Type: store.TypeText, Content: "x", CreatedAt: 1}
	require.NoError(t, db.UpsertMessage(ctx, &m))

	require.NoError(t, s.React(ctx, 3, "🔥"))
	got, _ := db.GetMessage(ctx, 3)
	assert.Equal(t, []int64{5, viewer}, got.Reactions["🔥"])
}

func TestReactTogglesLocallyOnBareAck(t *testing.T) {
	db := testDB(t)
	s := NewSender(db, newFakeServer(), bus.New(), nil, viewer)
	ctx := context.Background()
	m := store.Message{ID: 3, GroupID: 1, SenderID: 5, Type: store.TypeText, Content: "x", CreatedAt: 1}
	require.NoError(t, db.UpsertMessage(ctx, &m))

	require.NoError(t, s.React(ctx, 3, "👍"))
	got, _ := db.GetMessage(ctx, 3)
	assert.Equal(t, []int64{viewer}, got.Reactions["👍"])

	require.NoError(t, s.React(ctx, 3, "👍"))
	got, _ = db.GetMessage(ctx, 3)
	assert.NotContains(t, got.Reactions, "👍")

	assert.ErrorIs(t, s.React(ctx, 3, " "), ErrValidation)
}

func TestReactOnVanishedMessagePurges(t *testing.T) {
	db := testDB(t)
	srv := newFakeServer()
	srv.reactErr = apiErr(http.StatusNotFound)
	s := NewSender(db, srv, bus.New(), nil, viewer)
	ctx := context.Background()
	m := store.Message{ID: 3, GroupID: 1, SenderID: 5, Type: store.TypeText, Content: "x", CreatedAt: 1}
	require.NoError(t, db.UpsertMessage(ctx, &m))

	require.NoError(t, s.React(ctx, 3, "👍"))
	got, _ := db.GetMessage(ctx, 3)
	assert.Nil(t, got)
}

func TestGroupAdministration(t *testing.T) {
	db := testDB(t)
	srv := newFakeServer()
	s := NewSender(db, srv, bus.New(), nil, viewer)
	ctx := context.Background()
	require.NoError(t, db.UpsertChat(ctx, &store.Chat{ID: 4, Name: "old", Type: store.ChatGroup}))
	require.NoError(t, db.SetPinned(ctx, 4, true))

	require.NoError(t, s.AddMembers(ctx, 4, []int64{8}))
	assert.ErrorIs(t, s.AddMembers(ctx, 4, nil), ErrValidation)

	require.NoError(t, s.UpdateGroup(ctx, 4, remote.GroupUpdate{Name: "new"}))
	c, _ := db.GetChat(ctx, 4)
	assert.Equal(t, "new", c.Name)
	assert.True(t, c.IsPinned, "group update keeps local settings")

	require.NoError(t, s.UpdateRole(ctx, 4, viewer, RoleAdmin))
	c, _ = db.GetChat(ctx, 4)
	assert.Equal(t, RoleAdmin, c.Role)

	srv.groupErr = apiErr(http.StatusForbidden)
	var inaccessible *ChatInaccessibleError
	assert.ErrorAs(t, s.UpdateRole(ctx, 4, 8, "member"), &inaccessible)

	require.NoError(t, s.LeaveGroup(ctx, 4), "leaving an inaccessible group still purges it")
	c, _ = db.GetChat(ctx, 4)
	assert.Nil(t, c)
}

func TestCanDeleteForEveryone(t *testing.T) {
	own := store.Message{SenderID: viewer}
	theirs := store.Message{SenderID: 5}

	tests := []struct {
		name string
		msgs []store.Message
		role string
		want bool
	}{
		{"nothing selected", nil, RoleAdmin, false},
		{"own messages", []store.Message{own, own}, "member", true},
		{"mixed as member", []store.Message{own, theirs}, "member", false},
		{"mixed as admin", []store.Message{own, theirs}, RoleAdmin, true},
		{"theirs as owner", []store.Message{theirs}, RoleOwner, true},
		{"theirs without role", []store.Message{theirs}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanDeleteForEveryone(tt.msgs, viewer, tt.role))
		})
	}
}

func TestAttemptTransitions(t *testing.T) {
	a := newAttempt(1)
	require.NoError(t, a.to(Sending))
	require.NoError(t, a.to(Sent))
	assert.Error(t, a.to(Sending), "sent is terminal; a retry is a new attempt")

	b := newAttempt(1)
	assert.Error(t, b.to(Sent), "an attempt must be sending before it is sent")
	assert.NotEqual(t, a.ID, b.ID)
}
