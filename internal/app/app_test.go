package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"slices"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/petervdpas/roomchat/internal/api"
	"github.com/petervdpas/roomchat/internal/call"
	"github.com/petervdpas/roomchat/internal/chat"
	"github.com/petervdpas/roomchat/internal/proto"
	"github.com/petervdpas/roomchat/internal/storage"
	"github.com/petervdpas/roomchat/internal/transport"
)

type fakeAPI struct {
	conversations []proto.Conversation
	users         []proto.ParticipantInfo
}

func (f *fakeAPI) Conversations(ctx context.Context, page, size int) (*api.Page[proto.Conversation], error) {
	return &api.Page[proto.Conversation]{CurrentPage: page, TotalPages: 1, Data: f.conversations}, nil
}

func (f *fakeAPI) Messages(ctx context.Context, id string, page, size int) (*api.Page[proto.Message], error) {
	return &api.Page[proto.Message]{CurrentPage: page, TotalPages: 1}, nil
}

func (f *fakeAPI) CreateConversation(ctx context.Context, req api.CreateConversationRequest) (*api.ConversationCreated, error) {
	return nil, errors.New("not supported")
}

func (f *fakeAPI) DeleteConversation(ctx context.Context, id string) error { return nil }

func (f *fakeAPI) SearchUsers(ctx context.Context, keyword string, page, pageSize int) ([]proto.ParticipantInfo, error) {
	var out []proto.ParticipantInfo
	for _, u := range f.users {
		if strings.Contains(u.Username, keyword) {
			out = append(out, u)
		}
	}
	return out, nil
}

func (f *fakeAPI) UploadFiles(ctx context.Context, paths ...string) ([]api.FileMetadata, error) {
	return nil, errors.New("not supported")
}

// fakeSocket stands in for the transport on both the chat and call sides.
type fakeSocket struct {
	mu        sync.Mutex
	handlers  map[string]transport.Handler
	published []string
	joins     []string
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{handlers: make(map[string]transport.Handler)}
}

func (s *fakeSocket) Connect(ctx context.Context) error { return nil }
func (s *fakeSocket) Disconnect()                       {}
func (s *fakeSocket) Connected() bool                   { return true }

func (s *fakeSocket) JoinRoom(id string) {
	s.mu.Lock()
	s.joins = append(s.joins, id)
	s.mu.Unlock()
}

func (s *fakeSocket) LeaveRoom(string) {}

func (s *fakeSocket) Publish(event string, payload any) {
	s.mu.Lock()
	s.published = append(s.published, event)
	s.mu.Unlock()
}

func (s *fakeSocket) Subscribe(event string, h transport.Handler) *transport.Subscription {
	s.mu.Lock()
	s.handlers[event] = h
	s.mu.Unlock()
	return nil
}

func (s *fakeSocket) fire(t *testing.T, event string, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	s.mu.Lock()
	h := s.handlers[event]
	s.mu.Unlock()
	if h == nil {
		t.Fatalf("no handler for %s", event)
	}
	h(b)
}

func (s *fakeSocket) sent(event string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Contains(s.published, event)
}

// fakeLocal stands in for the local database.
type fakeLocal struct {
	mu    sync.Mutex
	users map[string]storage.CachedUser
}

func (*fakeLocal) ListDrafts() ([]storage.DraftRow, error) {
	return []storage.DraftRow{{ConversationID: "c1", Body: "half a thought", UpdatedAt: time.Now()}}, nil
}

func (f *fakeLocal) UpsertUser(u storage.CachedUser) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	u.LastSeen = time.Now()
	f.users[u.UserID] = u
	return nil
}

func (f *fakeLocal) UserName(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[id].Username
}

func (f *fakeLocal) ListCachedUsers() ([]storage.CachedUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.CachedUser
	for _, u := range f.users {
		out = append(out, u)
	}
	return out, nil
}

type rig struct {
	api    *fakeAPI
	sock   *fakeSocket
	engine *chat.Engine
	calls  *call.Controller
}

func newRig(t *testing.T) *rig {
	t.Helper()
	fa := &fakeAPI{
		conversations: []proto.Conversation{
			chat.NewConversation("g1", proto.ConversationGroup, "team", "",
				[]proto.ParticipantInfo{{UserID: "me"}, {UserID: "u2"}, {UserID: "u3"}}),
			chat.NewConversation("c1", proto.ConversationPrivate, "bob", "",
				[]proto.ParticipantInfo{{UserID: "me"}, {UserID: "u2", Username: "bob"}}),
		},
		users: []proto.ParticipantInfo{{UserID: "u2", Username: "bob"}, {UserID: "u3", Username: "carol"}},
	}
	sock := newFakeSocket()
	engine := chat.New(fa, sock, nil, chat.Options{SelfID: "me"})
	calls := call.New(sock, call.Options{})
	t.Cleanup(func() {
		calls.Close()
		engine.Close()
	})

	engine.Attach(sock)
	calls.Attach(sock)
	focusCaller(calls, engine)

	engine.LoadConversations()
	r := &rig{api: fa, sock: sock, engine: engine, calls: calls}
	r.settle(t)
	return r
}

func (r *rig) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.calls.Settle(ctx); err != nil {
		t.Fatal(err)
	}
	if err := r.engine.Settle(ctx); err != nil {
		t.Fatal(err)
	}
}

func (r *rig) ring(t *testing.T, from string) {
	t.Helper()
	r.sock.fire(t, proto.EventCallIncoming, proto.CallIncoming{
		SignalType: proto.SignalCallIncoming,
		CallID:     "k1",
		FromUserID: from,
		CallType:   proto.CallAudio,
	})
	r.settle(t)
}

func TestIncomingCallFocusesCallerConversation(t *testing.T) {
	r := newRig(t)
	if _, ok := r.engine.Selected(); ok {
		t.Fatal("selection before any call")
	}

	r.ring(t, "u2")

	sel, ok := r.engine.Selected()
	if !ok || sel.ID != "c1" {
		t.Fatalf("selected = %+v ok=%v", sel, ok)
	}
	if st := r.calls.State(); st.Phase != call.PhaseIncomingRinging || st.RemoteUserID != "u2" {
		t.Fatalf("call state = %+v", st)
	}
}

func TestIncomingCallKeepsExistingSelection(t *testing.T) {
	r := newRig(t)
	if err := r.engine.SelectConversationID("g1"); err != nil {
		t.Fatal(err)
	}
	r.settle(t)

	r.ring(t, "u2")

	if sel, _ := r.engine.Selected(); sel.ID != "g1" {
		t.Fatalf("selected = %s", sel.ID)
	}
}

func newTestConsole(r *rig) (*console, *bytes.Buffer, *bool) {
	var out bytes.Buffer
	quit := false
	local := &fakeLocal{users: make(map[string]storage.CachedUser)}
	return &console{
		out:    &out,
		client: r.api,
		conn:   r.sock,
		chat:   r.engine,
		calls:  r.calls,
		drafts: local,
		users:  local,
		logs:   NewLogBuffer(10),
		quit:   func() { quit = true },
	}, &out, &quit
}

func TestConsoleChatCommands(t *testing.T) {
	r := newRig(t)
	c, out, _ := newTestConsole(r)
	ctx := context.Background()

	c.exec(ctx, "hello")
	if !strings.Contains(out.String(), "no conversation selected") {
		t.Fatalf("out = %q", out.String())
	}

	out.Reset()
	c.exec(ctx, "/convs")
	if !strings.Contains(out.String(), "bob") || !strings.Contains(out.String(), "team") {
		t.Fatalf("convs = %q", out.String())
	}

	idx := slices.IndexFunc(r.engine.Conversations(), func(cv proto.Conversation) bool { return cv.ID == "c1" })
	c.exec(ctx, "/open "+strconv.Itoa(idx+1))
	r.settle(t)
	if sel, ok := r.engine.Selected(); !ok || sel.ID != "c1" {
		t.Fatalf("selected = %+v", sel)
	}

	c.exec(ctx, "hello there")
	if !r.sock.sent(proto.EventChatSend) {
		t.Fatal("chat.send not published")
	}
	if msgs := r.engine.Messages(); len(msgs) != 1 || msgs[0].Message != "hello there" {
		t.Fatalf("messages = %+v", msgs)
	}

	out.Reset()
	c.exec(ctx, "/search car")
	if !strings.Contains(out.String(), "u3") || strings.Contains(out.String(), "u2") {
		t.Fatalf("search = %q", out.String())
	}

	out.Reset()
	c.exec(ctx, "/users")
	if !strings.Contains(out.String(), "carol") {
		t.Fatalf("users = %q", out.String())
	}

	out.Reset()
	c.exec(ctx, "/drafts")
	if !strings.Contains(out.String(), "half a thought") {
		t.Fatalf("drafts = %q", out.String())
	}

	out.Reset()
	c.exec(ctx, "/open 99")
	if !strings.Contains(out.String(), "no conversation #99") {
		t.Fatalf("out = %q", out.String())
	}
}

func TestConsoleCallCommands(t *testing.T) {
	r := newRig(t)
	c, out, _ := newTestConsole(r)
	ctx := context.Background()

	c.exec(ctx, "/decline")
	if !strings.Contains(out.String(), call.ErrNoCall.Error()) {
		t.Fatalf("out = %q", out.String())
	}

	r.ring(t, "u2")

	out.Reset()
	c.exec(ctx, "/call u3 audio")
	if !strings.Contains(out.String(), call.ErrBusy.Error()) {
		t.Fatalf("out = %q", out.String())
	}

	c.exec(ctx, "/search bob")
	out.Reset()
	c.exec(ctx, "/callstate")
	if !strings.Contains(out.String(), string(call.PhaseIncomingRinging)) || !strings.Contains(out.String(), "with bob") {
		t.Fatalf("callstate = %q", out.String())
	}

	c.exec(ctx, "/decline")
	r.settle(t)
	if !r.sock.sent(proto.EventCallDecline) {
		t.Fatal("call.decline not published")
	}
	if st := r.calls.State(); st.Phase != call.PhaseIdle || st.EndReason != "declined" {
		t.Fatalf("state = %+v", st)
	}
}

func TestConsoleRunQuits(t *testing.T) {
	r := newRig(t)
	c, out, quit := newTestConsole(r)

	c.run(context.Background(), strings.NewReader("/help\n/nope\n/quit\n/convs\n"))

	if !*quit {
		t.Fatal("quit not called")
	}
	s := out.String()
	if !strings.Contains(s, "/callstate") || !strings.Contains(s, "unknown command /nope") {
		t.Fatalf("out = %q", s)
	}
	if strings.Contains(s, "bob") {
		t.Fatal("commands ran after /quit")
	}
}
