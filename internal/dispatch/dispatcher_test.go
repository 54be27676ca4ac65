package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/zhanat1998/arashan-chat/internal/api"
	"github.com/zhanat1998/arashan-chat/internal/bus"
	"github.com/zhanat1998/arashan-chat/internal/chat"
	"github.com/zhanat1998/arashan-chat/internal/presence"
	"github.com/zhanat1998/arashan-chat/internal/realtime"
	"github.com/zhanat1998/arashan-chat/internal/registry"
	"github.com/zhanat1998/arashan-chat/internal/thread"
)

type fakeScopes struct {
	mu   sync.Mutex
	held map[string]realtime.Scope
}

func newFakeScopes() *fakeScopes {
	return &fakeScopes{held: make(map[string]realtime.Scope)}
}

func (f *fakeScopes) Acquire(scope realtime.Scope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.held[scope.Key()]; ok {
		return realtime.ErrScopeHeld
	}
	f.held[scope.Key()] = scope
	return nil
}

func (f *fakeScopes) Release(scope realtime.Scope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held, scope.Key())
}

func (f *fakeScopes) holds(scope realtime.Scope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.held[scope.Key()]
	return ok
}

func (f *fakeScopes) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.held)
}

// fakeBackend serves pages and the conversation list, counting calls.
type fakeBackend struct {
	mu         sync.Mutex
	convs      map[string]chat.Conversation
	msgs       map[string][]chat.Message
	pageCalls  int
	listCalls  int
	markedRead [][]string
}

func (f *fakeBackend) FetchPage(_ context.Context, convID string, limit, offset int) (*api.ConversationPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageCalls++
	history := f.msgs[convID]
	var window []chat.Message
	for i := len(history) - 1 - offset; i >= 0 && len(window) < limit; i-- {
		window = append(window, history[i])
	}
	return &api.ConversationPage{
		Conversation: f.convs[convID],
		Messages:     window,
		Pagination: api.Pagination{
			Total: len(history), Limit: limit,
			HasMore: offset+len(window) < len(history),
		},
	}, nil
}

func (f *fakeBackend) ListConversations(_ context.Context) ([]chat.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	var out []chat.Conversation
	for _, c := range f.convs {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeBackend) CreateConversation(_ context.Context, counterpartyID, _ string) (*chat.Conversation, error) {
	return &chat.Conversation{ID: "created", BuyerID: "buyer-1", ShopID: counterpartyID}, nil
}

func (f *fakeBackend) MarkRead(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markedRead = append(f.markedRead, ids)
	return nil
}

func (f *fakeBackend) UpsertPresence(_ context.Context, _ chat.PresenceRecord) error {
	return nil
}

type fixture struct {
	bus      *bus.Bus
	scopes   *fakeScopes
	backend  *fakeBackend
	thread   *thread.Store
	registry *registry.Registry
	presence *presence.Tracker
	d        *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := bus.New()
	backend := &fakeBackend{
		convs: map[string]chat.Conversation{
			"c1": {ID: "c1", BuyerID: "buyer-1", ShopID: "shop-1", LastMessageAt: 1000},
			"c2": {ID: "c2", BuyerID: "buyer-1", ShopID: "shop-2", LastMessageAt: 2000},
		},
		msgs: map[string][]chat.Message{
			"c1": {
				{ID: "m1", ConversationID: "c1", SenderID: "shop-1", ReceiverID: "buyer-1", Body: "hello", CreatedAt: 900},
				{ID: "m2", ConversationID: "c1", SenderID: "shop-1", ReceiverID: "buyer-1", Body: "there", CreatedAt: 1000},
			},
		},
	}
	scopes := newFakeScopes()
	ts := thread.NewStore(backend, b, 30, 30, nil)
	reg := registry.New(backend, b, "buyer-1", nil)
	if err := reg.FetchAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	pres := presence.New(backend, b, "buyer-1", time.Hour, time.Hour, nil)
	d := New(scopes, ts, reg, pres, backend, b, "buyer-1", nil)
	if err := d.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(d.Stop)
	return &fixture{bus: b, scopes: scopes, backend: backend, thread: ts, registry: reg, presence: pres, d: d}
}

func (fx *fixture) pushChange(t *testing.T, event, table string, row any) {
	t.Helper()
	b, err := json.Marshal(row)
	if err != nil {
		t.Fatal(err)
	}
	fx.bus.Emit(bus.KindRTChange, realtime.Change{Event: event, Table: table, Row: b})
}

// waitFor polls until cond holds or the deadline passes. Bus delivery is
// asynchronous, so routed effects need a moment to land.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

// flakyScopes fails the first n Acquire calls, then delegates.
type flakyScopes struct {
	*fakeScopes
	failMu   sync.Mutex
	failures int
}

func (f *flakyScopes) Acquire(scope realtime.Scope) error {
	f.failMu.Lock()
	if f.failures > 0 {
		f.failures--
		f.failMu.Unlock()
		return errors.New("feed unavailable")
	}
	f.failMu.Unlock()
	return f.fakeScopes.Acquire(scope)
}

func TestStopReturnsAfterFailedStart(t *testing.T) {
	b := bus.New()
	backend := &fakeBackend{
		convs: map[string]chat.Conversation{},
		msgs:  map[string][]chat.Message{},
	}
	inner := newFakeScopes()
	scopes := &flakyScopes{fakeScopes: inner, failures: 1}
	ts := thread.NewStore(backend, b, 30, 30, nil)
	reg := registry.New(backend, b, "buyer-1", nil)
	pres := presence.New(backend, b, "buyer-1", time.Hour, time.Hour, nil)
	d := New(scopes, ts, reg, pres, backend, b, "buyer-1", nil)

	if err := d.Start(context.Background()); err == nil {
		t.Fatal("Start() = nil, want error when a scope cannot be acquired")
	}
	if n := inner.count(); n != 0 {
		t.Errorf("%d scopes held after failed Start, want 0", n)
	}

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop() blocked after a failed Start()")
	}

	// A later Start must retry from scratch, not report already-running.
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("retried Start() error = %v", err)
	}
	defer d.Stop()
	if !inner.holds(realtime.Scope{Table: "presence"}) {
		t.Error("standing scopes not acquired by the retried Start")
	}
}

func TestStartAcquiresStandingScopes(t *testing.T) {
	fx := newFixture(t)
	if !fx.scopes.holds(realtime.Scope{Table: "messages", Filter: map[string]string{"receiver_id": "buyer-1"}}) {
		t.Error("inbox scope not held")
	}
	if !fx.scopes.holds(realtime.Scope{Table: "presence"}) {
		t.Error("presence scope not held")
	}
}

func TestStopReleasesEverything(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.d.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	fx.d.Stop()
	if n := fx.scopes.count(); n != 0 {
		t.Errorf("%d scopes still held after Stop", n)
	}
}

func TestOpenConversationScopeFollowsThread(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.d.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	c1Scope := realtime.Scope{Table: "messages", Filter: map[string]string{"conversation_id": "c1"}}
	if !fx.scopes.holds(c1Scope) {
		t.Error("c1 scope not held after open")
	}

	if _, err := fx.d.OpenConversation(context.Background(), "c2"); err != nil {
		t.Fatal(err)
	}
	if fx.scopes.holds(c1Scope) {
		t.Error("c1 scope still held after switching to c2")
	}
	if !fx.scopes.holds(realtime.Scope{Table: "messages", Filter: map[string]string{"conversation_id": "c2"}}) {
		t.Error("c2 scope not held")
	}
}

func TestOpenConversationMarksLoadedUnread(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.d.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	if ids := fx.thread.UnreadIDs("buyer-1"); len(ids) != 0 {
		t.Errorf("unread after open = %v, want none", ids)
	}
	fx.backend.mu.Lock()
	defer fx.backend.mu.Unlock()
	if len(fx.backend.markedRead) != 1 || len(fx.backend.markedRead[0]) != 2 {
		t.Errorf("read receipts = %v, want one batch of 2", fx.backend.markedRead)
	}
}

func TestInsertRoutedToOpenThread(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.d.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	nch, nunsub := fx.bus.Subscribe("notify.", 8)
	defer nunsub()

	fx.pushChange(t, "insert", "messages", chat.Message{
		ID: "m3", ConversationID: "c1", SenderID: "shop-1", ReceiverID: "buyer-1",
		Body: "fresh", CreatedAt: 1100,
	})

	waitFor(t, func() bool {
		_, ok := fx.thread.Get("m3")
		return ok
	}, "inserted message never reached the thread")

	m, _ := fx.thread.Get("m3")
	if !m.IsRead {
		t.Error("message in the open conversation not marked read")
	}
	select {
	case <-nch:
		t.Error("notification raised for the open conversation")
	default:
	}
}

func TestInsertEchoFiltered(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.d.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	before := len(fx.thread.Messages())

	fx.pushChange(t, "insert", "messages", chat.Message{
		ID: "srv-9", ConversationID: "c1", SenderID: "buyer-1", ReceiverID: "shop-1",
		Body: "my own echo", CreatedAt: 1200,
	})

	time.Sleep(50 * time.Millisecond)
	if got := len(fx.thread.Messages()); got != before {
		t.Errorf("buffer grew to %d from own echo, want %d", got, before)
	}
}

func TestDuplicatePushSingleEntry(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.d.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	msg := chat.Message{
		ID: "m3", ConversationID: "c1", SenderID: "shop-1", ReceiverID: "buyer-1",
		Body: "once", CreatedAt: 1100,
	}
	fx.pushChange(t, "insert", "messages", msg)
	time.Sleep(200 * time.Millisecond)
	fx.pushChange(t, "insert", "messages", msg)
	time.Sleep(100 * time.Millisecond)

	count := 0
	for _, m := range fx.thread.Messages() {
		if m.ID == "m3" {
			count++
		}
	}
	if count != 1 {
		t.Errorf("%d entries for m3, want exactly 1", count)
	}
}

func TestBackgroundInsertNotifiesAndCounts(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.d.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	nch, nunsub := fx.bus.Subscribe("notify.", 8)
	defer nunsub()

	fx.pushChange(t, "insert", "messages", chat.Message{
		ID: "m9", ConversationID: "c2", SenderID: "shop-2", ReceiverID: "buyer-1",
		SenderName: "Shop Two", Body: "psst over here", CreatedAt: 3000,
	})

	var note Notification
	select {
	case evt := <-nch:
		note, _ = evt.Payload.(Notification)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification for background conversation")
	}
	if note.ConversationID != "c2" || note.Preview != "psst over here" {
		t.Errorf("notification = %+v", note)
	}

	waitFor(t, func() bool {
		c, _ := fx.registry.Get("c2")
		return c.UnreadCount == 1
	}, "background unread count never incremented")

	// The open thread must not absorb the foreign message.
	if _, ok := fx.thread.Get("m9"); ok {
		t.Error("foreign conversation message landed in the open thread")
	}
}

func TestUpdateAndDeleteRouted(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.d.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	fx.pushChange(t, "update", "messages", chat.Message{
		ID: "m1", ConversationID: "c1", Body: "hello (edited)", IsEdited: true, EditedAt: 5000,
	})
	waitFor(t, func() bool {
		m, _ := fx.thread.Get("m1")
		return m.IsEdited
	}, "edit never applied")

	fx.pushChange(t, "delete", "messages", chat.Message{ID: "m2", ConversationID: "c1"})
	waitFor(t, func() bool {
		_, ok := fx.thread.Get("m2")
		return !ok
	}, "delete never applied")
}

func TestDeleteRewindsDrawerSummary(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.d.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	fresh := chat.Message{
		ID: "m3", ConversationID: "c1", SenderID: "shop-1", ReceiverID: "buyer-1",
		Body: "fresh", CreatedAt: 1100,
	}
	fx.pushChange(t, "insert", "messages", fresh)
	waitFor(t, func() bool {
		c, _ := fx.registry.Get("c1")
		return c.LastMessage == "fresh"
	}, "summary never picked up the insert")

	fx.pushChange(t, "delete", "messages", fresh)
	waitFor(t, func() bool {
		c, _ := fx.registry.Get("c1")
		return c.LastMessage == "there" && c.LastMessageAt == 1000
	}, "drawer still shows the tombstoned message as last_message")
}

func TestPresenceRowsRouted(t *testing.T) {
	fx := newFixture(t)
	fx.pushChange(t, "update", "presence", chat.PresenceRecord{
		UserID: "shop-1", Status: chat.StatusOnline, TypingIn: "c1",
	})
	waitFor(t, func() bool {
		rec, ok := fx.presence.Get("shop-1")
		return ok && rec.TypingIn == "c1"
	}, "presence row never applied")
}

func TestReconnectResyncs(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.d.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	// Message lands server-side while the feed is down.
	fx.backend.mu.Lock()
	fx.backend.msgs["c1"] = append(fx.backend.msgs["c1"], chat.Message{
		ID: "m-missed", ConversationID: "c1", SenderID: "shop-1", ReceiverID: "buyer-1",
		Body: "you missed this", CreatedAt: 2000,
	})
	listsBefore := fx.backend.listCalls
	fx.backend.mu.Unlock()

	fx.bus.Emit(bus.KindRTDisconnected, nil)
	fx.bus.Emit(bus.KindRTConnected, nil)

	waitFor(t, func() bool {
		_, ok := fx.thread.Get("m-missed")
		return ok
	}, "missed message never recovered by resync")
	waitFor(t, func() bool {
		fx.backend.mu.Lock()
		defer fx.backend.mu.Unlock()
		return fx.backend.listCalls > listsBefore
	}, "conversation list never refreshed by resync")
}

func TestFirstConnectDoesNotResync(t *testing.T) {
	fx := newFixture(t)
	fx.backend.mu.Lock()
	listsBefore := fx.backend.listCalls
	fx.backend.mu.Unlock()

	fx.bus.Emit(bus.KindRTConnected, nil)
	time.Sleep(50 * time.Millisecond)

	fx.backend.mu.Lock()
	defer fx.backend.mu.Unlock()
	if fx.backend.listCalls != listsBefore {
		t.Error("initial connect triggered a resync")
	}
}

func TestCloseConversationClearsState(t *testing.T) {
	fx := newFixture(t)
	if _, err := fx.d.OpenConversation(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	fx.d.CloseConversation()

	if fx.thread.ConversationID() != "" {
		t.Error("thread still open after close")
	}
	if fx.scopes.holds(realtime.Scope{Table: "messages", Filter: map[string]string{"conversation_id": "c1"}}) {
		t.Error("conversation scope still held after close")
	}
	if fx.registry.OpenID() != "" {
		t.Error("registry still tracks an open conversation")
	}
}
