package store

import (
	"path/filepath"
	"testing"

	"github.com/zhanat1998/arashan-chat/internal/chat"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestConversationRoundTrip(t *testing.T) {
	db := testDB(t)
	c := chat.Conversation{
		ID: "c1", BuyerID: "buyer-1", ShopID: "shop-1", ShopName: "Ak-Bata",
		LastMessage: "hello", LastMessageAt: 1000, UnreadCount: 2,
	}
	if err := db.UpsertConversation(&c); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetConversation("c1")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || *got != c {
		t.Errorf("got %+v, want %+v", got, c)
	}

	// Upsert with the same id updates in place.
	c.LastMessage = "newer"
	c.UnreadCount = 0
	if err := db.UpsertConversation(&c); err != nil {
		t.Fatal(err)
	}
	convs, err := db.ListConversations(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 1 || convs[0].LastMessage != "newer" || convs[0].UnreadCount != 0 {
		t.Errorf("convs = %+v", convs)
	}

	if got, _ := db.GetConversation("missing"); got != nil {
		t.Errorf("GetConversation(missing) = %+v, want nil", got)
	}
}

func TestListConversationsOrder(t *testing.T) {
	db := testDB(t)
	for _, c := range []chat.Conversation{
		{ID: "c1", BuyerID: "b", ShopID: "s1", LastMessageAt: 1000},
		{ID: "c2", BuyerID: "b", ShopID: "s2", LastMessageAt: 3000},
		{ID: "c3", BuyerID: "b", ShopID: "s3", LastMessageAt: 2000},
	} {
		if err := db.UpsertConversation(&c); err != nil {
			t.Fatal(err)
		}
	}
	convs, err := db.ListConversations(0)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"c2", "c3", "c1"}
	for i, id := range want {
		if convs[i].ID != id {
			t.Errorf("convs[%d] = %s, want %s", i, convs[i].ID, id)
		}
	}
}

func TestReplaceConversations(t *testing.T) {
	db := testDB(t)
	_ = db.UpsertConversation(&chat.Conversation{ID: "stale", BuyerID: "b", ShopID: "s"})

	fresh := []chat.Conversation{
		{ID: "c1", BuyerID: "b", ShopID: "s1", LastMessageAt: 1000},
		{ID: "c2", BuyerID: "b", ShopID: "s2", LastMessageAt: 2000},
	}
	if err := db.ReplaceConversations(fresh); err != nil {
		t.Fatal(err)
	}
	convs, err := db.ListConversations(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(convs) != 2 {
		t.Fatalf("got %d conversations, want 2", len(convs))
	}
	if got, _ := db.GetConversation("stale"); got != nil {
		t.Error("stale conversation survived replace")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	db := testDB(t)
	m := chat.Message{
		ID: "m1", ConversationID: "c1", SenderID: "shop-1", ReceiverID: "buyer-1",
		SenderName: "Shop", Body: "look at this", Type: chat.TypeImage,
		Metadata:  map[string]any{"url": "https://cdn.example/x.jpg"},
		CreatedAt: 1000,
	}
	if err := db.UpsertMessage(&m); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	got := msgs[0]
	if got.Body != m.Body || got.Type != chat.TypeImage {
		t.Errorf("got %+v", got)
	}
	if got.Metadata["url"] != "https://cdn.example/x.jpg" {
		t.Errorf("metadata = %v", got.Metadata)
	}
}

func TestUpsertMessageSkipsPending(t *testing.T) {
	db := testDB(t)
	m := chat.Message{ID: "tmp-1", ConversationID: "c1", SenderID: "b", ReceiverID: "s", CreatedAt: 1000, Pending: true}
	if err := db.UpsertMessage(&m); err != nil {
		t.Fatal(err)
	}
	n, err := db.CountMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("cached %d pending messages, want 0", n)
	}
}

func TestUpsertMessageReadMonotonic(t *testing.T) {
	db := testDB(t)
	m := chat.Message{ID: "m1", ConversationID: "c1", SenderID: "s", ReceiverID: "b", Body: "x", CreatedAt: 1000, IsRead: true}
	if err := db.UpsertMessage(&m); err != nil {
		t.Fatal(err)
	}

	// A stale update without the read flag must not unread it.
	m.IsRead = false
	m.Body = "x (edited)"
	m.IsEdited = true
	if err := db.UpsertMessage(&m); err != nil {
		t.Fatal(err)
	}
	msgs, err := db.ListMessages("c1", 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !msgs[0].IsRead {
		t.Error("read flag lost on stale update")
	}
	if !msgs[0].IsEdited || msgs[0].Body != "x (edited)" {
		t.Errorf("edit not applied: %+v", msgs[0])
	}
}

func TestListMessagesKeysetPagination(t *testing.T) {
	db := testDB(t)
	for i := 1; i <= 5; i++ {
		m := chat.Message{
			ID: string(rune('a'+i-1)) + "-msg", ConversationID: "c1",
			SenderID: "s", ReceiverID: "b", CreatedAt: int64(i * 1000),
		}
		if err := db.UpsertMessage(&m); err != nil {
			t.Fatal(err)
		}
	}

	page, err := db.ListMessages("c1", 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].CreatedAt != 5000 || page[1].CreatedAt != 4000 {
		t.Fatalf("first window = %+v", page)
	}

	older, err := db.ListMessages("c1", page[1].CreatedAt, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(older) != 2 || older[0].CreatedAt != 3000 || older[1].CreatedAt != 2000 {
		t.Fatalf("second window = %+v", older)
	}
}

func TestDeleteAndMarkRead(t *testing.T) {
	db := testDB(t)
	for _, id := range []string{"m1", "m2"} {
		m := chat.Message{ID: id, ConversationID: "c1", SenderID: "s", ReceiverID: "b", CreatedAt: 1000}
		if err := db.UpsertMessage(&m); err != nil {
			t.Fatal(err)
		}
	}

	if err := db.MarkMessagesRead([]string{"m1", "m2"}); err != nil {
		t.Fatal(err)
	}
	msgs, _ := db.ListMessages("c1", 0, 0)
	for _, m := range msgs {
		if !m.IsRead {
			t.Errorf("message %s not read", m.ID)
		}
	}

	if err := db.DeleteMessage("m1"); err != nil {
		t.Fatal(err)
	}
	if n, _ := db.CountMessages("c1"); n != 1 {
		t.Errorf("count = %d after delete, want 1", n)
	}
}
