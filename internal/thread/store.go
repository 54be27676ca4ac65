package thread

import (
	"context"
	"fmt"
	"sync"

	"github.com/zhanat1998/arashan-chat/internal/api"
	"github.com/zhanat1998/arashan-chat/internal/bus"
	"github.com/zhanat1998/arashan-chat/internal/chat"
	"go.uber.org/zap"
)

// PageFetcher fetches one window of a conversation's history. Implemented
// by *api.Client.
type PageFetcher interface {
	FetchPage(ctx context.Context, convID string, limit, offset int) (*api.ConversationPage, error)
}

// PageLoaded is the payload of thread.page_loaded events. Prepended tells
// the view how many rows were inserted above the viewport so it can restore
// its scroll position.
type PageLoaded struct {
	ConversationID string
	Prepended      int
}

// Store is the in-memory buffer for the currently open conversation.
// The buffer is always sorted oldest→newest by (CreatedAt, ID) and holds at
// most one entry per message id. Confirmed messages are never reordered;
// backward pages are prepended, live arrivals are inserted in order.
type Store struct {
	fetcher PageFetcher
	bus     *bus.Bus
	logger  *zap.Logger

	initialLimit int
	pageLimit    int

	mu      sync.Mutex
	gen     int
	convID  string
	conv    chat.Conversation
	msgs    []chat.Message
	cursor  chat.Cursor
	loading bool
}

// NewStore creates a thread store. initialLimit sizes the page fetched on
// open (just enough to fill the first screen); pageLimit sizes backward
// loads.
func NewStore(fetcher PageFetcher, b *bus.Bus, initialLimit, pageLimit int, logger *zap.Logger) *Store {
	if initialLimit <= 0 {
		initialLimit = 30
	}
	if pageLimit <= 0 {
		pageLimit = 50
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		fetcher:      fetcher,
		bus:          b,
		logger:       logger,
		initialLimit: initialLimit,
		pageLimit:    pageLimit,
	}
}

// Open loads the most recent page of the conversation and resets the cursor.
// Any previously open conversation is discarded first.
func (s *Store) Open(ctx context.Context, convID string) (*chat.Conversation, error) {
	s.mu.Lock()
	s.reset()
	gen := s.gen
	s.mu.Unlock()

	page, err := s.fetcher.FetchPage(ctx, convID, s.initialLimit, 0)
	if err != nil {
		return nil, fmt.Errorf("open conversation: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		// Another Open or Close raced this one; drop the stale page.
		return nil, chat.ErrNoConversation
	}
	s.convID = convID
	s.conv = page.Conversation
	s.msgs = reverse(page.Messages)
	s.cursor = chat.Cursor{
		Limit:   page.Pagination.Limit,
		Offset:  len(page.Messages),
		Total:   page.Pagination.Total,
		HasMore: page.Pagination.HasMore,
	}
	conv := s.conv
	s.emitUpdated()
	return &conv, nil
}

// LoadMore fetches the next older page and prepends it to the buffer.
// It is a no-op unless HasMore is true and no load is already in flight, so
// repeated scroll triggers collapse to a single request and a failed load
// can simply be re-triggered. On failure the cursor is left untouched; the
// same page is re-attempted next time. Returns the number of messages
// prepended.
func (s *Store) LoadMore(ctx context.Context) (int, error) {
	s.mu.Lock()
	if s.convID == "" {
		s.mu.Unlock()
		return 0, chat.ErrNoConversation
	}
	if !s.cursor.HasMore || s.loading {
		s.mu.Unlock()
		return 0, nil
	}
	s.loading = true
	gen := s.gen
	convID := s.convID
	offset := s.cursor.Offset
	s.mu.Unlock()

	page, err := s.fetcher.FetchPage(ctx, convID, s.pageLimit, offset)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		// Conversation was closed or reopened while the fetch was in flight.
		return 0, nil
	}
	s.loading = false
	if err != nil {
		// HasMore and Offset intentionally unchanged: the next scroll-into-view
		// retries the same page instead of silently truncating history.
		return 0, fmt.Errorf("load more: %w", err)
	}

	prepended := s.prepend(page.Messages)
	s.cursor.Offset += len(page.Messages)
	s.cursor.Total = page.Pagination.Total
	s.cursor.HasMore = page.Pagination.HasMore

	s.bus.Emit(bus.KindThreadPageLoaded, PageLoaded{ConversationID: convID, Prepended: prepended})
	s.emitUpdated()
	return prepended, nil
}

// Refresh re-fetches the newest page and merges it into the buffer by id.
// Used after the change feed reconnects, since missed events are not
// replayed. Gaps older than one page are not recovered here.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	if s.convID == "" {
		s.mu.Unlock()
		return chat.ErrNoConversation
	}
	gen := s.gen
	convID := s.convID
	s.mu.Unlock()

	page, err := s.fetcher.FetchPage(ctx, convID, s.initialLimit, 0)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return nil
	}
	inserted := 0
	for i := len(page.Messages) - 1; i >= 0; i-- {
		if s.insertSorted(page.Messages[i]) {
			inserted++
		}
	}
	// Newly discovered messages shift the newest-end offset of every
	// already-fetched page.
	s.cursor.Offset += inserted
	s.cursor.Total = page.Pagination.Total
	if inserted > 0 {
		s.emitUpdated()
	}
	return nil
}

// Append inserts a confirmed message at its ordered position (normally the
// end). Duplicate ids are dropped, which absorbs double delivery from the
// change feed. Returns whether the message was added.
func (s *Store) Append(msg chat.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.convID == "" || msg.ConversationID != s.convID {
		return false
	}
	if !s.insertSorted(msg) {
		return false
	}
	s.emitUpdated()
	return true
}

// Reconcile replaces the optimistic message identified by tempID with the
// server-confirmed record, in the same buffer slot. If the confirmed id is
// somehow already present the temp entry is dropped instead, keeping the
// no-duplicate invariant.
func (s *Store) Reconcile(tempID string, confirmed chat.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(tempID)
	if i < 0 {
		return false
	}
	if j := s.indexOf(confirmed.ID); j >= 0 && j != i {
		s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
	} else {
		confirmed.Pending = false
		s.msgs[i] = confirmed
	}
	s.emitUpdated()
	return true
}

// Remove deletes a message (temp rollback or tombstone) from the buffer.
func (s *Store) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(id)
	if i < 0 {
		return false
	}
	s.msgs = append(s.msgs[:i], s.msgs[i+1:]...)
	s.emitUpdated()
	return true
}

// ApplyEdit updates body and edit fields of an existing message. Read state
// is monotonic: a stale update can never flip a read message back to unread.
func (s *Store) ApplyEdit(msg chat.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexOf(msg.ID)
	if i < 0 {
		return false
	}
	cur := &s.msgs[i]
	cur.Body = msg.Body
	cur.IsEdited = msg.IsEdited
	cur.EditedAt = msg.EditedAt
	cur.Metadata = msg.Metadata
	if msg.IsRead {
		cur.IsRead = true
	}
	s.emitUpdated()
	return true
}

// MarkRead flags the given ids as read. Never unsets.
func (s *Store) MarkRead(ids ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for _, id := range ids {
		if i := s.indexOf(id); i >= 0 && !s.msgs[i].IsRead {
			s.msgs[i].IsRead = true
			changed = true
		}
	}
	if changed {
		s.emitUpdated()
	}
}

// UnreadIDs returns ids of buffered messages addressed to selfID that are
// not yet read.
func (s *Store) UnreadIDs(selfID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, m := range s.msgs {
		if !m.IsRead && !m.Pending && m.ReceiverID == selfID {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Get returns a copy of the buffered message with the given id.
func (s *Store) Get(id string) (chat.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexOf(id); i >= 0 {
		return s.msgs[i], true
	}
	return chat.Message{}, false
}

// Messages returns a snapshot of the buffer, oldest first.
func (s *Store) Messages() []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Message, len(s.msgs))
	copy(out, s.msgs)
	return out
}

// Conversation returns the open conversation record, if any.
func (s *Store) Conversation() (chat.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv, s.convID != ""
}

// ConversationID returns the open conversation id, or "".
func (s *Store) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convID
}

// Cursor returns the current pagination cursor.
func (s *Store) Cursor() chat.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Close clears the buffer and cursor so a re-open starts clean.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reset()
}

// reset must be called with the lock held.
func (s *Store) reset() {
	s.gen++
	s.convID = ""
	s.conv = chat.Conversation{}
	s.msgs = nil
	s.cursor = chat.Cursor{}
	s.loading = false
}

func (s *Store) indexOf(id string) int {
	for i := range s.msgs {
		if s.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

// insertSorted places msg at its ordered position, skipping duplicates.
// Must be called with the lock held.
func (s *Store) insertSorted(msg chat.Message) bool {
	if s.indexOf(msg.ID) >= 0 {
		return false
	}
	// Common case: newest message, append at the end.
	i := len(s.msgs)
	for i > 0 && msg.Before(&s.msgs[i-1]) {
		i--
	}
	s.msgs = append(s.msgs, chat.Message{})
	copy(s.msgs[i+1:], s.msgs[i:])
	s.msgs[i] = msg
	return true
}

// prepend inserts an older page (newest-first as served) below the current
// buffer, skipping ids already present. Pages are contiguous and older than
// everything buffered, so order is preserved without a re-sort.
// Must be called with the lock held.
func (s *Store) prepend(page []chat.Message) int {
	older := make([]chat.Message, 0, len(page))
	for i := len(page) - 1; i >= 0; i-- {
		if s.indexOf(page[i].ID) < 0 {
			older = append(older, page[i])
		}
	}
	s.msgs = append(older, s.msgs...)
	return len(older)
}

// emitUpdated must be called with the lock held.
func (s *Store) emitUpdated() {
	if s.bus != nil {
		s.bus.Emit(bus.KindThreadUpdated, s.convID)
	}
}

func reverse(in []chat.Message) []chat.Message {
	out := make([]chat.Message, len(in))
	for i, m := range in {
		out[len(in)-1-i] = m
	}
	return out
}
