package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/zhanat1998/arashan-chat/internal/bus"
	"github.com/zhanat1998/arashan-chat/internal/chat"
	"go.uber.org/zap"
)

// Lister is the slice of the persistence API the registry needs.
// Implemented by *api.Client.
type Lister interface {
	ListConversations(ctx context.Context) ([]chat.Conversation, error)
	CreateConversation(ctx context.Context, counterpartyID, firstMessage string) (*chat.Conversation, error)
}

// Registry holds the conversation list for the local identity, sorted by
// last activity. FetchAll replaces the whole list; push-driven patches
// mutate only the affected row's summary fields and re-sort.
type Registry struct {
	lister Lister
	bus    *bus.Bus
	logger *zap.Logger
	selfID string

	mu       sync.Mutex
	convs    []chat.Conversation
	openID   string
	fetching bool
}

func New(lister Lister, b *bus.Bus, selfID string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{lister: lister, bus: b, logger: logger, selfID: selfID}
}

// FetchAll replaces the list with the server's view. The open conversation's
// unread count stays zeroed even if the server has not yet observed the
// read-state write.
func (r *Registry) FetchAll(ctx context.Context) error {
	convs, err := r.lister.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("fetch conversations: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.convs = convs
	if r.openID != "" {
		for i := range r.convs {
			if r.convs[i].ID == r.openID {
				r.convs[i].UnreadCount = 0
			}
		}
	}
	r.sortLocked()
	r.emitUpdated()
	return nil
}

// Create starts a conversation with a counterparty by sending the first
// message. The server enforces at-most-one conversation per pair, so an
// existing row may come back; either way it is merged into the list.
func (r *Registry) Create(ctx context.Context, counterpartyID, firstMessage string) (*chat.Conversation, error) {
	conv, err := r.lister.CreateConversation(ctx, counterpartyID, firstMessage)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	r.mu.Lock()
	if i := r.indexOf(conv.ID); i >= 0 {
		r.convs[i] = *conv
	} else {
		r.convs = append(r.convs, *conv)
	}
	r.sortLocked()
	r.emitUpdated()
	r.mu.Unlock()
	return conv, nil
}

// SetOpen marks a conversation as the open one and optimistically zeroes
// its unread count.
func (r *Registry) SetOpen(convID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openID = convID
	if i := r.indexOf(convID); i >= 0 && r.convs[i].UnreadCount != 0 {
		r.convs[i].UnreadCount = 0
		r.emitUpdated()
	}
}

// ClearOpen forgets the open conversation. Inbound messages for it start
// counting as unread again.
func (r *Registry) ClearOpen() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.openID = ""
}

// OpenID returns the currently open conversation id, or "".
func (r *Registry) OpenID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openID
}

// ApplyMessage patches the owning conversation's summary from an inbound
// message. The unread count increments only for messages addressed to the
// local identity in a conversation that is not currently open.
func (r *Registry) ApplyMessage(msg chat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOf(msg.ConversationID)
	if i < 0 {
		// Conversations are created lazily on first send, so the
		// counterparty's opening message always lands before the row is
		// listed. Refetch so it shows up straight away.
		r.logger.Info("message for unlisted conversation, refetching list",
			zap.String("conversation_id", msg.ConversationID))
		r.refetchLocked()
		return
	}
	c := &r.convs[i]
	if msg.CreatedAt >= c.LastMessageAt {
		c.LastMessage = msg.Body
		c.LastMessageAt = msg.CreatedAt
	}
	if msg.ReceiverID == r.selfID && msg.ConversationID != r.openID {
		c.UnreadCount++
	}
	r.sortLocked()
	r.emitUpdated()
}

// Patch updates a conversation's last-message summary without touching its
// unread count. Used for the local identity's own confirmed sends.
func (r *Registry) Patch(convID, lastMessage string, lastMessageAt int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOf(convID)
	if i < 0 {
		return
	}
	c := &r.convs[i]
	if lastMessageAt >= c.LastMessageAt {
		c.LastMessage = lastMessage
		c.LastMessageAt = lastMessageAt
	}
	r.sortLocked()
	r.emitUpdated()
}

// ApplyDelete reconciles the drawer summary with a tombstoned message. A
// delete only matters when the removed message is the one on display;
// fallback (the newest surviving message, when the caller knows it) becomes
// the new summary, otherwise the authoritative list is refetched.
func (r *Registry) ApplyDelete(msg chat.Message, fallback *chat.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := r.indexOf(msg.ConversationID)
	if i < 0 {
		return
	}
	c := &r.convs[i]
	if c.LastMessageAt != msg.CreatedAt || c.LastMessage != msg.Body {
		return
	}
	if fallback == nil {
		r.refetchLocked()
		return
	}
	c.LastMessage = fallback.Body
	c.LastMessageAt = fallback.CreatedAt
	r.sortLocked()
	r.emitUpdated()
}

// refetchLocked schedules a FetchAll off the caller's goroutine, at most
// one in flight. Must be called with the lock held.
func (r *Registry) refetchLocked() {
	if r.fetching {
		return
	}
	r.fetching = true
	go func() {
		defer func() {
			r.mu.Lock()
			r.fetching = false
			r.mu.Unlock()
		}()
		if err := r.FetchAll(context.Background()); err != nil {
			r.logger.Warn("conversation refetch failed", zap.Error(err))
		}
	}()
}

// Conversations returns a snapshot sorted by last activity, newest first.
func (r *Registry) Conversations() []chat.Conversation {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]chat.Conversation, len(r.convs))
	copy(out, r.convs)
	return out
}

// Get returns a copy of the conversation with the given id.
func (r *Registry) Get(convID string) (chat.Conversation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i := r.indexOf(convID); i >= 0 {
		return r.convs[i], true
	}
	return chat.Conversation{}, false
}

// indexOf must be called with the lock held.
func (r *Registry) indexOf(convID string) int {
	for i := range r.convs {
		if r.convs[i].ID == convID {
			return i
		}
	}
	return -1
}

// sortLocked must be called with the lock held.
func (r *Registry) sortLocked() {
	sort.SliceStable(r.convs, func(i, j int) bool {
		return r.convs[i].LastMessageAt > r.convs[j].LastMessageAt
	})
}

// emitUpdated must be called with the lock held.
func (r *Registry) emitUpdated() {
	if r.bus != nil {
		r.bus.Emit(bus.KindConversationUpdated, nil)
	}
}
