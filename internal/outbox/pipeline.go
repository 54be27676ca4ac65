package outbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zhanat1998/arashan-chat/internal/bus"
	"github.com/zhanat1998/arashan-chat/internal/chat"
	"github.com/zhanat1998/arashan-chat/internal/thread"
	"go.uber.org/zap"
)

// Poster is the slice of the persistence API the pipeline needs.
// Implemented by *api.Client.
type Poster interface {
	PostMessage(ctx context.Context, convID, body string, mtype chat.MessageType, metadata map[string]any) (*chat.Message, error)
	EditMessage(ctx context.Context, id, body string) (*chat.Message, error)
	DeleteMessage(ctx context.Context, id string) error
}

// SummaryPatcher receives the confirmed last-message summary for the owning
// conversation. Implemented by *registry.Registry.
type SummaryPatcher interface {
	Patch(convID, lastMessage string, lastMessageAt int64)
}

// FailedSend is a send whose remote write was rejected. It is kept so the
// user can retry it; the optimistic placeholder itself has already been
// rolled back out of the thread buffer.
type FailedSend struct {
	TempID         string
	ConversationID string
	Body           string
	Type           chat.MessageType
	Metadata       map[string]any
	Err            string
}

// Pipeline turns user sends into immediately visible optimistic messages
// and reconciles them with the authoritative server record, or rolls them
// back on failure. Each send gets its own temp id and reconciles
// independently; concurrent sends are fine.
type Pipeline struct {
	poster  Poster
	thread  *thread.Store
	patcher SummaryPatcher
	bus     *bus.Bus
	logger  *zap.Logger
	selfID  string

	mu      sync.Mutex
	pending map[string]struct{}
	failed  []FailedSend
}

// New creates a send pipeline for the given local identity.
func New(poster Poster, ts *thread.Store, patcher SummaryPatcher, b *bus.Bus, selfID string, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		poster:  poster,
		thread:  ts,
		patcher: patcher,
		bus:     b,
		logger:  logger,
		selfID:  selfID,
		pending: make(map[string]struct{}),
	}
}

// Send posts a message to the open conversation. The optimistic placeholder
// is visible in the thread buffer before the network call is issued; on
// success it is replaced in place by the confirmed record, on failure it is
// removed and the send is retained as a FailedSend.
func (p *Pipeline) Send(ctx context.Context, body string, mtype chat.MessageType, metadata map[string]any) (*chat.Message, error) {
	conv, open := p.thread.Conversation()
	if !open {
		return nil, chat.ErrNoConversation
	}
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, chat.ErrEmptyBody
	}
	if mtype == "" {
		mtype = chat.TypeText
	}
	return p.send(ctx, conv, "", body, mtype, metadata)
}

// Retry re-sends a previously failed send into the currently open
// conversation. The failed entry is consumed; a second failure records a
// fresh one.
func (p *Pipeline) Retry(ctx context.Context, tempID string) (*chat.Message, error) {
	p.mu.Lock()
	var entry *FailedSend
	for i := range p.failed {
		if p.failed[i].TempID == tempID {
			e := p.failed[i]
			entry = &e
			p.failed = append(p.failed[:i], p.failed[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	if entry == nil {
		return nil, fmt.Errorf("no failed send %s: %w", tempID, chat.ErrNotFound)
	}

	conv, open := p.thread.Conversation()
	if !open || conv.ID != entry.ConversationID {
		// Put it back; the retry affordance belongs to its conversation.
		p.mu.Lock()
		p.failed = append(p.failed, *entry)
		p.mu.Unlock()
		return nil, chat.ErrNoConversation
	}
	return p.send(ctx, conv, entry.TempID, entry.Body, entry.Type, entry.Metadata)
}

func (p *Pipeline) send(ctx context.Context, conv chat.Conversation, tempID, body string, mtype chat.MessageType, metadata map[string]any) (*chat.Message, error) {
	if tempID == "" {
		tempID = "tmp-" + uuid.New().String()
	}

	temp := chat.Message{
		ID:             tempID,
		ConversationID: conv.ID,
		SenderID:       p.selfID,
		ReceiverID:     conv.Counterparty(p.selfID),
		Body:           body,
		Type:           mtype,
		Metadata:       metadata,
		CreatedAt:      time.Now().UnixMilli(),
		Pending:        true,
	}

	p.mu.Lock()
	if _, inFlight := p.pending[tempID]; inFlight {
		p.mu.Unlock()
		return nil, fmt.Errorf("send %s already pending", tempID)
	}
	p.pending[tempID] = struct{}{}
	p.mu.Unlock()

	// Zero-latency feedback: the placeholder is in the buffer before the
	// network round-trip starts.
	p.thread.Append(temp)

	confirmed, err := p.poster.PostMessage(ctx, conv.ID, body, mtype, metadata)

	p.mu.Lock()
	delete(p.pending, tempID)
	p.mu.Unlock()

	if err != nil {
		p.thread.Remove(tempID)
		failure := FailedSend{
			TempID:         tempID,
			ConversationID: conv.ID,
			Body:           body,
			Type:           mtype,
			Metadata:       metadata,
			Err:            err.Error(),
		}
		p.mu.Lock()
		p.failed = append(p.failed, failure)
		p.mu.Unlock()
		p.logger.Warn("send failed, placeholder rolled back",
			zap.String("temp_id", tempID), zap.Error(err))
		p.bus.Emit(bus.KindMessageSendFailed, failure)
		return nil, fmt.Errorf("send message: %w", err)
	}

	p.thread.Reconcile(tempID, *confirmed)
	if p.patcher != nil {
		p.patcher.Patch(conv.ID, confirmed.Body, confirmed.CreatedAt)
	}
	p.logger.Info("message sent",
		zap.String("temp_id", tempID), zap.String("msg_id", confirmed.ID))
	p.bus.Emit(bus.KindMessageSendAck, confirmed)
	return confirmed, nil
}

// Edit rewrites the body of one of the local identity's own messages,
// optimistically. Edits of messages sent by the counterparty are rejected
// before any network call.
func (p *Pipeline) Edit(ctx context.Context, id, body string) (*chat.Message, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, chat.ErrEmptyBody
	}
	original, ok := p.thread.Get(id)
	if !ok {
		return nil, fmt.Errorf("edit %s: %w", id, chat.ErrNotFound)
	}
	if original.SenderID != p.selfID {
		return nil, chat.ErrNotOwner
	}
	if original.Pending {
		return nil, fmt.Errorf("edit %s: message not yet confirmed", id)
	}

	optimistic := original
	optimistic.Body = body
	optimistic.IsEdited = true
	optimistic.EditedAt = time.Now().UnixMilli()
	p.thread.ApplyEdit(optimistic)

	confirmed, err := p.poster.EditMessage(ctx, id, body)
	if err != nil {
		p.thread.ApplyEdit(original)
		return nil, fmt.Errorf("edit message: %w", err)
	}
	p.thread.ApplyEdit(*confirmed)
	p.bus.Emit(bus.KindMessageUpdated, confirmed)
	return confirmed, nil
}

// Delete tombstones one of the local identity's own messages,
// optimistically. The message reappears if the server rejects the delete.
func (p *Pipeline) Delete(ctx context.Context, id string) error {
	original, ok := p.thread.Get(id)
	if !ok {
		return fmt.Errorf("delete %s: %w", id, chat.ErrNotFound)
	}
	if original.SenderID != p.selfID {
		return chat.ErrNotOwner
	}
	if original.Pending {
		return fmt.Errorf("delete %s: message not yet confirmed", id)
	}

	p.thread.Remove(id)

	if err := p.poster.DeleteMessage(ctx, id); err != nil {
		p.thread.Append(original)
		return fmt.Errorf("delete message: %w", err)
	}
	p.bus.Emit(bus.KindMessageDeleted, id)
	return nil
}

// Failed returns a snapshot of sends awaiting a retry.
func (p *Pipeline) Failed() []FailedSend {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]FailedSend, len(p.failed))
	copy(out, p.failed)
	return out
}

// Pending reports whether a send is still awaiting reconciliation.
func (p *Pipeline) Pending(tempID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.pending[tempID]
	return ok
}
