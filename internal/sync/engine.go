package sync

import (
	"context"
	"fmt"

	"github.com/zhanat1998/arashan-chat/internal/bus"
	"github.com/zhanat1998/arashan-chat/internal/chat"
	"github.com/zhanat1998/arashan-chat/internal/store"
	"go.uber.org/zap"
)

// Snapshotter exposes the current conversation list for mirroring.
// Implemented by *registry.Registry.
type Snapshotter interface {
	Conversations() []chat.Conversation
}

// Engine mirrors confirmed messages and conversation summaries into the
// local history cache. It subscribes to message and conversation events on
// the bus; ingestion is idempotent, so duplicate delivery is harmless.
// The cache makes the last conversations readable before the first network
// round-trip completes.
type Engine struct {
	db       *store.DB
	registry Snapshotter
	bus      *bus.Bus
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// NewEngine creates a new cache mirror engine.
func NewEngine(db *store.DB, reg Snapshotter, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{db: db, registry: reg, bus: b, logger: logger}
}

// Start subscribes to message and conversation events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	msgCh, msgUnsub := e.bus.Subscribe("message.", 256)
	convCh, convUnsub := e.bus.Subscribe("conversation.", 64)

	go func() {
		defer msgUnsub()
		defer convUnsub()
		for {
			select {
			case evt := <-msgCh:
				e.handleMessageEvent(evt)
			case <-convCh:
				e.mirrorConversations()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) handleMessageEvent(evt bus.Event) {
	switch evt.Kind {
	case bus.KindMessageReceived, bus.KindMessageUpdated:
		msg, ok := messagePayload(evt.Payload)
		if !ok {
			return
		}
		if err := e.IngestMessage(msg); err != nil {
			e.logger.Error("failed to ingest message", zap.Error(err), zap.String("msg_id", msg.ID))
		}
	case bus.KindMessageSendAck:
		msg, ok := messagePayload(evt.Payload)
		if !ok {
			return
		}
		if err := e.db.UpsertMessage(msg); err != nil {
			e.logger.Error("failed to cache sent message", zap.Error(err), zap.String("msg_id", msg.ID))
		}
	case bus.KindMessageDeleted:
		id, ok := evt.Payload.(string)
		if !ok {
			return
		}
		if err := e.db.DeleteMessage(id); err != nil {
			e.logger.Error("failed to evict deleted message", zap.Error(err), zap.String("msg_id", id))
		}
	}
}

func messagePayload(p any) (*chat.Message, bool) {
	switch v := p.(type) {
	case *chat.Message:
		return v, true
	case chat.Message:
		return &v, true
	}
	return nil, false
}

// IngestMessage caches one confirmed message and bumps its conversation's
// summary (idempotent).
func (e *Engine) IngestMessage(msg *chat.Message) error {
	if err := e.db.UpsertMessage(msg); err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

// mirrorConversations snapshots the registry into the cache.
func (e *Engine) mirrorConversations() {
	convs := e.registry.Conversations()
	if len(convs) == 0 {
		return
	}
	if err := e.db.ReplaceConversations(convs); err != nil {
		e.logger.Error("failed to mirror conversations", zap.Error(err))
	}
}

// CachedConversations reads the mirrored conversation list, newest first.
func (e *Engine) CachedConversations() ([]chat.Conversation, error) {
	return e.db.ListConversations(0)
}

// CachedPage reads a window of mirrored history for a conversation,
// newest first.
func (e *Engine) CachedPage(convID string, beforeTs int64, limit int) ([]chat.Message, error) {
	return e.db.ListMessages(convID, beforeTs, limit)
}
