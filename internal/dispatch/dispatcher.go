package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/zhanat1998/arashan-chat/internal/bus"
	"github.com/zhanat1998/arashan-chat/internal/chat"
	"github.com/zhanat1998/arashan-chat/internal/presence"
	"github.com/zhanat1998/arashan-chat/internal/realtime"
	"github.com/zhanat1998/arashan-chat/internal/registry"
	"github.com/zhanat1998/arashan-chat/internal/thread"
	"go.uber.org/zap"
)

// ScopeManager is the subscription surface of the change-feed manager.
// Implemented by *realtime.Manager.
type ScopeManager interface {
	Acquire(scope realtime.Scope) error
	Release(scope realtime.Scope)
}

// ReadMarker persists read receipts. Implemented by *api.Client.
type ReadMarker interface {
	MarkRead(ctx context.Context, ids []string) error
}

// Notification is the payload of notify.message events, raised for inbound
// messages in conversations other than the open one.
type Notification struct {
	ConversationID string
	SenderID       string
	SenderName     string
	Preview        string
}

// Dispatcher routes change-feed rows to the thread buffer, the conversation
// registry, and the presence tracker. It owns the subscription scopes: a
// standing inbox scope plus one per-conversation scope that follows the
// open thread.
type Dispatcher struct {
	scopes   ScopeManager
	thread   *thread.Store
	registry *registry.Registry
	presence *presence.Tracker
	marker   ReadMarker
	bus      *bus.Bus
	logger   *zap.Logger
	selfID   string

	mu        sync.Mutex
	convScope *realtime.Scope
	dropped   bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(scopes ScopeManager, ts *thread.Store, reg *registry.Registry, pres *presence.Tracker, marker ReadMarker, b *bus.Bus, selfID string, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		scopes:   scopes,
		thread:   ts,
		registry: reg,
		presence: pres,
		marker:   marker,
		bus:      b,
		logger:   logger,
		selfID:   selfID,
	}
}

// inboxScope covers every message addressed to the local identity, open
// conversation or not. It backs unread counting and notifications.
func (d *Dispatcher) inboxScope() realtime.Scope {
	return realtime.Scope{Table: "messages", Filter: map[string]string{"receiver_id": d.selfID}}
}

func presenceScope() realtime.Scope {
	return realtime.Scope{Table: "presence"}
}

func convScope(convID string) realtime.Scope {
	return realtime.Scope{Table: "messages", Filter: map[string]string{"conversation_id": convID}}
}

// Start acquires the standing scopes and begins consuming rt.* events.
// A failed Start leaves the dispatcher stopped: no scope stays held and a
// later Start retries from scratch.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.done != nil {
		d.mu.Unlock()
		return nil
	}
	d.mu.Unlock()

	if err := d.scopes.Acquire(d.inboxScope()); err != nil {
		return fmt.Errorf("acquire inbox scope: %w", err)
	}
	if err := d.scopes.Acquire(presenceScope()); err != nil {
		d.scopes.Release(d.inboxScope())
		return fmt.Errorf("acquire presence scope: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.mu.Lock()
	d.cancel = cancel
	d.done = done
	d.mu.Unlock()

	ch, unsub := d.bus.Subscribe("rt.", 64)
	go d.run(runCtx, done, ch, unsub)
	return nil
}

// Stop releases all scopes and stops event consumption.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.done == nil {
		d.mu.Unlock()
		return
	}
	d.cancel()
	done := d.done
	d.done = nil
	conv := d.convScope
	d.convScope = nil
	d.mu.Unlock()
	<-done

	if conv != nil {
		d.scopes.Release(*conv)
	}
	d.scopes.Release(presenceScope())
	d.scopes.Release(d.inboxScope())
}

func (d *Dispatcher) run(ctx context.Context, done chan struct{}, ch <-chan bus.Event, unsub func()) {
	defer close(done)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-ch:
			switch evt.Kind {
			case bus.KindRTChange:
				if change, ok := evt.Payload.(realtime.Change); ok {
					d.route(ctx, change)
				}
			case bus.KindRTDisconnected:
				d.mu.Lock()
				d.dropped = true
				d.mu.Unlock()
			case bus.KindRTConnected:
				d.mu.Lock()
				resync := d.dropped
				d.dropped = false
				d.mu.Unlock()
				if resync {
					d.resync(ctx)
				}
			}
		}
	}
}

// OpenConversation switches the active thread: the previous per-conversation
// scope is released before the new one is acquired, loads the newest page,
// and marks the visible unread messages as read.
func (d *Dispatcher) OpenConversation(ctx context.Context, convID string) (*chat.Conversation, error) {
	d.mu.Lock()
	prev := d.convScope
	d.convScope = nil
	d.mu.Unlock()
	if prev != nil {
		d.scopes.Release(*prev)
	}

	conv, err := d.thread.Open(ctx, convID)
	if err != nil {
		return nil, err
	}
	d.registry.SetOpen(convID)

	scope := convScope(convID)
	if err := d.scopes.Acquire(scope); err != nil {
		// The inbox scope still covers inbound messages; log and continue.
		d.logger.Warn("conversation scope not acquired", zap.String("conversation_id", convID), zap.Error(err))
	} else {
		d.mu.Lock()
		d.convScope = &scope
		d.mu.Unlock()
	}

	d.markVisibleRead(ctx)
	return conv, nil
}

// CloseConversation releases the per-conversation scope and clears the
// thread buffer so a re-open starts clean.
func (d *Dispatcher) CloseConversation() {
	d.mu.Lock()
	prev := d.convScope
	d.convScope = nil
	d.mu.Unlock()
	if prev != nil {
		d.scopes.Release(*prev)
	}
	d.thread.Close()
	d.registry.ClearOpen()
}

func (d *Dispatcher) route(ctx context.Context, change realtime.Change) {
	switch change.Table {
	case "messages":
		d.routeMessage(ctx, change)
	case "presence":
		var rec chat.PresenceRecord
		if err := json.Unmarshal(change.Row, &rec); err != nil {
			d.logger.Warn("bad presence row", zap.Error(err))
			return
		}
		d.presence.Apply(rec)
	case "conversations":
		var conv chat.Conversation
		if err := json.Unmarshal(change.Row, &conv); err != nil {
			d.logger.Warn("bad conversation row", zap.Error(err))
			return
		}
		d.registry.Patch(conv.ID, conv.LastMessage, conv.LastMessageAt)
	}
}

func (d *Dispatcher) routeMessage(ctx context.Context, change realtime.Change) {
	var msg chat.Message
	if err := json.Unmarshal(change.Row, &msg); err != nil {
		d.logger.Warn("bad message row", zap.Error(err))
		return
	}

	switch change.Event {
	case "insert":
		// Echo filter: our own sends are already reconciled by the pipeline.
		if msg.SenderID == d.selfID {
			return
		}
		d.bus.Emit(bus.KindMessageReceived, msg)
		d.registry.ApplyMessage(msg)
		open := d.thread.ConversationID() == msg.ConversationID
		if open {
			if d.thread.Append(msg) && msg.ReceiverID == d.selfID {
				d.markRead(ctx, msg.ID)
			}
			return
		}
		if msg.ReceiverID == d.selfID {
			d.bus.Emit(bus.KindNotifyMessage, Notification{
				ConversationID: msg.ConversationID,
				SenderID:       msg.SenderID,
				SenderName:     msg.SenderName,
				Preview:        msg.Body,
			})
		}
	case "update":
		if d.thread.ApplyEdit(msg) {
			d.bus.Emit(bus.KindMessageUpdated, msg)
		}
	case "delete":
		removed := d.thread.Remove(msg.ID)
		d.bus.Emit(bus.KindMessageDeleted, msg.ID)
		// If the tombstoned message was the drawer summary, the registry
		// needs a replacement; the open thread's buffer supplies one.
		var fallback *chat.Message
		if removed {
			msgs := d.thread.Messages()
			for i := len(msgs) - 1; i >= 0; i-- {
				if !msgs[i].Pending {
					fallback = &msgs[i]
					break
				}
			}
		}
		d.registry.ApplyDelete(msg, fallback)
	}
}

// resync covers the gap left by a dropped feed: missed events are not
// replayed, so re-fetch the newest page of the open thread and the
// conversation list.
func (d *Dispatcher) resync(ctx context.Context) {
	d.logger.Info("feed reconnected, resyncing")
	if d.thread.ConversationID() != "" {
		if err := d.thread.Refresh(ctx); err != nil {
			d.logger.Warn("thread resync failed", zap.Error(err))
		}
		d.markVisibleRead(ctx)
	}
	if err := d.registry.FetchAll(ctx); err != nil {
		d.logger.Warn("registry resync failed", zap.Error(err))
	}
}

// markVisibleRead flags every buffered unread inbound message as read,
// locally first, then persists the receipt.
func (d *Dispatcher) markVisibleRead(ctx context.Context) {
	ids := d.thread.UnreadIDs(d.selfID)
	if len(ids) == 0 {
		return
	}
	d.markRead(ctx, ids...)
}

func (d *Dispatcher) markRead(ctx context.Context, ids ...string) {
	d.thread.MarkRead(ids...)
	if err := d.marker.MarkRead(ctx, ids); err != nil {
		// Local read state stays set; unread_count is a UI affordance and
		// the next open retries the write.
		d.logger.Warn("read receipt write failed", zap.Error(err))
	}
}
