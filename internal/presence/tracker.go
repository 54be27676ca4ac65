package presence

import (
	"context"
	"sync"
	"time"

	"github.com/zhanat1998/arashan-chat/internal/bus"
	"github.com/zhanat1998/arashan-chat/internal/chat"
	"go.uber.org/zap"
)

// Writer pushes the local identity's presence row to the remote table.
// Implemented by *api.Client.
type Writer interface {
	UpsertPresence(ctx context.Context, rec chat.PresenceRecord) error
}

// Tracker maintains presence for the local identity (heartbeat writes) and
// for counterparties (rows applied from the change feed). The typing flag
// self-expires on a local timer, so a stuck indicator heals even if the
// clearing write never reaches the server.
type Tracker struct {
	writer Writer
	bus    *bus.Bus
	logger *zap.Logger
	selfID string

	heartbeat time.Duration
	quiet     time.Duration
	typingGap time.Duration

	mu         sync.Mutex
	records    map[string]chat.PresenceRecord
	rowTimers  map[string]*time.Timer
	foreground bool
	typingIn   string
	lastTyping time.Time
	quietTimer *time.Timer
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
}

// New creates a tracker. heartbeat is the interval between keep-alive
// writes while foregrounded; quiet is how long after the last input
// activity the typing flag clears itself.
func New(writer Writer, b *bus.Bus, selfID string, heartbeat, quiet time.Duration, logger *zap.Logger) *Tracker {
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	if quiet <= 0 {
		quiet = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		writer:     writer,
		bus:        b,
		logger:     logger,
		selfID:     selfID,
		heartbeat:  heartbeat,
		quiet:      quiet,
		typingGap:  time.Second,
		foreground: true,
		records:    make(map[string]chat.PresenceRecord),
		rowTimers:  make(map[string]*time.Timer),
	}
}

// Start announces the local identity as online and begins the heartbeat
// loop. The loop only writes while the app is foregrounded.
func (t *Tracker) Start(ctx context.Context) {
	t.mu.Lock()
	if t.done != nil {
		t.mu.Unlock()
		return
	}
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.done = make(chan struct{})
	t.mu.Unlock()

	t.writeSelf()
	go t.loop(t.done)
}

func (t *Tracker) loop(done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(t.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-ticker.C:
			t.mu.Lock()
			fg := t.foreground
			t.mu.Unlock()
			if fg {
				t.writeSelf()
			}
		}
	}
}

// Stop ends the heartbeat and best-effort marks the identity offline.
func (t *Tracker) Stop() {
	t.mu.Lock()
	if t.done == nil {
		t.mu.Unlock()
		return
	}
	if t.quietTimer != nil {
		t.quietTimer.Stop()
		t.quietTimer = nil
	}
	t.cancel()
	done := t.done
	t.done = nil
	t.typingIn = ""
	t.mu.Unlock()
	<-done

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	rec := chat.PresenceRecord{UserID: t.selfID, Status: chat.StatusOffline, LastSeen: time.Now().UnixMilli()}
	if err := t.writer.UpsertPresence(ctx, rec); err != nil {
		t.logger.Warn("offline write failed", zap.Error(err))
	}
	t.storeSelf(rec)
}

// SetForeground flips the local identity between online and away and
// writes the change immediately.
func (t *Tracker) SetForeground(fg bool) {
	t.mu.Lock()
	if t.foreground == fg {
		t.mu.Unlock()
		return
	}
	t.foreground = fg
	t.mu.Unlock()
	t.writeSelf()
}

// Typing records local input activity in the given conversation. Remote
// writes are rate-limited to one per second; the quiet timer restarts on
// every call regardless of whether a write went out.
func (t *Tracker) Typing(convID string) {
	t.mu.Lock()
	t.typingIn = convID
	now := time.Now()
	shouldWrite := now.Sub(t.lastTyping) >= t.typingGap
	if shouldWrite {
		t.lastTyping = now
	}
	if t.quietTimer == nil {
		t.quietTimer = time.AfterFunc(t.quiet, t.expireTyping)
	} else {
		t.quietTimer.Reset(t.quiet)
	}
	t.mu.Unlock()

	if shouldWrite {
		t.writeSelf()
	}
}

// expireTyping clears the typing flag locally first, then best-effort
// propagates the clear.
func (t *Tracker) expireTyping() {
	t.mu.Lock()
	if t.typingIn == "" {
		t.mu.Unlock()
		return
	}
	t.typingIn = ""
	t.mu.Unlock()
	t.writeSelf()
}

// Apply ingests a presence row from the change feed. Rows for the local
// identity are ignored; local state is authoritative for self. Typing rows
// expire after the quiet window on a local timer, so a counterparty whose
// clearing write got lost does not stay "typing…" forever.
func (t *Tracker) Apply(rec chat.PresenceRecord) {
	if rec.UserID == t.selfID {
		return
	}
	t.mu.Lock()
	t.records[rec.UserID] = rec
	if timer, ok := t.rowTimers[rec.UserID]; ok {
		timer.Stop()
		delete(t.rowTimers, rec.UserID)
	}
	if rec.TypingIn != "" {
		uid := rec.UserID
		t.rowTimers[uid] = time.AfterFunc(t.quiet, func() { t.expireRow(uid) })
	}
	t.mu.Unlock()
	if t.bus != nil {
		t.bus.Emit(bus.KindPresenceChanged, rec)
	}
}

// expireRow clears a counterparty's typing flag after the quiet window.
func (t *Tracker) expireRow(userID string) {
	t.mu.Lock()
	delete(t.rowTimers, userID)
	rec, ok := t.records[userID]
	if !ok || rec.TypingIn == "" {
		t.mu.Unlock()
		return
	}
	rec.TypingIn = ""
	t.records[userID] = rec
	t.mu.Unlock()
	if t.bus != nil {
		t.bus.Emit(bus.KindPresenceChanged, rec)
	}
}

// Get returns the last known presence row for a user.
func (t *Tracker) Get(userID string) (chat.PresenceRecord, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[userID]
	return rec, ok
}

// TypingIn returns the ids of counterparties currently typing in the
// given conversation.
func (t *Tracker) TypingIn(convID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []string
	for _, rec := range t.records {
		if rec.TypingIn == convID && rec.Status != chat.StatusOffline {
			ids = append(ids, rec.UserID)
		}
	}
	return ids
}

// writeSelf snapshots the local identity's row, publishes it on the bus,
// and pushes it to the remote table.
func (t *Tracker) writeSelf() {
	t.mu.Lock()
	status := chat.StatusOnline
	if !t.foreground {
		status = chat.StatusAway
	}
	rec := chat.PresenceRecord{
		UserID:   t.selfID,
		Status:   status,
		TypingIn: t.typingIn,
		LastSeen: time.Now().UnixMilli(),
	}
	ctx := t.ctx
	t.mu.Unlock()

	t.storeSelf(rec)
	if ctx == nil {
		ctx = context.Background()
	}
	if err := t.writer.UpsertPresence(ctx, rec); err != nil {
		t.logger.Warn("presence write failed", zap.Error(err))
	}
}

func (t *Tracker) storeSelf(rec chat.PresenceRecord) {
	t.mu.Lock()
	t.records[t.selfID] = rec
	t.mu.Unlock()
	if t.bus != nil {
		t.bus.Emit(bus.KindPresenceChanged, rec)
	}
}
