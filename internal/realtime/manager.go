package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/zhanat1998/arashan-chat/internal/bus"
	"github.com/zhanat1998/arashan-chat/internal/status"
	"go.uber.org/zap"
)

// ErrScopeHeld is returned by Acquire when a subscription for the same scope
// already exists. The holder must Release it first; two live subscriptions
// for one scope would double-deliver every event.
var ErrScopeHeld = errors.New("subscription for scope already held")

// Conn is the transport the manager reads frames from. *websocket.Conn
// satisfies it directly; tests substitute an in-memory implementation.
type Conn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Dialer opens a new feed connection.
type Dialer func(ctx context.Context) (Conn, error)

// WebsocketDialer dials the change feed over a gorilla websocket, passing
// the session token in the handshake.
func WebsocketDialer(url, token string) Dialer {
	return func(ctx context.Context) (Conn, error) {
		header := http.Header{}
		if token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
		if err != nil {
			return nil, fmt.Errorf("dial change feed: %w", err)
		}
		return conn, nil
	}
}

type subState struct {
	scope Scope
	id    string
}

// Manager owns the single change-feed connection and the set of held
// subscription scopes. Inbound row changes are published on the bus as
// rt.change events; connection transitions surface as rt.connected /
// rt.disconnected and drive the status machine. After a reconnect every
// held scope is re-subscribed, but missed events are not replayed — the
// dispatcher resynchronizes on rt.connected.
type Manager struct {
	dial    Dialer
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger

	mu     sync.Mutex
	scopes map[string]*subState
	conn   Conn
	cancel context.CancelFunc
	done   chan struct{}

	maxBackoff time.Duration
}

// NewManager creates a manager. machine may be nil in tests.
func NewManager(dial Dialer, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		dial:       dial,
		bus:        b,
		machine:    machine,
		logger:     logger,
		scopes:     make(map[string]*subState),
		maxBackoff: 30 * time.Second,
	}
}

// Acquire registers a subscription for the scope and, if connected, sends
// the subscribe request immediately. Scopes acquired while disconnected are
// subscribed as soon as the connection is (re-)established.
func (m *Manager) Acquire(scope Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := scope.Key()
	if _, held := m.scopes[key]; held {
		return ErrScopeHeld
	}
	sub := &subState{scope: scope, id: uuid.New().String()}
	m.scopes[key] = sub

	if m.conn != nil {
		if err := m.conn.WriteJSON(subscribeFrame(sub)); err != nil {
			m.logger.Warn("subscribe write failed", zap.String("scope", key), zap.Error(err))
		}
	}
	return nil
}

// Release drops the subscription for the scope. Unknown scopes are a no-op.
func (m *Manager) Release(scope Scope) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := scope.Key()
	sub, held := m.scopes[key]
	if !held {
		return
	}
	delete(m.scopes, key)

	if m.conn != nil {
		if err := m.conn.WriteJSON(clientFrame{Action: "unsubscribe", ID: sub.id}); err != nil {
			m.logger.Warn("unsubscribe write failed", zap.String("scope", key), zap.Error(err))
		}
	}
}

// Held reports whether a subscription for the scope is currently owned.
func (m *Manager) Held(scope Scope) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, held := m.scopes[scope.Key()]
	return held
}

// Start connects the feed and keeps it connected until Stop or ctx
// cancellation, redialing with exponential backoff.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.transition(status.Connecting)
	go m.run(ctx)
}

// Stop closes the connection and stops the redial loop.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()
	if m.done != nil {
		<-m.done
	}
	m.transition(status.Closed)
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.done)
	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := m.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("change feed dial failed", zap.Error(err), zap.Int("attempt", attempt))
			attempt++
			if !m.sleep(ctx, backoff(attempt, m.maxBackoff)) {
				return
			}
			continue
		}
		attempt = 0

		m.mu.Lock()
		m.conn = conn
		for _, sub := range m.scopes {
			if err := conn.WriteJSON(subscribeFrame(sub)); err != nil {
				m.logger.Warn("re-subscribe failed", zap.Error(err))
			}
		}
		m.mu.Unlock()

		m.transition(status.Live)
		m.bus.Emit(bus.KindRTConnected, nil)
		m.logger.Info("change feed connected")

		m.readLoop(conn)

		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		m.bus.Emit(bus.KindRTDisconnected, nil)
		m.transition(status.Reconnecting)
		m.logger.Warn("change feed disconnected, redialing")

		attempt++
		if !m.sleep(ctx, backoff(attempt, m.maxBackoff)) {
			return
		}
		m.transition(status.Connecting)
	}
}

func (m *Manager) readLoop(conn Conn) {
	for {
		var frame serverFrame
		if err := conn.ReadJSON(&frame); err != nil {
			_ = conn.Close()
			return
		}
		m.bus.Emit(bus.KindRTChange, Change{
			Event: frame.Event,
			Table: frame.Table,
			Row:   frame.Row,
		})
	}
}

func (m *Manager) transition(to status.State) {
	if m.machine == nil {
		return
	}
	if err := m.machine.Transition(to); err != nil {
		m.logger.Debug("status transition skipped", zap.Error(err))
	}
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func subscribeFrame(sub *subState) clientFrame {
	return clientFrame{
		Action: "subscribe",
		ID:     sub.id,
		Table:  sub.scope.Table,
		Filter: sub.scope.Filter,
	}
}

func backoff(attempt int, max time.Duration) time.Duration {
	d := time.Second
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}
