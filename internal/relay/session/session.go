// Package session owns the relay side of one hub's persistent duplex
// channel: the authenticated WebSocket accepted from a hub, the
// serialized outbound writer, the inbound frame dispatch, keepalive,
// and distributed lock renewal.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/habrelay/habrelay/internal/metrics"
	"github.com/habrelay/habrelay/internal/relay/wire"
)

var (
	// ErrClosed is returned by Send after the session reached Closed.
	ErrClosed = errors.New("session closed")

	// ErrQueueFull is returned by Send when the outbound buffer stayed
	// full beyond the configured wait. The session itself stays up.
	ErrQueueFull = errors.New("session outbound queue full")
)

// State of the channel's lifecycle. Transitions only move forward.
// Credential, block and lock checks all happen during the handshake,
// while the channel is still Opening; a refused channel never becomes
// a Session, so Opening is the only pre-Established state observable
// here.
type State int32

const (
	StateOpening State = iota
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateEstablished:
		return "established"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// WebSocket close codes sent to hubs on refusal or teardown.
const (
	CloseInvalidCredentials = 4001
	CloseBlocked            = 4003
	CloseLockHeld           = 4005
	CloseProtocolAbuse      = 4007
)

// Session is one authenticated hub channel. All exported methods are
// safe for concurrent use; writes to the socket are serialized by a
// single writer goroutine feeding off a bounded queue.
type Session struct {
	hubID        string
	uuid         string
	accountID    string
	connectionID string
	version      string
	openedAt     time.Time

	conn     *websocket.Conn
	out      chan []byte
	sendWait time.Duration

	state       atomic.Int32
	lastFrameAt atomic.Int64 // unix nanos

	closeOnce   sync.Once
	closed      chan struct{}
	closeReason string

	// violations tracks protocol violations within a sliding window.
	violMu     sync.Mutex
	violCount  int
	violWindow time.Time
	violPerMin int
}

func newSession(conn *websocket.Conn, hubID, uuid, accountID, connectionID, version string, outBuffer int, sendWait time.Duration, violationsPerMin int) *Session {
	s := &Session{
		hubID:        hubID,
		uuid:         uuid,
		accountID:    accountID,
		connectionID: connectionID,
		version:      version,
		openedAt:     time.Now(),
		conn:         conn,
		out:          make(chan []byte, outBuffer),
		sendWait:     sendWait,
		closed:       make(chan struct{}),
		violPerMin:   violationsPerMin,
	}
	s.state.Store(int32(StateOpening))
	s.lastFrameAt.Store(time.Now().UnixNano())
	return s
}

// HubID returns the hub's internal identifier.
func (s *Session) HubID() string { return s.hubID }

// UUID returns the hub's externally presented identifier.
func (s *Session) UUID() string { return s.uuid }

// AccountID returns the account owning the hub.
func (s *Session) AccountID() string { return s.accountID }

// ConnectionID returns the opaque nonce identifying this channel's
// ownership record.
func (s *Session) ConnectionID() string { return s.connectionID }

// Version returns the software version the hub presented at
// handshake, if any.
func (s *Session) Version() string { return s.version }

// State returns the lifecycle state.
func (s *Session) State() State { return State(s.state.Load()) }

// Active reports whether a frame crossed the channel within maxIdle.
func (s *Session) Active(maxIdle time.Duration) bool {
	return time.Since(time.Unix(0, s.lastFrameAt.Load())) < maxIdle
}

// Done is closed when the session reaches Closed.
func (s *Session) Done() <-chan struct{} { return s.closed }

// CloseReason returns the teardown reason. Valid after Done closes.
func (s *Session) CloseReason() string {
	<-s.closed
	return s.closeReason
}

// Send encodes and enqueues a frame for the hub. It blocks up to the
// configured wait when the outbound buffer is full, then reports
// ErrQueueFull; the caller translates that to a 503 without tearing
// the session down.
func (s *Session) Send(ctx context.Context, f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}

	select {
	case s.out <- data:
		return nil
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	timer := time.NewTimer(s.sendWait)
	defer timer.Stop()
	select {
	case s.out <- data:
		return nil
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrQueueFull
	}
}

// writeLoop is the single writer for the channel. Runs until the
// session closes or a write fails.
func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case data := <-s.out:
			if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
				s.closeWith("write error: " + err.Error())
				return
			}
			s.lastFrameAt.Store(time.Now().UnixNano())
		case <-s.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

// violation records a dropped frame and reports whether the abuse
// threshold was exceeded within the current one-minute window.
func (s *Session) violation() bool {
	s.violMu.Lock()
	defer s.violMu.Unlock()

	metrics.ProtocolViolations.Inc()
	now := time.Now()
	if now.Sub(s.violWindow) > time.Minute {
		s.violWindow = now
		s.violCount = 0
	}
	s.violCount++
	return s.violCount > s.violPerMin
}

// closeWith records the first teardown reason and closes the done
// channel. The full teardown sequence runs in the handler that owns
// the session.
func (s *Session) closeWith(reason string) bool {
	won := false
	s.closeOnce.Do(func() {
		s.closeReason = reason
		s.state.Store(int32(StateClosed))
		close(s.closed)
		won = true
	})
	return won
}

// Close requests teardown with the given reason. Safe to call from
// any goroutine; only the first call takes effect.
func (s *Session) Close(reason string) {
	if s.closeWith(reason) {
		slog.Debug("session close requested", "hub_id", s.hubID, "reason", reason)
	}
}
