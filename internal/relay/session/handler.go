package session

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/habrelay/habrelay/internal/metrics"
	"github.com/habrelay/habrelay/internal/relay/connstore"
	"github.com/habrelay/habrelay/internal/relay/directory"
	"github.com/habrelay/habrelay/internal/relay/tracker"
	"github.com/habrelay/habrelay/internal/relay/wire"
)

// Store is the slice of the ConnectionStore the session layer needs.
type Store interface {
	Acquire(ctx context.Context, hubID string, own connstore.Ownership) error
	Renew(ctx context.Context, hubID, connectionID string) error
	Release(ctx context.Context, hubID, connectionID string) error
	IsBlocked(ctx context.Context, uuid string) (bool, string, time.Duration, error)
	LockTTL() time.Duration
}

// Directory is the external hub registry consulted once per channel
// acceptance.
type Directory interface {
	LookupHub(ctx context.Context, uuid string) (*directory.HubRecord, error)
	TouchLastOnline(ctx context.Context, hubID string, at time.Time) error
	RecordVersion(ctx context.Context, hubID, version string) error
}

// Registry is the node-local session map. Register replaces and
// returns any displaced session; Unregister removes only when the
// given session is still current.
type Registry interface {
	Register(s *Session) (displaced *Session)
	Unregister(hubID string, s *Session) bool
}

// NotificationSink consumes notification frames independently of the
// session's liveness.
type NotificationSink interface {
	Dispatch(hubID, accountID string, n wire.Notification)
}

// Options tunes the session layer. Zero values fall back to the
// defaults below.
type Options struct {
	NodeAddr          string        // internal "host:port" of this node
	OutboundBuffer    int           // frames queued per session before Send blocks
	SendWait          time.Duration // how long Send waits on a full queue
	KeepaliveInterval time.Duration // ping cadence
	DeadPeerTimeout   time.Duration // ping round-trip budget
	ViolationsPerMin  int           // protocol violations tolerated per minute
}

const (
	defaultOutboundBuffer    = 256
	defaultSendWait          = 5 * time.Second
	defaultKeepaliveInterval = 25 * time.Second
	defaultDeadPeerTimeout   = 60 * time.Second
	defaultViolationsPerMin  = 100
)

func (o *Options) withDefaults() {
	if o.OutboundBuffer <= 0 {
		o.OutboundBuffer = defaultOutboundBuffer
	}
	if o.SendWait <= 0 {
		o.SendWait = defaultSendWait
	}
	if o.KeepaliveInterval <= 0 {
		o.KeepaliveInterval = defaultKeepaliveInterval
	}
	if o.DeadPeerTimeout <= 0 {
		o.DeadPeerTimeout = defaultDeadPeerTimeout
	}
	if o.ViolationsPerMin <= 0 {
		o.ViolationsPerMin = defaultViolationsPerMin
	}
}

// Handler accepts hub channels on an HTTP endpoint and runs their
// sessions to completion.
type Handler struct {
	store    Store
	dir      Directory
	registry Registry
	tracker  *tracker.Tracker
	sink     NotificationSink
	opts     Options

	// OnSessionChange is invoked after a session starts (online=true)
	// and after teardown (online=false). Used to invalidate the
	// node-local ownership cache.
	OnSessionChange func(hubID string, online bool)
}

// NewHandler wires the session layer.
func NewHandler(store Store, dir Directory, registry Registry, trk *tracker.Tracker, sink NotificationSink, opts Options) *Handler {
	opts.withDefaults()
	return &Handler{
		store:    store,
		dir:      dir,
		registry: registry,
		tracker:  trk,
		sink:     sink,
		opts:     opts,
	}
}

// ServeHTTP accepts one hub channel. The handshake carries the hub's
// uuid as a query parameter and its secret as a header; an optional
// openhabversion header reports the hub's software version.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	uuid := r.URL.Query().Get("uuid")
	secret := r.Header.Get("secret")
	version := r.Header.Get("openhabversion")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Debug("hub channel accept failed", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	// Hub response bodies can be large; the relay re-frames them for
	// the client rather than bounding them.
	conn.SetReadLimit(-1)

	logger := slog.With("component", "session", "uuid", uuid)

	if uuid == "" || secret == "" {
		metrics.SessionsTotal.WithLabelValues("missing-credentials").Inc()
		_ = conn.Close(CloseInvalidCredentials, "missing uuid or secret")
		return
	}

	ctx := r.Context()
	authCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	rec, refuseCode, refuseReason := h.authenticate(authCtx, uuid, secret)
	cancel()
	if rec == nil {
		metrics.SessionsTotal.WithLabelValues(refuseLabel(refuseCode)).Inc()
		_ = conn.Close(websocket.StatusCode(refuseCode), refuseReason)
		return
	}

	connectionID, err := gonanoid.New()
	if err != nil {
		logger.Error("generate connection id", "error", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}

	acquireCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = h.store.Acquire(acquireCtx, rec.HubID, connstore.Ownership{
		ConnectionID: connectionID,
		NodeAddr:     h.opts.NodeAddr,
		Version:      version,
	})
	cancel()
	if err != nil {
		if errors.Is(err, connstore.ErrLockHeld) {
			metrics.SessionsTotal.WithLabelValues("lock-held").Inc()
			logger.Warn("hub already connected elsewhere", "hub_id", rec.HubID)
			_ = conn.Close(CloseLockHeld, "connection lock held")
			return
		}
		metrics.SessionsTotal.WithLabelValues("store-error").Inc()
		logger.Error("acquire connection lock", "hub_id", rec.HubID, "error", err)
		_ = conn.Close(websocket.StatusInternalError, "connection store unavailable")
		return
	}

	s := newSession(conn, rec.HubID, uuid, rec.AccountID, connectionID, version,
		h.opts.OutboundBuffer, h.opts.SendWait, h.opts.ViolationsPerMin)
	s.state.Store(int32(StateEstablished))

	if displaced := h.registry.Register(s); displaced != nil {
		// A prior session for this hub lingered past its lock (e.g.
		// expiry raced a reconnect). Tear it down; its release is a
		// no-op against our fresh connection id.
		displaced.Close("replaced by newer channel")
	}

	metrics.SessionsTotal.WithLabelValues("established").Inc()
	metrics.ActiveSessions.Inc()
	if h.OnSessionChange != nil {
		h.OnSessionChange(rec.HubID, true)
	}
	if version != "" {
		if err := h.dir.RecordVersion(ctx, rec.HubID, version); err != nil {
			logger.Warn("record hub version", "error", err)
		}
	}
	logger.Info("hub connected", "hub_id", rec.HubID, "version", version)

	h.run(ctx, s, logger)
}

// authenticate resolves the uuid, checks the secret and the block
// list. A nil record means refusal with the returned close code.
func (h *Handler) authenticate(ctx context.Context, uuid, secret string) (*directory.HubRecord, int, string) {
	rec, err := h.dir.LookupHub(ctx, uuid)
	if err != nil {
		if errors.Is(err, directory.ErrHubUnknown) {
			return nil, CloseInvalidCredentials, "unknown uuid"
		}
		return nil, int(websocket.StatusInternalError), "directory unavailable"
	}
	if subtle.ConstantTimeCompare([]byte(rec.Secret), []byte(secret)) != 1 {
		return nil, CloseInvalidCredentials, "invalid secret"
	}

	blocked, reason, _, err := h.store.IsBlocked(ctx, uuid)
	if err != nil {
		return nil, int(websocket.StatusInternalError), "connection store unavailable"
	}
	if blocked {
		return nil, CloseBlocked, "blocked: " + reason
	}
	return rec, 0, ""
}

func refuseLabel(code int) string {
	switch code {
	case CloseInvalidCredentials:
		return "auth-failed"
	case CloseBlocked:
		return "blocked"
	default:
		return "error"
	}
}

// run drives the established session: writer, keepalive and lock
// renewal in goroutines, the read loop inline. Whichever exits first
// triggers the shared teardown.
func (h *Handler) run(ctx context.Context, s *Session, logger *slog.Logger) {
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// A Close from any goroutine (renewal loss, displacement, shutdown)
	// must unblock the read loop's pending conn.Read.
	go func() {
		select {
		case <-s.closed:
			cancel()
		case <-loopCtx.Done():
		}
	}()

	go s.writeLoop(loopCtx)
	go h.keepaliveLoop(loopCtx, s)
	go h.renewLoop(loopCtx, s, logger)

	h.readLoop(loopCtx, s, logger)

	cancel()
	h.teardown(s, logger)
}

// keepaliveLoop pings the hub at the configured cadence. A ping that
// does not complete within the dead-peer budget kills the session.
func (h *Handler) keepaliveLoop(ctx context.Context, s *Session) {
	ticker := time.NewTicker(h.opts.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, h.opts.DeadPeerTimeout)
			err := s.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				s.Close("dead peer: " + err.Error())
				return
			}
		}
	}
}

// renewLoop extends the connection lock at a third of its TTL.
// Renewal loss means another node owns the hub now; three consecutive
// store failures are treated the same way.
func (h *Handler) renewLoop(ctx context.Context, s *Session, logger *slog.Logger) {
	interval := h.store.LockTTL() / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closed:
			return
		case <-ticker.C:
			renewCtx, cancel := context.WithTimeout(ctx, interval)
			err := h.store.Renew(renewCtx, s.hubID, s.connectionID)
			cancel()
			switch {
			case err == nil:
				failures = 0
			case errors.Is(err, connstore.ErrLockLost):
				metrics.LockRenewalLosses.Inc()
				s.Close("connection lock lost")
				return
			default:
				failures++
				logger.Warn("lock renewal failed", "hub_id", s.hubID, "failures", failures, "error", err)
				if failures >= 3 {
					metrics.LockRenewalLosses.Inc()
					s.Close("connection lock renewal failed")
					return
				}
			}
		}
	}
}

// readLoop deserializes inbound frames and dispatches them. Frames
// referencing an unknown request id never mutate state; they are
// dropped with a warning and counted against the abuse threshold.
func (h *Handler) readLoop(ctx context.Context, s *Session, logger *slog.Logger) {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			s.Close("read error: " + err.Error())
			return
		}
		s.lastFrameAt.Store(time.Now().UnixNano())
		if typ != websocket.MessageText {
			if s.violation() {
				s.Close("protocol abuse")
				return
			}
			continue
		}

		f, err := wire.Decode(data)
		if err != nil {
			logger.Warn("malformed frame dropped", "hub_id", s.hubID, "error", err)
			if s.violation() {
				s.Close("protocol abuse")
				return
			}
			continue
		}

		if !h.dispatch(ctx, s, f, logger) {
			s.Close("protocol abuse")
			return
		}
	}
}

// dispatch routes one inbound frame. Returns false when the session
// exceeded the violation threshold.
func (h *Handler) dispatch(ctx context.Context, s *Session, f wire.Frame, logger *slog.Logger) bool {
	if n, ok := f.(wire.Notification); ok {
		h.sink.Dispatch(s.hubID, s.accountID, n)
		return true
	}

	id, ok := wire.RequestID(f)
	if !ok {
		return true
	}
	p := h.tracker.Get(id)
	if p == nil || p.HubID != s.hubID {
		logger.Warn("frame for unknown request dropped",
			"hub_id", s.hubID, "request_id", id, "frame", f.FrameType())
		return !s.violation()
	}

	// Deliver blocks while the client consumes: this is the designed
	// backpressure point that bounds per-hub memory.
	p.Deliver(ctx, f)
	return true
}

// teardown runs the ordered close sequence once the channel is done:
// release the lock, record last-online best effort, finalize every
// pending request for the hub, then announce the membership change.
func (h *Handler) teardown(s *Session, logger *slog.Logger) {
	s.closeWith("teardown")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := h.store.Release(ctx, s.hubID, s.connectionID); err != nil {
		logger.Warn("release connection lock", "hub_id", s.hubID, "error", err)
	}
	if err := h.dir.TouchLastOnline(ctx, s.hubID, time.Now()); err != nil {
		logger.Warn("update last online", "hub_id", s.hubID, "error", err)
	}

	// Every established session incremented the gauge, so every teardown
	// decrements it, displaced or not.
	metrics.ActiveSessions.Dec()

	// A displaced session must not cancel requests now flowing through
	// its replacement: hub-wide cleanup only runs while this session is
	// still the registered one.
	cancelled := 0
	if h.registry.Unregister(s.hubID, s) {
		cancelled = h.tracker.CancelForHub(s.hubID)
		if cancelled > 0 {
			metrics.CancelsTotal.WithLabelValues("hub-disconnect").Add(float64(cancelled))
		}
		if h.OnSessionChange != nil {
			h.OnSessionChange(s.hubID, false)
		}
	}

	_ = s.conn.Close(websocket.StatusNormalClosure, s.closeReason)
	logger.Info("hub disconnected", "hub_id", s.hubID, "reason", s.closeReason,
		"open", time.Since(s.openedAt), "cancelled_requests", cancelled)
}
