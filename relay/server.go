// Package relay provides a reusable relay server that can be embedded
// in other binaries (e.g. a full cloud frontend with its own account
// management).
package relay

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/habrelay/habrelay/internal/logging"
	"github.com/habrelay/habrelay/internal/metrics"
	"github.com/habrelay/habrelay/internal/relay/config"
	"github.com/habrelay/habrelay/internal/relay/connstore"
	"github.com/habrelay/habrelay/internal/relay/directory"
	"github.com/habrelay/habrelay/internal/relay/forward"
	"github.com/habrelay/habrelay/internal/relay/proxy"
	"github.com/habrelay/habrelay/internal/relay/push"
	"github.com/habrelay/habrelay/internal/relay/registry"
	"github.com/habrelay/habrelay/internal/relay/session"
	"github.com/habrelay/habrelay/internal/relay/tracker"
	"github.com/habrelay/habrelay/internal/relay/wire"
)

// Collaborators are the deployment-supplied pieces the relay does not
// own. Nil fields fall back to standalone defaults suitable for
// development and tests, not for an open deployment.
type Collaborators struct {
	// Authenticator identifies the user behind a public request. The
	// default accepts the basic-auth username without verifying a
	// password.
	Authenticator proxy.Authenticator

	// Resolver maps a user to a hub. The default picks the first hub
	// registered for the user's account.
	Resolver proxy.Resolver

	// PushProvider delivers notifications to device tokens. The default
	// logs deliveries without sending anything.
	PushProvider push.Provider
}

// Server is a reusable relay server instance.
type Server struct {
	cfg      *config.Config
	server   *http.Server
	sqlDB    *sql.DB
	rdb      *redis.Client
	store    *directory.SQLite
	registry *registry.Registry[*session.Session]
	tracker  *tracker.Tracker
	cache    *connstore.CachedLookup
	push     *push.Dispatcher
}

// NewServer creates a relay server. It opens the database, runs
// migrations and wires all components. Call Serve() to start
// listening.
func NewServer(cfg *config.Config, collab Collaborators) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	sqlDB, err := directory.OpenDB(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := directory.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	dir := directory.NewSQLite(sqlDB)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	store := connstore.New(rdb, cfg.LockTTL)
	cache := connstore.NewCachedLookup(store, cfg.CacheTTL)

	reg := registry.New[*session.Session]()
	trk := tracker.New()

	provider := collab.PushProvider
	if provider == nil {
		provider = logProvider{}
	}
	dispatcher := push.New(provider, dir, push.Options{})

	sessions := session.NewHandler(store, dir, reg, trk, dispatcher, session.Options{
		NodeAddr:          cfg.NodeAddr,
		OutboundBuffer:    cfg.OutboundBuffer,
		SendWait:          cfg.SendWait,
		KeepaliveInterval: cfg.KeepaliveInterval,
		DeadPeerTimeout:   cfg.DeadPeerTimeout,
	})
	// A hub connecting or leaving this node must be visible to the next
	// request immediately, not after the cache TTL.
	sessions.OnSessionChange = func(hubID string, online bool) {
		cache.Invalidate(hubID)
	}

	auth := collab.Authenticator
	if auth == nil {
		auth = proxy.AuthenticatorFunc(basicAuthUser)
	}
	resolver := collab.Resolver
	if resolver == nil {
		resolver = proxy.ResolverFunc(func(ctx context.Context, userID string, _ *http.Request) (string, error) {
			return dir.ResolveHub(ctx, userID)
		})
	}

	mux := http.NewServeMux()
	mux.Handle("/ws/hub", sessions)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/", proxy.New(auth, resolver, cache, reg, trk, forward.New(cfg.NodeAddr), proxy.Options{
		NodeAddr:   cfg.NodeAddr,
		PublicHost: cfg.PublicHost,
		RemoteHost: cfg.RemoteHost,
	}))

	h2cHandler := h2c.NewHandler(logging.HTTPMiddleware(metrics.HTTPMiddleware(mux)), &http2.Server{
		MaxConcurrentStreams: 1000,
	})

	server := &http.Server{
		Handler:           h2cHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		server:   server,
		sqlDB:    sqlDB,
		rdb:      rdb,
		store:    dir,
		registry: reg,
		tracker:  trk,
		cache:    cache,
		push:     dispatcher,
	}, nil
}

// Directory returns the relay's hub directory for direct access (e.g.
// for standalone hub registration).
func (s *Server) Directory() *directory.SQLite {
	return s.store
}

// Serve starts the relay server. It blocks until ctx is cancelled,
// then performs graceful shutdown.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		_ = s.sqlDB.Close()
		return fmt.Errorf("listen tcp: %w", err)
	}

	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	go s.janitor(janitorCtx)

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		slog.Info("relay shutting down...")

		// 1. Close every hub channel so hubs reconnect elsewhere; their
		// teardown releases the connection locks.
		s.registry.CloseAll("relay shutting down")

		// 2. Drain in-flight HTTP requests.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)

		close(shutdownDone)
	}()

	slog.Info("relay listening", "addr", s.cfg.ListenAddr, "node", s.cfg.NodeAddr)

	err = s.server.Serve(ln)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		stopJanitor()
		_ = s.sqlDB.Close()
		return fmt.Errorf("serve: %w", err)
	}

	<-shutdownDone
	stopJanitor()

	// 3. Flush queued push deliveries.
	s.push.Close()

	// 4. Checkpoint WAL into the main DB file before closing.
	if _, err := s.sqlDB.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		slog.Warn("WAL checkpoint failed", "error", err)
	}
	_ = s.sqlDB.Close()
	_ = s.rdb.Close()
	return nil
}

// janitor expires idle requests and trims the ownership cache. Expired
// requests get a best-effort cancel frame to their hub.
func (s *Server) janitor(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired := s.tracker.Expire(s.cfg.RequestTimeout)
			for _, p := range expired {
				metrics.CancelsTotal.WithLabelValues("timeout").Inc()
				if sess := s.registry.Get(p.HubID); sess != nil {
					sendCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
					_ = sess.Send(sendCtx, wire.Cancel{ID: p.ID})
					cancel()
				}
			}
			if len(expired) > 0 {
				slog.Warn("expired idle requests", "count", len(expired))
			}
			s.cache.Purge()
		}
	}
}

// basicAuthUser is the standalone default authenticator: the
// basic-auth username names the user, no password check. Deployments
// embed the relay with a real Authenticator.
func basicAuthUser(r *http.Request) (string, error) {
	user, _, ok := r.BasicAuth()
	if !ok || user == "" {
		return "", errors.New("missing credentials")
	}
	return user, nil
}

// logProvider is the standalone default push provider.
type logProvider struct{}

func (logProvider) Send(_ context.Context, token string, msg push.Message) error {
	slog.Info("push delivery (log provider)",
		"token", token, "notification_id", msg.ID, "hide", msg.Hide)
	return nil
}
