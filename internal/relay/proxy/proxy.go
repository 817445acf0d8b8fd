// Package proxy is the multiplexing engine: it converts an inbound
// public HTTP or WebSocket request into a frame sequence on the
// owning hub's channel and assembles the returning frames back onto
// the client socket.
package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/habrelay/habrelay/internal/metrics"
	"github.com/habrelay/habrelay/internal/relay/audit"
	"github.com/habrelay/habrelay/internal/relay/connstore"
	"github.com/habrelay/habrelay/internal/relay/registry"
	"github.com/habrelay/habrelay/internal/relay/session"
	"github.com/habrelay/habrelay/internal/relay/tracker"
	"github.com/habrelay/habrelay/internal/relay/wire"
)

const offlineBody = "openHAB is offline"

// Authenticator identifies the acting user of a public request.
// Account management is a collaborator concern; the relay only needs
// the user id.
type Authenticator interface {
	Authenticate(r *http.Request) (userID string, err error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(r *http.Request) (string, error)

func (f AuthenticatorFunc) Authenticate(r *http.Request) (string, error) { return f(r) }

// Resolver maps an authenticated user (and, for multi-hub accounts, a
// URL-scoped identifier) to the hub their request targets. Supplied
// by the collaborator; treated as a pure function.
type Resolver interface {
	ResolveHub(ctx context.Context, userID string, r *http.Request) (hubID string, err error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, userID string, r *http.Request) (string, error)

func (f ResolverFunc) ResolveHub(ctx context.Context, userID string, r *http.Request) (string, error) {
	return f(ctx, userID, r)
}

// Lookup is the cached ConnectionStore view the multiplexer consults.
type Lookup interface {
	Lookup(ctx context.Context, hubID string) (*connstore.Ownership, error)
	Invalidate(hubID string)
}

// Forwarder re-proxies a request to the cluster node owning the hub.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request, nodeAddr string, upgrade bool) (status int, bytesIn, bytesOut int64, err error)
}

// Options tunes the multiplexer.
type Options struct {
	NodeAddr     string // internal "host:port" of this node
	PublicHost   string // host header presented to hubs by default
	RemoteHost   string // host header for /remote/ paths
	UserAgent    string // fixed user-agent on forwarded frames
	MaxBodyBytes int64  // client request bodies are pre-read whole
}

const (
	defaultUserAgent    = "openHAB-cloud/relay"
	defaultMaxBodyBytes = 32 << 20
)

func (o *Options) withDefaults() {
	if o.UserAgent == "" {
		o.UserAgent = defaultUserAgent
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = defaultMaxBodyBytes
	}
}

// Handler serves every hub-backed public route.
type Handler struct {
	auth      Authenticator
	resolver  Resolver
	lookup    Lookup
	registry  *registry.Registry[*session.Session]
	tracker   *tracker.Tracker
	forwarder Forwarder
	opts      Options
	logger    *slog.Logger
}

// New wires the multiplexer.
func New(auth Authenticator, resolver Resolver, lookup Lookup, reg *registry.Registry[*session.Session], trk *tracker.Tracker, fwd Forwarder, opts Options) *Handler {
	opts.withDefaults()
	return &Handler{
		auth:      auth,
		resolver:  resolver,
		lookup:    lookup,
		registry:  reg,
		tracker:   trk,
		forwarder: fwd,
		opts:      opts,
		logger:    slog.With("component", "proxy"),
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	user, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	hubID, err := h.resolver.ResolveHub(ctx, user, r)
	if err != nil {
		h.offline(w)
		return
	}

	own, err := h.lookup.Lookup(ctx, hubID)
	if err != nil {
		h.logger.Error("ownership lookup failed", "hub_id", hubID, "error", err)
		http.Error(w, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	if own == nil {
		h.offline(w)
		return
	}

	upgrade := IsWebSocketUpgrade(r)

	if own.NodeAddr != h.opts.NodeAddr {
		metrics.CrossNodeForwards.Inc()
		status, bytesIn, bytesOut, err := h.forwarder.Forward(w, r, own.NodeAddr, upgrade)
		if err != nil {
			h.logger.Error("cross-node forward failed", "hub_id", hubID, "node", own.NodeAddr, "error", err)
		}
		h.finish(audit.Record{
			User: user, HubID: hubID, Method: r.Method, Path: r.URL.Path,
			Status: status, BytesIn: bytesIn, BytesOut: bytesOut,
			Duration: time.Since(start), CrossNode: true,
		})
		return
	}

	sess := h.registry.Get(hubID)
	if sess == nil {
		// The store says we own this hub but no session exists: the
		// cached entry outlived a teardown. Drop it and report offline.
		h.lookup.Invalidate(hubID)
		h.offline(w)
		return
	}

	rec := audit.Record{User: user, HubID: hubID, Method: r.Method, Path: r.URL.Path}
	if upgrade {
		rec.Status, rec.BytesIn, rec.BytesOut = h.tunnel(w, r, user, sess)
	} else {
		rec.Status, rec.BytesIn, rec.BytesOut = h.relay(w, r, user, sess)
	}
	rec.Duration = time.Since(start)
	h.finish(rec)
}

func (h *Handler) finish(rec audit.Record) {
	audit.Log(rec)
	metrics.ProxiedRequestsTotal.WithLabelValues(statusClass(rec.Status)).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	case status == 101:
		return "101"
	}
	return "other"
}

func (h *Handler) offline(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	_, _ = io.WriteString(w, offlineBody)
}

// relay handles a plain HTTP request: pre-read the body, emit the
// request frame, stream the returning frames to the client.
func (h *Handler) relay(w http.ResponseWriter, r *http.Request, user string, sess *session.Session) (status int, bytesIn, bytesOut int64) {
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return http.StatusRequestEntityTooLarge, 0, 0
		}
		http.Error(w, "bad request", http.StatusBadRequest)
		return http.StatusBadRequest, 0, 0
	}
	bytesIn = int64(len(body))

	p := h.tracker.Add(sess.HubID())
	frame := h.buildRequest(p.ID, r, user, body, false)

	if status = h.send(r.Context(), w, sess, p, frame); status != 0 {
		return status, bytesIn, 0
	}

	status, bytesOut = h.streamResponse(w, r, p, sess, nil)
	return status, bytesIn, bytesOut
}

// send emits the request frame. A non-zero return is the error status
// already written to the client.
func (h *Handler) send(ctx context.Context, w http.ResponseWriter, sess *session.Session, p *tracker.Pending, frame wire.Request) int {
	err := sess.Send(ctx, frame)
	if err == nil {
		return 0
	}
	if rem := h.tracker.Remove(p.ID); rem != nil {
		rem.Finalize(tracker.CauseCompleted)
	}
	if errors.Is(err, session.ErrQueueFull) {
		http.Error(w, "relay busy", http.StatusServiceUnavailable)
		return http.StatusServiceUnavailable
	}
	http.Error(w, "openHAB connection closed", http.StatusBadGateway)
	return http.StatusBadGateway
}

// cancelToHub tells the hub a request is gone. Uses a short detached
// context: the client that triggered the cancel is typically gone.
func (h *Handler) cancelToHub(sess *session.Session, id int64, cause string) {
	metrics.CancelsTotal.WithLabelValues(cause).Inc()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sess.Send(ctx, wire.Cancel{ID: id}); err != nil {
		h.logger.Debug("cancel frame not delivered", "hub_id", sess.HubID(), "request_id", id, "error", err)
	}
}

// buildRequest composes the outgoing request frame with transport
// header hygiene applied.
func (h *Handler) buildRequest(id int64, r *http.Request, user string, body []byte, upgrade bool) wire.Request {
	headers := make(map[string]string, len(r.Header))
	for k, v := range r.Header {
		if len(v) > 0 {
			headers[strings.ToLower(k)] = v[0]
		}
	}

	// Never leak client credentials or proxy breadcrumbs to the hub.
	delete(headers, "cookie")
	delete(headers, "cookie2")
	delete(headers, "authorization")
	delete(headers, "x-real-ip")
	delete(headers, "x-forwarded-for")
	delete(headers, "x-forwarded-proto")
	delete(headers, "connection")

	path := r.URL.Path
	host := h.opts.PublicHost
	if strings.HasPrefix(path, "/remote/") {
		path = strings.TrimPrefix(path, "/remote")
		host = h.opts.RemoteHost
	}
	headers["host"] = host
	headers["user-agent"] = h.opts.UserAgent

	if upgrade {
		headers["upgrade"] = "websocket"
		headers["connection"] = "Upgrade"
		body = nil
	}

	query := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			query[k] = v[0]
		}
	}

	return wire.Request{
		ID:      id,
		Method:  r.Method,
		Headers: headers,
		Path:    path,
		Query:   query,
		Body:    body,
		UserID:  user,
	}
}

// IsWebSocketUpgrade detects an upgrade request by the upgrade header
// or by the presence of both WebSocket handshake headers.
func IsWebSocketUpgrade(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return true
	}
	return r.Header.Get("Sec-Websocket-Key") != "" && r.Header.Get("Sec-Websocket-Version") != ""
}
