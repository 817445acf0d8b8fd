// Package forward re-proxies public requests to the cluster node that
// owns the target hub's channel. The peer node runs the same public
// surface, so forwarding is a plain re-proxy of the original request
// to the peer's internal address.
package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrSelfForward is returned when an ownership record points at this
// node but no local session exists. Forwarding to ourselves would
// bounce the request in a loop until the record expires.
var ErrSelfForward = errors.New("ownership record points at this node")

// Forwarder re-proxies requests to peer relay nodes over plain HTTP on
// the internal network.
type Forwarder struct {
	selfAddr string
	client   *http.Client
	dialer   net.Dialer
	logger   *slog.Logger
}

// New creates a Forwarder. selfAddr is this node's internal address as
// it appears in ownership records.
func New(selfAddr string) *Forwarder {
	return &Forwarder{
		selfAddr: selfAddr,
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
			},
			// Hub responses stream for as long as the client stays; the
			// request context carries the real deadline.
			Timeout: 0,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		dialer: net.Dialer{Timeout: 10 * time.Second},
		logger: slog.With("component", "forward"),
	}
}

// Forward re-proxies r to the node at nodeAddr and relays the response
// to w. Upgrade requests are bridged as raw TCP; everything else goes
// through the HTTP client with streaming bodies. Byte counts feed the
// audit record on the forwarding node.
func (f *Forwarder) Forward(w http.ResponseWriter, r *http.Request, nodeAddr string, upgrade bool) (status int, bytesIn, bytesOut int64, err error) {
	if nodeAddr == f.selfAddr {
		http.Error(w, "relay routing error", http.StatusInternalServerError)
		return http.StatusInternalServerError, 0, 0, ErrSelfForward
	}
	if upgrade {
		return f.forwardUpgrade(w, r, nodeAddr)
	}
	return f.forwardHTTP(w, r, nodeAddr)
}

func (f *Forwarder) forwardHTTP(w http.ResponseWriter, r *http.Request, nodeAddr string) (int, int64, int64, error) {
	target := &url.URL{
		Scheme:   "http",
		Host:     nodeAddr,
		Path:     r.URL.Path,
		RawQuery: r.URL.RawQuery,
	}
	body := &countingReader{r: r.Body}
	var reqBody io.Reader = body
	if r.Body == nil || r.Body == http.NoBody {
		// Wrapping NoBody would make a bodyless request look chunked.
		reqBody = http.NoBody
	}
	req, err := http.NewRequestWithContext(r.Context(), r.Method, target.String(), reqBody)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return http.StatusBadGateway, 0, 0, err
	}
	req.Header = r.Header.Clone()
	// Preserve the public host so the peer applies the same host
	// rewrite rules, and the auth context so it re-authenticates the
	// same user.
	req.Host = r.Host
	req.ContentLength = r.ContentLength

	resp, err := f.client.Do(req)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return http.StatusBadGateway, body.n, 0, fmt.Errorf("forward to %s: %w", nodeAddr, err)
	}
	defer resp.Body.Close()

	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	n, err := io.Copy(&flushWriter{w: w}, resp.Body)
	return resp.StatusCode, body.n, n, err
}

// forwardUpgrade bridges a WebSocket upgrade. The original request is
// replayed verbatim to the peer and both connections become opaque
// pipes; the peer node performs the actual handshake with the hub.
func (f *Forwarder) forwardUpgrade(w http.ResponseWriter, r *http.Request, nodeAddr string) (int, int64, int64, error) {
	peer, err := f.dialer.DialContext(r.Context(), "tcp", nodeAddr)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return http.StatusBadGateway, 0, 0, fmt.Errorf("dial %s: %w", nodeAddr, err)
	}
	defer peer.Close()

	if err := r.Write(peer); err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return http.StatusBadGateway, 0, 0, fmt.Errorf("replay request to %s: %w", nodeAddr, err)
	}

	client, brw, err := http.NewResponseController(w).Hijack()
	if err != nil {
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return http.StatusInternalServerError, 0, 0, err
	}
	defer client.Close()
	_ = client.SetDeadline(time.Time{})

	var bytesIn, bytesOut int64
	g, gctx := errgroup.WithContext(context.Background())
	go func() {
		<-gctx.Done()
		client.Close()
		peer.Close()
	}()
	g.Go(func() error {
		n, err := io.Copy(peer, brw.Reader)
		bytesIn = n
		return errOrDone(err)
	})
	g.Go(func() error {
		n, err := io.Copy(client, peer)
		bytesOut = n
		return errOrDone(err)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, errBridgeDone) {
		f.logger.Debug("tunnel bridge ended", "node", nodeAddr, "error", err)
	}
	return http.StatusSwitchingProtocols, bytesIn, bytesOut, nil
}

var errBridgeDone = errors.New("bridge done")

// errOrDone maps a clean EOF to the bridge sentinel so the other pump
// gets unblocked via context cancellation.
func errOrDone(err error) error {
	if err == nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return errBridgeDone
	}
	return err
}

// countingReader counts the request body bytes streamed to the peer.
type countingReader struct {
	r io.ReadCloser
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReader) Close() error { return c.r.Close() }

// flushWriter flushes after every write so streamed hub responses
// reach the client incrementally.
type flushWriter struct {
	w http.ResponseWriter
}

func (fw *flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if f, ok := fw.w.(http.Flusher); ok {
		f.Flush()
	}
	return n, err
}
