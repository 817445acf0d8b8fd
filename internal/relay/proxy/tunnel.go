package proxy

import (
	"bufio"
	"context"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/habrelay/habrelay/internal/relay/session"
	"github.com/habrelay/habrelay/internal/relay/tracker"
	"github.com/habrelay/habrelay/internal/relay/wire"
)

// wsAcceptGUID is the fixed suffix from RFC 6455 section 1.3.
const wsAcceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// tunnel multiplexes a WebSocket upgrade. The handshake is framed to
// the hub like a plain request; when the hub answers 101 the client
// socket is hijacked and both directions become opaque byte pumps.
func (h *Handler) tunnel(w http.ResponseWriter, r *http.Request, user string, sess *session.Session) (status int, bytesIn, bytesOut int64) {
	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		http.Error(w, "missing Sec-WebSocket-Key", http.StatusBadRequest)
		return http.StatusBadRequest, 0, 0
	}

	p := h.tracker.Add(sess.HubID())
	frame := h.buildRequest(p.ID, r, user, nil, true)

	if status = h.send(r.Context(), w, sess, p, frame); status != 0 {
		return status, 0, 0
	}

	// The hub's first frame decides whether this becomes a tunnel.
	var first wire.Frame
	select {
	case first = <-p.Frames():
		p.Touch()
	case <-p.Done():
		status, bytesOut = h.streamResponse(w, r, p, sess, nil)
		return status, 0, bytesOut
	case <-r.Context().Done():
		if rem := h.tracker.Remove(p.ID); rem != nil {
			rem.Finalize(tracker.CauseClientDisconnect)
			h.cancelToHub(sess, p.ID, "client-disconnect")
		}
		return 0, 0, 0
	}

	hdr, ok := first.(wire.ResponseHeader)
	if !ok || hdr.StatusCode != http.StatusSwitchingProtocols {
		// Rejected upgrade: relay the hub's answer as a plain response.
		status, bytesOut = h.streamResponse(w, r, p, sess, first)
		return status, 0, bytesOut
	}

	conn, brw, err := http.NewResponseController(w).Hijack()
	if err != nil {
		h.logger.Error("hijack failed", "hub_id", p.HubID, "error", err)
		if rem := h.tracker.Remove(p.ID); rem != nil {
			rem.Finalize(tracker.CauseClientDisconnect)
			h.cancelToHub(sess, p.ID, "client-disconnect")
		}
		http.Error(w, "upgrade not supported", http.StatusInternalServerError)
		return http.StatusInternalServerError, 0, 0
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Time{})

	if err := writeHandshake(brw.Writer, key, hdr.Headers["sec-websocket-protocol"]); err != nil {
		if rem := h.tracker.Remove(p.ID); rem != nil {
			rem.Finalize(tracker.CauseClientDisconnect)
			h.cancelToHub(sess, p.ID, "client-disconnect")
		}
		return http.StatusSwitchingProtocols, 0, 0
	}
	status = http.StatusSwitchingProtocols

	g, gctx := errgroup.WithContext(context.Background())

	// Reads on the hijacked conn cannot watch a context; closing the
	// conn is what unblocks the client pump when the hub side ends.
	go func() {
		<-gctx.Done()
		conn.Close()
	}()

	// Client bytes become websocket frames on the hub channel. WebSocket
	// message boundaries are the hub-side library's problem; the relay
	// moves opaque chunks.
	g.Go(func() error {
		buf := make([]byte, 32*1024)
		for {
			n, err := brw.Reader.Read(buf)
			if n > 0 {
				p.Touch()
				bytesIn += int64(n)
				data := make([]byte, n)
				copy(data, buf[:n])
				if serr := sess.Send(gctx, wire.Websocket{ID: p.ID, Data: data}); serr != nil {
					return serr
				}
			}
			if err != nil {
				if rem := h.tracker.Remove(p.ID); rem != nil {
					rem.Finalize(tracker.CauseClientDisconnect)
					h.cancelToHub(sess, p.ID, "client-disconnect")
				}
				return err
			}
		}
	})

	// Hub frames become raw client bytes.
	g.Go(func() error {
		for {
			select {
			case f := <-p.Frames():
				p.Touch()
				switch v := f.(type) {
				case wire.Websocket:
					n, err := conn.Write(v.Data)
					bytesOut += int64(n)
					if err != nil {
						return err
					}
				case wire.ResponseFinished:
					if rem := h.tracker.Remove(p.ID); rem != nil {
						rem.Finalize(tracker.CauseCompleted)
					}
					return errTunnelDone
				case wire.ResponseError:
					h.logger.Warn("hub closed tunnel with error", "hub_id", p.HubID, "request_id", p.ID, "error", v.Error)
					if rem := h.tracker.Remove(p.ID); rem != nil {
						rem.Finalize(tracker.CauseCompleted)
					}
					return errTunnelDone
				}
			case <-p.Done():
				return errTunnelDone
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errTunnelDone) {
		h.logger.Debug("tunnel ended", "hub_id", p.HubID, "request_id", p.ID, "error", err)
	}
	return status, bytesIn, bytesOut
}

var errTunnelDone = errors.New("tunnel done")

// writeHandshake sends the 101 response on the hijacked connection.
// The accept key is recomputed here rather than trusted from the hub.
func writeHandshake(bw *bufio.Writer, key, protocol string) error {
	if _, err := bw.WriteString("HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + secWebSocketAccept(key) + "\r\n"); err != nil {
		return err
	}
	if protocol != "" {
		if _, err := bw.WriteString("Sec-WebSocket-Protocol: " + protocol + "\r\n"); err != nil {
			return err
		}
	}
	if _, err := bw.WriteString("\r\n"); err != nil {
		return err
	}
	return bw.Flush()
}

// secWebSocketAccept derives the handshake accept token per RFC 6455.
func secWebSocketAccept(key string) string {
	sum := sha1.Sum([]byte(key + wsAcceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}
