package proxy

import (
	"net/http"
	"strings"

	"github.com/habrelay/habrelay/internal/relay/session"
	"github.com/habrelay/habrelay/internal/relay/tracker"
	"github.com/habrelay/habrelay/internal/relay/wire"
)

// hopByHop headers never propagate from a hub response to the client.
var hopByHop = map[string]struct{}{
	"connection":          {},
	"keep-alive":          {},
	"transfer-encoding":   {},
	"upgrade":             {},
	"proxy-authenticate":  {},
	"proxy-authorization": {},
	"te":                  {},
	"trailer":             {},
}

// streamResponse consumes the hub's response frames for p and writes
// them to the client until the response finishes, a termination path
// wins, or the client goes away. first, when non-nil, is a frame the
// caller already pulled off the stream.
func (h *Handler) streamResponse(w http.ResponseWriter, r *http.Request, p *tracker.Pending, sess *session.Session, first wire.Frame) (status int, bytesOut int64) {
	rc := http.NewResponseController(w)
	headersSent := false

	handle := func(f wire.Frame) (done bool) {
		p.Touch()
		switch v := f.(type) {
		case wire.ResponseHeader:
			if headersSent {
				h.logger.Warn("duplicate response header frame", "hub_id", p.HubID, "request_id", p.ID)
				return false
			}
			copyResponseHeaders(w.Header(), v.Headers)
			status = v.StatusCode
			w.WriteHeader(status)
			headersSent = true
		case wire.ResponseBody:
			if !headersSent {
				// The hub always leads with a header frame; a body frame
				// before it means the header was lost. Default to 200 so
				// the client still gets the payload.
				status = http.StatusOK
				headersSent = true
			}
			n, err := w.Write(v.Body)
			bytesOut += int64(n)
			if err != nil {
				return false
			}
			_ = rc.Flush()
		case wire.ResponseFinished:
			return true
		case wire.ResponseError:
			if !headersSent {
				status = http.StatusBadGateway
				http.Error(w, v.Error, status)
				headersSent = true
			}
			h.logger.Warn("hub reported request error", "hub_id", p.HubID, "request_id", p.ID, "error", v.Error)
			return true
		default:
			h.logger.Warn("unexpected frame on response stream", "hub_id", p.HubID, "request_id", p.ID, "type", f.FrameType())
		}
		return false
	}

	complete := func() (int, int64) {
		if rem := h.tracker.Remove(p.ID); rem != nil {
			rem.Finalize(tracker.CauseCompleted)
		}
		return status, bytesOut
	}

	if first != nil {
		if handle(first) {
			return complete()
		}
	}

	for {
		select {
		case f := <-p.Frames():
			if handle(f) {
				return complete()
			}

		case <-p.Done():
			switch p.Cause() {
			case tracker.CauseTimeout:
				if !headersSent {
					status = http.StatusGatewayTimeout
					http.Error(w, "openHAB response timeout", status)
				}
			case tracker.CauseHubDisconnect:
				if !headersSent {
					status = http.StatusBadGateway
					http.Error(w, "openHAB connection closed", status)
				}
			}
			return status, bytesOut

		case <-r.Context().Done():
			if rem := h.tracker.Remove(p.ID); rem != nil {
				rem.Finalize(tracker.CauseClientDisconnect)
				h.cancelToHub(sess, p.ID, "client-disconnect")
			}
			return status, bytesOut
		}
	}
}

// copyResponseHeaders installs the hub's response headers, dropping
// hop-by-hop fields. Content-length is dropped too: bodies arrive
// re-chunked as frames and the original length no longer applies.
func copyResponseHeaders(dst http.Header, src map[string]string) {
	for k, v := range src {
		lower := strings.ToLower(k)
		if _, hop := hopByHop[lower]; hop {
			continue
		}
		if lower == "content-length" {
			continue
		}
		dst.Set(k, v)
	}
}
