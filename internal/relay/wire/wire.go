// Package wire defines the framed event protocol spoken on a hub's
// persistent channel. Every message is a single WebSocket text frame
// carrying a JSON envelope: an event name plus an event-specific
// payload. Binary bodies travel base64-encoded inside the payload.
package wire

import (
	"encoding/json"
	"fmt"
)

// Type names a frame kind on the hub channel. The names are part of
// the wire protocol and must match what deployed hubs send.
type Type string

// Cloud-to-hub frame types.
const (
	TypeRequest   Type = "request"
	TypeCancel    Type = "cancel"
	TypeWebsocket Type = "websocket" // both directions
)

// Hub-to-cloud frame types.
const (
	TypeResponseHeader        Type = "responseHeader"
	TypeResponseBody          Type = "responseContentBinary"
	TypeResponseFinished      Type = "responseFinished"
	TypeResponseError         Type = "responseError"
	TypeNotification          Type = "notification"
	TypeBroadcastNotification Type = "broadcastnotification"
	TypeLogNotification       Type = "lognotification"
)

// Frame is any decoded hub channel message.
type Frame interface {
	FrameType() Type
}

// Request asks the hub to perform an HTTP request on the relay's
// behalf. Body is nil for upgrade requests (the byte stream follows
// as Websocket frames).
type Request struct {
	ID      int64             `json:"id"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Path    string            `json:"path"`
	Query   map[string]string `json:"query"`
	Body    []byte            `json:"body"`
	UserID  string            `json:"userId,omitempty"`
}

func (Request) FrameType() Type { return TypeRequest }

// Cancel tells the hub the client for a request is gone and no
// further response frames are wanted.
type Cancel struct {
	ID int64 `json:"id"`
}

func (Cancel) FrameType() Type { return TypeCancel }

// Websocket carries opaque bytes of an upgraded connection, in either
// direction.
type Websocket struct {
	ID   int64  `json:"id"`
	Data []byte `json:"data"`
}

func (Websocket) FrameType() Type { return TypeWebsocket }

// ResponseHeader is the first frame of a hub response.
type ResponseHeader struct {
	ID         int64             `json:"id"`
	StatusCode int               `json:"responseStatusCode"`
	StatusText string            `json:"responseStatusText"`
	Headers    map[string]string `json:"headers"`
}

func (ResponseHeader) FrameType() Type { return TypeResponseHeader }

// ResponseBody is one chunk of a hub response body. Zero or more per
// request, strictly ordered within a request id.
type ResponseBody struct {
	ID   int64  `json:"id"`
	Body []byte `json:"body"`
}

func (ResponseBody) FrameType() Type { return TypeResponseBody }

// ResponseFinished marks the end of a successful response.
type ResponseFinished struct {
	ID int64 `json:"id"`
}

func (ResponseFinished) FrameType() Type { return TypeResponseFinished }

// ResponseError terminates a response with a hub-side error.
type ResponseError struct {
	ID    int64  `json:"id"`
	Error string `json:"error"`
}

func (ResponseError) FrameType() Type { return TypeResponseError }

// Notification is a push notification originated by the hub. The
// same payload shape serves the single-user, broadcast and log-only
// kinds; the frame type distinguishes them.
type Notification struct {
	UserID        string `json:"userId,omitempty"`
	Message       string `json:"message"`
	Icon          string `json:"icon,omitempty"`
	Severity      string `json:"severity,omitempty"`
	Tag           string `json:"tag,omitempty"`
	Title         string `json:"title,omitempty"`
	OnClick       string `json:"on-click,omitempty"`
	MediaURL      string `json:"media-attachment-url,omitempty"`
	ActionButton1 string `json:"action-button-1,omitempty"`
	ActionButton2 string `json:"action-button-2,omitempty"`
	ActionButton3 string `json:"action-button-3,omitempty"`

	kind Type
}

func (n Notification) FrameType() Type {
	if n.kind == "" {
		return TypeNotification
	}
	return n.kind
}

// AsBroadcast returns the envelope retyped as a broadcast to all
// users of the hub's account.
func (n Notification) AsBroadcast() Notification { n.kind = TypeBroadcastNotification; return n }

// AsLog returns the envelope retyped as log-only (persisted, never
// pushed).
func (n Notification) AsLog() Notification { n.kind = TypeLogNotification; return n }

type envelope struct {
	Type    Type            `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode marshals a frame into its wire envelope.
func Encode(f Frame) ([]byte, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", f.FrameType(), err)
	}
	data, err := json.Marshal(envelope{Type: f.FrameType(), Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", f.FrameType(), err)
	}
	return data, nil
}

// Decode parses a wire envelope into its concrete frame type.
// Unknown event names are an error; the session layer drops them.
func Decode(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope: %w", err)
	}

	switch env.Type {
	case TypeRequest:
		return decodeAs[Request](env)
	case TypeCancel:
		return decodeAs[Cancel](env)
	case TypeWebsocket:
		return decodeAs[Websocket](env)
	case TypeResponseHeader:
		return decodeAs[ResponseHeader](env)
	case TypeResponseBody:
		return decodeAs[ResponseBody](env)
	case TypeResponseFinished:
		return decodeAs[ResponseFinished](env)
	case TypeResponseError:
		return decodeAs[ResponseError](env)
	case TypeNotification, TypeBroadcastNotification, TypeLogNotification:
		var n Notification
		if err := json.Unmarshal(env.Payload, &n); err != nil {
			return nil, fmt.Errorf("unmarshal %s payload: %w", env.Type, err)
		}
		n.kind = env.Type
		return n, nil
	default:
		return nil, fmt.Errorf("unknown frame type %q", env.Type)
	}
}

func decodeAs[T Frame](env envelope) (Frame, error) {
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", env.Type, err)
	}
	return v, nil
}

// RequestID extracts the request id a frame refers to, or 0 with
// false for frames that are not request-scoped.
func RequestID(f Frame) (int64, bool) {
	switch v := f.(type) {
	case Request:
		return v.ID, true
	case Cancel:
		return v.ID, true
	case Websocket:
		return v.ID, true
	case ResponseHeader:
		return v.ID, true
	case ResponseBody:
		return v.ID, true
	case ResponseFinished:
		return v.ID, true
	case ResponseError:
		return v.ID, true
	}
	return 0, false
}
