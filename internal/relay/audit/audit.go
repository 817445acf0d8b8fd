// Package audit emits one structured record per request crossing the
// multiplexer.
package audit

import (
	"log/slog"
	"strings"
	"time"
)

// Record describes one multiplexed request.
type Record struct {
	User      string
	HubID     string
	Method    string
	Path      string
	Status    int
	BytesIn   int64
	BytesOut  int64
	Duration  time.Duration
	CrossNode bool
}

var logger = slog.With("component", "audit")

// Log writes the record. Paths are reduced to their first segment:
// hub-backed paths carry arbitrary resource names and full paths may
// embed item state.
func Log(rec Record) {
	logger.Info("proxied",
		"user", rec.User,
		"hub_id", rec.HubID,
		"method", rec.Method,
		"path", FirstSegment(rec.Path),
		"status", rec.Status,
		"bytes_in", rec.BytesIn,
		"bytes_out", rec.BytesOut,
		"duration_ms", rec.Duration.Milliseconds(),
		"cross_node", rec.CrossNode,
	)
}

// FirstSegment returns the first path segment with a leading slash,
// or "/" for the root.
func FirstSegment(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[:i]
	}
	if trimmed == "" {
		return "/"
	}
	return "/" + trimmed
}
