package forward

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForwardRefusesSelf(t *testing.T) {
	f := New("node-a:8080")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/rest/items", nil)

	status, _, _, err := f.Forward(rec, req, "node-a:8080", false)
	require.ErrorIs(t, err, ErrSelfForward)
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestForwardHTTP(t *testing.T) {
	var seen *http.Request
	var seenBody string
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Clone(r.Context())
		body, _ := io.ReadAll(r.Body)
		seenBody = string(body)
		w.Header().Set("X-Peer", "yes")
		w.WriteHeader(http.StatusCreated)
		_, _ = io.WriteString(w, "created")
	}))
	defer peer.Close()
	peerAddr := strings.TrimPrefix(peer.URL, "http://")

	f := New("node-a:8080")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/rest/items/Light?state=ON", strings.NewReader(`{"v":1}`))
	req.Host = "home.example.org"
	req.Header.Set("Authorization", "Bearer tok")

	status, bytesIn, bytesOut, err := f.Forward(rec, req, peerAddr, false)
	require.NoError(t, err)

	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, int64(len(`{"v":1}`)), bytesIn)
	assert.Equal(t, int64(len("created")), bytesOut)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "created", rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-Peer"))

	// The peer re-authenticates the same user against the same host.
	require.NotNil(t, seen)
	assert.Equal(t, "/rest/items/Light", seen.URL.Path)
	assert.Equal(t, url.Values{"state": {"ON"}}, seen.URL.Query())
	assert.Equal(t, "home.example.org", seen.Host)
	assert.Equal(t, "Bearer tok", seen.Header.Get("Authorization"))
	assert.Equal(t, `{"v":1}`, seenBody)
}

func TestForwardHTTPPeerDown(t *testing.T) {
	f := New("node-a:8080")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/rest/items", nil)

	status, _, _, err := f.Forward(rec, req, "127.0.0.1:1", false)
	require.Error(t, err)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestForwardDoesNotFollowRedirects(t *testing.T) {
	peer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer peer.Close()
	peerAddr := strings.TrimPrefix(peer.URL, "http://")

	f := New("node-a:8080")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/start", nil)

	status, _, _, err := f.Forward(rec, req, peerAddr, false)
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, status)
	assert.Equal(t, "/elsewhere", rec.Header().Get("Location"))
}
