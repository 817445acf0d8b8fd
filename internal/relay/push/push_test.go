package push

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habrelay/habrelay/internal/relay/directory"
	"github.com/habrelay/habrelay/internal/relay/wire"
	"github.com/habrelay/habrelay/internal/util/testutil"
)

type fakeProvider struct {
	mu       sync.Mutex
	sent     []sentMsg
	failures map[string]int // token -> remaining transient failures
	gone     map[string]bool
}

type sentMsg struct {
	token string
	msg   Message
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{failures: map[string]int{}, gone: map[string]bool{}}
}

func (p *fakeProvider) Send(_ context.Context, token string, msg Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.gone[token] {
		return ErrDeviceGone
	}
	if p.failures[token] > 0 {
		p.failures[token]--
		return errors.New("provider unavailable")
	}
	p.sent = append(p.sent, sentMsg{token: token, msg: msg})
	return nil
}

func (p *fakeProvider) deliveries() []sentMsg {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]sentMsg(nil), p.sent...)
}

type fakeDirectory struct {
	mu          sync.Mutex
	devices     map[string][]directory.Device
	accounts    map[string][]string
	invalidated []string
	saved       []wire.Notification
	nextID      int

	// saveGate, when set, stalls SaveNotification until it is closed.
	saveGate chan struct{}
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		devices:  map[string][]directory.Device{},
		accounts: map[string][]string{},
	}
}

func (d *fakeDirectory) DeviceTokens(_ context.Context, userID string) ([]directory.Device, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.devices[userID], nil
}

func (d *fakeDirectory) AccountUserIDs(_ context.Context, accountID string) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.accounts[accountID], nil
}

func (d *fakeDirectory) InvalidateDevice(_ context.Context, token string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.invalidated = append(d.invalidated, token)
	return nil
}

func (d *fakeDirectory) SaveNotification(_ context.Context, _ string, n wire.Notification) (string, error) {
	if d.saveGate != nil {
		<-d.saveGate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.saved = append(d.saved, n)
	d.nextID++
	return string(rune('a' + d.nextID - 1)), nil
}

func (d *fakeDirectory) savedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.saved)
}

func (d *fakeDirectory) invalidatedTokens() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.invalidated...)
}

func testOptions() Options {
	return Options{
		Workers:        2,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		SendTimeout:    time.Second,
	}
}

func TestDispatchDeliversToAllDevices(t *testing.T) {
	provider := newFakeProvider()
	dir := newFakeDirectory()
	dir.devices["user-1"] = []directory.Device{{Token: "tok-1", UserID: "user-1"}, {Token: "tok-2", UserID: "user-1"}}

	d := New(provider, dir, testOptions())
	defer d.Close()

	d.Dispatch("hub-1", "acct-1", wire.Notification{UserID: "user-1", Message: "door open"})

	testutil.RequireEventually(t, func() bool { return len(provider.deliveries()) == 2 })
	tokens := []string{provider.deliveries()[0].token, provider.deliveries()[1].token}
	assert.ElementsMatch(t, []string{"tok-1", "tok-2"}, tokens)
	assert.Equal(t, 1, dir.savedCount())
}

func TestDispatchRetriesTransientFailure(t *testing.T) {
	provider := newFakeProvider()
	provider.failures["tok-1"] = 2
	dir := newFakeDirectory()
	dir.devices["user-1"] = []directory.Device{{Token: "tok-1", UserID: "user-1"}}

	d := New(provider, dir, testOptions())
	defer d.Close()

	d.Dispatch("hub-1", "acct-1", wire.Notification{UserID: "user-1", Message: "m"})

	// Two failures then success, within the three-attempt budget.
	testutil.RequireEventually(t, func() bool { return len(provider.deliveries()) == 1 })
	assert.Empty(t, dir.invalidatedTokens())
}

func TestDispatchGivesUpAfterMaxAttempts(t *testing.T) {
	provider := newFakeProvider()
	provider.failures["tok-1"] = 10
	dir := newFakeDirectory()
	dir.devices["user-1"] = []directory.Device{{Token: "tok-1", UserID: "user-1"}}

	d := New(provider, dir, testOptions())
	d.Dispatch("hub-1", "acct-1", wire.Notification{UserID: "user-1", Message: "m"})
	d.Close()

	assert.Empty(t, provider.deliveries())
	provider.mu.Lock()
	remaining := provider.failures["tok-1"]
	provider.mu.Unlock()
	assert.Equal(t, 7, remaining)
}

func TestDeviceGoneInvalidates(t *testing.T) {
	provider := newFakeProvider()
	provider.gone["tok-dead"] = true
	dir := newFakeDirectory()
	dir.devices["user-1"] = []directory.Device{{Token: "tok-dead", UserID: "user-1"}}

	d := New(provider, dir, testOptions())
	defer d.Close()

	d.Dispatch("hub-1", "acct-1", wire.Notification{UserID: "user-1", Message: "m"})

	testutil.RequireEventually(t, func() bool {
		return len(dir.invalidatedTokens()) == 1
	})
	assert.Equal(t, []string{"tok-dead"}, dir.invalidatedTokens())
	assert.Empty(t, provider.deliveries())
}

func TestBroadcastFansOutToAccount(t *testing.T) {
	provider := newFakeProvider()
	dir := newFakeDirectory()
	dir.accounts["acct-1"] = []string{"user-1", "user-2"}
	dir.devices["user-1"] = []directory.Device{{Token: "tok-1", UserID: "user-1"}}
	dir.devices["user-2"] = []directory.Device{{Token: "tok-2", UserID: "user-2"}}

	d := New(provider, dir, testOptions())
	defer d.Close()

	n := wire.Notification{Message: "power outage"}.AsBroadcast()
	d.Dispatch("hub-1", "acct-1", n)

	testutil.RequireEventually(t, func() bool { return len(provider.deliveries()) == 2 })
	assert.Equal(t, 2, dir.savedCount())
}

func TestLogNotificationNeverPushes(t *testing.T) {
	provider := newFakeProvider()
	dir := newFakeDirectory()
	dir.devices["user-1"] = []directory.Device{{Token: "tok-1", UserID: "user-1"}}

	d := New(provider, dir, testOptions())
	d.Dispatch("hub-1", "acct-1", wire.Notification{UserID: "user-1", Message: "m"}.AsLog())
	d.Close()

	assert.Equal(t, 1, dir.savedCount())
	assert.Empty(t, provider.deliveries())
}

func TestTagSupersedesWithinWindow(t *testing.T) {
	provider := newFakeProvider()
	dir := newFakeDirectory()
	dir.devices["user-1"] = []directory.Device{{Token: "tok-1", UserID: "user-1"}}

	opts := testOptions()
	opts.SupersedeFor = time.Minute
	d := New(provider, dir, opts)
	defer d.Close()

	d.Dispatch("hub-1", "acct-1", wire.Notification{UserID: "user-1", Message: "21.0", Tag: "temp"})
	testutil.RequireEventually(t, func() bool { return len(provider.deliveries()) == 1 })

	d.Dispatch("hub-1", "acct-1", wire.Notification{UserID: "user-1", Message: "21.5", Tag: "temp"})

	// The second dispatch produces a hide for the first plus the new
	// notification.
	testutil.RequireEventually(t, func() bool { return len(provider.deliveries()) == 3 })

	var hides, shows int
	var hiddenRef string
	for _, s := range provider.deliveries()[1:] {
		if s.msg.Hide {
			hides++
			hiddenRef = s.msg.RefID
		} else {
			shows++
		}
	}
	assert.Equal(t, 1, hides)
	assert.Equal(t, 1, shows)
	assert.Equal(t, provider.deliveries()[0].msg.ID, hiddenRef)
}

func TestTagOutsideWindowDoesNotSupersede(t *testing.T) {
	provider := newFakeProvider()
	dir := newFakeDirectory()
	dir.devices["user-1"] = []directory.Device{{Token: "tok-1", UserID: "user-1"}}

	opts := testOptions()
	opts.SupersedeFor = 10 * time.Millisecond
	d := New(provider, dir, opts)
	defer d.Close()

	d.Dispatch("hub-1", "acct-1", wire.Notification{UserID: "user-1", Message: "a", Tag: "temp"})
	testutil.RequireEventually(t, func() bool { return len(provider.deliveries()) == 1 })

	time.Sleep(20 * time.Millisecond)
	d.Dispatch("hub-1", "acct-1", wire.Notification{UserID: "user-1", Message: "b", Tag: "temp"})

	testutil.RequireEventually(t, func() bool { return len(provider.deliveries()) == 2 })
	for _, s := range provider.deliveries() {
		assert.False(t, s.msg.Hide)
	}
}

func TestUntargetedNotificationDropped(t *testing.T) {
	provider := newFakeProvider()
	dir := newFakeDirectory()

	d := New(provider, dir, testOptions())
	d.Dispatch("hub-1", "acct-1", wire.Notification{Message: "no target"})
	d.Close()

	assert.Zero(t, dir.savedCount())
	assert.Empty(t, provider.deliveries())
}

func TestDispatchReturnsBeforePersistence(t *testing.T) {
	provider := newFakeProvider()
	dir := newFakeDirectory()
	dir.devices["user-1"] = []directory.Device{{Token: "tok-1", UserID: "user-1"}}
	dir.saveGate = make(chan struct{})

	d := New(provider, dir, testOptions())
	defer d.Close()

	// The session read loop calls Dispatch inline; a stalled persistence
	// collaborator must not stall it.
	start := time.Now()
	d.Dispatch("hub-1", "acct-1", wire.Notification{UserID: "user-1", Message: "m"})
	assert.Less(t, time.Since(start), 100*time.Millisecond)
	assert.Zero(t, dir.savedCount())

	close(dir.saveGate)
	testutil.RequireEventually(t, func() bool { return len(provider.deliveries()) == 1 })
	assert.Equal(t, 1, dir.savedCount())
}

func TestCloseIsIdempotent(t *testing.T) {
	d := New(newFakeProvider(), newFakeDirectory(), testOptions())
	d.Close()
	require.NotPanics(t, d.Close)
}
