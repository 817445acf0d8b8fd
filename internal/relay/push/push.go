// Package push fans hub-originated notification frames out to the
// registered mobile devices of the target users.
package push

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/habrelay/habrelay/internal/metrics"
	"github.com/habrelay/habrelay/internal/relay/directory"
	"github.com/habrelay/habrelay/internal/relay/wire"
)

// ErrDeviceGone is returned by providers when the platform reports the
// token as no longer valid. The device registration is invalidated and
// never retried.
var ErrDeviceGone = errors.New("device token no longer valid")

// Message is one delivery to one device.
type Message struct {
	ID           string // persistent notification id
	Notification wire.Notification

	// Hide requests removal of an earlier notification instead of
	// showing a new one. RefID names the notification to hide.
	Hide  bool
	RefID string
}

// Provider delivers a message to a single device token. Wrap the error
// in backoff.Permanent (or return ErrDeviceGone) to suppress retries.
type Provider interface {
	Send(ctx context.Context, token string, msg Message) error
}

// Directory is the device and account view the dispatcher needs.
type Directory interface {
	DeviceTokens(ctx context.Context, userID string) ([]directory.Device, error)
	AccountUserIDs(ctx context.Context, accountID string) ([]string, error)
	InvalidateDevice(ctx context.Context, token string) error
	SaveNotification(ctx context.Context, userID string, n wire.Notification) (string, error)
}

// Options tunes the dispatcher.
type Options struct {
	Workers        int           // delivery workers, default 8
	QueueSize      int           // pending job buffer, default 1024
	MaxAttempts    int           // per-device delivery attempts, default 3
	SupersedeFor   time.Duration // tag dedup window, default 60s
	SendTimeout    time.Duration // per-attempt provider budget, default 10s
	InitialBackoff time.Duration // first retry delay, default 500ms
}

func (o *Options) withDefaults() {
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.SupersedeFor <= 0 {
		o.SupersedeFor = time.Minute
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 10 * time.Second
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 500 * time.Millisecond
	}
}

// job is one raw notification frame as received from a hub session.
// All persistence and fan-out resolution happens on the worker pool.
type job struct {
	hubID     string
	accountID string
	n         wire.Notification
}

type tagEntry struct {
	id string
	at time.Time
}

// Dispatcher accepts notification frames from hub sessions and
// delivers them asynchronously. Frame processing never blocks the
// session read loop beyond an enqueue.
type Dispatcher struct {
	provider Provider
	dir      Directory
	opts     Options
	logger   *slog.Logger

	jobs chan job
	wg   sync.WaitGroup

	mu      sync.Mutex
	tagSeen map[string]tagEntry // user + tag -> last dispatched
	closed  bool
}

// New creates a Dispatcher and starts its workers.
func New(provider Provider, dir Directory, opts Options) *Dispatcher {
	opts.withDefaults()
	d := &Dispatcher{
		provider: provider,
		dir:      dir,
		opts:     opts,
		logger:   slog.With("component", "push"),
		jobs:     make(chan job, opts.QueueSize),
		tagSeen:  make(map[string]tagEntry),
	}
	for i := 0; i < opts.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Close stops accepting work and waits for in-flight deliveries.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()
	close(d.jobs)
	d.wg.Wait()
}

// Dispatch accepts one notification frame from a hub session. It only
// enqueues: persistence, account fan-out and device delivery all run
// on the worker pool, so a slow collaborator never stalls the hub
// channel's read loop.
func (d *Dispatcher) Dispatch(hubID, accountID string, n wire.Notification) {
	d.enqueue(job{hubID: hubID, accountID: accountID, n: n})
}

// process resolves one dequeued frame. Log-only notifications are
// persisted without any device delivery; broadcasts fan out to every
// user of the hub's account.
func (d *Dispatcher) process(j job) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.SendTimeout)
	defer cancel()

	switch j.n.FrameType() {
	case wire.TypeLogNotification:
		if _, err := d.dir.SaveNotification(ctx, j.n.UserID, j.n); err != nil {
			d.logger.Error("notification log write failed", "hub_id", j.hubID, "user", j.n.UserID, "error", err)
		}
		return

	case wire.TypeBroadcastNotification:
		users, err := d.dir.AccountUserIDs(ctx, j.accountID)
		if err != nil {
			d.logger.Error("account fan-out lookup failed", "hub_id", j.hubID, "account", j.accountID, "error", err)
			return
		}
		for _, u := range users {
			un := j.n
			un.UserID = u
			d.dispatchOne(ctx, j.hubID, un)
		}
		return
	}

	d.dispatchOne(ctx, j.hubID, j.n)
}

func (d *Dispatcher) dispatchOne(ctx context.Context, hubID string, n wire.Notification) {
	if n.UserID == "" {
		d.logger.Warn("notification without target user dropped", "hub_id", hubID)
		metrics.PushDispatchTotal.WithLabelValues("dropped").Inc()
		return
	}

	id, err := d.dir.SaveNotification(ctx, n.UserID, n)
	if err != nil {
		d.logger.Error("notification log write failed", "hub_id", hubID, "user", n.UserID, "error", err)
		metrics.PushDispatchTotal.WithLabelValues("dropped").Inc()
		return
	}

	if prev, ok := d.supersede(n.UserID, n.Tag, id); ok {
		metrics.PushSuperseded.Inc()
		d.deliver(n.UserID, Message{Hide: true, RefID: prev})
	}

	d.deliver(n.UserID, Message{ID: id, Notification: n})
}

// supersede records this notification under its tag and reports the id
// of a previous one dispatched inside the dedup window.
func (d *Dispatcher) supersede(userID, tag, id string) (string, bool) {
	if tag == "" {
		return "", false
	}
	key := userID + "\x00" + tag
	now := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()
	prev, ok := d.tagSeen[key]
	d.tagSeen[key] = tagEntry{id: id, at: now}
	if ok && now.Sub(prev.at) <= d.opts.SupersedeFor {
		return prev.id, true
	}
	return "", false
}

func (d *Dispatcher) enqueue(j job) {
	d.mu.Lock()
	closed := d.closed
	d.mu.Unlock()
	if closed {
		metrics.PushDispatchTotal.WithLabelValues("dropped").Inc()
		return
	}
	select {
	case d.jobs <- j:
	default:
		d.logger.Warn("push queue full, notification dropped", "hub_id", j.hubID)
		metrics.PushDispatchTotal.WithLabelValues("dropped").Inc()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for j := range d.jobs {
		d.process(j)
	}
}

// deliver sends one message to every device of the target user.
func (d *Dispatcher) deliver(userID string, msg Message) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.SendTimeout)
	devices, err := d.dir.DeviceTokens(ctx, userID)
	cancel()
	if err != nil {
		d.logger.Error("device lookup failed", "user", userID, "error", err)
		metrics.PushDispatchTotal.WithLabelValues("dropped").Inc()
		return
	}
	if len(devices) == 0 {
		metrics.PushDispatchTotal.WithLabelValues("no-device").Inc()
		return
	}
	for _, dev := range devices {
		d.deliverToDevice(dev.Token, msg)
	}
}

func (d *Dispatcher) deliverToDevice(token string, msg Message) {
	attempt := func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.SendTimeout)
		defer cancel()
		err := d.provider.Send(ctx, token, msg)
		if errors.Is(err, ErrDeviceGone) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.opts.InitialBackoff
	_, err := backoff.Retry(context.Background(), attempt,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(d.opts.MaxAttempts)),
	)
	switch {
	case err == nil:
		metrics.PushDispatchTotal.WithLabelValues("delivered").Inc()
	case errors.Is(err, ErrDeviceGone):
		metrics.PushDispatchTotal.WithLabelValues("device-gone").Inc()
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.SendTimeout)
		if ierr := d.dir.InvalidateDevice(ctx, token); ierr != nil {
			d.logger.Error("device invalidation failed", "error", ierr)
		}
		cancel()
	default:
		metrics.PushDispatchTotal.WithLabelValues("failed").Inc()
		d.logger.Warn("push delivery failed", "error", err)
	}
}
