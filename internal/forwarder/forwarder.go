// Package forwarder owns the queue of captured actions and delivers them to
// the ingest endpoint one record per tick, in receipt order.
//
// Delivery is at-least-once: a failed record stays at the head of the queue
// and is retried on an exponential backoff until it either succeeds or runs
// out of attempts, at which point it is written to the dead-letter store.
// Records evicted by queue overflow are dead-lettered as well.
package forwarder

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/flowmint/flowmint/pkg/models"
	"github.com/rs/zerolog/log"
)

// Deliverer submits one action to the ingest endpoint.
type Deliverer interface {
	Track(ctx context.Context, action models.Action) error
}

// Options configures a Forwarder. Zero values take the defaults.
type Options struct {
	Interval       time.Duration
	Capacity       int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	DeadLetters    DeadLetters

	// OnDelivered is called after each successful delivery.
	OnDelivered func(models.Action)
}

const (
	DefaultInterval    = time.Second
	DefaultMaxAttempts = 5
)

// Forwarder drains the queue on a fixed cadence.
type Forwarder struct {
	queue       *Queue
	deliverer   Deliverer
	dead        DeadLetters
	interval    time.Duration
	maxAttempts int
	initialBO   time.Duration
	maxBO       time.Duration
	onDelivered func(models.Action)
	now         func() time.Time

	tickMu sync.Mutex // one delivery in flight at a time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	delivered    atomic.Int64
	failed       atomic.Int64
	deadLettered atomic.Int64
}

// New creates a Forwarder delivering through d.
func New(d Deliverer, opts Options) *Forwarder {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.DeadLetters == nil {
		opts.DeadLetters = NewMemoryDeadLetters()
	}
	return &Forwarder{
		queue:       NewQueue(opts.Capacity),
		deliverer:   d,
		dead:        opts.DeadLetters,
		interval:    opts.Interval,
		maxAttempts: opts.MaxAttempts,
		initialBO:   opts.InitialBackoff,
		maxBO:       opts.MaxBackoff,
		onDelivered: opts.OnDelivered,
		now:         time.Now,
	}
}

// Send implements recorder.Handoff.
func (f *Forwarder) Send(msg models.Message) { f.Receive(msg) }

// Receive handles a capture hand-off message. Only RECORD_ACTION is
// accepted; anything else is ignored. Never blocks on I/O.
func (f *Forwarder) Receive(msg models.Message) {
	if msg.Type != models.MessageRecordAction {
		log.Debug().Str("type", string(msg.Type)).Msg("forwarder: ignoring message")
		return
	}
	f.Enqueue(msg.Payload)
}

// Enqueue appends an action to the tail of the queue.
func (f *Forwarder) Enqueue(action models.Action) {
	if f.queue.Push(action) {
		log.Warn().Int("capacity", f.queue.Cap()).Msg("forwarder: queue full, oldest action evicted")
	}
	log.Debug().Str("action", action.ID).Str("type", string(action.Type)).Msg("Action buffered")
}

// Tick performs one drain step: flush overflow to the dead-letter store,
// then attempt delivery of the oldest pending action if it is not backing
// off. It reports whether a delivery was attempted.
func (f *Forwarder) Tick(ctx context.Context) bool {
	f.tickMu.Lock()
	defer f.tickMu.Unlock()

	for _, a := range f.queue.takeOverflow() {
		f.deadLetter(ctx, a, 0, "queue overflow")
	}

	head := f.queue.peek()
	if head == nil {
		return false
	}
	now := f.now()
	if now.Before(head.notBefore) {
		return false
	}

	head.attempts++
	err := f.deliverer.Track(ctx, head.action)
	if err == nil {
		f.queue.remove(head)
		f.delivered.Add(1)
		log.Debug().Str("action", head.action.ID).Int("attempt", head.attempts).Msg("Action delivered")
		if f.onDelivered != nil {
			f.onDelivered(head.action)
		}
		return true
	}

	f.failed.Add(1)
	head.lastErr = err.Error()

	if head.backoff == nil {
		head.backoff = f.newBackOff()
	}
	wait := head.backoff.NextBackOff()
	if head.attempts >= f.maxAttempts || wait == backoff.Stop {
		if f.queue.remove(head) {
			f.deadLetter(ctx, head.action, head.attempts, head.lastErr)
		}
		return true
	}

	head.notBefore = now.Add(wait)
	log.Warn().
		Err(err).
		Str("action", head.action.ID).
		Int("attempt", head.attempts).
		Dur("retry_in", wait).
		Msg("Delivery failed, will retry")
	return true
}

func (f *Forwarder) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.initialBO
	b.MaxInterval = f.maxBO
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (f *Forwarder) deadLetter(ctx context.Context, a models.Action, attempts int, reason string) {
	dl := models.DeadLetter{Action: a, Attempts: attempts, LastError: reason, FailedAt: f.now().UTC()}
	if err := f.dead.Put(ctx, dl); err != nil {
		log.Error().Err(err).Str("action", a.ID).Msg("forwarder: failed to persist dead letter, action lost")
		return
	}
	f.deadLettered.Add(1)
	log.Warn().Str("action", a.ID).Int("attempts", attempts).Str("reason", reason).Msg("Action dead-lettered")
}

// Start begins the periodic drain loop.
func (f *Forwarder) Start(ctx context.Context) {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.stopCh = make(chan struct{})
	f.doneCh = make(chan struct{})
	f.mu.Unlock()

	log.Info().Dur("interval", f.interval).Int("capacity", f.queue.Cap()).Msg("Forwarder started")
	go f.loop(ctx, f.stopCh, f.doneCh)
}

func (f *Forwarder) loop(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			f.Tick(ctx)
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts the drain loop and spills every still-queued action into the
// dead-letter store so Replay can resend it on the next start.
func (f *Forwarder) Stop(ctx context.Context) {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	close(f.stopCh)
	done := f.doneCh
	f.mu.Unlock()
	<-done

	f.tickMu.Lock()
	defer f.tickMu.Unlock()
	for _, a := range f.queue.takeOverflow() {
		f.deadLetter(ctx, a, 0, "queue overflow")
	}
	spilled := f.queue.drain()
	for _, p := range spilled {
		reason := p.lastErr
		if reason == "" {
			reason = "shutdown before delivery"
		}
		f.deadLetter(ctx, p.action, p.attempts, reason)
	}
	log.Info().Int("spilled", len(spilled)).Msg("Forwarder stopped")
}

// Replay moves every dead letter back onto the queue, oldest first, and
// returns how many were re-enqueued.
func (f *Forwarder) Replay(ctx context.Context) (int, error) {
	letters, err := f.dead.List(ctx, 0)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, dl := range letters {
		f.Enqueue(dl.Action)
		if err := f.dead.Delete(ctx, dl.Action.ID); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		log.Info().Int("count", n).Msg("Dead letters replayed")
	}
	return n, nil
}

// Pending returns the queued actions, oldest first.
func (f *Forwarder) Pending() []models.Action {
	return f.queue.Snapshot()
}

// DeadLetters exposes the dead-letter store.
func (f *Forwarder) DeadLetters() DeadLetters { return f.dead }

// Stats returns delivery counters.
func (f *Forwarder) Stats() models.QueueStats {
	return models.QueueStats{
		Pending:      f.queue.Len(),
		Capacity:     f.queue.Cap(),
		Delivered:    f.delivered.Load(),
		Failed:       f.failed.Load(),
		Dropped:      f.queue.Dropped(),
		DeadLettered: f.deadLettered.Load(),
	}
}
