package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/observability"
)

const (
	DefaultGapTimeout      = 2 * time.Second
	DefaultDeliveryTimeout = 3 * time.Second
	DefaultMaxParallel     = 16
	DefaultRetainClosed    = 10 * time.Minute
)

type Options struct {
	GapTimeout      time.Duration
	DeliveryTimeout time.Duration
	MaxParallel     int
	// RetainClosed is how long the sequence watermark of an idle or
	// finished ride is kept after its queue is released.
	RetainClosed time.Duration
}

// Fanout delivers events at most once and best effort. Published batches are
// delivered per ride in Seq order by a worker that exists only while that
// ride has batches ready.
type Fanout struct {
	live   Live
	sink   Sink
	logger *slog.Logger
	opts   Options

	mu        sync.Mutex
	rides     map[string]*rideQueue
	marks     map[string]watermark
	lastSweep time.Time
	now       func() time.Time
	wg        sync.WaitGroup
}

// watermark replaces a released queue. Batches below next, or any batch of
// a ride whose Final batch was delivered, are dropped.
type watermark struct {
	next   int64
	closed bool
	at     time.Time
}

type rideQueue struct {
	next    int64
	pending map[int64]Batch
	ready   []Batch
	running bool
	timer   *time.Timer
	gen     int
}

func NewFanout(live Live, sink Sink, logger *slog.Logger, opts Options) *Fanout {
	if opts.GapTimeout <= 0 {
		opts.GapTimeout = DefaultGapTimeout
	}
	if opts.DeliveryTimeout <= 0 {
		opts.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = DefaultMaxParallel
	}
	if opts.RetainClosed <= 0 {
		opts.RetainClosed = DefaultRetainClosed
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{
		live:   live,
		sink:   sink,
		logger: logger,
		opts:   opts,
		rides:  make(map[string]*rideQueue),
		marks:  make(map[string]watermark),
		now:    time.Now,
	}
}

// Notify delivers ev to every target and waits until each delivery finished
// or timed out. Failures are logged, never returned.
func (f *Fanout) Notify(ctx context.Context, targets []Target, ev Event) {
	msgs := make([]Message, len(targets))
	for i, t := range targets {
		msgs[i] = Message{Target: t, Event: ev}
	}
	f.deliverAll(ctx, msgs)
}

// Broadcast sends ev to every live connection.
func (f *Fanout) Broadcast(ctx context.Context, ev Event) {
	if f.live == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.opts.DeliveryTimeout)
	defer cancel()
	if err := f.live.Broadcast(ctx, ev.Name, ev.Payload); err != nil {
		observability.Deliveries.WithLabelValues(string(ChannelLive), "error").Inc()
		f.logger.Warn("broadcast failed", "event", ev.Name, "error", err)
		return
	}
	observability.Deliveries.WithLabelValues(string(ChannelLive), "ok").Inc()
}

// Publish queues a batch and returns immediately. The first batch seen for a
// ride sets its starting sequence. A batch ahead of the expected Seq waits
// until the gap fills or GapTimeout passes, after which the gap is skipped.
// Batches behind the expected Seq are dropped, as is anything published for
// a ride after its Final batch was delivered.
func (f *Fanout) Publish(b Batch) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweepLocked()
	q, ok := f.rides[b.RideID]
	if !ok {
		next := b.Seq
		if m, seen := f.marks[b.RideID]; seen {
			if m.closed || b.Seq < m.next {
				f.logger.Warn("dropping batch for released ride", "ride_id", b.RideID, "seq", b.Seq, "expected", m.next, "closed", m.closed)
				return
			}
			next = m.next
			delete(f.marks, b.RideID)
		}
		q = &rideQueue{next: next, pending: make(map[int64]Batch)}
		f.rides[b.RideID] = q
	}
	if b.Seq < q.next {
		f.logger.Warn("dropping stale batch", "ride_id", b.RideID, "seq", b.Seq, "expected", q.next)
		return
	}
	q.pending[b.Seq] = b
	f.advanceLocked(b.RideID, q)
}

// Wait blocks until every queued batch has been delivered or ctx ends.
func (f *Fanout) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fanout) advanceLocked(rideID string, q *rideQueue) {
	for {
		b, ok := q.pending[q.next]
		if !ok {
			break
		}
		delete(q.pending, q.next)
		q.ready = append(q.ready, b)
		q.next++
	}
	switch {
	case len(q.pending) == 0:
		f.disarmLocked(q)
	case q.timer == nil:
		f.armLocked(rideID, q)
	}
	if len(q.ready) > 0 && !q.running {
		q.running = true
		f.wg.Add(1)
		go f.work(rideID, q)
	}
}

func (f *Fanout) armLocked(rideID string, q *rideQueue) {
	q.gen++
	gen := q.gen
	f.wg.Add(1)
	q.timer = time.AfterFunc(f.opts.GapTimeout, func() { f.onGap(rideID, q, gen) })
}

func (f *Fanout) disarmLocked(q *rideQueue) {
	if q.timer == nil {
		return
	}
	if q.timer.Stop() {
		f.wg.Done()
	}
	q.timer = nil
}

func (f *Fanout) onGap(rideID string, q *rideQueue, gen int) {
	defer f.wg.Done()
	f.mu.Lock()
	defer f.mu.Unlock()
	if q.timer == nil || q.gen != gen || f.rides[rideID] != q {
		return
	}
	q.timer = nil
	lowest := int64(-1)
	for seq := range q.pending {
		if lowest < 0 || seq < lowest {
			lowest = seq
		}
	}
	if lowest < 0 {
		return
	}
	f.logger.Warn("skipping sequence gap", "ride_id", rideID, "from", q.next, "to", lowest-1)
	q.next = lowest
	f.advanceLocked(rideID, q)
}

func (f *Fanout) work(rideID string, q *rideQueue) {
	defer f.wg.Done()
	for {
		f.mu.Lock()
		if len(q.ready) == 0 {
			q.running = false
			if len(q.pending) == 0 {
				f.releaseLocked(rideID, q, watermark{next: q.next})
			}
			f.mu.Unlock()
			return
		}
		b := q.ready[0]
		q.ready = q.ready[1:]
		f.mu.Unlock()

		f.deliverAll(context.Background(), b.Messages)

		if b.Final {
			f.mu.Lock()
			q.ready = nil
			q.pending = map[int64]Batch{}
			q.running = false
			f.releaseLocked(rideID, q, watermark{next: b.Seq + 1, closed: true})
			f.mu.Unlock()
			return
		}
	}
}

// releaseLocked drops the queue of a ride, leaving only its watermark.
func (f *Fanout) releaseLocked(rideID string, q *rideQueue, m watermark) {
	f.disarmLocked(q)
	if f.rides[rideID] == q {
		delete(f.rides, rideID)
	}
	m.at = f.now()
	f.marks[rideID] = m
}

// sweepLocked forgets watermarks older than RetainClosed. It runs at most
// once per RetainClosed/2.
func (f *Fanout) sweepLocked() {
	now := f.now()
	if now.Sub(f.lastSweep) < f.opts.RetainClosed/2 {
		return
	}
	f.lastSweep = now
	for id, m := range f.marks {
		if now.Sub(m.at) >= f.opts.RetainClosed {
			delete(f.marks, id)
		}
	}
}

// deliverAll runs one delivery per message, at most MaxParallel at a time.
func (f *Fanout) deliverAll(ctx context.Context, msgs []Message) {
	if len(msgs) == 0 {
		return
	}
	ctx = context.WithoutCancel(ctx)
	var g errgroup.Group
	g.SetLimit(f.opts.MaxParallel)
	for _, m := range msgs {
		m := m
		g.Go(func() error {
			f.deliver(ctx, m)
			return nil
		})
	}
	_ = g.Wait()
}

func (f *Fanout) deliver(ctx context.Context, m Message) {
	ctx, cancel := context.WithTimeout(ctx, f.opts.DeliveryTimeout)
	defer cancel()

	channel, err := f.route(ctx, m)
	result := "ok"
	if err != nil {
		result = "error"
		f.logger.Warn("delivery failed",
			"subject", m.Target.Subject, "channel", channel, "event", m.Event.Name,
			"ride_id", m.Event.RideID, "error", err)
	}
	observability.Deliveries.WithLabelValues(string(channel), result).Inc()
}

func (f *Fanout) route(ctx context.Context, m Message) (Channel, error) {
	switch m.Target.Channel {
	case ChannelLive:
		return ChannelLive, f.toLive(ctx, m)
	case ChannelDurable:
		return ChannelDurable, f.toSink(ctx, m)
	default:
		err := f.toLive(ctx, m)
		if err == nil {
			return ChannelLive, nil
		}
		if !errors.Is(err, ErrNoSession) {
			f.logger.Debug("live delivery failed, using durable sink", "subject", m.Target.Subject, "error", err)
		}
		return ChannelDurable, f.toSink(ctx, m)
	}
}

func (f *Fanout) toLive(ctx context.Context, m Message) error {
	if f.live == nil {
		return ErrNoSession
	}
	return f.live.DeliverToUser(ctx, m.Target.Subject, m.Event.Name, m.Event.Payload)
}

func (f *Fanout) toSink(ctx context.Context, m Message) error {
	if f.sink == nil {
		return errors.New("no durable sink configured")
	}
	return f.sink.Deliver(ctx, m.Target.Subject, m.Event)
}
