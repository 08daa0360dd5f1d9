// Package telemetry fans the control loop's snapshots out to operator transports and
// external sinks. Consumers only ever see the latest snapshot.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"go.viam.com/rover/wire"
)

// Broadcaster holds the latest snapshot. Publish never blocks on consumers.
type Broadcaster struct {
	mu      sync.RWMutex
	latest  wire.Telemetry
	seq     uint64
	changed chan struct{}
}

// NewBroadcaster returns a broadcaster with nothing published yet.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{changed: make(chan struct{})}
}

// Publish replaces the latest snapshot and wakes waiting subscribers.
func (b *Broadcaster) Publish(t wire.Telemetry) {
	t = clone(t)
	b.mu.Lock()
	b.latest = t
	b.seq++
	close(b.changed)
	b.changed = make(chan struct{})
	b.mu.Unlock()
}

// Latest returns the most recent snapshot and false if nothing was published yet.
func (b *Broadcaster) Latest() (wire.Telemetry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return clone(b.latest), b.seq > 0
}

// Subscribe returns a cursor that yields snapshots newer than the ones it has seen.
func (b *Broadcaster) Subscribe() *Subscription {
	return &Subscription{b: b}
}

// Subscription is a single consumer's position. It is not safe for concurrent use.
type Subscription struct {
	b    *Broadcaster
	seen uint64
}

// Next blocks until a snapshot newer than the last one returned is available. Intermediate
// snapshots published while the caller was busy are skipped.
func (s *Subscription) Next(ctx context.Context) (wire.Telemetry, error) {
	for {
		s.b.mu.RLock()
		seq, latest, changed := s.b.seq, s.b.latest, s.b.changed
		s.b.mu.RUnlock()
		if seq > s.seen {
			s.seen = seq
			return clone(latest), nil
		}
		select {
		case <-ctx.Done():
			return wire.Telemetry{}, ctx.Err()
		case <-changed:
		}
	}
}

// forEach hands every new snapshot to fn, at most once per interval, until ctx is done.
// Snapshots published while fn or the interval wait is running collapse into the newest.
func forEach(ctx context.Context, source *Broadcaster, clk clock.Clock, interval time.Duration, fn func(wire.Telemetry)) {
	sub := source.Subscribe()
	for {
		snap, err := sub.Next(ctx)
		if err != nil {
			return
		}
		fn(snap)

		timer := clk.Timer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func clone(t wire.Telemetry) wire.Telemetry {
	t.MotorTemps = append([]float64(nil), t.MotorTemps...)
	t.MotorCurrents = append([]float64(nil), t.MotorCurrents...)
	return t
}
