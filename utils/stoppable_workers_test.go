package utils

import (
	"context"
	"sync/atomic"
	"testing"

	"go.viam.com/test"
)

func TestStoppableWorkers(t *testing.T) {
	var stopped atomic.Int32
	started := make(chan struct{}, 2)
	worker := func(ctx context.Context) {
		started <- struct{}{}
		<-ctx.Done()
		stopped.Add(1)
	}

	sw := NewStoppableWorkers(worker)
	sw.AddWorkers(worker)
	<-started
	<-started
	sw.Stop()
	test.That(t, stopped.Load(), test.ShouldEqual, 2)
	test.That(t, sw.Context().Err(), test.ShouldNotBeNil)

	// Adding after Stop is a no-op.
	sw.AddWorkers(worker)
	test.That(t, stopped.Load(), test.ShouldEqual, 2)
}

func TestStoppableWorkersParentContext(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	sw := NewStoppableWorkersWithContext(parent, func(ctx context.Context) {
		<-ctx.Done()
		close(done)
	})
	cancel()
	<-done
	sw.Stop()
}
