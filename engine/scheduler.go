package engine

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cpgflow/cpgflow/cpg"
)

const lockShards = 64

// WorkItem is one unit of queued work: step this instance.
type WorkItem struct {
	InstanceID string
	Reason     string
	EnqueuedAt time.Time
}

// scheduler owns the bounded work queue, the per-instance lock shards, and
// the coalesced wake timers. At most one worker holds an instance's lock at
// a time; distinct instances step in parallel.
type scheduler struct {
	queue  chan WorkItem
	shards [lockShards]sync.Mutex

	timerMu sync.Mutex
	timers  map[string]*time.Timer

	cancelMu  sync.Mutex
	cancelled map[string]bool

	wg   sync.WaitGroup
	stop chan struct{}
}

func newScheduler(queueDepth int) *scheduler {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	return &scheduler{
		queue:     make(chan WorkItem, queueDepth),
		timers:    map[string]*time.Timer{},
		cancelled: map[string]bool{},
		stop:      make(chan struct{}),
	}
}

// Lock acquires the instance's shard. Shards trade a little false sharing
// between instances for a fixed memory footprint.
func (s *scheduler) Lock(instanceID string) {
	s.shards[shardFor(instanceID)].Lock()
}

// Unlock releases the instance's shard.
func (s *scheduler) Unlock(instanceID string) {
	s.shards[shardFor(instanceID)].Unlock()
}

func shardFor(instanceID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(instanceID))
	return int(h.Sum32() % lockShards)
}

// Enqueue places a work item on the bounded queue, blocking up to the
// backpressure deadline. A full queue past the deadline is a typed
// backpressure error.
func (s *scheduler) Enqueue(ctx context.Context, item WorkItem, deadline time.Duration) error {
	item.EnqueuedAt = time.Now().UTC()

	select {
	case s.queue <- item:
		return nil
	default:
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case s.queue <- item:
		return nil
	case <-timer.C:
		return cpg.Errorf(cpg.KindBackpressure, "work queue full for %s after %s", item.InstanceID, deadline)
	case <-ctx.Done():
		return cpg.WrapError(cpg.KindBackpressure, "enqueue cancelled", ctx.Err())
	case <-s.stop:
		return cpg.NewError(cpg.KindBackpressure, "scheduler stopped")
	}
}

// Depth reports the current queue occupancy.
func (s *scheduler) Depth() int { return len(s.queue) }

// ScheduleWake arms a timer that enqueues a step for the instance after the
// delay. Timers are coalesced: a second wake for the same instance resets
// the pending timer instead of stacking another.
func (s *scheduler) ScheduleWake(instanceID, reason string, delay time.Duration, deadline time.Duration) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	if t, ok := s.timers[instanceID]; ok {
		t.Reset(delay)
		return
	}
	s.timers[instanceID] = time.AfterFunc(delay, func() {
		s.timerMu.Lock()
		delete(s.timers, instanceID)
		s.timerMu.Unlock()
		if s.IsCancelled(instanceID) {
			return
		}
		_ = s.Enqueue(context.Background(), WorkItem{InstanceID: instanceID, Reason: reason}, deadline)
	})
}

// CancelInstance drops queued and timed work for the instance. Workers
// check the flag before stepping.
func (s *scheduler) CancelInstance(instanceID string) {
	s.cancelMu.Lock()
	s.cancelled[instanceID] = true
	s.cancelMu.Unlock()

	s.timerMu.Lock()
	if t, ok := s.timers[instanceID]; ok {
		t.Stop()
		delete(s.timers, instanceID)
	}
	s.timerMu.Unlock()
}

// IsCancelled reports whether the instance's work has been aborted.
func (s *scheduler) IsCancelled(instanceID string) bool {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	return s.cancelled[instanceID]
}

// Run starts the worker pool. Each worker drains the queue and hands items
// to stepFn; per-instance locking happens inside the step.
func (s *scheduler) Run(workers int, stepFn func(WorkItem)) {
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case item := <-s.queue:
					if s.IsCancelled(item.InstanceID) {
						continue
					}
					stepFn(item)
				case <-s.stop:
					return
				}
			}
		}()
	}
}

// Shutdown stops the workers and waits for in-flight steps to finish.
func (s *scheduler) Shutdown() {
	close(s.stop)
	s.wg.Wait()

	s.timerMu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.timerMu.Unlock()
}
