// Package queue carries post-segment work (hashing artifacts, webseed
// generation) out of the encode loop. Enqueueing is fire-and-forget from the
// engine's perspective: delivery guarantees belong to the queue backend.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// Job is one unit of deferred work emitted by the engine.
type Job struct {
	Type    string          `json:"type"`
	VideoID string          `json:"videoId"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Job types emitted by the engine.
const (
	JobSegmentHash   = "segment-hash"
	JobWebseed       = "webseed"
	JobReplayPublish = "replay-publish"
)

// Queue fans jobs out to interested workers.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	Subscribe() Subscription
	Close() error
}

// Subscription represents an active job stream.
type Subscription interface {
	Jobs() <-chan Job
	Close()
}

// NewMemoryQueue initialises an in-memory fan-out queue suitable for tests
// and single-process deployments.
func NewMemoryQueue(buffer int) Queue {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryQueue{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryQueue struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

func (q *memoryQueue) Enqueue(ctx context.Context, job Job) error {
	if job.Type == "" {
		return errors.New("job type is required")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	for sub := range q.subs {
		select {
		case sub.ch <- job:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Drop instead of blocking so the encode loop never stalls
			// on a slow consumer.
		}
	}
	return nil
}

func (q *memoryQueue) Subscribe() Subscription {
	sub := &memorySubscription{
		queue: q,
		ch:    make(chan Job, q.buffer),
	}
	q.mu.Lock()
	q.subs[sub] = struct{}{}
	q.mu.Unlock()
	return sub
}

func (q *memoryQueue) Close() error {
	q.mu.Lock()
	subs := make([]*memorySubscription, 0, len(q.subs))
	for sub := range q.subs {
		subs = append(subs, sub)
	}
	q.mu.Unlock()
	for _, sub := range subs {
		sub.Close()
	}
	return nil
}

type memorySubscription struct {
	once  sync.Once
	queue *memoryQueue
	ch    chan Job
}

func (s *memorySubscription) Jobs() <-chan Job {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.queue.mu.Lock()
		delete(s.queue.subs, s)
		s.queue.mu.Unlock()
		close(s.ch)
	})
}
