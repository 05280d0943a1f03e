package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

func TestMemoryQueueFanOut(t *testing.T) {
	q := NewMemoryQueue(4)
	defer q.Close()

	first := q.Subscribe()
	second := q.Subscribe()
	defer first.Close()
	defer second.Close()

	payload, err := json.Marshal(map[string]string{"segment": "0-000000001.ts"})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	job := Job{Type: JobSegmentHash, VideoID: "video-1", Payload: payload}
	if err := q.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	for _, sub := range []Subscription{first, second} {
		select {
		case got := <-sub.Jobs():
			if got.Type != JobSegmentHash {
				t.Fatalf("expected job type %q got %q", JobSegmentHash, got.Type)
			}
			if got.VideoID != "video-1" {
				t.Fatalf("expected video id video-1 got %q", got.VideoID)
			}
			if string(got.Payload) != string(payload) {
				t.Fatalf("payload mismatch: %s", got.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for job")
		}
	}
}

func TestMemoryQueueRequiresJobType(t *testing.T) {
	q := NewMemoryQueue(1)
	defer q.Close()

	if err := q.Enqueue(context.Background(), Job{VideoID: "video-1"}); err == nil {
		t.Fatal("expected error for job without type")
	}
}

func TestMemoryQueueClosedSubscriptionStopsDelivery(t *testing.T) {
	q := NewMemoryQueue(1)
	defer q.Close()

	sub := q.Subscribe()
	sub.Close()

	if err := q.Enqueue(context.Background(), Job{Type: JobWebseed, VideoID: "video-2"}); err != nil {
		t.Fatalf("enqueue after close: %v", err)
	}

	select {
	case _, ok := <-sub.Jobs():
		if ok {
			t.Fatal("expected closed channel, received job")
		}
	case <-time.After(time.Second):
		t.Fatal("expected channel to be closed")
	}
}

func TestMemoryQueueDropsWhenFull(t *testing.T) {
	q := NewMemoryQueue(1)
	defer q.Close()

	sub := q.Subscribe()
	defer sub.Close()

	ctx := context.Background()
	if err := q.Enqueue(ctx, Job{Type: JobSegmentHash, VideoID: "a"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// Buffer is full; the second job is dropped rather than blocking.
	if err := q.Enqueue(ctx, Job{Type: JobSegmentHash, VideoID: "b"}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	select {
	case got := <-sub.Jobs():
		if got.VideoID != "a" {
			t.Fatalf("expected first job, got %q", got.VideoID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for job")
	}

	select {
	case got := <-sub.Jobs():
		t.Fatalf("unexpected second delivery: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}
