// ABOUTME: Tests for the in-memory queue's scheduling contract: key dedup, delayed
// ABOUTME: visibility, cancellation, retry exhaustion, and repeat re-arming.
package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/seniormugambe/stellapath/internal/queue"
)

func TestEnqueueDedupByKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := queue.NewMemory()

	id1, enq1, err := q.Enqueue(ctx, "work", "key-1", nil, queue.Options{})
	if err != nil || !enq1 || id1 == uuid.Nil {
		t.Fatalf("first enqueue = (%v, %v, %v), want fresh job", id1, enq1, err)
	}

	id2, enq2, err := q.Enqueue(ctx, "work", "key-1", nil, queue.Options{})
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if enq2 || id2 != uuid.Nil {
		t.Errorf("second enqueue = (%v, %v), want dedup no-op", id2, enq2)
	}

	if n := q.LiveCount("work", "key-1"); n != 1 {
		t.Errorf("live jobs = %d, want 1", n)
	}
}

func TestEnqueueKeyScopedToQueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := queue.NewMemory()

	if _, enq, _ := q.Enqueue(ctx, "queue-a", "shared", nil, queue.Options{}); !enq {
		t.Fatal("enqueue on queue-a deduped unexpectedly")
	}
	if _, enq, _ := q.Enqueue(ctx, "queue-b", "shared", nil, queue.Options{}); !enq {
		t.Error("same key on a different queue must not dedup")
	}
}

func TestEnqueueEmptyKeyNeverDedups(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := queue.NewMemory()

	for i := 0; i < 3; i++ {
		if _, enq, _ := q.Enqueue(ctx, "work", "", nil, queue.Options{}); !enq {
			t.Fatalf("keyless enqueue %d deduped", i+1)
		}
	}
}

func TestCancelByKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := queue.NewMemory()
	ran := 0
	q.Register("work", func(context.Context, json.RawMessage) error {
		ran++
		return nil
	})

	if _, _, err := q.Enqueue(ctx, "work", "key-1", nil, queue.Options{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.CancelByKey(ctx, "work", "key-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// Cancelling an absent key is tolerated.
	if err := q.CancelByKey(ctx, "work", "no-such-key"); err != nil {
		t.Fatalf("cancel absent: %v", err)
	}

	if n := q.RunDue(ctx, time.Now()); n != 0 || ran != 0 {
		t.Errorf("ran %d jobs (%d handler calls), want 0 after cancel", n, ran)
	}
	// The key frees up for re-use once the old job is cancelled.
	if _, enq, _ := q.Enqueue(ctx, "work", "key-1", nil, queue.Options{}); !enq {
		t.Error("re-enqueue after cancel deduped")
	}
}

func TestDelayedJobNotVisibleEarly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := queue.NewMemory()
	q.Register("work", func(context.Context, json.RawMessage) error { return nil })

	if _, _, err := q.Enqueue(ctx, "work", "later", nil, queue.Options{Delay: time.Hour}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if n := q.RunDue(ctx, time.Now()); n != 0 {
		t.Errorf("ran %d jobs before the delay elapsed, want 0", n)
	}
	if n := q.RunDue(ctx, time.Now().Add(2*time.Hour)); n != 1 {
		t.Errorf("ran %d jobs after the delay elapsed, want 1", n)
	}
}

func TestRepeatingJobReArms(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := queue.NewMemory()
	runs := 0
	q.Register("work", func(context.Context, json.RawMessage) error {
		runs++
		return nil
	})

	if _, _, err := q.Enqueue(ctx, "work", "tick", nil, queue.Options{RepeatEvery: time.Minute}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	now := time.Now()
	for i := 1; i <= 3; i++ {
		if n := q.RunDue(ctx, now.Add(time.Duration(i)*2*time.Minute)); n != 1 {
			t.Fatalf("tick %d ran %d jobs, want 1", i, n)
		}
	}
	if runs != 3 {
		t.Errorf("handler runs = %d, want 3", runs)
	}
	if n := q.LiveCount("work", "tick"); n != 1 {
		t.Errorf("live jobs = %d, want the repeating job still armed", n)
	}
}

func TestOneShotExhaustionGoesDead(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := queue.NewMemory()
	q.Register("work", func(context.Context, json.RawMessage) error {
		return errors.New("boom")
	})

	if _, _, err := q.Enqueue(ctx, "work", "flaky", nil, queue.Options{MaxAttempts: 2}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	now := time.Now()
	// Each failure backs off exponentially; jump far forward each run.
	for i := 1; i <= 2; i++ {
		if n := q.RunDue(ctx, now.Add(time.Duration(i)*time.Hour)); n != 1 {
			t.Fatalf("attempt %d ran %d jobs, want 1", i, n)
		}
	}

	if n := q.LiveCount("work", "flaky"); n != 0 {
		t.Errorf("live jobs = %d, want 0 after exhaustion", n)
	}
	if n := q.RunDue(ctx, now.Add(24*time.Hour)); n != 0 {
		t.Errorf("dead job ran again (%d)", n)
	}
}

func TestRepeatingJobSurvivesExhaustion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := queue.NewMemory()
	q.Register("work", func(context.Context, json.RawMessage) error {
		return errors.New("boom")
	})

	if _, _, err := q.Enqueue(ctx, "work", "monitor", nil, queue.Options{
		RepeatEvery: time.Minute,
		MaxAttempts: 2,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	now := time.Now()
	// Fail past max_attempts several times over; the monitor job must always
	// come back for the next repeat tick rather than going dead.
	for i := 1; i <= 6; i++ {
		if n := q.RunDue(ctx, now.Add(time.Duration(i)*time.Hour)); n != 1 {
			t.Fatalf("run %d executed %d jobs, want 1", i, n)
		}
	}
	if n := q.LiveCount("work", "monitor"); n != 1 {
		t.Errorf("live jobs = %d, want repeating job still armed", n)
	}
}

func TestListRepeating(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := queue.NewMemory()

	if _, _, err := q.Enqueue(ctx, "work", "tick", nil, queue.Options{RepeatEvery: time.Minute}); err != nil {
		t.Fatalf("enqueue repeating: %v", err)
	}
	if _, _, err := q.Enqueue(ctx, "work", "once", nil, queue.Options{}); err != nil {
		t.Fatalf("enqueue one-shot: %v", err)
	}

	jobs, err := q.ListRepeating(ctx, "work")
	if err != nil {
		t.Fatalf("ListRepeating: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("repeating jobs = %d, want 1", len(jobs))
	}
	if jobs[0].Key != "tick" || jobs[0].RepeatEvery != time.Minute {
		t.Errorf("job = %+v, want key tick repeating every minute", jobs[0])
	}
}

func TestKeyFreesAfterCompletion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := queue.NewMemory()
	q.Register("work", func(context.Context, json.RawMessage) error { return nil })

	if _, _, err := q.Enqueue(ctx, "work", "key-1", nil, queue.Options{}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if n := q.RunDue(ctx, time.Now()); n != 1 {
		t.Fatalf("ran %d jobs, want 1", n)
	}

	if _, enq, _ := q.Enqueue(ctx, "work", "key-1", nil, queue.Options{}); !enq {
		t.Error("re-enqueue after completion deduped")
	}
}

func TestHandlerMayCancelOwnKey(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := queue.NewMemory()
	q.Register("work", func(hctx context.Context, _ json.RawMessage) error {
		// A repeating monitor deregisters itself once its entity resolves.
		return q.CancelByKey(hctx, "work", "self")
	})

	if _, _, err := q.Enqueue(ctx, "work", "self", nil, queue.Options{RepeatEvery: time.Minute}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if n := q.RunDue(ctx, time.Now()); n != 1 {
		t.Fatalf("ran %d jobs, want 1", n)
	}
	if n := q.LiveCount("work", "self"); n != 0 {
		t.Errorf("live jobs = %d, want 0 after self-cancel", n)
	}
}
