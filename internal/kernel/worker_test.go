package kernel

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func TestWorker_RunsTasksInOrder(t *testing.T) {
	w := NewWorker(8)
	defer w.Close()

	var mu sync.Mutex
	var order []int

	var replies []<-chan evalResult
	for i := 0; i < 5; i++ {
		i := i
		reply, err := w.Submit(func() (Value, error) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return Value{Raw: "ok"}, nil
		})
		if err != nil {
			t.Fatalf("Submit() error = %v", err)
		}
		replies = append(replies, reply)
	}
	for _, reply := range replies {
		if r := <-reply; r.err != nil {
			t.Fatalf("task error = %v", r.err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("execution order = %v, want ascending", order)
		}
	}
}

func TestWorker_AbandonedResultDoesNotBlock(t *testing.T) {
	w := NewWorker(8)
	defer w.Close()

	// Nobody reads this reply; the buffered channel absorbs the result.
	if _, err := w.Submit(func() (Value, error) {
		return Value{Raw: "abandoned"}, nil
	}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	reply, err := w.Submit(func() (Value, error) {
		return Value{Raw: "second"}, nil
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	select {
	case r := <-reply:
		if r.val.Raw != "second" {
			t.Errorf("result = %q, want second", r.val.Raw)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker blocked behind an abandoned result")
	}
}

func TestWorker_CloseWaitsForInFlightTask(t *testing.T) {
	w := NewWorker(2)

	started := make(chan struct{})
	var finished bool
	var mu sync.Mutex

	_, err := w.Submit(func() (Value, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		mu.Lock()
		finished = true
		mu.Unlock()
		return Value{}, nil
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	<-started
	w.Close()

	mu.Lock()
	defer mu.Unlock()
	if !finished {
		t.Error("Close() returned before the in-flight task finished")
	}
}

func TestWorker_BusyTracksInFlightTask(t *testing.T) {
	w := NewWorker(2)
	defer w.Close()

	if w.Busy() {
		t.Error("Busy() = true for a fresh worker, want false")
	}

	started := make(chan struct{})
	release := make(chan struct{})
	reply, err := w.Submit(func() (Value, error) {
		close(started)
		<-release
		return Value{}, nil
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	<-started
	if !w.Busy() {
		t.Error("Busy() = false while a task is running, want true")
	}

	close(release)
	<-reply
	waitFor(t, func() bool { return !w.Busy() })
}

func TestWorker_SubmitAfterClose(t *testing.T) {
	w := NewWorker(2)
	w.Close()
	w.Close() // idempotent

	if _, err := w.Submit(func() (Value, error) {
		return Value{}, nil
	}); !errors.Is(err, ErrWorkerClosed) {
		t.Errorf("Submit() after Close error = %v, want ErrWorkerClosed", err)
	}
}
