package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPoolProcessesAllTasks(t *testing.T) {
	var sum atomic.Int64
	p, err := New(Config{Workers: 3, QueueSize: 8}, func(ctx context.Context, task Task[int]) error {
		sum.Add(int64(task.Payload))
		return nil
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	p.Start()

	for i := 1; i <= 20; i++ {
		if err := p.Submit(context.Background(), Task[int]{ID: fmt.Sprint(i), Payload: i}); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	p.Stop()

	if got := sum.Load(); got != 210 {
		t.Errorf("sum = %d, want 210", got)
	}
	if s := p.Stats(); s.TasksCompleted != 20 || s.TasksFailed != 0 {
		t.Errorf("stats = %+v", s)
	}
}

func TestPoolRetriesThenReports(t *testing.T) {
	var attempts atomic.Int32
	p, _ := New(Config{Workers: 1, MaxRetries: 2, RetryDelay: time.Millisecond}, func(ctx context.Context, task Task[string]) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, nil)
	p.Start()

	var wg sync.WaitGroup
	wg.Add(1)
	var res Result
	_ = p.Submit(context.Background(), Task[string]{ID: "a", Done: func(r Result) { res = r; wg.Done() }})
	wg.Wait()
	p.Stop()

	if res.Err != nil || res.Attempts != 3 {
		t.Errorf("result = %+v, want success on attempt 3", res)
	}
	if p.Stats().TasksRetried != 2 {
		t.Errorf("retried = %d, want 2", p.Stats().TasksRetried)
	}
}

func TestPoolSkipsRetryForPermanentErrors(t *testing.T) {
	errPermanent := errors.New("permanent")
	var attempts atomic.Int32
	p, _ := New(Config{
		Workers:    1,
		MaxRetries: 5,
		RetryDelay: time.Millisecond,
		Retryable:  func(err error) bool { return !errors.Is(err, errPermanent) },
	}, func(ctx context.Context, task Task[string]) error {
		attempts.Add(1)
		return errPermanent
	}, nil)
	p.Start()

	done := make(chan Result, 1)
	_ = p.Submit(context.Background(), Task[string]{ID: "b", Done: func(r Result) { done <- r }})
	res := <-done
	p.Stop()

	if !errors.Is(res.Err, errPermanent) || attempts.Load() != 1 {
		t.Errorf("result = %+v after %d attempts", res, attempts.Load())
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p, _ := New(Config{Workers: 1}, func(context.Context, Task[int]) error { return nil }, nil)
	p.Start()
	p.Stop()

	if err := p.Submit(context.Background(), Task[int]{}); !errors.Is(err, ErrStopped) {
		t.Errorf("Submit err = %v, want ErrStopped", err)
	}
	if err := p.TrySubmit(Task[int]{}); !errors.Is(err, ErrStopped) {
		t.Errorf("TrySubmit err = %v, want ErrStopped", err)
	}
}

func TestTrySubmitQueueFull(t *testing.T) {
	release := make(chan struct{})
	p, _ := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, task Task[int]) error {
		<-release
		return nil
	}, nil)
	// Not started: nothing drains the queue.
	if err := p.TrySubmit(Task[int]{ID: "1"}); err != nil {
		t.Fatal(err)
	}
	if err := p.TrySubmit(Task[int]{ID: "2"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("err = %v, want ErrQueueFull", err)
	}
	close(release)
	p.Start()
	p.Stop()
}
