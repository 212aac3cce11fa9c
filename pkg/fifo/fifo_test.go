package fifo

import (
	"sync"
	"testing"
	"time"
)

func TestPutGetOrder(t *testing.T) {
	q := New[int](3)
	for i := 1; i <= 3; i++ {
		if !q.Put(i) {
			t.Fatalf("put %d failed", i)
		}
	}
	if q.Put(4) {
		t.Fatalf("put into full queue succeeded")
	}
	for want := 1; want <= 3; want++ {
		got, ok := q.Get(0)
		if !ok || got != want {
			t.Fatalf("get = %d,%v want %d", got, ok, want)
		}
	}
	if _, ok := q.Get(0); ok {
		t.Fatalf("get from empty queue succeeded")
	}
}

func TestGetTimesOut(t *testing.T) {
	q := New[int](1)
	start := time.Now()
	if _, ok := q.Get(30 * time.Millisecond); ok {
		t.Fatalf("unexpected item")
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Fatalf("get returned too early")
	}
}

func TestGetWakesOnPut(t *testing.T) {
	q := New[string](1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		q.Put("x")
	}()
	v, ok := q.Get(time.Second)
	if !ok || v != "x" {
		t.Fatalf("get = %q,%v", v, ok)
	}
}

func TestCloseWakesWaiters(t *testing.T) {
	q := New[int](1)
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok := q.Get(Forever); ok {
				t.Errorf("closed queue returned an item")
			}
		}()
	}
	time.Sleep(10 * time.Millisecond)
	q.Close()
	q.Close()

	finished := make(chan struct{})
	go func() {
		wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatalf("waiters not woken by close")
	}
	if q.Put(1) {
		t.Fatalf("put after close succeeded")
	}
}

func TestCloseKeepsQueuedItems(t *testing.T) {
	q := New[int](2)
	q.Put(1)
	q.Put(2)
	q.Close()
	if v, ok := q.Get(Forever); !ok || v != 1 {
		t.Fatalf("get after close = %d,%v", v, ok)
	}
	rest := q.Drain()
	if len(rest) != 1 || rest[0] != 2 {
		t.Fatalf("drain = %v", rest)
	}
}

func TestConcurrentProducersConsumers(t *testing.T) {
	q := New[int](8)
	const total = 2000
	var got sync.WaitGroup
	got.Add(total)
	for c := 0; c < 4; c++ {
		go func() {
			for {
				if _, ok := q.Get(Forever); !ok {
					return
				}
				got.Done()
			}
		}()
	}
	for p := 0; p < 4; p++ {
		go func() {
			for i := 0; i < total/4; i++ {
				for !q.Put(i) {
					time.Sleep(time.Microsecond)
				}
			}
		}()
	}
	done := make(chan struct{})
	go func() {
		got.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("items lost, %d left queued", q.Len())
	}
	q.Close()
}
