package loop

import (
	"context"
	"testing"
	"time"
)

func TestPostRunsInOrder(t *testing.T) {
	l := New()
	defer l.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	if err := l.Do(func() {}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 100 {
		t.Fatalf("expected 100 runs, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("out of order at %d: %d", i, v)
		}
	}
}

func TestPostFromInsideLoop(t *testing.T) {
	l := New()
	defer l.Close()

	var order []string
	l.Post(func() {
		order = append(order, "outer")
		l.Post(func() { order = append(order, "inner") })
	})
	l.Do(func() {})
	l.Do(func() {})
	if len(order) != 2 || order[0] != "outer" || order[1] != "inner" {
		t.Fatalf("unexpected order %v", order)
	}
}

func TestGoPostsContinuation(t *testing.T) {
	l := New()
	defer l.Close()

	release := make(chan struct{})
	var result string
	l.Post(func() {
		Go(l, context.Background(), func(context.Context) string {
			<-release
			return "done"
		}, func(s string) { result = s })
	})

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Settle(ctx); err != nil {
		t.Fatal(err)
	}
	if result != "done" {
		t.Fatalf("continuation not applied, got %q", result)
	}
}

func TestSettleWaitsForChainedWork(t *testing.T) {
	l := New()
	defer l.Close()

	steps := 0
	var step func()
	step = func() {
		Go(l, context.Background(), func(context.Context) struct{} {
			time.Sleep(2 * time.Millisecond)
			return struct{}{}
		}, func(struct{}) {
			steps++
			if steps < 3 {
				step()
			}
		})
	}
	l.Post(step)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.Settle(ctx); err != nil {
		t.Fatal(err)
	}
	if steps != 3 {
		t.Fatalf("expected 3 chained steps, got %d", steps)
	}
}

func TestDoAfterClose(t *testing.T) {
	l := New()
	l.Close()
	l.Close()
	if err := l.Do(func() {}); err != ErrClosed {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	l.Post(func() { t.Fatal("posted after close must not run") })
}
