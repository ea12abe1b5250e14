package loop

import (
	"context"
	"testing"
	"time"
)

func TestLoopRunsTasksInOrder(t *testing.T) {
	l := New(8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	var got []int
	for i := 0; i < 5; i++ {
		i := i
		l.Post(func() { got = append(got, i) })
	}
	if err := l.Do(ctx, func() {}); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("Expected tasks in order, got %v", got)
		}
	}
	if len(got) != 5 {
		t.Errorf("Expected 5 tasks, got %d", len(got))
	}
}

func TestPostAfterStop(t *testing.T) {
	l := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(stopped)
	}()
	cancel()

	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("loop did not stop")
	}
	if l.Post(func() {}) {
		t.Error("Expected Post to fail after stop")
	}
	if err := l.Do(context.Background(), func() {}); err != ErrStopped {
		t.Errorf("Expected ErrStopped, got %v", err)
	}
}
