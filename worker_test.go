package softmac

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestWorkerOrder(t *testing.T) {
	w := newWorker()
	defer w.close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		if !w.post(func() { got = append(got, i) }) {
			t.Fatal("failed to post")
		}
	}

	if err := w.do(context.Background(), func() {}); err != nil {
		t.Fatalf("failed to wait for worker: %v", err)
	}

	want := make([]int, 100)
	for i := range want {
		want[i] = i
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("unexpected order (-want +got):\n%s", diff)
	}
}

func TestWorkerPostFromWorker(t *testing.T) {
	w := newWorker()
	defer w.close()

	done := make(chan struct{})
	w.post(func() {
		// Posting from the worker itself must not block.
		w.post(func() { close(done) })
	})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for nested post")
	}
}

func TestWorkerDoContext(t *testing.T) {
	w := newWorker()
	defer w.close()

	release := make(chan struct{})
	w.post(func() { <-release })
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if err := w.do(ctx, func() {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, but got: %v", err)
	}
}

func TestWorkerClose(t *testing.T) {
	w := newWorker()

	var ran bool
	w.post(func() { ran = true })
	w.close()

	if !ran {
		t.Fatal("queued function did not run before close")
	}
	if w.post(func() {}) {
		t.Fatal("posted to closed worker")
	}
	if err := w.do(context.Background(), func() {}); !errors.Is(err, ErrDeviceClosed) {
		t.Fatalf("expected device closed, but got: %v", err)
	}

	// Closing twice is harmless.
	w.close()
}
