package analyzer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestTrackerCompleteResolvesCall(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())
	defer tr.Close()

	call, err := tr.Track(1, "open", time.Second)
	if err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	resp := &Response{
		ProtocolMessage: ProtocolMessage{Seq: 10, Type: MessageTypeResponse},
		Command:         "open",
		RequestSeq:      1,
		Success:         true,
	}
	if !tr.Complete(resp) {
		t.Fatal("Complete returned false for a pending request")
	}

	got, err := call.Await(context.Background())
	if err != nil {
		t.Fatalf("Await failed: %v", err)
	}
	if got.RequestSeq != 1 {
		t.Errorf("expected request_seq 1, got %d", got.RequestSeq)
	}
	if tr.PendingCount() != 0 {
		t.Errorf("expected 0 pending, got %d", tr.PendingCount())
	}
}

func TestTrackerTimeout(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())
	defer tr.Close()

	call, err := tr.Track(1, "slow", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	_, err = call.Await(context.Background())
	if !errors.Is(err, ErrRequestTimeout) {
		t.Errorf("expected ErrRequestTimeout, got %v", err)
	}
	if tr.PendingCount() != 0 {
		t.Errorf("expected 0 pending after timeout, got %d", tr.PendingCount())
	}

	// A late response must not resolve anything.
	if tr.Complete(&Response{RequestSeq: 1}) {
		t.Error("Complete matched a timed-out request")
	}
}

func TestTrackerUnmatchedResponse(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())
	defer tr.Close()

	if tr.Complete(&Response{RequestSeq: 999, Command: "open"}) {
		t.Error("Complete returned true for an unknown sequence")
	}
	if got := tr.Stats().Unmatched; got != 1 {
		t.Errorf("expected 1 unmatched, got %d", got)
	}
}

func TestTrackerCancel(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())
	defer tr.Close()

	call, err := tr.Track(1, "open", time.Minute)
	if err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	if !tr.Cancel(1) {
		t.Fatal("Cancel returned false for a pending request")
	}
	_, err = call.Await(context.Background())
	if !errors.Is(err, ErrRequestCancelled) {
		t.Errorf("expected ErrRequestCancelled, got %v", err)
	}
}

func TestTrackerCancelAll(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())
	defer tr.Close()

	calls := make([]*Call, 0, 10)
	for i := int64(1); i <= 10; i++ {
		call, err := tr.Track(i, "open", time.Minute)
		if err != nil {
			t.Fatalf("Track failed: %v", err)
		}
		calls = append(calls, call)
	}

	if n := tr.CancelAll(ErrServerCrashed); n != 10 {
		t.Fatalf("expected 10 cancelled, got %d", n)
	}
	for _, call := range calls {
		_, err := call.Await(context.Background())
		if !errors.Is(err, ErrServerCrashed) {
			t.Errorf("expected ErrServerCrashed, got %v", err)
		}
	}
	if tr.PendingCount() != 0 {
		t.Errorf("expected 0 pending, got %d", tr.PendingCount())
	}
}

func TestTrackerMaxPending(t *testing.T) {
	config := DefaultTrackerConfig()
	config.MaxPending = 3
	tr := NewTracker(config)
	defer tr.Close()

	for i := int64(1); i <= 3; i++ {
		if _, err := tr.Track(i, "open", time.Minute); err != nil {
			t.Fatalf("Track %d failed: %v", i, err)
		}
	}

	_, err := tr.Track(4, "open", time.Minute)
	if !errors.Is(err, ErrTooManyPending) {
		t.Errorf("expected ErrTooManyPending, got %v", err)
	}

	// Completing one frees a slot.
	tr.Complete(&Response{RequestSeq: 1})
	if _, err := tr.Track(4, "open", time.Minute); err != nil {
		t.Errorf("Track after completion failed: %v", err)
	}
}

func TestTrackerTrackAfterClose(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())
	tr.Close()

	_, err := tr.Track(1, "open", time.Minute)
	if !errors.Is(err, ErrShutdown) {
		t.Errorf("expected ErrShutdown, got %v", err)
	}
}

func TestTrackerCloseCancelsPending(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())

	call, err := tr.Track(1, "open", time.Minute)
	if err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	tr.Close()

	_, err = call.Await(context.Background())
	if !errors.Is(err, ErrShutdown) {
		t.Errorf("expected ErrShutdown, got %v", err)
	}
}

func TestTrackerConcurrentDistinctEntries(t *testing.T) {
	config := DefaultTrackerConfig()
	config.MaxPending = 10000
	tr := NewTracker(config)
	defer tr.Close()

	c := NewChannel(nopReader{}, nopWriter{})

	const n = 10000
	var wg sync.WaitGroup
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seq := c.NextSeq()
			if _, err := tr.Track(seq, "ping", time.Minute); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Fatalf("Track failed: %v", err)
	}
	if got := tr.PendingCount(); got != n {
		t.Fatalf("expected %d distinct pending entries, got %d", n, got)
	}
	if got := tr.CancelAll(nil); got != n {
		t.Fatalf("expected %d cancelled, got %d", n, got)
	}
}

func TestTrackerSweepReclaimsStaleEntries(t *testing.T) {
	config := TrackerConfig{
		DefaultTimeout: time.Minute,
		MaxPending:     16,
		SweepInterval:  10 * time.Millisecond,
	}
	tr := NewTracker(config)
	defer tr.Close()

	call, err := tr.Track(1, "open", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Track failed: %v", err)
	}
	// Simulate a lost timer; the sweep must still reclaim the entry.
	call.timer.Stop()

	select {
	case <-call.Done():
		if _, err := call.Result(); !errors.Is(err, ErrRequestTimeout) {
			t.Errorf("expected ErrRequestTimeout, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sweep did not reclaim the stale entry")
	}
}

func TestCallResultBeforeResolution(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())
	defer tr.Close()

	call, err := tr.Track(1, "open", time.Minute)
	if err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	resp, rerr := call.Result()
	if resp != nil || rerr != nil {
		t.Errorf("expected nil result before resolution, got %v, %v", resp, rerr)
	}
}

func TestCallAwaitContextCancelled(t *testing.T) {
	tr := NewTracker(DefaultTrackerConfig())
	defer tr.Close()

	call, err := tr.Track(1, "open", time.Minute)
	if err != nil {
		t.Fatalf("Track failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := call.Await(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// nopReader blocks forever, standing in for a silent server.
type nopReader struct{}

func (nopReader) Read(p []byte) (int, error) {
	select {}
}

// nopWriter swallows writes.
type nopWriter struct{}

func (nopWriter) Write(p []byte) (int, error) {
	return len(p), nil
}
