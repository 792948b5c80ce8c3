package pairing

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sjawhar/callsense/internal/segment"
	"github.com/sjawhar/callsense/internal/transcribe"
)

type mockTranscriber struct {
	mu      sync.Mutex
	calls   map[string]int
	delay   time.Duration
	failFor map[segment.Speaker]bool
}

func newMockTranscriber() *mockTranscriber {
	return &mockTranscriber{calls: make(map[string]int), failFor: make(map[segment.Speaker]bool)}
}

func (m *mockTranscriber) Transcribe(ctx context.Context, seg segment.AudioSegment) (*transcribe.Result, error) {
	m.mu.Lock()
	m.calls[seg.Path]++
	fail := m.failFor[seg.Speaker]
	m.mu.Unlock()

	if m.delay > 0 {
		select {
		case <-time.After(m.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, errors.New("service unavailable")
	}
	return &transcribe.Result{
		Speaker:    seg.Speaker,
		Timestamp:  seg.Timestamp,
		Transcript: seg.Speaker.String() + " says hi",
		Words:      []transcribe.Word{{Word: "hi", Start: 0.1, End: 0.3}},
	}, nil
}

func (m *mockTranscriber) callCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[path]
}

type batchRecorder struct {
	mu      sync.Mutex
	batches []Batch
	ch      chan Batch
}

func newBatchRecorder() *batchRecorder {
	return &batchRecorder{ch: make(chan Batch, 16)}
}

func (r *batchRecorder) emit(_ context.Context, b Batch) {
	r.mu.Lock()
	r.batches = append(r.batches, b)
	r.mu.Unlock()
	r.ch <- b
}

func (r *batchRecorder) wait(t *testing.T, within time.Duration) Batch {
	t.Helper()
	select {
	case b := <-r.ch:
		return b
	case <-time.After(within):
		t.Fatal("timed out waiting for batch")
		return Batch{}
	}
}

func (r *batchRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func seg(speaker segment.Speaker, key string) segment.AudioSegment {
	prefix := "host"
	if speaker == segment.Client {
		prefix = "client"
	}
	return segment.AudioSegment{Path: "/segments/" + prefix + "_" + key + ".raw", Speaker: speaker, Timestamp: key}
}

func TestCoordinatorPairsWithinTimeout(t *testing.T) {
	tr := newMockTranscriber()
	rec := newBatchRecorder()
	c := NewCoordinator(tr, rec.emit, Options{Timeout: 500 * time.Millisecond})
	defer c.Close()

	c.Submit(seg(segment.Host, "100"))
	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	c.Submit(seg(segment.Client, "100"))

	b := rec.wait(t, 400*time.Millisecond)
	if time.Since(start) > 300*time.Millisecond {
		t.Fatalf("paired batch should not wait for the timeout, took %v", time.Since(start))
	}
	if !b.Paired || len(b.Results) != 2 {
		t.Fatalf("expected paired batch of 2, got paired=%v len=%d", b.Paired, len(b.Results))
	}
	if b.Results[0] == nil || b.Results[1] == nil {
		t.Fatal("expected both results to be present")
	}
	if b.Results[0].Speaker != segment.Host || b.Results[1].Speaker != segment.Client {
		t.Fatalf("expected host then client, got %v then %v", b.Results[0].Speaker, b.Results[1].Speaker)
	}

	time.Sleep(600 * time.Millisecond)
	if rec.count() != 1 {
		t.Fatalf("expected exactly 1 batch after timeout would have fired, got %d", rec.count())
	}
	if c.Pending() != 0 {
		t.Fatalf("expected pending map to be empty, got %d", c.Pending())
	}
}

func TestCoordinatorEmitsSingletonAfterTimeout(t *testing.T) {
	tr := newMockTranscriber()
	rec := newBatchRecorder()
	c := NewCoordinator(tr, rec.emit, Options{Timeout: 50 * time.Millisecond})
	defer c.Close()

	start := time.Now()
	c.Submit(seg(segment.Host, "200"))

	b := rec.wait(t, time.Second)
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("singleton emitted before timeout: %v", elapsed)
	}
	if b.Paired || len(b.Results) != 1 {
		t.Fatalf("expected singleton batch, got paired=%v len=%d", b.Paired, len(b.Results))
	}
	if b.Results[0].Speaker != segment.Host {
		t.Fatalf("expected host result, got %v", b.Results[0].Speaker)
	}
}

func TestCoordinatorIgnoresDuplicateEvents(t *testing.T) {
	tr := newMockTranscriber()
	rec := newBatchRecorder()
	c := NewCoordinator(tr, rec.emit, Options{Timeout: 40 * time.Millisecond})
	defer c.Close()

	s := seg(segment.Client, "300")
	c.Submit(s)
	c.Submit(s)

	rec.wait(t, time.Second)
	time.Sleep(60 * time.Millisecond)

	if got := tr.callCount(s.Path); got != 1 {
		t.Fatalf("expected 1 transcription attempt, got %d", got)
	}
	if rec.count() != 1 {
		t.Fatalf("expected 1 batch, got %d", rec.count())
	}
}

func TestCoordinatorIgnoresLateArrivalForResolvedKey(t *testing.T) {
	tr := newMockTranscriber()
	rec := newBatchRecorder()
	c := NewCoordinator(tr, rec.emit, Options{Timeout: 30 * time.Millisecond})
	defer c.Close()

	c.Submit(seg(segment.Host, "400"))
	rec.wait(t, time.Second)

	late := seg(segment.Client, "400")
	c.Submit(late)
	time.Sleep(80 * time.Millisecond)

	if rec.count() != 1 {
		t.Fatalf("expected late arrival to be ignored, got %d batches", rec.count())
	}
	if tr.callCount(late.Path) != 0 {
		t.Fatal("expected no transcription for late arrival")
	}
}

func TestCoordinatorBothFailuresStillEmit(t *testing.T) {
	tr := newMockTranscriber()
	tr.failFor[segment.Host] = true
	tr.failFor[segment.Client] = true
	rec := newBatchRecorder()
	c := NewCoordinator(tr, rec.emit, Options{Timeout: time.Second})
	defer c.Close()

	c.Submit(seg(segment.Host, "500"))
	c.Submit(seg(segment.Client, "500"))

	b := rec.wait(t, time.Second)
	if !b.Paired {
		t.Fatal("expected paired batch")
	}
	for i, r := range b.Results {
		if r != nil {
			t.Fatalf("expected nil result at %d, got %+v", i, r)
		}
	}
	if lines := transcribe.Assemble(b.Results...); lines != nil {
		t.Fatalf("expected no lines from failed pair, got %v", lines)
	}
}

func TestCoordinatorAwaitsSlowPartnerJointly(t *testing.T) {
	tr := newMockTranscriber()
	tr.delay = 80 * time.Millisecond
	rec := newBatchRecorder()
	c := NewCoordinator(tr, rec.emit, Options{Timeout: time.Second})
	defer c.Close()

	c.Submit(seg(segment.Host, "600"))
	c.Submit(seg(segment.Client, "600"))

	b := rec.wait(t, time.Second)
	if len(b.Results) != 2 || b.Results[0] == nil || b.Results[1] == nil {
		t.Fatalf("expected both results after joint wait, got %+v", b.Results)
	}
}

func TestCoordinatorKeysResolveIndependently(t *testing.T) {
	tr := newMockTranscriber()
	rec := newBatchRecorder()
	c := NewCoordinator(tr, rec.emit, Options{Timeout: 40 * time.Millisecond})
	defer c.Close()

	c.Submit(seg(segment.Host, "700"))
	c.Submit(seg(segment.Host, "703"))
	c.Submit(seg(segment.Client, "703"))

	keys := map[string]bool{}
	for range 2 {
		keys[rec.wait(t, time.Second).Key] = true
	}
	if !keys["700"] || !keys["703"] {
		t.Fatalf("expected both keys resolved, got %v", keys)
	}
}

func TestCoordinatorCloseFlushesPending(t *testing.T) {
	tr := newMockTranscriber()
	var emitted atomic.Int32
	c := NewCoordinator(tr, func(context.Context, Batch) { emitted.Add(1) }, Options{Timeout: time.Hour})

	c.Submit(seg(segment.Host, "800"))
	c.Submit(seg(segment.Client, "801"))
	c.Close()

	if emitted.Load() != 2 {
		t.Fatalf("expected 2 batches flushed on close, got %d", emitted.Load())
	}

	c.Submit(seg(segment.Host, "900"))
	if c.Pending() != 0 {
		t.Fatal("expected submit after close to be dropped")
	}
}

// stuckTranscriber never answers on its own; it returns only once its context
// ends.
type stuckTranscriber struct {
	started chan struct{}
}

func (s *stuckTranscriber) Transcribe(ctx context.Context, _ segment.AudioSegment) (*transcribe.Result, error) {
	s.started <- struct{}{}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestCoordinatorCloseAbandonsStuckTranscription(t *testing.T) {
	tr := &stuckTranscriber{started: make(chan struct{}, 1)}
	rec := newBatchRecorder()
	c := NewCoordinator(tr, rec.emit, Options{Timeout: time.Hour, TranscribeTimeout: time.Hour})

	c.Submit(seg(segment.Host, "1000"))
	select {
	case <-tr.started:
	case <-time.After(time.Second):
		t.Fatal("transcription never started")
	}

	done := make(chan struct{})
	go func() {
		c.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Close blocked on an in-flight transcription")
	}

	b := rec.wait(t, time.Second)
	if b.Key != "1000" || b.Paired {
		t.Fatalf("expected singleton batch for 1000, got %+v", b)
	}
	if len(b.Results) != 1 || b.Results[0] != nil {
		t.Fatalf("expected abandoned transcription to resolve as failure, got %+v", b.Results)
	}
}

func TestCoordinatorTranscribeTimeoutUnblocksPair(t *testing.T) {
	tr := &stuckTranscriber{started: make(chan struct{}, 2)}
	rec := newBatchRecorder()
	c := NewCoordinator(tr, rec.emit, Options{Timeout: time.Hour, TranscribeTimeout: 50 * time.Millisecond})
	defer c.Close()

	c.Submit(seg(segment.Host, "1100"))
	c.Submit(seg(segment.Client, "1100"))

	b := rec.wait(t, time.Second)
	if !b.Paired || len(b.Results) != 2 {
		t.Fatalf("expected paired batch, got %+v", b)
	}
	for i, r := range b.Results {
		if r != nil {
			t.Fatalf("expected timed-out result at %d to be nil, got %+v", i, r)
		}
	}
}
