package pairing

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/sjawhar/callsense/internal/segment"
	"github.com/sjawhar/callsense/internal/transcribe"
)

const (
	DefaultTimeout           = 5 * time.Second
	DefaultTranscribeTimeout = 30 * time.Second
	DefaultMaxInFlight       = 8

	// resolvedHistory bounds how many resolved keys are remembered for
	// late-arrival detection.
	resolvedHistory = 1024
)

// Batch is what the coordinator emits for one timestamp key: either both
// channels of a pair or a single channel whose partner never arrived.
// Failed transcriptions appear as nil entries.
type Batch struct {
	Key      string
	Segments []segment.AudioSegment
	Results  []*transcribe.Result
	Paired   bool
}

// EmitFunc receives each resolved batch exactly once.
type EmitFunc func(ctx context.Context, b Batch)

type Options struct {
	Timeout           time.Duration
	// TranscribeTimeout bounds a single transcription call.
	TranscribeTimeout time.Duration
	MaxInFlight       int
}

type pending struct {
	ready    chan struct{}
	result   *transcribe.Result
	segment  segment.AudioSegment
	occupied bool
}

type pendingPair struct {
	key      string
	slots    [2]pending
	timer    *time.Timer
	resolved bool
}

func (p *pendingPair) filled() int {
	n := 0
	for i := range p.slots {
		if p.slots[i].occupied {
			n++
		}
	}
	return n
}

// Coordinator pairs Host and Client segments that share a timestamp key.
type Coordinator struct {
	transcriber transcribe.Transcriber
	emit        EmitFunc
	timeout     time.Duration
	txTimeout   time.Duration
	sem         *semaphore.Weighted

	// runCtx scopes in-flight transcriptions and is cancelled first on
	// Close. ctx outlives it so the final batches can still be emitted.
	runCtx    context.Context
	runCancel context.CancelFunc
	ctx       context.Context
	cancel    context.CancelFunc

	mu       sync.Mutex
	pairs    map[string]*pendingPair
	resolved map[string]struct{}
	order    []string
	closed   bool

	wg sync.WaitGroup
}

func NewCoordinator(t transcribe.Transcriber, emit EmitFunc, opts Options) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.TranscribeTimeout <= 0 {
		opts.TranscribeTimeout = DefaultTranscribeTimeout
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = DefaultMaxInFlight
	}

	ctx, cancel := context.WithCancel(context.Background())
	runCtx, runCancel := context.WithCancel(ctx)
	return &Coordinator{
		transcriber: t,
		emit:        emit,
		timeout:     opts.Timeout,
		txTimeout:   opts.TranscribeTimeout,
		sem:         semaphore.NewWeighted(int64(opts.MaxInFlight)),
		runCtx:      runCtx,
		runCancel:   runCancel,
		ctx:         ctx,
		cancel:      cancel,
		pairs:       make(map[string]*pendingPair),
		resolved:    make(map[string]struct{}),
	}
}

// Submit registers a newly observed segment. It starts the transcription
// right away and never blocks on it.
func (c *Coordinator) Submit(seg segment.AudioSegment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		log.Warn().Str("key", seg.Timestamp).Str("path", seg.Path).Msg("pairing: coordinator closed, dropping segment")
		return
	}
	if _, done := c.resolved[seg.Timestamp]; done {
		log.Warn().Str("key", seg.Timestamp).Str("speaker", seg.Speaker.String()).Msg("pairing: segment for resolved key ignored")
		return
	}

	pair, ok := c.pairs[seg.Timestamp]
	if !ok {
		pair = &pendingPair{key: seg.Timestamp}
		c.pairs[seg.Timestamp] = pair
	}

	slot := &pair.slots[seg.Speaker]
	if slot.occupied {
		log.Warn().Str("key", seg.Timestamp).Str("speaker", seg.Speaker.String()).Msg("pairing: duplicate segment for speaker ignored")
		return
	}
	slot.occupied = true
	slot.segment = seg
	slot.ready = make(chan struct{})
	c.startTranscription(slot)

	if pair.filled() == 2 {
		pair.resolved = true
		if pair.timer != nil {
			pair.timer.Stop()
		}
		c.evictLocked(pair.key)
		c.dispatch(pair)
		return
	}

	key := pair.key
	pair.timer = time.AfterFunc(c.timeout, func() { c.expire(key, pair) })
}

// Pending reports how many keys are awaiting a partner.
func (c *Coordinator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pairs)
}

// Close resolves every pending key immediately, abandons transcriptions still
// in flight (their slots resolve as failures) and waits until all batches have
// been emitted.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.wg.Wait()
		return
	}
	c.closed = true
	for key, pair := range c.pairs {
		pair.resolved = true
		if pair.timer != nil {
			pair.timer.Stop()
		}
		c.evictLocked(key)
		c.dispatch(pair)
	}
	c.mu.Unlock()

	c.runCancel()
	c.wg.Wait()
	c.cancel()
}

func (c *Coordinator) expire(key string, pair *pendingPair) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pair.resolved {
		return
	}
	pair.resolved = true
	c.evictLocked(key)
	c.dispatch(pair)
}

func (c *Coordinator) evictLocked(key string) {
	delete(c.pairs, key)
	c.resolved[key] = struct{}{}
	c.order = append(c.order, key)
	if len(c.order) > resolvedHistory {
		delete(c.resolved, c.order[0])
		c.order = c.order[1:]
	}
}

// startTranscription must be called with c.mu held.
func (c *Coordinator) startTranscription(slot *pending) {
	seg := slot.segment
	ready := slot.ready
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(ready)

		if err := c.sem.Acquire(c.runCtx, 1); err != nil {
			return
		}
		defer c.sem.Release(1)

		ctx, cancel := context.WithTimeout(c.runCtx, c.txTimeout)
		defer cancel()
		res := transcribe.Run(ctx, c.transcriber, seg)

		c.mu.Lock()
		slot.result = res
		c.mu.Unlock()
	}()
}

// dispatch must be called with c.mu held and pair already resolved.
func (c *Coordinator) dispatch(pair *pendingPair) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		for i := range pair.slots {
			if pair.slots[i].occupied {
				<-pair.slots[i].ready
			}
		}

		batch := Batch{Key: pair.key}
		c.mu.Lock()
		for i := range pair.slots {
			slot := &pair.slots[i]
			if !slot.occupied {
				continue
			}
			batch.Segments = append(batch.Segments, slot.segment)
			batch.Results = append(batch.Results, slot.result)
		}
		c.mu.Unlock()
		batch.Paired = len(batch.Segments) == 2

		log.Debug().Str("key", batch.Key).Bool("paired", batch.Paired).Msg("pairing: batch resolved")
		if c.emit != nil {
			c.emit(c.ctx, batch)
		}
	}()
}
