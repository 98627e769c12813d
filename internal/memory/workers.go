package memory

import (
	"context"
	"sync"
	"time"

	"muse/internal/logging"
)

// drainDeadline bounds how long Stop waits for in-flight work.
const drainDeadline = 10 * time.Second

// =============================================================================
// MEMORY WRITER
// =============================================================================

// The memory writer is the only goroutine that assigns exchange numbers
// and mutates the exchange buffer, which keeps numbering gap-free and
// strictly increasing without a store-level lock.

type writeRequest struct {
	userText  string
	agentText string
	reply     chan writeResult
}

type writeResult struct {
	episodeID string
	err       error
}

type memoryWriter struct {
	m     *Manager
	reqCh chan writeRequest
	done  chan struct{}
	next  int

	mu       sync.Mutex
	started  bool
	closed   bool
	stopOnce sync.Once
}

func newMemoryWriter(m *Manager) *memoryWriter {
	return &memoryWriter{
		m:     m,
		reqCh: make(chan writeRequest, 16),
		done:  make(chan struct{}),
	}
}

// Start resumes exchange numbering from durable state and launches the
// writer loop.
func (w *memoryWriter) Start(ctx context.Context) {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	if max, err := w.m.db.MaxExchangeNumber(w.m.session.ID); err == nil {
		w.next = max + 1
	}
	go w.run(ctx)
}

func (w *memoryWriter) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case req, ok := <-w.reqCh:
			if !ok {
				return
			}
			w.handle(ctx, req)
		case <-ctx.Done():
			// Stop accepting, finish what is already queued.
			w.mu.Lock()
			w.closed = true
			w.mu.Unlock()
			for {
				select {
				case req, ok := <-w.reqCh:
					if !ok {
						return
					}
					w.handle(ctx, req)
				default:
					return
				}
			}
		}
	}
}

func (w *memoryWriter) handle(ctx context.Context, req writeRequest) {
	id, err := w.m.writeExchange(ctx, req.userText, req.agentText, w.next)
	if err == nil {
		w.next++
	}
	req.reply <- writeResult{episodeID: id, err: err}
}

// submit enqueues a write and waits for the result.
func (w *memoryWriter) submit(ctx context.Context, userText, agentText string) (string, error) {
	w.mu.Lock()
	if w.closed || !w.started {
		w.mu.Unlock()
		return "", ErrClosed
	}
	req := writeRequest{userText: userText, agentText: agentText, reply: make(chan writeResult, 1)}
	w.reqCh <- req
	w.mu.Unlock()

	select {
	case res := <-req.reply:
		return res.episodeID, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Stop refuses new writes, drains queued ones up to the drain deadline,
// and returns.
func (w *memoryWriter) Stop() {
	w.mu.Lock()
	started := w.started
	if !w.closed {
		w.closed = true
		w.stopOnce.Do(func() { close(w.reqCh) })
	}
	w.mu.Unlock()

	if !started {
		return
	}
	select {
	case <-w.done:
	case <-time.After(drainDeadline):
		logging.Memory("Memory writer drain deadline reached")
	}
}

// =============================================================================
// SUMMARIZER
// =============================================================================

// The summarizer consumes compression requests from a bounded queue.
// Requests carry no payload: each run folds whatever is pending at that
// moment, so duplicate requests coalesce and replays are harmless.

type summarizer struct {
	m     *Manager
	reqCh chan struct{}
	done  chan struct{}

	mu       sync.Mutex
	started  bool
	closed   bool
	stopOnce sync.Once
}

func newSummarizer(m *Manager) *summarizer {
	return &summarizer{
		m:     m,
		reqCh: make(chan struct{}, 8),
		done:  make(chan struct{}),
	}
}

func (s *summarizer) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	go s.run(ctx)
}

func (s *summarizer) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case _, ok := <-s.reqCh:
			if !ok {
				return
			}
			if err := s.m.summarizePending(ctx); err != nil {
				logging.Memory("Background compression failed: %v", err)
			}
		case <-ctx.Done():
			s.mu.Lock()
			s.closed = true
			s.mu.Unlock()
			return
		}
	}
}

// enqueue requests a compression run; drops when a run is already
// queued, since each run drains everything pending.
func (s *summarizer) enqueue() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.started {
		return
	}
	select {
	case s.reqCh <- struct{}{}:
	default:
	}
}

func (s *summarizer) Stop() {
	s.mu.Lock()
	started := s.started
	if !s.closed {
		s.closed = true
		s.stopOnce.Do(func() { close(s.reqCh) })
	}
	s.mu.Unlock()

	if !started {
		return
	}
	select {
	case <-s.done:
	case <-time.After(drainDeadline):
		logging.Memory("Summarizer drain deadline reached")
	}
}
