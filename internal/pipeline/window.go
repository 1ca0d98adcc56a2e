package pipeline

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/jmcoimbra/sound2transcript/internal/transcribe"
)

// ErrDuplicateSeq is returned by Push for a sequence number that was
// already pushed or released.
var ErrDuplicateSeq = errors.New("duplicate segment sequence number")

// Window restores sequence order over out-of-order completions. Each
// dispatched chunk holds one slot from Acquire until its segment is
// released in order, so at most size segments are ever buffered.
type Window struct {
	slots chan struct{}

	mu      sync.Mutex
	next    int64
	pending map[int64]transcribe.Segment
}

func NewWindow(size int, first int64) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{
		slots:   make(chan struct{}, size),
		next:    first,
		pending: make(map[int64]transcribe.Segment),
	}
}

// Acquire blocks until a slot is free or ctx ends.
func (w *Window) Acquire(ctx context.Context) error {
	select {
	case w.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Push buffers seg and returns every segment that is now releasable in
// order, freeing one slot per released segment.
func (w *Window) Push(seg transcribe.Segment) ([]transcribe.Segment, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if seg.Seq < w.next {
		return nil, ErrDuplicateSeq
	}
	if _, ok := w.pending[seg.Seq]; ok {
		return nil, ErrDuplicateSeq
	}
	w.pending[seg.Seq] = seg

	var out []transcribe.Segment
	for {
		s, ok := w.pending[w.next]
		if !ok {
			break
		}
		delete(w.pending, w.next)
		out = append(out, s)
		w.next++
		w.release()
	}
	return out, nil
}

// Drain returns whatever is still buffered, in order, leaving gaps where
// segments never arrived. Only used after the pool has stopped.
func (w *Window) Drain() []transcribe.Segment {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]transcribe.Segment, 0, len(w.pending))
	for _, s := range w.pending {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	for range out {
		w.release()
	}
	w.pending = make(map[int64]transcribe.Segment)
	if n := len(out); n > 0 {
		w.next = out[n-1].Seq + 1
	}
	return out
}

// Pending is the number of buffered, unreleased segments.
func (w *Window) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Next is the sequence number the window is waiting for.
func (w *Window) Next() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.next
}

// InFlight is the number of held slots.
func (w *Window) InFlight() int {
	return len(w.slots)
}

func (w *Window) release() {
	select {
	case <-w.slots:
	default:
	}
}
