package execute

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/PipeOpsHQ/execflow/observe"
	"github.com/PipeOpsHQ/execflow/types"
)

type WriterMode int

const (
	// Streaming flushes each item as soon as it and all its predecessors
	// are final. The head item streams live.
	Streaming WriterMode = iota
	// Buffered holds everything until Drain or Replay.
	Buffered
)

func (m WriterMode) String() string {
	if m == Buffered {
		return "buffered"
	}
	return "streaming"
}

var (
	ErrItemFinished = errors.New("execute: event emitted after item finished")
	ErrWriterClosed = errors.New("execute: writer already drained")
)

// OrderedWriter multiplexes the events of n concurrently running items onto
// one sink in input order. Each item writes to its own buffer; a single
// owner goroutine learns about finished items through a channel and flushes
// from the cursor forward.
type OrderedWriter struct {
	sink    observe.Sink
	ctx     context.Context
	mode    WriterMode
	buffers []*itemBuffer

	finished chan int
	settled  chan struct{}

	// owner goroutine state; read by others only after settled is closed
	final []bool
	next  int

	mu        sync.Mutex
	closed    bool
	discarded bool

	errMu sync.Mutex
	err   error
}

type itemBuffer struct {
	w      *OrderedWriter
	index  int
	mu     sync.Mutex
	events []observe.Event
	live   bool
	final  bool
}

// NewOrderedWriter creates a writer for n items. Flushing uses a context
// detached from ctx's cancellation so a cancelled run still reports how its
// items ended.
func NewOrderedWriter(ctx context.Context, sink observe.Sink, n int, mode WriterMode) *OrderedWriter {
	if sink == nil {
		sink = observe.NoopSink{}
	}
	if n < 0 {
		n = 0
	}
	w := &OrderedWriter{
		sink:     sink,
		ctx:      context.WithoutCancel(ctx),
		mode:     mode,
		buffers:  make([]*itemBuffer, n),
		finished: make(chan int, n),
		settled:  make(chan struct{}),
		final:    make([]bool, n),
	}
	for i := range w.buffers {
		w.buffers[i] = &itemBuffer{w: w, index: i}
	}
	go w.run()
	return w
}

func (w *OrderedWriter) Len() int {
	return len(w.buffers)
}

func (w *OrderedWriter) Mode() WriterMode {
	return w.mode
}

// Sink returns the private sink of item i.
func (w *OrderedWriter) Sink(i int) observe.Sink {
	return w.buffers[i]
}

// Finish marks item i final. Calling it more than once is harmless.
func (w *OrderedWriter) Finish(i int) {
	if i < 0 || i >= len(w.buffers) {
		return
	}
	b := w.buffers[i]
	b.mu.Lock()
	already := b.final
	b.final = true
	b.mu.Unlock()
	if !already {
		w.finished <- i
	}
}

// Settled is closed once every item is final.
func (w *OrderedWriter) Settled() <-chan struct{} {
	return w.settled
}

func (w *OrderedWriter) run() {
	defer close(w.settled)
	remaining := len(w.buffers)
	if w.mode == Streaming {
		w.advance()
	}
	for remaining > 0 {
		k := <-w.finished
		w.final[k] = true
		remaining--
		if w.mode == Streaming {
			w.advance()
		}
	}
}

func (w *OrderedWriter) advance() {
	for w.next < len(w.buffers) {
		b := w.buffers[w.next]
		b.mu.Lock()
		w.flushLocked(b)
		if !w.final[w.next] {
			b.live = true
			b.mu.Unlock()
			return
		}
		b.live = false
		b.mu.Unlock()
		w.next++
	}
}

func (w *OrderedWriter) flushLocked(b *itemBuffer) {
	events := b.events
	b.events = nil
	for _, e := range events {
		if err := w.emit(e); err != nil {
			return
		}
	}
}

func (w *OrderedWriter) emit(e observe.Event) error {
	if w.isDiscarded() {
		return nil
	}
	if err := w.Err(); err != nil {
		return err
	}
	if err := w.sink.Emit(w.ctx, e); err != nil {
		w.setErr(fmt.Errorf("failed to flush event for item source %s: %w", e.Source.ID, err))
		return err
	}
	return nil
}

func (w *OrderedWriter) setErr(err error) {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	if w.err == nil {
		w.err = err
	}
}

// Err returns the first flush failure.
func (w *OrderedWriter) Err() error {
	w.errMu.Lock()
	defer w.errMu.Unlock()
	return w.err
}

func (w *OrderedWriter) wait(ctx context.Context) error {
	select {
	case <-w.settled:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *OrderedWriter) claim() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWriterClosed
	}
	w.closed = true
	return nil
}

// Drain waits until every item is final and flushes whatever is still
// buffered, in input order.
func (w *OrderedWriter) Drain(ctx context.Context) error {
	if err := w.wait(ctx); err != nil {
		return err
	}
	if err := w.claim(); err != nil {
		return err
	}
	for _, b := range w.buffers {
		b.mu.Lock()
		w.flushLocked(b)
		b.mu.Unlock()
	}
	return w.Err()
}

// Replay waits until every item is final, then flushes only the given items
// in input order and drops the rest.
func (w *OrderedWriter) Replay(ctx context.Context, indices ...int) error {
	keep := map[int]bool{}
	for _, i := range indices {
		if i < 0 || i >= len(w.buffers) {
			return types.ArgumentError("replay index %d out of range [0,%d)", i, len(w.buffers))
		}
		keep[i] = true
	}
	if err := w.wait(ctx); err != nil {
		return err
	}
	if err := w.claim(); err != nil {
		return err
	}
	ordered := make([]int, 0, len(keep))
	for i := range keep {
		ordered = append(ordered, i)
	}
	sort.Ints(ordered)
	for _, i := range ordered {
		b := w.buffers[i]
		b.mu.Lock()
		w.flushLocked(b)
		b.mu.Unlock()
	}
	for i, b := range w.buffers {
		if keep[i] {
			continue
		}
		b.mu.Lock()
		b.events = nil
		b.mu.Unlock()
	}
	return w.Err()
}

// Usage totals the token usage reported in the events item i still holds.
// Replay and Drain empty the buffers, so call it before either.
func (w *OrderedWriter) Usage(i int) types.Usage {
	var total types.Usage
	if i < 0 || i >= len(w.buffers) {
		return total
	}
	b := w.buffers[i]
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range b.events {
		if reported, ok := e.Kind.(observe.UsageReported); ok {
			total = total.Add(reported.Usage)
		}
	}
	return total
}

func (w *OrderedWriter) isDiscarded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.discarded
}

// Discard drops every buffered event, including ones emitted later.
func (w *OrderedWriter) Discard() {
	w.mu.Lock()
	w.closed = true
	w.discarded = true
	w.mu.Unlock()
	for _, b := range w.buffers {
		b.mu.Lock()
		b.events = nil
		b.mu.Unlock()
	}
}

func (b *itemBuffer) Emit(ctx context.Context, event observe.Event) error {
	_ = ctx
	event.Normalize()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.final {
		return fmt.Errorf("%w: item %d", ErrItemFinished, b.index)
	}
	if b.w.isDiscarded() {
		return nil
	}
	if b.live {
		return b.w.emit(event)
	}
	b.events = append(b.events, event)
	return nil
}
