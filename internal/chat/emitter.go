package chat

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/haasonsaas/troupe/internal/observability"
	"github.com/haasonsaas/troupe/pkg/models"
)

// Sink receives the ordered frames of one turn.
type Sink interface {
	Emit(ev models.StreamEvent) error
}

// ErrStreamClosed reports an Emit after the stream finished.
var ErrStreamClosed = errors.New("chat: stream closed")

// frame is one queued SSE write. A terminal frame renders as [DONE].
type frame struct {
	event    models.StreamEvent
	terminal bool
}

// sseEmitter is the single writer of a turn's SSE response. Frames queue
// in a bounded buffer drained by one goroutine, so a slow client never
// blocks the provider stream: when the buffer fills, content frames are
// shed oldest-first while tool and error frames wait for room.
type sseEmitter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	metrics *observability.Metrics

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []frame
	max    int
	closed bool
	err    error

	done chan struct{}
}

// newSSEEmitter commits the SSE response headers and starts the writer.
// It fails when the ResponseWriter cannot flush.
func newSSEEmitter(w http.ResponseWriter, bufSize int, metrics *observability.Metrics) (*sseEmitter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("chat: streaming unsupported")
	}
	if bufSize <= 0 {
		bufSize = 256
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher.Flush()

	e := &sseEmitter{
		w:       w,
		flusher: flusher,
		metrics: metrics,
		max:     bufSize,
		done:    make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	go e.run()
	return e, nil
}

// Emit queues one frame. Content frames may be shed under backpressure;
// critical frames block until the writer makes room.
func (e *sseEmitter) Emit(ev models.StreamEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for {
		if e.err != nil {
			return e.err
		}
		if e.closed {
			return ErrStreamClosed
		}
		if len(e.queue) < e.max {
			e.queue = append(e.queue, frame{event: ev})
			e.cond.Broadcast()
			return nil
		}
		if !ev.Critical() {
			if i := e.oldestDroppable(); i >= 0 {
				e.queue = append(e.queue[:i], e.queue[i+1:]...)
				e.queue = append(e.queue, frame{event: ev})
			}
			if e.metrics != nil {
				e.metrics.FrameDropped()
			}
			e.cond.Broadcast()
			return nil
		}
		e.cond.Wait()
	}
}

func (e *sseEmitter) oldestDroppable() int {
	for i, f := range e.queue {
		if !f.terminal && !f.event.Critical() {
			return i
		}
	}
	return -1
}

// Finish queues the [DONE] sentinel, waits for the writer to drain, and
// returns the first write error if the client went away mid-stream.
func (e *sseEmitter) Finish() error {
	e.mu.Lock()
	for len(e.queue) >= e.max && e.err == nil && !e.closed {
		e.cond.Wait()
	}
	if e.err == nil && !e.closed {
		e.queue = append(e.queue, frame{terminal: true})
		e.cond.Broadcast()
	}
	e.mu.Unlock()

	<-e.done

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Close stops the writer after the queue drains. Safe to call after
// Finish; meant as a defer so abandoned turns release the goroutine.
func (e *sseEmitter) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		e.cond.Broadcast()
	}
	e.mu.Unlock()
	<-e.done
}

func (e *sseEmitter) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.closed {
			e.cond.Wait()
		}
		if len(e.queue) == 0 {
			e.mu.Unlock()
			return
		}
		f := e.queue[0]
		e.queue = e.queue[1:]
		e.cond.Broadcast()
		e.mu.Unlock()

		err := e.write(f)

		e.mu.Lock()
		if err != nil {
			if e.err == nil {
				e.err = err
			}
			e.queue = nil
			e.closed = true
			e.cond.Broadcast()
			e.mu.Unlock()
			return
		}
		if f.terminal {
			e.closed = true
			e.cond.Broadcast()
			e.mu.Unlock()
			return
		}
		e.mu.Unlock()
	}
}

func (e *sseEmitter) write(f frame) error {
	if f.terminal {
		if _, err := io.WriteString(e.w, "data: [DONE]\n\n"); err != nil {
			return err
		}
		e.flusher.Flush()
		return nil
	}
	payload, err := json.Marshal(f.event)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

// collector is the headless Sink: it accumulates frames in memory and
// concatenates content so scheduled jobs can use the final reply text.
type collector struct {
	mu     sync.Mutex
	events []models.StreamEvent
	text   strings.Builder
}

func (c *collector) Emit(ev models.StreamEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	if ev.Type == models.StreamContent {
		c.text.WriteString(ev.Content)
	}
	return nil
}

// Text returns the concatenated content frames.
func (c *collector) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.text.String()
}

// Events returns a snapshot of every emitted frame.
func (c *collector) Events() []models.StreamEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.StreamEvent, len(c.events))
	copy(out, c.events)
	return out
}
