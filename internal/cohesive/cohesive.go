// Package cohesive serializes concurrently running work items' output so
// that one writer's lines are never interleaved with another's: each
// writer is queued FIFO, buffers silently while some other writer is live,
// and is promoted (flushing its whole buffer in one shot) the instant the
// previously live writer closes.
package cohesive

import (
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/term"
)

// Registry is the process-wide serializer. Every concurrently running work
// item opens its own Writer against one shared Registry.
type Registry struct {
	dest      io.Writer
	emphasize bool

	mu     sync.Mutex
	queue  []*Writer
	active *Writer
}

// NewRegistry returns a Registry writing to dest. If dest is a terminal,
// headers and trailers get a bold ANSI wrapper.
func NewRegistry(dest io.Writer) *Registry {
	r := &Registry{dest: dest}
	if f, ok := dest.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		r.emphasize = true
	}
	return r
}

func (r *Registry) header(name string) string {
	return r.wrap(fmt.Sprintf(">>> Begin output from: %s\n", name))
}

func (r *Registry) trailer(name string) string {
	return r.wrap(fmt.Sprintf("<<< End output from: %s\n", name))
}

func (r *Registry) wrap(s string) string {
	if !r.emphasize {
		return s
	}
	return "\x1b[1m" + s + "\x1b[0m"
}

// Writer is one work item's output sink. It implements io.WriteCloser.
type Writer struct {
	name     string
	registry *Registry

	mu       sync.Mutex
	buf      []byte
	isActive bool
	finished bool
}

// Open registers a new writer under name and returns it. If no other
// writer is currently live, it goes live immediately; otherwise its
// output buffers until its turn comes.
func (r *Registry) Open(name string) *Writer {
	w := &Writer{name: name, registry: r}
	w.buf = append(w.buf, r.header(name)...)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append(r.queue, w)
	if r.active == nil {
		r.promoteLocked()
	}
	return w
}

func (w *Writer) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.isActive {
		return w.registry.dest.Write(p)
	}
	w.buf = append(w.buf, p...)
	return len(p), nil
}

// Close appends this writer's trailer and, if it was the live writer,
// promotes the next queued writer.
func (w *Writer) Close() error {
	trailer := w.registry.trailer(w.name)

	w.mu.Lock()
	wasActive := w.isActive
	if wasActive {
		w.mu.Unlock()
		w.registry.dest.Write([]byte(trailer))
	} else {
		w.buf = append(w.buf, trailer...)
		w.mu.Unlock()
	}

	w.mu.Lock()
	w.finished = true
	w.isActive = false
	w.mu.Unlock()

	if wasActive {
		w.registry.mu.Lock()
		w.registry.active = nil
		w.registry.promoteLocked()
		w.registry.mu.Unlock()
	}
	return nil
}

// promoteLocked must be called with registry.mu held. It advances the
// FIFO: the next queued writer's entire accumulated buffer is flushed in
// one write. If that writer already finished before its turn came, its
// buffer (header, lines, trailer) is flushed the same way but it never
// becomes "active" -- the loop continues straight to whichever writer is
// next.
func (r *Registry) promoteLocked() {
	for len(r.queue) > 0 {
		next := r.queue[0]
		r.queue = r.queue[1:]

		next.mu.Lock()
		buf := next.buf
		next.buf = nil
		finished := next.finished
		if !finished {
			next.isActive = true
		}
		r.dest.Write(buf)
		next.mu.Unlock()

		if finished {
			continue
		}
		r.active = next
		return
	}
	r.active = nil
}
