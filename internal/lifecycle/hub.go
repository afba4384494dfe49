package lifecycle

import (
	"sync"

	"github.com/google/uuid"
)

// Hub is the in-process table of completion signals. A signal is a channel
// closed once when the job it belongs to reaches a terminal state; every
// watcher registered at that moment observes the same close.
type Hub struct {
	mu      sync.Mutex
	signals map[uuid.UUID]*signal
}

type signal struct {
	done chan struct{}
	refs int
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{signals: make(map[uuid.UUID]*signal)}
}

// Watch is one waiter's registration for a job.
type Watch struct {
	hub  *Hub
	id   uuid.UUID
	sig  *signal
	once sync.Once
}

// Done is closed when the job is signalled.
func (w *Watch) Done() <-chan struct{} { return w.sig.done }

// Cancel releases the registration. It is safe to call more than once.
func (w *Watch) Cancel() {
	w.once.Do(func() { w.hub.release(w.id, w.sig) })
}

// Watch registers interest in id. Register before reading the job record so
// a completion between the read and the wait is not lost.
func (h *Hub) Watch(id uuid.UUID) *Watch {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.signals[id]
	if !ok {
		s = &signal{done: make(chan struct{})}
		h.signals[id] = s
	}
	s.refs++
	return &Watch{hub: h, id: id, sig: s}
}

// Signal wakes every current watcher of id. Signalling a job nobody
// watches is a no-op.
func (h *Hub) Signal(id uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.signals[id]; ok {
		close(s.done)
		delete(h.signals, id)
	}
}

func (h *Hub) release(id uuid.UUID, s *signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s.refs--
	if s.refs == 0 && h.signals[id] == s {
		delete(h.signals, id)
	}
}

// Len returns the number of jobs with at least one watcher.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.signals)
}
