// Package crosstab coordinates the tabs of one origin: it elects a leader,
// shares the active session id and tracks which tabs are alive.
package crosstab

import (
	"errors"
	"sync"

	"github.com/vburojevic/tabtrail/internal/domain"
)

// ErrChannelClosed is returned when posting on a closed channel.
var ErrChannelClosed = errors.New("broadcast channel closed")

// Channel broadcasts messages to every other tab. A tab never receives its
// own messages. Delivery is best effort.
type Channel interface {
	Post(msg domain.CrossTabMessage) error
	Subscribe(handler func(domain.CrossTabMessage)) (unsubscribe func(), err error)
	Close() error
}

// Hub connects tabs living in the same process. Each joined endpoint gets
// its own delivery goroutine so a slow tab never blocks the sender.
type Hub struct {
	mu        sync.Mutex
	endpoints map[*Endpoint]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{endpoints: make(map[*Endpoint]struct{})}
}

// Join returns a new endpoint connected to the hub.
func (h *Hub) Join() *Endpoint {
	e := &Endpoint{
		hub:      h,
		handlers: make(map[int]func(domain.CrossTabMessage)),
		done:     make(chan struct{}),
	}
	e.cond = sync.NewCond(&e.mu)
	h.mu.Lock()
	h.endpoints[e] = struct{}{}
	h.mu.Unlock()
	go e.run()
	return e
}

// Size returns the number of connected endpoints.
func (h *Hub) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.endpoints)
}

func (h *Hub) broadcast(from *Endpoint, msg domain.CrossTabMessage) {
	h.mu.Lock()
	targets := make([]*Endpoint, 0, len(h.endpoints))
	for e := range h.endpoints {
		if e != from {
			targets = append(targets, e)
		}
	}
	h.mu.Unlock()
	for _, e := range targets {
		e.deliver(msg)
	}
}

func (h *Hub) leave(e *Endpoint) {
	h.mu.Lock()
	delete(h.endpoints, e)
	h.mu.Unlock()
}

// Endpoint is one tab's connection to a Hub.
type Endpoint struct {
	hub *Hub

	mu       sync.Mutex
	cond     *sync.Cond
	inbox    []domain.CrossTabMessage
	handlers map[int]func(domain.CrossTabMessage)
	nextID   int
	closed   bool
	done     chan struct{}
}

var _ Channel = (*Endpoint)(nil)

// Post broadcasts msg to every other endpoint of the hub.
func (e *Endpoint) Post(msg domain.CrossTabMessage) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	e.hub.broadcast(e, msg)
	return nil
}

// Subscribe registers handler. Handlers run on the endpoint's delivery
// goroutine, in arrival order.
func (e *Endpoint) Subscribe(handler func(domain.CrossTabMessage)) (func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrChannelClosed
	}
	id := e.nextID
	e.nextID++
	e.handlers[id] = handler
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.handlers, id)
	}, nil
}

// Close disconnects the endpoint. Undelivered messages are dropped.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.inbox = nil
	e.cond.Broadcast()
	e.mu.Unlock()
	e.hub.leave(e)
	<-e.done
	return nil
}

func (e *Endpoint) deliver(msg domain.CrossTabMessage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.inbox = append(e.inbox, msg)
	e.cond.Signal()
}

func (e *Endpoint) run() {
	defer close(e.done)
	for {
		e.mu.Lock()
		for len(e.inbox) == 0 && !e.closed {
			e.cond.Wait()
		}
		if e.closed {
			e.mu.Unlock()
			return
		}
		msg := e.inbox[0]
		e.inbox = e.inbox[1:]
		handlers := make([]func(domain.CrossTabMessage), 0, len(e.handlers))
		for _, h := range e.handlers {
			handlers = append(handlers, h)
		}
		e.mu.Unlock()

		for _, h := range handlers {
			h(msg)
		}
	}
}
