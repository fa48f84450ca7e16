// Package identity adapts the primary identity provider into a stream of
// identity events consumed by the session bridge.
package identity

import (
	"sync"

	"github.com/janrakshak/identity-sync/internal/auth/domain"
)

type EventType string

const (
	SignedIn       EventType = "signed_in"
	SignedOut      EventType = "signed_out"
	TokenRefreshed EventType = "token_refreshed"
)

// Event is an identity-state change. Identity is nil for SignedOut.
type Event struct {
	Type     EventType
	Identity *domain.Identity
}

// Source delivers identity events to subscribers until unsubscribe is called.
type Source interface {
	Subscribe(fn func(Event)) (unsubscribe func())
}

// Emitter is an in-process Source. Publish calls subscribers synchronously in
// subscription order.
type Emitter struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Event)
	order  []int
}

func NewEmitter() *Emitter {
	return &Emitter{subs: make(map[int]func(Event))}
}

func (e *Emitter) Subscribe(fn func(Event)) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	e.subs[id] = fn
	e.order = append(e.order, id)
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(e.subs, id)
			for i, v := range e.order {
				if v == id {
					e.order = append(e.order[:i], e.order[i+1:]...)
					break
				}
			}
		})
	}
}

func (e *Emitter) Publish(ev Event) {
	if ev.Type == SignedOut {
		ev.Identity = nil
	}

	e.mu.Lock()
	fns := make([]func(Event), 0, len(e.order))
	for _, id := range e.order {
		fns = append(fns, e.subs[id])
	}
	e.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (e *Emitter) SignIn(id domain.Identity) {
	e.Publish(Event{Type: SignedIn, Identity: &id})
}

func (e *Emitter) Refresh(id domain.Identity) {
	e.Publish(Event{Type: TokenRefreshed, Identity: &id})
}

func (e *Emitter) SignOut() {
	e.Publish(Event{Type: SignedOut})
}
