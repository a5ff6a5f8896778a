package client

import (
	"slices"
	"sync"

	"github.com/dkeye/sfusignal/internal/domain"
)

// listeners delivers one event synchronously, in registration order.
type listeners[T any] struct {
	mu  sync.RWMutex
	fns []func(T)
}

func (l *listeners[T]) add(fn func(T)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fns = append(l.fns, fn)
}

func (l *listeners[T]) emit(v T) {
	l.mu.RLock()
	fns := slices.Clone(l.fns)
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(v)
	}
}

type events struct {
	joined         listeners[domain.ClientID]
	left           listeners[struct{}]
	unexpectedLeft listeners[string]
	userJoined     listeners[domain.ClientID]
	userLeft       listeners[domain.ClientID]
}

// OnJoined fires with the relay-assigned client id once publishing is live.
func (s *Session) OnJoined(fn func(clientID domain.ClientID)) { s.events.joined.add(fn) }

// OnLeft fires after an explicit Leave or a normal transport close.
func (s *Session) OnLeft(fn func()) {
	s.events.left.add(func(struct{}) { fn() })
}

// OnUnexpectedLeft fires when the transport fails or closes abnormally.
func (s *Session) OnUnexpectedLeft(fn func(reason string)) { s.events.unexpectedLeft.add(fn) }

func (s *Session) OnUserJoined(fn func(clientID domain.ClientID)) { s.events.userJoined.add(fn) }

func (s *Session) OnUserLeft(fn func(clientID domain.ClientID)) { s.events.userLeft.add(fn) }
