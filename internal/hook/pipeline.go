// Package hook provides ordered extension points invoked when a negotiation
// link is created or closed.
package hook

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/sfusignal/internal/core"
	"github.com/dkeye/sfusignal/internal/domain"
)

// CreateHook runs once a link has a Negotiator, before negotiation completes.
type CreateHook interface {
	OnCreate(remote domain.ClientID, n core.Negotiator) error
}

type CreateHookFunc func(remote domain.ClientID, n core.Negotiator) error

func (f CreateHookFunc) OnCreate(remote domain.ClientID, n core.Negotiator) error {
	return f(remote, n)
}

// CloseHook runs when a link is torn down.
type CloseHook interface {
	OnClose(remote domain.ClientID) error
}

type CloseHookFunc func(remote domain.ClientID) error

func (f CloseHookFunc) OnClose(remote domain.ClientID) error { return f(remote) }

// Pipeline holds the hooks of one link category.
type Pipeline struct {
	name   string
	mu     sync.RWMutex
	create []CreateHook
	close  []CloseHook
}

func NewPipeline(name string) *Pipeline {
	return &Pipeline{name: name}
}

func (p *Pipeline) RegisterCreateHook(h CreateHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.create = append(p.create, h)
}

func (p *Pipeline) RegisterCloseHook(h CloseHook) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.close = append(p.close, h)
}

// RunCreate invokes every create hook in registration order. A failing hook
// is logged and skipped.
func (p *Pipeline) RunCreate(remote domain.ClientID, n core.Negotiator) {
	p.mu.RLock()
	hooks := append([]CreateHook(nil), p.create...)
	p.mu.RUnlock()

	for i, h := range hooks {
		p.invoke("create", i, remote, func() error { return h.OnCreate(remote, n) })
	}
}

// RunClose invokes every close hook in registration order.
func (p *Pipeline) RunClose(remote domain.ClientID) {
	p.mu.RLock()
	hooks := append([]CloseHook(nil), p.close...)
	p.mu.RUnlock()

	for i, h := range hooks {
		p.invoke("close", i, remote, func() error { return h.OnClose(remote) })
	}
}

func (p *Pipeline) invoke(kind string, idx int, remote domain.ClientID, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("module", "hook").
				Str("pipeline", p.name).
				Str("kind", kind).
				Int("index", idx).
				Str("peer", string(remote)).
				Err(fmt.Errorf("panic: %v", r)).
				Msg("hook panicked")
		}
	}()
	if err := fn(); err != nil {
		log.Warn().Str("module", "hook").
			Str("pipeline", p.name).
			Str("kind", kind).
			Int("index", idx).
			Str("peer", string(remote)).
			Err(err).
			Msg("hook failed")
	}
}

// Set groups the publish and subscribe pipelines of a session.
type Set struct {
	Publish   *Pipeline
	Subscribe *Pipeline
}

func NewSet() *Set {
	return &Set{
		Publish:   NewPipeline("publish"),
		Subscribe: NewPipeline("subscribe"),
	}
}
