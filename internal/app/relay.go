package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/sfusignal/internal/core"
	"github.com/dkeye/sfusignal/internal/domain"
	"github.com/dkeye/sfusignal/internal/metrics"
	"github.com/dkeye/sfusignal/internal/protocol"
)

// Relay hides the SFU behind the client protocol. Every accepted client
// transport gets its own connection state; membership is shared through
// the Registry.
type Relay struct {
	ctx      context.Context
	registry *Registry
	sfu      core.SFUDialer
	metrics  *metrics.Metrics
	policy   Policy
	limiter  *RateLimiter

	// membership is held while a group change and its notices are queued.
	membership sync.Mutex
}

type Option func(*Relay)

func WithPolicy(p Policy) Option {
	return func(r *Relay) { r.policy = p }
}

// WithRateLimiter caps inbound messages per client transport.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(r *Relay) { r.limiter = rl }
}

// NewRelay builds a relay whose SFU dials are bound to ctx.
func NewRelay(ctx context.Context, registry *Registry, sfu core.SFUDialer, m *metrics.Metrics, opts ...Option) *Relay {
	r := &Relay{
		ctx:      ctx,
		registry: registry,
		sfu:      sfu,
		metrics:  m,
		policy:   SimplePolicy{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Relay) Registry() *Registry { return r.registry }

// Accept attaches a freshly accepted client transport. The returned handler
// must receive every inbound frame of conn and its close notification.
func (r *Relay) Accept(connID string, conn core.SignalConnection) core.SignalHandler {
	ctx, cancel := context.WithCancel(r.ctx)
	c := &clientConn{
		id:           connID,
		relay:        r,
		conn:         conn,
		ctx:          ctx,
		cancel:       cancel,
		log:          log.With().Str("module", "app.relay").Str("conn_id", connID).Logger(),
		negotiations: make(map[int]*negotiation),
		open:         make(map[*negotiation]struct{}),
	}
	r.metrics.ClientConnected()
	c.log.Info().Msg("client attached")
	return c
}

// deliver queues m on conn and applies the backpressure policy when the
// transport refuses it.
func (r *Relay) deliver(to domain.ClientID, conn core.SignalConnection, m *protocol.Message) {
	data, err := protocol.Encode(m)
	if err != nil {
		log.Error().Err(err).Str("module", "app.relay").Msg("encode outbound")
		return
	}
	if err := conn.TrySend(data); err != nil {
		action := r.policy.OnBackPressure(to, m)
		log.Warn().Err(err).Str("module", "app.relay").
			Str("client_id", string(to)).
			Str("command", string(m.Command)).
			Stringer("action", action).
			Msg("outbound message refused")
		r.metrics.Dropped("backpressure")
		if action == Disconnect {
			_ = conn.Close()
		}
		return
	}
	r.metrics.Message(metrics.DirectionOutbound, string(m.Command))
}

func (r *Relay) updateGroups() {
	r.metrics.SetGroups(r.registry.GroupCount())
}
