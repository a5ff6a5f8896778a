package app

import (
	"context"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/dkeye/sfusignal/internal/core"
	"github.com/dkeye/sfusignal/internal/domain"
	"github.com/dkeye/sfusignal/internal/metrics"
	"github.com/dkeye/sfusignal/internal/protocol"
)

// clientConn is the relay side of one client transport.
type clientConn struct {
	id     string
	relay  *Relay
	conn   core.SignalConnection
	ctx    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger

	mu       sync.Mutex
	closed   bool
	clientID domain.ClientID
	group    domain.GroupName
	joined   bool
	publish  *negotiation
	// negotiations is keyed by the id this connection's client sees.
	negotiations map[int]*negotiation
	open         map[*negotiation]struct{}
	lastID       int
}

func (c *clientConn) OnMessage(f core.Frame) {
	if !c.relay.limiter.Allow(c.id) {
		c.log.Warn().Msg("rate limited")
		c.relay.metrics.Dropped("rate_limited")
		return
	}
	m, err := protocol.Decode(f)
	if err != nil {
		c.log.Warn().Err(err).Msg("dropping client message")
		c.relay.metrics.Dropped("malformed")
		return
	}
	if err := m.Command.Validate(); err != nil {
		c.log.Warn().Err(err).Msg("dropping client message")
		c.relay.metrics.Dropped("unknown_command")
		return
	}
	c.relay.metrics.Message(metrics.DirectionInbound, string(m.Command))
	c.log.Debug().Str("command", string(m.Command)).Int("id", m.ID).Msg("client message")

	switch m.Command {
	case protocol.CmdListGroups:
		c.send(protocol.NewGroupList(c.relay.registry.Groups()))
	case protocol.CmdPublish:
		c.onPublish(m)
	case protocol.CmdSubscribe:
		c.onSubscribe(m)
	case protocol.CmdJoin:
		c.onJoin()
	case protocol.CmdLeave:
		// membership is released when the transport closes
	case protocol.CmdAnswer, protocol.CmdCandidate:
		c.forward(f, m)
	default:
		c.log.Warn().Str("command", string(m.Command)).Msg("command not accepted from clients")
		c.relay.metrics.Dropped("unknown_command")
	}
}

func (c *clientConn) onPublish(m *protocol.Message) {
	if err := m.GroupName.Validate(); err != nil {
		c.log.Warn().Err(err).Msg("publish rejected")
		c.send(protocol.NewError(protocol.CmdPublishOffer, "", err.Error()))
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.joined {
		c.mu.Unlock()
		c.log.Warn().Str("group", string(m.GroupName)).Msg("publish after join ignored")
		return
	}
	prev, prevID := c.publish, c.clientID
	id := domain.NewClientID()
	n := c.newNegotiationLocked(core.ModeSend, id)
	c.publish = n
	c.clientID = id
	c.group = m.GroupName
	c.mu.Unlock()

	if prev != nil {
		if err := prev.close(); err != nil {
			c.log.Warn().Err(err).Msg("close superseded publish socket")
		}
	}
	if prevID != "" {
		c.relay.registry.UnbindClient(prevID)
	}
	c.relay.registry.BindClient(id, c.conn)
	c.log.Info().Str("client_id", string(id)).Str("group", string(m.GroupName)).Msg("publish requested")
	go n.dial()
}

func (c *clientConn) onSubscribe(m *protocol.Message) {
	if m.ClientID == "" {
		c.log.Warn().Msg("subscribe without target")
		c.relay.metrics.Dropped("invalid")
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	n := c.newNegotiationLocked(core.ModeReceive, m.ClientID)
	c.mu.Unlock()

	c.log.Info().Str("peer", string(m.ClientID)).Msg("subscribe requested")
	go n.dial()
}

func (c *clientConn) onJoin() {
	c.mu.Lock()
	if c.closed || c.joined || c.clientID == "" {
		joined, id := c.joined, c.clientID
		c.mu.Unlock()
		c.log.Warn().Bool("joined", joined).Bool("published", id != "").Msg("join ignored")
		return
	}
	c.joined = true
	id, group := c.clientID, c.group
	c.mu.Unlock()

	c.relay.membership.Lock()
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		// a closed connection must not rejoin after its leave
		c.relay.membership.Unlock()
		return
	}
	members := c.relay.registry.Join(group, id)
	for _, member := range members {
		if conn, ok := c.relay.registry.Client(member); ok {
			c.relay.deliver(member, conn, protocol.NewJoinNotice(id))
		}
		c.relay.deliver(id, c.conn, protocol.NewJoinNotice(member))
	}
	c.relay.membership.Unlock()
	c.relay.updateGroups()
	c.log.Info().Str("group", string(group)).Int("members", len(members)+1).Msg("joined group")
}

// forward routes an answer or candidate to the SFU socket that owns its id,
// translating the id back into the SFU's own.
func (c *clientConn) forward(f core.Frame, m *protocol.Message) {
	c.mu.Lock()
	n := c.negotiations[m.ID]
	var sock core.SignalConnection
	var sfuID int
	if n != nil {
		sock, sfuID = n.sock, n.sfuID
	}
	c.mu.Unlock()

	if sock == nil {
		c.log.Warn().Int("id", m.ID).Str("command", string(m.Command)).Msg("no negotiation for id")
		c.relay.metrics.Dropped("unroutable")
		return
	}
	out, err := protocol.RewriteID(f, sfuID)
	if err != nil {
		c.log.Warn().Err(err).Msg("rewrite id")
		c.relay.metrics.Dropped("malformed")
		return
	}
	if err := sock.TrySend(out); err != nil {
		c.log.Warn().Err(err).Int("id", m.ID).Msg("forward to sfu")
		c.relay.metrics.Dropped("backpressure")
	}
}

func (c *clientConn) send(m *protocol.Message) {
	c.mu.Lock()
	id := c.clientID
	c.mu.Unlock()
	c.relay.deliver(id, c.conn, m)
}

// OnClosed releases everything the connection held: group membership, the
// client binding and every open SFU socket.
func (c *clientConn) OnClosed(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	id, joined := c.clientID, c.joined
	open := make([]*negotiation, 0, len(c.open))
	for n := range c.open {
		open = append(open, n)
	}
	c.open = make(map[*negotiation]struct{})
	c.negotiations = make(map[int]*negotiation)
	c.publish = nil
	c.mu.Unlock()

	c.cancel()
	_ = c.conn.Close()
	c.relay.limiter.Forget(c.id)

	if joined {
		c.relay.membership.Lock()
		group, remaining, ok := c.relay.registry.Leave(id)
		for _, member := range remaining {
			if conn, ok := c.relay.registry.Client(member); ok {
				c.relay.deliver(member, conn, protocol.NewLeaveNotice(id))
			}
		}
		c.relay.membership.Unlock()
		if ok {
			c.log.Info().Str("group", string(group)).Int("remaining", len(remaining)).Msg("left group")
		}
		c.relay.updateGroups()
	}
	if id != "" {
		c.relay.registry.UnbindClient(id)
	}

	var result *multierror.Error
	for _, n := range open {
		if cerr := n.close(); cerr != nil {
			result = multierror.Append(result, cerr)
		}
	}
	if cerr := result.ErrorOrNil(); cerr != nil {
		c.log.Warn().Err(cerr).Msg("close sfu sockets")
	}

	c.relay.metrics.ClientDisconnected()
	if err != nil {
		c.log.Warn().Err(err).Msg("client transport failed")
		return
	}
	c.log.Info().Msg("client detached")
}

func (c *clientConn) newNegotiationLocked(mode core.SFUMode, target domain.ClientID) *negotiation {
	n := &negotiation{c: c, mode: mode, target: target, ready: make(chan struct{})}
	c.open[n] = struct{}{}
	return n
}

func (c *clientConn) forgetLocked(n *negotiation) {
	delete(c.open, n)
	if n.localID != 0 && c.negotiations[n.localID] == n {
		delete(c.negotiations, n.localID)
	}
}
