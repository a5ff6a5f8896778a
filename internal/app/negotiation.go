package app

import (
	"fmt"

	"github.com/dkeye/sfusignal/internal/core"
	"github.com/dkeye/sfusignal/internal/domain"
	"github.com/dkeye/sfusignal/internal/protocol"
)

// negotiation is one dedicated SFU socket opened for a publish or subscribe
// request. Its frames are relabelled and passed to the owning client.
type negotiation struct {
	c      *clientConn
	mode   core.SFUMode
	target domain.ClientID
	// ready is closed once the dial returned.
	ready chan struct{}

	// guarded by c.mu
	sock    core.SignalConnection
	opened  bool
	closed  bool
	localID int
	sfuID   int
}

func (n *negotiation) offerCommand() protocol.Command {
	if n.mode == core.ModeSend {
		return protocol.CmdPublishOffer
	}
	return protocol.CmdSubscribeOffer
}

func (n *negotiation) dial() {
	c := n.c
	sock, err := c.relay.sfu.DialSFU(c.ctx, n.target, n.mode, n)

	c.mu.Lock()
	n.sock = sock
	n.opened = err == nil
	abandoned := n.closed
	superseded := n.mode == core.ModeSend && c.publish != n
	if err != nil {
		c.forgetLocked(n)
	}
	c.mu.Unlock()
	close(n.ready)

	if err != nil {
		c.log.Error().Err(err).Str("peer", string(n.target)).Stringer("mode", n.mode).Msg("sfu dial failed")
		if !abandoned && !superseded {
			c.send(protocol.NewError(n.offerCommand(), n.target, fmt.Sprintf("sfu unavailable: %v", err)))
		}
		return
	}
	c.relay.metrics.SFUSocketOpened(n.mode.String())
	if abandoned {
		_ = sock.Close()
	}
}

// OnMessage relays one SFU message to the client under its own command,
// with the stream's client id and a connection scoped negotiation id.
func (n *negotiation) OnMessage(f core.Frame) {
	<-n.ready
	c := n.c
	m, err := protocol.Decode(f)
	if err != nil {
		c.log.Warn().Err(err).Stringer("mode", n.mode).Msg("dropping sfu message")
		c.relay.metrics.Dropped("malformed")
		return
	}

	c.mu.Lock()
	if n.closed || c.closed {
		c.mu.Unlock()
		return
	}
	if m.ID != 0 {
		if n.localID == 0 {
			c.lastID++
			n.localID = c.lastID
			n.sfuID = m.ID
			c.negotiations[n.localID] = n
		} else if m.ID != n.sfuID {
			c.log.Warn().Int("sfu_id", m.ID).Int("expected", n.sfuID).Msg("sfu changed negotiation id")
		}
		m.ID = n.localID
	}
	c.mu.Unlock()

	m.Command = n.offerCommand()
	m.ClientID = n.target
	c.log.Debug().Str("peer", string(n.target)).Int("negotiation_id", m.ID).Str("error", m.Error).Msg("sfu offer")
	c.send(m)

	if n.mode == core.ModeReceive && m.CannotCreateOffer() && m.Code == protocol.CodeNotFound {
		if err := n.close(); err != nil {
			c.log.Warn().Err(err).Msg("close sfu socket")
		}
	}
}

func (n *negotiation) OnClosed(err error) {
	<-n.ready
	c := n.c
	c.mu.Lock()
	opened := n.opened
	n.opened = false
	n.closed = true
	c.forgetLocked(n)
	c.mu.Unlock()

	if opened {
		c.relay.metrics.SFUSocketClosed(n.mode.String())
	}
	ev := c.log.Debug()
	if err != nil {
		ev = c.log.Warn().Err(err)
	}
	ev.Str("peer", string(n.target)).Stringer("mode", n.mode).Msg("sfu socket closed")
}

func (n *negotiation) close() error {
	c := n.c
	c.mu.Lock()
	if n.closed {
		c.mu.Unlock()
		return nil
	}
	n.closed = true
	sock := n.sock
	c.forgetLocked(n)
	c.mu.Unlock()

	if sock == nil {
		return nil
	}
	if err := sock.Close(); err != nil {
		return fmt.Errorf("close %s socket for %s: %w", n.mode, n.target, err)
	}
	return nil
}
