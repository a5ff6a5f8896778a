package client

import (
	"fmt"

	"github.com/dkeye/sfusignal/internal/core"
	"github.com/dkeye/sfusignal/internal/domain"
	"github.com/dkeye/sfusignal/internal/hook"
	"github.com/dkeye/sfusignal/internal/protocol"
)

type linkKind int

const (
	kindPublish linkKind = iota
	kindSubscribe
)

func (k linkKind) String() string {
	if k == kindPublish {
		return "publish"
	}
	return "subscribe"
}

// link is one negotiation bound to a Negotiator. Fields other than the
// negotiator are guarded by Session.mu.
type link struct {
	id         int
	remote     domain.ClientID
	kind       linkKind
	negotiator core.Negotiator
	offer      protocol.SessionDescription

	remoteCandidates []protocol.ICECandidate
	// isLocalCandidateSeeded flips on the first local candidate, which lends
	// its sdpMid to the offer's candidates before they are applied.
	isLocalCandidateSeeded bool
	answered               bool
	pendingLocal           []protocol.ICECandidate
	connected              bool
}

func (s *Session) pipeline(k linkKind) *hook.Pipeline {
	if k == kindPublish {
		return s.hooks.Publish
	}
	return s.hooks.Subscribe
}

// newLinkLocked builds the negotiator for an offer and wires its callbacks.
func (s *Session) newLinkLocked(kind linkKind, m *protocol.Message) (*link, error) {
	if m.SDP == nil {
		return nil, fmt.Errorf("%s offer %d: missing sdp", kind, m.ID)
	}
	n, err := s.factory(s.iceServersFor(m))
	if err != nil {
		return nil, fmt.Errorf("%s negotiator: %w", kind, err)
	}
	l := &link{
		id:               m.ID,
		remote:           m.ClientID,
		kind:             kind,
		negotiator:       n,
		offer:            *m.SDP,
		remoteCandidates: append([]protocol.ICECandidate(nil), m.Candidates...),
	}
	gen := s.gen
	n.OnLocalICECandidate(func(c protocol.ICECandidate) { s.onLocalCandidate(gen, l, c) })
	n.OnConnectionStateChange(func(st core.ConnectionState) { s.onLinkState(gen, l, st) })
	return l, nil
}

// startLink runs create hooks, then answers the offer. Must be called
// without the lock.
func (s *Session) startLink(gen uint64, l *link) {
	s.pipeline(l.kind).RunCreate(l.remote, l.negotiator)
	go s.negotiate(gen, l)
}

func (s *Session) negotiate(gen uint64, l *link) {
	n := l.negotiator
	if err := n.SetRemoteDescription(l.offer); err != nil {
		s.failLink(gen, l, fmt.Errorf("set remote description: %w", err))
		return
	}
	answer, err := n.CreateAnswer()
	if err != nil {
		s.failLink(gen, l, fmt.Errorf("create answer: %w", err))
		return
	}
	if err := n.SetLocalDescription(answer); err != nil {
		s.failLink(gen, l, fmt.Errorf("set local description: %w", err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isCurrentLocked(gen, l) {
		return
	}
	if err := s.sendLocked(protocol.NewAnswer(l.id, answer)); err != nil {
		return
	}
	l.answered = true
	for _, c := range l.pendingLocal {
		_ = s.sendLocked(protocol.NewCandidate(l.id, c))
	}
	l.pendingLocal = nil
}

func (s *Session) onLocalCandidate(gen uint64, l *link, c protocol.ICECandidate) {
	s.mu.Lock()
	if !s.isCurrentLocked(gen, l) {
		s.mu.Unlock()
		return
	}
	var seed []protocol.ICECandidate
	if !l.isLocalCandidateSeeded {
		l.isLocalCandidateSeeded = true
		for _, rc := range l.remoteCandidates {
			rc.SDPMid = c.SDPMid
			seed = append(seed, rc)
		}
	}
	if l.answered {
		_ = s.sendLocked(protocol.NewCandidate(l.id, c))
	} else {
		l.pendingLocal = append(l.pendingLocal, c)
	}
	s.mu.Unlock()

	for _, rc := range seed {
		if err := l.negotiator.AddICECandidate(rc); err != nil {
			s.log.Warn().Err(err).
				Str("peer", string(l.remote)).
				Int("negotiation_id", l.id).
				Msg("add remote candidate")
		}
	}
}

func (s *Session) onLinkState(gen uint64, l *link, st core.ConnectionState) {
	s.log.Debug().Str("link", l.kind.String()).Str("peer", string(l.remote)).Stringer("state", st).Msg("link state")
	switch st {
	case core.StateConnected:
		if l.kind == kindPublish {
			s.onPublishConnected(gen, l)
			return
		}
		s.mu.Lock()
		if s.isCurrentLocked(gen, l) && !l.connected {
			l.connected = true
			s.log.Info().Str("peer", string(l.remote)).Msg("subscribed")
		}
		s.mu.Unlock()
	case core.StateFailed:
		s.log.Warn().Str("link", l.kind.String()).Str("peer", string(l.remote)).Msg("link failed")
	}
}

// failLink abandons one link after a terminal negotiation error.
func (s *Session) failLink(gen uint64, l *link, cause error) {
	s.mu.Lock()
	if !s.isCurrentLocked(gen, l) {
		s.mu.Unlock()
		return
	}
	if l.kind == kindPublish {
		s.publishLink = nil
		s.localClientID = ""
		if s.state == StatePublishNegotiating {
			s.state = StateIdle
		}
	} else {
		delete(s.subscribeLinks, l.remote)
	}
	s.mu.Unlock()

	s.log.Error().Err(cause).
		Str("link", l.kind.String()).
		Str("peer", string(l.remote)).
		Int("negotiation_id", l.id).
		Msg("negotiation failed")
	_ = s.closeLink(l)
}

// closeLink runs close hooks and releases the negotiator. Must be called
// without the lock.
func (s *Session) closeLink(l *link) error {
	s.pipeline(l.kind).RunClose(l.remote)
	if err := l.negotiator.Close(); err != nil {
		return fmt.Errorf("close %s link %s: %w", l.kind, l.remote, err)
	}
	return nil
}

func (s *Session) isCurrentLocked(gen uint64, l *link) bool {
	if s.gen != gen {
		return false
	}
	if l.kind == kindPublish {
		return s.publishLink == l
	}
	return s.subscribeLinks[l.remote] == l
}
