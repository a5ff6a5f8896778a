package client

import (
	"github.com/dkeye/sfusignal/internal/domain"
	"github.com/dkeye/sfusignal/internal/protocol"
)

// onJoinNoticeLocked subscribes to a newly introduced peer. Notices for a
// peer that is already linked or being negotiated are ignored.
func (s *Session) onJoinNoticeLocked(m *protocol.Message) func() {
	peer := m.ClientID
	if s.state != StateJoined || peer == "" || peer == s.localClientID {
		s.log.Debug().Str("peer", string(peer)).Stringer("state", s.state).Msg("ignoring join notice")
		return nil
	}
	if s.knownPeerLocked(peer) {
		s.log.Debug().Str("peer", string(peer)).Msg("duplicate join notice")
		return nil
	}

	s.pendingSubscribes[peer] = struct{}{}
	if err := s.sendLocked(protocol.NewSubscribeRequest(peer)); err != nil {
		s.log.Warn().Err(err).Str("peer", string(peer)).Msg("subscribe request not sent")
		delete(s.pendingSubscribes, peer)
	}
	s.log.Info().Str("peer", string(peer)).Msg("user joined")
	return func() { s.events.userJoined.emit(peer) }
}

func (s *Session) knownPeerLocked(peer domain.ClientID) bool {
	if _, ok := s.subscribeLinks[peer]; ok {
		return true
	}
	if _, ok := s.pendingSubscribes[peer]; ok {
		return true
	}
	_, ok := s.subscribeRetries[peer]
	return ok
}

func (s *Session) onLeaveNoticeLocked(m *protocol.Message) func() {
	peer := m.ClientID
	if s.state != StateJoined || peer == "" {
		return nil
	}

	delete(s.pendingSubscribes, peer)
	if r, ok := s.subscribeRetries[peer]; ok {
		r.stop()
		delete(s.subscribeRetries, peer)
	}
	l := s.subscribeLinks[peer]
	delete(s.subscribeLinks, peer)
	s.log.Info().Str("peer", string(peer)).Msg("user left")

	return func() {
		if l != nil {
			if err := s.closeLink(l); err != nil {
				s.log.Warn().Err(err).Str("peer", string(peer)).Msg("close subscribe link")
			}
		}
		s.events.userLeft.emit(peer)
	}
}

func (s *Session) onSubscribeOfferLocked(m *protocol.Message) func() {
	peer := m.ClientID
	if s.state != StateJoined {
		s.log.Debug().Str("peer", string(peer)).Msg("subscribe offer while not joined")
		return nil
	}
	if _, ok := s.pendingSubscribes[peer]; !ok {
		s.log.Warn().Str("peer", string(peer)).Msg("unsolicited subscribe offer")
		return nil
	}

	if m.Error != "" {
		if m.CannotCreateOffer() {
			s.retrySubscribeLocked(peer)
			return nil
		}
		s.log.Error().Str("peer", string(peer)).Str("error", m.Error).Int("code", m.Code).Msg("subscribe rejected")
		s.dropSubscribeLocked(peer)
		return nil
	}
	if m.ID == 0 {
		return nil
	}
	s.dropSubscribeLocked(peer)

	l, err := s.newLinkLocked(kindSubscribe, m)
	if err != nil {
		s.log.Error().Err(err).Str("peer", string(peer)).Msg("subscribe link")
		return nil
	}
	s.subscribeLinks[peer] = l
	s.log.Info().Str("peer", string(peer)).Int("negotiation_id", m.ID).Msg("subscribe offer received")

	gen := s.gen
	return func() { s.startLink(gen, l) }
}

// dropSubscribeLocked forgets any outstanding request and retry for peer.
func (s *Session) dropSubscribeLocked(peer domain.ClientID) {
	delete(s.pendingSubscribes, peer)
	if r, ok := s.subscribeRetries[peer]; ok {
		r.stop()
		delete(s.subscribeRetries, peer)
	}
}

func (s *Session) retrySubscribeLocked(peer domain.ClientID) {
	r, ok := s.subscribeRetries[peer]
	if !ok {
		r = newRetrier(s.cfg.MaxSubscribeRetries, s.cfg.SubscribeRetryInterval)
		s.subscribeRetries[peer] = r
	}
	delay, ok := r.next()
	if !ok {
		s.log.Error().Str("peer", string(peer)).Int("attempts", r.attempts).Msg("subscribe retries exhausted")
		s.dropSubscribeLocked(peer)
		return
	}

	gen := s.gen
	r.schedule(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen != gen || s.subscribeRetries[peer] != r {
			return
		}
		_ = s.sendLocked(protocol.NewSubscribeRequest(peer))
	})
}
