package client

import (
	"fmt"

	"github.com/dkeye/sfusignal/internal/protocol"
)

func (s *Session) onPublishOfferLocked(m *protocol.Message) func() {
	if s.state != StatePublishNegotiating || s.publishLink != nil {
		s.log.Warn().Stringer("state", s.state).Int("negotiation_id", m.ID).Msg("unexpected publish offer")
		return nil
	}

	if m.Error != "" {
		if m.CannotCreateOffer() {
			s.retryPublishLocked()
			return nil
		}
		s.log.Error().Str("error", m.Error).Int("code", m.Code).Msg("publish rejected")
		s.publishRetry.stop()
		s.publishRetry = nil
		s.state = StateIdle
		return nil
	}
	if m.ID == 0 {
		return nil
	}

	s.publishRetry.stop()
	s.publishRetry = nil

	l, err := s.newLinkLocked(kindPublish, m)
	if err != nil {
		s.log.Error().Err(err).Msg("publish link")
		s.state = StateIdle
		return nil
	}
	s.publishLink = l
	s.localClientID = m.ClientID
	s.log.Info().
		Str("client_id", string(m.ClientID)).
		Int("negotiation_id", m.ID).
		Msg("publish offer received")

	gen := s.gen
	return func() { s.startLink(gen, l) }
}

// retryPublishLocked schedules a resend of the publish request, or gives up
// silently once the budget is spent.
func (s *Session) retryPublishLocked() {
	if s.publishRetry == nil {
		s.publishRetry = newRetrier(s.cfg.MaxPublishRetries, s.cfg.PublishRetryInterval)
	}
	r := s.publishRetry
	delay, ok := r.next()
	if !ok {
		s.log.Error().Str("group", string(s.group)).Int("attempts", r.attempts).Msg("publish retries exhausted")
		r.stop()
		s.publishRetry = nil
		s.state = StateIdle
		return
	}

	gen := s.gen
	s.log.Info().Int("attempt", r.attempts).Dur("delay", delay).Msg("publish retry scheduled")
	r.schedule(delay, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.gen != gen || s.publishRetry != r || s.state != StatePublishNegotiating {
			return
		}
		_ = s.sendLocked(protocol.NewPublishRequest(s.group))
	})
}

func (s *Session) onPublishConnected(gen uint64, l *link) {
	s.mu.Lock()
	if !s.isCurrentLocked(gen, l) || l.connected {
		s.mu.Unlock()
		return
	}
	l.connected = true
	if err := s.sendLocked(protocol.NewJoin(l.id)); err != nil {
		s.mu.Unlock()
		_ = s.teardown(gen, fmt.Errorf("join not sent: %w", err), true)
		return
	}
	s.publishRetry = nil
	s.state = StateJoined
	id := s.localClientID
	group := s.group
	s.mu.Unlock()

	s.log.Info().Str("client_id", string(id)).Str("group", string(group)).Msg("joined")
	s.events.joined.emit(id)
}
