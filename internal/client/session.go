// Package client drives one user's signaling session against the relay:
// group discovery, publish and per-peer subscribe negotiation with bounded
// retry, and event fan-out.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/sfusignal/internal/config"
	"github.com/dkeye/sfusignal/internal/core"
	"github.com/dkeye/sfusignal/internal/domain"
	"github.com/dkeye/sfusignal/internal/hook"
	"github.com/dkeye/sfusignal/internal/protocol"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyJoined    = errors.New("already joined")
	ErrClosed           = errors.New("session closed")
	ErrConnectionClosed = errors.New("connection closed")
)

type State int

const (
	StateIdle State = iota
	StateConnecting
	StatePublishNegotiating
	StateJoined
	StateLeft
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StatePublishNegotiating:
		return "publish_negotiating"
	case StateJoined:
		return "joined"
	case StateLeft:
		return "left"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Session is safe for concurrent use. Inbound messages, timers and API calls
// are serialized on one mutex; events and hooks run with it released.
type Session struct {
	cfg     *config.ClientConfig
	dialer  core.SignalDialer
	factory core.NegotiatorFactory
	hooks   *hook.Set
	events  events
	log     zerolog.Logger

	dialMu sync.Mutex
	listMu sync.Mutex

	mu    sync.Mutex
	state State
	// gen identifies the current transport. Callbacks and timers carry the
	// generation they were created under and are ignored once it moves on.
	gen               uint64
	conn              core.SignalConnection
	closed            bool
	group             domain.GroupName
	localClientID     domain.ClientID
	publishLink       *link
	subscribeLinks    map[domain.ClientID]*link
	publishRetry      *retrier
	subscribeRetries  map[domain.ClientID]*retrier
	pendingSubscribes map[domain.ClientID]struct{}
	pendingList       chan []domain.GroupName
}

func NewSession(cfg *config.ClientConfig, dialer core.SignalDialer, factory core.NegotiatorFactory) *Session {
	return &Session{
		cfg:               cfg,
		dialer:            dialer,
		factory:           factory,
		hooks:             hook.NewSet(),
		log:               log.With().Str("module", "client").Logger(),
		subscribeLinks:    make(map[domain.ClientID]*link),
		subscribeRetries:  make(map[domain.ClientID]*retrier),
		pendingSubscribes: make(map[domain.ClientID]struct{}),
	}
}

// Hooks gives access to the publish and subscribe hook pipelines.
func (s *Session) Hooks() *hook.Set { return s.hooks }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LocalClientID is empty unless a publish link exists.
func (s *Session) LocalClientID() domain.ClientID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localClientID
}

// Peers lists the remote clients with an established subscribe link.
func (s *Session) Peers() []domain.ClientID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.ClientID, 0, len(s.subscribeLinks))
	for id := range s.subscribeLinks {
		out = append(out, id)
	}
	return out
}

// ListGroups asks the relay for the current group names, opening the
// transport if needed. Calls are serialized.
func (s *Session) ListGroups(ctx context.Context) ([]domain.GroupName, error) {
	s.listMu.Lock()
	defer s.listMu.Unlock()

	gen, err := s.ensureConn(ctx)
	if err != nil {
		return nil, err
	}

	ch := make(chan []domain.GroupName, 1)
	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	s.pendingList = ch
	if err := s.sendLocked(protocol.NewListGroupsRequest()); err != nil {
		s.pendingList = nil
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	select {
	case groups, ok := <-ch:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return groups, nil
	case <-ctx.Done():
		s.mu.Lock()
		if s.pendingList == ch {
			s.pendingList = nil
		}
		s.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Join opens the transport if needed and starts publishing into group.
// Joining completes asynchronously and is reported through OnJoined.
func (s *Session) Join(ctx context.Context, group domain.GroupName) error {
	if err := group.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	switch s.state {
	case StateConnecting, StatePublishNegotiating, StateJoined:
		s.mu.Unlock()
		return ErrAlreadyJoined
	}
	s.state = StateConnecting
	s.group = group
	s.mu.Unlock()

	gen, err := s.ensureConn(ctx)
	if err != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.mu.Unlock()
		s.log.Error().Err(err).Str("group", string(group)).Msg("join: connect failed")
		s.events.unexpectedLeft.emit(err.Error())
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		return ErrConnectionClosed
	}
	s.state = StatePublishNegotiating
	s.log.Info().Str("group", string(group)).Msg("publishing")
	return s.sendLocked(protocol.NewPublishRequest(group))
}

// Leave closes every link and the transport, then fires OnLeft.
func (s *Session) Leave() error {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return ErrNotConnected
	}
	gen := s.gen
	s.mu.Unlock()

	return s.teardown(gen, nil, true)
}

// Close leaves if connected and rejects further joins.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	connected := s.conn != nil
	s.mu.Unlock()

	if !connected {
		return nil
	}
	if err := s.Leave(); err != nil && !errors.Is(err, ErrNotConnected) {
		return err
	}
	return nil
}

func (s *Session) ensureConn(ctx context.Context) (uint64, error) {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	if s.conn != nil {
		gen := s.gen
		s.mu.Unlock()
		return gen, nil
	}
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	conn, err := s.dialer.Dial(ctx, s.cfg.ServerURL, &connHandler{s: s, gen: gen})
	if err != nil {
		return 0, fmt.Errorf("connect %s: %w", s.cfg.ServerURL, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.closed {
		_ = conn.Close()
		return 0, ErrConnectionClosed
	}
	s.conn = conn
	s.log.Info().Str("server", s.cfg.ServerURL).Msg("connected")
	return gen, nil
}

// connHandler binds transport callbacks to the generation that opened it.
type connHandler struct {
	s   *Session
	gen uint64
}

func (h *connHandler) OnMessage(f core.Frame) { h.s.handleFrame(h.gen, f) }

func (h *connHandler) OnClosed(err error) { _ = h.s.teardown(h.gen, err, false) }

func (s *Session) handleFrame(gen uint64, f core.Frame) {
	m, err := protocol.Decode(f)
	if err != nil {
		s.log.Warn().Err(err).Msg("dropping message")
		return
	}
	s.log.Debug().Str("command", string(m.Command)).Int("negotiation_id", m.ID).Msg("received")

	s.mu.Lock()
	if s.gen != gen {
		s.mu.Unlock()
		return
	}
	var after func()
	switch m.Command {
	case protocol.CmdListGroups:
		s.onGroupListLocked(m)
	case protocol.CmdPublishOffer:
		after = s.onPublishOfferLocked(m)
	case protocol.CmdSubscribeOffer:
		after = s.onSubscribeOfferLocked(m)
	case protocol.CmdJoin:
		after = s.onJoinNoticeLocked(m)
	case protocol.CmdLeave:
		after = s.onLeaveNoticeLocked(m)
	default:
		s.log.Warn().Str("command", string(m.Command)).Msg("unexpected command")
	}
	s.mu.Unlock()

	if after != nil {
		after()
	}
}

func (s *Session) onGroupListLocked(m *protocol.Message) {
	if s.pendingList == nil {
		s.log.Debug().Msg("unsolicited group list")
		return
	}
	names := []domain.GroupName{}
	if m.GroupListResponse != nil {
		for _, g := range m.GroupListResponse.Groups {
			names = append(names, g.Name)
		}
	}
	s.pendingList <- names
	s.pendingList = nil
}

// teardown releases everything bound to transport gen exactly once and fires
// the matching leave event. cause nil means a normal close.
func (s *Session) teardown(gen uint64, cause error, explicit bool) error {
	s.mu.Lock()
	if s.gen != gen || s.conn == nil {
		// Closed before ensureConn stored it: moving gen on makes ensureConn
		// drop the connection.
		if s.gen == gen {
			s.gen++
		}
		s.mu.Unlock()
		return nil
	}
	s.gen++

	pub := s.publishLink
	subs := s.subscribeLinks
	s.publishLink = nil
	s.localClientID = ""
	s.subscribeLinks = make(map[domain.ClientID]*link)

	s.publishRetry.stop()
	s.publishRetry = nil
	for _, r := range s.subscribeRetries {
		r.stop()
	}
	s.subscribeRetries = make(map[domain.ClientID]*retrier)
	s.pendingSubscribes = make(map[domain.ClientID]struct{})

	if s.pendingList != nil {
		close(s.pendingList)
		s.pendingList = nil
	}

	conn := s.conn
	s.conn = nil
	if cause == nil {
		s.state = StateLeft
	} else {
		s.state = StateFailed
	}
	s.mu.Unlock()

	var result *multierror.Error
	if pub != nil {
		result = multierror.Append(result, s.closeLink(pub))
	}
	for _, l := range subs {
		result = multierror.Append(result, s.closeLink(l))
	}
	if explicit && conn != nil {
		if err := conn.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close transport: %w", err))
		}
	}
	err := result.ErrorOrNil()
	if err != nil {
		s.log.Warn().Err(err).Msg("teardown")
	}

	if cause == nil {
		s.log.Info().Msg("left")
		s.events.left.emit(struct{}{})
	} else {
		s.log.Error().Err(cause).Msg("left unexpectedly")
		s.events.unexpectedLeft.emit(cause.Error())
	}
	return err
}

func (s *Session) sendLocked(m *protocol.Message) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	data, err := protocol.Encode(m)
	if err != nil {
		return err
	}
	if err := s.conn.TrySend(data); err != nil {
		s.log.Warn().Err(err).Str("command", string(m.Command)).Msg("send failed")
		return fmt.Errorf("send %s: %w", m.Command, err)
	}
	return nil
}

// iceServersFor prepends the configured servers to those offered.
func (s *Session) iceServersFor(m *protocol.Message) []protocol.IceServer {
	servers := s.cfg.ICEServers()
	return append(servers, m.IceServers...)
}
