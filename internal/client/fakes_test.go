package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dkeye/sfusignal/internal/config"
	"github.com/dkeye/sfusignal/internal/core"
	"github.com/dkeye/sfusignal/internal/domain"
	"github.com/dkeye/sfusignal/internal/protocol"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// fakeConn records outbound messages and lets tests inject inbound ones.
type fakeConn struct {
	t  *testing.T
	h  core.SignalHandler
	mu sync.Mutex

	sent      []*protocol.Message
	closed    bool
	refuse    protocol.Command
	closeOnce sync.Once
}

func (c *fakeConn) TrySend(f core.Frame) error {
	m, err := protocol.Decode(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	if c.refuse != "" && c.refuse == m.Command {
		return errors.New("send buffer full")
	}
	c.sent = append(c.sent, m)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.closeOnce.Do(func() { go c.h.OnClosed(nil) })
	return nil
}

// deliver feeds m to the session as if the relay had sent it.
func (c *fakeConn) deliver(m *protocol.Message) {
	c.t.Helper()
	data, err := protocol.Encode(m)
	require.NoError(c.t, err)
	c.h.OnMessage(data)
}

// drop simulates the transport failing underneath the session.
func (c *fakeConn) drop(err error) {
	c.closeOnce.Do(func() { c.h.OnClosed(err) })
}

func (c *fakeConn) refuseCommand(cmd protocol.Command) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refuse = cmd
}

func (c *fakeConn) messages() []*protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.Message(nil), c.sent...)
}

func (c *fakeConn) count(cmd protocol.Command) int {
	n := 0
	for _, m := range c.messages() {
		if m.Command == cmd {
			n++
		}
	}
	return n
}

func (c *fakeConn) last(cmd protocol.Command) *protocol.Message {
	msgs := c.messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Command == cmd {
			return msgs[i]
		}
	}
	return nil
}

type fakeDialer struct {
	t     *testing.T
	mu    sync.Mutex
	conns []*fakeConn
	err   error
}

func (d *fakeDialer) Dial(_ context.Context, _ string, h core.SignalHandler) (core.SignalConnection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := &fakeConn{t: d.t, h: h}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

// fakeNegotiator answers any offer and lets tests drive candidates and state.
type fakeNegotiator struct {
	mu         sync.Mutex
	iceServers []protocol.IceServer
	remote     *protocol.SessionDescription
	local      *protocol.SessionDescription
	added      []protocol.ICECandidate
	closed     bool
	failRemote error

	onICE   func(protocol.ICECandidate)
	onState func(core.ConnectionState)
}

func (n *fakeNegotiator) SetRemoteDescription(sd protocol.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failRemote != nil {
		return n.failRemote
	}
	n.remote = &sd
	return nil
}

func (n *fakeNegotiator) CreateAnswer() (protocol.SessionDescription, error) {
	return protocol.SessionDescription{Type: "answer", SDP: "v=0 answer"}, nil
}

func (n *fakeNegotiator) SetLocalDescription(sd protocol.SessionDescription) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.local = &sd
	return nil
}

func (n *fakeNegotiator) AddICECandidate(c protocol.ICECandidate) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.added = append(n.added, c)
	return nil
}

func (n *fakeNegotiator) OnLocalICECandidate(fn func(protocol.ICECandidate)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onICE = fn
}

func (n *fakeNegotiator) OnConnectionStateChange(fn func(core.ConnectionState)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.onState = fn
}

func (n *fakeNegotiator) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	return nil
}

func (n *fakeNegotiator) emitCandidate(c protocol.ICECandidate) {
	n.mu.Lock()
	fn := n.onICE
	n.mu.Unlock()
	fn(c)
}

func (n *fakeNegotiator) emitState(st core.ConnectionState) {
	n.mu.Lock()
	fn := n.onState
	n.mu.Unlock()
	fn(st)
}

func (n *fakeNegotiator) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

func (n *fakeNegotiator) addedCandidates() []protocol.ICECandidate {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]protocol.ICECandidate(nil), n.added...)
}

type fakeFactory struct {
	mu         sync.Mutex
	made       []*fakeNegotiator
	failRemote error
}

func (f *fakeFactory) build(servers []protocol.IceServer) (core.Negotiator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := &fakeNegotiator{iceServers: servers, failRemote: f.failRemote}
	f.made = append(f.made, n)
	return n, nil
}

func (f *fakeFactory) negotiator(i int) *fakeNegotiator {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.made[i]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.made)
}

type eventLog struct {
	joined         []string
	left           int
	unexpectedLeft []string
	userJoined     []string
	userLeft       []string
}

// recorder captures session events.
type recorder struct {
	mu  sync.Mutex
	log eventLog
}

func (r *recorder) attach(s *Session) {
	s.OnJoined(func(id domain.ClientID) { r.add(&r.log.joined, string(id)) })
	s.OnLeft(func() {
		r.mu.Lock()
		r.log.left++
		r.mu.Unlock()
	})
	s.OnUnexpectedLeft(func(reason string) { r.add(&r.log.unexpectedLeft, reason) })
	s.OnUserJoined(func(id domain.ClientID) { r.add(&r.log.userJoined, string(id)) })
	s.OnUserLeft(func(id domain.ClientID) { r.add(&r.log.userLeft, string(id)) })
}

func (r *recorder) add(dst *[]string, v string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	*dst = append(*dst, v)
}

func (r *recorder) snapshot() eventLog {
	r.mu.Lock()
	defer r.mu.Unlock()
	return eventLog{
		joined:         append([]string(nil), r.log.joined...),
		left:           r.log.left,
		unexpectedLeft: append([]string(nil), r.log.unexpectedLeft...),
		userJoined:     append([]string(nil), r.log.userJoined...),
		userLeft:       append([]string(nil), r.log.userLeft...),
	}
}

func testConfig() *config.ClientConfig {
	return &config.ClientConfig{
		ServerURL:              "ws://relay.test/ws",
		IceServers:             []config.IceServer{{URLs: []string{"stun:default.test:3478"}}},
		MaxPublishRetries:      2,
		PublishRetryInterval:   time.Millisecond,
		MaxSubscribeRetries:    3,
		SubscribeRetryInterval: time.Millisecond,
	}
}

type harness struct {
	t       *testing.T
	s       *Session
	dialer  *fakeDialer
	factory *fakeFactory
	events  *recorder
}

func newHarness(t *testing.T, cfg *config.ClientConfig) *harness {
	t.Helper()
	d := &fakeDialer{t: t}
	f := &fakeFactory{}
	s := NewSession(cfg, d, f.build)
	rec := &recorder{}
	rec.attach(s)
	return &harness{t: t, s: s, dialer: d, factory: f, events: rec}
}

func strPtr(s string) *string { return &s }

func offer(cmd protocol.Command, id int, client string) *protocol.Message {
	return &protocol.Message{
		ID:       id,
		Command:  cmd,
		ClientID: domain.ClientID(client),
		SDP:      &protocol.SessionDescription{Type: "offer", SDP: "v=0 offer"},
		Candidates: []protocol.ICECandidate{
			{Candidate: "candidate:0 1 UDP 50 192.0.2.1 10000 typ host"},
			{Candidate: "candidate:1 1 TCP 40 192.0.2.1 10000 typ host"},
		},
		IceServers: []protocol.IceServer{{URLs: []string{"turn:offered.test:3478"}}},
	}
}

func cannotCreate(cmd protocol.Command, client string) *protocol.Message {
	return &protocol.Message{
		Command:  cmd,
		ClientID: domain.ClientID(client),
		Error:    protocol.ReasonCannotCreateOffer,
		Code:     protocol.CodeNotFound,
	}
}

// joinAs drives a session through publish negotiation until it is joined.
func (h *harness) joinAs(client string, id int) *fakeConn {
	h.t.Helper()
	require.NoError(h.t, h.s.Join(context.Background(), "lobby"))
	conn := h.dialer.conn(h.dialer.dials() - 1)
	require.Equal(h.t, 1, conn.count(protocol.CmdPublish))

	before := h.factory.count()
	conn.deliver(offer(protocol.CmdPublishOffer, id, client))
	require.Eventually(h.t, func() bool { return conn.last(protocol.CmdAnswer) != nil }, waitFor, tick)

	h.factory.negotiator(before).emitState(core.StateConnected)
	require.Equal(h.t, StateJoined, h.s.State())
	return conn
}
