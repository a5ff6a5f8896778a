package client

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/sfusignal/internal/core"
	"github.com/dkeye/sfusignal/internal/domain"
	"github.com/dkeye/sfusignal/internal/hook"
	"github.com/dkeye/sfusignal/internal/protocol"
)

func assertInvariants(t *testing.T, s *Session) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, s.publishLink != nil, s.localClientID != "", "publish link and local id must move together")
	for peer, l := range s.subscribeLinks {
		assert.Equal(t, peer, l.remote)
	}
}

func (h *harness) subscribeTo(conn *fakeConn, peer string, id int) *fakeNegotiator {
	h.t.Helper()
	before := conn.count(protocol.CmdSubscribe)
	conn.deliver(protocol.NewJoinNotice(domain.ClientID(peer)))
	require.Equal(h.t, before+1, conn.count(protocol.CmdSubscribe))

	idx := h.factory.count()
	conn.deliver(offer(protocol.CmdSubscribeOffer, id, peer))
	require.Equal(h.t, idx+1, h.factory.count())
	require.Eventually(h.t, func() bool {
		a := conn.last(protocol.CmdAnswer)
		return a != nil && a.ID == id
	}, waitFor, tick)
	return h.factory.negotiator(idx)
}

func TestSession_ListGroupsBeforeAnyPublish(t *testing.T) {
	h := newHarness(t, testConfig())

	type result struct {
		groups []domain.GroupName
		err    error
	}
	done := make(chan result, 1)
	go func() {
		g, err := h.s.ListGroups(context.Background())
		done <- result{g, err}
	}()

	require.Eventually(t, func() bool {
		return h.dialer.dials() == 1 && h.dialer.conn(0).count(protocol.CmdListGroups) == 1
	}, waitFor, tick)
	h.dialer.conn(0).deliver(protocol.NewGroupList(nil))

	res := <-done
	require.NoError(t, res.err)
	assert.NotNil(t, res.groups)
	assert.Empty(t, res.groups)

	go func() {
		g, err := h.s.ListGroups(context.Background())
		done <- result{g, err}
	}()
	require.Eventually(t, func() bool { return h.dialer.conn(0).count(protocol.CmdListGroups) == 2 }, waitFor, tick)
	h.dialer.conn(0).deliver(protocol.NewGroupList([]domain.GroupName{"lobby", "stage"}))

	res = <-done
	require.NoError(t, res.err)
	assert.Equal(t, []domain.GroupName{"lobby", "stage"}, res.groups)
	assert.Equal(t, 1, h.dialer.dials(), "transport is reused")
}

func TestSession_ListGroupsTransportDrops(t *testing.T) {
	h := newHarness(t, testConfig())

	done := make(chan error, 1)
	go func() {
		_, err := h.s.ListGroups(context.Background())
		done <- err
	}()
	require.Eventually(t, func() bool {
		return h.dialer.dials() == 1 && h.dialer.conn(0).count(protocol.CmdListGroups) == 1
	}, waitFor, tick)

	h.dialer.conn(0).drop(errors.New("connection reset"))
	assert.ErrorIs(t, <-done, ErrConnectionClosed)
}

func TestSession_ListGroupsContextCancelled(t *testing.T) {
	h := newHarness(t, testConfig())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.s.ListGroups(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSession_ListGroupsDialFailure(t *testing.T) {
	h := newHarness(t, testConfig())
	h.dialer.err = errors.New("refused")

	_, err := h.s.ListGroups(context.Background())
	assert.Error(t, err)
	assert.Empty(t, h.events.snapshot().unexpectedLeft)
}

func TestSession_JoinPublishesAndJoins(t *testing.T) {
	h := newHarness(t, testConfig())
	conn := h.joinAs("c1", 5)

	publish := conn.last(protocol.CmdPublish)
	assert.Equal(t, domain.GroupName("lobby"), publish.GroupName)

	answer := conn.last(protocol.CmdAnswer)
	assert.Equal(t, 5, answer.ID)
	assert.Equal(t, "answer", answer.SDP.Type)

	join := conn.last(protocol.CmdJoin)
	require.NotNil(t, join)
	assert.Equal(t, 5, join.ID)
	assert.Empty(t, join.ClientID)

	assert.Equal(t, []string{"c1"}, h.events.snapshot().joined)
	assert.Equal(t, domain.ClientID("c1"), h.s.LocalClientID())

	n := h.factory.negotiator(0)
	require.Len(t, n.iceServers, 2)
	assert.Equal(t, []string{"stun:default.test:3478"}, n.iceServers[0].URLs)
	assert.Equal(t, []string{"turn:offered.test:3478"}, n.iceServers[1].URLs)
	assertInvariants(t, h.s)

	// A second connected signal does not rejoin.
	n.emitState(core.StateConnected)
	assert.Equal(t, 1, conn.count(protocol.CmdJoin))
	assert.Len(t, h.events.snapshot().joined, 1)
}

func TestSession_FirstLocalCandidateSeedsRemoteCandidates(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.s.Join(context.Background(), "lobby"))
	conn := h.dialer.conn(0)
	conn.deliver(offer(protocol.CmdPublishOffer, 5, "c1"))
	n := h.factory.negotiator(0)

	n.emitCandidate(protocol.ICECandidate{Candidate: "candidate:local-a", SDPMid: strPtr("0")})
	n.emitCandidate(protocol.ICECandidate{Candidate: "candidate:local-b", SDPMid: strPtr("1")})

	added := n.addedCandidates()
	require.Len(t, added, 2, "remote candidates are applied once")
	for _, c := range added {
		require.NotNil(t, c.SDPMid)
		assert.Equal(t, "0", *c.SDPMid)
	}

	require.Eventually(t, func() bool { return conn.count(protocol.CmdCandidate) == 2 }, waitFor, tick)
	msgs := conn.messages()
	answerAt, firstCandidateAt := -1, -1
	for i, m := range msgs {
		if m.Command == protocol.CmdAnswer && answerAt < 0 {
			answerAt = i
		}
		if m.Command == protocol.CmdCandidate && firstCandidateAt < 0 {
			firstCandidateAt = i
			assert.Equal(t, 5, m.ID)
			require.Len(t, m.Candidates, 1)
			assert.Equal(t, "candidate:local-a", m.Candidates[0].Candidate)
		}
	}
	assert.Less(t, answerAt, firstCandidateAt, "candidates trickle after the answer")
}

func TestSession_PublishRetryThenSilentGiveUp(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.s.Join(context.Background(), "lobby"))
	conn := h.dialer.conn(0)

	for i := 1; i <= 2; i++ {
		conn.deliver(cannotCreate(protocol.CmdPublishOffer, ""))
		require.Eventually(t, func() bool { return conn.count(protocol.CmdPublish) == 1+i }, waitFor, tick)
		assert.Equal(t, StatePublishNegotiating, h.s.State())
	}

	conn.deliver(cannotCreate(protocol.CmdPublishOffer, ""))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 3, conn.count(protocol.CmdPublish))
	assert.Equal(t, StateIdle, h.s.State())
	assert.Equal(t, 0, h.factory.count())

	ev := h.events.snapshot()
	assert.Empty(t, ev.joined)
	assert.Empty(t, ev.unexpectedLeft)
	assert.Zero(t, ev.left)

	// The counter was reset: a new join starts over on the same transport.
	require.NoError(t, h.s.Join(context.Background(), "lobby"))
	assert.Equal(t, 4, conn.count(protocol.CmdPublish))
	assert.Equal(t, 1, h.dialer.dials())
}

func TestSession_PublishRetrySucceeds(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.s.Join(context.Background(), "lobby"))
	conn := h.dialer.conn(0)

	conn.deliver(cannotCreate(protocol.CmdPublishOffer, ""))
	require.Eventually(t, func() bool { return conn.count(protocol.CmdPublish) == 2 }, waitFor, tick)

	conn.deliver(offer(protocol.CmdPublishOffer, 8, "c1"))
	h.factory.negotiator(0).emitState(core.StateConnected)
	assert.Equal(t, []string{"c1"}, h.events.snapshot().joined)

	h.s.mu.Lock()
	assert.Nil(t, h.s.publishRetry)
	h.s.mu.Unlock()
}

func TestSession_PublishTerminalError(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.s.Join(context.Background(), "lobby"))
	conn := h.dialer.conn(0)

	conn.deliver(&protocol.Message{Command: protocol.CmdPublishOffer, Error: "stream limit", Code: 500})
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, 1, conn.count(protocol.CmdPublish))
	assert.Equal(t, StateIdle, h.s.State())
	assert.Empty(t, h.events.snapshot().joined)
}

func TestSession_PublishNegotiationFailureIsPerLink(t *testing.T) {
	h := newHarness(t, testConfig())
	h.factory.failRemote = errors.New("bad sdp")
	require.NoError(t, h.s.Join(context.Background(), "lobby"))
	conn := h.dialer.conn(0)

	closed := make(chan domain.ClientID, 1)
	h.s.Hooks().Publish.RegisterCloseHook(hook.CloseHookFunc(func(remote domain.ClientID) error {
		closed <- remote
		return nil
	}))

	conn.deliver(offer(protocol.CmdPublishOffer, 5, "c1"))
	select {
	case remote := <-closed:
		assert.Equal(t, domain.ClientID("c1"), remote)
	case <-time.After(waitFor):
		t.Fatal("close hook not run")
	}
	assert.True(t, h.factory.negotiator(0).isClosed())
	assert.Empty(t, h.s.LocalClientID())
	assert.Equal(t, StateIdle, h.s.State())
	assert.Empty(t, h.events.snapshot().unexpectedLeft)
	assertInvariants(t, h.s)
}

func TestSession_JoinNoticeSubscribes(t *testing.T) {
	h := newHarness(t, testConfig())
	conn := h.joinAs("c1", 5)

	n := h.subscribeTo(conn, "c2", 9)

	sub := conn.last(protocol.CmdSubscribe)
	assert.Equal(t, domain.ClientID("c2"), sub.ClientID)
	assert.Equal(t, []string{"c2"}, h.events.snapshot().userJoined)
	assert.Equal(t, []domain.ClientID{"c2"}, h.s.Peers())

	n.emitState(core.StateConnected)
	assert.Equal(t, StateJoined, h.s.State())
	assertInvariants(t, h.s)
}

func TestSession_DuplicateJoinNoticesAreIgnored(t *testing.T) {
	h := newHarness(t, testConfig())
	conn := h.joinAs("c1", 5)

	conn.deliver(protocol.NewJoinNotice("c2"))
	conn.deliver(protocol.NewJoinNotice("c2"))
	assert.Equal(t, 1, conn.count(protocol.CmdSubscribe))

	conn.deliver(offer(protocol.CmdSubscribeOffer, 9, "c2"))
	conn.deliver(protocol.NewJoinNotice("c2"))
	assert.Equal(t, 1, conn.count(protocol.CmdSubscribe))
	assert.Equal(t, []string{"c2"}, h.events.snapshot().userJoined)
	assert.Len(t, h.s.Peers(), 1)

	conn.deliver(protocol.NewJoinNotice("c1"))
	assert.Equal(t, 1, conn.count(protocol.CmdSubscribe), "never subscribe to self")
}

func TestSession_JoinNoticeBeforeJoinedIsIgnored(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.s.Join(context.Background(), "lobby"))
	conn := h.dialer.conn(0)

	conn.deliver(protocol.NewJoinNotice("c2"))
	assert.Equal(t, 0, conn.count(protocol.CmdSubscribe))
	assert.Empty(t, h.events.snapshot().userJoined)
}

func TestSession_SubscribeRetryBound(t *testing.T) {
	const max = 3
	for _, k := range []int{0, 1, 3, 4, 6} {
		t.Run(fmt.Sprintf("failures=%d", k), func(t *testing.T) {
			cfg := testConfig()
			cfg.MaxSubscribeRetries = max
			h := newHarness(t, cfg)
			conn := h.joinAs("c1", 5)
			conn.deliver(protocol.NewJoinNotice("c2"))

			for i := 1; i <= k; i++ {
				conn.deliver(cannotCreate(protocol.CmdSubscribeOffer, "c2"))
				if i > max {
					break
				}
				require.Eventually(t, func() bool { return conn.count(protocol.CmdSubscribe) == 1+i }, waitFor, tick)
			}
			time.Sleep(30 * time.Millisecond)

			assert.Equal(t, 1+min(k, max), conn.count(protocol.CmdSubscribe))
			assert.Empty(t, h.s.Peers())
			assert.Equal(t, 1, h.factory.count(), "only the publish negotiator exists")

			h.s.mu.Lock()
			_, retrying := h.s.subscribeRetries["c2"]
			_, pending := h.s.pendingSubscribes["c2"]
			h.s.mu.Unlock()
			if k > max {
				assert.False(t, retrying)
				assert.False(t, pending)
			} else {
				assert.Equal(t, k > 0, retrying)
				assert.True(t, pending)
			}
			assert.Equal(t, []string{"c2"}, h.events.snapshot().userJoined)
		})
	}
}

func TestSession_SubscribeSucceedsAfterTwoRetries(t *testing.T) {
	h := newHarness(t, testConfig())
	conn := h.joinAs("c1", 5)
	conn.deliver(protocol.NewJoinNotice("c2"))

	for i := 1; i <= 2; i++ {
		conn.deliver(cannotCreate(protocol.CmdSubscribeOffer, "c2"))
		require.Eventually(t, func() bool { return conn.count(protocol.CmdSubscribe) == 1+i }, waitFor, tick)
	}
	conn.deliver(offer(protocol.CmdSubscribeOffer, 11, "c2"))

	require.Eventually(t, func() bool {
		a := conn.last(protocol.CmdAnswer)
		return a != nil && a.ID == 11
	}, waitFor, tick)
	assert.Equal(t, 3, conn.count(protocol.CmdSubscribe), "two delayed resends")
	assert.Equal(t, []domain.ClientID{"c2"}, h.s.Peers())

	h.s.mu.Lock()
	assert.Empty(t, h.s.subscribeRetries)
	h.s.mu.Unlock()
}

func TestSession_SubscribeTerminalErrorGivesUp(t *testing.T) {
	h := newHarness(t, testConfig())
	conn := h.joinAs("c1", 5)
	conn.deliver(protocol.NewJoinNotice("c2"))

	conn.deliver(&protocol.Message{Command: protocol.CmdSubscribeOffer, ClientID: "c2", Error: "forbidden", Code: 403})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, conn.count(protocol.CmdSubscribe))
	assert.Empty(t, h.s.Peers())

	// The peer is forgotten, so a later notice starts over.
	conn.deliver(protocol.NewJoinNotice("c2"))
	assert.Equal(t, 2, conn.count(protocol.CmdSubscribe))
}

func TestSession_SubscribeOfferWithoutIDIsIgnored(t *testing.T) {
	h := newHarness(t, testConfig())
	conn := h.joinAs("c1", 5)
	conn.deliver(protocol.NewJoinNotice("c2"))

	conn.deliver(&protocol.Message{Command: protocol.CmdSubscribeOffer, ClientID: "c2"})
	assert.Empty(t, h.s.Peers())
	assert.Equal(t, 1, h.factory.count())

	conn.deliver(offer(protocol.CmdSubscribeOffer, 12, "c2"))
	assert.Equal(t, []domain.ClientID{"c2"}, h.s.Peers())
}

func TestSession_LeaveNoticeClosesLink(t *testing.T) {
	h := newHarness(t, testConfig())
	conn := h.joinAs("c1", 5)

	var closed []domain.ClientID
	h.s.Hooks().Subscribe.RegisterCloseHook(hook.CloseHookFunc(func(remote domain.ClientID) error {
		closed = append(closed, remote)
		return nil
	}))
	n := h.subscribeTo(conn, "c2", 9)

	conn.deliver(protocol.NewLeaveNotice("c2"))

	assert.True(t, n.isClosed())
	assert.Equal(t, []domain.ClientID{"c2"}, closed)
	assert.Equal(t, []string{"c2"}, h.events.snapshot().userLeft)
	assert.Empty(t, h.s.Peers())
	assert.Equal(t, StateJoined, h.s.State())
}

func TestSession_LeaveTearsDownEverything(t *testing.T) {
	h := newHarness(t, testConfig())
	conn := h.joinAs("c1", 5)
	sub := h.subscribeTo(conn, "c2", 9)

	var pubClosed, subClosed []domain.ClientID
	h.s.Hooks().Publish.RegisterCloseHook(hook.CloseHookFunc(func(r domain.ClientID) error {
		pubClosed = append(pubClosed, r)
		return nil
	}))
	h.s.Hooks().Subscribe.RegisterCloseHook(hook.CloseHookFunc(func(r domain.ClientID) error {
		subClosed = append(subClosed, r)
		return errors.New("ignored")
	}))

	require.NoError(t, h.s.Leave())
	time.Sleep(20 * time.Millisecond)

	ev := h.events.snapshot()
	assert.Equal(t, 1, ev.left)
	assert.Empty(t, ev.unexpectedLeft)
	assert.Equal(t, []domain.ClientID{"c1"}, pubClosed)
	assert.Equal(t, []domain.ClientID{"c2"}, subClosed)
	assert.True(t, h.factory.negotiator(0).isClosed())
	assert.True(t, sub.isClosed())
	assert.Empty(t, h.s.LocalClientID())
	assert.Empty(t, h.s.Peers())
	assert.Equal(t, StateLeft, h.s.State())
	assertInvariants(t, h.s)

	assert.ErrorIs(t, h.s.Leave(), ErrNotConnected)
}

func TestSession_AbnormalCloseFiresUnexpectedLeft(t *testing.T) {
	h := newHarness(t, testConfig())
	conn := h.joinAs("c1", 5)
	h.subscribeTo(conn, "c2", 9)

	conn.drop(errors.New("websocket: close 1006 (abnormal closure)"))

	ev := h.events.snapshot()
	assert.Equal(t, []string{"websocket: close 1006 (abnormal closure)"}, ev.unexpectedLeft)
	assert.Zero(t, ev.left)
	assert.Empty(t, h.s.Peers())
	assert.Empty(t, h.s.LocalClientID())
	assert.Equal(t, StateFailed, h.s.State())

	h.s.mu.Lock()
	assert.Nil(t, h.s.publishLink)
	assert.Empty(t, h.s.subscribeLinks)
	h.s.mu.Unlock()

	// A late message from the dead transport changes nothing.
	conn.deliver(protocol.NewJoinNotice("c3"))
	assert.Equal(t, []string{"c2"}, h.events.snapshot().userJoined)

	// Joining again dials a fresh transport.
	require.NoError(t, h.s.Join(context.Background(), "lobby"))
	assert.Equal(t, 2, h.dialer.dials())
}

func TestSession_NormalRemoteCloseFiresLeft(t *testing.T) {
	h := newHarness(t, testConfig())
	conn := h.joinAs("c1", 5)

	conn.drop(nil)
	assert.Equal(t, 1, h.events.snapshot().left)
	assert.Equal(t, StateLeft, h.s.State())
}

func TestSession_TeardownCancelsRetryTimers(t *testing.T) {
	cfg := testConfig()
	cfg.SubscribeRetryInterval = 50 * time.Millisecond
	cfg.PublishRetryInterval = 50 * time.Millisecond

	t.Run("subscribe", func(t *testing.T) {
		h := newHarness(t, cfg)
		conn := h.joinAs("c1", 5)
		conn.deliver(protocol.NewJoinNotice("c2"))
		conn.deliver(cannotCreate(protocol.CmdSubscribeOffer, "c2"))

		conn.drop(errors.New("gone"))
		time.Sleep(120 * time.Millisecond)
		assert.Equal(t, 1, conn.count(protocol.CmdSubscribe))
	})

	t.Run("publish", func(t *testing.T) {
		h := newHarness(t, cfg)
		require.NoError(t, h.s.Join(context.Background(), "lobby"))
		conn := h.dialer.conn(0)
		conn.deliver(cannotCreate(protocol.CmdPublishOffer, ""))

		require.NoError(t, h.s.Leave())
		time.Sleep(120 * time.Millisecond)
		assert.Equal(t, 1, conn.count(protocol.CmdPublish))
	})

	t.Run("peer leaves", func(t *testing.T) {
		h := newHarness(t, cfg)
		conn := h.joinAs("c1", 5)
		conn.deliver(protocol.NewJoinNotice("c2"))
		conn.deliver(cannotCreate(protocol.CmdSubscribeOffer, "c2"))
		conn.deliver(protocol.NewLeaveNotice("c2"))

		time.Sleep(120 * time.Millisecond)
		assert.Equal(t, 1, conn.count(protocol.CmdSubscribe))
		assert.Equal(t, []string{"c2"}, h.events.snapshot().userLeft)
	})
}

func TestSession_HookFailuresDoNotStopNegotiation(t *testing.T) {
	h := newHarness(t, testConfig())
	var seen []string
	h.s.Hooks().Publish.RegisterCreateHook(hook.CreateHookFunc(func(domain.ClientID, core.Negotiator) error {
		panic("extension bug")
	}))
	h.s.Hooks().Publish.RegisterCreateHook(hook.CreateHookFunc(func(domain.ClientID, core.Negotiator) error {
		return errors.New("extension error")
	}))
	h.s.Hooks().Publish.RegisterCreateHook(hook.CreateHookFunc(func(remote domain.ClientID, n core.Negotiator) error {
		seen = append(seen, string(remote))
		assert.NotNil(t, n)
		return nil
	}))

	h.joinAs("c1", 5)
	assert.Equal(t, []string{"c1"}, seen)
	assert.Equal(t, []string{"c1"}, h.events.snapshot().joined)
}

func TestSession_JoinErrors(t *testing.T) {
	t.Run("invalid group", func(t *testing.T) {
		h := newHarness(t, testConfig())
		assert.ErrorIs(t, h.s.Join(context.Background(), ""), domain.ErrGroupNameEmpty)
		assert.Zero(t, h.dialer.dials())
	})

	t.Run("already joining", func(t *testing.T) {
		h := newHarness(t, testConfig())
		require.NoError(t, h.s.Join(context.Background(), "lobby"))
		assert.ErrorIs(t, h.s.Join(context.Background(), "stage"), ErrAlreadyJoined)
	})

	t.Run("dial failure", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.dialer.err = errors.New("connection refused")

		err := h.s.Join(context.Background(), "lobby")
		require.Error(t, err)
		assert.Equal(t, StateFailed, h.s.State())
		ev := h.events.snapshot()
		require.Len(t, ev.unexpectedLeft, 1)
		assert.Contains(t, ev.unexpectedLeft[0], "connection refused")
	})

	t.Run("closed", func(t *testing.T) {
		h := newHarness(t, testConfig())
		h.joinAs("c1", 5)
		require.NoError(t, h.s.Close())
		assert.ErrorIs(t, h.s.Join(context.Background(), "lobby"), ErrClosed)
		assert.Equal(t, 1, h.events.snapshot().left)
		assert.NoError(t, h.s.Close())
	})
}

func TestSession_MalformedFramesAreDropped(t *testing.T) {
	h := newHarness(t, testConfig())
	conn := h.joinAs("c1", 5)

	assert.NotPanics(t, func() {
		conn.h.OnMessage(core.Frame("not json"))
		conn.h.OnMessage(core.Frame(`{"command":"mystery"}`))
	})
	assert.Equal(t, StateJoined, h.s.State())
}

func TestSession_RefusedSubscribeRequestIsNotLeftPending(t *testing.T) {
	h := newHarness(t, testConfig())
	conn := h.joinAs("c1", 1)

	conn.refuseCommand(protocol.CmdSubscribe)
	conn.deliver(protocol.NewJoinNotice("c2"))
	assert.Equal(t, 0, conn.count(protocol.CmdSubscribe))
	assert.Equal(t, []string{"c2"}, h.events.snapshot().userJoined)

	conn.refuseCommand("")
	conn.deliver(protocol.NewJoinNotice("c2"))
	assert.Equal(t, 1, conn.count(protocol.CmdSubscribe), "a later notice subscribes again")
	assert.Equal(t, []string{"c2", "c2"}, h.events.snapshot().userJoined)
}

func TestSession_RefusedJoinFailsSession(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.s.Join(context.Background(), "lobby"))
	conn := h.dialer.conn(0)

	conn.deliver(offer(protocol.CmdPublishOffer, 1, "c1"))
	require.Eventually(t, func() bool { return conn.last(protocol.CmdAnswer) != nil }, waitFor, tick)

	conn.refuseCommand(protocol.CmdJoin)
	h.factory.negotiator(0).emitState(core.StateConnected)

	assert.Equal(t, StateFailed, h.s.State())
	ev := h.events.snapshot()
	assert.Empty(t, ev.joined)
	require.Len(t, ev.unexpectedLeft, 1)
	assert.Contains(t, ev.unexpectedLeft[0], "join not sent")
	assert.True(t, h.factory.negotiator(0).isClosed())
}
