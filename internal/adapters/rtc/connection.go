package rtc

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/sfusignal/internal/core"
	"github.com/dkeye/sfusignal/internal/protocol"
)

var ErrNoLocalDescription = errors.New("no local description")

// Connection implements core.Negotiator on top of a pion PeerConnection.
type Connection struct {
	pc *webrtc.PeerConnection

	mu      sync.RWMutex
	onICE   func(protocol.ICECandidate)
	onState func(core.ConnectionState)
}

// ToWebRTCConfig converts wire ICE servers into a pion configuration.
func ToWebRTCConfig(servers []protocol.IceServer) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	for _, s := range servers {
		ice := webrtc.ICEServer{URLs: append([]string(nil), s.URLs...)}
		if s.Username != "" {
			ice.Username = s.Username
			ice.Credential = s.Credential
		}
		cfg.ICEServers = append(cfg.ICEServers, ice)
	}
	return cfg
}

func NewConnection(cfg webrtc.Configuration) (*Connection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	c := &Connection{pc: pc}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.RLock()
		fn := c.onICE
		c.mu.RUnlock()
		if fn != nil {
			fn(fromInit(cand.ToJSON()))
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug().Str("module", "webrtc").Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.RLock()
		fn := c.onState
		c.mu.RUnlock()
		if fn != nil {
			fn(toState(s))
		}
	})

	return c, nil
}

// NewFactory returns a core.NegotiatorFactory building pion connections.
func NewFactory() core.NegotiatorFactory {
	return func(servers []protocol.IceServer) (core.Negotiator, error) {
		return NewConnection(ToWebRTCConfig(servers))
	}
}

// PeerConnection exposes the underlying connection to media hooks.
func (c *Connection) PeerConnection() *webrtc.PeerConnection { return c.pc }

func (c *Connection) SetRemoteDescription(sd protocol.SessionDescription) error {
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(sd.Type),
		SDP:  sd.SDP,
	})
}

func (c *Connection) CreateAnswer() (protocol.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.SessionDescription{}, err
	}
	return protocol.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP}, nil
}

func (c *Connection) SetLocalDescription(sd protocol.SessionDescription) error {
	return c.pc.SetLocalDescription(webrtc.SessionDescription{
		Type: webrtc.NewSDPType(sd.Type),
		SDP:  sd.SDP,
	})
}

// LocalDescription returns the current local SDP.
func (c *Connection) LocalDescription() (protocol.SessionDescription, error) {
	ld := c.pc.LocalDescription()
	if ld == nil {
		return protocol.SessionDescription{}, ErrNoLocalDescription
	}
	return protocol.SessionDescription{Type: ld.Type.String(), SDP: ld.SDP}, nil
}

func (c *Connection) AddICECandidate(ci protocol.ICECandidate) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     ci.Candidate,
		SDPMid:        ci.SDPMid,
		SDPMLineIndex: ci.SDPMLineIndex,
	})
}

func (c *Connection) OnLocalICECandidate(fn func(protocol.ICECandidate)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = fn
}

func (c *Connection) OnConnectionStateChange(fn func(core.ConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

func (c *Connection) Close() error {
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Msg("close error")
		return err
	}
	log.Debug().Str("module", "webrtc").Msg("closed")
	return nil
}

func fromInit(ci webrtc.ICECandidateInit) protocol.ICECandidate {
	return protocol.ICECandidate{
		Candidate:     ci.Candidate,
		SDPMid:        ci.SDPMid,
		SDPMLineIndex: ci.SDPMLineIndex,
	}
}

func toState(s webrtc.PeerConnectionState) core.ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return core.StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return core.StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return core.StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return core.StateFailed
	case webrtc.PeerConnectionStateClosed:
		return core.StateClosed
	default:
		return core.StateNew
	}
}
