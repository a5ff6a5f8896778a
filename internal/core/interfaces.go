package core

import (
	"context"

	"github.com/dkeye/sfusignal/internal/domain"
	"github.com/dkeye/sfusignal/internal/protocol"
)

// Frame is one encoded protocol message.
type Frame []byte

// SignalConnection abstracts a duplex message transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close() error
}

// SignalHandler receives inbound frames for one connection. Calls are
// serialized per connection. OnClosed is delivered exactly once; a nil error
// means the peer (or we) closed normally.
type SignalHandler interface {
	OnMessage(Frame)
	OnClosed(err error)
}

// SignalDialer opens a client-side connection and starts delivering to h.
type SignalDialer interface {
	Dial(ctx context.Context, url string, h SignalHandler) (SignalConnection, error)
}

// SFUMode selects which way media flows on an SFU negotiation socket.
type SFUMode int

const (
	ModeSend SFUMode = iota
	ModeReceive
)

func (m SFUMode) String() string {
	if m == ModeSend {
		return "send"
	}
	return "receive"
}

// SFUDialer opens one dedicated negotiation socket against the SFU and
// solicits its offer.
type SFUDialer interface {
	DialSFU(ctx context.Context, clientID domain.ClientID, mode SFUMode, h SignalHandler) (SignalConnection, error)
}

type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Negotiator is the answering side of one offer/answer exchange.
type Negotiator interface {
	SetRemoteDescription(protocol.SessionDescription) error
	CreateAnswer() (protocol.SessionDescription, error)
	SetLocalDescription(protocol.SessionDescription) error
	AddICECandidate(protocol.ICECandidate) error
	// OnLocalICECandidate sets a callback for newly gathered local candidates.
	OnLocalICECandidate(func(protocol.ICECandidate))
	OnConnectionStateChange(func(ConnectionState))
	Close() error
}

// NegotiatorFactory builds a Negotiator using the given ICE servers.
type NegotiatorFactory func(iceServers []protocol.IceServer) (Negotiator, error)
