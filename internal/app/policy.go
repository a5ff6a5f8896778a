package app

import (
	"github.com/dkeye/sfusignal/internal/domain"
	"github.com/dkeye/sfusignal/internal/protocol"
)

type BackpressureAction int

const (
	DropMessage BackpressureAction = iota
	Disconnect
)

func (a BackpressureAction) String() string {
	if a == Disconnect {
		return "disconnect"
	}
	return "drop"
}

// Policy decides what happens when a message cannot be queued for a client.
type Policy interface {
	OnBackPressure(client domain.ClientID, m *protocol.Message) BackpressureAction
}

// SimplePolicy disconnects any client that falls behind.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(domain.ClientID, *protocol.Message) BackpressureAction {
	return Disconnect
}

// TolerantPolicy drops group listings for a slow client and disconnects it
// for anything else.
type TolerantPolicy struct{}

func (TolerantPolicy) OnBackPressure(_ domain.ClientID, m *protocol.Message) BackpressureAction {
	if m.Command == protocol.CmdListGroups {
		return DropMessage
	}
	return Disconnect
}
