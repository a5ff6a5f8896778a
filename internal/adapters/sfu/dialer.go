// Package sfu opens the relay's SFU-facing negotiation sockets.
package sfu

import (
	"context"
	"fmt"
	"net/url"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/sfusignal/internal/adapters/ws"
	"github.com/dkeye/sfusignal/internal/core"
	"github.com/dkeye/sfusignal/internal/domain"
	"github.com/dkeye/sfusignal/internal/protocol"
)

// Dialer connects to {base}/app/{clientId}, adding direction=send for
// publishing sockets, and asks the SFU for an offer right after the handshake.
type Dialer struct {
	base *url.URL
	ws   *ws.Dialer
}

func NewDialer(baseURL string, opts ws.Options) (*Dialer, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse sfu url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("sfu url %q: scheme must be ws or wss", baseURL)
	}
	return &Dialer{base: u, ws: ws.NewDialer(opts)}, nil
}

// StreamURL returns the negotiation endpoint for one client stream.
func (d *Dialer) StreamURL(clientID domain.ClientID, mode core.SFUMode) string {
	u := d.base.JoinPath("app", string(clientID))
	if mode == core.ModeSend {
		q := u.Query()
		q.Set("direction", "send")
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (d *Dialer) DialSFU(ctx context.Context, clientID domain.ClientID, mode core.SFUMode, h core.SignalHandler) (core.SignalConnection, error) {
	target := d.StreamURL(clientID, mode)
	conn, err := d.ws.DialConn(ctx, target, h)
	if err != nil {
		return nil, err
	}

	req, err := protocol.Encode(protocol.NewRequestOffer())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.TrySend(req); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("request offer: %w", err)
	}

	log.Debug().Str("module", "sfu").
		Str("client_id", string(clientID)).
		Stringer("mode", mode).
		Str("url", target).
		Msg("negotiation socket open")
	return conn, nil
}
