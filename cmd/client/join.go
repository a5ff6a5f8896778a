package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/sfusignal/internal/adapters/rtc"
	"github.com/dkeye/sfusignal/internal/client"
	"github.com/dkeye/sfusignal/internal/core"
	"github.com/dkeye/sfusignal/internal/domain"
	"github.com/dkeye/sfusignal/internal/hook"
)

var joinCmd = &cobra.Command{
	Use:   "join <group>",
	Short: "Publish into a group and subscribe to its members until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE:  runJoin,
}

var errConnectionLost = errors.New("connection lost")

func runJoin(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := newSession()
	lost := make(chan string, 1)
	s.OnJoined(func(id domain.ClientID) {
		log.Info().Str("client_id", string(id)).Msg("joined")
	})
	s.OnUserJoined(func(id domain.ClientID) {
		log.Info().Str("peer", string(id)).Msg("user joined")
	})
	s.OnUserLeft(func(id domain.ClientID) {
		log.Info().Str("peer", string(id)).Msg("user left")
	})
	s.OnUnexpectedLeft(func(reason string) {
		select {
		case lost <- reason:
		default:
		}
	})
	s.Hooks().Subscribe.RegisterCreateHook(hook.CreateHookFunc(drainRemoteTracks))

	if err := s.Join(ctx, domain.GroupName(args[0])); err != nil {
		return fmt.Errorf("join %s: %w", args[0], err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case reason := <-lost:
			return fmt.Errorf("%w: %s", errConnectionLost, reason)
		}
	})
	g.Go(func() error {
		t := time.NewTicker(30 * time.Second)
		defer t.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-t.C:
				log.Info().Stringer("state", s.State()).Int("peers", len(s.Peers())).Msg("status")
			}
		}
	})
	err := g.Wait()

	if lerr := s.Leave(); lerr != nil && !errors.Is(lerr, client.ErrNotConnected) {
		log.Warn().Err(lerr).Msg("leave")
	}
	return err
}

// drainRemoteTracks logs every track a subscribe link receives and reads it
// so the receiver keeps flowing.
func drainRemoteTracks(remote domain.ClientID, n core.Negotiator) error {
	conn, ok := n.(*rtc.Connection)
	if !ok {
		return nil
	}
	conn.PeerConnection().OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().Str("peer", string(remote)).
			Str("kind", track.Kind().String()).
			Str("codec", track.Codec().MimeType).
			Msg("remote track")
		go func() {
			var packets int
			for {
				pkt, _, err := track.ReadRTP()
				if err != nil {
					log.Debug().Err(err).Str("peer", string(remote)).Int("packets", packets).Msg("track ended")
					return
				}
				packets++
				if packets == 1 {
					log.Debug().Str("peer", string(remote)).Uint32("ssrc", pkt.SSRC).Msg("first packet")
				}
			}
		}()
	})
	return nil
}
