package main

import (
	"context"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/dkeye/sfusignal/internal/adapters/rtc"
	"github.com/dkeye/sfusignal/internal/adapters/ws"
	"github.com/dkeye/sfusignal/internal/client"
	"github.com/dkeye/sfusignal/internal/config"
)

var (
	v = viper.New()

	rootCmd = &cobra.Command{
		Use:               "sfusignal-client",
		Short:             "Join SFU groups through a signaling relay",
		SilenceUsage:      true,
		PersistentPreRunE: setup,
	}

	cfg *config.ClientConfig
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("server-url", "", "relay websocket URL")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.Int("max-publish-retries", 0, "publish attempts after the SFU cannot create an offer")
	flags.Duration("publish-retry-interval", 0, "delay between publish attempts")
	flags.Int("max-subscribe-retries", 0, "subscribe attempts per peer")
	flags.Duration("subscribe-retry-interval", 0, "delay between subscribe attempts")

	// flag names use dashes, config keys use underscores
	flags.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})

	rootCmd.AddCommand(groupsCmd, joinCmd)
}

func setup(*cobra.Command, []string) error {
	var err error
	cfg, err = config.LoadClient(v)
	if err != nil {
		return err
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}
	return nil
}

func newSession() *client.Session {
	return client.NewSession(cfg, ws.NewDialer(ws.DefaultOptions()), rtc.NewFactory())
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
