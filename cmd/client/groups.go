package main

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dkeye/sfusignal/internal/domain"
)

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List the groups that currently have members",
	Args:  cobra.NoArgs,
	RunE:  runGroups,
}

func runGroups(cmd *cobra.Command, _ []string) error {
	s := newSession()
	defer func() { _ = s.Close() }()

	var groups []domain.GroupName
	op := func() error {
		ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		var err error
		groups, err = s.ListGroups(ctx)
		return err
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), cmd.Context())
	notify := func(err error, next time.Duration) {
		log.Warn().Err(err).Dur("retry_in", next).Msg("list groups failed")
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return fmt.Errorf("list groups: %w", err)
	}

	for _, g := range groups {
		fmt.Fprintln(cmd.OutOrStdout(), g)
	}
	return nil
}
