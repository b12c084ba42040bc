package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/pitchly-go/internal/cache"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the query result cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Discard every cached query result",
		Args:  cobra.NoArgs,
		RunE:  runCacheClear,
	})

	return cmd
}

func runCacheClear(cmd *cobra.Command, _ []string) error {
	logger := buildLogger()
	path := resolvedCfg.EffectiveCachePath()

	store, err := cache.Open(path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Reset(cmd.Context()); err != nil {
		return err
	}

	logger.Info("result cache cleared", slog.String("path", path))
	statusf("Cache cleared.\n")

	return nil
}
