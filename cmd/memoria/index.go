package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func newIndexCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Maintain the vector index",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "save",
			Short: "Load the vector index and write it back with the current settings",
			Long: "Rewrite the index file, e.g. after changing vector_index.compress or " +
				"vector_index.encryption_key.",
			Args: cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := opts.loadConfig(cmd)
				if err != nil {
					return err
				}
				application, err := openApp(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				defer func() {
					if err := shutdown(application); err != nil {
						slog.Warn("shutdown error", "err", err)
					}
				}()
				if err := application.SaveIndex(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "saved %d vectors to %s\n", application.IndexLen(), cfg.VectorIndex.Backend)
				return nil
			},
		},
		&cobra.Command{
			Use:   "rebuild",
			Short: "Re-embed every character and fact in the store into the vector index",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := opts.loadConfig(cmd)
				if err != nil {
					return err
				}
				application, err := openApp(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				defer func() {
					if err := shutdown(application); err != nil {
						slog.Warn("shutdown error", "err", err)
					}
				}()
				stats, err := application.Reindex(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "indexed %d characters and %d facts, %d failed\n", stats.Characters, stats.Facts, stats.Failed)
				return nil
			},
		},
	)
	return cmd
}
