package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/MrWong99/memoria/internal/ingest"
)

func newIngestCmd(opts *rootOptions) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest turns given as a stream of JSON objects",
		Long: "Read one or more turn objects ({\"session_id\", \"character_id\", \"turn\", \"events\"}) " +
			"from --file or stdin and commit each in its own transaction. The result of every " +
			"turn is written to stdout as JSON. Processing stops at the first failing turn.",
		Example: `  echo '{"session_id":"s1","character_id":"alice","turn":{"speaker_id":"alice","text":"I love this town!"}}' | memoria ingest`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}

			in := cmd.InOrStdin()
			if file != "" && file != "-" {
				f, err := os.Open(file)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
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

			dec := json.NewDecoder(in)
			dec.DisallowUnknownFields()
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			for n := 1; ; n++ {
				var turn ingest.TurnInput
				if err := dec.Decode(&turn); errors.Is(err, io.EOF) {
					slog.Info("ingest complete", "turns", n-1)
					return nil
				} else if err != nil {
					return fmt.Errorf("turn %d: decode: %w", n, err)
				}

				res, err := application.Ingest(cmd.Context(), turn)
				if err != nil {
					return fmt.Errorf("turn %d: %w", n, err)
				}
				if err := enc.Encode(res); err != nil {
					return err
				}
			}
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "-", "file holding the turn objects, - for stdin")
	return cmd
}
