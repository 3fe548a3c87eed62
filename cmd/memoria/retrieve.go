package main

import (
	"encoding/json"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/MrWong99/memoria/pkg/memory"
)

func newRetrieveCmd(opts *rootOptions) *cobra.Command {
	var (
		q    memory.MemoryRetrievalQuery
		text string
	)
	cmd := &cobra.Command{
		Use:   "retrieve",
		Short: "Retrieve ranked memory for a session and print it as JSON",
		Long: "Rank characters, facts and relationships for --session, optionally narrowed to " +
			"--character and biased toward --text through the vector index, and truncate " +
			"the result to --budget estimated tokens. A batch below retrieval.relevance_floor " +
			"is printed empty with below_floor set.",
		Example: `  memoria retrieve --session s1 --character alice --text "what does alice drink"`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := q.Validate(); err != nil {
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

			res, err := application.RetrieveText(cmd.Context(), text, q)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&q.SessionID, "session", "s", "", "session to retrieve for (required)")
	f.StringSliceVar(&q.CharacterIDs, "character", nil, "restrict the scope to these entity IDs (repeatable)")
	f.StringVarP(&text, "text", "t", "", "free text embedded as the query vector")
	f.IntVar(&q.Limits.Characters, "limit-characters", 5, "maximum characters returned")
	f.IntVar(&q.Limits.Facts, "limit-facts", 20, "maximum facts returned")
	f.IntVar(&q.Limits.Relationships, "limit-relationships", 20, "maximum relationships returned")
	f.IntVar(&q.TokenBudget, "budget", 1000, "token budget for the result")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}
