package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/54b3r/docchat-go/internal/logging"
	"github.com/54b3r/docchat-go/internal/provider"
)

// NewAskCmd constructs the `docchat ask` command, which sends a single
// question through the pipeline and streams the answer to stdout.
func NewAskCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Ask a question about your indexed documents",
		Long: `Ask a natural language question about the documents indexed with
'docchat ingest'. The answer streams to stdout as it is generated and is
grounded in the most relevant indexed passages; the sources used are listed
afterwards on stderr.

Conversation history is kept per session, so follow-up questions can refer
back to earlier answers.

Examples:
  docchat ask "when is the migration deadline?"
  docchat ask --session project-x "what did we decide about retries?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()
			ctx = logging.WithLogger(ctx, log)

			chatModel, err := provider.NewFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("ask: failed to initialise model provider: %w", err)
			}

			retriever, _, vs, err := buildRetriever(ctx, log)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}
			defer vs.Close()

			history, closeHistory := buildHistoryStore(log)
			defer closeHistory()

			orc, _, err := buildOrchestrator(chatModel, retriever, history)
			if err != nil {
				return fmt.Errorf("ask: %w", err)
			}

			question := strings.Join(args, " ")

			res, err := orc.Ask(ctx, sessionID, question, func(delta string) {
				fmt.Print(delta)
			})
			if err != nil {
				return err //nolint:wrapcheck // CLI entry point — error goes directly to cobra
			}
			fmt.Println()

			if len(res.Sources) > 0 {
				fmt.Fprintf(os.Stderr, "\nsources: %s\n", strings.Join(res.Sources, ", "))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "cli", "Conversation session to use")

	return cmd
}
