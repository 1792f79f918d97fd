package commands

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/54b3r/docchat-go/internal/logging"
	"github.com/54b3r/docchat-go/internal/session"
	"github.com/54b3r/docchat-go/internal/store"
)

// NewResetCmd constructs the `docchat reset` command, which clears the
// persisted conversation history for a session.
func NewResetCmd() *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear conversation history for a session",
		Long: `Delete the persisted conversation turns for a session so the next
question starts from a clean slate. The indexed documents are not touched.

Examples:
  docchat reset
  docchat reset --session project-x`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := logging.New()

			dbPath := getEnvOrDefault("DOCCHAT_HISTORY_DB", "")
			if dbPath == "disabled" {
				log.Info("history: persistence disabled, nothing to reset")
				return nil
			}
			if dbPath == "" {
				var err error
				dbPath, err = store.DefaultDBPath()
				if err != nil {
					return fmt.Errorf("reset: %w", err)
				}
			}

			hs, err := store.Open(dbPath)
			if err != nil {
				return fmt.Errorf("reset: failed to open history store: %w", err)
			}
			defer hs.Close()

			id := sessionID
			if id == "" {
				id = session.DefaultID
			}

			if err := hs.DeleteSession(ctx, id); err != nil {
				return fmt.Errorf("reset: %w", err)
			}

			log.Info("history cleared", slog.String("session", id))
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "cli", "Conversation session to clear")

	return cmd
}
