package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/harun/relay/internal/config"
	"github.com/harun/relay/pkg/channels"
	"github.com/harun/relay/pkg/store"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	connectionsUser string
	connectionsJSON bool
)

var connectionsCmd = &cobra.Command{
	Use:   "connections",
	Short: "List stored channel connections",
	Long: `List the channel connections recorded in the relay database.
Credentials are never printed.`,
	RunE: runConnections,
}

func init() {
	connectionsCmd.Flags().StringVar(&connectionsUser, "user", "", "list connections of this user (default is user_id from config)")
	connectionsCmd.Flags().BoolVar(&connectionsJSON, "json", false, "print as JSON")
	rootCmd.AddCommand(connectionsCmd)
}

type connectionRow struct {
	ID          string               `json:"id"`
	UserID      string               `json:"user_id"`
	CharacterID string               `json:"character_id"`
	ChannelType channels.ChannelType `json:"channel_type"`
	Status      channels.Status      `json:"status"`
	LastError   string               `json:"last_error,omitempty"`
}

func runConnections(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	user := connectionsUser
	if user == "" {
		user = cfg.UserID
	}

	conns, err := storedConnections(cmd.Context(), cfg, user)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if connectionsJSON {
		rows := make([]connectionRow, 0, len(conns))
		for _, c := range conns {
			rows = append(rows, toRow(c))
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}
	if len(conns) == 0 {
		fmt.Fprintln(out, "No connections")
		return nil
	}
	return writeConnections(out, conns)
}

// storedConnections reads connections without creating a database that
// does not exist yet.
func storedConnections(ctx context.Context, cfg *config.Config, userID string) ([]channels.ChannelConnection, error) {
	path := cfg.DatabasePath()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}
	st, err := store.Open(path, zerolog.Nop())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer st.Close()

	conns, err := st.ListConnections(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	return conns, nil
}

func toRow(c channels.ChannelConnection) connectionRow {
	return connectionRow{
		ID:          c.ID,
		UserID:      c.UserID,
		CharacterID: c.CharacterID,
		ChannelType: c.ChannelType,
		Status:      c.Status,
		LastError:   c.LastError,
	}
}

func writeConnections(out io.Writer, conns []channels.ChannelConnection) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCHANNEL\tCHARACTER\tSTATUS\tLAST ERROR")
	for _, c := range conns {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.ChannelType, c.CharacterID, c.Status, c.LastError)
	}
	return w.Flush()
}
