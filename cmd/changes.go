package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/peiwan-ops/pwatch/pkg/storage"
)

var changesCmd = &cobra.Command{
	Use:   "changes",
	Short: "Show recent record changes logged by 'watch --db' (default 50)",
	RunE: func(cmd *cobra.Command, _ []string) error {
		dbPath, _ := cmd.Flags().GetString("dbpath")
		limit, _ := cmd.Flags().GetInt("limit")
		key, _ := cmd.Flags().GetString("view")
		kind, _ := cmd.Flags().GetString("kind")
		since, _ := cmd.Flags().GetString("since")

		q := storage.ChangeQuery{Limit: limit, PollKey: key, Kind: kind}
		if since != "" {
			t, err := time.Parse(time.RFC3339, since)
			if err != nil {
				return fmt.Errorf("invalid --since value, want RFC3339: %w", err)
			}
			q.Since = t
		}

		db, err := openHistoryDB(dbPath)
		if err != nil {
			return err
		}
		defer db.Close()

		changes, err := db.ListRecentChanges(cmd.Context(), q)
		if err != nil {
			return err
		}
		for _, c := range changes {
			ts := c.OccurredAt.Local().Format("2006-01-02 15:04:05")
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %-7s  %-16s  %s\n", ts, c.ChangeType, c.PollKey, c.Summary)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(changesCmd)
	changesCmd.Flags().String("dbpath", "", "Path to SQLite DB file (default: db.path or ~/.config/pwatch/pwatch.sqlite)")
	changesCmd.Flags().Int("limit", 50, "Number of recent changes to show")
	changesCmd.Flags().String("view", "", "Only show changes of this view (e.g. cs-employees)")
	changesCmd.Flags().String("kind", "", "Only show changes of this record kind: employee, order, user")
	changesCmd.Flags().String("since", "", "Only show changes since this RFC3339 timestamp")
}
