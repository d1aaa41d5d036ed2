package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/peiwan-ops/pwatch/internal/utils"
	"github.com/peiwan-ops/pwatch/pkg/api"
)

var notificationsCmd = &cobra.Command{
	Use:     "notifications",
	Aliases: []string{"n"},
	Short:   "List and acknowledge notifications",
}

var notificationsUnreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Print the unread notifications",
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		a, _, err := requireLogin(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		count, err := a.client.UnreadCount(cmd.Context())
		if err != nil {
			return err
		}
		list, err := a.client.UnreadNotifications(cmd.Context(), limit)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d unread\n", count)
		printNotifications(cmd.OutOrStdout(), list)
		return nil
	},
}

var notificationsTypeCmd = &cobra.Command{
	Use:   "type <TYPE>",
	Short: "Print unread notifications of one type (e.g. " + api.TypeOrderAssignment + ")",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, _, err := requireLogin(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		list, err := a.notifier.UnreadByType(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		printNotifications(cmd.OutOrStdout(), list)
		return nil
	},
}

var notificationsReadCmd = &cobra.Command{
	Use:   "read <id>...",
	Short: "Mark notifications as read",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ids := make([]int64, 0, len(args))
		for _, arg := range args {
			id, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				return fmt.Errorf("bad notification id %q", arg)
			}
			ids = append(ids, id)
		}

		a, _, err := requireLogin(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		if len(ids) == 1 {
			err = a.notifier.MarkAsRead(cmd.Context(), ids[0])
		} else {
			err = a.notifier.MarkBatchAsRead(cmd.Context(), ids)
		}
		if err != nil {
			return err
		}
		markHistoryRead(cmd, ids...)
		fmt.Fprintf(cmd.OutOrStdout(), "Marked %d as read, %d unread left\n", len(ids), a.notifier.UnreadCount())
		return nil
	},
}

var notificationsReadAllCmd = &cobra.Command{
	Use:   "read-all",
	Short: "Mark every notification as read",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, _, err := requireLogin(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		if err := a.notifier.MarkAllAsRead(cmd.Context()); err != nil {
			return err
		}
		markHistoryRead(cmd)
		fmt.Fprintf(cmd.OutOrStdout(), "All read, %d unread left\n", a.notifier.UnreadCount())
		return nil
	},
}

var notificationsHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Print notifications recorded by 'watch --db'",
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		unreadOnly, _ := cmd.Flags().GetBool("unread")
		dbPath, _ := cmd.Flags().GetString("dbpath")

		db, err := openHistoryDB(dbPath)
		if err != nil {
			return err
		}
		defer db.Close()

		list, err := db.ListNotifications(cmd.Context(), limit, unreadOnly)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tRECEIVED\tTYPE\tREAD\tCONTENT")
		for _, n := range list {
			fmt.Fprintf(w, "%d\t%s\t%s\t%t\t%s\n", n.ID, n.ReceivedAt.Local().Format("2006-01-02 15:04:05"), n.Type, n.Read, firstNonEmpty(n.Title, n.Content))
		}
		return w.Flush()
	},
}

func init() {
	rootCmd.AddCommand(notificationsCmd)
	notificationsCmd.AddCommand(notificationsUnreadCmd, notificationsTypeCmd, notificationsReadCmd, notificationsReadAllCmd, notificationsHistoryCmd)

	notificationsCmd.PersistentFlags().String("dbpath", "", "Path to SQLite DB file (default: db.path or ~/.config/pwatch/pwatch.sqlite)")
	notificationsUnreadCmd.Flags().Int("limit", 20, "Maximum notifications to fetch")
	notificationsHistoryCmd.Flags().Int("limit", 50, "Number of notifications to show")
	notificationsHistoryCmd.Flags().Bool("unread", false, "Only show notifications not marked as read")
}

func printNotifications(out io.Writer, list []api.Notification) {
	if len(list) == 0 {
		fmt.Fprintln(out, "No notifications.")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tTYPE\tCONTENT")
	for _, n := range list {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", n.ID, n.CreateTime, n.Type, firstNonEmpty(n.Title, n.Content))
	}
	w.Flush()
}

// markHistoryRead mirrors a read mark into the local history when one
// exists. Failures only warn.
func markHistoryRead(cmd *cobra.Command, ids ...int64) {
	dbPath, _ := cmd.Flags().GetString("dbpath")
	abs, err := resolveDBPath(dbPath)
	if err != nil {
		return
	}
	if _, err := os.Stat(abs); err != nil {
		return
	}
	// A running 'watch --db' holds the lock for its whole run.
	ctx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
	defer cancel()
	db, unlock, err := openLockedDB(ctx, abs)
	if err != nil {
		utils.Log.Warnf("Could not open history: %v", err)
		return
	}
	defer unlock()
	defer db.Close()
	if err := db.MarkNotificationsRead(ctx, ids...); err != nil {
		utils.Log.Warnf("Could not update history: %v", err)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
