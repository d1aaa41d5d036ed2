package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/peiwan-ops/pwatch/internal/utils"
	"github.com/peiwan-ops/pwatch/pkg/api"
	"github.com/peiwan-ops/pwatch/pkg/diff"
	"github.com/peiwan-ops/pwatch/pkg/notify"
	"github.com/peiwan-ops/pwatch/pkg/polling"
	"github.com/peiwan-ops/pwatch/pkg/storage"
)

var errSessionEnded = errors.New("session ended, log in again")

// watchCmd implements: pwatch watch
//
//	--views string[]        Views to poll (default: every view of your role)
//	--db                    Log changes and notifications to SQLite
//	--dbpath string         Path to the SQLite file (default: db.path or ~/.config/pwatch/pwatch.sqlite)
//	--no-notifications      Do not poll notifications
var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Poll your views and notifications and print every change",
	Long: `Logs in, starts one smart poll per view your role may open and the
notification poller, then prints changes until interrupted.

Send SIGUSR1 to pause polling and SIGUSR2 to resume it.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			return fmt.Errorf("unknown command: '%s'. See 'pwatch watch --help'", args[0])
		}
		opts := watchOptions{out: cmd.OutOrStdout()}
		opts.views, _ = cmd.Flags().GetStringSlice("views")
		opts.useDB, _ = cmd.Flags().GetBool("db")
		opts.dbPath, _ = cmd.Flags().GetString("dbpath")
		opts.noNotifications, _ = cmd.Flags().GetBool("no-notifications")
		return runWatch(cmd.Context(), opts)
	},
}

type watchOptions struct {
	views           []string
	useDB           bool
	dbPath          string
	noNotifications bool
	out             io.Writer
}

func runWatch(parent context.Context, opts watchOptions) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rec := &changePrinter{out: opts.out}
	if opts.useDB {
		db, unlock, err := openLockedDB(parent, opts.dbPath)
		if err != nil {
			return err
		}
		defer unlock()
		defer db.Close()
		rec.db = db
	}

	// Closed before the database so no tick writes after it.
	a, user, err := requireLogin(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	selected, err := selectViews(opts.views, user.Role)
	if err != nil {
		return err
	}

	// Registered before any poll starts so a rejected first fetch
	// still ends the command.
	ended := make(chan struct{})
	var endOnce sync.Once
	a.guard.OnTeardown(func() { endOnce.Do(func() { close(ended) }) })

	for _, v := range selected {
		d := a.guard.Navigate(ctx, v.Route)
		if !d.Allowed {
			utils.Log.Warnf("Skipping %s: not allowed for role %s (redirected to %s)", v.Key, user.Role, d.Location())
			continue
		}
		a.registry.StartSmartPolling(v.Key, a.sessionAware(v.fetcher(a.polls)), rec.onChange(v.Key), v.Interval, polling.WithDiffer(v.Differ))
	}

	if !opts.noNotifications {
		a.notifier.On(notify.EventNotification, rec.onNotification)
		a.notifier.On(notify.EventUnreadCountChange, func(ev notify.Event) {
			utils.Log.Infof("Unread notifications: %d", ev.UnreadCount)
		})
		a.notifier.Start()
	}

	active := a.registry.ActivePollingKeys()
	select {
	case <-ended:
		return errSessionEnded
	default:
	}
	if len(active) == 0 {
		return errors.New("nothing to watch")
	}
	utils.Log.Infof("Watching %v as %s", active, user.DisplayName())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		watchVisibility(gctx, a.registry)
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-ended:
			return errSessionEnded
		}
	})
	return g.Wait()
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringSlice("views", nil, "Views to poll: "+fmt.Sprint(viewNames())+" (default: every view of your role)")
	watchCmd.Flags().Bool("db", false, "Log changes and notifications to the SQLite database")
	watchCmd.Flags().String("dbpath", "", "Path to SQLite DB file (default: db.path or ~/.config/pwatch/pwatch.sqlite)")
	watchCmd.Flags().Bool("no-notifications", false, "Do not poll notifications")
}

// sessionAware expires the session when a fetch is rejected by the
// backend, which stops every poll.
func (a *app) sessionAware(fetch polling.Fetcher) polling.Fetcher {
	return func(ctx context.Context) (any, error) {
		data, err := fetch(ctx)
		if err != nil && api.IsAuthFailure(err) {
			a.guard.Expire()
		}
		return data, err
	}
}

// changePrinter prints detected changes and optionally keeps them.
type changePrinter struct {
	mu  sync.Mutex
	out io.Writer
	db  *storage.DB
}

func (p *changePrinter) onChange(key string) polling.ChangeFunc {
	return func(cur, prev any, changes []diff.Change) {
		ts := time.Now().Format("15:04:05")
		p.mu.Lock()
		switch {
		case prev == nil:
			fmt.Fprintf(p.out, "[%s] %s: loaded\n", ts, key)
		case len(changes) == 0:
			fmt.Fprintf(p.out, "[%s] %s: data updated\n", ts, key)
		default:
			for _, line := range diff.Strings(changes) {
				fmt.Fprintf(p.out, "[%s] %s: %s\n", ts, key, line)
			}
		}
		p.mu.Unlock()

		if p.db != nil && len(changes) > 0 {
			if err := p.db.LogChanges(context.Background(), key, changes); err != nil {
				utils.Log.Errorf("Could not log changes for %s: %v", key, err)
			}
		}
	}
}

func (p *changePrinter) onNotification(ev notify.Event) {
	if p.db == nil || ev.Notification == nil {
		return
	}
	if _, err := p.db.RecordNotification(context.Background(), *ev.Notification); err != nil {
		utils.Log.Errorf("Could not record notification %d: %v", ev.Notification.ID, err)
	}
}

// openLockedDB opens the history database under its file lock. The
// returned func releases the lock.
func openLockedDB(ctx context.Context, dbPath string) (*storage.DB, func(), error) {
	abs, err := resolveDBPath(dbPath)
	if err != nil {
		return nil, nil, err
	}
	lock, err := utils.AcquireDBLock(ctx, abs)
	if err != nil {
		return nil, nil, err
	}
	unlock := func() {
		if err := lock.Release(); err != nil {
			utils.Log.Warnf("%v", err)
		}
	}

	db, err := storage.Open(lock.DBPath())
	if err != nil {
		unlock()
		return nil, nil, err
	}
	return db, unlock, nil
}

// openHistoryDB opens an existing history database for reading. Readers
// do not take the lock; the database runs in WAL mode.
func openHistoryDB(dbPath string) (*storage.DB, error) {
	abs, err := resolveDBPath(dbPath)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, fmt.Errorf("database not found: %s", abs)
	}
	return storage.Open(abs)
}

// resolveDBPath applies db.path and the default location to a --dbpath
// value.
func resolveDBPath(flag string) (string, error) {
	if flag == "" {
		flag = viper.GetString("db.path")
	}
	return utils.GetAbsDBPath(flag)
}
