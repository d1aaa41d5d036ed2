package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"

	"github.com/peiwan-ops/pwatch/internal/utils"
	"github.com/peiwan-ops/pwatch/pkg/alert"
	"github.com/peiwan-ops/pwatch/pkg/api"
	"github.com/peiwan-ops/pwatch/pkg/notify"
	"github.com/peiwan-ops/pwatch/pkg/polling"
	"github.com/peiwan-ops/pwatch/pkg/session"
)

// app wires the backend client, the session guard, the polling registry
// and the notification poller for one CLI invocation.
type app struct {
	client *api.Client
	// polls sends each request once. Every tick is its own attempt, so
	// poll fetches never retry.
	polls    *api.Client
	guard    *session.Guard
	registry *polling.Registry
	notifier *notify.Poller
	alerts   alert.Alerter
}

func newApp() (*app, error) {
	a := &app{
		alerts: alert.NewTerminal(os.Stdout, 0),
	}

	var guard *session.Guard
	client, err := api.NewClient(api.Config{
		BaseURL:  viper.GetString("backend.url"),
		Timeout:  durationSetting("backend.timeout", 30*time.Second),
		RetryMax: viper.GetInt("backend.retries"),
		Logger:   utils.RetryLogger{L: utils.Log},
	},
		api.WithCredentials(func() api.Credentials { return guard.Credentials() }),
		api.WithRequestGate(func(path string) error { return guard.CanMakeRequest(path) }),
	)
	if err != nil {
		return nil, err
	}
	a.client = client
	a.polls = client.WithoutRetries()

	a.registry = polling.NewRegistry(
		polling.WithLogger(utils.Log),
		polling.WithDefaultInterval(durationSetting("polling.interval", polling.DefaultInterval)),
	)
	guard = session.New(client,
		session.WithLogger(utils.Log),
		session.WithTeardown(a.registry.ClearAllPolling),
		session.WithExpiryHook(func() { a.alerts.Alert(alert.Error, notify.SessionExpiredMessage, "") }),
	)
	a.guard = guard

	a.notifier, err = notify.New(notify.Config{
		Registry:      a.registry,
		API:           a.polls,
		Alerter:       a.alerts,
		Log:           utils.Log,
		Interval:      durationSetting("notifications.interval", notify.DefaultInterval),
		Limit:         viper.GetInt("notifications.limit"),
		Authenticated: guard.IsAuthenticated,
		OnAuthFailure: guard.Expire,
	})
	if err != nil {
		_ = a.registry.Close()
		return nil, err
	}
	guard.OnTeardown(a.notifier.Stop)
	guard.OnTeardown(a.notifier.Reset)
	return a, nil
}

// login authenticates with the configured credentials. Without them it
// falls back to a session the backend may still hold for this client.
func (a *app) login(ctx context.Context) (*api.User, error) {
	username := viper.GetString("backend.username")
	password := viper.GetString("backend.password")
	if username == "" || password == "" {
		if err := a.guard.InitAuth(ctx); err != nil {
			return nil, err
		}
		if user := a.guard.CurrentUser(); user != nil {
			return user, nil
		}
		return nil, errors.New("backend.username and backend.password must be set in ~/.pwatch.yaml")
	}
	return a.guard.Login(ctx, api.LoginRequest{Username: username, Password: password})
}

// close logs out and stops every poll.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.guard.IsAuthenticated() {
		a.guard.Logout(ctx)
	}
	if err := a.registry.Close(); err != nil {
		utils.Log.Debugf("Closing registry: %v", err)
	}
}

func durationSetting(key string, def time.Duration) time.Duration {
	raw := viper.GetString(key)
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		utils.Log.Warnf("Invalid duration %q for %s, using %s", raw, key, def)
		return def
	}
	return d
}

func requireLogin(ctx context.Context) (*app, *api.User, error) {
	a, err := newApp()
	if err != nil {
		return nil, nil, err
	}
	user, err := a.login(ctx)
	if err != nil {
		a.close()
		return nil, nil, fmt.Errorf("login failed: %w", err)
	}
	return a, user, nil
}
