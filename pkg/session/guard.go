// Package session tracks the logged-in user and decides which requests
// and views are allowed.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/peiwan-ops/pwatch/pkg/api"
	"github.com/peiwan-ops/pwatch/pkg/polling"
)

// RoleGuest is reported when nobody is logged in.
const RoleGuest = "guest"

// API is the part of the backend the guard talks to.
type API interface {
	Login(ctx context.Context, req api.LoginRequest) (*api.LoginResult, error)
	Logout(ctx context.Context) error
	Me(ctx context.Context) (*api.User, error)
}

// State is a snapshot of the session.
type State struct {
	User               *api.User
	IsLoading          bool
	Err                error
	IsLogoutInProgress bool
	LastLogoutTime     time.Time
}

// Option configures a Guard.
type Option func(*Guard)

// WithLogger sets the guard logger.
func WithLogger(l polling.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.log = l
		}
	}
}

// WithTeardown registers hooks run whenever the session ends.
func WithTeardown(fns ...func()) Option {
	return func(g *Guard) { g.teardown = append(g.teardown, fns...) }
}

// WithExpiryHook registers hooks run when the backend rejects the session.
// They run at most once per session, before the teardown hooks.
func WithExpiryHook(fns ...func()) Option {
	return func(g *Guard) { g.onExpire = append(g.onExpire, fns...) }
}

// Guard owns the session.
type Guard struct {
	api API
	log polling.Logger
	now func() time.Time
	sf  singleflight.Group

	mu           sync.Mutex
	state        State
	accessToken  string
	refreshToken string
	teardown     []func()
	onExpire     []func()
	expired      bool
}

// New returns a guard with no session.
func New(a API, opts ...Option) *Guard {
	g := &Guard{api: a, log: polling.NopLogger{}, now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// OnTeardown registers a hook run whenever the session ends, before the
// credentials are cleared.
func (g *Guard) OnTeardown(fn func()) {
	if fn == nil {
		return
	}
	g.mu.Lock()
	g.teardown = append(g.teardown, fn)
	g.mu.Unlock()
}

// State returns a copy of the session state.
func (g *Guard) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	s := g.state
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	return s
}

// IsAuthenticated reports whether a user is logged in.
func (g *Guard) IsAuthenticated() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state.User != nil
}

// CurrentUser returns a copy of the logged-in user, or nil.
func (g *Guard) CurrentUser() *api.User {
	return g.State().User
}

// UserRole returns the role of the logged-in user, or RoleGuest.
func (g *Guard) UserRole() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state.User == nil || g.state.User.Role == "" {
		return RoleGuest
	}
	return g.state.User.Role
}

// IsAdmin reports whether the logged-in user is an administrator.
func (g *Guard) IsAdmin() bool {
	return g.UserRole() == api.RoleAdmin
}

// Credentials returns the request credentials of the session.
func (g *Guard) Credentials() api.Credentials {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := api.Credentials{Token: g.accessToken}
	if u := g.state.User; u != nil {
		c.UserID = u.ID
		c.Role = u.Role
	}
	return c
}

// CanMakeRequest allows the public auth endpoints at any time and every
// other path only with a session.
func (g *Guard) CanMakeRequest(path string) error {
	if api.IsPublicPath(path) {
		return nil
	}
	if !g.IsAuthenticated() {
		return fmt.Errorf("%s: %w", path, api.ErrNotAuthenticated)
	}
	return nil
}

// Login authenticates and stores the returned user. When the login
// response carries no user it is fetched from /auth/me.
func (g *Guard) Login(ctx context.Context, req api.LoginRequest) (*api.User, error) {
	g.setLoading(true)
	defer g.setLoading(false)

	res, err := g.api.Login(ctx, req)
	if err != nil {
		g.setErr(err)
		return nil, fmt.Errorf("login: %w", err)
	}

	g.mu.Lock()
	g.accessToken = res.AccessToken
	g.refreshToken = res.RefreshToken
	g.state.Err = nil
	g.expired = false
	if res.User != nil {
		g.state.User = res.User
	}
	g.mu.Unlock()

	if res.User == nil {
		if _, err := g.fetchUser(ctx); err != nil {
			g.setErr(err)
			return nil, fmt.Errorf("login: %w", err)
		}
	}
	user := g.CurrentUser()
	g.log.Infof("Logged in as %s (%s)", user.DisplayName(), user.Role)
	return user, nil
}

// Logout ends the session. Session hooks run before the backend call so
// no poll fires after it. A logout already in progress is not repeated.
// Backend errors are logged; the local session is cleared regardless.
func (g *Guard) Logout(ctx context.Context) {
	g.mu.Lock()
	if g.state.IsLogoutInProgress {
		g.mu.Unlock()
		g.log.Debugf("Logout already in progress")
		return
	}
	g.state.IsLogoutInProgress = true
	g.state.IsLoading = true
	authenticated := g.state.User != nil
	g.mu.Unlock()

	g.runTeardown()
	if authenticated {
		if err := g.api.Logout(ctx); err != nil {
			g.log.Warnf("Logout request failed: %v", err)
		}
	}

	g.mu.Lock()
	g.clearLocked()
	g.state.IsLogoutInProgress = false
	g.state.IsLoading = false
	g.state.LastLogoutTime = g.now()
	g.mu.Unlock()
	g.log.Infof("Logged out")
}

// ClearAuth drops the local session after running the session hooks.
func (g *Guard) ClearAuth() {
	g.runTeardown()
	g.mu.Lock()
	g.clearLocked()
	g.mu.Unlock()
}

// Expire ends a session the backend rejected. Concurrent rejections of
// the same session run the expiry hooks once; without a session it does
// nothing.
func (g *Guard) Expire() {
	g.mu.Lock()
	if g.state.User == nil || g.expired {
		g.mu.Unlock()
		return
	}
	g.expired = true
	hooks := append([]func(){}, g.onExpire...)
	g.mu.Unlock()

	g.log.Warnf("Session rejected by backend")
	for _, fn := range hooks {
		fn()
	}
	g.ClearAuth()
}

func (g *Guard) clearLocked() {
	g.state.User = nil
	g.state.Err = nil
	g.accessToken = ""
	g.refreshToken = ""
}

func (g *Guard) runTeardown() {
	g.mu.Lock()
	hooks := append([]func(){}, g.teardown...)
	g.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// FetchCurrentUser loads the session user from the backend. Concurrent
// callers share one request. A rejected session is cleared.
func (g *Guard) FetchCurrentUser(ctx context.Context) (*api.User, error) {
	return g.fetchUser(ctx)
}

func (g *Guard) fetchUser(ctx context.Context) (*api.User, error) {
	v, err, _ := g.sf.Do("me", func() (interface{}, error) {
		user, err := g.api.Me(ctx)
		if err != nil {
			if errors.Is(err, api.ErrUnauthorized) {
				g.ClearAuth()
			}
			return nil, err
		}
		g.mu.Lock()
		g.state.User = user
		g.expired = false
		g.mu.Unlock()
		return user, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch current user: %w", err)
	}
	u := *v.(*api.User)
	return &u, nil
}

// InitAuth restores a session kept by the backend (cookie). A missing
// session is not an error.
func (g *Guard) InitAuth(ctx context.Context) error {
	g.setLoading(true)
	defer g.setLoading(false)
	if _, err := g.fetchUser(ctx); err != nil {
		if errors.Is(err, api.ErrUnauthorized) {
			return nil
		}
		g.setErr(err)
		return err
	}
	return nil
}

func (g *Guard) setLoading(v bool) {
	g.mu.Lock()
	g.state.IsLoading = v
	g.mu.Unlock()
}

func (g *Guard) setErr(err error) {
	g.mu.Lock()
	g.state.Err = err
	g.mu.Unlock()
}
