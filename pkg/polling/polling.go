// Package polling runs keyed repeating tasks with change detection.
//
// A Registry owns every active poll. Each key has at most one timer, the
// next tick is armed only after the previous one returned, and results
// from a stopped or replaced poll are discarded.
package polling

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/peiwan-ops/pwatch/pkg/diff"
)

// Logger abstracts logging so callers can use logrus, stdlib log, or any
// other logger that satisfies this interface.
type Logger interface {
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Debugf(format string, args ...interface{})
}

// NopLogger silently discards all messages.
type NopLogger struct{}

func (NopLogger) Infof(string, ...interface{})  {}
func (NopLogger) Warnf(string, ...interface{})  {}
func (NopLogger) Errorf(string, ...interface{}) {}
func (NopLogger) Debugf(string, ...interface{}) {}

// DefaultInterval is used when a poll is started with a non-positive
// interval.
const DefaultInterval = 10 * time.Second

// Interval presets for the built-in views.
const (
	EmployeeOrdersInterval = 5 * time.Second
	CSEmployeesInterval    = 5 * time.Second
	AdminUsersInterval     = 5 * time.Second
	OrderDetailInterval    = 5 * time.Second
)

// TickFunc is one unit of polling work. ctx is cancelled when the poll is
// stopped or replaced.
type TickFunc func(ctx context.Context) error

// Fetcher returns the current snapshot for a smart poll.
type Fetcher func(ctx context.Context) (any, error)

// ChangeFunc receives a snapshot that differs from the cached one. prev
// is nil when no snapshot was cached. changes is empty when the snapshots
// are not record lists or no tracked field changed.
type ChangeFunc func(cur, prev any, changes []diff.Change)

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// WithDefaultInterval overrides DefaultInterval for this registry.
func WithDefaultInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithCache shares an existing snapshot cache.
func WithCache(c *Cache) Option {
	return func(r *Registry) {
		if c != nil {
			r.cache = c
		}
	}
}

// SmartOption configures a single smart poll.
type SmartOption func(*smartConfig)

type smartConfig struct {
	differ *diff.Differ
}

// WithDiffer selects the record kind used to describe changes. Without
// it the kind is derived from the key by diff.ForKey.
func WithDiffer(d diff.Differ) SmartOption {
	return func(c *smartConfig) { c.differ = &d }
}

type entry struct {
	key      string
	interval time.Duration
	gen      uint64
	tick     TickFunc
	ctx      context.Context
	cancel   context.CancelFunc
	timer    *time.Timer
}

// Registry is a keyed table of active polls.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*entry
	gen      uint64
	closed   bool
	cache    *Cache
	interval time.Duration
	log      Logger
	visible  atomic.Bool
	wg       sync.WaitGroup
}

// NewRegistry returns an empty, visible registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries:  make(map[string]*entry),
		cache:    NewCache(),
		interval: DefaultInterval,
		log:      NopLogger{},
	}
	r.visible.Store(true)
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Cache returns the snapshot cache used by smart polls.
func (r *Registry) Cache() *Cache { return r.cache }

// StartPolling runs tick every interval while the registry is visible.
// An existing poll under key is stopped first. Tick errors are logged and
// the poll keeps running.
func (r *Registry) StartPolling(key string, tick TickFunc, interval time.Duration) {
	e := r.register(key, interval, tick)
	if e == nil {
		return
	}
	r.mu.Lock()
	if r.currentLocked(e) {
		r.armLocked(e)
	}
	r.mu.Unlock()
	r.log.Debugf("Started polling %s every %s", key, e.interval)
}

// StartPollingNow is StartPolling with one tick run immediately; the first
// interval starts once that tick returns.
func (r *Registry) StartPollingNow(key string, tick TickFunc, interval time.Duration) {
	e := r.register(key, interval, tick)
	if e == nil {
		return
	}
	r.log.Debugf("Started polling %s every %s", key, e.interval)
	r.kickoff(e, func() {
		if r.visible.Load() {
			r.runTick(e)
		}
	})
}

// StartSmartPolling polls fetch every interval and calls onChange when the
// snapshot differs from the cached one. One fetch runs immediately to seed
// the cache; the first interval starts once it returns.
func (r *Registry) StartSmartPolling(key string, fetch Fetcher, onChange ChangeFunc, interval time.Duration, opts ...SmartOption) {
	cfg := smartConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	differ := diff.ForKey(key)
	if cfg.differ != nil {
		differ = *cfg.differ
	}

	var e *entry
	tick := func(ctx context.Context) error {
		data, err := fetch(ctx)
		if err != nil {
			return err
		}
		return r.apply(e, differ, data, onChange)
	}
	e = r.register(key, interval, tick)
	if e == nil {
		return
	}
	r.log.Debugf("Started smart polling %s (%s) every %s", key, differ.Kind, e.interval)

	if !r.visible.Load() {
		r.mu.Lock()
		if r.currentLocked(e) {
			r.armLocked(e)
		}
		r.mu.Unlock()
		return
	}
	r.kickoff(e, func() { r.seed(e, fetch) })
}

// kickoff runs first in the background and arms the entry's timer once it
// returns.
func (r *Registry) kickoff(e *entry, first func()) {
	r.mu.Lock()
	if !r.currentLocked(e) {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()

	go func() {
		defer r.wg.Done()
		first()
		r.mu.Lock()
		if r.currentLocked(e) {
			r.armLocked(e)
		}
		r.mu.Unlock()
	}()
}

func (r *Registry) seed(e *entry, fetch Fetcher) {
	defer r.recoverTick(e.key)
	data, err := fetch(e.ctx)
	if err != nil {
		if e.ctx.Err() == nil {
			r.log.Warnf("Initial fetch for %s failed: %v", e.key, err)
		}
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.currentLocked(e) {
		r.cache.Set(e.key, data)
	}
}

// apply compares data with the cached snapshot and reports a change. A
// result from a superseded entry is dropped.
func (r *Registry) apply(e *entry, differ diff.Differ, data any, onChange ChangeFunc) error {
	prev, _ := r.cache.Get(e.key)
	if !HasChanged(prev, data) {
		r.log.Debugf("No change for %s", e.key)
		return nil
	}

	var changes []diff.Change
	if !isNil(prev) && !isNil(data) {
		var err error
		changes, err = differ.DiffSnapshots(prev, data)
		if err != nil {
			r.log.Debugf("Snapshot of %s changed shape: %v", e.key, err)
			changes = nil
		}
	}

	r.mu.Lock()
	if !r.currentLocked(e) {
		r.mu.Unlock()
		r.log.Debugf("Dropping stale result for %s", e.key)
		return nil
	}
	r.cache.Set(e.key, data)
	r.mu.Unlock()

	r.log.Debugf("Detected change for %s (%d records changed)", e.key, len(changes))
	if onChange != nil {
		onChange(data, prev, changes)
	}
	return nil
}

func (r *Registry) register(key string, interval time.Duration, tick TickFunc) *entry {
	if interval <= 0 {
		interval = r.interval
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.log.Warnf("Registry closed, not starting %s", key)
		return nil
	}
	r.removeLocked(key)

	ctx, cancel := context.WithCancel(context.Background())
	r.gen++
	e := &entry{
		key:      key,
		interval: interval,
		gen:      r.gen,
		tick:     tick,
		ctx:      ctx,
		cancel:   cancel,
	}
	r.entries[key] = e
	return e
}

func (r *Registry) armLocked(e *entry) {
	e.timer = time.AfterFunc(e.interval, func() { r.fire(e) })
}

func (r *Registry) currentLocked(e *entry) bool {
	cur, ok := r.entries[e.key]
	return ok && cur.gen == e.gen
}

func (r *Registry) fire(e *entry) {
	r.mu.Lock()
	if !r.currentLocked(e) {
		r.mu.Unlock()
		return
	}
	r.wg.Add(1)
	r.mu.Unlock()
	defer r.wg.Done()

	if r.visible.Load() {
		r.runTick(e)
	}

	r.mu.Lock()
	if r.currentLocked(e) {
		r.armLocked(e)
	}
	r.mu.Unlock()
}

func (r *Registry) runTick(e *entry) {
	defer r.recoverTick(e.key)
	if err := e.tick(e.ctx); err != nil && e.ctx.Err() == nil {
		r.log.Warnf("Polling %s failed: %v", e.key, err)
	}
}

func (r *Registry) recoverTick(key string) {
	if p := recover(); p != nil {
		r.log.Errorf("Polling %s panicked: %v", key, p)
	}
}

// StopPolling stops the poll under key and drops its cached snapshot.
// Unknown keys are ignored.
func (r *Registry) StopPolling(key string) {
	r.mu.Lock()
	stopped := r.removeLocked(key)
	r.mu.Unlock()
	if stopped {
		r.log.Debugf("Stopped polling %s", key)
	}
}

func (r *Registry) removeLocked(key string) bool {
	e, ok := r.entries[key]
	if !ok {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	e.cancel()
	delete(r.entries, key)
	r.cache.Delete(key)
	return true
}

// ClearAllPolling stops every poll and empties the cache. Any caller may
// clear polls started by any other.
func (r *Registry) ClearAllPolling() {
	r.mu.Lock()
	keys := make([]string, 0, len(r.entries))
	for key := range r.entries {
		r.removeLocked(key)
		keys = append(keys, key)
	}
	r.cache.Clear()
	r.mu.Unlock()
	if len(keys) > 0 {
		sort.Strings(keys)
		r.log.Debugf("Cleared polling %v", keys)
	}
}

// ActivePollingKeys returns the keys with a live poll, sorted.
func (r *Registry) ActivePollingKeys() []string {
	r.mu.Lock()
	keys := make([]string, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	r.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// HasActivePolling reports whether key has a live poll.
func (r *Registry) HasActivePolling(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[key]
	return ok
}

// SetVisible pauses (false) or resumes (true) every poll. Ticks that come
// due while hidden are skipped; resuming waits for the next scheduled tick.
func (r *Registry) SetVisible(v bool) {
	if r.visible.Swap(v) != v {
		if v {
			r.log.Infof("Polling resumed")
		} else {
			r.log.Infof("Polling paused")
		}
	}
}

// Visible reports whether polling is currently resumed.
func (r *Registry) Visible() bool { return r.visible.Load() }

// Close stops every poll, rejects new ones and waits for running ticks.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.ClearAllPolling()
	r.wg.Wait()
	return nil
}
