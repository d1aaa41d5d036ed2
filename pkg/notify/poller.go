// Package notify polls the backend for unread notifications and delivers
// new ones to alerts and in-process subscribers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/peiwan-ops/pwatch/pkg/alert"
	"github.com/peiwan-ops/pwatch/pkg/api"
	"github.com/peiwan-ops/pwatch/pkg/polling"
)

// PollKey is the registry key of the notification poll.
const PollKey = "notifications"

const (
	DefaultInterval = 5 * time.Second
	MinInterval     = time.Second
	DefaultLimit    = 10
)

// Event names accepted by On.
const (
	EventEmployeeStatusChange = "employeeStatusChange"
	EventOrderAssignment      = "orderAssignment"
	EventUnreadCountChange    = "unreadCountChange"
	// EventNotification fires for every newly delivered notification,
	// before the type-specific event.
	EventNotification = "notification"
)

var knownEvents = map[string]bool{
	EventEmployeeStatusChange: true,
	EventOrderAssignment:      true,
	EventUnreadCountChange:    true,
	EventNotification:         true,
}

// SessionExpiredMessage is shown when the backend rejects the session.
const SessionExpiredMessage = "登录已过期，请重新登录"

// API is the part of the backend the poller talks to.
type API interface {
	UnreadCount(ctx context.Context) (int, error)
	UnreadNotifications(ctx context.Context, limit int) ([]api.Notification, error)
	UnreadByType(ctx context.Context, typ string, limit int) ([]api.Notification, error)
	MarkRead(ctx context.Context, id int64) error
	MarkBatchRead(ctx context.Context, ids []int64) error
	MarkAllRead(ctx context.Context) error
}

// Event is passed to subscribers.
type Event struct {
	Name         string
	Notification *api.Notification
	// Data is the decoded payload of typed notifications.
	Data        map[string]any
	UnreadCount int
}

// Handler receives events. Handlers run synchronously on the polling
// goroutine; a panic is recovered and logged.
type Handler func(Event)

// Config wires a Poller.
type Config struct {
	Registry *polling.Registry
	API      API
	Alerter  alert.Alerter
	Log      polling.Logger
	Interval time.Duration
	Limit    int
	// Authenticated reports whether a credential is available. Ticks are
	// skipped while it returns false. Nil means always.
	Authenticated func() bool
	// OnAuthFailure runs once after the backend rejected the session and
	// polling has stopped. It owns the expiry alert; without it the poller
	// raises SessionExpiredMessage itself.
	OnAuthFailure func()
}

type subscriber struct {
	id uint64
	fn Handler
}

// Poller delivers unread notifications.
type Poller struct {
	registry      *polling.Registry
	api           API
	alerter       alert.Alerter
	log           polling.Logger
	limit         int
	authenticated func() bool
	onAuthFailure func()

	mu          sync.Mutex
	interval    time.Duration
	unread      int
	lastID      int64
	authFailed  bool
	nextSubID   uint64
	subscribers map[string][]subscriber
}

// New returns a stopped Poller.
func New(cfg Config) (*Poller, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("notify: registry required")
	}
	if cfg.API == nil {
		return nil, fmt.Errorf("notify: api required")
	}
	p := &Poller{
		registry:      cfg.Registry,
		api:           cfg.API,
		alerter:       cfg.Alerter,
		log:           cfg.Log,
		limit:         cfg.Limit,
		authenticated: cfg.Authenticated,
		onAuthFailure: cfg.OnAuthFailure,
		interval:      DefaultInterval,
		subscribers:   make(map[string][]subscriber),
	}
	if p.alerter == nil {
		p.alerter = alert.Discard
	}
	if p.log == nil {
		p.log = polling.NopLogger{}
	}
	if p.limit <= 0 {
		p.limit = DefaultLimit
	}
	if cfg.Interval > 0 {
		p.interval = clampInterval(cfg.Interval)
	}
	return p, nil
}

func clampInterval(d time.Duration) time.Duration {
	if d < MinInterval {
		return MinInterval
	}
	return d
}

// Start begins polling; the first check runs immediately. Starting a
// running poller does nothing.
func (p *Poller) Start() {
	if p.Running() {
		return
	}
	p.mu.Lock()
	p.authFailed = false
	interval := p.interval
	p.mu.Unlock()
	p.registry.StartPollingNow(PollKey, p.tick, interval)
	p.log.Infof("Notification polling started (every %s)", interval)
}

// Stop ends polling. Counters are kept.
func (p *Poller) Stop() {
	if !p.Running() {
		return
	}
	p.registry.StopPolling(PollKey)
	p.log.Infof("Notification polling stopped")
}

// Running reports whether the poll is registered.
func (p *Poller) Running() bool {
	return p.registry.HasActivePolling(PollKey)
}

// Reset forgets the unread count and the last delivered id.
func (p *Poller) Reset() {
	p.mu.Lock()
	p.unread = 0
	p.lastID = 0
	p.mu.Unlock()
}

// SetInterval changes the polling interval, never below MinInterval. A
// running poller is restarted with the new interval.
func (p *Poller) SetInterval(d time.Duration) {
	p.mu.Lock()
	p.interval = clampInterval(d)
	interval := p.interval
	p.mu.Unlock()
	if p.Running() {
		p.registry.StartPolling(PollKey, p.tick, interval)
	}
}

// Interval returns the polling interval.
func (p *Poller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}

// UnreadCount returns the last known unread count.
func (p *Poller) UnreadCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unread
}

// LastID returns the highest notification id seen.
func (p *Poller) LastID() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastID
}

func (p *Poller) tick(ctx context.Context) error {
	if p.authenticated != nil && !p.authenticated() {
		p.log.Debugf("No session, skipping notification check")
		return nil
	}

	count, err := p.api.UnreadCount(ctx)
	if err != nil {
		if api.IsAuthFailure(err) {
			p.handleAuthFailure(err)
			return nil
		}
		return fmt.Errorf("unread count: %w", err)
	}

	prev := p.UnreadCount()
	if count > prev {
		if err := p.fetchNew(ctx); err != nil {
			if api.IsAuthFailure(err) {
				p.handleAuthFailure(err)
				return nil
			}
			p.log.Warnf("Fetching new notifications failed: %v", err)
		}
	}
	if count != prev {
		p.setUnread(count)
	}
	return nil
}

func (p *Poller) fetchNew(ctx context.Context) error {
	list, err := p.api.UnreadNotifications(ctx, p.limit)
	if err != nil {
		return err
	}

	p.mu.Lock()
	last := p.lastID
	var fresh []api.Notification
	for _, n := range list {
		if n.ID > last {
			fresh = append(fresh, n)
		}
		if n.ID > p.lastID {
			p.lastID = n.ID
		}
	}
	p.mu.Unlock()

	sort.SliceStable(fresh, func(i, j int) bool { return fresh[i].ID < fresh[j].ID })
	for i := range fresh {
		p.deliver(&fresh[i])
	}
	return nil
}

func (p *Poller) deliver(n *api.Notification) {
	p.log.Debugf("New notification %d (%s)", n.ID, n.Type)
	p.emit(Event{Name: EventNotification, Notification: n, UnreadCount: p.UnreadCount()})

	switch n.Type {
	case api.TypeEmployeeStatusChange:
		p.deliverTyped(n, EventEmployeeStatusChange, alert.Info, "员工状态变更")
	case api.TypeOrderAssignment:
		p.deliverTyped(n, EventOrderAssignment, alert.Success, "新工单派发")
	default:
		title := n.Title
		if title == "" {
			title = "新通知"
		}
		p.alerter.Alert(alert.Info, title, n.Content)
	}
}

func (p *Poller) deliverTyped(n *api.Notification, event string, level alert.Level, title string) {
	data, err := ParseData(n.Data)
	if err != nil {
		p.log.Warnf("Skipping notification %d: %v", n.ID, err)
		return
	}
	p.emit(Event{Name: event, Notification: n, Data: data, UnreadCount: p.UnreadCount()})
	p.alerter.Alert(level, title, n.Content)
}

// ParseData decodes a notification payload, which must be a JSON object.
func ParseData(raw api.RawData) (map[string]any, error) {
	s := string(raw)
	if !gjson.Valid(s) {
		return nil, fmt.Errorf("malformed data %q", truncate(s, 80))
	}
	if !gjson.Parse(s).IsObject() {
		return nil, fmt.Errorf("data is not an object")
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil, fmt.Errorf("decode data: %w", err)
	}
	return out, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func (p *Poller) handleAuthFailure(cause error) {
	p.mu.Lock()
	if p.authFailed {
		p.mu.Unlock()
		return
	}
	p.authFailed = true
	p.mu.Unlock()

	p.log.Warnf("Session rejected by backend, stopping notifications: %v", cause)
	p.registry.StopPolling(PollKey)
	if p.onAuthFailure != nil {
		p.onAuthFailure()
		return
	}
	p.alerter.Alert(alert.Error, SessionExpiredMessage, "")
}

func (p *Poller) setUnread(n int) {
	p.mu.Lock()
	p.unread = n
	p.mu.Unlock()
	p.emit(Event{Name: EventUnreadCountChange, UnreadCount: n})
}

// On subscribes h to event and returns a function that removes it.
// Unknown event names are ignored.
func (p *Poller) On(event string, h Handler) (off func()) {
	if !knownEvents[event] || h == nil {
		p.log.Warnf("Ignoring subscription to unknown event %q", event)
		return func() {}
	}
	p.mu.Lock()
	p.nextSubID++
	id := p.nextSubID
	p.subscribers[event] = append(p.subscribers[event], subscriber{id: id, fn: h})
	p.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { p.remove(event, id) })
	}
}

// Off removes every subscriber of event.
func (p *Poller) Off(event string) {
	p.mu.Lock()
	delete(p.subscribers, event)
	p.mu.Unlock()
}

func (p *Poller) remove(event string, id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	subs := p.subscribers[event]
	for i, s := range subs {
		if s.id == id {
			p.subscribers[event] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (p *Poller) emit(ev Event) {
	p.mu.Lock()
	subs := append([]subscriber(nil), p.subscribers[ev.Name]...)
	p.mu.Unlock()
	for _, s := range subs {
		p.call(ev, s.fn)
	}
}

func (p *Poller) call(ev Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Errorf("Subscriber of %s panicked: %v", ev.Name, r)
		}
	}()
	h(ev)
}

// MarkAsRead marks one notification read and refreshes the unread count.
func (p *Poller) MarkAsRead(ctx context.Context, id int64) error {
	if err := p.api.MarkRead(ctx, id); err != nil {
		return fmt.Errorf("mark notification %d read: %w", id, err)
	}
	return p.refreshCount(ctx)
}

// MarkBatchAsRead marks ids read and refreshes the unread count. An empty
// list does nothing.
func (p *Poller) MarkBatchAsRead(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if err := p.api.MarkBatchRead(ctx, ids); err != nil {
		return fmt.Errorf("mark %d notifications read: %w", len(ids), err)
	}
	return p.refreshCount(ctx)
}

// MarkAllAsRead marks every notification read and refreshes the unread
// count.
func (p *Poller) MarkAllAsRead(ctx context.Context) error {
	if err := p.api.MarkAllRead(ctx); err != nil {
		return fmt.Errorf("mark all notifications read: %w", err)
	}
	return p.refreshCount(ctx)
}

func (p *Poller) refreshCount(ctx context.Context) error {
	n, err := p.api.UnreadCount(ctx)
	if err != nil {
		return fmt.Errorf("refresh unread count: %w", err)
	}
	p.setUnread(n)
	return nil
}

// UnreadByType returns the unread notifications of one type.
func (p *Poller) UnreadByType(ctx context.Context, typ string) ([]api.Notification, error) {
	list, err := p.api.UnreadByType(ctx, typ, 0)
	if err != nil {
		return nil, fmt.Errorf("unread %s notifications: %w", typ, err)
	}
	return list, nil
}

// OrderAssignments returns the unread order assignment notifications.
func (p *Poller) OrderAssignments(ctx context.Context) ([]api.Notification, error) {
	return p.UnreadByType(ctx, api.TypeOrderAssignment)
}
