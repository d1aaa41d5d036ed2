package polling

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/peiwan-ops/pwatch/pkg/diff"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	t.Helper()
	r := NewRegistry(opts...)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestStopPolling_Idempotent(t *testing.T) {
	r := newTestRegistry(t)

	r.StopPolling("never-registered")
	r.StartPolling("a", func(context.Context) error { return nil }, time.Hour)
	r.StopPolling("a")
	r.StopPolling("a")

	if keys := r.ActivePollingKeys(); len(keys) != 0 {
		t.Fatalf("ActivePollingKeys = %v, want empty", keys)
	}
	if r.HasActivePolling("a") {
		t.Fatalf("HasActivePolling(a) = true after stop")
	}
}

func TestStartPolling_ReplacesExistingKey(t *testing.T) {
	r := newTestRegistry(t)

	var calls atomic.Int32
	tick := func(context.Context) error {
		calls.Add(1)
		return nil
	}
	r.StartPolling("dup", tick, 50*time.Millisecond)
	r.StartPolling("dup", tick, 50*time.Millisecond)

	if keys := r.ActivePollingKeys(); len(keys) != 1 || keys[0] != "dup" {
		t.Fatalf("ActivePollingKeys = %v, want [dup]", keys)
	}

	time.Sleep(275 * time.Millisecond)
	r.StopPolling("dup")

	// One timer ticks about five times in 275ms; two would tick about ten.
	if n := calls.Load(); n < 2 || n > 6 {
		t.Fatalf("tick count = %d, want the rate of a single timer", n)
	}
}

func TestVisibility_SkipsHiddenTicksWithoutCatchUp(t *testing.T) {
	r := newTestRegistry(t)
	r.SetVisible(false)

	var calls atomic.Int32
	r.StartPolling("v", func(context.Context) error {
		calls.Add(1)
		return nil
	}, 30*time.Millisecond)

	time.Sleep(120 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Fatalf("hidden tick count = %d, want 0", n)
	}

	r.SetVisible(true)
	if n := calls.Load(); n != 0 {
		t.Fatalf("tick count right after resume = %d, want 0 (no catch-up)", n)
	}

	deadline := time.Now().Add(time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if calls.Load() == 0 {
		t.Fatalf("no tick after becoming visible")
	}
}

func TestStartPolling_ErrorsDoNotStopTimer(t *testing.T) {
	r := newTestRegistry(t)

	var calls atomic.Int32
	r.StartPolling("flaky", func(context.Context) error {
		if calls.Add(1) == 1 {
			return errors.New("connection refused")
		}
		return nil
	}, 20*time.Millisecond)

	deadline := time.Now().Add(time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := calls.Load(); n < 3 {
		t.Fatalf("tick count = %d, want polling to continue after an error", n)
	}
	if !r.HasActivePolling("flaky") {
		t.Fatalf("poll stopped after a failed tick")
	}
}

func TestStartPolling_TickMayStopItself(t *testing.T) {
	r := newTestRegistry(t)

	done := make(chan struct{})
	r.StartPolling("self", func(context.Context) error {
		r.StopPolling("self")
		close(done)
		return nil
	}, 10*time.Millisecond)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tick did not run")
	}
	if r.HasActivePolling("self") {
		t.Fatalf("poll still active after stopping itself")
	}
}

func TestStartSmartPolling_ReportsWorkStatusChangeOnce(t *testing.T) {
	r := newTestRegistry(t)

	var fetches atomic.Int32
	fetch := func(context.Context) (any, error) {
		if fetches.Add(1) == 1 {
			return []map[string]any{{"id": 1, "workStatus": "IDLE"}}, nil
		}
		return []map[string]any{{"id": 1, "workStatus": "BUSY"}}, nil
	}

	var (
		mu    sync.Mutex
		calls int
		got   []diff.Change
	)
	r.StartSmartPolling("cs-employees", fetch, func(cur, prev any, changes []diff.Change) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		got = changes
	}, 100*time.Millisecond)

	time.Sleep(250 * time.Millisecond)
	r.StopPolling("cs-employees")

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("onChange calls = %d, want 1", calls)
	}
	if len(got) != 1 {
		t.Fatalf("changes = %v, want one", diff.Strings(got))
	}
	if s := got[0].String(); !strings.Contains(s, "工作状态: 空闲中 → 工作中") {
		t.Fatalf("change = %q, want localized IDLE → BUSY", s)
	}
}

func TestStartSmartPolling_WithDifferOverridesKey(t *testing.T) {
	r := newTestRegistry(t)

	var fetches atomic.Int32
	fetch := func(context.Context) (any, error) {
		status := "PENDING_ACCEPTANCE"
		if fetches.Add(1) > 1 {
			status = "IN_PROGRESS"
		}
		return []map[string]any{{"id": 9, "orderNumber": "PW9", "status": status}}, nil
	}

	changes := make(chan []diff.Change, 4)
	r.StartSmartPolling("detail", fetch, func(_, _ any, c []diff.Change) {
		changes <- c
	}, 20*time.Millisecond, WithDiffer(diff.Orders))

	select {
	case c := <-changes:
		if len(c) != 1 || c[0].String() != "🔄 工单 PW9: 状态: 待接单 → 进行中" {
			t.Fatalf("changes = %v", diff.Strings(c))
		}
	case <-time.After(time.Second):
		t.Fatal("onChange not called")
	}
}

func TestStartSmartPolling_FailedSeedReportsFirstSnapshot(t *testing.T) {
	r := newTestRegistry(t)

	var fetches atomic.Int32
	fetch := func(context.Context) (any, error) {
		if fetches.Add(1) == 1 {
			return nil, errors.New("timeout")
		}
		return []map[string]any{{"id": 1}}, nil
	}

	type call struct {
		prev    any
		changes []diff.Change
	}
	calls := make(chan call, 4)
	r.StartSmartPolling("cs-employees", fetch, func(_, prev any, c []diff.Change) {
		calls <- call{prev: prev, changes: c}
	}, 20*time.Millisecond)

	select {
	case c := <-calls:
		if c.prev != nil || len(c.changes) != 0 {
			t.Fatalf("first call prev=%v changes=%v, want nil baseline", c.prev, c.changes)
		}
	case <-time.After(time.Second):
		t.Fatal("onChange not called after seed failure")
	}
}

func TestStartSmartPolling_DropsResponseOfStoppedPoll(t *testing.T) {
	r := newTestRegistry(t)

	inFlight := make(chan struct{})
	release := make(chan struct{})
	var fetches atomic.Int32
	fetch := func(context.Context) (any, error) {
		if fetches.Add(1) == 1 {
			return []map[string]any{{"id": 1, "level": 1}}, nil
		}
		close(inFlight)
		<-release
		return []map[string]any{{"id": 1, "level": 2}}, nil
	}

	var changed atomic.Bool
	r.StartSmartPolling("slow", fetch, func(any, any, []diff.Change) {
		changed.Store(true)
	}, 20*time.Millisecond)

	select {
	case <-inFlight:
	case <-time.After(time.Second):
		t.Fatal("tick did not start")
	}
	r.StopPolling("slow")
	close(release)
	_ = r.Close()

	if changed.Load() {
		t.Fatalf("onChange called with a response from a stopped poll")
	}
	if n := r.Cache().Len(); n != 0 {
		t.Fatalf("cache len = %d, want 0", n)
	}
}

func TestStopPolling_CancelsInFlightContext(t *testing.T) {
	r := newTestRegistry(t)

	started := make(chan struct{})
	cancelled := make(chan struct{})
	r.StartPolling("ctx", func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}, 10*time.Millisecond)

	<-started
	r.StopPolling("ctx")
	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("tick context not cancelled by StopPolling")
	}
}

func TestClearAllPolling(t *testing.T) {
	r := newTestRegistry(t)

	noop := func(context.Context) error { return nil }
	r.StartPolling("b", noop, time.Hour)
	r.StartPolling("a", noop, time.Hour)
	r.Cache().Set("a", []int{1})

	if keys := r.ActivePollingKeys(); strings.Join(keys, ",") != "a,b" {
		t.Fatalf("ActivePollingKeys = %v, want [a b]", keys)
	}

	r.ClearAllPolling()
	if keys := r.ActivePollingKeys(); len(keys) != 0 {
		t.Fatalf("ActivePollingKeys = %v, want empty", keys)
	}
	if n := r.Cache().Len(); n != 0 {
		t.Fatalf("cache len = %d, want 0", n)
	}
}

func TestClose_RejectsNewPolls(t *testing.T) {
	r := NewRegistry()
	if err := r.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	r.StartPolling("late", func(context.Context) error { return nil }, time.Millisecond)
	if r.HasActivePolling("late") {
		t.Fatalf("closed registry accepted a poll")
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}
}

func TestStartPollingNow_RunsFirstTickImmediately(t *testing.T) {
	r := newTestRegistry(t)

	ran := make(chan struct{}, 1)
	r.StartPollingNow("now", func(context.Context) error {
		ran <- struct{}{}
		return nil
	}, time.Hour)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("first tick did not run immediately")
	}
	if !r.HasActivePolling("now") {
		t.Fatalf("poll not active after first tick")
	}
}
