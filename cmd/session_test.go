package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/peiwan-ops/pwatch/pkg/alert"
	"github.com/peiwan-ops/pwatch/pkg/api"
	"github.com/peiwan-ops/pwatch/pkg/notify"
)

// fakeBackend serves login and logout and lets each test decide how the
// unread count and the employee list answer.
type fakeBackend struct {
	countStatus     int
	employeesStatus int
	countHits       atomic.Int32
	employeeHits    atomic.Int32
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/auth/login":
		_, _ = w.Write([]byte(`{"code":200,"data":{"accessToken":"t1","user":{"id":7,"username":"cs1","role":"customer-service"}}}`))
	case "/api/auth/logout":
		_, _ = w.Write([]byte(`{"code":200}`))
	case "/api/notifications/unread/count":
		b.countHits.Add(1)
		if b.countStatus != 0 {
			w.WriteHeader(b.countStatus)
			return
		}
		_, _ = w.Write([]byte(`{"code":200,"data":0}`))
	case "/api" + api.PathCSEmployees:
		b.employeeHits.Add(1)
		if b.employeesStatus != 0 {
			w.WriteHeader(b.employeesStatus)
			return
		}
		_, _ = w.Write([]byte(`{"code":200,"data":[{"id":1,"realName":"小明","status":"AVAILABLE"}]}`))
	default:
		http.NotFound(w, r)
	}
}

// useFakeBackend points the configuration at backend for one test.
func useFakeBackend(t *testing.T, backend *fakeBackend) {
	t.Helper()
	server := httptest.NewServer(backend)
	t.Cleanup(server.Close)

	viper.Set("backend.url", server.URL+"/api")
	viper.Set("backend.username", "cs1")
	viper.Set("backend.password", "pw")
	viper.Set("backend.retries", 2)
	t.Cleanup(viper.Reset)
}

func loginTestApp(t *testing.T, backend *fakeBackend) (*app, *alert.Recorder) {
	t.Helper()
	useFakeBackend(t, backend)

	a, _, err := requireLogin(context.Background())
	if err != nil {
		t.Fatalf("requireLogin returned error: %v", err)
	}
	t.Cleanup(a.close)

	rec := &alert.Recorder{}
	a.alerts = rec
	return a, rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func startEmployeesPoll(a *app) {
	v := views["cs-employees"]
	a.registry.StartSmartPolling(v.Key, a.sessionAware(v.fetcher(a.polls)), nil, time.Hour)
}

func TestApp_NotifierRejectionEndsSession(t *testing.T) {
	backend := &fakeBackend{countStatus: http.StatusUnauthorized}
	a, rec := loginTestApp(t, backend)

	startEmployeesPoll(a)
	waitFor(t, "seed fetch", func() bool { return backend.employeeHits.Load() == 1 })

	a.notifier.Start()
	waitFor(t, "session to end", func() bool { return !a.guard.IsAuthenticated() })

	if keys := a.registry.ActivePollingKeys(); len(keys) != 0 {
		t.Fatalf("active polls = %v, want none", keys)
	}
	if a.notifier.Running() {
		t.Fatal("notifier still running")
	}
	if n := backend.countHits.Load(); n != 1 {
		t.Fatalf("unread count hits = %d, want 1", n)
	}
	if got := rec.Entries(); len(got) != 1 || got[0].Title != notify.SessionExpiredMessage {
		t.Fatalf("alerts = %#v, want one session expired alert", got)
	}
}

func TestApp_RejectedFetchAndNotifierAlertOnce(t *testing.T) {
	backend := &fakeBackend{countStatus: http.StatusUnauthorized, employeesStatus: http.StatusForbidden}
	a, rec := loginTestApp(t, backend)

	a.notifier.Start()
	startEmployeesPoll(a)
	waitFor(t, "session to end", func() bool { return !a.guard.IsAuthenticated() })
	time.Sleep(100 * time.Millisecond)

	if keys := a.registry.ActivePollingKeys(); len(keys) != 0 {
		t.Fatalf("active polls = %v, want none", keys)
	}
	if got := rec.Entries(); len(got) != 1 {
		t.Fatalf("alerts = %#v, want exactly one", got)
	}
}

func TestApp_FailingPollFetchIsNotRetried(t *testing.T) {
	backend := &fakeBackend{employeesStatus: http.StatusInternalServerError}
	a, _ := loginTestApp(t, backend)

	startEmployeesPoll(a)
	waitFor(t, "seed fetch", func() bool { return backend.employeeHits.Load() >= 1 })
	time.Sleep(700 * time.Millisecond)

	if n := backend.employeeHits.Load(); n != 1 {
		t.Fatalf("employee list requests for one failed tick = %d, want 1", n)
	}
	if !a.guard.IsAuthenticated() {
		t.Fatal("a server error must not end the session")
	}
	if _, err := a.client.CSEmployees(context.Background()); err == nil {
		t.Fatal("expected an error from a 500 response")
	}
	if n := backend.employeeHits.Load(); n != 4 {
		t.Fatalf("employee list requests after a retried one-shot call = %d, want 4", n)
	}
}
