package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestParseBaseURL_DefaultsAndNormalizes(t *testing.T) {
	u, err := parseBaseURL("")
	if err != nil {
		t.Fatalf("parseBaseURL returned error: %v", err)
	}
	if u.String() != DefaultBaseURL {
		t.Fatalf("url = %q, want %q", u.String(), DefaultBaseURL)
	}

	u, err = parseBaseURL("example.com:1234/api/?x=1#frag")
	if err != nil {
		t.Fatalf("parseBaseURL returned error: %v", err)
	}
	if u.Scheme != "http" || u.Path != "/api" || u.RawQuery != "" || u.Fragment != "" {
		t.Fatalf("url not normalized: %q", u.String())
	}
}

func newTestClient(t *testing.T, h http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)
	c, err := NewClient(Config{BaseURL: server.URL + "/api", Timeout: 2 * time.Second}, opts...)
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}
	return c
}

func TestClient_NotificationEndpointsAndHeaders(t *testing.T) {
	t.Parallel()

	var (
		mu                                          sync.Mutex
		gotAuth, gotUserID, gotRequestID, gotLimit string
		gotBatch                                    []int64
		paths                                       []string
	)

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		paths = append(paths, r.Method+" "+r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotUserID = r.Header.Get("X-User-Id")
		gotRequestID = r.Header.Get("X-Request-Id")
		w.Header().Set("Content-Type", "application/json")

		switch r.URL.Path {
		case "/api/notifications/unread/count":
			_, _ = w.Write([]byte(`{"code":200,"data":3}`))
		case "/api/notifications/unread":
			gotLimit = r.URL.Query().Get("limit")
			_, _ = w.Write([]byte(`{"code":200,"data":[{"id":7,"type":"ORDER_ASSIGNMENT","content":"new","data":"{\"orderNumber\":\"A1\"}"}]}`))
		case "/api/notifications/type/ORDER_ASSIGNMENT":
			_, _ = w.Write([]byte(`{"data":[{"id":8,"type":"ORDER_ASSIGNMENT","data":{"orderNumber":"B2"}}]}`))
		case "/api/notifications/batch-read":
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, &gotBatch)
			_, _ = w.Write([]byte(`{"code":200}`))
		case "/api/notifications/7/read", "/api/notifications/read-all":
			_, _ = w.Write([]byte(`{"code":200}`))
		default:
			http.NotFound(w, r)
		}
	}, WithCredentials(func() Credentials { return Credentials{Token: "tok", UserID: 42} }))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)

	n, err := c.UnreadCount(ctx)
	if err != nil || n != 3 {
		t.Fatalf("UnreadCount = %d, %v; want 3, nil", n, err)
	}
	mu.Lock()
	if gotAuth != "Bearer tok" || gotUserID != "42" || gotRequestID == "" {
		t.Fatalf("headers = auth %q user %q reqid %q", gotAuth, gotUserID, gotRequestID)
	}
	mu.Unlock()

	list, err := c.UnreadNotifications(ctx, 10)
	if err != nil {
		t.Fatalf("UnreadNotifications returned error: %v", err)
	}
	mu.Lock()
	if gotLimit != "10" {
		t.Fatalf("limit = %q, want 10", gotLimit)
	}
	mu.Unlock()
	if len(list) != 1 || list[0].ID != 7 || string(list[0].Data) != `{"orderNumber":"A1"}` {
		t.Fatalf("UnreadNotifications = %#v", list)
	}

	typed, err := c.UnreadByType(ctx, TypeOrderAssignment, 0)
	if err != nil {
		t.Fatalf("UnreadByType returned error: %v", err)
	}
	if len(typed) != 1 || string(typed[0].Data) != `{"orderNumber":"B2"}` {
		t.Fatalf("UnreadByType = %#v, want inline object data kept", typed)
	}

	if err := c.MarkRead(ctx, 7); err != nil {
		t.Fatalf("MarkRead returned error: %v", err)
	}
	if err := c.MarkBatchRead(ctx, []int64{1, 2}); err != nil {
		t.Fatalf("MarkBatchRead returned error: %v", err)
	}
	mu.Lock()
	if len(gotBatch) != 2 || gotBatch[0] != 1 || gotBatch[1] != 2 {
		t.Fatalf("batch body = %v, want [1 2]", gotBatch)
	}
	mu.Unlock()
	if err := c.MarkAllRead(ctx); err != nil {
		t.Fatalf("MarkAllRead returned error: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if got := paths[len(paths)-1]; got != "POST /api/notifications/read-all" {
		t.Fatalf("last request = %q", got)
	}
}

func TestClient_UnauthorizedAndForbidden(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/notifications/unread/count":
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"code":401,"message":"请先登录"}`))
		case "/api/admin/users":
			w.WriteHeader(http.StatusForbidden)
		default:
			http.NotFound(w, r)
		}
	})

	_, err := c.UnreadCount(context.Background())
	if !errors.Is(err, ErrUnauthorized) || !IsAuthFailure(err) {
		t.Fatalf("UnreadCount error = %v, want ErrUnauthorized", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Code != 401 || se.Message != "请先登录" {
		t.Fatalf("StatusError = %#v", se)
	}

	_, err = c.AdminUsers(context.Background())
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("AdminUsers error = %v, want ErrForbidden", err)
	}
}

func TestClient_EnvelopeErrorAndHTMLTitle(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/cs/orders":
			_, _ = w.Write([]byte(`{"code":500,"message":"db down"}`))
		case "/api/cs/employees":
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte("<html><head><title>502 Bad Gateway</title></head><body></body></html>"))
		default:
			http.NotFound(w, r)
		}
	})

	_, err := c.CSOrders(context.Background())
	if err == nil || !strings.Contains(err.Error(), "db down") {
		t.Fatalf("CSOrders error = %v, want envelope message", err)
	}

	_, err = c.CSEmployees(context.Background())
	if err == nil || !strings.Contains(err.Error(), "502 Bad Gateway") {
		t.Fatalf("CSEmployees error = %v, want html title", err)
	}
}

func TestClient_FetchRecordsAcceptsPages(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/employee/orders":
			_, _ = w.Write([]byte(`{"data":{"records":[{"id":1,"status":"IN_PROGRESS"}],"total":1}}`))
		case "/api/admin/users":
			_, _ = w.Write([]byte(`{"data":[{"id":1},{"id":2}]}`))
		default:
			http.NotFound(w, r)
		}
	})

	orders, err := c.EmployeeOrders(context.Background())
	if err != nil {
		t.Fatalf("EmployeeOrders returned error: %v", err)
	}
	if len(orders) != 1 || orders[0]["status"] != "IN_PROGRESS" {
		t.Fatalf("EmployeeOrders = %#v", orders)
	}
	users, err := c.AdminUsers(context.Background())
	if err != nil || len(users) != 2 {
		t.Fatalf("AdminUsers = %#v, %v", users, err)
	}
}

func TestClient_LoginAndMe(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/auth/login":
			var req LoginRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Password != "pw" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			http.SetCookie(w, &http.Cookie{Name: "SESSION", Value: "abc", Path: "/"})
			_, _ = w.Write([]byte(`{"code":200,"data":{"accessToken":"t1","user":{"id":9,"username":"cs1","role":"customer-service"}}}`))
		case "/api/auth/me":
			if ck, err := r.Cookie("SESSION"); err != nil || ck.Value != "abc" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			_, _ = w.Write([]byte(`{"code":200,"data":{"user":{"id":9,"username":"cs1","role":"customer-service"}}}`))
		default:
			http.NotFound(w, r)
		}
	})

	if _, err := c.Me(context.Background()); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("Me before login error = %v, want ErrUnauthorized", err)
	}

	res, err := c.Login(context.Background(), LoginRequest{Username: "cs1", Password: "pw"})
	if err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	if res.AccessToken != "t1" || res.User == nil || res.User.ID != 9 {
		t.Fatalf("Login result = %#v", res)
	}

	me, err := c.Me(context.Background())
	if err != nil {
		t.Fatalf("Me returned error: %v", err)
	}
	if me.Role != RoleCustomerService {
		t.Fatalf("Me role = %q", me.Role)
	}
}

func TestClient_RequestGateBlocksBeforeNetwork(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write([]byte(`{"data":0}`))
	}, WithRequestGate(func(path string) error {
		if IsPublicPath(path) {
			return nil
		}
		return ErrNotAuthenticated
	}))

	if _, err := c.UnreadCount(context.Background()); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("UnreadCount error = %v, want ErrNotAuthenticated", err)
	}
	if n := hits.Load(); n != 0 {
		t.Fatalf("server hits = %d, want 0", n)
	}
}

func TestClient_WithoutRetriesSendsOnce(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	c, err := NewClient(Config{BaseURL: server.URL + "/api", Timeout: 2 * time.Second, RetryMax: 2},
		WithCredentials(func() Credentials { return Credentials{Token: "t1", UserID: 3} }))
	if err != nil {
		t.Fatalf("NewClient returned error: %v", err)
	}

	if _, err := c.CSEmployees(context.Background()); err == nil {
		t.Fatal("expected an error from a 500 response")
	}
	if n := hits.Load(); n != 3 {
		t.Fatalf("retrying client hits = %d, want 3", n)
	}

	hits.Store(0)
	once := c.WithoutRetries()
	_, err = once.CSEmployees(context.Background())
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusInternalServerError {
		t.Fatalf("CSEmployees error = %v, want a 500 StatusError", err)
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("single-shot client hits = %d, want 1", n)
	}
	if once.BaseURL() != c.BaseURL() {
		t.Fatalf("BaseURL = %q, want %q", once.BaseURL(), c.BaseURL())
	}
}
