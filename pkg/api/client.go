package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
	"github.com/weppos/publicsuffix-go/publicsuffix"
)

// DefaultBaseURL is used when no base URL is configured.
const DefaultBaseURL = "http://127.0.0.1:8080/api"

const (
	defaultUserAgent = "pwatch/0.1"
	defaultTimeout   = 10 * time.Second
	maxMessageLen    = 200
)

// Config controls how the backend is reached.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	RetryMax  int
	UserAgent string
	// Logger receives retry diagnostics. Nil silences them.
	Logger retryablehttp.LeveledLogger
}

// Option customizes a Client.
type Option func(*Client)

// WithCredentials installs the source of the Authorization and X-User-Id
// headers. It is consulted on every request.
func WithCredentials(fn func() Credentials) Option {
	return func(c *Client) { c.creds = fn }
}

// WithRequestGate installs a check that runs before any request leaves
// the process. A non-nil error aborts the request.
func WithRequestGate(fn func(path string) error) Option {
	return func(c *Client) { c.gate = fn }
}

// Client talks to the companion-service backend.
type Client struct {
	baseURL   *url.URL
	http      *retryablehttp.Client
	logger    retryablehttp.LeveledLogger
	userAgent string
	creds     func() Credentials
	gate      func(path string) error
}

// NewClient builds a Client. Session cookies are kept in a jar so the
// cookie-based session of /auth/login survives across calls.
func NewClient(cfg Config, opts ...Option) (*Client, error) {
	base, err := parseBaseURL(cfg.BaseURL)
	if err != nil {
		return nil, err
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.CookieJarList})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	httpClient := &http.Client{Timeout: timeout, Jar: jar}

	ua := strings.TrimSpace(cfg.UserAgent)
	if ua == "" {
		ua = defaultUserAgent
	}

	c := &Client{
		baseURL:   base,
		http:      newRetryClient(httpClient, cfg.RetryMax, cfg.Logger),
		logger:    cfg.Logger,
		userAgent: ua,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func newRetryClient(hc *http.Client, retryMax int, logger retryablehttp.LeveledLogger) *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = hc
	rc.RetryMax = max(retryMax, 0)
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if logger != nil {
		rc.Logger = logger
	} else {
		rc.Logger = nil
	}
	return rc
}

// WithoutRetries returns a client that sends every request exactly once.
// It shares the cookie jar, credentials and request gate with c.
func (c *Client) WithoutRetries() *Client {
	return &Client{
		baseURL:   c.baseURL,
		http:      newRetryClient(c.http.HTTPClient, 0, c.logger),
		logger:    c.logger,
		userAgent: c.userAgent,
		creds:     c.creds,
		gate:      c.gate,
	}
}

// BaseURL returns the normalized backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL.String()
}

// getData issues a GET and decodes the envelope's data field into dest.
func (c *Client) getData(ctx context.Context, path string, query url.Values, dest any) error {
	body, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	return decodeData(path, body, dest)
}

func decodeData(path string, body []byte, dest any) error {
	if dest == nil {
		return nil
	}
	data := gjson.GetBytes(body, "data")
	if !data.Exists() || data.Type == gjson.Null {
		return nil
	}
	if err := json.Unmarshal([]byte(data.Raw), dest); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("client is nil")
	}
	if c.gate != nil {
		if err := c.gate(path); err != nil {
			return nil, err
		}
	}

	reqURL := c.baseURL.JoinPath(path)
	if len(query) > 0 {
		reqURL.RawQuery = query.Encode()
	}

	var rawBody interface{}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		rawBody = b
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, reqURL.String(), rawBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-Id", uuid.NewString())
	req.Header.Set("X-Request-Time", strconv.FormatInt(time.Now().UnixMilli(), 10))
	if c.creds != nil {
		creds := c.creds()
		if creds.Token != "" {
			req.Header.Set("Authorization", "Bearer "+creds.Token)
		}
		req.Header.Set("X-User-Id", creds.userIDHeader())
		if creds.Role != "" {
			req.Header.Set("X-User-Role", creds.Role)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &StatusError{
			Code:    resp.StatusCode,
			Path:    path,
			Message: errorMessage(body),
			kind:    kindForStatus(resp.StatusCode),
		}
	}
	if err := envelopeError(path, body); err != nil {
		return nil, err
	}
	return body, nil
}

// envelopeError reports a failure carried inside a 2xx {code, message}
// envelope. Codes 0 and 200 mean success.
func envelopeError(path string, body []byte) error {
	if !gjson.ValidBytes(body) {
		return nil
	}
	code := gjson.GetBytes(body, "code")
	if !code.Exists() || code.Type != gjson.Number {
		return nil
	}
	n := int(code.Int())
	if n == 0 || n == 200 {
		return nil
	}
	return &StatusError{
		Code:    n,
		Path:    path,
		Message: gjson.GetBytes(body, "message").String(),
		kind:    kindForStatus(n),
	}
}

func errorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		if msg := gjson.GetBytes(body, "message").String(); msg != "" {
			return msg
		}
		if msg := gjson.GetBytes(body, "error").String(); msg != "" {
			return msg
		}
	}
	text := strings.TrimSpace(string(body))
	if title, ok := htmlTitle(text); ok && bytes.Contains(bytes.ToLower(body), []byte("<html")) {
		return title
	}
	if len(text) > maxMessageLen {
		text = text[:maxMessageLen]
	}
	return strings.ToValidUTF8(text, "")
}

func parseBaseURL(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	if !strings.Contains(trimmed, "://") {
		trimmed = "http://" + trimmed
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("parse backend url %q: %w", raw, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("parse backend url %q: missing host", raw)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}
