package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

// Paths that never require an established session.
var publicPaths = []string{
	"/auth/login",
	"/auth/register",
	"/auth/check-username",
	"/auth/check-phone",
	"/auth/me",
}

// IsPublicPath reports whether path may be called without a session.
func IsPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// Login authenticates with username and password. The backend sets a
// session cookie and may also return bearer tokens.
func (c *Client) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	if req.Username == "" || req.Password == "" {
		return nil, fmt.Errorf("username and password required")
	}
	body, err := c.do(ctx, http.MethodPost, "/auth/login", nil, req)
	if err != nil {
		return nil, err
	}

	data := gjson.GetBytes(body, "data")
	res := &LoginResult{
		AccessToken:  firstString(data, "access_token", "accessToken"),
		RefreshToken: firstString(data, "refresh_token", "refreshToken"),
	}
	if u := data.Get("user"); u.Exists() {
		var user User
		if err := json.Unmarshal([]byte(u.Raw), &user); err != nil {
			return nil, fmt.Errorf("decode login user: %w", err)
		}
		res.User = &user
	}
	return res, nil
}

// Logout ends the server-side session.
func (c *Client) Logout(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/auth/logout", nil, nil)
	return err
}

// Me returns the user bound to the current session. The backend answers
// either {data: {user: …}} or {data: …}.
func (c *Client) Me(ctx context.Context) (*User, error) {
	body, err := c.do(ctx, http.MethodGet, "/auth/me", nil, nil)
	if err != nil {
		return nil, err
	}
	data := gjson.GetBytes(body, "data")
	if u := data.Get("user"); u.Exists() {
		data = u
	}
	if !data.IsObject() {
		return nil, fmt.Errorf("decode /auth/me response: no user")
	}
	var user User
	if err := json.Unmarshal([]byte(data.Raw), &user); err != nil {
		return nil, fmt.Errorf("decode /auth/me response: %w", err)
	}
	return &user, nil
}

func firstString(r gjson.Result, keys ...string) string {
	for _, k := range keys {
		if v := r.Get(k).String(); v != "" {
			return v
		}
	}
	return ""
}
