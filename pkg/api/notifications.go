package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
)

// UnreadCount returns the server-side unread notification count.
func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var n int
	if err := c.getData(ctx, "/notifications/unread/count", nil, &n); err != nil {
		return 0, err
	}
	return n, nil
}

// UnreadNotifications returns up to limit of the most recent unread
// notifications. A non-positive limit uses the backend default.
func (c *Client) UnreadNotifications(ctx context.Context, limit int) ([]Notification, error) {
	values := url.Values{}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	var out []Notification
	if err := c.getData(ctx, "/notifications/unread", values, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UnreadByType returns unread notifications of one type. A non-positive
// limit means no limit.
func (c *Client) UnreadByType(ctx context.Context, typ string, limit int) ([]Notification, error) {
	if typ == "" {
		return nil, fmt.Errorf("notification type required")
	}
	values := url.Values{}
	if limit > 0 {
		values.Set("limit", strconv.Itoa(limit))
	}
	var out []Notification
	if err := c.getData(ctx, "/notifications/type/"+url.PathEscape(typ), values, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRead marks one notification read.
func (c *Client) MarkRead(ctx context.Context, id int64) error {
	_, err := c.do(ctx, http.MethodPost, "/notifications/"+strconv.FormatInt(id, 10)+"/read", nil, nil)
	return err
}

// MarkBatchRead marks every id read in one call.
func (c *Client) MarkBatchRead(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := c.do(ctx, http.MethodPost, "/notifications/batch-read", nil, ids)
	return err
}

// MarkAllRead marks every notification of the caller read.
func (c *Client) MarkAllRead(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodPost, "/notifications/read-all", nil, nil)
	return err
}
