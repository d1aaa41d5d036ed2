package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/tidwall/gjson"
)

// Record list endpoints used by smart polling.
const (
	PathCSEmployees    = "/cs/employees"
	PathCSOrders       = "/cs/orders"
	PathEmployeeOrders = "/employee/orders"
	PathAdminUsers     = "/admin/users"
	PathAdminOrders    = "/admin/orders"
)

// FetchRecords returns the record list behind path. Both a bare array and
// a page object ({records|list|content: [...]}) are accepted.
func (c *Client) FetchRecords(ctx context.Context, path string, query url.Values) ([]Record, error) {
	body, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return nil, err
	}
	data := gjson.GetBytes(body, "data")
	if !data.IsArray() {
		for _, k := range []string{"records", "list", "content", "items"} {
			if inner := data.Get(k); inner.IsArray() {
				data = inner
				break
			}
		}
	}
	if !data.IsArray() {
		return []Record{}, nil
	}
	out := make([]Record, 0, len(data.Array()))
	if err := json.Unmarshal([]byte(data.Raw), &out); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", path, err)
	}
	return out, nil
}

// CSEmployees lists the employees visible to a customer-service agent.
func (c *Client) CSEmployees(ctx context.Context) ([]Record, error) {
	return c.FetchRecords(ctx, PathCSEmployees, nil)
}

// CSOrders lists work orders dispatched by customer service.
func (c *Client) CSOrders(ctx context.Context) ([]Record, error) {
	return c.FetchRecords(ctx, PathCSOrders, nil)
}

// EmployeeOrders lists the orders assigned to the logged-in employee.
func (c *Client) EmployeeOrders(ctx context.Context) ([]Record, error) {
	return c.FetchRecords(ctx, PathEmployeeOrders, nil)
}

// AdminUsers lists every account (admin only).
func (c *Client) AdminUsers(ctx context.Context) ([]Record, error) {
	return c.FetchRecords(ctx, PathAdminUsers, nil)
}

// AdminOrders lists every work order (admin only).
func (c *Client) AdminOrders(ctx context.Context) ([]Record, error) {
	return c.FetchRecords(ctx, PathAdminOrders, nil)
}
