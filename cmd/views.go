package cmd

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/peiwan-ops/pwatch/pkg/api"
	"github.com/peiwan-ops/pwatch/pkg/diff"
	"github.com/peiwan-ops/pwatch/pkg/polling"
	"github.com/peiwan-ops/pwatch/pkg/session"
)

// view is a backend list that can be watched for changes.
type view struct {
	Key      string
	Route    session.Route
	Path     string
	Differ   diff.Differ
	Interval time.Duration
}

var views = map[string]view{
	"cs-employees": {
		Key:      "cs-employees",
		Route:    session.CustomerService,
		Path:     api.PathCSEmployees,
		Differ:   diff.Employees,
		Interval: polling.CSEmployeesInterval,
	},
	"cs-orders": {
		Key:    "cs-orders",
		Route:  session.CustomerService,
		Path:   api.PathCSOrders,
		Differ: diff.Orders,
	},
	"employee-orders": {
		Key:      "employee-orders",
		Route:    session.Employee,
		Path:     api.PathEmployeeOrders,
		Differ:   diff.Orders,
		Interval: polling.EmployeeOrdersInterval,
	},
	"admin-users": {
		Key:      "admin-users",
		Route:    session.Admin,
		Path:     api.PathAdminUsers,
		Differ:   diff.Users,
		Interval: polling.AdminUsersInterval,
	},
	"admin-orders": {
		Key:    "admin-orders",
		Route:  session.Admin,
		Path:   api.PathAdminOrders,
		Differ: diff.Orders,
	},
}

func viewNames() []string {
	names := make([]string, 0, len(views))
	for name := range views {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// selectViews resolves the requested view names. With none requested every
// view whose route matches role is selected.
func selectViews(requested []string, role string) ([]view, error) {
	var out []view
	if len(requested) == 0 {
		for _, name := range viewNames() {
			v := views[name]
			if v.Route.Role == role {
				out = append(out, v)
			}
		}
		return out, nil
	}
	seen := map[string]bool{}
	for _, name := range requested {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			continue
		}
		v, ok := views[name]
		if !ok {
			return nil, fmt.Errorf("unknown view %q (available: %s)", name, strings.Join(viewNames(), ", "))
		}
		seen[name] = true
		out = append(out, v)
	}
	return out, nil
}

func (v view) fetcher(c *api.Client) polling.Fetcher {
	return func(ctx context.Context) (any, error) {
		return c.FetchRecords(ctx, v.Path, nil)
	}
}
