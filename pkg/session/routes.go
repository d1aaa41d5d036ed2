package session

import (
	"context"
	"net/url"
	"slices"

	"github.com/peiwan-ops/pwatch/pkg/api"
)

// Route is a view that may require a session or a role.
type Route struct {
	Name         string
	Path         string
	RequiresAuth bool
	// Role must equal the user role when set.
	Role string
	// Roles must contain the user role when set.
	Roles []string
}

// Built-in routes.
var (
	Home            = Route{Name: "Home", Path: "/"}
	Login           = Route{Name: "Login", Path: "/login"}
	Register        = Route{Name: "Register", Path: "/register"}
	Admin           = Route{Name: "Admin", Path: "/admin", RequiresAuth: true, Role: api.RoleAdmin}
	Employee        = Route{Name: "Employee", Path: "/employee", RequiresAuth: true, Role: api.RoleEmployee}
	CustomerService = Route{Name: "CustomerService", Path: "/customer-service", RequiresAuth: true, Role: api.RoleCustomerService}
	EmployeeDetail  = Route{
		Name:         "EmployeeDetail",
		Path:         "/customer-service/employee/:id",
		RequiresAuth: true,
		Roles:        []string{api.RoleCustomerService, api.RoleAdmin},
	}
)

// Decision is the outcome of a navigation.
type Decision struct {
	Allowed bool
	// Redirect is the route to show instead when not allowed.
	Redirect Route
	// Query carries the redirect target for the login route.
	Query url.Values
}

// Location renders the redirect as a path with query.
func (d Decision) Location() string {
	if d.Allowed {
		return ""
	}
	if len(d.Query) == 0 {
		return d.Redirect.Path
	}
	return d.Redirect.Path + "?" + d.Query.Encode()
}

// Navigate decides whether the user may enter to. Protected routes wait
// for the current user to be resolved first.
func (g *Guard) Navigate(ctx context.Context, to Route) Decision {
	if to.RequiresAuth {
		if !g.IsAuthenticated() {
			if _, err := g.fetchUser(ctx); err != nil {
				g.log.Debugf("No session for %s: %v", to.Path, err)
			}
		}
		if !g.IsAuthenticated() {
			return Decision{Redirect: Login, Query: url.Values{"redirect": {to.Path}}}
		}

		role := g.UserRole()
		if to.Role != "" && role != to.Role {
			return Decision{Redirect: Home}
		}
		if len(to.Roles) > 0 && !slices.Contains(to.Roles, role) {
			return Decision{Redirect: Home}
		}
	}

	if to.Name == Login.Name && g.IsAuthenticated() {
		return Decision{Redirect: Home}
	}
	return Decision{Allowed: true}
}
