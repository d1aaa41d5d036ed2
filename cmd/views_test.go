package cmd

import (
	"strings"
	"testing"

	"github.com/peiwan-ops/pwatch/pkg/api"
)

func keys(vs []view) []string {
	var out []string
	for _, v := range vs {
		out = append(out, v.Key)
	}
	return out
}

func TestSelectViews_DefaultsByRole(t *testing.T) {
	tests := []struct {
		role string
		want []string
	}{
		{api.RoleAdmin, []string{"admin-orders", "admin-users"}},
		{api.RoleCustomerService, []string{"cs-employees", "cs-orders"}},
		{api.RoleEmployee, []string{"employee-orders"}},
		{"guest", nil},
	}
	for _, tt := range tests {
		got, err := selectViews(nil, tt.role)
		if err != nil {
			t.Fatalf("selectViews(%s): %v", tt.role, err)
		}
		if g := keys(got); strings.Join(g, ",") != strings.Join(tt.want, ",") {
			t.Errorf("selectViews(%s) = %v, want %v", tt.role, g, tt.want)
		}
	}
}

func TestSelectViews_Explicit(t *testing.T) {
	got, err := selectViews([]string{" cs-orders", "cs-orders", "", "admin-users"}, api.RoleEmployee)
	if err != nil {
		t.Fatal(err)
	}
	if g := keys(got); len(g) != 2 || g[0] != "cs-orders" || g[1] != "admin-users" {
		t.Fatalf("got %v", g)
	}

	if _, err := selectViews([]string{"payroll"}, api.RoleAdmin); err == nil {
		t.Fatal("unknown view accepted")
	}
}

func TestViews_KindMatchesData(t *testing.T) {
	for name, v := range views {
		if v.Key != name {
			t.Errorf("view %s has key %s", name, v.Key)
		}
		if v.Differ.Identity == nil {
			t.Errorf("view %s has no differ", name)
		}
		if !v.Route.RequiresAuth {
			t.Errorf("view %s is reachable without a session", name)
		}
	}
}
