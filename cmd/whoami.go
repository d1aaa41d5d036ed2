package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Log in and print the current user and the views it may watch",
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, _, err := requireLogin(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		// Read back from /auth/me rather than trusting the login response.
		user, err := a.guard.FetchCurrentUser(cmd.Context())
		if err != nil {
			return err
		}

		var allowed []string
		for _, name := range viewNames() {
			if a.guard.Navigate(cmd.Context(), views[name].Route).Allowed {
				allowed = append(allowed, name)
			}
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "User:    %s\n", user.DisplayName())
		fmt.Fprintf(out, "ID:      %d\n", user.ID)
		fmt.Fprintf(out, "Role:    %s\n", user.Role)
		if user.LastLogin != "" {
			fmt.Fprintf(out, "Last:    %s\n", user.LastLogin)
		}
		fmt.Fprintf(out, "Backend: %s\n", a.client.BaseURL())
		fmt.Fprintf(out, "Views:   %s\n", strings.Join(allowed, ", "))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(whoamiCmd)
}
