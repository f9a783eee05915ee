package commands

import (
	"log/slog"
	"os"

	"finclient/lib/session"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var statusAuthenticate *bool

func init() {
	statusAuthenticate = statusCmd.Flags().Bool("authenticate", false, "Authenticate before printing the status.")
	rootCmd.AddCommand(statusCmd)
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(os.Stdout)
	return t
}

func renderStatus(t table.Writer, status session.StatusReport) {
	t.AppendHeader(table.Row{"Property", "Value"})
	t.AppendRows([]table.Row{
		{"Strategy", status.State.Strategy.String()},
		{"Phase", status.State.Phase.String()},
		{"Authenticated", status.State.Authenticated},
		{"Crumb", status.State.Crumb},
		{"Identity", status.Identity},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Valid auth cookie", status.Cookies.HasValidAuthCookie},
		{"Domain cookies", status.Cookies.DomainCookieCount},
		{"Valid cookies", status.Cookies.ValidCookieCount},
		{"Cached cookies", status.Cookies.CachedCookieCount},
	})
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Minimum interval", status.RateLimit.MinimumInterval.String()},
		{"Max concurrent requests", status.RateLimit.MaxConcurrentRequests},
		{"In flight", status.InFlight},
	})
}

var statusCmd = &cobra.Command{
	Use:   "status [--authenticate]",
	Short: "Prints the state of a session, its cookies and its rate limit.",
	Run: func(cmd *cobra.Command, args []string) {
		executor := newExecutor()
		auth := executor.Authenticator()

		if *statusAuthenticate {
			err := auth.Authenticate(cmd.Context())
			if err != nil {
				slog.Warn("failed to authenticate", "err", err)
			}
		}
		auth.Session().Store().CleanupExpired()

		t := newTable()
		renderStatus(t, auth.Session().Status())
		t.Render()
	},
}
