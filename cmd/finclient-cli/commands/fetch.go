package commands

import (
	"log/slog"
	"os"

	"finclient/lib/util/serviceutil"

	"github.com/spf13/cobra"
)

var rotateIdentity *bool

func init() {
	rotateIdentity = fetchCmd.Flags().Bool("rotate-identity", false, "Switch to the next browser identity before fetching.")
	rootCmd.AddCommand(fetchCmd)
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <url> [--rotate-identity]",
	Short: "Fetches a url with an authenticated session and writes the body to stdout.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		executor := newExecutor()
		if *rotateIdentity {
			profile := executor.RotateIdentity()
			slog.Info("using identity", "name", profile.Name)
		}

		res, err := executor.Request(cmd.Context(), args[0])
		if err != nil {
			serviceutil.Fatal("request failed", err)
		}
		slog.Debug("fetched", "url", res.URL, "status", res.StatusCode, "bytes", len(res.Body))
		os.Stdout.Write(res.Body)
	},
}
