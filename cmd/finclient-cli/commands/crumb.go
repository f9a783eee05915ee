package commands

import (
	"fmt"

	"finclient/lib/cookiestore"
	"finclient/lib/util/serviceutil"

	"github.com/spf13/cobra"
)

var crumbStrategy *string

func init() {
	crumbStrategy = crumbCmd.Flags().String("strategy", "", "Authenticate with \"csrf\" or \"basic\" instead of the configured strategy.")
	rootCmd.AddCommand(crumbCmd)
}

var crumbCmd = &cobra.Command{
	Use:   "crumb [--strategy <csrf|basic>]",
	Short: "Runs the authentication handshake and prints the crumb it obtained.",
	Run: func(cmd *cobra.Command, args []string) {
		executor := newExecutor()
		auth := executor.Authenticator()

		if *crumbStrategy != "" {
			strategy, ok := cookiestore.ParseStrategy(*crumbStrategy)
			if !ok {
				serviceutil.Fatal("invalid strategy", fmt.Errorf("unknown strategy %q", *crumbStrategy))
			}
			if auth.Session().State().Strategy != strategy {
				auth.ToggleStrategy()
			}
		}

		err := auth.Authenticate(cmd.Context())
		if err != nil {
			serviceutil.Fatal("failed to authenticate", err)
		}
		fmt.Println(auth.Session().State().Crumb)
	},
}
