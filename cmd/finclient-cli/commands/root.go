package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"finclient/internal/components/telemetry"
	"finclient/lib/configutil"
	"finclient/lib/identity"
	"finclient/lib/ratelimit"
	"finclient/lib/restyutil"
	"finclient/lib/session"
	libtelemetry "finclient/lib/telemetry"
	"finclient/lib/util/serviceutil"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

const serviceName = "finclient-cli"

var (
	verbose    *bool
	enableOtel *bool
	configName *string
)

func init() {
	verbose = rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Log debug output and dump every http message to <dev_state>/resty.")
	enableOtel = rootCmd.PersistentFlags().Bool("otel", false, "Export traces and metrics to the collectors in the telemetry section of the config.")
	configName = rootCmd.PersistentFlags().String("config", "finclient.json5", "The config file to look for in the current directory and its parents.")
}

// fileConfig is the layout of finclient.json5, the session settings sit at
// the top level next to a "telemetry" section.
type fileConfig struct {
	session.Config
	Telemetry libtelemetry.Config `json:"telemetry"`
}

var (
	config fileConfig
	tel    telemetry.API = telemetry.SlogAPI{}
)

// resourceAttributes describe the session this process runs with.
func resourceAttributes(c fileConfig) []attribute.KeyValue {
	strategy := c.InitialStrategy
	if strategy == "" {
		strategy = "csrf"
	}
	profile := c.Identity.StartProfile
	if profile == "" {
		profile = identity.DefaultProfiles()[0].Name
	}
	return []attribute.KeyValue{
		libtelemetry.AttrInitialStrategy.String(strategy),
		libtelemetry.AttrIdentity.String(profile),
		libtelemetry.AttrRateLimitPreset.String(c.RateLimitPreset),
	}
}

func setupOtel(ctx context.Context) {
	if !config.Telemetry.Enabled() {
		slog.Warn("--otel is set but the config has no telemetry exporters", "config", *configName)
		return
	}
	err := libtelemetry.Setup(ctx, serviceName, config.Telemetry, resourceAttributes(config)...)
	if err != nil {
		serviceutil.Fatal("failed to setup telemetry", err)
	}
	otelAPI, err := telemetry.NewOtelAPI(otel.Meter("finclient/reports"))
	if err != nil {
		serviceutil.Fatal("failed to setup telemetry", err)
	}
	tel = telemetry.MultiAPI{telemetry.SlogAPI{}, otelAPI}
	libtelemetry.InstrumentPerfStats(ctx, 15*time.Second)
}

var rootCmd = &cobra.Command{
	Use:   "finclient-cli",
	Short: "finclient-cli authenticates against the financial data provider and fetches data from it.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		libtelemetry.InitSlog(*verbose)

		var err error
		config, err = configutil.ReadOrDefault(*configName, fileConfig{Config: session.DefaultConfig()})
		if err != nil {
			serviceutil.Fatal("failed to read config", err)
		}
		if *enableOtel {
			setupOtel(cmd.Context())
		}
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if !*enableOtel {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := libtelemetry.Shutdown(ctx)
		if err != nil {
			slog.Warn("failed to flush telemetry", "err", err)
		}
	},
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newExecutor builds a session from the config read by the root command, it
// exits the process on failure.
func newExecutor() *session.Executor {
	rateLimit, err := config.RateLimit()
	if err != nil {
		serviceutil.Fatal("invalid rate limit", err)
	}
	limiter := ratelimit.Shared()
	err = limiter.Configure(rateLimit)
	if err != nil {
		serviceutil.Fatal("invalid rate limit", err)
	}

	opts := session.Options{
		Config:    config.Config,
		Limiter:   limiter,
		Telemetry: tel,
	}
	if *verbose {
		output, err := restyutil.NewFilesystemOutput("<dev_state>/resty")
		if err != nil {
			serviceutil.Fatal("failed to create http dump directory", err)
		}
		slog.Debug("dumping http messages", "dir", output.Directory())
		opts.InstrumentOutput = output
	}

	s, err := session.New(opts)
	if err != nil {
		serviceutil.Fatal("failed to create session", err)
	}
	return session.NewExecutor(session.NewAuthenticator(s))
}
