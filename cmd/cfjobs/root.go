package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/cf-client/internal/config"
	"github.com/Sternrassler/cf-client/pkg/client"
	"github.com/Sternrassler/cf-client/pkg/logging"
	"github.com/Sternrassler/cf-client/pkg/metrics"
)

// flag names
const (
	flagAPI         = "api"
	flagToken       = "token"
	flagRedis       = "redis"
	flagLogLevel    = "log-level"
	flagPretty      = "pretty"
	flagMetricsAddr = "metrics-addr"
	flagEnvFile     = "env-file"
	flagTimeout     = "timeout"
)

// app is the state shared by all subcommands of one invocation.
type app struct {
	settings config.Settings
	envFile  string

	client *client.Client
	redis  *redis.Client
	logger zerolog.Logger

	stopMetrics context.CancelFunc
	metricsDone chan error
}

// execute runs one invocation and releases its resources afterwards, also
// when the command failed.
func execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root, a := newRootCmd()
	defer a.close()

	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{}

	root := &cobra.Command{
		Use:   "cfjobs",
		Short: "Wait for platform jobs and walk paginated collections",
		Long: `cfjobs talks to a Cloud Foundry style platform API. It waits for
asynchronous jobs and application staging with bounded exponential backoff,
and lists paginated v2/v3 collections as JSON lines.

Settings come from flags, then the environment (CF_API_URL, CF_TOKEN,
REDIS_URL, ...), then a .env file.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	flags := root.PersistentFlags()
	flags.String(flagAPI, "", "API root URL (env: CF_API_URL)")
	flags.String(flagToken, "", "OAuth access token (env: CF_TOKEN)")
	flags.String(flagRedis, "", "Redis URL or host:port for caching and shared quota (env: REDIS_URL)")
	flags.String(flagLogLevel, "", "Log level: debug, info, warn, error, disabled (env: LOG_LEVEL)")
	flags.Bool(flagPretty, false, "Human readable logs (env: LOG_PRETTY)")
	flags.String(flagMetricsAddr, "", "Serve Prometheus metrics on this address while running (env: METRICS_ADDR)")
	flags.StringVar(&a.envFile, flagEnvFile, ".env", "Optional dotenv file")

	root.AddCommand(newWaitCmd(a))
	root.AddCommand(newWaitStagedCmd(a))
	root.AddCommand(newListCmd(a))
	root.AddCommand(newDeleteCmd(a))

	return root, a
}

// setup resolves settings with the precedence flag > environment > .env >
// default, then builds the logger, Redis connection and API client.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	settings, err := config.Load(a.envFile)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	override := func(name string, target *string) {
		if flags.Changed(name) {
			*target, _ = flags.GetString(name)
		}
	}
	override(flagAPI, &settings.APIURL)
	override(flagToken, &settings.Token)
	override(flagRedis, &settings.RedisURL)
	override(flagLogLevel, &settings.LogLevel)
	override(flagMetricsAddr, &settings.MetricsAddr)
	if flags.Changed(flagPretty) {
		settings.LogPretty, _ = flags.GetBool(flagPretty)
	}
	if flags.Lookup(flagTimeout) != nil && flags.Changed(flagTimeout) {
		if settings.JobTimeout, err = flags.GetDuration(flagTimeout); err != nil {
			return err
		}
	}
	a.settings = settings

	logCfg, err := settings.Logging()
	if err != nil {
		return err
	}
	logCfg.Output = cmd.ErrOrStderr()
	logging.Setup(logCfg)

	a.logger, _ = logging.WithRunID(logging.NewLogger("cfjobs"))
	a.logger.Debug().Str("command", cmd.Name()).Msg("Starting")

	redisOpts, err := settings.RedisOptions()
	if err != nil {
		return err
	}
	if redisOpts != nil {
		a.redis = redis.NewClient(redisOpts)
		pingCtx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
		defer cancel()
		if err := a.redis.Ping(pingCtx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", redisOpts.Addr, err)
		}
		a.logger.Debug().Str("addr", redisOpts.Addr).Msg("Connected to Redis")
	}

	clientCfg, err := settings.ClientConfig(a.redis)
	if err != nil {
		return err
	}
	if a.client, err = client.New(clientCfg); err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	if settings.MetricsAddr != "" {
		srv, err := metrics.Listen(settings.MetricsAddr, a.logger)
		if err != nil {
			return fmt.Errorf("listen for metrics: %w", err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		a.stopMetrics = cancel
		a.metricsDone = make(chan error, 1)
		go func() { a.metricsDone <- srv.Serve(ctx) }()
	}

	return nil
}

func (a *app) close() error {
	if a.stopMetrics != nil {
		a.stopMetrics()
		a.stopMetrics = nil
		if err := <-a.metricsDone; err != nil {
			a.logger.Warn().Err(err).Msg("Metrics server stopped with error")
		}
	}
	if a.client != nil {
		a.client.Close()
	}
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}
