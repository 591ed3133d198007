package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/bluesky-social/warden/automod/decay"
	"github.com/bluesky-social/warden/automod/keylock"
	"github.com/bluesky-social/warden/automod/ledger"
	"github.com/bluesky-social/warden/automod/policy"
	"github.com/bluesky-social/warden/automod/sweep"
	"github.com/bluesky-social/warden/pkg/env"
	"github.com/bluesky-social/warden/util/cliutil"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	cli "github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
)

func main() {
	if err := run(os.Args); err != nil {
		slog.Error("exiting", "err", err)
		os.Exit(-1)
	}
}

func run(args []string) error {

	app := cli.App{
		Name:    "warden",
		Usage:   "community moderation daemon (escalating sanctions with rehabilitation)",
		Version: versioninfo.Short(),
	}

	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "log verbosity level (eg: warn, info, debug)",
			EnvVars: []string{"WARDEN_LOG_LEVEL", "LOG_LEVEL"},
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "log output format (json or text)",
			Value:   "json",
			EnvVars: []string{"WARDEN_LOG_FMT"},
		},
		&cli.StringFlag{
			Name:    "policy-file",
			Usage:   "path to moderation policy YAML; built-in policy when empty",
			EnvVars: []string{"WARDEN_POLICY_FILE"},
		},
	}

	app.Before = func(cctx *cli.Context) error {
		env.Version = versioninfo.Short()
		_, err := cliutil.SetupSlog(cliutil.LogOptions{
			LogLevel:  cctx.String("log-level"),
			LogFormat: cctx.String("log-format"),
		})
		return err
	}

	app.Commands = []*cli.Command{
		runCmd,
		classifyCmd,
		checkPolicyCmd,
		decayOnceCmd,
		sweepOnceCmd,
	}

	return app.Run(args)
}

var storeFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "ledger-store",
		Usage:   "ledger backend: sql, redis, or memory",
		Value:   "sql",
		EnvVars: []string{"WARDEN_LEDGER_STORE"},
	},
	&cli.StringFlag{
		Name:    "database-url",
		Value:   "sqlite://data/warden/warden.db",
		EnvVars: []string{"DATABASE_URL"},
	},
	&cli.IntFlag{
		Name:    "max-db-connections",
		Value:   40,
		EnvVars: []string{"WARDEN_MAX_DB_CONNECTIONS"},
	},
	&cli.BoolFlag{
		Name:    "db-tracing",
		Usage:   "emit OpenTelemetry spans for ledger SQL queries",
		EnvVars: []string{"WARDEN_DB_TRACING"},
	},
	&cli.StringFlag{
		Name:    "redis-url",
		Usage:   "redis for counters, dedupe, and job checkpoints (and ledgers with --ledger-store=redis)",
		EnvVars: []string{"WARDEN_REDIS_URL", "REDIS_URL"},
	},
}

func storeConfig(cctx *cli.Context) Config {
	return Config{
		LedgerStore:      cctx.String("ledger-store"),
		DatabaseURL:      cctx.String("database-url"),
		MaxDBConnections: cctx.Int("max-db-connections"),
		DBTracing:        cctx.Bool("db-tracing"),
		RedisURL:         cctx.String("redis-url"),
		PolicyFile:       cctx.String("policy-file"),
		Logger:           slog.Default(),
	}
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "run the service",
	Flags: append([]cli.Flag{
		&cli.BoolFlag{
			Name:    "readonly",
			Usage:   "record and log sanctions without calling the platform",
			EnvVars: []string{"WARDEN_READONLY", "READONLY"},
		},
		&cli.StringFlag{
			Name:    "bind",
			Usage:   "IP or address, and port, to listen on for HTTP APIs",
			Value:   ":3990",
			EnvVars: []string{"WARDEN_BIND"},
		},
		&cli.StringFlag{
			Name:    "metrics-listen",
			Usage:   "IP or address, and port, to listen on for metrics APIs",
			Value:   ":3991",
			EnvVars: []string{"WARDEN_METRICS_LISTEN"},
		},
		&cli.StringFlag{
			Name:    "actuator-url",
			Usage:   "base URL of the platform moderation webhook",
			EnvVars: []string{"WARDEN_ACTUATOR_URL"},
		},
		&cli.StringFlag{
			Name:    "actuator-token",
			Usage:   "bearer token for the platform moderation webhook",
			EnvVars: []string{"WARDEN_ACTUATOR_TOKEN"},
		},
		&cli.Float64Flag{
			Name:    "actuator-rate-limit",
			Usage:   "max platform action requests per second",
			Value:   10,
			EnvVars: []string{"WARDEN_ACTUATOR_RATE_LIMIT"},
		},
		&cli.DurationFlag{
			Name:    "actuator-timeout",
			Usage:   "bound on each platform action",
			Value:   5 * time.Second,
			EnvVars: []string{"WARDEN_ACTUATOR_TIMEOUT"},
		},
		&cli.IntFlag{
			Name:    "ban-quota-per-day",
			Usage:   "max bans sent to the platform per community per day (0 disables)",
			Value:   50,
			EnvVars: []string{"WARDEN_BAN_QUOTA_PER_DAY"},
		},
		&cli.StringFlag{
			Name:    "slack-webhook-url",
			Usage:   "full URL of slack webhook for sanction audit messages",
			EnvVars: []string{"SLACK_WEBHOOK_URL"},
		},
		&cli.DurationFlag{
			Name:    "shutdown-timeout",
			Usage:   "how long to wait for in-flight events on shutdown",
			Value:   15 * time.Second,
			EnvVars: []string{"WARDEN_SHUTDOWN_TIMEOUT"},
		},
	}, storeFlags...),
	Action: func(cctx *cli.Context) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		logger := slog.Default()

		shutdownOTEL := configOTEL(ctx, "warden")
		defer shutdownOTEL()

		config := storeConfig(cctx)
		config.Readonly = cctx.Bool("readonly")
		config.Bind = cctx.String("bind")
		config.ActuatorURL = cctx.String("actuator-url")
		config.ActuatorToken = cctx.String("actuator-token")
		config.ActuatorRateLimit = cctx.Float64("actuator-rate-limit")
		config.ActuatorTimeout = cctx.Duration("actuator-timeout")
		config.BanQuotaPerDay = cctx.Int("ban-quota-per-day")
		config.SlackWebhookURL = cctx.String("slack-webhook-url")
		config.ShutdownTimeout = cctx.Duration("shutdown-timeout")

		srv, err := NewServer(config)
		if err != nil {
			return err
		}

		if err := srv.Run(ctx, cctx.String("metrics-listen")); err != nil {
			return fmt.Errorf("failed to run warden service: %w", err)
		}
		logger.Info("graceful shutdown complete")
		return nil
	},
}

func loadPolicy(path string) (*policy.Policy, error) {
	if path == "" {
		return policy.DefaultPolicy(), nil
	}
	return policy.LoadFile(path)
}

var checkPolicyCmd = &cli.Command{
	Name:      "check-policy",
	Usage:     "validate a policy file and print its compiled form",
	ArgsUsage: `[<path>]`,
	Action: func(cctx *cli.Context) error {
		path := cctx.Args().First()
		if path == "" {
			path = cctx.String("policy-file")
		}
		p, err := loadPolicy(path)
		if err != nil {
			return err
		}
		b, err := json.MarshalIndent(p, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(b))
		return nil
	},
}

var classifyCmd = &cli.Command{
	Name:      "classify",
	Usage:     "run the classifier against a text, without touching any ledger",
	ArgsUsage: `<text>`,
	Action: func(cctx *cli.Context) error {
		text := strings.Join(cctx.Args().Slice(), " ")
		if text == "" {
			return fmt.Errorf("need text to classify")
		}
		p, err := loadPolicy(cctx.String("policy-file"))
		if err != nil {
			return err
		}
		matches, err := p.Classifier().Classify(text)
		if err != nil {
			return err
		}
		if len(matches) == 0 {
			fmt.Println("no match")
			return nil
		}
		for _, m := range matches {
			fmt.Printf("%s\t%s\t%q\n", m.Tier, m.Category, m.Trigger)
		}
		return nil
	},
}

var decayOnceCmd = &cli.Command{
	Name:  "decay-once",
	Usage: "run a single decay pass over every ledger and exit",
	Flags: storeFlags,
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		deps, err := openStores(storeConfig(cctx))
		if err != nil {
			return err
		}
		defer deps.Close()

		eng := decay.NewEngine(deps.ledgers, keylock.NewTable[ledger.Key](), deps.policy, deps.checkpoints, slog.Default())
		stats, err := eng.RunPass(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("scanned=%d decayed=%d raced=%d\n", stats.Scanned, stats.Decayed, stats.Raced)
		return nil
	},
}

var sweepOnceCmd = &cli.Command{
	Name:  "sweep-once",
	Usage: "run a single expiry sweep and exit",
	Flags: append([]cli.Flag{
		&cli.StringFlag{
			Name:    "actuator-url",
			EnvVars: []string{"WARDEN_ACTUATOR_URL"},
		},
		&cli.StringFlag{
			Name:    "actuator-token",
			EnvVars: []string{"WARDEN_ACTUATOR_TOKEN"},
		},
	}, storeFlags...),
	Action: func(cctx *cli.Context) error {
		ctx := context.Background()
		config := storeConfig(cctx)
		config.ActuatorURL = cctx.String("actuator-url")
		config.ActuatorToken = cctx.String("actuator-token")
		config.ActuatorRateLimit = 10
		deps, err := openStores(config)
		if err != nil {
			return err
		}
		defer deps.Close()

		sw := sweep.NewSweeper(deps.ledgers, keylock.NewTable[ledger.Key](), newActuator(config), newNotifier(config), deps.checkpoints, slog.Default())
		stats, err := sw.RunPass(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("ledgers=%d expired=%d lifted=%d lift_failed=%d\n", stats.Ledgers, stats.Expired, stats.Lifted, stats.LiftFailed)
		return nil
	},
}
