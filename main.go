// Command relaybot runs a Twitch chat command bot. It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Loads stored session credentials, pairing interactively when none exist,
//     and keeps the token pair fresh in the background.
//   - Maintains one chat session with automatic reconnect and backoff, and
//     dispatches prefixed commands to handlers from a hot-reloadable registry.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM. A terminal session failure (auth
// invalidated or reconnect attempts exhausted) exits non-zero so the
// supervisor decides whether to restart.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/relaybot/cache"
	"github.com/onnwee/relaybot/chat"
	"github.com/onnwee/relaybot/commands"
	"github.com/onnwee/relaybot/config"
	"github.com/onnwee/relaybot/creds"
	"github.com/onnwee/relaybot/crypto"
	"github.com/onnwee/relaybot/db"
	"github.com/onnwee/relaybot/dispatch"
	"github.com/onnwee/relaybot/registry"
	"github.com/onnwee/relaybot/server"
	"github.com/onnwee/relaybot/session"
	"github.com/onnwee/relaybot/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateChatReady(); err != nil {
		slog.Error("not chat ready", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("relaybot", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

	// DB
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first, embedded SQL as fallback for deployments
	// that predate the schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Credential store, encrypted at rest when ENCRYPTION_KEY is set.
	enc, err := crypto.FromEnv()
	if err != nil {
		slog.Error("encryption key invalid", slog.Any("err", err))
		os.Exit(1)
	}
	if enc == nil {
		slog.Warn("ENCRYPTION_KEY not set, credentials stored in plaintext")
	}
	store := &creds.PGStore{DB: database, Enc: enc}
	pairer := &creds.Pairer{ClientID: cfg.TwitchClientID, Scopes: cfg.ScopeList(), Out: os.Stdout}

	// Pair interactively when no credentials are stored yet.
	if _, ok, err := store.Load(ctx); err != nil {
		slog.Error("credential load failed", slog.Any("err", err))
		os.Exit(1)
	} else if !ok {
		if err := cfg.ValidatePairingReady(); err != nil {
			slog.Error("no stored credentials and pairing not possible", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("no stored credentials, starting pairing", slog.String("component", "creds"))
		bound, err := pairer.Pair(ctx)
		if err != nil {
			slog.Error("pairing failed", slog.Any("err", err))
			os.Exit(1)
		}
		if err := store.Save(ctx, bound); err != nil {
			slog.Error("pairing persist failed", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("pairing complete", slog.Time("expires_at", bound.Expiry), slog.String("component", "creds"))
	}
	creds.StartRefresher(ctx, store, 5*time.Minute, 15*time.Minute, pairer.Refresh)

	// Session manager. Each dial reads credentials fresh so reconnects pick up
	// rotated tokens.
	dial := func(dctx context.Context) (chat.Transport, error) {
		c, ok, err := store.Load(dctx)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errors.New("no stored credentials")
		}
		return chat.NewTwitchTransport(cfg.TwitchBotUsername, c.AccessToken, cfg.TwitchChannel), nil
	}
	mgr := session.NewManager(dial, store, session.Options{
		BackoffBase: cfg.ReconnectBase,
		Growth:      cfg.ReconnectGrowth,
		BackoffCap:  cfg.ReconnectCap,
		MaxAttempts: cfg.ReconnectMaxAttempts,
	})

	// Caches
	dedup := cache.NewDedup(cfg.DedupTTL)
	dedup.Start()
	defer dedup.Stop()
	meta := cache.NewMetadata(cfg.MetadataTTL, mgr.Resolve)
	meta.Start()
	defer meta.Stop()

	// Command registry: built-in implementations resolved by JSON descriptors
	// in the commands directory, hot-reloaded on change.
	impls := commands.Builtins()
	reg := registry.New(impls, commands.WithCooldown)
	impls["help"] = commands.Help(reg)
	if err := reg.Load(cfg.CommandsDir); err != nil {
		slog.Error("initial registry load failed", slog.Any("err", err))
		os.Exit(1)
	}
	go reg.Watch(ctx, cfg.CommandsDir)

	disp := dispatch.New(mgr, reg, dedup, meta, cfg.CommandPrefixes, cfg.HandlerTimeout)
	go disp.Run(ctx, mgr.Events())

	// HTTP server (health/ready/status/metrics)
	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		deps := server.Deps{DB: database, Session: mgr, Registry: reg, Dedup: dedup, Metadata: meta}
		if err := server.Start(ctx, deps, addr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block on the session lifecycle until signal or terminal failure.
	runErr := mgr.Run(ctx)
	stop()

	// Flush final state for post-mortem before exiting.
	flushCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	if err := db.SetKV(flushCtx, database, "session:last_state", mgr.State().String()); err != nil {
		slog.Warn("state flush failed", slog.Any("err", err))
	}
	cancel()

	if runErr != nil {
		slog.Error("session terminated", slog.Any("err", runErr))
		shutdownTracing()
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
		os.Exit(1)
	}
	slog.Info("shutting down")
}
