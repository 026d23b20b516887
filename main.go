// Command backend is the main entrypoint for the twitch-chatbot Helix core.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres, runs idempotent migrations and loads the bot token.
//   - Builds the shared Helix client plus the bot, app and anonymous sessions.
//   - Starts the proactive token refresher.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/twitch-chatbot/backend/config"
	"github.com/onnwee/twitch-chatbot/backend/crypto"
	"github.com/onnwee/twitch-chatbot/backend/db"
	"github.com/onnwee/twitch-chatbot/backend/oauth"
	"github.com/onnwee/twitch-chatbot/backend/server"
	"github.com/onnwee/twitch-chatbot/backend/telemetry"
	"github.com/onnwee/twitch-chatbot/backend/twitchapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateHelixReady(); err != nil {
		slog.Error("helix not configured", slog.Any("err", err))
		os.Exit(1)
	}

	telemetry.Init()

	// Tracing is optional; it stays a no-op without OTEL_EXPORTER_OTLP_ENDPOINT.
	shutdown, err := telemetry.InitTracing("twitch-chatbot", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	keys, err := crypto.ParseKeyring(cfg.EncryptionKeyID, cfg.EncryptionKey, cfg.EncryptionPreviousKeys)
	if err != nil {
		slog.Error("invalid encryption keys", slog.Any("err", err))
		os.Exit(1)
	}
	if keys == nil {
		slog.Warn("ENCRYPTION_KEY not set - tokens are stored in plaintext", slog.String("component", "token_store"))
	}

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

	if err := db.WaitReady(context.Background(), database, time.Minute); err != nil {
		slog.Error("database unreachable", slog.Any("err", err))
		os.Exit(1)
	}

	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	migrateCtx, cancelMigrate := context.WithTimeout(context.Background(), 30*time.Second)
	err = db.Migrate(migrateCtx, database)
	cancelMigrate()
	if err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store := &db.TokenStore{DB: database, Keys: keys}
	client, sessions, err := bootstrap(ctx, cfg, store)
	if err != nil {
		slog.Error("helix bootstrap failed", slog.Any("err", err))
		os.Exit(1)
	}
	unsubscribe := client.Subscribe(store.PersistRefreshed(ctx))
	defer unsubscribe()

	if bot := sessions.Get(cfg.TwitchBotProvider); bot != nil && bot.Token() != nil {
		go logBotIdentity(ctx, client, bot)
	}

	oauth.StartRefresher(ctx, client, sessions.All, cfg.TokenRefreshInterval, cfg.TokenRefreshWindow)

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	handler := server.NewMux(server.Deps{
		DB:       database,
		Sessions: sessions.All,
		Auth:     server.LoadAuthConfig(),
	})
	go func() {
		if err := server.Start(ctx, handler, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}

// setupLogging configures the default logger from LOG_LEVEL and LOG_FORMAT.
// Defaults: level=info, format=text.
func setupLogging() {
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
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
		format = "text"
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", format))
}

// logBotIdentity resolves the bot's own user through Helix once at startup.
func logBotIdentity(ctx context.Context, client *twitchapi.Client, bot *twitchapi.Session) {
	tok := bot.Token()
	if tok == nil || tok.Identity == "" {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	h := &twitchapi.Helix{Client: client, Session: bot}
	id, err := h.GetUserID(cctx, tok.Identity)
	if err != nil {
		slog.Warn("bot identity lookup failed", slog.String("component", "helix"), slog.String("login", tok.Identity), slog.Any("err", err))
		return
	}
	slog.Info("bot identity resolved", slog.String("component", "helix"), slog.String("login", tok.Identity), slog.String("user_id", id), slog.String("token", tok.Masked()))
}
