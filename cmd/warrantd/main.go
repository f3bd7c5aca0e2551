package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/Volant-Labs/warrant/pkg/audit"
	"github.com/Volant-Labs/warrant/pkg/authcode"
	"github.com/Volant-Labs/warrant/pkg/authority"
	"github.com/Volant-Labs/warrant/pkg/client"
	"github.com/Volant-Labs/warrant/pkg/config"
	"github.com/Volant-Labs/warrant/pkg/delegation"
	"github.com/Volant-Labs/warrant/pkg/identity"
	"github.com/Volant-Labs/warrant/pkg/observability"
	"github.com/Volant-Labs/warrant/pkg/pdp"
	"github.com/Volant-Labs/warrant/pkg/policy"
	"github.com/Volant-Labs/warrant/pkg/ratelimit"
	"github.com/Volant-Labs/warrant/pkg/scope"
	"github.com/Volant-Labs/warrant/pkg/server"
	"github.com/Volant-Labs/warrant/pkg/tokenstore"

	_ "github.com/lib/pq"       // Postgres driver
	_ "modernc.org/sqlite"      // SQLite driver (lite mode)
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests.
var startServer = runServer

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer()
	}

	switch args[1] {
	case "server", "serve":
		return startServer()
	case "health":
		return runHealthCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer()
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "warrantd - OAuth 2.1 authorization server for autonomous agents")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  warrantd <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  server   Run the authorization server (default)")
	fmt.Fprintln(w, "  health   Check server health (HTTP)")
	fmt.Fprintln(w, "  help     Show this help")
	fmt.Fprintln(w, "")
}

//nolint:gocognit
func runServer() int {
	ctx := context.Background()
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	telemetry, err := observability.New(ctx, telemetryConfig())
	if err != nil {
		log.Fatalf("Failed to init telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	tokens, codes, grants, audits, err := openStores(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to open stores: %v", err)
	}

	sink := audit.NewBufferedSink(audits, logger, 0)
	defer func() { _ = sink.Close() }()

	keys, err := identity.NewRSAKeySet()
	if err != nil {
		log.Fatalf("Failed to init signing keys: %v", err)
	}

	clients := client.NewRegistry()
	catalog := scope.NewCatalog()
	policies, err := policy.NewEngine()
	if err != nil {
		log.Fatalf("Failed to init policy engine: %v", err)
	}
	expansion := policy.NewExpansionPolicyHolder(nil)

	if cfg.ProfilePath != "" {
		if err := seedProfile(ctx, cfg.ProfilePath, clients, catalog, policies, expansion, logger); err != nil {
			log.Fatalf("Failed to load bootstrap profile: %v", err)
		}
	}

	var gate pdp.Gateway = pdp.Disabled{}
	if cfg.EnableOPAPolicies {
		gate = pdp.NewRemote(pdp.RemoteConfig{
			URL:        cfg.OPAURL(),
			PolicyPath: cfg.OPAPolicyPath,
		}, logger)
		logger.Info("remote decision point enabled", "url", cfg.OPAURL(), "path", cfg.OPAPolicyPath)
	}

	// mirror the seeded catalog so a remote evaluator sees current state
	for _, sc := range catalog.List("") {
		gate.PutData(ctx, "scopes/"+sc.Name, sc)
	}
	for _, p := range policies.List() {
		gate.PutData(ctx, "policies/"+p.ID, p)
	}

	delegations := delegation.NewEngine(grants, sink)

	a := authority.New(authority.Config{
		Issuer:              cfg.Issuer,
		AccessTokenTTL:      cfg.AccessTokenExpiry,
		RefreshTokenTTL:     cfg.RefreshTokenExpiry,
		IntrospectionLeeway: cfg.IntrospectionLeeway,
		SystemClientIDs:     cfg.SystemClientIDs,
	}, authority.Deps{
		Clients:     clients,
		Codes:       authcode.New(codes, cfg.AuthorizationCodeExpiry),
		Tokens:      tokens,
		Delegations: delegations,
		Policies:    policies,
		Expansion:   expansion,
		Gate:        gate,
		Keys:        keys,
		Audit:       sink,
		Logger:      logger,
	})

	limiter := openRateLimitStore(ctx, cfg, logger)

	srv := server.New(a, keys, delegations, catalog, server.Options{
		Issuer:         cfg.Issuer,
		RateLimitStore: limiter,
		RateLimitPolicy: ratelimit.Policy{
			RPM:   cfg.RateLimitRPM,
			Burst: cfg.RateLimitBurst,
		},
		Telemetry: telemetry,
		Logger:    logger,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.Port)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		logger.Error("server failed", "error", err)
		return 1
	case sig := <-sigChan:
		logger.Info("shutting down", "signal", sig.String())
		return 0
	}
}

// openStores selects the persistence backend. DATABASE_URL unset falls back
// to lite mode (SQLite under data/); a postgres URL uses Postgres for the
// token store, with codes, grants, and audit kept in local SQLite.
func openStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (tokenstore.Store, authcode.Store, delegation.Store, audit.Store, error) {
	if cfg.DatabaseURL == "" {
		logger.Info("DATABASE_URL not set, falling back to lite mode (SQLite)")
		return openLiteStores()
	}
	if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
		return nil, nil, nil, nil, fmt.Errorf("unsupported DATABASE_URL scheme: %s", cfg.DatabaseURL)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("postgres ping: %w", err)
	}
	logger.Info("postgres connected")

	tokens := tokenstore.NewPostgresStore(db)
	if err := tokens.Migrate(ctx); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("migrate token store: %w", err)
	}

	_, codes, grants, audits, err := openLiteStores()
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return tokens, codes, grants, audits, nil
}

func openLiteStores() (tokenstore.Store, authcode.Store, delegation.Store, audit.Store, error) {
	dataDir := "data"
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "warrant.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("open sqlite: %w", err)
	}

	tokens, err := tokenstore.NewSQLiteStore(db)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("init sqlite token store: %w", err)
	}
	codes, err := authcode.NewSQLiteStore(db)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("init sqlite code store: %w", err)
	}
	grants, err := delegation.NewSQLiteStore(db)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("init sqlite delegation store: %w", err)
	}
	audits, err := audit.NewSQLiteStore(db)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("init sqlite audit store: %w", err)
	}
	return tokens, codes, grants, audits, nil
}

// openRateLimitStore prefers Redis when configured, falling back to the
// in-process bucket when Redis is unreachable.
func openRateLimitStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) ratelimit.Store {
	if cfg.RedisAddr == "" {
		return ratelimit.NewMemoryStore()
	}
	store := ratelimit.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		logger.Warn("redis unreachable, rate limiting in memory", "addr", cfg.RedisAddr, "error", err)
		return ratelimit.NewMemoryStore()
	}
	logger.Info("redis rate limiting enabled", "addr", cfg.RedisAddr)
	return store
}

// seedProfile registers the bootstrap profile's scopes, clients, and
// policies, and installs its expansion policy.
func seedProfile(ctx context.Context, path string, clients *client.Registry, catalog *scope.Catalog, policies *policy.Engine, expansion *policy.ExpansionPolicyHolder, logger *slog.Logger) error {
	profile, err := config.LoadProfile(path)
	if err != nil {
		return err
	}

	for _, def := range profile.Scopes {
		if _, err := catalog.Create(def.Scope()); err != nil {
			return fmt.Errorf("scope %q: %w", def.Name, err)
		}
	}
	for _, def := range profile.Clients {
		if _, err := clients.Register(ctx, def.RegisterParams()); err != nil {
			return fmt.Errorf("client %q: %w", def.ClientID, err)
		}
	}
	for _, def := range profile.Policies {
		if _, err := policies.Put(def.Policy()); err != nil {
			return fmt.Errorf("policy %q: %w", def.Name, err)
		}
	}
	if profile.ExpansionPolicy != nil {
		expansion.Update(profile.ExpansionPolicy)
	}

	logger.Info("bootstrap profile loaded", "profile", profile.Name,
		"scopes", len(profile.Scopes), "clients", len(profile.Clients), "policies", len(profile.Policies))
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// telemetryConfig builds the OTLP exporter config from the environment.
// Telemetry stays off unless an endpoint is configured.
func telemetryConfig() *observability.Config {
	cfg := observability.DefaultConfig()
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		cfg.Enabled = true
		cfg.OTLPEndpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")
		cfg.Insecure = strings.HasPrefix(endpoint, "http://") || !strings.Contains(endpoint, "://")
	}
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		cfg.Environment = env
	}
	return cfg
}

func runHealthCmd(out, errOut io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	resp, err := http.Get("http://localhost:" + port + "/health")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}
