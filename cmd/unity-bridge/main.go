// The unity-bridge command runs the bridge server: the HTTP API, the
// wire WebSocket endpoint, the lease janitor, the query sweeper, and
// snapshot maintenance, all over one engine instance.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/xraph/unitybridge"
	"github.com/xraph/unitybridge/api"
	"github.com/xraph/unitybridge/audit"
	"github.com/xraph/unitybridge/gateway"
	"github.com/xraph/unitybridge/hook"
	"github.com/xraph/unitybridge/janitor"
	"github.com/xraph/unitybridge/job"
	"github.com/xraph/unitybridge/observability"
	"github.com/xraph/unitybridge/protocol"
	"github.com/xraph/unitybridge/query"
	"github.com/xraph/unitybridge/queue"
	"github.com/xraph/unitybridge/recovery"
	"github.com/xraph/unitybridge/stream"
	"github.com/xraph/unitybridge/wire"
	"github.com/xraph/unitybridge/workspace"
)

func main() {
	_ = godotenv.Load()

	var (
		addr       = flag.String("addr", envOr("UNITY_BRIDGE_ADDR", ":8686"), "listen address")
		storeURL   = flag.String("store", os.Getenv("UNITY_BRIDGE_STORE_URL"), "snapshot store URL (empty for in-memory)")
		projectDir = flag.String("project", envOr("UNITY_BRIDGE_PROJECT_DIR", "."), "Unity project root for file actions")
		migrate    = flag.Bool("migrate", false, "run store migrations and exit")
	)
	flag.Parse()

	logger := newLogger()
	slog.SetDefault(logger)

	if err := run(logger, *addr, *storeURL, *projectDir, *migrate); err != nil &&
		!errors.Is(err, context.Canceled) {
		logger.Error("bridge exited", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(logger *slog.Logger, addr, storeURL, projectDir string, migrateOnly bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := unitybridge.ConfigFromEnv()

	snaps, err := openStore(ctx, storeURL, logger)
	if err != nil {
		return err
	}
	defer snaps.Close() //nolint:errcheck

	if err := snaps.Ping(ctx); err != nil {
		return fmt.Errorf("store ping: %w", err)
	}
	if err := snaps.Migrate(ctx); err != nil {
		return fmt.Errorf("store migrate: %w", err)
	}
	if migrateOnly {
		logger.Info("migrations complete")
		return nil
	}

	exec, err := workspace.New(projectDir, workspace.WithLogger(logger))
	if err != nil {
		return err
	}

	// ── Engine ────────────────────────────────────────

	jobs := job.NewStore(
		job.WithLogger(logger),
		job.WithLeaseDefaults(job.LeaseDefaults{
			HeartbeatTimeoutMS: cfg.HeartbeatTimeout.Milliseconds(),
			MaxRuntimeMS:       cfg.MaxRuntime.Milliseconds(),
		}),
	)
	fifo := queue.NewFIFO(cfg.MaxQueue)
	lock := queue.NewLock()

	hooks := hook.NewRegistry(logger)
	broker := stream.NewBroker(logger)
	hooks.Register(broker)
	hooks.Register(observability.NewMetricsExtension())
	hooks.Register(audit.New(audit.SlogRecorder(logger), audit.WithLogger(logger)))

	dispatcher := protocol.NewDispatcher(exec, protocol.WithLogger(logger))
	admission := queue.NewManager(queue.AdmissionConfig{
		RatePerSecond: envFloat("UNITY_BRIDGE_SUBMIT_RATE", 0),
		Burst:         int(envFloat("UNITY_BRIDGE_SUBMIT_BURST", 0)),
	})

	gw := gateway.NewGateway(jobs, fifo, lock, dispatcher, hooks,
		gateway.WithLogger(logger),
		gateway.WithAdmission(admission),
	)

	queries := query.NewCoordinator(query.NewStore(),
		query.WithLogger(logger),
		query.WithTimeout(cfg.QueryTimeout),
		query.WithRetention(cfg.QueryRetention, cfg.MaxQueries),
		query.WithEmitter(hooks),
	)

	rec := recovery.NewManager(jobs, fifo, lock, snaps,
		recovery.WithLogger(logger),
		recovery.WithSnapshotTTL(cfg.SnapshotTTL),
	)
	if err := rec.Restore(ctx); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	gw.SetPersister(rec)

	jan := janitor.New(jobs, gw, cfg,
		janitor.WithLogger(logger),
		janitor.WithLiveness(broker),
	)

	// ── Transport ─────────────────────────────────────

	gin.SetMode(gin.ReleaseMode)
	router := api.New(gw, queries, jobs, api.WithLogger(logger)).Router()

	wsrv := wire.NewServer(broker, wire.NewHandler(gw, queries, broker, logger),
		wire.WithServerLogger(logger),
		wire.WithAuthenticator(authenticatorFromEnv()),
	)
	router.GET("/wire", gin.WrapH(wsrv))

	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Run group ─────────────────────────────────────

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return jan.Run(gctx) })

	g.Go(func() error {
		ticker := time.NewTicker(cfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				queries.Sweep()
			}
		}
	})

	g.Go(func() error { return rec.RunMaintenance(gctx, cfg.MaintenanceSchedule) })

	g.Go(func() error {
		logger.Info("bridge listening",
			slog.String("addr", addr),
			slog.String("project", exec.Root()),
			slog.Int("max_queue", cfg.MaxQueue))
		if serveErr := srv.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			return serveErr
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()

	// Persist the final state so a restart resumes where we left off.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if perr := rec.Persist(shutdownCtx); perr != nil {
		logger.Warn("final snapshot persist failed", slog.String("error", perr.Error()))
	}
	hooks.EmitShutdown(shutdownCtx)

	logger.Info("bridge stopped")
	return runErr
}

// newLogger builds the process logger from UNITY_BRIDGE_LOG_LEVEL and
// UNITY_BRIDGE_LOG_FORMAT. JSON output is the default.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(os.Getenv("UNITY_BRIDGE_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(os.Getenv("UNITY_BRIDGE_LOG_FORMAT"), "text") {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// authenticatorFromEnv builds the wire authenticator. UNITY_BRIDGE_TOKENS
// is a comma-separated list of API tokens, each granted every scope.
// Without tokens the wire endpoint is open.
func authenticatorFromEnv() wire.Authenticator {
	raw := os.Getenv("UNITY_BRIDGE_TOKENS")
	if raw == "" {
		return &wire.NoopAuthenticator{}
	}
	var entries []wire.APIKeyEntry
	for i, token := range strings.Split(raw, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		entries = append(entries, wire.APIKeyEntry{
			Token: token,
			Identity: wire.Identity{
				Subject: "token-" + strconv.Itoa(i),
				Scopes:  []string{wire.ScopeAll},
			},
		})
	}
	return wire.NewAPIKeyAuthenticator(entries...)
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

func envFloat(name string, fallback float64) float64 {
	v := os.Getenv(name)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return fallback
	}
	return f
}
