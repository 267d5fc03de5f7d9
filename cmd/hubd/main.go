// Command hubd runs the telemetry and orchestration hub: it accepts agent
// and operator WebSocket connections, serves the REST collaborator surface,
// and evaluates scheduled/triggered tasks.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/hubd/hubd/pkg/api"
	"github.com/hubd/hubd/pkg/application"
	"github.com/hubd/hubd/pkg/backplane"
	"github.com/hubd/hubd/pkg/channel"
	"github.com/hubd/hubd/pkg/config"
	"github.com/hubd/hubd/pkg/event"
	"github.com/hubd/hubd/pkg/hub"
	"github.com/hubd/hubd/pkg/sequence"
	"github.com/hubd/hubd/pkg/store"
	"github.com/hubd/hubd/pkg/task"
	"github.com/hubd/hubd/pkg/ticket"
	"github.com/hubd/hubd/pkg/transitbus"
	"github.com/hubd/hubd/pkg/trigger"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configDir := flag.String("config-dir", getEnv("CONFIG_DIR", "./deploy/config"), "path to configuration directory")
	flag.Parse()

	envPath := filepath.Join(*configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("could not load .env file, continuing with existing environment", "path", envPath, "error", err)
	} else {
		slog.Info("loaded environment file", "path", envPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configDir); err != nil {
		slog.Error("hubd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configDir string) error {
	cfg, err := config.Load(ctx, configDir)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	st, err := store.Open(ctx, store.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	slog.Info("connected to database")

	bp := newBackplane(cfg)
	if pg, ok := bp.(*backplane.Postgres); ok {
		if err := pg.Start(ctx); err != nil {
			return fmt.Errorf("start postgres backplane: %w", err)
		}
		slog.Info("backplane started", "mode", "postgres")
	} else {
		slog.Info("backplane started", "mode", "memory")
	}

	layer := channel.NewLayer(bp)
	if err := layer.Start(ctx); err != nil {
		return fmt.Errorf("start channel layer: %w", err)
	}
	defer layer.Stop()

	if err := cleanupHangingConnections(ctx, st, cfg.Connection.HangingPolicy); err != nil {
		return fmt.Errorf("cleanup hanging connections: %w", err)
	}

	signingKey := os.Getenv(cfg.Security.TicketSigningKeyEnv)
	tickets := ticket.NewRegistry([]byte(signingKey))

	bus := transitbus.New()
	applications := application.New(st)
	tasks := task.New(st, layer)
	events := event.New(st, layer, bus, func() int64 { return time.Now().UnixMicro() })
	sequences := sequence.New(st, layer, bus, events)

	evaluator, err := trigger.New(st, layer)
	if err != nil {
		return fmt.Errorf("build trigger evaluator: %w", err)
	}
	if err := evaluator.Start(ctx); err != nil {
		return fmt.Errorf("start trigger evaluator: %w", err)
	}

	svc := &hub.Services{
		Store:        st,
		Layer:        layer,
		Tickets:      tickets,
		Events:       events,
		Sequences:    sequences,
		Tasks:        tasks,
		Applications: applications,
	}

	go sequences.RunOrphanReaper(ctx, time.Hour, slog.Info)

	server := api.NewServer(st, svc, applications, tasks, sequences, tickets, cfg.Server.AllowedWSOrigins)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("hubd listening", "addr", cfg.Server.Addr)
		if err := server.Start(cfg.Server.Addr); err != nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)
		slog.Info("draining transit bus")
		bus.Stop()
		return err
	case err := <-errCh:
		bus.Stop()
		return fmt.Errorf("server error: %w", err)
	}
}

func newBackplane(cfg *config.Config) backplane.Backplane {
	if cfg.Backplane.Mode == config.BackplaneModeMemory {
		return backplane.NewInMemory()
	}
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Database.Host, cfg.Database.Port, cfg.Database.User, cfg.Database.Password,
		cfg.Database.Database, cfg.Database.SSLMode)
	return backplane.NewPostgres(dsn)
}

// cleanupHangingConnections reaps ConnectionInfo rows left is_connected=true
// by a process that crashed before it could run its disconnect handler.
// Under HangingConnectionLog it only reports them, since blindly deleting
// could race a connection that is about to legitimately re-hello on this
// very process.
func cleanupHangingConnections(ctx context.Context, st *store.Store, policy config.HangingConnectionPolicy) error {
	hanging, err := st.ListHangingConnections(ctx)
	if err != nil {
		return err
	}
	if len(hanging) == 0 {
		return nil
	}
	if policy != config.HangingConnectionRemove {
		slog.Warn("found hanging connections from a prior process", "count", len(hanging))
		return nil
	}
	for _, c := range hanging {
		if err := st.DeleteConnection(ctx, c.ID); err != nil {
			return fmt.Errorf("delete hanging connection %s: %w", c.ID, err)
		}
	}
	slog.Info("removed hanging connections from a prior process", "count", len(hanging))
	return nil
}
