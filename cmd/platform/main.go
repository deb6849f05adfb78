package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/platformkit/platform/internal/api"
	"github.com/platformkit/platform/internal/config"
	"github.com/platformkit/platform/internal/database"
	"github.com/platformkit/platform/internal/kvstore"
	"github.com/platformkit/platform/internal/observability"
	"github.com/platformkit/platform/internal/pubsub"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "platform",
	Short: "Realtime notification and cache coordination service",
	Long: `Platform delivers notifications to clients over server-sent events,
keeps local caches coherent across instances and relays outbox events.

Running without a subcommand starts the server.`,
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Platform %s\n", Version)
		fmt.Printf("Commit: %s\n", Commit)
		fmt.Printf("Build Date: %s\n", BuildDate)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	log.Info().
		Str("version", Version).
		Str("commit", Commit).
		Str("instance_id", cfg.InstanceID).
		Msg("Starting Platform")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics()
	}

	var db *database.Connection
	if cfg.Database.Enabled {
		db, err = database.NewConnection(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		if cfg.Database.AutoMigrate {
			if err := db.Migrate(); err != nil {
				db.Close()
				return fmt.Errorf("failed to run migrations: %w", err)
			}
		}
	}

	client, err := newRedisClient(ctx, cfg)
	if err != nil {
		closeDB(db)
		return err
	}
	if client != nil {
		defer client.Close()
	}

	var pool *pgxpool.Pool
	if db != nil {
		pool = db.Pool()
	}
	ps, err := pubsub.NewPubSub(cfg, pool, client)
	if err != nil {
		closeDB(db)
		return fmt.Errorf("failed to create pub/sub: %w", err)
	}

	store, err := newStore(cfg, client)
	if err != nil {
		_ = ps.Close()
		closeDB(db)
		return fmt.Errorf("failed to create key-value store: %w", err)
	}

	server, err := api.NewServer(cfg, api.Deps{
		PubSub:  ps,
		Store:   store,
		DB:      db,
		Metrics: metrics,
	})
	if err != nil {
		_ = ps.Close()
		_ = store.Close()
		closeDB(db)
		return err
	}

	if err := server.StartBackground(ctx); err != nil {
		shutdown(server, cfg.Server.ShutdownTimeout)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("address", cfg.Server.Address).Msg("Starting HTTP server")
		return server.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")
		return shutdown(server, cfg.Server.ShutdownTimeout)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("Server exited")
	return nil
}

// newRedisClient returns a client shared by the redis pub/sub and store, or
// nil when neither uses redis.
func newRedisClient(ctx context.Context, cfg *config.Config) (redis.UniversalClient, error) {
	if cfg.PubSub.Backend != "redis" && cfg.KVStore.Backend != "redis" {
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	if cfg.Redis.DialTimeout > 0 {
		opts.DialTimeout = cfg.Redis.DialTimeout
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	log.Info().Str("addr", opts.Addr).Msg("Connected to Redis")
	return client, nil
}

func newStore(cfg *config.Config, client redis.UniversalClient) (kvstore.Store, error) {
	if cfg.KVStore.Backend == "redis" && client != nil {
		return kvstore.NewRedisStoreFromClient(client), nil
	}
	return kvstore.NewStore(cfg)
}

func shutdown(server *api.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
		return err
	}
	return nil
}

func closeDB(db *database.Connection) {
	if db != nil {
		db.Close()
	}
}
