package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/igm/sockjs-go/sockjs"

	"github.com/astronien/smart-queue-system/internal/bus"
	"github.com/astronien/smart-queue-system/internal/config"
	"github.com/astronien/smart-queue-system/internal/httpapi"
	"github.com/astronien/smart-queue-system/internal/models"
	"github.com/astronien/smart-queue-system/internal/notify"
	"github.com/astronien/smart-queue-system/internal/queue"
	"github.com/astronien/smart-queue-system/internal/realtime"
	"github.com/astronien/smart-queue-system/internal/store"
	"github.com/astronien/smart-queue-system/internal/store/postgres"
	"github.com/astronien/smart-queue-system/internal/store/sqlite"
	"github.com/astronien/smart-queue-system/internal/telemetry"
	"github.com/astronien/smart-queue-system/internal/topology"
)

// queueSource feeds full-queue snapshots to reconnecting realtime clients.
type queueSource struct {
	engine *queue.Engine
}

func (s queueSource) QueueSnapshot(ctx context.Context, branchID string) ([]models.Customer, error) {
	return s.engine.List(ctx, store.ListFilter{BranchID: branchID})
}

func main() {
	cfg := config.Load()

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()

	shutdownTelemetry := telemetry.Setup("queue-server", log)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	st, err := openStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("open store")
	}
	defer st.Close()

	topo, err := loadTopology(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("load station topology")
	}

	events := bus.NewMemory()
	engine := queue.New(st, events, topo, log)

	hub := realtime.NewHub(events, queueSource{engine: engine}, log)
	defer hub.Close()

	notifierCtx, cancelNotifier := context.WithCancel(context.Background())
	defer cancelNotifier()
	if len(cfg.NotifyBranches) > 0 {
		relay := notify.NewRelay(events, notify.NewNotifier(cfg.NotifyProvider, cfg.NotifyToken, log))
		for _, branchID := range cfg.NotifyBranches {
			go relay.Run(notifierCtx, branchID)
		}
	}

	handler := httpapi.NewHandler(engine, st, log)
	routes := handler.Routes(httpapi.Options{
		CORSOrigin:   cfg.CORSOrigin,
		RequestLimit: cfg.RateLimitPerMinute,
	})

	mux := http.NewServeMux()
	mux.Handle("/realtime/", sockjs.NewHandler("/realtime", sockjs.DefaultOptions, hub.HandleSession))
	mux.Handle("/", routes)

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(mux, "queue-server"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Str("driver", cfg.StoreDriver).Msg("queue-server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}

func openStore(cfg config.Config) (store.Store, error) {
	switch cfg.StoreDriver {
	case "postgres":
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		st := postgres.NewStore(pool)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := st.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return st, nil
	default:
		return sqlite.Open(cfg.SQLitePath)
	}
}

func loadTopology(cfg config.Config) (*topology.Topology, error) {
	if cfg.StationsFile == "" {
		return topology.Default(), nil
	}
	return topology.LoadFile(cfg.StationsFile)
}
