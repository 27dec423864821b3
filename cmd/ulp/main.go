package main

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/ulp/living-knowledge/internal/api"
	"github.com/ulp/living-knowledge/internal/config"
	"github.com/ulp/living-knowledge/internal/embedding"
	"github.com/ulp/living-knowledge/internal/events"
	"github.com/ulp/living-knowledge/internal/gateway"
	"github.com/ulp/living-knowledge/internal/index"
	"github.com/ulp/living-knowledge/internal/knowledge"
	"github.com/ulp/living-knowledge/internal/lineage"
	"github.com/ulp/living-knowledge/internal/store"
	"github.com/ulp/living-knowledge/internal/vectorstore"
	"github.com/ulp/living-knowledge/internal/world"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "configs/ulp.json"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		boot, _ := zap.NewDevelopment()
		boot.Fatal("failed to load config", zap.String("path", cfgPath), zap.Error(err))
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()
	logger.Info("Starting living knowledge...", zap.String("config", cfgPath))

	ctx := context.Background()

	// Population
	seed := cfg.Evolution.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	pop := knowledge.NewPopulation(
		knowledge.WithRand(rand.New(rand.NewSource(seed))),
		knowledge.WithLogger(logger.Named("population")),
	)

	evolver := world.NewEvolver(pop, cfg.Evolution.Every.Std(), logger.Named("evolver"))
	evolver.SetHistoryLimit(cfg.Evolution.History)
	clock := world.NewWorldClock(cfg.Evolution.TickInterval.Std(), cfg.Evolution.Speed, logger.Named("clock"))
	evolver.AttachClock(clock)
	clock.AddListener(evolver)

	handler := api.NewHandler(pop, evolver, clock, logger.Named("api"))
	evolver.AddSink(handler.LiveFeed())

	// Repository: PostgreSQL, else SQLite, else memory only
	var repo store.Repository
	switch {
	case cfg.Database.Postgres.DSN != "":
		ps, pgErr := store.New(ctx, cfg.Database.Postgres.DSN, logger.Named("postgres"))
		if pgErr != nil {
			logger.Warn("PostgreSQL unavailable, running without persistence", zap.Error(pgErr))
			break
		}
		if mErr := ps.Migrate(ctx, cfg.Database.Postgres.Migrations); mErr != nil {
			logger.Fatal("migration failed", zap.Error(mErr))
		}
		repo = ps
	case cfg.Database.SQLite.Path != "":
		ss, sqErr := store.OpenSQLite(cfg.Database.SQLite.Path, logger.Named("sqlite"))
		if sqErr != nil {
			logger.Warn("SQLite unavailable, running without persistence", zap.Error(sqErr))
			break
		}
		repo = ss
	}
	if repo != nil {
		units, tick, lErr := repo.Load(ctx)
		if lErr != nil {
			logger.Fatal("failed to load population", zap.Error(lErr))
		}
		if len(units) > 0 || tick > 0 {
			pop.Restore(units, tick)
		}
		evolver.AddSink(world.Guard(repo, logger.Named("breaker")))
		handler.AddSaver(repo)
		handler.SetTickLog(repo)
	}

	// Lineage graph requires Neo4j
	var graph *lineage.Graph
	if cfg.Database.Neo4j.URI != "" {
		g, gErr := lineage.NewGraph(cfg.Database.Neo4j.URI, cfg.Database.Neo4j.User, cfg.Database.Neo4j.Password, logger.Named("lineage"))
		if gErr == nil {
			gErr = g.Ping(ctx)
		}
		if gErr != nil {
			logger.Warn("Neo4j unavailable, running without lineage", zap.Error(gErr))
		} else {
			graph = g
			evolver.AddSink(world.Guard(g, logger.Named("breaker")))
			handler.AddSaver(g)
			handler.SetLineage(g)
		}
	}

	// Event bus
	var bus *events.Bus
	if cfg.Database.Redis.URL != "" {
		b, bErr := events.NewBus(ctx, cfg.Database.Redis.URL, logger.Named("events"))
		if bErr != nil {
			logger.Warn("Redis unavailable, running without event bus", zap.Error(bErr))
		} else {
			bus = b
			evolver.AddSink(world.Guard(b, logger.Named("breaker")))
		}
	}

	// Semantic index
	var qdrant *vectorstore.Client
	if cfg.Database.Qdrant.Host != "" {
		qdrant = setupIndex(ctx, cfg, evolver, handler, logger)
	}

	// Chat notifications
	broadcaster := gateway.NewBroadcaster(cfg.Gateway.OnlyChanges, logger.Named("gateway"))
	if cfg.Gateway.Slack.Enabled && cfg.Gateway.Slack.BotToken != "" {
		broadcaster.Register(gateway.NewSlackNotifier(cfg.Gateway.Slack.BotToken, cfg.Gateway.Slack.Channel, "", logger.Named("slack")))
	}
	if cfg.Gateway.Discord.Enabled && cfg.Gateway.Discord.BotToken != "" {
		dn, dErr := gateway.NewDiscordNotifier(cfg.Gateway.Discord.BotToken, cfg.Gateway.Discord.ChannelID, logger.Named("discord"))
		if dErr != nil {
			logger.Warn("Discord unavailable", zap.Error(dErr))
		} else {
			broadcaster.Register(dn)
		}
	}
	if len(broadcaster.Platforms()) > 0 {
		evolver.AddSink(world.Guard(broadcaster, logger.Named("breaker")))
	}
	handler.SetDigests(broadcaster)

	// Seed knowledge into an empty world
	if pop.Len() == 0 && pop.TickCount() == 0 {
		for _, s := range cfg.Seeds {
			var id string
			if s.Attention != nil {
				id = pop.InsertWithAttention(s.Content, *s.Attention)
			} else {
				id = pop.Insert(s.Content)
			}
			u, _ := pop.Get(id)
			if repo != nil {
				if err := repo.SaveUnit(ctx, u); err != nil {
					logger.Warn("failed to persist seed", zap.String("id", id), zap.Error(err))
				}
			}
			if graph != nil {
				if err := graph.SaveUnit(ctx, u); err != nil {
					logger.Warn("failed to record seed lineage", zap.String("id", id), zap.Error(err))
				}
			}
		}
		logger.Info("Seeded population", zap.Int("count", len(cfg.Seeds)))
	}

	if len(broadcaster.Platforms()) > 0 {
		msg := fmt.Sprintf("population %d at tick %d", pop.Len(), pop.TickCount())
		if err := broadcaster.Announce(ctx, "Living knowledge online", msg); err != nil {
			logger.Warn("startup announcement failed", zap.Error(err))
		}
	}

	if cfg.Evolution.AutoStart {
		clock.Start()
		logger.Info("World clock started")
	}

	// Start server
	port := fmt.Sprintf("%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Living knowledge listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down living knowledge...")
	clock.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	broadcaster.Close()
	handler.LiveFeed().Close()
	if graph != nil {
		graph.Close(shutdownCtx)
	}
	if bus != nil {
		bus.Close()
	}
	if qdrant != nil {
		qdrant.Close()
	}
	if repo != nil {
		repo.Close()
	}
}

// setupIndex wires the Qdrant-backed semantic index. A nil client means the
// index could not be brought up.
func setupIndex(ctx context.Context, cfg *config.Config, evolver *world.Evolver, handler *api.Handler, logger *zap.Logger) *vectorstore.Client {
	embedder, err := embedding.New(embedding.Config{
		Provider:  cfg.Embedding.Provider,
		Endpoint:  cfg.Embedding.Endpoint,
		Model:     cfg.Embedding.Model,
		APIKey:    cfg.Embedding.APIKey,
		Dimension: cfg.Embedding.Dimension,
	})
	if err != nil {
		logger.Warn("embedding provider invalid, running without index", zap.Error(err))
		return nil
	}
	client, err := vectorstore.NewClient(vectorstore.Config{Host: cfg.Database.Qdrant.Host, Port: cfg.Database.Qdrant.Port})
	if err != nil {
		logger.Warn("Qdrant unavailable, running without index", zap.Error(err))
		return nil
	}
	ix, err := index.New(ctx, client, embedder, cfg.Database.Qdrant.Collection, logger.Named("index"))
	if err != nil {
		logger.Warn("Qdrant collection unavailable, running without index", zap.Error(err))
		client.Close()
		return nil
	}
	evolver.AddSink(world.Guard(ix, logger.Named("breaker")))
	handler.AddSaver(ix)
	handler.SetSearcher(ix)
	return client
}

func newLogger(level string) *zap.Logger {
	cfg := zap.NewDevelopmentConfig()
	if lvl, err := zapcore.ParseLevel(level); err == nil {
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewExample()
	}
	return logger
}
