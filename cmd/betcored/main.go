package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/stakelane/betcore-go/internal/api"
	"github.com/stakelane/betcore-go/internal/core"
	"github.com/stakelane/betcore-go/internal/platform/audit"
	"github.com/stakelane/betcore-go/internal/platform/auth"
	"github.com/stakelane/betcore-go/internal/platform/cache"
	"github.com/stakelane/betcore-go/internal/platform/clock"
	"github.com/stakelane/betcore-go/internal/platform/events"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envDecimal(key string) decimal.Decimal {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			return d
		}
	}
	return decimal.Zero
}

func main() {
	_ = godotenv.Load()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.RealClock{}
	wallets := core.NewWalletStore(clk)
	wallets.SetDailyLimits(core.DailyLimits{
		Deposit:    envDecimal("BETCORE_DAILY_DEPOSIT_LIMIT"),
		Withdrawal: envDecimal("BETCORE_DAILY_WITHDRAWAL_LIMIT"),
		Wager:      envDecimal("BETCORE_DAILY_WAGER_LIMIT"),
	})
	if tz := os.Getenv("BETCORE_LOCAL_TIMEZONE"); tz != "" {
		if loc, lerr := time.LoadLocation(tz); lerr == nil {
			wallets.SetLocation(loc)
		} else {
			sugar.Warnw("invalid timezone, using UTC", "tz", tz, "error", lerr)
		}
	}

	journal := core.NewJournal(clk)
	engine := core.NewEngine(wallets, journal, clk)
	engine.Audit = audit.NewInMemoryStore()
	engine.Idempotency = core.NewIdempotencyStore(clk, envDurationOr("BETCORE_IDEMPOTENCY_TTL", 24*time.Hour))
	engine.Metrics = core.NewMetrics(prometheus.DefaultRegisterer)
	engine.Logger = sugar.Infow

	if dsn := os.Getenv("BETCORE_DATABASE_URL"); dsn != "" {
		db, derr := sql.Open("pgx", dsn)
		if derr != nil {
			sugar.Fatalw("open database", "error", derr)
		}
		defer db.Close()
		if derr := db.PingContext(ctx); derr != nil {
			sugar.Fatalw("ping database", "error", derr)
		}
		engine.Persist = core.NewPostgresStore(db)
		sugar.Infow("postgres write-through enabled")
	}

	var rateCache cache.Cache = cache.NewMemory(clk)
	if addr := os.Getenv("BETCORE_REDIS_ADDR"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		if perr := client.Ping(ctx).Err(); perr != nil {
			sugar.Fatalw("ping redis", "addr", addr, "error", perr)
		}
		defer client.Close()
		rateCache = cache.NewRedis(client)
		sugar.Infow("redis rate cache enabled", "addr", addr)
	}

	if brokers := os.Getenv("BETCORE_KAFKA_BROKERS"); brokers != "" {
		kafka := events.NewKafka(strings.Split(brokers, ","), envOr("BETCORE_KAFKA_TOPIC", "betcore.ledger"))
		defer kafka.Close()
		engine.Events = kafka
		sugar.Infow("kafka event publication enabled", "brokers", brokers)
	} else {
		engine.Events = events.NewMemory()
	}

	bets := core.NewBetBook(engine)
	ggr := core.NewGGRCalculator(bets)
	rates := core.NewStaticRates()
	cachedRates := core.NewCachedRates(rates, rateCache, envDurationOr("BETCORE_RATE_CACHE_TTL", 5*time.Minute))
	credit := core.NewCreditController(engine, cachedRates)
	settlements := core.NewSettlementService(engine, ggr, cachedRates, credit)

	workerStop := make(chan struct{})
	defer close(workerStop)
	engine.Idempotency.StartCleanup(envDurationOr("BETCORE_IDEMPOTENCY_SWEEP", time.Hour), workerStop, sugar.Infow)

	server := &api.Server{
		Engine:      engine,
		Bets:        bets,
		GGR:         ggr,
		Settlements: settlements,
		Credit:      credit,
		Logger:      logger,
		Gatherer:    prometheus.DefaultGatherer,
	}

	secret := os.Getenv("BETCORE_JWT_SECRET")
	if secret == "" {
		sugar.Fatalw("BETCORE_JWT_SECRET is required")
	}
	verifier := auth.NewJWTVerifier(secret)

	addr := envOr("BETCORE_HTTP_ADDR", ":8080")
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           server.Router(verifier),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sugar.Infow("http server listening", "addr", addr)
		if serr := httpServer.ListenAndServe(); serr != nil && !errors.Is(serr, http.ErrServerClosed) {
			sugar.Fatalw("http server failed", "error", serr)
		}
	}()

	<-ctx.Done()
	sugar.Infow("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
		sugar.Errorw("shutdown", "error", serr)
	}
}
