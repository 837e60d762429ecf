package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/klear-lending/internal/auth"
	"github.com/ksred/klear-lending/internal/config"
	"github.com/ksred/klear-lending/internal/database"
	"github.com/ksred/klear-lending/internal/events"
	"github.com/ksred/klear-lending/internal/feed"
	"github.com/ksred/klear-lending/internal/ledger"
	"github.com/ksred/klear-lending/internal/lock"
	"github.com/ksred/klear-lending/internal/margincall"
	"github.com/ksred/klear-lending/internal/risk"
	"github.com/ksred/klear-lending/internal/scheduler"
	"github.com/ksred/klear-lending/internal/settlement"
	"github.com/ksred/klear-lending/internal/valuation"
	"github.com/ksred/klear-lending/pkg/middleware"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// handlers groups every component's HTTP handlers for route setup
type handlers struct {
	auth       *auth.Service
	risk       *risk.GinHandlers
	ledger     *ledger.GinHandlers
	valuation  *valuation.GinHandlers
	margin     *margincall.GinHandlers
	settlement *settlement.GinHandlers
}

func newHandlers(engine *risk.Engine, authService *auth.Service) *handlers {
	return &handlers{
		auth:       authService,
		risk:       risk.NewGinHandlers(engine),
		ledger:     ledger.NewGinHandlers(engine.Ledger()),
		valuation:  valuation.NewGinHandlers(engine.Valuation()),
		margin:     margincall.NewGinHandlers(engine.MarginCalls()),
		settlement: settlement.NewGinHandlers(engine.Settlement()),
	}
}

// main wires the risk engine, its feeds and schedules, and serves the API
// until SIGINT or SIGTERM
func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	db, err := database.NewDatabase(cfg.Database.Path)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	engine := risk.NewEngine(db, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		if err := client.Ping(ctx).Err(); err != nil {
			zlog.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("Failed to connect to redis")
		}
		defer client.Close()
		engine.SetLocker(lock.NewRedisLocker(client, "klear:loan:", cfg.Redis.LockTTL))
		zlog.Info().Str("addr", cfg.Redis.Addr).Msg("Using redis loan locks")
	}

	var background sync.WaitGroup

	if len(cfg.Kafka.Brokers) > 0 {
		publisher := events.NewKafkaPublisher(events.NewKafkaWriter(cfg.Kafka.Brokers), cfg.Kafka.EventTopic)
		defer publisher.Close()
		engine.SetPublisher(publisher)

		consumers := []*feed.Consumer{
			feed.NewConsumer(cfg.Kafka.PriceTopic,
				feed.NewKafkaReader(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.PriceTopic),
				feed.NAVTickHandler(engine), engine.Metrics()),
			feed.NewConsumer(cfg.Kafka.PaymentTopic,
				feed.NewKafkaReader(cfg.Kafka.Brokers, cfg.Kafka.GroupID, cfg.Kafka.PaymentTopic),
				feed.PaymentHandler(engine), engine.Metrics()),
		}
		for _, c := range consumers {
			background.Add(1)
			go func(c *feed.Consumer) {
				defer background.Done()
				if err := c.Start(ctx); err != nil {
					zlog.Error().Err(err).Msg("Feed consumer stopped")
				}
			}(c)
		}
	}

	sched := scheduler.NewScheduler(ctx, engine)
	if err := sched.RegisterAll(cfg.Schedule.RevaluationCron, cfg.Schedule.OverdueCron); err != nil {
		zlog.Fatal().Err(err).Msg("Failed to register sweeps")
	}
	sched.Start()

	processor := risk.NewProcessor(engine, cfg.Schedule.DueCallInterval)
	background.Add(1)
	go func() {
		defer background.Done()
		processor.Start(ctx)
	}()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(middleware.RateLimit())

	setupRoutes(router, newHandlers(engine, auth.NewService(cfg.Auth.JWTSecret)))

	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()
	zlog.Info().Str("port", cfg.Server.Port).Strs("products", cfg.ProductCodes()).Msg("Risk engine started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error().Err(err).Msg("Server forced to shutdown")
	}

	cancel()
	sched.Stop()
	background.Wait()

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// - Public routes: read access for any valid token
// - Internal routes: money, price and collateral movements, operations role only
func setupRoutes(router *gin.Engine, h *handlers) {
	router.GET("/metrics", h.risk.MetricsHandler())

	v1 := router.Group("/api/v1")
	{
		public := v1.Group("")
		public.Use(middleware.JWTAuth(h.auth))
		{
			public.POST("/schedules/preview", h.risk.GenerateScheduleHandler())
			public.GET("/loans/:loan_id", h.ledger.GetLoanHandler())
			public.GET("/loans/:loan_id/schedule", h.ledger.GetScheduleHandler())
			public.GET("/loans/:loan_id/payments", h.ledger.GetPaymentsHandler())
			public.GET("/loans/:loan_id/collateral", h.valuation.ListHoldingsHandler())
			public.GET("/loans/:loan_id/margin-calls", h.margin.ListForLoanHandler())
			public.GET("/loans/:loan_id/foreclosure-quote", h.settlement.QuoteHandler())
			public.GET("/schemes/:scheme_id/nav", h.valuation.GetSchemeNAVHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(h.auth))
		{
			internal.POST("/loans", h.risk.DisburseHandler())
			internal.POST("/loans/:loan_id/payments", h.risk.ApplyPaymentHandler())
			internal.POST("/loans/:loan_id/evaluate", h.risk.EvaluateHandler())
			internal.POST("/loans/:loan_id/reconcile", h.ledger.ReconcileHandler())
			internal.POST("/navs", h.risk.NAVTickHandler())
			internal.POST("/collateral", h.valuation.SubmitHoldingHandler())
			internal.POST("/collateral/:holding_id/pledge", h.valuation.PledgeHoldingHandler())
			internal.POST("/collateral/:holding_id/release", h.risk.ReleaseHoldingHandler())
			internal.GET("/margin-calls", h.margin.ListHandler())
			internal.GET("/margin-calls/:margin_call_id", h.margin.GetHandler())
			internal.POST("/sweeps/revaluation", h.risk.RevaluationSweepHandler())
			internal.POST("/sweeps/overdue", h.risk.OverdueSweepHandler())
			internal.POST("/sweeps/due-margin-calls", h.risk.DueMarginCallsHandler())
		}
	}
}
