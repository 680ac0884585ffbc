package main

import (
	"context"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/zllovesuki/lighthouse/allocator"
	"github.com/zllovesuki/lighthouse/broker"
	"github.com/zllovesuki/lighthouse/client"
	"github.com/zllovesuki/lighthouse/db"
	"github.com/zllovesuki/lighthouse/game"
	"github.com/zllovesuki/lighthouse/lifecycle"
	"github.com/zllovesuki/lighthouse/notify"
	"github.com/zllovesuki/lighthouse/probe"
	"github.com/zllovesuki/lighthouse/provider"
	"github.com/zllovesuki/lighthouse/server"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v7"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build-time injected variables
var (
	Version = ""
)

func main() {
	var logger *zap.Logger
	var dotFile string
	var err error

	// Determine running environment and initialize structural logger
	env := os.Getenv("API_ENV")
	if "production" == env {
		dotFile = ".env.production"
		logger, err = zap.NewProduction()
	} else {
		dotFile = ".env.development"
		logger, err = zap.NewDevelopment()
	}

	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	logger = logger.With(zap.String("Version", Version))

	// Initialize sentry for error reporting
	if err := sentry.Init(sentry.ClientOptions{
		Environment: env,
		Debug:       env != "production",
	}); err != nil {
		log.Fatal("Cannot initialize sentry",
			zap.Error(err),
		)
	}
	defer sentry.Flush(time.Second * 2)

	// Attach sentry to zap so we can do automatic error capturing
	cfg := zapsentry.Configuration{
		Level: zapcore.ErrorLevel,
		Tags: map[string]string{
			"component": "api",
		},
	}
	core, err := zapsentry.NewCore(cfg, zapsentry.NewSentryClientFromClient(sentry.CurrentHub().Client()))
	logger = zapsentry.AttachCoreToLogger(core, logger)

	defer logger.Sync()

	// Load configurations from dotFile
	if err := godotenv.Load(dotFile); err != nil {
		logger.Fatal("Cannot load configurations from .env",
			zap.Error(err),
		)
	}

	// Initialize backend connections
	db, err := db.New(logger, os.Getenv("POSTGRES_URI"))
	if err != nil {
		logger.Fatal("Cannot connect to Postgres",
			zap.Error(err),
		)
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{os.Getenv("REDIS_URI")},
		Password: os.Getenv("REDIS_PW"),
		DB:       0,
	})
	if _, err := rdb.Ping().Result(); err != nil {
		logger.Fatal("Cannot connect to Redis",
			zap.Error(err),
		)
	}
	defer rdb.Close()

	var producer broker.Producer
	if amqpURI := os.Getenv("AMQP_URI"); amqpURI != "" {
		amqpBroker, err := broker.NewAMQPBroker(amqpURI)
		if err != nil {
			logger.Fatal("Cannot connect to Broker",
				zap.Error(err),
			)
		}
		defer amqpBroker.Close()
		producer = amqpBroker
	}

	// Initialize domain managers
	clientManager, err := client.NewManager(logger, db)
	if err != nil {
		logger.Fatal("Cannot initialize ClientManager",
			zap.Error(err),
		)
	}

	gameManager, err := game.NewManager(logger, db)
	if err != nil {
		logger.Fatal("Cannot initialize GameManager",
			zap.Error(err),
		)
	}

	serverManager, err := server.NewManager(logger, db)
	if err != nil {
		logger.Fatal("Cannot initialize ServerManager",
			zap.Error(err),
		)
	}

	providerManager, err := provider.NewManager(logger, db)
	if err != nil {
		logger.Fatal("Cannot initialize ProviderManager",
			zap.Error(err),
		)
	}

	// Initialize allocators
	portAllocator, err := allocator.NewPortAllocator(allocator.PortAllocatorOptions{
		Ports:        serverManager,
		Reservations: &allocator.RedisReservations{Client: rdb},
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize PortAllocator",
			zap.Error(err),
		)
	}

	steamAppID, err := strconv.Atoi(os.Getenv("STEAM_APP_ID"))
	if err != nil {
		logger.Fatal("Cannot parse STEAM_APP_ID",
			zap.Error(err),
		)
	}
	steamIssuer, err := allocator.NewSteamIssuer(allocator.SteamIssuerOptions{
		APIKey: os.Getenv("STEAM_API_KEY"),
		AppID:  steamAppID,
		Memo:   "lighthouse",
	})
	if err != nil {
		logger.Fatal("Cannot initialize SteamIssuer",
			zap.Error(err),
		)
	}

	tokenManager, err := allocator.NewTokenManager(allocator.TokenManagerOptions{
		DB:     db,
		Issuer: steamIssuer,
		Logger: logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize TokenManager",
			zap.Error(err),
		)
	}

	dispatcher, err := notify.NewDispatcher(notify.DispatcherOptions{
		Producer: producer,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Dispatcher",
			zap.Error(err),
		)
	}

	controller, err := lifecycle.NewController(lifecycle.ControllerOptions{
		Servers:   serverManager,
		Providers: providerManager,
		Games:     gameManager,
		Ports:     portAllocator,
		Tokens:    tokenManager,
		Notifier:  dispatcher,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Controller",
			zap.Error(err),
		)
	}

	monitor, err := lifecycle.NewMonitor(lifecycle.MonitorOptions{
		Controller: controller,
		Servers:    serverManager,
		Games:      gameManager,
		Prober:     probe.NewClient(time.Second * 5),
		Console:    probe.NewRconDialer(time.Second * 10),
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Monitor",
			zap.Error(err),
		)
	}

	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	defer stopMonitor()
	go monitor.Run(monitorCtx)

	// Initialize service routers
	lifecycleRouter, err := lifecycle.NewService(lifecycle.ServiceOptions{
		Controller: controller,
		Servers:    serverManager,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Lifecycle Service Router",
			zap.Error(err),
		)
	}

	providerRouter, err := provider.NewService(provider.ServiceOptions{
		Manager: providerManager,
		Counts:  serverManager,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Provider Service Router",
			zap.Error(err),
		)
	}

	rootRouter := chi.NewRouter()

	rootRouter.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	rootRouter.Use(client.Middleware(clientManager, logger))

	rootRouter.Route("/v1", func(r chi.Router) {
		r.Mount("/servers", lifecycleRouter.Router())
		r.Mount("/providers", providerRouter.Router())
	})

	rootRouter.HandleFunc("/pprof/*", pprof.Index)
	rootRouter.HandleFunc("/pprof/cmdline", pprof.Cmdline)
	rootRouter.HandleFunc("/pprof/profile", pprof.Profile)
	rootRouter.HandleFunc("/pprof/symbol", pprof.Symbol)
	rootRouter.HandleFunc("/pprof/trace", pprof.Trace)

	srv := &http.Server{
		Handler: rootRouter,
		Addr:    os.Getenv("API_ADDR"),
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Cannot start API server",
				zap.Error(err),
			)
		}
	}()

	logger.Info("API server started",
		zap.String("Addr", srv.Addr),
	)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	stopMonitor()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second*10)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Cannot gracefully shutdown API server",
			zap.Error(err),
		)
	}
}
