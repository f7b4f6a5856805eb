// Package main is the entry point for the anycrawl server: the HTTP API,
// the worker pool, and the cleanup loop run in one process.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/redis/go-redis/v9"

	"github.com/jackronrau/anycrawl/internal/config"
	"github.com/jackronrau/anycrawl/internal/database"
	"github.com/jackronrau/anycrawl/internal/engine"
	"github.com/jackronrau/anycrawl/internal/extract"
	"github.com/jackronrau/anycrawl/internal/frontier"
	"github.com/jackronrau/anycrawl/internal/http/handlers"
	"github.com/jackronrau/anycrawl/internal/http/mw"
	"github.com/jackronrau/anycrawl/internal/llm"
	"github.com/jackronrau/anycrawl/internal/llmextract"
	"github.com/jackronrau/anycrawl/internal/logging"
	"github.com/jackronrau/anycrawl/internal/progress"
	"github.com/jackronrau/anycrawl/internal/proxy"
	"github.com/jackronrau/anycrawl/internal/queue"
	"github.com/jackronrau/anycrawl/internal/repository"
	"github.com/jackronrau/anycrawl/internal/service"
	"github.com/jackronrau/anycrawl/internal/version"
	"github.com/jackronrau/anycrawl/internal/worker"
)

func main() {
	logger := logging.SetDefault()

	v := version.Get()
	logger.Info("starting anycrawl",
		"version", v.Version,
		"commit", v.Commit,
		"built", v.Date,
		"go_version", v.GoVersion,
	)

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	db, err := database.New(cfg.DatabaseDialect, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	if err := database.MigrateWithLogger(db, cfg.DatabaseDialect, logger); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("failed to parse redis url", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Error("failed to ping redis", "error", err)
		os.Exit(1)
	}

	repos := repository.NewRepositories(db)

	if n, err := repos.Job.MarkStaleFailed(context.Background(), time.Now().Add(-cfg.StaleJobAge)); err != nil {
		logger.Warn("failed to close stale jobs", "error", err)
	} else if n > 0 {
		logger.Info("closed stale jobs from a previous run", "count", n)
	}

	proxyRouter, err := proxy.NewRouter(proxy.Options{
		RulesPath: cfg.ProxyConfig,
		Tiers:     cfg.ProxyTiers(),
		Logger:    logger,
	})
	if err != nil {
		logger.Error("failed to initialize proxy router", "error", err)
		os.Exit(1)
	}
	defer proxyRouter.Close()

	registry := engine.NewRegistry(
		engine.NewStaticEngine(engine.StaticOptions{
			Router:    proxyRouter,
			UserAgent: cfg.UserAgent,
			IgnoreSSL: cfg.IgnoreSSLError,
			Logger:    logger,
		}),
		engine.NewBrowserEngine(engine.BrowserOptions{
			Router:    proxyRouter,
			Headless:  cfg.Headless,
			IgnoreSSL: cfg.IgnoreSSLError,
			UserAgent: cfg.UserAgent,
			Logger:    logger,
		}),
		engine.NewStealthEngine(engine.BrowserOptions{
			Router:    proxyRouter,
			Headless:  cfg.Headless,
			IgnoreSSL: cfg.IgnoreSSLError,
			Logger:    logger,
		}),
	)

	modelRegistry, err := llm.LoadRegistry(llm.RegistryOptions{
		ConfigPath:          cfg.AIConfigPath,
		DefaultLLMModel:     cfg.DefaultLLMModel,
		DefaultExtractModel: cfg.DefaultExtractModel,
		Logger:              logger,
	})
	if err != nil {
		logger.Error("failed to load model registry", "error", err)
		os.Exit(1)
	}
	llmClient := llm.NewClient(logger)
	jsonExtractor := llmextract.NewExtractor(modelRegistry, llmClient, logger)

	storage, err := service.NewStorageService(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}

	extractor := extract.New(extract.Options{
		JSONExtractor: jsonExtractor,
		Screenshots:   storage,
		Logger:        logger,
	})

	prog := progress.NewEngine(rdb)
	front := frontier.New(rdb, logger)
	jobService := service.NewJobService(repos, rdb, prog, front, logger)
	searchService := service.NewSearchService(jobService, logger)

	jobWorker := worker.New(
		registry, extractor, repos, rdb,
		jobService, searchService, prog, front, logger,
	)
	pool := queue.NewPool(rdb, queue.Names(), jobWorker.Handle, queue.PoolOptions{
		Concurrency:    cfg.MaxConcurrency,
		MinConcurrency: cfg.MinConcurrency,
		MaxConcurrency: cfg.MaxConcurrency,
		Logger:         logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	if cfg.CleanupEnabled {
		cleanup := service.NewCleanupService(repos, prog, front, cfg.CleanupInterval, logger)
		go cleanup.Run(ctx)
		logger.Info("cleanup service started", "interval", cfg.CleanupInterval.String())
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger)
	router.Use(middleware.Recoverer)
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	router.Use(middleware.RequestSize(1 * 1024 * 1024))
	router.Use(httprate.LimitByIP(100, time.Minute))
	router.Use(middleware.Throttle(100))

	humaConfig := huma.DefaultConfig("AnyCrawl API", v.Version)
	humaConfig.Info.Description = "Web crawling, scraping, and search API returning LLM-ready data."
	humaConfig.Servers = []*huma.Server{{URL: cfg.BaseURL, Description: "API Server"}}
	humaConfig.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearerAuth": {
			Type:        "http",
			Scheme:      "bearer",
			Description: "API key authentication. Include your key in the Authorization header.",
		},
	}
	api := humachi.New(router, humaConfig)

	hiddenConfig := huma.DefaultConfig("AnyCrawl API", v.Version)
	hiddenConfig.DocsPath = ""
	hiddenConfig.OpenAPIPath = ""
	hiddenConfig.SchemasPath = ""
	hiddenAPI := humachi.New(router, hiddenConfig)

	huma.Get(api, "/health", handlers.Health)
	huma.Get(hiddenAPI, "/healthz", handlers.Health)
	huma.Get(hiddenAPI, "/readyz", handlers.NewReadyzHandler(db, rdb).Readyz)

	if dir := storage.LocalRoot(); dir != "" {
		router.Handle("/storage/*", http.StripPrefix("/storage/", http.FileServer(http.Dir(dir))))
	}

	protectedConfig := huma.DefaultConfig("AnyCrawl API", v.Version)
	protectedConfig.Info.Description = humaConfig.Info.Description
	protectedConfig.Servers = humaConfig.Servers
	protectedConfig.DocsPath = ""
	protectedConfig.OpenAPIPath = ""
	protectedConfig.SchemasPath = ""

	router.Group(func(r chi.Router) {
		r.Use(mw.Auth(repos.APIKey, cfg.AuthEnabled, logger))
		r.Use(mw.CreditGate(cfg.CreditsEnabled))

		protectedAPI := humachi.New(r, protectedConfig)

		scrapeHandler := handlers.NewScrapeHandler(jobService, repos.APIKey, cfg.CreditsEnabled, logger)
		huma.Post(protectedAPI, "/v1/scrape", scrapeHandler.Scrape)

		crawlHandler := handlers.NewCrawlHandler(jobService, repos.APIKey, cfg.CreditsEnabled, logger)
		huma.Post(protectedAPI, "/v1/crawl", crawlHandler.CreateCrawl)
		huma.Get(protectedAPI, "/v1/crawl/{jobId}/status", crawlHandler.GetStatus)
		huma.Get(protectedAPI, "/v1/crawl/{jobId}", crawlHandler.GetResults)
		huma.Delete(protectedAPI, "/v1/crawl/{jobId}", crawlHandler.Cancel)

		searchHandler := handlers.NewSearchHandler(searchService, repos.APIKey, cfg.CreditsEnabled, logger)
		huma.Post(protectedAPI, "/v1/search", searchHandler.Search)

		jobsHandler := handlers.NewJobsHandler(jobService, logger)
		huma.Get(protectedAPI, "/v1/jobs", jobsHandler.List)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
		<-sigChan

		logger.Info("shutting down server")
		cancel()

		drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
		defer drainCancel()
		if err := pool.Stop(drainCtx); err != nil {
			logger.Warn("worker pool drain incomplete", "error", err)
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", "error", err)
		}
	}()

	logger.Info("starting server", "port", cfg.Port, "base_url", cfg.BaseURL)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}

	logger.Info("server stopped")
}
