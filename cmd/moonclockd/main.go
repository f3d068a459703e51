package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"image/png"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/selenograph/moonclock/internal/almanac"
	"github.com/selenograph/moonclock/internal/asset"
	"github.com/selenograph/moonclock/internal/cache"
	"github.com/selenograph/moonclock/internal/circuitbreaker"
	"github.com/selenograph/moonclock/internal/config"
	"github.com/selenograph/moonclock/internal/degraded"
	"github.com/selenograph/moonclock/internal/ephemeris"
	"github.com/selenograph/moonclock/internal/geolocate"
	httphandler "github.com/selenograph/moonclock/internal/http"
	"github.com/selenograph/moonclock/internal/lifecycle"
	"github.com/selenograph/moonclock/internal/models"
	"github.com/selenograph/moonclock/internal/observability"
	"github.com/selenograph/moonclock/internal/render"
	"github.com/selenograph/moonclock/internal/scheduler"
	"github.com/selenograph/moonclock/internal/timesync"
)

func main() {
	preview := flag.Bool("preview", false, "render one clock face to the terminal and exit")
	flag.Parse()
	if *preview {
		os.Exit(runPreview())
	}

	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	metClient, err := ephemeris.NewMETClientWithRetry(
		cfg.EphemerisAPIURL,
		cfg.UserAgent,
		cfg.EphemerisTimeout,
		cfg.RetryAttempts,
		cfg.RetryBaseDelay,
		cfg.RetryMaxDelay,
	)
	if err != nil {
		logger.Fatal("ephemeris client", zap.Error(err))
	}

	if cfg.CircuitBreakerEnabled {
		cb := circuitbreaker.New(circuitbreaker.Config{
			FailureThreshold: cfg.CircuitBreakerFailureThreshold,
			SuccessThreshold: cfg.CircuitBreakerSuccessThreshold,
			Timeout:          cfg.CircuitBreakerTimeout,
			Component:        "ephemeris_api",
			OnStateChange: func(from, to circuitbreaker.State) {
				observability.RecordCircuitBreakerTransition("ephemeris_api", from.String(), to.String())
				observability.SetCircuitBreakerStateGauge("ephemeris_api", float64(to))
			},
		})
		metClient.SetCircuitBreaker(cb)
		observability.SetCircuitBreakerStateGauge("ephemeris_api", 0)
		logger.Info("ephemeris circuit breaker armed", zap.Int("failure_threshold", cfg.CircuitBreakerFailureThreshold), zap.Duration("timeout", cfg.CircuitBreakerTimeout))
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	observer, err := resolveObserver(runCtx, cfg, logger)
	if err != nil {
		logger.Fatal("observer", zap.Error(err))
	}

	clock, err := timesync.NewClock(cfg.Secrets.UTCOffset)
	if err != nil {
		logger.Fatal("clock", zap.Error(err))
	}

	var cacheSvc cache.Cache
	var memcachedBackend *cache.MemcachedCache
	switch cfg.CacheBackend {
	case "memcached":
		mc, err := cache.NewMemcachedCache(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns, cfg.StaleCacheTTL)
		if err != nil {
			logger.Fatal("memcached cache", zap.Error(err))
		}
		memcachedBackend = mc
		cacheSvc = mc
		logger.Info("almanac cache: memcached", zap.String("addrs", cfg.MemcachedAddrs))
	default:
		cacheSvc = cache.NewMemoryCache(cfg.CacheMaxEntries, cfg.StaleCacheTTL)
		logger.Info("almanac cache: in-memory")
	}
	almanacService := almanac.NewService(metClient, cacheSvc, clock, cfg.CacheTTL, cfg.StaleCacheTTL, cfg.CoalesceEnabled, cfg.CoalesceTimeout)

	catalog, err := asset.Open(cfg.AssetDir, logger)
	if err != nil {
		logger.Fatal("sprite catalog", zap.Error(err))
	}

	renderer, err := render.New(rendererConfig(cfg))
	if err != nil {
		logger.Fatal("renderer", zap.Error(err))
	}

	sched := scheduler.New(schedulerConfig(cfg), almanacService, clock, catalog, renderer, observer, logger)

	watcher, err := config.NewSecretsWatcher(cfg.SecretsPath, cfg.Secrets, logger)
	if err != nil {
		logger.Warn("secrets watch unavailable, location changes need a restart", zap.Error(err))
	} else {
		sched.WatchLocation(watcher.Updates())
		go watcher.Run(runCtx)
	}

	lifecycle.MarkBootGrace(cfg.ReadyDelay)

	healthConfig := &httphandler.HealthConfig{
		OverloadWindow:         cfg.OverloadWindow,
		OverloadThresholdPct:   cfg.OverloadThresholdPct,
		RateLimitRPS:           cfg.RateLimitRPS,
		RateLimitBurst:         cfg.RateLimitBurst,
		DegradedWindow:         cfg.DegradedWindow,
		DegradedErrorPct:       cfg.DegradedErrorPct,
		DegradedRetryInitial:   cfg.DegradedRetryInitial,
		DegradedRetryMax:       cfg.DegradedRetryMax,
		IdleWindow:             cfg.IdleWindow,
		IdleThresholdReqPerMin: cfg.IdleThresholdReqPerMin,
		MinimumLifespan:        cfg.MinimumLifespan,
		StartTime:              time.Now(),
	}
	if memcachedBackend != nil {
		healthConfig.CachePing = memcachedBackend.Ping
	}

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}
	handler := httphandler.NewHandler(almanacService, sched, clock, metClient, healthConfig, logger, limiter)

	observability.RegisterRateLimitGauges(cfg.OverloadWindow)

	if cfg.WarmCache {
		warmer := cache.NewWarmer(almanacService, logger)
		dates := func() []time.Time {
			today := clock.Today()
			return []time.Time{today, today.AddDate(0, 0, 1)}
		}
		if cfg.WarmInterval > 0 {
			go func() {
				if err := warmer.WarmPeriodic(runCtx, observer, dates, cfg.WarmInterval); err != nil && !errors.Is(err, context.Canceled) {
					logger.Error("periodic almanac warming stopped", zap.Error(err))
				}
			}()
		} else {
			warmCtx, warmCancel := context.WithTimeout(runCtx, 30*time.Second)
			if err := warmer.Warm(warmCtx, observer, dates()); err != nil {
				logger.Warn("startup almanac warm failed", zap.Error(err))
			}
			warmCancel()
		}
	}

	timeClient := timesync.NewClient(cfg.TimeAPIURL, cfg.UserAgent, cfg.TimeTimeout)
	go timesync.NewRunner(timeClient, clock, cfg.Secrets.Timezone, cfg.SyncInterval, cfg.SyncPushback, logger).Run(runCtx)

	go sched.Run(runCtx)

	degraded.StartRecoveryListener(runCtx, func(ctx context.Context) error {
		return metClient.Probe(ctx, sched.Location(), clock.UTCOffset())
	}, cfg.DegradedRetryInitial, cfg.DegradedRetryMax, func() {
		logger.Error("degraded recovery attempts exhausted, ephemeris upstream still failing")
	})

	router := mux.NewRouter()
	router.Use(httphandler.CorrelationIDMiddleware(logger))
	router.Use(httphandler.MetricsMiddleware)
	router.HandleFunc("/health", handler.GetHealth).Methods("GET")
	router.Handle("/metrics", observability.MetricsHandler())
	router.HandleFunc("/clock", handler.GetClock).Methods("GET")
	router.HandleFunc("/clock/face.png", handler.GetFace).Methods("GET")
	almanacRouter := router.PathPrefix("/almanac").Subrouter()
	almanacRouter.Use(httphandler.RateLimitMiddleware(limiter))
	almanacRouter.Use(httphandler.TimeoutMiddleware(cfg.RequestTimeout))
	almanacRouter.HandleFunc("/{date}", handler.GetAlmanac).Methods("GET")

	if cfg.TestingMode {
		logger.Warn("testing mode on, /test endpoints exposed")
		router.HandleFunc("/test", handler.GetTestStatus).Methods("GET")
		router.HandleFunc("/test/{action}", handler.PostTestAction).Methods("POST")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("http server listening", zap.String("addr", ":"+cfg.ServerPort))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("shutdown signal received")
	lifecycle.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("draining in-flight requests", zap.Int64("count", inFlight))
	observability.RecordShutdownInFlight(inFlight)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, cfg.ShutdownInFlightCheckInterval); err != nil {
		logger.Warn("drain deadline passed with requests still in flight", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	// The scheduler, warmer, time sync and watcher stop after the drain so
	// /clock stays live for requests caught mid-shutdown.
	runCancel()

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("flush telemetry", zap.Error(err))
	}

	if memcachedBackend != nil {
		if err := memcachedBackend.Close(); err != nil {
			logger.Error("memcached shutdown", zap.Error(err))
		}
	}
	logger.Info("moonclockd stopped")
}

// resolveObserver returns the observer position: secrets first, IP
// geolocation for clocks that never configured one.
func resolveObserver(ctx context.Context, cfg *config.Config, logger *zap.Logger) (models.Location, error) {
	if cfg.Secrets.ObserverSet {
		return cfg.Secrets.Observer, nil
	}
	logger.Info("no coordinates in secrets, falling back to IP geolocation")
	geo := geolocate.NewClient(cfg.GeolocateAPIURL, cfg.UserAgent, cfg.GeolocateTimeout)
	fix, err := geo.Locate(ctx)
	if err != nil {
		return models.Location{}, fmt.Errorf("locate observer: %w (set latitude and longitude in %s)", err, cfg.SecretsPath)
	}
	logger.Info("observer located by IP",
		zap.Float64("latitude", fix.Location.Latitude),
		zap.Float64("longitude", fix.Location.Longitude),
		zap.String("city", fix.City))
	return fix.Location, nil
}

func rendererConfig(cfg *config.Config) render.Config {
	return render.Config{
		Rotation:   cfg.Rotation,
		Brightness: cfg.Brightness,
		TwelveHour: cfg.TwelveHour,
		Countdown:  cfg.Countdown,
		Colors: render.Colors{
			MoonEvent:   cfg.ColorMoonEvent,
			MoonPercent: cfg.ColorMoonPercent,
			SunEvent:    cfg.ColorSunEvent,
			Time:        cfg.ColorTime,
			Date:        cfg.ColorDate,
		},
	}
}

func schedulerConfig(cfg *config.Config) scheduler.Config {
	return scheduler.Config{
		RefreshDelay: cfg.RefreshDelay,
		WakeStart:    cfg.WakeStart,
		WakeEnd:      cfg.WakeEnd,
		SnapshotPath: cfg.SnapshotPath,
		Rotation:     cfg.Rotation,
	}
}

// runPreview renders one clock face to the terminal: the development
// stand-in for pointing a browser at /clock/face.png.
func runPreview() int {
	logger, err := observability.NewConsoleLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("config", zap.Error(err))
		return 1
	}

	metClient, err := ephemeris.NewMETClientWithRetry(
		cfg.EphemerisAPIURL,
		cfg.UserAgent,
		cfg.EphemerisTimeout,
		cfg.RetryAttempts,
		cfg.RetryBaseDelay,
		cfg.RetryMaxDelay,
	)
	if err != nil {
		logger.Error("ephemeris client", zap.Error(err))
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	observer, err := resolveObserver(ctx, cfg, logger)
	if err != nil {
		logger.Error("observer", zap.Error(err))
		return 1
	}

	clock, err := timesync.NewClock(cfg.Secrets.UTCOffset)
	if err != nil {
		logger.Error("clock", zap.Error(err))
		return 1
	}

	cacheSvc := cache.NewMemoryCache(8, cfg.StaleCacheTTL)
	almanacService := almanac.NewService(metClient, cacheSvc, clock, cfg.CacheTTL, cfg.StaleCacheTTL, false, 0)

	catalog, err := asset.Open(cfg.AssetDir, logger)
	if err != nil {
		logger.Error("sprite catalog", zap.Error(err))
		return 1
	}

	renderer, err := render.New(rendererConfig(cfg))
	if err != nil {
		logger.Error("renderer", zap.Error(err))
		return 1
	}

	schedCfg := schedulerConfig(cfg)
	schedCfg.SnapshotPath = ""
	sched := scheduler.New(schedCfg, almanacService, clock, catalog, renderer, observer, logger)
	go sched.Run(ctx)

	for {
		if face, ok := sched.FacePNG(); ok {
			img, err := png.Decode(bytes.NewReader(face))
			if err != nil {
				logger.Error("decode face", zap.Error(err))
				return 1
			}
			fmt.Print(render.ANSI(img))
			if snap, ok := sched.Snapshot(); ok {
				fmt.Printf("age %.3f  frame %02d  %s illuminated\n", snap.Age, snap.Frame, snap.IlluminationText)
			}
			return 0
		}
		select {
		case <-ctx.Done():
			logger.Error("no face rendered before timeout; is the ephemeris API reachable?")
			return 1
		case <-time.After(200 * time.Millisecond):
		}
	}
}
