// ==============================================================================
// CAP SIMULATOR CONTROL API - cmd/capsim-api/main.go
// ==============================================================================
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"capsim/internal/handler"
	"capsim/internal/middleware"
	"capsim/internal/scheduler"
	"capsim/internal/seed"
	"capsim/internal/simulation"
	"capsim/pkg/cache"
	"capsim/pkg/clock"
	"capsim/pkg/config"
	"capsim/pkg/logger"
	"capsim/pkg/validator"

	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
)

func main() {
	cfg := config.Load()
	log := logger.NewWithLevel("capsim-api", logger.ParseLevel(cfg.Logging.Level), os.Stdout)

	if err := cfg.ValidateCore(); err != nil {
		log.Fatal("Invalid configuration", map[string]interface{}{"error": err.Error()})
	}

	log.Info("Starting CAP simulator API", map[string]interface{}{
		"port":     cfg.Server.Port,
		"strategy": cfg.Simulation.Strategy,
		"cache":    cfg.Cache.Backend,
	})

	ds, err := seed.Load(cfg.Simulation, time.Now())
	if err != nil {
		log.Fatal("Failed to load seed data", map[string]interface{}{"error": err.Error()})
	}

	// Requests arrive on the wall clock, so the platform runs on it too.
	opts := simulation.Options{
		Dataset: &ds,
		Clock:   clock.Real,
	}

	var redisClient *redis.Client
	if cfg.Cache.Backend == "redis" || cfg.Server.RateLimit > 0 {
		redisClient, err = cache.NewRedisClient(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal("Failed to connect to Redis", map[string]interface{}{"error": err.Error()})
		}
		defer redisClient.Close()
		log.Info("Redis connected", nil)
	}
	if cfg.Cache.Backend == "redis" {
		opts.Redis = redisClient
	}

	env, err := simulation.NewEnvironment(cfg, cfg.Simulation.Strategy, opts, log)
	if err != nil {
		log.Fatal("Failed to build simulated platform", map[string]interface{}{"error": err.Error()})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.NewScheduler(env.Clock, cfg.Simulation.HeartbeatInterval/2, log)
	sched.Schedule("heartbeat", cfg.Simulation.HeartbeatInterval, func(ctx context.Context) {
		reached := env.Controller.Heartbeat(ctx)
		log.Debug("Heartbeat round", map[string]interface{}{"reached": reached})
	})
	sched.Start(ctx)

	r := mux.NewRouter()
	r.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	r.Use(middleware.Recovery(log))
	r.Use(middleware.CorrelationID)
	r.Use(middleware.NewLoggingMiddleware(log).Log)
	r.Use(middleware.BodyLimit(1 << 20))
	if cfg.Server.RateLimit > 0 {
		r.Use(middleware.NewRateLimiter(redisClient, cfg.Server.RateLimit, cfg.Server.RateWindow, log).Limit)
	}

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"healthy","service":"capsim-api"}`))
	}).Methods(http.MethodGet)

	handler.NewSimulatorHandler(env, validator.New(), log).Register(r)

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Info("CAP simulator API started", map[string]interface{}{
			"address":  srv.Addr,
			"strategy": env.Name,
		})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Server failed to start", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down CAP simulator API...", nil)
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatal("Server forced to shutdown", map[string]interface{}{
			"error": err.Error(),
		})
	}

	log.Info("CAP simulator API stopped gracefully", nil)
}
