package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/proxyedge/edge-proxy/internal/cache"
	"github.com/proxyedge/edge-proxy/internal/config"
	"github.com/proxyedge/edge-proxy/internal/cookiejar"
	"github.com/proxyedge/edge-proxy/internal/handlers"
	"github.com/proxyedge/edge-proxy/internal/httpclient"
	"github.com/proxyedge/edge-proxy/internal/kv"
	"github.com/proxyedge/edge-proxy/internal/logging"
	"github.com/proxyedge/edge-proxy/internal/middleware"
	"github.com/proxyedge/edge-proxy/internal/proxy"
	"github.com/proxyedge/edge-proxy/internal/ratelimit"
	"github.com/proxyedge/edge-proxy/internal/signature"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Init("development")
		log.Fatal().Err(err).Msg("failed to load config")
	}
	logging.Init(cfg.Env)

	log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Msg("starting edge proxy")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := kv.New(ctx, cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer store.Close()
	log.Info().Msg("connected to redis")

	client := httpclient.New()
	signer := signature.New(cfg.AccessTokenSecret)
	limiter := ratelimit.New(store)
	jar := cookiejar.New(store)
	proxyCache := cache.New(store, client)

	controller := &proxy.Controller{
		Client:    client,
		Cookies:   jar,
		Cache:     proxyCache,
		RateLimit: limiter,
		Signer:    signer,
	}

	proxyHandler := &handlers.Proxy{Controller: controller, RateLimit: limiter, Signer: signer}
	healthHandler := handlers.NewHealth(store)

	mux := http.NewServeMux()
	mux.Handle("GET /health", healthHandler)
	mux.Handle("GET /api/v1/proxy", proxyHandler)
	mux.Handle("OPTIONS /api/v1/proxy", proxyHandler)

	corsOrigins := allowedOrigins(cfg)
	handler := middleware.Recovery(middleware.Logging(middleware.CORS(corsOrigins)(mux)))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server exited")
}

// allowedOrigins builds the CORS allow-list from the configured origin (and, in
// non-production environments, the preview origin too).
func allowedOrigins(cfg *config.Config) []string {
	origins := strings.Split(cfg.CORSOrigin, ",")
	if cfg.Env != "production" && cfg.PreviewCORSOrigin != "" {
		origins = append(origins, strings.Split(cfg.PreviewCORSOrigin, ",")...)
	}
	return origins
}
