package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/condominioapp/pushrelay/internal/worker"
)

func main() {
	addr := os.Getenv("PUSHRELAY_ADDR")
	if addr == "" {
		addr = ":8090"
	}
	cacheRoot := envOrDefault("PUSHRELAY_CACHE_DIR", ".pushrelay-cache")
	cacheVersion := envOrDefault("PUSHRELAY_CACHE_VERSION", "v2")
	origin := envOrDefault("PUSHRELAY_ORIGIN", "http://127.0.0.1:3000")
	precache := worker.DefaultPrecacheURLs()
	if raw := strings.TrimSpace(os.Getenv("PUSHRELAY_PRECACHE_URLS")); raw != "" {
		precache = splitList(raw)
	}

	w, err := worker.New(worker.Options{
		Origin:       origin,
		APIPrefix:    envOrDefault("PUSHRELAY_API_PREFIX", "/api/"),
		OfflinePath:  envOrDefault("PUSHRELAY_OFFLINE_PATH", "/index.html"),
		CacheRoot:    cacheRoot,
		CacheVersion: cacheVersion,
		PrecacheURLs: precache,
		HTTPClient:   &http.Client{Timeout: durationEnv("PUSHRELAY_UPSTREAM_TIMEOUT", 15*time.Second)},
		Logger:       log.Default(),
		MaxPushBody:  int64Env("PUSHRELAY_MAX_PUSH_BODY", 0),
	})
	if err != nil {
		log.Fatalf("failed to initialize worker: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	installCtx, cancel := context.WithTimeout(rootCtx, durationEnv("PUSHRELAY_INSTALL_TIMEOUT", 30*time.Second))
	if err := w.Install(installCtx); err != nil {
		cancel()
		log.Fatalf("install failed: %v", err)
	}
	cancel()
	log.Printf("worker %s, cache %s", w.State(), w.Cache().Name())

	server := &http.Server{Addr: addr, Handler: w.Handler()}
	go func() {
		<-rootCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Printf("pushrelay listening on %s", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server failed: %v", err)
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
