package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/condominioapp/pushrelay/internal/pushsub"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("PUSHRELAY_BASE_URL", "http://127.0.0.1:8000"), "registry base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("PUSHRELAY_TOKEN")), "bearer token")
	pushService := flag.String("push-service", envOrDefault("PUSHRELAY_PUSH_SERVICE", "http://127.0.0.1:8090"), "push service URL")
	profileDir := flag.String("profile-dir", envOrDefault("PUSHRELAY_PROFILE_DIR", ".pushrelay-profile"), "profile directory")
	statusDSN := flag.String("status-dsn", strings.TrimSpace(os.Getenv("PUSHRELAY_STATUS_DSN")), "status store DSN (file://, memory://, postgres://)")
	userAgent := flag.String("user-agent", envOrDefault("PUSHRELAY_USER_AGENT", "pushrelay-agent"), "user agent reported to the registry")
	action := flag.String("action", "status", "action: status, subscribe, unsubscribe, test, watch")
	interval := flag.Duration("interval", durationEnv("PUSHRELAY_WATCH_INTERVAL", 30*time.Second), "reconcile interval for watch")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("PUSHRELAY_WATCH_INTERVAL_JITTER", 0.2), "reconcile interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("PUSHRELAY_TIMEOUT", 15*time.Second), "per-operation timeout")
	flag.Parse()

	if *interval <= 0 {
		*interval = 30 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	engine, err := pushsub.NewProfileEngine(pushsub.ProfileEngineOptions{
		ProfileDir:     *profileDir,
		PushServiceURL: *pushService,
		UserAgent:      *userAgent,
		Logger:         log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize push engine: %v", err)
	}

	store, err := buildStatusStore(*statusDSN, *profileDir)
	if err != nil {
		log.Fatalf("failed to initialize status store: %v", err)
	}
	defer store.Close()

	registry := pushsub.NewHTTPRegistryClient(*baseURL, *token, &http.Client{Timeout: *timeout})
	registry.SetUserAgent(*userAgent)

	reconciler, err := pushsub.NewReconciler(pushsub.ReconcilerOptions{
		Engine:   engine,
		Registry: registry,
		Store:    store,
		Logger:   log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize reconciler: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch strings.ToLower(strings.TrimSpace(*action)) {
	case "status":
		runOnce(rootCtx, *timeout, func(ctx context.Context) error {
			result, err := reconciler.Bootstrap(ctx)
			if err != nil {
				return err
			}
			printStatus(result)
			return nil
		})
	case "subscribe":
		runOnce(rootCtx, *timeout, func(ctx context.Context) error {
			if _, err := reconciler.Bootstrap(ctx); err != nil {
				log.Printf("bootstrap: %v", err)
			}
			sub, err := reconciler.Subscribe(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("subscribed: %s\n", sub.Endpoint)
			return nil
		})
	case "unsubscribe":
		runOnce(rootCtx, *timeout, func(ctx context.Context) error {
			if err := reconciler.Unsubscribe(ctx); err != nil {
				return err
			}
			fmt.Println("unsubscribed")
			return nil
		})
	case "test":
		runOnce(rootCtx, *timeout, func(ctx context.Context) error {
			if err := reconciler.SendTestNotification(ctx); err != nil {
				return err
			}
			fmt.Println("test notification requested")
			return nil
		})
	case "watch":
		runWatch(rootCtx, reconciler, engine, store, *interval, *intervalJitter, *timeout)
	default:
		log.Fatalf("unknown action: %s", *action)
	}
}

func runOnce(rootCtx context.Context, timeout time.Duration, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(rootCtx, timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Fatalf("operation failed: %v", err)
	}
}

func runWatch(
	rootCtx context.Context,
	reconciler *pushsub.Reconciler,
	engine *pushsub.ProfileEngine,
	store pushsub.StatusStore,
	interval time.Duration,
	intervalJitter float64,
	timeout time.Duration,
) {
	watcher, err := pushsub.NewRecordWatcher(pushsub.RecordWatcherOptions{
		RecordPath: engine.RecordPath(),
		Store:      store,
		Logger:     log.Default(),
	})
	if err != nil {
		log.Printf("record watcher unavailable: %v", err)
	} else {
		go func() {
			if err := watcher.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("record watcher stopped: %v", err)
			}
		}()
	}

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, timeout)
		defer cancel()
		result, err := reconciler.Status(ctx)
		if err != nil {
			log.Printf("reconcile failed: %v", err)
			return
		}
		printStatus(result)
	}

	run()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(interval, intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("watch stopping: %v", rootCtx.Err())
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(interval, intervalJitter, rng.Float64()))
		}
	}
}

func printStatus(result pushsub.StatusResult) {
	if result.Subscribed {
		fmt.Printf("subscribed (%s): %s\n", result.Source, result.Endpoint)
		return
	}
	fmt.Printf("not subscribed (%s)\n", result.Source)
}

func buildStatusStore(dsn, profileDir string) (pushsub.StatusStore, error) {
	if strings.TrimSpace(dsn) == "" {
		dsn = "file://" + profileDir + "/status.json"
	}
	store, err := pushsub.BuildStatusStoreFromDSN(dsn)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return pushsub.NewInMemoryStatusStore(), nil
	}
	return store, nil
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

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
