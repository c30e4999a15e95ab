// Command notify-server runs the watch/poll notification substrate: the
// poll coalescer, the sweep scheduler, the HMAC push-token gateway, and
// the SSE event stream, wired together the way cmd/api/main.go wires the
// rest of the backend.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/ocx/backend/internal/circuitbreaker"
	"github.com/ocx/backend/internal/config"
	"github.com/ocx/backend/internal/events"
	"github.com/ocx/backend/internal/exchange"
	"github.com/ocx/backend/internal/notifyerr"
	"github.com/ocx/backend/internal/notifymetrics"
	"github.com/ocx/backend/internal/notifysse"
	"github.com/ocx/backend/internal/pollcache"
	"github.com/ocx/backend/internal/pushtoken"
	"github.com/ocx/backend/internal/watchscheduler"
	"github.com/ocx/backend/internal/watchstore"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg := config.Get()
	port := cfg.GetPort()

	store, closeStore := buildWatchStore(cfg)
	defer closeStore()

	pollMetrics := notifymetrics.NewPollCacheMetrics()
	schedMetrics := notifymetrics.NewSchedulerMetrics()
	pushMetrics := notifymetrics.NewPushTokenMetrics()

	coalescer := pollcache.New(pollcache.Config{
		MaxInFlight: cfg.Notify.Caches.PollCacheMax,
		MaxResults:  cfg.Notify.Caches.ResultCacheMax,
		DefaultTTL:  time.Duration(cfg.Notify.Caches.ResultCacheTTL) * time.Millisecond,
	}, pollMetrics)

	schedCfg := watchscheduler.Config{
		LockExpiry:    time.Duration(cfg.Notify.Scheduler.LockExpirySec) * time.Second,
		BaselineDelay: time.Duration(cfg.Notify.Scheduler.RescheduleBaseMs) * time.Millisecond,
		SweepLimit:    cfg.Notify.Scheduler.SweepLimit,
	}
	var closeTicker func()
	if cfg.CloudTasks.Enabled && cfg.CloudTasks.ProjectID != "" {
		targetURL := os.Getenv("NOTIFY_SWEEP_TICK_URL")
		ticker, err := watchscheduler.NewCloudTasksTicker(context.Background(),
			cfg.CloudTasks.ProjectID, cfg.CloudTasks.LocationID, cfg.CloudTasks.QueueID, targetURL)
		if err != nil {
			slog.Warn("notify-server: cloud tasks ticker unavailable, using in-process timer", "error", err)
		} else {
			slog.Info("notify-server: using cloud tasks sweep ticker", "queue", cfg.CloudTasks.QueueID)
			schedCfg.RescheduleFunc = ticker.Next
			closeTicker = func() {
				if err := ticker.Close(); err != nil {
					slog.Error("notify-server: cloud tasks ticker close error", "error", err)
				}
			}
		}
	}
	if closeTicker != nil {
		defer closeTicker()
	}
	scheduler := watchscheduler.New(store, schedCfg, schedMetrics)

	bus, sseBus, closeBus := buildEventBus(cfg)
	defer closeBus()
	ssePublisher := notifysse.NewPublisher(bus)
	pollers := map[string]pollcache.Poller{}

	// Example resource watcher/poller wiring: the canonical "exchange"
	// resource from spec.md, read over plain HTTP. Operators pointing
	// this at a real origin only need to set NOTIFY_EXCHANGE_ORIGIN_URL.
	if originURL := os.Getenv("NOTIFY_EXCHANGE_ORIGIN_URL"); originURL != "" {
		breakers := circuitbreaker.NewNotifyCircuitBreakers()
		client := exchange.NewHTTPResourceClient("exchange-origin", originURL)
		scheduler.Register("watchExchange", wrapWithPublish(
			exchange.NewExchangeWatcher(client, "read", nil, breakers),
			ssePublisher,
		))
		pollers["watchExchange"] = exchange.NewExchangePoller(client, "read", nil, breakers)
	}

	var pushGateway *pushtoken.Gateway
	if secret := cfg.Notify.Push.SecretMultibase; secret != "" {
		loadFrom := secret
		if prev := cfg.Notify.Push.PrevSecretMultibase; prev != "" {
			loadFrom = prev
		}
		key, err := pushtoken.LoadKey(loadFrom)
		if err != nil {
			log.Fatalf("failed to load push token key: %v", err)
		}
		if prev := cfg.Notify.Push.PrevSecretMultibase; prev != "" {
			// Rotate from the previous secret to the current one, keeping
			// prev valid for a 24-hour grace window.
			if err := key.Rotate(secret, 24*time.Hour); err != nil {
				slog.Warn("push token key rotation seed failed", "error", err)
			}
		}
		pushGateway = pushtoken.NewGateway(key, "watchExchange", func(event, exchangeID string) {
			pushMetrics.VerifySuccesses.Inc()
			poller, ok := pollers[event]
			if !ok {
				slog.Warn("push notification for unregistered watcher, ignoring", "event", event, "exchangeId", exchangeID)
				return
			}
			result, err := coalescer.Poll(context.Background(), pollcache.PollInput{ID: exchangeID, Poller: poller, UseCache: false})
			if err != nil {
				slog.Warn("push-triggered re-poll failed", "event", event, "exchangeId", exchangeID, "error", err)
				return
			}
			ssePublisher.PublishAdvanced(exchangeID, result)
			slog.Info("push-triggered re-poll completed", "event", event, "exchangeId", exchangeID, "sequence", result.Sequence)
		}, func() {
			pushMetrics.VerifyFailures.Inc()
		})
	}

	router := mux.NewRouter()

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/health", handleHealth(store)).Methods(http.MethodGet)

	notifysse.Register(router, "/notify/stream", sseBus)

	if pushGateway != nil {
		pushGateway.Register(router, "/callbacks", func(tok *pushtoken.PushToken) {
			pushMetrics.TokensIssued.Inc()
		})
	}

	router.HandleFunc("/notify/watches", handleListWatches(store)).Methods(http.MethodGet)
	router.HandleFunc("/notify/stats", handleStats(coalescer)).Methods(http.MethodGet)
	router.HandleFunc("/notify/poll/{id}", handlePoll(coalescer, pollers)).Methods(http.MethodGet)

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	schedulerCtx, schedulerCancel := context.WithCancel(context.Background())
	scheduler.Start(schedulerCtx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("notify-server: received shutdown signal, shutting down gracefully")

		schedulerCancel()
		scheduler.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("notify-server: shutdown error", "error", err)
		}
	}()

	slog.Info("notify-server starting", "port", port)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("notify-server failed to start: %v", err)
	}
	slog.Info("notify-server stopped")
}

func buildWatchStore(cfg *config.Config) (watchstore.Store, func()) {
	if dsn := os.Getenv("NOTIFY_POSTGRES_DSN"); dsn != "" {
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			log.Fatalf("failed to open postgres watch store: %v", err)
		}
		slog.Info("notify-server: using postgres watch store")
		return watchstore.NewPostgresStore(db), func() { _ = db.Close() }
	}
	if redisAddr := os.Getenv("NOTIFY_REDIS_ADDR"); redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		slog.Info("notify-server: using redis watch store", "addr", redisAddr)
		return watchstore.NewRedisStore(client, "notify:watch:"), func() { _ = client.Close() }
	}
	slog.Info("notify-server: using in-memory watch store")
	mem := watchstore.NewMemoryStore()
	return mem, mem.Close
}

// buildEventBus wires the CloudEvents bus events flow through. When
// Pub/Sub is enabled and configured, events durably fan out to the
// configured topic in addition to the in-memory SSE subscribers; events.EventEmitter
// is returned for publishing and the embedded *events.EventBus is
// returned separately since the SSE handler subscribes directly against
// it.
func buildEventBus(cfg *config.Config) (events.EventEmitter, *events.EventBus, func()) {
	noop := func() {}
	if cfg.PubSub.Enabled && cfg.PubSub.ProjectID != "" {
		pubsubBus, err := events.NewPubSubEventBus(cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			slog.Warn("notify-server: pubsub event bus unavailable, falling back to in-memory", "error", err)
			bus := events.NewEventBus()
			return bus, bus, noop
		}
		slog.Info("notify-server: using pubsub event bus", "topic", pubsubBus.TopicPath())
		return pubsubBus, pubsubBus.EventBus, func() {
			if err := pubsubBus.Close(); err != nil {
				slog.Error("notify-server: pubsub close error", "error", err)
			}
		}
	}
	bus := events.NewEventBus()
	return bus, bus, noop
}

func wrapWithPublish(w watchscheduler.Watcher, pub *notifysse.Publisher) watchscheduler.Watcher {
	return func(ctx context.Context, rec *watchstore.WatchRecord) (watchscheduler.WatcherResult, error) {
		before := rec.Watch.Sequence
		result, err := w(ctx, rec)
		if err == nil && result.Value != nil {
			pub.PublishAdvanced(rec.Watch.ID, &pollcache.PollResult{
				ID:       rec.Watch.ID,
				Sequence: before + 1,
				Mutable:  result.Mutable,
				Value:    result.Value,
			})
		}
		return result, err
	}
}

func handleHealth(store watchstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "healthy"
		if _, err := store.Find(ctx, watchstore.FindQuery{}, watchstore.FindOptions{Limit: 1}); err != nil {
			status = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":  status,
			"service": "notify-server",
		})
	}
}

func handleListWatches(store watchstore.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		records, err := store.Find(r.Context(), watchstore.FindQuery{}, watchstore.FindOptions{Limit: 200})
		if err != nil {
			notifyerr.WriteHTTP(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(records)
	}
}

func handleStats(coalescer *pollcache.Coalescer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(coalescer.Stats())
	}
}

func handlePoll(coalescer *pollcache.Coalescer, pollers map[string]pollcache.Poller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		name := r.URL.Query().Get("watcher")
		if name == "" {
			name = "watchExchange"
		}
		poller, ok := pollers[name]
		if !ok {
			notifyerr.WriteHTTP(w, notifyerr.New(notifyerr.KindNotFound, "no poller registered for watcher "+name))
			return
		}

		result, err := coalescer.Poll(r.Context(), pollcache.PollInput{ID: id, Poller: poller, UseCache: true})
		if err != nil {
			notifyerr.WriteHTTP(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}
}
