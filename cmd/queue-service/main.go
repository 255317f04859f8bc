package main

import (
	"context"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mediq/queue-service/internal/config"
	"mediq/queue-service/internal/httpapi"
	"mediq/queue-service/internal/hub"
	"mediq/queue-service/internal/notify"
	"mediq/queue-service/internal/queue"
	"mediq/queue-service/internal/store/postgres"
	"mediq/queue-service/internal/telemetry"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()
	shutdownTelemetry := telemetry.Setup("queue-service")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect: %v", err)
	}
	defer pool.Close()

	st := postgres.NewStore(pool)
	directory := postgres.NewDirectory(pool)
	h := hub.New()

	scheduler := notify.NewScheduler(st, notify.Options{
		Push: notify.NewProvider(cfg.PushProvider, "push"),
		SMS:  notify.NewProvider(cfg.SMSProvider, "sms"),
	})
	if err := scheduler.Start(); err != nil {
		log.Fatalf("reminder scheduler: %v", err)
	}
	defer scheduler.Stop()

	engine := queue.NewEngine(st, directory, h, scheduler, queue.Options{})
	handler := httpapi.NewHandler(engine)

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/", handler.Routes())
	mux.Handle("/realtime/", sockjsHandler(h))

	var limited http.Handler
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		limiter := httpapi.NewRedisRateLimiter(rdb, cfg.RateLimitPerMinute, time.Minute, "queue-service", true)
		limited = limiter.Middleware(mux)
	} else {
		limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
			IPPerMinute: cfg.RateLimitPerMinute,
			IPBurst:     cfg.RateLimitBurst,
		})
		limited = limiter.Middleware(mux)
	}

	otelHandler := otelhttp.NewHandler(httpapi.LoggingMiddleware(limited), "queue-service")
	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelHandler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("queue-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}

func sockjsHandler(h *hub.Hub) http.Handler {
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		h.Register(client)
		defer h.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				h.Unsubscribe(client, parsed.Topics)
			} else {
				h.Subscribe(client, parsed.Topics)
			}
		}
	})
}
