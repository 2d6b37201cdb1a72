package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"beerbot/internal/config"
	"beerbot/internal/database"
	"beerbot/internal/handler"
	"beerbot/internal/lock"
	"beerbot/internal/mailbox"
	"beerbot/internal/metrics"
	"beerbot/internal/mw"
	"beerbot/internal/notify"
	"beerbot/internal/service"
	"beerbot/internal/worker"
)

func main() {
	cfg := config.New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := database.NewDB(ctx, cfg.DatabaseURI)
	if err != nil {
		slog.Error("failed to connect to DB", "error", err)
		os.Exit(1)
	}
	defer database.CloseDB(db)

	if err := database.InitSchema(ctx, db); err != nil {
		slog.Error("failed to init DB schema", "error", err)
		os.Exit(1)
	}

	// Services
	authSvc := service.NewAuthService(cfg.APIKeyHash)
	orderSvc := service.NewOrderService(db)
	userSvc := service.NewUserService(db)
	reg := metrics.NewRegistry()

	// Notifications
	notifiers := []notify.Notifier{notify.NewLogNotifier(slog.Default())}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(cfg.WebhookURL))
	}
	if cfg.KafkaBrokers != "" {
		kn := notify.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kn.Close()
		notifiers = append(notifiers, kn)
	}

	// Cycle lock
	var locker lock.Locker = lock.NewLocalLocker()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			slog.Error("failed to connect to redis", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		locker = lock.NewRedisLocker(rdb, lock.DefaultKey, max(2*cfg.PollInterval, 5*time.Minute))
	}

	// Worker
	dialer := mailbox.NewIMAPDialer(mailbox.IMAPConfig{
		Server:    cfg.IMAPServer,
		Port:      cfg.IMAPPort,
		Username:  cfg.IMAPAddress,
		Password:  cfg.IMAPPassword,
		Mailbox:   cfg.IMAPMailbox,
		Timeout:   cfg.ConnectTimeout,
		LabelMode: mailbox.LabelMode(cfg.IMAPLabelMode),
	}, slog.Default())
	inboxWorker := worker.NewInboxWorker(dialer, orderSvc, userSvc,
		worker.WithInterval(cfg.PollInterval),
		worker.WithNotifier(notify.NewMultiNotifier(notifiers...)),
		worker.WithLocker(locker),
		worker.WithMetrics(reg),
		worker.WithLogger(slog.Default().With("component", "inbox")),
	)
	userSvc.OnRegistered(inboxWorker.UserRegistered)

	// Router
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Authorization"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Public routes
	r.Get("/health", handler.HealthHandler())
	r.Handle("/metrics", reg.Handler())
	r.Post("/api/user/login", handler.LoginHandler(authSvc, cfg.JWTSecret))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(mw.AuthMiddleware(cfg.JWTSecret))

		r.Post("/api/user/register", handler.RegisterHandler(userSvc))
		r.Get("/api/user/me", handler.MeHandler(userSvc))

		r.Get("/api/orders/unpicked", handler.UnpickedHandler(orderSvc, userSvc))
		r.Post("/api/orders/pickup", handler.PickupHandler(orderSvc, userSvc, reg))

		r.Post("/api/inbox/recheck", handler.RecheckHandler(inboxWorker))
	})

	srv := &http.Server{
		Addr:         cfg.RunAddress,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go inboxWorker.Start(ctx)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	slog.Info("starting server", "addr", cfg.RunAddress)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-quit
	slog.Info("shutting down...")

	cancel() // stop worker
	ctxShut, cancelShut := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShut()

	if err := srv.Shutdown(ctxShut); err != nil {
		slog.Error("server shutdown failed", "error", err)
	}

	slog.Info("server stopped")
}
