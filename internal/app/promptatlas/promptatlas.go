// Package promptatlas собирает приложение: хранилище, кеш, клиент платёжного
// шлюза, брокер уведомлений, бизнес-сервисы и HTTP-сервер.
package promptatlas

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/streadway/amqp"

	"github.com/promptatlas/prompt-atlas/internal/billing"
	"github.com/promptatlas/prompt-atlas/internal/cache"
	"github.com/promptatlas/prompt-atlas/internal/config"
	"github.com/promptatlas/prompt-atlas/internal/lib/jwt"
	"github.com/promptatlas/prompt-atlas/internal/migrations"
	"github.com/promptatlas/prompt-atlas/internal/services/auth"
	"github.com/promptatlas/prompt-atlas/internal/services/entitlement"
	"github.com/promptatlas/prompt-atlas/internal/services/notifier"
	"github.com/promptatlas/prompt-atlas/internal/storage/repository"
)

// App держит запущенные компоненты приложения.
type App struct {
	server   *http.Server
	logger   *slog.Logger
	db       *repository.Storage
	amqpConn *amqp.Connection
}

// New инициализирует все компоненты приложения и возвращает готовый App.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		return nil, err
	}
	if err = migrations.Run(db.DB, "./migrations"); err != nil {
		return nil, err
	}

	cacheRedis, err := cache.InitServer(ctx, cfg.RedisConnection)
	if err != nil {
		return nil, err
	}

	amqpConn, amqpCh, err := notifier.Connect(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, 5, 2*time.Second)
	if err != nil {
		return nil, err
	}
	events := notifier.New(amqpCh, cfg.RabbitMQ.Exchange, logger)

	gateway := billing.NewClient(cfg.Billing.APIURL, cfg.Billing.SecretKey, cfg.Billing.RequestTimeout)
	jwtMaker := jwt.NewJWTMaker(cfg.JWTSecretKey, cfg.TokenTTL)

	authService := auth.NewAuthService(db, jwtMaker)
	entitlementService := entitlement.New(logger, db, gateway, cacheRedis, events)

	router := chi.NewRouter()
	RegisterRoutes(router, logger, jwtMaker, authService, entitlementService, gateway, cfg.Billing)

	srv := &http.Server{
		Addr:         cfg.AddressHTTP,
		Handler:      router,
		ReadTimeout:  cfg.TimeoutHTTP,
		WriteTimeout: cfg.TimeoutHTTP,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return &App{
		server:   srv,
		logger:   logger,
		db:       db,
		amqpConn: amqpConn,
	}, nil
}

// Run запускает HTTP-сервер и останавливает его по отмене контекста.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server starting on", slog.String("address", a.server.Addr))
		err := a.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
		} else {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		timeoutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		a.logger.Info("shutting down HTTP server gracefully")
		err := a.server.Shutdown(timeoutCtx)
		_ = a.amqpConn.Close()
		_ = a.db.DB.Close()
		return err
	}
}
