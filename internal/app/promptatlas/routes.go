// Package promptatlas предоставляет маршруты для основного приложения.
package promptatlas

import (
	"log/slog"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
	"golang.org/x/time/rate"

	"github.com/promptatlas/prompt-atlas/internal/billing"
	"github.com/promptatlas/prompt-atlas/internal/config"
	"github.com/promptatlas/prompt-atlas/internal/http/handlers/auth/login"
	"github.com/promptatlas/prompt-atlas/internal/http/handlers/auth/register"
	"github.com/promptatlas/prompt-atlas/internal/http/handlers/billing/checkout"
	"github.com/promptatlas/prompt-atlas/internal/http/handlers/billing/webhook"
	"github.com/promptatlas/prompt-atlas/internal/http/handlers/entitlement/cancel"
	"github.com/promptatlas/prompt-atlas/internal/http/handlers/entitlement/status"
	"github.com/promptatlas/prompt-atlas/internal/http/handlers/entitlement/trialstart"
	"github.com/promptatlas/prompt-atlas/internal/http/middlewarectx"
	"github.com/promptatlas/prompt-atlas/internal/lib/jwt"
	authservice "github.com/promptatlas/prompt-atlas/internal/services/auth"
	"github.com/promptatlas/prompt-atlas/internal/services/entitlement"
)

// RegisterRoutes регистрирует все маршруты приложения.
func RegisterRoutes(r chi.Router, logger *slog.Logger, jwtMaker jwt.Maker,
	authService *authservice.AuthService, entitlementService *entitlement.Service,
	gateway *billing.Client, billingCfg config.Billing) {
	// Глобальные middleware
	r.Use(
		middleware.RequestID,
		middleware.Logger,
		middleware.Recoverer,
		middleware.URLFormat,
	)

	limiter := rate.NewLimiter(rate.Limit(20), 40)

	r.Route("/api/v1", func(r chi.Router) {
		// Открытые конечные точки
		r.Post("/auth/register", register.New(logger, authService).ServeHTTP)
		r.Post("/auth/login", login.New(logger, authService).ServeHTTP)

		// Группа с JWT аутентификацией
		r.Group(func(r chi.Router) {
			r.Use(middlewarectx.JWTMiddleware(jwtMaker, logger))
			r.Use(middlewarectx.RateLimitMiddleware(limiter, logger))
			r.Get("/entitlement", status.New(logger, entitlementService).ServeHTTP)
			r.Post("/entitlement/trial", trialstart.New(logger, entitlementService).ServeHTTP)
			r.Post("/entitlement/cancel", cancel.New(logger, entitlementService).ServeHTTP)
			r.Post("/billing/checkout", checkout.New(logger, gateway, billingCfg).ServeHTTP)
		})

		// Вебхук без аутентификации: подпись проверяется по телу запроса
		r.Post("/billing/webhook", webhook.New(logger, entitlementService, billingCfg.WebhookSecret).ServeHTTP)
	})

	r.Handle("/metrics", promhttp.Handler())
	// Swagger docs endpoint
	r.Get("/docs/*", httpSwagger.WrapHandler)
}
