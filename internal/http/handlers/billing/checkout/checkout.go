// Package checkout реализует HTTP-обработчик создания сессии оплаты.
//
// Для оплачиваемых тарифов создаётся checkout-сессия платёжного шлюза,
// для пробного периода — setup intent на привязку платёжного метода.
// В metadata сессии кладётся ключ пользователя и тариф: обработчик
// вебхуков читает их обратно при первой привязке подписки.
package checkout

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"github.com/promptatlas/prompt-atlas/internal/billing"
	"github.com/promptatlas/prompt-atlas/internal/config"
	"github.com/promptatlas/prompt-atlas/internal/http/middlewarectx"
	"github.com/promptatlas/prompt-atlas/internal/http/response"
	"github.com/promptatlas/prompt-atlas/internal/lib/sl"
	"github.com/promptatlas/prompt-atlas/internal/metrics"
)

// Планы, которые принимает обработчик.
const (
	PlanTrial   = "trial"
	PlanMonthly = "monthly"
	PlanYearly  = "yearly"
)

// Request — входные данные для создания сессии оплаты
type Request struct {
	Plan       string `json:"plan" validate:"required,oneof=trial monthly yearly"`
	Email      string `json:"email" validate:"omitempty,email"`
	SuccessURL string `json:"success_url" validate:"omitempty,url"`
	CancelURL  string `json:"cancel_url" validate:"omitempty,url"`
}

// Gateway описывает вызовы платёжного шлюза для оформления.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req billing.CreateCheckoutSessionRequest) (*billing.CheckoutSessionResponse, error)
	CreateSetupIntent(ctx context.Context, req billing.CreateSetupIntentRequest) (*billing.SetupIntentResponse, error)
}

// Handler обрабатывает запросы на создание сессии оплаты.
type Handler struct {
	log      *slog.Logger
	gateway  Gateway
	cfg      config.Billing
	validate *validator.Validate
}

// New создает новый Handler с переданным логгером, шлюзом и настройками тарифов.
func New(log *slog.Logger, gateway Gateway, cfg config.Billing) *Handler {
	return &Handler{
		log:      log,
		gateway:  gateway,
		cfg:      cfg,
		validate: validator.New(),
	}
}

// ServeHTTP обрабатывает HTTP-запрос создания сессии оплаты.
//
// @Summary Создание сессии оплаты
// @Tags billing
// @Accept json
// @Produce json
// @Param request body Request true "Выбранный тариф"
// @Success 200 {object} map[string]any "Сессия создана"
// @Failure 400 {object} response.ErrorResponse "Некорректный тариф"
// @Failure 502 {object} response.ErrorResponse "Платёжный шлюз недоступен"
// @Router /billing/checkout [post]
// @Security BearerAuth
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.billing.checkout"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	lookupKey, ok := r.Context().Value(middlewarectx.AuthUID).(string)
	if !ok || lookupKey == "" {
		log.Error("auth uid missing from request context")
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, response.Error("unauthorized"))
		return
	}

	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Error("failed to decode request body", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("invalid request body"))
		return
	}

	if err := h.validate.Struct(req); err != nil {
		log.Error("validation failed", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.ValidationError(err.(validator.ValidationErrors)))
		return
	}

	metadata := map[string]string{
		"lookup_key": lookupKey,
		"plan":       req.Plan,
	}

	if req.Plan == PlanTrial {
		intent, err := h.gateway.CreateSetupIntent(r.Context(), billing.CreateSetupIntentRequest{
			CustomerEmail: req.Email,
			Metadata:      metadata,
		})
		if err != nil {
			metrics.GatewayFailuresTotal.WithLabelValues("create_setup_intent").Inc()
			log.Error("failed to create setup intent", sl.Err(err))
			render.Status(r, http.StatusBadGateway)
			render.JSON(w, r, response.Error("billing gateway unavailable"))
			return
		}
		log.Info("setup intent created", slog.String("intent_id", intent.ID))
		render.JSON(w, r, response.StatusOKWithData(map[string]any{
			"setup_intent_id": intent.ID,
			"client_secret":   intent.ClientSecret,
		}))
		return
	}

	priceID := h.cfg.MonthlyPriceID
	if req.Plan == PlanYearly {
		priceID = h.cfg.YearlyPriceID
	}

	session, err := h.gateway.CreateCheckoutSession(r.Context(), billing.CreateCheckoutSessionRequest{
		CustomerEmail: req.Email,
		PriceID:       priceID,
		SuccessURL:    req.SuccessURL,
		CancelURL:     req.CancelURL,
		Metadata:      metadata,
	})
	if err != nil {
		metrics.GatewayFailuresTotal.WithLabelValues("create_checkout_session").Inc()
		log.Error("failed to create checkout session", sl.Err(err))
		render.Status(r, http.StatusBadGateway)
		render.JSON(w, r, response.Error("billing gateway unavailable"))
		return
	}

	log.Info("checkout session created", slog.String("session_id", session.ID))
	render.JSON(w, r, response.StatusOKWithData(map[string]any{
		"session_id":   session.ID,
		"checkout_url": session.URL,
	}))
}
