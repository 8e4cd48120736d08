// Package webhook реализует HTTP-обработчик вебхуков платёжного шлюза.
//
// Подпись проверяется по сырому телу запроса до любого разбора JSON:
// непроверенное событие никогда не доходит до бизнес-логики. Проверенные,
// но некорректные события подтверждаются с кодом 200, чтобы провайдер
// не доставлял их повторно.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/promptatlas/prompt-atlas/internal/billing"
	"github.com/promptatlas/prompt-atlas/internal/http/response"
	"github.com/promptatlas/prompt-atlas/internal/lib/sl"
	"github.com/promptatlas/prompt-atlas/internal/metrics"
	"github.com/promptatlas/prompt-atlas/internal/models"
	"github.com/promptatlas/prompt-atlas/internal/services/entitlement"
)

// SignatureHeader — заголовок с подписью тела запроса.
const SignatureHeader = "Signature"

// maxBodySize ограничивает размер тела вебхука.
const maxBodySize = 1 << 20

// Service описывает операции сервиса согласования, доступные вебхукам.
type Service interface {
	ApplySubscriptionEvent(ctx context.Context, ev models.SubscriptionEvent) error
	HandleCheckoutCompleted(ctx context.Context, ev models.SubscriptionEvent) error
}

// Handler обрабатывает вебхуки платёжного шлюза.
type Handler struct {
	log     *slog.Logger
	service Service
	secret  []byte
}

// New создает новый Handler с переданным логгером, сервисом и секретом подписи.
func New(log *slog.Logger, service Service, secret string) *Handler {
	return &Handler{
		log:     log,
		service: service,
		secret:  []byte(secret),
	}
}

// VerifySignature проверяет подпись HMAC-SHA256 сырого тела запроса.
// Сравнение выполняется за константное время.
func VerifySignature(secret, body []byte, header string) bool {
	got, err := base64.StdEncoding.DecodeString(strings.TrimSpace(header))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hmac.Equal(got, mac.Sum(nil))
}

// eventEnvelope — внешний конверт события вебхука.
type eventEnvelope struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// checkoutObject — объект события завершения оформления или привязки
// платёжного метода.
type checkoutObject struct {
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

// tierHintFromPlan отображает тариф из metadata сессии в доменный тип.
func tierHintFromPlan(plan string) models.Tier {
	switch plan {
	case "trial":
		return models.TierTrial
	case "monthly":
		return models.TierProMonthly
	case "yearly":
		return models.TierProYearly
	default:
		return ""
	}
}

// ServeHTTP обрабатывает HTTP-запрос вебхука платёжного шлюза.
//
// @Summary Вебхук платёжного шлюза
// @Tags billing
// @Accept json
// @Produce json
// @Success 200 {object} response.Response "Событие принято"
// @Failure 401 {object} response.ErrorResponse "Неверная подпись"
// @Router /billing/webhook [post]
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.billing.webhook"

	log := h.log.With(
		slog.String("op", op),
		slog.String("request_id", middleware.GetReqID(r.Context())),
	)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		log.Error("failed to read webhook body", sl.Err(err))
		render.Status(r, http.StatusBadRequest)
		render.JSON(w, r, response.Error("failed to read body"))
		return
	}

	if !VerifySignature(h.secret, body, r.Header.Get(SignatureHeader)) {
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "rejected").Inc()
		log.Warn("webhook signature verification failed",
			slog.String("remote_addr", r.RemoteAddr))
		render.Status(r, http.StatusUnauthorized)
		render.JSON(w, r, response.Error("invalid signature"))
		return
	}

	var env eventEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Type == "" {
		// Подпись верна, но тело не разобрать: подтверждаем, чтобы
		// провайдер не ретраил заведомо бесполезную доставку.
		metrics.WebhookEventsTotal.WithLabelValues("unknown", "malformed").Inc()
		log.Error("verified webhook with malformed body", sl.Err(err))
		render.JSON(w, r, response.StatusOKWithData(map[string]any{"received": true}))
		return
	}

	log = log.With(slog.String("event_id", env.ID), slog.String("event_type", env.Type))

	outcome := h.dispatch(r.Context(), log, env)
	metrics.WebhookEventsTotal.WithLabelValues(env.Type, outcome).Inc()

	render.JSON(w, r, response.StatusOKWithData(map[string]any{"received": true}))
}

// dispatch разбирает объект события и передаёт его сервису согласования.
// Возвращает исход обработки для метрики.
func (h *Handler) dispatch(ctx context.Context, log *slog.Logger, env eventEnvelope) string {
	switch {
	case strings.HasPrefix(env.Type, "subscription."):
		var raw billing.SubscriptionResponse
		if err := json.Unmarshal(env.Data.Object, &raw); err != nil {
			log.Error("malformed subscription object", sl.Err(err))
			return "malformed"
		}
		sub := raw.Normalize()
		ev := models.SubscriptionEvent{
			ID:             env.ID,
			Type:           env.Type,
			SubscriptionID: sub.ID,
			CustomerID:     sub.CustomerID,
			State:          sub.State,
			Interval:       sub.Interval,
			PeriodEnd:      sub.CurrentPeriodEnd,
			LookupKey:      raw.Metadata["lookup_key"],
			TierHint:       tierHintFromPlan(raw.Metadata["plan"]),
		}
		return h.apply(log, func() error { return h.service.ApplySubscriptionEvent(ctx, ev) })

	case env.Type == "checkout.completed", env.Type == "setup_intent.succeeded":
		var obj checkoutObject
		if err := json.Unmarshal(env.Data.Object, &obj); err != nil {
			log.Error("malformed checkout object", sl.Err(err))
			return "malformed"
		}
		ev := models.SubscriptionEvent{
			ID:             env.ID,
			Type:           env.Type,
			SubscriptionID: obj.Subscription,
			CustomerID:     obj.Customer,
			LookupKey:      obj.Metadata["lookup_key"],
			TierHint:       tierHintFromPlan(obj.Metadata["plan"]),
		}
		return h.apply(log, func() error { return h.service.HandleCheckoutCompleted(ctx, ev) })

	default:
		log.Info("webhook event type ignored")
		return "ignored"
	}
}

func (h *Handler) apply(log *slog.Logger, fn func() error) string {
	err := fn()
	switch {
	case errors.Is(err, entitlement.ErrUserNotFound):
		log.Warn("webhook event for unknown user")
		return "error"
	case err != nil:
		log.Error("failed to apply webhook event", sl.Err(err))
		return "error"
	}
	log.Info("webhook event processed")
	return "processed"
}
