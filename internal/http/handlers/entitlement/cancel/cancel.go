// Package cancel реализует HTTP-обработчик отмены подписки или пробного периода.
package cancel

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"

	"github.com/promptatlas/prompt-atlas/internal/http/middlewarectx"
	"github.com/promptatlas/prompt-atlas/internal/http/response"
	"github.com/promptatlas/prompt-atlas/internal/lib/sl"
	"github.com/promptatlas/prompt-atlas/internal/models"
	"github.com/promptatlas/prompt-atlas/internal/services/entitlement"
)

// Service описывает интерфейс сервиса согласования для отмены подписки.
type Service interface {
	CancelSubscription(ctx context.Context, lookupKey string) (*models.CancellationResult, error)
}

// Handler обрабатывает запросы на отмену подписки.
type Handler struct {
	log     *slog.Logger
	service Service
}

// New создает новый Handler с переданным логгером и сервисом.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{log: log, service: service}
}

// ServeHTTP обрабатывает HTTP-запрос отмены подписки.
//
// @Summary Отмена подписки или пробного периода
// @Tags entitlement
// @Produce json
// @Success 200 {object} models.CancellationResult "Подписка отменена"
// @Failure 404 {object} response.ErrorResponse "Пользователь не найден"
// @Router /entitlement/cancel [post]
// @Security BearerAuth
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.entitlement.cancel"

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

	res, err := h.service.CancelSubscription(r.Context(), lookupKey)
	if errors.Is(err, entitlement.ErrUserNotFound) {
		log.Warn("user not found", slog.String("lookup_key", lookupKey))
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, response.Error("user not found"))
		return
	}
	if err != nil {
		log.Error("failed to cancel subscription", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("could not cancel subscription"))
		return
	}

	log.Info("subscription canceled",
		slog.String("lookup_key", lookupKey), slog.Bool("trial_only", res.TrialOnly))
	render.JSON(w, r, response.StatusOKWithData(res))
}
