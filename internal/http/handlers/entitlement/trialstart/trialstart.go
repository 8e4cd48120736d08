// Package trialstart реализует HTTP-обработчик запуска пробного периода.
package trialstart

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

// Service описывает интерфейс сервиса согласования для запуска пробного периода.
type Service interface {
	StartTrial(ctx context.Context, lookupKey string) (*models.EffectiveEntitlement, error)
}

// Handler обрабатывает запросы на запуск пробного периода.
type Handler struct {
	log     *slog.Logger
	service Service
}

// New создает новый Handler с переданным логгером и сервисом.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{log: log, service: service}
}

// ServeHTTP обрабатывает HTTP-запрос запуска пробного периода.
//
// @Summary Запуск пробного периода
// @Tags entitlement
// @Produce json
// @Success 200 {object} models.EffectiveEntitlement "Пробный период запущен"
// @Failure 404 {object} response.ErrorResponse "Пользователь не найден"
// @Failure 409 {object} response.ErrorResponse "Пробный период недоступен"
// @Router /entitlement/trial [post]
// @Security BearerAuth
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.entitlement.trialstart"

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

	ent, err := h.service.StartTrial(r.Context(), lookupKey)

	var notEligible *entitlement.TrialNotEligibleError
	switch {
	case errors.As(err, &notEligible):
		log.Warn("trial rejected", slog.String("reason", notEligible.Reason))
		render.Status(r, http.StatusConflict)
		render.JSON(w, r, response.Error(notEligible.Reason))
		return
	case errors.Is(err, entitlement.ErrUserNotFound):
		log.Warn("user not found", slog.String("lookup_key", lookupKey))
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, response.Error("user not found"))
		return
	case err != nil:
		log.Error("failed to start trial", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("could not start trial"))
		return
	}

	log.Info("trial started", slog.String("lookup_key", lookupKey))
	render.JSON(w, r, response.StatusOKWithData(ent))
}
