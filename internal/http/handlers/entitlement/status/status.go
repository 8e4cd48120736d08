// Package status реализует HTTP-обработчик получения эффективного уровня
// доступа текущего пользователя.
//
// Обработчик берёт идентификатор аутентификации из контекста запроса,
// вызывает сервис согласования и возвращает вычисленный уровень доступа.
package status

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

// Service описывает интерфейс сервиса согласования для чтения уровня доступа.
type Service interface {
	GetStatus(ctx context.Context, lookupKey string) (*models.EffectiveEntitlement, error)
}

// Handler обрабатывает запросы на чтение уровня доступа.
type Handler struct {
	log     *slog.Logger
	service Service
}

// New создает новый Handler с переданным логгером и сервисом.
func New(log *slog.Logger, service Service) *Handler {
	return &Handler{log: log, service: service}
}

// ServeHTTP обрабатывает HTTP-запрос чтения уровня доступа.
//
// @Summary Текущий уровень доступа пользователя
// @Tags entitlement
// @Produce json
// @Success 200 {object} models.EffectiveEntitlement "Эффективный уровень доступа"
// @Failure 404 {object} response.ErrorResponse "Пользователь не найден"
// @Router /entitlement [get]
// @Security BearerAuth
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	const op = "handlers.entitlement.status"

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

	ent, err := h.service.GetStatus(r.Context(), lookupKey)
	if errors.Is(err, entitlement.ErrUserNotFound) {
		log.Warn("user not found", slog.String("lookup_key", lookupKey))
		render.Status(r, http.StatusNotFound)
		render.JSON(w, r, response.Error("user not found"))
		return
	}
	if err != nil {
		log.Error("failed to resolve entitlement", sl.Err(err))
		render.Status(r, http.StatusInternalServerError)
		render.JSON(w, r, response.Error("could not resolve entitlement"))
		return
	}

	render.JSON(w, r, response.StatusOKWithData(ent))
}
