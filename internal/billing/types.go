// Package billing реализует тонкий HTTP-клиент платёжного шлюза.
// Сырые ответы провайдера конвертируются в типизированные доменные
// структуры сразу на границе: внутренняя логика никогда не разбирает
// строковые статусы провайдера напрямую.
package billing

import (
	"strings"
	"time"

	"github.com/promptatlas/prompt-atlas/internal/models"
)

// SubscriptionResponse — сырой объект подписки из API шлюза.
type SubscriptionResponse struct {
	ID               string `json:"id"`
	Customer         string `json:"customer"`
	Status           string `json:"status"`
	CancelAtPeriodEnd bool  `json:"cancel_at_period_end"`
	CurrentPeriodEnd int64  `json:"current_period_end"` // unix-время
	Plan             struct {
		PriceID  string `json:"price_id"`
		Interval string `json:"interval"` // month или year
	} `json:"plan"`
	Metadata map[string]string `json:"metadata"`
}

// Normalize конвертирует сырой ответ шлюза в доменную структуру
// с типизированным состоянием. Неизвестный статус никогда не даёт
// оплачиваемых прав: он отображается в SubStateUnknown.
func (r *SubscriptionResponse) Normalize() *models.ExternalSubscription {
	sub := &models.ExternalSubscription{
		ID:         r.ID,
		CustomerID: r.Customer,
		State:      NormalizeStatus(r.Status),
		Interval:   strings.ToLower(strings.TrimSpace(r.Plan.Interval)),
	}
	if r.CurrentPeriodEnd > 0 {
		t := time.Unix(r.CurrentPeriodEnd, 0).UTC()
		sub.CurrentPeriodEnd = &t
	}
	return sub
}

// NormalizeStatus отображает строковый статус провайдера в типизированное
// состояние подписки.
func NormalizeStatus(status string) models.ExternalSubscriptionState {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active":
		return models.SubStateActive
	case "trialing":
		return models.SubStateTrialing
	case "canceled", "cancelled":
		return models.SubStateCanceled
	case "past_due", "unpaid":
		return models.SubStatePastDue
	case "incomplete", "incomplete_expired":
		return models.SubStateIncomplete
	default:
		return models.SubStateUnknown
	}
}

// CreateCheckoutSessionRequest — запрос на создание checkout-сессии.
// Metadata несёт ключ пользователя и тариф: обработчик вебхуков читает
// их обратно, чтобы связать событие с пользователем.
type CreateCheckoutSessionRequest struct {
	CustomerEmail string            `json:"customer_email"`
	PriceID       string            `json:"price_id"`
	SuccessURL    string            `json:"success_url,omitempty"`
	CancelURL     string            `json:"cancel_url,omitempty"`
	Metadata      map[string]string `json:"metadata"`
}

// CheckoutSessionResponse — созданная checkout-сессия.
type CheckoutSessionResponse struct {
	ID       string `json:"id"`
	URL      string `json:"url"`
	Customer string `json:"customer"`
}

// CreateSetupIntentRequest — запрос на создание setup intent
// (привязка платёжного метода, например перед пробным периодом).
type CreateSetupIntentRequest struct {
	CustomerEmail string            `json:"customer_email"`
	Metadata      map[string]string `json:"metadata"`
}

// SetupIntentResponse — созданный setup intent.
type SetupIntentResponse struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
	Customer     string `json:"customer"`
}

type cancelRequest struct {
	CancelAtPeriodEnd bool `json:"cancel_at_period_end"`
}
