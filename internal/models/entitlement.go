// Package models содержит доменные структуры уровня подписки:
// перечисления тарифа и статуса, вычисляемый результат разрешения доступа,
// типизированное представление подписки из платёжного шлюза и нормализованное
// событие вебхука.
package models

import "time"

// Tier — уровень продуктового доступа пользователя.
type Tier string

// Возможные уровни доступа.
const (
	TierFree       Tier = "free"
	TierTrial      Tier = "trial"
	TierProMonthly Tier = "pro_monthly"
	TierProYearly  Tier = "pro_yearly"
)

// IsPaid сообщает, является ли уровень оплаченным.
func (t Tier) IsPaid() bool {
	return t == TierProMonthly || t == TierProYearly
}

// Status — статус жизненного цикла оплаты.
type Status string

// Возможные статусы оплаты.
const (
	StatusNone     Status = "none"
	StatusActive   Status = "active"
	StatusTrialing Status = "trialing"
	StatusCanceled Status = "canceled"
	StatusFree     Status = "free"
)

// EffectiveEntitlement — вычисленный результат разрешения доступа.
// Не хранится отдельной строкой: значения записываются обратно в поля User.
type EffectiveEntitlement struct {
	Tier               Tier   `json:"tier"`
	Status             Status `json:"status"`
	HasProAccess       bool   `json:"has_pro_access"`
	TrialDaysRemaining int    `json:"trial_days_remaining"`
	AutoUpgraded       bool   `json:"auto_upgraded"`
}

// ExternalSubscriptionState — типизированное состояние подписки в шлюзе.
// Сырые строковые статусы провайдера конвертируются в этот тип сразу на
// границе, внутренняя логика строки статусов не разбирает.
type ExternalSubscriptionState string

// Состояния подписки платёжного шлюза.
const (
	SubStateActive     ExternalSubscriptionState = "active"
	SubStateTrialing   ExternalSubscriptionState = "trialing"
	SubStateCanceled   ExternalSubscriptionState = "canceled"
	SubStatePastDue    ExternalSubscriptionState = "past_due"
	SubStateIncomplete ExternalSubscriptionState = "incomplete"
	SubStateUnknown    ExternalSubscriptionState = "unknown"
)

// Интервалы тарификации, которые сообщает шлюз.
const (
	IntervalMonth = "month"
	IntervalYear  = "year"
)

// ExternalSubscription — проверенная подписка, полученная из платёжного шлюза.
type ExternalSubscription struct {
	ID               string                    // Идентификатор подписки в шлюзе
	CustomerID       string                    // Идентификатор клиента в шлюзе
	State            ExternalSubscriptionState // Нормализованное состояние
	Interval         string                    // Интервал тарификации: month, year или пусто
	CurrentPeriodEnd *time.Time                // Окончание текущего оплаченного периода
}

// SubscriptionEvent — нормализованное событие вебхука платёжного шлюза.
type SubscriptionEvent struct {
	ID             string                    // Идентификатор события у провайдера
	Type           string                    // Тип события, например subscription.updated
	SubscriptionID string                    // Идентификатор подписки в шлюзе
	CustomerID     string                    // Идентификатор клиента в шлюзе
	State          ExternalSubscriptionState // Нормализованное состояние подписки
	Interval       string                    // Интервал тарификации из события
	PeriodEnd      *time.Time                // Окончание оплаченного периода из события
	LookupKey      string                    // Ключ пользователя из metadata для первой привязки
	TierHint       Tier                      // Запрошенный тариф из metadata, если передан
}

// CancellationResult — результат отмены подписки.
type CancellationResult struct {
	Status      Status     `json:"status"`
	TrialOnly   bool       `json:"trial_only"`             // Отменён только пробный период
	AccessUntil *time.Time `json:"access_until,omitempty"` // Доступ сохраняется до этой даты
}
