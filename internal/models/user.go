// Package models содержит доменную модель пользователя системы,
// включающую данные учётной записи и поля подписки/пробного периода.
// Структура используется в бизнес‑логике и при работе с хранилищем.
package models

import "time"

// User представляет зарегистрированного пользователя системы.
//
// Поля подписки и пробного периода изменяются только сервисом
// согласования (entitlement), остальные компоненты читают их как есть.
type User struct {
	ID           int64  // Внутренний числовой идентификатор
	AuthUID      string // Внешний идентификатор федеративной аутентификации
	Username     string // Имя пользователя (уникальное)
	Email        string // Электронная почта (уникальная)
	PasswordHash string // Хэш пароля пользователя

	Tier             Tier       // Уровень подписки
	Status           Status     // Статус жизненного цикла оплаты
	CurrentPeriodEnd *time.Time // Дата окончания оплаченного периода

	TrialStartDate *time.Time // Дата начала пробного периода
	TrialEndDate   *time.Time // Дата окончания пробного периода
	HasUsedTrial   bool       // Пользователь уже использовал пробный период
	TrialRegrant   bool       // Оператор явно разрешил повторный пробный период
	TrialCount     int        // Сколько раз стартовал пробный период, не убывает

	ExternalCustomerID     *string // Идентификатор клиента в платёжном шлюзе
	ExternalSubscriptionID *string // Идентификатор подписки в платёжном шлюзе

	Version int64 // Версия строки для оптимистичной блокировки
}

// TrialActive сообщает, действует ли пробный период на момент now.
func (u *User) TrialActive(now time.Time) bool {
	return u.TrialStartDate != nil && u.TrialEndDate != nil && now.Before(*u.TrialEndDate)
}
