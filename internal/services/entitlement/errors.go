// Package entitlement содержит бизнес-логику согласования уровня доступа:
// чистое разрешение тарифа, единую проверку права на пробный период и
// сервис, который сверяет локальное состояние с платёжным шлюзом и
// записывает исправления.
package entitlement

import (
	"errors"

	"github.com/promptatlas/prompt-atlas/internal/storage/repository"
)

// ErrUserNotFound возвращается, когда ключ поиска не соответствует ни одному
// пользователю. Пользователь в этом пути никогда не создаётся неявно.
var ErrUserNotFound = repository.ErrUserNotFound

// ErrGatewayUnavailable помечает временный сбой обращения к платёжному шлюзу.
// Путь чтения деградирует до сохранённого состояния, путь отмены применяет
// локальное состояние с фиксацией расхождения в логе.
var ErrGatewayUnavailable = errors.New("billing gateway unavailable")

// TrialNotEligibleError возвращается, когда проверка права на пробный период
// отклонила запрос. Несёт конкретную причину для показа пользователю.
// Автоматически не ретраится.
type TrialNotEligibleError struct {
	Reason string
}

func (e *TrialNotEligibleError) Error() string {
	return "trial not eligible: " + e.Reason
}
