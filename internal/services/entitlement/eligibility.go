package entitlement

import (
	"time"

	"github.com/promptatlas/prompt-atlas/internal/models"
)

// Причины отказа в пробном периоде. Строки показываются пользователю как есть.
const (
	ReasonTrialAlreadyUsed   = "trial already used"
	ReasonAlreadySubscribed  = "already subscribed"
	ReasonTrialAlreadyActive = "trial already active"
)

// Eligibility — результат проверки права на пробный период.
type Eligibility struct {
	Eligible bool
	Reason   string
}

// CheckEligibility — единая точка проверки права на пробный период.
// Каждый путь, выдающий пробный период (явный запрос, вебхук и любой будущий),
// обязан пройти через эту функцию: полей пробного периода вне сервиса
// согласования никто не изменяет, поэтому обход невозможен структурно.
//
// Правила проверяются по порядку, срабатывает первое нарушенное.
func CheckEligibility(u *models.User, now time.Time) Eligibility {
	if u.HasUsedTrial && !u.TrialRegrant {
		return Eligibility{Reason: ReasonTrialAlreadyUsed}
	}
	if u.Status == models.StatusActive && u.Tier.IsPaid() {
		return Eligibility{Reason: ReasonAlreadySubscribed}
	}
	if u.TrialActive(now) {
		return Eligibility{Reason: ReasonTrialAlreadyActive}
	}
	return Eligibility{Eligible: true}
}
