package entitlement

import (
	"time"

	"github.com/promptatlas/prompt-atlas/internal/models"
)

// Resolve — чистая функция разрешения уровня доступа. По сохранённой записи
// пользователя и, опционально, свежепроверенной подписке из платёжного шлюза
// вычисляет эффективный тариф, статус и флаги доступа. Не выполняет I/O и
// идемпотентна: повторный вызов с теми же аргументами даёт тот же результат.
//
// Функция никогда не повышает тариф иначе как по проверенной подписке шлюза
// или по уже сохранённому пробному периоду.
func Resolve(u *models.User, ext *models.ExternalSubscription, now time.Time) models.EffectiveEntitlement {
	tier := u.Tier
	status := u.Status
	periodEnd := u.CurrentPeriodEnd

	if ext != nil {
		switch ext.State {
		case models.SubStateActive:
			tier = tierForInterval(ext.Interval)
			status = models.StatusActive
			if ext.CurrentPeriodEnd != nil {
				periodEnd = ext.CurrentPeriodEnd
			}
		case models.SubStateTrialing:
			tier = models.TierTrial
			status = models.StatusTrialing
			if ext.CurrentPeriodEnd != nil {
				periodEnd = ext.CurrentPeriodEnd
			}
		case models.SubStateCanceled, models.SubStatePastDue:
			// Тариф не повышается; доступ, если он был оплачен,
			// сохраняется до конца оплаченного периода.
			status = models.StatusCanceled
			if ext.CurrentPeriodEnd != nil {
				periodEnd = ext.CurrentPeriodEnd
			}
		default:
			// incomplete и неизвестные состояния не дают доступа.
			status = models.StatusNone
		}
	}

	trialActive := u.TrialActive(now)

	hasProAccess := trialActive
	if tier.IsPaid() {
		switch {
		case status == models.StatusActive:
			hasProAccess = true
		case status == models.StatusCanceled && periodEnd != nil && now.Before(*periodEnd):
			// Отменённая подписка действует до конца оплаченного периода.
			hasProAccess = true
		}
	}

	days := 0
	if trialActive {
		days = trialDaysRemaining(now, *u.TrialEndDate)
	}

	return models.EffectiveEntitlement{
		Tier:               tier,
		Status:             status,
		HasProAccess:       hasProAccess,
		TrialDaysRemaining: days,
		AutoUpgraded:       tier != u.Tier || status != u.Status,
	}
}

// tierForInterval выводит оплаченный тариф из интервала тарификации
// проверенной подписки. Пустой или неизвестный интервал трактуется как
// месячный: годовой тариф никогда не присваивается без явного подтверждения.
func tierForInterval(interval string) models.Tier {
	if interval == models.IntervalYear {
		return models.TierProYearly
	}
	return models.TierProMonthly
}

func trialDaysRemaining(now, end time.Time) int {
	remaining := end.Sub(now)
	if remaining <= 0 {
		return 0
	}
	days := int(remaining / (24 * time.Hour))
	if remaining%(24*time.Hour) > 0 {
		days++
	}
	return days
}
