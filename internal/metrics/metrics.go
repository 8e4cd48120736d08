// Package metrics объявляет счётчики Prometheus для подсистемы подписок.
// Счётчики регистрируются в глобальном реестре и отдаются через /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookEventsTotal считает входящие события вебхука по типу и исходу
	// обработки: processed, rejected, malformed, error, ignored.
	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptatlas_webhook_events_total",
		Help: "Incoming billing webhook events by type and processing outcome.",
	}, []string{"type", "outcome"})

	// AutoUpgradesTotal считает автоматические повышения уровня после сверки
	// с платёжным шлюзом.
	AutoUpgradesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "promptatlas_entitlement_auto_upgrades_total",
		Help: "Persisted tier corrections driven by verified gateway state.",
	})

	// GatewayFailuresTotal считает неудачные обращения к платёжному шлюзу
	// по имени операции.
	GatewayFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "promptatlas_billing_gateway_failures_total",
		Help: "Failed billing gateway calls by operation.",
	}, []string{"op"})

	// TrialStartsTotal считает успешные старты пробного периода.
	TrialStartsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "promptatlas_trial_starts_total",
		Help: "Successfully started trials.",
	})

	// CancellationInconsistenciesTotal считает случаи, когда отмена в шлюзе
	// не удалась, а локальный статус всё равно переведён в canceled.
	CancellationInconsistenciesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "promptatlas_cancellation_inconsistencies_total",
		Help: "Local cancellations persisted while the gateway call failed.",
	})
)
