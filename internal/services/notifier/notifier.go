// Package notifier публикует сообщения об изменениях уровня доступа в RabbitMQ.
// Сообщения потребляют внешние воркеры уведомлений; сбой публикации логируется,
// но никогда не влияет на запись полей подписки или подтверждение вебхука.
package notifier

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"github.com/promptatlas/prompt-atlas/internal/models"
)

// Message — сообщение об изменении уровня доступа пользователя.
type Message struct {
	EventID      string      `json:"event_id"`
	UserID       int64       `json:"user_id"`
	PreviousTier models.Tier `json:"previous_tier"`
	NewTier      models.Tier `json:"new_tier"`
	Kind         string      `json:"kind"` // trial_started, auto_upgraded, subscription_event, canceled
	OccurredAt   time.Time   `json:"occurred_at"`
}

// Notifier публикует сообщения в обменник RabbitMQ.
type Notifier struct {
	ch       *amqp.Channel
	exchange string
	log      *slog.Logger
}

// Connect подключается к RabbitMQ с повторными попытками и объявляет обменник.
func Connect(url, exchange string, retries int, delay time.Duration) (*amqp.Connection, *amqp.Channel, error) {
	const op = "notifier.Connect"
	var conn *amqp.Connection
	var err error

	for range retries {
		conn, err = amqp.Dial(url)
		if err == nil {
			break
		}
		time.Sleep(delay)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}

	err = ch.ExchangeDeclare(
		exchange,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", op, err)
	}
	return conn, ch, nil
}

// New создаёт новый Notifier поверх открытого канала.
func New(ch *amqp.Channel, exchange string, log *slog.Logger) *Notifier {
	return &Notifier{
		ch:       ch,
		exchange: exchange,
		log:      log,
	}
}

// EntitlementChanged публикует сообщение об изменении уровня доступа.
func (n *Notifier) EntitlementChanged(userID int64, previous, next models.Tier, kind string) error {
	const op = "notifier.EntitlementChanged"

	msg := Message{
		EventID:      uuid.NewString(),
		UserID:       userID,
		PreviousTier: previous,
		NewTier:      next,
		Kind:         kind,
		OccurredAt:   time.Now().UTC(),
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	err = n.ch.Publish(
		n.exchange,
		kind,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
		},
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n.log.Info("published entitlement change",
		slog.String("event_id", msg.EventID),
		slog.Int64("user_id", userID),
		slog.String("kind", kind))
	return nil
}
