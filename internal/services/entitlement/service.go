package entitlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/promptatlas/prompt-atlas/internal/lib/sl"
	"github.com/promptatlas/prompt-atlas/internal/metrics"
	"github.com/promptatlas/prompt-atlas/internal/models"
	"github.com/promptatlas/prompt-atlas/internal/storage/repository"
)

// TrialDuration — длительность пробного периода.
const TrialDuration = 72 * time.Hour

// cacheTTL ограничивает время жизни закэшированного результата разрешения.
const cacheTTL = time.Minute

// saveAttempts — сколько раз повторяется запись при конфликте версий.
const saveAttempts = 3

// UserRepository — операции хранилища, которые нужны сервису согласования.
type UserRepository interface {
	FindUserByLookupKey(ctx context.Context, key string) (*models.User, error)
	FindUserByExternalIDs(ctx context.Context, subscriptionID, customerID string) (*models.User, error)
	SaveEntitlement(ctx context.Context, u *models.User) error
}

// Gateway — обращения к платёжному шлюзу.
type Gateway interface {
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*models.ExternalSubscription, error)
	CancelAtPeriodEnd(ctx context.Context, subscriptionID string) error
}

// Cache — кэш результатов разрешения доступа.
type Cache interface {
	Get(key string, result any) (bool, error)
	Set(key string, value any, expiration time.Duration) error
	Invalidate(key string) error
}

// Events публикует уведомления об изменении уровня доступа.
type Events interface {
	EntitlementChanged(userID int64, previous, next models.Tier, kind string) error
}

// Service — сервис согласования уровня доступа. Единственный компонент,
// которому разрешено изменять поля подписки и пробного периода пользователя.
//
// Конкурентные изменения одного пользователя сериализуются мьютексом по его
// идентификатору, запись дополнительно защищена версией строки.
type Service struct {
	log     *slog.Logger
	repo    UserRepository
	gateway Gateway
	cache   Cache
	events  Events
	now     func() time.Time

	mu        sync.Mutex
	userLocks map[int64]*sync.Mutex
}

// New собирает сервис согласования.
func New(log *slog.Logger, repo UserRepository, gateway Gateway, cache Cache, events Events) *Service {
	return &Service{
		log:       log,
		repo:      repo,
		gateway:   gateway,
		cache:     cache,
		events:    events,
		now:       time.Now,
		userLocks: make(map[int64]*sync.Mutex),
	}
}

// WithClock подменяет источник времени. Используется в тестах.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) lockUser(id int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.userLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.userLocks[id] = l
	}
	return l
}

func cacheKey(lookupKey string) string {
	return "entitlement:" + lookupKey
}

// invalidate сбрасывает кэш по обоим ключам поиска пользователя.
func (s *Service) invalidate(u *models.User) {
	keys := []string{cacheKey(u.AuthUID), cacheKey(strconv.FormatInt(u.ID, 10))}
	for _, key := range keys {
		if err := s.cache.Invalidate(key); err != nil {
			s.log.Warn("failed to invalidate entitlement cache", slog.String("key", key), sl.Err(err))
		}
	}
}

// mutate выполняет изменение записи пользователя под его мьютексом.
// Свежая запись перечитывается уже под блокировкой, apply применяет изменения
// и сообщает, изменилось ли что-то. При конфликте версий запись перечитывается
// и применяется заново.
//
// Возвращает обновлённого пользователя, его тариф до изменения и флаг записи.
func (s *Service) mutate(ctx context.Context, find func(context.Context) (*models.User, error),
	apply func(*models.User) (bool, error)) (*models.User, models.Tier, bool, error) {
	const op = "entitlement.mutate"

	u, err := find(ctx)
	if err != nil {
		return nil, "", false, err
	}

	lock := s.lockUser(u.ID)
	lock.Lock()
	defer lock.Unlock()

	for attempt := 0; attempt < saveAttempts; attempt++ {
		u, err = find(ctx)
		if err != nil {
			return nil, "", false, err
		}
		prev := u.Tier

		changed, err := apply(u)
		if err != nil {
			return nil, "", false, err
		}
		if !changed {
			return u, prev, false, nil
		}

		err = s.repo.SaveEntitlement(ctx, u)
		if errors.Is(err, repository.ErrVersionConflict) {
			s.log.Warn("entitlement version conflict, retrying", slog.Int64("user_id", u.ID))
			continue
		}
		if err != nil {
			return nil, "", false, fmt.Errorf("%s: %w", op, err)
		}

		s.invalidate(u)
		return u, prev, true, nil
	}

	return nil, "", false, fmt.Errorf("%s: %w", op, repository.ErrVersionConflict)
}

// notify публикует уведомление об изменении тарифа. Сбой публикации не
// прерывает основную операцию.
func (s *Service) notify(userID int64, previous, next models.Tier, kind string) {
	if previous == next {
		return
	}
	if err := s.events.EntitlementChanged(userID, previous, next, kind); err != nil {
		s.log.Warn("failed to publish entitlement change",
			slog.Int64("user_id", userID), slog.String("kind", kind), sl.Err(err))
	}
}

// applyResolved записывает вычисленный результат разрешения в запись
// пользователя и привязывает внешние идентификаторы подписки.
func applyResolved(u *models.User, ent models.EffectiveEntitlement, ext *models.ExternalSubscription) {
	u.Tier = ent.Tier
	u.Status = ent.Status
	if ext != nil {
		if ext.CurrentPeriodEnd != nil {
			u.CurrentPeriodEnd = ext.CurrentPeriodEnd
		}
		linkExternalIDs(u, ext)
	}
}

// linkExternalIDs привязывает идентификаторы шлюза к пользователю.
// Идентификатор клиента записывается один раз; идентификатор подписки
// заменяется, когда приходит активная подписка с другим идентификатором.
func linkExternalIDs(u *models.User, ext *models.ExternalSubscription) {
	if u.ExternalCustomerID == nil && ext.CustomerID != "" {
		id := ext.CustomerID
		u.ExternalCustomerID = &id
	}
	if ext.ID == "" {
		return
	}
	if u.ExternalSubscriptionID == nil ||
		(ext.State == models.SubStateActive && *u.ExternalSubscriptionID != ext.ID) {
		id := ext.ID
		u.ExternalSubscriptionID = &id
	}
}

// GetStatus возвращает эффективный уровень доступа пользователя.
//
// Если сохранённый тариф free, а у пользователя есть привязанная подписка,
// состояние сверяется с платёжным шлюзом: оплаченная подписка автоматически
// повышает тариф и исправление записывается. Недоступность шлюза деградирует
// до сохранённого состояния, доступ при этом никогда не повышается.
func (s *Service) GetStatus(ctx context.Context, lookupKey string) (*models.EffectiveEntitlement, error) {
	const op = "entitlement.GetStatus"

	var cached models.EffectiveEntitlement
	hit, err := s.cache.Get(cacheKey(lookupKey), &cached)
	if err != nil {
		s.log.Warn("entitlement cache read failed", sl.Err(err))
	}
	if hit {
		return &cached, nil
	}

	u, err := s.repo.FindUserByLookupKey(ctx, lookupKey)
	if err != nil {
		return nil, err
	}

	var ext *models.ExternalSubscription
	if u.Tier == models.TierFree && u.ExternalSubscriptionID != nil {
		ext, err = s.gateway.RetrieveSubscription(ctx, *u.ExternalSubscriptionID)
		if err != nil {
			// Отказ шлюза не меняет сохранённое состояние.
			metrics.GatewayFailuresTotal.WithLabelValues("retrieve_subscription").Inc()
			s.log.Warn("gateway check failed, serving persisted state",
				slog.Int64("user_id", u.ID), sl.Err(err))
			ext = nil
		}
	}

	ent := Resolve(u, ext, s.now())

	if ent.AutoUpgraded {
		_, prev, saved, err := s.mutate(ctx,
			func(ctx context.Context) (*models.User, error) {
				return s.repo.FindUserByLookupKey(ctx, lookupKey)
			},
			func(u *models.User) (bool, error) {
				fresh := Resolve(u, ext, s.now())
				if !fresh.AutoUpgraded {
					return false, nil
				}
				applyResolved(u, fresh, ext)
				return true, nil
			})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if saved {
			metrics.AutoUpgradesTotal.Inc()
			s.log.Info("entitlement auto-upgraded from gateway state",
				slog.String("tier", string(ent.Tier)))
			s.notify(u.ID, prev, ent.Tier, "auto_upgraded")
		}
	}

	toCache := ent
	toCache.AutoUpgraded = false
	if err := s.cache.Set(cacheKey(lookupKey), toCache, cacheTTL); err != nil {
		s.log.Warn("entitlement cache write failed", sl.Err(err))
	}

	return &ent, nil
}

// StartTrial запускает пробный период по явному запросу пользователя.
// Право на пробный период проверяется под блокировкой пользователя, поэтому
// параллельные запросы не могут выдать период дважды.
func (s *Service) StartTrial(ctx context.Context, lookupKey string) (*models.EffectiveEntitlement, error) {
	const op = "entitlement.StartTrial"

	u, prev, saved, err := s.mutate(ctx,
		func(ctx context.Context) (*models.User, error) {
			return s.repo.FindUserByLookupKey(ctx, lookupKey)
		},
		func(u *models.User) (bool, error) {
			if el := CheckEligibility(u, s.now()); !el.Eligible {
				return false, &TrialNotEligibleError{Reason: el.Reason}
			}
			s.grantTrial(u)
			return true, nil
		})
	if err != nil {
		var notEligible *TrialNotEligibleError
		if errors.Is(err, ErrUserNotFound) || errors.As(err, &notEligible) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if saved {
		metrics.TrialStartsTotal.Inc()
		s.log.Info("trial started", slog.Int64("user_id", u.ID), slog.Int("trial_count", u.TrialCount))
		s.notify(u.ID, prev, u.Tier, "trial_started")
	}

	ent := Resolve(u, nil, s.now())
	ent.AutoUpgraded = false
	return &ent, nil
}

// grantTrial переводит пользователя на пробный период. Счётчик запусков
// только растёт, флаг повторного разрешения сгорает при использовании.
func (s *Service) grantTrial(u *models.User) {
	now := s.now()
	end := now.Add(TrialDuration)
	u.TrialStartDate = &now
	u.TrialEndDate = &end
	u.HasUsedTrial = true
	u.TrialRegrant = false
	u.TrialCount++
	u.Tier = models.TierTrial
	u.Status = models.StatusTrialing
}

// findByEvent ищет пользователя по внешним идентификаторам события, а если
// подписка ещё не привязана — по ключу из metadata.
func (s *Service) findByEvent(ev models.SubscriptionEvent) func(context.Context) (*models.User, error) {
	return func(ctx context.Context) (*models.User, error) {
		u, err := s.repo.FindUserByExternalIDs(ctx, ev.SubscriptionID, ev.CustomerID)
		if errors.Is(err, repository.ErrUserNotFound) && ev.LookupKey != "" {
			return s.repo.FindUserByLookupKey(ctx, ev.LookupKey)
		}
		return u, err
	}
}

// ApplySubscriptionEvent применяет проверенное событие подписки из вебхука.
// Применение идемпотентно: событие, не меняющее состояние, не порождает
// ни записи, ни уведомления.
func (s *Service) ApplySubscriptionEvent(ctx context.Context, ev models.SubscriptionEvent) error {
	const op = "entitlement.ApplySubscriptionEvent"

	ext := &models.ExternalSubscription{
		ID:               ev.SubscriptionID,
		CustomerID:       ev.CustomerID,
		State:            ev.State,
		Interval:         ev.Interval,
		CurrentPeriodEnd: ev.PeriodEnd,
	}

	u, prev, saved, err := s.mutate(ctx, s.findByEvent(ev), func(u *models.User) (bool, error) {
		before := snapshot(u)
		ent := Resolve(u, ext, s.now())
		applyResolved(u, ent, ext)
		return before != snapshot(u), nil
	})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return err
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if saved {
		s.log.Info("subscription event applied",
			slog.Int64("user_id", u.ID),
			slog.String("event_type", ev.Type),
			slog.String("tier", string(u.Tier)),
			slog.String("status", string(u.Status)))
		s.notify(u.ID, prev, u.Tier, ev.Type)
	}

	return nil
}

// HandleCheckoutCompleted обрабатывает завершение оформления в шлюзе:
// привязывает внешние идентификаторы и, если оформлялся пробный тариф,
// выдаёт пробный период через общую проверку права.
func (s *Service) HandleCheckoutCompleted(ctx context.Context, ev models.SubscriptionEvent) error {
	const op = "entitlement.HandleCheckoutCompleted"

	u, prev, saved, err := s.mutate(ctx, s.findByEvent(ev), func(u *models.User) (bool, error) {
		before := snapshot(u)

		linkExternalIDs(u, &models.ExternalSubscription{
			ID:         ev.SubscriptionID,
			CustomerID: ev.CustomerID,
			State:      ev.State,
		})

		if ev.TierHint == models.TierTrial {
			if el := CheckEligibility(u, s.now()); el.Eligible {
				s.grantTrial(u)
			} else {
				// Привязка идентификаторов сохраняется, пробный период
				// повторно не выдаётся.
				s.log.Warn("checkout requested trial for ineligible user",
					slog.Int64("user_id", u.ID), slog.String("reason", el.Reason))
			}
		}

		return before != snapshot(u), nil
	})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return err
		}
		return fmt.Errorf("%s: %w", op, err)
	}

	if saved {
		if u.Tier == models.TierTrial && prev != models.TierTrial {
			metrics.TrialStartsTotal.Inc()
		}
		s.log.Info("checkout completed", slog.Int64("user_id", u.ID), slog.String("tier", string(u.Tier)))
		s.notify(u.ID, prev, u.Tier, ev.Type)
	}

	return nil
}

// CancelSubscription отменяет подписку или пробный период пользователя.
//
// Для оплаченной подписки отмена поручается шлюзу с сохранением доступа до
// конца оплаченного периода. Если шлюз недоступен, локальный статус всё равно
// переводится в canceled, расхождение фиксируется для последующей сверки.
func (s *Service) CancelSubscription(ctx context.Context, lookupKey string) (*models.CancellationResult, error) {
	const op = "entitlement.CancelSubscription"

	u, err := s.repo.FindUserByLookupKey(ctx, lookupKey)
	if err != nil {
		return nil, err
	}

	trialOnly := u.ExternalSubscriptionID == nil || !u.Tier.IsPaid()

	if !trialOnly {
		if err := s.gateway.CancelAtPeriodEnd(ctx, *u.ExternalSubscriptionID); err != nil {
			metrics.GatewayFailuresTotal.WithLabelValues("cancel_at_period_end").Inc()
			metrics.CancellationInconsistenciesTotal.Inc()
			s.log.Error("gateway cancellation failed, persisting local cancel",
				slog.Int64("user_id", u.ID), sl.Err(err))
		}
	}

	u, prev, saved, err := s.mutate(ctx,
		func(ctx context.Context) (*models.User, error) {
			return s.repo.FindUserByLookupKey(ctx, lookupKey)
		},
		func(u *models.User) (bool, error) {
			before := snapshot(u)
			if trialOnly {
				if u.TrialActive(s.now()) {
					now := s.now()
					u.TrialEndDate = &now
				}
				u.Tier = models.TierFree
			}
			// Дата окончания оплаченного периода сохраняется: доступ по
			// оплаченному тарифу действует до неё.
			u.Status = models.StatusCanceled
			return before != snapshot(u), nil
		})
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if saved {
		s.log.Info("subscription canceled",
			slog.Int64("user_id", u.ID), slog.Bool("trial_only", trialOnly))
		s.notify(u.ID, prev, u.Tier, "canceled")
	}

	result := &models.CancellationResult{Status: u.Status, TrialOnly: trialOnly}
	if !trialOnly {
		result.AccessUntil = u.CurrentPeriodEnd
	}
	return result, nil
}

// snapshot — сравнимое представление изменяемых полей пользователя.
// Используется для идемпотентности: повторное событие даёт тот же снимок.
type userSnapshot struct {
	tier           models.Tier
	status         models.Status
	periodEnd      string
	trialStart     string
	trialEnd       string
	hasUsedTrial   bool
	trialCount     int
	customerID     string
	subscriptionID string
}

func snapshot(u *models.User) userSnapshot {
	return userSnapshot{
		tier:           u.Tier,
		status:         u.Status,
		periodEnd:      fmtTimePtr(u.CurrentPeriodEnd),
		trialStart:     fmtTimePtr(u.TrialStartDate),
		trialEnd:       fmtTimePtr(u.TrialEndDate),
		hasUsedTrial:   u.HasUsedTrial,
		trialCount:     u.TrialCount,
		customerID:     fmtStrPtr(u.ExternalCustomerID),
		subscriptionID: fmtStrPtr(u.ExternalSubscriptionID),
	}
}

func fmtTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func fmtStrPtr(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
