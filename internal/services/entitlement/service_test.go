package entitlement_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/promptatlas/prompt-atlas/internal/models"
	"github.com/promptatlas/prompt-atlas/internal/services/entitlement"
	"github.com/promptatlas/prompt-atlas/internal/storage/repository"
)

// Стейтфул-фейк хранилища: хранит одного пользователя и проверяет версию
// строки при записи, как настоящий репозиторий.
type RepoFake struct {
	mu        sync.Mutex
	user      *models.User
	saveCalls int
	findCalls int
	conflicts int // сколько первых записей отклонить конфликтом версий
}

func (r *RepoFake) clone() *models.User {
	u := *r.user
	return &u
}

func (r *RepoFake) FindUserByLookupKey(_ context.Context, key string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.findCalls++
	if r.user == nil {
		return nil, repository.ErrUserNotFound
	}
	if key == r.user.AuthUID || key == strconv.FormatInt(r.user.ID, 10) {
		return r.clone(), nil
	}
	return nil, repository.ErrUserNotFound
}

func (r *RepoFake) FindUserByExternalIDs(_ context.Context, subscriptionID, customerID string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.findCalls++
	if r.user == nil {
		return nil, repository.ErrUserNotFound
	}
	if subscriptionID != "" && r.user.ExternalSubscriptionID != nil && *r.user.ExternalSubscriptionID == subscriptionID {
		return r.clone(), nil
	}
	if customerID != "" && r.user.ExternalCustomerID != nil && *r.user.ExternalCustomerID == customerID {
		return r.clone(), nil
	}
	return nil, repository.ErrUserNotFound
}

func (r *RepoFake) SaveEntitlement(_ context.Context, u *models.User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saveCalls++
	if r.conflicts > 0 {
		r.conflicts--
		return repository.ErrVersionConflict
	}
	if r.user == nil || u.ID != r.user.ID || u.Version != r.user.Version {
		return repository.ErrVersionConflict
	}
	saved := *u
	saved.Version++
	r.user = &saved
	u.Version = saved.Version
	return nil
}

// Мок для Gateway
type GatewayMock struct {
	mock.Mock
}

func (m *GatewayMock) RetrieveSubscription(ctx context.Context, subscriptionID string) (*models.ExternalSubscription, error) {
	args := m.Called(ctx, subscriptionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ExternalSubscription), args.Error(1)
}

func (m *GatewayMock) CancelAtPeriodEnd(ctx context.Context, subscriptionID string) error {
	args := m.Called(ctx, subscriptionID)
	return args.Error(0)
}

// Фейковый кэш на map
type CacheFake struct {
	mu      sync.Mutex
	entries map[string]models.EffectiveEntitlement
}

func NewCacheFake() *CacheFake {
	return &CacheFake{entries: make(map[string]models.EffectiveEntitlement)}
}

func (c *CacheFake) Get(key string, result any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.entries[key]
	if !ok {
		return false, nil
	}
	*(result.(*models.EffectiveEntitlement)) = ent
	return true, nil
}

func (c *CacheFake) Set(key string, value any, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = value.(models.EffectiveEntitlement)
	return nil
}

func (c *CacheFake) Invalidate(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// Фейк публикации событий: просто копит вызовы.
type EventsFake struct {
	mu    sync.Mutex
	kinds []string
}

func (e *EventsFake) EntitlementChanged(_ int64, _, _ models.Tier, kind string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.kinds = append(e.kinds, kind)
	return nil
}

func (e *EventsFake) Kinds() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.kinds...)
}

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func newTestService(repo *RepoFake, gw *GatewayMock) (*entitlement.Service, *CacheFake, *EventsFake) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cache := NewCacheFake()
	events := &EventsFake{}
	svc := entitlement.New(log, repo, gw, cache, events).WithClock(func() time.Time { return testNow })
	return svc, cache, events
}

func strPtr(s string) *string { return &s }

func freeUser() *models.User {
	return &models.User{
		ID:      42,
		AuthUID: "auth-uid-42",
		Tier:    models.TierFree,
		Status:  models.StatusNone,
		Version: 1,
	}
}

func TestGetStatus_AutoUpgradeFromGateway(t *testing.T) {
	u := freeUser()
	u.ExternalSubscriptionID = strPtr("sub_123")
	repo := &RepoFake{user: u}
	gw := new(GatewayMock)
	periodEnd := testNow.Add(30 * 24 * time.Hour)
	gw.On("RetrieveSubscription", mock.Anything, "sub_123").Return(&models.ExternalSubscription{
		ID:               "sub_123",
		CustomerID:       "cus_1",
		State:            models.SubStateActive,
		Interval:         models.IntervalMonth,
		CurrentPeriodEnd: &periodEnd,
	}, nil)

	svc, _, events := newTestService(repo, gw)

	ent, err := svc.GetStatus(context.Background(), "auth-uid-42")
	require.NoError(t, err)
	assert.Equal(t, models.TierProMonthly, ent.Tier)
	assert.Equal(t, models.StatusActive, ent.Status)
	assert.True(t, ent.HasProAccess)
	assert.True(t, ent.AutoUpgraded)

	// Исправление записано в хранилище.
	assert.Equal(t, models.TierProMonthly, repo.user.Tier)
	assert.Equal(t, models.StatusActive, repo.user.Status)
	require.NotNil(t, repo.user.ExternalCustomerID)
	assert.Equal(t, "cus_1", *repo.user.ExternalCustomerID)
	assert.Equal(t, []string{"auto_upgraded"}, events.Kinds())
}

func TestGetStatus_GatewayFailureServesPersistedState(t *testing.T) {
	u := freeUser()
	u.ExternalSubscriptionID = strPtr("sub_123")
	repo := &RepoFake{user: u}
	gw := new(GatewayMock)
	gw.On("RetrieveSubscription", mock.Anything, "sub_123").Return(nil, errors.New("timeout"))

	svc, _, events := newTestService(repo, gw)

	ent, err := svc.GetStatus(context.Background(), "auth-uid-42")
	require.NoError(t, err)
	assert.Equal(t, models.TierFree, ent.Tier)
	assert.False(t, ent.HasProAccess)
	assert.Zero(t, repo.saveCalls)
	assert.Empty(t, events.Kinds())
}

func TestGetStatus_PaidUserSkipsGateway(t *testing.T) {
	u := freeUser()
	u.Tier = models.TierProMonthly
	u.Status = models.StatusActive
	u.ExternalSubscriptionID = strPtr("sub_123")
	repo := &RepoFake{user: u}
	gw := new(GatewayMock)

	svc, _, _ := newTestService(repo, gw)

	ent, err := svc.GetStatus(context.Background(), "auth-uid-42")
	require.NoError(t, err)
	assert.True(t, ent.HasProAccess)
	gw.AssertNotCalled(t, "RetrieveSubscription", mock.Anything, mock.Anything)
}

func TestGetStatus_CacheHitSkipsRepository(t *testing.T) {
	repo := &RepoFake{user: freeUser()}
	svc, _, _ := newTestService(repo, new(GatewayMock))

	_, err := svc.GetStatus(context.Background(), "auth-uid-42")
	require.NoError(t, err)
	callsAfterFirst := repo.findCalls

	ent, err := svc.GetStatus(context.Background(), "auth-uid-42")
	require.NoError(t, err)
	assert.Equal(t, callsAfterFirst, repo.findCalls)
	assert.False(t, ent.AutoUpgraded)
}

func TestGetStatus_UserNotFound(t *testing.T) {
	repo := &RepoFake{}
	svc, _, _ := newTestService(repo, new(GatewayMock))

	_, err := svc.GetStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, entitlement.ErrUserNotFound)
}

func TestStartTrial_Success(t *testing.T) {
	repo := &RepoFake{user: freeUser()}
	svc, _, events := newTestService(repo, new(GatewayMock))

	ent, err := svc.StartTrial(context.Background(), "auth-uid-42")
	require.NoError(t, err)
	assert.Equal(t, models.TierTrial, ent.Tier)
	assert.Equal(t, models.StatusTrialing, ent.Status)
	assert.True(t, ent.HasProAccess)
	assert.Equal(t, 3, ent.TrialDaysRemaining)

	assert.True(t, repo.user.HasUsedTrial)
	assert.Equal(t, 1, repo.user.TrialCount)
	require.NotNil(t, repo.user.TrialEndDate)
	assert.Equal(t, testNow.Add(entitlement.TrialDuration), *repo.user.TrialEndDate)
	assert.Equal(t, []string{"trial_started"}, events.Kinds())
}

func TestStartTrial_SecondRequestRejected(t *testing.T) {
	repo := &RepoFake{user: freeUser()}
	svc, _, _ := newTestService(repo, new(GatewayMock))

	_, err := svc.StartTrial(context.Background(), "auth-uid-42")
	require.NoError(t, err)

	_, err = svc.StartTrial(context.Background(), "auth-uid-42")
	var notEligible *entitlement.TrialNotEligibleError
	require.ErrorAs(t, err, &notEligible)
	assert.Equal(t, entitlement.ReasonTrialAlreadyUsed, notEligible.Reason)
	assert.Equal(t, 1, repo.user.TrialCount)
}

func TestStartTrial_ConcurrentRequestsGrantOnce(t *testing.T) {
	repo := &RepoFake{user: freeUser()}
	svc, _, _ := newTestService(repo, new(GatewayMock))

	const workers = 8
	var wg sync.WaitGroup
	var successMu sync.Mutex
	successes := 0

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.StartTrial(context.Background(), "auth-uid-42"); err == nil {
				successMu.Lock()
				successes++
				successMu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, 1, repo.user.TrialCount)
}

func TestStartTrial_RegrantAllowsSecondTrial(t *testing.T) {
	u := freeUser()
	past := testNow.Add(-30 * 24 * time.Hour)
	pastEnd := past.Add(entitlement.TrialDuration)
	u.HasUsedTrial = true
	u.TrialRegrant = true
	u.TrialCount = 1
	u.TrialStartDate = &past
	u.TrialEndDate = &pastEnd
	repo := &RepoFake{user: u}
	svc, _, _ := newTestService(repo, new(GatewayMock))

	_, err := svc.StartTrial(context.Background(), "auth-uid-42")
	require.NoError(t, err)
	assert.Equal(t, 2, repo.user.TrialCount)
	assert.False(t, repo.user.TrialRegrant)
}

func subscriptionEvent(state models.ExternalSubscriptionState) models.SubscriptionEvent {
	periodEnd := testNow.Add(30 * 24 * time.Hour)
	return models.SubscriptionEvent{
		ID:             "evt_1",
		Type:           "subscription.updated",
		SubscriptionID: "sub_123",
		CustomerID:     "cus_1",
		State:          state,
		Interval:       models.IntervalMonth,
		PeriodEnd:      &periodEnd,
		LookupKey:      "auth-uid-42",
	}
}

func TestApplySubscriptionEvent_UpgradesAndLinks(t *testing.T) {
	repo := &RepoFake{user: freeUser()}
	svc, _, events := newTestService(repo, new(GatewayMock))

	err := svc.ApplySubscriptionEvent(context.Background(), subscriptionEvent(models.SubStateActive))
	require.NoError(t, err)

	assert.Equal(t, models.TierProMonthly, repo.user.Tier)
	assert.Equal(t, models.StatusActive, repo.user.Status)
	require.NotNil(t, repo.user.ExternalSubscriptionID)
	assert.Equal(t, "sub_123", *repo.user.ExternalSubscriptionID)
	require.NotNil(t, repo.user.ExternalCustomerID)
	assert.Equal(t, "cus_1", *repo.user.ExternalCustomerID)
	assert.Equal(t, []string{"subscription.updated"}, events.Kinds())
}

func TestApplySubscriptionEvent_Idempotent(t *testing.T) {
	repo := &RepoFake{user: freeUser()}
	svc, _, events := newTestService(repo, new(GatewayMock))
	ev := subscriptionEvent(models.SubStateActive)

	require.NoError(t, svc.ApplySubscriptionEvent(context.Background(), ev))
	savesAfterFirst := repo.saveCalls
	versionAfterFirst := repo.user.Version

	// Повторная доставка того же события ничего не меняет.
	require.NoError(t, svc.ApplySubscriptionEvent(context.Background(), ev))
	assert.Equal(t, savesAfterFirst, repo.saveCalls)
	assert.Equal(t, versionAfterFirst, repo.user.Version)
	assert.Equal(t, []string{"subscription.updated"}, events.Kinds())
}

func TestApplySubscriptionEvent_VersionConflictRetries(t *testing.T) {
	repo := &RepoFake{user: freeUser(), conflicts: 1}
	svc, _, _ := newTestService(repo, new(GatewayMock))

	err := svc.ApplySubscriptionEvent(context.Background(), subscriptionEvent(models.SubStateActive))
	require.NoError(t, err)
	assert.Equal(t, 2, repo.saveCalls)
	assert.Equal(t, models.TierProMonthly, repo.user.Tier)
}

func TestApplySubscriptionEvent_UnknownUser(t *testing.T) {
	repo := &RepoFake{}
	svc, _, _ := newTestService(repo, new(GatewayMock))

	ev := subscriptionEvent(models.SubStateActive)
	ev.LookupKey = ""
	err := svc.ApplySubscriptionEvent(context.Background(), ev)
	assert.ErrorIs(t, err, entitlement.ErrUserNotFound)
}

func TestApplySubscriptionEvent_CancelKeepsPeriodEnd(t *testing.T) {
	periodEnd := testNow.Add(20 * 24 * time.Hour)
	u := freeUser()
	u.Tier = models.TierProMonthly
	u.Status = models.StatusActive
	u.CurrentPeriodEnd = &periodEnd
	u.ExternalSubscriptionID = strPtr("sub_123")
	repo := &RepoFake{user: u}
	svc, _, _ := newTestService(repo, new(GatewayMock))

	ev := subscriptionEvent(models.SubStateCanceled)
	ev.PeriodEnd = &periodEnd
	require.NoError(t, svc.ApplySubscriptionEvent(context.Background(), ev))

	assert.Equal(t, models.TierProMonthly, repo.user.Tier)
	assert.Equal(t, models.StatusCanceled, repo.user.Status)
	require.NotNil(t, repo.user.CurrentPeriodEnd)
	assert.Equal(t, periodEnd, *repo.user.CurrentPeriodEnd)
}

func TestHandleCheckoutCompleted_TrialHint(t *testing.T) {
	repo := &RepoFake{user: freeUser()}
	svc, _, _ := newTestService(repo, new(GatewayMock))

	ev := subscriptionEvent(models.SubStateTrialing)
	ev.Type = "checkout.completed"
	ev.TierHint = models.TierTrial
	require.NoError(t, svc.HandleCheckoutCompleted(context.Background(), ev))

	assert.Equal(t, models.TierTrial, repo.user.Tier)
	assert.Equal(t, models.StatusTrialing, repo.user.Status)
	assert.Equal(t, 1, repo.user.TrialCount)
}

func TestHandleCheckoutCompleted_IneligibleTrialStillLinks(t *testing.T) {
	u := freeUser()
	u.HasUsedTrial = true
	repo := &RepoFake{user: u}
	svc, _, _ := newTestService(repo, new(GatewayMock))

	ev := subscriptionEvent(models.SubStateTrialing)
	ev.Type = "checkout.completed"
	ev.TierHint = models.TierTrial
	require.NoError(t, svc.HandleCheckoutCompleted(context.Background(), ev))

	// Идентификаторы привязаны, но пробный период повторно не выдан.
	require.NotNil(t, repo.user.ExternalSubscriptionID)
	assert.Equal(t, models.TierFree, repo.user.Tier)
	assert.Zero(t, repo.user.TrialCount)
}

func TestCancelSubscription_PaidKeepsAccessWindow(t *testing.T) {
	periodEnd := testNow.Add(20 * 24 * time.Hour)
	u := freeUser()
	u.Tier = models.TierProMonthly
	u.Status = models.StatusActive
	u.CurrentPeriodEnd = &periodEnd
	u.ExternalSubscriptionID = strPtr("sub_123")
	repo := &RepoFake{user: u}
	gw := new(GatewayMock)
	gw.On("CancelAtPeriodEnd", mock.Anything, "sub_123").Return(nil).Once()

	svc, _, events := newTestService(repo, gw)

	res, err := svc.CancelSubscription(context.Background(), "auth-uid-42")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, res.Status)
	assert.False(t, res.TrialOnly)
	require.NotNil(t, res.AccessUntil)
	assert.Equal(t, periodEnd, *res.AccessUntil)

	assert.Equal(t, models.TierProMonthly, repo.user.Tier)
	assert.Equal(t, models.StatusCanceled, repo.user.Status)
	assert.Empty(t, events.Kinds())
	gw.AssertExpectations(t)

	// Доступ действует до конца оплаченного периода.
	ent := entitlement.Resolve(repo.user, nil, testNow)
	assert.True(t, ent.HasProAccess)
}

func TestCancelSubscription_GatewayFailureStillCancelsLocally(t *testing.T) {
	periodEnd := testNow.Add(20 * 24 * time.Hour)
	u := freeUser()
	u.Tier = models.TierProMonthly
	u.Status = models.StatusActive
	u.CurrentPeriodEnd = &periodEnd
	u.ExternalSubscriptionID = strPtr("sub_123")
	repo := &RepoFake{user: u}
	gw := new(GatewayMock)
	gw.On("CancelAtPeriodEnd", mock.Anything, "sub_123").Return(errors.New("gateway down")).Once()

	svc, _, _ := newTestService(repo, gw)

	res, err := svc.CancelSubscription(context.Background(), "auth-uid-42")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, res.Status)
	assert.Equal(t, models.StatusCanceled, repo.user.Status)
}

func TestCancelSubscription_TrialOnly(t *testing.T) {
	u := freeUser()
	start := testNow.Add(-time.Hour)
	end := testNow.Add(71 * time.Hour)
	u.Tier = models.TierTrial
	u.Status = models.StatusTrialing
	u.TrialStartDate = &start
	u.TrialEndDate = &end
	u.HasUsedTrial = true
	repo := &RepoFake{user: u}
	gw := new(GatewayMock)

	svc, _, _ := newTestService(repo, gw)

	res, err := svc.CancelSubscription(context.Background(), "auth-uid-42")
	require.NoError(t, err)
	assert.True(t, res.TrialOnly)
	assert.Nil(t, res.AccessUntil)

	assert.Equal(t, models.TierFree, repo.user.Tier)
	assert.Equal(t, models.StatusCanceled, repo.user.Status)
	require.NotNil(t, repo.user.TrialEndDate)
	assert.Equal(t, testNow, *repo.user.TrialEndDate)
	gw.AssertNotCalled(t, "CancelAtPeriodEnd", mock.Anything, mock.Anything)
}
