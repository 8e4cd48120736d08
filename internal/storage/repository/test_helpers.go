package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/promptatlas/prompt-atlas/internal/migrations"
	"github.com/promptatlas/prompt-atlas/internal/models"
)

// TestDataFactory содержит методы для создания тестовых данных
type TestDataFactory struct {
	storage *Storage
}

// NewTestDataFactory создает новую фабрику тестовых данных
func NewTestDataFactory(storage *Storage) *TestDataFactory {
	return &TestDataFactory{storage: storage}
}

// CreateUser создает тестового пользователя с тарифом по умолчанию
func (f *TestDataFactory) CreateUser(t *testing.T, authUID, username, email string) int64 {
	var id int64
	err := f.storage.DB.QueryRow(`INSERT INTO users (auth_uid, username, email, password_hash)
		VALUES ($1, $2, $3, $4) RETURNING id`,
		authUID, username, email, "hashedpassword").Scan(&id)
	require.NoError(t, err)
	return id
}

// CreateUserWithEntitlement создает пользователя с заполненными полями подписки
func (f *TestDataFactory) CreateUserWithEntitlement(t *testing.T, u models.User) int64 {
	var id int64
	err := f.storage.DB.QueryRow(`INSERT INTO users
		(auth_uid, username, email, password_hash,
		 subscription_tier, subscription_status, subscription_current_period_end,
		 trial_start_date, trial_end_date, has_used_trial, trial_regrant, trial_count,
		 external_customer_id, external_subscription_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id`,
		u.AuthUID, u.Username, u.Email, u.PasswordHash,
		u.Tier, u.Status, u.CurrentPeriodEnd,
		u.TrialStartDate, u.TrialEndDate, u.HasUsedTrial, u.TrialRegrant, u.TrialCount,
		u.ExternalCustomerID, u.ExternalSubscriptionID).Scan(&id)
	require.NoError(t, err)
	return id
}

// GetTestUserData возвращает стандартные тестовые данные пользователя
func GetTestUserData() models.User {
	return models.User{
		AuthUID:      uuid.New().String(),
		Username:     "testuser",
		Email:        "test@example.com",
		PasswordHash: "hashedpassword",
		Tier:         models.TierFree,
		Status:       models.StatusNone,
	}
}

func setupTestDatabase(t *testing.T) (*Storage, func()) {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("testdb"),
		postgres.WithUsername("testuser"),
		postgres.WithPassword("testpass"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(3*time.Minute),
		),
	)
	require.NoError(t, err, "failed to start container")

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	// Пробуем подключиться несколько раз с ретраями
	var storage *Storage
	for range 10 {
		storage, err = New(connStr)
		if err == nil {
			if err = storage.DB.Ping(); err == nil {
				break
			}
		}
		time.Sleep(1 * time.Second)
	}
	require.NoError(t, err, "failed to create storage after retries")

	migrationsPath, err := filepath.Abs("../../../migrations")
	require.NoError(t, err)
	require.NoError(t, migrations.Run(storage.DB, migrationsPath))

	cleanup := func() {
		_ = storage.DB.Close()
		if err := pgContainer.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %s", err)
		}
	}
	return storage, cleanup
}
