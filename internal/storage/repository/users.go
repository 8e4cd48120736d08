package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/promptatlas/prompt-atlas/internal/models"
)

const userColumns = `id, auth_uid, username, email, password_hash,
			      subscription_tier, subscription_status, subscription_current_period_end,
			      trial_start_date, trial_end_date, has_used_trial, trial_regrant, trial_count,
			      external_customer_id, external_subscription_id, version`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	u := &models.User{}
	var periodEnd, trialStart, trialEnd sql.NullTime
	var customerID, subscriptionID sql.NullString

	if err := row.Scan(&u.ID, &u.AuthUID, &u.Username, &u.Email, &u.PasswordHash,
		&u.Tier, &u.Status, &periodEnd,
		&trialStart, &trialEnd, &u.HasUsedTrial, &u.TrialRegrant, &u.TrialCount,
		&customerID, &subscriptionID, &u.Version); err != nil {
		return nil, err
	}

	if periodEnd.Valid {
		u.CurrentPeriodEnd = &periodEnd.Time
	}
	if trialStart.Valid {
		u.TrialStartDate = &trialStart.Time
	}
	if trialEnd.Valid {
		u.TrialEndDate = &trialEnd.Time
	}
	if customerID.Valid {
		u.ExternalCustomerID = &customerID.String
	}
	if subscriptionID.Valid {
		u.ExternalSubscriptionID = &subscriptionID.String
	}
	return u, nil
}

// CreateOrFetchUser идемпотентно создаёт пользователя: повторная регистрация
// с тем же username возвращает уже существующую запись без изменений.
// Поля подписки новой записи получают значения по умолчанию (free/none).
func (s *Storage) CreateOrFetchUser(ctx context.Context, user models.User) (*models.User, error) {
	const op = "storage.CreateOrFetchUser"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	existing, err := s.GetUserByUsername(ctx, user.Username)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	query := `INSERT INTO users (auth_uid, username, email, password_hash)
			  VALUES ($1, $2, $3, $4)
			  ON CONFLICT (username) DO NOTHING
			  RETURNING ` + userColumns
	row := s.DB.QueryRowContext(ctx, query,
		user.AuthUID, user.Username, user.Email, user.PasswordHash)
	created, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Конкурентная регистрация успела раньше.
		return s.GetUserByUsername(ctx, user.Username)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return created, nil
}

// GetUserByUsername возвращает пользователя по его username.
func (s *Storage) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	const op = "storage.GetUserByUsername"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + userColumns + `
			  FROM users
			  WHERE username = $1`
	u, err := scanUser(s.DB.QueryRowContext(ctx, query, username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, ErrUserNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// FindUserByLookupKey возвращает пользователя по ключу поиска: сначала по
// внешнему идентификатору аутентификации, затем, если ключ числовой, —
// по внутреннему id. Единственная точка разрешения ключа во всём сервисе.
func (s *Storage) FindUserByLookupKey(ctx context.Context, key string) (*models.User, error) {
	const op = "storage.FindUserByLookupKey"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `SELECT ` + userColumns + `
			  FROM users
			  WHERE auth_uid = $1`
	u, err := scanUser(s.DB.QueryRowContext(ctx, query, key))
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	id, convErr := strconv.ParseInt(key, 10, 64)
	if convErr != nil {
		return nil, fmt.Errorf("%s: %w", op, ErrUserNotFound)
	}

	query = `SELECT ` + userColumns + `
			 FROM users
			 WHERE id = $1`
	u, err = scanUser(s.DB.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", op, ErrUserNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// FindUserByExternalIDs возвращает пользователя по идентификатору подписки
// или клиента в платёжном шлюзе. Поиск по подписке имеет приоритет.
func (s *Storage) FindUserByExternalIDs(ctx context.Context, subscriptionID, customerID string) (*models.User, error) {
	const op = "storage.FindUserByExternalIDs"
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	if subscriptionID != "" {
		query := `SELECT ` + userColumns + `
				  FROM users
				  WHERE external_subscription_id = $1`
		u, err := scanUser(s.DB.QueryRowContext(ctx, query, subscriptionID))
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	if customerID != "" {
		query := `SELECT ` + userColumns + `
				  FROM users
				  WHERE external_customer_id = $1`
		u, err := scanUser(s.DB.QueryRowContext(ctx, query, customerID))
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	return nil, fmt.Errorf("%s: %w", op, ErrUserNotFound)
}

// SaveEntitlement записывает поля подписки пользователя с оптимистичной
// проверкой версии строки. Если версия в базе уже не совпадает с u.Version,
// возвращается ErrVersionConflict и запись не применяется. При успехе
// u.Version увеличивается вместе со строкой в базе.
func (s *Storage) SaveEntitlement(ctx context.Context, u *models.User) error {
	const op = "storage.SaveEntitlement"
	select {
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	default:
	}

	query := `UPDATE users
			  SET subscription_tier = $1,
			      subscription_status = $2,
			      subscription_current_period_end = $3,
			      trial_start_date = $4,
			      trial_end_date = $5,
			      has_used_trial = $6,
			      trial_regrant = $7,
			      trial_count = $8,
			      external_customer_id = $9,
			      external_subscription_id = $10,
			      version = version + 1
			  WHERE id = $11 AND version = $12`
	res, err := s.DB.ExecContext(ctx, query,
		u.Tier, u.Status, u.CurrentPeriodEnd,
		u.TrialStartDate, u.TrialEndDate, u.HasUsedTrial, u.TrialRegrant, u.TrialCount,
		u.ExternalCustomerID, u.ExternalSubscriptionID,
		u.ID, u.Version)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, ErrVersionConflict)
	}
	u.Version++
	return nil
}
