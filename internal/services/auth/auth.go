// Package auth содержит логику бизнес-уровня для регистрации и
// аутентификации пользователей.
package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/promptatlas/prompt-atlas/internal/lib/jwt"
	"github.com/promptatlas/prompt-atlas/internal/lib/password"
	"github.com/promptatlas/prompt-atlas/internal/models"
)

// ErrUserExists возвращается при регистрации занятого имени пользователя.
var ErrUserExists = errors.New("user already exists")

// ErrInvalidCredentials возвращается при неверной паре логин/пароль.
var ErrInvalidCredentials = errors.New("invalid credentials")

// UserRepository описывает контракт для работы с пользователями в базе данных.
type UserRepository interface {
	// CreateOrFetchUser сохраняет нового пользователя или возвращает
	// существующего с тем же именем.
	CreateOrFetchUser(ctx context.Context, user models.User) (*models.User, error)

	// GetUserByUsername возвращает пользователя по имени или ошибку, если не найден.
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
}

// AuthService отвечает за регистрацию и выдачу JWT.
type AuthService struct {
	users    UserRepository
	jwtMaker jwt.Maker
}

// NewAuthService создает новый экземпляр AuthService.
func NewAuthService(users UserRepository, jwtMaker jwt.Maker) *AuthService {
	return &AuthService{
		users:    users,
		jwtMaker: jwtMaker,
	}
}

// Register создает нового пользователя с хэшированием пароля.
// Новый пользователь всегда начинает на бесплатном тарифе, доступ выше
// выдаёт только сервис согласования.
func (s *AuthService) Register(ctx context.Context, email, username, rawPassword string) (string, error) {
	const op = "auth.Register"

	hashed, err := password.GetHash(rawPassword)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}

	user := models.User{
		AuthUID:      uuid.NewString(),
		Email:        email,
		Username:     username,
		PasswordHash: hashed,
		Tier:         models.TierFree,
		Status:       models.StatusNone,
	}

	created, err := s.users.CreateOrFetchUser(ctx, user)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if created.AuthUID != user.AuthUID {
		// Имя занято: вернулся уже существующий пользователь.
		return "", ErrUserExists
	}
	return created.AuthUID, nil
}

// Login проверяет пароль пользователя и генерирует JWT.
func (s *AuthService) Login(ctx context.Context, username, rawPassword string) (string, error) {
	const op = "auth.Login"

	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	if err := password.CompareHash(user.PasswordHash, rawPassword); err != nil {
		return "", ErrInvalidCredentials
	}

	token, err := s.jwtMaker.GenerateToken(user.Username, user.AuthUID)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return token, nil
}
