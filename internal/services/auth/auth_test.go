package auth_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	customjwt "github.com/promptatlas/prompt-atlas/internal/lib/jwt"
	"github.com/promptatlas/prompt-atlas/internal/lib/password"
	"github.com/promptatlas/prompt-atlas/internal/models"
	"github.com/promptatlas/prompt-atlas/internal/services/auth"
)

// Мок для UserRepository
type UserRepoMock struct {
	mock.Mock
}

func (m *UserRepoMock) CreateOrFetchUser(ctx context.Context, user models.User) (*models.User, error) {
	args := m.Called(ctx, user)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *UserRepoMock) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	args := m.Called(ctx, username)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

// Мок для jwt.Maker
type JwtMakerMock struct {
	mock.Mock
}

func (m *JwtMakerMock) GenerateToken(username, authUID string) (string, error) {
	args := m.Called(username, authUID)
	return args.String(0), args.Error(1)
}

func (m *JwtMakerMock) ParseToken(token string) (*customjwt.CustomClaims, error) {
	args := m.Called(token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*customjwt.CustomClaims), args.Error(1)
}

// echoRepo возвращает созданного пользователя как есть, имитируя успешную
// первую регистрацию.
type echoRepo struct {
	lastUser models.User
}

func (e *echoRepo) CreateOrFetchUser(_ context.Context, user models.User) (*models.User, error) {
	e.lastUser = user
	u := user
	u.ID = 1
	return &u, nil
}

func (e *echoRepo) GetUserByUsername(context.Context, string) (*models.User, error) {
	return nil, errors.New("not found")
}

func TestAuthService_Register_Success(t *testing.T) {
	repo := &echoRepo{}
	svc := auth.NewAuthService(repo, new(JwtMakerMock))

	authUID, err := svc.Register(context.Background(), "test@example.com", "testuser", "password123")
	require.NoError(t, err)
	assert.NotEmpty(t, authUID)
	assert.Equal(t, authUID, repo.lastUser.AuthUID)
	assert.Equal(t, "testuser", repo.lastUser.Username)
	assert.Equal(t, models.TierFree, repo.lastUser.Tier)
	assert.Equal(t, models.StatusNone, repo.lastUser.Status)
	assert.NotEqual(t, "password123", repo.lastUser.PasswordHash)
	assert.NoError(t, password.CompareHash(repo.lastUser.PasswordHash, "password123"))
}

func TestAuthService_Register_ExistingUsername(t *testing.T) {
	repo := new(UserRepoMock)
	existing := &models.User{AuthUID: "someone-else", Username: "testuser"}
	repo.On("CreateOrFetchUser", mock.Anything, mock.Anything).Return(existing, nil).Once()

	svc := auth.NewAuthService(repo, new(JwtMakerMock))
	_, err := svc.Register(context.Background(), "test@example.com", "testuser", "password123")
	assert.ErrorIs(t, err, auth.ErrUserExists)
	repo.AssertExpectations(t)
}

func TestAuthService_Register_RepositoryError(t *testing.T) {
	repo := new(UserRepoMock)
	repo.On("CreateOrFetchUser", mock.Anything, mock.Anything).
		Return(nil, errors.New("db error")).Once()

	svc := auth.NewAuthService(repo, new(JwtMakerMock))
	_, err := svc.Register(context.Background(), "test@example.com", "testuser", "password123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db error")
	repo.AssertExpectations(t)
}

func TestAuthService_Login(t *testing.T) {
	hashed, err := password.GetHash("password123")
	require.NoError(t, err)

	tests := []struct {
		name       string
		password   string
		setupMocks func(r *UserRepoMock, j *JwtMakerMock)
		wantToken  string
		wantErr    error
	}{
		{
			name:     "successful login",
			password: "password123",
			setupMocks: func(r *UserRepoMock, j *JwtMakerMock) {
				r.On("GetUserByUsername", mock.Anything, "testuser").Return(&models.User{
					Username:     "testuser",
					AuthUID:      "uid-1",
					PasswordHash: hashed,
				}, nil).Once()
				j.On("GenerateToken", "testuser", "uid-1").Return("signed-token", nil).Once()
			},
			wantToken: "signed-token",
		},
		{
			name:     "wrong password",
			password: "wrongpass",
			setupMocks: func(r *UserRepoMock, j *JwtMakerMock) {
				r.On("GetUserByUsername", mock.Anything, "testuser").Return(&models.User{
					Username:     "testuser",
					PasswordHash: hashed,
				}, nil).Once()
			},
			wantErr: auth.ErrInvalidCredentials,
		},
		{
			name:     "unknown user",
			password: "password123",
			setupMocks: func(r *UserRepoMock, j *JwtMakerMock) {
				r.On("GetUserByUsername", mock.Anything, "testuser").
					Return(nil, errors.New("not found")).Once()
			},
			wantErr: auth.ErrInvalidCredentials,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := new(UserRepoMock)
			jwtMock := new(JwtMakerMock)
			tt.setupMocks(repo, jwtMock)
			svc := auth.NewAuthService(repo, jwtMock)

			token, err := svc.Login(context.Background(), "testuser", tt.password)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantToken, token)
			}
			repo.AssertExpectations(t)
			jwtMock.AssertExpectations(t)
		})
	}
}
