package trialstart

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/promptatlas/prompt-atlas/internal/http/middlewarectx"
	"github.com/promptatlas/prompt-atlas/internal/models"
	"github.com/promptatlas/prompt-atlas/internal/services/entitlement"
)

// MockService реализует интерфейс trialstart.Service
type MockService struct {
	mock.Mock
}

func (m *MockService) StartTrial(ctx context.Context, lookupKey string) (*models.EffectiveEntitlement, error) {
	args := m.Called(ctx, lookupKey)
	if res := args.Get(0); res != nil {
		return res.(*models.EffectiveEntitlement), args.Error(1)
	}
	return nil, args.Error(1)
}

func TestTrialStartHandler(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	tests := []struct {
		name           string
		setupMock      func(*MockService)
		expectedStatus int
		expectedBody   string
	}{
		{
			name: "успешный запуск пробного периода",
			setupMock: func(m *MockService) {
				m.On("StartTrial", mock.Anything, "uid-1").Return(&models.EffectiveEntitlement{
					Tier:               models.TierTrial,
					Status:             models.StatusTrialing,
					HasProAccess:       true,
					TrialDaysRemaining: 3,
				}, nil)
			},
			expectedStatus: http.StatusOK,
			expectedBody:   `"trial_days_remaining":3`,
		},
		{
			name: "пробный период уже использован",
			setupMock: func(m *MockService) {
				m.On("StartTrial", mock.Anything, "uid-1").
					Return(nil, &entitlement.TrialNotEligibleError{Reason: entitlement.ReasonTrialAlreadyUsed})
			},
			expectedStatus: http.StatusConflict,
			expectedBody:   `"trial already used"`,
		},
		{
			name: "пользователь не найден",
			setupMock: func(m *MockService) {
				m.On("StartTrial", mock.Anything, "uid-1").
					Return(nil, entitlement.ErrUserNotFound)
			},
			expectedStatus: http.StatusNotFound,
			expectedBody:   `"user not found"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockService := new(MockService)
			tt.setupMock(mockService)

			handler := New(logger, mockService)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/entitlement/trial", nil)
			ctx := context.WithValue(req.Context(), middlewarectx.AuthUID, "uid-1")
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req.WithContext(ctx))

			assert.Equal(t, tt.expectedStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), tt.expectedBody)
			mockService.AssertExpectations(t)
		})
	}
}
