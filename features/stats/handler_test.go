package stats

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"lodestone/internal/middleware"
)

type MockSourceCounter struct{ mock.Mock }

func (m *MockSourceCounter) CountByStatus(ctx context.Context, tenant string) (map[string]int, error) {
	args := m.Called(ctx, tenant)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]int), args.Error(1)
}

type MockChunkCounter struct{ mock.Mock }

func (m *MockChunkCounter) CountLiveChunks(ctx context.Context, tenant string) (int, int, int, error) {
	args := m.Called(ctx, tenant)
	return args.Int(0), args.Int(1), args.Int(2), args.Error(3)
}

type MockDeadLetterCounter struct{ mock.Mock }

func (m *MockDeadLetterCounter) Count(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}

func TestHandler_GetStats(t *testing.T) {
	tests := []struct {
		name       string
		setupMocks func(*MockSourceCounter, *MockChunkCounter, *MockDeadLetterCounter)
		wantStatus int
		checkBody  func(*testing.T, map[string]interface{})
	}{
		{
			name: "Success",
			setupMocks: func(s *MockSourceCounter, c *MockChunkCounter, d *MockDeadLetterCounter) {
				s.On("CountByStatus", mock.Anything, "acme").
					Return(map[string]int{"ready": 8, "ready_partial": 1, "failed": 2}, nil)
				c.On("CountLiveChunks", mock.Anything, "acme").Return(245, 12, 3, nil)
				d.On("Count", mock.Anything).Return(2, nil)
			},
			wantStatus: http.StatusOK,
			checkBody: func(t *testing.T, body map[string]interface{}) {
				data := body["data"].(map[string]interface{})
				sources := data["sources"].(map[string]interface{})
				assert.EqualValues(t, 11, sources["total"])
				byStatus := sources["by_status"].(map[string]interface{})
				assert.EqualValues(t, 8, byStatus["ready"])
				chunks := data["chunks"].(map[string]interface{})
				assert.EqualValues(t, 245, chunks["indexed"])
				assert.EqualValues(t, 12, chunks["missing"])
				assert.EqualValues(t, 3, chunks["failed"])
				assert.EqualValues(t, 2, data["dead_letters"])
			},
		},
		{
			name: "No Sources Yet",
			setupMocks: func(s *MockSourceCounter, c *MockChunkCounter, d *MockDeadLetterCounter) {
				s.On("CountByStatus", mock.Anything, "acme").Return(map[string]int{}, nil)
				c.On("CountLiveChunks", mock.Anything, "acme").Return(0, 0, 0, nil)
				d.On("Count", mock.Anything).Return(0, nil)
			},
			wantStatus: http.StatusOK,
			checkBody: func(t *testing.T, body map[string]interface{}) {
				data := body["data"].(map[string]interface{})
				sources := data["sources"].(map[string]interface{})
				assert.EqualValues(t, 0, sources["total"])
			},
		},
		{
			name: "Source Count Error",
			setupMocks: func(s *MockSourceCounter, c *MockChunkCounter, d *MockDeadLetterCounter) {
				s.On("CountByStatus", mock.Anything, "acme").Return(nil, errors.New("db error"))
			},
			wantStatus: http.StatusInternalServerError,
		},
		{
			name: "Chunk Count Error",
			setupMocks: func(s *MockSourceCounter, c *MockChunkCounter, d *MockDeadLetterCounter) {
				s.On("CountByStatus", mock.Anything, "acme").Return(map[string]int{"ready": 1}, nil)
				c.On("CountLiveChunks", mock.Anything, "acme").Return(0, 0, 0, errors.New("db error"))
			},
			wantStatus: http.StatusInternalServerError,
		},
		{
			name: "Dead Letter Count Error",
			setupMocks: func(s *MockSourceCounter, c *MockChunkCounter, d *MockDeadLetterCounter) {
				s.On("CountByStatus", mock.Anything, "acme").Return(map[string]int{"ready": 1}, nil)
				c.On("CountLiveChunks", mock.Anything, "acme").Return(10, 0, 0, nil)
				d.On("Count", mock.Anything).Return(0, errors.New("db error"))
			},
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sources := new(MockSourceCounter)
			chunks := new(MockChunkCounter)
			deadLetters := new(MockDeadLetterCounter)
			tt.setupMocks(sources, chunks, deadLetters)

			h := NewHandler(sources, chunks, deadLetters)
			req := httptest.NewRequest(http.MethodGet, "/stats", nil)
			req = req.WithContext(middleware.WithTenant(req.Context(), "acme"))
			w := httptest.NewRecorder()

			h.GetStats(w, req)

			assert.Equal(t, tt.wantStatus, w.Code)
			if tt.checkBody != nil {
				var body map[string]interface{}
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
				tt.checkBody(t, body)
			}
		})
	}
}
