package source

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"lodestone/internal/apperr"
	"lodestone/internal/config"
	"lodestone/internal/middleware"
	"lodestone/internal/worker"
)

// --- Mocks ---

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Save(ctx context.Context, src *Source) error {
	args := m.Called(ctx, src)
	return args.Error(0)
}

func (m *MockRepository) Get(ctx context.Context, tenant, id string) (*Source, error) {
	args := m.Called(ctx, tenant, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Source), args.Error(1)
}

func (m *MockRepository) GetByHash(ctx context.Context, tenant, hash string) (*Source, error) {
	args := m.Called(ctx, tenant, hash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Source), args.Error(1)
}

func (m *MockRepository) List(ctx context.Context, tenant string) ([]Source, error) {
	args := m.Called(ctx, tenant)
	return args.Get(0).([]Source), args.Error(1)
}

func (m *MockRepository) BumpVersion(ctx context.Context, id string) (int, error) {
	args := m.Called(ctx, id)
	return args.Int(0), args.Error(1)
}

func (m *MockRepository) SoftDelete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

type MockChunkStore struct {
	mock.Mock
}

func (m *MockChunkStore) DeleteSourceChunks(ctx context.Context, sourceID string) error {
	args := m.Called(ctx, sourceID)
	return args.Error(0)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(topic string, body []byte) error {
	args := m.Called(topic, body)
	return args.Error(0)
}

func taskWith(check func(worker.IngestTask) bool) interface{} {
	return mock.MatchedBy(func(body []byte) bool {
		var task worker.IngestTask
		if err := json.Unmarshal(body, &task); err != nil {
			return false
		}
		return check(task)
	})
}

// --- Tests ---

func TestService_Create_Success(t *testing.T) {
	mockRepo := new(MockRepository)
	mockPub := new(MockPublisher)
	svc := NewService(mockRepo, nil, mockPub, t.TempDir())

	mockRepo.On("GetByHash", mock.Anything, "acme", mock.AnythingOfType("string")).
		Return(nil, apperr.ErrNotFound)
	mockRepo.On("Save", mock.Anything, mock.MatchedBy(func(s *Source) bool {
		return s.Tenant == "acme" && s.Kind == worker.KindURL && s.Origin == "https://docs.acme.test/handbook"
	})).Run(func(args mock.Arguments) {
		s := args.Get(1).(*Source)
		s.ID = "src-1"
		s.Status = worker.StatusPending
		s.LatestVersion = 1
	}).Return(nil)
	mockPub.On("Publish", config.TopicIngestTask, taskWith(func(task worker.IngestTask) bool {
		return task.SourceID == "src-1" && task.Tenant == "acme" && task.Version == 1
	})).Return(nil)

	src, created, err := svc.Create(context.Background(), CreateRequest{
		Tenant: "acme",
		Kind:   worker.KindURL,
		Name:   "Handbook",
		URL:    "https://docs.acme.test/handbook",
	})
	assert.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "src-1", src.ID)
	assert.Equal(t, worker.StatusPending, src.Status)
	mockRepo.AssertExpectations(t)
	mockPub.AssertExpectations(t)
}

func TestService_Create_SameContentReturnsExisting(t *testing.T) {
	mockRepo := new(MockRepository)
	mockPub := new(MockPublisher)
	svc := NewService(mockRepo, nil, mockPub, t.TempDir())

	existing := &Source{ID: "src-0", Tenant: "acme", Kind: worker.KindURL, Status: worker.StatusReady}
	mockRepo.On("GetByHash", mock.Anything, "acme", mock.Anything).Return(existing, nil)

	src, created, err := svc.Create(context.Background(), CreateRequest{
		Tenant: "acme",
		Kind:   worker.KindURL,
		Name:   "Handbook",
		URL:    "https://docs.acme.test/handbook",
	})
	assert.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, existing, src)
	mockRepo.AssertNotCalled(t, "Save", mock.Anything, mock.Anything)
	mockPub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestService_Create_ConcurrentDuplicateResolves(t *testing.T) {
	mockRepo := new(MockRepository)
	mockPub := new(MockPublisher)
	svc := NewService(mockRepo, nil, mockPub, t.TempDir())

	existing := &Source{ID: "src-0", Tenant: "acme", Status: worker.StatusReady}
	mockRepo.On("GetByHash", mock.Anything, "acme", mock.Anything).Return(nil, apperr.ErrNotFound).Once()
	mockRepo.On("Save", mock.Anything, mock.Anything).Return(apperr.ErrDuplicate)
	mockRepo.On("GetByHash", mock.Anything, "acme", mock.Anything).Return(existing, nil).Once()

	src, created, err := svc.Create(context.Background(), CreateRequest{
		Tenant: "acme",
		Kind:   worker.KindURL,
		Name:   "Handbook",
		URL:    "https://docs.acme.test/handbook",
	})
	assert.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "src-0", src.ID)
	mockPub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestService_Create_Validation(t *testing.T) {
	svc := NewService(new(MockRepository), nil, new(MockPublisher), t.TempDir())

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{"Missing Tenant", CreateRequest{Kind: worker.KindURL, Name: "n", URL: "https://a.test"}},
		{"Missing Name", CreateRequest{Tenant: "acme", Kind: worker.KindURL, URL: "https://a.test"}},
		{"Missing URL", CreateRequest{Tenant: "acme", Kind: worker.KindURL, Name: "n"}},
		{"Relative URL", CreateRequest{Tenant: "acme", Kind: worker.KindURL, Name: "n", URL: "/docs"}},
		{"FTP URL", CreateRequest{Tenant: "acme", Kind: worker.KindURL, Name: "n", URL: "ftp://a.test/f"}},
		{"FAQ Without Content", CreateRequest{Tenant: "acme", Kind: worker.KindFAQ, Name: "n"}},
		{"File Kind", CreateRequest{Tenant: "acme", Kind: worker.KindFile, Name: "n"}},
		{"Unknown Kind", CreateRequest{Tenant: "acme", Kind: "rss", Name: "n"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := svc.Create(context.Background(), tc.req)
			assert.Error(t, err)
			assert.True(t, apperr.IsValidation(err))
		})
	}
}

func TestService_Create_FAQStoresInlineContent(t *testing.T) {
	mockRepo := new(MockRepository)
	mockPub := new(MockPublisher)
	dir := t.TempDir()
	svc := NewService(mockRepo, nil, mockPub, dir)

	var origin string
	mockRepo.On("GetByHash", mock.Anything, "acme", mock.Anything).Return(nil, apperr.ErrNotFound)
	mockRepo.On("Save", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		s := args.Get(1).(*Source)
		s.ID = "src-2"
		origin = s.Origin
	}).Return(nil)
	mockPub.On("Publish", config.TopicIngestTask, mock.Anything).Return(nil)

	content := "Q: How do refunds work?\nA: Within 14 days."
	_, created, err := svc.Create(context.Background(), CreateRequest{
		Tenant:  "acme",
		Kind:    worker.KindFAQ,
		Name:    "Refund FAQ",
		Content: content,
	})
	require.NoError(t, err)
	assert.True(t, created)

	stored, err := os.ReadFile(origin)
	require.NoError(t, err)
	assert.Equal(t, content, string(stored))
}

func TestService_Create_PublishFailureStillCreates(t *testing.T) {
	mockRepo := new(MockRepository)
	mockPub := new(MockPublisher)
	svc := NewService(mockRepo, nil, mockPub, t.TempDir())

	mockRepo.On("GetByHash", mock.Anything, "acme", mock.Anything).Return(nil, apperr.ErrNotFound)
	mockRepo.On("Save", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		args.Get(1).(*Source).ID = "src-1"
	}).Return(nil)
	mockPub.On("Publish", mock.Anything, mock.Anything).Return(assert.AnError)

	src, created, err := svc.Create(context.Background(), CreateRequest{
		Tenant: "acme",
		Kind:   worker.KindURL,
		Name:   "Handbook",
		URL:    "https://docs.acme.test/handbook",
	})
	assert.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "src-1", src.ID)
}

func TestService_Create_PropagatesCorrelationID(t *testing.T) {
	mockRepo := new(MockRepository)
	mockPub := new(MockPublisher)
	svc := NewService(mockRepo, nil, mockPub, t.TempDir())

	mockRepo.On("GetByHash", mock.Anything, "acme", mock.Anything).Return(nil, apperr.ErrNotFound)
	mockRepo.On("Save", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		args.Get(1).(*Source).ID = "src-1"
	}).Return(nil)
	mockPub.On("Publish", config.TopicIngestTask, taskWith(func(task worker.IngestTask) bool {
		return task.CorrelationID == "trace-123"
	})).Return(nil)

	ctx := middleware.WithCorrelationID(context.Background(), "trace-123")
	_, _, err := svc.Create(ctx, CreateRequest{
		Tenant: "acme",
		Kind:   worker.KindURL,
		Name:   "Handbook",
		URL:    "https://docs.acme.test/handbook",
	})
	assert.NoError(t, err)
	mockPub.AssertExpectations(t)
}

func TestService_Upload(t *testing.T) {
	mockRepo := new(MockRepository)
	mockPub := new(MockPublisher)
	svc := NewService(mockRepo, nil, mockPub, t.TempDir())

	mockRepo.On("GetByHash", mock.Anything, "acme", "hash-1").Return(nil, apperr.ErrNotFound)
	mockRepo.On("Save", mock.Anything, mock.MatchedBy(func(s *Source) bool {
		return s.Kind == worker.KindFile &&
			s.Origin == "/uploads/doc.pdf" &&
			s.ContentHash == "hash-1" &&
			s.Metadata["content_type"] == "application/pdf"
	})).Run(func(args mock.Arguments) {
		args.Get(1).(*Source).ID = "src-3"
	}).Return(nil)
	mockPub.On("Publish", config.TopicIngestTask, taskWith(func(task worker.IngestTask) bool {
		return task.SourceID == "src-3" && task.Version == 1
	})).Return(nil)

	src, created, err := svc.Upload(context.Background(), "acme", "Pricing PDF",
		"/uploads/doc.pdf", "hash-1", "application/pdf", nil)
	assert.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "src-3", src.ID)
	mockPub.AssertExpectations(t)
}

func TestService_Upload_SameContentReturnsExisting(t *testing.T) {
	mockRepo := new(MockRepository)
	mockPub := new(MockPublisher)
	svc := NewService(mockRepo, nil, mockPub, t.TempDir())

	existing := &Source{ID: "src-0", Status: worker.StatusReady}
	mockRepo.On("GetByHash", mock.Anything, "acme", "hash-1").Return(existing, nil)

	src, created, err := svc.Upload(context.Background(), "acme", "Pricing PDF",
		"/uploads/doc.pdf", "hash-1", "application/pdf", nil)
	assert.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "src-0", src.ID)
	mockPub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything)
}

func TestService_Reprocess(t *testing.T) {
	mockRepo := new(MockRepository)
	mockPub := new(MockPublisher)
	svc := NewService(mockRepo, nil, mockPub, t.TempDir())

	src := &Source{ID: "src-1", Tenant: "acme", Status: worker.StatusReady}
	mockRepo.On("Get", mock.Anything, "acme", "src-1").Return(src, nil)
	mockRepo.On("BumpVersion", mock.Anything, "src-1").Return(4, nil)
	mockPub.On("Publish", config.TopicIngestTask, taskWith(func(task worker.IngestTask) bool {
		return task.SourceID == "src-1" && task.Version == 4
	})).Return(nil)

	version, err := svc.Reprocess(context.Background(), "acme", "src-1")
	assert.NoError(t, err)
	assert.Equal(t, 4, version)
	mockRepo.AssertExpectations(t)
	mockPub.AssertExpectations(t)
}

func TestService_Reprocess_RejectedWhileRunning(t *testing.T) {
	mockRepo := new(MockRepository)
	svc := NewService(mockRepo, nil, new(MockPublisher), t.TempDir())

	src := &Source{ID: "src-1", Tenant: "acme", Status: worker.StatusEmbedding}
	mockRepo.On("Get", mock.Anything, "acme", "src-1").Return(src, nil)

	_, err := svc.Reprocess(context.Background(), "acme", "src-1")
	assert.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
	mockRepo.AssertNotCalled(t, "BumpVersion", mock.Anything, mock.Anything)
}

func TestService_Reprocess_PublishFailure(t *testing.T) {
	mockRepo := new(MockRepository)
	mockPub := new(MockPublisher)
	svc := NewService(mockRepo, nil, mockPub, t.TempDir())

	src := &Source{ID: "src-1", Tenant: "acme", Status: worker.StatusFailed}
	mockRepo.On("Get", mock.Anything, "acme", "src-1").Return(src, nil)
	mockRepo.On("BumpVersion", mock.Anything, "src-1").Return(2, nil)
	mockPub.On("Publish", mock.Anything, mock.Anything).Return(assert.AnError)

	_, err := svc.Reprocess(context.Background(), "acme", "src-1")
	assert.Error(t, err)
}

func TestService_Delete(t *testing.T) {
	mockRepo := new(MockRepository)
	mockChunk := new(MockChunkStore)
	svc := NewService(mockRepo, mockChunk, nil, t.TempDir())

	src := &Source{ID: "src-1", Tenant: "acme"}
	mockRepo.On("Get", mock.Anything, "acme", "src-1").Return(src, nil)
	mockChunk.On("DeleteSourceChunks", mock.Anything, "src-1").Return(nil)
	mockRepo.On("SoftDelete", mock.Anything, "src-1").Return(nil)

	err := svc.Delete(context.Background(), "acme", "src-1")
	assert.NoError(t, err)
	mockChunk.AssertExpectations(t)
	mockRepo.AssertExpectations(t)
}

func TestService_Delete_NotFound(t *testing.T) {
	mockRepo := new(MockRepository)
	svc := NewService(mockRepo, new(MockChunkStore), nil, t.TempDir())

	mockRepo.On("Get", mock.Anything, "acme", "missing").Return(nil, apperr.ErrNotFound)

	err := svc.Delete(context.Background(), "acme", "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
