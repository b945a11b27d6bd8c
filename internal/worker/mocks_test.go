package worker_test

import (
	"context"

	"github.com/stretchr/testify/mock"

	"lodestone/internal/adapter/extract"
	"lodestone/internal/worker"
)

type MockSourceStore struct {
	mock.Mock
}

func (m *MockSourceStore) GetForIngest(ctx context.Context, id string) (*worker.SourceInfo, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*worker.SourceInfo), args.Error(1)
}

func (m *MockSourceStore) UpdateStatus(ctx context.Context, id string, status worker.Status) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

func (m *MockSourceStore) MarkFailed(ctx context.Context, id, reason string) error {
	args := m.Called(ctx, id, reason)
	return args.Error(0)
}

func (m *MockSourceStore) UpdateBodyHash(ctx context.Context, id, hash string) error {
	args := m.Called(ctx, id, hash)
	return args.Error(0)
}

type MockChunkStore struct {
	mock.Mock
}

func (m *MockChunkStore) StageChunks(ctx context.Context, tenant, sourceID string, version int, chunks []worker.Chunk) error {
	args := m.Called(ctx, tenant, sourceID, version, chunks)
	return args.Error(0)
}

func (m *MockChunkStore) MissingEmbeddings(ctx context.Context, sourceID string, version int) ([]worker.Chunk, error) {
	args := m.Called(ctx, sourceID, version)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]worker.Chunk), args.Error(1)
}

func (m *MockChunkStore) UpdateChunkVectors(ctx context.Context, sourceID string, version int, ordinals []int, vectors [][]float32) error {
	args := m.Called(ctx, sourceID, version, ordinals, vectors)
	return args.Error(0)
}

func (m *MockChunkStore) MarkChunkFailed(ctx context.Context, sourceID string, version int, ordinal int, reason string) error {
	args := m.Called(ctx, sourceID, version, ordinal, reason)
	return args.Error(0)
}

func (m *MockChunkStore) CountStaged(ctx context.Context, sourceID string, version int) (worker.ChunkCounts, error) {
	args := m.Called(ctx, sourceID, version)
	return args.Get(0).(worker.ChunkCounts), args.Error(1)
}

func (m *MockChunkStore) ActivateVersion(ctx context.Context, sourceID string, version int, status worker.Status) error {
	args := m.Called(ctx, sourceID, version, status)
	return args.Error(0)
}

type MockEmbedder struct {
	mock.Mock
}

func (m *MockEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	args := m.Called(ctx, texts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([][]float32), args.Error(1)
}

type MockExtractor struct {
	mock.Mock
}

func (m *MockExtractor) ExtractURL(ctx context.Context, url string) (*extract.Result, error) {
	args := m.Called(ctx, url)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*extract.Result), args.Error(1)
}

func (m *MockExtractor) ExtractBlob(ctx context.Context, data []byte, contentType string) (*extract.Result, error) {
	args := m.Called(ctx, data, contentType)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*extract.Result), args.Error(1)
}

type MockDeadLetters struct {
	mock.Mock
}

func (m *MockDeadLetters) Record(ctx context.Context, sourceID, handler string, payload []byte, reason string) error {
	args := m.Called(ctx, sourceID, handler, payload, reason)
	return args.Error(0)
}
