package source_test

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"lodestone/features/source"
	"lodestone/internal/apperr"
	"lodestone/internal/config"
	"lodestone/internal/worker"
)

func multipartUpload(t *testing.T, filename, content string, fields map[string]string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, writer.WriteField(k, v))
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest("POST", "/sources/upload", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return asTenant(req, "acme")
}

func TestHandler_Upload(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		mockRepo := new(MockRepo)
		mockPub := new(MockQueue)
		uploadDir := t.TempDir()
		svc := source.NewService(mockRepo, nil, mockPub, uploadDir)
		handler := source.NewHandler(svc, uploadDir, 50<<20)

		content := "release notes for v2"
		wantHash := fmt.Sprintf("%x", sha256.Sum256([]byte(content)))

		mockRepo.On("GetByHash", mock.Anything, "acme", wantHash).Return(nil, apperr.ErrNotFound)
		mockRepo.On("Save", mock.Anything, mock.MatchedBy(func(s *source.Source) bool {
			return s.Kind == worker.KindFile && s.ContentHash == wantHash && s.Metadata["team"] == "docs"
		})).Run(func(args mock.Arguments) {
			args.Get(1).(*source.Source).ID = "src-1"
		}).Return(nil)
		mockPub.On("Publish", config.TopicIngestTask, mock.Anything).Return(nil)

		req := multipartUpload(t, "notes.md", content, map[string]string{
			"name":     "Release Notes",
			"metadata": `{"team":"docs"}`,
		})
		w := httptest.NewRecorder()

		handler.Upload(w, req)

		require.Equal(t, http.StatusCreated, w.Result().StatusCode, w.Body.String())
		data := decodeData(t, w)
		assert.Equal(t, "src-1", data["id"])

		savedPath := data["origin"].(string)
		stored, err := os.ReadFile(savedPath)
		require.NoError(t, err)
		assert.Equal(t, content, string(stored))
		mockRepo.AssertExpectations(t)
	})

	t.Run("Same Content Discards Blob", func(t *testing.T) {
		mockRepo := new(MockRepo)
		uploadDir := t.TempDir()
		svc := source.NewService(mockRepo, nil, new(MockQueue), uploadDir)
		handler := source.NewHandler(svc, uploadDir, 50<<20)

		existing := &source.Source{ID: "src-0", Status: worker.StatusReady, Origin: "/uploads/old.md"}
		mockRepo.On("GetByHash", mock.Anything, "acme", mock.Anything).Return(existing, nil)

		req := multipartUpload(t, "notes.md", "already known", map[string]string{"name": "Notes"})
		w := httptest.NewRecorder()

		handler.Upload(w, req)

		assert.Equal(t, http.StatusOK, w.Result().StatusCode)
		assert.Equal(t, "src-0", decodeData(t, w)["id"])

		entries, err := os.ReadDir(uploadDir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("Missing Name", func(t *testing.T) {
		svc := source.NewService(new(MockRepo), nil, nil, t.TempDir())
		handler := source.NewHandler(svc, t.TempDir(), 50<<20)

		req := multipartUpload(t, "notes.md", "content", nil)
		w := httptest.NewRecorder()

		handler.Upload(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
	})

	t.Run("Unsupported Extension", func(t *testing.T) {
		svc := source.NewService(new(MockRepo), nil, nil, t.TempDir())
		handler := source.NewHandler(svc, t.TempDir(), 50<<20)

		req := multipartUpload(t, "setup.exe", "MZ", map[string]string{"name": "Installer"})
		w := httptest.NewRecorder()

		handler.Upload(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
	})

	t.Run("Malformed Metadata", func(t *testing.T) {
		svc := source.NewService(new(MockRepo), nil, nil, t.TempDir())
		handler := source.NewHandler(svc, t.TempDir(), 50<<20)

		req := multipartUpload(t, "notes.md", "content", map[string]string{
			"name":     "Notes",
			"metadata": "not json",
		})
		w := httptest.NewRecorder()

		handler.Upload(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
	})

	t.Run("File Too Large", func(t *testing.T) {
		svc := source.NewService(new(MockRepo), nil, nil, t.TempDir())
		handler := source.NewHandler(svc, t.TempDir(), 256)

		req := multipartUpload(t, "big.txt", string(make([]byte, 4096)), map[string]string{"name": "Big"})
		w := httptest.NewRecorder()

		handler.Upload(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Result().StatusCode)
	})

	t.Run("Save Error Removes Blob", func(t *testing.T) {
		mockRepo := new(MockRepo)
		uploadDir := t.TempDir()
		svc := source.NewService(mockRepo, nil, new(MockQueue), uploadDir)
		handler := source.NewHandler(svc, uploadDir, 50<<20)

		mockRepo.On("GetByHash", mock.Anything, "acme", mock.Anything).Return(nil, apperr.ErrNotFound)
		mockRepo.On("Save", mock.Anything, mock.Anything).Return(assert.AnError)

		req := multipartUpload(t, "notes.md", "content", map[string]string{"name": "Notes"})
		w := httptest.NewRecorder()

		handler.Upload(w, req)

		assert.Equal(t, http.StatusInternalServerError, w.Result().StatusCode)
		entries, err := os.ReadDir(uploadDir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})
}
