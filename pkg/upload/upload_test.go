package upload

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dubplane/dubplane/pkg/config"
	"github.com/dubplane/dubplane/pkg/models"
	"github.com/dubplane/dubplane/pkg/store"
)

type memUploadStore struct {
	uploads map[string]*models.Upload
}

func newMemUploadStore() *memUploadStore {
	return &memUploadStore{uploads: make(map[string]*models.Upload)}
}

func (m *memUploadStore) PutUpload(u *models.Upload) error {
	cp := *u
	m.uploads[u.ID] = &cp
	return nil
}

func (m *memUploadStore) GetUpload(id string) (*models.Upload, error) {
	u, ok := m.uploads[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memUploadStore) UpdateUpload(u *models.Upload) error {
	if _, ok := m.uploads[u.ID]; !ok {
		return store.ErrNotFound
	}
	cp := *u
	m.uploads[u.ID] = &cp
	return nil
}

func chunkSum(data []byte) string {
	s := sha256.Sum256(data)
	return hex.EncodeToString(s[:])
}

func newTestService(t *testing.T) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.UploadConfig{MaxUploadBytes: 1 << 20, ChunkBytes: 8, ChunkRatePerSecond: 100}
	return NewService(cfg, newMemUploadStore(), dir), dir
}

func TestInitValidation(t *testing.T) {
	s, _ := newTestService(t)

	tests := []struct {
		name    string
		req     models.InitUploadRequest
		wantErr error
	}{
		{"ok", models.InitUploadRequest{Filename: "movie.mkv", TotalBytes: 20}, nil},
		{"path separator", models.InitUploadRequest{Filename: "a/b.mkv", TotalBytes: 20}, ErrBadFilename},
		{"dotdot", models.InitUploadRequest{Filename: "..mkv", TotalBytes: 20}, ErrBadFilename},
		{"leading dot", models.InitUploadRequest{Filename: ".hidden", TotalBytes: 20}, ErrBadFilename},
		{"zero bytes", models.InitUploadRequest{Filename: "m.mkv", TotalBytes: 0}, ErrBadFilename},
		{"too large", models.InitUploadRequest{Filename: "m.mkv", TotalBytes: 2 << 20}, ErrTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := s.Init("u1", tt.req)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, int64(8), resp.ChunkBytes)
			assert.Equal(t, 3, resp.TotalChunks) // 20 bytes in 8-byte chunks
		})
	}
}

func TestChunkedUploadLifecycle(t *testing.T) {
	s, dir := newTestService(t)
	resp, err := s.Init("u1", models.InitUploadRequest{Filename: "movie.mkv", TotalBytes: 20})
	require.NoError(t, err)
	id := resp.UploadID

	chunks := [][]byte{
		[]byte("aaaaaaaa"),
		[]byte("bbbbbbbb"),
		[]byte("cccc"), // final remainder
	}
	for i, data := range chunks {
		_, err := s.Chunk(id, i, int64(i)*8, chunkSum(data), bytes.NewReader(data))
		require.NoError(t, err, "chunk %d", i)
	}

	st, err := s.Status(id)
	require.NoError(t, err)
	assert.Equal(t, int64(20), st.BytesReceived)
	assert.Equal(t, 3, st.NextExpectedChunk)
	assert.Equal(t, "uploading", st.State)

	u, err := s.Complete(id)
	require.NoError(t, err)
	assert.True(t, u.Completed)
	assert.Equal(t, filepath.Join(dir, id+"_movie.mkv"), u.FinalPath)

	final, err := os.ReadFile(u.FinalPath)
	require.NoError(t, err)
	assert.Equal(t, "aaaaaaaabbbbbbbbcccc", string(final))
	assert.NoFileExists(t, u.PartPath)

	st, err = s.Status(id)
	require.NoError(t, err)
	assert.Equal(t, "completed", st.State)

	// Completing again is idempotent.
	_, err = s.Complete(id)
	assert.NoError(t, err)
}

func TestChunkRejections(t *testing.T) {
	s, _ := newTestService(t)
	resp, err := s.Init("u1", models.InitUploadRequest{Filename: "m.mkv", TotalBytes: 20})
	require.NoError(t, err)
	id := resp.UploadID

	first := []byte("aaaaaaaa")
	_, err = s.Chunk(id, 0, 0, chunkSum(first), bytes.NewReader(first))
	require.NoError(t, err)

	t.Run("hash mismatch", func(t *testing.T) {
		data := []byte("bbbbbbbb")
		_, err := s.Chunk(id, 1, 8, chunkSum([]byte("other")), bytes.NewReader(data))
		assert.ErrorIs(t, err, ErrHashMismatch)
	})

	t.Run("wrong offset", func(t *testing.T) {
		data := []byte("bbbbbbbb")
		_, err := s.Chunk(id, 1, 4, chunkSum(data), bytes.NewReader(data))
		assert.ErrorIs(t, err, ErrChunkConflict)
	})

	t.Run("out of order", func(t *testing.T) {
		data := []byte("cccc")
		_, err := s.Chunk(id, 2, 16, chunkSum(data), bytes.NewReader(data))
		assert.ErrorIs(t, err, ErrChunkConflict)
	})

	t.Run("short non-final chunk", func(t *testing.T) {
		data := []byte("bb")
		_, err := s.Chunk(id, 1, 8, chunkSum(data), bytes.NewReader(data))
		assert.ErrorIs(t, err, ErrChunkConflict)
	})

	t.Run("idempotent retry of last chunk", func(t *testing.T) {
		u, err := s.Chunk(id, 0, 0, chunkSum(first), bytes.NewReader(first))
		require.NoError(t, err)
		assert.Equal(t, int64(8), u.ReceivedBytes, "no double count")
	})

	t.Run("incomplete completion refused", func(t *testing.T) {
		_, err := s.Complete(id)
		assert.ErrorIs(t, err, ErrIncomplete)
	})
}

func TestChunkAfterCompletion(t *testing.T) {
	s, _ := newTestService(t)
	resp, err := s.Init("u1", models.InitUploadRequest{Filename: "m.bin", TotalBytes: 4})
	require.NoError(t, err)

	data := []byte("abcd")
	_, err = s.Chunk(resp.UploadID, 0, 0, chunkSum(data), bytes.NewReader(data))
	require.NoError(t, err)
	_, err = s.Complete(resp.UploadID)
	require.NoError(t, err)

	_, err = s.Chunk(resp.UploadID, 1, 8, chunkSum(data), strings.NewReader("abcd"))
	assert.ErrorIs(t, err, ErrAlreadyCompleted)
}
