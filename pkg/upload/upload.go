// Package upload implements resumable chunked uploads: fixed-size chunks
// accepted strictly in order, each verified against a client-supplied
// sha256, appended to a part file that is atomically renamed on completion.
package upload

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dubplane/dubplane/pkg/config"
	"github.com/dubplane/dubplane/pkg/fsutil"
	"github.com/dubplane/dubplane/pkg/models"
)

// Upload errors, mapped to HTTP statuses at the gateway.
var (
	// ErrBadFilename rejects names with separators, a leading dot or "..".
	ErrBadFilename = errors.New("invalid filename")
	// ErrTooLarge rejects uploads over MAX_UPLOAD_BYTES (413).
	ErrTooLarge = errors.New("upload exceeds size limit")
	// ErrChunkConflict covers wrong index, wrong offset and wrong size (409).
	ErrChunkConflict = errors.New("chunk conflict")
	// ErrHashMismatch rejects a chunk whose sha256 differs from the header.
	ErrHashMismatch = errors.New("chunk hash mismatch")
	// ErrIncomplete rejects completion before all bytes arrived.
	ErrIncomplete = errors.New("upload incomplete")
	// ErrAlreadyCompleted rejects chunks after completion.
	ErrAlreadyCompleted = errors.New("upload already completed")
)

// Store is the persistence subset the service needs.
type Store interface {
	PutUpload(u *models.Upload) error
	GetUpload(id string) (*models.Upload, error)
	UpdateUpload(u *models.Upload) error
}

// Service owns upload state transitions. Per-upload operations serialize
// through a keyed mutex so concurrent chunk POSTs cannot interleave
// appends.
type Service struct {
	cfg        config.UploadConfig
	store      Store
	uploadsDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewService creates the upload service writing under uploadsDir.
func NewService(cfg config.UploadConfig, st Store, uploadsDir string) *Service {
	return &Service{
		cfg:        cfg,
		store:      st,
		uploadsDir: uploadsDir,
		locks:      make(map[string]*sync.Mutex),
	}
}

func (s *Service) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *Service) releaseLock(id string) {
	s.mu.Lock()
	delete(s.locks, id)
	s.mu.Unlock()
}

// Init validates and registers a new upload, returning its descriptor.
func (s *Service) Init(ownerID string, req models.InitUploadRequest) (*models.InitUploadResponse, error) {
	if !fsutil.ValidFilename(req.Filename) {
		return nil, fmt.Errorf("%w: %q", ErrBadFilename, req.Filename)
	}
	if req.TotalBytes <= 0 {
		return nil, fmt.Errorf("%w: total_bytes must be positive", ErrBadFilename)
	}
	if req.TotalBytes > s.cfg.MaxUploadBytes {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooLarge, req.TotalBytes, s.cfg.MaxUploadBytes)
	}

	id := uuid.NewString()
	now := time.Now().UTC()
	u := &models.Upload{
		ID:         id,
		OwnerID:    ownerID,
		Filename:   req.Filename,
		TotalBytes: req.TotalBytes,
		ChunkBytes: s.cfg.ChunkBytes,
		PartPath:   filepath.Join(s.uploadsDir, id+".part"),
		FinalPath:  filepath.Join(s.uploadsDir, id+"_"+req.Filename),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	u.SetReceived(map[int]int64{})
	if err := s.store.PutUpload(u); err != nil {
		return nil, err
	}
	return &models.InitUploadResponse{
		UploadID:    id,
		ChunkBytes:  u.ChunkBytes,
		TotalChunks: u.TotalChunks(),
	}, nil
}

// Chunk accepts one chunk. index must be the next expected chunk, offset
// must equal index*chunk_bytes, the body must hash to wantSHA256, and the
// size must be exact. Re-sending the previous chunk with the same bytes is
// an idempotent success.
func (s *Service) Chunk(id string, index int, offset int64, wantSHA256 string, body io.Reader) (*models.Upload, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	u, err := s.store.GetUpload(id)
	if err != nil {
		return nil, err
	}
	if u.Completed {
		return nil, ErrAlreadyCompleted
	}

	data, err := io.ReadAll(io.LimitReader(body, u.ChunkBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading chunk body: %w", err)
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != wantSHA256 {
		return nil, fmt.Errorf("%w: chunk %d", ErrHashMismatch, index)
	}
	if offset != int64(index)*u.ChunkBytes {
		return nil, fmt.Errorf("%w: offset %d does not match index %d", ErrChunkConflict, offset, index)
	}

	next := u.NextExpectedChunk()
	if index == next-1 {
		// Retry of the chunk we already have: idempotent iff byte-identical.
		if int64(len(data)) == u.Received()[index] {
			return u, nil
		}
		return nil, fmt.Errorf("%w: chunk %d resent with different size", ErrChunkConflict, index)
	}
	if index != next {
		return nil, fmt.Errorf("%w: expected chunk %d, got %d", ErrChunkConflict, next, index)
	}
	if want := u.ExpectedChunkSize(index); int64(len(data)) != want {
		return nil, fmt.Errorf("%w: chunk %d is %d bytes, want %d", ErrChunkConflict, index, len(data), want)
	}

	if err := os.MkdirAll(filepath.Dir(u.PartPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating uploads dir: %w", err)
	}
	f, err := os.OpenFile(u.PartPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening part file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return nil, fmt.Errorf("appending chunk: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	received := u.Received()
	received[index] = int64(len(data))
	u.SetReceived(received)
	u.ReceivedBytes += int64(len(data))
	if err := s.store.UpdateUpload(u); err != nil {
		return nil, err
	}
	return u, nil
}

// Complete finalizes a fully-received upload: the part file is renamed to
// its final path and the upload is marked completed. Completing twice is
// an idempotent success.
func (s *Service) Complete(id string) (*models.Upload, error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	u, err := s.store.GetUpload(id)
	if err != nil {
		return nil, err
	}
	if u.Completed {
		return u, nil
	}
	if u.ReceivedBytes != u.TotalBytes {
		return nil, fmt.Errorf("%w: %d of %d bytes received", ErrIncomplete, u.ReceivedBytes, u.TotalBytes)
	}
	if err := os.Rename(u.PartPath, u.FinalPath); err != nil {
		return nil, fmt.Errorf("finalizing upload: %w", err)
	}
	u.Completed = true
	if err := s.store.UpdateUpload(u); err != nil {
		return nil, err
	}
	s.releaseLock(id)
	return u, nil
}

// Status reports resume information for a client.
func (s *Service) Status(id string) (*models.UploadStatusResponse, error) {
	u, err := s.store.GetUpload(id)
	if err != nil {
		return nil, err
	}
	state := "uploading"
	if u.Completed {
		state = "completed"
	}
	return &models.UploadStatusResponse{
		BytesReceived:     u.ReceivedBytes,
		NextExpectedChunk: u.NextExpectedChunk(),
		TotalChunks:       u.TotalChunks(),
		State:             state,
	}, nil
}

// Get returns the upload row, for ownership checks at the gateway.
func (s *Service) Get(id string) (*models.Upload, error) {
	return s.store.GetUpload(id)
}

// Discard removes an abandoned upload's part file, zero-overwriting first.
func (s *Service) Discard(u *models.Upload) {
	if err := fsutil.ZeroAndRemove(u.PartPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("Removing abandoned part file", "upload_id", u.ID, "error", err)
	}
	s.releaseLock(u.ID)
}
