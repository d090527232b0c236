package retention

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dubplane/dubplane/pkg/config"
	"github.com/dubplane/dubplane/pkg/fsutil"
	"github.com/dubplane/dubplane/pkg/models"
	"github.com/dubplane/dubplane/pkg/store"
)

// SweepStore is the persistence subset the sweeper needs.
type SweepStore interface {
	ListStaleUploads(cutoff time.Time) ([]*models.Upload, error)
	DeleteUpload(id string) error
	ListAllJobs() ([]*models.Job, error)
	ListUploads() ([]*models.Upload, error)
	GetJob(id string) (*models.Job, error)
	ReplaceStorageAccounting(jobEntries, uploadEntries []*models.StorageEntry) error
}

// Sweeper runs the periodic retention and accounting passes.
type Sweeper struct {
	cfg        config.RetentionConfig
	store      SweepStore
	outputRoot string
	uploadsDir string
	logDir     string
	cron       *cron.Cron
}

// NewSweeper creates the sweeper; Start schedules it.
func NewSweeper(cfg config.RetentionConfig, st SweepStore, outputRoot, uploadsDir, logDir string) *Sweeper {
	return &Sweeper{
		cfg:        cfg,
		store:      st,
		outputRoot: outputRoot,
		uploadsDir: uploadsDir,
		logDir:     logDir,
		cron:       cron.New(),
	}
}

// Start runs one sweep immediately, then on the configured interval.
func (s *Sweeper) Start() error {
	spec := fmt.Sprintf("@every %s", s.cfg.SweepInterval)
	if _, err := s.cron.AddFunc(spec, s.Sweep); err != nil {
		return fmt.Errorf("scheduling retention sweep: %w", err)
	}
	s.cron.Start()
	go s.Sweep()
	slog.Info("Retention sweeper started", "interval", s.cfg.SweepInterval)
	return nil
}

// Stop halts scheduling and waits for a running sweep.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Sweep runs every retention pass once. Each pass is independent; one
// failing does not stop the others.
func (s *Sweeper) Sweep() {
	started := time.Now()
	s.sweepStaleUploads()
	s.sweepOldArtifacts()
	s.sweepOldLogs()
	s.pruneWorkdirs()
	s.Reconcile()
	slog.Info("Retention sweep complete", "elapsed", time.Since(started))
}

// sweepStaleUploads removes uncompleted uploads past the TTL, overwriting
// part files with zeros before unlinking.
func (s *Sweeper) sweepStaleUploads() {
	cutoff := time.Now().Add(-s.cfg.UploadTTL)
	stale, err := s.store.ListStaleUploads(cutoff)
	if err != nil {
		slog.Error("Listing stale uploads", "error", err)
		return
	}
	for _, u := range stale {
		if err := fsutil.ZeroAndRemove(u.PartPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("Removing stale part file", "upload_id", u.ID, "error", err)
		}
		if err := s.store.DeleteUpload(u.ID); err != nil {
			slog.Warn("Deleting stale upload row", "upload_id", u.ID, "error", err)
			continue
		}
		slog.Info("Deleted stale upload", "upload_id", u.ID, "age_cutoff", cutoff)
	}
}

// sweepOldArtifacts deletes artifacts of long-untouched jobs unless the
// job is pinned. Only paths under the output root are ever removed.
func (s *Sweeper) sweepOldArtifacts() {
	jobs, err := s.store.ListAllJobs()
	if err != nil {
		slog.Error("Listing jobs for artifact sweep", "error", err)
		return
	}
	cutoff := time.Now().Add(-s.cfg.JobArtifactTTL)
	for _, j := range jobs {
		if !j.State.IsTerminal() || j.UpdatedAt.After(cutoff) {
			continue
		}
		if j.Runtime().Pinned {
			continue
		}
		for _, p := range []string{j.OutputMKV, j.OutputSRT, j.WorkDir} {
			if p == "" || !fsutil.Within(s.outputRoot, p) {
				continue
			}
			if err := os.RemoveAll(p); err != nil {
				slog.Warn("Removing aged artifact", "job_id", j.ID, "path", p, "error", err)
			}
		}
		slog.Info("Swept aged job artifacts", "job_id", j.ID, "updated_at", j.UpdatedAt)
	}
}

// sweepOldLogs removes log files past the log TTL.
func (s *Sweeper) sweepOldLogs() {
	cutoff := time.Now().Add(-s.cfg.LogTTL)
	entries, err := os.ReadDir(s.logDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".log") {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(s.logDir, e.Name())
		if err := os.Remove(path); err != nil {
			slog.Warn("Removing aged log", "path", path, "error", err)
		}
	}
}

// pruneWorkdirs removes per-job work directories that went stale: the
// job's work_dir when it no longer backs a live job and is old enough.
func (s *Sweeper) pruneWorkdirs() {
	jobs, err := s.store.ListAllJobs()
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-s.cfg.WorkStaleMax)
	for _, j := range jobs {
		if j.WorkDir == "" || !j.State.IsTerminal() || j.State == models.JobStateDone {
			continue
		}
		info, err := os.Stat(j.WorkDir)
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if !fsutil.Within(s.outputRoot, j.WorkDir) {
			continue
		}
		if err := os.RemoveAll(j.WorkDir); err != nil {
			slog.Warn("Pruning stale workdir", "job_id", j.ID, "error", err)
			continue
		}
		slog.Info("Pruned stale workdir", "job_id", j.ID, "path", j.WorkDir)
	}
}

// Reconcile walks the filesystem and replaces the storage ledger with what
// is actually on disk. Symlinks resolving outside the root count as zero.
func (s *Sweeper) Reconcile() {
	jobs, err := s.store.ListAllJobs()
	if err != nil {
		slog.Error("Listing jobs for reconciliation", "error", err)
		return
	}
	var jobEntries []*models.StorageEntry
	for _, j := range jobs {
		if j.WorkDir == "" {
			continue
		}
		size, skipped, err := fsutil.DirSize(s.outputRoot, j.WorkDir)
		if err != nil {
			continue
		}
		for _, p := range skipped {
			slog.Warn("Symlink outside output root counted as zero", "job_id", j.ID, "path", p)
		}
		jobEntries = append(jobEntries, &models.StorageEntry{
			ObjectID: j.ID, Kind: "job", UserID: j.OwnerID, Bytes: size,
		})
	}

	uploads, err := s.store.ListUploads()
	if err != nil {
		slog.Error("Listing uploads for reconciliation", "error", err)
		return
	}
	var uploadEntries []*models.StorageEntry
	for _, u := range uploads {
		var size int64
		for _, p := range []string{u.PartPath, u.FinalPath} {
			if info, err := os.Lstat(p); err == nil && info.Mode().IsRegular() {
				size += info.Size()
			}
		}
		uploadEntries = append(uploadEntries, &models.StorageEntry{
			ObjectID: u.ID, Kind: "upload", UserID: u.OwnerID, Bytes: size,
		})
	}

	if err := s.store.ReplaceStorageAccounting(jobEntries, uploadEntries); err != nil {
		slog.Error("Replacing storage accounting", "error", err)
		return
	}
	slog.Info("Storage ledger reconciled", "job_entries", len(jobEntries), "upload_entries", len(uploadEntries))
}

var _ SweepStore = (*store.JobStore)(nil)
