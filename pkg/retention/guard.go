// Package retention enforces storage policy: per-user quotas, the
// free-space floor, periodic deletion sweeps and storage-ledger
// reconciliation.
package retention

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dubplane/dubplane/pkg/config"
	"github.com/dubplane/dubplane/pkg/fsutil"
	"github.com/dubplane/dubplane/pkg/models"
)

// Policy errors, mapped to HTTP statuses at the gateway.
var (
	// ErrQuotaExceeded covers every per-user quota refusal.
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrInsufficientStorage is the MIN_FREE_GB floor refusal (507).
	ErrInsufficientStorage = errors.New("insufficient storage")
)

// QuotaStore supplies per-user overrides and current consumption.
type QuotaStore interface {
	GetUserQuota(uid string) (*models.UserQuota, error)
}

// UsageStore reports a user's consumption from the jobs database.
type UsageStore interface {
	CountJobsCreatedSince(ownerID string, cutoff time.Time) (int, error)
	ListJobsByOwnerAndStates(ownerID string, states ...models.JobState) ([]*models.Job, error)
	StorageBytesForUser(userID string) (int64, error)
}

// Guard answers admission-time policy questions. Checked at upload init,
// job create and scheduler admission.
type Guard struct {
	quotas     config.QuotaConfig
	ret        config.RetentionConfig
	quotaStore QuotaStore
	usage      UsageStore
	outputRoot string
}

// NewGuard creates a policy guard over the given stores and output root.
func NewGuard(quotas config.QuotaConfig, ret config.RetentionConfig, qs QuotaStore, us UsageStore, outputRoot string) *Guard {
	return &Guard{quotas: quotas, ret: ret, quotaStore: qs, usage: us, outputRoot: outputRoot}
}

// effectiveQuota merges a user's overrides over the global defaults.
func (g *Guard) effectiveQuota(userID string) models.UserQuota {
	q := models.UserQuota{
		MaxUploadBytes:    g.quotas.MaxUploadBytes,
		JobsPerDay:        g.quotas.JobsPerDay,
		MaxConcurrentJobs: g.quotas.MaxConcurrentJobs,
		MaxStorageBytes:   g.quotas.MaxStorageBytes,
	}
	override, err := g.quotaStore.GetUserQuota(userID)
	if err != nil || override == nil {
		return q
	}
	if override.MaxUploadBytes > 0 {
		q.MaxUploadBytes = override.MaxUploadBytes
	}
	if override.JobsPerDay > 0 {
		q.JobsPerDay = override.JobsPerDay
	}
	if override.MaxConcurrentJobs > 0 {
		q.MaxConcurrentJobs = override.MaxConcurrentJobs
	}
	if override.MaxStorageBytes > 0 {
		q.MaxStorageBytes = override.MaxStorageBytes
	}
	return q
}

// CheckUploadInit gates a new upload: declared size within the user's
// limit, storage quota headroom and the disk floor.
func (g *Guard) CheckUploadInit(userID string, totalBytes int64) error {
	q := g.effectiveQuota(userID)
	if totalBytes > q.MaxUploadBytes {
		return fmt.Errorf("%w: upload of %d bytes exceeds per-user limit %d", ErrQuotaExceeded, totalBytes, q.MaxUploadBytes)
	}
	used, err := g.usage.StorageBytesForUser(userID)
	if err != nil {
		slog.Warn("Reading storage ledger", "user_id", userID, "error", err)
	} else if used+totalBytes > q.MaxStorageBytes {
		return fmt.Errorf("%w: storage %d + %d exceeds limit %d", ErrQuotaExceeded, used, totalBytes, q.MaxStorageBytes)
	}
	return g.CheckDiskFloor()
}

// CheckJobCreate gates job creation on the daily and concurrency quotas.
func (g *Guard) CheckJobCreate(userID string) error {
	q := g.effectiveQuota(userID)

	created, err := g.usage.CountJobsCreatedSince(userID, time.Now().Add(-24*time.Hour))
	if err != nil {
		return err
	}
	if created >= q.JobsPerDay {
		return fmt.Errorf("%w: %d jobs in the last 24h, limit %d", ErrQuotaExceeded, created, q.JobsPerDay)
	}

	active, err := g.usage.ListJobsByOwnerAndStates(userID,
		models.JobStateQueued, models.JobStateRunning, models.JobStatePaused)
	if err != nil {
		return err
	}
	if len(active) >= q.MaxConcurrentJobs {
		return fmt.Errorf("%w: %d active jobs, limit %d", ErrQuotaExceeded, len(active), q.MaxConcurrentJobs)
	}
	return g.CheckDiskFloor()
}

// CheckJobStart gates admission at dispatch time: the concurrency quota
// against jobs actually running and the disk floor, both re-checked because
// either can change while a job waits in the queue. The queued job itself
// does not count against its owner here.
func (g *Guard) CheckJobStart(userID string) error {
	q := g.effectiveQuota(userID)
	active, err := g.usage.ListJobsByOwnerAndStates(userID,
		models.JobStateRunning, models.JobStatePaused)
	if err != nil {
		return err
	}
	if len(active) >= q.MaxConcurrentJobs {
		return fmt.Errorf("%w: %d running jobs, limit %d", ErrQuotaExceeded, len(active), q.MaxConcurrentJobs)
	}
	return g.CheckDiskFloor()
}

// CheckDiskFloor refuses when free space on the output root is under the
// MIN_FREE_GB floor.
func (g *Guard) CheckDiskFloor() error {
	free, err := fsutil.FreeBytes(g.outputRoot)
	if err != nil {
		slog.Warn("Probing free space", "path", g.outputRoot, "error", err)
		return nil
	}
	floor := int64(g.ret.MinFreeGB) << 30
	if free < floor {
		return fmt.Errorf("%w: %d bytes free, floor %d", ErrInsufficientStorage, free, floor)
	}
	return nil
}
