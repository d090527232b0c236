package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/dubplane/dubplane/pkg/fsutil"
)

// CheckpointVersion is the only checkpoint schema version in use.
const CheckpointVersion = 1

// CheckpointFilename is the per-job checkpoint file under work_dir.
const CheckpointFilename = ".checkpoint.json"

// Artifact is one verified output of a completed stage.
type Artifact struct {
	Path   string    `json:"path"`
	SHA256 string    `json:"sha256"`
	Size   int64     `json:"size"`
	MTime  time.Time `json:"mtime"`
}

// StageRecord is the checkpoint entry for one stage.
type StageRecord struct {
	Done      bool                `json:"done"`
	DoneAt    time.Time           `json:"done_at,omitempty"`
	Artifacts map[string]Artifact `json:"artifacts,omitempty"`
	Meta      map[string]string   `json:"meta,omitempty"`
}

// Checkpoint records which stages of a job completed and what they
// produced. It is the single source of truth for resume-after-restart.
type Checkpoint struct {
	Version   int                    `json:"version"`
	JobID     string                 `json:"job_id"`
	LastStage string                 `json:"last_stage,omitempty"`
	UpdatedAt time.Time              `json:"updated_at"`
	Stages    map[string]StageRecord `json:"stages"`

	path string
}

// LoadCheckpoint reads the checkpoint under workDir, returning a fresh one
// when none exists. Corrupt checkpoints are discarded, forcing a full
// re-run rather than trusting half-written state.
func LoadCheckpoint(workDir, jobID string) *Checkpoint {
	cp := &Checkpoint{
		Version: CheckpointVersion,
		JobID:   jobID,
		Stages:  make(map[string]StageRecord),
		path:    filepath.Join(workDir, CheckpointFilename),
	}
	raw, err := os.ReadFile(cp.path)
	if err != nil {
		return cp
	}
	var loaded Checkpoint
	if err := json.Unmarshal(raw, &loaded); err != nil || loaded.Version != CheckpointVersion {
		return cp
	}
	loaded.path = cp.path
	if loaded.Stages == nil {
		loaded.Stages = make(map[string]StageRecord)
	}
	loaded.JobID = jobID
	return &loaded
}

// Save writes the checkpoint atomically (temp file + rename).
func (c *Checkpoint) Save() error {
	c.UpdatedAt = time.Now().UTC()
	return fsutil.WriteJSONAtomic(c.path, c)
}

// MarkStageDone records a completed stage with its artifacts and persists
// the checkpoint before returning.
func (c *Checkpoint) MarkStageDone(stage string, artifacts map[string]Artifact, meta map[string]string) error {
	c.Stages[stage] = StageRecord{
		Done:      true,
		DoneAt:    time.Now().UTC(),
		Artifacts: artifacts,
		Meta:      meta,
	}
	c.LastStage = stage
	return c.Save()
}

// StageDone reports whether a stage completed AND every recorded artifact
// still exists with a matching sha256. Anything less means the stage must
// re-run.
func (c *Checkpoint) StageDone(stage string) bool {
	rec, ok := c.Stages[stage]
	if !ok || !rec.Done {
		return false
	}
	for _, art := range rec.Artifacts {
		sum, err := FileSHA256(art.Path)
		if err != nil || sum != art.SHA256 {
			return false
		}
	}
	return true
}

// FirstPendingStage returns the first stage of plan not verifiably done.
func (c *Checkpoint) FirstPendingStage(plan []string) (string, bool) {
	for _, s := range plan {
		if !c.StageDone(s) {
			return s, true
		}
	}
	return "", false
}

// FileSHA256 returns the hex sha256 of a file's contents.
func FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ArtifactFor stats and hashes a produced file, building its checkpoint
// record.
func ArtifactFor(path string) (Artifact, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Artifact{}, fmt.Errorf("artifact missing: %s", path)
	}
	if err != nil {
		return Artifact{}, err
	}
	sum, err := FileSHA256(path)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Path: path, SHA256: sum, Size: info.Size(), MTime: info.ModTime().UTC()}, nil
}
