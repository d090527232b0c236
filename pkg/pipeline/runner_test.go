package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dubplane/dubplane/pkg/audit"
	"github.com/dubplane/dubplane/pkg/config"
	"github.com/dubplane/dubplane/pkg/egress"
	"github.com/dubplane/dubplane/pkg/metrics"
	"github.com/dubplane/dubplane/pkg/models"
	"github.com/dubplane/dubplane/pkg/notify"
	"github.com/dubplane/dubplane/pkg/store"
)

type fakeJobStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

func newFakeJobStore(jobs ...*models.Job) *fakeJobStore {
	s := &fakeJobStore{jobs: make(map[string]*models.Job)}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
	return s
}

func (s *fakeJobStore) GetJob(id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *fakeJobStore) UpdateJob(id string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	for k, v := range fields {
		switch k {
		case "state":
			j.State = v.(models.JobState)
		case "message":
			j.Message = v.(string)
		case "error":
			j.Error = v.(string)
		case "progress":
			j.Progress = v.(float64)
		case "runtime":
			j.RuntimeJSON = v.(string)
		case "output_mkv":
			j.OutputMKV = v.(string)
		case "output_srt":
			j.OutputSRT = v.(string)
		}
	}
	return nil
}

func (s *fakeJobStore) RecoverInterrupted(message string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, j := range s.jobs {
		if !j.State.IsTerminal() {
			j.State = models.JobStateQueued
			j.Message = message
			n++
		}
	}
	return n, nil
}

func newTestRunner(t *testing.T, s JobStore, done func(string)) *Runner {
	t.Helper()
	gate := egress.NewGate(config.EgressConfig{OfflineMode: true})
	notifier := notify.New(config.NotifyConfig{Enabled: false}, gate,
		audit.New(t.TempDir(), t.TempDir()))
	return NewRunner(s, &Supervisor{cfg: config.LoadWatchdogConfig()},
		config.QueueConfig{}, metrics.New(), notifier, nil, done)
}

func TestRecoverRequeuesInterruptedJobs(t *testing.T) {
	s := newFakeJobStore(
		&models.Job{ID: "running", State: models.JobStateRunning},
		&models.Job{ID: "queued", State: models.JobStateQueued},
		&models.Job{ID: "done", State: models.JobStateDone},
	)
	r := newTestRunner(t, s, nil)

	n, err := r.Recover()
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	j, _ := s.GetJob("running")
	assert.Equal(t, models.JobStateQueued, j.State)
	assert.Equal(t, RecoveredMessage, j.Message)

	j, _ = s.GetJob("done")
	assert.Equal(t, models.JobStateDone, j.State)
	assert.Empty(t, j.Message)
}

func TestRunCompletedCheckpointReachesDone(t *testing.T) {
	// A checkpoint with every stage verifiably done means Run finishes the
	// job without spawning a single child.
	dir := t.TempDir()
	job := &models.Job{
		ID:        "j1",
		State:     models.JobStateQueued,
		VideoPath: "/input/video.mkv",
		WorkDir:   dir,
	}
	cp := LoadCheckpoint(dir, job.ID)
	for _, stage := range DefaultStages {
		art := writeArtifact(t, dir, stage+".out", "content of "+stage)
		require.NoError(t, cp.MarkStageDone(stage, map[string]Artifact{stage: art}, nil))
	}

	s := newFakeJobStore(job)
	var doneWith string
	r := newTestRunner(t, s, func(id string) { doneWith = id })

	r.Run(context.Background(), "j1")

	got, _ := s.GetJob("j1")
	assert.Equal(t, models.JobStateDone, got.State)
	assert.Equal(t, 1.0, got.Progress)
	assert.Equal(t, "j1", doneWith, "admission slot released")
}

func TestRunSkipsTerminalJob(t *testing.T) {
	s := newFakeJobStore(&models.Job{ID: "j1", State: models.JobStateCanceled})
	var released bool
	r := newTestRunner(t, s, func(string) { released = true })

	r.Run(context.Background(), "j1")

	got, _ := s.GetJob("j1")
	assert.Equal(t, models.JobStateCanceled, got.State)
	assert.True(t, released)
}

func TestSeedInputsFromImportAndCheckpoint(t *testing.T) {
	dir := t.TempDir()
	job := &models.Job{ID: "j1", VideoPath: "/input/v.mkv", WorkDir: dir}
	job.SetRuntime(models.JobRuntime{ImportedSRTPath: "/input/sub.srt"})

	cp := LoadCheckpoint(dir, "j1")
	art := writeArtifact(t, dir, "audio.wav", "pcm")
	require.NoError(t, cp.MarkStageDone(StageExtracting, map[string]Artifact{"audio": art}, nil))

	r := newTestRunner(t, newFakeJobStore(job), nil)
	inputs := r.seedInputs(job, cp)
	assert.Equal(t, "/input/v.mkv", inputs["video"])
	assert.Equal(t, "/input/sub.srt", inputs["srt_translated"])
	assert.Equal(t, art.Path, inputs["audio"])
}
