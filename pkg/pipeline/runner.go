package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dubplane/dubplane/pkg/config"
	"github.com/dubplane/dubplane/pkg/logging"
	"github.com/dubplane/dubplane/pkg/metrics"
	"github.com/dubplane/dubplane/pkg/models"
	"github.com/dubplane/dubplane/pkg/notify"
)

// RecoveredMessage is set on every non-terminal job at startup.
const RecoveredMessage = "Recovered after restart"

// JobStore is the store subset the runner needs.
type JobStore interface {
	GetJob(id string) (*models.Job, error)
	UpdateJob(id string, fields map[string]any) error
	RecoverInterrupted(message string) (int64, error)
}

// CancelFlag reports whether an external cancel was requested for a job,
// beyond what the store row says (e.g. the distributed queue's flag).
type CancelFlag func(ctx context.Context, jobID string) bool

// Runner executes admitted jobs. One Run call per job; stages within a job
// are strictly sequential.
type Runner struct {
	store      JobStore
	supervisor *Supervisor
	cfg        config.QueueConfig
	metrics    *metrics.Metrics
	notifier   *notify.Notifier
	// extraCancel augments the store-based cancel check; may be nil.
	extraCancel CancelFlag
	// onDone releases the job's admission slot; may be nil in tests.
	onDone func(jobID string)
}

// NewRunner builds a runner.
func NewRunner(store JobStore, sup *Supervisor, cfg config.QueueConfig, m *metrics.Metrics, n *notify.Notifier, extraCancel CancelFlag, onDone func(jobID string)) *Runner {
	return &Runner{
		store:       store,
		supervisor:  sup,
		cfg:         cfg,
		metrics:     m,
		notifier:    n,
		extraCancel: extraCancel,
		onDone:      onDone,
	}
}

// Recover force-queues every interrupted job. Called once at startup,
// before the scheduler starts admitting.
func (r *Runner) Recover() (int64, error) {
	n, err := r.store.RecoverInterrupted(RecoveredMessage)
	if err != nil {
		return 0, fmt.Errorf("recovering interrupted jobs: %w", err)
	}
	if n > 0 {
		slog.Info("Recovered interrupted jobs", "count", n)
	}
	return n, nil
}

// Run executes one job to a terminal state. It always releases the
// admission slot, whatever the outcome.
func (r *Runner) Run(ctx context.Context, jobID string) {
	defer func() {
		if r.onDone != nil {
			r.onDone(jobID)
		}
	}()

	job, err := r.store.GetJob(jobID)
	if err != nil {
		slog.Error("Loading admitted job", "job_id", jobID, "error", err)
		return
	}
	if job.State.IsTerminal() {
		// Canceled between admission and pickup.
		return
	}

	r.metrics.PipelineJobs.Inc()
	if err := r.update(jobID, map[string]any{
		"state": models.JobStateRunning, "message": "Starting pipeline", "error": "",
	}); err != nil {
		slog.Error("Marking job running", "job_id", jobID, "error", err)
		return
	}

	logsDir := filepath.Join(job.WorkDir, "logs")
	jobLog, err := logging.NewJobLogger(logsDir, jobID)
	if err != nil {
		slog.Warn("Opening per-job log", "job_id", jobID, "error", err)
	}

	final, runErr := r.runStages(ctx, job, jobLog)
	r.finish(job, final, runErr)
}

// runStages walks the job's stage plan, skipping verifiably-done stages.
func (r *Runner) runStages(ctx context.Context, job *models.Job, jobLog *logging.JobLogger) (models.JobState, error) {
	plan := PlanStages(job)
	cp := LoadCheckpoint(job.WorkDir, job.ID)
	inputs := r.seedInputs(job, cp)
	params := map[string]string{
		"src_lang": job.SrcLang,
		"tgt_lang": job.TgtLang,
		"mode":     string(job.Mode),
		"device":   string(job.Device),
	}

	cancelCheck := func() bool { return r.isCanceled(ctx, job.ID) }
	var degraded []string

	for _, stage := range plan {
		if cp.StageDone(stage) {
			r.mergeArtifacts(inputs, cp.Stages[stage].Artifacts)
			jobLog.Event(stage, "stage already complete, skipping", nil)
			continue
		}
		if cancelCheck() {
			return models.JobStateCanceled, ErrCanceled
		}

		jobLog.Event(stage, "stage started", nil)
		if err := r.update(job.ID, map[string]any{
			"message": "Stage " + stage + " running",
		}); err != nil {
			slog.Warn("Updating job message", "job_id", job.ID, "error", err)
		}

		resp, err := r.runOneStage(ctx, job, stage, inputs, params, cancelCheck)
		if err != nil {
			if errors.Is(err, ErrCanceled) {
				jobLog.Event(stage, "stage canceled", nil)
				return models.JobStateCanceled, err
			}
			r.metrics.JobErrors.WithLabelValues(stage).Inc()
			jobLog.Event(stage, "stage failed", map[string]string{"error": err.Error()})
			return models.JobStateFailed, fmt.Errorf("stage %s: %w", stage, err)
		}

		arts := make(map[string]Artifact, len(resp.Artifacts))
		for key, path := range resp.Artifacts {
			art, err := ArtifactFor(path)
			if err != nil {
				r.metrics.JobErrors.WithLabelValues(stage).Inc()
				return models.JobStateFailed, fmt.Errorf("stage %s: %w", stage, err)
			}
			arts[key] = art
			inputs[key] = path
		}
		if err := cp.MarkStageDone(stage, arts, resp.Outputs); err != nil {
			return models.JobStateFailed, fmt.Errorf("saving checkpoint after %s: %w", stage, err)
		}
		degraded = append(degraded, resp.Degraded...)
		jobLog.Event(stage, "stage complete", resp.Outputs)

		fields := map[string]any{"progress": ProgressAfter(stage)}
		if p, ok := inputs["mkv"]; ok {
			fields["output_mkv"] = p
		}
		if p, ok := inputs["srt_translated"]; ok {
			fields["output_srt"] = p
		}
		if err := r.update(job.ID, fields); err != nil {
			slog.Warn("Updating job progress", "job_id", job.ID, "error", err)
		}
	}

	if len(degraded) > 0 {
		r.recordDegraded(job, degraded)
	}
	return models.JobStateDone, nil
}

func (r *Runner) runOneStage(ctx context.Context, job *models.Job, stage string, inputs, params map[string]string, cancelCheck CancelCheck) (*StageResponse, error) {
	stageLogDir := filepath.Join(job.WorkDir, "logs", "stages")
	if err := os.MkdirAll(stageLogDir, 0o755); err != nil {
		return nil, err
	}
	stageLog, err := os.OpenFile(filepath.Join(stageLogDir, stage+".log"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	defer stageLog.Close()

	started := time.Now()
	resp, err := r.supervisor.RunStage(ctx, StageRequest{
		JobID:   job.ID,
		Stage:   stage,
		WorkDir: job.WorkDir,
		Inputs:  copyMap(inputs),
		Params:  params,
	}, cancelCheck, stageLog)
	if obs := r.metrics.StageObserver(stage); obs != nil {
		obs.Observe(time.Since(started).Seconds())
	}
	if err != nil {
		return nil, err
	}
	if !resp.OK {
		if resp.Trace != "" {
			fmt.Fprintln(stageLog, resp.Trace)
		}
		return nil, errors.New(resp.Error)
	}
	return resp, nil
}

// seedInputs builds the initial artifact map: the source video plus any
// imported subtitles replacing the skipped transcription stages.
func (r *Runner) seedInputs(job *models.Job, cp *Checkpoint) map[string]string {
	inputs := map[string]string{"video": job.VideoPath}
	if srt := job.Runtime().ImportedSRTPath; srt != "" {
		inputs["srt"] = srt
		inputs["srt_translated"] = srt
	}
	for _, rec := range cp.Stages {
		if rec.Done {
			r.mergeArtifacts(inputs, rec.Artifacts)
		}
	}
	return inputs
}

func (r *Runner) mergeArtifacts(inputs map[string]string, arts map[string]Artifact) {
	for key, art := range arts {
		inputs[key] = art.Path
	}
}

// isCanceled consults the store row and the external cancel flag.
func (r *Runner) isCanceled(ctx context.Context, jobID string) bool {
	if r.extraCancel != nil && r.extraCancel(ctx, jobID) {
		return true
	}
	job, err := r.store.GetJob(jobID)
	if err != nil {
		return false
	}
	return job.State == models.JobStateCanceled
}

// recordDegraded folds the run's warnings into runtime.metadata.
func (r *Runner) recordDegraded(job *models.Job, reasons []string) {
	fresh, err := r.store.GetJob(job.ID)
	if err != nil {
		slog.Warn("Reloading job for degraded flags", "job_id", job.ID, "error", err)
		return
	}
	rt := fresh.Runtime()
	rt.Metadata.DegradedReasons = append(rt.Metadata.DegradedReasons, reasons...)
	fresh.SetRuntime(rt)
	if err := r.update(job.ID, map[string]any{"runtime": fresh.RuntimeJSON}); err != nil {
		slog.Warn("Persisting degraded flags", "job_id", job.ID, "error", err)
	}
	r.metrics.PipelineDegraded.Inc()
}

func (r *Runner) finish(job *models.Job, final models.JobState, runErr error) {
	fields := map[string]any{"state": final}
	switch final {
	case models.JobStateDone:
		fields["progress"] = 1.0
		fields["message"] = "Completed"
	case models.JobStateCanceled:
		fields["message"] = "Canceled"
	default:
		r.metrics.PipelineFailed.Inc()
		fields["message"] = "Failed"
		if runErr != nil {
			fields["error"] = runErr.Error()
		}
	}
	if err := r.update(job.ID, fields); err != nil {
		slog.Error("Persisting final job state", "job_id", job.ID, "state", final, "error", err)
	}
	r.metrics.JobsFinished.WithLabelValues(string(final)).Inc()

	title := job.SeriesTitle
	if title == "" {
		title = filepath.Base(job.VideoPath)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	switch final {
	case models.JobStateDone:
		fresh, err := r.store.GetJob(job.ID)
		var reasons []string
		if err == nil {
			reasons = fresh.Runtime().Metadata.DegradedReasons
		}
		r.notifier.JobDone(ctx, job.ID, title, reasons)
	case models.JobStateFailed:
		reason := "unknown error"
		if runErr != nil {
			reason = runErr.Error()
		}
		r.notifier.JobFailed(ctx, job.ID, title, reason)
	}

	slog.Info("Job finished", "job_id", job.ID, "state", final,
		"error", errString(runErr))
}

func (r *Runner) update(jobID string, fields map[string]any) error {
	return r.store.UpdateJob(jobID, fields)
}

func copyMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return strings.TrimSpace(err.Error())
}
