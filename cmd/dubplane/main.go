// dubplane orchestrator server — serves the HTTP API, admits dubbing jobs
// through the scheduler, and supervises the per-stage worker subprocesses.
// Invoked with the "stage-worker" argument it runs a single pipeline stage
// over stdin/stdout instead.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/dubplane/dubplane/pkg/api"
	"github.com/dubplane/dubplane/pkg/audit"
	"github.com/dubplane/dubplane/pkg/auth"
	"github.com/dubplane/dubplane/pkg/config"
	"github.com/dubplane/dubplane/pkg/distqueue"
	"github.com/dubplane/dubplane/pkg/egress"
	"github.com/dubplane/dubplane/pkg/logging"
	"github.com/dubplane/dubplane/pkg/metrics"
	"github.com/dubplane/dubplane/pkg/models"
	"github.com/dubplane/dubplane/pkg/notify"
	"github.com/dubplane/dubplane/pkg/pipeline"
	"github.com/dubplane/dubplane/pkg/retention"
	"github.com/dubplane/dubplane/pkg/scheduler"
	"github.com/dubplane/dubplane/pkg/services"
	"github.com/dubplane/dubplane/pkg/store"
	"github.com/dubplane/dubplane/pkg/upload"
	"github.com/dubplane/dubplane/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolveInstanceID determines the instance identifier for multi-replica
// queue coordination. Priority: INSTANCE_ID env > HOSTNAME env > "local".
func resolveInstanceID() string {
	if id := os.Getenv("INSTANCE_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	// The stage worker must not touch config or logging: it inherits its
	// settings through the request frame and environment.
	if len(os.Args) > 1 && os.Args[1] == "stage-worker" {
		os.Exit(pipeline.RunStageWorker(os.Stdin, os.Stdout))
	}

	envFile := flag.String("env-file", getEnv("ENV_FILE", ".env"), "Path to .env file")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", *envFile, "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	if _, err := logging.Setup(logging.Options{
		LogDir: cfg.Paths.LogDir,
		JSON:   true,
	}); err != nil {
		slog.Error("Failed to set up logging", "error", err)
		os.Exit(1)
	}

	httpPort := getEnv("HTTP_PORT", "8080")
	instanceID := resolveInstanceID()
	slog.Info("Starting dubplane",
		"version", version.Full(),
		"http_port", httpPort,
		"instance_id", instanceID,
		"queue_mode", string(cfg.Queue.Mode))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Stores. auth.db and jobs.db live side by side under the state dir;
	// each carries its own lock file.
	authStore, err := store.OpenAuthStore(filepath.Join(cfg.Paths.StateDir, "auth.db"))
	if err != nil {
		slog.Error("Failed to open auth store", "error", err)
		os.Exit(1)
	}
	defer authStore.Close()
	jobStore, err := store.OpenJobStore(filepath.Join(cfg.Paths.StateDir, "jobs.db"))
	if err != nil {
		slog.Error("Failed to open job store", "error", err)
		os.Exit(1)
	}
	defer jobStore.Close()
	slog.Info("Stores opened", "state_dir", cfg.Paths.StateDir)

	// Identity plumbing.
	issuer := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL, cfg.Auth.RefreshTokenTTL)
	rotator := auth.NewRotator(authStore, issuer)
	limiter := auth.NewRateLimiter(cfg.Upload.ChunkRatePerSecond)
	accounts := services.NewAccountService(cfg.Auth, authStore, issuer, rotator)
	if err := accounts.BootstrapAdmin(); err != nil {
		slog.Error("Failed to bootstrap admin account", "error", err)
		os.Exit(1)
	}

	// Observability and side channels.
	m := metrics.New()
	auditLog := audit.New(cfg.Paths.LogDir, cfg.Paths.OutputDir)
	gate := egress.NewGate(cfg.Egress)
	notifier := notify.New(cfg.Notify, gate, auditLog)

	// Domain services.
	guard := retention.NewGuard(cfg.Quota, cfg.Retention, authStore, jobStore, cfg.Paths.OutputDir)
	uploadsDir := filepath.Join(cfg.Paths.InputDir, "uploads")
	uploads := upload.NewService(cfg.Upload, jobStore, uploadsDir)
	library := services.NewLibraryService(jobStore, cfg.Paths)

	// Pipeline runner and queue. The scheduler's dispatch callback hands
	// admitted jobs to the runner; in redis mode the distributed adapter
	// fronts the scheduler and a claim loop feeds it.
	supervisor, err := pipeline.NewSupervisor(cfg.Watchdog)
	if err != nil {
		slog.Error("Failed to create stage supervisor", "error", err)
		os.Exit(1)
	}

	var (
		runner *pipeline.Runner
		dq     *distqueue.Adapter
		jobs   *services.JobService
		sched  *scheduler.Scheduler
	)
	sched = scheduler.New(cfg.Queue, func(job scheduler.QueuedJob) {
		go func() {
			if dq != nil {
				ok, err := dq.BeforeJobRun(ctx, job.JobID, job.OwnerID)
				if err != nil {
					slog.Warn("Distributed pre-run check", "job_id", job.JobID, "error", err)
				}
				if !ok {
					sched.OnJobDone(job.JobID)
					return
				}
			}
			runner.Run(ctx, job.JobID)
		}()
	})

	if cfg.Queue.Mode != config.QueueModeLocal && cfg.Redis.URL != "" {
		dq, err = distqueue.New(cfg.Redis, cfg.Queue.MaxConcurrencyPerUser, instanceID, sched)
		if err != nil {
			slog.Error("Failed to create distributed queue adapter", "error", err)
			os.Exit(1)
		}
	} else if cfg.Queue.Mode == config.QueueModeRedis {
		slog.Error("QUEUE_MODE=redis requires REDIS_URL")
		os.Exit(1)
	}

	var extraCancel pipeline.CancelFlag
	if dq != nil {
		extraCancel = func(ctx context.Context, jobID string) bool {
			return dq.IsCanceled(ctx, jobID)
		}
	}

	onDone := func(jobID string) {
		sched.OnJobDone(jobID)
		job, err := jobStore.GetJob(jobID)
		if err != nil {
			slog.Warn("Loading finished job", "job_id", jobID, "error", err)
			return
		}
		if dq != nil {
			ok := job.State == models.JobStateDone
			if err := dq.AfterJobRun(ctx, jobID, job.OwnerID, job.State, ok, nil); err != nil {
				slog.Warn("Distributed post-run cleanup", "job_id", jobID, "error", err)
			}
		}
		if job.State == models.JobStateDone {
			if err := library.PublishEpisode(job, jobs.FileURLs(job)); err != nil {
				slog.Warn("Publishing episode to library", "job_id", jobID, "error", err)
			}
		}
	}
	runner = pipeline.NewRunner(jobStore, supervisor, cfg.Queue, m, notifier, extraCancel, onDone)

	var queue services.Queue = localQueue{sched: sched}
	if dq != nil {
		queue = distributedQueue{dq: dq, sched: sched}
	}
	jobs = services.NewJobService(jobStore, guard, queue, m, cfg.Paths)

	// Recover interrupted jobs before the scheduler starts admitting, then
	// resubmit everything QUEUED.
	if _, err := runner.Recover(); err != nil {
		slog.Error("Failed to recover interrupted jobs", "error", err)
		os.Exit(1)
	}
	queued, _, err := jobStore.ListJobs(models.JobListParams{State: models.JobStateQueued, Limit: 10000})
	if err == nil {
		for _, j := range queued {
			sched.Submit(scheduler.QueuedJob{
				JobID:     j.ID,
				OwnerID:   j.OwnerID,
				Mode:      j.Mode,
				Device:    j.Device,
				CreatedAt: j.CreatedAt,
			})
		}
	}
	sched.SetAdmitGate(func(job scheduler.QueuedJob) error {
		return guard.CheckJobStart(job.OwnerID)
	})
	sched.Start(ctx)
	defer sched.Stop()
	if dq != nil {
		dq.Start(ctx)
		defer dq.Stop()
		go claimLoop(ctx, dq, sched)
	}

	sweeper := retention.NewSweeper(cfg.Retention, jobStore, cfg.Paths.OutputDir, uploadsDir, cfg.Paths.LogDir)
	if err := sweeper.Start(); err != nil {
		slog.Error("Failed to start retention sweeper", "error", err)
		os.Exit(1)
	}
	defer sweeper.Stop()

	server := api.NewServer(cfg, accounts, jobs, library, uploads, guard,
		issuer, limiter, auditLog, m, sched, dq)

	slog.Info("dubplane started", "instance_id", instanceID)
	if err := server.Serve(ctx, ":"+httpPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("HTTP server error", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}

// claimLoop pulls claims off the distributed queue and feeds them to the
// local scheduler for admission. Claim ordering preserves priority-then-
// FIFO; the scheduler then applies the local concurrency limits.
func claimLoop(ctx context.Context, dq *distqueue.Adapter, sched *scheduler.Scheduler) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for {
			job, err := dq.Claim(ctx)
			if err != nil {
				slog.Warn("Claiming from distributed queue", "error", err)
				break
			}
			if job == nil {
				break
			}
			sched.Submit(*job)
		}
	}
}

// localQueue adapts the in-process scheduler to the job service.
type localQueue struct {
	sched *scheduler.Scheduler
}

func (q localQueue) Submit(_ context.Context, job scheduler.QueuedJob) error {
	q.sched.Submit(job)
	return nil
}

func (q localQueue) Drop(jobID string) int { return q.sched.Drop(jobID) }

func (q localQueue) Cancel(context.Context, string, string) error { return nil }

// distributedQueue routes submissions and cancels through redis while
// dropping locally queued entries directly.
type distributedQueue struct {
	dq    *distqueue.Adapter
	sched *scheduler.Scheduler
}

func (q distributedQueue) Submit(ctx context.Context, job scheduler.QueuedJob) error {
	return q.dq.SubmitJob(ctx, job)
}

func (q distributedQueue) Drop(jobID string) int { return q.sched.Drop(jobID) }

func (q distributedQueue) Cancel(ctx context.Context, jobID, userID string) error {
	return q.dq.CancelJob(ctx, jobID, userID)
}
