// Package distqueue is the optional Redis-backed admission backend. It
// provides cluster-wide priority queueing, heartbeated per-job claim locks,
// per-user active-job caps and cancel fan-out, and degrades to the local
// scheduler when Redis is unreachable.
package distqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dubplane/dubplane/pkg/config"
	"github.com/dubplane/dubplane/pkg/models"
	"github.com/dubplane/dubplane/pkg/scheduler"
)

// Mode is the adapter's current backend.
type Mode string

// Adapter modes as exposed by Status.
const (
	ModeRedis    Mode = "redis"
	ModeFallback Mode = "fallback"
)

// ErrNotClaimant is returned when releasing or refreshing a lock another
// instance holds.
var ErrNotClaimant = errors.New("lock held by another instance")

// Status is the adapter's health view.
type Status struct {
	Mode        Mode   `json:"mode"`
	InstanceID  string `json:"instance_id"`
	QueueLength int64  `json:"queue_length"`
	LastProbeOK bool   `json:"last_probe_ok"`
}

// payload is the job envelope stored alongside the queue entry.
type payload struct {
	JobID    string            `json:"job_id"`
	UserID   string            `json:"user_id"`
	Mode     models.JobMode    `json:"mode"`
	Device   models.Device     `json:"device"`
	Priority int               `json:"priority"`
	Meta     map[string]string `json:"meta,omitempty"`
	Seq      int64             `json:"seq"`
	Enqueued time.Time         `json:"enqueued"`
}

// Adapter fronts the local scheduler with a Redis priority queue. All
// methods are safe for concurrent use.
type Adapter struct {
	cfg        config.RedisConfig
	maxPerUser int
	client     *redis.Client
	local      *scheduler.Scheduler
	instanceID string

	healthy atomic.Bool

	// heartbeats tracks the refresh goroutine per claimed job; slots
	// remembers which jobs took a redis active slot in BeforeJobRun so
	// AfterJobRun releases only what was charged.
	mu         sync.Mutex
	heartbeats map[string]context.CancelFunc
	slots      map[string]bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// refreshIfHeld refreshes a lock's TTL only when this instance still holds
// it, in one atomic step.
var refreshIfHeld = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseIfHeld deletes a lock only when this instance holds it.
var releaseIfHeld = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// New builds the adapter. The local scheduler is the fallback sink; the
// per-user cap mirrors the local MAX_CONCURRENCY_PER_USER cluster-wide.
func New(cfg config.RedisConfig, maxPerUser int, instanceID string, local *scheduler.Scheduler) (*Adapter, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	a := &Adapter{
		cfg:        cfg,
		maxPerUser: maxPerUser,
		client:     redis.NewClient(opts),
		local:      local,
		instanceID: instanceID,
		heartbeats: make(map[string]context.CancelFunc),
		slots:      make(map[string]bool),
		stopCh:     make(chan struct{}),
	}
	return a, nil
}

// Start probes Redis once, then keeps probing in the background to flip the
// mode between redis and fallback.
func (a *Adapter) Start(ctx context.Context) {
	a.probe(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.cfg.HealthProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-a.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.probe(ctx)
			}
		}
	}()
}

// Stop ends the probe loop and every heartbeat, then closes the client.
func (a *Adapter) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.mu.Lock()
	for id, cancel := range a.heartbeats {
		cancel()
		delete(a.heartbeats, id)
	}
	a.mu.Unlock()
	a.wg.Wait()
	if err := a.client.Close(); err != nil {
		slog.Warn("Closing redis client", "error", err)
	}
}

func (a *Adapter) probe(ctx context.Context) {
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	err := a.client.Ping(pctx).Err()
	was := a.healthy.Swap(err == nil)
	if err != nil && was {
		slog.Warn("Redis unreachable, admission falls back to local scheduler", "error", err)
	}
	if err == nil && !was {
		slog.Info("Redis reachable, admission uses the distributed queue")
	}
}

// Mode reports the adapter's current backend.
func (a *Adapter) Mode() Mode {
	if a.healthy.Load() {
		return ModeRedis
	}
	return ModeFallback
}

// Status returns mode, instance and queue depth for the admin surface.
func (a *Adapter) Status(ctx context.Context) Status {
	st := Status{Mode: a.Mode(), InstanceID: a.instanceID, LastProbeOK: a.healthy.Load()}
	if st.Mode == ModeRedis {
		if n, err := a.client.ZCard(ctx, a.key("queue")).Result(); err == nil {
			st.QueueLength = n
		}
	}
	return st
}

func (a *Adapter) key(parts ...string) string {
	k := a.cfg.QueuePrefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

// queueScore packs priority and submission order into one ZSET score so a
// single ZPOPMAX yields priority-then-FIFO order. Higher priority wins;
// within a priority, a lower sequence number produces a higher score.
func queueScore(priority int, seq int64) float64 {
	return float64(priority)*float64(1<<32) - float64(seq)
}

// SubmitJob enqueues cluster-wide, or hands to the local scheduler when in
// fallback mode.
func (a *Adapter) SubmitJob(ctx context.Context, job scheduler.QueuedJob) error {
	if a.Mode() == ModeFallback {
		if !a.local.Submit(job) {
			return fmt.Errorf("job %s already queued or running", job.JobID)
		}
		return nil
	}

	seq, err := a.client.Incr(ctx, a.key("seq")).Result()
	if err != nil {
		return a.redisFail("enqueue", err)
	}
	p := payload{
		JobID:    job.JobID,
		UserID:   job.OwnerID,
		Mode:     job.Mode,
		Device:   job.Device,
		Priority: job.Priority,
		Meta:     job.Meta,
		Seq:      seq,
		Enqueued: time.Now().UTC(),
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}

	pipe := a.client.TxPipeline()
	pipe.Set(ctx, a.key("job", job.JobID), raw, 0)
	pipe.ZAdd(ctx, a.key("queue"), redis.Z{Score: queueScore(job.Priority, seq), Member: job.JobID})
	if _, err := pipe.Exec(ctx); err != nil {
		return a.redisFail("enqueue", err)
	}
	return nil
}

// Claim pops the highest-priority job and takes its TTL lock, starting the
// heartbeat refresher. Returns nil with no error when the queue is empty or
// every candidate is locked elsewhere.
func (a *Adapter) Claim(ctx context.Context) (*scheduler.QueuedJob, error) {
	if a.Mode() == ModeFallback {
		return nil, nil
	}
	for {
		zs, err := a.client.ZPopMax(ctx, a.key("queue"), 1).Result()
		if err != nil {
			return nil, a.redisFail("claim", err)
		}
		if len(zs) == 0 {
			return nil, nil
		}
		jobID := zs[0].Member.(string)

		ok, err := a.client.SetNX(ctx, a.key("lock", jobID), a.instanceID, a.cfg.LockTTL).Result()
		if err != nil {
			return nil, a.redisFail("claim", err)
		}
		if !ok {
			// Already locked by a live claimant; skip it and keep popping.
			slog.Warn("Popped job is locked elsewhere, skipping", "job_id", jobID)
			continue
		}

		raw, err := a.client.Get(ctx, a.key("job", jobID)).Bytes()
		if err != nil {
			a.unlock(ctx, jobID)
			if errors.Is(err, redis.Nil) {
				// Envelope gone (canceled and finalized elsewhere).
				continue
			}
			return nil, a.redisFail("claim", err)
		}
		var p payload
		if err := json.Unmarshal(raw, &p); err != nil {
			a.unlock(ctx, jobID)
			return nil, fmt.Errorf("decoding job envelope %s: %w", jobID, err)
		}

		a.startHeartbeat(jobID)
		return &scheduler.QueuedJob{
			JobID:     p.JobID,
			OwnerID:   p.UserID,
			Mode:      p.Mode,
			Device:    p.Device,
			Priority:  p.Priority,
			CreatedAt: p.Enqueued,
			Meta:      p.Meta,
		}, nil
	}
}

// BeforeJobRun is the final admission gate: it verifies this instance still
// holds the job lock and takes a per-user active slot. On a cap refusal the
// job is re-queued for a later attempt and false is returned. In fallback
// mode the local scheduler already admitted the job, so it runs without any
// redis bookkeeping.
func (a *Adapter) BeforeJobRun(ctx context.Context, jobID, userID string) (bool, error) {
	if a.Mode() == ModeFallback {
		return true, nil
	}
	holder, err := a.client.Get(ctx, a.key("lock", jobID)).Result()
	if errors.Is(err, redis.Nil) || (err == nil && holder != a.instanceID) {
		return false, nil
	}
	if err != nil {
		return false, a.redisFail("before_job_run", err)
	}

	active, err := a.client.Incr(ctx, a.key("active", userID)).Result()
	if err != nil {
		return false, a.redisFail("before_job_run", err)
	}
	if active > int64(a.maxPerUser) {
		// Cap hit cluster-wide: give the slot back, release the claim and
		// re-queue at original priority.
		a.client.Decr(ctx, a.key("active", userID))
		a.stopHeartbeat(jobID)
		a.unlock(ctx, jobID)
		if err := a.requeue(ctx, jobID); err != nil {
			slog.Error("Re-queueing capped job", "job_id", jobID, "error", err)
		}
		return false, nil
	}
	a.markSlot(jobID)
	return true, nil
}

func (a *Adapter) markSlot(jobID string) {
	a.mu.Lock()
	a.slots[jobID] = true
	a.mu.Unlock()
}

func (a *Adapter) clearSlot(jobID string) bool {
	a.mu.Lock()
	held := a.slots[jobID]
	delete(a.slots, jobID)
	a.mu.Unlock()
	return held
}

func (a *Adapter) requeue(ctx context.Context, jobID string) error {
	raw, err := a.client.Get(ctx, a.key("job", jobID)).Bytes()
	if err != nil {
		return err
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return err
	}
	return a.client.ZAdd(ctx, a.key("queue"),
		redis.Z{Score: queueScore(p.Priority, p.Seq), Member: jobID}).Err()
}

// AfterJobRun finalizes a run: stops the heartbeat, releases the lock,
// frees the user's active slot and removes the envelope and cancel flag.
// Jobs that never took a slot (fallback-admitted runs) have nothing in
// redis to release.
func (a *Adapter) AfterJobRun(ctx context.Context, jobID, userID string, finalState models.JobState, ok bool, runErr error) error {
	a.stopHeartbeat(jobID)
	if !a.clearSlot(jobID) {
		return nil
	}

	pipe := a.client.TxPipeline()
	pipe.Decr(ctx, a.key("active", userID))
	pipe.Del(ctx, a.key("job", jobID))
	pipe.Del(ctx, a.key("cancel", jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return a.redisFail("after_job_run", err)
	}
	if err := a.unlock(ctx, jobID); err != nil {
		return err
	}
	slog.Info("Finalized distributed job", "job_id", jobID,
		"final_state", finalState, "ok", ok, "error", runErr)
	return nil
}

// CancelJob sets the cross-instance cancel flag and drops the job from the
// queue if it has not been claimed yet.
func (a *Adapter) CancelJob(ctx context.Context, jobID, userID string) error {
	pipe := a.client.TxPipeline()
	pipe.Set(ctx, a.key("cancel", jobID), userID, 24*time.Hour)
	pipe.ZRem(ctx, a.key("queue"), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return a.redisFail("cancel", err)
	}
	return nil
}

// IsCanceled reports whether the cancel flag is set for a job. Runners poll
// this at the cancel-check interval.
func (a *Adapter) IsCanceled(ctx context.Context, jobID string) bool {
	if a.Mode() == ModeFallback {
		return false
	}
	n, err := a.client.Exists(ctx, a.key("cancel", jobID)).Result()
	if err != nil {
		a.redisFail("cancel_check", err)
		return false
	}
	return n > 0
}

// ActiveForUser returns the user's cluster-wide running count.
func (a *Adapter) ActiveForUser(ctx context.Context, userID string) (int64, error) {
	n, err := a.client.Get(ctx, a.key("active", userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (a *Adapter) startHeartbeat(jobID string) {
	hctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	if prev, ok := a.heartbeats[jobID]; ok {
		prev()
	}
	a.heartbeats[jobID] = cancel
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.cfg.LockRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-hctx.Done():
				return
			case <-ticker.C:
				n, err := refreshIfHeld.Run(hctx, a.client,
					[]string{a.key("lock", jobID)},
					a.instanceID, a.cfg.LockTTL.Milliseconds()).Int()
				if err != nil {
					slog.Warn("Lock heartbeat failed", "job_id", jobID, "error", err)
					continue
				}
				if n == 0 {
					slog.Error("Lost claim lock, stopping heartbeat", "job_id", jobID)
					a.stopHeartbeat(jobID)
					return
				}
			}
		}
	}()
}

func (a *Adapter) stopHeartbeat(jobID string) {
	a.mu.Lock()
	if cancel, ok := a.heartbeats[jobID]; ok {
		cancel()
		delete(a.heartbeats, jobID)
	}
	a.mu.Unlock()
}

func (a *Adapter) unlock(ctx context.Context, jobID string) error {
	n, err := releaseIfHeld.Run(ctx, a.client,
		[]string{a.key("lock", jobID)}, a.instanceID).Int()
	if err != nil {
		return a.redisFail("unlock", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: job %s", ErrNotClaimant, jobID)
	}
	return nil
}

// redisFail marks the adapter unhealthy so the next submissions fall back,
// and returns the wrapped error. The probe loop restores the mode when
// Redis comes back.
func (a *Adapter) redisFail(op string, err error) error {
	if a.healthy.Swap(false) {
		slog.Warn("Redis operation failed, switching to fallback", "op", op, "error", err)
	}
	return fmt.Errorf("redis %s: %w", op, err)
}
