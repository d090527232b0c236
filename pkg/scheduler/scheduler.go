// Package scheduler implements local job admission: a priority queue with
// FIFO tie-break, concurrency counters (global, per owner, per resource
// class) and a dispatch loop that hands admitted jobs to the runner.
package scheduler

import (
	"container/heap"
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/dubplane/dubplane/pkg/config"
	"github.com/dubplane/dubplane/pkg/models"
)

// MaxPriority is the priority ceiling; aging never pushes a job past it.
const MaxPriority = 1000

// QueuedJob is one admission candidate.
type QueuedJob struct {
	JobID     string            `json:"job_id"`
	OwnerID   string            `json:"owner_id"`
	Mode      models.JobMode    `json:"mode"`
	Device    models.Device     `json:"device"`
	Priority  int               `json:"priority"`
	CreatedAt time.Time         `json:"created_at"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// QueueEntry is one row of a queue snapshot, head first.
type QueueEntry struct {
	JobID             string  `json:"job_id"`
	OwnerID           string  `json:"owner_id"`
	Priority          int     `json:"priority"`
	EffectivePriority float64 `json:"effective_priority"`
	WaitingSeconds    float64 `json:"waiting_seconds"`
	Position          int     `json:"position"`
}

// State is the scheduler's counter view.
type State struct {
	Queued        int                          `json:"queued"`
	RunningGlobal int                          `json:"running_global"`
	RunningByUser map[string]int               `json:"running_by_user"`
	RunningByRes  map[models.ResourceClass]int `json:"running_by_resource"`
}

// DispatchFunc receives an admitted job. It must return quickly; the actual
// run happens on the runner's own goroutines.
type DispatchFunc func(job QueuedJob)

// Scheduler owns the local admission queue and its dispatch loop.
type Scheduler struct {
	cfg      config.QueueConfig
	dispatch DispatchFunc
	// admitGate, when set, is consulted per candidate at admission time.
	// A refusal leaves the job queued for a later pass.
	admitGate func(QueuedJob) error

	mu   sync.Mutex
	cond *sync.Cond
	pq   jobHeap
	// byID indexes live heap items for reprioritize/drop.
	byID map[string]*heapItem
	seq  uint64

	runningGlobal int
	runningUser   map[string]int
	runningRes    map[models.ResourceClass]int
	// running remembers the owner and resource class charged at admission
	// so OnJobDone releases exactly what was taken.
	running map[string]admission

	stopped bool
	wg      sync.WaitGroup
}

type admission struct {
	ownerID string
	res     models.ResourceClass
}

// New creates a scheduler. Start must be called before submissions dispatch.
func New(cfg config.QueueConfig, dispatch DispatchFunc) *Scheduler {
	s := &Scheduler{
		cfg:         cfg,
		dispatch:    dispatch,
		byID:        make(map[string]*heapItem),
		runningUser: make(map[string]int),
		runningRes:  make(map[models.ResourceClass]int),
		running:     make(map[string]admission),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SetAdmitGate installs an admission-time check run for every candidate
// before dispatch: storage quotas and the disk floor are re-checked here so
// conditions that changed since submission still block the start. Must be
// called before Start.
func (s *Scheduler) SetAdmitGate(gate func(QueuedJob) error) {
	s.admitGate = gate
}

// Start launches the dispatch loop. The loop exits when ctx is canceled or
// Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop(ctx)
	}()

	// Aging changes head order over time, and a gate refusal can lift
	// without any submit/done event, so the loop needs periodic wakes.
	if s.cfg.AgingBonusPerMinute > 0 || s.admitGate != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.wake()
				}
			}
		}()
	}
	slog.Info("Scheduler started",
		"max_global", s.cfg.MaxConcurrencyGlobal,
		"max_per_user", s.cfg.MaxConcurrencyPerUser,
		"aging_bonus_per_minute", s.cfg.AgingBonusPerMinute)
}

// Stop wakes and terminates the dispatch loop and waits for it. Queued jobs
// stay queued; running jobs are not touched.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	s.cond.Broadcast()
	s.wg.Wait()
	slog.Info("Scheduler stopped")
}

// Submit enqueues a job for admission. Duplicate job IDs are rejected so a
// double submit cannot run a job twice.
func (s *Scheduler) Submit(job QueuedJob) bool {
	if job.Priority < 0 {
		job.Priority = 0
	}
	if job.Priority > MaxPriority {
		job.Priority = MaxPriority
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.byID[job.JobID]; dup {
		return false
	}
	if _, active := s.running[job.JobID]; active {
		return false
	}
	s.seq++
	item := &heapItem{job: job, seq: s.seq}
	heap.Push(&s.pq, item)
	s.byID[job.JobID] = item
	s.cond.Signal()
	return true
}

// Reprioritize updates a queued job's priority. Returns false when the job
// is not in the queue (running or unknown).
func (s *Scheduler) Reprioritize(jobID string, priority int) bool {
	if priority < 0 {
		priority = 0
	}
	if priority > MaxPriority {
		priority = MaxPriority
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.byID[jobID]
	if !ok {
		return false
	}
	item.job.Priority = priority
	heap.Fix(&s.pq, item.index)
	s.cond.Signal()
	return true
}

// Drop removes a job from the queue, returning how many entries were
// removed (0 or 1).
func (s *Scheduler) Drop(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.byID[jobID]
	if !ok {
		return 0
	}
	heap.Remove(&s.pq, item.index)
	delete(s.byID, jobID)
	return 1
}

// OnJobDone releases the counters charged at admission and wakes the loop.
// Unknown job IDs are ignored so duplicate completion signals are harmless.
func (s *Scheduler) OnJobDone(jobID string) {
	s.mu.Lock()
	adm, ok := s.running[jobID]
	if ok {
		delete(s.running, jobID)
		s.runningGlobal--
		if s.runningUser[adm.ownerID]--; s.runningUser[adm.ownerID] <= 0 {
			delete(s.runningUser, adm.ownerID)
		}
		if s.runningRes[adm.res]--; s.runningRes[adm.res] <= 0 {
			delete(s.runningRes, adm.res)
		}
	}
	s.mu.Unlock()
	if ok {
		s.cond.Signal()
	}
}

// Snapshot returns up to limit queue entries in head order with effective
// priorities at call time. Jobs and sequence numbers are copied out under
// the lock; Reprioritize may mutate heap items at any time.
func (s *Scheduler) Snapshot(limit int) []QueueEntry {
	type row struct {
		job QueuedJob
		seq uint64
	}

	s.mu.Lock()
	bonus := s.cfg.AgingBonusPerMinute
	rows := make([]row, len(s.pq))
	for i, item := range s.pq {
		rows[i] = row{job: item.job, seq: item.seq}
	}
	s.mu.Unlock()

	now := time.Now()
	sort.Slice(rows, func(i, j int) bool {
		ei := effectivePriority(rows[i].job, bonus, now)
		ej := effectivePriority(rows[j].job, bonus, now)
		if ei != ej {
			return ei > ej
		}
		return rows[i].seq < rows[j].seq
	})

	if limit <= 0 || limit > len(rows) {
		limit = len(rows)
	}
	out := make([]QueueEntry, 0, limit)
	for i := 0; i < limit; i++ {
		job := rows[i].job
		out = append(out, QueueEntry{
			JobID:             job.JobID,
			OwnerID:           job.OwnerID,
			Priority:          job.Priority,
			EffectivePriority: effectivePriority(job, bonus, now),
			WaitingSeconds:    now.Sub(job.CreatedAt).Seconds(),
			Position:          i,
		})
	}
	return out
}

// State returns current counters.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	byUser := make(map[string]int, len(s.runningUser))
	for k, v := range s.runningUser {
		byUser[k] = v
	}
	byRes := make(map[models.ResourceClass]int, len(s.runningRes))
	for k, v := range s.runningRes {
		byRes[k] = v
	}
	return State{
		Queued:        len(s.pq),
		RunningGlobal: s.runningGlobal,
		RunningByUser: byUser,
		RunningByRes:  byRes,
	}
}

func (s *Scheduler) wake() {
	s.cond.Signal()
}

// loop is the dispatch loop: wait for work, admit the best eligible job,
// repeat. Counter checks and queue removal happen under one lock hold so
// admission is atomic.
func (s *Scheduler) loop(ctx context.Context) {
	// ctx cancellation must break the cond wait.
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.cond.Broadcast()
	}()

	for {
		s.mu.Lock()
		var job QueuedJob
		admitted := false
		for {
			if s.stopped {
				s.mu.Unlock()
				return
			}
			job, admitted = s.tryAdmitLocked()
			if admitted {
				break
			}
			s.cond.Wait()
		}
		s.mu.Unlock()

		slog.Info("Job admitted", "job_id", job.JobID, "owner_id", job.OwnerID,
			"priority", job.Priority, "resource", models.ResourceClassFor(job.Mode, job.Device))
		s.dispatch(job)
	}
}

// tryAdmitLocked scans the queue in effective-priority order and admits the
// first job whose counters all have headroom. Blocked heads do not starve
// eligible jobs behind them.
func (s *Scheduler) tryAdmitLocked() (QueuedJob, bool) {
	if len(s.pq) == 0 || s.runningGlobal >= s.cfg.MaxConcurrencyGlobal {
		return QueuedJob{}, false
	}

	items := make([]*heapItem, len(s.pq))
	copy(items, s.pq)
	sortByEffective(items, s.cfg.AgingBonusPerMinute, time.Now())

	for _, item := range items {
		job := item.job
		if s.runningUser[job.OwnerID] >= s.cfg.MaxConcurrencyPerUser {
			continue
		}
		res := models.ResourceClassFor(job.Mode, job.Device)
		if s.runningRes[res] >= s.resourceLimit(res) {
			continue
		}
		if s.admitGate != nil {
			if err := s.admitGate(job); err != nil {
				slog.Debug("Admission gate refused job", "job_id", job.JobID, "error", err)
				continue
			}
		}

		heap.Remove(&s.pq, item.index)
		delete(s.byID, job.JobID)
		s.runningGlobal++
		s.runningUser[job.OwnerID]++
		s.runningRes[res]++
		s.running[job.JobID] = admission{ownerID: job.OwnerID, res: res}
		return job, true
	}
	return QueuedJob{}, false
}

func (s *Scheduler) resourceLimit(res models.ResourceClass) int {
	switch res {
	case models.ResourceGPU:
		return s.cfg.MaxConcurrencyGPU
	case models.ResourceTTS:
		return s.cfg.MaxConcurrencyTTS
	default:
		return s.cfg.MaxConcurrencyTranscribe
	}
}

// effectivePriority is the base priority plus the linear aging bonus,
// monotonic in wait time and capped at the ceiling.
func effectivePriority(job QueuedJob, bonusPerMinute float64, now time.Time) float64 {
	eff := float64(job.Priority)
	if bonusPerMinute > 0 {
		waited := now.Sub(job.CreatedAt).Minutes()
		if waited > 0 {
			eff += waited * bonusPerMinute
		}
	}
	return math.Min(eff, MaxPriority)
}
