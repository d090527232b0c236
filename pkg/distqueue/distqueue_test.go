package distqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dubplane/dubplane/pkg/config"
	"github.com/dubplane/dubplane/pkg/models"
	"github.com/dubplane/dubplane/pkg/scheduler"
)

func newTestAdapter(t *testing.T, maxPerUser int) (*Adapter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg := config.RedisConfig{
		URL:                 "redis://" + mr.Addr(),
		QueuePrefix:         "dubtest",
		LockTTL:             30 * time.Second,
		LockRefresh:         10 * time.Second,
		HealthProbeInterval: time.Hour,
	}
	local := scheduler.New(config.QueueConfig{
		MaxConcurrencyGlobal:     1,
		MaxConcurrencyPerUser:    1,
		MaxConcurrencyTranscribe: 1,
		MaxConcurrencyTTS:        1,
		MaxConcurrencyGPU:        1,
	}, func(scheduler.QueuedJob) {})

	a, err := New(cfg, maxPerUser, "instance-a", local)
	require.NoError(t, err)
	a.Start(context.Background())
	t.Cleanup(a.Stop)
	require.Equal(t, ModeRedis, a.Mode())
	return a, mr
}

func qjob(id, user string, priority int) scheduler.QueuedJob {
	return scheduler.QueuedJob{
		JobID:    id,
		OwnerID:  user,
		Mode:     models.JobModeMedium,
		Device:   models.DeviceCPU,
		Priority: priority,
	}
}

func TestClaimOrderPriorityThenFIFO(t *testing.T) {
	a, _ := newTestAdapter(t, 10)
	ctx := context.Background()

	require.NoError(t, a.SubmitJob(ctx, qjob("low-1", "u1", 10)))
	require.NoError(t, a.SubmitJob(ctx, qjob("high", "u2", 900)))
	require.NoError(t, a.SubmitJob(ctx, qjob("low-2", "u3", 10)))

	var order []string
	for i := 0; i < 3; i++ {
		j, err := a.Claim(ctx)
		require.NoError(t, err)
		require.NotNil(t, j)
		order = append(order, j.JobID)
	}
	assert.Equal(t, []string{"high", "low-1", "low-2"}, order)

	j, err := a.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, j, "empty queue claims nothing")
}

func TestClaimTakesLock(t *testing.T) {
	a, mr := newTestAdapter(t, 10)
	ctx := context.Background()

	require.NoError(t, a.SubmitJob(ctx, qjob("j1", "u1", 100)))
	j, err := a.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, j)

	holder, err := mr.Get("dubtest:lock:j1")
	require.NoError(t, err)
	assert.Equal(t, "instance-a", holder)
	assert.Greater(t, mr.TTL("dubtest:lock:j1"), time.Duration(0))
}

func TestBeforeJobRunEnforcesUserCap(t *testing.T) {
	a, mr := newTestAdapter(t, 1)
	ctx := context.Background()

	require.NoError(t, a.SubmitJob(ctx, qjob("j1", "alice", 100)))
	require.NoError(t, a.SubmitJob(ctx, qjob("j2", "alice", 100)))

	j1, err := a.Claim(ctx)
	require.NoError(t, err)
	ok, err := a.BeforeJobRun(ctx, j1.JobID, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	// Second job for the same user hits the cluster-wide cap and is
	// re-queued for a later attempt.
	j2, err := a.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, j2)
	ok, err = a.BeforeJobRun(ctx, j2.JobID, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := a.client.ZCard(ctx, "dubtest:queue").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "capped job returned to queue")
	assert.False(t, mr.Exists("dubtest:lock:j2"), "capped job's lock released")

	// Finishing j1 frees the slot; j2 admits on the retry.
	require.NoError(t, a.AfterJobRun(ctx, "j1", "alice", models.JobStateDone, true, nil))
	j2again, err := a.Claim(ctx)
	require.NoError(t, err)
	require.NotNil(t, j2again)
	assert.Equal(t, "j2", j2again.JobID)
	ok, err = a.BeforeJobRun(ctx, "j2", "alice")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestBeforeJobRunRefusesForeignLock(t *testing.T) {
	a, mr := newTestAdapter(t, 10)
	ctx := context.Background()

	mr.Set("dubtest:lock:stolen", "instance-b")
	ok, err := a.BeforeJobRun(ctx, "stolen", "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelFanOut(t *testing.T) {
	a, _ := newTestAdapter(t, 10)
	ctx := context.Background()

	require.NoError(t, a.SubmitJob(ctx, qjob("j1", "u1", 100)))
	assert.False(t, a.IsCanceled(ctx, "j1"))

	require.NoError(t, a.CancelJob(ctx, "j1", "u1"))
	assert.True(t, a.IsCanceled(ctx, "j1"))

	// Cancel also removes an unclaimed job from the queue.
	j, err := a.Claim(ctx)
	require.NoError(t, err)
	assert.Nil(t, j)
}

func TestAfterJobRunCleansUp(t *testing.T) {
	a, mr := newTestAdapter(t, 10)
	ctx := context.Background()

	require.NoError(t, a.SubmitJob(ctx, qjob("j1", "u1", 100)))
	j, err := a.Claim(ctx)
	require.NoError(t, err)
	ok, err := a.BeforeJobRun(ctx, j.JobID, "u1")
	require.NoError(t, err)
	require.True(t, ok)

	active, err := a.ActiveForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), active)

	require.NoError(t, a.AfterJobRun(ctx, "j1", "u1", models.JobStateDone, true, nil))

	active, err = a.ActiveForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), active)
	assert.False(t, mr.Exists("dubtest:lock:j1"))
	assert.False(t, mr.Exists("dubtest:job:j1"))
}

func TestFallbackOnUnreachableRedis(t *testing.T) {
	a, mr := newTestAdapter(t, 10)
	ctx := context.Background()

	mr.Close()
	// The first failed operation flips the adapter to fallback.
	_ = a.SubmitJob(ctx, qjob("j1", "u1", 100))
	assert.Equal(t, ModeFallback, a.Mode())

	// Fallback submissions go to the local scheduler and succeed.
	require.NoError(t, a.SubmitJob(ctx, qjob("j2", "u1", 100)))
	assert.Equal(t, ModeFallback, a.Status(ctx).Mode)
}

func TestFallbackBeforeJobRunAdmits(t *testing.T) {
	a, mr := newTestAdapter(t, 10)
	ctx := context.Background()

	mr.Close()
	_ = a.SubmitJob(ctx, qjob("j1", "u1", 100))
	require.Equal(t, ModeFallback, a.Mode())

	// The locally admitted job must run; the pre-run gate cannot touch
	// redis and fail it out of existence.
	ok, err := a.BeforeJobRun(ctx, "j1", "u1")
	require.NoError(t, err)
	assert.True(t, ok)

	// Finalizing a run that never took a redis slot releases nothing.
	require.NoError(t, a.AfterJobRun(ctx, "j1", "u1", models.JobStateDone, true, nil))
}

func TestAfterJobRunSkipsUnclaimedSlot(t *testing.T) {
	a, mr := newTestAdapter(t, 10)
	ctx := context.Background()

	// No BeforeJobRun happened for this job, so the active counter must
	// stay untouched rather than going negative.
	require.NoError(t, a.AfterJobRun(ctx, "ghost", "u1", models.JobStateFailed, false, nil))
	assert.False(t, mr.Exists("dubtest:active:u1"))

	active, err := a.ActiveForUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), active)
}
