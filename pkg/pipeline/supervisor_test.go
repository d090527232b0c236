//go:build unix

package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dubplane/dubplane/pkg/config"
)

func testWatchdogConfig() config.WatchdogConfig {
	return config.WatchdogConfig{
		AudioTimeout:     200 * time.Millisecond,
		DiarizeTimeout:   200 * time.Millisecond,
		WhisperTimeout:   200 * time.Millisecond,
		TranslateTimeout: 200 * time.Millisecond,
		TTSTimeout:       200 * time.Millisecond,
		MixTimeout:       200 * time.Millisecond,
		MuxTimeout:       200 * time.Millisecond,
		ExportTimeout:    200 * time.Millisecond,
		PollInterval:     10 * time.Millisecond,
		TermGrace:        100 * time.Millisecond,
	}
}

// fakeChild writes a shell script standing in for the stage-worker binary.
func fakeChild(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-child")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return path
}

func TestRunStageTimeoutClassification(t *testing.T) {
	sup := &Supervisor{
		cfg:        testWatchdogConfig(),
		executable: fakeChild(t, "sleep 30"),
	}

	started := time.Now()
	_, err := sup.RunStage(context.Background(),
		StageRequest{JobID: "j1", Stage: StageASR}, nil, nil)
	assert.ErrorIs(t, err, ErrPhaseTimeout)
	assert.Less(t, time.Since(started), 5*time.Second)
}

func TestRunStageCancelClassification(t *testing.T) {
	sup := &Supervisor{
		cfg:        testWatchdogConfig(),
		executable: fakeChild(t, "sleep 30"),
	}

	canceled := func() bool { return true }
	_, err := sup.RunStage(context.Background(),
		StageRequest{JobID: "j1", Stage: StageASR}, canceled, nil)
	assert.ErrorIs(t, err, ErrCanceled)
}

func TestRunStageChildCrash(t *testing.T) {
	sup := &Supervisor{
		cfg:        testWatchdogConfig(),
		executable: fakeChild(t, "exit 7"),
	}

	_, err := sup.RunStage(context.Background(),
		StageRequest{JobID: "j1", Stage: StageASR}, nil, nil)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPhaseTimeout)
	assert.NotErrorIs(t, err, ErrCanceled)
}
