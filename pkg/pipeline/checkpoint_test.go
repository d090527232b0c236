package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeArtifact(t *testing.T, dir, name, content string) Artifact {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	art, err := ArtifactFor(path)
	require.NoError(t, err)
	return art
}

func TestCheckpointRoundTrip(t *testing.T) {
	dir := t.TempDir()
	cp := LoadCheckpoint(dir, "job-1")
	assert.Equal(t, CheckpointVersion, cp.Version)
	assert.False(t, cp.StageDone(StageExtracting))

	art := writeArtifact(t, dir, "audio.wav", "pcm bytes")
	require.NoError(t, cp.MarkStageDone(StageExtracting,
		map[string]Artifact{"audio": art}, map[string]string{"sr": "16000"}))

	reloaded := LoadCheckpoint(dir, "job-1")
	assert.True(t, reloaded.StageDone(StageExtracting))
	assert.Equal(t, StageExtracting, reloaded.LastStage)
	assert.Equal(t, "16000", reloaded.Stages[StageExtracting].Meta["sr"])
	assert.False(t, reloaded.StageDone(StageASR))
}

func TestStageDoneRequiresMatchingHash(t *testing.T) {
	dir := t.TempDir()
	cp := LoadCheckpoint(dir, "job-1")
	art := writeArtifact(t, dir, "audio.wav", "original")
	require.NoError(t, cp.MarkStageDone(StageExtracting, map[string]Artifact{"audio": art}, nil))

	t.Run("modified artifact invalidates the stage", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "audio.wav"), []byte("tampered"), 0o644))
		assert.False(t, LoadCheckpoint(dir, "job-1").StageDone(StageExtracting))
	})

	t.Run("missing artifact invalidates the stage", func(t *testing.T) {
		require.NoError(t, os.Remove(filepath.Join(dir, "audio.wav")))
		assert.False(t, LoadCheckpoint(dir, "job-1").StageDone(StageExtracting))
	})
}

func TestCorruptCheckpointDiscarded(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, CheckpointFilename), []byte("{not json"), 0o644))
	cp := LoadCheckpoint(dir, "job-1")
	assert.Empty(t, cp.Stages)
	assert.Equal(t, CheckpointVersion, cp.Version)
}

func TestFirstPendingStage(t *testing.T) {
	dir := t.TempDir()
	cp := LoadCheckpoint(dir, "job-1")
	art := writeArtifact(t, dir, "audio.wav", "x")
	require.NoError(t, cp.MarkStageDone(StageExtracting, map[string]Artifact{"audio": art}, nil))

	stage, ok := cp.FirstPendingStage(DefaultStages)
	require.True(t, ok)
	assert.Equal(t, StageDiarize, stage)

	_, ok = cp.FirstPendingStage([]string{StageExtracting})
	assert.False(t, ok)
}
