package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScrubMetaRedactsLongStrings(t *testing.T) {
	long := strings.Repeat("x", maxFreeTextLen+1)
	out := ScrubMeta(map[string]any{
		"note":  long,
		"short": "ok",
		"count": 3,
	})
	assert.Equal(t, "ok", out["short"])
	assert.Equal(t, 3, out["count"])
	redacted, ok := out["note"].(map[string]any)
	require.True(t, ok, "long string should be replaced with a marker")
	assert.Equal(t, true, redacted["redacted"])
	assert.Equal(t, maxFreeTextLen+1, redacted["len"])
}

func TestScrubMetaCountsPathKeys(t *testing.T) {
	out := ScrubMeta(map[string]any{
		"video_path": "/data/output/show/episode.mkv",
		"files":      []string{"/a", "/b", "/c"},
		"empty_path": "",
	})
	assert.Equal(t, "1 paths", out["video_path"])
	assert.Equal(t, "3 paths", out["files"])
	assert.Equal(t, "0 paths", out["empty_path"])
}

func TestScrubMetaEmptyReturnsNil(t *testing.T) {
	assert.Nil(t, ScrubMeta(nil))
	assert.Nil(t, ScrubMeta(map[string]any{}))
}

func TestLogWritesDailyFileAndMirror(t *testing.T) {
	logDir := t.TempDir()
	jobRoot := t.TempDir()
	l := New(logDir, jobRoot)

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	l.Log(Entry{
		TS: now, Event: EventLoginOK, Outcome: "ok", UserID: "u1",
	})

	daily := filepath.Join(logDir, "audit-20260314.log")
	_, err := os.Stat(daily)
	require.NoError(t, err, "daily audit file should exist")
	mirror := filepath.Join(logDir, "audit.jsonl")
	data, err := os.ReadFile(mirror)
	require.NoError(t, err)

	var got Entry
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, EventLoginOK, got.Event)
	assert.Equal(t, "u1", got.UserID)
}

func TestJobEventsMirrorPerJob(t *testing.T) {
	logDir := t.TempDir()
	jobRoot := t.TempDir()
	l := New(logDir, jobRoot)

	l.Log(Entry{
		TS: time.Now().UTC(), Event: EventJobCancel, Outcome: "ok",
		UserID: "u1", ResourceID: "job-42",
	})
	// Non-job events never land in the per-job mirror.
	l.Log(Entry{
		TS: time.Now().UTC(), Event: EventLoginOK, Outcome: "ok",
		UserID: "u1", ResourceID: "job-42",
	})

	perJob := filepath.Join(jobRoot, "jobs", "job-42", "logs", "audit.jsonl")
	f, err := os.Open(perJob)
	require.NoError(t, err)
	defer f.Close()

	var lines int
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines++
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		assert.Equal(t, EventJobCancel, e.Event)
	}
	assert.Equal(t, 1, lines)
}

func TestJobResolvingEventsMirrorPerJob(t *testing.T) {
	logDir := t.TempDir()
	jobRoot := t.TempDir()
	l := New(logDir, jobRoot)

	// Downloads and admin actions name their job explicitly; both belong
	// in the job's audit trail alongside the job.* events.
	l.Log(Entry{
		TS: time.Now().UTC(), Event: EventFileDownload, Outcome: "ok",
		UserID: "u1", ResourceID: "job-7", JobID: "job-7",
	})
	l.Log(Entry{
		TS: time.Now().UTC(), Event: EventAdminCancel, Outcome: "ok",
		UserID: "admin", ResourceID: "job-7", JobID: "job-7",
	})

	perJob := filepath.Join(jobRoot, "jobs", "job-7", "logs", "audit.jsonl")
	f, err := os.Open(perJob)
	require.NoError(t, err)
	defer f.Close()

	var events []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		events = append(events, e.Event)
	}
	assert.Equal(t, []string{EventFileDownload, EventAdminCancel}, events)
}
