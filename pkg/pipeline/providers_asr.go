package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// whisperProvider shells out to the whisper CLI.
type whisperProvider struct{}

func (w *whisperProvider) Name() string    { return "whisper" }
func (w *whisperProvider) Available() bool { return binaryInstalled("whisper") }

func (w *whisperProvider) Transcribe(ctx context.Context, req TranscribeRequest) (*TranscribeResult, error) {
	args := []string{
		req.AudioPath,
		"--output_dir", req.OutDir,
		"--output_format", "srt",
		"--output_format", "json",
	}
	if req.Language != "" && req.Language != "auto" {
		args = append(args, "--language", req.Language)
	}
	cmd := exec.CommandContext(ctx, "whisper", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("whisper: %w: %s", err, truncate(string(out), 500))
	}

	stem := strings.TrimSuffix(filepath.Base(req.AudioPath), filepath.Ext(req.AudioPath))
	res := &TranscribeResult{
		SRTPath:  filepath.Join(req.OutDir, stem+".srt"),
		JSONPath: filepath.Join(req.OutDir, stem+".json"),
	}
	if _, err := os.Stat(res.SRTPath); err != nil {
		return nil, fmt.Errorf("whisper produced no SRT: %w", err)
	}
	return res, nil
}

// voskProvider shells out to a vosk-transcriber CLI when installed.
type voskProvider struct{}

func (v *voskProvider) Name() string    { return "vosk" }
func (v *voskProvider) Available() bool { return binaryInstalled("vosk-transcriber") }

func (v *voskProvider) Transcribe(ctx context.Context, req TranscribeRequest) (*TranscribeResult, error) {
	srtPath := filepath.Join(req.OutDir, "transcript.srt")
	args := []string{"-i", req.AudioPath, "-t", "srt", "-o", srtPath}
	if req.Language != "" && req.Language != "auto" {
		args = append(args, "-l", req.Language)
	}
	cmd := exec.CommandContext(ctx, "vosk-transcriber", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("vosk: %w: %s", err, truncate(string(out), 500))
	}
	if _, err := os.Stat(srtPath); err != nil {
		return nil, fmt.Errorf("vosk produced no SRT: %w", err)
	}
	return &TranscribeResult{
		SRTPath:  srtPath,
		Degraded: []string{"transcribed with vosk fallback, no word timestamps"},
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
