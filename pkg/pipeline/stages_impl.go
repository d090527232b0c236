package pipeline

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// stageResult is what one stage implementation produced.
type stageResult struct {
	artifacts map[string]string
	outputs   map[string]string
	degraded  []string
}

type stageFunc func(ctx context.Context, req StageRequest) (*stageResult, error)

var stageFuncs = map[string]stageFunc{
	StageExtracting:  runExtracting,
	StageDiarize:     runDiarize,
	StageASR:         runASR,
	StageTranslation: runTranslation,
	StageTTS:         runTTS,
	StageMixing:      runMixing,
	StageMux:         runMux,
	StageExport:      runExport,
}

// runExtracting demuxes the source audio to 16 kHz mono PCM. There is no
// degraded form: without audio nothing downstream can run.
func runExtracting(ctx context.Context, req StageRequest) (*stageResult, error) {
	if !binaryInstalled("ffmpeg") {
		return nil, fmt.Errorf("ffmpeg not installed")
	}
	audioPath := filepath.Join(req.WorkDir, "audio.wav")
	cmd := exec.CommandContext(ctx, "ffmpeg", "-y", "-i", req.Inputs["video"],
		"-vn", "-acodec", "pcm_s16le", "-ar", "16000", "-ac", "1", audioPath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg audio extraction: %w: %s", err, truncate(string(out), 500))
	}
	return &stageResult{artifacts: map[string]string{"audio": audioPath}}, nil
}

// runDiarize produces speaker segments. With no diarization backend the
// whole recording is attributed to one speaker.
func runDiarize(ctx context.Context, req StageRequest) (*stageResult, error) {
	segPath := filepath.Join(req.WorkDir, "speakers.json")
	if binaryInstalled("diarize") {
		cmd := exec.CommandContext(ctx, "diarize", "-i", req.Inputs["audio"], "-o", segPath)
		if out, err := cmd.CombinedOutput(); err != nil {
			return nil, fmt.Errorf("diarize: %w: %s", err, truncate(string(out), 500))
		}
		return &stageResult{artifacts: map[string]string{"speakers": segPath}}, nil
	}

	single := []byte(`{"speakers":[{"id":"SPEAKER_00","start":0,"end":-1}]}` + "\n")
	if err := os.WriteFile(segPath, single, 0o644); err != nil {
		return nil, err
	}
	return &stageResult{
		artifacts: map[string]string{"speakers": segPath},
		degraded:  []string{"no diarization backend, assuming a single speaker"},
	}, nil
}

// runASR transcribes through the first available provider. With none
// installed the job continues with an empty transcript and a warning.
func runASR(ctx context.Context, req StageRequest) (*stageResult, error) {
	p, ok := FirstAvailableProvider()
	if !ok {
		srtPath := filepath.Join(req.WorkDir, "transcript.srt")
		if err := os.WriteFile(srtPath, nil, 0o644); err != nil {
			return nil, err
		}
		return &stageResult{
			artifacts: map[string]string{"srt": srtPath},
			degraded:  []string{"no ASR provider installed, transcript is empty"},
		}, nil
	}

	res, err := p.Transcribe(ctx, TranscribeRequest{
		AudioPath: req.Inputs["audio"],
		Language:  req.Params["src_lang"],
		OutDir:    req.WorkDir,
	})
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", p.Name(), err)
	}
	arts := map[string]string{"srt": res.SRTPath}
	if res.JSONPath != "" {
		arts["transcript_json"] = res.JSONPath
	}
	return &stageResult{
		artifacts: arts,
		outputs:   map[string]string{"provider": p.Name()},
		degraded:  res.Degraded,
	}, nil
}

// runTranslation rewrites the transcript into the target language. Without
// a translator the source-language SRT passes through unchanged.
func runTranslation(ctx context.Context, req StageRequest) (*stageResult, error) {
	outPath := filepath.Join(req.WorkDir, "transcript."+req.Params["tgt_lang"]+".srt")
	if binaryInstalled("argos-translate") {
		cmd := exec.CommandContext(ctx, "argos-translate",
			"--from", req.Params["src_lang"], "--to", req.Params["tgt_lang"],
			"-i", req.Inputs["srt"], "-o", outPath)
		if out, err := cmd.CombinedOutput(); err != nil {
			return nil, fmt.Errorf("argos-translate: %w: %s", err, truncate(string(out), 500))
		}
		return &stageResult{artifacts: map[string]string{"srt_translated": outPath}}, nil
	}

	if err := copyFile(req.Inputs["srt"], outPath); err != nil {
		return nil, err
	}
	return &stageResult{
		artifacts: map[string]string{"srt_translated": outPath},
		degraded:  []string{"no translator installed, subtitles kept in source language"},
	}, nil
}

// runTTS synthesizes dubbed speech. Without a TTS backend a silent track
// of the source duration is produced so mixing and muxing still work.
func runTTS(ctx context.Context, req StageRequest) (*stageResult, error) {
	ttsPath := filepath.Join(req.WorkDir, "tts.wav")
	if binaryInstalled("tts") {
		cmd := exec.CommandContext(ctx, "tts",
			"--text_file", req.Inputs["srt_translated"], "--out_path", ttsPath)
		if out, err := cmd.CombinedOutput(); err != nil {
			return nil, fmt.Errorf("tts: %w: %s", err, truncate(string(out), 500))
		}
		return &stageResult{artifacts: map[string]string{"tts": ttsPath}}, nil
	}

	if err := writeSilenceWAV(ttsPath, 16000, 1); err != nil {
		return nil, err
	}
	return &stageResult{
		artifacts: map[string]string{"tts": ttsPath},
		degraded:  []string{"no TTS backend installed, dub track is silent"},
	}, nil
}

// runMixing blends the synthesized speech over the background stem.
func runMixing(ctx context.Context, req StageRequest) (*stageResult, error) {
	mixedPath := filepath.Join(req.WorkDir, "mixed.wav")
	if binaryInstalled("ffmpeg") {
		cmd := exec.CommandContext(ctx, "ffmpeg", "-y",
			"-i", req.Inputs["audio"], "-i", req.Inputs["tts"],
			"-filter_complex", "[0:a]volume=0.25[bg];[bg][1:a]amix=inputs=2:duration=first",
			mixedPath)
		if out, err := cmd.CombinedOutput(); err != nil {
			return nil, fmt.Errorf("ffmpeg mix: %w: %s", err, truncate(string(out), 500))
		}
		return &stageResult{artifacts: map[string]string{"mixed": mixedPath}}, nil
	}

	if err := copyFile(req.Inputs["tts"], mixedPath); err != nil {
		return nil, err
	}
	return &stageResult{
		artifacts: map[string]string{"mixed": mixedPath},
		degraded:  []string{"ffmpeg missing, dub track not mixed with background"},
	}, nil
}

// runMux remuxes the dubbed track into the source container.
func runMux(ctx context.Context, req StageRequest) (*stageResult, error) {
	mkvPath := filepath.Join(req.WorkDir, "dub.mkv")
	if binaryInstalled("ffmpeg") {
		cmd := exec.CommandContext(ctx, "ffmpeg", "-y",
			"-i", req.Inputs["video"], "-i", req.Inputs["mixed"],
			"-map", "0:v:0", "-map", "1:a:0", "-map", "0:a:0",
			"-c:v", "copy", "-c:a", "aac", mkvPath)
		if out, err := cmd.CombinedOutput(); err != nil {
			return nil, fmt.Errorf("ffmpeg mux: %w: %s", err, truncate(string(out), 500))
		}
		return &stageResult{artifacts: map[string]string{"mkv": mkvPath}}, nil
	}

	if err := copyFile(req.Inputs["video"], mkvPath); err != nil {
		return nil, err
	}
	return &stageResult{
		artifacts: map[string]string{"mkv": mkvPath},
		degraded:  []string{"ffmpeg missing, output is the original video"},
	}, nil
}

// runExport renders the low-bitrate mobile variant.
func runExport(ctx context.Context, req StageRequest) (*stageResult, error) {
	if !binaryInstalled("ffmpeg") {
		return &stageResult{
			degraded: []string{"ffmpeg missing, mobile export skipped"},
		}, nil
	}
	mobilePath := filepath.Join(req.WorkDir, "mobile.mp4")
	cmd := exec.CommandContext(ctx, "ffmpeg", "-y", "-i", req.Inputs["mkv"],
		"-vf", "scale=-2:720", "-c:v", "libx264", "-preset", "fast", "-crf", "26",
		"-c:a", "aac", "-b:a", "96k", mobilePath)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg export: %w: %s", err, truncate(string(out), 500))
	}
	return &stageResult{artifacts: map[string]string{"mobile": mobilePath}}, nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

// writeSilenceWAV writes one second of PCM16 silence, enough for container
// tools to treat the track as valid audio.
func writeSilenceWAV(path string, sampleRate, channels int) error {
	dataLen := sampleRate * channels * 2
	buf := make([]byte, 44+dataLen)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], uint16(channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*channels*2))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(channels*2))
	binary.LittleEndian.PutUint16(buf[34:36], 16)
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))
	return os.WriteFile(path, buf, 0o644)
}
