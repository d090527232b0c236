// Package pipeline drives a dubbing job through its ordered stages. Each
// stage runs in an isolated child process under a watchdog; completed
// stages are recorded in a per-job checkpoint with verified artifacts.
package pipeline

import "github.com/dubplane/dubplane/pkg/models"

// Stage names, in default execution order.
const (
	StageExtracting  = "extracting"
	StageDiarize     = "diarize"
	StageASR         = "asr"
	StageTranslation = "translation"
	StageTTS         = "tts"
	StageMixing      = "mixing"
	StageMux         = "mux"
	StageExport      = "export"
)

// DefaultStages is the full pipeline in order.
var DefaultStages = []string{
	StageExtracting,
	StageDiarize,
	StageASR,
	StageTranslation,
	StageTTS,
	StageMixing,
	StageMux,
	StageExport,
}

// stageProgress maps each stage to the job progress reached when it
// completes. Monotonic over the default order.
var stageProgress = map[string]float64{
	StageExtracting:  0.10,
	StageDiarize:     0.20,
	StageASR:         0.45,
	StageTranslation: 0.55,
	StageTTS:         0.75,
	StageMixing:      0.85,
	StageMux:         0.93,
	StageExport:      1.00,
}

// PlanStages returns the stage list for a job, dropping stages whose
// outputs were imported. A supplied target-language SRT replaces both
// transcription and translation; explicit skips from runtime hints apply
// on top.
func PlanStages(job *models.Job) []string {
	rt := job.Runtime()
	skip := make(map[string]bool, len(rt.SkipStages))
	for _, s := range rt.SkipStages {
		skip[s] = true
	}
	if rt.ImportedSRTPath != "" {
		skip[StageASR] = true
		skip[StageTranslation] = true
	}

	plan := make([]string, 0, len(DefaultStages))
	for _, s := range DefaultStages {
		if !skip[s] {
			plan = append(plan, s)
		}
	}
	return plan
}

// ProgressAfter returns job progress when stage completes.
func ProgressAfter(stage string) float64 {
	if p, ok := stageProgress[stage]; ok {
		return p
	}
	return 1.0
}
