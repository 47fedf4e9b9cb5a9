package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"voicejobs/internal/artifacts"
	"voicejobs/internal/capability"
	"voicejobs/internal/models"
)

func (e *Executor) ttsStages() []stage {
	return []stage{
		{name: "resolve_model", checkpoint: 10, run: e.resolveModel},
		{name: "normalize_text", checkpoint: 30, run: e.normalizeText},
		{name: "synthesize", checkpoint: 60, run: e.synthesize},
		{name: "post_process", checkpoint: 80, run: e.postProcess},
		{name: "persist", checkpoint: 95, run: e.persistAudio},
	}
}

func (e *Executor) resolveModel(ctx context.Context, r *run) error {
	in := r.job.Inputs.TTS
	if in == nil {
		return models.Invalid("inputs", "missing tts inputs")
	}
	m, err := e.store.GetModel(ctx, in.ModelID)
	if errors.Is(err, models.ErrNotFound) {
		return models.Invalid("model_id", "model %s not found", in.ModelID)
	}
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	switch {
	case m.Status != models.ModelActive:
		return models.Invalid("model_id", "model %s is not active", m.ID)
	case !m.UsableBy(r.job.Owner):
		return models.Invalid("model_id", "model %s is not available to %s", m.ID, r.job.Owner)
	case !m.Supports(emotionOf(in)):
		return models.Invalid("emotion", "model %s does not support %q", m.ID, emotionOf(in))
	}
	r.model = m
	return nil
}

func (e *Executor) normalizeText(_ context.Context, r *run) error {
	text := strings.TrimSpace(e.caps.Text.Normalize(r.job.Inputs.TTS.Text))
	if text == "" {
		return models.Invalid("text", "empty after normalization")
	}
	r.text = text
	return nil
}

func (e *Executor) synthesize(ctx context.Context, r *run) error {
	in := r.job.Inputs.TTS
	c, err := e.caps.Synthesizer.Synthesize(ctx, r.text, r.model, emotionOf(in), speedOf(in))
	if err != nil {
		return err
	}
	r.clip = c
	return nil
}

func (e *Executor) postProcess(ctx context.Context, r *run) error {
	c, err := e.caps.PostProcessor.Process(ctx, r.clip, speedOf(r.job.Inputs.TTS))
	if err != nil {
		return err
	}
	r.clip = c
	return nil
}

func (e *Executor) persistAudio(ctx context.Context, r *run) error {
	rel := e.fs.GeneratedAudioPath(r.job.ID)
	if err := capability.WriteWAV(e.fs.Abs(rel), r.clip); err != nil {
		return err
	}
	size, err := e.fs.Stat(rel)
	if err != nil {
		return fmt.Errorf("stat generated audio: %w", err)
	}
	out := &models.TTSOutput{
		AudioPath:       rel,
		AudioURL:        artifacts.DownloadURL(r.job.ID),
		DurationSeconds: r.clip.Seconds(),
		SizeBytes:       size,
	}
	if preview, err := e.fs.WritePreview(rel, r.clip.Samples, e.opts.PreviewWidth, e.opts.PreviewHeight); err != nil {
		r.log.Warn("waveform preview failed", "err", err)
	} else {
		out.PreviewPath = preview
	}
	out.MirrorURI = e.mirrorFile(ctx, r, rel)
	r.outputs = models.JobOutputs{TTS: out}
	return nil
}

func emotionOf(in *models.TTSInput) string {
	if in.Emotion == "" {
		return "neutral"
	}
	return in.Emotion
}

func speedOf(in *models.TTSInput) float64 {
	if in.Speed <= 0 {
		return 1
	}
	return in.Speed
}
