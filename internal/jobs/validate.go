package jobs

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"voicejobs/internal/capability"
	"voicejobs/internal/models"
)

const (
	maxModelNameLen = 100
	minSpeed        = 0.5
	maxSpeed        = 2.0
)

var modelNamePattern = regexp.MustCompile(`^[\p{L}\p{N}_\- ]+$`)

// validate checks inputs synchronously and fills defaults in place.
func (s *Service) validate(ctx context.Context, owner string, in *models.JobInputs) error {
	switch {
	case in.VoiceClone != nil:
		return s.validateVoiceClone(ctx, owner, in.VoiceClone)
	case in.TTS != nil:
		return s.validateTTS(ctx, owner, in.TTS)
	}
	return models.Invalid("inputs", "missing")
}

func (s *Service) validateVoiceClone(ctx context.Context, owner string, in *models.VoiceCloneInput) error {
	in.ModelName = strings.TrimSpace(in.ModelName)
	switch {
	case in.ModelName == "":
		return models.Invalid("model_name", "required")
	case utf8.RuneCountInString(in.ModelName) > maxModelNameLen:
		return models.Invalid("model_name", "longer than %d characters", maxModelNameLen)
	case !modelNamePattern.MatchString(in.ModelName):
		return models.Invalid("model_name", "may only contain letters, digits, spaces, '-' and '_'")
	}
	taken, err := s.repo.ModelNameTaken(ctx, owner, in.ModelName)
	if err != nil {
		return fmt.Errorf("check model name: %w", err)
	}
	if taken {
		return models.Invalid("model_name", "model %q already exists", in.ModelName)
	}

	if len(in.SampleIDs) < s.opts.MinSamples {
		return models.Invalid("sample_ids", "at least %d samples required, got %d", s.opts.MinSamples, len(in.SampleIDs))
	}
	seen := make(map[string]struct{}, len(in.SampleIDs))
	for _, id := range in.SampleIDs {
		if _, dup := seen[id]; dup {
			return models.Invalid("sample_ids", "sample %s listed twice", id)
		}
		seen[id] = struct{}{}
	}

	found, err := s.repo.GetArtifacts(ctx, in.SampleIDs)
	if err != nil {
		return fmt.Errorf("load samples: %w", err)
	}
	byID := make(map[string]models.Artifact, len(found))
	for _, a := range found {
		byID[a.ID] = a
	}
	total := 0.0
	for _, id := range in.SampleIDs {
		a, ok := byID[id]
		if !ok || a.Deleted || a.Owner != owner {
			return models.Invalid("sample_ids", "sample %s not found", id)
		}
		if a.Kind != models.ArtifactAudio {
			return models.Invalid("sample_ids", "sample %s is not audio", id)
		}
		total += a.DurationSeconds
	}
	if s.opts.MinTotalSeconds > 0 && total < s.opts.MinTotalSeconds {
		return models.Invalid("sample_ids", "total duration %.1fs is below the %.0fs minimum", total, s.opts.MinTotalSeconds)
	}
	if s.opts.MaxTotalSeconds > 0 && total > s.opts.MaxTotalSeconds {
		return models.Invalid("sample_ids", "total duration %.1fs exceeds the %.0fs maximum", total, s.opts.MaxTotalSeconds)
	}

	in.Training = in.Training.WithDefaults()
	return nil
}

func (s *Service) validateTTS(ctx context.Context, owner string, in *models.TTSInput) error {
	in.Text = strings.TrimSpace(in.Text)
	n := utf8.RuneCountInString(in.Text)
	switch {
	case n == 0:
		return models.Invalid("text", "required")
	case n > s.opts.TTSMaxText:
		return models.Invalid("text", "longer than %d characters", s.opts.TTSMaxText)
	}

	if in.Emotion == "" {
		in.Emotion = "neutral"
	}
	if !slices.Contains(capability.Emotions, in.Emotion) {
		return models.Invalid("emotion", "unsupported emotion %q", in.Emotion)
	}
	if in.Speed == 0 {
		in.Speed = 1
	}
	if in.Speed < minSpeed || in.Speed > maxSpeed {
		return models.Invalid("speed", "must be between %.1f and %.1f", minSpeed, maxSpeed)
	}

	if in.ModelID == "" {
		return models.Invalid("model_id", "required")
	}
	m, err := s.repo.GetModel(ctx, in.ModelID)
	if errors.Is(err, models.ErrNotFound) {
		return models.Invalid("model_id", "model %s not found", in.ModelID)
	}
	if err != nil {
		return fmt.Errorf("load model: %w", err)
	}
	switch {
	case m.Status != models.ModelActive:
		return models.Invalid("model_id", "model %s is not active", m.ID)
	case !m.UsableBy(owner):
		return models.Invalid("model_id", "model %s not found", m.ID)
	case !m.Supports(in.Emotion):
		return models.Invalid("emotion", "model %s does not support %q", m.ID, in.Emotion)
	}
	return nil
}
