package jobs

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"voicejobs/internal/capability"
	"voicejobs/internal/models"
)

// Upload stores a WAV sample for the requester and registers it in the artifact catalog.
func (s *Service) Upload(ctx context.Context, req Requester, filename string, r io.Reader) (models.Artifact, error) {
	if req.ID == "" {
		return models.Artifact{}, models.ErrForbidden
	}
	if ext := strings.ToLower(filepath.Ext(filename)); ext != ".wav" {
		return models.Artifact{}, models.Invalid("file", "only .wav samples are accepted, got %q", ext)
	}
	id := uuid.NewString()
	rel := s.fs.UploadPath(req.ID, id, ".wav")
	size, err := s.fs.Save(rel, r)
	if err != nil {
		return models.Artifact{}, err
	}
	secs, err := capability.WAVDuration(s.fs.Abs(rel))
	if err != nil {
		_ = s.fs.Remove(rel)
		return models.Artifact{}, models.Invalid("file", "unreadable wav: %v", err)
	}
	a := models.Artifact{
		ID:              id,
		Owner:           req.ID,
		Kind:            models.ArtifactAudio,
		Path:            rel,
		SizeBytes:       size,
		DurationSeconds: secs,
		CreatedAt:       s.now(),
	}
	if err := s.repo.CreateArtifact(ctx, a); err != nil {
		_ = s.fs.Remove(rel)
		return models.Artifact{}, fmt.Errorf("register upload: %w", err)
	}
	s.log.Info("sample uploaded", "artifact_id", id, "owner", req.ID, "seconds", secs, "size", size)
	return a, nil
}

// DeleteArtifact soft-deletes an uploaded sample. It is refused while a pending or
// processing job references the artifact.
func (s *Service) DeleteArtifact(ctx context.Context, req Requester, owner, id string) error {
	if owner == "" {
		owner = req.ID
	}
	if !req.may(owner) {
		return models.ErrForbidden
	}
	return s.repo.SoftDeleteArtifact(ctx, id, owner)
}

// Download resolves the generated audio of a completed tts job and records the download.
// It returns the absolute path of the file.
func (s *Service) Download(ctx context.Context, req Requester, id string) (string, error) {
	job, err := s.Get(ctx, req, id)
	if err != nil {
		return "", err
	}
	if job.Kind != models.KindTTS || job.Status != models.StatusCompleted || job.Outputs == nil || job.Outputs.TTS == nil {
		return "", fmt.Errorf("audio for job %s: %w", id, models.ErrNotFound)
	}
	rel := job.Outputs.TTS.AudioPath
	if !s.fs.Exists(rel) {
		return "", fmt.Errorf("audio for job %s: %w", id, models.ErrNotFound)
	}
	if err := s.repo.RecordDownload(ctx, id); err != nil {
		s.log.Warn("record download failed", "job_id", id, "err", err)
	}
	return s.fs.Abs(rel), nil
}
