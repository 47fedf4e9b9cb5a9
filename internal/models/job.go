package models

import (
	"time"
)

// Kind identifies which fixed pipeline a job runs through.
type Kind string

const (
	KindVoiceClone Kind = "voice_clone"
	KindTTS        Kind = "tts"
)

// Kinds lists every supported job kind.
var Kinds = []Kind{KindVoiceClone, KindTTS}

// Valid reports whether k is a known job kind.
func (k Kind) Valid() bool {
	return k == KindVoiceClone || k == KindTTS
}

// Status enumerates lifecycle states persisted on the job record.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// CancelReason is the fixed error text recorded on cancelled jobs.
const CancelReason = "cancelled by user"

// Active reports whether the job still holds quota and may be cancelled.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusProcessing
}

// Terminal reports whether no automatic transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	return s.Active() || s.Terminal()
}

// ActiveStatuses are the statuses counted against concurrency quotas.
var ActiveStatuses = []Status{StatusPending, StatusProcessing}

// Job is one submitted unit of work.
type Job struct {
	ID           string      `json:"id"`
	Kind         Kind        `json:"kind"`
	Owner        string      `json:"owner"`
	Status       Status      `json:"status"`
	Progress     int         `json:"progress"`
	Inputs       JobInputs   `json:"inputs"`
	Outputs      *JobOutputs `json:"outputs,omitempty"`
	Error        *string     `json:"error,omitempty"`
	WorkerHandle *string     `json:"worker_handle,omitempty"`
	RetryCount   int         `json:"retry_count"`
	MaxRetries   int         `json:"max_retries"`
	// Attempts counts queue deliveries within the current run.
	Attempts    int        `json:"attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ErrorText returns the recorded error or an empty string.
func (j Job) ErrorText() string {
	if j.Error == nil {
		return ""
	}
	return *j.Error
}

// Handle returns the outstanding worker handle or an empty string.
func (j Job) Handle() string {
	if j.WorkerHandle == nil {
		return ""
	}
	return *j.WorkerHandle
}

// JobInputs is a tagged union: exactly one member is set and it matches Job.Kind.
type JobInputs struct {
	VoiceClone *VoiceCloneInput `json:"voice_clone,omitempty"`
	TTS        *TTSInput        `json:"tts,omitempty"`
}

// Kind returns the kind implied by the populated member.
func (in JobInputs) Kind() Kind {
	switch {
	case in.VoiceClone != nil && in.TTS == nil:
		return KindVoiceClone
	case in.TTS != nil && in.VoiceClone == nil:
		return KindTTS
	default:
		return ""
	}
}

// ArtifactIDs lists artifacts the job consumes, in order.
func (in JobInputs) ArtifactIDs() []string {
	if in.VoiceClone == nil {
		return nil
	}
	return append([]string(nil), in.VoiceClone.SampleIDs...)
}

// VoiceCloneInput describes a training request.
type VoiceCloneInput struct {
	SampleIDs []string       `json:"sample_ids"`
	ModelName string         `json:"model_name"`
	Training  TrainingConfig `json:"training"`
	// Extra carries forward-compatible parameters the pipeline passes through untouched.
	Extra map[string]string `json:"extra,omitempty"`
}

// TrainingConfig holds the tunables handed to the trainer.
type TrainingConfig struct {
	Epochs       int     `json:"epochs"`
	BatchSize    int     `json:"batch_size"`
	LearningRate float64 `json:"learning_rate"`
}

// WithDefaults fills unset training parameters.
func (c TrainingConfig) WithDefaults() TrainingConfig {
	if c.Epochs <= 0 {
		c.Epochs = 100
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
	if c.LearningRate <= 0 {
		c.LearningRate = 0.0001
	}
	return c
}

// TTSInput describes a synthesis request.
type TTSInput struct {
	Text    string            `json:"text"`
	ModelID string            `json:"model_id"`
	Emotion string            `json:"emotion"`
	Speed   float64           `json:"speed"`
	Extra   map[string]string `json:"extra,omitempty"`
}

// JobOutputs mirrors JobInputs for results; set only on completed jobs.
type JobOutputs struct {
	VoiceClone *VoiceCloneOutput `json:"voice_clone,omitempty"`
	TTS        *TTSOutput        `json:"tts,omitempty"`
}

// VoiceCloneOutput references the model created by the persist stage.
type VoiceCloneOutput struct {
	ModelID      string  `json:"model_id"`
	QualityScore float64 `json:"quality_score"`
}

// TTSOutput references the generated audio artifact.
type TTSOutput struct {
	AudioPath       string  `json:"audio_path"`
	AudioURL        string  `json:"audio_url"`
	DurationSeconds float64 `json:"duration_seconds"`
	SizeBytes       int64   `json:"size_bytes"`
	PreviewPath     string  `json:"preview_path,omitempty"`
	MirrorURI       string  `json:"mirror_uri,omitempty"`
	DownloadCount   int     `json:"download_count"`
}

// Paths returns every file the outputs point at on local storage.
func (o *JobOutputs) Paths() []string {
	if o == nil || o.TTS == nil {
		return nil
	}
	out := []string{o.TTS.AudioPath}
	if o.TTS.PreviewPath != "" {
		out = append(out, o.TTS.PreviewPath)
	}
	return out
}
