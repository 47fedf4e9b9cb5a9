package models

import "time"

// ArtifactKind classifies stored files.
type ArtifactKind string

const (
	ArtifactAudio  ArtifactKind = "audio"
	ArtifactModel  ArtifactKind = "model"
	ArtifactConfig ArtifactKind = "config"
	ArtifactIndex  ArtifactKind = "index"
)

// Artifact is an uploaded or generated file tracked by the catalog.
type Artifact struct {
	ID              string       `json:"id"`
	Owner           string       `json:"owner"`
	Kind            ArtifactKind `json:"kind"`
	Path            string       `json:"path"`
	SizeBytes       int64        `json:"size_bytes"`
	DurationSeconds float64      `json:"duration_seconds"`
	Deleted         bool         `json:"deleted"`
	CreatedAt       time.Time    `json:"created_at"`
}

// ModelStatus gates whether a model may be used for synthesis.
type ModelStatus string

const (
	ModelActive   ModelStatus = "active"
	ModelInactive ModelStatus = "inactive"
)

// ModelType separates user-trained voices from official ones.
type ModelType string

const (
	ModelUserTrained ModelType = "user_trained"
	ModelOfficial    ModelType = "official"
)

// Model is a trained voice, either produced by a voice_clone job or registered administratively.
type Model struct {
	ID                 string      `json:"id"`
	Name               string      `json:"name"`
	Description        string      `json:"description"`
	Type               ModelType   `json:"type"`
	Owner              string      `json:"owner"`
	WeightsPath        string      `json:"weights_path"`
	ConfigPath         string      `json:"config_path"`
	IndexPath          string      `json:"index_path"`
	SupportedEmotions  []string    `json:"supported_emotions"`
	SupportedLanguages []string    `json:"supported_languages"`
	QualityScore       float64     `json:"quality_score"`
	Status             ModelStatus `json:"status"`
	Public             bool        `json:"public"`
	SourceJobID        string      `json:"source_job_id,omitempty"`
	CreatedAt          time.Time   `json:"created_at"`
}

// Supports reports whether the model declares the emotion.
func (m Model) Supports(emotion string) bool {
	for _, e := range m.SupportedEmotions {
		if e == emotion {
			return true
		}
	}
	return false
}

// UsableBy reports whether requester may synthesize with the model.
func (m Model) UsableBy(requester string) bool {
	return m.Public || m.Owner == requester
}

// Paths lists the model files on local storage.
func (m Model) Paths() []string {
	out := make([]string, 0, 3)
	for _, p := range []string{m.WeightsPath, m.ConfigPath, m.IndexPath} {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
