// Package core defines the shared records, contracts and error taxonomy of the speech service.
package core

import (
	"context"
	"io"
	"time"
)

// Caller is the identity resolved by the authentication collaborator.
// It is threaded explicitly through every pipeline operation.
type Caller struct {
	OwnerID    string
	Token      string
	RemoteAddr string
}

// GenerationRequest is a single text-to-speech request. It is never persisted.
type GenerationRequest struct {
	OwnerID string
	Text    string
	Voice   string
	Speed   float64
}

// GenerationRecord is the persisted metadata of one completed generation.
type GenerationRecord struct {
	ID              string    `json:"id"`
	OwnerID         string    `json:"user_id"`
	TextContent     string    `json:"text_content"`
	TextPreview     string    `json:"text_preview"`
	VoiceType       string    `json:"voice_type"`
	Speed           float64   `json:"speed"`
	FileURL         string    `json:"file_url"`
	Filename        string    `json:"filename"`
	FileSize        int64     `json:"file_size"`
	DurationSeconds int       `json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// GenerationSummary is the history projection of a GenerationRecord.
type GenerationSummary struct {
	ID              string    `json:"id"`
	TextPreview     string    `json:"text_preview"`
	VoiceType       string    `json:"voice_type"`
	Speed           float64   `json:"speed"`
	FileURL         string    `json:"file_url"`
	Filename        string    `json:"filename"`
	FileSize        int64     `json:"file_size"`
	DurationSeconds int       `json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
}

// OwnerStats aggregates every generation of one owner.
type OwnerStats struct {
	TotalGenerations     int        `json:"totalGenerations"`
	TotalDurationSeconds int        `json:"totalDurationSeconds"`
	TotalFileSizeBytes   int64      `json:"totalFileSizeBytes"`
	FirstGeneration      *time.Time `json:"firstGeneration"`
	LastGeneration       *time.Time `json:"lastGeneration"`
}

// GenerationResult is emitted by a completed pipeline run.
type GenerationResult struct {
	AudioURL       string  `json:"audioUrl"`
	Filename       string  `json:"filename"`
	GenerationID   string  `json:"generationId"`
	Duration       int     `json:"duration"`
	FileSize       int64   `json:"fileSize"`
	CharacterCount int     `json:"characterCount"`
	Voice          string  `json:"voice"`
	Speed          float64 `json:"speed"`
}

// Synthesizer converts text to encoded audio through the external provider.
type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice string, speed float64) ([]byte, error)
	Normalize(voice string, speed float64) (string, float64)
	EstimateDuration(text string, speed float64) int
}

// ArtifactStore persists audio artifacts in the ephemeral directory.
type ArtifactStore interface {
	Write(ctx context.Context, data []byte, filename string) (string, error)
	Open(filename string) (io.ReadCloser, int64, error)
	Delete(filename string) bool
}

// Ledger records completed generations, always scoped by owner.
type Ledger interface {
	Save(ctx context.Context, record GenerationRecord) (GenerationRecord, error)
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]GenerationSummary, error)
	CountByOwner(ctx context.Context, ownerID string) (int, error)
	GetByID(ctx context.Context, id, ownerID string) (*GenerationRecord, error)
	DeleteByID(ctx context.Context, id, ownerID string) (bool, error)
	StatsByOwner(ctx context.Context, ownerID string) (OwnerStats, error)
}

// Decision is the outcome of a rate limiter admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Admitter bounds requests per caller key.
type Admitter interface {
	Admit(ctx context.Context, callerKey string) (Decision, error)
}

// Notifier announces completed generations to downstream consumers.
type Notifier interface {
	GenerationCompleted(ctx context.Context, record GenerationRecord) error
}
