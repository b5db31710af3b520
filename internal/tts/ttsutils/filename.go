// Package ttsutils provides naming and formatting helpers for generated audio artifacts.
package ttsutils

import (
	"strings"
	"time"
)

// Naming constants for generated artifacts.
const (
	AudioExtension   = ".mp3"
	filenamePrefix   = "speech"
	slugMaxRunes     = 30
	ownerPrefixRunes = 8
	anonymousOwner   = "anonymous"
	replacementRune  = '_'
	separator        = "_"
	timestampLayout  = "2006-01-02T15:04:05.000Z"
)

// FilenameGenerator derives artifact names from text, owner and the current instant.
// Names are practically unique: two calls at different milliseconds never collide,
// calls within the same millisecond for the same text and owner do.
type FilenameGenerator struct {
	now func() time.Time
}

// NewFilenameGenerator creates a generator. A nil clock defaults to time.Now.
func NewFilenameGenerator(now func() time.Time) *FilenameGenerator {
	if now == nil {
		now = time.Now
	}

	return &FilenameGenerator{now: now}
}

// Generate returns speech_<timestamp>_<slug>_<owner> without an extension.
func (g *FilenameGenerator) Generate(text, ownerID string) string {
	parts := []string{
		filenamePrefix,
		timestampToken(g.now()),
		Slug(text, slugMaxRunes),
		ownerToken(ownerID),
	}

	return strings.Join(parts, separator)
}

// WithExtension appends the audio extension to a generated name.
func WithExtension(name string) string {
	return name + AudioExtension
}

// Slug lowercases the first maxRunes runes of text and replaces every rune
// outside [a-z0-9] with an underscore.
func Slug(text string, maxRunes int) string {
	var builder strings.Builder

	count := 0

	for _, r := range text {
		if count == maxRunes {
			break
		}

		builder.WriteRune(safeRune(r))

		count++
	}

	return builder.String()
}

func safeRune(r rune) rune {
	switch {
	case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		return r
	case r >= 'A' && r <= 'Z':
		return r + ('a' - 'A')
	default:
		return replacementRune
	}
}

// timestampToken formats t so that lexical order equals chronological order.
func timestampToken(t time.Time) string {
	formatted := t.UTC().Format(timestampLayout)

	return strings.NewReplacer(":", "-", ".", "-").Replace(formatted)
}

func ownerToken(ownerID string) string {
	if ownerID == "" {
		return anonymousOwner
	}

	return Slug(ownerID, ownerPrefixRunes)
}
