// Package tts provides speech synthesis through the OpenAI audio API.
package tts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speech-service/internal/core"
	"github.com/book-expert/speech-service/internal/tts/text"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// Provider request constants.
const (
	headerAccept       = "Accept"
	contentTypeMPEG    = "audio/mpeg"
	defaultModel       = "tts-1-hd"
	defaultTimeout     = 60 * time.Second
	wordsPerMinute     = 150.0
	secondsPerMinute   = 60.0
	statusServerErrMin = http.StatusInternalServerError
)

// Speed bounds accepted by the provider.
const (
	MinSpeed     = 0.25
	MaxSpeed     = 4.0
	DefaultSpeed = 1.0
	DefaultVoice = "nova"
)

// Error messages.
const (
	msgProviderAuth        = "Speech provider rejected the service credentials"
	msgProviderRateLimited = "Speech provider rate limit exceeded. Please try again later."
	msgProviderUnavailable = "Speech provider temporarily unavailable"
	msgSynthesisFailed     = "Speech generation failed"
	errFmtProviderStatus   = "provider returned status %d: %s"
)

// ErrEmptyAudio indicates that the provider answered without audio bytes.
var ErrEmptyAudio = errors.New("provider returned empty audio")

// Voice describes one selectable provider voice.
type Voice struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

var voices = []Voice{
	{ID: "alloy", Name: "Alloy", Description: "Neutral voice"},
	{ID: "echo", Name: "Echo", Description: "Male voice"},
	{ID: "fable", Name: "Fable", Description: "British accent"},
	{ID: "onyx", Name: "Onyx", Description: "Deep male voice"},
	{ID: "nova", Name: "Nova", Description: "Professional female voice (recommended)"},
	{ID: "shimmer", Name: "Shimmer", Description: "Warm female voice"},
}

// Config configures the provider client.
type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration
	MaxRetries int
	HTTPClient *http.Client
}

// Client synthesizes speech with the OpenAI audio API.
type Client struct {
	api     openai.Client
	model   string
	timeout time.Duration
	log     *logger.Logger
}

// NewClient creates a provider client.
func NewClient(cfg Config, log *logger.Logger) *Client {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(cfg.MaxRetries),
	}

	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	if cfg.HTTPClient != nil {
		opts = append(opts, option.WithHTTPClient(cfg.HTTPClient))
	}

	model := cfg.Model
	if model == "" {
		model = defaultModel
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		api:     openai.NewClient(opts...),
		model:   model,
		timeout: timeout,
		log:     log,
	}
}

// Voices returns the selectable voices in display order.
func Voices() []Voice {
	out := make([]Voice, len(voices))
	copy(out, voices)

	return out
}

// IsSupportedVoice reports whether voice is one of the provider voices.
func IsSupportedVoice(voice string) bool {
	for _, v := range voices {
		if v.ID == voice {
			return true
		}
	}

	return false
}

// Normalize repairs unsupported parameters: an unknown voice becomes the default
// voice and an out-of-range speed becomes 1.0. Neither is a failure.
func (c *Client) Normalize(voice string, speed float64) (string, float64) {
	if !IsSupportedVoice(voice) {
		if voice != "" {
			c.log.Warn("Invalid voice '%s', using default voice '%s'", voice, DefaultVoice)
		}

		voice = DefaultVoice
	}

	if speed < MinSpeed || speed > MaxSpeed || math.IsNaN(speed) {
		c.log.Warn("Invalid speed '%v', using default speed %.1f", speed, DefaultSpeed)

		speed = DefaultSpeed
	}

	return voice, speed
}

// EstimateDuration approximates the spoken length in whole seconds assuming
// 150 words per minute at normal speed.
func (c *Client) EstimateDuration(input string, speed float64) int {
	if speed <= 0 {
		speed = DefaultSpeed
	}

	words := float64(text.WordCount(input))

	return int(math.Ceil(words / (wordsPerMinute * speed) * secondsPerMinute))
}

// Synthesize requests MP3 audio for input. The call is bounded by the client
// timeout regardless of the deadline carried by ctx.
func (c *Client) Synthesize(ctx context.Context, input, voice string, speed float64) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	voice, speed = c.Normalize(voice, speed)

	c.log.Info("Generating speech: %d characters, voice: %s, speed: %.2f", len([]rune(input)), voice, speed)

	params := openai.AudioSpeechNewParams{
		Input:          input,
		Model:          c.model,
		Voice:          openai.AudioSpeechNewParamsVoice(voice),
		Speed:          openai.Float(speed),
		ResponseFormat: openai.AudioSpeechNewParamsResponseFormatMP3,
	}

	resp, err := c.api.Audio.Speech.New(callCtx, params, option.WithHeader(headerAccept, contentTypeMPEG))
	if err != nil {
		return nil, c.classify(err)
	}
	defer resp.Body.Close()

	audio, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return nil, c.classify(readErr)
	}

	if len(audio) == 0 {
		return nil, core.NewError(core.KindSynthesisFailed, msgSynthesisFailed, ErrEmptyAudio)
	}

	c.log.Info("Speech generated successfully: %d bytes", len(audio))

	return audio, nil
}

// classify maps provider and transport failures onto the service error taxonomy.
func (c *Client) classify(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		cause := fmt.Errorf(errFmtProviderStatus, apiErr.StatusCode, apiErr.Message)
		c.log.Error("OpenAI TTS error: %v", cause)

		switch {
		case apiErr.StatusCode == http.StatusUnauthorized, apiErr.StatusCode == http.StatusForbidden:
			return core.NewError(core.KindProviderAuth, msgProviderAuth, cause)
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return core.NewError(core.KindProviderRateLimited, msgProviderRateLimited, cause)
		case apiErr.StatusCode >= statusServerErrMin:
			return core.NewError(core.KindProviderUnavailable, msgProviderUnavailable, cause)
		default:
			return core.NewError(core.KindSynthesisFailed, msgSynthesisFailed, cause)
		}
	}

	c.log.Error("OpenAI TTS transport error: %v", err)

	return core.NewError(core.KindProviderUnavailable, msgProviderUnavailable, err)
}
