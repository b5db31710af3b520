// Package worker runs the audio generation pipeline and the owner-scoped
// history operations built on top of it.
package worker

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speech-service/internal/core"
	"github.com/book-expert/speech-service/internal/tts/text"
	"github.com/book-expert/speech-service/internal/tts/ttsutils"
	"github.com/google/uuid"
)

// State is the position of one generation request in the pipeline.
type State string

// Pipeline states. Failed is terminal and reachable from every other state.
const (
	StateReceived     State = "Received"
	StateRateChecked  State = "RateChecked"
	StateValidated    State = "Validated"
	StateSynthesizing State = "Synthesizing"
	StatePersisting   State = "Persisting"
	StateCompleted    State = "Completed"
	StateFailed       State = "Failed"
)

// Pagination bounds for history listings.
const (
	DefaultPageLimit = 10
	MaxPageLimit     = 100
	generationPrefix = "user:"
	urlSeparator     = "/"
)

// Error messages returned to callers.
const (
	msgRateLimited      = "TTS generation rate limit exceeded. Please try again later."
	msgInvalidInput     = "Invalid text input"
	msgSynthesisFailed  = "Failed to generate audio. Please try again."
	msgStorageFailed    = "Failed to save audio file"
	msgPersistFailed    = "Failed to save generation"
	msgNotFound         = "Generation not found"
	msgUnauthorized     = "Authentication required"
	msgHistoryFailed    = "Failed to fetch generations"
	msgDeleteFailed     = "Failed to delete generation"
	msgStatsFailed      = "Failed to fetch generation statistics"
	defaultDownloadPath = "/api/tts/download"
)

var (
	// ErrLimiterRequired indicates a missing generation rate limiter.
	ErrLimiterRequired = errors.New("orchestrator requires a rate limiter")
	// ErrSynthesizerRequired indicates a missing synthesis client.
	ErrSynthesizerRequired = errors.New("orchestrator requires a synthesizer")
	// ErrStoreRequired indicates a missing artifact store.
	ErrStoreRequired = errors.New("orchestrator requires an artifact store")
	// ErrLedgerRequired indicates a missing generation ledger.
	ErrLedgerRequired = errors.New("orchestrator requires a ledger")
)

// Dependencies are the collaborators of an Orchestrator. Notifier and Names are optional.
type Dependencies struct {
	Limiter      core.Admitter
	Synthesizer  core.Synthesizer
	Store        core.ArtifactStore
	Ledger       core.Ledger
	Notifier     core.Notifier
	Names        *ttsutils.FilenameGenerator
	DownloadPath string
}

// Orchestrator composes rate limiting, validation, synthesis, storage and the
// ledger into the generate operation. It keeps no state between calls.
type Orchestrator struct {
	limiter      core.Admitter
	synthesizer  core.Synthesizer
	store        core.ArtifactStore
	ledger       core.Ledger
	notifier     core.Notifier
	names        *ttsutils.FilenameGenerator
	downloadPath string
	log          *logger.Logger
}

// Page is one page of an owner's history.
type Page struct {
	Generations []core.GenerationSummary
	Limit       int
	Offset      int
	Total       int
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(deps Dependencies, log *logger.Logger) (*Orchestrator, error) {
	switch {
	case deps.Limiter == nil:
		return nil, ErrLimiterRequired
	case deps.Synthesizer == nil:
		return nil, ErrSynthesizerRequired
	case deps.Store == nil:
		return nil, ErrStoreRequired
	case deps.Ledger == nil:
		return nil, ErrLedgerRequired
	}

	names := deps.Names
	if names == nil {
		names = ttsutils.NewFilenameGenerator(nil)
	}

	downloadPath := deps.DownloadPath
	if downloadPath == "" {
		downloadPath = defaultDownloadPath
	}

	return &Orchestrator{
		limiter:      deps.Limiter,
		synthesizer:  deps.Synthesizer,
		store:        deps.Store,
		ledger:       deps.Ledger,
		notifier:     deps.Notifier,
		names:        names,
		downloadPath: downloadPath,
		log:          log,
	}, nil
}

// run tracks the state of a single generation request.
type run struct {
	traceID string
	state   State
	log     *logger.Logger
}

func (r *run) transition(next State) {
	r.log.Info("Generation %s: %s -> %s", r.traceID, r.state, next)
	r.state = next
}

func (r *run) fail(err error) error {
	r.log.Error("Generation %s: %s -> %s(%s): %v", r.traceID, r.state, StateFailed, core.KindOf(err), err)
	r.state = StateFailed

	return err
}

// Generate turns req into a stored, downloadable audio artifact for caller.
// Synthesis and persistence run to completion even if ctx is canceled by the client.
func (o *Orchestrator) Generate(
	ctx context.Context,
	caller core.Caller,
	req core.GenerationRequest,
) (core.GenerationResult, error) {
	current := &run{traceID: uuid.NewString(), state: StateReceived, log: o.log}

	if caller.OwnerID == "" {
		return core.GenerationResult{}, current.fail(core.NewError(core.KindUnauthorized, msgUnauthorized, nil))
	}

	decision, err := o.limiter.Admit(ctx, generationPrefix+caller.OwnerID)
	if err != nil {
		o.log.Warn("Generation %s: rate check failed, admitting: %v", current.traceID, err)
	} else if !decision.Allowed {
		rateErr := core.NewError(core.KindRateLimited, msgRateLimited, nil)
		rateErr.RetryAfter = decision.RetryAfter

		return core.GenerationResult{}, current.fail(rateErr)
	}

	current.transition(StateRateChecked)

	validation := text.Validate(req.Text)
	if !validation.IsValid {
		invalid := core.NewError(core.KindInvalidInput, msgInvalidInput, nil)
		invalid.Details = validation.Errors

		return core.GenerationResult{}, current.fail(invalid)
	}

	current.transition(StateValidated)
	o.log.Info("TTS request from user %s: %d characters", caller.OwnerID, validation.CharacterCount)

	voice, speed := o.synthesizer.Normalize(req.Voice, req.Speed)
	name := o.names.Generate(req.Text, caller.OwnerID)
	detached := context.WithoutCancel(ctx)

	current.transition(StateSynthesizing)

	audio, err := o.synthesizer.Synthesize(detached, req.Text, voice, speed)
	if err != nil {
		return core.GenerationResult{}, current.fail(classify(err, core.KindSynthesisFailed, msgSynthesisFailed))
	}

	current.transition(StatePersisting)

	path, err := o.store.Write(detached, audio, name)
	if err != nil {
		return core.GenerationResult{}, current.fail(classify(err, core.KindStorage, msgStorageFailed))
	}

	filename := ttsutils.WithExtension(name)
	duration := o.synthesizer.EstimateDuration(req.Text, speed)

	saved, err := o.ledger.Save(detached, core.GenerationRecord{
		ID:              "",
		OwnerID:         caller.OwnerID,
		TextContent:     req.Text,
		TextPreview:     "",
		VoiceType:       voice,
		Speed:           speed,
		FileURL:         o.downloadPath + urlSeparator + filename,
		Filename:        filename,
		FileSize:        int64(len(audio)),
		DurationSeconds: duration,
		CreatedAt:       time.Time{},
		UpdatedAt:       time.Time{},
	})
	if err != nil {
		o.log.Warn("Generation %s: orphaned audio file left at %s", current.traceID, path)

		return core.GenerationResult{}, current.fail(classify(err, core.KindPersistence, msgPersistFailed))
	}

	current.transition(StateCompleted)
	o.notify(detached, saved)

	return core.GenerationResult{
		AudioURL:       saved.FileURL,
		Filename:       saved.Filename,
		GenerationID:   saved.ID,
		Duration:       saved.DurationSeconds,
		FileSize:       saved.FileSize,
		CharacterCount: validation.CharacterCount,
		Voice:          voice,
		Speed:          speed,
	}, nil
}

func (o *Orchestrator) notify(ctx context.Context, record core.GenerationRecord) {
	if o.notifier == nil {
		return
	}

	err := o.notifier.GenerationCompleted(ctx, record)
	if err != nil {
		o.log.Warn("Failed to announce generation %s: %v", record.ID, err)
	}
}

// ListGenerations returns one page of the caller's history, newest first.
func (o *Orchestrator) ListGenerations(ctx context.Context, caller core.Caller, limit, offset int) (Page, error) {
	if caller.OwnerID == "" {
		return Page{}, core.NewError(core.KindUnauthorized, msgUnauthorized, nil)
	}

	limit, offset = NormalizePage(limit, offset)

	generations, err := o.ledger.ListByOwner(ctx, caller.OwnerID, limit, offset)
	if err != nil {
		return Page{}, classify(err, core.KindPersistence, msgHistoryFailed)
	}

	total, err := o.ledger.CountByOwner(ctx, caller.OwnerID)
	if err != nil {
		return Page{}, classify(err, core.KindPersistence, msgHistoryFailed)
	}

	return Page{Generations: generations, Limit: limit, Offset: offset, Total: total}, nil
}

// GetGeneration returns one of the caller's records. Absent and foreign
// records are both reported as NotFound.
func (o *Orchestrator) GetGeneration(ctx context.Context, caller core.Caller, id string) (*core.GenerationRecord, error) {
	if caller.OwnerID == "" {
		return nil, core.NewError(core.KindUnauthorized, msgUnauthorized, nil)
	}

	record, err := o.ledger.GetByID(ctx, id, caller.OwnerID)
	if err != nil {
		return nil, classify(err, core.KindPersistence, msgHistoryFailed)
	}

	if record == nil {
		return nil, core.NewError(core.KindNotFound, msgNotFound, nil)
	}

	return record, nil
}

// DeleteGeneration removes the artifact, then the record. A missing or
// undeletable file never blocks the record delete.
func (o *Orchestrator) DeleteGeneration(ctx context.Context, caller core.Caller, id string) error {
	record, err := o.GetGeneration(ctx, caller, id)
	if err != nil {
		return err
	}

	if record.Filename != "" && !o.store.Delete(record.Filename) {
		o.log.Warn("Audio file %s for generation %s was not deleted", record.Filename, id)
	}

	deleted, err := o.ledger.DeleteByID(ctx, id, caller.OwnerID)
	if err != nil {
		return classify(err, core.KindPersistence, msgDeleteFailed)
	}

	if !deleted {
		return core.NewError(core.KindNotFound, msgNotFound, nil)
	}

	return nil
}

// Stats returns aggregate figures for the caller's generations.
func (o *Orchestrator) Stats(ctx context.Context, caller core.Caller) (core.OwnerStats, error) {
	if caller.OwnerID == "" {
		return core.OwnerStats{}, core.NewError(core.KindUnauthorized, msgUnauthorized, nil)
	}

	stats, err := o.ledger.StatsByOwner(ctx, caller.OwnerID)
	if err != nil {
		return core.OwnerStats{}, classify(err, core.KindPersistence, msgStatsFailed)
	}

	return stats, nil
}

// OpenArtifact streams a stored audio file by its download name.
func (o *Orchestrator) OpenArtifact(filename string) (io.ReadCloser, int64, error) {
	return o.store.Open(filename)
}

// NormalizePage applies the default and maximum page size and clamps a negative offset.
func NormalizePage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultPageLimit
	}

	return min(limit, MaxPageLimit), max(offset, 0)
}

// classify keeps an existing classification and wraps anything else as kind.
func classify(err error, kind core.Kind, message string) error {
	if core.KindOf(err) != "" {
		return err
	}

	return core.NewError(kind, message, err)
}
