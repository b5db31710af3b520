package server

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/speech-service/internal/core"
	"github.com/book-expert/speech-service/internal/tts"
	"github.com/book-expert/speech-service/internal/tts/text"
	"github.com/book-expert/speech-service/internal/tts/ttsutils"
	"github.com/gin-gonic/gin"
)

const (
	contentTypeMPEG     = "audio/mpeg"
	cacheControlAudio   = "public, max-age=3600"
	dispositionFormat   = `attachment; filename="%s"`
	statusOK            = "ok"
	statusError         = "error"
	statusDegraded      = "degraded"
	statusConfigured    = "configured"
	statusMissing       = "missing"
	msgGenerated        = "Audio generated successfully"
	msgDeleted          = "Generation deleted successfully"
	msgInvalidTextInput = "Invalid text input"
	queryLimit          = "limit"
	queryOffset         = "offset"
)

// generateRequest keeps every field untyped so that malformed voice and speed
// values reach parameter repair instead of failing the bind.
type generateRequest struct {
	Text  any `json:"text"`
	Voice any `json:"voice"`
	Speed any `json:"speed"`
}

func (s *Server) voiceParam(value any) string {
	voice, ok := value.(string)
	if !ok && value != nil {
		s.log.Warn("Non-string voice %v, using default voice", value)
	}

	return voice
}

// speedParam returns the default for a missing speed and NaN for a non-number,
// which parameter repair replaces with the default.
func speedParam(value any) float64 {
	switch speed := value.(type) {
	case nil:
		return tts.DefaultSpeed
	case float64:
		return speed
	default:
		return math.NaN()
	}
}

func (s *Server) generate(c *gin.Context) {
	var body generateRequest

	err := c.ShouldBindJSON(&body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondFailure(c, http.StatusRequestEntityTooLarge, errorBody{Message: msgBodyTooLarge, Details: nil, RetryAfter: 0})

			return
		}

		respondFailure(c, http.StatusBadRequest, errorBody{Message: msgInvalidBody, Details: nil, RetryAfter: 0})

		return
	}

	input, ok := body.Text.(string)
	if !ok {
		validation := text.ValidateValue(body.Text)
		respondFailure(c, http.StatusBadRequest, errorBody{
			Message:    msgInvalidTextInput,
			Details:    validation.Errors,
			RetryAfter: 0,
		})

		return
	}

	caller := callerFrom(c)

	result, err := s.opts.Pipeline.Generate(c.Request.Context(), caller, core.GenerationRequest{
		OwnerID: caller.OwnerID,
		Text:    input,
		Voice:   s.voiceParam(body.Voice),
		Speed:   speedParam(body.Speed),
	})
	if err != nil {
		s.respondError(c, err)

		return
	}

	respondOK(c, msgGenerated, result)
}

func (s *Server) download(c *gin.Context) {
	// The wildcard keeps encoded separators inside the name so validation sees them.
	filename := strings.TrimPrefix(c.Param("filename"), "/")

	reader, size, err := s.opts.Pipeline.OpenArtifact(filename)
	if err != nil {
		s.respondError(c, err)

		return
	}
	defer reader.Close()

	c.Header("Cache-Control", cacheControlAudio)
	c.DataFromReader(http.StatusOK, size, contentTypeMPEG, reader, map[string]string{
		"Content-Disposition": fmt.Sprintf(dispositionFormat, filename),
	})
}

func (s *Server) listGenerations(c *gin.Context) {
	limit := queryInt(c, queryLimit)
	offset := queryInt(c, queryOffset)

	page, err := s.opts.Pipeline.ListGenerations(c.Request.Context(), callerFrom(c), limit, offset)
	if err != nil {
		s.respondError(c, err)

		return
	}

	respondOK(c, "", gin.H{
		"generations": page.Generations,
		"pagination": gin.H{
			"limit":  page.Limit,
			"offset": page.Offset,
			"total":  page.Total,
		},
	})
}

func (s *Server) getGeneration(c *gin.Context) {
	record, err := s.opts.Pipeline.GetGeneration(c.Request.Context(), callerFrom(c), c.Param("id"))
	if err != nil {
		s.respondError(c, err)

		return
	}

	respondOK(c, "", gin.H{"generation": record})
}

func (s *Server) deleteGeneration(c *gin.Context) {
	err := s.opts.Pipeline.DeleteGeneration(c.Request.Context(), callerFrom(c), c.Param("id"))
	if err != nil {
		s.respondError(c, err)

		return
	}

	respondOK(c, msgDeleted, nil)
}

func (s *Server) stats(c *gin.Context) {
	stats, err := s.opts.Pipeline.Stats(c.Request.Context(), callerFrom(c))
	if err != nil {
		s.respondError(c, err)

		return
	}

	respondOK(c, "", gin.H{
		"stats":             stats,
		"formattedDuration": ttsutils.FormatDuration(stats.TotalDurationSeconds),
		"formattedFileSize": ttsutils.FormatFileSize(stats.TotalFileSizeBytes),
	})
}

func (s *Server) voices(c *gin.Context) {
	respondOK(c, "", gin.H{
		"voices":       tts.Voices(),
		"defaultVoice": tts.DefaultVoice,
	})
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"status":    statusOK,
		"timestamp": s.opts.Now().UTC().Format(time.RFC3339),
		"version":   s.opts.Version,
	})
}

func (s *Server) healthDetailed(c *gin.Context) {
	overall := statusOK

	provider := gin.H{"status": statusConfigured, "configured": s.opts.ProviderConfigured}
	if !s.opts.ProviderConfigured {
		provider["status"] = statusMissing
		overall = statusDegraded
	}

	database := s.probe(c, s.opts.DatabaseCheck)
	filesystem := s.probe(c, s.opts.StorageCheck)
	filesystem["directory"] = s.opts.StorageDir

	if database["status"] != statusOK || filesystem["status"] != statusOK {
		overall = statusDegraded
	}

	code := http.StatusOK
	if overall != statusOK {
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"success":   overall == statusOK,
		"status":    overall,
		"timestamp": s.opts.Now().UTC().Format(time.RFC3339),
		"services": gin.H{
			"openai":     provider,
			"database":   database,
			"filesystem": filesystem,
		},
	})
}

func (s *Server) probe(c *gin.Context, check Check) gin.H {
	if check == nil {
		return gin.H{"status": statusOK}
	}

	err := check(c.Request.Context())
	if err != nil {
		s.log.Warn("Health probe failed: %v", err)

		result := gin.H{"status": statusError}
		if s.opts.Debug {
			result["error"] = err.Error()
		}

		return result
	}

	return gin.H{"status": statusOK}
}

func queryInt(c *gin.Context, name string) int {
	value, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return 0
	}

	return value
}
