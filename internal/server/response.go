package server

import (
	"errors"
	"math"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/book-expert/speech-service/internal/core"
	"github.com/gin-gonic/gin"
)

const (
	headerRetryAfter   = "Retry-After"
	msgInternalError   = "Internal server error"
	msgRouteNotFound   = "Route not found"
	msgInvalidBody     = "Invalid request body"
	msgBodyTooLarge    = "Request body too large"
	msgAPIRateLimited  = "Too many requests from this IP, please try again later."
	msgAuthRateLimited = "Too many authentication attempts, please try again later."
)

type errorBody struct {
	Message    string   `json:"message"`
	Details    []string `json:"details,omitempty"`
	RetryAfter int      `json:"retryAfter,omitempty"`
}

type envelope struct {
	Success bool       `json:"success"`
	Message string     `json:"message,omitempty"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

func respondOK(c *gin.Context, message string, data any) {
	c.JSON(http.StatusOK, envelope{Success: true, Message: message, Data: data, Error: nil})
}

func respondFailure(c *gin.Context, status int, body errorBody) {
	if body.RetryAfter > 0 {
		c.Header(headerRetryAfter, strconv.Itoa(body.RetryAfter))
	}

	c.AbortWithStatusJSON(status, envelope{Success: false, Message: "", Data: nil, Error: &body})
}

// statusFor maps an error kind onto its HTTP status.
func statusFor(kind core.Kind) int {
	switch kind {
	case core.KindInvalidInput, core.KindInvalidFilename:
		return http.StatusBadRequest
	case core.KindUnauthorized:
		return http.StatusUnauthorized
	case core.KindNotFound:
		return http.StatusNotFound
	case core.KindRateLimited, core.KindProviderRateLimited:
		return http.StatusTooManyRequests
	case core.KindProviderAuth, core.KindProviderUnavailable:
		return http.StatusServiceUnavailable
	case core.KindSynthesisFailed, core.KindStorage, core.KindPersistence:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the classified message of err. Causes are logged and,
// in debug mode only, echoed in the details.
func (s *Server) respondError(c *gin.Context, err error) {
	var classified *core.Error
	if !errors.As(err, &classified) {
		s.log.Error("Unclassified error on %s %s: %v", c.Request.Method, c.Request.URL.Path, err)

		body := errorBody{Message: msgInternalError, Details: nil, RetryAfter: 0}
		if s.opts.Debug {
			body.Details = []string{err.Error()}
		}

		respondFailure(c, http.StatusInternalServerError, body)

		return
	}

	status := statusFor(classified.Kind)

	switch {
	case classified.Kind == core.KindProviderRateLimited:
		s.log.Warn("Provider rate limit reached on %s: %v", c.Request.URL.Path, err)
	case status >= http.StatusInternalServerError:
		s.log.Error("Request %s %s failed: %v", c.Request.Method, c.Request.URL.Path, err)
	}

	body := errorBody{
		Message:    classified.Message,
		Details:    classified.Details,
		RetryAfter: retryAfterSeconds(classified.RetryAfter),
	}

	if s.opts.Debug && classified.Err != nil {
		body.Details = append(slices.Clone(body.Details), classified.Err.Error())
	}

	respondFailure(c, status, body)
}

func retryAfterSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}

	return int(math.Ceil(d.Seconds()))
}

func (s *Server) notFound(c *gin.Context) {
	respondFailure(c, http.StatusNotFound, errorBody{Message: msgRouteNotFound, Details: nil, RetryAfter: 0})
}
