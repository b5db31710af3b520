package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/book-expert/speech-service/internal/core"
	"github.com/gin-gonic/gin"
)

const (
	headerAuthorization  = "Authorization"
	headerRateLimit      = "RateLimit-Limit"
	headerRateRemaining  = "RateLimit-Remaining"
	headerRateReset      = "RateLimit-Reset"
	authLimiterKeyPrefix = "auth:"
	apiLimiterKeyPrefix  = "api:"
)

func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		s.log.Error("Panic serving %s %s: %v", c.Request.Method, c.Request.URL.Path, recovered)
		respondFailure(c, http.StatusInternalServerError, errorBody{Message: msgInternalError, Details: nil, RetryAfter: 0})
	})
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := s.opts.Now()

		c.Next()

		s.log.Info("%s %s %d %s %s",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), s.opts.Now().Sub(start), c.ClientIP())
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.Writer.Header()
		header.Set("X-Content-Type-Options", "nosniff")
		header.Set("X-Frame-Options", "DENY")
		header.Set("Referrer-Policy", "no-referrer")
		header.Set("Content-Security-Policy", "default-src 'self'; media-src 'self' blob:")
		c.Next()
	}
}

// apiRateLimit bounds all /api traffic per client IP.
func (s *Server) apiRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.APILimiter == nil {
			c.Next()

			return
		}

		decision, err := s.opts.APILimiter.Admit(c.Request.Context(), apiLimiterKeyPrefix+c.ClientIP())
		if err != nil {
			s.log.Warn("API rate check failed, admitting: %v", err)
			c.Next()

			return
		}

		setRateHeaders(c, decision, s.opts.Now())

		if !decision.Allowed {
			respondFailure(c, http.StatusTooManyRequests, errorBody{
				Message:    msgAPIRateLimited,
				Details:    nil,
				RetryAfter: retryAfterSeconds(decision.RetryAfter),
			})

			return
		}

		c.Next()
	}
}

// authenticate resolves the caller. Failed attempts count against the
// authentication limiter; once it is exhausted failures are answered with 429.
func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		caller, err := s.opts.Identity.Resolve(c.GetHeader(headerAuthorization), c.ClientIP())
		if err == nil {
			c.Set(callerContextKey, caller)
			c.Next()

			return
		}

		if s.opts.AuthLimiter != nil {
			decision, admitErr := s.opts.AuthLimiter.Admit(c.Request.Context(), authLimiterKeyPrefix+c.ClientIP())
			if admitErr == nil && !decision.Allowed {
				s.log.Warn("Authentication attempts exhausted for %s", c.ClientIP())
				respondFailure(c, http.StatusTooManyRequests, errorBody{
					Message:    msgAuthRateLimited,
					Details:    nil,
					RetryAfter: retryAfterSeconds(decision.RetryAfter),
				})

				return
			}
		}

		s.respondError(c, err)
	}
}

func (s *Server) bodyLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.MaxBodyBytes > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxBodyBytes)
		}

		c.Next()
	}
}

func setRateHeaders(c *gin.Context, decision core.Decision, now time.Time) {
	reset := max(int(decision.ResetAt.Sub(now).Seconds()), 0)

	c.Header(headerRateLimit, strconv.Itoa(decision.Limit))
	c.Header(headerRateRemaining, strconv.Itoa(decision.Remaining))
	c.Header(headerRateReset, strconv.Itoa(reset))
}
