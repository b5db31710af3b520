// Package server exposes the speech pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speech-service/internal/core"
	"github.com/book-expert/speech-service/internal/worker"
	"github.com/gin-gonic/gin"
)

const callerContextKey = "caller"

var (
	// ErrPipelineRequired indicates that no pipeline was supplied.
	ErrPipelineRequired = errors.New("server requires a pipeline")
	// ErrIdentityRequired indicates that no identity resolver was supplied.
	ErrIdentityRequired = errors.New("server requires an identity resolver")
)

// Pipeline is the orchestrator surface used by the handlers.
type Pipeline interface {
	Generate(ctx context.Context, caller core.Caller, req core.GenerationRequest) (core.GenerationResult, error)
	ListGenerations(ctx context.Context, caller core.Caller, limit, offset int) (worker.Page, error)
	GetGeneration(ctx context.Context, caller core.Caller, id string) (*core.GenerationRecord, error)
	DeleteGeneration(ctx context.Context, caller core.Caller, id string) error
	Stats(ctx context.Context, caller core.Caller) (core.OwnerStats, error)
	OpenArtifact(filename string) (io.ReadCloser, int64, error)
}

// Identity resolves an Authorization header into a caller.
type Identity interface {
	Resolve(authorization, remoteAddr string) (core.Caller, error)
}

// Check is one dependency probe of the detailed health endpoint.
type Check func(ctx context.Context) error

// Options configure a Server.
type Options struct {
	Pipeline           Pipeline
	Identity           Identity
	APILimiter         core.Admitter
	AuthLimiter        core.Admitter
	ProviderConfigured bool
	DatabaseCheck      Check
	StorageCheck       Check
	StorageDir         string
	Version            string
	Debug              bool
	MaxBodyBytes       int64
	Now                func() time.Time
}

// Server is the HTTP surface of the speech service.
type Server struct {
	engine *gin.Engine
	opts   Options
	log    *logger.Logger
}

// New builds the router.
func New(opts Options, log *logger.Logger) (*Server, error) {
	if opts.Pipeline == nil {
		return nil, ErrPipelineRequired
	}

	if opts.Identity == nil {
		return nil, ErrIdentityRequired
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	engine := gin.New()

	err := engine.SetTrustedProxies(nil)
	if err != nil {
		return nil, err
	}

	srv := &Server{engine: engine, opts: opts, log: log}
	srv.routes()

	return srv, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.Use(
		s.recovery(),
		s.requestLogger(),
		securityHeaders(),
	)
	s.engine.NoRoute(s.notFound)

	api := s.engine.Group("/api", s.apiRateLimit())

	health := api.Group("/health")
	health.GET("", s.health)
	health.GET("/detailed", s.healthDetailed)

	speech := api.Group("/tts")
	speech.GET("/voices", s.voices)
	speech.GET("/download/*filename", s.download)

	owned := speech.Group("", s.authenticate())
	owned.POST("/generate", s.bodyLimit(), s.generate)
	owned.GET("/generations", s.listGenerations)
	owned.GET("/generations/:id", s.getGeneration)
	owned.DELETE("/generations/:id", s.deleteGeneration)
	owned.GET("/stats", s.stats)
}

func callerFrom(c *gin.Context) core.Caller {
	value, _ := c.Get(callerContextKey)
	caller, _ := value.(core.Caller)

	return caller
}
