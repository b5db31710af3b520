package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/speech-service/internal/auth"
	"github.com/book-expert/speech-service/internal/core"
	"github.com/book-expert/speech-service/internal/ratelimit"
	"github.com/book-expert/speech-service/internal/server"
	"github.com/book-expert/speech-service/internal/worker"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

var errMockCheck = errors.New("mock health check error")

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

// mockPipeline is a mock implementation of the Pipeline interface.
type mockPipeline struct {
	mu          sync.Mutex
	generateErr error
	result      core.GenerationResult
	lastCaller  core.Caller
	lastRequest core.GenerationRequest
	calls       int
	lastLimit   int
	lastOffset  int
	artifact    []byte
	openErr     error
	panicOnCall bool
}

func (m *mockPipeline) Generate(_ context.Context, caller core.Caller, req core.GenerationRequest) (core.GenerationResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.panicOnCall {
		panic("mock pipeline panic")
	}

	m.calls++
	m.lastCaller = caller
	m.lastRequest = req

	if m.generateErr != nil {
		return core.GenerationResult{}, m.generateErr
	}

	return m.result, nil
}

func (m *mockPipeline) ListGenerations(_ context.Context, _ core.Caller, limit, offset int) (worker.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastLimit = limit
	m.lastOffset = offset
	limit, offset = worker.NormalizePage(limit, offset)

	return worker.Page{Generations: []core.GenerationSummary{}, Limit: limit, Offset: offset, Total: 0}, nil
}

func (m *mockPipeline) GetGeneration(_ context.Context, _ core.Caller, id string) (*core.GenerationRecord, error) {
	if id == "missing" {
		return nil, core.NewError(core.KindNotFound, "Generation not found", nil)
	}

	return &core.GenerationRecord{ID: id, TextPreview: "Hello world"}, nil
}

func (m *mockPipeline) DeleteGeneration(_ context.Context, _ core.Caller, id string) error {
	if id == "missing" {
		return core.NewError(core.KindNotFound, "Generation not found", nil)
	}

	return nil
}

func (m *mockPipeline) Stats(context.Context, core.Caller) (core.OwnerStats, error) {
	return core.OwnerStats{TotalGenerations: 2, TotalDurationSeconds: 90, TotalFileSizeBytes: 2048}, nil
}

func (m *mockPipeline) OpenArtifact(string) (io.ReadCloser, int64, error) {
	if m.openErr != nil {
		return nil, 0, m.openErr
	}

	return io.NopCloser(bytes.NewReader(m.artifact)), int64(len(m.artifact)), nil
}

type testServer struct {
	handler  http.Handler
	pipeline *mockPipeline
}

type serverOptions struct {
	apiLimit      int
	debug         bool
	databaseCheck server.Check
	maxBodyBytes  int64
}

func createTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	lg, err := logger.New(t.TempDir(), "test.log")
	require.NoError(t, err)

	t.Cleanup(func() { _ = lg.Close() })

	return lg
}

func setupTest(t *testing.T, opts serverOptions) *testServer {
	t.Helper()

	testLogger := createTestLogger(t)

	verifier, err := auth.NewVerifier(auth.Config{Secret: testSecret, Issuer: "", Audience: ""})
	require.NoError(t, err)

	apiLimit := opts.apiLimit
	if apiLimit == 0 {
		apiLimit = 100
	}

	store := ratelimit.NewMemoryStore()
	pipeline := &mockPipeline{
		result: core.GenerationResult{
			AudioURL:       "/api/tts/download/speech_x.mp3",
			Filename:       "speech_x.mp3",
			GenerationID:   "gen-1",
			Duration:       1,
			FileSize:       8,
			CharacterCount: 11,
			Voice:          "nova",
			Speed:          1,
		},
		artifact: []byte("ID3 audio"),
	}

	srv, err := server.New(server.Options{
		Pipeline:           pipeline,
		Identity:           verifier,
		APILimiter:         ratelimit.New(store, ratelimit.Options{Name: "api", Limit: apiLimit, Window: 15 * time.Minute, Now: nil}, testLogger),
		AuthLimiter:        ratelimit.New(store, ratelimit.Options{Name: "auth", Limit: 5, Window: 15 * time.Minute, Now: nil}, testLogger),
		ProviderConfigured: true,
		DatabaseCheck:      opts.databaseCheck,
		StorageCheck:       nil,
		StorageDir:         "temp",
		Version:            "1.0.0",
		Debug:              opts.debug,
		MaxBodyBytes:       opts.maxBodyBytes,
		Now:                nil,
	}, testLogger)
	require.NoError(t, err)

	return &testServer{handler: srv.Handler(), pipeline: pipeline}
}

func bearer(t *testing.T, subject string) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})

	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	return "Bearer " + signed
}

type response struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Message    string   `json:"message"`
		Details    []string `json:"details"`
		RetryAfter int      `json:"retryAfter"`
	} `json:"error"`
}

func do(t *testing.T, ts *testServer, method, path, authorization, body string) (*httptest.ResponseRecorder, response) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}

	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.10:4321"

	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}

	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}

	recorder := httptest.NewRecorder()
	ts.handler.ServeHTTP(recorder, req)

	var decoded response
	if strings.HasPrefix(recorder.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &decoded))
	}

	return recorder, decoded
}

func TestGenerate_Success(t *testing.T) {
	t.Parallel()

	ts := setupTest(t, serverOptions{})

	recorder, body := do(t, ts, http.MethodPost, "/api/tts/generate", bearer(t, "owner-a"),
		`{"text":"Hello world","voice":"onyx","speed":1.25}`)

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.True(t, body.Success)
	assert.Equal(t, "Audio generated successfully", body.Message)

	var data core.GenerationResult
	require.NoError(t, json.Unmarshal(body.Data, &data))
	assert.Equal(t, "/api/tts/download/speech_x.mp3", data.AudioURL)
	assert.Equal(t, "gen-1", data.GenerationID)

	assert.Equal(t, "owner-a", ts.pipeline.lastCaller.OwnerID)
	assert.Equal(t, "192.0.2.10", ts.pipeline.lastCaller.RemoteAddr)
	assert.Equal(t, "onyx", ts.pipeline.lastRequest.Voice)
	assert.InDelta(t, 1.25, ts.pipeline.lastRequest.Speed, 0.0001)

	assert.Equal(t, "nosniff", recorder.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", recorder.Header().Get("X-Frame-Options"))
	assert.Equal(t, "100", recorder.Header().Get("RateLimit-Limit"))
}

func TestGenerate_DefaultSpeed(t *testing.T) {
	t.Parallel()

	ts := setupTest(t, serverOptions{})

	recorder, _ := do(t, ts, http.MethodPost, "/api/tts/generate", bearer(t, "owner-a"), `{"text":"Hello"}`)
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.InDelta(t, 1.0, ts.pipeline.lastRequest.Speed, 0.0001)
	assert.Empty(t, ts.pipeline.lastRequest.Voice)
}

func TestGenerate_NonStringTextIsRejectedAtBoundary(t *testing.T) {
	t.Parallel()

	ts := setupTest(t, serverOptions{})

	for _, payload := range []string{`{"text":42}`, `{"voice":"nova"}`, `{"text":null}`} {
		recorder, body := do(t, ts, http.MethodPost, "/api/tts/generate", bearer(t, "owner-a"), payload)

		require.Equal(t, http.StatusBadRequest, recorder.Code, payload)
		require.NotNil(t, body.Error)
		assert.Equal(t, "Invalid text input", body.Error.Message)
		assert.Contains(t, body.Error.Details, "Text is required and must be a string")
	}

	assert.Equal(t, 0, ts.pipeline.calls)
}

func TestGenerate_MalformedAndOversizedBodies(t *testing.T) {
	t.Parallel()

	ts := setupTest(t, serverOptions{maxBodyBytes: 64})

	recorder, body := do(t, ts, http.MethodPost, "/api/tts/generate", bearer(t, "owner-a"), `{"text":`)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Equal(t, "Invalid request body", body.Error.Message)

	recorder, body = do(t, ts, http.MethodPost, "/api/tts/generate", bearer(t, "owner-a"),
		`{"text":"`+strings.Repeat("a", 200)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, recorder.Code)
	assert.Equal(t, "Request body too large", body.Error.Message)
}

func TestGenerate_ErrorMapping(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		kind   core.Kind
		status int
	}{
		{kind: core.KindInvalidInput, status: http.StatusBadRequest},
		{kind: core.KindRateLimited, status: http.StatusTooManyRequests},
		{kind: core.KindProviderRateLimited, status: http.StatusTooManyRequests},
		{kind: core.KindProviderAuth, status: http.StatusServiceUnavailable},
		{kind: core.KindProviderUnavailable, status: http.StatusServiceUnavailable},
		{kind: core.KindSynthesisFailed, status: http.StatusInternalServerError},
		{kind: core.KindStorage, status: http.StatusInternalServerError},
		{kind: core.KindPersistence, status: http.StatusInternalServerError},
	}

	for _, testCase := range testCases {
		t.Run(string(testCase.kind), func(t *testing.T) {
			t.Parallel()

			ts := setupTest(t, serverOptions{})
			ts.pipeline.generateErr = core.NewError(testCase.kind, "classified message", errors.New("secret provider detail"))

			recorder, body := do(t, ts, http.MethodPost, "/api/tts/generate", bearer(t, "owner-a"), `{"text":"Hello"}`)

			assert.Equal(t, testCase.status, recorder.Code)
			require.NotNil(t, body.Error)
			assert.False(t, body.Success)
			assert.Equal(t, "classified message", body.Error.Message)
			assert.NotContains(t, recorder.Body.String(), "secret provider detail")
		})
	}
}

func TestGenerate_RateLimitedCarriesRetryAfter(t *testing.T) {
	t.Parallel()

	ts := setupTest(t, serverOptions{})

	rateErr := core.NewError(core.KindRateLimited, "TTS generation rate limit exceeded. Please try again later.", nil)
	rateErr.RetryAfter = 90*time.Second + time.Millisecond
	ts.pipeline.generateErr = rateErr

	recorder, body := do(t, ts, http.MethodPost, "/api/tts/generate", bearer(t, "owner-a"), `{"text":"Hello"}`)

	assert.Equal(t, http.StatusTooManyRequests, recorder.Code)
	assert.Equal(t, "91", recorder.Header().Get("Retry-After"))
	assert.Equal(t, 91, body.Error.RetryAfter)
}

func TestGenerate_DebugExposesCause(t *testing.T) {
	t.Parallel()

	ts := setupTest(t, serverOptions{debug: true})
	ts.pipeline.generateErr = core.NewError(core.KindStorage, "Failed to save audio file", errors.New("disk full"))

	recorder, body := do(t, ts, http.MethodPost, "/api/tts/generate", bearer(t, "owner-a"), `{"text":"Hello"}`)

	assert.Equal(t, http.StatusInternalServerError, recorder.Code)
	assert.Contains(t, body.Error.Details, "disk full")
}

func TestGenerate_UnclassifiedErrorIsInternal(t *testing.T) {
	t.Parallel()

	ts := setupTest(t, serverOptions{})
	ts.pipeline.generateErr = errors.New("raw failure")

	recorder, body := do(t, ts, http.MethodPost, "/api/tts/generate", bearer(t, "owner-a"), `{"text":"Hello"}`)

	assert.Equal(t, http.StatusInternalServerError, recorder.Code)
	assert.Equal(t, "Internal server error", body.Error.Message)
	assert.Empty(t, body.Error.Details)
}

func TestGenerate_PanicIsRecovered(t *testing.T) {
	t.Parallel()

	ts := setupTest(t, serverOptions{})
	ts.pipeline.panicOnCall = true

	recorder, body := do(t, ts, http.MethodPost, "/api/tts/generate", bearer(t, "owner-a"), `{"text":"Hello"}`)

	assert.Equal(t, http.StatusInternalServerError, recorder.Code)
	assert.Equal(t, "Internal server error", body.Error.Message)
}

func TestAuthentication(t *testing.T) {
	t.Parallel()

	ts := setupTest(t, serverOptions{})

	recorder, body := do(t, ts, http.MethodGet, "/api/tts/generations", "", "")
	assert.Equal(t, http.StatusUnauthorized, recorder.Code)
	assert.Equal(t, "Missing authorization header", body.Error.Message)

	for attempt := 2; attempt <= 5; attempt++ {
		recorder, body = do(t, ts, http.MethodGet, "/api/tts/generations", "Bearer wrong", "")
		assert.Equal(t, http.StatusUnauthorized, recorder.Code, "attempt %d", attempt)
		assert.Equal(t, "Invalid or expired token", body.Error.Message)
	}

	recorder, body = do(t, ts, http.MethodGet, "/api/tts/generations", "Bearer wrong", "")
	assert.Equal(t, http.StatusTooManyRequests, recorder.Code)
	assert.Equal(t, "Too many authentication attempts, please try again later.", body.Error.Message)
	assert.NotEmpty(t, recorder.Header().Get("Retry-After"))

	recorder, _ = do(t, ts, http.MethodGet, "/api/tts/generations", bearer(t, "owner-a"), "")
	assert.Equal(t, http.StatusOK, recorder.Code, "valid tokens are not blocked")
}

func TestAPIRateLimit(t *testing.T) {
	t.Parallel()

	ts := setupTest(t, serverOptions{apiLimit: 3})

	for range 3 {
		recorder, _ := do(t, ts, http.MethodGet, "/api/tts/voices", "", "")
		require.Equal(t, http.StatusOK, recorder.Code)
	}

	recorder, body := do(t, ts, http.MethodGet, "/api/tts/voices", "", "")
	assert.Equal(t, http.StatusTooManyRequests, recorder.Code)
	assert.Equal(t, "Too many requests from this IP, please try again later.", body.Error.Message)
	assert.Equal(t, "0", recorder.Header().Get("RateLimit-Remaining"))
}

func TestDownload(t *testing.T) {
	t.Parallel()

	ts := setupTest(t, serverOptions{})

	recorder, _ := do(t, ts, http.MethodGet, "/api/tts/download/speech_x.mp3", "", "")

	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "audio/mpeg", recorder.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="speech_x.mp3"`, recorder.Header().Get("Content-Disposition"))
	assert.Equal(t, "public, max-age=3600", recorder.Header().Get("Cache-Control"))
	assert.Equal(t, "ID3 audio", recorder.Body.String())
}

func TestDownload_Errors(t *testing.T) {
	t.Parallel()

	ts := setupTest(t, serverOptions{})
	ts.pipeline.openErr = core.NewError(core.KindInvalidFilename, "Invalid filename", nil)

	recorder, body := do(t, ts, http.MethodGet, "/api/tts/download/evil.wav", "", "")
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Equal(t, "Invalid filename", body.Error.Message)

	ts.pipeline.openErr = core.NewError(core.KindNotFound, "Audio file not found", nil)

	recorder, body = do(t, ts, http.MethodGet, "/api/tts/download/gone.mp3", "", "")
	assert.Equal(t, http.StatusNotFound, recorder.Code)
	assert.Equal(t, "Audio file not found", body.Error.Message)
}

func TestGenerations(t *testing.T) {
	t.Parallel()

	ts := setupTest(t, serverOptions{})
	token := bearer(t, "owner-a")

	recorder, body := do(t, ts, http.MethodGet, "/api/tts/generations?limit=500&offset=abc", token, "")
	require.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, 500, ts.pipeline.lastLimit)
	assert.Equal(t, 0, ts.pipeline.lastOffset)

	var page struct {
		Generations []core.GenerationSummary `json:"generations"`
		Pagination  struct {
			Limit  int `json:"limit"`
			Offset int `json:"offset"`
			Total  int `json:"total"`
		} `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &page))
	assert.NotNil(t, page.Generations)
	assert.Equal(t, 100, page.Pagination.Limit)

	recorder, _ = do(t, ts, http.MethodGet, "/api/tts/generations/gen-1", token, "")
	assert.Equal(t, http.StatusOK, recorder.Code)

	recorder, body = do(t, ts, http.MethodGet, "/api/tts/generations/missing", token, "")
	assert.Equal(t, http.StatusNotFound, recorder.Code)
	assert.Equal(t, "Generation not found", body.Error.Message)

	recorder, body = do(t, ts, http.MethodDelete, "/api/tts/generations/gen-1", token, "")
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "Generation deleted successfully", body.Message)

	recorder, _ = do(t, ts, http.MethodDelete, "/api/tts/generations/missing", token, "")
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestStats(t *testing.T) {
	t.Parallel()

	ts := setupTest(t, serverOptions{})

	recorder, body := do(t, ts, http.MethodGet, "/api/tts/stats", bearer(t, "owner-a"), "")
	require.Equal(t, http.StatusOK, recorder.Code)

	var data struct {
		Stats             core.OwnerStats `json:"stats"`
		FormattedDuration string          `json:"formattedDuration"`
		FormattedFileSize string          `json:"formattedFileSize"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &data))
	assert.Equal(t, 2, data.Stats.TotalGenerations)
	assert.Equal(t, "1m 30s", data.FormattedDuration)
	assert.Equal(t, "2.0 KB", data.FormattedFileSize)
}

func TestVoices(t *testing.T) {
	t.Parallel()

	ts := setupTest(t, serverOptions{})

	recorder, body := do(t, ts, http.MethodGet, "/api/tts/voices", "", "")
	require.Equal(t, http.StatusOK, recorder.Code)

	var data struct {
		Voices       []map[string]string `json:"voices"`
		DefaultVoice string              `json:"defaultVoice"`
	}
	require.NoError(t, json.Unmarshal(body.Data, &data))
	assert.Len(t, data.Voices, 6)
	assert.Equal(t, "nova", data.DefaultVoice)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	ts := setupTest(t, serverOptions{})

	recorder, body := do(t, ts, http.MethodGet, "/api/health", "", "")
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.True(t, body.Success)

	recorder, _ = do(t, ts, http.MethodGet, "/api/health/detailed", "", "")
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestHealthDetailed_Degraded(t *testing.T) {
	t.Parallel()

	ts := setupTest(t, serverOptions{databaseCheck: func(context.Context) error { return errMockCheck }})

	recorder, body := do(t, ts, http.MethodGet, "/api/health/detailed", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	assert.False(t, body.Success)
	assert.NotContains(t, recorder.Body.String(), errMockCheck.Error())
}

func TestNoRoute(t *testing.T) {
	t.Parallel()

	ts := setupTest(t, serverOptions{})

	recorder, body := do(t, ts, http.MethodGet, "/api/unknown", "", "")
	assert.Equal(t, http.StatusNotFound, recorder.Code)
	assert.Equal(t, "Route not found", body.Error.Message)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := server.New(server.Options{}, createTestLogger(t))
	require.ErrorIs(t, err, server.ErrPipelineRequired)
}
