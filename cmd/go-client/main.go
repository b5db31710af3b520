// main package for the speech-service command-line client
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/book-expert/logger"
)

// Flag descriptions.
const (
	flagTextDesc    = "Text to convert to speech"
	flagVoiceDesc   = "Voice to use (alloy, echo, fable, onyx, nova, shimmer)"
	flagSpeedDesc   = "Speech speed between 0.25 and 4.0"
	flagOutputDesc  = "Output file path (.mp3)"
	flagServerDesc  = "Base URL of the speech service"
	flagTokenDesc   = "Bearer token (defaults to $SPEECH_TOKEN)"
	flagHealthDesc  = "Check speech service health and exit"
	flagHistoryDesc = "List the most recent generations and exit"
	flagLimitDesc   = "Number of generations listed by --history"
)

// Flag names.
const (
	flagText    = "text"
	flagVoice   = "voice"
	flagSpeed   = "speed"
	flagOutput  = "output"
	flagServer  = "server"
	flagToken   = "token"
	flagHealth  = "health"
	flagHistory = "history"
	flagLimit   = "limit"
)

const (
	defaultServer     = "http://localhost:3001"
	defaultOutputFile = "output.mp3"
	defaultVoice      = "nova"
	defaultSpeed      = 1.0
	defaultLimit      = 10
	envToken          = "SPEECH_TOKEN"
	requestTimeout    = 2 * time.Minute
	logFileName       = "speech-client.log"
)

// Error and output messages.
const (
	errEitherTextOrMode   = "Either --text, --health or --history must be provided"
	errCannotCombineModes = "Cannot combine --text, --health and --history"
	errTokenRequired      = "A token is required (use --token or set SPEECH_TOKEN)"
	msgServiceHealthy     = "Speech service is healthy (version %s)\n"
	msgGenerated          = "Generated %s (%ds, %d bytes)\n"
	msgHistoryLine        = "%s  %s  %-7s %5.2fx  %4ds  %s\n"
	msgHistoryEmpty       = "No generations yet"
)

var (
	errInvalidArguments = errors.New("invalid arguments")
	errRequestFailed    = errors.New("request failed")
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	text    string
	voice   string
	speed   float64
	output  string
	server  string
	token   string
	health  bool
	history bool
	limit   int
}

type apiError struct {
	Message string   `json:"message"`
	Details []string `json:"details"`
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Error   *apiError       `json:"error"`
}

type generation struct {
	AudioURL     string `json:"audioUrl"`
	Filename     string `json:"filename"`
	GenerationID string `json:"generationId"`
	Duration     int    `json:"duration"`
	FileSize     int64  `json:"fileSize"`
}

type summary struct {
	ID              string    `json:"id"`
	TextPreview     string    `json:"text_preview"`
	VoiceType       string    `json:"voice_type"`
	Speed           float64   `json:"speed"`
	DurationSeconds int       `json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
}

// apiClient drives the speech service HTTP API.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
	log     *logger.Logger
}

func newAPIClient(baseURL, token string, httpClient *http.Client, log *logger.Logger) *apiClient {
	return &apiClient{baseURL: strings.TrimRight(baseURL, "/"), token: token, http: httpClient, log: log}
}

func main() {
	err := run(context.Background(), os.Args[1:], os.Stdout, os.LookupEnv, os.TempDir())
	if err != nil {
		// A logger might not be initialized yet, so use the standard log package.
		log.Fatalf("Error: %v", err)
	}
}

// run is the main application entry point, returning an error on failure.
func run(ctx context.Context, args []string, stdout io.Writer, lookup func(string) (string, bool), logDir string) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}

	clientLog, err := logger.New(logDir, logFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer clientLog.Close()

	if flags.token == "" {
		flags.token, _ = lookup(envToken)
	}

	err = validateFlags(flags)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	client := newAPIClient(flags.server, flags.token, &http.Client{Timeout: requestTimeout}, clientLog)

	switch {
	case flags.health:
		return handleHealthCheck(ctx, client, stdout)
	case flags.history:
		return handleHistory(ctx, client, flags.limit, stdout)
	default:
		return handleGenerate(ctx, client, flags, stdout)
	}
}

// parseFlags defines and parses command-line flags, returning them in a struct.
func parseFlags(args []string) (appFlags, error) {
	var flags appFlags

	flagSet := flag.NewFlagSet("go-client", flag.ContinueOnError)
	flagSet.StringVar(&flags.text, flagText, "", flagTextDesc)
	flagSet.StringVar(&flags.voice, flagVoice, defaultVoice, flagVoiceDesc)
	flagSet.Float64Var(&flags.speed, flagSpeed, defaultSpeed, flagSpeedDesc)
	flagSet.StringVar(&flags.output, flagOutput, defaultOutputFile, flagOutputDesc)
	flagSet.StringVar(&flags.server, flagServer, defaultServer, flagServerDesc)
	flagSet.StringVar(&flags.token, flagToken, "", flagTokenDesc)
	flagSet.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	flagSet.BoolVar(&flags.history, flagHistory, false, flagHistoryDesc)
	flagSet.IntVar(&flags.limit, flagLimit, defaultLimit, flagLimitDesc)

	err := flagSet.Parse(args)
	if err != nil {
		return appFlags{}, fmt.Errorf("%w: %w", errInvalidArguments, err)
	}

	return flags, nil
}

// validateFlags checks for required and conflicting arguments.
func validateFlags(flags appFlags) error {
	modes := 0

	for _, selected := range []bool{flags.text != "", flags.health, flags.history} {
		if selected {
			modes++
		}
	}

	switch {
	case modes == 0:
		return fmt.Errorf("%w: %s", errInvalidArguments, errEitherTextOrMode)
	case modes > 1:
		return fmt.Errorf("%w: %s", errInvalidArguments, errCannotCombineModes)
	case !flags.health && flags.token == "":
		return fmt.Errorf("%w: %s", errInvalidArguments, errTokenRequired)
	}

	return nil
}

// handleHealthCheck performs a service health check and prints the result.
func handleHealthCheck(ctx context.Context, client *apiClient, stdout io.Writer) error {
	var health struct {
		Status  string `json:"status"`
		Version string `json:"version"`
	}

	err := client.getJSON(ctx, "/api/health", &health)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(stdout, msgServiceHealthy, health.Version)

	return err
}

func handleHistory(ctx context.Context, client *apiClient, limit int, stdout io.Writer) error {
	var page struct {
		Generations []summary `json:"generations"`
	}

	query := url.Values{flagLimit: []string{strconv.Itoa(limit)}}

	err := client.call(ctx, http.MethodGet, "/api/tts/generations?"+query.Encode(), nil, &page)
	if err != nil {
		return err
	}

	if len(page.Generations) == 0 {
		_, err = fmt.Fprintln(stdout, msgHistoryEmpty)

		return err
	}

	for _, item := range page.Generations {
		_, err = fmt.Fprintf(stdout, msgHistoryLine,
			item.CreatedAt.Local().Format(time.DateTime), item.ID, item.VoiceType, item.Speed,
			item.DurationSeconds, item.TextPreview)
		if err != nil {
			return err
		}
	}

	return nil
}

// handleGenerate requests one generation and downloads the resulting audio.
func handleGenerate(ctx context.Context, client *apiClient, flags appFlags, stdout io.Writer) error {
	payload := map[string]any{flagText: flags.text, flagVoice: flags.voice, flagSpeed: flags.speed}

	var result generation

	err := client.call(ctx, http.MethodPost, "/api/tts/generate", payload, &result)
	if err != nil {
		return err
	}

	err = client.download(ctx, result.AudioURL, flags.output)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(stdout, msgGenerated, flags.output, result.Duration, result.FileSize)

	return err
}

// getJSON fetches an endpoint that answers with a bare JSON object.
func (a *apiClient) getJSON(ctx context.Context, path string, target any) error {
	resp, err := a.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned status %d", errRequestFailed, path, resp.StatusCode)
	}

	return json.NewDecoder(resp.Body).Decode(target)
}

// call performs a request against an enveloped endpoint and decodes its data.
func (a *apiClient) call(ctx context.Context, method, path string, payload, target any) error {
	var body io.Reader

	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}

		body = bytes.NewReader(encoded)
	}

	resp, err := a.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var decoded envelope

	err = json.NewDecoder(resp.Body).Decode(&decoded)
	if err != nil {
		return fmt.Errorf("%w: %s returned status %d with an unreadable body", errRequestFailed, path, resp.StatusCode)
	}

	if !decoded.Success || decoded.Error != nil {
		return envelopeError(resp, decoded)
	}

	if target == nil || len(decoded.Data) == 0 {
		return nil
	}

	return json.Unmarshal(decoded.Data, target)
}

func (a *apiClient) download(ctx context.Context, audioURL, outputPath string) error {
	resp, err := a.do(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: download returned status %d", errRequestFailed, resp.StatusCode)
	}

	file, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create output file %s: %w", outputPath, err)
	}

	_, copyErr := io.Copy(file, resp.Body)
	closeErr := file.Close()

	if copyErr != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, copyErr)
	}

	return closeErr
}

func (a *apiClient) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.http.Do(req)
	if err != nil {
		a.log.Error("%s %s failed: %v", method, path, err)

		return nil, fmt.Errorf("%w: %w", errRequestFailed, err)
	}

	a.log.Info("%s %s -> %d", method, path, resp.StatusCode)

	return resp, nil
}

func envelopeError(resp *http.Response, decoded envelope) error {
	message := http.StatusText(resp.StatusCode)
	if decoded.Error != nil && decoded.Error.Message != "" {
		message = decoded.Error.Message
	}

	if decoded.Error != nil && len(decoded.Error.Details) > 0 {
		message += " (" + strings.Join(decoded.Error.Details, "; ") + ")"
	}

	if retry := resp.Header.Get("Retry-After"); retry != "" {
		message += ", retry after " + retry + "s"
	}

	return fmt.Errorf("%w: %s (status %d)", errRequestFailed, message, resp.StatusCode)
}
