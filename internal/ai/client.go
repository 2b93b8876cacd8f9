package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/evolvesystems/audiotricks-sub001/internal/config"
	"github.com/evolvesystems/audiotricks-sub001/internal/domain"
	"github.com/evolvesystems/audiotricks-sub001/internal/pipeline"
)

// Client talks to the AI provider service. It implements the pipeline
// provider interfaces for all three operations.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     zerolog.Logger
}

func NewClient(cfg *config.Config, logger zerolog.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(cfg.AIBaseURL, "/"),
		apiKey:  cfg.AIAPIKey,
		httpClient: &http.Client{
			Timeout:   cfg.AITimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger.With().Str("component", "ai_client").Logger(),
	}
}

type transcribeRequest struct {
	AudioURL string `json:"audioUrl"`
	MimeType string `json:"mimeType,omitempty"`
}

type summarizeRequest struct {
	AudioURL   string `json:"audioUrl"`
	Transcript string `json:"transcript,omitempty"`
}

type analyzeRequest struct {
	AudioURL   string `json:"audioUrl"`
	Transcript string `json:"transcript,omitempty"`
}

// Transcribe sends the artifact for speech-to-text.
func (c *Client) Transcribe(ctx context.Context, artifact pipeline.Artifact) (domain.TranscriptionResult, error) {
	var result domain.TranscriptionResult
	err := c.post(ctx, "/v1/transcriptions", transcribeRequest{
		AudioURL: artifact.URL,
		MimeType: artifact.MimeType,
	}, &result)
	return result, err
}

// Summarize condenses the artifact, reusing the transcript when available so
// the provider skips a second speech-to-text pass.
func (c *Client) Summarize(ctx context.Context, artifact pipeline.Artifact, transcript string) (domain.SummaryResult, error) {
	var result domain.SummaryResult
	err := c.post(ctx, "/v1/summaries", summarizeRequest{
		AudioURL:   artifact.URL,
		Transcript: transcript,
	}, &result)
	return result, err
}

// Analyze extracts sentiment, topics, and entities.
func (c *Client) Analyze(ctx context.Context, artifact pipeline.Artifact, transcript string) (domain.AnalysisResult, error) {
	var result domain.AnalysisResult
	err := c.post(ctx, "/v1/analyses", analyzeRequest{
		AudioURL:   artifact.URL,
		Transcript: transcript,
	}, &result)
	return result, err
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("ai service error (%d): %s", resp.StatusCode, string(bodyBytes))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}
