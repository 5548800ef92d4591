// ABOUTME: HTTP generation backend for OpenAI-compatible chat completion APIs
// ABOUTME: Supports Server-Sent Event streaming and single JSON responses

package generation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// maxErrorBody bounds how much of a failed response is read for its detail.
	maxErrorBody = 4 << 10
	// maxResponseBody bounds a non-streamed completion body.
	maxResponseBody = 8 << 20
	// maxChunkSize bounds a single SSE line.
	maxChunkSize = 1 << 20
)

// HTTPConfig configures an HTTPBackend.
type HTTPConfig struct {
	// URL is the API base (http://host:8000, http://host:8000/v1) or the
	// full chat completions endpoint.
	URL    string
	Model  string
	APIKey string
	Stream bool
	// Timeout bounds connecting and waiting for response headers. Streaming
	// bodies are not subject to it.
	Timeout time.Duration
}

// HTTPBackend is a Client for OpenAI-compatible chat completion endpoints.
type HTTPBackend struct {
	cfg      HTTPConfig
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// HTTPOption configures an HTTPBackend.
type HTTPOption func(*HTTPBackend)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(b *HTTPBackend) { b.client = c }
}

// WithHTTPLogger sets the logger. A nil logger means slog.Default().
func WithHTTPLogger(logger *slog.Logger) HTTPOption {
	return func(b *HTTPBackend) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// NewHTTPBackend creates an HTTP backend.
func NewHTTPBackend(cfg HTTPConfig, opts ...HTTPOption) *HTTPBackend {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.Timeout > 0 {
		transport.ResponseHeaderTimeout = cfg.Timeout
	}
	b := &HTTPBackend{
		cfg:      cfg,
		endpoint: completionsURL(cfg.URL),
		client:   &http.Client{Transport: transport},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "http-backend")
	return b
}

// completionsURL resolves the chat completions endpoint from a base URL.
func completionsURL(base string) string {
	base = strings.TrimRight(base, "/")
	switch {
	case strings.HasSuffix(base, "/chat/completions"):
		return base
	case strings.HasSuffix(base, "/v1"):
		return base + "/chat/completions"
	default:
		return base + "/v1/chat/completions"
	}
}

// Name implements Client.
func (b *HTTPBackend) Name() string { return "http" }

// Endpoint returns the resolved chat completions URL.
func (b *HTTPBackend) Endpoint() string { return b.endpoint }

// Model returns the configured model name.
func (b *HTTPBackend) Model() string { return b.cfg.Model }

type chatRequest struct {
	Model            string    `json:"model,omitempty"`
	Messages         []Message `json:"messages"`
	Temperature      float64   `json:"temperature"`
	TopP             float64   `json:"top_p"`
	PresencePenalty  float64   `json:"presence_penalty"`
	FrequencyPenalty float64   `json:"frequency_penalty"`
	MaxTokens        *int      `json:"max_tokens,omitempty"`
	Seed             *int      `json:"seed,omitempty"`
	Stream           bool      `json:"stream"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Payload returns the JSON body that would be sent for req.
func (b *HTTPBackend) Payload(req *Request) ([]byte, error) {
	return json.Marshal(b.buildRequest(req))
}

func (b *HTTPBackend) buildRequest(req *Request) chatRequest {
	s := req.Sampling
	out := chatRequest{
		Model:            b.cfg.Model,
		Messages:         req.Messages,
		Temperature:      s.Temperature,
		TopP:             s.TopP,
		PresencePenalty:  s.PresencePenalty,
		FrequencyPenalty: s.FrequencyPenalty,
		Stream:           b.cfg.Stream,
	}
	if s.MaxTokens >= 0 {
		out.MaxTokens = &s.MaxTokens
	}
	if s.Seed >= 0 {
		out.Seed = &s.Seed
	}
	return out
}

// Generate implements Client.
func (b *HTTPBackend) Generate(ctx context.Context, req *Request) <-chan Event {
	events := make(chan Event, 16)

	go func() {
		defer close(events)

		send := func(ev Event) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}
		fail := func(err error) {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("generation failed", "error", err)
			send(Event{Err: err})
		}

		resp, err := b.do(ctx, req)
		if err != nil {
			fail(err)
			return
		}
		defer resp.Body.Close()

		if b.cfg.Stream {
			b.readStream(ctx, resp, send, fail)
		} else {
			b.readWhole(resp, send, fail)
		}
	}()

	return events
}

func (b *HTTPBackend) do(ctx context.Context, req *Request) (*http.Response, error) {
	body, err := b.Payload(req)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if b.cfg.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if b.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+b.cfg.APIKey)
	}

	b.logger.Debug("sending generation request",
		"endpoint", b.endpoint,
		"messages", len(req.Messages),
		"stream", b.cfg.Stream,
	)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		return nil, apiError(resp)
	}
	return resp, nil
}

// apiError builds an APIError from a failed response, pulling the detail out
// of the common JSON error shapes when present.
func apiError(resp *http.Response) *APIError {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	detail := strings.TrimSpace(string(raw))

	var body struct {
		Error  json.RawMessage `json:"error"`
		Detail string          `json:"detail"`
	}
	if json.Unmarshal(raw, &body) == nil {
		var nested struct {
			Message string `json:"message"`
		}
		var flat string
		switch {
		case json.Unmarshal(body.Error, &nested) == nil && nested.Message != "":
			detail = nested.Message
		case json.Unmarshal(body.Error, &flat) == nil && flat != "":
			detail = flat
		case body.Detail != "":
			detail = body.Detail
		}
	}
	return &APIError{StatusCode: resp.StatusCode, Detail: detail}
}

func (b *HTTPBackend) readWhole(resp *http.Response, send func(Event) bool, fail func(error)) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		fail(fmt.Errorf("%w: reading response: %v", ErrNetwork, err))
		return
	}

	var body chatResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		fail(fmt.Errorf("%w: %v", ErrMalformedResponse, err))
		return
	}
	if len(body.Choices) == 0 {
		fail(fmt.Errorf("%w: no choices in response", ErrMalformedResponse))
		return
	}

	if text := body.Choices[0].Message.Content; text != "" {
		if !send(Event{Text: text}) {
			return
		}
	}
	send(Event{Done: true})
}

func (b *HTTPBackend) readStream(ctx context.Context, resp *http.Response, send func(Event) bool, fail func(error)) {
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxChunkSize)

	finished := false
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			send(Event{Done: true})
			return
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			fail(fmt.Errorf("%w: %v", ErrMalformedResponse, err))
			return
		}
		if chunk.Error != nil {
			fail(&APIError{StatusCode: resp.StatusCode, Detail: chunk.Error.Message})
			return
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if text := choice.Delta.Content; text != "" {
			if !send(Event{Text: text}) {
				return
			}
		}
		if choice.FinishReason != "" {
			finished = true
		}
	}

	if ctx.Err() != nil {
		return
	}
	if err := scanner.Err(); err != nil {
		fail(fmt.Errorf("%w: reading stream: %v", ErrNetwork, err))
		return
	}
	if !finished {
		fail(fmt.Errorf("%w: stream ended before completion", ErrNetwork))
		return
	}
	send(Event{Done: true})
}
