// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/jeranaias/sidernav/internal/logging"
	"github.com/jeranaias/sidernav/internal/request"
	"github.com/jeranaias/sidernav/internal/stream"
)

// Configuration constants for the DeepSeek API.
const (
	// DefaultBaseURL is the base URL of the DeepSeek API.
	DefaultBaseURL = "https://api.deepseek.com"

	// DefaultModel is used when no model is configured.
	DefaultModel = "deepseek-chat"

	// DefaultTemperature is the sampling temperature for chat requests.
	DefaultTemperature = 0.7

	// DefaultTimeout bounds non-streaming requests.
	DefaultTimeout = 60 * time.Second

	// completionsPath is appended to the base URL.
	completionsPath = "/chat/completions"

	// maxResponseSize caps non-streaming bodies and error bodies.
	// SECURITY: Prevents memory exhaustion from a misbehaving endpoint.
	maxResponseSize = 10 * 1024 * 1024

	// maxErrorBody is how much of an error body is kept on HTTPError.
	maxErrorBody = 4096
)

// Error variables for provider failures.
var (
	// ErrNotConfigured indicates the API key is not set.
	ErrNotConfigured = errors.New("API key not configured")

	// ErrAuthFailed indicates the API key was rejected.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited indicates too many requests were made.
	ErrRateLimited = errors.New("rate limited")

	// ErrEmptyResponse indicates a non-streaming response had no choices.
	ErrEmptyResponse = errors.New("empty response")
)

// HTTPError is a non-2xx response from the provider.
type HTTPError struct {
	Status int
	Body   string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("API request failed: HTTP %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("API request failed: HTTP %d", e.Status)
}

// Is maps well-known status codes onto the sentinel errors.
func (e *HTTPError) Is(target error) bool {
	switch target {
	case ErrAuthFailed:
		return e.Status == http.StatusUnauthorized
	case ErrRateLimited:
		return e.Status == http.StatusTooManyRequests
	}
	return false
}

// Role is the author of a chat message.
type Role string

// Message roles.
const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single message sent to the provider.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the request body for the completions endpoint.
type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	Stream      bool      `json:"stream"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// chatResponse is the non-streaming response body.
type chatResponse struct {
	Choices []struct {
		Message struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
		} `json:"message"`
	} `json:"choices"`
}

// Options configures a Client.
type Options struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float64

	// Timeout bounds non-streaming requests. Streaming requests are only
	// bounded by their context.
	Timeout time.Duration

	// RequestsPerMinute throttles outgoing requests. Zero disables it.
	RequestsPerMinute int

	// Requests tracks in-flight streams. A private manager is created
	// when nil.
	Requests *request.Manager

	// Stream tunes the SSE decoder.
	Stream stream.Options

	HTTPClient *http.Client
	Logger     logrus.FieldLogger
}

// Client talks to an OpenAI-compatible chat completions endpoint.
type Client struct {
	mu          sync.RWMutex
	apiKey      string
	model       string
	baseURL     string
	temperature float64

	timeout    time.Duration
	limiter    *rate.Limiter
	requests   *request.Manager
	streamOpts stream.Options
	http       *http.Client
	log        logrus.FieldLogger
}

// NewClient creates a client. An empty API key is allowed; requests then
// fail with ErrNotConfigured.
func NewClient(opts Options) *Client {
	log := logging.OrDiscard(opts.Logger).WithField("component", "cloud")

	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Model == "" {
		opts.Model = DefaultModel
	}
	if opts.Temperature == 0 {
		opts.Temperature = DefaultTemperature
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Requests == nil {
		opts.Requests = request.NewManager(opts.Logger)
	}
	if opts.HTTPClient == nil {
		// PERFORMANCE: Shared transport keeps connections pooled.
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	if opts.Stream.Logger == nil {
		opts.Stream.Logger = log
	}

	limit := rate.Inf
	burst := 1
	if opts.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(opts.RequestsPerMinute))
		burst = min(opts.RequestsPerMinute, 5)
	}

	return &Client{
		apiKey:      strings.TrimSpace(opts.APIKey),
		model:       opts.Model,
		baseURL:     strings.TrimSuffix(opts.BaseURL, "/"),
		temperature: opts.Temperature,
		timeout:     opts.Timeout,
		limiter:     rate.NewLimiter(limit, burst),
		requests:    opts.Requests,
		streamOpts:  opts.Stream,
		http:        opts.HTTPClient,
		log:         log,
	}
}

// SetAPIKey replaces the API key.
func (c *Client) SetAPIKey(key string) {
	c.mu.Lock()
	c.apiKey = strings.TrimSpace(key)
	c.mu.Unlock()
	c.log.WithField("key", logging.KeyFingerprint(key)).Info("API_KEY_UPDATED")
}

// SetModel replaces the model. An empty model restores the default.
func (c *Client) SetModel(model string) {
	if model == "" {
		model = DefaultModel
	}
	c.mu.Lock()
	c.model = model
	c.mu.Unlock()
}

// Model returns the current model.
func (c *Client) Model() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.model
}

// IsConfigured reports whether an API key is set.
func (c *Client) IsConfigured() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.apiKey != ""
}

// Requests returns the manager tracking in-flight streams.
func (c *Client) Requests() *request.Manager { return c.requests }

// Chat sends a non-streaming request and returns the answer text.
func (c *Client) Chat(ctx context.Context, messages []Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.send(ctx, messages, false, 0)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	return out.Choices[0].Message.Content, nil
}

// TestConnection sends a minimal request to verify the key and endpoint.
func (c *Client) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.send(ctx, []Message{{Role: RoleUser, Content: "Hello"}}, false, 1)
	if err != nil {
		c.log.WithError(err).Warn("CONNECTION_TEST_FAILED")
		return err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseSize))
	resp.Body.Close()
	c.log.Info("CONNECTION_TEST_OK")
	return nil
}

// Abort cancels the in-flight stream with the given id.
func (c *Client) Abort(requestID string) bool {
	return c.requests.Abort(requestID)
}

// AbortAll cancels every in-flight stream.
func (c *Client) AbortAll() int {
	return c.requests.AbortAll()
}

// send issues the request and returns a 2xx response. The caller closes
// the body.
func (c *Client) send(ctx context.Context, messages []Message, streaming bool, maxTokens int) (*http.Response, error) {
	c.mu.RLock()
	apiKey, model, baseURL, temperature := c.apiKey, c.model, c.baseURL, c.temperature
	c.mu.RUnlock()

	if apiKey == "" {
		return nil, ErrNotConfigured
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: temperature,
		Stream:      streaming,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+completionsPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	if streaming {
		req.Header.Set("Accept", "text/event-stream")
	}

	c.log.WithFields(logrus.Fields{
		"model":    model,
		"messages": len(messages),
		"stream":   streaming,
		"key":      logging.KeyFingerprint(apiKey),
	}).Debug("API_REQUEST")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		herr := &HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		c.log.WithField("status", resp.StatusCode).Warn("API_REQUEST_FAILED")
		return nil, herr
	}
	return resp, nil
}

// UserMessage maps an error to text suitable for showing to the user.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var herr *HTTPError
	switch {
	case errors.Is(err, ErrNotConfigured):
		return "请先在设置中配置 DeepSeek API Key"
	case errors.Is(err, ErrAuthFailed):
		return "API Key 无效，请检查设置"
	case errors.Is(err, ErrRateLimited):
		return "请求过于频繁，请稍后再试"
	case errors.As(err, &herr) && herr.Status >= 500:
		return "DeepSeek 服务器错误，请稍后再试"
	default:
		return "网络请求失败，请检查网络连接"
	}
}
