// Package llm is the gateway to an OpenAI-compatible chat-completion API.
// It owns retry and backoff, the adaptive spacing between requests shared
// by every caller in the process, and response parsing.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"safe-analysis-sandbox/internal/config"
	"safe-analysis-sandbox/internal/monitor"
)

// Settings are the gateway defaults. Per-call Options override them.
type Settings struct {
	Model            string        `json:"model"`
	BaseURL          string        `json:"base_url"`
	APIKey           string        `json:"-"`
	Temperature      float64       `json:"temperature"`
	MaxTokens        int           `json:"max_tokens"`
	Timeout          time.Duration `json:"timeout"`
	Retries          int           `json:"retries"`
	TopP             float64       `json:"top_p"`
	FrequencyPenalty float64       `json:"frequency_penalty"`
	PresencePenalty  float64       `json:"presence_penalty"`
	Stop             []string      `json:"stop,omitempty"`
}

// SettingsFromConfig maps the llm config section.
func SettingsFromConfig(c config.LLMConfig) Settings {
	return Settings{
		Model:            c.Model,
		BaseURL:          c.BaseURL,
		APIKey:           c.APIKey,
		Temperature:      c.Temperature,
		MaxTokens:        c.MaxTokens,
		Timeout:          c.Timeout,
		Retries:          c.Retries,
		TopP:             c.TopP,
		FrequencyPenalty: c.FrequencyPenalty,
		PresencePenalty:  c.PresencePenalty,
		Stop:             c.Stop,
	}
}

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// User is a one-message conversation.
func User(content string) []Message {
	return []Message{{Role: "user", Content: content}}
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is a parsed model reply.
type Completion struct {
	Content      string        `json:"content"`
	Model        string        `json:"model"`
	FinishReason string        `json:"finish_reason"`
	Usage        Usage         `json:"usage"`
	Attempts     int           `json:"attempts"`
	Duration     time.Duration `json:"duration"`
}

// StreamHandler receives each content delta of a streamed reply.
type StreamHandler func(delta string)

type params struct {
	model            string
	temperature      float64
	maxTokens        int
	timeout          time.Duration
	retries          int
	topP             float64
	frequencyPenalty float64
	presencePenalty  float64
	stop             []string
	stream           StreamHandler
}

// Option overrides one setting for a single call.
type Option func(*params)

func WithModel(m string) Option             { return func(p *params) { p.model = m } }
func WithTemperature(t float64) Option      { return func(p *params) { p.temperature = t } }
func WithMaxTokens(n int) Option            { return func(p *params) { p.maxTokens = n } }
func WithTimeout(d time.Duration) Option    { return func(p *params) { p.timeout = d } }
func WithRetries(n int) Option              { return func(p *params) { p.retries = n } }
func WithTopP(v float64) Option             { return func(p *params) { p.topP = v } }
func WithFrequencyPenalty(v float64) Option { return func(p *params) { p.frequencyPenalty = v } }
func WithPresencePenalty(v float64) Option  { return func(p *params) { p.presencePenalty = v } }
func WithStop(s ...string) Option           { return func(p *params) { p.stop = s } }

// WithStream switches the call to server-sent events and hands every delta
// to h as it arrives.
func WithStream(h StreamHandler) Option { return func(p *params) { p.stream = h } }

// Client is safe for concurrent use. The adaptive spacing and the counters
// are shared by all calls and guarded by mu.
type Client struct {
	settings Settings
	http     *http.Client
	metrics  *monitor.Metrics
	tracer   *monitor.Tracer

	baseDelay  time.Duration
	maxDelay   time.Duration
	maxElapsed time.Duration
	minSpacing time.Duration

	mu          sync.Mutex
	spacing     time.Duration
	lastRequest time.Time
	requests    int64
	successes   int64
	errors      int64
}

// ClientOption configures a Client.
type ClientOption func(*Client)

func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) { c.http = h }
}

func WithMetrics(m *monitor.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

func WithTracer(t *monitor.Tracer) ClientOption {
	return func(c *Client) { c.tracer = t }
}

// WithBackoff overrides the retry backoff schedule.
func WithBackoff(base, max, elapsed time.Duration) ClientOption {
	return func(c *Client) {
		c.baseDelay, c.maxDelay, c.maxElapsed = base, max, elapsed
	}
}

// WithMinSpacing sets the floor, and starting value, of the adaptive
// spacing between requests.
func WithMinSpacing(d time.Duration) ClientOption {
	return func(c *Client) { c.minSpacing = d }
}

// New creates a gateway client.
func New(settings Settings, opts ...ClientOption) *Client {
	settings.BaseURL = strings.TrimRight(settings.BaseURL, "/")
	c := &Client{
		settings:   settings,
		http:       &http.Client{},
		baseDelay:  defaultBaseDelay,
		maxDelay:   defaultMaxDelay,
		maxElapsed: defaultMaxElapsed,
		minSpacing: defaultMinSpacing,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.spacing = c.minSpacing
	return c
}

// Settings returns the client's defaults.
func (c *Client) Settings() Settings {
	return c.settings
}

func (c *Client) resolve(opts []Option) params {
	s := c.settings
	p := params{
		model:            s.Model,
		temperature:      s.Temperature,
		maxTokens:        s.MaxTokens,
		timeout:          s.Timeout,
		retries:          s.Retries,
		topP:             s.TopP,
		frequencyPenalty: s.FrequencyPenalty,
		presencePenalty:  s.PresencePenalty,
		stop:             s.Stop,
	}
	for _, opt := range opts {
		opt(&p)
	}
	if p.timeout <= 0 {
		p.timeout = 60 * time.Second
	}
	return p
}

// ResolveOptions returns s with opts applied, the way Complete sees them.
func ResolveOptions(s Settings, opts ...Option) Settings {
	p := (&Client{settings: s}).resolve(opts)
	s.Model = p.model
	s.Temperature = p.temperature
	s.MaxTokens = p.maxTokens
	s.Timeout = p.timeout
	s.Retries = p.retries
	s.TopP = p.topP
	s.FrequencyPenalty = p.frequencyPenalty
	s.PresencePenalty = p.presencePenalty
	s.Stop = p.stop
	return s
}

func (c *Client) validate(p params) error {
	invalid := func(format string, args ...any) error {
		return &APIError{Kind: ErrInvalidParams, Message: fmt.Sprintf(format, args...)}
	}
	switch {
	case strings.TrimSpace(p.model) == "":
		return invalid("model is empty")
	case p.temperature < 0 || p.temperature > 2:
		return invalid("temperature must be in [0, 2], got %g", p.temperature)
	case p.maxTokens <= 0:
		return invalid("max_tokens must be positive, got %d", p.maxTokens)
	case p.topP < 0 || p.topP > 1:
		return invalid("top_p must be in [0, 1], got %g", p.topP)
	case p.frequencyPenalty < -2 || p.frequencyPenalty > 2:
		return invalid("frequency_penalty must be in [-2, 2], got %g", p.frequencyPenalty)
	case p.presencePenalty < -2 || p.presencePenalty > 2:
		return invalid("presence_penalty must be in [-2, 2], got %g", p.presencePenalty)
	case c.settings.APIKey == "":
		return invalid("API key is not configured")
	case c.settings.BaseURL == "":
		return invalid("base URL is not configured")
	}
	return nil
}

type chatRequest struct {
	Model            string    `json:"model"`
	Messages         []Message `json:"messages"`
	MaxTokens        int       `json:"max_tokens"`
	Temperature      float64   `json:"temperature"`
	TopP             float64   `json:"top_p"`
	FrequencyPenalty float64   `json:"frequency_penalty"`
	PresencePenalty  float64   `json:"presence_penalty"`
	Stop             []string  `json:"stop,omitempty"`
	Stream           bool      `json:"stream"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

// CompleteText sends a single user prompt and returns the reply text.
func (c *Client) CompleteText(ctx context.Context, prompt string, opts ...Option) (string, error) {
	comp, err := c.Complete(ctx, User(prompt), opts...)
	if err != nil {
		return "", err
	}
	return comp.Content, nil
}

// Complete sends messages and retries transient failures. Rate limits,
// server errors, connection failures and timeouts are retried with
// exponential backoff; a timed-out attempt doubles the next attempt's
// timeout. Cancelling ctx abandons the loop.
func (c *Client) Complete(ctx context.Context, messages []Message, opts ...Option) (*Completion, error) {
	p := c.resolve(opts)
	if err := c.validate(p); err != nil {
		c.recordMetric(err, 0)
		return nil, err
	}

	body, err := json.Marshal(chatRequest{
		Model:            p.model,
		Messages:         messages,
		MaxTokens:        p.maxTokens,
		Temperature:      p.temperature,
		TopP:             p.topP,
		FrequencyPenalty: p.frequencyPenalty,
		PresencePenalty:  p.presencePenalty,
		Stop:             p.stop,
		Stream:           p.stream != nil,
	})
	if err != nil {
		return nil, &APIError{Kind: ErrInvalidParams, Err: err}
	}

	policy := &RetryPolicy{
		MaxAttempts: p.retries + 1,
		BaseDelay:   c.baseDelay,
		MaxDelay:    c.maxDelay,
		MaxElapsed:  c.maxElapsed,
		start:       time.Now(),
	}
	logger := log.With().Str("model", p.model).Logger()
	start := time.Now()
	timeout := p.timeout

	for {
		if err := c.throttle(ctx); err != nil {
			return nil, &APIError{Kind: ErrConnection, Attempts: policy.Attempts(), Err: err}
		}

		comp, err := c.attempt(ctx, body, timeout, p.stream, policy.Attempts()+1)
		c.record(err)
		if err == nil {
			comp.Attempts = policy.Attempts() + 1
			comp.Duration = time.Since(start)
			c.recordMetric(nil, comp.Duration)
			return comp, nil
		}

		if ctx.Err() != nil {
			cancelled := &APIError{Kind: ErrConnection, Attempts: policy.Attempts() + 1, Err: ctx.Err()}
			c.recordMetric(cancelled, time.Since(start))
			return nil, cancelled
		}
		var apiErr *APIError
		if !errors.As(err, &apiErr) || !Retryable(err) {
			c.recordMetric(err, time.Since(start))
			return nil, withAttempts(err, policy.Attempts()+1)
		}
		if errors.Is(err, ErrTimeout) {
			timeout *= 2
		}

		wait, ok := policy.Next(apiErr.RetryAfter)
		if !ok {
			c.recordMetric(err, time.Since(start))
			return nil, withAttempts(err, policy.Attempts())
		}
		logger.Warn().
			Err(err).
			Int("attempt", policy.Attempts()).
			Dur("backoff", wait).
			Msg("llm request failed, retrying")
		if err := sleep(ctx, wait); err != nil {
			cancelled := &APIError{Kind: ErrConnection, Attempts: policy.Attempts(), Err: err}
			c.recordMetric(cancelled, time.Since(start))
			return nil, cancelled
		}
	}
}

func withAttempts(err error, n int) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		apiErr.Attempts = n
	}
	return err
}

// attempt performs one HTTP round trip.
func (c *Client) attempt(ctx context.Context, body []byte, timeout time.Duration, stream StreamHandler, n int) (comp *Completion, err error) {
	ctx, span := c.tracer.StartSpan(ctx, "llm.complete",
		monitor.AttrAttempt.Int(n),
		attribute.Bool("llm.stream", stream != nil),
	)
	defer func() { monitor.EndSpan(span, err) }()

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.settings.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, &APIError{Kind: ErrRequest, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.settings.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if stream != nil {
		req.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(ctx, attemptCtx, err, timeout)
	}
	defer resp.Body.Close()
	span.SetAttributes(monitor.AttrHTTPStatus.Int(resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, c.statusError(resp)
	}

	if stream != nil {
		comp, err = readStream(resp.Body, stream)
	} else {
		comp, err = readCompletion(resp.Body)
	}
	if err != nil && attemptCtx.Err() != nil && ctx.Err() == nil {
		return nil, &APIError{Kind: ErrTimeout, Message: fmt.Sprintf("no complete reply within %s", timeout)}
	}
	return comp, err
}

func transportError(parent, attemptCtx context.Context, err error, timeout time.Duration) error {
	if parent.Err() != nil {
		return &APIError{Kind: ErrConnection, Err: parent.Err()}
	}
	var netErr net.Error
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return &APIError{Kind: ErrTimeout, Message: fmt.Sprintf("no reply within %s", timeout)}
	}
	return &APIError{Kind: ErrConnection, Err: err}
}

// statusError classifies a non-2xx response. A 429 also doubles the
// adaptive spacing.
func (c *Client) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: errorMessage(body)}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		apiErr.Kind = ErrAuthentication
	case resp.StatusCode == http.StatusTooManyRequests:
		apiErr.Kind = ErrRateLimit
		apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"), time.Now())
		c.mu.Lock()
		c.spacing *= 2
		if c.spacing > maxSpacing {
			c.spacing = maxSpacing
		}
		c.mu.Unlock()
	case resp.StatusCode >= 500:
		apiErr.Kind = ErrServer
	default:
		apiErr.Kind = ErrRequest
	}
	return apiErr
}

// errorMessage pulls the message out of an OpenAI-style error body.
func errorMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(body, &envelope) == nil {
		if envelope.Error.Message != "" {
			return envelope.Error.Message
		}
		if envelope.Message != "" {
			return envelope.Message
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func readCompletion(r io.Reader) (*Completion, error) {
	var out chatResponse
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return nil, &APIError{Kind: ErrResponse, Err: err}
	}
	if len(out.Choices) == 0 {
		return nil, &APIError{Kind: ErrResponse, Message: "no choices in response"}
	}
	return &Completion{
		Content:      out.Choices[0].Message.Content,
		Model:        out.Model,
		FinishReason: out.Choices[0].FinishReason,
		Usage:        out.Usage,
	}, nil
}

// throttle waits until the adaptive spacing has elapsed since the previous
// request, then claims the slot.
func (c *Client) throttle(ctx context.Context) error {
	for {
		c.mu.Lock()
		wait := c.spacing - time.Since(c.lastRequest)
		if wait <= 0 {
			c.lastRequest = time.Now()
			c.requests++
			c.mu.Unlock()
			return nil
		}
		c.mu.Unlock()
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (c *Client) record(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.errors++
		return
	}
	c.successes++
	next := time.Duration(float64(c.spacing) * spacingDecay)
	if next < c.minSpacing {
		next = c.minSpacing
	}
	c.spacing = next
}

func (c *Client) recordMetric(err error, d time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordLLMRequest(outcome(err), d.Seconds())
	}
}
