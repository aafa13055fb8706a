package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultModels is offered when the provider cannot list its models.
var DefaultModels = []string{
	"gpt-4o",
	"gpt-4o-mini",
	"gpt-4-turbo",
	"gpt-3.5-turbo",
}

// Stats is a snapshot of the gateway counters.
type Stats struct {
	Requests     int64         `json:"requests"`
	Successes    int64         `json:"successes"`
	Errors       int64         `json:"errors"`
	SuccessRate  float64       `json:"success_rate"`
	CurrentDelay time.Duration `json:"current_delay"`
}

// Stats returns request counters and the current adaptive spacing.
// SuccessRate is a percentage.
func (c *Client) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{
		Requests:     c.requests,
		Successes:    c.successes,
		Errors:       c.errors,
		CurrentDelay: c.spacing,
	}
	if c.requests > 0 {
		s.SuccessRate = float64(c.successes) / float64(c.requests) * 100
	}
	return s
}

// ListModels asks the provider which models it serves.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	if c.settings.APIKey == "" || c.settings.BaseURL == "" {
		return nil, &APIError{Kind: ErrInvalidParams, Message: "API key and base URL are required"}
	}
	timeout := c.settings.Timeout
	if timeout <= 0 || timeout > 30*time.Second {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.settings.BaseURL+"/models", nil)
	if err != nil {
		return nil, &APIError{Kind: ErrRequest, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.settings.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(context.Background(), ctx, err, timeout)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}

	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &APIError{Kind: ErrResponse, Err: err}
	}
	models := make([]string, 0, len(out.Data))
	for _, m := range out.Data {
		if m.ID != "" {
			models = append(models, m.ID)
		}
	}
	sort.Strings(models)
	return models, nil
}

// AvailableModels lists the provider's models, falling back to
// DefaultModels when the listing fails or is empty.
func (c *Client) AvailableModels(ctx context.Context) []string {
	models, err := c.ListModels(ctx)
	if err != nil || len(models) == 0 {
		if err != nil {
			log.Warn().Err(err).Msg("model listing failed, using defaults")
		}
		return append([]string(nil), DefaultModels...)
	}
	return models
}

// ValidateSettings checks the credentials and that the configured model
// is served.
func (c *Client) ValidateSettings(ctx context.Context) error {
	models, err := c.ListModels(ctx)
	if err != nil {
		return err
	}
	for _, m := range models {
		if m == c.settings.Model {
			return nil
		}
	}
	return &APIError{Kind: ErrInvalidParams, Message: fmt.Sprintf("model %q is not available", c.settings.Model)}
}
