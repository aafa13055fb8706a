package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func reply(w http.ResponseWriter, content string) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"model":"test-model","choices":[{"message":{"role":"assistant","content":%q},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":2,"total_tokens":5}}`, content)
}

func testClient(t *testing.T, h http.HandlerFunc, mutate ...func(*Settings)) (*Client, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		h(w, r)
	}))
	t.Cleanup(srv.Close)

	s := Settings{
		Model:       "test-model",
		BaseURL:     srv.URL + "/",
		APIKey:      "sk-test",
		Temperature: 0.2,
		MaxTokens:   100,
		Timeout:     2 * time.Second,
		Retries:     3,
		TopP:        1,
	}
	for _, m := range mutate {
		m(&s)
	}
	c := New(s,
		WithBackoff(time.Millisecond, 5*time.Millisecond, 5*time.Second),
		WithMinSpacing(time.Millisecond),
	)
	return c, &hits
}

func TestComplete_Success(t *testing.T) {
	var got chatRequest
	c, hits := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		reply(w, "hello")
	})

	comp, err := c.Complete(context.Background(), User("hi"))
	require.NoError(t, err)
	assert.Equal(t, "hello", comp.Content)
	assert.Equal(t, "stop", comp.FinishReason)
	assert.Equal(t, 5, comp.Usage.TotalTokens)
	assert.Equal(t, 1, comp.Attempts)
	assert.EqualValues(t, 1, hits.Load())

	assert.Equal(t, "test-model", got.Model)
	assert.Equal(t, 100, got.MaxTokens)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "user", got.Messages[0].Role)
}

func TestComplete_OptionsOverrideSettings(t *testing.T) {
	var got chatRequest
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		reply(w, "ok")
	})

	text, err := c.CompleteText(context.Background(), "hi",
		WithModel("other"), WithMaxTokens(3000), WithTemperature(0.7), WithStop("END"))
	require.NoError(t, err)
	assert.Equal(t, "ok", text)
	assert.Equal(t, "other", got.Model)
	assert.Equal(t, 3000, got.MaxTokens)
	assert.InDelta(t, 0.7, got.Temperature, 1e-9)
	assert.Equal(t, []string{"END"}, got.Stop)
}

func TestComplete_RetriesServerErrors(t *testing.T) {
	var n atomic.Int32
	c, hits := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) <= 3 {
			http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
			return
		}
		reply(w, "finally")
	})

	before := c.Stats().CurrentDelay
	comp, err := c.Complete(context.Background(), User("hi"))
	require.NoError(t, err)
	assert.Equal(t, "finally", comp.Content)
	assert.Equal(t, 4, comp.Attempts)
	assert.EqualValues(t, 4, hits.Load())
	assert.LessOrEqual(t, c.Stats().CurrentDelay, before)
}

func TestComplete_RetriesExhausted(t *testing.T) {
	c, hits := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, func(s *Settings) { s.Retries = 2 })

	_, err := c.Complete(context.Background(), User("hi"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrServer)
	assert.EqualValues(t, 3, hits.Load())

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, 3, apiErr.Attempts)
	assert.Equal(t, http.StatusInternalServerError, apiErr.StatusCode)
}

func TestComplete_AuthenticationIsFatal(t *testing.T) {
	c, hits := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid api key"}}`)
	})

	_, err := c.Complete(context.Background(), User("hi"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthentication)
	assert.False(t, Retryable(err))
	assert.Contains(t, err.Error(), "invalid api key")
	assert.EqualValues(t, 1, hits.Load())
}

func TestComplete_BadRequestIsFatal(t *testing.T) {
	c, hits := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := c.Complete(context.Background(), User("hi"))
	assert.ErrorIs(t, err, ErrRequest)
	assert.EqualValues(t, 1, hits.Load())
}

func TestComplete_RateLimitWidensSpacing(t *testing.T) {
	var n atomic.Int32
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		reply(w, "ok")
	})

	initial := c.Stats().CurrentDelay
	comp, err := c.Complete(context.Background(), User("hi"))
	require.NoError(t, err)
	assert.Equal(t, 2, comp.Attempts)

	after := c.Stats().CurrentDelay
	assert.Greater(t, after, initial, "429 doubles, success decays by 0.9")
	assert.Less(t, after, 2*initial)
}

func TestComplete_TimeoutDoublesAttemptTimeout(t *testing.T) {
	var n atomic.Int32
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) == 1 {
			select {
			case <-time.After(time.Second):
			case <-r.Context().Done():
			}
			return
		}
		reply(w, "slow start")
	}, func(s *Settings) { s.Timeout = 50 * time.Millisecond })

	comp, err := c.Complete(context.Background(), User("hi"))
	require.NoError(t, err)
	assert.Equal(t, "slow start", comp.Content)
	assert.Equal(t, 2, comp.Attempts)
}

func TestComplete_InvalidParams(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
		want string
	}{
		{"temperature", []Option{WithTemperature(2.5)}, "temperature"},
		{"max tokens", []Option{WithMaxTokens(0)}, "max_tokens"},
		{"top p", []Option{WithTopP(1.5)}, "top_p"},
		{"frequency penalty", []Option{WithFrequencyPenalty(-3)}, "frequency_penalty"},
		{"presence penalty", []Option{WithPresencePenalty(2.1)}, "presence_penalty"},
		{"model", []Option{WithModel(" ")}, "model"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, hits := testClient(t, func(w http.ResponseWriter, r *http.Request) {
				reply(w, "unused")
			})
			_, err := c.Complete(context.Background(), User("hi"), tt.opts...)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidParams)
			assert.Contains(t, err.Error(), tt.want)
			assert.Zero(t, hits.Load())
		})
	}
}

func TestComplete_MissingAPIKey(t *testing.T) {
	c, hits := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		reply(w, "unused")
	}, func(s *Settings) { s.APIKey = "" })

	_, err := c.Complete(context.Background(), User("hi"))
	assert.ErrorIs(t, err, ErrInvalidParams)
	assert.Zero(t, hits.Load())
}

func TestComplete_CallerCancel(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, func(s *Settings) { s.Retries = 100 })
	c.baseDelay = 50 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	_, err := c.Complete(ctx, User("hi"))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestComplete_Stream(t *testing.T) {
	var got chatRequest
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, `data: {"model":"test-model","choices":[{"delta":{"content":"Hel"}}]}`+"\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"lo"},"finish_reason":"stop"}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var deltas []string
	comp, err := c.Complete(context.Background(), User("hi"), WithStream(func(d string) {
		deltas = append(deltas, d)
	}))
	require.NoError(t, err)
	assert.True(t, got.Stream)
	assert.Equal(t, []string{"Hel", "lo"}, deltas)
	assert.Equal(t, "Hello", comp.Content)
	assert.Equal(t, "stop", comp.FinishReason)
	assert.Equal(t, "test-model", comp.Model)
}

func TestComplete_StreamSkipsMalformedChunk(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"hel"}}]}`+"\n\n")
		fmt.Fprint(w, "data: {not json\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"lo"}}]}`+"\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	})

	var deltas []string
	comp, err := c.Complete(context.Background(), User("hi"), WithStream(func(d string) {
		deltas = append(deltas, d)
	}))
	require.NoError(t, err)
	assert.Equal(t, "hello", comp.Content)
	assert.Equal(t, []string{"hel", "lo"}, deltas)
}

func TestComplete_ConcurrentCallersShareState(t *testing.T) {
	var n atomic.Int32
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1)%3 == 0 {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"error":{"message":"slow down"}}`)
			return
		}
		reply(w, "ok")
	})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = c.Complete(context.Background(), User("hi"))
		}()
	}
	wg.Wait()

	st := c.Stats()
	assert.Equal(t, st.Requests, st.Successes+st.Errors)
	assert.Positive(t, st.Errors)
	assert.GreaterOrEqual(t, st.CurrentDelay, time.Millisecond)
	assert.LessOrEqual(t, st.CurrentDelay, maxSpacing)
}

func TestComplete_MalformedResponse(t *testing.T) {
	c, hits := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"choices":[]}`)
	})

	_, err := c.Complete(context.Background(), User("hi"))
	assert.ErrorIs(t, err, ErrResponse)
	assert.EqualValues(t, 1, hits.Load())
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"3", 3 * time.Second},
		{"1.5", 1500 * time.Millisecond},
		{"-1", 0},
		{now.Add(10 * time.Second).Format(http.TimeFormat), 10 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"soon", 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseRetryAfter(tt.in, now), "Retry-After %q", tt.in)
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := NewRetryPolicy(5)
	var waits []time.Duration
	for {
		d, ok := p.Next(0)
		if !ok {
			break
		}
		waits = append(waits, d)
	}
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}, waits)
	assert.Equal(t, 6, p.Attempts())
}

func TestRetryPolicy_CapsAndHints(t *testing.T) {
	p := &RetryPolicy{MaxAttempts: 10, BaseDelay: 20 * time.Second, MaxDelay: 30 * time.Second, MaxElapsed: time.Hour}
	d, _ := p.Next(0)
	assert.Equal(t, 20*time.Second, d)
	d, _ = p.Next(0)
	assert.Equal(t, 30*time.Second, d)
	d, _ = p.Next(45 * time.Second)
	assert.Equal(t, 45*time.Second, d)

	budget := &RetryPolicy{MaxAttempts: 10, BaseDelay: time.Minute, MaxElapsed: 30 * time.Second}
	_, ok := budget.Next(0)
	assert.False(t, ok)
}

func TestModels(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models", r.URL.Path)
		fmt.Fprint(w, `{"data":[{"id":"test-model"},{"id":"a-model"}]}`)
	})

	models, err := c.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a-model", "test-model"}, models)
	assert.Equal(t, models, c.AvailableModels(context.Background()))
	assert.NoError(t, c.ValidateSettings(context.Background()))
}

func TestModels_Fallback(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	assert.Equal(t, DefaultModels, c.AvailableModels(context.Background()))
	assert.ErrorIs(t, c.ValidateSettings(context.Background()), ErrRequest)
}

func TestValidateSettings_UnknownModel(t *testing.T) {
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"id":"other"}]}`)
	})

	err := c.ValidateSettings(context.Background())
	assert.ErrorIs(t, err, ErrInvalidParams)
	assert.Contains(t, err.Error(), "test-model")
}

func TestStats(t *testing.T) {
	var n atomic.Int32
	c, _ := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if n.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		reply(w, "ok")
	})

	_, err := c.Complete(context.Background(), User("hi"))
	require.NoError(t, err)

	s := c.Stats()
	assert.EqualValues(t, 2, s.Requests)
	assert.EqualValues(t, 1, s.Successes)
	assert.EqualValues(t, 1, s.Errors)
	assert.InDelta(t, 50.0, s.SuccessRate, 1e-9)
	assert.Equal(t, time.Millisecond, s.CurrentDelay)
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "success", outcome(nil))
	assert.Equal(t, "rate_limit", outcome(&APIError{Kind: ErrRateLimit}))
	assert.Equal(t, "timeout", outcome(fmt.Errorf("wrapped: %w", &APIError{Kind: ErrTimeout})))
	assert.Equal(t, "other", outcome(errors.New("boom")))
}

func TestResolveOptions(t *testing.T) {
	s := ResolveOptions(Settings{Model: "a", MaxTokens: 10}, WithModel("b"), WithMaxTokens(3000))
	assert.Equal(t, "b", s.Model)
	assert.Equal(t, 3000, s.MaxTokens)
	assert.Equal(t, 60*time.Second, s.Timeout)
}
