// Package embeddings turns text into vectors through an OpenAI-compatible
// embeddings endpoint.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"

	"github.com/sodateru/sodateru/pkg/config"
	"github.com/sodateru/sodateru/pkg/logger"
)

// Embedder produces one vector per input text, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// MismatchError reports a response whose vector count differs from the
// number of inputs sent.
type MismatchError struct {
	Sent     int
	Received int
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("embeddings: sent %d texts, received %d vectors", e.Sent, e.Received)
}

// ErrNoAPIKey is returned when no key is configured for the provider.
var ErrNoAPIKey = errors.New("embeddings: API key not configured")

type Options struct {
	APIKey     string
	APIBase    string
	Model      string
	Dimension  int
	BatchSize  int
	Timeout    time.Duration
	MaxRetries int
	// MaxRetryDelay caps the wait after a 429.
	MaxRetryDelay time.Duration
	// TaskType is forwarded as task_type when set.
	TaskType string
}

// OptionsFromConfig maps application configuration onto provider options.
func OptionsFromConfig(c config.EmbeddingConfig) Options {
	return Options{
		APIKey:        c.APIKey,
		APIBase:       c.APIBase,
		Model:         c.Model,
		Dimension:     c.Dimension,
		BatchSize:     c.BatchSize,
		Timeout:       c.Timeout,
		MaxRetries:    3,
		MaxRetryDelay: 30 * time.Second,
		TaskType:      "RETRIEVAL_DOCUMENT",
	}
}

type HTTPProvider struct {
	opts    Options
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// NewHTTPProvider authenticates requests with the API key as a bearer token.
func NewHTTPProvider(opts Options) (*HTTPProvider, error) {
	if opts.APIKey == "" {
		return nil, ErrNoAPIKey
	}
	if opts.APIBase == "" {
		return nil, errors.New("embeddings: API base not configured")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = 30 * time.Second
	}
	opts.APIBase = strings.TrimRight(opts.APIBase, "/")

	base := &http.Client{Timeout: opts.Timeout}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: opts.APIKey,
		TokenType:   "Bearer",
	}))
	client.Timeout = opts.Timeout

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "embeddings",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WarnCF("embeddings", "Circuit breaker state changed", map[string]interface{}{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			})
		},
		IsSuccessful: func(err error) bool {
			// Cancellation and bad input say nothing about the remote's health.
			var se *StatusError
			if errors.As(err, &se) {
				return se.Code < 500 && se.Code != http.StatusTooManyRequests
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &HTTPProvider{opts: opts, client: client, breaker: breaker}, nil
}

// StatusError is a non-200 response from the endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("embeddings: API error %d: %s", e.Code, e.Body)
}

// Embed sends texts in batches of BatchSize and returns the vectors in
// input order.
func (p *HTTPProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.opts.BatchSize {
		end := min(start+p.opts.BatchSize, len(texts))
		batch := texts[start:end]

		res, err := p.breaker.Execute(func() (interface{}, error) {
			return p.embedBatch(ctx, batch)
		})
		if err != nil {
			return nil, err
		}
		out = append(out, res.([][]float32)...)
	}
	return out, nil
}

type embeddingRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
	TaskType   string   `json:"task_type,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (p *HTTPProvider) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	payload, err := json.Marshal(embeddingRequest{
		Model:      p.opts.Model,
		Input:      batch,
		Dimensions: p.opts.Dimension,
		TaskType:   p.opts.TaskType,
	})
	if err != nil {
		return nil, fmt.Errorf("embeddings: marshal request: %w", err)
	}

	var body []byte
	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.opts.APIBase+"/embeddings", bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("embeddings: create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("embeddings: send request: %w", err)
		}
		body, err = io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("embeddings: read response: %w", err)
		}

		if resp.StatusCode == http.StatusOK {
			break
		}
		if resp.StatusCode == http.StatusTooManyRequests && attempt < p.opts.MaxRetries {
			delay := min(parseRetryDelay(resp.Header.Get("Retry-After"), body), p.opts.MaxRetryDelay)
			logger.WarnCF("embeddings", "Rate limited, retrying", map[string]interface{}{
				"delay":   delay.String(),
				"attempt": attempt + 1,
			})
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
				continue
			}
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("embeddings: decode response: %w", err)
	}
	if len(parsed.Data) != len(batch) {
		return nil, &MismatchError{Sent: len(batch), Received: len(parsed.Data)}
	}
	sort.SliceStable(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })

	vectors := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		if p.opts.Dimension > 0 && len(d.Embedding) != p.opts.Dimension {
			return nil, fmt.Errorf("embeddings: vector %d has %d dimensions, want %d", i, len(d.Embedding), p.opts.Dimension)
		}
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

// parseRetryDelay reads the Retry-After header, then Google's retryDelay
// error detail, and falls back to 30s.
func parseRetryDelay(retryAfter string, body []byte) time.Duration {
	if retryAfter != "" {
		if secs, err := strconv.Atoi(retryAfter); err == nil {
			return time.Duration(secs) * time.Second
		}
	}

	var errResp struct {
		Error struct {
			Details []struct {
				RetryDelay string `json:"retryDelay"`
			} `json:"details"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &errResp) == nil {
		for _, d := range errResp.Error.Details {
			if dur, err := time.ParseDuration(d.RetryDelay); err == nil {
				return dur
			}
		}
	}
	return 30 * time.Second
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
