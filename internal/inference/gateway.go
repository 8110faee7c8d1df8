// Package inference is the client for the hosted language/vision model
// endpoint. Admission to the endpoint is bounded by a semaphore sized to
// the endpoint's sustainable throughput; requests beyond capacity wait up
// to a short admission timeout and then fail fast with ErrBackpressure.
// The gateway never silently drops a request; retry policy belongs to
// the caller.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrBackpressure is returned when the endpoint is at capacity and the
// admission timeout elapsed. Classified as transient by callers.
var ErrBackpressure = errors.New("inference gateway at capacity")

// ErrBadRequest is returned when the endpoint rejects the request as
// structurally invalid (4xx). Not retryable.
var ErrBadRequest = errors.New("inference endpoint rejected request")

// Options configure a Gateway.
type Options struct {
	Endpoint    string
	Model       string
	APIKey      string
	MaxInFlight int
	// AdmissionTimeout is how long a request may wait for a slot.
	AdmissionTimeout time.Duration
	// Per-kind call timeouts. Inference latency is seconds to tens of
	// seconds, so these are much longer than ordinary worker timeouts.
	InterpretTimeout time.Duration
	RecommendTimeout time.Duration
}

func (o *Options) applyDefaults() {
	if o.MaxInFlight <= 0 {
		o.MaxInFlight = 4
	}
	if o.AdmissionTimeout <= 0 {
		o.AdmissionTimeout = 500 * time.Millisecond
	}
	if o.InterpretTimeout <= 0 {
		o.InterpretTimeout = 45 * time.Second
	}
	if o.RecommendTimeout <= 0 {
		o.RecommendTimeout = 30 * time.Second
	}
}

// Gateway communicates with the hosted model endpoint over HTTP.
type Gateway struct {
	endpoint   string
	model      string
	apiKey     string
	httpClient *http.Client

	sem              *semaphore.Weighted
	maxInFlight      int64
	inFlight         atomic.Int64
	admissionTimeout time.Duration
	interpretTimeout time.Duration
	recommendTimeout time.Duration
}

// New creates a Gateway targeting the given model endpoint.
func New(opts Options) *Gateway {
	opts.applyDefaults()
	return &Gateway{
		endpoint: strings.TrimRight(opts.Endpoint, "/"),
		model:    opts.Model,
		apiKey:   opts.APIKey,
		httpClient: &http.Client{
			// Per-call deadlines come from the request context.
			Timeout: 0,
		},
		sem:              semaphore.NewWeighted(int64(opts.MaxInFlight)),
		maxInFlight:      int64(opts.MaxInFlight),
		admissionTimeout: opts.AdmissionTimeout,
		interpretTimeout: opts.InterpretTimeout,
		recommendTimeout: opts.RecommendTimeout,
	}
}

// generateRequest is the JSON body for POST /v1/generate.
type generateRequest struct {
	Model       string  `json:"model"`
	Prompt      string  `json:"prompt"`
	ImageBase64 string  `json:"image_base64,omitempty"`
	MaxTokens   int     `json:"max_tokens"`
	Temperature float64 `json:"temperature"`
}

// generateResponse is the JSON returned by POST /v1/generate.
type generateResponse struct {
	GeneratedText string `json:"generated_text"`
}

// Interpret sends a vision+text prompt (receipt extraction). imageBase64
// may be empty when the receipt was already reduced to text.
func (g *Gateway) Interpret(ctx context.Context, prompt, imageBase64 string) (string, error) {
	return g.generate(ctx, generateRequest{
		Model:       g.model,
		Prompt:      prompt,
		ImageBase64: imageBase64,
		MaxTokens:   1000,
		Temperature: 0.2,
	}, g.interpretTimeout)
}

// Recommend sends a text prompt (recipe generation).
func (g *Gateway) Recommend(ctx context.Context, prompt string) (string, error) {
	return g.generate(ctx, generateRequest{
		Model:       g.model,
		Prompt:      prompt,
		MaxTokens:   2000,
		Temperature: 0.7,
	}, g.recommendTimeout)
}

// Saturated reports whether all admission slots are taken. Used by the API
// entry point to shed load before starting a run.
func (g *Gateway) Saturated() bool {
	return g.inFlight.Load() >= g.maxInFlight
}

// admit acquires an admission slot, waiting up to the admission timeout.
func (g *Gateway) admit(ctx context.Context) (release func(), err error) {
	admitCtx, cancel := context.WithTimeout(ctx, g.admissionTimeout)
	defer cancel()

	if err := g.sem.Acquire(admitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrBackpressure
	}
	g.inFlight.Add(1)
	return func() {
		g.inFlight.Add(-1)
		g.sem.Release(1)
	}, nil
}

func (g *Gateway) generate(ctx context.Context, gr generateRequest, timeout time.Duration) (string, error) {
	release, err := g.admit(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(gr)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating generate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("generate request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", ErrBackpressure
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", fmt.Errorf("%w: status %d", ErrBadRequest, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("generate: unexpected status %d", resp.StatusCode)
	}

	var result generateResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding generate response: %w", err)
	}
	if result.GeneratedText == "" {
		return "", fmt.Errorf("generate: empty generated_text")
	}
	return result.GeneratedText, nil
}
