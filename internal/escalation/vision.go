// Package escalation provides the delegates the resolver hands a step to once
// deterministic strategies are exhausted: a remote vision service, a
// progressive DOM-then-vision chain and an in-process human broker.
package escalation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/rendis/browserflow/pkg/schema"
)

// VisionConfig configures a VisionClient.
type VisionConfig struct {
	Endpoint string
	APIKey   string
	// MaxRetries is the number of extra attempts after a transient failure.
	MaxRetries   int
	RetryBackoff time.Duration
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// VisionClient posts escalation requests as JSON to a vision service and
// decodes its EscalationResponse. Network errors, 429 and 5xx answers are
// retried with exponential backoff until the request context ends.
type VisionClient struct {
	endpoint string
	apiKey   string
	retries  int
	backoff  time.Duration
	http     *http.Client
	logger   *slog.Logger
}

// NewVisionClient validates the endpoint and applies defaults.
func NewVisionClient(cfg VisionConfig) (*VisionClient, error) {
	u, err := url.Parse(cfg.Endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("vision endpoint %q must be an absolute http(s) URL", cfg.Endpoint)
	}
	c := &VisionClient{
		endpoint: u.String(),
		apiKey:   cfg.APIKey,
		retries:  cfg.MaxRetries,
		backoff:  cfg.RetryBackoff,
		http:     cfg.HTTPClient,
		logger:   cfg.Logger,
	}
	if c.backoff <= 0 {
		c.backoff = 500 * time.Millisecond
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("vision service answered %d: %s", e.code, e.body)
}

func (e *statusError) retryable() bool {
	return e.code == http.StatusTooManyRequests || e.code >= 500
}

// Escalate implements engine.Escalator.
func (c *VisionClient) Escalate(ctx context.Context, req schema.EscalationRequest) (schema.EscalationResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return schema.EscalationResponse{}, fmt.Errorf("marshal escalation request: %w", err)
	}

	delay := c.backoff
	for attempt := 0; ; attempt++ {
		resp, err := c.post(ctx, req.ID, body)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return schema.EscalationResponse{}, ctx.Err()
		}
		var se *statusError
		if errors.As(err, &se) && !se.retryable() {
			return schema.EscalationResponse{}, err
		}
		if attempt >= c.retries {
			return schema.EscalationResponse{}, err
		}

		c.logger.WarnContext(ctx, "vision request failed, retrying",
			"escalation_id", req.ID, "attempt", attempt+1, "delay", delay, "error", err)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return schema.EscalationResponse{}, ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
}

func (c *VisionClient) post(ctx context.Context, id string, body []byte) (schema.EscalationResponse, error) {
	var out schema.EscalationResponse

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return out, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("X-Escalation-ID", id)
	if c.apiKey != "" {
		hreq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	hresp, err := c.http.Do(hreq)
	if err != nil {
		return out, err
	}
	defer hresp.Body.Close()

	if hresp.StatusCode < 200 || hresp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(hresp.Body, 512))
		return out, &statusError{code: hresp.StatusCode, body: string(bytes.TrimSpace(snippet))}
	}
	if err := json.NewDecoder(hresp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode vision response: %w", err)
	}
	return out, nil
}
