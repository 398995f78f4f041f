// Package remote implements a detection engine backed by a model inference
// HTTP API (a hosted LLM endpoint or a local inference server). The request
// and response schemas are the generic detection contract; which model sits
// behind the endpoint is the server's concern.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/ahrav/sensiscan/internal/domain/detection"
)

var _ detection.Engine = (*Engine)(nil)

// request is the wire form of a detection call.
type request struct {
	Model  string   `json:"model,omitempty"`
	Text   string   `json:"text"`
	Labels []string `json:"labels,omitempty"`
}

// response is the wire form of a detection result.
type response struct {
	Detections []struct {
		Text       string            `json:"text"`
		Label      string            `json:"label"`
		Confidence *float64          `json:"confidence,omitempty"`
		Metadata   map[string]string `json:"metadata,omitempty"`
	} `json:"detections"`
}

// Engine calls a remote detection endpoint. All throughput protection
// (concurrency limit, rate limit, retries) lives in the throttle wrapping
// this engine; the engine itself only classifies failures so the throttle
// can tell transient overload from permanent errors.
type Engine struct {
	name     string
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// Config holds the connection parameters for a remote engine.
type Config struct {
	// Name is the engine identifier used in findings and statistics.
	Name string

	// Endpoint is the detection API URL.
	Endpoint string

	// APIKey, when set, is sent as a bearer token.
	APIKey string

	// Model optionally names the model the server should use.
	Model string

	// Client overrides the HTTP client. Nil uses http.DefaultClient, which
	// lets the per-call context carry the timeout.
	Client *http.Client
}

// New creates a remote engine from the given config.
func New(cfg Config) (*Engine, error) {
	if cfg.Name == "" {
		return nil, errors.New("remote engine requires a name")
	}
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("remote engine %q requires an endpoint", cfg.Name)
	}

	client := cfg.Client
	if client == nil {
		client = http.DefaultClient
	}

	return &Engine{
		name:     cfg.Name,
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		client:   client,
	}, nil
}

// Name implements detection.Engine.
func (e *Engine) Name() string { return e.name }

// Detect posts the text to the detection endpoint and maps the response to
// domain detections. Cancellation propagates through the request context, so
// in-flight network calls are cut off when the session cancels.
func (e *Engine) Detect(ctx context.Context, req detection.DetectionRequest) ([]detection.Detection, error) {
	body, err := json.Marshal(request{Model: e.model, Text: req.Text, Labels: req.Labels})
	if err != nil {
		return nil, fmt.Errorf("marshaling detection request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building detection request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain a little of the body for the error message; cap it so a
		// misbehaving server cannot balloon error records.
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, fmt.Errorf("%s returned status %d: %s: %w",
				e.name, resp.StatusCode, msg, detection.ErrOverloaded)
		}
		return nil, fmt.Errorf("%s returned status %d: %s", e.name, resp.StatusCode, msg)
	}

	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding detection response: %w", err)
	}

	ds := make([]detection.Detection, 0, len(out.Detections))
	for _, d := range out.Detections {
		ds = append(ds, detection.Detection{
			Match:      d.Text,
			Label:      d.Label,
			Confidence: d.Confidence,
			Engine:     e.name,
			Metadata:   d.Metadata,
		})
	}
	return ds, nil
}

// classifyTransportError maps network failures to the overload sentinel where
// retrying makes sense: refused connections and timeouts are how a saturated
// inference server looks from the outside.
func classifyTransportError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("request timed out: %w", detection.ErrEngineTimeout)
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("request failed: %v: %w", urlErr, detection.ErrOverloaded)
	}
	return err
}
