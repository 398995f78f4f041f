package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/sensiscan/internal/domain/detection"
)

func newTestEngine(t *testing.T, handler http.HandlerFunc) *Engine {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	eng, err := New(Config{
		Name:     "remote-test",
		Endpoint: srv.URL,
		APIKey:   "test-key",
		Model:    "detector-small",
	})
	require.NoError(t, err)
	return eng
}

func TestDetect_MapsResponse(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "detector-small", req.Model)
		assert.Equal(t, []string{"email"}, req.Labels)

		conf := 0.92
		resp := response{}
		resp.Detections = append(resp.Detections, struct {
			Text       string            `json:"text"`
			Label      string            `json:"label"`
			Confidence *float64          `json:"confidence,omitempty"`
			Metadata   map[string]string `json:"metadata,omitempty"`
		}{
			Text:       "alice@example.com",
			Label:      "email",
			Confidence: &conf,
			Metadata:   map[string]string{"validated": "true"},
		})
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	})

	ds, err := eng.Detect(context.Background(), detection.DetectionRequest{
		Text:   "reach alice@example.com",
		Labels: []string{"email"},
	})
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, "alice@example.com", ds[0].Match)
	assert.Equal(t, "email", ds[0].Label)
	assert.Equal(t, "remote-test", ds[0].Engine)
	require.NotNil(t, ds[0].Confidence)
	assert.InDelta(t, 0.92, *ds[0].Confidence, 1e-9)
	assert.Equal(t, "true", ds[0].Metadata["validated"])
}

func TestDetect_TooManyRequestsIsOverload(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "slow down", http.StatusTooManyRequests)
	})

	_, err := eng.Detect(context.Background(), detection.DetectionRequest{Text: "x"})
	assert.ErrorIs(t, err, detection.ErrOverloaded)
}

func TestDetect_ServerErrorIsOverload(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusServiceUnavailable)
	})

	_, err := eng.Detect(context.Background(), detection.DetectionRequest{Text: "x"})
	assert.ErrorIs(t, err, detection.ErrOverloaded)
}

func TestDetect_ClientErrorIsNotOverload(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	})

	_, err := eng.Detect(context.Background(), detection.DetectionRequest{Text: "x"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, detection.ErrOverloaded)
}

func TestDetect_ConnectionRefusedIsOverload(t *testing.T) {
	t.Parallel()

	eng, err := New(Config{Name: "refused", Endpoint: "http://127.0.0.1:1"})
	require.NoError(t, err)

	_, err = eng.Detect(context.Background(), detection.DetectionRequest{Text: "x"})
	assert.ErrorIs(t, err, detection.ErrOverloaded)
}

func TestDetect_CancellationPropagates(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	eng := newTestEngine(t, func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := eng.Detect(ctx, detection.DetectionRequest{Text: "x"})
		errCh <- err
	}()

	<-started
	cancel()

	err := <-errCh
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNew_RequiresEndpoint(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Name: "x"})
	assert.Error(t, err)

	_, err = New(Config{Endpoint: "http://localhost"})
	assert.Error(t, err)
}
