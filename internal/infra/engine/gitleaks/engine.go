// Package gitleaks adapts the Gitleaks detection engine to the detection
// contract. It scans extracted text with the embedded default Gitleaks
// ruleset, covering credential and secret patterns without any network calls.
package gitleaks

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/viper"
	"github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"

	"github.com/ahrav/sensiscan/internal/domain/detection"
)

// EngineName identifies the gitleaks engine in findings and statistics.
const EngineName = "gitleaks"

var _ detection.Engine = (*Engine)(nil)

// Engine wraps a Gitleaks detector. The detector itself is safe for
// concurrent DetectString calls, so the engine runs unthrottled at
// worker-pool width.
type Engine struct {
	detector *detect.Detector
}

// New creates a gitleaks engine using the embedded default configuration.
func New() (*Engine, error) {
	detector, err := setupDetector()
	if err != nil {
		return nil, err
	}
	return &Engine{detector: detector}, nil
}

// setupDetector initializes the Gitleaks detector using the embedded default
// configuration.
func setupDetector() (*detect.Detector, error) {
	v := viper.New()
	v.SetConfigType("toml")
	if err := v.ReadConfig(bytes.NewBufferString(config.DefaultConfig)); err != nil {
		return nil, fmt.Errorf("failed to read embedded config: %w", err)
	}

	var vc config.ViperConfig
	if err := v.Unmarshal(&vc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal embedded config: %w", err)
	}

	cfg, err := vc.Translate()
	if err != nil {
		return nil, fmt.Errorf("failed to translate ViperConfig to Config: %w", err)
	}

	return detect.NewDetector(cfg), nil
}

// Name implements detection.Engine.
func (e *Engine) Name() string { return EngineName }

// Detect scans the request text with the Gitleaks ruleset. The label set is
// ignored: Gitleaks rules define their own identifiers, which become the
// detection labels. Confidence is absent; rule matching is deterministic.
func (e *Engine) Detect(ctx context.Context, req detection.DetectionRequest) ([]detection.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	findings := e.detector.DetectString(req.Text)

	out := make([]detection.Detection, 0, len(findings))
	for _, f := range findings {
		out = append(out, detection.Detection{
			Match:  f.Secret,
			Label:  f.RuleID,
			Engine: EngineName,
			Metadata: map[string]string{
				"description": f.Description,
				"entropy":     strconv.FormatFloat(float64(f.Entropy), 'f', 2, 32),
			},
		})
	}
	return out, nil
}
