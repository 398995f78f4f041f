package regex

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/sensiscan/internal/domain/detection"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	eng, err := New(map[string]string{
		"email":       `[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`,
		"credit_card": `\b(?:\d[ -]?){13,16}\b`,
	})
	require.NoError(t, err)
	return eng
}

func TestDetect_FindsEmail(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t)
	ds, err := eng.Detect(context.Background(), detection.DetectionRequest{
		Text:   "contact alice@example.com for details",
		Labels: []string{"email"},
	})
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, "alice@example.com", ds[0].Match)
	assert.Equal(t, "email", ds[0].Label)
	assert.Equal(t, EngineName, ds[0].Engine)
	assert.Nil(t, ds[0].Confidence, "deterministic engines report no confidence")
}

func TestDetect_EmptyLabelsMeansAllPatterns(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t)
	ds, err := eng.Detect(context.Background(), detection.DetectionRequest{
		Text: "bob@example.org paid with 4111 1111 1111 1111",
	})
	require.NoError(t, err)
	assert.Len(t, ds, 2)
}

func TestDetect_CreditCardValidationMetadata(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t)

	tests := []struct {
		name      string
		text      string
		validated string
	}{
		{name: "valid luhn", text: "card 4111 1111 1111 1111 ok", validated: "true"},
		{name: "invalid luhn", text: "card 4111 1111 1111 1112 ok", validated: "false"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ds, err := eng.Detect(context.Background(), detection.DetectionRequest{
				Text:   tt.text,
				Labels: []string{"credit_card"},
			})
			require.NoError(t, err)
			require.Len(t, ds, 1)
			assert.Equal(t, tt.validated, ds[0].Metadata["validated"])
		})
	}
}

func TestDetect_UnknownLabelIgnored(t *testing.T) {
	t.Parallel()

	eng := newTestEngine(t)
	ds, err := eng.Detect(context.Background(), detection.DetectionRequest{
		Text:   "alice@example.com",
		Labels: []string{"ssn"},
	})
	require.NoError(t, err)
	assert.Empty(t, ds)
}

func TestNew_InvalidPattern(t *testing.T) {
	t.Parallel()

	_, err := New(map[string]string{"bad": `(`})
	assert.Error(t, err)
}

func TestLuhnValid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  bool
	}{
		{"4111111111111111", true},
		{"4111 1111 1111 1111", true},
		{"4111-1111-1111-1111", true},
		{"4111111111111112", false},
		{"not-a-number", false},
		{"1234", false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, luhnValid(tt.input), tt.input)
	}
}
