package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrettyJSONHandler(t *testing.T) {
	tests := []struct {
		name        string
		prettyPrint bool
	}{
		{
			name:        "pretty print enabled",
			prettyPrint: true,
		},
		{
			name:        "pretty print disabled",
			prettyPrint: false,
		},
	}

	fixedTime := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	expectedData := map[string]any{
		"level": "INFO",
		"msg":   "test message",
		"time":  "2024-01-01T00:00:00Z",
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			opts := &PrettyJSONHandlerOptions{
				HandlerOptions: slog.HandlerOptions{
					ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
						if a.Key == "time" {
							return slog.Time(a.Key, fixedTime)
						}
						return a
					},
				},
				PrettyPrint: tt.prettyPrint,
			}

			logger := slog.New(NewPrettyJSONHandler(buf, opts))
			logger.Info("test message")

			got := buf.String()
			assert.True(t, strings.HasSuffix(got, "\n"), "output should end with a newline")

			var gotData map[string]any
			require.NoError(t, json.Unmarshal([]byte(got), &gotData))
			for k, want := range expectedData {
				assert.Equal(t, want, gotData[k], "field %q", k)
			}

			assert.Equal(t, tt.prettyPrint, strings.Contains(got, "\n  "), "indentation should follow PrettyPrint")
		})
	}
}

func TestPrettyJSONHandlerNilOptions(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(NewPrettyJSONHandler(buf, nil))

	logger.Info("test message")

	assert.NotZero(t, buf.Len())
}

func TestPrettyJSONHandlerKeepsIndentationOnDerivedHandlers(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(NewPrettyJSONHandler(buf, &PrettyJSONHandlerOptions{PrettyPrint: true}))

	logger.With("component", "scaler").WithGroup("scale").Info("test message", "desired", 3)

	got := buf.String()
	assert.Contains(t, got, "\n  ")
	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(got), &result))
	assert.Equal(t, "scaler", result["component"])
	assert.Equal(t, map[string]any{"desired": float64(3)}, result["scale"])
}

func TestPrettyJSONHandlerAttributes(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(NewPrettyJSONHandler(buf, &PrettyJSONHandlerOptions{PrettyPrint: true}))

	logger.Info("test message",
		"string", "value",
		"number", 42,
		"bool", true,
	)

	var result map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &result))
	assert.Equal(t, "value", result["string"])
	assert.Equal(t, float64(42), result["number"])
	assert.Equal(t, true, result["bool"])
}
