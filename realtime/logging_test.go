package realtime

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerLevels(t *testing.T) {
	var buffer bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Output: &buffer})
	logger.Info().Msg("hidden")
	logger.Warn().Str("channel", "news").Msg("shown")

	output := buffer.String()
	if strings.Contains(output, "hidden") {
		t.Fatalf("expected info to be filtered, got %s", output)
	}
	if !strings.Contains(output, `"level":"warn"`) || !strings.Contains(output, `"channel":"news"`) {
		t.Fatalf("expected structured warn entry, got %s", output)
	}

	if got := NewLogger(LogConfig{Level: "bogus", Output: &buffer}).GetLevel(); got != zerolog.InfoLevel {
		t.Fatalf("expected unknown level to fall back to info, got %s", got)
	}
	if got := NewLogger(LogConfig{Level: "none", Output: &buffer}).GetLevel(); got != zerolog.Disabled {
		t.Fatalf("expected none to disable logging, got %s", got)
	}
}

func TestOptionsLogger(t *testing.T) {
	if got := (ClientOptions{}).logger().GetLevel(); got != zerolog.Disabled {
		t.Fatalf("expected a silent logger by default, got %s", got)
	}
	custom := zerolog.New(nil).Level(zerolog.ErrorLevel)
	if got := (ClientOptions{Logger: &custom}).logger().GetLevel(); got != zerolog.ErrorLevel {
		t.Fatalf("expected the configured logger, got %s", got)
	}
}
