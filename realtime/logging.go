package realtime

import (
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

var logLevelMatches = map[string]zerolog.Level{
	"NONE":  zerolog.Disabled,
	"TRACE": zerolog.TraceLevel,
	"DEBUG": zerolog.DebugLevel,
	"INFO":  zerolog.InfoLevel,
	"WARN":  zerolog.WarnLevel,
	"ERROR": zerolog.ErrorLevel,
}

// LogConfig configures NewLogger.
type LogConfig struct {
	Level  string
	Output io.Writer
}

// NewLogger builds a zerolog logger. Output defaults to stdout, rendered
// for humans when stdout is a terminal and as JSON otherwise. Unknown levels
// fall back to info.
func NewLogger(config LogConfig) zerolog.Logger {
	level, ok := logLevelMatches[strings.ToUpper(config.Level)]
	if !ok {
		level = zerolog.InfoLevel
	}

	output := config.Output
	if output == nil {
		output = os.Stdout
		if isTerminalAttached() {
			output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "2006-01-02 15:04:05"}
		}
	}
	return zerolog.New(output).Level(level).With().Timestamp().Logger()
}

func isTerminalAttached() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) && runtime.GOOS != "windows"
}

func (options ClientOptions) logger() zerolog.Logger {
	if options.Logger != nil {
		return *options.Logger
	}
	if options.LogLevel != "" {
		return NewLogger(LogConfig{Level: options.LogLevel})
	}
	return zerolog.Nop()
}
