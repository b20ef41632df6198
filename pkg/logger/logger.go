// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger builds the zap loggers of the topology core. Every entry
// carries the service name, the build version and the host so that lines of
// several instances can be told apart in one sink.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/umh-utils/env"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/united-manufacturing-hub/united-manufacturing-hub/topology-core/pkg/version"
)

// ServiceName is attached to every entry as the "service" field.
const ServiceName = "topology-core"

// LogFormat selects the encoder.
type LogFormat string

const (
	// FormatConsole is the human-readable encoder used during development.
	FormatConsole LogFormat = "CONSOLE"
	// FormatJSON is the structured encoder used in clusters.
	FormatJSON LogFormat = "JSON"
)

// Options configures New.
type Options struct {
	// Level is one of DEBUG, INFO, WARN, ERROR or PRODUCTION (an alias for
	// INFO). Unknown values mean INFO.
	Level  string
	Format LogFormat
	// Version ends up in the "version" field of every entry.
	Version string
	// Output defaults to stdout.
	Output io.Writer
}

var initOnce sync.Once

// ParseLevel maps a LOGGING_LEVEL value onto a zap level.
func ParseLevel(s string) zapcore.Level {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "PRODUCTION") {
		return zapcore.InfoLevel
	}

	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return zapcore.InfoLevel
	}
	if l > zapcore.ErrorLevel {
		// panic and fatal would silence configuration failures
		return zapcore.ErrorLevel
	}

	return l
}

// ParseFormat maps a LOGGING_FORMAT value onto a format, falling back to
// fallback for anything unknown.
func ParseFormat(s string, fallback LogFormat) LogFormat {
	switch f := LogFormat(strings.ToUpper(strings.TrimSpace(s))); f {
	case FormatConsole, FormatJSON:
		return f
	default:
		return fallback
	}
}

// New builds a logger writing to opts.Output with the service fields set.
func New(opts Options) *zap.Logger {
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "component",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if opts.Format == FormatConsole {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(t.Format("2006-01-02 15:04:05 MST"))
		}
		encoderConfig.ConsoleSeparator = " | "
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	fields := []zap.Field{zap.String("service", ServiceName)}
	if opts.Version != "" {
		fields = append(fields, zap.String("version", opts.Version))
	}
	if host, err := os.Hostname(); err == nil {
		fields = append(fields, zap.String("host", host))
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(out), ParseLevel(opts.Level))

	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel), zap.Fields(fields...))
}

// Initialize installs the global logger from LOGGING_LEVEL and LOGGING_FORMAT.
// Later calls are no-ops.
func Initialize() {
	initOnce.Do(func() {
		rawLevel, err := env.GetAsString("LOGGING_LEVEL", false, "PRODUCTION")
		if err != nil {
			rawLevel = "PRODUCTION"
		}
		rawFormat, err := env.GetAsString("LOGGING_FORMAT", false, string(FormatJSON))
		if err != nil {
			rawFormat = string(FormatJSON)
		}

		opts := Options{Level: rawLevel, Format: ParseFormat(rawFormat, FormatJSON), Version: version.GetAppVersion()}
		l := New(opts)
		zap.ReplaceGlobals(l)

		l.Info("Logger initialized", zap.Stringer("level", ParseLevel(opts.Level)), zap.String("format", string(opts.Format)))
	})
}

// Sync flushes any buffered log entries.
func Sync() error {
	return zap.L().Sync()
}

// For returns the global logger named after component.
func For(component string) *zap.SugaredLogger {
	Initialize()

	return zap.S().Named(component)
}
