// Copyright 2024 Softwire Project
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package log provides leveled, structured logging on top of zap. Loggers
// carry context as alternating key/value pairs, following the conventions of
// the rest of the code base.
package log

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/softwireproto/dslite/pkg/private/serrors"
)

// Logger describes the logger interface.
type Logger interface {
	// New returns a child logger with the given context attached.
	New(ctx ...interface{}) Logger
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	// Enabled returns whether the given level is enabled.
	Enabled(lvl Level) bool
}

// Level is a log level.
type Level = zapcore.Level

// The supported log levels.
const (
	DebugLevel = zapcore.DebugLevel
	InfoLevel  = zapcore.InfoLevel
	ErrorLevel = zapcore.ErrorLevel
)

// Config configures the logging backend.
type Config struct {
	// Level of the logging entries: debug, info or error.
	Level string `toml:"level,omitempty" json:"level,omitempty"`
	// Format of the log entries: human or json.
	Format string `toml:"format,omitempty" json:"format,omitempty"`
}

// InitDefaults populates unset fields to their default values.
func (c *Config) InitDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "human"
	}
}

// Validate validates the config.
func (c *Config) Validate() error {
	if _, err := parseLevel(c.Level); err != nil {
		return err
	}
	switch c.Format {
	case "", "human", "json":
		return nil
	default:
		return serrors.New("unsupported log format", "format", c.Format)
	}
}

var root logger = logger{inner: zap.NewNop()}

// Setup configures the root logger according to the config. It must be
// called before the first use of the root logger and is not safe for
// concurrent use with it.
func Setup(cfg Config) error {
	cfg.InitDefaults()
	lvl, err := parseLevel(cfg.Level)
	if err != nil {
		return err
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if cfg.Format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		if isatty.IsTerminal(os.Stderr.Fd()) {
			encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		enc = zapcore.NewConsoleEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), lvl)
	root = logger{inner: zap.New(core)}
	return nil
}

// Discard sets the root logger to discard all entries. Intended for tests.
func Discard() {
	root = logger{inner: zap.NewNop()}
}

// Root returns the root logger. It is guaranteed to never return nil.
func Root() Logger {
	return root
}

// New returns a child of the root logger with the given context attached.
func New(ctx ...interface{}) Logger {
	return root.New(ctx...)
}

// Debug logs at debug level on the root logger.
func Debug(msg string, ctx ...interface{}) { root.Debug(msg, ctx...) }

// Info logs at info level on the root logger.
func Info(msg string, ctx ...interface{}) { root.Info(msg, ctx...) }

// Error logs at error level on the root logger.
func Error(msg string, ctx ...interface{}) { root.Error(msg, ctx...) }

// HandlePanic logs and re-raises panics from the calling goroutine. Should
// be deferred at the top of every goroutine started outside of tests.
func HandlePanic() {
	if msg := recover(); msg != nil {
		root.inner.Error("Panic", zap.Any("msg", msg), zap.Stack("stack"))
		_ = root.inner.Sync()
		panic(msg)
	}
}

type logger struct {
	inner *zap.Logger
}

func (l logger) New(ctx ...interface{}) Logger {
	return logger{inner: l.inner.With(convertCtx(ctx)...)}
}

func (l logger) Debug(msg string, ctx ...interface{}) {
	l.inner.Debug(msg, convertCtx(ctx)...)
}

func (l logger) Info(msg string, ctx ...interface{}) {
	l.inner.Info(msg, convertCtx(ctx)...)
}

func (l logger) Error(msg string, ctx ...interface{}) {
	l.inner.Error(msg, convertCtx(ctx)...)
}

func (l logger) Enabled(lvl Level) bool {
	return l.inner.Core().Enabled(lvl)
}

func parseLevel(s string) (zapcore.Level, error) {
	switch s {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return 0, serrors.New("unsupported log level", "level", s)
	}
}

func convertCtx(ctx []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(ctx)/2)
	for i := 0; i+1 < len(ctx); i += 2 {
		fields = append(fields, zap.Any(fmt.Sprint(ctx[i]), ctx[i+1]))
	}
	return fields
}
