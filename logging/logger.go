// Package logging is the structured logger used by replication nodes.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// ParseLevel falls back to info for unknown names.
func ParseLevel(s string) Level {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

type Format int

const (
	FormatText Format = iota
	FormatJSON
)

func ParseFormat(s string) Format {
	if strings.ToLower(s) == "json" {
		return FormatJSON
	}
	return FormatText
}

// Logger logs a message with key-value pairs, e.g. Info("chunk sent", "follower", 2, "chunk", 3).
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})

	// WithFields returns a logger that adds the given pairs to every entry.
	WithFields(keysAndValues ...interface{}) Logger
}

type Config struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"` // stdout, stderr or a file path
}

// logger puts Logger in front of a zap SugaredLogger
type logger struct {
	s *zap.SugaredLogger
}

func New(cfg Config) (Logger, error) {
	var path = cfg.Output
	if path == "" {
		path = "stdout"
	}

	ws, _, err := zap.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open log output %s", cfg.Output)
	}

	return newLogger(ws, ParseLevel(cfg.Level), ParseFormat(cfg.Format)), nil
}

func NewWithWriter(w io.Writer, level Level, format Format) Logger {
	return newLogger(zapcore.Lock(zapcore.AddSync(w)), level, format)
}

func newLogger(ws zapcore.WriteSyncer, level Level, format Format) Logger {
	var encCfg = zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
	}

	var enc zapcore.Encoder
	if format == FormatJSON {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	return &logger{s: zap.New(zapcore.NewCore(enc, ws, level.zapLevel())).Sugar()}
}

func NewDefault() Logger {
	return newLogger(zapcore.Lock(os.Stdout), LevelInfo, FormatText)
}

// NewNop discards everything, used by tests.
func NewNop() Logger {
	return &logger{s: zap.NewNop().Sugar()}
}

func (l *logger) Debug(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, plainErrors(keysAndValues)...)
}

func (l *logger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Infow(msg, plainErrors(keysAndValues)...)
}

func (l *logger) Warn(msg string, keysAndValues ...interface{}) {
	l.s.Warnw(msg, plainErrors(keysAndValues)...)
}

func (l *logger) Error(msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, plainErrors(keysAndValues)...)
}

func (l *logger) WithFields(keysAndValues ...interface{}) Logger {
	return &logger{s: l.s.With(plainErrors(keysAndValues)...)}
}

// plainErrors logs errors by their message. zap would add the verbose form of
// cockroachdb errors, stack traces included, to every line.
func plainErrors(keysAndValues []interface{}) []interface{} {
	var res = keysAndValues
	var copied bool

	for i := 1; i < len(keysAndValues); i += 2 {
		if err, ok := keysAndValues[i].(error); ok {
			if !copied {
				res = append([]interface{}(nil), keysAndValues...)
				copied = true
			}
			res[i] = err.Error()
		}
	}
	return res
}
