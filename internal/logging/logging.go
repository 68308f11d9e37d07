// Package logging builds the zap loggers used by the command line tools and the server.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// FormatConsole writes human-readable lines.
	FormatConsole = "console"

	// FormatJSON writes one JSON object per line.
	FormatJSON = "json"

	defaultLevel            = "info"
	defaultMaxSizeMegabytes = 10
	defaultMaxBackups       = 3
	defaultMaxAgeDays       = 28
	levelKey                = "level"
	timeKey                 = "time"
	messageKey              = "message"
	errMessageParseLevel    = "parse log level"
	errMessageUnknownFormat = "unknown log format"
)

// ErrUnknownFormat indicates a format other than console or json.
var ErrUnknownFormat = errors.New(errMessageUnknownFormat)

// Config selects the level, encoding and destinations of a logger.
type Config struct {
	Level  string
	Format string
	// File, when set, receives a copy of every entry and is rotated by size.
	File             string
	MaxSizeMegabytes int
	MaxBackups       int
	MaxAgeDays       int
	// Output replaces standard error as the primary destination.
	Output io.Writer
}

// New creates a zap logger from configuration. Debug level selects zap's development
// settings, every other level the production ones.
func New(configuration Config) (*zap.Logger, error) {
	levelName := strings.ToLower(strings.TrimSpace(configuration.Level))
	if levelName == "" {
		levelName = defaultLevel
	}
	level, parseErr := zapcore.ParseLevel(levelName)
	if parseErr != nil {
		return nil, fmt.Errorf("%s: %w", errMessageParseLevel, parseErr)
	}

	var zapConfig zap.Config
	if level == zapcore.DebugLevel {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}
	encoderConfig := zapConfig.EncoderConfig
	encoderConfig.LevelKey = levelKey
	encoderConfig.TimeKey = timeKey
	encoderConfig.MessageKey = messageKey
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	format := strings.ToLower(strings.TrimSpace(configuration.Format))
	if format == "" {
		format = FormatConsole
	}

	var consoleEncoder zapcore.Encoder
	var fileEncoder zapcore.Encoder
	switch format {
	case FormatConsole:
		coloredConfig := encoderConfig
		coloredConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		consoleEncoder = zapcore.NewConsoleEncoder(coloredConfig)
		plainConfig := encoderConfig
		plainConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		fileEncoder = zapcore.NewConsoleEncoder(plainConfig)
	case FormatJSON:
		consoleEncoder = zapcore.NewJSONEncoder(encoderConfig)
		fileEncoder = consoleEncoder
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, configuration.Format)
	}

	output := configuration.Output
	if output == nil {
		output = os.Stderr
	}
	cores := []zapcore.Core{zapcore.NewCore(consoleEncoder, zapcore.Lock(zapcore.AddSync(output)), level)}
	if strings.TrimSpace(configuration.File) != "" {
		cores = append(cores, zapcore.NewCore(fileEncoder, zapcore.AddSync(newRotatingFile(configuration)), level))
	}

	options := []zap.Option{zap.AddCaller()}
	if zapConfig.Development {
		options = append(options, zap.Development(), zap.AddStacktrace(zapcore.WarnLevel))
	} else {
		options = append(options, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	return zap.New(zapcore.NewTee(cores...), options...), nil
}

func newRotatingFile(configuration Config) *lumberjack.Logger {
	maxSize := configuration.MaxSizeMegabytes
	if maxSize <= 0 {
		maxSize = defaultMaxSizeMegabytes
	}
	maxBackups := configuration.MaxBackups
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}
	maxAge := configuration.MaxAgeDays
	if maxAge <= 0 {
		maxAge = defaultMaxAgeDays
	}
	return &lumberjack.Logger{
		Filename:   configuration.File,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
	}
}
