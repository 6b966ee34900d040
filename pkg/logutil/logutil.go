// Copyright 2021 - 2023 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package logutil

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"

	"github.com/matrixorigin/preagg/pkg/common/moerr"
)

// LogConfig names the logging knobs of the [log] configuration
// section.
type LogConfig struct {
	// Level is the minimum level written, one of zapcore's names.
	Level string `toml:"level"`
	// Format selects the encoder, "console" or "json".
	Format string `toml:"format"`
	// Filename routes output into a rotated file instead of stderr.
	Filename string `toml:"filename"`
	// MaxSize is the rotation size in megabytes.
	MaxSize int `toml:"max-size"`
	// MaxDays is the retention of rotated files in days.
	MaxDays int `toml:"max-days"`
	// MaxBackups caps the number of rotated files kept around.
	MaxBackups int `toml:"max-backups"`
	// StacktraceLevel is the level that starts attaching stacktraces.
	StacktraceLevel string `toml:"stacktrace-level"`
}

// Adjust fills the zero fields with their defaults.
func (cfg *LogConfig) Adjust() {
	if cfg.Level == "" {
		cfg.Level = zapcore.InfoLevel.String()
	}
	if cfg.Format == "" {
		cfg.Format = "console"
	}
	if cfg.MaxSize == 0 {
		cfg.MaxSize = 512
	}
	if cfg.StacktraceLevel == "" {
		cfg.StacktraceLevel = zapcore.FatalLevel.String()
	}
}

func (cfg *LogConfig) getLevel() zap.AtomicLevel {
	return zap.NewAtomicLevelAt(parseZapLevel(cfg.Level, zapcore.InfoLevel))
}

func (cfg *LogConfig) getOptions() []zap.Option {
	stack := parseZapLevel(cfg.StacktraceLevel, zapcore.FatalLevel)
	return []zap.Option{zap.AddStacktrace(stack), zap.AddCaller()}
}

func (cfg *LogConfig) getSyncer() zapcore.WriteSyncer {
	if cfg.Filename != "" {
		return getFileSyncer(cfg)
	}
	return getConsoleSyncer()
}

func (cfg *LogConfig) getEncoder() zapcore.Encoder {
	return getLoggerEncoder(cfg.Format)
}

// ZapSink pairs an encoder with its write syncer; one core is built per
// sink.
type ZapSink struct {
	enc zapcore.Encoder
	out zapcore.WriteSyncer
}

func (cfg *LogConfig) getSinks() []ZapSink {
	return []ZapSink{
		{cfg.getEncoder(), cfg.getSyncer()},
	}
}

func parseZapLevel(s string, dflt zapcore.Level) zapcore.Level {
	if s == "" {
		return dflt
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return dflt
	}
	return l
}

func getConsoleSyncer() zapcore.WriteSyncer {
	return zapcore.Lock(os.Stderr)
}

func getFileSyncer(cfg *LogConfig) zapcore.WriteSyncer {
	if stat, err := os.Stat(cfg.Filename); err == nil && stat.IsDir() {
		panic("log file can't be a directory")
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   cfg.Filename,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxDays,
		MaxBackups: cfg.MaxBackups,
		LocalTime:  true,
	})
}

// getLoggerEncoder is a hook point for tests; the released encoders are
// zapcore's json and console encoders over one shared config.
var getLoggerEncoder = func(format string) zapcore.Encoder {
	encoderConfig := getLoggerEncoderConfig()
	switch format {
	case "json", "":
		return zapcore.NewJSONEncoder(encoderConfig)
	case "console":
		return zapcore.NewConsoleEncoder(encoderConfig)
	default:
		panic(moerr.NewInternalError("unsupported log format: %s", format))
	}
}

func getLoggerEncoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		MessageKey:       "msg",
		LevelKey:         "level",
		TimeKey:          "time",
		NameKey:          "name",
		CallerKey:        "caller",
		StacktraceKey:    "stacktrace",
		LineEnding:       zapcore.DefaultLineEnding,
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeTime:       zapcore.TimeEncoderOfLayout("2006/01/02 15:04:05.000000 -0700"),
		EncodeDuration:   zapcore.StringDurationEncoder,
		EncodeCaller:     zapcore.ShortCallerEncoder,
		ConsoleSeparator: " ",
	}
}

// SetupMOLogger builds the global logger from conf.  Unknown formats
// and directory filenames panic: both mean a broken deployment and
// there is no logger yet to complain through.
func SetupMOLogger(conf *LogConfig) {
	conf.Adjust()
	sinks := conf.getSinks()
	cores := make([]zapcore.Core, 0, len(sinks))
	level := conf.getLevel()
	for _, sink := range sinks {
		cores = append(cores, zapcore.NewCore(sink.enc, sink.out, level))
	}
	logger := zap.New(zapcore.NewTee(cores...), conf.getOptions()...)
	replaceGlobalLogger(logger)
	logger.Debug("logger init",
		zap.String("level", conf.Level),
		zap.String("format", conf.Format))
}
