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
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	_globalLogger atomic.Value // *zap.Logger
	_skip1Logger  atomic.Value // *zap.Logger, one caller frame up
	_sugarLogger  atomic.Value // *zap.SugaredLogger over the skip1 logger

	setupOnce sync.Once
)

func replaceGlobalLogger(logger *zap.Logger) {
	_globalLogger.Store(logger)
	skip1 := logger.WithOptions(zap.AddCallerSkip(1))
	_skip1Logger.Store(skip1)
	_sugarLogger.Store(skip1.Sugar())
}

// GetGlobalLogger returns the process logger, building a default
// console logger on first use when nothing called SetupMOLogger.
func GetGlobalLogger() *zap.Logger {
	if l, ok := _globalLogger.Load().(*zap.Logger); ok {
		return l
	}
	setupOnce.Do(func() {
		SetupMOLogger(&LogConfig{})
	})
	return _globalLogger.Load().(*zap.Logger)
}

// GetSkip1Logger returns the process logger with one extra caller
// frame skipped, the one the package level helpers log through.
func GetSkip1Logger() *zap.Logger {
	GetGlobalLogger()
	return _skip1Logger.Load().(*zap.Logger)
}

func getSugar() *zap.SugaredLogger {
	GetGlobalLogger()
	return _sugarLogger.Load().(*zap.SugaredLogger)
}

// Sync flushes buffered log entries.
func Sync() error {
	return GetGlobalLogger().Sync()
}

func Debug(msg string, fields ...zap.Field) {
	GetSkip1Logger().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	GetSkip1Logger().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	GetSkip1Logger().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	GetSkip1Logger().Error(msg, fields...)
}

func Panic(msg string, fields ...zap.Field) {
	GetSkip1Logger().Panic(msg, fields...)
}

func Fatal(msg string, fields ...zap.Field) {
	GetSkip1Logger().Fatal(msg, fields...)
}

func Debugf(format string, args ...interface{}) {
	getSugar().Debugf(format, args...)
}

func Infof(format string, args ...interface{}) {
	getSugar().Infof(format, args...)
}

func Warnf(format string, args ...interface{}) {
	getSugar().Warnf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	getSugar().Errorf(format, args...)
}

func Panicf(format string, args ...interface{}) {
	getSugar().Panicf(format, args...)
}

func Fatalf(format string, args ...interface{}) {
	getSugar().Fatalf(format, args...)
}
