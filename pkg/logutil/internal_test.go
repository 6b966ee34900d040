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
	"path/filepath"
	"regexp"
	"testing"

	"github.com/lni/goutils/leaktest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/matrixorigin/preagg/pkg/common/moerr"
)

func TestLogConfigAdjust(t *testing.T) {
	var cfg LogConfig
	cfg.Adjust()
	require.Equal(t, zapcore.InfoLevel.String(), cfg.Level)
	require.Equal(t, "console", cfg.Format)
	require.Equal(t, 512, cfg.MaxSize)
	require.Equal(t, zapcore.FatalLevel.String(), cfg.StacktraceLevel)

	set := LogConfig{Level: "warn", Format: "json", MaxSize: 64, StacktraceLevel: "error"}
	set.Adjust()
	require.Equal(t, "warn", set.Level)
	require.Equal(t, "json", set.Format)
	require.Equal(t, 64, set.MaxSize)
	require.Equal(t, "error", set.StacktraceLevel)
}

func TestParseZapLevel(t *testing.T) {
	require.Equal(t, zapcore.DebugLevel, parseZapLevel("debug", zapcore.InfoLevel))
	require.Equal(t, zapcore.InfoLevel, parseZapLevel("", zapcore.InfoLevel))
	require.Equal(t, zapcore.FatalLevel, parseZapLevel("not-a-level", zapcore.FatalLevel))
}

func TestLogConfigGetters(t *testing.T) {
	cfg := &LogConfig{Level: "debug", Format: "console"}
	require.Equal(t, zap.NewAtomicLevelAt(zap.DebugLevel), cfg.getLevel())
	require.Len(t, cfg.getOptions(), 2)
	require.Equal(t, getConsoleSyncer(), cfg.getSyncer())

	sinks := cfg.getSinks()
	require.Len(t, sinks, 1)
	require.NotNil(t, sinks[0].enc)
	require.NotNil(t, sinks[0].out)
}

func TestGetFileSyncer(t *testing.T) {
	dir := t.TempDir()
	cfg := &LogConfig{Filename: filepath.Join(dir, "preagg.log"), MaxSize: 1}
	require.NotNil(t, getFileSyncer(cfg))
	require.NotEqual(t, getConsoleSyncer(), cfg.getSyncer())

	cfg.Filename = dir
	require.PanicsWithValue(t, "log file can't be a directory", func() {
		getFileSyncer(cfg)
	})
}

func TestGetLoggerEncoderOutput(t *testing.T) {
	entry := zapcore.Entry{Level: zapcore.DebugLevel, Message: "probe"}

	buf, err := getLoggerEncoder("console").EncodeEntry(entry, nil)
	require.NoError(t, err)
	require.Regexp(t,
		regexp.MustCompile(`\d{4}/\d{2}/\d{2} \d{2}:\d{2}:\d{2}\.\d{6} [-+]\d{4} DEBUG probe`),
		buf.String())

	for _, format := range []string{"json", ""} {
		buf, err = getLoggerEncoder(format).EncodeEntry(entry, nil)
		require.NoError(t, err)
		require.Regexp(t,
			regexp.MustCompile(`\{.*"level":"DEBUG".*"msg":"probe".*\}`),
			buf.String())
	}

	require.PanicsWithValue(t,
		moerr.NewInternalError("unsupported log format: %s", "xml"),
		func() { getLoggerEncoder("xml") })
}

func TestSetupMOLogger(t *testing.T) {
	defer leaktest.AfterTest(t)()
	for _, format := range []string{"console", "json"} {
		SetupMOLogger(&LogConfig{
			Level:  zapcore.DebugLevel.String(),
			Format: format,
		})
		require.NotNil(t, GetGlobalLogger())
	}
}
