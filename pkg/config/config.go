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

package config

import (
	"github.com/BurntSushi/toml"
	"go.uber.org/zap/zapcore"

	"github.com/matrixorigin/preagg/pkg/common/moerr"
	"github.com/matrixorigin/preagg/pkg/logutil"
)

// EngineConfig holds the reduction engine knobs of the [engine]
// section.  The knobs map one to one onto job options.
type EngineConfig struct {
	//worker group size, must be a power of two. default: 64
	GroupSize int64 `toml:"group-size"`

	//ants pool size bounding concurrent worker groups. 0 means one per cpu
	PoolSize int64 `toml:"pool-size"`

	//global hash table slots. 0 sizes the table from the cardinality estimator
	HashSize int64 `toml:"hash-size"`

	//reduction strategy, "hash" or "sort"
	Strategy string `toml:"strategy"`

	//row hash function, "crc32c" or "murmur3"
	HashKind string `toml:"hash-kind"`

	//rows fed to the cardinality estimator per batch. negative samples every row. default: 8192
	EstimatorSample int64 `toml:"estimator-sample"`

	//mpool cap in megabytes. 0 means unbounded
	MemCapMB int64 `toml:"mem-cap-mb"`
}

// Config is the whole configuration file.
type Config struct {
	Engine EngineConfig      `toml:"engine"`
	Log    logutil.LogConfig `toml:"log"`
}

// DefaultEngine returns the engine defaults used when a section or a
// field is absent.
func DefaultEngine() EngineConfig {
	return EngineConfig{
		GroupSize:       64,
		PoolSize:        0,
		HashSize:        0,
		Strategy:        "hash",
		HashKind:        "crc32c",
		EstimatorSample: 8192,
		MemCapMB:        0,
	}
}

// Default returns a fully defaulted configuration for embedded use.
func Default() *Config {
	cfg := &Config{Engine: DefaultEngine()}
	cfg.Log.Adjust()
	return cfg
}

// SetDefaultValues fills the fields the file left out.  Zero keeps its
// meaning where it has one: pool-size, hash-size and mem-cap-mb stay
// untouched.
func (c *Config) SetDefaultValues() {
	if c.Engine.GroupSize == 0 {
		c.Engine.GroupSize = 64
	}
	if c.Engine.Strategy == "" {
		c.Engine.Strategy = "hash"
	}
	if c.Engine.HashKind == "" {
		c.Engine.HashKind = "crc32c"
	}
	if c.Engine.EstimatorSample == 0 {
		c.Engine.EstimatorSample = 8192
	}
	c.Log.Adjust()
}

// Validate rejects values the engine cannot run with.  The error names
// the offending field.
func (c *Config) Validate() error {
	if gs := c.Engine.GroupSize; gs < 1 || gs&(gs-1) != 0 {
		return moerr.NewBadConfig("engine.group-size %d is not a power of two", gs)
	}
	if c.Engine.PoolSize < 0 {
		return moerr.NewBadConfig("engine.pool-size %d is negative", c.Engine.PoolSize)
	}
	if c.Engine.HashSize < 0 {
		return moerr.NewBadConfig("engine.hash-size %d is negative", c.Engine.HashSize)
	}
	switch c.Engine.Strategy {
	case "hash", "sort":
	default:
		return moerr.NewBadConfig("engine.strategy %q", c.Engine.Strategy)
	}
	switch c.Engine.HashKind {
	case "crc32c", "murmur3":
	default:
		return moerr.NewBadConfig("engine.hash-kind %q", c.Engine.HashKind)
	}
	if c.Engine.MemCapMB < 0 {
		return moerr.NewBadConfig("engine.mem-cap-mb %d is negative", c.Engine.MemCapMB)
	}
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return moerr.NewBadConfig("log.level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return moerr.NewBadConfig("log.format %q", c.Log.Format)
	}
	return nil
}

// Load reads a TOML file, fills defaults and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, moerr.NewBadConfig("parse %s: %v", path, err)
	}
	cfg.SetDefaultValues()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
