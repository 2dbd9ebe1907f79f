// Copyright 2021 Matrix Origin
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

package main

import (
	"github.com/BurntSushi/toml"

	"github.com/matrixorigin/momap/pkg/common/moerr"
	"github.com/matrixorigin/momap/pkg/logutil"
)

// Config drives one bench run.  Values come from an optional toml
// file decoded over the defaults, command line flags override both.
type Config struct {
	Log logutil.LogConfig `toml:"log"`

	// Workloads lists the suites to run in order.  Known names are
	// int, str, generic and shard.
	Workloads []string `toml:"workloads"`

	// Rows is the number of build rows fed to every workload.
	Rows int `toml:"rows"`

	// DupFactor folds the key space so that each distinct key shows
	// up about this many times in the build stream.
	DupFactor int `toml:"dup-factor"`

	// Workers sizes the goroutine pool for the probe and shard
	// phases, and the partition count of the str workload.
	Workers int `toml:"workers"`

	// ProbeRounds is how many passes each worker makes over the key
	// stream during a probe phase.
	ProbeRounds int `toml:"probe-rounds"`

	// Dataset names a csv or csv.lz4 file whose keys replace the
	// generated corpus of the str workload.  Empty generates keys.
	Dataset string `toml:"dataset"`

	// DatasetColumn picks the key column of the dataset, zero based.
	DatasetColumn int `toml:"dataset-column"`

	// PoolCap caps the bench memory pool in bytes, zero is uncapped.
	PoolCap int64 `toml:"pool-cap"`
}

func defaultConfig() *Config {
	return &Config{
		Log: logutil.LogConfig{
			Level:        "info",
			Format:       "console",
			DisableStore: true,
		},
		Workloads:   []string{"int", "str", "generic", "shard"},
		Rows:        1 << 20,
		DupFactor:   4,
		Workers:     8,
		ProbeRounds: 4,
	}
}

// loadConfig decodes path over the defaults.  An empty path keeps the
// defaults.  The caller validates after applying flag overrides.
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, moerr.NewBadConfig("bench config %s: %v", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Rows <= 0 {
		return moerr.NewBadConfig("rows must be positive, got %d", c.Rows)
	}
	if c.DupFactor <= 0 {
		return moerr.NewBadConfig("dup-factor must be positive, got %d", c.DupFactor)
	}
	if c.Workers <= 0 {
		return moerr.NewBadConfig("workers must be positive, got %d", c.Workers)
	}
	if c.ProbeRounds <= 0 {
		return moerr.NewBadConfig("probe-rounds must be positive, got %d", c.ProbeRounds)
	}
	if c.DatasetColumn < 0 {
		return moerr.NewBadConfig("dataset-column must not be negative, got %d", c.DatasetColumn)
	}
	if c.PoolCap < 0 {
		return moerr.NewBadConfig("pool-cap must not be negative, got %d", c.PoolCap)
	}
	if len(c.Workloads) == 0 {
		return moerr.NewBadConfig("no workloads selected")
	}
	for _, w := range c.Workloads {
		switch w {
		case "int", "str", "generic", "shard":
		default:
			return moerr.NewBadConfig("unknown workload %s", w)
		}
	}
	return nil
}
