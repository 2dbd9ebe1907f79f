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

// Package logutil carries the process logger.  It is a thin shell
// around zap: SetupMOLogger builds the logger from a LogConfig,
// GetGlobalLogger hands it out, the package level Info/Infof family
// logs through it.  Entries are teed to a plain sink and, unless
// disabled, to a report sink whose shipping function is pluggable.
package logutil

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig describes one logger.  The zero value logs to stderr at
// info level in console format.
type LogConfig struct {
	// Level is the minimum enabled level, any of zapcore's names.
	Level string `toml:"level" json:"level"`
	// Format is console or json.
	Format string `toml:"format" json:"format"`
	// Filename routes output into a rotated file instead of stderr.
	Filename string `toml:"filename" json:"filename"`
	// MaxSize is the megabytes a file may reach before rotation.
	MaxSize int `toml:"max-size" json:"max-size"`
	// MaxDays is how many days rotated files are kept, 0 keeps all.
	MaxDays int `toml:"max-days" json:"max-days"`
	// MaxBackups is how many rotated files are kept, 0 keeps all.
	MaxBackups int `toml:"max-backups" json:"max-backups"`

	// DisableStore drops the report sink, entries then reach the
	// plain sink only.
	DisableStore bool `toml:"disable-store" json:"disable-store"`
	// StacktraceLevel is the level from which entries carry a
	// stacktrace, default fatal.
	StacktraceLevel string `toml:"stacktrace-level" json:"stacktrace-level"`
}

var (
	globalLogger    atomic.Pointer[zap.Logger]
	globalLogConfig atomic.Value // LogConfig
	setupOnce       sync.Once
)

// SetupMOLogger replaces the global logger with one built from conf.
// An unsupported format, level or filename panics.
func SetupMOLogger(conf *LogConfig) {
	setGlobalLogConfig(conf)
	logger := newMOLogger(conf)
	replaceGlobalLogger(logger)
	logger.Info("MO logger init",
		zap.String("level", conf.Level),
		zap.String("format", conf.Format),
		zap.String("filename", conf.Filename))
}

// GetGlobalLogger returns the process logger, setting up a stderr
// console logger at info level on first use.
func GetGlobalLogger() *zap.Logger {
	if l := globalLogger.Load(); l != nil {
		return l
	}
	setupOnce.Do(func() {
		if globalLogger.Load() == nil {
			SetupMOLogger(&LogConfig{Level: "info", Format: "console"})
		}
	})
	return globalLogger.Load()
}

func replaceGlobalLogger(logger *zap.Logger) {
	globalLogger.Store(logger)
}

func setGlobalLogConfig(cfg *LogConfig) {
	globalLogConfig.Store(*cfg)
}

func getGlobalLogConfig() LogConfig {
	if v := globalLogConfig.Load(); v != nil {
		return v.(LogConfig)
	}
	return LogConfig{}
}

// newMOLogger tees one core per sink, the first sink is the plain
// one, the rest report.
func newMOLogger(cfg *LogConfig) *zap.Logger {
	level := cfg.getLevel()
	sinks := cfg.getSinks()
	cores := make([]zapcore.Core, 0, len(sinks))
	cores = append(cores, zapcore.NewCore(sinks[0].enc, sinks[0].out, level))
	for _, sink := range sinks[1:] {
		cores = append(cores, newReportCore(sink, level))
	}
	return zap.New(zapcore.NewTee(cores...), cfg.getOptions()...)
}
