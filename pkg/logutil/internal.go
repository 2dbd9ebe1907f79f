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

package logutil

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/matrixorigin/momap/pkg/common/moerr"
)

// ZapSink pairs an encoder with the syncer its output lands in.
type ZapSink struct {
	enc zapcore.Encoder
	out zapcore.WriteSyncer
}

func (cfg *LogConfig) getLevel() zap.AtomicLevel {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			panic(moerr.NewInternalError("unsupported log level: %s", cfg.Level))
		}
	}
	return zap.NewAtomicLevelAt(level)
}

func (cfg *LogConfig) getStacktraceLevel() zapcore.Level {
	level := zapcore.FatalLevel
	if cfg.StacktraceLevel != "" {
		if err := level.UnmarshalText([]byte(cfg.StacktraceLevel)); err != nil {
			panic(moerr.NewInternalError("unsupported stacktrace level: %s", cfg.StacktraceLevel))
		}
	}
	return level
}

func (cfg *LogConfig) getOptions() []zap.Option {
	return []zap.Option{zap.AddStacktrace(cfg.getStacktraceLevel()), zap.AddCaller()}
}

func (cfg *LogConfig) getSyncer() zapcore.WriteSyncer {
	if cfg.Filename != "" {
		return getLumberjackSyncer(cfg.Filename, cfg.MaxSize, cfg.MaxDays, cfg.MaxBackups)
	}
	return getConsoleSyncer()
}

func (cfg *LogConfig) getEncoder() zapcore.Encoder {
	return getLoggerEncoder(cfg.Format)
}

// getSinks lists the sinks a logger built from cfg tees into, the
// plain sink first.
func (cfg *LogConfig) getSinks() []ZapSink {
	sinks := []ZapSink{{cfg.getEncoder(), cfg.getSyncer()}}
	if !cfg.DisableStore {
		sinks = append(sinks, ZapSink{getLoggerEncoder("json"), getStoreSyncer()})
	}
	return sinks
}

func getConsoleSyncer() zapcore.WriteSyncer {
	return zapcore.AddSync(os.Stderr)
}

func getLumberjackSyncer(filename string, maxSize, maxDays, maxBackups int) zapcore.WriteSyncer {
	if stat, err := os.Stat(filename); err == nil && stat.IsDir() {
		panic("log file can't be a directory")
	}
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   filename,
		MaxSize:    maxSize,
		MaxAge:     maxDays,
		MaxBackups: maxBackups,
		LocalTime:  true,
	})
}

func getLoggerEncoder(format string) zapcore.Encoder {
	encoderConfig := getLoggerEncoderConfig()
	switch format {
	case "json":
		return zapcore.NewJSONEncoder(encoderConfig)
	case "console", "":
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
