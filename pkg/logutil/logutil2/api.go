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

// Package logutil2 mirrors logutil's surface with a leading context.
// Each entry carries the field the registered context mapping
// extracts, the span of the caller in the default wiring.
package logutil2

import (
	"context"

	"go.uber.org/zap"

	"github.com/matrixorigin/momap/pkg/logutil"
)

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	logutil.GetGlobalLogger().WithOptions(zap.AddCallerSkip(1), logutil.ContextFields()(ctx)).Debug(msg, fields...)
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	logutil.GetGlobalLogger().WithOptions(zap.AddCallerSkip(1), logutil.ContextFields()(ctx)).Info(msg, fields...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	logutil.GetGlobalLogger().WithOptions(zap.AddCallerSkip(1), logutil.ContextFields()(ctx)).Warn(msg, fields...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	logutil.GetGlobalLogger().WithOptions(zap.AddCallerSkip(1), logutil.ContextFields()(ctx)).Error(msg, fields...)
}

func Panic(ctx context.Context, msg string, fields ...zap.Field) {
	logutil.GetGlobalLogger().WithOptions(zap.AddCallerSkip(1), logutil.ContextFields()(ctx)).Panic(msg, fields...)
}

func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	logutil.GetGlobalLogger().WithOptions(zap.AddCallerSkip(1), logutil.ContextFields()(ctx)).Fatal(msg, fields...)
}

func Debugf(ctx context.Context, msg string, args ...any) {
	logutil.GetGlobalLogger().WithOptions(zap.AddCallerSkip(1), logutil.ContextFields()(ctx)).Sugar().Debugf(msg, args...)
}

func Infof(ctx context.Context, msg string, args ...any) {
	logutil.GetGlobalLogger().WithOptions(zap.AddCallerSkip(1), logutil.ContextFields()(ctx)).Sugar().Infof(msg, args...)
}

func Warnf(ctx context.Context, msg string, args ...any) {
	logutil.GetGlobalLogger().WithOptions(zap.AddCallerSkip(1), logutil.ContextFields()(ctx)).Sugar().Warnf(msg, args...)
}

func Errorf(ctx context.Context, msg string, args ...any) {
	logutil.GetGlobalLogger().WithOptions(zap.AddCallerSkip(1), logutil.ContextFields()(ctx), zap.AddStacktrace(zap.ErrorLevel)).Sugar().Errorf(msg, args...)
}

func Panicf(ctx context.Context, msg string, args ...any) {
	logutil.GetGlobalLogger().WithOptions(zap.AddCallerSkip(1), logutil.ContextFields()(ctx)).Sugar().Panicf(msg, args...)
}

func Fatalf(ctx context.Context, msg string, args ...any) {
	logutil.GetGlobalLogger().WithOptions(zap.AddCallerSkip(1), logutil.ContextFields()(ctx)).Sugar().Fatalf(msg, args...)
}
