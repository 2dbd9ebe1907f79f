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
	"context"
	"io"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// MOInternalFiledKeyNoopReport marks an entry the report sink must
// skip.  A reporter that logs through this package tags its own
// entries with it to stay off its own input.
const MOInternalFiledKeyNoopReport = "MOInternalFiledKeyNoopReport"

// NoReportFiled returns the field carrying the skip mark.
func NoReportFiled() zap.Field {
	return zap.Bool(MOInternalFiledKeyNoopReport, true)
}

var bufferPool = buffer.NewPool()

// reportZapFunc turns one entry into the bytes the report sink
// ships.  An empty buffer ships nothing.
type reportZapFunc func(encoder zapcore.Encoder, entry zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error)

func noopReportZap(zapcore.Encoder, zapcore.Entry, []zapcore.Field) (*buffer.Buffer, error) {
	return bufferPool.Get(), nil
}

// contextFieldFunc folds a context into one field, the span of the
// caller in the default wiring.
type contextFieldFunc func(ctx context.Context) zap.Field

func noopContextField(context.Context) zap.Field {
	return zap.String("span", "{}")
}

var (
	zapReporter  atomic.Value // reportZapFunc
	contextField atomic.Value // contextFieldFunc
)

func init() {
	zapReporter.Store(reportZapFunc(noopReportZap))
	contextField.Store(contextFieldFunc(noopContextField))
}

// SetZapReporter installs the report sink's encoding function.
func SetZapReporter(f reportZapFunc) {
	zapReporter.Store(f)
}

func getZapReporter() reportZapFunc {
	return zapReporter.Load().(reportZapFunc)
}

// SetContextFieldFunc installs the context to field mapping used by
// the ctx taking log calls.
func SetContextFieldFunc(f contextFieldFunc) {
	contextField.Store(f)
}

func GetContextFieldFunc() contextFieldFunc {
	return contextField.Load().(contextFieldFunc)
}

// ContextFields returns an option builder folding a context's field
// into a logger.
func ContextFields() func(ctx context.Context) zap.Option {
	f := GetContextFieldFunc()
	return func(ctx context.Context) zap.Option {
		return zap.Fields(f(ctx))
	}
}

func getStoreSyncer() zapcore.WriteSyncer {
	return zapcore.AddSync(io.Discard)
}

// reportCore routes entries through the registered reporter instead
// of encoding them itself.
type reportCore struct {
	zapcore.LevelEnabler
	enc zapcore.Encoder
	out zapcore.WriteSyncer
}

func newReportCore(sink ZapSink, enab zapcore.LevelEnabler) zapcore.Core {
	return &reportCore{LevelEnabler: enab, enc: sink.enc, out: sink.out}
}

func (c *reportCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.enc = c.enc.Clone()
	for i := range fields {
		fields[i].AddTo(clone.enc)
	}
	return &clone
}

func (c *reportCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *reportCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	for i := range fields {
		if fields[i].Key == MOInternalFiledKeyNoopReport {
			return nil
		}
	}
	buf, err := getZapReporter()(c.enc, ent, fields)
	if err != nil {
		return err
	}
	defer buf.Free()
	if buf.Len() == 0 {
		return nil
	}
	_, err = c.out.Write(buf.Bytes())
	return err
}

func (c *reportCore) Sync() error {
	return c.out.Sync()
}
