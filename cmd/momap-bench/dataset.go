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
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/matrixorigin/simdcsv"
	"github.com/pierrec/lz4"
	"golang.org/x/exp/constraints"

	"github.com/matrixorigin/momap/pkg/common/moerr"
)

// csvBatchRows is the row count handed to the csv reader per call,
// large enough that the simd path stays busy on real corpora.
const csvBatchRows = 4000

// scramble spreads sequential indexes over the whole key space.  The
// odd multiplier keeps it a bijection, so distinct inputs stay
// distinct.
func scramble[T constraints.Unsigned](i T) T {
	return i * T(0x9e3779b97f4a7c15)
}

// genIntKeys deals rows keys where every distinct key shows up about
// dup times.
func genIntKeys(rows, dup int) []uint64 {
	if dup < 1 {
		dup = 1
	}
	distinct := (rows + dup - 1) / dup
	keys := make([]uint64, rows)
	for i := range keys {
		keys[i] = scramble(uint64(i % distinct))
	}
	return keys
}

// genStrKeys is the string side of genIntKeys.  Keys are longer than
// the inline window of the string table so the build hashes full
// length keys, not only padded shorts.
func genStrKeys(rows, dup int) [][]byte {
	if dup < 1 {
		dup = 1
	}
	distinct := (rows + dup - 1) / dup
	keys := make([][]byte, rows)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("bench-key-%016x", scramble(uint64(i%distinct))))
	}
	return keys
}

// loadCSVKeys reads up to limit keys from the column'th field of a
// csv file, transparently unwrapping a .lz4 compressed corpus.
func loadCSVKeys(ctx context.Context, path string, column, limit int) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".lz4") {
		r = lz4.NewReader(f)
	}
	reader := simdcsv.NewReaderWithOptions(r, ',', '#', true, true)

	keys := make([][]byte, 0, limit)
	records := make([][]string, csvBatchRows)
	for len(keys) < limit {
		var cnt int
		records, cnt, err = reader.Read(csvBatchRows, ctx, records)
		if err != nil {
			return nil, err
		}
		if cnt == 0 {
			break
		}
		for _, rec := range records[:cnt] {
			if column >= len(rec) {
				return nil, moerr.NewInvalidInput(
					"dataset %s: row has %d columns, key column is %d",
					path, len(rec), column)
			}
			keys = append(keys, []byte(rec[column]))
			if len(keys) == limit {
				break
			}
		}
		if cnt < csvBatchRows {
			break
		}
	}
	if len(keys) == 0 {
		return nil, moerr.NewInvalidInput("dataset %s has no rows", path)
	}
	return keys, nil
}

// strKeyCorpus picks the key stream of the str workload, a dataset
// file when configured, generated keys otherwise.
func strKeyCorpus(ctx context.Context, cfg *Config) ([][]byte, error) {
	if cfg.Dataset != "" {
		return loadCSVKeys(ctx, cfg.Dataset, cfg.DatasetColumn, cfg.Rows)
	}
	return genStrKeys(cfg.Rows, cfg.DupFactor), nil
}
