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

// momap-bench drives the hash table packages the way a query engine
// would: batch group by builds, join probes from a worker pool, and
// concurrent point lookups, with sanity checks over every phase.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/matrixorigin/momap/pkg/logutil"
	"github.com/matrixorigin/momap/pkg/logutil/logutil2"
)

var (
	rowsFlag      = flag.Int("rows", 0, "override total build rows")
	workersFlag   = flag.Int("workers", 0, "override worker count")
	workloadsFlag = flag.String("workloads", "", "comma separated workload list")
)

type benchRunKey struct{}

func waitSignal(cancel context.CancelFunc) {
	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, syscall.SIGTERM, syscall.SIGINT)
	<-sigchan
	cancel()
}

func cleanup() {
	fmt.Println("\rBye!")
}

func main() {
	flag.Parse()
	if flag.NArg() > 1 {
		fmt.Printf("usage: %s [configFile]\n", os.Args[0])
		os.Exit(-1)
	}

	cfg, err := loadConfig(flag.Arg(0))
	if err != nil {
		fmt.Printf("load config failed. error:%v\n", err)
		os.Exit(-1)
	}
	if *rowsFlag > 0 {
		cfg.Rows = *rowsFlag
	}
	if *workersFlag > 0 {
		cfg.Workers = *workersFlag
	}
	if *workloadsFlag != "" {
		cfg.Workloads = strings.Split(*workloadsFlag, ",")
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("bad config. error:%v\n", err)
		os.Exit(-1)
	}

	logutil.SetupMOLogger(&cfg.Log)
	logutil.SetContextFieldFunc(func(ctx context.Context) zap.Field {
		if id, ok := ctx.Value(benchRunKey{}).(string); ok {
			return zap.String("run", id)
		}
		return zap.Skip()
	})

	runID := fmt.Sprintf("%d-%x", os.Getpid(), time.Now().Unix())
	ctx, cancel := context.WithCancel(
		context.WithValue(context.Background(), benchRunKey{}, runID))
	defer cancel()
	go waitSignal(cancel)

	fmt.Println("Interrupt The Bench With Ctrl+C | Ctrl+\\.")

	if err := runBench(ctx, cfg); err != nil {
		logutil2.Errorf(ctx, "bench failed: %v", err)
		cleanup()
		os.Exit(-1)
	}
	logutil2.Infof(ctx, "bench complete")
	cleanup()
}
