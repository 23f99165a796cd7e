// Copyright The Intel GPU Backports Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// devmem-stress is an executable that runs a randomized allocation,
// eviction and swap workload against simulated device memory regions.
// It is meant for shaking out races and for observing allocator and
// eviction behavior under pressure through the exported metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/intel-gpu/intel-gpu-i915-backports-sub003/pkg/devmem"
	logger "github.com/intel-gpu/intel-gpu-i915-backports-sub003/pkg/log"
)

var log = logger.Get("devmem-stress")

type options struct {
	localSize     uint64
	systemSize    uint64
	stolenSize    uint64
	stolenReserve uint64
	configFile    string
	workers       int
	rounds        int
	maxObjectSize uint64
	seed          int64
	metricsAddr   string
	debug         bool
}

func parseOptions() *options {
	o := &options{}

	flag.Uint64Var(&o.localSize, "local-size", 64<<20,
		"size of the device-local memory region in bytes")
	flag.Uint64Var(&o.systemSize, "system-size", 256<<20,
		"size of the system memory fallback region in bytes")
	flag.Uint64Var(&o.stolenSize, "stolen-size", 0,
		"size of the stolen memory region in bytes, 0 to disable")
	flag.Uint64Var(&o.stolenReserve, "stolen-reserve", 1<<20,
		"size of the reserved carve-out at the start of stolen memory")
	flag.StringVar(&o.configFile, "config", "",
		"YAML policy configuration file")
	flag.IntVar(&o.workers, "workers", 8,
		"number of concurrent workload goroutines")
	flag.IntVar(&o.rounds, "rounds", 1000,
		"number of allocation rounds per worker")
	flag.Uint64Var(&o.maxObjectSize, "max-object-size", 4<<20,
		"largest object size the workload allocates")
	flag.Int64Var(&o.seed, "seed", time.Now().UnixNano(),
		"workload random seed")
	flag.StringVar(&o.metricsAddr, "metrics-addr", "",
		"address to serve Prometheus metrics on, empty to disable")
	flag.BoolVar(&o.debug, "debug", false,
		"enable debug logging")
	flag.Parse()

	return o
}

func setup(o *options) (*devmem.Manager, error) {
	cfg := devmem.DefaultConfig()
	if o.configFile != "" {
		data, err := os.ReadFile(o.configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read configuration: %w", err)
		}
		if cfg, err = devmem.ParseConfig(data); err != nil {
			return nil, err
		}
	}

	local, err := devmem.NewRegion("lmem", devmem.ClassLocal, 0, o.localSize,
		devmem.DefaultChunkSize, devmem.WithConfig(cfg))
	if err != nil {
		return nil, err
	}
	system, err := devmem.NewRegion("smem", devmem.ClassSystem, 0, o.systemSize,
		devmem.DefaultChunkSize, devmem.WithConfig(cfg))
	if err != nil {
		return nil, err
	}

	regions := []*devmem.Region{local, system}
	if o.stolenSize > 0 {
		stolen, err := devmem.NewRegion("stolen", devmem.ClassStolen, 0, o.stolenSize,
			devmem.DefaultChunkSize, devmem.WithConfig(cfg),
			devmem.WithReservedRange(0, o.stolenReserve))
		if err != nil {
			return nil, err
		}
		regions = append(regions, stolen)
	}

	return devmem.NewManager(regions...)
}

// worker churns objects against the manager: allocate, use, mark
// purgeable, drop, until its round budget runs out.
func worker(id int, o *options, m *devmem.Manager, seed int64) error {
	var (
		rng        = rand.New(rand.NewSource(seed))
		placements = []devmem.Class{devmem.ClassLocal, devmem.ClassSystem}
		objects    []*devmem.Object
	)

	defer func() {
		for _, obj := range objects {
			obj.Release()
		}
	}()

	for round := 0; round < o.rounds; round++ {
		switch {
		case len(objects) == 0 || rng.Intn(3) != 0:
			size := 1 + rng.Uint64()%o.maxObjectSize
			name := fmt.Sprintf("w%d-o%d", id, round)

			var reqOptions []devmem.RequestOption
			if rng.Intn(4) == 0 {
				reqOptions = append(reqOptions, devmem.WithClear())
			}

			obj, err := m.NewObject(name, size, placements, reqOptions)
			if err != nil {
				return err
			}

			err = devmem.WithTxn(context.Background(), false, func(txn *devmem.Txn) error {
				if err := txn.Lock(obj); err != nil {
					return err
				}
				if err := obj.GetPages(context.Background(), txn); err != nil {
					return err
				}
				if rng.Intn(2) == 0 {
					obj.MarkDirty()
				}
				return nil
			})
			switch {
			case err == nil:
				if rng.Intn(2) == 0 {
					obj.MarkPurgeable(true)
				}
				objects = append(objects, obj)
			case retryable(err):
				obj.Release()
			default:
				obj.Release()
				return err
			}

		default:
			idx := rng.Intn(len(objects))
			objects[idx].Release()
			objects = append(objects[:idx], objects[idx+1:]...)
		}
	}

	return nil
}

// retryable returns true for workload outcomes which are expected
// under memory pressure and should not kill the run.
func retryable(err error) bool {
	return errors.Is(err, devmem.ErrNoSpace) ||
		errors.Is(err, devmem.ErrTooBig) ||
		errors.Is(err, devmem.ErrNoEvictable)
}

func main() {
	o := parseOptions()
	if o.debug {
		logger.EnableDebug("devmem", true)
		logger.EnableDebug("devmem-details", true)
		log.EnableDebug(true)
	}

	m, err := setup(o)
	if err != nil {
		log.Fatal("setup failed: %v", err)
	}

	collector := devmem.NewCollector(m)
	if err := collector.Register(prometheus.DefaultRegisterer); err != nil {
		log.Fatal("%v", err)
	}
	if o.metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(o.metricsAddr, nil); err != nil {
				log.Error("metrics server failed: %v", err)
			}
		}()
		log.Info("serving metrics on %s", o.metricsAddr)
	}

	log.Info("running %d workers, %d rounds each, seed %d", o.workers, o.rounds, o.seed)
	start := time.Now()

	var (
		wg   sync.WaitGroup
		errs = make([]error, o.workers)
	)
	for i := 0; i < o.workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = worker(i, o, m, o.seed+int64(i))
		}(i)
	}
	wg.Wait()

	failed := false
	for i, err := range errs {
		if err != nil {
			log.Error("worker %d failed: %v", i, err)
			failed = true
		}
	}

	log.Info("workload finished in %v", time.Since(start))
	for _, class := range []devmem.Class{devmem.ClassLocal, devmem.ClassSystem, devmem.ClassStolen} {
		if r := m.Region(class); r != nil {
			log.Info("region %s: %d of %d bytes available",
				r.Name(), r.AvailableBytes(), r.TotalBytes())
		}
	}

	if err := m.Close(); err != nil {
		log.Fatal("teardown failed: %v", err)
	}
	if failed {
		os.Exit(1)
	}
}
