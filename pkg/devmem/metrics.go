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

package devmem

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// regionStats counts allocation and eviction activity of a region.
type regionStats struct {
	allocations   atomic.Uint64
	allocFailures atomic.Uint64
	evictRequests atomic.Uint64
	evictPasses   atomic.Uint64
	evictions     atomic.Uint64
	evictedBytes  atomic.Uint64
	evictFailures atomic.Uint64
}

var (
	descCapacityBytes = prometheus.NewDesc(
		"devmem_region_capacity_bytes",
		"Total capacity of the memory region in bytes.",
		[]string{"region", "class"}, nil,
	)
	descAvailableBytes = prometheus.NewDesc(
		"devmem_region_available_bytes",
		"Bytes currently available for allocation in the memory region.",
		[]string{"region", "class"}, nil,
	)
	descAllocations = prometheus.NewDesc(
		"devmem_region_allocations_total",
		"Number of successful backing storage allocations.",
		[]string{"region", "class"}, nil,
	)
	descAllocFailures = prometheus.NewDesc(
		"devmem_region_allocation_failures_total",
		"Number of failed backing storage allocations.",
		[]string{"region", "class"}, nil,
	)
	descEvictRequests = prometheus.NewDesc(
		"devmem_region_eviction_requests_total",
		"Number of times the eviction engine was invoked.",
		[]string{"region", "class"}, nil,
	)
	descEvictPasses = prometheus.NewDesc(
		"devmem_region_eviction_passes_total",
		"Number of eviction passes over the region object lists.",
		[]string{"region", "class"}, nil,
	)
	descEvictions = prometheus.NewDesc(
		"devmem_region_evictions_total",
		"Number of objects whose backing storage was evicted.",
		[]string{"region", "class"}, nil,
	)
	descEvictedBytes = prometheus.NewDesc(
		"devmem_region_evicted_bytes_total",
		"Number of bytes reclaimed by eviction.",
		[]string{"region", "class"}, nil,
	)
	descEvictFailures = prometheus.NewDesc(
		"devmem_region_eviction_failures_total",
		"Number of eviction requests that found nothing left to evict.",
		[]string{"region", "class"}, nil,
	)
)

// Collector is a prometheus.Collector exposing per-region accounting
// and eviction activity.
type Collector struct {
	manager *Manager
}

// NewCollector creates a collector for the regions of the manager.
func NewCollector(m *Manager) *Collector {
	return &Collector{manager: m}
}

// Register registers the collector with the given registerer.
func (c *Collector) Register(reg prometheus.Registerer) error {
	if err := reg.Register(c); err != nil {
		return errors.Wrap(err, "failed to register devmem collector")
	}
	return nil
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descCapacityBytes
	ch <- descAvailableBytes
	ch <- descAllocations
	ch <- descAllocFailures
	ch <- descEvictRequests
	ch <- descEvictPasses
	ch <- descEvictions
	ch <- descEvictedBytes
	ch <- descEvictFailures
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, class := range c.manager.order {
		r := c.manager.regions[class]
		labels := []string{r.Name(), r.Class().String()}

		gauge := func(desc *prometheus.Desc, value uint64) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.GaugeValue,
				float64(value), labels...)
		}
		counter := func(desc *prometheus.Desc, value uint64) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue,
				float64(value), labels...)
		}

		gauge(descCapacityBytes, r.TotalBytes())
		gauge(descAvailableBytes, r.AvailableBytes())
		counter(descAllocations, r.stats.allocations.Load())
		counter(descAllocFailures, r.stats.allocFailures.Load())
		counter(descEvictRequests, r.stats.evictRequests.Load())
		counter(descEvictPasses, r.stats.evictPasses.Load())
		counter(descEvictions, r.stats.evictions.Load())
		counter(descEvictedBytes, r.stats.evictedBytes.Load())
		counter(descEvictFailures, r.stats.evictFailures.Load())
	}
}
