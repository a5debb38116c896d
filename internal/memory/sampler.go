// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package memory

import (
	"math"
	"runtime"
	"runtime/debug"
	"time"
)

const bytesPerMB = 1024 * 1024

// Metrics is one point-in-time heap sample.
type Metrics struct {
	UsedHeap  uint64    `json:"used_heap"`
	TotalHeap uint64    `json:"total_heap"`
	HeapLimit uint64    `json:"heap_limit"`
	Timestamp time.Time `json:"timestamp"`
}

// UsedMB returns the used heap in MiB.
func (m Metrics) UsedMB() float64 {
	return float64(m.UsedHeap) / bytesPerMB
}

// Percent returns used heap as a percentage of the limit, or 0 when the
// limit is unknown.
func (m Metrics) Percent() float64 {
	if m.HeapLimit == 0 {
		return 0
	}
	return float64(m.UsedHeap) / float64(m.HeapLimit) * 100
}

// Sampler reads current heap usage.
type Sampler interface {
	Sample() (Metrics, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func() (Metrics, error)

// Sample implements Sampler.
func (f SamplerFunc) Sample() (Metrics, error) { return f() }

// RuntimeSampler reads the Go runtime's heap statistics. The limit is the
// soft memory limit (GOMEMLIMIT) when one is set, otherwise physical RAM
// where the platform reports it.
type RuntimeSampler struct{}

// Sample implements Sampler.
func (RuntimeSampler) Sample() (Metrics, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return Metrics{
		UsedHeap:  ms.HeapAlloc,
		TotalHeap: ms.HeapSys,
		HeapLimit: heapLimit(),
		Timestamp: time.Now(),
	}, nil
}

func heapLimit() uint64 {
	// A negative argument reads the limit without changing it.
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit != math.MaxInt64 {
		return uint64(limit)
	}
	return systemMemory()
}

// RuntimeGCHint runs a collection and returns freed pages to the OS.
func RuntimeGCHint() {
	debug.FreeOSMemory()
}
