package tensor

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/klauspost/cpuid/v2"
)

var workers atomic.Int32

func init() {
	n := cpuid.CPU.PhysicalCores
	if n <= 0 {
		n = runtime.NumCPU()
	}
	workers.Store(int32(n))
}

// SetWorkers bounds the goroutines used by batched kernels. Values below one
// reset to a single worker.
func SetWorkers(n int) {
	if n < 1 {
		n = 1
	}
	workers.Store(int32(n))
}

// Workers returns the current kernel parallelism.
func Workers() int {
	return int(workers.Load())
}

// forEach runs body(i) for i in [0, length) on at most Workers() goroutines.
func forEach(length int, body func(i int)) {
	limit := Workers()
	if length <= 0 {
		return
	}
	if limit <= 1 || length == 1 {
		for i := 0; i < length; i++ {
			body(i)
		}
		return
	}

	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	wg.Add(length)

	for i := 0; i < length; i++ {
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			body(i)
		}(i)
	}

	wg.Wait()
}
