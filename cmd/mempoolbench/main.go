// mempoolbench compares the Go heap, a mempool.Pool and a slice as backing
// stores for a stack under a push/pop workload, and the heap against the pool
// under a FIFO churn workload.
package main

import (
	"flag"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/holmberd/go-mempool"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagElems  = flag.Int("elems", 1_000_000, "Number of elements pushed per repetition. Keep it a multiple of 4.")
	flagReps   = flag.Int("reps", 50, "Number of push/pop repetitions.")
	flagBlock  = flag.Int("block", mempool.DefaultBlockSize, "Pool block size in bytes.")
	flagSource = flag.String("source", "mmap", "Pool block source: \"mmap\" or \"heap\".")
	flagWindow = flag.Int("window", 4096, "Number of live elements in the FIFO churn workload.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	source, err := newBlockSource(*flagSource)
	if err != nil {
		klog.Fatalf("Failed on error: %+v", err)
	}
	w := workload{
		elems:  *flagElems,
		reps:   *flagReps,
		window: *flagWindow,
		config: mempool.Config{BlockSize: *flagBlock},
		source: source,
	}
	if err := w.validate(); err != nil {
		klog.Fatalf("Failed on error: %+v", err)
	}

	fmt.Printf("Pushing and popping %d elements %d times, pool block size %s from %s.\n\n",
		w.elems, w.reps, humanize.IBytes(uint64(w.config.BlockSize)), *flagSource)

	runs := []struct {
		name string
		fn   func() (result, error)
	}{
		{"Default allocator", w.heapStack},
		{"Pool allocator", w.poolStack},
		{"Slice", w.slice},
		{"Default allocator FIFO churn", w.heapChurn},
		{"Pool allocator FIFO churn", w.poolChurn},
	}
	for _, r := range runs {
		res, err := r.fn()
		if err != nil {
			klog.Fatalf("Failed on error: %+v", errors.Wrapf(err, "workload %q", r.name))
		}
		fmt.Printf("%s time: %s\n", r.name, res.elapsed)
		if res.stats.Blocks > 0 {
			fmt.Printf("  %d blocks (%s), %d slots carved, %d reused\n",
				res.stats.Blocks, humanize.IBytes(res.stats.Blocks*uint64(w.config.BlockSize)),
				res.stats.CarvedSlots, res.stats.Reused)
		}
		klog.V(1).Infof("%s: %+v", r.name, res.stats)
	}
}

func newBlockSource(name string) (mempool.BlockSource, error) {
	switch name {
	case "mmap":
		return mempool.NewMmapSource(mempool.DefaultMmapSourceConfig()), nil
	case "heap":
		return mempool.NewHeapSource(), nil
	default:
		return nil, errors.Errorf("unknown block source %q, want \"mmap\" or \"heap\"", name)
	}
}

type result struct {
	elapsed time.Duration
	stats   mempool.Stats
}
