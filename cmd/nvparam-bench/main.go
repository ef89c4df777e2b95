package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/KevoDB/nvparam/pkg/common/log"
	"github.com/KevoDB/nvparam/pkg/device"
	"github.com/KevoDB/nvparam/pkg/param"
)

const (
	defaultBlocks     = 16
	defaultFirstBlock = 8
)

var (
	benchmarkType = flag.String("type", "all", "Type of benchmark to run (set, load, powerloss, or all)")
	duration      = flag.Duration("duration", 5*time.Second, "Duration of the set and load benchmarks")
	iterations    = flag.Int("iterations", 1000, "Number of interrupted saves in the powerloss benchmark")
	image         = flag.String("image", "", "Run against a flash image file instead of memory")
	seed          = flag.Int64("seed", 1, "Random seed for fault placement")
	cpuProfile    = flag.String("cpu-profile", "", "Write CPU profile to file")
	resultsFile   = flag.String("results", "", "CSV file to append results to")
)

var errPowerLoss = errors.New("simulated power loss")

func main() {
	flag.Parse()
	log.SetLevel(log.LevelFatal)

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not create CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			fmt.Fprintf(os.Stderr, "Could not start CPU profile: %v\n", err)
			os.Exit(1)
		}
		defer pprof.StopCPUProfile()
	}

	dev, err := openDevice(*image)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open device: %v\n", err)
		os.Exit(1)
	}
	defer dev.Release()

	ctx := context.Background()
	var results []BenchmarkResult

	for _, typ := range strings.Split(*benchmarkType, ",") {
		switch strings.ToLower(strings.TrimSpace(typ)) {
		case "set":
			results = append(results, runSetBenchmark(ctx, dev, *duration))
		case "load":
			results = append(results, runLoadBenchmark(ctx, dev, *duration))
		case "powerloss":
			results = append(results, runPowerLossBenchmark(ctx, dev, *iterations, rand.New(rand.NewSource(*seed))))
		case "all":
			results = append(results, runSetBenchmark(ctx, dev, *duration))
			results = append(results, runLoadBenchmark(ctx, dev, *duration))
			results = append(results, runPowerLossBenchmark(ctx, dev, *iterations, rand.New(rand.NewSource(*seed))))
		default:
			fmt.Fprintf(os.Stderr, "Unknown benchmark type: %s\n", typ)
			os.Exit(1)
		}
	}

	PrintResultTable(results)

	if *resultsFile != "" {
		if err := SaveResultCSV(results, *resultsFile); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write results to file: %v\n", err)
		}
	}
}

func openDevice(path string) (*device.Flash, error) {
	part := device.Partition{ID: param.DefaultPartitionID, FirstBlock: defaultFirstBlock, Blocks: 4}
	if path == "" {
		return device.NewMemory(device.DefaultGeometry(), defaultBlocks, part)
	}
	return device.OpenFile(path, device.DefaultGeometry(), defaultBlocks, part)
}

func openRegistry(ctx context.Context, dev device.Adapter) (*param.Registry, error) {
	engine, err := param.NewEngine(dev, param.WithLogger(log.NewDiscardLogger()))
	if err != nil {
		return nil, err
	}
	return param.Open(ctx, engine, nil, nil, param.WithRegistryLogger(log.NewDiscardLogger()))
}

// runSetBenchmark measures Set, which saves the whole partition every call.
func runSetBenchmark(ctx context.Context, dev *device.Flash, d time.Duration) BenchmarkResult {
	fmt.Println("Running Set Benchmark...")
	result := BenchmarkResult{BenchmarkType: "Set", Timestamp: time.Now()}

	r, err := openRegistry(ctx, dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Set benchmark failed: %v\n", err)
		return result
	}

	dev.ResetCounters()
	start := time.Now()
	deadline := start.Add(d)
	var ops int
	for time.Now().Before(deadline) {
		if err := r.SetInt(ctx, param.RebootMode, int32(ops)); err != nil {
			fmt.Fprintf(os.Stderr, "Set error (op #%d): %v\n", ops, err)
			result.Errors++
			continue
		}
		ops++
	}

	return finish(result, ops, time.Since(start), dev.Counters())
}

// runLoadBenchmark measures recovery reads of a saved partition.
func runLoadBenchmark(ctx context.Context, dev *device.Flash, d time.Duration) BenchmarkResult {
	fmt.Println("Running Load Benchmark...")
	result := BenchmarkResult{BenchmarkType: "Load", Timestamp: time.Now()}

	engine, err := param.NewEngine(dev, param.WithLogger(log.NewDiscardLogger()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load benchmark failed: %v\n", err)
		return result
	}
	defaults, err := param.DefaultSchema().Defaults(nil)
	if err == nil {
		err = engine.Save(ctx, defaults)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Load benchmark setup failed: %v\n", err)
		return result
	}

	dev.ResetCounters()
	start := time.Now()
	deadline := start.Add(d)
	var ops int
	for time.Now().Before(deadline) {
		if _, _, err := engine.Load(ctx); err != nil {
			result.Errors++
			continue
		}
		ops++
	}

	return finish(result, ops, time.Since(start), dev.Counters())
}

// Outcome classifies what Load recovers after an interrupted save.
type Outcome int

const (
	OutcomeNew Outcome = iota
	OutcomeOld
	OutcomeTorn
	OutcomeLost
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNew:
		return "new"
	case OutcomeOld:
		return "old"
	case OutcomeTorn:
		return "torn"
	default:
		return "lost"
	}
}

// faultPoint picks an operation inside a promoting save to fail. A save with
// a valid MAIN performs 96 page reads, 128 page writes, 2 erases and 4
// protection changes with the default geometry.
func faultPoint(rng *rand.Rand) (device.Op, int) {
	switch n := rng.Intn(100); {
	case n < 60:
		return device.OpWrite, 1 + rng.Intn(128)
	case n < 80:
		return device.OpRead, 1 + rng.Intn(96)
	case n < 90:
		return device.OpErase, 1 + rng.Intn(2)
	default:
		return device.OpAttr, 1 + rng.Intn(4)
	}
}

// interruptedSave sets REBOOT_MODE from old to next with a fault injected at
// (op, nth), then reopens the partition and classifies what it holds.
func interruptedSave(ctx context.Context, dev *device.Flash, old, next int32, op device.Op, nth int) (Outcome, error) {
	r, err := openRegistry(ctx, dev)
	if err != nil {
		return OutcomeLost, err
	}
	if err := r.SetInt(ctx, param.RebootMode, old); err != nil {
		return OutcomeLost, err
	}

	dev.InjectFault(op, nth, errPowerLoss)
	r.SetInt(ctx, param.RebootMode, next)
	dev.ClearFaults()

	reopened, err := openRegistry(ctx, dev)
	if err != nil {
		return OutcomeLost, err
	}
	if reopened.Source() == param.SourceDefaults {
		return OutcomeLost, nil
	}

	got, ok := reopened.Int(param.RebootMode)
	switch {
	case ok && got == next:
		return OutcomeNew, nil
	case ok && got == old:
		return OutcomeOld, nil
	default:
		return OutcomeTorn, nil
	}
}

// runPowerLossBenchmark interrupts saves at random points and reports how
// often the previous or new parameters survive.
func runPowerLossBenchmark(ctx context.Context, dev *device.Flash, n int, rng *rand.Rand) BenchmarkResult {
	fmt.Println("Running Power Loss Benchmark...")
	result := BenchmarkResult{BenchmarkType: "PowerLoss", Timestamp: time.Now(), Outcomes: make(map[string]int)}

	dev.ResetCounters()
	start := time.Now()
	for i := 0; i < n; i++ {
		op, nth := faultPoint(rng)
		outcome, err := interruptedSave(ctx, dev, int32(2*i), int32(2*i+1), op, nth)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Power loss iteration %d (%s #%d): %v\n", i, op, nth, err)
			result.Errors++
			continue
		}
		result.Outcomes[outcome.String()]++
	}

	return finish(result, n, time.Since(start), dev.Counters())
}

func finish(result BenchmarkResult, ops int, elapsed time.Duration, c device.Counters) BenchmarkResult {
	result.Operations = ops
	result.Duration = elapsed.Seconds()
	if ops > 0 {
		result.Throughput = float64(ops) / elapsed.Seconds()
		result.Latency = float64(elapsed.Microseconds()) / float64(ops)
		result.ErasesPerOp = float64(c.Erases) / float64(ops)
	}
	return result
}
