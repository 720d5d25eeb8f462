// Command tracemem-replay reads a capture file produced by a tracemem
// Tracker and prints a one-line summary from one of the stream-order
// aggregators in internal/aggregate. Report rendering beyond that single
// line is out of scope (spec section 1); this is a diagnostic tool, not a
// viewer.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/ehrlich-b/tracemem/internal/aggregate"
	"github.com/ehrlich-b/tracemem/internal/iostream"
	"github.com/ehrlich-b/tracemem/internal/logging"
	"github.com/ehrlich-b/tracemem/internal/model"
	"github.com/ehrlich-b/tracemem/internal/record"
)

func main() {
	var (
		input       = flag.String("input", "", "path to a tracemem capture file (required)")
		aggregateBy = flag.String("aggregate", "watermark", "report to compute: watermark, leaks, or stats")
		mergeTids   = flag.Bool("merge-threads", true, "merge allocations across threads at the same location")
		verbose     = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	if *input == "" {
		log.Fatal("tracemem-replay: -input is required")
	}

	installStackDumpHandler(logger)

	if err := run(*input, *aggregateBy, *mergeTids, logger); err != nil {
		logger.Error("replay failed", "error", err)
		os.Exit(1)
	}
}

func run(path, aggregateBy string, mergeTids bool, logger *logging.Logger) error {
	src, err := iostream.NewFileSource(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer src.Close()

	reader, err := record.NewReader(src.ByteReader())
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	logger.Info("opened capture", "path", path, "pid", reader.Header.Pid, "cmdline", reader.Header.CommandLine)

	switch aggregateBy {
	case "watermark":
		return runWatermark(reader, mergeTids)
	case "leaks":
		return runLeaks(reader, mergeTids)
	case "stats":
		return runStats(reader)
	default:
		return fmt.Errorf("unknown -aggregate %q (want watermark, leaks, or stats)", aggregateBy)
	}
}

func runWatermark(reader *record.Reader, mergeTids bool) error {
	agg := aggregate.NewStreamingAllocationAggregator()
	if err := drain(reader, agg); err != nil {
		return err
	}
	snapshot := agg.WatermarkSnapshot(mergeTids)
	fmt.Printf("peak resident: %d bytes across %d locations\n", agg.PeakBytes(), len(snapshot))
	return nil
}

func runLeaks(reader *record.Reader, mergeTids bool) error {
	agg := aggregate.NewStreamingAllocationAggregator()
	if err := drain(reader, agg); err != nil {
		return err
	}
	snapshot := agg.LeakSnapshot(mergeTids)
	var leaked uint64
	for _, usage := range snapshot {
		leaked += usage.TotalBytes
	}
	fmt.Printf("still-live at EOF: %d bytes across %d locations\n", leaked, len(snapshot))
	return nil
}

func runStats(reader *record.Reader) error {
	agg := aggregate.NewAllocationStatsAggregator()
	if err := drain(reader, agg); err != nil {
		return err
	}
	totalAllocations, totalBytes, peakBytes := agg.Totals()
	fmt.Printf("%d allocations, %d bytes total, %d bytes peak\n", totalAllocations, totalBytes, peakBytes)
	return nil
}

// allocationObserver is satisfied by every stream-order aggregator in
// internal/aggregate.
type allocationObserver interface {
	Observe(a model.Allocation)
}

// drain feeds every allocation and free record in reader to agg until
// end of file, surfacing a terminal parse error if the stream is
// truncated or malformed (spec 7).
func drain(reader *record.Reader, agg allocationObserver) error {
	for {
		rec := reader.NextRecord()
		switch rec.Kind {
		case record.KindAllocation, record.KindAggregatedAllocation:
			agg.Observe(rec.Allocation)
		case record.KindEndOfFile:
			return nil
		case record.KindError:
			return rec.Err
		}
	}
}

func installStackDumpHandler(logger *logging.Logger) {
	stackDumpCh := make(chan os.Signal, 1)
	signal.Notify(stackDumpCh, syscall.SIGUSR1)
	go func() {
		for range stackDumpCh {
			buf := make([]byte, 1024*1024)
			n := runtime.Stack(buf, true)
			fmt.Fprintf(os.Stderr, "\n=== GOROUTINE STACK DUMP ===\n%s=== END ===\n\n", buf[:n])

			filename := fmt.Sprintf("tracemem-replay-stacks-%d.txt", time.Now().Unix())
			if f, err := os.Create(filename); err == nil {
				fmt.Fprintf(f, "stack dump at %s (pid %d)\n\n", time.Now().Format(time.RFC3339), os.Getpid())
				f.Write(buf[:n])
				pprof.Lookup("goroutine").WriteTo(f, 2)
				f.Close()
				logger.Info("stack dump written", "file", filename)
			}
		}
	}()
}
