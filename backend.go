package tracemem

import (
	"os"

	"github.com/ehrlich-b/tracemem/internal/ghoststack"
	"github.com/ehrlich-b/tracemem/internal/hook"
	"github.com/ehrlich-b/tracemem/internal/iostream"
	"github.com/ehrlich-b/tracemem/internal/logging"
	"github.com/ehrlich-b/tracemem/internal/model"
	"github.com/ehrlich-b/tracemem/internal/patch"
	"github.com/ehrlich-b/tracemem/internal/record"
)

// Unwinder captures the caller's native call stack, skipping the given
// number of frames of its own machinery (spec 6: "Native unwinder:
// backtrace(array, n) -> count").
type Unwinder = hook.Unwinder

// TrackerParams configures a Tracker.
type TrackerParams struct {
	// Destination is the path a capture file is written to. Exactly one
	// of Destination or Sink must be set.
	Destination string
	// Sink lets a caller supply an already-constructed iostream.Sink
	// (e.g. a socket sink), bypassing Destination.
	Sink iostream.Sink

	Compress     bool
	NativeTraces bool
	PythonTraces bool

	Unwinder Unwinder
	Logger   *logging.Logger
	Observer Observer

	// SelfSoName excludes the tracer's own shared object from patching.
	SelfSoName string
	// DryRun patches nothing; it only logs what would be patched.
	DryRun bool

	// Hooks lists the allocator symbols to intercept and the trampoline
	// each one's relocation should point at. A cgo host supplies these
	// (Go function values don't have stable C ABI addresses without a
	// cgo export); leaving it empty still runs discovery and relocation
	// matching so DryRun diagnostics work against the process's real
	// loaded images, but Start patches nothing.
	Hooks []patch.HookedSymbol
}

// TrackerState mirrors a device's lifecycle: created, running, stopped.
type TrackerState string

const (
	TrackerStateCreated TrackerState = "created"
	TrackerStateRunning TrackerState = "running"
	TrackerStateStopped TrackerState = "stopped"
)

// Tracker owns the writer, patcher, ghost-stack registry, and hook shims
// that together implement process-wide heap allocation capture (spec 4).
type Tracker struct {
	writer  *record.Writer
	patcher *patch.Patcher
	stacks  *ghoststack.Registry
	shims   *hook.Shims
	metrics *Metrics

	observer Observer
	log      *logging.Logger
	state    TrackerState
}

// writerObserver adapts *record.Writer to hook.Writer while feeding the
// Tracker's Metrics/Observer on every emitted or dropped record.
type writerObserver struct {
	w        *record.Writer
	metrics  *Metrics
	observer Observer
}

func (o *writerObserver) EmitAllocation(a model.Allocation) error {
	if err := o.w.EmitAllocation(a); err != nil {
		o.metrics.RecordDropped()
		o.observer.ObserveDropped()
		return err
	}
	if a.Allocator.IsFree() {
		o.metrics.RecordFree()
		o.observer.ObserveFree()
	} else {
		o.metrics.RecordAllocation(a.Size)
		o.observer.ObserveAllocation(a.Size)
	}
	return nil
}

// NewTracker constructs a Tracker ready to Start. It does not begin
// patching until Start is called.
func NewTracker(params TrackerParams) (*Tracker, error) {
	if params.Logger == nil {
		params.Logger = logging.Default()
	}
	if params.Observer == nil {
		params.Observer = NoOpObserver{}
	}
	if params.Unwinder == nil {
		params.Unwinder = func(skip int) []uint64 { return nil }
	}

	sink := params.Sink
	if sink == nil {
		if params.Destination == "" {
			return nil, NewError("new_tracker", ErrCodeParseError, "one of Destination or Sink is required")
		}
		var err error
		sink, err = iostream.NewFileSink(iostream.FileSinkConfig{
			Path:     params.Destination,
			Compress: params.Compress,
		})
		if err != nil {
			return nil, WrapError("new_tracker", err)
		}
	}

	header := model.Header{
		Version:               model.CurrentVersion,
		Pid:                   uint64(os.Getpid()),
		CommandLine:           commandLine(),
		NativeTracesEnabled:   params.NativeTraces,
		TracePythonAllocators: params.PythonTraces,
	}
	if params.Compress {
		header.Flags |= model.FlagCompressed
	}
	if params.NativeTraces {
		header.Flags |= model.FlagNativeTrace
	}
	if params.PythonTraces {
		header.Flags |= model.FlagPythonAllocators
	}

	writer, err := record.NewWriter(sink, header)
	if err != nil {
		return nil, WrapError("new_tracker", err)
	}

	metrics := NewMetrics()
	stacks := ghoststack.NewRegistry()
	shims := hook.New(stacks, &writerObserver{w: writer, metrics: metrics, observer: params.Observer}, params.Unwinder)

	patcher := patch.New(patch.Config{
		Hooks:      params.Hooks,
		SelfSoName: params.SelfSoName,
		DryRun:     params.DryRun,
		Logger:     params.Logger,
	})

	return &Tracker{
		writer:   writer,
		patcher:  patcher,
		stacks:   stacks,
		shims:    shims,
		metrics:  metrics,
		observer: params.Observer,
		log:      params.Logger,
		state:    TrackerStateCreated,
	}, nil
}

// Start discovers loaded images and patches their allocator symbols
// (spec 4.4), moving the tracker into the running state.
func (t *Tracker) Start() error {
	if t.state == TrackerStateRunning {
		return nil
	}
	if err := t.patcher.Start(); err != nil {
		return WrapError("start", err)
	}
	t.state = TrackerStateRunning
	t.log.Info("tracker started", "patched_images", len(t.patcher.PatchedImages()))
	return nil
}

// Stop restores every patched symbol, writes the trailer and closes the
// writer. It does not disable the hook shims: a wrapped allocator called
// after Stop still calls the original and hands its record to the closed
// writer.
func (t *Tracker) Stop() error {
	if t.state != TrackerStateRunning {
		return nil
	}
	if err := t.patcher.Stop(); err != nil {
		t.log.Error("failed to restore patched symbols", "error", err)
	}
	if err := t.writer.WriteTrailer(); err != nil {
		t.log.Error("failed to write trailer", "error", err)
	}
	err := t.writer.Close()
	t.metrics.Stop()
	t.state = TrackerStateStopped
	if err != nil {
		return WrapError("stop", err)
	}
	return nil
}

// State returns the tracker's current lifecycle state.
func (t *Tracker) State() TrackerState {
	return t.state
}

// IsRunning reports whether the tracker is actively patched in.
func (t *Tracker) IsRunning() bool {
	return t.state == TrackerStateRunning
}

// Shims exposes the hook decorators an allocator-interposition layer wraps
// malloc/free/etc with.
func (t *Tracker) Shims() *hook.Shims {
	return t.shims
}

// Stacks exposes the per-thread ghost stack registry, e.g. for an
// interpreter's frame enter/exit hook to call Push/Pop on.
func (t *Tracker) Stacks() *ghoststack.Registry {
	return t.stacks
}

// Writer exposes the underlying record writer, e.g. for WriteCodeObject or
// WriteMappings calls from the loader/interpreter collaborators.
func (t *Tracker) Writer() *record.Writer {
	return t.writer
}

// Patcher exposes the underlying symbol patcher, e.g. for a caller to
// inspect PatchedImages() after Start.
func (t *Tracker) Patcher() *patch.Patcher {
	return t.patcher
}

// Metrics returns the tracker's metrics.
func (t *Tracker) Metrics() *Metrics {
	return t.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of the tracker's
// metrics.
func (t *Tracker) MetricsSnapshot() MetricsSnapshot {
	return t.metrics.Snapshot()
}

// OnFork should be called from a pthread_atfork-style child hook (spec 5:
// "Fork safety"), with childPid/childTid identifying the forked child's
// single surviving thread. It clones the writer's sink for the child, then
// resets the ghost stack to that thread only, telling the new writer how
// many frames on it predate the fork (spec 4.5/4.6).
func (t *Tracker) OnFork(childPid, childTid int) (*Tracker, error) {
	childWriter, err := t.writer.CloneInChildProcess(uint64(childPid), uint64(childTid))
	if err != nil {
		return nil, WrapError("on_fork", err)
	}
	if err := t.stacks.ResetAfterFork(childWriter); err != nil {
		return nil, WrapError("on_fork", err)
	}
	child := &Tracker{
		writer:   childWriter,
		patcher:  t.patcher,
		stacks:   t.stacks,
		shims:    hook.New(t.stacks, &writerObserver{w: childWriter, metrics: t.metrics, observer: t.observer}, nil),
		metrics:  t.metrics,
		observer: t.observer,
		log:      t.log,
		state:    t.state,
	}
	return child, nil
}

func commandLine() string {
	var line string
	for i, arg := range os.Args {
		if i > 0 {
			line += " "
		}
		line += arg
	}
	return line
}
