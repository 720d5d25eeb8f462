package aggregate

import "github.com/ehrlich-b/tracemem/internal/model"

// observer is implemented by every aggregator in this package; it lets
// TransformAggregator fan a single allocation stream out to several without
// each one owning its own RecordReader.
type observer interface {
	Observe(a model.Allocation)
}

// TransformAggregator runs several aggregators over the same allocation
// stream in one pass, so a caller wanting both a high-water-mark report and
// a leak report doesn't have to replay the capture file twice. This is a
// supplemented feature: real deployments of a capture/replay tool want more
// than one report from a single pass over a multi-gigabyte capture.
type TransformAggregator struct {
	stages []observer
}

// NewTransformAggregator tees to every aggregator in stages.
func NewTransformAggregator(stages ...observer) *TransformAggregator {
	return &TransformAggregator{stages: stages}
}

// Observe fans a into every stage in the order they were registered.
func (t *TransformAggregator) Observe(a model.Allocation) {
	for _, stage := range t.stages {
		stage.Observe(a)
	}
}
