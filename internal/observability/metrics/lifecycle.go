// Package metrics emits standardised simulation lifecycle metrics.
package metrics

import (
	"time"

	obserrors "github.com/phip-platform/simcoord/internal/observability/errors"
	"github.com/phip-platform/simcoord/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess  = "success"
	ResultError    = "error"
	ResultConflict = "conflict"
	ResultNoop     = "noop"
)

// TransitionMetric captures details about a lifecycle transition attempt.
type TransitionMetric struct {
	ModelType  string
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// EmitTransition emits counters for a lifecycle transition attempt, plus a
// timing when a duration is known.
func EmitTransition(sink statsd.Sink, in TransitionMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"model_type": in.ModelType,
		"transition": in.Transition,
		"result":     in.Result,
	}

	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("simulation.transition", 1, tags)

	if in.Duration > 0 {
		sink.Timing("simulation.transition_duration", in.Duration, CloneTags(tags))
	}
}

// EmitClaimContention counts a claim attempt that lost the version race.
// Claim losses are expected under load; the counter exists to watch the rate.
func EmitClaimContention(sink statsd.Sink, modelType string) {
	if sink == nil {
		return
	}
	sink.Count("simulation.claim_contention", 1, map[string]string{
		"model_type": modelType,
	})
}

// ExecutionMetric captures details about one simulation engine run.
type ExecutionMetric struct {
	ModelType string
	Result    string
	Duration  time.Duration
}

// EmitExecution records the outcome and wall time of an engine run.
func EmitExecution(sink statsd.Sink, in ExecutionMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"model_type": in.ModelType,
		"result":     in.Result,
	}
	sink.Count("simulation.execution", 1, tags)
	if in.Duration > 0 {
		sink.Timing("simulation.execution_duration", in.Duration, CloneTags(tags))
	}
}

// EmitReaperSweep records the outcome of one stuck-simulation sweep.
func EmitReaperSweep(sink statsd.Sink, reaped int64, result string) {
	if sink == nil {
		return
	}
	tags := map[string]string{"result": result}
	sink.Count("reaper.sweeps", 1, tags)
	if reaped > 0 {
		sink.Count("reaper.reaped", reaped, CloneTags(tags))
	}
}

// CloneTags creates a shallow copy of a tag map.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
