// Package executor runs tasks that were placed on the local node.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dreamware/coordd/internal/cluster"
)

// Executor runs one task and returns its JSON result. Implementations must
// honor ctx cancellation.
type Executor interface {
	Execute(ctx context.Context, task cluster.Task) (json.RawMessage, error)
}

// Func adapts a plain function to Executor.
type Func func(ctx context.Context, task cluster.Task) (json.RawMessage, error)

func (f Func) Execute(ctx context.Context, task cluster.Task) (json.RawMessage, error) {
	return f(ctx, task)
}

// DefaultComputationN is the range summed by computation tasks without an "n" payload field.
const DefaultComputationN = 1000

// MaxComputationN is the largest range whose sum fits in an int64.
const MaxComputationN = 1 << 32

// Simulated stands in for real work: it sleeps for a per-type duration and
// returns a canned result.
type Simulated struct {
	ComputationDelay time.Duration
	AnalysisDelay    time.Duration
	GenericDelay     time.Duration
}

func NewSimulated() *Simulated {
	return &Simulated{
		ComputationDelay: time.Second,
		AnalysisDelay:    500 * time.Millisecond,
		GenericDelay:     100 * time.Millisecond,
	}
}

type computationPayload struct {
	N *int64 `json:"n"`
}

func (s *Simulated) Execute(ctx context.Context, task cluster.Task) (json.RawMessage, error) {
	var (
		delay  time.Duration
		result any
	)
	switch task.Type {
	case cluster.TaskComputation:
		n := int64(DefaultComputationN)
		if len(task.Payload) > 0 {
			var p computationPayload
			if err := json.Unmarshal(task.Payload, &p); err == nil && p.N != nil {
				n = *p.N
			}
		}
		if n < 0 || n > MaxComputationN {
			return nil, fmt.Errorf("computation: range %d outside [0, %d]", n, int64(MaxComputationN))
		}
		delay = s.ComputationDelay
		result = map[string]int64{"computation_result": rangeSum(n)}
	case cluster.TaskAnalysis:
		delay = s.AnalysisDelay
		result = map[string]string{"analysis_result": "Data analyzed successfully"}
	case cluster.TaskGeneric, "":
		delay = s.GenericDelay
		result = map[string]string{"generic_result": fmt.Sprintf("Task %s completed", task.ID)}
	default:
		return nil, fmt.Errorf("%w: unknown task type %q", cluster.ErrInvalidTask, task.Type)
	}

	if err := sleep(ctx, delay); err != nil {
		return nil, err
	}
	return json.Marshal(result)
}

// rangeSum returns 0+1+...+(n-1), halving the even factor first so the
// product stays in range.
func rangeSum(n int64) int64 {
	if n%2 == 0 {
		return n / 2 * (n - 1)
	}
	return n * ((n - 1) / 2)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
