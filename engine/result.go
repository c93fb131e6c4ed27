package engine

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/reglet-dev/reglet-graph/value"
)

// Status is the outcome of one node in one run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusCached    Status = "cached"
)

// Result is the execution result of one node.
type Result struct {
	Started  time.Time
	Finished time.Time
	Err      error
	NodeID   string
	Status   Status
	// Reason explains a skipped node.
	Reason  string
	Outputs []value.Named
}

// Duration is the wall time spent on the node.
func (r Result) Duration() time.Duration {
	return r.Finished.Sub(r.Started)
}

// Report collects the results of one run in plan order.
type Report struct {
	Started  time.Time
	Finished time.Time
	RunID    string
	Results  []Result
	index    map[string]int
}

func newReport(runID string, started time.Time, order []string) *Report {
	r := &Report{
		RunID:   runID,
		Started: started,
		Results: make([]Result, len(order)),
		index:   make(map[string]int, len(order)),
	}
	for i, id := range order {
		r.index[id] = i
		r.Results[i] = Result{NodeID: id}
	}
	return r
}

// Result returns the result for a node.
func (r *Report) Result(nodeID string) (Result, bool) {
	i, ok := r.index[nodeID]
	if !ok {
		return Result{}, false
	}
	return r.Results[i], true
}

// Count returns how many nodes ended with status.
func (r *Report) Count(status Status) int {
	n := 0
	for _, res := range r.Results {
		if res.Status == status {
			n++
		}
	}
	return n
}

// Err joins the errors of every failed node, or returns nil.
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Status == StatusFailed && res.Err != nil {
			errs = append(errs, fmt.Errorf("node %s: %w", res.NodeID, res.Err))
		}
	}
	return errors.Join(errs...)
}

// Summary is a one-line description of the run.
func (r *Report) Summary() string {
	parts := make([]string, 0, 4)
	for _, s := range []Status{StatusSucceeded, StatusCached, StatusFailed, StatusSkipped} {
		if n := r.Count(s); n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, s))
		}
	}
	if len(parts) == 0 {
		return "nothing to run"
	}
	return strings.Join(parts, ", ")
}
