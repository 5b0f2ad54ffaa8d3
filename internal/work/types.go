package work

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// MaxWorkers is the upper bound on concurrently running tasks.
const MaxWorkers = 8

// Task is one named unit of work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// Result is the outcome of one task.
type Result struct {
	Name     string
	Err      error
	Started  time.Time
	Duration time.Duration
}

// OK reports whether the task succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

// Failed returns the results that carry an error.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if r.Err != nil {
			failed = append(failed, r)
		}
	}
	return failed
}

// Join combines the errors of failed results into one error naming each
// failing task, or returns nil when all succeeded.
func Join(results []Result) error {
	failed := Failed(results)
	if len(failed) == 0 {
		return nil
	}
	msgs := make([]string, len(failed))
	for i, r := range failed {
		msgs[i] = fmt.Sprintf("%s: %v", r.Name, r.Err)
	}
	return fmt.Errorf("%d of %d tasks failed: %s", len(failed), len(results), strings.Join(msgs, "; "))
}
