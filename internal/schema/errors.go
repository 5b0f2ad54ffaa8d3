package schema

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrUserAborted is returned when the operator declines the script. It is
// a cancellation, not a failure.
var ErrUserAborted = errors.New("script execution declined by operator")

// DownloadError reports a script request that did not produce an attachment.
type DownloadError struct {
	URL    string
	Status int
	Err    error
}

func (e *DownloadError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("script download from %s failed (status %d): %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("script download from %s failed: %v", e.URL, e.Err)
}

func (e *DownloadError) Unwrap() error { return e.Err }

// FilterError reports requested tables that the script does not contain.
type FilterError struct {
	Missing []string
}

func (e *FilterError) Error() string {
	return fmt.Sprintf("tables not found in script: %s", strings.Join(e.Missing, ", "))
}

// ExecutionError aggregates the databases the script failed on.
type ExecutionError struct {
	Failures map[string]error
	Total    int
}

// Databases returns the failing database names, sorted.
func (e *ExecutionError) Databases() []string {
	names := make([]string, 0, len(e.Failures))
	for name := range e.Failures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *ExecutionError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, name := range e.Databases() {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Failures[name]))
	}
	return fmt.Sprintf("script failed on %d of %d databases: %s", len(e.Failures), e.Total, strings.Join(parts, "; "))
}
