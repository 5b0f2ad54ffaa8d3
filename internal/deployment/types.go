package deployment

import (
	"fmt"
	"time"
)

// Stage names one step of a release
type Stage string

// Release stages in the order they start
const (
	StageBuild   Stage = "build"
	StageBackup  Stage = "backup"
	StagePackage Stage = "package"
	StageUpload  Stage = "upload"
	StageSchema  Stage = "schema"
	StageExtract Stage = "extract"
)

// Status is the outcome of a stage or of a whole release
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusAborted   Status = "aborted" // operator declined the schema script
	StatusSkipped   Status = "skipped"
)

// StageResult represents the result of one stage
type StageResult struct {
	Stage    Stage
	Status   Status
	Error    string
	Started  time.Time
	Duration time.Duration

	err error
}

// ReleaseResult represents the result of a release attempt
type ReleaseResult struct {
	ID         string
	Name       string
	Status     Status
	Artifact   string // local package, empty in mirror mode
	RemotePath string // uploaded package on the target host
	Stages     []StageResult
	Error      string
	Started    time.Time
	Duration   time.Duration
}

// Stage returns the result recorded for s
func (r *ReleaseResult) Stage(s Stage) (StageResult, bool) {
	for _, st := range r.Stages {
		if st.Stage == s {
			return st, true
		}
	}
	return StageResult{}, false
}

// StageError reports the stage a release failed in
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
