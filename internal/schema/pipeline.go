// Package schema implements the SQL script pipeline: download the generated
// sync script, narrow it to selected tables, get operator approval and run
// it against every target database.
package schema

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// State is a pipeline state
type State string

// Pipeline states. Succeeded, Aborted and Failed are terminal.
const (
	StateDownload  State = "download"
	StateFilter    State = "filter"
	StateValidate  State = "validate"
	StateExecute   State = "execute"
	StateSucceeded State = "succeeded"
	StateAborted   State = "aborted"
	StateFailed    State = "failed"
)

// Terminal reports whether s ends the pipeline
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateAborted || s == StateFailed
}

// ScriptSource fetches the script into a directory
type ScriptSource interface {
	Download(ctx context.Context, pageURL, destDir string) (string, error)
}

// Approver asks the operator to approve a script
type Approver interface {
	Validate(ctx context.Context, scriptPath string) (bool, error)
}

// ScriptRunner runs a script against databases
type ScriptRunner interface {
	Execute(ctx context.Context, scriptPath string, databases []string) ([]ExecutionResult, error)
}

// Options configures one pipeline run
type Options struct {
	URL       string
	WorkDir   string
	AllTables bool
	Tables    []string
	Validate  bool
	Databases []string
}

// Outcome is the final report of a pipeline run
type Outcome struct {
	State      State
	FailedAt   State // state that failed, empty unless State is StateFailed
	ScriptPath string
	Results    []ExecutionResult
	Err        error
}

// Pipeline drives Download -> Filter -> Validate -> Execute
type Pipeline struct {
	opts     Options
	source   ScriptSource
	filter   *Filter
	approver Approver
	runner   ScriptRunner
	log      zerolog.Logger
}

// NewPipeline wires a pipeline. approver may be nil when validation is off.
func NewPipeline(opts Options, source ScriptSource, filter *Filter, approver Approver, runner ScriptRunner, log zerolog.Logger) *Pipeline {
	return &Pipeline{
		opts:     opts,
		source:   source,
		filter:   filter,
		approver: approver,
		runner:   runner,
		log:      log.With().Str("component", "schema").Logger(),
	}
}

// Run executes the pipeline. The returned error is nil only on success;
// an operator decline yields ErrUserAborted with State StateAborted.
func (p *Pipeline) Run(ctx context.Context) (*Outcome, error) {
	out := &Outcome{}
	fail := func(at State, err error) (*Outcome, error) {
		out.State = StateFailed
		out.FailedAt = at
		out.Err = err
		p.log.Error().Err(err).Str("state", string(at)).Msg("Schema pipeline failed")
		return out, err
	}

	p.enter(StateDownload)
	path, err := p.source.Download(ctx, p.opts.URL, p.opts.WorkDir)
	if err != nil {
		return fail(StateDownload, err)
	}
	out.ScriptPath = path

	p.enter(StateFilter)
	path, err = p.filter.FilterFile(path, p.opts.Tables, p.opts.AllTables)
	if err != nil {
		return fail(StateFilter, err)
	}
	out.ScriptPath = path

	if p.opts.Validate {
		p.enter(StateValidate)
		if p.approver == nil {
			return fail(StateValidate, errors.New("validation requested but no approver configured"))
		}
		approved, err := p.approver.Validate(ctx, path)
		if err != nil {
			return fail(StateValidate, err)
		}
		if !approved {
			out.State = StateAborted
			out.Err = ErrUserAborted
			p.log.Warn().Str("file", path).Msg("Script declined, nothing executed")
			return out, ErrUserAborted
		}
	}

	p.enter(StateExecute)
	if len(p.opts.Databases) == 0 {
		return fail(StateExecute, fmt.Errorf("no target databases configured"))
	}
	results, err := p.runner.Execute(ctx, path, p.opts.Databases)
	out.Results = results
	if err != nil {
		return fail(StateExecute, err)
	}

	out.State = StateSucceeded
	p.log.Info().Int("databases", len(results)).Msg("Schema pipeline succeeded")
	return out, nil
}

func (p *Pipeline) enter(s State) {
	p.log.Info().Str("state", string(s)).Msg("Schema pipeline step")
}
