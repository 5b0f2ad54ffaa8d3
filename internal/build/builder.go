// Package build drives the local compile, publish and packaging steps.
package build

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/rs/zerolog"
)

// BuildError reports a failed build target
type BuildError struct {
	Target string
	Output string
	Err    error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s failed: %v", e.Target, e.Err)
}

func (e *BuildError) Unwrap() error { return e.Err }

// CommandRunner runs one shell command line and returns its combined output.
type CommandRunner interface {
	Run(ctx context.Context, dir, command string) (string, error)
}

// ShellRunner runs commands through the platform shell.
type ShellRunner struct{}

// Run executes command in dir
func (ShellRunner) Run(ctx context.Context, dir, command string) (string, error) {
	var cmd *exec.Cmd
	if runtime.GOOS == "windows" {
		cmd = exec.CommandContext(ctx, "cmd", "/C", command)
	} else {
		cmd = exec.CommandContext(ctx, "sh", "-c", command)
	}
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

// Target is one named build command
type Target struct {
	Name    string
	Command string
}

// BuilderConfig configures the Builder
type BuilderConfig struct {
	SolutionDir string
	DevCmdPath  string // Developer command prompt run before every target
	Targets     []Target
}

// Builder compiles the solution target by target, stopping at the first failure.
type Builder struct {
	cfg    BuilderConfig
	runner CommandRunner
	log    zerolog.Logger
}

// NewBuilder creates a builder
func NewBuilder(cfg BuilderConfig, runner CommandRunner, log zerolog.Logger) *Builder {
	return &Builder{
		cfg:    cfg,
		runner: runner,
		log:    log.With().Str("component", "build").Logger(),
	}
}

// Targets returns the configured target names
func (b *Builder) Targets() []string {
	names := make([]string, len(b.cfg.Targets))
	for i, t := range b.cfg.Targets {
		names[i] = t.Name
	}
	return names
}

// Build runs the named targets, or all of them when none are named.
func (b *Builder) Build(ctx context.Context, only ...string) error {
	targets, err := b.selectTargets(only)
	if err != nil {
		return err
	}
	if b.cfg.SolutionDir != "" {
		if _, err := os.Stat(b.cfg.SolutionDir); err != nil {
			return &BuildError{Target: "solution", Err: fmt.Errorf("solution directory not found: %w", err)}
		}
	}
	if b.cfg.DevCmdPath != "" {
		if _, err := os.Stat(b.cfg.DevCmdPath); err != nil {
			return &BuildError{Target: "solution", Err: fmt.Errorf("developer command prompt not found: %w", err)}
		}
	}

	for _, t := range targets {
		command := t.Command
		if b.cfg.DevCmdPath != "" {
			command = fmt.Sprintf(`"%s" && %s`, b.cfg.DevCmdPath, t.Command)
		}

		b.log.Info().Str("target", t.Name).Msg("Building")
		b.log.Debug().Str("target", t.Name).Str("cmd", command).Msg("Build command")

		out, err := b.runner.Run(ctx, b.cfg.SolutionDir, command)
		if err != nil {
			b.log.Error().Str("target", t.Name).Str("output", tail(out, 4000)).Msg("Build failed")
			return &BuildError{Target: t.Name, Output: out, Err: err}
		}
		b.log.Info().Str("target", t.Name).Msg("Build completed")
	}
	return nil
}

func (b *Builder) selectTargets(only []string) ([]Target, error) {
	if len(only) == 0 {
		return b.cfg.Targets, nil
	}
	byName := make(map[string]Target, len(b.cfg.Targets))
	for _, t := range b.cfg.Targets {
		byName[t.Name] = t
	}
	selected := make([]Target, 0, len(only))
	for _, name := range only {
		t, ok := byName[name]
		if !ok {
			return nil, &BuildError{Target: name, Err: fmt.Errorf("unknown target, have %s", strings.Join(b.Targets(), ", "))}
		}
		selected = append(selected, t)
	}
	return selected, nil
}

// tail returns at most n trailing bytes of s
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
