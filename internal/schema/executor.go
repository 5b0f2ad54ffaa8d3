package schema

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aristath/releaser/internal/execlog"
	"github.com/aristath/releaser/internal/work"
	"github.com/rs/zerolog"
)

// Runner executes a script against one database and returns the messages
// the server emitted, including those of secondary result sets.
type Runner interface {
	Run(ctx context.Context, database, script string) ([]string, error)
}

// ExecutionResult is the outcome of the script on one database
type ExecutionResult struct {
	Database string
	Messages []string
	Success  bool
	Err      error
}

// Executor runs one script against several databases concurrently. Each
// database gets its own connection.
type Executor struct {
	runner  Runner
	pool    *work.Pool
	logDir  string
	execLog *execlog.Log
	log     zerolog.Logger
}

// NewExecutor creates an executor writing per-database logs into logDir
func NewExecutor(runner Runner, pool *work.Pool, logDir string, execLog *execlog.Log, log zerolog.Logger) *Executor {
	return &Executor{
		runner:  runner,
		pool:    pool,
		logDir:  logDir,
		execLog: execLog,
		log:     log.With().Str("component", "sql").Logger(),
	}
}

// Execute runs the script at scriptPath on every database. Every database is
// attempted once, duplicate names included; the returned error is an
// *ExecutionError naming the failures.
func (e *Executor) Execute(ctx context.Context, scriptPath string, databases []string) ([]ExecutionResult, error) {
	databases = uniqueDatabases(databases)
	b, err := os.ReadFile(scriptPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read script: %w", err)
	}
	script := string(b)

	results := make([]ExecutionResult, len(databases))
	tasks := make([]work.Task, len(databases))
	for i, db := range databases {
		i, db := i, db
		tasks[i] = work.Task{
			Name: "sql:" + db,
			Run: func(ctx context.Context) error {
				results[i] = e.executeOne(ctx, db, script)
				return results[i].Err
			},
		}
	}
	e.pool.RunAll(ctx, tasks)

	failures := make(map[string]error)
	for i, r := range results {
		if r.Database == "" {
			// never started, the pool reported why
			results[i] = ExecutionResult{Database: databases[i], Err: ctx.Err()}
			r = results[i]
		}
		if !r.Success {
			failures[r.Database] = r.Err
		}
	}

	if len(failures) > 0 {
		execErr := &ExecutionError{Failures: failures, Total: len(databases)}
		e.log.Error().Strs("failed", execErr.Databases()).Int("total", len(databases)).Msg("Script execution failed")
		return results, execErr
	}
	e.log.Info().Int("databases", len(databases)).Msg("Script executed on all databases")
	return results, nil
}

func (e *Executor) executeOne(ctx context.Context, database, script string) ExecutionResult {
	log := e.log.With().Str("database", database).Logger()
	log.Info().Msg("Executing script")

	messages, err := e.runner.Run(ctx, database, script)
	res := ExecutionResult{
		Database: database,
		Messages: messages,
		Success:  err == nil,
		Err:      err,
	}

	entry := formatEntry(res)
	if werr := e.writeDatabaseLog(database, entry); werr != nil {
		log.Warn().Err(werr).Msg("Failed to write database log")
	}
	if werr := e.execLog.Append(entry); werr != nil {
		log.Warn().Err(werr).Msg("Failed to append to execution log")
	}

	if err != nil {
		log.Error().Err(err).Int("messages", len(messages)).Msg("Script failed")
	} else {
		log.Info().Int("messages", len(messages)).Msg("Script succeeded")
	}
	return res
}

// uniqueDatabases drops repeated names, comparing case-insensitively like
// SQL Server does.
func uniqueDatabases(databases []string) []string {
	seen := make(map[string]bool, len(databases))
	out := make([]string, 0, len(databases))
	for _, db := range databases {
		key := strings.ToLower(db)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, db)
	}
	return out
}

func formatEntry(res ExecutionResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Database: %s\n", res.Database)
	for _, m := range res.Messages {
		b.WriteString(m)
		b.WriteString("\n")
	}
	if res.Err != nil {
		fmt.Fprintf(&b, "Error: %v\n", res.Err)
	}
	return b.String()
}

func (e *Executor) writeDatabaseLog(database, entry string) error {
	if e.logDir == "" {
		return nil
	}
	if err := os.MkdirAll(e.logDir, 0755); err != nil {
		return err
	}
	name := "sql_server_execution_" + sanitize(database) + ".log"
	f, err := os.OpenFile(filepath.Join(e.logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(entry); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		}
		return r
	}, name)
}
