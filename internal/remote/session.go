// Package remote implements the command and file transfer session to the
// deployment host.
//
// A Session owns exactly one connection. Concurrent tasks each take their
// own Session from a Factory; sessions of one release share credentials and
// the execution log only.
package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/aristath/releaser/internal/execlog"
	"github.com/aristath/releaser/internal/utils"
	"github.com/rs/zerolog"
)

// CommandResult is the outcome of one remote command
type CommandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// OK reports whether the command exited with code 0
func (r CommandResult) OK() bool {
	return r.ExitCode == 0
}

// Session is a lazily connected remote channel, not safe for concurrent use.
type Session struct {
	name    string
	host    string
	dialer  Dialer
	execLog *execlog.Log
	log     zerolog.Logger

	conn Conn
	fs   FileSystem
}

// NewSession creates an unconnected session. The connection is opened by
// Connect or by the first operation.
func NewSession(name, host string, dialer Dialer, execLog *execlog.Log, log zerolog.Logger) *Session {
	return &Session{
		name:    name,
		host:    host,
		dialer:  dialer,
		execLog: execLog,
		log:     log.With().Str("component", "remote").Str("session", name).Logger(),
	}
}

// Name returns the session label used in logs
func (s *Session) Name() string {
	return s.name
}

// Connect opens the channel
func (s *Session) Connect(ctx context.Context) error {
	conn, err := s.dialer.Dial(ctx)
	if err != nil {
		return &ConnectionError{Host: s.host, Err: err}
	}
	s.conn = conn
	s.log.Debug().Str("host", s.host).Msg("Remote session connected")
	return nil
}

// IsConnected probes the current connection
func (s *Session) IsConnected() bool {
	return s.conn != nil && s.conn.Alive()
}

// EnsureConnected reopens the channel when the liveness probe fails. It makes
// a single connection attempt and never retries the caller's operation.
func (s *Session) EnsureConnected(ctx context.Context) error {
	if s.IsConnected() {
		return nil
	}
	if s.conn != nil {
		s.log.Warn().Str("host", s.host).Msg("Remote session is stale, reconnecting")
		s.closeConn()
	}
	return s.Connect(ctx)
}

// RunCommand runs cmd and waits for it. A non-zero exit code is returned in
// the result, not as an error. Stdout is appended to the execution log.
func (s *Session) RunCommand(ctx context.Context, cmd string) (CommandResult, error) {
	if err := s.EnsureConnected(ctx); err != nil {
		return CommandResult{}, err
	}

	s.log.Debug().Str("cmd", cmd).Msg("Running remote command")
	stdout, stderr, code, err := s.conn.Run(cmd)
	if err != nil {
		return CommandResult{}, &ConnectionError{Host: s.host, Err: fmt.Errorf("run %q: %w", cmd, err)}
	}

	res := CommandResult{
		Stdout:   utils.NormalizeNewlines(string(stdout)),
		Stderr:   utils.NormalizeNewlines(string(stderr)),
		ExitCode: code,
	}
	if err := s.execLog.Append(res.Stdout); err != nil {
		s.log.Warn().Err(err).Msg("Failed to append command output to execution log")
	}

	s.log.Debug().Str("cmd", cmd).Int("exit_code", code).Msg("Remote command finished")
	return res, nil
}

func (s *Session) fileSystem(ctx context.Context) (FileSystem, error) {
	if err := s.EnsureConnected(ctx); err != nil {
		return nil, err
	}
	if s.fs != nil {
		return s.fs, nil
	}
	fs, err := s.conn.FileSystem()
	if err != nil {
		return nil, &ConnectionError{Host: s.host, Err: fmt.Errorf("open sftp: %w", err)}
	}
	s.fs = fs
	return fs, nil
}

// UploadFile copies local to remote, creating every missing remote parent
// directory first.
func (s *Session) UploadFile(ctx context.Context, local, remote string) error {
	fs, err := s.fileSystem(ctx)
	if err != nil {
		return err
	}
	remote = ToRemotePath(remote)
	if err := mkdirAll(fs, path.Dir(remote)); err != nil {
		return err
	}
	if err := putFile(fs, local, remote); err != nil {
		return err
	}
	s.log.Info().Str("local", local).Str("remote", remote).Msg("File uploaded")
	return nil
}

// Close tears down the channel. It is safe on a session that never connected.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	var firstErr error
	if s.fs != nil {
		if err := s.fs.Close(); err != nil {
			firstErr = err
		}
		s.fs = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.conn = nil
	}
	return firstErr
}

func (s *Session) closeConn() {
	if err := s.Close(); err != nil {
		s.log.Debug().Err(err).Msg("Error closing stale connection")
	}
}

// ToRemotePath converts Windows separators to forward slashes, the form SFTP
// servers accept on every platform.
func ToRemotePath(p string) string {
	return strings.ReplaceAll(p, `\`, "/")
}

// mkdirAll creates dir and its parents. A Mkdir failure is tolerated when the
// directory exists afterwards, which covers concurrent creators.
func mkdirAll(fs FileSystem, dir string) error {
	dir = path.Clean(ToRemotePath(dir))
	if dir == "." || dir == "/" {
		return nil
	}

	var prefix string
	segments := strings.Split(dir, "/")
	for i, seg := range segments {
		switch {
		case i == 0 && seg == "":
			prefix = "/"
			continue
		case i == 0 && strings.HasSuffix(seg, ":"):
			prefix = seg + "/"
			continue
		case (i == 1 && segments[0] == "") && strings.HasSuffix(seg, ":"):
			prefix = "/" + seg + "/"
			continue
		}
		prefix = path.Join(prefix, seg)

		if fi, err := fs.Stat(prefix); err == nil {
			if !fi.IsDir() {
				return &TransferError{Op: "mkdir", Path: prefix, Err: fmt.Errorf("exists and is not a directory")}
			}
			continue
		}
		if err := fs.Mkdir(prefix); err != nil {
			if fi, statErr := fs.Stat(prefix); statErr == nil && fi.IsDir() {
				continue
			}
			return &TransferError{Op: "mkdir", Path: prefix, Err: err}
		}
	}
	return nil
}

func putFile(fs FileSystem, local, remote string) error {
	src, err := os.Open(local)
	if err != nil {
		return &TransferError{Op: "upload", Path: local, Err: err}
	}
	defer src.Close()

	dst, err := fs.Create(remote)
	if err != nil {
		return &TransferError{Op: "upload", Path: remote, Err: err}
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return &TransferError{Op: "upload", Path: remote, Err: err}
	}
	if err := dst.Close(); err != nil {
		return &TransferError{Op: "upload", Path: remote, Err: err}
	}
	return nil
}
