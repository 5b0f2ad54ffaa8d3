package schema

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Launcher starts the companion viewer that shows the script and reports
// the operator's answer to the listener on port.
type Launcher interface {
	Launch(ctx context.Context, port int, scriptPath string) error
}

// CommandLauncher starts the companion as a child process sharing this
// process's console. The port and script are appended as flags.
type CommandLauncher struct {
	Command []string
}

// Launch starts the companion without waiting for it
func (l CommandLauncher) Launch(ctx context.Context, port int, scriptPath string) error {
	if len(l.Command) == 0 {
		return errors.New("no companion command configured")
	}
	args := append(append([]string(nil), l.Command[1:]...), "--port", strconv.Itoa(port), "--script", scriptPath)
	cmd := exec.Command(l.Command[0], args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start companion: %w", err)
	}
	go cmd.Wait()
	return nil
}

// Validator asks the operator to approve a script over a local TCP side
// channel before it runs.
type Validator struct {
	port     int
	timeout  time.Duration
	launcher Launcher
	log      zerolog.Logger
}

// NewValidator creates a validator listening on 127.0.0.1:port. A zero
// timeout waits for the answer indefinitely.
func NewValidator(port int, timeout time.Duration, launcher Launcher, log zerolog.Logger) *Validator {
	return &Validator{
		port:     port,
		timeout:  timeout,
		launcher: launcher,
		log:      log.With().Str("component", "validation").Logger(),
	}
}

// Validate blocks until the companion answers. Only "Y" (any case, trimmed)
// approves the script.
func (v *Validator) Validate(ctx context.Context, scriptPath string) (bool, error) {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(v.port)))
	if err != nil {
		return false, fmt.Errorf("failed to open validation listener: %w", err)
	}
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	v.log.Info().Int("port", port).Str("file", scriptPath).Msg("Waiting for script approval")

	if v.launcher != nil {
		if err := v.launcher.Launch(ctx, port, scriptPath); err != nil {
			return false, err
		}
	}

	if v.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, v.timeout)
		defer cancel()
	}

	ch := make(chan accepted, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- accepted{conn, err}
	}()

	var conn net.Conn
	select {
	case <-ctx.Done():
		ln.Close()
		go discardAccepted(ch)
		return false, fmt.Errorf("no validation answer received: %w", ctx.Err())
	case a := <-ch:
		if a.err != nil {
			return false, fmt.Errorf("validation listener failed: %w", a.err)
		}
		conn = a.conn
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	}
	answer, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, fmt.Errorf("failed to read validation answer: %w", err)
	}

	approved := IsApproval(answer)
	v.log.Info().Bool("approved", approved).Msg("Validation answer received")
	return approved, nil
}

type accepted struct {
	conn net.Conn
	err  error
}

// discardAccepted closes a connection accepted after the wait was given up
func discardAccepted(ch <-chan accepted) {
	if a := <-ch; a.conn != nil {
		a.conn.Close()
	}
}

// IsApproval reports whether an answer line approves the script.
func IsApproval(answer string) bool {
	return strings.ToUpper(strings.TrimSpace(answer)) == "Y"
}

// SendAnswer delivers the operator's answer to a waiting validator.
func SendAnswer(ctx context.Context, port int, answer string) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("failed to reach validation listener: %w", err)
	}
	defer conn.Close()

	if _, err := io.WriteString(conn, strings.TrimSpace(answer)+"\n"); err != nil {
		return fmt.Errorf("failed to send validation answer: %w", err)
	}
	return nil
}

// RunConsole is the companion side: it prints the script to out, reads one
// answer line from in and sends it to the listener on port.
func RunConsole(ctx context.Context, in io.Reader, out io.Writer, port int, scriptPath string) error {
	script, err := os.ReadFile(scriptPath)
	if err != nil {
		return fmt.Errorf("failed to read script: %w", err)
	}

	fmt.Fprintf(out, "----- %s -----\n%s\n----- end of script -----\n", scriptPath, script)
	fmt.Fprint(out, "Execute this script? [Y/N]: ")

	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read answer: %w", err)
	}
	return SendAnswer(ctx, port, answer)
}
