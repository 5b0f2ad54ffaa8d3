package schema

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// answerLauncher plays the companion: it answers as soon as it is launched.
type answerLauncher struct {
	answer string
	gotArg string
}

func (l *answerLauncher) Launch(ctx context.Context, port int, scriptPath string) error {
	l.gotArg = scriptPath
	go SendAnswer(ctx, port, l.answer)
	return nil
}

type failingLauncher struct{}

func (failingLauncher) Launch(context.Context, int, string) error {
	return errors.New("no display")
}

func TestValidate_Answers(t *testing.T) {
	tests := []struct {
		answer   string
		approved bool
	}{
		{"Y", true},
		{"y", true},
		{"  Y  ", true},
		{"N", false},
		{"yes", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run("answer="+tt.answer, func(t *testing.T) {
			l := &answerLauncher{answer: tt.answer}
			v := NewValidator(0, 5*time.Second, l, zerolog.Nop())

			approved, err := v.Validate(context.Background(), "/tmp/filtered_script.sql")
			require.NoError(t, err)
			assert.Equal(t, tt.approved, approved)
			assert.Equal(t, "/tmp/filtered_script.sql", l.gotArg)
		})
	}
}

func TestValidate_TimesOutWithoutAnswer(t *testing.T) {
	v := NewValidator(0, 50*time.Millisecond, nil, zerolog.Nop())

	_, err := v.Validate(context.Background(), "script.sql")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestValidate_LauncherFailure(t *testing.T) {
	v := NewValidator(0, time.Second, failingLauncher{}, zerolog.Nop())

	_, err := v.Validate(context.Background(), "script.sql")
	assert.EqualError(t, err, "no display")
}

// consoleLauncher runs the real companion loop with scripted stdin.
type consoleLauncher struct {
	input string
	out   *bytes.Buffer
}

func (l *consoleLauncher) Launch(ctx context.Context, port int, scriptPath string) error {
	go RunConsole(ctx, strings.NewReader(l.input), l.out, port, scriptPath)
	return nil
}

func TestRunConsole_ShowsScriptAndSendsAnswer(t *testing.T) {
	script := filepath.Join(t.TempDir(), "filtered_script.sql")
	require.NoError(t, os.WriteFile(script, []byte("print ('Syncing Users')\n"), 0644))

	out := &bytes.Buffer{}
	v := NewValidator(0, 5*time.Second, &consoleLauncher{input: "y\n", out: out}, zerolog.Nop())

	approved, err := v.Validate(context.Background(), script)
	require.NoError(t, err)
	assert.True(t, approved)
	assert.Contains(t, out.String(), "print ('Syncing Users')")
	assert.Contains(t, out.String(), "[Y/N]")
}

func TestIsApproval(t *testing.T) {
	assert.True(t, IsApproval("Y\r\n"))
	assert.False(t, IsApproval("N\n"))
}

func TestDiscardAccepted_ClosesLateConnection(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	ch := make(chan accepted, 1)
	ch <- accepted{conn: server}
	discardAccepted(ch)

	client.SetReadDeadline(time.Now().Add(time.Second))
	_, err := client.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestDiscardAccepted_IgnoresAcceptError(t *testing.T) {
	ch := make(chan accepted, 1)
	ch <- accepted{err: net.ErrClosed}
	assert.NotPanics(t, func() { discardAccepted(ch) })
}
