package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Conn is one authenticated channel to the remote host. A Conn runs one
// command at a time and must not be shared between concurrent tasks.
type Conn interface {
	// Run blocks until cmd finishes. A non-zero exit code is not an error.
	Run(cmd string) (stdout, stderr []byte, exitCode int, err error)
	// FileSystem opens a file transfer channel over the connection.
	FileSystem() (FileSystem, error)
	// Alive probes the connection.
	Alive() bool
	Close() error
}

// FileSystem is the subset of SFTP operations the session uses.
type FileSystem interface {
	Stat(p string) (os.FileInfo, error)
	Mkdir(p string) error
	Create(p string) (io.WriteCloser, error)
	Chtimes(p string, atime, mtime time.Time) error
	ReadDir(p string) ([]os.FileInfo, error)
	Remove(p string) error
	Close() error
}

// Dialer opens new connections to one host.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Config holds the credentials shared by every session of a release.
type Config struct {
	Host           string
	Port           int
	User           string
	Password       string
	KeyPath        string
	KnownHostsPath string // Empty accepts any host key
	DialTimeout    time.Duration
}

// Addr returns host:port
func (c Config) Addr() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// SSHDialer dials SSH connections with golang.org/x/crypto/ssh.
type SSHDialer struct {
	cfg Config
	log zerolog.Logger
}

// NewSSHDialer creates a dialer for cfg
func NewSSHDialer(cfg Config, log zerolog.Logger) *SSHDialer {
	return &SSHDialer{cfg: cfg, log: log}
}

func (d *SSHDialer) clientConfig() (*ssh.ClientConfig, error) {
	var auth []ssh.AuthMethod
	if d.cfg.KeyPath != "" {
		key, err := os.ReadFile(d.cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(key)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if d.cfg.Password != "" {
		password := d.cfg.Password
		auth = append(auth,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	if len(auth) == 0 {
		return nil, errors.New("no authentication method configured")
	}

	hostKeyCallback := ssh.InsecureIgnoreHostKey()
	if d.cfg.KnownHostsPath != "" {
		cb, err := knownhosts.New(d.cfg.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
		hostKeyCallback = cb
	} else {
		d.log.Debug().Str("host", d.cfg.Host).Msg("No known_hosts configured, accepting any host key")
	}

	return &ssh.ClientConfig{
		User:            d.cfg.User,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         d.cfg.DialTimeout,
	}, nil
}

// Dial opens an authenticated SSH connection
func (d *SSHDialer) Dial(ctx context.Context) (Conn, error) {
	clientCfg, err := d.clientConfig()
	if err != nil {
		return nil, err
	}

	addr := d.cfg.Addr()
	nd := net.Dialer{Timeout: d.cfg.DialTimeout}
	netConn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientCfg)
	if err != nil {
		netConn.Close()
		return nil, err
	}
	return &sshConn{client: ssh.NewClient(c, chans, reqs)}, nil
}

type sshConn struct {
	client *ssh.Client
}

func (c *sshConn) Run(cmd string) ([]byte, []byte, int, error) {
	sess, err := c.client.NewSession()
	if err != nil {
		return nil, nil, -1, err
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	exitCode := 0
	if err := sess.Run(cmd); err != nil {
		var exitErr *ssh.ExitError
		var missingErr *ssh.ExitMissingError
		switch {
		case errors.As(err, &exitErr):
			exitCode = exitErr.ExitStatus()
		case errors.As(err, &missingErr):
			exitCode = -1
		default:
			return stdout.Bytes(), stderr.Bytes(), -1, err
		}
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, nil
}

func (c *sshConn) FileSystem() (FileSystem, error) {
	client, err := sftp.NewClient(c.client)
	if err != nil {
		return nil, err
	}
	return &sftpFS{client: client}, nil
}

func (c *sshConn) Alive() bool {
	_, _, err := c.client.SendRequest("keepalive@openssh.com", true, nil)
	return err == nil
}

func (c *sshConn) Close() error {
	return c.client.Close()
}

// sftpFS adapts *sftp.Client to FileSystem
type sftpFS struct {
	client *sftp.Client
}

func (f *sftpFS) Stat(p string) (os.FileInfo, error) { return f.client.Stat(p) }
func (f *sftpFS) Mkdir(p string) error { return f.client.Mkdir(p) }
func (f *sftpFS) ReadDir(p string) ([]os.FileInfo, error) { return f.client.ReadDir(p) }
func (f *sftpFS) Remove(p string) error { return f.client.Remove(p) }
func (f *sftpFS) Close() error { return f.client.Close() }

func (f *sftpFS) Create(p string) (io.WriteCloser, error) {
	return f.client.Create(p)
}

func (f *sftpFS) Chtimes(p string, atime, mtime time.Time) error {
	return f.client.Chtimes(p, atime, mtime)
}
