package remote

import (
	"github.com/aristath/releaser/internal/execlog"
	"github.com/rs/zerolog"
)

// Factory creates independent sessions against one host. Every concurrent
// remote task takes its own session from the factory.
type Factory struct {
	host    string
	dialer  Dialer
	execLog *execlog.Log
	log     zerolog.Logger
}

// NewFactory creates a factory dialing SSH with cfg
func NewFactory(cfg Config, execLog *execlog.Log, log zerolog.Logger) *Factory {
	return NewFactoryWithDialer(cfg.Host, NewSSHDialer(cfg, log.With().Str("component", "ssh").Logger()), execLog, log)
}

// NewFactoryWithDialer creates a factory using a custom dialer
func NewFactoryWithDialer(host string, dialer Dialer, execLog *execlog.Log, log zerolog.Logger) *Factory {
	return &Factory{
		host:    host,
		dialer:  dialer,
		execLog: execLog,
		log:     log,
	}
}

// New returns a fresh unconnected session labelled name
func (f *Factory) New(name string) *Session {
	return NewSession(name, f.host, f.dialer, f.execLog, f.log)
}
