package remote

import "fmt"

// ConnectionError reports that the remote channel could not be opened or
// dropped while a command was running.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("remote connection to %s failed: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// TransferError reports a failed upload or mirror step.
type TransferError struct {
	Op   string // mkdir, upload, chtimes, remove
	Path string
	Err  error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("remote %s %s failed: %v", e.Op, e.Path, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }
