// Package remoteadmin defines the agentless push-path capabilities. The
// native transports (WMI process-create, SMB copy, registry and event-log
// queries) plug in behind the RemoteAdmin and FileTransfer interfaces; a
// deployment without them gets the null implementations, which fail every
// per-host operation with a fixed message instead of failing the job.
package remoteadmin

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnavailable is returned by the null implementations
var ErrUnavailable = errors.New("agentless transport is not configured on this server")

// CollectorState is the result of probing a host for the installed collector
type CollectorState struct {
	Installed  bool
	Path       string
	Version    string
	ConfigHash string
	ConfigTag  string
}

// RemoteAdmin is the remote execution and query capability
type RemoteAdmin interface {
	// IsAvailable reports whether the transport is configured
	IsAvailable() bool

	// ProbeOS reads the host's OS caption, proving reachability and auth
	ProbeOS(ctx context.Context, hostname string) (string, error)

	// QueryCollector inspects the host for an installed collector
	QueryCollector(ctx context.Context, hostname string) (*CollectorState, error)

	// RunCommand executes a command line on the host and waits for it
	RunCommand(ctx context.Context, hostname, workDir, commandLine string) error

	// QueryEventLog runs an event-log query and returns raw event documents,
	// newest first, up to maxEvents
	QueryEventLog(ctx context.Context, hostname, query string, maxEvents int) ([][]byte, error)
}

// FileTransfer is the remote file copy capability
type FileTransfer interface {
	IsAvailable() bool

	// EnsureDirectory creates the remote directory if absent
	EnsureDirectory(ctx context.Context, hostname, path string) error

	// CopyFile copies a local file to the remote path
	CopyFile(ctx context.Context, hostname, localPath, remotePath string) error

	// WriteFile writes bytes to the remote path
	WriteFile(ctx context.Context, hostname, remotePath string, content []byte) error
}

// remoteCodes maps transport return codes to operator-readable messages
var remoteCodes = map[int]string{
	0:  "Success",
	2:  "Access denied",
	3:  "Insufficient privilege",
	8:  "Unknown failure",
	9:  "Path not found",
	21: "Invalid parameter",
}

// RemoteError is a transport failure carrying the raw return code
type RemoteError struct {
	Code int
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote operation failed: %s (code %d)", TranslateCode(e.Code), e.Code)
}

// TranslateCode renders a transport return code as a short message
func TranslateCode(code int) string {
	if msg, ok := remoteCodes[code]; ok {
		return msg
	}
	return fmt.Sprintf("Remote error %d", code)
}

// NullRemoteAdmin is the RemoteAdmin used when no transport is configured
type NullRemoteAdmin struct{}

func (NullRemoteAdmin) IsAvailable() bool { return false }

func (NullRemoteAdmin) ProbeOS(context.Context, string) (string, error) {
	return "", ErrUnavailable
}

func (NullRemoteAdmin) QueryCollector(context.Context, string) (*CollectorState, error) {
	return nil, ErrUnavailable
}

func (NullRemoteAdmin) RunCommand(context.Context, string, string, string) error {
	return ErrUnavailable
}

func (NullRemoteAdmin) QueryEventLog(context.Context, string, string, int) ([][]byte, error) {
	return nil, ErrUnavailable
}

// NullFileTransfer is the FileTransfer used when no transport is configured
type NullFileTransfer struct{}

func (NullFileTransfer) IsAvailable() bool { return false }

func (NullFileTransfer) EnsureDirectory(context.Context, string, string) error {
	return ErrUnavailable
}

func (NullFileTransfer) CopyFile(context.Context, string, string, string) error {
	return ErrUnavailable
}

func (NullFileTransfer) WriteFile(context.Context, string, string, []byte) error {
	return ErrUnavailable
}
