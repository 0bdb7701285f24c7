package storage

import (
	"errors"
	"time"

	"github.com/sentinelops/scp/pkg/types"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a unique index would be violated
var ErrConflict = errors.New("conflict")

// AgentRegistration is the input to RegisterOrUpdateAgent
type AgentRegistration struct {
	AgentID      string
	Hostname     string
	OS           string
	AgentVersion string
	Tags         []string
	// CandidateToken is used only when a new host is created or a
	// push-managed host is adopted; re-registration keeps the stored token.
	CandidateToken string
	Now            time.Time
}

// ScanObservation is what one inventory probe saw. ApplyScanResult merges it
// into the host row without touching agent-owned fields, so a heartbeat that
// lands mid-scan is never overwritten.
type ScanObservation struct {
	At time.Time

	// Push transport only; agent-managed hosts are judged by heartbeat
	// recency against the row at apply time.
	Online     bool
	Installed  bool
	Path       string
	Version    string
	ConfigHash string
	ConfigTag  string
}

// CommandCompletion describes the state transition performed by CompleteCommand
type CommandCompletion struct {
	Command     *types.PendingCommand
	AlreadyDone bool
	Hostname    string

	// Deployment correlation, populated when the command was job-linked
	JobID            uint64
	JobStatus        types.JobStatus
	JobFinished      bool
	CompletedResults int
	TotalResults     int
}

// Store is the durable state interface. Implementations must perform each
// domain operation inside a single ACID transaction.
type Store interface {
	// Hosts
	CreateHost(h *types.Host) error
	GetHost(id uint64) (*types.Host, error)
	GetHostByHostname(hostname string) (*types.Host, error)
	GetHostByAgentID(agentID string) (*types.Host, error)
	ListHosts() ([]*types.Host, error)
	UpdateHost(h *types.Host) error
	// ApplyScanResult re-reads the row and writes only the scan-owned
	// fields in one transaction.
	ApplyScanResult(hostID uint64, obs ScanObservation) error

	// Agent protocol
	RegisterOrUpdateAgent(reg AgentRegistration) (host *types.Host, created bool, err error)
	// ProcessHeartbeat updates the host's observed state and claims all
	// unsent commands for it (FIFO), stamping SentAt, in one transaction.
	ProcessHeartbeat(hostID uint64, observed *types.AgentObservedState, now time.Time) ([]*types.PendingCommand, error)
	// CompleteCommand records an agent-submitted result. Idempotent on
	// command id: a terminal command is accepted-and-ignored.
	CompleteCommand(hostID uint64, commandID string, status types.CommandStatus, message string, payload []byte, now time.Time) (*CommandCompletion, error)

	// Commands
	EnqueueCommand(cmd *types.PendingCommand) error
	GetCommandByCommandID(commandID string) (*types.PendingCommand, error)
	ListCommandsByHost(hostID uint64) ([]*types.PendingCommand, error)
	PurgeTerminalCommands(olderThan time.Time) (int, error)

	// Collector configs
	CreateConfig(c *types.CollectorConfig) error
	GetConfig(id uint64) (*types.CollectorConfig, error)
	GetConfigByHash(hash string) (*types.CollectorConfig, error)
	ListConfigs() ([]*types.CollectorConfig, error)
	DeleteConfig(id uint64) error

	// Deployment jobs
	StartDeployment(job *types.DeploymentJob, targets []*types.Host) error
	GetJob(id uint64) (*types.DeploymentJob, error)
	ListJobs() ([]*types.DeploymentJob, error)
	// MarkJobRunning transitions Pending -> Running; terminal jobs are left alone.
	MarkJobRunning(id uint64) error
	CancelJob(id uint64, now time.Time) error
	// UpdateResult writes a per-host outcome and finalizes the job when it
	// was the last outstanding result. Terminal jobs are never downgraded.
	UpdateResult(jobID, hostID uint64, success bool, message string, now time.Time) (types.JobStatus, bool, error)
	ListResults(jobID uint64) ([]*types.DeploymentResult, error)

	// Scheduled deployments
	CreateSchedule(s *types.ScheduledDeployment) error
	GetSchedule(id uint64) (*types.ScheduledDeployment, error)
	ListSchedules() ([]*types.ScheduledDeployment, error)
	CancelSchedule(id uint64) error
	DueSchedules(now time.Time) ([]*types.ScheduledDeployment, error)
	// PromoteSchedule atomically creates the deployment job with its pending
	// results, links it, and marks the schedule Running. A schedule with no
	// targets transitions to Failed and returns ErrNoTargets.
	PromoteSchedule(scheduleID uint64, now time.Time) (*types.DeploymentJob, error)

	// Noise analysis
	CreateNoiseRun(run *types.NoiseAnalysisRun, results []*types.NoiseResult) error
	GetNoiseRun(id uint64) (*types.NoiseAnalysisRun, error)
	ListNoiseRuns(hostID uint64) ([]*types.NoiseAnalysisRun, error)
	ListNoiseResults(runID uint64) ([]*types.NoiseResult, error)
	DeleteNoiseRun(id uint64) error

	// Audit
	AppendAudit(e *types.AuditEntry) error
	ListAudit(limit int) ([]*types.AuditEntry, error)

	Close() error
}

// ErrNoTargets is returned by PromoteSchedule for an empty target list
var ErrNoTargets = errors.New("schedule has no targets")
