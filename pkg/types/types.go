package types

import (
	"time"
)

// Host represents a Windows machine under management. A host is either
// push-managed (agentless, reached over RemoteAdmin) or agent-managed
// (a resident agent polls the server for queued commands).
type Host struct {
	ID          uint64
	Hostname    string // unique, compared case-insensitively
	DirectoryDN string
	OS          string
	LastSeen    time.Time

	// Observed collector state, refreshed by scans and heartbeats
	CollectorVersion string
	CollectorPath    string
	ConfigHash       string
	ConfigTag        string

	LastScanAt     time.Time
	LastScanStatus ScanStatus

	AgentManaged       bool
	AgentID            string // opaque, agent-generated
	AgentAuthToken     string // opaque, server-issued at registration
	AgentVersion       string
	AgentLastHeartbeat time.Time
	AgentTags          []string

	CreatedAt time.Time
}

// AgentOnlineWindow is how recent a heartbeat must be for an agent-managed
// host to count as online without probing it.
const AgentOnlineWindow = 5 * time.Minute

// ScanStatus is the outcome of the most recent inventory scan
type ScanStatus string

const (
	ScanStatusUnknown ScanStatus = ""
	ScanStatusOnline  ScanStatus = "online"
	ScanStatusOffline ScanStatus = "offline"
)

// CollectorConfig is an immutable, versioned collector configuration.
// Edits produce a new row; Content and ContentHash never mutate.
type CollectorConfig struct {
	ID                uint64
	Filename          string
	Content           []byte
	ContentHash       string // hex SHA-256 of Content
	Tag               string // optional SCPTAG label extracted from the document
	Valid             bool
	ValidationMessage string
	SourceURL         string
	UploadedAt        time.Time
	UploadedBy        string
}

// DeploymentOperation is a lifecycle operation against the collector
type DeploymentOperation string

const (
	OpInstall          DeploymentOperation = "install"
	OpUpdateConfig     DeploymentOperation = "update-config"
	OpUninstall        DeploymentOperation = "uninstall"
	OpTestConnectivity DeploymentOperation = "test-connectivity"
)

// JobStatus represents deployment job state. Transitions are monotone:
// Pending -> Running -> terminal.
type JobStatus string

const (
	JobStatusPending             JobStatus = "pending"
	JobStatusRunning             JobStatus = "running"
	JobStatusCompleted           JobStatus = "completed"
	JobStatusCompletedWithErrors JobStatus = "completed-with-errors"
	JobStatusCancelled           JobStatus = "cancelled"
)

// Terminal reports whether the status is a terminal state
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusCompletedWithErrors || s == JobStatusCancelled
}

// DeploymentJob fans one operation out to a set of target hosts
type DeploymentJob struct {
	ID          uint64
	Operation   DeploymentOperation
	ConfigID    uint64 // 0 when the operation carries no config
	StartedBy   string
	StartedAt   time.Time
	CompletedAt time.Time
	Status      JobStatus
}

// DeploymentResult is the per-host outcome of a job
type DeploymentResult struct {
	JobID       uint64
	HostID      uint64
	Hostname    string
	Success     bool
	Message     string
	CompletedAt time.Time
}

// CommandType enumerates the commands an agent will accept. The set is
// closed; anything else is rejected on the agent.
type CommandType string

const (
	CmdGetStatus          CommandType = "GetStatus"
	CmdInstallCollector   CommandType = "InstallCollector"
	CmdUpdateConfig       CommandType = "UpdateConfig"
	CmdUninstallCollector CommandType = "UninstallCollector"
	CmdQueryEvents        CommandType = "QueryEvents"
	CmdRestartCollector   CommandType = "RestartCollector"
)

// CommandStatus is the agent-reported outcome of a command
type CommandStatus string

const (
	CommandSuccess CommandStatus = "Success"
	CommandFailed  CommandStatus = "Failed"
)

// PendingCommand is the durable record of an instruction awaiting (or
// having awaited) agent pickup. A command is new (SentAt zero), in-flight
// (sent, CompletedAt zero) or terminal.
type PendingCommand struct {
	ID            uint64
	CommandID     string // unique, server-generated
	HostID        uint64
	Type          CommandType
	Payload       []byte
	CreatedAt     time.Time
	SentAt        time.Time
	CompletedAt   time.Time
	ResultStatus  CommandStatus
	ResultMessage string
	ResultPayload []byte
	InitiatedBy   string
	JobID         uint64 // originating deployment job, 0 if none
}

// Terminal reports whether the command has a recorded result
func (c *PendingCommand) Terminal() bool {
	return !c.CompletedAt.IsZero()
}

// ScheduleStatus represents scheduled deployment state
type ScheduleStatus string

const (
	ScheduleStatusPending   ScheduleStatus = "pending"
	ScheduleStatusRunning   ScheduleStatus = "running"
	ScheduleStatusCompleted ScheduleStatus = "completed"
	ScheduleStatusCancelled ScheduleStatus = "cancelled"
	ScheduleStatusFailed    ScheduleStatus = "failed"
)

// ScheduledDeployment is a deployment queued for a future time
type ScheduledDeployment struct {
	ID            uint64
	Operation     DeploymentOperation
	ConfigID      uint64
	ScheduledAt   time.Time
	CreatedBy     string
	CreatedAt     time.Time
	Status        ScheduleStatus
	JobID         uint64 // set when promoted
	TargetHostIDs []uint64
}

// NoiseAnalysisRun records one noise analysis of a host's event stream
type NoiseAnalysisRun struct {
	ID             uint64
	HostID         uint64
	TimeRangeHours int
	TotalEvents    int
	AnalyzedAt     time.Time
}

// NoiseResult is one grouped event pattern with its score
type NoiseResult struct {
	ID                 uint64
	RunID              uint64
	EventID            int
	GroupingKey        string
	EventCount         int
	NoiseScore         float64 // [0,1]
	SuggestedExclusion string  // XML snippet, empty below the suggestion threshold
}

// AgentObservedState is what the agent reports about its host on heartbeat
type AgentObservedState struct {
	AgentVersion       string
	Hostname           string
	Is64Bit            bool
	OperatingSystem    string
	CollectorInstalled bool
	CollectorVersion   string
	CollectorPath      string
	ServiceStatus      string
	ConfigHash         string
	UptimeSeconds      int64
}

// AuditAction identifies an operator-visible action kind
type AuditAction string

const (
	AuditConfigUpload          AuditAction = "config.upload"
	AuditConfigUpdate          AuditAction = "config.update"
	AuditConfigDelete          AuditAction = "config.delete"
	AuditDeploymentStart       AuditAction = "deployment.start"
	AuditDeploymentCancel      AuditAction = "deployment.cancel"
	AuditDeploymentPurge       AuditAction = "deployment.purge"
	AuditScheduleCreate        AuditAction = "schedule.create"
	AuditScheduleCancel        AuditAction = "schedule.cancel"
	AuditDirectoryRefresh      AuditAction = "directory.refresh"
	AuditInventoryScan         AuditAction = "inventory.scan"
	AuditNoiseAnalysisStart    AuditAction = "noise.start"
	AuditNoiseAnalysisDelete   AuditAction = "noise.delete"
	AuditNoiseAnalysisPurge    AuditAction = "noise.purge"
	AuditLogin                 AuditAction = "auth.login"
	AuditAuthorizationDenied   AuditAction = "auth.denied"
	AuditSettingsUpdate        AuditAction = "settings.update"
	AuditBinaryCacheUpdate     AuditAction = "binarycache.update"
	AuditServiceRestart        AuditAction = "service.restart"
	AuditAgentRegistration     AuditAction = "agent.registration"
	AuditAgentCommandCompleted AuditAction = "agent.command-completed"
)

// AuditEntry is an append-only record of an operator-visible action
type AuditEntry struct {
	ID        uint64
	Timestamp time.Time
	User      string
	Action    AuditAction
	Details   map[string]any
}
