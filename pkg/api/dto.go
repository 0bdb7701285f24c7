package api

import "encoding/json"

// Wire DTOs for the agent surface. Field names are wire-stable; changing one
// breaks deployed agents.

type registerRequest struct {
	AgentID           string   `json:"agentId"`
	Hostname          string   `json:"hostname"`
	OperatingSystem   string   `json:"operatingSystem"`
	Is64Bit           bool     `json:"is64Bit"`
	AgentVersion      string   `json:"agentVersion"`
	RegistrationToken string   `json:"registrationToken"`
	Tags              []string `json:"tags"`
}

type registerResponse struct {
	Accepted            bool   `json:"accepted"`
	AuthToken           string `json:"authToken,omitempty"`
	ComputerID          uint64 `json:"computerId,omitempty"`
	PollIntervalSeconds int    `json:"pollIntervalSeconds"`
	Message             string `json:"message,omitempty"`
}

type agentStatus struct {
	AgentVersion    string `json:"agentVersion"`
	Hostname        string `json:"hostname"`
	Is64Bit         bool   `json:"is64Bit"`
	OperatingSystem string `json:"operatingSystem"`
	SysmonInstalled bool   `json:"sysmonInstalled"`
	SysmonVersion   string `json:"sysmonVersion,omitempty"`
	SysmonPath      string `json:"sysmonPath,omitempty"`
	ServiceStatus   string `json:"serviceStatus,omitempty"`
	ConfigHash      string `json:"configHash,omitempty"`
	UptimeSeconds   int64  `json:"uptimeSeconds"`
}

type heartbeatRequest struct {
	AgentID string       `json:"agentId"`
	Status  *agentStatus `json:"status"`
}

type pendingCommandDTO struct {
	CommandID string          `json:"commandId"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
}

type heartbeatResponse struct {
	Registered             bool                `json:"registered"`
	NewPollIntervalSeconds int                 `json:"newPollIntervalSeconds,omitempty"`
	PendingCommands        []pendingCommandDTO `json:"pendingCommands"`
}

type commandResultRequest struct {
	CommandID string          `json:"commandId"`
	Status    string          `json:"status"`
	Message   string          `json:"message"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type commandResultResponse struct {
	Accepted bool `json:"accepted"`
}
