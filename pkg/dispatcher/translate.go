package dispatcher

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/sentinelops/scp/pkg/types"
)

// InstallPayload is the wire payload of an InstallCollector command
type InstallPayload struct {
	BinaryBytesB64     string `json:"binaryBytesB64"`
	ConfigXML          string `json:"configXml,omitempty"`
	ExpectedConfigHash string `json:"expectedConfigHash,omitempty"`
}

// UpdateConfigPayload is the wire payload of an UpdateConfig command
type UpdateConfigPayload struct {
	ConfigXML          string `json:"configXml"`
	ExpectedConfigHash string `json:"expectedConfigHash,omitempty"`
}

// translateOperation builds the command type and payload for an operation on
// the agent path. TestConnectivity never reaches here; it short-circuits on
// heartbeat freshness.
func translateOperation(op types.DeploymentOperation, cfg *types.CollectorConfig, binary []byte) (types.CommandType, []byte, error) {
	switch op {
	case types.OpInstall:
		p := InstallPayload{
			BinaryBytesB64: base64.StdEncoding.EncodeToString(binary),
		}
		if cfg != nil {
			p.ConfigXML = string(cfg.Content)
			p.ExpectedConfigHash = cfg.ContentHash
		}
		payload, err := json.Marshal(p)
		return types.CmdInstallCollector, payload, err

	case types.OpUpdateConfig:
		if cfg == nil {
			return "", nil, fmt.Errorf("update-config requires a configuration")
		}
		payload, err := json.Marshal(UpdateConfigPayload{
			ConfigXML:          string(cfg.Content),
			ExpectedConfigHash: cfg.ContentHash,
		})
		return types.CmdUpdateConfig, payload, err

	case types.OpUninstall:
		return types.CmdUninstallCollector, []byte("{}"), nil

	default:
		return "", nil, fmt.Errorf("operation %q has no agent command translation", op)
	}
}
