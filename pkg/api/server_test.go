package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentinelops/scp/pkg/events"
	"github.com/sentinelops/scp/pkg/options"
	"github.com/sentinelops/scp/pkg/storage"
	"github.com/sentinelops/scp/pkg/types"
)

const testRegToken = "fleet-enrollment-token"

type testAPI struct {
	store  *storage.BoltStore
	broker *events.Broker
	srv    *httptest.Server
}

type recordingResolver struct {
	calls []string
}

func (r *recordingResolver) Resolve(commandID string, status types.CommandStatus, message string, payload []byte) bool {
	r.calls = append(r.calls, commandID)
	return false
}

func newTestAPI(t *testing.T) (*testAPI, *recordingResolver) {
	t.Helper()

	opts := options.Default()
	opts.RegistrationToken = testRegToken
	options.Set(opts)
	t.Cleanup(func() { options.Set(options.Default()) })

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	resolver := &recordingResolver{}
	srv := httptest.NewServer(NewServer(store, broker, resolver, nil).Router())
	t.Cleanup(srv.Close)

	return &testAPI{store: store, broker: broker, srv: srv}, resolver
}

func (a *testAPI) post(t *testing.T, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, a.srv.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

func (a *testAPI) register(t *testing.T, agentID, hostname string) registerResponse {
	t.Helper()
	resp, body := a.post(t, "/api/agent/register", map[string]any{
		"agentId":           agentID,
		"hostname":          hostname,
		"operatingSystem":   "Windows 11 Pro",
		"is64Bit":           true,
		"agentVersion":      "1.4.0",
		"registrationToken": testRegToken,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out registerResponse
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func agentHeaders(agentID, token string) map[string]string {
	return map[string]string{
		"X-Agent-Id":      agentID,
		"X-Auth-Token":    token,
		"X-Agent-Version": "1.4.0",
	}
}

func TestRegisterThenHeartbeat(t *testing.T) {
	api, _ := newTestAPI(t)

	reg := api.register(t, "agent-001", "WS-0042")
	require.True(t, reg.Accepted)
	require.NotEmpty(t, reg.AuthToken)
	require.NotZero(t, reg.ComputerID)
	assert.Equal(t, 30, reg.PollIntervalSeconds)

	resp, body := api.post(t, "/api/agent/heartbeat", map[string]any{
		"agentId": "agent-001",
		"status": map[string]any{
			"agentVersion":    "1.4.0",
			"hostname":        "WS-0042",
			"is64Bit":         true,
			"operatingSystem": "Windows 11 Pro",
			"sysmonInstalled": true,
			"sysmonVersion":   "15.15",
			"sysmonPath":      `C:\Windows\Sysmon64.exe`,
			"serviceStatus":   "Running",
			"configHash":      "abc123",
			"uptimeSeconds":   86400,
		},
	}, agentHeaders("agent-001", reg.AuthToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var hb heartbeatResponse
	require.NoError(t, json.Unmarshal(body, &hb))
	assert.True(t, hb.Registered)
	assert.Empty(t, hb.PendingCommands)
	assert.Equal(t, 30, hb.NewPollIntervalSeconds)

	host, err := api.store.GetHost(reg.ComputerID)
	require.NoError(t, err)
	assert.True(t, host.AgentManaged)
	assert.Equal(t, "15.15", host.CollectorVersion)
	assert.Equal(t, "abc123", host.ConfigHash)
	assert.False(t, host.AgentLastHeartbeat.IsZero())
}

func TestReRegistrationKeepsToken(t *testing.T) {
	api, _ := newTestAPI(t)

	first := api.register(t, "agent-002", "WS-0100")
	second := api.register(t, "agent-002", "WS-0100")

	require.True(t, second.Accepted)
	assert.Equal(t, first.AuthToken, second.AuthToken)
	assert.Equal(t, first.ComputerID, second.ComputerID)

	hosts, err := api.store.ListHosts()
	require.NoError(t, err)
	assert.Len(t, hosts, 1)
}

func TestRegisterCannotTakeOverManagedHostname(t *testing.T) {
	api, _ := newTestAPI(t)

	owner := api.register(t, "agent-a", "WS-0099")
	require.True(t, owner.Accepted)

	intruder := api.register(t, "agent-b", "WS-0099")
	assert.False(t, intruder.Accepted)
	assert.Empty(t, intruder.AuthToken)
	assert.Equal(t, "hostname is registered to another agent", intruder.Message)

	// The owner keeps working with its original credentials.
	resp, body := api.post(t, "/api/agent/heartbeat", map[string]any{
		"agentId": "agent-a",
	}, agentHeaders("agent-a", owner.AuthToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var hb heartbeatResponse
	require.NoError(t, json.Unmarshal(body, &hb))
	assert.True(t, hb.Registered)

	// The rejected agent has no identity on the server.
	resp, body = api.post(t, "/api/agent/heartbeat", map[string]any{
		"agentId": "agent-b",
	}, agentHeaders("agent-b", owner.AuthToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &hb))
	assert.False(t, hb.Registered)

	hosts, err := api.store.ListHosts()
	require.NoError(t, err)
	assert.Len(t, hosts, 1)
}

func TestRegisterInvalidToken(t *testing.T) {
	api, _ := newTestAPI(t)

	resp, body := api.post(t, "/api/agent/register", map[string]any{
		"agentId":           "agent-003",
		"hostname":          "WS-0101",
		"registrationToken": "wrong",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out registerResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.False(t, out.Accepted)
	assert.Empty(t, out.AuthToken)
	assert.Equal(t, "invalid registration token", out.Message)

	hosts, err := api.store.ListHosts()
	require.NoError(t, err)
	assert.Empty(t, hosts)
}

func TestRegisterDisabled(t *testing.T) {
	api, _ := newTestAPI(t)

	opts := options.Default()
	opts.RegistrationToken = testRegToken
	opts.RegistrationEnabled = false
	options.Set(opts)

	resp, body := api.post(t, "/api/agent/register", map[string]any{
		"agentId":           "agent-004",
		"hostname":          "WS-0102",
		"registrationToken": testRegToken,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out registerResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.False(t, out.Accepted)
	assert.Equal(t, "agent registration is disabled", out.Message)
}

func TestHeartbeatBadToken(t *testing.T) {
	api, _ := newTestAPI(t)
	reg := api.register(t, "agent-005", "WS-0103")

	resp, body := api.post(t, "/api/agent/heartbeat", map[string]any{
		"agentId": "agent-005",
	}, agentHeaders("agent-005", "not-"+reg.AuthToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var hb heartbeatResponse
	require.NoError(t, json.Unmarshal(body, &hb))
	assert.False(t, hb.Registered)
	assert.Empty(t, hb.PendingCommands)
}

func TestHeartbeatDeliversQueuedCommands(t *testing.T) {
	api, _ := newTestAPI(t)
	reg := api.register(t, "agent-006", "WS-0104")

	cmd := &types.PendingCommand{
		CommandID: "cmd-restart-1",
		HostID:    reg.ComputerID,
		Type:      types.CmdRestartCollector,
		Payload:   []byte(`{}`),
		CreatedAt: time.Now(),
	}
	require.NoError(t, api.store.EnqueueCommand(cmd))

	resp, body := api.post(t, "/api/agent/heartbeat", map[string]any{
		"agentId": "agent-006",
	}, agentHeaders("agent-006", reg.AuthToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var hb heartbeatResponse
	require.NoError(t, json.Unmarshal(body, &hb))
	require.Len(t, hb.PendingCommands, 1)
	assert.Equal(t, "cmd-restart-1", hb.PendingCommands[0].CommandID)
	assert.Equal(t, "RestartCollector", hb.PendingCommands[0].Type)

	// Claimed once; a second heartbeat does not re-deliver.
	_, body = api.post(t, "/api/agent/heartbeat", map[string]any{
		"agentId": "agent-006",
	}, agentHeaders("agent-006", reg.AuthToken))
	require.NoError(t, json.Unmarshal(body, &hb))
	assert.Empty(t, hb.PendingCommands)
}

func TestCommandResultLifecycle(t *testing.T) {
	api, resolver := newTestAPI(t)
	reg := api.register(t, "agent-007", "WS-0105")

	require.NoError(t, api.store.EnqueueCommand(&types.PendingCommand{
		CommandID: "cmd-install-1",
		HostID:    reg.ComputerID,
		Type:      types.CmdInstallCollector,
		Payload:   []byte(`{}`),
		CreatedAt: time.Now(),
	}))

	resp, body := api.post(t, "/api/agent/command-result", map[string]any{
		"commandId": "cmd-install-1",
		"status":    "Success",
		"message":   "Sysmon installed",
	}, agentHeaders("agent-007", reg.AuthToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out commandResultResponse
	require.NoError(t, json.Unmarshal(body, &out))
	assert.True(t, out.Accepted)
	assert.Equal(t, []string{"cmd-install-1"}, resolver.calls)

	stored, err := api.store.GetCommandByCommandID("cmd-install-1")
	require.NoError(t, err)
	assert.Equal(t, types.CommandSuccess, stored.ResultStatus)
	assert.False(t, stored.CompletedAt.IsZero())

	// Duplicate delivery is accepted and ignored.
	resp, body = api.post(t, "/api/agent/command-result", map[string]any{
		"commandId": "cmd-install-1",
		"status":    "Failed",
		"message":   "retry",
	}, agentHeaders("agent-007", reg.AuthToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &out))
	assert.True(t, out.Accepted)
	assert.Len(t, resolver.calls, 1)

	stored, err = api.store.GetCommandByCommandID("cmd-install-1")
	require.NoError(t, err)
	assert.Equal(t, types.CommandSuccess, stored.ResultStatus)
}

func TestCommandResultAuthAndIdentity(t *testing.T) {
	api, _ := newTestAPI(t)
	reg := api.register(t, "agent-008", "WS-0106")

	resp, _ := api.post(t, "/api/agent/command-result", map[string]any{
		"commandId": "cmd-x",
		"status":    "Success",
	}, agentHeaders("agent-008", "bogus"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = api.post(t, "/api/agent/command-result", map[string]any{
		"commandId": "cmd-nonexistent",
		"status":    "Success",
	}, agentHeaders("agent-008", reg.AuthToken))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = api.post(t, "/api/agent/command-result", map[string]any{
		"commandId": "cmd-x",
		"status":    "Maybe",
	}, agentHeaders("agent-008", reg.AuthToken))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCommandResultWrongHostIsNotFound(t *testing.T) {
	api, _ := newTestAPI(t)
	regA := api.register(t, "agent-009", "WS-0107")
	regB := api.register(t, "agent-010", "WS-0108")

	require.NoError(t, api.store.EnqueueCommand(&types.PendingCommand{
		CommandID: "cmd-owned-by-a",
		HostID:    regA.ComputerID,
		Type:      types.CmdGetStatus,
		Payload:   []byte(`{}`),
		CreatedAt: time.Now(),
	}))

	resp, _ := api.post(t, "/api/agent/command-result", map[string]any{
		"commandId": "cmd-owned-by-a",
		"status":    "Success",
	}, agentHeaders("agent-010", regB.AuthToken))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAgentJobCompletion(t *testing.T) {
	api, _ := newTestAPI(t)
	reg := api.register(t, "agent-011", "WS-0109")

	host, err := api.store.GetHost(reg.ComputerID)
	require.NoError(t, err)

	job := &types.DeploymentJob{
		Operation: types.OpUpdateConfig,
		StartedBy: "ops",
		StartedAt: time.Now(),
	}
	require.NoError(t, api.store.StartDeployment(job, []*types.Host{host}))

	require.NoError(t, api.store.EnqueueCommand(&types.PendingCommand{
		CommandID: "cmd-job-1",
		HostID:    host.ID,
		Type:      types.CmdUpdateConfig,
		Payload:   []byte(`{"configXml":"<Sysmon/>"}`),
		CreatedAt: time.Now(),
		JobID:     job.ID,
	}))

	sub := api.broker.Subscribe()
	defer api.broker.Unsubscribe(sub)

	resp, _ := api.post(t, "/api/agent/command-result", map[string]any{
		"commandId": "cmd-job-1",
		"status":    "Failed",
		"message":   "config hash mismatch after update",
	}, agentHeaders("agent-011", reg.AuthToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := api.store.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompletedWithErrors, got.Status)

	results, err := api.store.ListResults(job.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Equal(t, "config hash mismatch after update", results[0].Message)

	seen := map[events.EventType]bool{}
	timeout := time.After(2 * time.Second)
	for len(seen) < 2 {
		select {
		case ev := <-sub:
			seen[ev.Type] = true
		case <-timeout:
			t.Fatalf("timed out waiting for job events, saw %v", seen)
		}
	}
	assert.True(t, seen[events.EventJobHostCompleted])
	assert.True(t, seen[events.EventJobCompleted])
}

func TestHealthEndpoints(t *testing.T) {
	api, _ := newTestAPI(t)

	resp, err := http.Get(api.srv.URL + "/livez")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(api.srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMalformedBody(t *testing.T) {
	api, _ := newTestAPI(t)

	req, err := http.NewRequest(http.MethodPost, api.srv.URL+"/api/agent/register", bytes.NewReader([]byte("{not json")))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRegisterMissingFields(t *testing.T) {
	api, _ := newTestAPI(t)

	for i, body := range []map[string]any{
		{"hostname": "WS-0110", "registrationToken": testRegToken},
		{"agentId": "agent-012", "registrationToken": testRegToken},
	} {
		resp, raw := api.post(t, "/api/agent/register", body, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, fmt.Sprintf("case %d", i))

		var out registerResponse
		require.NoError(t, json.Unmarshal(raw, &out))
		assert.False(t, out.Accepted)
	}
}
