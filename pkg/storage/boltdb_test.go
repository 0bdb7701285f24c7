package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/sentinelops/scp/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testHost(hostname string) *types.Host {
	return &types.Host{
		Hostname:  hostname,
		OS:        "Windows Server 2022",
		CreatedAt: time.Now(),
	}
}

func TestCreateHostUniqueHostname(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.CreateHost(testHost("WS-001")))

	err := s.CreateHost(testHost("ws-001"))
	assert.ErrorIs(t, err, ErrConflict, "hostname uniqueness is case-insensitive")
}

func TestGetHostByHostnameCaseInsensitive(t *testing.T) {
	s := newTestStore(t)

	h := testHost("DC-01")
	require.NoError(t, s.CreateHost(h))

	got, err := s.GetHostByHostname("dc-01")
	require.NoError(t, err)
	assert.Equal(t, h.ID, got.ID)

	_, err = s.GetHostByHostname("dc-02")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateHostReindexesHostname(t *testing.T) {
	s := newTestStore(t)

	h := testHost("OLD-NAME")
	require.NoError(t, s.CreateHost(h))

	h.Hostname = "NEW-NAME"
	require.NoError(t, s.UpdateHost(h))

	_, err := s.GetHostByHostname("old-name")
	assert.ErrorIs(t, err, ErrNotFound)

	got, err := s.GetHostByHostname("new-name")
	require.NoError(t, err)
	assert.Equal(t, h.ID, got.ID)
}

func TestRegisterOrUpdateAgentCreatesHost(t *testing.T) {
	s := newTestStore(t)

	host, created, err := s.RegisterOrUpdateAgent(AgentRegistration{
		AgentID:        "agent-abc",
		Hostname:       "WS-100",
		OS:             "Windows 11",
		AgentVersion:   "1.2.0",
		CandidateToken: "tok-1",
		Now:            time.Now(),
	})
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, host.AgentManaged)
	assert.Equal(t, "tok-1", host.AgentAuthToken)

	got, err := s.GetHostByAgentID("agent-abc")
	require.NoError(t, err)
	assert.Equal(t, host.ID, got.ID)
}

func TestRegisterOrUpdateAgentAdoptsPushHost(t *testing.T) {
	s := newTestStore(t)

	h := testHost("WS-200")
	h.DirectoryDN = "CN=WS-200,OU=Workstations,DC=corp,DC=local"
	require.NoError(t, s.CreateHost(h))

	host, created, err := s.RegisterOrUpdateAgent(AgentRegistration{
		AgentID:        "agent-200",
		Hostname:       "ws-200",
		CandidateToken: "tok-200",
		Now:            time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, created, "existing row is adopted, not duplicated")
	assert.Equal(t, h.ID, host.ID)
	assert.True(t, host.AgentManaged)
	assert.Equal(t, h.DirectoryDN, host.DirectoryDN, "directory metadata survives adoption")

	hosts, err := s.ListHosts()
	require.NoError(t, err)
	assert.Len(t, hosts, 1)
}

func TestRegisterOrUpdateAgentRejectsManagedHostname(t *testing.T) {
	s := newTestStore(t)

	owner, _, err := s.RegisterOrUpdateAgent(AgentRegistration{
		AgentID:        "agent-a",
		Hostname:       "WS-250",
		CandidateToken: "token-a",
		Now:            time.Now(),
	})
	require.NoError(t, err)

	_, _, err = s.RegisterOrUpdateAgent(AgentRegistration{
		AgentID:        "agent-b",
		Hostname:       "ws-250",
		CandidateToken: "token-b",
		Now:            time.Now(),
	})
	assert.ErrorIs(t, err, ErrConflict, "a second agent must not displace the hostname's owner")

	got, err := s.GetHostByAgentID("agent-a")
	require.NoError(t, err)
	assert.Equal(t, owner.ID, got.ID)
	assert.Equal(t, "token-a", got.AgentAuthToken, "owner credentials survive the attempt")

	_, err = s.GetHostByAgentID("agent-b")
	assert.ErrorIs(t, err, ErrNotFound, "the rejected agent is never indexed")
}

func TestRegisterOrUpdateAgentReRegistrationKeepsToken(t *testing.T) {
	s := newTestStore(t)

	first, _, err := s.RegisterOrUpdateAgent(AgentRegistration{
		AgentID:        "agent-x",
		Hostname:       "WS-300",
		CandidateToken: "original-token",
		Now:            time.Now(),
	})
	require.NoError(t, err)

	second, created, err := s.RegisterOrUpdateAgent(AgentRegistration{
		AgentID:        "agent-x",
		Hostname:       "WS-300",
		AgentVersion:   "1.3.0",
		CandidateToken: "would-be-new-token",
		Now:            time.Now(),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, "original-token", second.AgentAuthToken, "retried register must not strand the agent")
	assert.Equal(t, "1.3.0", second.AgentVersion)
}

func TestProcessHeartbeatClaimsCommandsFIFO(t *testing.T) {
	s := newTestStore(t)

	host, _, err := s.RegisterOrUpdateAgent(AgentRegistration{
		AgentID: "agent-hb", Hostname: "WS-400", CandidateToken: "t", Now: time.Now(),
	})
	require.NoError(t, err)

	other := testHost("WS-401")
	require.NoError(t, s.CreateHost(other))

	for i, id := range []string{"cmd-1", "cmd-2", "cmd-3"} {
		target := host.ID
		if i == 1 {
			target = other.ID
		}
		require.NoError(t, s.EnqueueCommand(&types.PendingCommand{
			CommandID: id,
			HostID:    target,
			Type:      types.CmdGetStatus,
			CreatedAt: time.Now(),
		}))
	}

	now := time.Now()
	claimed, err := s.ProcessHeartbeat(host.ID, &types.AgentObservedState{
		AgentVersion:       "1.0.0",
		CollectorInstalled: true,
		CollectorVersion:   "15.15",
		ConfigHash:         "abc123",
	}, now)
	require.NoError(t, err)

	require.Len(t, claimed, 2)
	assert.Equal(t, "cmd-1", claimed[0].CommandID)
	assert.Equal(t, "cmd-3", claimed[1].CommandID)
	for _, c := range claimed {
		assert.False(t, c.SentAt.IsZero())
	}

	// A second heartbeat claims nothing.
	claimed, err = s.ProcessHeartbeat(host.ID, nil, time.Now())
	require.NoError(t, err)
	assert.Empty(t, claimed)

	got, err := s.GetHost(host.ID)
	require.NoError(t, err)
	assert.Equal(t, "15.15", got.CollectorVersion)
	assert.Equal(t, types.ScanStatusOnline, got.LastScanStatus)
	assert.False(t, got.AgentLastHeartbeat.IsZero())
}

func TestApplyScanResultPreservesConcurrentHeartbeat(t *testing.T) {
	s := newTestStore(t)

	host, _, err := s.RegisterOrUpdateAgent(AgentRegistration{
		AgentID: "agent-scan", Hostname: "WS-420", CandidateToken: "t", Now: time.Now(),
	})
	require.NoError(t, err)

	// Heartbeat lands after the scanner took its snapshot of the host.
	_, err = s.ProcessHeartbeat(host.ID, &types.AgentObservedState{
		CollectorInstalled: true, CollectorVersion: "15.15", ConfigHash: "abc",
	}, time.Now())
	require.NoError(t, err)

	require.NoError(t, s.ApplyScanResult(host.ID, ScanObservation{At: time.Now()}))

	got, err := s.GetHost(host.ID)
	require.NoError(t, err)
	assert.False(t, got.AgentLastHeartbeat.IsZero(), "scan must not erase the heartbeat")
	assert.Equal(t, "15.15", got.CollectorVersion)
	assert.Equal(t, types.ScanStatusOnline, got.LastScanStatus, "recent heartbeat wins over the stale snapshot")
	assert.False(t, got.LastScanAt.IsZero())
}

func TestProcessHeartbeatClearsCollectorStateWhenUninstalled(t *testing.T) {
	s := newTestStore(t)

	host, _, err := s.RegisterOrUpdateAgent(AgentRegistration{
		AgentID: "agent-u", Hostname: "WS-410", CandidateToken: "t", Now: time.Now(),
	})
	require.NoError(t, err)

	_, err = s.ProcessHeartbeat(host.ID, &types.AgentObservedState{
		CollectorInstalled: true, CollectorVersion: "15.0", ConfigHash: "h1",
	}, time.Now())
	require.NoError(t, err)

	_, err = s.ProcessHeartbeat(host.ID, &types.AgentObservedState{
		CollectorInstalled: false,
	}, time.Now())
	require.NoError(t, err)

	got, err := s.GetHost(host.ID)
	require.NoError(t, err)
	assert.Empty(t, got.CollectorVersion)
	assert.Empty(t, got.ConfigHash)
}

func TestCompleteCommandIdempotent(t *testing.T) {
	s := newTestStore(t)

	host, _, err := s.RegisterOrUpdateAgent(AgentRegistration{
		AgentID: "agent-c", Hostname: "WS-500", CandidateToken: "t", Now: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, s.EnqueueCommand(&types.PendingCommand{
		CommandID: "cmd-once", HostID: host.ID, Type: types.CmdRestartCollector, CreatedAt: time.Now(),
	}))

	first, err := s.CompleteCommand(host.ID, "cmd-once", types.CommandSuccess, "restarted", nil, time.Now())
	require.NoError(t, err)
	assert.False(t, first.AlreadyDone)
	assert.Equal(t, "WS-500", first.Hostname)

	// Retried delivery of the same result is accepted and ignored.
	second, err := s.CompleteCommand(host.ID, "cmd-once", types.CommandFailed, "different", nil, time.Now())
	require.NoError(t, err)
	assert.True(t, second.AlreadyDone)

	cmd, err := s.GetCommandByCommandID("cmd-once")
	require.NoError(t, err)
	assert.Equal(t, types.CommandSuccess, cmd.ResultStatus)
	assert.Equal(t, "restarted", cmd.ResultMessage)
}

func TestCompleteCommandWrongHost(t *testing.T) {
	s := newTestStore(t)

	host, _, err := s.RegisterOrUpdateAgent(AgentRegistration{
		AgentID: "agent-a", Hostname: "WS-510", CandidateToken: "t", Now: time.Now(),
	})
	require.NoError(t, err)
	intruder, _, err := s.RegisterOrUpdateAgent(AgentRegistration{
		AgentID: "agent-b", Hostname: "WS-511", CandidateToken: "t2", Now: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, s.EnqueueCommand(&types.PendingCommand{
		CommandID: "cmd-own", HostID: host.ID, Type: types.CmdGetStatus, CreatedAt: time.Now(),
	}))

	_, err = s.CompleteCommand(intruder.ID, "cmd-own", types.CommandSuccess, "", nil, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompleteCommandFinalizesJob(t *testing.T) {
	s := newTestStore(t)

	h1, _, err := s.RegisterOrUpdateAgent(AgentRegistration{
		AgentID: "agent-1", Hostname: "WS-600", CandidateToken: "t", Now: time.Now(),
	})
	require.NoError(t, err)
	h2, _, err := s.RegisterOrUpdateAgent(AgentRegistration{
		AgentID: "agent-2", Hostname: "WS-601", CandidateToken: "t", Now: time.Now(),
	})
	require.NoError(t, err)

	job := &types.DeploymentJob{
		Operation: types.OpInstall,
		StartedBy: "admin",
		StartedAt: time.Now(),
	}
	require.NoError(t, s.StartDeployment(job, []*types.Host{h1, h2}))
	require.NoError(t, s.MarkJobRunning(job.ID))

	for i, h := range []*types.Host{h1, h2} {
		require.NoError(t, s.EnqueueCommand(&types.PendingCommand{
			CommandID: []string{"jc-1", "jc-2"}[i],
			HostID:    h.ID,
			Type:      types.CmdInstallCollector,
			JobID:     job.ID,
			CreatedAt: time.Now(),
		}))
	}

	c1, err := s.CompleteCommand(h1.ID, "jc-1", types.CommandSuccess, "installed", nil, time.Now())
	require.NoError(t, err)
	assert.False(t, c1.JobFinished)
	assert.Equal(t, 1, c1.CompletedResults)
	assert.Equal(t, 2, c1.TotalResults)

	c2, err := s.CompleteCommand(h2.ID, "jc-2", types.CommandFailed, "access denied", nil, time.Now())
	require.NoError(t, err)
	assert.True(t, c2.JobFinished)
	assert.Equal(t, types.JobStatusCompletedWithErrors, c2.JobStatus)

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompletedWithErrors, got.Status)
	assert.False(t, got.CompletedAt.IsZero())

	results, err := s.ListResults(job.ID)
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestStartDeploymentEmptyTargets(t *testing.T) {
	s := newTestStore(t)

	job := &types.DeploymentJob{Operation: types.OpUninstall, StartedAt: time.Now()}
	require.NoError(t, s.StartDeployment(job, nil))

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, got.Status)
	assert.False(t, got.CompletedAt.IsZero())

	results, err := s.ListResults(job.ID)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestUpdateResultNeverDowngradesTerminalJob(t *testing.T) {
	s := newTestStore(t)

	h := testHost("WS-700")
	require.NoError(t, s.CreateHost(h))

	job := &types.DeploymentJob{Operation: types.OpUpdateConfig, StartedAt: time.Now()}
	require.NoError(t, s.StartDeployment(job, []*types.Host{h}))
	require.NoError(t, s.CancelJob(job.ID, time.Now()))

	status, finished, err := s.UpdateResult(job.ID, h.ID, true, "late arrival", time.Now())
	require.NoError(t, err)
	assert.False(t, finished)
	assert.Equal(t, types.JobStatusCancelled, status)

	got, err := s.GetJob(job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCancelled, got.Status)

	// The late result itself is still recorded.
	results, err := s.ListResults(job.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, "late arrival", results[0].Message)
}

func TestPromoteSchedule(t *testing.T) {
	s := newTestStore(t)

	h := testHost("WS-800")
	require.NoError(t, s.CreateHost(h))

	sd := &types.ScheduledDeployment{
		Operation:     types.OpInstall,
		ScheduledAt:   time.Now().Add(-time.Minute),
		CreatedBy:     "admin",
		CreatedAt:     time.Now(),
		TargetHostIDs: []uint64{h.ID},
	}
	require.NoError(t, s.CreateSchedule(sd))

	due, err := s.DueSchedules(time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)

	job, err := s.PromoteSchedule(sd.ID, time.Now())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, types.OpInstall, job.Operation)
	assert.Equal(t, "admin", job.StartedBy)

	got, err := s.GetSchedule(sd.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ScheduleStatusRunning, got.Status)
	assert.Equal(t, job.ID, got.JobID)

	// A running schedule cannot be promoted again.
	_, err = s.PromoteSchedule(sd.ID, time.Now())
	assert.Error(t, err)

	due, err = s.DueSchedules(time.Now())
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestPromoteScheduleNoTargets(t *testing.T) {
	s := newTestStore(t)

	sd := &types.ScheduledDeployment{
		Operation:     types.OpInstall,
		ScheduledAt:   time.Now().Add(-time.Minute),
		CreatedAt:     time.Now(),
		TargetHostIDs: []uint64{999},
	}
	require.NoError(t, s.CreateSchedule(sd))

	_, err := s.PromoteSchedule(sd.ID, time.Now())
	assert.True(t, errors.Is(err, ErrNoTargets))

	got, err := s.GetSchedule(sd.ID)
	require.NoError(t, err)
	assert.Equal(t, types.ScheduleStatusFailed, got.Status)
}

func TestCancelScheduleOnlyPending(t *testing.T) {
	s := newTestStore(t)

	sd := &types.ScheduledDeployment{
		Operation:   types.OpUninstall,
		ScheduledAt: time.Now().Add(time.Hour),
		CreatedAt:   time.Now(),
	}
	require.NoError(t, s.CreateSchedule(sd))
	require.NoError(t, s.CancelSchedule(sd.ID))

	err := s.CancelSchedule(sd.ID)
	assert.Error(t, err, "cancelled schedule cannot be cancelled again")
}

func TestEnqueueCommandDuplicateCommandID(t *testing.T) {
	s := newTestStore(t)

	h := testHost("WS-900")
	require.NoError(t, s.CreateHost(h))

	cmd := &types.PendingCommand{CommandID: "dup", HostID: h.ID, Type: types.CmdGetStatus, CreatedAt: time.Now()}
	require.NoError(t, s.EnqueueCommand(cmd))

	err := s.EnqueueCommand(&types.PendingCommand{CommandID: "dup", HostID: h.ID, Type: types.CmdGetStatus})
	assert.ErrorIs(t, err, ErrConflict)
}

func TestPurgeTerminalCommands(t *testing.T) {
	s := newTestStore(t)

	h, _, err := s.RegisterOrUpdateAgent(AgentRegistration{
		AgentID: "agent-p", Hostname: "WS-910", CandidateToken: "t", Now: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, s.EnqueueCommand(&types.PendingCommand{
		CommandID: "old-done", HostID: h.ID, Type: types.CmdGetStatus, CreatedAt: time.Now(),
	}))
	require.NoError(t, s.EnqueueCommand(&types.PendingCommand{
		CommandID: "still-pending", HostID: h.ID, Type: types.CmdGetStatus, CreatedAt: time.Now(),
	}))
	_, err = s.CompleteCommand(h.ID, "old-done", types.CommandSuccess, "", nil, time.Now().Add(-48*time.Hour))
	require.NoError(t, err)

	purged, err := s.PurgeTerminalCommands(time.Now().Add(-24 * time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	_, err = s.GetCommandByCommandID("old-done")
	assert.ErrorIs(t, err, ErrNotFound)

	cmds, err := s.ListCommandsByHost(h.ID)
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, "still-pending", cmds[0].CommandID)
}

func TestConfigByHash(t *testing.T) {
	s := newTestStore(t)

	cfg := &types.CollectorConfig{
		Filename:    "baseline.xml",
		Content:     []byte("<Sysmon/>"),
		ContentHash: "deadbeef",
		Valid:       true,
		UploadedAt:  time.Now(),
	}
	require.NoError(t, s.CreateConfig(cfg))

	got, err := s.GetConfigByHash("deadbeef")
	require.NoError(t, err)
	assert.Equal(t, cfg.ID, got.ID)

	_, err = s.GetConfigByHash("cafebabe")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNoiseRunLifecycle(t *testing.T) {
	s := newTestStore(t)

	h := testHost("WS-950")
	require.NoError(t, s.CreateHost(h))

	run := &types.NoiseAnalysisRun{HostID: h.ID, TimeRangeHours: 24, TotalEvents: 5000, AnalyzedAt: time.Now()}
	results := []*types.NoiseResult{
		{EventID: 1, GroupingKey: `C:\Program Files\Agent\agent.exe`, EventCount: 3100, NoiseScore: 0.775},
		{EventID: 3, GroupingKey: `svchost.exe -> 10.0.0.5:443`, EventCount: 900, NoiseScore: 0.4},
	}
	require.NoError(t, s.CreateNoiseRun(run, results))

	runs, err := s.ListNoiseRuns(h.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	got, err := s.ListNoiseResults(run.ID)
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, r := range got {
		assert.Equal(t, run.ID, r.RunID)
	}

	require.NoError(t, s.DeleteNoiseRun(run.ID))
	got, err = s.ListNoiseResults(run.ID)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestListAuditNewestFirst(t *testing.T) {
	s := newTestStore(t)

	for _, action := range []types.AuditAction{types.AuditConfigUpload, types.AuditDeploymentStart, types.AuditDeploymentCancel} {
		require.NoError(t, s.AppendAudit(&types.AuditEntry{
			Timestamp: time.Now(),
			User:      "admin",
			Action:    action,
		}))
	}

	entries, err := s.ListAudit(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, types.AuditDeploymentCancel, entries[0].Action)
	assert.Equal(t, types.AuditDeploymentStart, entries[1].Action)
}

func TestReopenPreservesData(t *testing.T) {
	dir := t.TempDir()

	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	h := testHost("WS-990")
	require.NoError(t, s.CreateHost(h))
	require.NoError(t, s.Close())

	s2, err := NewBoltStore(dir)
	require.NoError(t, err)
	defer s2.Close()

	got, err := s2.GetHostByHostname("ws-990")
	require.NoError(t, err)
	assert.Equal(t, h.ID, got.ID)
}
