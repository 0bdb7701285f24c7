package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sentinelops/scp/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketHosts        = []byte("hosts")
	bucketConfigs      = []byte("configs")
	bucketJobs         = []byte("jobs")
	bucketResults      = []byte("results")
	bucketCommands     = []byte("commands")
	bucketSchedules    = []byte("schedules")
	bucketNoiseRuns    = []byte("noise_runs")
	bucketNoiseResults = []byte("noise_results")
	bucketAudit        = []byte("audit")
	bucketMeta         = []byte("meta")

	// Secondary indexes
	bucketHostByName  = []byte("idx_host_hostname")
	bucketHostByAgent = []byte("idx_host_agent")
	bucketCmdByCmdID  = []byte("idx_cmd_command")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database and applies pending migrations
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "scp.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func btoi(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func resultKey(jobID, hostID uint64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[:8], jobID)
	binary.BigEndian.PutUint64(k[8:], hostID)
	return k
}

func hostnameKey(hostname string) []byte {
	return []byte(strings.ToLower(hostname))
}

// --- Hosts ---

func putHost(tx *bolt.Tx, h *types.Host) error {
	h.LastSeen = h.LastSeen.UTC()
	h.CreatedAt = h.CreatedAt.UTC()
	data, err := json.Marshal(h)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketHosts).Put(itob(h.ID), data)
}

func getHost(tx *bolt.Tx, id uint64) (*types.Host, error) {
	data := tx.Bucket(bucketHosts).Get(itob(id))
	if data == nil {
		return nil, fmt.Errorf("host %d: %w", id, ErrNotFound)
	}
	var h types.Host
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

func getHostByHostname(tx *bolt.Tx, hostname string) (*types.Host, error) {
	idb := tx.Bucket(bucketHostByName).Get(hostnameKey(hostname))
	if idb == nil {
		return nil, fmt.Errorf("host %q: %w", hostname, ErrNotFound)
	}
	return getHost(tx, btoi(idb))
}

func getHostByAgentID(tx *bolt.Tx, agentID string) (*types.Host, error) {
	idb := tx.Bucket(bucketHostByAgent).Get([]byte(agentID))
	if idb == nil {
		return nil, fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
	}
	return getHost(tx, btoi(idb))
}

func indexHost(tx *bolt.Tx, h *types.Host) error {
	if err := tx.Bucket(bucketHostByName).Put(hostnameKey(h.Hostname), itob(h.ID)); err != nil {
		return err
	}
	if h.AgentID != "" {
		return tx.Bucket(bucketHostByAgent).Put([]byte(h.AgentID), itob(h.ID))
	}
	return nil
}

// CreateHost inserts a host, enforcing hostname uniqueness
func (s *BoltStore) CreateHost(h *types.Host) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if existing := tx.Bucket(bucketHostByName).Get(hostnameKey(h.Hostname)); existing != nil {
			return fmt.Errorf("hostname %q: %w", h.Hostname, ErrConflict)
		}
		id, err := tx.Bucket(bucketHosts).NextSequence()
		if err != nil {
			return err
		}
		h.ID = id
		if err := putHost(tx, h); err != nil {
			return err
		}
		return indexHost(tx, h)
	})
}

func (s *BoltStore) GetHost(id uint64) (*types.Host, error) {
	var h *types.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		h, err = getHost(tx, id)
		return err
	})
	return h, err
}

func (s *BoltStore) GetHostByHostname(hostname string) (*types.Host, error) {
	var h *types.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		h, err = getHostByHostname(tx, hostname)
		return err
	})
	return h, err
}

func (s *BoltStore) GetHostByAgentID(agentID string) (*types.Host, error) {
	var h *types.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		h, err = getHostByAgentID(tx, agentID)
		return err
	})
	return h, err
}

func (s *BoltStore) ListHosts() ([]*types.Host, error) {
	var hosts []*types.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHosts).ForEach(func(k, v []byte) error {
			var h types.Host
			if err := json.Unmarshal(v, &h); err != nil {
				return err
			}
			hosts = append(hosts, &h)
			return nil
		})
	})
	return hosts, err
}

// UpdateHost rewrites a host row and keeps the indexes consistent
func (s *BoltStore) UpdateHost(h *types.Host) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		old, err := getHost(tx, h.ID)
		if err != nil {
			return err
		}
		if !strings.EqualFold(old.Hostname, h.Hostname) {
			if existing := tx.Bucket(bucketHostByName).Get(hostnameKey(h.Hostname)); existing != nil && btoi(existing) != h.ID {
				return fmt.Errorf("hostname %q: %w", h.Hostname, ErrConflict)
			}
			if err := tx.Bucket(bucketHostByName).Delete(hostnameKey(old.Hostname)); err != nil {
				return err
			}
		}
		if old.AgentID != "" && old.AgentID != h.AgentID {
			if err := tx.Bucket(bucketHostByAgent).Delete([]byte(old.AgentID)); err != nil {
				return err
			}
		}
		if err := putHost(tx, h); err != nil {
			return err
		}
		return indexHost(tx, h)
	})
}

// ApplyScanResult merges one probe observation into the current row. Only
// scan-owned fields are written; a heartbeat committed between the probe and
// this transaction is preserved, because the merge reads the row fresh.
func (s *BoltStore) ApplyScanResult(hostID uint64, obs ScanObservation) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		h, err := getHost(tx, hostID)
		if err != nil {
			return err
		}
		at := obs.At.UTC()
		h.LastScanAt = at

		if h.AgentManaged {
			if !h.AgentLastHeartbeat.IsZero() && at.Sub(h.AgentLastHeartbeat) < types.AgentOnlineWindow {
				h.LastScanStatus = types.ScanStatusOnline
			} else {
				h.LastScanStatus = types.ScanStatusOffline
			}
			return putHost(tx, h)
		}

		if !obs.Online {
			h.LastScanStatus = types.ScanStatusOffline
			return putHost(tx, h)
		}
		h.LastScanStatus = types.ScanStatusOnline
		if obs.Installed {
			h.CollectorPath = obs.Path
			h.CollectorVersion = obs.Version
			h.ConfigHash = obs.ConfigHash
			h.ConfigTag = obs.ConfigTag
		} else {
			h.CollectorPath = ""
			h.CollectorVersion = ""
			h.ConfigHash = ""
			h.ConfigTag = ""
		}
		return putHost(tx, h)
	})
}

// --- Agent protocol ---

// RegisterOrUpdateAgent implements the registration semantics: adopt an
// existing push-managed host by hostname, re-register an already known agent
// (reusing its token), or create a new host.
func (s *BoltStore) RegisterOrUpdateAgent(reg AgentRegistration) (*types.Host, bool, error) {
	var host *types.Host
	var created bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		now := reg.Now.UTC()

		if h, err := getHostByAgentID(tx, reg.AgentID); err == nil {
			// Re-registration: refresh identity fields, keep the token so
			// a retried register never strands the agent.
			if !strings.EqualFold(h.Hostname, reg.Hostname) {
				if existing := tx.Bucket(bucketHostByName).Get(hostnameKey(reg.Hostname)); existing != nil && btoi(existing) != h.ID {
					return fmt.Errorf("hostname %q: %w", reg.Hostname, ErrConflict)
				}
				if err := tx.Bucket(bucketHostByName).Delete(hostnameKey(h.Hostname)); err != nil {
					return err
				}
				h.Hostname = reg.Hostname
			}
			h.OS = reg.OS
			h.AgentVersion = reg.AgentVersion
			h.AgentTags = reg.Tags
			h.LastSeen = now
			if err := putHost(tx, h); err != nil {
				return err
			}
			if err := indexHost(tx, h); err != nil {
				return err
			}
			host = h
			return nil
		}

		if h, err := getHostByHostname(tx, reg.Hostname); err == nil {
			// Only a push-managed row can be adopted; a hostname already
			// owned by another agent is a conflict.
			if h.AgentManaged {
				return fmt.Errorf("hostname %q is registered to another agent: %w", reg.Hostname, ErrConflict)
			}
			if h.AgentID != "" && h.AgentID != reg.AgentID {
				if err := tx.Bucket(bucketHostByAgent).Delete([]byte(h.AgentID)); err != nil {
					return err
				}
			}
			h.AgentManaged = true
			h.AgentID = reg.AgentID
			h.AgentAuthToken = reg.CandidateToken
			h.OS = reg.OS
			h.AgentVersion = reg.AgentVersion
			h.AgentTags = reg.Tags
			h.LastSeen = now
			if err := putHost(tx, h); err != nil {
				return err
			}
			if err := indexHost(tx, h); err != nil {
				return err
			}
			host = h
			return nil
		}

		id, err := tx.Bucket(bucketHosts).NextSequence()
		if err != nil {
			return err
		}
		h := &types.Host{
			ID:             id,
			Hostname:       reg.Hostname,
			OS:             reg.OS,
			LastSeen:       now,
			AgentManaged:   true,
			AgentID:        reg.AgentID,
			AgentAuthToken: reg.CandidateToken,
			AgentVersion:   reg.AgentVersion,
			AgentTags:      reg.Tags,
			CreatedAt:      now,
		}
		if err := putHost(tx, h); err != nil {
			return err
		}
		if err := indexHost(tx, h); err != nil {
			return err
		}
		host = h
		created = true
		return nil
	})
	return host, created, err
}

// ProcessHeartbeat updates observed state and claims unsent commands FIFO
func (s *BoltStore) ProcessHeartbeat(hostID uint64, observed *types.AgentObservedState, now time.Time) ([]*types.PendingCommand, error) {
	var claimed []*types.PendingCommand
	err := s.db.Update(func(tx *bolt.Tx) error {
		h, err := getHost(tx, hostID)
		if err != nil {
			return err
		}
		now = now.UTC()
		h.AgentLastHeartbeat = now
		h.LastSeen = now
		h.LastScanStatus = types.ScanStatusOnline
		if observed != nil {
			h.AgentVersion = observed.AgentVersion
			h.OS = observed.OperatingSystem
			if observed.CollectorInstalled {
				h.CollectorVersion = observed.CollectorVersion
				h.CollectorPath = observed.CollectorPath
				h.ConfigHash = observed.ConfigHash
			} else {
				h.CollectorVersion = ""
				h.CollectorPath = ""
				h.ConfigHash = ""
				h.ConfigTag = ""
			}
		}
		if err := putHost(tx, h); err != nil {
			return err
		}

		// Bucket keys ascend with creation order, so a forward cursor walk
		// yields per-host FIFO delivery.
		b := tx.Bucket(bucketCommands)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var cmd types.PendingCommand
			if err := json.Unmarshal(v, &cmd); err != nil {
				return err
			}
			if cmd.HostID != hostID || !cmd.SentAt.IsZero() {
				continue
			}
			cmd.SentAt = now
			data, err := json.Marshal(&cmd)
			if err != nil {
				return err
			}
			if err := b.Put(k, data); err != nil {
				return err
			}
			claimed = append(claimed, &cmd)
		}
		return nil
	})
	return claimed, err
}

// CompleteCommand records the agent result and updates the linked deployment
// result, finalizing the job when this was the last outstanding host.
func (s *BoltStore) CompleteCommand(hostID uint64, commandID string, status types.CommandStatus, message string, payload []byte, now time.Time) (*CommandCompletion, error) {
	completion := &CommandCompletion{}
	err := s.db.Update(func(tx *bolt.Tx) error {
		idb := tx.Bucket(bucketCmdByCmdID).Get([]byte(commandID))
		if idb == nil {
			return fmt.Errorf("command %q: %w", commandID, ErrNotFound)
		}
		b := tx.Bucket(bucketCommands)
		data := b.Get(idb)
		if data == nil {
			return fmt.Errorf("command %q: %w", commandID, ErrNotFound)
		}
		var cmd types.PendingCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			return err
		}
		if cmd.HostID != hostID {
			// The authenticated host does not own this command.
			return fmt.Errorf("command %q: %w", commandID, ErrNotFound)
		}
		completion.Command = &cmd
		if h, err := getHost(tx, hostID); err == nil {
			completion.Hostname = h.Hostname
		}
		if cmd.Terminal() {
			completion.AlreadyDone = true
			return nil
		}

		now = now.UTC()
		cmd.CompletedAt = now
		cmd.ResultStatus = status
		cmd.ResultMessage = message
		cmd.ResultPayload = payload
		out, err := json.Marshal(&cmd)
		if err != nil {
			return err
		}
		if err := b.Put(idb, out); err != nil {
			return err
		}

		if cmd.JobID == 0 {
			return nil
		}
		completion.JobID = cmd.JobID
		st, finished, completed, total, err := updateResult(tx, cmd.JobID, hostID, status == types.CommandSuccess, message, now)
		if err != nil {
			return err
		}
		completion.JobStatus = st
		completion.JobFinished = finished
		completion.CompletedResults = completed
		completion.TotalResults = total
		return nil
	})
	if err != nil {
		return nil, err
	}
	return completion, nil
}

// --- Commands ---

func (s *BoltStore) EnqueueCommand(cmd *types.PendingCommand) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if existing := tx.Bucket(bucketCmdByCmdID).Get([]byte(cmd.CommandID)); existing != nil {
			return fmt.Errorf("command %q: %w", cmd.CommandID, ErrConflict)
		}
		id, err := tx.Bucket(bucketCommands).NextSequence()
		if err != nil {
			return err
		}
		cmd.ID = id
		cmd.CreatedAt = cmd.CreatedAt.UTC()
		data, err := json.Marshal(cmd)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketCommands).Put(itob(id), data); err != nil {
			return err
		}
		return tx.Bucket(bucketCmdByCmdID).Put([]byte(cmd.CommandID), itob(id))
	})
}

func (s *BoltStore) GetCommandByCommandID(commandID string) (*types.PendingCommand, error) {
	var cmd *types.PendingCommand
	err := s.db.View(func(tx *bolt.Tx) error {
		idb := tx.Bucket(bucketCmdByCmdID).Get([]byte(commandID))
		if idb == nil {
			return fmt.Errorf("command %q: %w", commandID, ErrNotFound)
		}
		data := tx.Bucket(bucketCommands).Get(idb)
		if data == nil {
			return fmt.Errorf("command %q: %w", commandID, ErrNotFound)
		}
		var c types.PendingCommand
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		cmd = &c
		return nil
	})
	return cmd, err
}

func (s *BoltStore) ListCommandsByHost(hostID uint64) ([]*types.PendingCommand, error) {
	var cmds []*types.PendingCommand
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCommands).ForEach(func(k, v []byte) error {
			var c types.PendingCommand
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.HostID == hostID {
				cmds = append(cmds, &c)
			}
			return nil
		})
	})
	return cmds, err
}

// PurgeTerminalCommands removes terminal commands older than the retention cutoff
func (s *BoltStore) PurgeTerminalCommands(olderThan time.Time) (int, error) {
	purged := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketCommands)
		idx := tx.Bucket(bucketCmdByCmdID)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var cmd types.PendingCommand
			if err := json.Unmarshal(v, &cmd); err != nil {
				return err
			}
			if !cmd.Terminal() || cmd.CompletedAt.After(olderThan) {
				continue
			}
			if err := c.Delete(); err != nil {
				return err
			}
			if err := idx.Delete([]byte(cmd.CommandID)); err != nil {
				return err
			}
			purged++
		}
		return nil
	})
	return purged, err
}

// --- Collector configs ---

func (s *BoltStore) CreateConfig(cfg *types.CollectorConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		id, err := tx.Bucket(bucketConfigs).NextSequence()
		if err != nil {
			return err
		}
		cfg.ID = id
		cfg.UploadedAt = cfg.UploadedAt.UTC()
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketConfigs).Put(itob(id), data)
	})
}

func (s *BoltStore) GetConfig(id uint64) (*types.CollectorConfig, error) {
	var cfg types.CollectorConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketConfigs).Get(itob(id))
		if data == nil {
			return fmt.Errorf("config %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &cfg)
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (s *BoltStore) GetConfigByHash(hash string) (*types.CollectorConfig, error) {
	var found *types.CollectorConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConfigs).ForEach(func(k, v []byte) error {
			var cfg types.CollectorConfig
			if err := json.Unmarshal(v, &cfg); err != nil {
				return err
			}
			if cfg.ContentHash == hash {
				found = &cfg
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("config hash %s: %w", hash, ErrNotFound)
	}
	return found, nil
}

func (s *BoltStore) ListConfigs() ([]*types.CollectorConfig, error) {
	var cfgs []*types.CollectorConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConfigs).ForEach(func(k, v []byte) error {
			var cfg types.CollectorConfig
			if err := json.Unmarshal(v, &cfg); err != nil {
				return err
			}
			cfgs = append(cfgs, &cfg)
			return nil
		})
	})
	return cfgs, err
}

func (s *BoltStore) DeleteConfig(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketConfigs).Delete(itob(id))
	})
}

// --- Deployment jobs ---

func putJob(tx *bolt.Tx, j *types.DeploymentJob) error {
	data, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketJobs).Put(itob(j.ID), data)
}

func getJob(tx *bolt.Tx, id uint64) (*types.DeploymentJob, error) {
	data := tx.Bucket(bucketJobs).Get(itob(id))
	if data == nil {
		return nil, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	var j types.DeploymentJob
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

func startDeployment(tx *bolt.Tx, job *types.DeploymentJob, targets []*types.Host) error {
	id, err := tx.Bucket(bucketJobs).NextSequence()
	if err != nil {
		return err
	}
	job.ID = id
	job.StartedAt = job.StartedAt.UTC()
	if len(targets) == 0 {
		// A job with no targets is immediately terminal.
		job.Status = types.JobStatusCompleted
		job.CompletedAt = job.StartedAt
		return putJob(tx, job)
	}
	if job.Status == "" {
		job.Status = types.JobStatusPending
	}
	if err := putJob(tx, job); err != nil {
		return err
	}
	rb := tx.Bucket(bucketResults)
	for _, h := range targets {
		r := &types.DeploymentResult{
			JobID:    job.ID,
			HostID:   h.ID,
			Hostname: h.Hostname,
			Message:  "Pending",
		}
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		if err := rb.Put(resultKey(job.ID, h.ID), data); err != nil {
			return err
		}
	}
	return nil
}

// StartDeployment creates a job with one pending result per target host
func (s *BoltStore) StartDeployment(job *types.DeploymentJob, targets []*types.Host) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return startDeployment(tx, job, targets)
	})
}

func (s *BoltStore) GetJob(id uint64) (*types.DeploymentJob, error) {
	var j *types.DeploymentJob
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		j, err = getJob(tx, id)
		return err
	})
	return j, err
}

func (s *BoltStore) ListJobs() ([]*types.DeploymentJob, error) {
	var jobs []*types.DeploymentJob
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var j types.DeploymentJob
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			jobs = append(jobs, &j)
			return nil
		})
	})
	return jobs, err
}

func (s *BoltStore) MarkJobRunning(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		j, err := getJob(tx, id)
		if err != nil {
			return err
		}
		if j.Status != types.JobStatusPending {
			return nil
		}
		j.Status = types.JobStatusRunning
		return putJob(tx, j)
	})
}

func (s *BoltStore) CancelJob(id uint64, now time.Time) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		j, err := getJob(tx, id)
		if err != nil {
			return err
		}
		if j.Status.Terminal() {
			return nil
		}
		j.Status = types.JobStatusCancelled
		j.CompletedAt = now.UTC()
		return putJob(tx, j)
	})
}

func updateResult(tx *bolt.Tx, jobID, hostID uint64, success bool, message string, now time.Time) (types.JobStatus, bool, int, int, error) {
	rb := tx.Bucket(bucketResults)
	key := resultKey(jobID, hostID)
	data := rb.Get(key)
	if data == nil {
		return "", false, 0, 0, fmt.Errorf("result job=%d host=%d: %w", jobID, hostID, ErrNotFound)
	}
	var r types.DeploymentResult
	if err := json.Unmarshal(data, &r); err != nil {
		return "", false, 0, 0, err
	}
	r.Success = success
	r.Message = message
	r.CompletedAt = now.UTC()
	out, err := json.Marshal(&r)
	if err != nil {
		return "", false, 0, 0, err
	}
	if err := rb.Put(key, out); err != nil {
		return "", false, 0, 0, err
	}

	// Count outstanding results for this job.
	completed, total := 0, 0
	allOK := true
	c := rb.Cursor()
	prefix := itob(jobID)
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var rr types.DeploymentResult
		if err := json.Unmarshal(v, &rr); err != nil {
			return "", false, 0, 0, err
		}
		total++
		if !rr.CompletedAt.IsZero() {
			completed++
			if !rr.Success {
				allOK = false
			}
		}
	}

	j, err := getJob(tx, jobID)
	if err != nil {
		return "", false, 0, 0, err
	}
	if completed < total || j.Status.Terminal() {
		// Late results after cancellation or timeout never downgrade a
		// terminal job.
		return j.Status, false, completed, total, nil
	}
	if allOK {
		j.Status = types.JobStatusCompleted
	} else {
		j.Status = types.JobStatusCompletedWithErrors
	}
	j.CompletedAt = now.UTC()
	if err := putJob(tx, j); err != nil {
		return "", false, 0, 0, err
	}
	return j.Status, true, completed, total, nil
}

func (s *BoltStore) UpdateResult(jobID, hostID uint64, success bool, message string, now time.Time) (types.JobStatus, bool, error) {
	var status types.JobStatus
	var finished bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		status, finished, _, _, err = updateResult(tx, jobID, hostID, success, message, now)
		return err
	})
	return status, finished, err
}

func (s *BoltStore) ListResults(jobID uint64) ([]*types.DeploymentResult, error) {
	var results []*types.DeploymentResult
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketResults).Cursor()
		prefix := itob(jobID)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var r types.DeploymentResult
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			results = append(results, &r)
		}
		return nil
	})
	return results, err
}

// --- Scheduled deployments ---

func putSchedule(tx *bolt.Tx, sd *types.ScheduledDeployment) error {
	data, err := json.Marshal(sd)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketSchedules).Put(itob(sd.ID), data)
}

func getSchedule(tx *bolt.Tx, id uint64) (*types.ScheduledDeployment, error) {
	data := tx.Bucket(bucketSchedules).Get(itob(id))
	if data == nil {
		return nil, fmt.Errorf("schedule %d: %w", id, ErrNotFound)
	}
	var sd types.ScheduledDeployment
	if err := json.Unmarshal(data, &sd); err != nil {
		return nil, err
	}
	return &sd, nil
}

func (s *BoltStore) CreateSchedule(sd *types.ScheduledDeployment) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		id, err := tx.Bucket(bucketSchedules).NextSequence()
		if err != nil {
			return err
		}
		sd.ID = id
		sd.ScheduledAt = sd.ScheduledAt.UTC()
		sd.CreatedAt = sd.CreatedAt.UTC()
		if sd.Status == "" {
			sd.Status = types.ScheduleStatusPending
		}
		return putSchedule(tx, sd)
	})
}

func (s *BoltStore) GetSchedule(id uint64) (*types.ScheduledDeployment, error) {
	var sd *types.ScheduledDeployment
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		sd, err = getSchedule(tx, id)
		return err
	})
	return sd, err
}

func (s *BoltStore) ListSchedules() ([]*types.ScheduledDeployment, error) {
	var sds []*types.ScheduledDeployment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			var sd types.ScheduledDeployment
			if err := json.Unmarshal(v, &sd); err != nil {
				return err
			}
			sds = append(sds, &sd)
			return nil
		})
	})
	return sds, err
}

func (s *BoltStore) CancelSchedule(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		sd, err := getSchedule(tx, id)
		if err != nil {
			return err
		}
		if sd.Status != types.ScheduleStatusPending {
			return fmt.Errorf("schedule %d is %s, not pending", id, sd.Status)
		}
		sd.Status = types.ScheduleStatusCancelled
		return putSchedule(tx, sd)
	})
}

func (s *BoltStore) DueSchedules(now time.Time) ([]*types.ScheduledDeployment, error) {
	var due []*types.ScheduledDeployment
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSchedules).ForEach(func(k, v []byte) error {
			var sd types.ScheduledDeployment
			if err := json.Unmarshal(v, &sd); err != nil {
				return err
			}
			if sd.Status == types.ScheduleStatusPending && !sd.ScheduledAt.After(now.UTC()) {
				due = append(due, &sd)
			}
			return nil
		})
	})
	return due, err
}

// PromoteSchedule atomically turns a due schedule into a deployment job
func (s *BoltStore) PromoteSchedule(scheduleID uint64, now time.Time) (*types.DeploymentJob, error) {
	var job *types.DeploymentJob
	var noTargets bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		sd, err := getSchedule(tx, scheduleID)
		if err != nil {
			return err
		}
		if sd.Status != types.ScheduleStatusPending {
			return fmt.Errorf("schedule %d is %s, not pending", scheduleID, sd.Status)
		}

		var targets []*types.Host
		for _, hostID := range sd.TargetHostIDs {
			h, err := getHost(tx, hostID)
			if err != nil {
				continue // target removed since scheduling
			}
			targets = append(targets, h)
		}
		if len(targets) == 0 {
			// Returning an error here would roll the Failed write back, so
			// the transaction commits and the sentinel is raised after.
			noTargets = true
			sd.Status = types.ScheduleStatusFailed
			return putSchedule(tx, sd)
		}

		j := &types.DeploymentJob{
			Operation: sd.Operation,
			ConfigID:  sd.ConfigID,
			StartedBy: sd.CreatedBy,
			StartedAt: now.UTC(),
			Status:    types.JobStatusPending,
		}
		if err := startDeployment(tx, j, targets); err != nil {
			return err
		}
		sd.Status = types.ScheduleStatusRunning
		sd.JobID = j.ID
		if err := putSchedule(tx, sd); err != nil {
			return err
		}
		job = j
		return nil
	})
	if err == nil && noTargets {
		return nil, ErrNoTargets
	}
	return job, err
}

// --- Noise analysis ---

func (s *BoltStore) CreateNoiseRun(run *types.NoiseAnalysisRun, results []*types.NoiseResult) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		id, err := tx.Bucket(bucketNoiseRuns).NextSequence()
		if err != nil {
			return err
		}
		run.ID = id
		run.AnalyzedAt = run.AnalyzedAt.UTC()
		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketNoiseRuns).Put(itob(id), data); err != nil {
			return err
		}
		rb := tx.Bucket(bucketNoiseResults)
		for _, r := range results {
			rid, err := rb.NextSequence()
			if err != nil {
				return err
			}
			r.ID = rid
			r.RunID = id
			data, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := rb.Put(itob(rid), data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetNoiseRun(id uint64) (*types.NoiseAnalysisRun, error) {
	var run types.NoiseAnalysisRun
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNoiseRuns).Get(itob(id))
		if data == nil {
			return fmt.Errorf("noise run %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &run)
	})
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *BoltStore) ListNoiseRuns(hostID uint64) ([]*types.NoiseAnalysisRun, error) {
	var runs []*types.NoiseAnalysisRun
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNoiseRuns).ForEach(func(k, v []byte) error {
			var run types.NoiseAnalysisRun
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			if hostID == 0 || run.HostID == hostID {
				runs = append(runs, &run)
			}
			return nil
		})
	})
	return runs, err
}

func (s *BoltStore) ListNoiseResults(runID uint64) ([]*types.NoiseResult, error) {
	var results []*types.NoiseResult
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketNoiseResults).ForEach(func(k, v []byte) error {
			var r types.NoiseResult
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.RunID == runID {
				results = append(results, &r)
			}
			return nil
		})
	})
	return results, err
}

func (s *BoltStore) DeleteNoiseRun(id uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketNoiseRuns).Delete(itob(id)); err != nil {
			return err
		}
		rb := tx.Bucket(bucketNoiseResults)
		c := rb.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r types.NoiseResult
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.RunID == id {
				if err := c.Delete(); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// --- Audit ---

func (s *BoltStore) AppendAudit(e *types.AuditEntry) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		id, err := tx.Bucket(bucketAudit).NextSequence()
		if err != nil {
			return err
		}
		e.ID = id
		e.Timestamp = e.Timestamp.UTC()
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketAudit).Put(itob(id), data)
	})
}

// ListAudit returns the most recent entries, newest first
func (s *BoltStore) ListAudit(limit int) ([]*types.AuditEntry, error) {
	var entries []*types.AuditEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketAudit).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var e types.AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, &e)
			if limit > 0 && len(entries) >= limit {
				return nil
			}
		}
		return nil
	})
	return entries, err
}
