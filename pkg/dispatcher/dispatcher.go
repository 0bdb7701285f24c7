package dispatcher

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/sentinelops/scp/pkg/agentpolicy"
	"github.com/sentinelops/scp/pkg/audit"
	"github.com/sentinelops/scp/pkg/binarycache"
	"github.com/sentinelops/scp/pkg/events"
	"github.com/sentinelops/scp/pkg/log"
	"github.com/sentinelops/scp/pkg/metrics"
	"github.com/sentinelops/scp/pkg/options"
	"github.com/sentinelops/scp/pkg/remoteadmin"
	"github.com/sentinelops/scp/pkg/storage"
	"github.com/sentinelops/scp/pkg/types"
)

const configFileName = "sysmonconfig.xml"

// Dispatcher consumes deployment jobs and fans each one out per host with
// bounded parallelism, routing every host to its transport.
type Dispatcher struct {
	store  storage.Store
	remote remoteadmin.RemoteAdmin
	files  remoteadmin.FileTransfer
	cache  *binarycache.Cache
	broker *events.Broker
	audit  *audit.Recorder

	waiters *waiters

	jobCh    chan uint64
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a dispatcher
func New(store storage.Store, remote remoteadmin.RemoteAdmin, files remoteadmin.FileTransfer, cache *binarycache.Cache, broker *events.Broker, auditRec *audit.Recorder) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:   store,
		remote:  remote,
		files:   files,
		cache:   cache,
		broker:  broker,
		audit:   auditRec,
		waiters: newWaiters(),
		jobCh:   make(chan uint64, 100),
		stopCh:  make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start begins consuming submitted jobs
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop cancels in-flight work and waits for workers to drain
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		close(d.stopCh)
		d.cancel()
	})
	d.wg.Wait()
}

// Submit hands a job to the dispatcher
func (d *Dispatcher) Submit(jobID uint64) {
	select {
	case d.jobCh <- jobID:
	case <-d.stopCh:
	}
}

// Resolve delivers an agent-submitted outcome to the goroutine awaiting the
// command. Returns false when nothing is waiting (late result after timeout).
func (d *Dispatcher) Resolve(commandID string, status types.CommandStatus, message string, payload []byte) bool {
	return d.waiters.resolve(commandID, Outcome{Status: status, Message: message, Payload: payload})
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case jobID := <-d.jobCh:
			d.wg.Add(1)
			go func() {
				defer d.wg.Done()
				d.runJob(d.ctx, jobID)
			}()
		case <-d.stopCh:
			return
		}
	}
}

// parallelismFor picks the per-job worker bound from the target count
func parallelismFor(n int) int {
	switch {
	case n <= 10:
		return 5
	case n <= 100:
		return 20
	default:
		return 50
	}
}

func (d *Dispatcher) runJob(ctx context.Context, jobID uint64) {
	logger := log.WithJobID(jobID)

	job, err := d.store.GetJob(jobID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load job")
		return
	}
	if job.Status.Terminal() {
		return
	}
	if err := d.store.MarkJobRunning(jobID); err != nil {
		logger.Error().Err(err).Msg("Failed to mark job running")
		return
	}

	results, err := d.store.ListResults(jobID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load job results")
		return
	}
	var pending []*types.DeploymentResult
	for _, r := range results {
		if r.CompletedAt.IsZero() {
			pending = append(pending, r)
		}
	}
	total := len(results)

	var cfg *types.CollectorConfig
	if job.ConfigID != 0 {
		cfg, err = d.store.GetConfig(job.ConfigID)
		if err != nil {
			d.failAllPending(job, pending, fmt.Sprintf("configuration %d not found", job.ConfigID))
			return
		}
	}

	// The binary is resolved once per job; every host installs the same
	// version even if the cache is updated mid-job.
	var entry *binarycache.Entry
	var binary []byte
	if job.Operation == types.OpInstall {
		entry, err = d.cache.Latest()
		if err != nil {
			// Missing binary fails every pending host with the same message.
			d.failAllPending(job, pending, "collector binary cache is empty")
			return
		}
		binary, err = d.cache.Read(entry)
		if err != nil {
			d.failAllPending(job, pending, fmt.Sprintf("failed to read cached binary: %v", err))
			return
		}
	}

	d.publish(&events.Event{
		Type:    events.EventJobStarted,
		JobID:   jobID,
		Message: fmt.Sprintf("%s on %d hosts", job.Operation, total),
	})
	logger.Info().Str("operation", string(job.Operation)).Int("hosts", total).Msg("Job started")
	metrics.DeploymentsStarted.WithLabelValues(string(job.Operation)).Inc()
	started := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelismFor(len(pending)))

	cancelled := false
	for _, result := range pending {
		// Cancellation is observed before each dispatch; in-flight hosts
		// finish, remaining hosts are skipped.
		current, err := d.store.GetJob(jobID)
		if err == nil && current.Status == types.JobStatusCancelled {
			cancelled = true
			break
		}
		if gctx.Err() != nil {
			break
		}

		result := result
		g.Go(func() error {
			d.dispatchHost(gctx, job, result, cfg, entry, binary, total)
			return nil
		})
	}
	g.Wait()

	if cancelled {
		d.publish(&events.Event{
			Type:    events.EventJobCancelled,
			JobID:   jobID,
			Message: "job cancelled",
		})
		logger.Info().Msg("Job cancelled")
		return
	}

	final, err := d.store.GetJob(jobID)
	if err == nil && final.Status.Terminal() && final.Status != types.JobStatusCancelled {
		metrics.DeploymentDuration.WithLabelValues(string(job.Operation)).Observe(time.Since(started).Seconds())
		logger.Info().Str("status", string(final.Status)).Msg("Job finished")
	}
}

func (d *Dispatcher) failAllPending(job *types.DeploymentJob, pending []*types.DeploymentResult, message string) {
	for _, r := range pending {
		d.recordResult(job.ID, r.HostID, r.Hostname, false, message)
	}
	logger := log.WithJobID(job.ID)
	logger.Error().Str("reason", message).Msg("Job failed pre-flight")
}

// dispatchHost runs one host to completion and records its result unless the
// agent transport already did.
func (d *Dispatcher) dispatchHost(ctx context.Context, job *types.DeploymentJob, result *types.DeploymentResult, cfg *types.CollectorConfig, entry *binarycache.Entry, binary []byte, total int) {
	host, err := d.store.GetHost(result.HostID)
	if err != nil {
		d.recordResult(job.ID, result.HostID, result.Hostname, false, "host no longer exists")
		return
	}

	if job.Operation == types.OpTestConnectivity {
		success, message := d.testConnectivity(ctx, host)
		d.recordResult(job.ID, host.ID, host.Hostname, success, message)
		return
	}

	if host.AgentManaged {
		d.dispatchAgent(ctx, job, host, cfg, binary)
		return
	}

	success, message := d.dispatchPush(ctx, job.Operation, host, cfg, entry, binary)
	d.recordResult(job.ID, host.ID, host.Hostname, success, message)
}

// testConnectivity short-circuits for agent hosts on heartbeat freshness and
// probes push hosts over the remote transport.
func (d *Dispatcher) testConnectivity(ctx context.Context, host *types.Host) (bool, string) {
	if host.AgentManaged {
		age := time.Since(host.AgentLastHeartbeat)
		if !host.AgentLastHeartbeat.IsZero() && age < types.AgentOnlineWindow {
			return true, fmt.Sprintf("agent online, last heartbeat %s ago", age.Round(time.Second))
		}
		return false, "agent has not checked in within 5 minutes"
	}

	caption, err := d.remote.ProbeOS(ctx, host.Hostname)
	if err != nil {
		return false, fmt.Sprintf("connectivity probe failed: %v", err)
	}
	return true, fmt.Sprintf("reachable: %s", caption)
}

// dispatchAgent enqueues the translated command and waits for the agent to
// pick it up and report back. The result row is written by the completion
// transaction when the agent answers, and by this goroutine on timeout.
func (d *Dispatcher) dispatchAgent(ctx context.Context, job *types.DeploymentJob, host *types.Host, cfg *types.CollectorConfig, binary []byte) {
	cmdType, payload, err := translateOperation(job.Operation, cfg, binary)
	if err != nil {
		d.recordResult(job.ID, host.ID, host.Hostname, false, err.Error())
		return
	}
	if err := agentpolicy.ValidateCommandType(cmdType); err != nil {
		d.recordResult(job.ID, host.ID, host.Hostname, false, err.Error())
		return
	}

	cmd := &types.PendingCommand{
		CommandID:   uuid.New().String(),
		HostID:      host.ID,
		Type:        cmdType,
		Payload:     payload,
		CreatedAt:   time.Now(),
		InitiatedBy: job.StartedBy,
		JobID:       job.ID,
	}

	ch := d.waiters.register(cmd.CommandID)
	if err := d.store.EnqueueCommand(cmd); err != nil {
		d.waiters.drop(cmd.CommandID)
		d.recordResult(job.ID, host.ID, host.Hostname, false, fmt.Sprintf("failed to enqueue command: %v", err))
		return
	}
	metrics.CommandsEnqueued.WithLabelValues(string(cmdType)).Inc()

	timeout := options.Current().CommandTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		// The completion transaction has already written the result and the
		// agent endpoint published the progress event.
	case <-timer.C:
		d.waiters.drop(cmd.CommandID)
		// The command row stays, so a late agent result still resolves it.
		d.recordResult(job.ID, host.ID, host.Hostname, false, fmt.Sprintf("timed out after %s waiting for agent", timeout))
	case <-ctx.Done():
		d.waiters.drop(cmd.CommandID)
	}
}

// dispatchPush runs one agentless operation over RemoteAdmin / FileTransfer
func (d *Dispatcher) dispatchPush(ctx context.Context, op types.DeploymentOperation, host *types.Host, cfg *types.CollectorConfig, entry *binarycache.Entry, binary []byte) (bool, string) {
	if !d.remote.IsAvailable() || !d.files.IsAvailable() {
		return false, remoteadmin.ErrUnavailable.Error()
	}

	switch op {
	case types.OpInstall:
		return d.pushInstall(ctx, host, cfg, entry, binary)
	case types.OpUpdateConfig:
		return d.pushUpdateConfig(ctx, host, cfg)
	case types.OpUninstall:
		return d.pushUninstall(ctx, host)
	default:
		return false, fmt.Sprintf("operation %q has no agentless path", op)
	}
}

func (d *Dispatcher) pushInstall(ctx context.Context, host *types.Host, cfg *types.CollectorConfig, entry *binarycache.Entry, binary []byte) (bool, string) {
	opts := options.Current()
	workDir := opts.RemoteWorkDir

	if err := d.files.EnsureDirectory(ctx, host.Hostname, workDir); err != nil {
		return false, fmt.Sprintf("failed to prepare %s: %v", workDir, err)
	}

	binaryName := filepath.Base(entry.Path)
	remoteBinary := workDir + `\` + binaryName
	if err := d.files.WriteFile(ctx, host.Hostname, remoteBinary, binary); err != nil {
		return false, fmt.Sprintf("failed to copy collector binary: %v", err)
	}

	cmdLine := fmt.Sprintf(`"%s" -accepteula -i`, remoteBinary)
	if cfg != nil {
		remoteConfig := workDir + `\` + configFileName
		if err := d.files.WriteFile(ctx, host.Hostname, remoteConfig, cfg.Content); err != nil {
			return false, fmt.Sprintf("failed to write configuration: %v", err)
		}
		cmdLine = fmt.Sprintf(`%s "%s"`, cmdLine, remoteConfig)
	}

	if err := d.remote.RunCommand(ctx, host.Hostname, workDir, cmdLine); err != nil {
		return false, fmt.Sprintf("install failed: %v", err)
	}
	return true, fmt.Sprintf("collector %s installed", entry.Version)
}

func (d *Dispatcher) pushUpdateConfig(ctx context.Context, host *types.Host, cfg *types.CollectorConfig) (bool, string) {
	if cfg == nil {
		return false, "update-config requires a configuration"
	}

	collectorPath, err := d.locateCollector(ctx, host)
	if err != nil {
		return false, err.Error()
	}

	configPath := parentWindowsDir(collectorPath) + `\` + configFileName
	if err := d.files.WriteFile(ctx, host.Hostname, configPath, cfg.Content); err != nil {
		return false, fmt.Sprintf("failed to write configuration: %v", err)
	}

	cmdLine := fmt.Sprintf(`"%s" -c "%s"`, collectorPath, configPath)
	if err := d.remote.RunCommand(ctx, host.Hostname, parentWindowsDir(collectorPath), cmdLine); err != nil {
		return false, fmt.Sprintf("configuration update failed: %v", err)
	}
	return true, "configuration applied"
}

func (d *Dispatcher) pushUninstall(ctx context.Context, host *types.Host) (bool, string) {
	collectorPath, err := d.locateCollector(ctx, host)
	if err != nil {
		return false, err.Error()
	}

	cmdLine := fmt.Sprintf(`"%s" -u force`, collectorPath)
	if err := d.remote.RunCommand(ctx, host.Hostname, parentWindowsDir(collectorPath), cmdLine); err != nil {
		return false, fmt.Sprintf("uninstall failed: %v", err)
	}
	return true, "collector uninstalled"
}

// locateCollector uses the cached path when present and probes otherwise
func (d *Dispatcher) locateCollector(ctx context.Context, host *types.Host) (string, error) {
	if host.CollectorPath != "" {
		return host.CollectorPath, nil
	}
	state, err := d.remote.QueryCollector(ctx, host.Hostname)
	if err != nil {
		return "", fmt.Errorf("failed to locate collector: %w", err)
	}
	if !state.Installed || state.Path == "" {
		return "", fmt.Errorf("collector is not installed on %s", host.Hostname)
	}
	return state.Path, nil
}

// recordResult persists one per-host outcome and publishes progress
func (d *Dispatcher) recordResult(jobID, hostID uint64, hostname string, success bool, message string) {
	status, finished, err := d.store.UpdateResult(jobID, hostID, success, message, time.Now())
	if err != nil {
		logger := log.WithJobID(jobID)
		logger.Error().Err(err).Uint64("host_id", hostID).Msg("Failed to record result")
		return
	}

	outcome := "failure"
	if success {
		outcome = "success"
	}
	metrics.DeploymentResults.WithLabelValues(outcome).Inc()

	results, _ := d.store.ListResults(jobID)
	completed := 0
	for _, r := range results {
		if !r.CompletedAt.IsZero() {
			completed++
		}
	}

	d.publish(&events.Event{
		Type:     events.EventJobHostCompleted,
		JobID:    jobID,
		HostID:   hostID,
		Hostname: hostname,
		Message:  message,
		Metadata: map[string]string{
			"success":   fmt.Sprintf("%t", success),
			"completed": fmt.Sprintf("%d", completed),
			"total":     fmt.Sprintf("%d", len(results)),
		},
	})

	if finished {
		d.publish(&events.Event{
			Type:    events.EventJobCompleted,
			JobID:   jobID,
			Message: fmt.Sprintf("job finished: %s", status),
			Metadata: map[string]string{
				"status": string(status),
			},
		})
	}
}

func (d *Dispatcher) publish(e *events.Event) {
	if d.broker != nil {
		d.broker.Publish(e)
	}
}

// parentWindowsDir strips the last path element of a Windows path
func parentWindowsDir(path string) string {
	for i := len(path) - 1; i > 0; i-- {
		if path[i] == '\\' || path[i] == '/' {
			return path[:i]
		}
	}
	return path
}
