package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sentinelops/scp/pkg/agentpolicy"
	"github.com/sentinelops/scp/pkg/metrics"
	"github.com/sentinelops/scp/pkg/noise"
	"github.com/sentinelops/scp/pkg/options"
	"github.com/sentinelops/scp/pkg/remoteadmin"
	"github.com/sentinelops/scp/pkg/types"
)

// RunCommand enqueues a one-off command for an agent host and waits for its
// outcome under the given timeout. Used for commands outside deployment jobs
// (event sampling, service restarts).
func (d *Dispatcher) RunCommand(ctx context.Context, host *types.Host, cmdType types.CommandType, payload []byte, timeout time.Duration, initiatedBy string) (Outcome, error) {
	if !host.AgentManaged {
		return Outcome{}, fmt.Errorf("host %s is not agent-managed", host.Hostname)
	}
	if err := agentpolicy.ValidateCommandType(cmdType); err != nil {
		return Outcome{}, err
	}

	cmd := &types.PendingCommand{
		CommandID:   uuid.New().String(),
		HostID:      host.ID,
		Type:        cmdType,
		Payload:     payload,
		CreatedAt:   time.Now(),
		InitiatedBy: initiatedBy,
	}

	ch := d.waiters.register(cmd.CommandID)
	if err := d.store.EnqueueCommand(cmd); err != nil {
		d.waiters.drop(cmd.CommandID)
		return Outcome{}, fmt.Errorf("failed to enqueue command: %w", err)
	}
	metrics.CommandsEnqueued.WithLabelValues(string(cmdType)).Inc()
	if cmdType == types.CmdRestartCollector && d.audit != nil {
		d.audit.Record(initiatedBy, types.AuditServiceRestart, map[string]any{
			"host":       host.Hostname,
			"command_id": cmd.CommandID,
		})
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case out := <-ch:
		return out, nil
	case <-timer.C:
		d.waiters.drop(cmd.CommandID)
		return Outcome{}, fmt.Errorf("timed out after %s waiting for agent %s", timeout, host.Hostname)
	case <-ctx.Done():
		d.waiters.drop(cmd.CommandID)
		return Outcome{}, ctx.Err()
	}
}

// QueryEvents runs an ad-hoc event query against an agent host under the
// event-viewer timeout and returns the normalized events it reports.
func (d *Dispatcher) QueryEvents(ctx context.Context, host *types.Host, req noise.QueryEventsRequest, initiatedBy string) ([]noise.Event, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	out, err := d.RunCommand(ctx, host, types.CmdQueryEvents, payload, options.Current().QueryEventsTimeout(), initiatedBy)
	if err != nil {
		return nil, err
	}
	if out.Status != types.CommandSuccess {
		return nil, fmt.Errorf("event query failed: %s", out.Message)
	}

	var sample []noise.Event
	if err := json.Unmarshal(out.Payload, &sample); err != nil {
		return nil, fmt.Errorf("malformed event payload from %s: %w", host.Hostname, err)
	}
	return sample, nil
}

// EventSampler obtains raw event samples for the noise engine over whichever
// transport the host is managed by.
type EventSampler struct {
	dispatcher *Dispatcher
	remote     remoteadmin.RemoteAdmin
}

// NewEventSampler creates a sampler backed by the dispatcher and transport
func NewEventSampler(d *Dispatcher, remote remoteadmin.RemoteAdmin) *EventSampler {
	return &EventSampler{dispatcher: d, remote: remote}
}

// Sample implements noise.Sampler
func (s *EventSampler) Sample(ctx context.Context, host *types.Host, timeRangeHours, maxEvents int) ([]noise.Event, error) {
	if host.AgentManaged {
		return s.sampleAgent(ctx, host, timeRangeHours, maxEvents)
	}
	return s.sampleRemote(ctx, host, timeRangeHours, maxEvents)
}

func (s *EventSampler) sampleAgent(ctx context.Context, host *types.Host, timeRangeHours, maxEvents int) ([]noise.Event, error) {
	payload, err := json.Marshal(noise.QueryEventsRequest{
		TimeRangeHours: timeRangeHours,
		MaxEvents:      maxEvents,
	})
	if err != nil {
		return nil, err
	}

	out, err := s.dispatcher.RunCommand(ctx, host, types.CmdQueryEvents, payload, options.Current().NoiseQueryTimeout(), "noise-analysis")
	if err != nil {
		return nil, err
	}
	if out.Status != types.CommandSuccess {
		return nil, fmt.Errorf("agent query failed: %s", out.Message)
	}

	var sample []noise.Event
	if err := json.Unmarshal(out.Payload, &sample); err != nil {
		return nil, fmt.Errorf("malformed event payload from %s: %w", host.Hostname, err)
	}
	return sample, nil
}

func (s *EventSampler) sampleRemote(ctx context.Context, host *types.Host, timeRangeHours, maxEvents int) ([]noise.Event, error) {
	if !s.remote.IsAvailable() {
		return nil, remoteadmin.ErrUnavailable
	}

	// Event-log time filters take milliseconds.
	query := fmt.Sprintf("*[System[TimeCreated[timediff(@SystemTime) <= %d]]]", timeRangeHours*3600*1000)
	docs, err := s.remote.QueryEventLog(ctx, host.Hostname, query, maxEvents)
	if err != nil {
		return nil, err
	}

	sample := make([]noise.Event, 0, len(docs))
	for _, doc := range docs {
		var e noise.Event
		if err := json.Unmarshal(doc, &e); err != nil {
			continue // skip events the transport could not normalize
		}
		sample = append(sample, e)
	}
	return sample, nil
}
