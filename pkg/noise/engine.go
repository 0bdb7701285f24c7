package noise

import (
	"context"
	"fmt"
	"time"

	"github.com/sentinelops/scp/pkg/audit"
	"github.com/sentinelops/scp/pkg/events"
	"github.com/sentinelops/scp/pkg/log"
	"github.com/sentinelops/scp/pkg/metrics"
	"github.com/sentinelops/scp/pkg/storage"
	"github.com/sentinelops/scp/pkg/types"
)

// MaxTimeRangeHours bounds the analysis window to one week
const MaxTimeRangeHours = 168

// Sampler obtains raw event samples for a host, over whichever transport the
// host is managed by.
type Sampler interface {
	Sample(ctx context.Context, host *types.Host, timeRangeHours, maxEvents int) ([]Event, error)
}

// Engine runs noise analyses and persists their results
type Engine struct {
	store   storage.Store
	sampler Sampler
	broker  *events.Broker
	audit   *audit.Recorder
}

// NewEngine creates a noise analysis engine
func NewEngine(store storage.Store, sampler Sampler, broker *events.Broker, auditRec *audit.Recorder) *Engine {
	return &Engine{store: store, sampler: sampler, broker: broker, audit: auditRec}
}

// Analyze samples a host's event stream, aggregates and scores it, and
// persists the run with its results.
func (e *Engine) Analyze(ctx context.Context, hostID uint64, timeRangeHours int) (*types.NoiseAnalysisRun, []*types.NoiseResult, error) {
	if timeRangeHours <= 0 || timeRangeHours > MaxTimeRangeHours {
		return nil, nil, fmt.Errorf("time range must be in (0, %d] hours, got %d", MaxTimeRangeHours, timeRangeHours)
	}

	host, err := e.store.GetHost(hostID)
	if err != nil {
		return nil, nil, err
	}
	logger := log.WithComponent("noise").With().Str("host", host.Hostname).Logger()

	if e.audit != nil {
		e.audit.Record("", types.AuditNoiseAnalysisStart, map[string]any{
			"host":             host.Hostname,
			"time_range_hours": timeRangeHours,
		})
	}

	sample, err := e.sampler.Sample(ctx, host, timeRangeHours, MaxSampleEvents)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to sample events from %s: %w", host.Hostname, err)
	}

	role := RoleOf(host)
	groups := Aggregate(sample, role, timeRangeHours)

	results := make([]*types.NoiseResult, 0, len(groups))
	for _, g := range groups {
		results = append(results, &types.NoiseResult{
			EventID:            g.EventID,
			GroupingKey:        g.GroupingKey,
			EventCount:         g.Count,
			NoiseScore:         g.Score,
			SuggestedExclusion: SuggestedExclusion(g),
		})
	}

	run := &types.NoiseAnalysisRun{
		HostID:         hostID,
		TimeRangeHours: timeRangeHours,
		TotalEvents:    len(sample),
		AnalyzedAt:     time.Now(),
	}
	if err := e.store.CreateNoiseRun(run, results); err != nil {
		return nil, nil, err
	}

	logger.Info().
		Str("role", string(role)).
		Int("events", len(sample)).
		Int("patterns", len(results)).
		Msg("Noise analysis completed")
	metrics.NoiseRunsCompleted.Inc()

	if e.broker != nil {
		e.broker.Publish(&events.Event{
			Type:     events.EventNoiseCompleted,
			HostID:   hostID,
			Hostname: host.Hostname,
			Message:  fmt.Sprintf("analyzed %d events into %d patterns", len(sample), len(results)),
		})
	}
	return run, results, nil
}

// AnalyzeFleet runs per-host analyses and returns the patterns common to a
// majority of the requested hosts. Hosts that fail to sample are skipped.
func (e *Engine) AnalyzeFleet(ctx context.Context, hostIDs []uint64, timeRangeHours int) ([]*CommonPattern, error) {
	if len(hostIDs) == 0 {
		return nil, fmt.Errorf("no hosts requested")
	}

	perHost := make(map[uint64][]*types.NoiseResult)
	for _, id := range hostIDs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_, results, err := e.Analyze(ctx, id, timeRangeHours)
		if err != nil {
			logger := log.WithComponent("noise")
			logger.Warn().Err(err).Uint64("host_id", id).Msg("Skipping host in fleet analysis")
			perHost[id] = nil
			continue
		}
		perHost[id] = results
	}
	return CommonPatterns(perHost), nil
}

// Pack renders the exclusion pack for a stored run
func (e *Engine) Pack(runID uint64, minScore float64) (string, error) {
	results, err := e.store.ListNoiseResults(runID)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		if _, err := e.store.GetNoiseRun(runID); err != nil {
			return "", err
		}
	}
	return BuildPack(results, minScore), nil
}
