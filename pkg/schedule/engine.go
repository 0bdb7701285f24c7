// Package schedule promotes pending scheduled deployments to running jobs at
// their due time.
package schedule

import (
	"errors"
	"sync"
	"time"

	"github.com/sentinelops/scp/pkg/audit"
	"github.com/sentinelops/scp/pkg/log"
	"github.com/sentinelops/scp/pkg/storage"
	"github.com/sentinelops/scp/pkg/types"
)

// tickInterval is how often due schedules are checked
const tickInterval = 30 * time.Second

// JobSubmitter hands a promoted job to the dispatcher
type JobSubmitter interface {
	Submit(jobID uint64)
}

// Engine is the scheduled-deployment worker
type Engine struct {
	store      storage.Store
	dispatcher JobSubmitter
	audit      *audit.Recorder

	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewEngine creates a schedule engine
func NewEngine(store storage.Store, dispatcher JobSubmitter, auditRec *audit.Recorder) *Engine {
	return &Engine{
		store:      store,
		dispatcher: dispatcher,
		audit:      auditRec,
		interval:   tickInterval,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the periodic promotion loop
func (e *Engine) Start() {
	e.wg.Add(1)
	go e.run()
	logger := log.WithComponent("schedule")
	logger.Info().Dur("interval", e.interval).Msg("Schedule engine started")
}

// Stop shuts the engine down
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
}

func (e *Engine) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			e.Tick(time.Now())
		case <-e.stopCh:
			return
		}
	}
}

// Tick promotes every due schedule once. Each promotion is one transaction;
// a schedule that fails promotion does not block the others.
func (e *Engine) Tick(now time.Time) {
	logger := log.WithComponent("schedule")

	due, err := e.store.DueSchedules(now)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to query due schedules")
		return
	}

	for _, sd := range due {
		job, err := e.store.PromoteSchedule(sd.ID, now)
		if err != nil {
			if errors.Is(err, storage.ErrNoTargets) {
				logger.Warn().Uint64("schedule_id", sd.ID).Msg("Schedule has no remaining targets, marked failed")
			} else {
				logger.Error().Err(err).Uint64("schedule_id", sd.ID).Msg("Failed to promote schedule")
			}
			continue
		}

		logger.Info().
			Uint64("schedule_id", sd.ID).
			Uint64("job_id", job.ID).
			Str("operation", string(job.Operation)).
			Msg("Promoted schedule to deployment job")

		if e.audit != nil {
			e.audit.Record(sd.CreatedBy, types.AuditDeploymentStart, map[string]any{
				"scheduled":   true,
				"schedule_id": sd.ID,
				"job_id":      job.ID,
				"operation":   string(job.Operation),
			})
		}
		e.dispatcher.Submit(job.ID)
	}
}
