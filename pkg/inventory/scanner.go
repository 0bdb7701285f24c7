// Package inventory reconciles observed host state for both transports.
// Agent-managed hosts are judged by heartbeat freshness; push-managed hosts
// are probed over RemoteAdmin.
package inventory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sentinelops/scp/pkg/audit"
	"github.com/sentinelops/scp/pkg/events"
	"github.com/sentinelops/scp/pkg/log"
	"github.com/sentinelops/scp/pkg/metrics"
	"github.com/sentinelops/scp/pkg/options"
	"github.com/sentinelops/scp/pkg/remoteadmin"
	"github.com/sentinelops/scp/pkg/storage"
	"github.com/sentinelops/scp/pkg/types"
)

// Scanner is the inventory reconciliation worker
type Scanner struct {
	store  storage.Store
	remote remoteadmin.RemoteAdmin
	broker *events.Broker
	audit  *audit.Recorder

	reqCh    chan []uint64
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewScanner creates an inventory scanner
func NewScanner(store storage.Store, remote remoteadmin.RemoteAdmin, broker *events.Broker, auditRec *audit.Recorder) *Scanner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scanner{
		store:  store,
		remote: remote,
		broker: broker,
		audit:  auditRec,
		reqCh:  make(chan []uint64, 16),
		stopCh: make(chan struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins the worker: periodic full scans plus on-demand requests
func (s *Scanner) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop shuts the worker down and waits for an in-flight scan to finish
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		s.cancel()
	})
	s.wg.Wait()
}

// Request queues an on-demand scan. An empty id list means scan all hosts.
func (s *Scanner) Request(hostIDs []uint64) {
	select {
	case s.reqCh <- hostIDs:
	case <-s.stopCh:
	}
}

func (s *Scanner) run() {
	defer s.wg.Done()
	logger := log.WithComponent("inventory")

	ticker := time.NewTicker(options.Current().ScanInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Scan(s.ctx, nil); err != nil {
				logger.Error().Err(err).Msg("Periodic scan failed")
			}
		case ids := <-s.reqCh:
			if err := s.Scan(s.ctx, ids); err != nil {
				logger.Error().Err(err).Msg("Requested scan failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// Scan reconciles the given hosts (all hosts when ids is empty) with bounded
// parallelism. Each host row has exactly one writer: this goroutine's
// transactional update.
func (s *Scanner) Scan(ctx context.Context, hostIDs []uint64) error {
	logger := log.WithComponent("inventory")

	hosts, err := s.resolveTargets(hostIDs)
	if err != nil {
		return err
	}

	s.publish(&events.Event{
		Type:    events.EventScanStarted,
		Message: scanMessage(len(hosts)),
	})
	started := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(options.Current().ScanParallelism)
	for _, host := range hosts {
		host := host
		g.Go(func() error {
			s.scanHost(gctx, host)
			return nil
		})
	}
	g.Wait()

	logger.Info().Int("hosts", len(hosts)).Dur("elapsed", time.Since(started)).Msg("Inventory scan completed")
	metrics.ScansCompleted.Inc()
	if s.audit != nil {
		s.audit.Record("", types.AuditInventoryScan, map[string]any{
			"hosts":      len(hosts),
			"elapsed_ms": time.Since(started).Milliseconds(),
		})
	}
	if len(hostIDs) == 0 {
		s.updateFleetGauges()
	}
	s.publish(&events.Event{
		Type:    events.EventScanCompleted,
		Message: scanMessage(len(hosts)),
	})
	return nil
}

// updateFleetGauges refreshes the fleet-wide gauges after a full scan
func (s *Scanner) updateFleetGauges() {
	hosts, err := s.store.ListHosts()
	if err != nil {
		return
	}
	counts := map[[2]string]int{}
	for _, h := range hosts {
		transport := "push"
		if h.AgentManaged {
			transport = "agent"
		}
		status := string(h.LastScanStatus)
		if status == "" {
			status = "unknown"
		}
		counts[[2]string{transport, status}]++
	}
	metrics.HostsTotal.Reset()
	for key, n := range counts {
		metrics.HostsTotal.WithLabelValues(key[0], key[1]).Set(float64(n))
	}

	if configs, err := s.store.ListConfigs(); err == nil {
		metrics.ConfigsTotal.Set(float64(len(configs)))
	}
}

func (s *Scanner) resolveTargets(hostIDs []uint64) ([]*types.Host, error) {
	if len(hostIDs) == 0 {
		return s.store.ListHosts()
	}
	hosts := make([]*types.Host, 0, len(hostIDs))
	for _, id := range hostIDs {
		h, err := s.store.GetHost(id)
		if err != nil {
			continue // removed since the request was queued
		}
		hosts = append(hosts, h)
	}
	return hosts, nil
}

// scanHost probes one host and hands the observation to the store, which
// merges it into the current row. The snapshot from resolveTargets may be
// stale by the time the probe finishes; the store decides against the row
// it holds, not against this snapshot.
func (s *Scanner) scanHost(ctx context.Context, host *types.Host) {
	now := time.Now().UTC()

	if host.AgentManaged {
		// Never probe an agent host remotely; heartbeat recency decides.
		s.saveHost(host.ID, storage.ScanObservation{At: now}, host.Hostname)
		return
	}

	state, err := s.remote.QueryCollector(ctx, host.Hostname)
	if err != nil {
		s.saveHost(host.ID, storage.ScanObservation{At: now}, host.Hostname)
		return
	}

	obs := storage.ScanObservation{
		At:        now,
		Online:    true,
		Installed: state.Installed,
	}
	if state.Installed {
		obs.Path = state.Path
		obs.Version = state.Version
		obs.ConfigHash = state.ConfigHash
		obs.ConfigTag = state.ConfigTag
	}
	s.saveHost(host.ID, obs, host.Hostname)
}

func (s *Scanner) saveHost(hostID uint64, obs storage.ScanObservation, hostname string) {
	if err := s.store.ApplyScanResult(hostID, obs); err != nil {
		logger := log.WithComponent("inventory")
		logger.Error().Err(err).Str("host", hostname).Msg("Failed to save scan result")
	}
}

func (s *Scanner) publish(e *events.Event) {
	if s.broker != nil {
		s.broker.Publish(e)
	}
}

func scanMessage(n int) string {
	if n == 1 {
		return "scanning 1 host"
	}
	return fmt.Sprintf("scanning %d hosts", n)
}
