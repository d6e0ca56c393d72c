package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/covergrid/premium-pipeline/metrics"
)

// Runner drives the pipeline graph. A cycle runs the levels in
// order with the nodes of each level in parallel. Cycles fire on
// a poll ticker, on landing-zone activity, on a cron schedule,
// or on all three; whichever fires, a cycle is a no-op for nodes
// with nothing new upstream.
type Runner struct {
	graph    *Graph
	interval time.Duration
	triggers <-chan struct{}
	cron     *cron.Cron
	metrics  *metrics.Metrics
	log      zerolog.Logger

	stopChan chan struct{}
	doneChan chan struct{}

	// Stats
	mu                sync.RWMutex
	cyclesTotal       int64
	cycleErrors       int64
	lastRunID         string
	lastCycleTime     time.Time
	lastCycleDuration time.Duration
	lastCycleRows     int64
	nodeErrors        map[string]string
}

// RunnerConfig configures the trigger sources.
type RunnerConfig struct {
	// Interval is the poll tick. Zero disables polling.
	Interval time.Duration
	// Triggers delivers landing-zone activity events. Optional.
	Triggers <-chan struct{}
	// CronSpec is an optional cron schedule for forced cycles.
	CronSpec string
}

// NewRunner builds a runner for the graph.
func NewRunner(graph *Graph, cfg RunnerConfig, m *metrics.Metrics, log zerolog.Logger) (*Runner, error) {
	r := &Runner{
		graph:      graph,
		interval:   cfg.Interval,
		triggers:   cfg.Triggers,
		metrics:    m,
		log:        log,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
		nodeErrors: make(map[string]string),
	}

	if cfg.CronSpec != "" {
		c := cron.New()
		forced := make(chan struct{}, 1)
		if _, err := c.AddFunc(cfg.CronSpec, func() {
			select {
			case forced <- struct{}{}:
			default:
			}
		}); err != nil {
			return nil, fmt.Errorf("invalid cron schedule %q: %w", cfg.CronSpec, err)
		}
		r.cron = c

		// Merge cron fires into the trigger channel.
		if r.triggers == nil {
			r.triggers = forced
		} else {
			merged := make(chan struct{}, 1)
			go fanIn(merged, r.triggers, forced, r.stopChan)
			r.triggers = merged
		}
	}

	return r, nil
}

func fanIn(out chan<- struct{}, a, b <-chan struct{}, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-a:
		case <-b:
		}
		select {
		case out <- struct{}{}:
		default:
		}
	}
}

// Start runs the trigger loop until Stop is called. An
// immediate cycle runs first so a restart catches up without
// waiting for the next tick.
func (r *Runner) Start(ctx context.Context) error {
	defer close(r.doneChan)

	r.log.Info().
		Int("nodes", len(r.graph.Nodes())).
		Int("levels", len(r.graph.Levels())).
		Dur("poll_interval", r.interval).
		Msg("Starting pipeline runner")

	if r.cron != nil {
		r.cron.Start()
		defer r.cron.Stop()
	}

	if err := r.Cycle(ctx); err != nil {
		r.log.Error().Err(err).Msg("Initial cycle failed")
	}

	var tick <-chan time.Time
	if r.interval > 0 {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-tick:
			if err := r.Cycle(ctx); err != nil {
				r.log.Error().Err(err).Msg("Cycle failed")
			}
		case <-r.triggers:
			r.log.Debug().Msg("Cycle triggered by landing activity")
			if err := r.Cycle(ctx); err != nil {
				r.log.Error().Err(err).Msg("Triggered cycle failed")
			}
		case <-r.stopChan:
			r.log.Info().Msg("Stopping pipeline runner")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stop gracefully stops the runner.
func (r *Runner) Stop() {
	close(r.stopChan)
	<-r.doneChan
}

// Cycle executes one pass over the graph. A node failure skips
// its downstream nodes for this cycle but never blocks siblings;
// the failed subgraph retries from its checkpoint next cycle.
func (r *Runner) Cycle(ctx context.Context) error {
	run := NewRun()
	start := time.Now()

	var (
		mu         sync.Mutex
		totalRows  int64
		nodeErrors = make(map[string]string)
		unusable   = make(map[string]bool) // tables whose producer failed or was skipped
	)

	for _, level := range r.graph.Levels() {
		eg := new(errgroup.Group)

		for _, node := range level {
			node := node

			mu.Lock()
			skip := false
			for _, up := range node.Upstream {
				if unusable[up] {
					skip = true
					break
				}
			}
			if skip {
				unusable[node.Produces] = true
				nodeErrors[node.Name] = "skipped: upstream unavailable this cycle"
			}
			mu.Unlock()
			if skip {
				r.log.Warn().Str("node", node.Name).Msg("Skipping node, upstream failed this cycle")
				continue
			}

			eg.Go(func() error {
				nodeStart := time.Now()
				rows, err := node.Run(ctx, run)
				r.metrics.RecordNodeDuration(node.Name, time.Since(nodeStart))

				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					unusable[node.Produces] = true
					nodeErrors[node.Name] = err.Error()
					r.metrics.RecordError(node.Name)
					r.log.Error().Err(err).Str("node", node.Name).Str("run_id", run.ID).Msg("Node failed")
					return fmt.Errorf("node %s: %w", node.Name, err)
				}
				totalRows += rows
				r.metrics.RecordRowsWritten(node.Produces, rows)
				return nil
			})
		}

		// Errors are already recorded per node; the level always
		// runs to completion before the next one starts.
		_ = eg.Wait()
	}

	duration := time.Since(start)
	failed := len(nodeErrors)

	r.updateStats(run.ID, duration, totalRows, nodeErrors)
	r.metrics.RecordCycleCompleted(failed == 0)
	r.metrics.RecordCycleDuration(duration)

	if failed > 0 {
		return fmt.Errorf("%d of %d nodes failed", failed, len(r.graph.Nodes()))
	}

	if totalRows > 0 {
		r.log.Info().
			Str("run_id", run.ID).
			Int64("rows", totalRows).
			Dur("duration", duration).
			Msg("Cycle complete")
	}
	return nil
}

// RunnerStats holds runner statistics for the health endpoint.
type RunnerStats struct {
	CyclesTotal       int64             `json:"cycles_total"`
	CycleErrors       int64             `json:"cycle_errors"`
	LastRunID         string            `json:"last_run_id"`
	LastCycleTime     time.Time         `json:"last_cycle_time"`
	LastCycleDuration time.Duration     `json:"last_cycle_duration"`
	LastCycleRows     int64             `json:"last_cycle_rows"`
	NodeErrors        map[string]string `json:"node_errors,omitempty"`
}

// Stats returns current runner statistics.
func (r *Runner) Stats() RunnerStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	errs := make(map[string]string, len(r.nodeErrors))
	for k, v := range r.nodeErrors {
		errs[k] = v
	}

	return RunnerStats{
		CyclesTotal:       r.cyclesTotal,
		CycleErrors:       r.cycleErrors,
		LastRunID:         r.lastRunID,
		LastCycleTime:     r.lastCycleTime,
		LastCycleDuration: r.lastCycleDuration,
		LastCycleRows:     r.lastCycleRows,
		NodeErrors:        errs,
	}
}

func (r *Runner) updateStats(runID string, duration time.Duration, rows int64, nodeErrors map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cyclesTotal++
	if len(nodeErrors) > 0 {
		r.cycleErrors++
	}
	r.lastRunID = runID
	r.lastCycleTime = time.Now()
	r.lastCycleDuration = duration
	r.lastCycleRows = rows
	r.nodeErrors = nodeErrors
}
