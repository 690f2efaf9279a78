// Package closer runs the background jobs that keep instance state moving
// without user traffic: the window-close sweep and recurring-instance
// materialization.
package closer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"handoff/internal/exchange/metrics"
	"handoff/internal/exchange/models"
	"handoff/internal/exchange/service"
	"handoff/internal/exchange/store/instance"
)

// Config tunes the background jobs.
type Config struct {
	// SweepInterval is how often the window closer scans for expired
	// instances.
	SweepInterval time.Duration
	// SweepBatch caps how many instances one sweep pass loads at a time.
	SweepBatch int
	// SweepWorkers bounds concurrent close attempts within a pass.
	SweepWorkers int
	// MaterializeHorizon is how far ahead recurring definitions are
	// expanded into instances.
	MaterializeHorizon time.Duration
}

// Closer owns the cron scheduler for both jobs. The sweep is a safety net:
// outcomes are also resolved lazily on read and on every check-in, so a
// missed tick delays auto_closed stamping but never corrupts state.
type Closer struct {
	store   instance.Store
	svc     *service.Service
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	cron    *cron.Cron
}

// New wires a Closer. metrics may be nil.
func New(store instance.Store, svc *service.Service, cfg Config, logger *slog.Logger, m *metrics.Metrics) (*Closer, error) {
	if store == nil {
		return nil, fmt.Errorf("closer: store is required")
	}
	if svc == nil {
		return nil, fmt.Errorf("closer: service is required")
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	if cfg.SweepWorkers <= 0 {
		cfg.SweepWorkers = 4
	}
	if cfg.MaterializeHorizon <= 0 {
		cfg.MaterializeHorizon = 14 * 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Closer{
		store:   store,
		svc:     svc,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		now:     time.Now,
		cron:    cron.New(),
	}, nil
}

// Start registers and starts the cron jobs. The context bounds each run, not
// the scheduler itself; call Stop to shut down.
func (c *Closer) Start(ctx context.Context) error {
	sweepSpec := fmt.Sprintf("@every %s", c.cfg.SweepInterval)
	if _, err := c.cron.AddFunc(sweepSpec, func() {
		if _, err := c.Sweep(ctx); err != nil {
			c.logger.ErrorContext(ctx, "window close sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("closer: schedule sweep: %w", err)
	}

	if _, err := c.cron.AddFunc("@every 1h", func() {
		if err := c.Materialize(ctx); err != nil {
			c.logger.ErrorContext(ctx, "instance materialization failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("closer: schedule materialization: %w", err)
	}

	// Materialize once at startup so a fresh deployment has instances
	// before the first hourly tick.
	if err := c.Materialize(ctx); err != nil {
		c.logger.ErrorContext(ctx, "startup materialization failed", "error", err)
	}

	c.cron.Start()
	c.logger.InfoContext(ctx, "background jobs started",
		"sweep_interval", c.cfg.SweepInterval,
		"sweep_batch", c.cfg.SweepBatch,
		"sweep_workers", c.cfg.SweepWorkers,
		"materialize_horizon", c.cfg.MaterializeHorizon)
	return nil
}

// Stop stops the scheduler and waits for in-flight runs to finish.
func (c *Closer) Stop() {
	<-c.cron.Stop().Done()
}

// Sweep finds active instances whose window has ended and finalizes each one.
// It pages through the store in SweepBatch chunks and closes instances with
// up to SweepWorkers concurrent workers. Returns how many instances this
// pass closed.
func (c *Closer) Sweep(ctx context.Context) (int, error) {
	if c.metrics != nil {
		c.metrics.SweepRuns.Inc()
	}
	start := c.now()
	total := 0
	for {
		due, err := c.store.ListDueForClose(ctx, c.now(), c.cfg.SweepBatch)
		if err != nil {
			if c.metrics != nil {
				c.metrics.SweepErrors.Inc()
			}
			return total, fmt.Errorf("closer: list due instances: %w", err)
		}
		if len(due) == 0 {
			break
		}

		closed, err := c.closeBatch(ctx, due)
		total += closed
		if err != nil {
			return total, err
		}
		// A short page means the backlog is drained. A full page where
		// nothing closed means every row lost its close race; stop
		// rather than spin on the same page.
		if len(due) < c.cfg.SweepBatch || closed == 0 {
			break
		}
	}
	if total > 0 {
		c.logger.InfoContext(ctx, "window close sweep finished",
			"closed", total,
			"elapsed", c.now().Sub(start))
	}
	return total, nil
}

func (c *Closer) closeBatch(ctx context.Context, due []*models.Instance) (int, error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.SweepWorkers)

	closed := make(chan struct{}, len(due))
	for _, inst := range due {
		g.Go(func() error {
			ok, err := c.svc.CloseInstance(ctx, inst)
			if err != nil {
				if c.metrics != nil {
					c.metrics.SweepErrors.Inc()
				}
				c.logger.ErrorContext(ctx, "failed to close instance",
					"instance_id", inst.ID, "error", err)
				// Skip and let the next pass retry.
				return nil
			}
			if ok {
				closed <- struct{}{}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return len(closed), err
	}
	n := len(closed)
	if c.metrics != nil {
		c.metrics.SweepClosed.Add(float64(n))
	}
	return n, nil
}

// Materialize expands active recurring definitions into concrete instances
// over the configured horizon.
func (c *Closer) Materialize(ctx context.Context) error {
	created, err := c.svc.MaterializeDue(ctx, c.cfg.MaterializeHorizon)
	if err != nil {
		return fmt.Errorf("closer: materialize instances: %w", err)
	}
	if created > 0 {
		c.logger.DebugContext(ctx, "materialized recurring instances", "ensured", created)
	}
	return nil
}
