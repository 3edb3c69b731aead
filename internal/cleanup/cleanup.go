// Package cleanup runs the scheduled maintenance sweeps: stale connection
// reaping and dead-letter retention.
package cleanup

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	beaconredis "github.com/beaconhq/beacon/internal/redis"
)

const lastRunKey = "cleanup:last_run"

// Liveness answers whether a connection id still has a live socket on this
// node. Satisfied by the gateway's broadcaster.
type Liveness interface {
	IsConnected(connID string) bool
}

// DLQStore prunes terminal failed audit rows past retention. Satisfied by
// *db.Repository.
type DLQStore interface {
	DeleteFailedOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Config tunes the sweeps.
type Config struct {
	// Schedule is a cron expression (robfig syntax, @every accepted).
	Schedule string

	// ScanCap bounds the number of connection sets visited per sweep.
	ScanCap int

	// LeakThreshold is the dead-connection count per sweep above which a
	// warning is logged, pointing at a disconnect-handling bug.
	LeakThreshold int

	// NearExpiry marks sets whose TTL is below it as abandoned when the
	// liveness probe cannot vouch for any member.
	NearExpiry time.Duration

	// Retention is how long FAILED audit rows are kept.
	Retention time.Duration

	// SweepTimeout bounds one full sweep.
	SweepTimeout time.Duration

	// StaleAfter is how long after the last recorded run Healthy reports
	// the sweep overdue. Zero derives twice the schedule interval.
	StaleAfter time.Duration
}

// Sweeper owns the periodic maintenance loop.
type Sweeper struct {
	registry *beaconredis.ConnectionRegistry
	client   *beaconredis.Client
	liveness Liveness
	store    DLQStore
	config   Config
	cron     *cron.Cron
	logger   *zap.Logger
}

// New creates a sweeper. liveness may be nil on nodes without a gateway;
// the sweep then relies on TTLs alone.
func New(
	registry *beaconredis.ConnectionRegistry,
	client *beaconredis.Client,
	liveness Liveness,
	store DLQStore,
	cfg Config,
	logger *zap.Logger,
) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 10m"
	}
	if cfg.ScanCap <= 0 {
		cfg.ScanCap = 1000
	}
	if cfg.LeakThreshold <= 0 {
		cfg.LeakThreshold = 20
	}
	if cfg.NearExpiry <= 0 {
		cfg.NearExpiry = 15 * time.Second
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 30 * 24 * time.Hour
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = 2 * time.Minute
	}
	return &Sweeper{
		registry: registry,
		client:   client,
		liveness: liveness,
		store:    store,
		config:   cfg,
		logger:   logger,
	}
}

// Start schedules the sweep and returns. Stop shuts it down.
func (s *Sweeper) Start() error {
	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.config.Schedule, s.runOnce); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("cleanup sweeper started", zap.String("schedule", s.config.Schedule))
	return nil
}

// Stop halts the scheduler and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

func (s *Sweeper) runOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.SweepTimeout)
	defer cancel()
	s.Sweep(ctx)
}

// Sweep runs one full maintenance pass: reap stale connection sets, prune
// expired dead-letter rows, reconcile the connection counter, and record
// the run timestamp. Each stage tolerates failure of the others.
func (s *Sweeper) Sweep(ctx context.Context) {
	start := time.Now()

	reaped := s.sweepConnections(ctx)
	pruned := s.sweepDeadLetters(ctx)
	total := s.registry.Reconcile(ctx)

	if err := s.client.Redis().Set(ctx, lastRunKey, start.Unix(), 0).Err(); err != nil {
		s.logger.Warn("failed to record sweep timestamp", zap.Error(err))
	}

	s.logger.Info("cleanup sweep finished",
		zap.Int("connections_reaped", reaped),
		zap.Int64("dlq_pruned", pruned),
		zap.Int("active_connections", total),
		zap.Duration("elapsed", time.Since(start)),
	)
}

// sweepConnections visits registered connection sets and drops the ones
// that are abandoned: every member fails the liveness probe and the set's
// TTL is nearly gone. Sets with healthy TTLs are left to expire naturally.
func (s *Sweeper) sweepConnections(ctx context.Context) int {
	reaped := 0
	deadConns := 0

	err := s.registry.ScanUsers(ctx, s.config.ScanCap, func(userID string) error {
		ttl, err := s.registry.TTL(ctx, userID)
		if err != nil {
			return nil
		}

		conns, err := s.registry.Connections(ctx, userID)
		if err != nil {
			return nil
		}
		if len(conns) == 0 {
			// Empty set that somehow survived: the remove path deletes
			// these, so one here means a partial failure upstream.
			if err := s.registry.DropUser(ctx, userID); err == nil {
				reaped++
			}
			return nil
		}

		if s.liveness == nil {
			return nil
		}

		live := 0
		for _, connID := range conns {
			if s.liveness.IsConnected(connID) {
				live++
			} else {
				deadConns++
				if err := s.registry.Remove(ctx, userID, connID); err != nil {
					s.logger.Warn("failed to remove dead connection",
						zap.String("user_id", userID),
						zap.String("conn_id", connID),
						zap.Error(err),
					)
				}
			}
		}

		if live == 0 && ttl > 0 && ttl < s.config.NearExpiry {
			if err := s.registry.DropUser(ctx, userID); err == nil {
				reaped++
			}
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("connection sweep aborted", zap.Error(err))
	}

	if deadConns >= s.config.LeakThreshold {
		// This volume of leaked connections means disconnects are not
		// being unregistered; the sweep is masking the real bug.
		s.logger.Warn("connection leak suspected",
			zap.Int("dead_connections", deadConns),
			zap.Int("threshold", s.config.LeakThreshold),
		)
	}

	return reaped
}

func (s *Sweeper) sweepDeadLetters(ctx context.Context) int64 {
	if s.store == nil {
		return 0
	}
	cutoff := time.Now().Add(-s.config.Retention)
	n, err := s.store.DeleteFailedOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("dead-letter retention sweep failed", zap.Error(err))
		return 0
	}
	return n
}

// Healthy reports whether a sweep completed within the staleness bound:
// StaleAfter when configured, otherwise two schedule intervals. Schedules
// that cannot be parsed report healthy as long as any run has been recorded.
func (s *Sweeper) Healthy(ctx context.Context) bool {
	val, err := s.client.Redis().Get(ctx, lastRunKey).Int64()
	if err != nil {
		return false
	}
	last := time.Unix(val, 0)

	if s.config.StaleAfter > 0 {
		return time.Since(last) < s.config.StaleAfter
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(s.config.Schedule)
	if err != nil {
		return true
	}
	next := sched.Next(last)
	interval := next.Sub(last)
	if interval <= 0 {
		return true
	}
	return time.Since(last) < 2*interval
}
