package attendance

import (
	"context"
	"fmt"
	"time"

	"github.com/phuslu/log"
)

const (
	defaultSweepInterval  = 24 * time.Hour
	defaultSweepBatchSize = 500
)

// Sweep outcomes, also used as metric labels.
const (
	SweepEmpty    = "empty"
	SweepOK       = "ok"
	SweepPartial  = "partial"
	SweepFailed   = "failed"
	SweepCanceled = "canceled"
)

// Alerter receives sweeps that failed systemically.
type Alerter interface {
	Alert(ctx context.Context, msg string, err error, extras map[string]interface{})
}

// SweeperConfig tunes the expiry sweep.
type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
	// Retention > 0 purges terminal credentials that expired longer ago.
	Retention    time.Duration
	StoreTimeout time.Duration
}

// SweepReport summarises one sweep.
type SweepReport struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Scanned   int           `json:"scanned"`
	Expired   int           `json:"expired"`
	Failed    int           `json:"failed"`
	Purged    int           `json:"purged"`
	Outcome   string        `json:"outcome"`
}

// Sweeper retires valid credentials whose expiry has passed.
type Sweeper struct {
	store   Store
	alerter Alerter
	logger  *log.Logger
	cfg     SweeperConfig
	now     func() time.Time
}

// NewSweeper creates a sweeper. alerter may be nil.
func NewSweeper(store Store, alerter Alerter, logger *log.Logger, cfg SweeperConfig) *Sweeper {
	if logger == nil {
		logger = &log.DefaultLogger
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultSweepInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultSweepBatchSize
	}
	return &Sweeper{store: store, alerter: alerter, logger: logger, cfg: cfg, now: time.Now}
}

// Run sweeps once immediately and then every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.cfg.Interval).Msg("expiry sweeper started")
	for {
		_, _ = s.SweepOnce(ctx, s.now())
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("expiry sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// SweepOnce moves every valid credential with ExpiresAt before now to
// expired. Individual write errors are logged and skipped. It returns
// ErrSweepFailed when there was due work and none of it could be done, so
// alerting can tell that apart from an empty run. Running it again over the
// same data changes nothing; used credentials are never touched. When ctx
// ends first the outcome is SweepCanceled and ctx's error is returned.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) (SweepReport, error) {
	now = now.UTC()
	rep := SweepReport{StartedAt: now}
	started := time.Now()
	progressed := 0
	var listErr error

	for ctx.Err() == nil {
		var batch []Credential
		err := bounded(ctx, s.cfg.StoreTimeout, "list_expirable", func(ctx context.Context) (err error) {
			batch, err = s.store.ListExpirable(ctx, now, s.cfg.BatchSize)
			return err
		})
		if err != nil {
			listErr = err
			s.logger.Error().Err(err).Msg("listing expirable credentials")
			break
		}
		if len(batch) == 0 {
			break
		}

		moved := 0
		for _, c := range batch {
			rep.Scanned++
			var swapped bool
			err := bounded(ctx, s.cfg.StoreTimeout, "cas_state", func(ctx context.Context) (err error) {
				swapped, err = s.store.CompareAndSwapState(ctx, c.Token, StateValid, StateExpired, now)
				return err
			})
			if err != nil {
				rep.Failed++
				s.logger.Warn().Err(err).Str("session_id", c.SessionID).Str("student_id", c.StudentID).Msg("expiring credential")
				continue
			}
			// not swapped means a redemption or another sweep got there first
			moved++
			if swapped {
				rep.Expired++
			}
		}
		progressed += moved
		if moved == 0 || len(batch) < s.cfg.BatchSize {
			break
		}
	}

	canceled := ctx.Err()
	if s.cfg.Retention > 0 && listErr == nil && canceled == nil {
		cutoff := now.Add(-s.cfg.Retention)
		err := bounded(ctx, s.cfg.StoreTimeout, "purge_terminal", func(ctx context.Context) (err error) {
			rep.Purged, err = s.store.PurgeTerminal(ctx, cutoff)
			return err
		})
		if err != nil {
			s.logger.Warn().Err(err).Msg("purging terminal credentials")
		}
	}

	var err error
	switch {
	case canceled != nil:
		rep.Outcome = SweepCanceled
		err = canceled
	case listErr != nil && progressed == 0:
		rep.Outcome = SweepFailed
		err = fmt.Errorf("%w: %v", ErrSweepFailed, listErr)
	case rep.Scanned == 0:
		rep.Outcome = SweepEmpty
	case rep.Failed == 0 && listErr == nil:
		rep.Outcome = SweepOK
	case progressed == 0:
		rep.Outcome = SweepFailed
		err = ErrSweepFailed
	default:
		rep.Outcome = SweepPartial
	}
	rep.Duration = time.Since(started)

	sweepRuns.WithLabelValues(rep.Outcome).Inc()
	sweepExpired.Add(float64(rep.Expired))

	entry := s.logger.Info()
	if err != nil {
		entry = s.logger.Error().Err(err)
		if s.alerter != nil && canceled == nil {
			s.alerter.Alert(ctx, "credential expiry sweep failed", err, map[string]interface{}{
				"scanned": rep.Scanned,
				"failed":  rep.Failed,
			})
		}
	}
	entry.Str("outcome", rep.Outcome).
		Int("scanned", rep.Scanned).
		Int("expired", rep.Expired).
		Int("failed", rep.Failed).
		Int("purged", rep.Purged).
		Dur("took", rep.Duration).
		Msg("expiry sweep finished")
	return rep, err
}
