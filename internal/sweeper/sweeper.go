// Package sweeper moves open offers past their expiry to Expired, either
// on a timer or on demand.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/logging"
	"github.com/xtrntr/offerbook/internal/metrics"
)

const namedLogger = "sweeper"

type Config struct {
	Interval  time.Duration `mapstructure:"interval"`
	BatchSize int           `mapstructure:"batch_size"`
}

func NewDefaultConfig() Config {
	return Config{
		Interval:  30 * time.Second,
		BatchSize: 500,
	}
}

type Sweeper struct {
	cfg     Config
	offers  connector.OfferStore
	metrics *metrics.Metrics
	clock   func() time.Time
	log     *logging.Logger
}

// New creates a sweeper over offers. A nil m disables metrics.
func New(cfg Config, offers connector.OfferStore, m *metrics.Metrics, log *logging.Logger) *Sweeper {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = NewDefaultConfig().BatchSize
	}
	return &Sweeper{
		cfg:     cfg,
		offers:  offers,
		metrics: m,
		clock:   time.Now,
		log:     log.Named(namedLogger),
	}
}

// RunOnce expires every open offer whose expiry is before cutoff, in
// batches of BatchSize, and returns how many it moved. A cancelled ctx
// stops it between batches with the count so far.
func (s *Sweeper) RunOnce(ctx context.Context, cutoff time.Time) (int, error) {
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, errs.FromContext(err)
		}
		n, err := s.offers.ExpireOffers(ctx, cutoff, s.cfg.BatchSize)
		total += n
		if s.metrics != nil && n > 0 {
			s.metrics.OffersExpired.Add(float64(n))
		}
		if err != nil {
			return total, err
		}
		if n < s.cfg.BatchSize {
			break
		}
	}
	if total > 0 {
		s.log.Info("offers expired", zap.Int("count", total), zap.Time("cutoff", cutoff))
	}
	return total, nil
}

// Run sweeps with cutoff now every Interval until ctx is done. A failed
// sweep is logged and retried on the next tick.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.cfg.Interval <= 0 {
		return errs.Newf(errs.Configuration, "invalid_interval", "sweeper interval must be positive, got %s", s.cfg.Interval)
	}
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info("sweeper started", zap.Duration("interval", s.cfg.Interval), zap.Int("batch_size", s.cfg.BatchSize))
	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped")
			return nil
		case <-ticker.C:
			if _, err := s.RunOnce(ctx, s.clock().UTC()); err != nil && ctx.Err() == nil {
				s.log.Warn("sweep failed", zap.Error(err))
			}
		}
	}
}
