package connector

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/logging"
	"github.com/xtrntr/offerbook/internal/models"
)

// RetryPolicy configures the Resilient decorator.
type RetryPolicy struct {
	Enabled         bool          `mapstructure:"enabled"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxElapsed      time.Duration `mapstructure:"max_elapsed"`
	// BreakerFailures consecutive retryable failures open the breaker for
	// BreakerTimeout.
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration `mapstructure:"breaker_timeout"`
}

func NewDefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Enabled:         true,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
		MaxElapsed:      5 * time.Second,
		BreakerFailures: 5,
		BreakerTimeout:  10 * time.Second,
	}
}

// Resilient wraps every capability of c with retries on Connection and
// Timeout failures behind a circuit breaker. Other failures are returned on
// the first attempt.
func Resilient(c *Connector, policy RetryPolicy, log *logging.Logger) *Connector {
	r := &resilient{
		next:   c.store,
		policy: policy,
		log:    log.Named("resilient"),
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    string(c.Kind),
		Timeout: policy.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return policy.BreakerFailures > 0 && counts.ConsecutiveFailures >= policy.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !errs.Retryable(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Warn("circuit breaker state changed",
				zap.String("connector", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return New(c.Kind, r)
}

type resilient struct {
	next    Store
	policy  RetryPolicy
	breaker *gobreaker.CircuitBreaker
	log     *logging.Logger
}

func (r *resilient) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if r.policy.InitialInterval > 0 {
		b.InitialInterval = r.policy.InitialInterval
	}
	if r.policy.MaxInterval > 0 {
		b.MaxInterval = r.policy.MaxInterval
	}
	b.MaxElapsedTime = r.policy.MaxElapsed
	return backoff.WithContext(b, ctx)
}

// do runs fn until it succeeds, fails permanently or the policy gives up.
// retried tells fn whether an earlier attempt may have been applied.
func (r *resilient) do(ctx context.Context, op string, fn func(retried bool) error) error {
	attempt := 0
	var last error
	err := backoff.RetryNotify(func() error {
		retried := attempt > 0
		attempt++
		_, err := r.breaker.Execute(func() (interface{}, error) {
			return nil, fn(retried)
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			err = errs.Wrap(errs.Connection, err, op+": circuit open")
		case !errs.Retryable(err):
			return backoff.Permanent(err)
		}
		last = err
		return err
	}, r.backOff(ctx), func(err error, wait time.Duration) {
		r.log.Debug("retrying connector call",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	})
	if err != nil && ctx.Err() != nil && last != nil {
		// Cancelled mid-retry: report the backend failure, not the context.
		return last
	}
	return err
}

func call[T any](r *resilient, ctx context.Context, op string, fn func(retried bool) (T, error)) (T, error) {
	var out T
	err := r.do(ctx, op, func(retried bool) error {
		v, err := fn(retried)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (r *resilient) CreateOffer(ctx context.Context, offer models.Offer) (models.Offer, error) {
	return call(r, ctx, "create offer", func(retried bool) (models.Offer, error) {
		out, err := r.next.CreateOffer(ctx, offer)
		if retried && errs.KindOf(err) == errs.Duplicate {
			// An earlier attempt landed before its reply was lost.
			return r.next.GetOffer(ctx, offer.ID)
		}
		return out, err
	})
}

func (r *resilient) UpdateOffer(ctx context.Context, offer models.Offer) (models.Offer, error) {
	return call(r, ctx, "update offer", func(bool) (models.Offer, error) {
		return r.next.UpdateOffer(ctx, offer)
	})
}

func (r *resilient) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	return call(r, ctx, "get offer", func(bool) (models.Offer, error) {
		return r.next.GetOffer(ctx, id)
	})
}

func (r *resilient) ListActiveOffers(ctx context.Context, symbol string, side models.Side, limit int) ([]models.Offer, error) {
	return call(r, ctx, "list active offers", func(bool) ([]models.Offer, error) {
		return r.next.ListActiveOffers(ctx, symbol, side, limit)
	})
}

func (r *resilient) ListUserOffers(ctx context.Context, userID string, limit int) ([]models.Offer, error) {
	return call(r, ctx, "list user offers", func(bool) ([]models.Offer, error) {
		return r.next.ListUserOffers(ctx, userID, limit)
	})
}

func (r *resilient) CancelOffer(ctx context.Context, id string, at time.Time) (models.Offer, error) {
	return call(r, ctx, "cancel offer", func(bool) (models.Offer, error) {
		return r.next.CancelOffer(ctx, id, at)
	})
}

func (r *resilient) ExpireOffers(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	return call(r, ctx, "expire offers", func(bool) (int, error) {
		return r.next.ExpireOffers(ctx, cutoff, limit)
	})
}

func (r *resilient) RecordTrade(ctx context.Context, trade models.Trade) error {
	return r.do(ctx, "record trade", func(retried bool) error {
		err := r.next.RecordTrade(ctx, trade)
		if retried && errs.KindOf(err) == errs.Duplicate {
			return nil
		}
		return err
	})
}

func (r *resilient) GetTrade(ctx context.Context, id string) (models.Trade, error) {
	return call(r, ctx, "get trade", func(bool) (models.Trade, error) {
		return r.next.GetTrade(ctx, id)
	})
}

func (r *resilient) ListUserTrades(ctx context.Context, userID string, limit int) ([]models.Trade, error) {
	return call(r, ctx, "list user trades", func(bool) ([]models.Trade, error) {
		return r.next.ListUserTrades(ctx, userID, limit)
	})
}

func (r *resilient) ListSymbolTrades(ctx context.Context, symbol string, since time.Time, limit int) ([]models.Trade, error) {
	return call(r, ctx, "list symbol trades", func(bool) ([]models.Trade, error) {
		return r.next.ListSymbolTrades(ctx, symbol, since, limit)
	})
}

func (r *resilient) TradeVolume(ctx context.Context, symbol string, from, to time.Time) (models.Volume, error) {
	return call(r, ctx, "trade volume", func(bool) (models.Volume, error) {
		return r.next.TradeVolume(ctx, symbol, from, to)
	})
}

func (r *resilient) SetTradeStatus(ctx context.Context, id string, status models.TradeStatus, at time.Time, reason string) (models.Trade, error) {
	return call(r, ctx, "set trade status", func(bool) (models.Trade, error) {
		return r.next.SetTradeStatus(ctx, id, status, at, reason)
	})
}

func (r *resilient) GetUser(ctx context.Context, id string) (models.User, error) {
	return call(r, ctx, "get user", func(bool) (models.User, error) {
		return r.next.GetUser(ctx, id)
	})
}

func (r *resilient) GetAccount(ctx context.Context, id string) (models.TradingAccount, error) {
	return call(r, ctx, "get account", func(bool) (models.TradingAccount, error) {
		return r.next.GetAccount(ctx, id)
	})
}

func (r *resilient) OwnsAccount(ctx context.Context, userID, accountID string) (bool, error) {
	return call(r, ctx, "owns account", func(bool) (bool, error) {
		return r.next.OwnsAccount(ctx, userID, accountID)
	})
}

func (r *resilient) GetPermission(ctx context.Context, userID, accountID, symbol string) (models.TradingPermission, error) {
	return call(r, ctx, "get permission", func(bool) (models.TradingPermission, error) {
		return r.next.GetPermission(ctx, userID, accountID, symbol)
	})
}

func (r *resilient) CommitMatch(ctx context.Context, fill models.Fill) error {
	return r.do(ctx, "commit match", func(bool) error {
		return r.next.CommitMatch(ctx, fill)
	})
}

func (r *resilient) Ping(ctx context.Context) error {
	return r.next.Ping(ctx)
}

func (r *resilient) LoadProjections(ctx context.Context, p models.Projections) error {
	loader, ok := r.next.(ProjectionLoader)
	if !ok {
		return errs.New(errs.Configuration, "projections_unsupported", "connector does not store user projections")
	}
	return r.do(ctx, "load projections", func(bool) error {
		return loader.LoadProjections(ctx, p)
	})
}

func (r *resilient) Close() error { return r.next.Close() }
