// Package factory wires every backend into one registry and opens the
// configured connector.
package factory

import (
	"context"

	"go.uber.org/zap"

	"github.com/xtrntr/offerbook/internal/broker"
	"github.com/xtrntr/offerbook/internal/cache"
	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/db"
	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/kvstore"
	"github.com/xtrntr/offerbook/internal/logging"
	"github.com/xtrntr/offerbook/internal/memstore"
	"github.com/xtrntr/offerbook/internal/sqlstore"
)

// Registry returns a registry with a builder for every kind.
func Registry() *connector.Registry {
	r := connector.NewRegistry()
	r.Register(connector.KindMemory, memstore.Open)
	r.Register(connector.KindRedis, cache.Open)
	r.Register(connector.KindPostgres, db.Open)
	r.Register(connector.KindMySQL, sqlstore.Open)
	r.Register(connector.KindPebble, kvstore.Open)
	r.Register(connector.KindKafka, broker.OpenKafka)
	r.Register(connector.KindRabbitMQ, broker.OpenRabbit)
	return r
}

// Open builds the connector cfg names from the default registry.
func Open(ctx context.Context, cfg connector.Config, policy connector.RetryPolicy, log *logging.Logger) (*connector.Connector, error) {
	return OpenWith(ctx, Registry(), cfg, policy, log)
}

// OpenWith builds the connector from r, checks that it answers and, when
// the policy is enabled, wraps it with retries behind a circuit breaker.
func OpenWith(ctx context.Context, r *connector.Registry, cfg connector.Config, policy connector.RetryPolicy, log *logging.Logger) (*connector.Connector, error) {
	if policy.Enabled && policy.MaxElapsed <= 0 {
		return nil, errs.New(errs.Configuration, "invalid_retry_policy", "max_elapsed must be positive when retries are enabled")
	}
	c, err := r.Build(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	h := c.Health(ctx)
	if !h.Healthy {
		_ = c.Close()
		return nil, errs.Newf(errs.Connection, "unhealthy", "%s connector failed its health check: %s", c.Kind, h.Detail)
	}
	log.Info("connector healthy",
		zap.String("kind", h.Kind), zap.Duration("response_time", h.ResponseTime))
	if !policy.Enabled {
		return c, nil
	}
	return connector.Resilient(c, policy, log), nil
}
