// Package cache is the Redis backend: JSON records plus sorted-set indexes
// for the active book, expiries and per-user recency. Multi-key writes run
// in MULTI/EXEC under WATCH so a lost race surfaces as a conflict.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/logging"
	"github.com/xtrntr/offerbook/internal/models"
)

const defaultPrefix = "offerbook:"

// Store implements connector.Store on Redis.
type Store struct {
	client redis.UniversalClient
	prefix string
	log    *logging.Logger
}

var (
	_ connector.Store            = (*Store)(nil)
	_ connector.ProjectionLoader = (*Store)(nil)
)

// Open connects to the server at props "addr". Optional: "password", "db",
// "prefix", "dial_timeout".
func Open(ctx context.Context, props connector.Properties, log *logging.Logger) (*connector.Connector, error) {
	if err := props.Require("addr"); err != nil {
		return nil, err
	}
	db, err := props.Int("db", 0)
	if err != nil {
		return nil, err
	}
	dialTimeout, err := props.Duration("dial_timeout", 5*time.Second)
	if err != nil {
		return nil, err
	}

	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:       []string{props["addr"]},
		Password:    props.String("password", ""),
		DB:          db,
		DialTimeout: dialTimeout,
	})
	s := New(client, props.String("prefix", defaultPrefix), log)
	if err := s.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	log.Info("connected to redis", zap.String("addr", props["addr"]), zap.Int("db", db))
	return connector.New(connector.KindRedis, s), nil
}

// New wraps an existing client.
func New(client redis.UniversalClient, prefix string, log *logging.Logger) *Store {
	return &Store{client: client, prefix: prefix, log: log}
}

func (s *Store) offerKey(id string) string { return s.prefix + "offer:" + id }
func (s *Store) tradeKey(id string) string { return s.prefix + "trade:" + id }
func (s *Store) activeKey() string         { return s.prefix + "active" }
func (s *Store) expiryKey() string         { return s.prefix + "expiry" }

func (s *Store) bookKey(symbol string, side models.Side) string {
	return s.prefix + "book:" + symbol + ":" + string(side)
}

func (s *Store) userOffersKey(userID string) string { return s.prefix + "user:" + userID + ":offers" }
func (s *Store) userTradesKey(userID string) string { return s.prefix + "user:" + userID + ":trades" }
func (s *Store) symbolTradesKey(symbol string) string {
	return s.prefix + "trades:" + symbol
}

func (s *Store) projectionKey(kind, id string) string { return s.prefix + kind + ":" + id }

// priceScore orders a book ascending best first. Distinct prices may share a
// score; readers resolve those ties exactly.
func priceScore(side models.Side, o models.Offer) float64 {
	f := o.Price.InexactFloat64()
	if side == models.SideBuy {
		return -f
	}
	return f
}

func timeScore(t time.Time) float64 { return float64(t.UnixMicro()) }

// wrapErr maps driver failures onto the error taxonomy.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *errs.Error
	switch {
	case errors.As(err, &typed):
		return err
	case errors.Is(err, redis.TxFailedErr):
		return errs.Wrap(errs.Conflict, err, op+": concurrent modification")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", op, errs.FromContext(err))
	}
	return errs.Wrap(errs.Connection, err, op)
}

func decode[T any](data []byte, what string) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, errs.Wrap(errs.Unknown, err, fmt.Sprintf("decode %s", what))
	}
	return v, nil
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errs.Wrap(errs.Unknown, err, "encode record")
	}
	return data, nil
}

// getter is satisfied by both the client and a watching transaction.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *Store) getOffer(ctx context.Context, c getter, id string) (models.Offer, error) {
	data, err := c.Get(ctx, s.offerKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Offer{}, connector.OfferNotFound(id)
	}
	if err != nil {
		return models.Offer{}, wrapErr("get offer", err)
	}
	return decode[models.Offer](data, "offer")
}

func (s *Store) getTrade(ctx context.Context, c getter, id string) (models.Trade, error) {
	data, err := c.Get(ctx, s.tradeKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Trade{}, connector.TradeNotFound(id)
	}
	if err != nil {
		return models.Trade{}, wrapErr("get trade", err)
	}
	return decode[models.Trade](data, "trade")
}

// writeOffer queues o and its index changes. prev is the stored version, or
// nil on create.
func (s *Store) writeOffer(ctx context.Context, pipe redis.Pipeliner, prev *models.Offer, o models.Offer) error {
	data, err := encode(o)
	if err != nil {
		return err
	}
	pipe.Set(ctx, s.offerKey(o.ID), data, 0)
	if prev == nil {
		pipe.ZAdd(ctx, s.userOffersKey(o.UserID), redis.Z{Score: timeScore(o.CreatedAt), Member: o.ID})
	}
	if o.IsOpen() {
		pipe.ZAdd(ctx, s.bookKey(o.Symbol, o.Side), redis.Z{Score: priceScore(o.Side, o), Member: o.ID})
		pipe.ZAdd(ctx, s.expiryKey(), redis.Z{Score: timeScore(o.ExpiresAt), Member: o.ID})
		pipe.SAdd(ctx, s.activeKey(), o.ID)
	} else {
		pipe.ZRem(ctx, s.bookKey(o.Symbol, o.Side), o.ID)
		pipe.ZRem(ctx, s.expiryKey(), o.ID)
		pipe.SRem(ctx, s.activeKey(), o.ID)
	}
	return nil
}

func (s *Store) writeTrade(ctx context.Context, pipe redis.Pipeliner, t models.Trade, indexed bool) error {
	data, err := encode(t)
	if err != nil {
		return err
	}
	pipe.Set(ctx, s.tradeKey(t.ID), data, 0)
	if indexed {
		return nil
	}
	z := redis.Z{Score: timeScore(t.ExecutedAt), Member: t.ID}
	pipe.ZAdd(ctx, s.symbolTradesKey(t.Symbol), z)
	pipe.ZAdd(ctx, s.userTradesKey(t.BuyerID), z)
	pipe.ZAdd(ctx, s.userTradesKey(t.SellerID), z)
	return nil
}

// mutateOffer runs a read-check-write cycle on one offer under WATCH.
func (s *Store) mutateOffer(ctx context.Context, op, id string, apply func(stored models.Offer) (models.Offer, error)) (models.Offer, error) {
	var out models.Offer
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := s.getOffer(ctx, tx, id)
		if err != nil {
			return err
		}
		next, err := apply(stored)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.writeOffer(ctx, pipe, &stored, next)
		})
		out = next
		return err
	}, s.offerKey(id))
	if err != nil {
		return models.Offer{}, wrapErr(op, err)
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return wrapErr("ping redis", s.client.Ping(ctx).Err())
}

func (s *Store) Close() error {
	return s.client.Close()
}
