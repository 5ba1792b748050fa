package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/models"
)

func (s *Store) CreateOffer(ctx context.Context, offer models.Offer) (models.Offer, error) {
	next, err := connector.PrepareCreate(offer)
	if err != nil {
		return models.Offer{}, err
	}
	key := s.offerKey(next.ID)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return connector.OfferExists(next.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.writeOffer(ctx, pipe, nil, next)
		})
		return err
	}, key)
	if err != nil {
		return models.Offer{}, wrapErr("create offer", err)
	}
	return next, nil
}

func (s *Store) UpdateOffer(ctx context.Context, offer models.Offer) (models.Offer, error) {
	return s.mutateOffer(ctx, "update offer", offer.ID, func(stored models.Offer) (models.Offer, error) {
		return connector.PrepareUpdate(stored, offer)
	})
}

func (s *Store) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	return s.getOffer(ctx, s.client, id)
}

// loadOffers fetches offers by id in order, skipping ids whose record has
// gone away between index read and fetch.
func (s *Store) loadOffers(ctx context.Context, ids []string) ([]models.Offer, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.offerKey(id)
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, wrapErr("load offers", err)
	}
	out := make([]models.Offer, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		o, err := decode[models.Offer]([]byte(str), "offer")
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *Store) ListActiveOffers(ctx context.Context, symbol string, side models.Side, limit int) ([]models.Offer, error) {
	key := s.bookKey(symbol, side)
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	head, err := s.client.ZRangeWithScores(ctx, key, 0, stop).Result()
	if err != nil {
		return nil, wrapErr("list active offers", err)
	}
	if len(head) == 0 {
		return nil, nil
	}
	ids := make([]string, 0, len(head))
	for _, z := range head {
		ids = append(ids, z.Member.(string))
	}

	// Offers past the cut that share the last score may sort ahead of the
	// ones inside it once prices are compared exactly.
	if limit > 0 && len(head) == limit {
		last := strconv.FormatFloat(head[len(head)-1].Score, 'g', -1, 64)
		tail, err := s.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: last, Max: last}).Result()
		if err != nil {
			return nil, wrapErr("list active offers", err)
		}
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			seen[id] = true
		}
		for _, id := range tail {
			if !seen[id] {
				ids = append(ids, id)
			}
		}
	}

	offers, err := s.loadOffers(ctx, ids)
	if err != nil {
		return nil, err
	}
	models.SortByPriority(side, offers)
	return connector.Truncate(offers, limit), nil
}

func (s *Store) ListUserOffers(ctx context.Context, userID string, limit int) ([]models.Offer, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, s.userOffersKey(userID), 0, stop).Result()
	if err != nil {
		return nil, wrapErr("list user offers", err)
	}
	return s.loadOffers(ctx, ids)
}

func (s *Store) CancelOffer(ctx context.Context, id string, at time.Time) (models.Offer, error) {
	return s.mutateOffer(ctx, "cancel offer", id, func(stored models.Offer) (models.Offer, error) {
		return connector.PrepareCancel(stored, at)
	})
}

func (s *Store) ExpireOffers(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	candidates, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatFloat(timeScore(cutoff), 'f', 0, 64),
	}).Result()
	if err != nil {
		return 0, wrapErr("expire offers", err)
	}

	n := 0
	for _, id := range candidates {
		if limit > 0 && n >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return n, wrapErr("expire offers", err)
		}
		_, err := s.mutateOffer(ctx, "expire offer", id, func(stored models.Offer) (models.Offer, error) {
			next, ok := connector.PrepareExpire(stored, cutoff)
			if !ok {
				return models.Offer{}, errNotDue
			}
			return next, nil
		})
		switch {
		case err == nil:
			n++
		case errors.Is(err, errNotDue):
		case errs.Retryable(err):
			return n, err
		default:
			// Someone else moved the offer; the next sweep sees its new state.
			s.log.Debug("skipping offer during expiry", zap.String("offer_id", id), zap.Error(err))
		}
	}
	return n, nil
}

var errNotDue = errors.New("offer not due for expiry")
