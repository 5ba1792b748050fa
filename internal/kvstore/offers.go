package kvstore

import (
	"context"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/models"
)

func (s *Store) getOffer(id string) (models.Offer, error) {
	o, found, err := get[models.Offer](s, offerKey(id))
	if err != nil {
		return models.Offer{}, err
	}
	if !found {
		return models.Offer{}, connector.OfferNotFound(id)
	}
	return o, nil
}

func (s *Store) loadOffers(ids []string) ([]models.Offer, error) {
	out := make([]models.Offer, 0, len(ids))
	for _, id := range ids {
		o, err := s.getOffer(id)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *Store) CreateOffer(ctx context.Context, offer models.Offer) (models.Offer, error) {
	next, err := connector.PrepareCreate(offer)
	if err != nil {
		return models.Offer{}, err
	}
	unlock, err := s.begin(ctx)
	if err != nil {
		return models.Offer{}, err
	}
	defer unlock()

	found, err := s.exists(offerKey(next.ID))
	if err != nil {
		return models.Offer{}, err
	}
	if found {
		return models.Offer{}, connector.OfferExists(next.ID)
	}
	err = s.commit("create offer", func(b *pebble.Batch) error {
		return putOffer(b, nil, next)
	})
	if err != nil {
		return models.Offer{}, err
	}
	return next, nil
}

// mutateOffer applies a rule to one stored offer under the write lock.
func (s *Store) mutateOffer(ctx context.Context, op, id string, apply func(stored models.Offer) (models.Offer, error)) (models.Offer, error) {
	unlock, err := s.begin(ctx)
	if err != nil {
		return models.Offer{}, err
	}
	defer unlock()

	stored, err := s.getOffer(id)
	if err != nil {
		return models.Offer{}, err
	}
	next, err := apply(stored)
	if err != nil {
		return models.Offer{}, err
	}
	err = s.commit(op, func(b *pebble.Batch) error {
		return putOffer(b, &stored, next)
	})
	if err != nil {
		return models.Offer{}, err
	}
	return next, nil
}

func (s *Store) UpdateOffer(ctx context.Context, offer models.Offer) (models.Offer, error) {
	return s.mutateOffer(ctx, "update offer", offer.ID, func(stored models.Offer) (models.Offer, error) {
		return connector.PrepareUpdate(stored, offer)
	})
}

func (s *Store) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	unlock, err := s.begin(ctx)
	if err != nil {
		return models.Offer{}, err
	}
	defer unlock()
	return s.getOffer(id)
}

// ListActiveOffers reads the whole side of the book and sorts it exactly.
func (s *Store) ListActiveOffers(ctx context.Context, symbol string, side models.Side, limit int) ([]models.Offer, error) {
	unlock, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	prefix := bookPrefix(symbol, side)
	var ids []string
	err = s.scan(prefix, prefixEnd(prefix), false, func(id string) bool {
		ids = append(ids, id)
		return true
	})
	if err != nil {
		return nil, err
	}
	offers, err := s.loadOffers(ids)
	if err != nil {
		return nil, err
	}
	models.SortByPriority(side, offers)
	return connector.Truncate(offers, limit), nil
}

func (s *Store) ListUserOffers(ctx context.Context, userID string, limit int) ([]models.Offer, error) {
	unlock, err := s.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	prefix := key(pUserOffer, userID, "")
	var ids []string
	err = s.scan(prefix, prefixEnd(prefix), true, func(id string) bool {
		ids = append(ids, id)
		return limit <= 0 || len(ids) < limit
	})
	if err != nil {
		return nil, err
	}
	return s.loadOffers(ids)
}

func (s *Store) CancelOffer(ctx context.Context, id string, at time.Time) (models.Offer, error) {
	return s.mutateOffer(ctx, "cancel offer", id, func(stored models.Offer) (models.Offer, error) {
		return connector.PrepareCancel(stored, at)
	})
}

// ExpireOffers walks the expiry index up to cutoff and writes every due
// offer in one batch.
func (s *Store) ExpireOffers(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	unlock, err := s.begin(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	lower := key(pExpiry, "")
	upper := key(pExpiry, timeKey(cutoff))
	var ids []string
	err = s.scan(lower, upper, false, func(id string) bool {
		ids = append(ids, id)
		return limit <= 0 || len(ids) < limit
	})
	if err != nil {
		return 0, err
	}
	stored, err := s.loadOffers(ids)
	if err != nil {
		return 0, err
	}

	n := 0
	err = s.commit("expire offers", func(b *pebble.Batch) error {
		for i := range stored {
			next, ok := connector.PrepareExpire(stored[i], cutoff)
			if !ok {
				continue
			}
			if err := putOffer(b, &stored[i], next); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}
