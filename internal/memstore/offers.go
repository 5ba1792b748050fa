package memstore

import (
	"context"
	"time"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/models"
)

func (s *Store) CreateOffer(ctx context.Context, offer models.Offer) (models.Offer, error) {
	if err := ctx.Err(); err != nil {
		return models.Offer{}, errs.FromContext(err)
	}
	next, err := connector.PrepareCreate(offer)
	if err != nil {
		return models.Offer{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.offers[next.ID]; ok {
		return models.Offer{}, connector.OfferExists(next.ID)
	}
	s.putOffer(next)
	return next.Clone(), nil
}

func (s *Store) UpdateOffer(ctx context.Context, offer models.Offer) (models.Offer, error) {
	if err := ctx.Err(); err != nil {
		return models.Offer{}, errs.FromContext(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.offers[offer.ID]
	if !ok {
		return models.Offer{}, connector.OfferNotFound(offer.ID)
	}
	next, err := connector.PrepareUpdate(stored, offer)
	if err != nil {
		return models.Offer{}, err
	}
	s.putOffer(next)
	return next.Clone(), nil
}

func (s *Store) GetOffer(ctx context.Context, id string) (models.Offer, error) {
	if err := ctx.Err(); err != nil {
		return models.Offer{}, errs.FromContext(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.offers[id]
	if !ok {
		return models.Offer{}, connector.OfferNotFound(id)
	}
	return o.Clone(), nil
}

func (s *Store) ListActiveOffers(ctx context.Context, symbol string, side models.Side, limit int) ([]models.Offer, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.FromContext(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[bookKey{symbol, side}]
	if !ok {
		return nil, nil
	}
	var out []models.Offer
	b.Ascend(func(o models.Offer) bool {
		out = append(out, o.Clone())
		return limit <= 0 || len(out) < limit
	})
	return out, nil
}

func (s *Store) ListUserOffers(ctx context.Context, userID string, limit int) ([]models.Offer, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.FromContext(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.userOffers[userID]
	if !ok {
		return nil, nil
	}
	var out []models.Offer
	t.Descend(func(r ref) bool {
		out = append(out, s.offers[r.id].Clone())
		return limit <= 0 || len(out) < limit
	})
	return out, nil
}

func (s *Store) CancelOffer(ctx context.Context, id string, at time.Time) (models.Offer, error) {
	if err := ctx.Err(); err != nil {
		return models.Offer{}, errs.FromContext(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.offers[id]
	if !ok {
		return models.Offer{}, connector.OfferNotFound(id)
	}
	next, err := connector.PrepareCancel(stored, at)
	if err != nil {
		return models.Offer{}, err
	}
	s.putOffer(next)
	return next.Clone(), nil
}

func (s *Store) ExpireOffers(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, errs.FromContext(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []models.Offer
	s.expiries.AscendLessThan(ref{at: cutoff}, func(r ref) bool {
		if next, ok := connector.PrepareExpire(s.offers[r.id], cutoff); ok {
			due = append(due, next)
		}
		return limit <= 0 || len(due) < limit
	})
	for _, o := range due {
		s.putOffer(o)
	}
	return len(due), nil
}

// Expiring returns up to limit open offers whose expiry is before cutoff,
// soonest first, without changing them.
func (s *Store) Expiring(cutoff time.Time, limit int) []models.Offer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Offer
	s.expiries.AscendLessThan(ref{at: cutoff}, func(r ref) bool {
		if o := s.offers[r.id]; o.IsOpen() && o.ExpiresAt.Before(cutoff) {
			out = append(out, o.Clone())
		}
		return limit <= 0 || len(out) < limit
	})
	return out
}
