package broker

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/logging"
	"github.com/xtrntr/offerbook/internal/memstore"
	"github.com/xtrntr/offerbook/internal/models"
)

// Store is an event-sourced connector.Store. Reads are served by the
// embedded read model. Writes are checked against it, published, and
// applied only after the publisher acknowledged them, so a failed publish
// leaves no trace.
type Store struct {
	*memstore.Store

	// wmu makes check, publish and apply one step.
	wmu   sync.Mutex
	pub   Publisher
	clock func() time.Time
	log   *logging.Logger
}

var (
	_ connector.Store            = (*Store)(nil)
	_ connector.ProjectionLoader = (*Store)(nil)
)

// NewStore wraps pub with an empty read model.
func NewStore(pub Publisher, log *logging.Logger) *Store {
	return &Store{
		Store: memstore.New(),
		pub:   pub,
		clock: time.Now,
		log:   log,
	}
}

// Replay applies already published events to the read model in order.
func (s *Store) Replay(events []Event) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	for _, e := range events {
		if err := Apply(s.Store, e); err != nil {
			return err
		}
	}
	return nil
}

// emit publishes e and applies it once acknowledged. Callers hold wmu.
func (s *Store) emit(ctx context.Context, e Event) error {
	if err := s.pub.Publish(ctx, e); err != nil {
		s.log.Warn("publish failed, write dropped",
			zap.String("event", string(e.Type)), zap.String("key", e.Key()), zap.Error(err))
		return publishErr(e, err)
	}
	return Apply(s.Store, e)
}

func (s *Store) lock(ctx context.Context) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.FromContext(err)
	}
	s.wmu.Lock()
	return s.wmu.Unlock, nil
}

func (s *Store) CreateOffer(ctx context.Context, offer models.Offer) (models.Offer, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return models.Offer{}, err
	}
	defer unlock()

	next, err := connector.PrepareCreate(offer)
	if err != nil {
		return models.Offer{}, err
	}
	if _, err := s.Store.GetOffer(ctx, next.ID); err == nil {
		return models.Offer{}, connector.OfferExists(next.ID)
	} else if errs.KindOf(err) != errs.NotFound {
		return models.Offer{}, err
	}
	e := newEvent(OfferCreated, s.clock())
	e.Offer = &next
	if err := s.emit(ctx, e); err != nil {
		return models.Offer{}, err
	}
	return next.Clone(), nil
}

// writeOffer publishes the result of change applied to the stored offer.
func (s *Store) writeOffer(ctx context.Context, id string, change func(stored models.Offer) (models.Offer, error)) (models.Offer, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return models.Offer{}, err
	}
	defer unlock()

	stored, err := s.Store.GetOffer(ctx, id)
	if err != nil {
		return models.Offer{}, err
	}
	next, err := change(stored)
	if err != nil {
		return models.Offer{}, err
	}
	e := newEvent(OfferUpdated, s.clock())
	e.Offer = &next
	if err := s.emit(ctx, e); err != nil {
		return models.Offer{}, err
	}
	return next.Clone(), nil
}

func (s *Store) UpdateOffer(ctx context.Context, offer models.Offer) (models.Offer, error) {
	return s.writeOffer(ctx, offer.ID, func(stored models.Offer) (models.Offer, error) {
		return connector.PrepareUpdate(stored, offer)
	})
}

func (s *Store) CancelOffer(ctx context.Context, id string, at time.Time) (models.Offer, error) {
	return s.writeOffer(ctx, id, func(stored models.Offer) (models.Offer, error) {
		return connector.PrepareCancel(stored, at)
	})
}

// ExpireOffers publishes one update per expired offer. A publish failure
// stops the batch; offers already published stay expired.
func (s *Store) ExpireOffers(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return 0, err
	}
	defer unlock()

	n := 0
	for _, stored := range s.Store.Expiring(cutoff, limit) {
		next, ok := connector.PrepareExpire(stored, cutoff)
		if !ok {
			continue
		}
		e := newEvent(OfferUpdated, s.clock())
		e.Offer = &next
		if err := s.emit(ctx, e); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (s *Store) RecordTrade(ctx context.Context, trade models.Trade) error {
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := s.Store.GetTrade(ctx, trade.ID); err == nil {
		return connector.TradeExists(trade.ID)
	} else if errs.KindOf(err) != errs.NotFound {
		return err
	}
	e := newEvent(TradeRecorded, s.clock())
	e.Trade = &trade
	return s.emit(ctx, e)
}

func (s *Store) SetTradeStatus(ctx context.Context, id string, status models.TradeStatus, at time.Time, reason string) (models.Trade, error) {
	unlock, err := s.lock(ctx)
	if err != nil {
		return models.Trade{}, err
	}
	defer unlock()

	stored, err := s.Store.GetTrade(ctx, id)
	if err != nil {
		return models.Trade{}, err
	}
	next, err := connector.PrepareTradeStatus(stored, status, at, reason)
	if err != nil {
		return models.Trade{}, err
	}
	e := newEvent(TradeStatus, s.clock())
	e.Trade = &next
	if err := s.emit(ctx, e); err != nil {
		return models.Trade{}, err
	}
	return next, nil
}

// CommitMatch publishes the trade and both resulting offers as one event,
// which is what makes the match atomic on the log.
func (s *Store) CommitMatch(ctx context.Context, fill models.Fill) error {
	unlock, err := s.lock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	buy, sell, err := s.Store.PrepareFill(fill)
	if err != nil {
		return err
	}
	e := newEvent(MatchCommitted, s.clock())
	e.Fill = &models.Fill{Trade: fill.Trade, Buy: buy, Sell: sell}
	return s.emit(ctx, e)
}

// Ping checks the broker when the publisher can be pinged.
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.pub.(connector.Pinger); ok {
		return p.Ping(ctx)
	}
	return s.Store.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pub.Close()
}
