package broker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/connector/connectortest"
	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/logging"
	"github.com/xtrntr/offerbook/internal/models"
)

// logPublisher keeps published events in memory. It round-trips every
// event through the wire encoding.
type logPublisher struct {
	mu     sync.Mutex
	events []Event
	fail   error
	closed bool
}

func (p *logPublisher) Publish(_ context.Context, e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	data, err := e.Marshal()
	if err != nil {
		return err
	}
	decoded, err := UnmarshalEvent(data)
	if err != nil {
		return err
	}
	p.events = append(p.events, decoded)
	return nil
}

func (p *logPublisher) Close() error {
	p.closed = true
	return nil
}

func (p *logPublisher) Log() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Event(nil), p.events...)
}

func newStore() (*Store, *logPublisher) {
	pub := &logPublisher{}
	return NewStore(pub, logging.NewTestLogger()), pub
}

func TestStore(t *testing.T) {
	connectortest.Run(t, func(t *testing.T) *connector.Connector {
		s, _ := newStore()
		return connector.New(connector.KindKafka, s)
	})
}

func TestStore_FailedPublishLeavesNoState(t *testing.T) {
	s, pub := newStore()
	ctx := context.Background()
	buy := connectortest.Offer("O1", "alice", models.SideBuy, "100", "1", connectortest.Base)
	sell := connectortest.Offer("O2", "bob", models.SideSell, "100", "1", connectortest.Base)
	_, err := s.CreateOffer(ctx, buy)
	require.NoError(t, err)
	_, err = s.CreateOffer(ctx, sell)
	require.NoError(t, err)

	pub.fail = errors.New("broker down")

	_, err = s.CreateOffer(ctx, connectortest.Offer("O3", "alice", models.SideBuy, "100", "1", connectortest.Base))
	assert.True(t, errs.Retryable(err), "error: %v", err)
	_, err = s.GetOffer(ctx, "O3")
	assert.Equal(t, errs.NotFound, errs.KindOf(err))

	_, err = s.CancelOffer(ctx, "O1", connectortest.Base.Add(time.Minute))
	assert.Equal(t, errs.Connection, errs.KindOf(err))
	got, err := s.GetOffer(ctx, "O1")
	require.NoError(t, err)
	assert.Equal(t, models.OfferActive, got.Status)

	buyStored, _ := s.GetOffer(ctx, "O1")
	sellStored, _ := s.GetOffer(ctx, "O2")
	at := connectortest.Base.Add(time.Second)
	trade := connectortest.Trade("T1", buyStored, sellStored, "100", "1", at)
	err = s.CommitMatch(ctx, models.Fill{
		Trade: trade,
		Buy:   buyStored.Fill(trade.Quantity, at),
		Sell:  sellStored.Fill(trade.Quantity, at),
	})
	assert.Equal(t, errs.Connection, errs.KindOf(err))
	_, err = s.GetTrade(ctx, "T1")
	assert.Equal(t, errs.NotFound, errs.KindOf(err))

	n, err := s.ExpireOffers(ctx, connectortest.Base.Add(48*time.Hour), 0)
	assert.Error(t, err)
	assert.Zero(t, n)
	assert.Len(t, pub.Log(), 2)
}

func TestStore_CancelledContextPublishesNothing(t *testing.T) {
	s, pub := newStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.CreateOffer(ctx, connectortest.Offer("O1", "alice", models.SideBuy, "100", "1", connectortest.Base))
	assert.Error(t, err)
	assert.Empty(t, pub.Log())
}

func TestReplay_RebuildsState(t *testing.T) {
	s, pub := newStore()
	ctx := context.Background()
	buy, err := s.CreateOffer(ctx, connectortest.Offer("O1", "alice", models.SideBuy, "100", "2", connectortest.Base))
	require.NoError(t, err)
	sell, err := s.CreateOffer(ctx, connectortest.Offer("O2", "bob", models.SideSell, "99", "1", connectortest.Base.Add(time.Second)))
	require.NoError(t, err)
	_, err = s.CreateOffer(ctx, connectortest.Offer("O3", "bob", models.SideSell, "120", "1", connectortest.Base))
	require.NoError(t, err)

	at := connectortest.Base.Add(time.Minute)
	trade := connectortest.Trade("T1", buy, sell, "99", "1", at)
	require.NoError(t, s.CommitMatch(ctx, models.Fill{
		Trade: trade,
		Buy:   buy.Fill(trade.Quantity, at),
		Sell:  sell.Fill(trade.Quantity, at),
	}))
	_, err = s.SetTradeStatus(ctx, "T1", models.TradeSettled, at.Add(time.Minute), "")
	require.NoError(t, err)
	_, err = s.CancelOffer(ctx, "O3", at)
	require.NoError(t, err)

	replayed, _ := newStore()
	require.NoError(t, replayed.Replay(pub.Log()))

	for _, id := range []string{"O1", "O2", "O3"} {
		want, err := s.GetOffer(ctx, id)
		require.NoError(t, err)
		got, err := replayed.GetOffer(ctx, id)
		require.NoError(t, err)
		assert.True(t, want.Equal(got), "offer %s: want %+v got %+v", id, want, got)
	}
	got, err := replayed.GetTrade(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, models.TradeSettled, got.Status)

	bids, err := replayed.ListActiveOffers(ctx, "BTC/EUR", models.SideBuy, 0)
	require.NoError(t, err)
	require.Len(t, bids, 1)
	assert.Equal(t, "1", bids[0].RemainingQuantity.String())
}

func TestApply_Malformed(t *testing.T) {
	s, _ := newStore()
	err := s.Replay([]Event{{ID: "e1", Type: OfferCreated}})
	assert.Equal(t, errs.Validation, errs.KindOf(err))
}

func TestEvent_Key(t *testing.T) {
	o := connectortest.Offer("O1", "alice", models.SideBuy, "100", "1", connectortest.Base)
	tr := connectortest.Trade("T1", o, o, "100", "1", connectortest.Base)
	tests := []struct {
		name string
		e    Event
		want string
	}{
		{"Offer", Event{ID: "e", Offer: &o}, "O1"},
		{"Trade", Event{ID: "e", Trade: &tr}, "T1"},
		{"Fill", Event{ID: "e", Fill: &models.Fill{Trade: tr}}, "T1"},
		{"Empty", Event{ID: "e"}, "e"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.e.Key())
		})
	}
}

func TestPublishErr(t *testing.T) {
	e := Event{Type: OfferCreated}
	tests := []struct {
		name string
		err  error
		want errs.Kind
	}{
		{"Transport", errors.New("dial tcp: refused"), errs.Connection},
		{"Deadline", context.DeadlineExceeded, errs.Timeout},
		{"Cancelled", context.Canceled, errs.Unknown},
		{"Typed", errs.New(errs.Validation, "bad", "bad"), errs.Validation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, errs.KindOf(publishErr(e, tt.err)))
		})
	}
	assert.NoError(t, publishErr(e, nil))
}

func TestOpen_MissingProperties(t *testing.T) {
	log := logging.NewTestLogger()
	_, err := OpenKafka(context.Background(), connector.Properties{"brokers": "localhost:9092"}, log)
	assert.Equal(t, errs.Configuration, errs.KindOf(err))
	_, err = OpenRabbit(context.Background(), connector.Properties{"exchange": "offers"}, log)
	assert.Equal(t, errs.Configuration, errs.KindOf(err))
}

func TestFirstPartition(t *testing.T) {
	assert.Equal(t, 3, firstPartition(kafka.Message{}, 3, 4, 5))
	assert.Equal(t, 0, firstPartition(kafka.Message{}))
}
