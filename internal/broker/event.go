// Package broker holds the event-sourced backends. Every mutation becomes an
// event on Kafka or RabbitMQ and reaches the in-process read model only once
// the broker has acknowledged it.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/memstore"
	"github.com/xtrntr/offerbook/internal/models"
)

type EventType string

const (
	OfferCreated   EventType = "offer.created"
	OfferUpdated   EventType = "offer.updated"
	TradeRecorded  EventType = "trade.recorded"
	TradeStatus    EventType = "trade.status"
	MatchCommitted EventType = "match.committed"
)

// Event is one entry of the log. Exactly one of Offer, Trade and Fill is
// set, depending on Type.
type Event struct {
	ID    string        `json:"id"`
	Type  EventType     `json:"type"`
	At    time.Time     `json:"at"`
	Offer *models.Offer `json:"offer,omitempty"`
	Trade *models.Trade `json:"trade,omitempty"`
	Fill  *models.Fill  `json:"fill,omitempty"`
}

func newEvent(typ EventType, at time.Time) Event {
	return Event{ID: uuid.NewString(), Type: typ, At: at.UTC()}
}

// Key is the id of the record the event is about.
func (e Event) Key() string {
	switch {
	case e.Offer != nil:
		return e.Offer.ID
	case e.Trade != nil:
		return e.Trade.ID
	case e.Fill != nil:
		return e.Fill.Trade.ID
	}
	return e.ID
}

func (e Event) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errs.Wrap(errs.Unknown, err, "encode event")
	}
	return data, nil
}

func UnmarshalEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, errs.Wrap(errs.Unknown, err, "decode event")
	}
	return e, nil
}

// Apply writes an acknowledged event into the read model.
func Apply(read *memstore.Store, e Event) error {
	switch {
	case (e.Type == OfferCreated || e.Type == OfferUpdated) && e.Offer != nil:
		read.PutOffer(*e.Offer)
	case (e.Type == TradeRecorded || e.Type == TradeStatus) && e.Trade != nil:
		read.PutTrade(*e.Trade)
	case e.Type == MatchCommitted && e.Fill != nil:
		read.PutFill(e.Fill.Trade, e.Fill.Buy, e.Fill.Sell)
	default:
		return errs.Newf(errs.Validation, "malformed_event", "event %s of type %q has no matching payload", e.ID, e.Type)
	}
	return nil
}

// Publisher appends events to a broker and returns once the broker has
// acknowledged the write.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// publishErr classifies a failed publish. Anything other than a context
// error is a transient broker fault.
func publishErr(e Event, err error) error {
	if err == nil {
		return nil
	}
	var typed *errs.Error
	if errors.As(err, &typed) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("publish %s: %w", e.Type, errs.FromContext(err))
	}
	return errs.Wrap(errs.Connection, err, fmt.Sprintf("publish %s", e.Type))
}
