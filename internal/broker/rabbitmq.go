package broker

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/logging"
)

// RabbitPublisher sends events to a durable topic exchange with publisher
// confirms. The routing key is the event type.
type RabbitPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	log      *logging.Logger
}

func NewRabbitPublisher(url, exchange string, log *logging.Logger) (*RabbitPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, errs.Wrap(errs.Connection, err, "dial rabbitmq")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, errs.Wrap(errs.Connection, err, "open channel")
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, errs.Wrap(errs.Configuration, err, "declare exchange "+exchange)
	}
	if err := ch.Confirm(false); err != nil {
		conn.Close()
		return nil, errs.Wrap(errs.Configuration, err, "enable publisher confirms")
	}
	log.Info("connected to rabbitmq", zap.String("exchange", exchange))
	return &RabbitPublisher{conn: conn, ch: ch, exchange: exchange, log: log}, nil
}

func (p *RabbitPublisher) Publish(ctx context.Context, e Event) error {
	data, err := e.Marshal()
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	dc, err := p.ch.PublishWithDeferredConfirmWithContext(ctx, p.exchange, string(e.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.ID,
		Timestamp:    e.At,
		Type:         string(e.Type),
		Body:         data,
	})
	if err != nil {
		return err
	}
	acked, err := dc.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !acked {
		return errs.Newf(errs.Connection, "nacked", "broker rejected event %s", e.ID)
	}
	return nil
}

func (p *RabbitPublisher) Ping(context.Context) error {
	if p.conn.IsClosed() {
		return errs.New(errs.Connection, "connection_closed", "rabbitmq connection is closed")
	}
	return nil
}

func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn.IsClosed() {
		return nil
	}
	return p.conn.Close()
}

// OpenRabbit builds a RabbitMQ backed connector from props "url" and
// "exchange". An exchange is not a replayable log, so the read model starts
// empty on every open.
func OpenRabbit(_ context.Context, props connector.Properties, log *logging.Logger) (*connector.Connector, error) {
	if err := props.Require("url", "exchange"); err != nil {
		return nil, err
	}
	pub, err := NewRabbitPublisher(props.String("url", ""), props.String("exchange", ""), log)
	if err != nil {
		return nil, err
	}
	return connector.New(connector.KindRabbitMQ, NewStore(pub, log)), nil
}
