// Package settlement reports trades to the external settlement
// collaborator. The core never moves money; it only announces that a trade
// is pending and, later, how it ended.
package settlement

import (
	"context"
	"encoding/json"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/logging"
	"github.com/xtrntr/offerbook/internal/models"
)

const namedLogger = "settlement"

// Notifier announces trade lifecycle changes.
type Notifier interface {
	TradePending(ctx context.Context, trade models.Trade) error
	TradeSettled(ctx context.Context, trade models.Trade) error
	TradeFailed(ctx context.Context, trade models.Trade) error
	Close() error
}

const (
	KindNoop  = "noop"
	KindKafka = "kafka"
)

type Config struct {
	Kind    string   `mapstructure:"kind"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

func NewDefaultConfig() Config {
	return Config{Kind: KindNoop, Topic: "offerbook.settlement"}
}

// New builds the notifier cfg selects.
func New(cfg Config, log *logging.Logger) (Notifier, error) {
	switch cfg.Kind {
	case "", KindNoop:
		return Noop{}, nil
	case KindKafka:
		if len(cfg.Brokers) == 0 || cfg.Topic == "" {
			return nil, errs.New(errs.Configuration, "missing_property",
				"kafka settlement needs brokers and topic")
		}
		return NewKafkaNotifier(cfg.Brokers, cfg.Topic, log)
	}
	return nil, errs.Newf(errs.Configuration, "unknown_kind", "unknown settlement kind %q", cfg.Kind)
}

// Noop drops every notification.
type Noop struct{}

func (Noop) TradePending(context.Context, models.Trade) error { return nil }
func (Noop) TradeSettled(context.Context, models.Trade) error { return nil }
func (Noop) TradeFailed(context.Context, models.Trade) error  { return nil }
func (Noop) Close() error                                      { return nil }

// Message is the payload sent for every notification.
type Message struct {
	Event string       `json:"event"`
	At    time.Time    `json:"at"`
	Trade models.Trade `json:"trade"`
}

// KafkaNotifier writes notifications to a topic, keyed by trade id so every
// message about one trade lands on one partition in order.
type KafkaNotifier struct {
	producer sarama.SyncProducer
	topic    string
	clock    func() time.Time
	log      *logging.Logger
}

func NewKafkaNotifier(brokers []string, topic string, log *logging.Logger) (*KafkaNotifier, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5

	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, errs.Wrap(errs.Connection, err, "create settlement producer")
	}
	return NewKafkaNotifierWithProducer(producer, topic, log), nil
}

// NewKafkaNotifierWithProducer wraps an existing producer.
func NewKafkaNotifierWithProducer(producer sarama.SyncProducer, topic string, log *logging.Logger) *KafkaNotifier {
	return &KafkaNotifier{
		producer: producer,
		topic:    topic,
		clock:    time.Now,
		log:      log.Named(namedLogger),
	}
}

func (n *KafkaNotifier) TradePending(ctx context.Context, trade models.Trade) error {
	return n.send(ctx, "trade.pending", trade)
}

func (n *KafkaNotifier) TradeSettled(ctx context.Context, trade models.Trade) error {
	return n.send(ctx, "trade.settled", trade)
}

func (n *KafkaNotifier) TradeFailed(ctx context.Context, trade models.Trade) error {
	return n.send(ctx, "trade.failed", trade)
}

func (n *KafkaNotifier) send(ctx context.Context, event string, trade models.Trade) error {
	if err := ctx.Err(); err != nil {
		return errs.FromContext(err)
	}
	data, err := json.Marshal(Message{Event: event, At: n.clock().UTC(), Trade: trade})
	if err != nil {
		return errs.Wrap(errs.Unknown, err, "encode settlement message")
	}
	partition, offset, err := n.producer.SendMessage(&sarama.ProducerMessage{
		Topic:   n.topic,
		Key:     sarama.StringEncoder(trade.ID),
		Value:   sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{{Key: []byte("event"), Value: []byte(event)}},
	})
	if err != nil {
		return errs.Wrap(errs.Connection, err, "send "+event)
	}
	n.log.Debug("settlement notified",
		zap.String("event", event),
		zap.String("trade_id", trade.ID),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.producer.Close()
}
