package broker

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/xtrntr/offerbook/internal/connector"
	"github.com/xtrntr/offerbook/internal/errs"
	"github.com/xtrntr/offerbook/internal/logging"
)

const headerType = "event-type"

// KafkaPublisher appends events to partition 0 of one topic, so the topic
// is a single totally ordered log.
type KafkaPublisher struct {
	writer  *kafka.Writer
	brokers []string
	topic   string
	log     *logging.Logger
}

func NewKafkaPublisher(brokers []string, topic string, log *logging.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     kafka.BalancerFunc(firstPartition),
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		BatchTimeout: 10 * time.Millisecond,
	}
	return &KafkaPublisher{writer: w, brokers: brokers, topic: topic, log: log}
}

func firstPartition(_ kafka.Message, partitions ...int) int {
	if len(partitions) == 0 {
		return 0
	}
	return partitions[0]
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	data, err := e.Marshal()
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(e.Key()),
		Value:   data,
		Time:    e.At,
		Headers: []kafka.Header{{Key: headerType, Value: []byte(e.Type)}},
	})
}

// Ping dials the first reachable broker.
func (p *KafkaPublisher) Ping(ctx context.Context) error {
	var errList []error
	for _, addr := range p.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn.Close()
		}
		errList = append(errList, err)
	}
	return errs.Wrap(errs.Connection, errors.Join(errList...), "ping kafka")
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// ReadLog returns every event on partition 0, oldest first.
func (p *KafkaPublisher) ReadLog(ctx context.Context) ([]Event, error) {
	if len(p.brokers) == 0 {
		return nil, errs.New(errs.Configuration, "no_brokers", "no kafka brokers configured")
	}
	conn, err := kafka.DialLeader(ctx, "tcp", p.brokers[0], p.topic, 0)
	if err != nil {
		return nil, errs.Wrap(errs.Connection, err, "dial partition leader")
	}
	first, last, err := conn.ReadOffsets()
	conn.Close()
	if err != nil {
		return nil, errs.Wrap(errs.Connection, err, "read offsets")
	}
	if last <= first {
		return nil, nil
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   p.brokers,
		Topic:     p.topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer r.Close()
	if err := r.SetOffset(first); err != nil {
		return nil, errs.Wrap(errs.Connection, err, "seek log")
	}

	events := make([]Event, 0, last-first)
	for {
		msg, err := r.ReadMessage(ctx)
		if err != nil {
			return nil, publishErr(Event{Type: "replay"}, err)
		}
		e, err := UnmarshalEvent(msg.Value)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
		if msg.Offset >= last-1 {
			break
		}
	}
	p.log.Info("read kafka log", zap.String("topic", p.topic), zap.Int("events", len(events)))
	return events, nil
}

// OpenKafka builds a Kafka backed connector from props "brokers" and
// "topic". Unless "replay" is false the read model is rebuilt from the
// topic first.
func OpenKafka(ctx context.Context, props connector.Properties, log *logging.Logger) (*connector.Connector, error) {
	if err := props.Require("brokers", "topic"); err != nil {
		return nil, err
	}
	replay, err := props.Bool("replay", true)
	if err != nil {
		return nil, err
	}
	pub := NewKafkaPublisher(props.Strings("brokers"), props.String("topic", ""), log)
	s := NewStore(pub, log)
	if replay {
		events, err := pub.ReadLog(ctx)
		if err != nil {
			pub.Close()
			return nil, err
		}
		if err := s.Replay(events); err != nil {
			pub.Close()
			return nil, err
		}
	}
	return connector.New(connector.KindKafka, s), nil
}
