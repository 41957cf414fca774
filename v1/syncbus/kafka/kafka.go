// Package kafka carries broadcast messages over Kafka topics. Consumers start
// at the newest offset, so a newly opened handle never sees history.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/IBM/sarama"

	warperrors "github.com/mirkobrombin/go-replica/v1/errors"
	"github.com/mirkobrombin/go-replica/v1/syncbus"
)

// DefaultTopicPrefix is prepended to every topic.
const DefaultTopicPrefix = "replica.bcast."

// Transport implements syncbus.Transport using a sarama producer and
// partition consumers.
type Transport struct {
	client   sarama.Client
	producer sarama.SyncProducer
	consumer sarama.Consumer
	once     sync.Once
}

// New connects to brokers. A nil cfg uses sarama defaults.
func New(brokers []string, cfg *sarama.Config) (*Transport, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &Transport{client: client, producer: producer, consumer: consumer}, nil
}

// NewBus returns a syncbus.Hub relaying through Kafka.
func NewBus(brokers []string, cfg *sarama.Config) (*syncbus.Hub, error) {
	t, err := New(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return syncbus.NewHub(t), nil
}

// TopicName maps a bus topic to a valid Kafka topic name.
func TopicName(topic string) string {
	return DefaultTopicPrefix + strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.', r == '_', r == '-':
			return r
		}
		return '.'
	}, topic)
}

// Send implements syncbus.Transport.Send.
func (t *Transport) Send(ctx context.Context, topic string, msg syncbus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_, _, err = t.producer.SendMessage(&sarama.ProducerMessage{
		Topic: TopicName(topic),
		Key:   sarama.StringEncoder(msg.Key),
		Value: sarama.ByteEncoder(data),
	})
	return mapKafkaErr(err)
}

// Listen implements syncbus.Transport.Listen on partition 0.
func (t *Transport) Listen(ctx context.Context, topic string, deliver func(syncbus.Message)) (func() error, error) {
	pc, err := t.consumer.ConsumePartition(TopicName(topic), 0, sarama.OffsetNewest)
	if err != nil {
		return nil, mapKafkaErr(err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for m := range pc.Messages() {
			var msg syncbus.Message
			if err := json.Unmarshal(m.Value, &msg); err != nil {
				slog.Warn("syncbus/kafka: malformed message", "topic", m.Topic, "offset", m.Offset, "error", err)
				continue
			}
			deliver(msg)
		}
	}()
	return func() error {
		err := pc.Close()
		<-done
		return err
	}, nil
}

// Close releases the producer, consumer and client.
func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		_ = t.producer.Close()
		_ = t.consumer.Close()
		err = t.client.Close()
	})
	return err
}

func mapKafkaErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sarama.ErrClosedClient), errors.Is(err, sarama.ErrShuttingDown):
		return warperrors.ErrConnectionClosed
	case errors.Is(err, sarama.ErrRequestTimedOut), errors.Is(err, context.DeadlineExceeded):
		return warperrors.ErrTimeout
	default:
		return err
	}
}
