package queue

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"

	"github.com/unclebandit/commsblock-backend/internal/config"
)

// AMQPQueue publishes JSON messages to a topic exchange, using the topic as the
// routing key.
type AMQPQueue struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
	log      zerolog.Logger
}

var _ Queue = (*AMQPQueue)(nil)

func DialAMQP(url, exchange string, log zerolog.Logger) (*AMQPQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(
		exchange, // name
		"topic",  // kind
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPQueue{conn: conn, ch: ch, exchange: exchange, log: log.With().Str("component", "amqp").Logger()}, nil
}

func (q *AMQPQueue) Publish(topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s message: %w", topic, err)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ch.Publish(q.exchange, topic, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	})
}

// Subscribe binds a durable queue named <exchange>.<topic> and consumes it with
// manual acks. A failed message is requeued once, then dropped.
func (q *AMQPQueue) Subscribe(topic string, handler func(payload any) error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	name := q.exchange + "." + topic
	if _, err := q.ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", name, err)
	}
	if err := q.ch.QueueBind(name, topic, q.exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", name, err)
	}
	msgs, err := q.ch.Consume(name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", name, err)
	}

	go func() {
		for d := range msgs {
			var payload any
			if err := json.Unmarshal(d.Body, &payload); err != nil {
				q.log.Warn().Err(err).Str("topic", topic).Msg("invalid message")
				d.Ack(false)
				continue
			}
			if err := handler(payload); err != nil {
				q.log.Warn().Err(err).Str("topic", topic).Bool("redelivered", d.Redelivered).Msg("handler failed")
				d.Nack(false, !d.Redelivered)
				continue
			}
			d.Ack(false)
		}
	}()
	return nil
}

func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.ch.Close(); err != nil {
		q.conn.Close()
		return err
	}
	return q.conn.Close()
}

// Open returns the AMQP queue when a URL is configured and the in-memory queue
// otherwise. The returned close func is always safe to call.
func Open(cfg config.QueueConfig, log zerolog.Logger) (Queue, func() error, error) {
	if cfg.AMQPURL == "" {
		log.Info().Str("queue", "memory").Msg("queue selected")
		return NewInMemoryQueue(log), func() error { return nil }, nil
	}
	q, err := DialAMQP(cfg.AMQPURL, cfg.Exchange, log)
	if err != nil {
		return nil, nil, err
	}
	log.Info().Str("queue", "amqp").Str("exchange", cfg.Exchange).Msg("queue selected")
	return q, q.Close, nil
}
