package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"recapai/internal/util"
)

// publisher is the slice of an AMQP channel the sink uses.
type publisher interface {
	Publish(ctx context.Context, routingKey string, body []byte) error
	Close() error
}

type dialFunc func(ctx context.Context) (publisher, error)

// AMQPSink publishes events to a topic exchange from a background goroutine.
// Record enqueues into a bounded buffer and drops when it is full.
type AMQPSink struct {
	events  chan Event
	dial    dialFunc
	backoff time.Duration
	dropped atomic.Int64
}

// AMQPConfig configures the RabbitMQ audit sink.
type AMQPConfig struct {
	URL      string
	Exchange string
	Buffer   int
	Backoff  time.Duration
}

func NewAMQPSink(cfg AMQPConfig) (*AMQPSink, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("audit amqp url required")
	}
	exchange := strings.TrimSpace(cfg.Exchange)
	if exchange == "" {
		exchange = "recapai.audit"
	}
	return newAMQPSink(cfg, func(ctx context.Context) (publisher, error) {
		return dialAMQP(ctx, url, exchange)
	}), nil
}

func newAMQPSink(cfg AMQPConfig, dial dialFunc) *AMQPSink {
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = 1024
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	return &AMQPSink{events: make(chan Event, buffer), dial: dial, backoff: backoff}
}

func (s *AMQPSink) Record(_ context.Context, ev Event) {
	select {
	case s.events <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Dropped counts events discarded because the buffer was full or the broker
// was unavailable.
func (s *AMQPSink) Dropped() int64 { return s.dropped.Load() }

// Run publishes buffered events until ctx is done. Connection failures are
// retried after the backoff; events arriving meanwhile are dropped.
func (s *AMQPSink) Run(ctx context.Context) {
	var pub publisher
	var retryAt time.Time
	defer func() {
		if pub != nil {
			_ = pub.Close()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.events:
			if pub == nil {
				if time.Now().Before(retryAt) {
					s.dropped.Add(1)
					continue
				}
				p, err := s.dial(ctx)
				if err != nil {
					slog.Warn("audit broker unavailable", "err", err)
					retryAt = time.Now().Add(s.backoff)
					s.dropped.Add(1)
					continue
				}
				pub = p
			}
			body, err := json.Marshal(ev)
			if err != nil {
				s.dropped.Add(1)
				continue
			}
			pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = pub.Publish(pubCtx, routingKey(ev), body)
			cancel()
			if err != nil {
				slog.Warn("audit publish failed", "action", ev.Action, "err", err)
				_ = pub.Close()
				pub = nil
				retryAt = time.Now().Add(s.backoff)
				s.dropped.Add(1)
			}
		}
	}
}

func routingKey(ev Event) string {
	return "audit." + ev.Action + "." + ev.Outcome
}

type amqpPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

func dialAMQP(_ context.Context, url, exchange string) (publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("declare audit exchange: %w", err)
	}
	return &amqpPublisher{conn: conn, ch: ch, exchange: exchange}, nil
}

func (p *amqpPublisher) Publish(ctx context.Context, key string, body []byte) error {
	return p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    util.NewID(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
}

func (p *amqpPublisher) Close() error {
	_ = p.ch.Close()
	return p.conn.Close()
}
