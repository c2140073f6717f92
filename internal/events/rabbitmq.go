// Package events publishes account events to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-auth-go/internal/auth"
)

type Config struct {
	URL          string        `env:"URL"`
	Exchange     string        `env:"EXCHANGE" envDefault:"pitchfork.auth"`
	DialTimeout  time.Duration `env:"DIAL_TIMEOUT" envDefault:"30s"`
	PublishAfter time.Duration `env:"PUBLISH_TIMEOUT" envDefault:"5s"`
}

func (c Config) Enabled() bool { return strings.TrimSpace(c.URL) != "" }

// channel is the subset of *amqp.Channel the publisher uses.
type channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Publisher implements auth.EventPublisher on a topic exchange; the routing
// key is the event type.
type Publisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       channel
	exchange string
	timeout  time.Duration
	logger   *zap.SugaredLogger
}

// Dial connects with exponential backoff bounded by cfg.DialTimeout and
// declares the exchange.
func Dial(ctx context.Context, cfg Config, logger *zap.SugaredLogger) (*Publisher, error) {
	if !cfg.Enabled() {
		return nil, errors.New("rabbitmq url is required")
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = cfg.DialTimeout

	var conn *amqp.Connection
	err := backoff.RetryNotify(func() error {
		c, err := amqp.Dial(cfg.URL)
		if err != nil {
			var amqpErr *amqp.Error
			if errors.As(err, &amqpErr) && amqpErr.Code == amqp.AccessRefused {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}, backoff.WithContext(bo, ctx), func(err error, next time.Duration) {
		logger.Warnw("rabbitmq dial failed, retrying", "err", err, "next", next)
	})
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", cfg.Exchange, err)
	}
	p := newPublisher(ch, cfg, logger)
	p.conn = conn
	return p, nil
}

func newPublisher(ch channel, cfg Config, logger *zap.SugaredLogger) *Publisher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	timeout := cfg.PublishAfter
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Publisher{ch: ch, exchange: cfg.Exchange, timeout: timeout, logger: logger}
}

func (p *Publisher) Publish(ctx context.Context, ev auth.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    ev.OccurredAt,
		Type:         ev.Type,
		Body:         body,
	}
	// amqp channels are not safe for concurrent publishing
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ch.PublishWithContext(ctx, p.exchange, ev.Type, false, false, msg); err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	p.logger.Debugw("event published", "type", ev.Type, "account_id", ev.AccountID, "message_id", msg.MessageId)
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
