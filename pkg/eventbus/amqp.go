package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/goclaw/sagaflow/pkg/logger"
)

// AMQPChannel is the part of *amqp.Channel the transport uses.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPConfig configures the AMQP transport.
type AMQPConfig struct {
	URL      string
	Exchange string
	// Durable exchanges and persistent messages survive a broker restart.
	Durable bool
}

// AMQPTransport publishes lifecycle envelopes to a topic exchange, using the
// subject as routing key.
type AMQPTransport struct {
	exchange   string
	persistent bool
	log        logger.Logger

	mu      sync.Mutex
	conn    *amqp.Connection
	channel AMQPChannel
	closed  bool
}

// DialAMQP connects to the broker and declares the exchange.
func DialAMQP(cfg AMQPConfig, log logger.Logger) (*AMQPTransport, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "dialing amqp broker")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "opening amqp channel")
	}
	t, err := NewAMQPTransport(ch, cfg, log)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	t.conn = conn
	return t, nil
}

// NewAMQPTransport declares the exchange on an open channel.
func NewAMQPTransport(ch AMQPChannel, cfg AMQPConfig, log logger.Logger) (*AMQPTransport, error) {
	if ch == nil {
		return nil, errors.New("amqp channel cannot be nil")
	}
	if cfg.Exchange == "" {
		return nil, errors.New("amqp exchange cannot be empty")
	}
	if log == nil {
		log = logger.Nop()
	}
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, cfg.Durable, !cfg.Durable, false, false, nil); err != nil {
		return nil, errors.Wrapf(err, "declaring exchange %s", cfg.Exchange)
	}
	return &AMQPTransport{
		exchange:   cfg.Exchange,
		persistent: cfg.Durable,
		log:        log.With("component", "amqp_transport", "exchange", cfg.Exchange),
		channel:    ch,
	}, nil
}

// Publish sends payload with subject as routing key.
func (t *AMQPTransport) Publish(ctx context.Context, subject string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errors.WithStack(amqp.ErrClosed)
	}

	msg := amqp.Publishing{
		ContentType: "application/json",
		Timestamp:   time.Now().UTC(),
		Body:        payload,
	}
	if t.persistent {
		msg.DeliveryMode = amqp.Persistent
	}
	if err := t.channel.Publish(t.exchange, subject, false, false, msg); err != nil {
		return errors.Wrapf(err, "publishing to %s", subject)
	}
	return nil
}

// Check reports whether the transport can still publish. It backs the
// readiness probe.
func (t *AMQPTransport) Check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || (t.conn != nil && t.conn.IsClosed()) {
		return errors.WithStack(amqp.ErrClosed)
	}
	return nil
}

// Close closes the channel and the connection when owned.
func (t *AMQPTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	var err error
	if cerr := t.channel.Close(); cerr != nil {
		err = errors.Wrap(cerr, "closing amqp channel")
	}
	if t.conn != nil {
		if cerr := t.conn.Close(); cerr != nil && err == nil {
			err = errors.Wrap(cerr, "closing amqp connection")
		}
	}
	t.log.Info("amqp transport closed")
	return err
}
