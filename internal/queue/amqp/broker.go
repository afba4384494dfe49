package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqplib "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/Harsh-BH/runq/internal/domain"
	"github.com/Harsh-BH/runq/internal/queue"
)

const (
	exchangeName = "runq.direct"
	exchangeType = "direct"

	deadLetterExchange = "runq.dlx"
	deadLetterQueue    = "runq.dead_letter"

	// Reconnection settings
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 30 * time.Second

	// Publish timeout
	publishTimeout = 5 * time.Second
)

var errNotConnected = errors.New("rabbitmq: not connected (reconnecting)")

// QueueName is the quorum queue backing the partition of lang.
func QueueName(lang domain.Language) string {
	return "runq." + string(lang)
}

func queueArgs() amqplib.Table {
	return amqplib.Table{
		"x-queue-type":           "quorum",
		"x-dead-letter-exchange": deadLetterExchange,
	}
}

// Broker owns the AMQP connection shared by every partition of a process,
// declares the topology and reconnects when the connection drops.
type Broker struct {
	url    string
	logger *zap.Logger

	mu      sync.RWMutex
	conn    *amqplib.Connection
	pub     *amqplib.Channel
	pubMu   sync.Mutex
	closed  bool
	closeCh chan struct{}
}

// Dial connects to RabbitMQ and declares one quorum queue per language.
func Dial(url string, logger *zap.Logger) (*Broker, error) {
	b := &Broker{
		url:     url,
		logger:  logger,
		closeCh: make(chan struct{}),
	}

	if err := b.connect(); err != nil {
		return nil, err
	}

	// Watch for connection closures and reconnect
	go b.watchConnection()

	return b, nil
}

func (b *Broker) connect() error {
	conn, err := amqplib.Dial(b.url)
	if err != nil {
		return fmt.Errorf("rabbitmq: dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("rabbitmq: channel: %w", err)
	}

	fail := func(step string, err error) error {
		ch.Close()
		conn.Close()
		return fmt.Errorf("rabbitmq: %s: %w", step, err)
	}

	// Enable publisher confirms
	if err := ch.Confirm(false); err != nil {
		return fail("enable confirms", err)
	}
	if err := ch.ExchangeDeclare(exchangeName, exchangeType, true, false, false, false, nil); err != nil {
		return fail("declare exchange", err)
	}
	if err := ch.ExchangeDeclare(deadLetterExchange, "fanout", true, false, false, false, nil); err != nil {
		return fail("declare DLX", err)
	}
	if _, err := ch.QueueDeclare(deadLetterQueue, true, false, false, false, nil); err != nil {
		return fail("declare DLQ", err)
	}
	if err := ch.QueueBind(deadLetterQueue, "", deadLetterExchange, false, nil); err != nil {
		return fail("bind DLQ", err)
	}
	for _, lang := range domain.Languages() {
		name := QueueName(lang)
		if _, err := ch.QueueDeclare(name, true, false, false, false, queueArgs()); err != nil {
			return fail("declare queue "+name, err)
		}
		if err := ch.QueueBind(name, string(lang), exchangeName, false, nil); err != nil {
			return fail("bind queue "+name, err)
		}
	}

	b.mu.Lock()
	b.conn = conn
	b.pub = ch
	b.mu.Unlock()

	b.logger.Info("RabbitMQ broker initialized", zap.String("exchange", exchangeName))
	return nil
}

// watchConnection monitors the connection and reconnects on failure.
func (b *Broker) watchConnection() {
	for {
		b.mu.RLock()
		if b.closed {
			b.mu.RUnlock()
			return
		}
		conn := b.conn
		b.mu.RUnlock()

		// Block until the connection closes
		reason, ok := <-conn.NotifyClose(make(chan *amqplib.Error, 1))
		if !ok || reason == nil {
			// Closed by Close()
			return
		}

		b.logger.Warn("RabbitMQ connection lost, reconnecting...", zap.String("reason", reason.Error()))
		b.mu.Lock()
		b.pub = nil
		b.mu.Unlock()

		delay := reconnectDelay
		for {
			select {
			case <-b.closeCh:
				return
			case <-time.After(delay):
			}

			if err := b.connect(); err != nil {
				b.logger.Warn("RabbitMQ reconnect failed", zap.Error(err), zap.Duration("retry_in", delay))
				delay = min(delay*2, maxReconnectDelay)
				continue
			}

			b.logger.Info("RabbitMQ reconnected successfully")
			break
		}
	}
}

// publish sends id to the queue of lang and waits for the broker confirm.
func (b *Broker) publish(ctx context.Context, lang domain.Language, id string) error {
	b.mu.RLock()
	ch := b.pub
	b.mu.RUnlock()
	if ch == nil {
		return errNotConnected
	}

	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	// Confirm sequence numbers are assigned in publish order per channel.
	b.pubMu.Lock()
	confirm, err := ch.PublishWithDeferredConfirmWithContext(publishCtx,
		exchangeName,
		string(lang),
		false, // mandatory
		false, // immediate
		amqplib.Publishing{
			ContentType:  "text/plain",
			DeliveryMode: amqplib.Persistent,
			MessageId:    id,
			Timestamp:    time.Now(),
			Body:         []byte(id),
		},
	)
	b.pubMu.Unlock()
	if err != nil {
		return fmt.Errorf("rabbitmq: publish: %w", err)
	}

	acked, err := confirm.WaitContext(publishCtx)
	if err != nil {
		return fmt.Errorf("rabbitmq: publish confirmation timeout (job_id=%s): %w", id, err)
	}
	if !acked {
		return fmt.Errorf("rabbitmq: broker nacked message (job_id=%s)", id)
	}
	return nil
}

// openChannel opens a fresh channel on the current connection.
func (b *Broker) openChannel() (*amqplib.Channel, error) {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()
	if conn == nil || conn.IsClosed() {
		return nil, errNotConnected
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq: channel: %w", err)
	}
	return ch, nil
}

// depth reads the ready message count of a queue.
func (b *Broker) depth(name string) (int64, error) {
	ch, err := b.openChannel()
	if err != nil {
		return 0, err
	}
	defer ch.Close()

	q, err := ch.QueueDeclarePassive(name, true, false, false, false, queueArgs())
	if err != nil {
		return 0, fmt.Errorf("rabbitmq: inspect %s: %w", name, err)
	}
	return int64(q.Messages), nil
}

// Ping reports whether the connection is up.
func (b *Broker) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.conn == nil || b.conn.IsClosed() {
		return errNotConnected
	}
	return nil
}

// NewSet creates one partition per supported language on this broker.
// prefetch bounds unacked deliveries per partition and should match the
// pool size.
func (b *Broker) NewSet(prefetch int, claimTimeout time.Duration) (queue.Set, error) {
	var parts []queue.Partition
	for _, lang := range domain.Languages() {
		parts = append(parts, b.Partition(lang, prefetch, claimTimeout))
	}
	return queue.NewSet(parts...)
}

// Close shuts down the connection. Partitions stop claiming.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	close(b.closeCh)

	if b.pub != nil {
		b.pub.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
