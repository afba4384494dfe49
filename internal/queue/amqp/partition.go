package amqp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqplib "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/Harsh-BH/runq/internal/domain"
	"github.com/Harsh-BH/runq/internal/queue"
)

var _ queue.Partition = (*Partition)(nil)

// Partition is a quorum queue per language. Deliveries are consumed with
// manual ack and prefetch, so RabbitMQ hands each message to one claimant and
// redelivers it if the consumer's channel dies before the ack.
//
// A published message cannot be deleted from a queue. Remove therefore only
// settles claimed deliveries; a removed job still waiting in the queue is
// skipped by the worker when its activation is refused.
type Partition struct {
	broker       *Broker
	lang         domain.Language
	queue        string
	prefetch     int
	claimTimeout time.Duration
	logger       *zap.Logger

	mu         sync.Mutex
	ch         *amqplib.Channel
	deliveries <-chan amqplib.Delivery
	// inflight holds the unacked deliveries per job id, oldest first.
	inflight map[uuid.UUID][]amqplib.Delivery
}

// Partition creates the partition for lang on this broker.
func (b *Broker) Partition(lang domain.Language, prefetch int, claimTimeout time.Duration) *Partition {
	if prefetch < 1 {
		prefetch = 1
	}
	return &Partition{
		broker:       b,
		lang:         lang,
		queue:        QueueName(lang),
		prefetch:     prefetch,
		claimTimeout: claimTimeout,
		logger:       b.logger,
		inflight:     make(map[uuid.UUID][]amqplib.Delivery),
	}
}

func (p *Partition) Language() domain.Language { return p.lang }

func (p *Partition) Add(ctx context.Context, id uuid.UUID) error {
	if err := p.broker.publish(ctx, p.lang, id.String()); err != nil {
		return fmt.Errorf("amqp queue: add to %s: %w", p.lang, err)
	}
	return nil
}

func (p *Partition) Claim(ctx context.Context, workerID string) (uuid.UUID, error) {
	deliveries, err := p.consumer()
	if err != nil {
		return uuid.Nil, fmt.Errorf("amqp queue: claim from %s: %w", p.lang, err)
	}

	timer := time.NewTimer(p.claimTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return uuid.Nil, ctx.Err()
		case <-timer.C:
			return uuid.Nil, queue.ErrEmpty
		case d, ok := <-deliveries:
			if !ok {
				p.resetConsumer()
				return uuid.Nil, fmt.Errorf("amqp queue: claim from %s: delivery channel closed", p.lang)
			}

			id, err := uuid.ParseBytes(d.Body)
			if err != nil {
				p.logger.Error("Rejecting malformed message",
					zap.String("queue", p.queue),
					zap.String("body", string(d.Body)),
					zap.String("worker_id", workerID),
				)
				_ = d.Nack(false, false) // reject → DLQ
				continue
			}

			p.mu.Lock()
			p.inflight[id] = append(p.inflight[id], d)
			p.mu.Unlock()

			p.logger.Debug("Received job from queue",
				zap.String("job_id", id.String()),
				zap.String("queue", p.queue),
				zap.Bool("redelivered", d.Redelivered),
			)
			return id, nil
		}
	}
}

// consumer starts a consume session on a dedicated channel if none is running.
func (p *Partition) consumer() (<-chan amqplib.Delivery, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil && !p.ch.IsClosed() {
		return p.deliveries, nil
	}

	ch, err := p.broker.openChannel()
	if err != nil {
		return nil, err
	}
	if err := ch.Qos(p.prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("qos: %w", err)
	}
	deliveries, err := ch.Consume(
		p.queue,
		"",    // auto-generated consumer tag
		false, // auto-ack disabled (manual ack)
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("consume: %w", err)
	}

	p.ch = ch
	p.deliveries = deliveries
	p.logger.Info("AMQP consumer started", zap.String("queue", p.queue), zap.Int("prefetch", p.prefetch))
	return deliveries, nil
}

func (p *Partition) resetConsumer() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		p.ch.Close()
	}
	p.ch = nil
	p.deliveries = nil
	// Unacked deliveries of a dead channel are requeued by the broker.
	p.inflight = make(map[uuid.UUID][]amqplib.Delivery)
}

// settle pops the oldest unacked delivery of id.
func (p *Partition) settle(id uuid.UUID) (amqplib.Delivery, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pending := p.inflight[id]
	if len(pending) == 0 {
		return amqplib.Delivery{}, false
	}
	d := pending[0]
	if len(pending) == 1 {
		delete(p.inflight, id)
	} else {
		p.inflight[id] = pending[1:]
	}
	return d, true
}

func (p *Partition) Ack(ctx context.Context, id uuid.UUID) error {
	d, ok := p.settle(id)
	if !ok {
		return nil
	}
	if err := d.Ack(false); err != nil {
		return fmt.Errorf("amqp queue: ack on %s: %w", p.lang, err)
	}
	return nil
}

// Release requeues the delivery. RabbitMQ puts it back at its original
// position where possible and marks it redelivered.
func (p *Partition) Release(ctx context.Context, id uuid.UUID) error {
	d, ok := p.settle(id)
	if !ok {
		return nil
	}
	if err := d.Nack(false, true); err != nil {
		return fmt.Errorf("amqp queue: release on %s: %w", p.lang, err)
	}
	return nil
}

func (p *Partition) Remove(ctx context.Context, id uuid.UUID) error {
	p.mu.Lock()
	pending := p.inflight[id]
	delete(p.inflight, id)
	p.mu.Unlock()

	for _, d := range pending {
		if err := d.Ack(false); err != nil {
			return fmt.Errorf("amqp queue: remove from %s: %w", p.lang, err)
		}
	}
	return nil
}

func (p *Partition) Depth(ctx context.Context) (int64, error) {
	n, err := p.broker.depth(p.queue)
	if err != nil {
		return 0, fmt.Errorf("amqp queue: depth of %s: %w", p.lang, err)
	}
	return n, nil
}

// Close stops the consume session. Unacked deliveries return to the queue.
func (p *Partition) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return nil
	}
	err := p.ch.Close()
	p.ch = nil
	p.deliveries = nil
	return err
}
