package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPPublisher sends escalations to a durable queue with publisher
// confirms. Publishes are serialized so that each confirm matches its
// message.
type AMQPPublisher struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	queue    string
	confirms chan amqp.Confirmation
	mu       sync.Mutex
}

// DialAMQP connects to url and declares queue.
func DialAMQP(url, queue string) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("escalation: dial amqp: %w", err)
	}
	p, err := NewAMQPPublisher(conn, queue)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func NewAMQPPublisher(conn *amqp.Connection, queue string) (*AMQPPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("escalation: open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("escalation: declare queue %s: %w", queue, err)
	}
	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("escalation: enable confirms: %w", err)
	}
	return &AMQPPublisher{
		ch:       ch,
		queue:    queue,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
	}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev *Event) error {
	prepare(ev)
	msg, err := publishing(ev)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ch.PublishWithContext(ctx, "", p.queue, false, false, msg); err != nil {
		return fmt.Errorf("escalation: publish to %s: %w", p.queue, err)
	}
	select {
	case c, ok := <-p.confirms:
		if !ok {
			return errors.New("escalation: channel closed before confirm")
		}
		if !c.Ack {
			return fmt.Errorf("escalation: broker nacked event %s", ev.ID)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("escalation: waiting for confirm: %w", ctx.Err())
	}
}

// Close closes the channel and, when the publisher dialed it, the connection.
func (p *AMQPPublisher) Close() error {
	err := p.ch.Close()
	if p.conn != nil {
		err = errors.Join(err, p.conn.Close())
	}
	return err
}

func publishing(ev *Event) (amqp.Publishing, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("escalation: marshal event: %w", err)
	}
	priority := uint8(0)
	switch ev.Priority {
	case "IMMEDIATE":
		priority = 9
	case "URGENT":
		priority = 5
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Type:         ev.Type,
		Timestamp:    ev.OccurredAt,
		Priority:     priority,
		Body:         body,
	}, nil
}
