package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// consumerPrefetch bounds unacknowledged deliveries per consumer so a slow
// handler cannot buffer the whole queue in memory.
const consumerPrefetch = 16

// MessageHandler processes one delivery body. Returning false asks for a
// redelivery; a message that also fails its redelivery is dropped so a poison
// payload cannot wedge the queue.
type MessageHandler func(body []byte) bool

// EventConsumer drains one queue bound to a topic exchange and dispatches
// deliveries to per-routing-key handlers.
type EventConsumer struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
}

// NewEventConsumer connects to RabbitMQ with a bounded dial timeout and opens
// a prefetch-limited channel.
func NewEventConsumer(amqpURL string) (*EventConsumer, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := ch.Qos(consumerPrefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set consumer prefetch: %w", err)
	}

	return &EventConsumer{conn: conn, channel: ch}, nil
}

// Subscribe declares the durable topic exchange and queue, binds every
// routing key to its handler, and starts the dispatch loop. The loop stops
// when ctx is cancelled or the broker closes the channel.
func (c *EventConsumer) Subscribe(ctx context.Context, exchange, queueName string, handlers map[string]MessageHandler) error {
	if len(handlers) == 0 {
		return errors.New("no handlers provided")
	}
	for routingKey, handler := range handlers {
		if handler == nil {
			return fmt.Errorf("nil handler bound to routing key %q", routingKey)
		}
	}

	if err := c.channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %q: %w", exchange, err)
	}
	queue, err := c.channel.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to declare queue %q: %w", queueName, err)
	}
	for routingKey := range handlers {
		if err := c.channel.QueueBind(queue.Name, routingKey, exchange, false, nil); err != nil {
			return fmt.Errorf("failed to bind %q to %q: %w", routingKey, exchange, err)
		}
	}

	deliveries, err := c.channel.Consume(queue.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to start consuming %q: %w", queue.Name, err)
	}

	go c.dispatch(ctx, handlers, deliveries)
	return nil
}

func (c *EventConsumer) dispatch(ctx context.Context, handlers map[string]MessageHandler, deliveries <-chan amqp091.Delivery) {
	for {
		select {
		case <-ctx.Done():
			log.Println("level=info component=rabbitmq_consumer msg=\"dispatch stopped\"")
			return
		case d, open := <-deliveries:
			if !open {
				log.Println("level=warn component=rabbitmq_consumer msg=\"delivery channel closed by broker\"")
				return
			}

			handler, bound := handlers[d.RoutingKey]
			if !bound {
				log.Printf("level=warn component=rabbitmq_consumer msg=\"no handler for routing key; dropping\" routing_key=%s", d.RoutingKey)
				_ = d.Ack(false)
				continue
			}

			if handler(d.Body) {
				_ = d.Ack(false)
				continue
			}

			// One redelivery per message. A second failure drops it so a
			// poison payload does not cycle forever.
			if d.Redelivered {
				log.Printf("level=error component=rabbitmq_consumer msg=\"handler failed twice; dropping message\" routing_key=%s", d.RoutingKey)
				_ = d.Nack(false, false)
			} else {
				log.Printf("level=warn component=rabbitmq_consumer msg=\"handler failed; requeuing once\" routing_key=%s", d.RoutingKey)
				_ = d.Nack(false, true)
			}
		}
	}
}

// Close shuts the channel and connection down.
func (c *EventConsumer) Close() {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
}
