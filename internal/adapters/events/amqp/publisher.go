// Package amqp publishes runtime cycle reports to a RabbitMQ exchange so
// external aggregators can watch engine health without scraping
// runtime-events.jsonl.
package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/tjfontaine/multichannel-engine/internal/core/ports"
)

const routingKey = "engine.cycle"

// Publisher implements ports.CycleReportPublisher over an AMQP 0.9.1 broker.
type Publisher struct {
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	exchange string
}

var _ ports.CycleReportPublisher = (*Publisher)(nil)

// Dial connects to the broker and declares a durable topic exchange.
func Dial(url, exchange string) (*Publisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial amqp broker: %w", err)
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if err := channel.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &Publisher{conn: conn, channel: channel, exchange: exchange}, nil
}

// PublishCycleReport sends one cycle report as a persistent JSON message.
func (p *Publisher) PublishCycleReport(ctx context.Context, report json.RawMessage) error {
	err := p.channel.PublishWithContext(ctx, p.exchange, routingKey, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         report,
	})
	if err != nil {
		return fmt.Errorf("publish cycle report: %w", err)
	}
	return nil
}

// Close releases the channel and connection.
func (p *Publisher) Close() error {
	if err := p.channel.Close(); err != nil {
		p.conn.Close()
		return fmt.Errorf("close amqp channel: %w", err)
	}
	if err := p.conn.Close(); err != nil {
		return fmt.Errorf("close amqp connection: %w", err)
	}
	return nil
}
