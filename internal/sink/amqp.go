// Package sink hands run results to downstream consumers over AMQP.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"qci-scorer-go/internal/logger"
	"qci-scorer-go/internal/types"
)

// Routing keys on the topic exchange.
const (
	KeyScored = "qci.scored"
	KeyFailed = "qci.failed"
	KeyAgent  = "qci.agent"
	KeyRun    = "qci.run"
)

// Envelope wraps every published payload.
type Envelope struct {
	RunID     string    `json:"run_id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload"`
}

// Message is one publishable unit.
type Message struct {
	RoutingKey string
	MessageID  string
	Body       []byte
}

// Envelopes turns a report into messages: one per scored call, failed or
// not-attempted call and agent summary, then a closing run summary.
func Envelopes(rep *types.Report, now time.Time) ([]Message, error) {
	var out []Message
	add := func(key, typ, id string, payload any) error {
		body, err := json.Marshal(Envelope{RunID: rep.RunID, Type: typ, Timestamp: now, Payload: payload})
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", typ, id, err)
		}
		out = append(out, Message{RoutingKey: key, MessageID: rep.RunID + ":" + typ + ":" + id, Body: body})
		return nil
	}
	for _, c := range rep.Scored {
		if err := add(KeyScored, "scored_call", c.ID, c); err != nil {
			return nil, err
		}
	}
	for _, c := range rep.Failed {
		if err := add(KeyFailed, "failed_call", c.ID, c); err != nil {
			return nil, err
		}
	}
	for _, c := range rep.NotAttempted {
		if err := add(KeyFailed, "not_attempted", c.ID, c); err != nil {
			return nil, err
		}
	}
	for _, a := range rep.Agents {
		if err := add(KeyAgent, "agent_summary", a.Key, a); err != nil {
			return nil, err
		}
	}
	if err := add(KeyRun, "run_summary", "summary", rep.Summary); err != nil {
		return nil, err
	}
	return out, nil
}

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPPublisher publishes reports to a durable topic exchange.
type AMQPPublisher struct {
	mu       sync.Mutex
	conn     *amqp.Connection
	ch       Channel
	exchange string
	now      func() time.Time
	log      *logger.Logger
}

// DialAMQP connects, opens a channel and declares the exchange.
func DialAMQP(url, exchange string, log *logger.Logger) (*AMQPPublisher, error) {
	if url == "" {
		return nil, fmt.Errorf("AMQP URL not configured")
	}
	conn, err := amqp.DialConfig(url, amqp.Config{Dial: amqp.DefaultDial(5 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to AMQP server: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open AMQP channel: %w", err)
	}
	p, err := NewAMQPPublisher(ch, exchange, log)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

// NewAMQPPublisher declares the exchange on an open channel.
func NewAMQPPublisher(ch Channel, exchange string, log *logger.Logger) (*AMQPPublisher, error) {
	if log == nil {
		log = logger.New()
	}
	if err := ch.ExchangeDeclare(
		exchange,
		"topic",
		true,  // Durable
		false, // Delete when unused
		false, // Internal
		false, // No-wait
		nil,   // Arguments
	); err != nil {
		return nil, fmt.Errorf("declare exchange %s: %w", exchange, err)
	}
	return &AMQPPublisher{ch: ch, exchange: exchange, now: time.Now, log: log.With("component", "amqp-sink")}, nil
}

// Name identifies the sink in logs.
func (p *AMQPPublisher) Name() string { return "amqp" }

// Publish sends every envelope of the report as a persistent message.
func (p *AMQPPublisher) Publish(ctx context.Context, rep *types.Report) error {
	msgs, err := Envelopes(rep, p.now().UTC())
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.ch.Publish(p.exchange, m.RoutingKey, false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    m.MessageID,
			Timestamp:    p.now(),
			Body:         m.Body,
		}); err != nil {
			return fmt.Errorf("publish %s: %w", m.MessageID, err)
		}
	}
	p.log.WithField("run_id", rep.RunID).WithField("messages", len(msgs)).Info("report published")
	return nil
}

// Close releases the channel and connection.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.ch.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
