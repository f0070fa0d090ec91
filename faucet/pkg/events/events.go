// Package events publishes finalized disbursements to RabbitMQ.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"

	"github.com/malbeclabs/faucet/faucet/pkg/disbursement"
)

const DefaultExchange = "faucet_events"

// Event is the message body for a finalized disbursement.
type Event struct {
	RequestID     uuid.UUID `json:"request_id"`
	WalletAddress string    `json:"wallet_address"`
	Amount        string    `json:"amount"`
	Status        string    `json:"status"`
	TxReference   string    `json:"tx_reference,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	ElapsedMs     int64     `json:"elapsed_ms"`
	FinalizedAt   time.Time `json:"finalized_at"`
}

func NewEvent(req disbursement.Request) Event {
	e := Event{
		RequestID:     req.ID,
		WalletAddress: req.WalletAddress,
		Amount:        strconv.FormatUint(req.Amount, 10),
		Status:        string(req.Status),
		FinalizedAt:   req.UpdatedAt,
	}
	if req.TxReference != nil {
		e.TxReference = *req.TxReference
	}
	if req.FailureReason != nil {
		e.FailureReason = *req.FailureReason
	}
	if req.ElapsedMs != nil {
		e.ElapsedMs = *req.ElapsedMs
	}
	return e
}

// RoutingKey is disbursement.<status>.
func RoutingKey(status disbursement.Status) string {
	return "disbursement." + string(status)
}

// Channel is the subset of *amqp091.Channel used for publishing.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

type PublisherConfig struct {
	Logger   *slog.Logger
	Channel  Channel
	Exchange string
}

func (cfg *PublisherConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Channel == nil {
		return errors.New("channel is required")
	}
	if cfg.Exchange == "" {
		cfg.Exchange = DefaultExchange
	}
	return nil
}

// Publisher is a disbursement.Hook that emits one message per finalized
// request to a durable topic exchange.
type Publisher struct {
	log *slog.Logger
	cfg PublisherConfig

	mu   sync.Mutex
	conn *amqp091.Connection
}

func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Channel.ExchangeDeclare(cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare exchange %s: %w", cfg.Exchange, err)
	}
	return &Publisher{log: cfg.Logger, cfg: cfg}, nil
}

// Dial connects to amqpURL and returns a Publisher that owns the connection.
func Dial(log *slog.Logger, amqpURL, exchange string) (*Publisher, error) {
	u, err := url.Parse(strings.TrimSpace(amqpURL))
	if err != nil {
		return nil, fmt.Errorf("invalid AMQP URL: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return nil, errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}

	conn, err := amqp091.DialConfig(u.String(), amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	p, err := NewPublisher(PublisherConfig{Logger: log, Channel: ch, Exchange: exchange})
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func (p *Publisher) Name() string { return "rabbitmq" }

func (p *Publisher) OnFinalized(ctx context.Context, req disbursement.Request) error {
	body, err := json.Marshal(NewEvent(req))
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.cfg.Channel.PublishWithContext(ctx, p.cfg.Exchange, RoutingKey(req.Status), false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    req.ID.String(),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	p.log.Debug("events: published", "requestId", req.ID, "routingKey", RoutingKey(req.Status))
	return nil
}

func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	err := p.cfg.Channel.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
