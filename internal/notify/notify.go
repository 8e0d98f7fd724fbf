package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// DecisionEvent is emitted after each admission decision is committed.
type DecisionEvent struct {
	PledgeID   string          `json:"pledge_id"`
	OwnerRef   string          `json:"owner_ref"`
	AuctionRef string          `json:"auction_ref"`
	Amount     decimal.Decimal `json:"amount"`
	Price      decimal.Decimal `json:"price"`
	Accepted   bool            `json:"accepted"`
	DecidedAt  time.Time       `json:"decided_at"`
}

// PositionEvent is emitted after a pledge enters the queue.
type PositionEvent struct {
	PledgeID   string    `json:"pledge_id"`
	AuctionRef string    `json:"auction_ref"`
	Position   int       `json:"position"`
	QueuedAt   time.Time `json:"queued_at"`
}

// Sink receives core events for broadcast. The core is agnostic to the
// fan-out transport behind it.
type Sink interface {
	PledgeDecided(ctx context.Context, event DecisionEvent) error
	PledgeQueued(ctx context.Context, event PositionEvent) error
}

// Nop discards all events.
type Nop struct{}

func (Nop) PledgeDecided(ctx context.Context, event DecisionEvent) error { return nil }
func (Nop) PledgeQueued(ctx context.Context, event PositionEvent) error  { return nil }

// WebhookSink POSTs events as JSON envelopes to a single endpoint.
type WebhookSink struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookSink constructs a webhook event sink.
func NewWebhookSink(url string, timeout time.Duration, logger zerolog.Logger) *WebhookSink {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookSink{
		url:    strings.TrimRight(url, "/"),
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "webhook_sink").Logger(),
	}
}

type envelope struct {
	Type  string      `json:"type"`
	Event interface{} `json:"event"`
}

// PledgeDecided posts a pledge.decided envelope.
func (s *WebhookSink) PledgeDecided(ctx context.Context, event DecisionEvent) error {
	return s.post(ctx, envelope{Type: "pledge.decided", Event: event})
}

// PledgeQueued posts a pledge.queued envelope.
func (s *WebhookSink) PledgeQueued(ctx context.Context, event PositionEvent) error {
	return s.post(ctx, envelope{Type: "pledge.queued", Event: event})
}

func (s *WebhookSink) post(ctx context.Context, env envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook responded %d", resp.StatusCode)
	}

	s.logger.Debug().Str("type", env.Type).Msg("event delivered")
	return nil
}

var _ Sink = (*WebhookSink)(nil)
var _ Sink = Nop{}
