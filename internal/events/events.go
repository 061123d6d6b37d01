// Package events publishes a message for every ledger row so other services
// can react to proven claims.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/felo/mailclaim/internal/config"
	"github.com/felo/mailclaim/internal/db"
	"github.com/felo/mailclaim/internal/logger"
	json "github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
)

const (
	natsReconnectWait = 500 * time.Millisecond
	natsFlushTimeout  = 5 * time.Second
)

// VerificationEvent is the message body published per ledger row
type VerificationEvent struct {
	ID             string    `json:"id"`
	Source         string    `json:"source"`
	EthAddress     string    `json:"ethAddress"`
	ExtractedClaim string    `json:"extractedClaim"`
	ClaimProven    bool      `json:"claimProven"`
	SigningDomain  string    `json:"signingDomain,omitempty"`
	Commitment     string    `json:"commitment"`
	CreatedAt      time.Time `json:"createdAt"`
}

// FromVerification builds the event for a stored row
func FromVerification(v *db.Verification) *VerificationEvent {
	return &VerificationEvent{
		ID:             v.ID,
		Source:         v.Source,
		EthAddress:     v.EthAddress,
		ExtractedClaim: v.ExtractedClaim,
		ClaimProven:    v.ClaimProven,
		SigningDomain:  v.SigningDomain,
		Commitment:     v.Commitment,
		CreatedAt:      v.GetCreatedAt(),
	}
}

// Publisher sends verification events
type Publisher interface {
	Publish(ctx context.Context, ev *VerificationEvent) error
	Close() error
}

// NopPublisher drops every event
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, *VerificationEvent) error { return nil }
func (NopPublisher) Close() error                                    { return nil }

// MemoryPublisher keeps events in memory. Used by tests.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []*VerificationEvent
}

func (m *MemoryPublisher) Publish(_ context.Context, ev *VerificationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *MemoryPublisher) Close() error { return nil }

// Events returns a copy of everything published so far
func (m *MemoryPublisher) Events() []*VerificationEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*VerificationEvent(nil), m.events...)
}

// NATSPublisher publishes events as JSON on a NATS subject
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
	logger  *logger.Logger
}

// New returns a NATS publisher when cfg names a server, otherwise a
// NopPublisher
func New(cfg *config.EventsConfig, log *logger.Logger) (Publisher, error) {
	if cfg == nil || cfg.NATSURL == "" {
		return NopPublisher{}, nil
	}
	return NewNATSPublisher(cfg.NATSURL, cfg.Subject, log)
}

// NewNATSPublisher connects to url and publishes on subject
func NewNATSPublisher(url, subject string, log *logger.Logger) (*NATSPublisher, error) {
	log.Info("connecting to NATS", "url", url, "subject", subject)

	nc, err := nats.Connect(url,
		nats.Name("mailclaim"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(natsReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info("NATS connection established", "connectedURL", nc.ConnectedUrl())
	return &NATSPublisher{conn: nc, subject: subject, logger: log}, nil
}

// Publish encodes ev and publishes it. The ledger id is set as the
// Nats-Msg-Id header so JetStream streams can deduplicate.
func (p *NATSPublisher) Publish(ctx context.Context, ev *VerificationEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	msg := nats.NewMsg(p.subject)
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, ev.ID)

	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	p.logger.Debug("event published", "id", ev.ID, "subject", p.subject)
	return nil
}

// Close flushes pending messages and drains the connection
func (p *NATSPublisher) Close() error {
	if err := p.conn.FlushTimeout(natsFlushTimeout); err != nil {
		p.logger.Warn("NATS flush failed", "error", err)
	}
	if err := p.conn.Drain(); err != nil {
		return fmt.Errorf("failed to drain connection: %w", err)
	}
	return nil
}
