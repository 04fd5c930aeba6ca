// Package events publishes extraction notifications over NATS.
//
// After rules from a request are stored, a RulesExtracted event is published
// to:
//
//	{prefix}.{user_id}.extracted
//
// Subscribers (review dashboards, notifiers) use it to pick up new pending
// approvals without polling.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/rulesmith/internal/logging"
)

// DefaultSubjectPrefix is the first subject token when none is configured.
const DefaultSubjectPrefix = "rules"

// flushTimeout bounds the server round-trip when ctx carries no deadline.
const flushTimeout = 5 * time.Second

// RulesExtracted describes one completed extraction request.
type RulesExtracted struct {
	UserID         string    `json:"user_id"`
	ChatHistoryIDs []string  `json:"chat_history_ids"`
	RulesCount     int       `json:"rules_count"`
	RulesStored    int       `json:"rules_stored"`
	RequestID      string    `json:"request_id,omitempty"`
	ExtractedAt    time.Time `json:"extracted_at"`
}

// Publisher emits extraction events.
type Publisher interface {
	PublishExtracted(ctx context.Context, event RulesExtracted) error
	Close()
}

// Subject returns the subject an event for userID is published on.
// Characters NATS treats as separators or wildcards are replaced with "_".
func Subject(prefix, userID string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, userID)
	if token == "" {
		token = "_"
	}
	return fmt.Sprintf("%s.%s.extracted", prefix, token)
}

// NATSPublisher publishes events on a NATS connection.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *logging.Logger
}

// Connect dials url and returns a publisher. The connection retries in the
// background if the server is not up yet.
func Connect(url, prefix string, logger *logging.Logger) (*NATSPublisher, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	nc, err := nats.Connect(url,
		nats.Name("rulesmith"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return NewNATSPublisher(nc, prefix, logger), nil
}

// NewNATSPublisher wraps an existing connection. Close closes nc.
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *logging.Logger) *NATSPublisher {
	if logger == nil {
		logger = logging.NewNop()
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger.Named("events")}
}

// PublishExtracted publishes event and flushes so delivery failures surface
// before the request's background work finishes.
func (p *NATSPublisher) PublishExtracted(ctx context.Context, event RulesExtracted) error {
	if event.ExtractedAt.IsZero() {
		event.ExtractedAt = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	subject := Subject(p.prefix, event.UserID)
	if err := p.nc.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	fctx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	if err := p.nc.FlushWithContext(fctx); err != nil {
		return fmt.Errorf("flush %s: %w", subject, err)
	}

	p.logger.Debug(ctx, "published extraction event",
		zap.String("subject", subject),
		zap.Int("rules_count", event.RulesCount),
	)
	return nil
}

// Close drains and closes the connection.
func (p *NATSPublisher) Close() {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
	}
}

// NoopPublisher discards events. Used when no NATS url is configured.
type NoopPublisher struct{}

// PublishExtracted implements Publisher.
func (NoopPublisher) PublishExtracted(context.Context, RulesExtracted) error { return nil }

// Close implements Publisher.
func (NoopPublisher) Close() {}
