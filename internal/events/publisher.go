package events

import (
	"encoding/json"
	"fmt"
	"time"

	"yldr-backend/internal/config"
	"yldr-backend/internal/metrics"
	"yldr-backend/internal/models"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// Publisher emits intent lifecycle events onto NATS. A nil Publisher (or one
// created with an empty URL) drops everything, so callers never guard.
type Publisher struct {
	conn   *nats.Conn
	prefix string
	log    *logrus.Entry
}

// IntentEvent is the wire shape of every lifecycle event.
type IntentEvent struct {
	Kind      string    `json:"kind"` // deposit / withdraw
	RefID     string    `json:"refId"`
	User      string    `json:"user"`
	Status    string    `json:"status"`
	TxHash    string    `json:"txHash,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewPublisher connects to NATS. An empty URL disables publishing.
func NewPublisher(cfg *config.NATSConfig) (*Publisher, error) {
	logger := logrus.WithField("component", "events")
	if cfg == nil || cfg.URL == "" {
		logger.Info("NATS not configured, lifecycle events disabled")
		return nil, nil
	}

	connectTimeout := 10 * time.Second
	if cfg.Timeout > 0 {
		connectTimeout = time.Duration(cfg.Timeout) * time.Second
	}
	reconnectWait := 5 * time.Second
	if cfg.ReconnectWait > 0 {
		reconnectWait = time.Duration(cfg.ReconnectWait) * time.Second
	}
	maxReconnects := -1
	if cfg.MaxReconnects > 0 {
		maxReconnects = cfg.MaxReconnects
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Timeout(connectTimeout),
		nats.ReconnectWait(reconnectWait),
		nats.MaxReconnects(maxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.WithError(err).Warn("NATS disconnected")
			metrics.NATSConnectionStatus.Set(0)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected")
			metrics.NATSConnectionStatus.Set(1)
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect NATS: %w", err)
	}
	metrics.NATSConnectionStatus.Set(1)
	logger.WithField("url", cfg.URL).Info("NATS connected")

	return &Publisher{conn: conn, prefix: cfg.SubjectPrefix, log: logger}, nil
}

// PublishDepositStatus emits a deposit lifecycle transition.
func (p *Publisher) PublishDepositStatus(intent *models.DepositIntent, txHash string) {
	if p == nil {
		return
	}
	p.publish("deposit", IntentEvent{
		Kind:      "deposit",
		RefID:     intent.RefID,
		User:      intent.User,
		Status:    string(intent.Status),
		TxHash:    txHash,
		Error:     intent.Error,
		Timestamp: time.Now().UTC(),
	})
}

// PublishWithdrawStatus emits a withdraw lifecycle transition.
func (p *Publisher) PublishWithdrawStatus(intent *models.WithdrawIntent, txHash string) {
	if p == nil {
		return
	}
	p.publish("withdraw", IntentEvent{
		Kind:      "withdraw",
		RefID:     intent.RefID,
		User:      intent.User,
		Status:    string(intent.Status),
		TxHash:    txHash,
		Error:     intent.Error,
		Timestamp: time.Now().UTC(),
	})
}

func (p *Publisher) publish(kind string, event IntentEvent) {
	subject := fmt.Sprintf("%s.%s.%s", p.prefix, kind, event.Status)
	data, err := json.Marshal(event)
	if err != nil {
		p.log.WithError(err).Error("failed to marshal lifecycle event")
		return
	}
	if err := p.conn.Publish(subject, data); err != nil {
		metrics.EventsPublishFailed.WithLabelValues(subject).Inc()
		p.log.WithError(err).WithField("subject", subject).Warn("failed to publish lifecycle event")
		return
	}
	metrics.EventsPublished.WithLabelValues(subject).Inc()
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p != nil && p.conn != nil {
		p.conn.Close()
	}
}
