// Package subscriber delivers alert and alarm broadcasts to external
// subscribers. The NATS dispatcher publishes JSON envelopes
// fire-and-forget; delivery is at-most-once best-effort.
package subscriber

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/yairfalse/strata/pkg/event"
)

const (
	// DefaultSubjectPrefix is prepended to the config id in the publish
	// subject.
	DefaultSubjectPrefix = "strata.alerts"

	// DefaultConnectTimeout bounds the initial connect.
	DefaultConnectTimeout = 5 * time.Second
)

// Envelope is the broadcast payload.
type Envelope struct {
	BroadcastID    string `json:"broadcast_id"`
	ConfigUID      int32  `json:"config_uid"`
	ConfigID       int64  `json:"config_id"`
	SubscriptionID int64  `json:"subscription_id"`
	RuleID         int64  `json:"rule_id"`
	SubscriberID   string `json:"subscriber_id"`
	Dimension      string `json:"dimension"`
	MetricValue    int64  `json:"metric_value"`
	SentAtUnixNs   int64  `json:"sent_at_unix_ns"`
}

// NATSDispatcher publishes broadcasts onto a NATS subject per config.
type NATSDispatcher struct {
	conn          *natsgo.Conn
	subjectPrefix string
	logger        *zap.Logger
}

// NATSConfig configures the dispatcher.
type NATSConfig struct {
	URL           string
	SubjectPrefix string
	Name          string
}

// NewNATSDispatcher connects and returns the dispatcher.
func NewNATSDispatcher(cfg NATSConfig, logger *zap.Logger) (*NATSDispatcher, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if cfg.URL == "" {
		cfg.URL = natsgo.DefaultURL
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.Name == "" {
		cfg.Name = "strata-subscriber-dispatch"
	}

	conn, err := natsgo.Connect(cfg.URL,
		natsgo.Name(cfg.Name),
		natsgo.Timeout(DefaultConnectTimeout),
		natsgo.MaxReconnects(-1),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}

	return &NATSDispatcher{
		conn:          conn,
		subjectPrefix: cfg.SubjectPrefix,
		logger:        logger,
	}, nil
}

// SendBroadcast publishes one envelope. Errors are returned for the
// caller's log line only; nothing retries.
func (d *NATSDispatcher) SendBroadcast(configKey event.ConfigKey, subscriptionID, ruleID int64,
	subscriberID string, dimension event.MetricDimensionKey, metricValue int64) error {
	env := Envelope{
		BroadcastID:    uuid.NewString(),
		ConfigUID:      configKey.UID,
		ConfigID:       configKey.ID,
		SubscriptionID: subscriptionID,
		RuleID:         ruleID,
		SubscriberID:   subscriberID,
		Dimension:      dimension.String(),
		MetricValue:    metricValue,
		SentAtUnixNs:   time.Now().UnixNano(),
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast: %w", err)
	}

	subject := fmt.Sprintf("%s.%d", d.subjectPrefix, configKey.ID)
	if err := d.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish broadcast: %w", err)
	}
	d.logger.Debug("broadcast published",
		zap.String("subject", subject),
		zap.Int64("rule_id", ruleID),
		zap.String("subscriber", subscriberID))
	return nil
}

// Close flushes and drops the connection.
func (d *NATSDispatcher) Close() {
	if d.conn != nil {
		_ = d.conn.Flush()
		d.conn.Close()
	}
}
