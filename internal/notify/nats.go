package notify

import (
	"encoding/json"
	"fmt"
	"time"

	"Mansoor88-6/worktime-agent/internal/models"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Publisher is the subset of *nats.Conn used for fan-out
type Publisher interface {
	Publish(subj string, data []byte) error
}

// NATSBridge republishes hub notifications as JSON on
// <prefix>.session.terminated and <prefix>.sync.stats
type NATSBridge struct {
	pub    Publisher
	conn   *nats.Conn
	prefix string
	logger *zap.Logger
}

// ConnectNATS dials url and returns a bridge owning the connection
func ConnectNATS(url, prefix string, logger *zap.Logger) (*NATSBridge, error) {
	nc, err := nats.Connect(url,
		nats.Name("worktime-agent"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("NATS reconnected", zap.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	b := NewNATSBridge(nc, prefix, logger)
	b.conn = nc
	return b, nil
}

// NewNATSBridge creates a bridge over an existing publisher
func NewNATSBridge(pub Publisher, prefix string, logger *zap.Logger) *NATSBridge {
	if prefix == "" {
		prefix = "worktime"
	}
	return &NATSBridge{pub: pub, prefix: prefix, logger: logger}
}

// SubjectForceLogout is the subject terminations are published on
func (b *NATSBridge) SubjectForceLogout() string {
	return b.prefix + ".session.terminated"
}

// SubjectStats is the subject sync stats are published on
func (b *NATSBridge) SubjectStats() string {
	return b.prefix + ".sync.stats"
}

// Attach subscribes the bridge to hub
func (b *NATSBridge) Attach(hub *Hub) {
	hub.OnForceLogout(func(ev models.ForceLogout) {
		b.publish(b.SubjectForceLogout(), ev)
	})
	hub.OnStats(func(s models.SyncStats) {
		b.publish(b.SubjectStats(), s)
	})
}

func (b *NATSBridge) publish(subject string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		b.logger.Error("Failed to marshal notification", zap.String("subject", subject), zap.Error(err))
		return
	}
	if err := b.pub.Publish(subject, data); err != nil {
		b.logger.Warn("Failed to publish notification", zap.String("subject", subject), zap.Error(err))
	}
}

// Close drains the owned connection, if any
func (b *NATSBridge) Close() {
	if b == nil || b.conn == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}
