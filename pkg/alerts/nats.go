package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// Publisher is the subset of *nats.Conn used for alert publishing.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSNotifier publishes alerts as JSON to "<prefix>.<kind>".
type NATSNotifier struct {
	pub    Publisher
	prefix string
}

// NewNATSNotifier creates a notifier publishing under the given subject prefix.
func NewNATSNotifier(pub Publisher, prefix string) *NATSNotifier {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		prefix = "balguard.alerts"
	}
	return &NATSNotifier{pub: pub, prefix: prefix}
}

func (n *NATSNotifier) Name() string { return "nats" }

func (n *NATSNotifier) Send(_ context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal nats payload: %w", err)
	}
	subject := n.Subject(alert)
	if err := n.pub.Publish(subject, body); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subject returns the subject an alert is published on.
func (n *NATSNotifier) Subject(alert Alert) string {
	return fmt.Sprintf("%s.%s", n.prefix, alert.Kind)
}

// DialNATS connects to a NATS server, reconnecting indefinitely once connected.
func DialNATS(url string, logger *slog.Logger) (*nats.Conn, error) {
	if url == "" {
		url = nats.DefaultURL
	}
	nc, err := nats.Connect(
		url,
		nats.Name("balguard"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
				return
			}
			logger.Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return nc, nil
}
