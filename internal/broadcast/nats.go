package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

const SubjectPrefix = "pos.analytics."

// ConnectNATS dials url with reconnects enabled and connection state logged.
func ConnectNATS(url string, name string, log *logrus.Entry) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(5*time.Second),
		nats.PingInterval(20*time.Second),
		nats.MaxPingsOutstanding(3),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.WithField("url", nc.ConnectedUrl()).Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return nc, nil
}

// NATSPublisher mirrors analytics events onto pos.analytics.<scope>
// subjects for consumers in other processes.
type NATSPublisher struct {
	conn *nats.Conn
	now  func() time.Time
}

func NewNATSPublisher(conn *nats.Conn) *NATSPublisher {
	return &NATSPublisher{conn: conn, now: func() time.Time { return time.Now().UTC() }}
}

// Subject maps a scope such as "user:42" to "pos.analytics.user.42".
func Subject(scope string) string {
	return SubjectPrefix + strings.NewReplacer(":", ".", " ", "_", "*", "_", ">", "_").Replace(scope)
}

func (p *NATSPublisher) Publish(_ context.Context, scope string, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(Event{Scope: scope, Name: event, Payload: raw, SentAt: p.now()})
	if err != nil {
		return err
	}
	return p.conn.Publish(Subject(scope), data)
}

// HasSubscribers cannot see remote interest, so it reports connectivity.
func (p *NATSPublisher) HasSubscribers(_ string) bool {
	return p.conn != nil && p.conn.IsConnected()
}

func (p *NATSPublisher) Close() error {
	if p.conn == nil || p.conn.IsClosed() {
		return nil
	}
	return p.conn.Drain()
}

// Fanout publishes to every target that has subscribers for the scope.
type Fanout []Target

func (f Fanout) Publish(ctx context.Context, scope string, event string, payload any) error {
	var errs []error
	for _, t := range f {
		if !t.HasSubscribers(scope) {
			continue
		}
		if err := t.Publish(ctx, scope, event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) HasSubscribers(scope string) bool {
	for _, t := range f {
		if t.HasSubscribers(scope) {
			return true
		}
	}
	return false
}
