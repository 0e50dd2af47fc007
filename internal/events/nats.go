package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubjectPrefix is prepended to the event type to form the subject.
const DefaultSubjectPrefix = "tokenwatch.lifecycle"

// NATSPublisher publishes events as JSON on "<prefix>.<type>".
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	log    *zap.Logger
}

// ConnectNATS dials url and returns a publisher.
func ConnectNATS(url, prefix string, log *zap.Logger) (*NATSPublisher, error) {
	if url == "" {
		return nil, errors.New("nats url is required")
	}
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if log == nil {
		log = zap.NewNop()
	}

	nc, err := nats.Connect(url,
		nats.Name("tokenwatch"),
		nats.Timeout(5*time.Second),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &NATSPublisher{nc: nc, prefix: prefix, log: log}, nil
}

// Subject returns the subject used for events of type t.
func (p *NATSPublisher) Subject(t Type) string {
	return p.prefix + "." + string(t)
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(_ context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(e.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

// Ready reports whether the connection is up.
func (p *NATSPublisher) Ready() bool {
	return p.nc != nil && p.nc.Status() == nats.CONNECTED
}

// Close drains the connection.
func (p *NATSPublisher) Close() error {
	if p.nc == nil || p.nc.Status() == nats.CLOSED {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		p.log.Error("drain nats connection", zap.Error(err))
		p.nc.Close()
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}
