// Package bus publishes lifecycle outcome audit events to NATS JetStream.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubject receives outcome events unless NATS_SUBJECT overrides it.
const DefaultSubject = "dbstack.outcomes"

// OutcomeEvent records one answered lifecycle event, emitted after the callback.
type OutcomeEvent struct {
	StackID            string    `json:"stack_id"`
	RequestID          string    `json:"request_id"`
	LogicalResourceID  string    `json:"logical_resource_id"`
	ResourceType       string    `json:"resource_type"`
	RequestType        string    `json:"request_type"`
	Kind               string    `json:"kind"`
	Status             string    `json:"status"`
	Reason             string    `json:"reason"`
	PhysicalResourceID string    `json:"physical_resource_id"`
	Delivered          bool      `json:"delivered"`
	CallbackStatus     int       `json:"callback_status,omitempty"`
	Time               time.Time `json:"time"`
}

// Bus holds the provisioner's JetStream connection.
type Bus struct {
	conn *nats.Conn
	js   nats.JetStreamContext
}

// New dials url. A Lambda container keeps the connection across warm invocations.
func New(url string, opts ...nats.Option) (*Bus, error) {
	if url == "" {
		return nil, errors.New("nats url is required")
	}

	opts = append([]nats.Option{nats.Name("dbstack-provisioner"), nats.Timeout(5 * time.Second)}, opts...)
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	return &Bus{conn: nc, js: js}, nil
}

// Close drains pending publishes.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	if err := b.conn.Drain(); err != nil {
		b.conn.Close()
	}
}

// PublishOutcome publishes evt on subj, stamping the time when unset.
func (b *Bus) PublishOutcome(ctx context.Context, subj string, evt OutcomeEvent) error {
	if b == nil {
		return errors.New("nil bus")
	}
	data, err := encodeOutcome(subj, evt)
	if err != nil {
		return err
	}
	if _, err := b.js.Publish(subj, data, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish %s: %w", subj, err)
	}
	return nil
}

func encodeOutcome(subj string, evt OutcomeEvent) ([]byte, error) {
	if subj == "" {
		return nil, errors.New("subject is required")
	}
	if evt.Time.IsZero() {
		evt.Time = time.Now().UTC()
	}
	return json.Marshal(evt)
}
