package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/ShayCichocki/workforce/pkg/models"
)

// DefaultSubjectPrefix is the subject prefix events are published under.
const DefaultSubjectPrefix = "workforce.events"

// Publisher is the subset of *nats.Conn the event publisher needs.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher publishes each event as JSON to <prefix>.<root>.<kind>.
type NATSPublisher struct {
	pub    Publisher
	prefix string
	conn   *nats.Conn
}

// NewNATSPublisher wraps an existing publisher.
func NewNATSPublisher(pub Publisher, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSPublisher{pub: pub, prefix: prefix}
}

// ConnectNATS dials url and returns a publisher that owns the connection.
func ConnectNATS(url, prefix string) (*NATSPublisher, error) {
	conn, err := nats.Connect(url, nats.Name("workforce"))
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	p := NewNATSPublisher(conn, prefix)
	p.conn = conn
	return p, nil
}

// Subject returns the subject an event is published on. Dots in the root
// ID would add subject tokens, so they are replaced.
func (p *NATSPublisher) Subject(ev models.Event) string {
	root := strings.ReplaceAll(ev.RootID, ".", "_")
	if root == "" {
		root = "_"
	}
	return fmt.Sprintf("%s.%s.%s", p.prefix, root, ev.Kind)
}

// Publish sends one event.
func (p *NATSPublisher) Publish(ev models.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.pub.Publish(p.Subject(ev), data); err != nil {
		return fmt.Errorf("publish event %d: %w", ev.Seq, err)
	}
	return nil
}

// Consume publishes events from ch until it is closed or ctx ends. Publish
// errors are logged and do not stop the stream.
func (p *NATSPublisher) Consume(ctx context.Context, ch <-chan models.Event) {
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := p.Publish(ev); err != nil {
				failures++
				if failures%10 == 1 {
					log.Printf("[telemetry] WARNING: %v (total failures: %d)", err, failures)
				}
			}
		}
	}
}

// Close flushes and closes the connection if the publisher owns one.
func (p *NATSPublisher) Close() error {
	if p.conn == nil {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return err
	}
	return nil
}
