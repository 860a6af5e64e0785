package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"git.home.luguber.info/inful/imq/internal/logfields"
)

// NATSSink mirrors every broadcast message onto a JetStream subject, giving
// external consumers a durable copy of the hub's event stream.
type NATSSink struct {
	conn    *nats.Conn
	js      jetstream.JetStream
	subject string
	logger  *slog.Logger

	sub    *Subscription
	cancel func()
	done   chan struct{}
}

// NewNATSSink connects to the NATS server and ensures a stream covering the
// subject exists.
func NewNATSSink(ctx context.Context, url, subject string, logger *slog.Logger) (*NATSSink, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url, nats.Name("imq"))
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS %s: %w", url, err)
	}
	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating JetStream context: %w", err)
	}

	streamName := strings.ToUpper(strings.ReplaceAll(subject, ".", "_"))
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{subject},
		MaxAge:   24 * time.Hour,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensuring stream %s: %w", streamName, err)
	}

	logger.Info("NATS event sink connected",
		slog.String("url", url),
		slog.String("subject", subject))

	return &NATSSink{
		conn:    conn,
		js:      js,
		subject: subject,
		logger:  logger,
		done:    make(chan struct{}),
	}, nil
}

// Attach subscribes the sink to the hub and starts the forwarding loop.
func (s *NATSSink) Attach(hub *Hub) {
	s.sub, s.cancel = hub.Subscribe("nats-sink", 256, nil)
	go s.run()
}

func (s *NATSSink) run() {
	defer close(s.done)
	for msg := range s.sub.C() {
		data, err := json.Marshal(msg)
		if err != nil {
			s.logger.Warn("encoding event for NATS", logfields.Error(err))
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err = s.js.Publish(ctx, s.subject, data)
		cancel()
		if err != nil {
			s.logger.Warn("publishing event to NATS",
				logfields.Event(msg.Type),
				logfields.Error(err))
		}
	}
}

// Close detaches from the hub, waits for the loop to drain and closes the
// connection.
func (s *NATSSink) Close() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	s.conn.Close()
}
