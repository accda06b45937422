package status

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Publisher wraps a NATS connection for best-effort publication of
// status/detection events to an external dashboard collaborator. A nil
// Publisher (or one built against an empty address) is a no-op, the
// way the NATS singleton client degrades when unconfigured.
type Publisher struct {
	conn    *nats.Conn
	subject string
	log     zerolog.Logger
	mu      sync.Mutex
}

// NewPublisher connects to address (e.g. "nats://localhost:4222") and
// publishes under subjectPrefix + "." + channel. If address is empty,
// the returned Publisher is a harmless no-op.
func NewPublisher(address, subjectPrefix string, log zerolog.Logger) (*Publisher, error) {
	if address == "" {
		return &Publisher{subject: subjectPrefix, log: log}, nil
	}
	conn, err := nats.Connect(address,
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("status: nats connect: %w", err)
	}
	return &Publisher{conn: conn, subject: subjectPrefix, log: log}, nil
}

// PublishChannel publishes a channel's status document. A no-op
// Publisher drops it silently.
func (p *Publisher) PublishChannel(channelName string, c Channel) {
	p.publish(channelName, c)
}

// PublishDetection publishes a single tone detection, including WWVH
// (spec §9 Open Question #2: WWVH stays visible to downstream
// consumers, just never drives the time-snap).
func (p *Publisher) PublishDetection(channelName string, d Detection) {
	p.publish(channelName+".detection", d)
}

func (p *Publisher) publish(suffix string, v any) {
	if p == nil || p.conn == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		p.log.Warn().Err(err).Msg("nats: marshal publish payload")
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.conn.Publish(p.subject+"."+suffix, raw); err != nil {
		p.log.Warn().Err(err).Msg("nats: publish failed")
	}
}

// Close flushes and closes the underlying connection, if any.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	_ = p.conn.Flush()
	p.conn.Close()
}
