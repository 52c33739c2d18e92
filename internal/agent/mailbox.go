package agent

import (
	"context"
	"time"

	"github.com/montagao/iot-device-agent/internal/agent/cloudproto"
	"github.com/montagao/iot-device-agent/internal/agent/transport"
)

// ackPublishTimeout bounds how long a mailbox.ack publish waits for a
// broker PUBACK before giving up.
const ackPublishTimeout = 10 * time.Second

// MailboxPublisher adapts the codec and transport into the narrow
// action.AckPublisher surface the dispatcher depends on, so that package
// has no direct dependency on either.
type MailboxPublisher struct {
	codec     *cloudproto.Codec
	transport *transport.Transport
	topic     string
}

// NewMailboxPublisher constructs a MailboxPublisher that emits acks on topic.
func NewMailboxPublisher(codec *cloudproto.Codec, t *transport.Transport, topic string) *MailboxPublisher {
	return &MailboxPublisher{codec: codec, transport: t, topic: topic}
}

// PublishAck encodes req's outcome as a mailbox.ack and publishes it at QoS 1.
func (m *MailboxPublisher) PublishAck(ctx context.Context, req *cloudproto.ActionRequest, code int, message string) error {
	payload, err := m.codec.EncodeMailboxAck(req, code, message)
	if err != nil {
		return err
	}
	return m.transport.Publish(ctx, m.topic, payload, 1, false, ackPublishTimeout)
}
