package bus

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"bitrepo/internal/logger"
	"bitrepo/internal/security"
	"bitrepo/internal/wire"
)

// Messenger sends and receives protocol messages over a Transport.
// Outbound messages are encoded and sealed; inbound frames are opened and
// decoded. Frames that fail either step are dropped.
type Messenger struct {
	transport Transport       // transport carries the frames
	id        string          // id is this component's identifier, stamped into From
	sealer    security.Sealer // sealer signs outbound frames
	opener    security.Opener // opener verifies inbound frames
}

// NewMessenger creates a messenger for component id.
// A nil sealer or opener disables signing or verification respectively.
func NewMessenger(t Transport, id string, sealer security.Sealer, opener security.Opener) *Messenger {
	if sealer == nil {
		sealer = security.Plain{}
	}

	if opener == nil {
		opener = security.Plain{}
	}

	return &Messenger{
		transport: t,
		id:        id,
		sealer:    sealer,
		opener:    opener,
	}
}

// ID returns the component id stamped on outbound messages.
func (m *Messenger) ID() string {
	return m.id
}

// Send encodes msg and publishes it to destination.
// Empty From and MessageID fields are filled in.
func (m *Messenger) Send(ctx context.Context, destination string, msg wire.Message) error {
	h := msg.Head()
	if h.From == "" {
		h.From = m.id
	}

	if h.MessageID == "" {
		h.MessageID = uuid.NewString()
	}

	data, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode %s:\n%w", msg.Kind(), err)
	}

	if err := m.transport.Publish(ctx, destination, m.sealer.Seal(data)); err != nil {
		return fmt.Errorf("publish %s to %s:\n%w", msg.Kind(), destination, err)
	}

	return nil
}

// Subscribe calls fn for every valid message published to destination.
func (m *Messenger) Subscribe(destination string, fn func(wire.Message)) (Unsubscribe, error) {
	return m.transport.Subscribe(destination, func(frame []byte) {
		payload, _, err := m.opener.Open(frame)
		if err != nil {
			logger.Debug("dropping frame", "destination", destination, "error", err)
			return
		}

		msg, err := wire.Decode(payload)
		if err != nil {
			logger.Debug("dropping undecodable frame", "destination", destination, "error", err)
			return
		}

		fn(msg)
	})
}

// Close closes the underlying transport.
func (m *Messenger) Close() error {
	return m.transport.Close()
}
