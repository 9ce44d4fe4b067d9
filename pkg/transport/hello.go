package transport

import (
	"fmt"

	"github.com/sessamekesh/spanreed-overlay/pkg/wire"
)

// helloVersion changes whenever the hello frame layout does.
const helloVersion uint8 = 1

// helloMessage is the first frame a client sends after the WebSocket upgrade.
// It stands in for the platform login a real host performs.
type helloMessage struct {
	PlatformId    uint64
	CharacterName string
}

func (m *helloMessage) Serialize(w *wire.Writer) {
	w.WriteUint32(wire.Discriminator)
	w.WriteUint8(helloVersion)
	w.WriteUint64(m.PlatformId)
	w.WriteString(m.CharacterName)
}

func (m *helloMessage) Deserialize(r *wire.Reader) error {
	magic, err := r.ReadUint32()
	if err != nil {
		return err
	}
	if magic != wire.Discriminator {
		return &InvalidHelloError{Reason: fmt.Sprintf("bad magic number %#x", magic)}
	}

	version, err := r.ReadUint8()
	if err != nil {
		return err
	}
	if version != helloVersion {
		return &InvalidHelloError{Reason: fmt.Sprintf("unsupported version %d", version)}
	}

	if m.PlatformId, err = r.ReadUint64(); err != nil {
		return err
	}
	if m.PlatformId == 0 {
		return &InvalidHelloError{Reason: "platform id must be non-zero"}
	}

	m.CharacterName, err = r.ReadString()
	return err
}

func encodeHello(platformId uint64, characterName string) []byte {
	w := wire.NewWriter(32)
	(&helloMessage{PlatformId: platformId, CharacterName: characterName}).Serialize(w)
	return w.Bytes()
}

func decodeHello(payload []byte) (*helloMessage, error) {
	var msg helloMessage
	if err := msg.Deserialize(wire.NewReader(payload)); err != nil {
		return nil, err
	}
	return &msg, nil
}

type InvalidHelloError struct {
	Reason string
}

func (e *InvalidHelloError) Error() string {
	return fmt.Sprintf("invalid hello frame: %s", e.Reason)
}

type NonBinaryMessage struct{}

func (m *NonBinaryMessage) Error() string {
	return "Non binary message received"
}

type SendQueueFullError struct {
	PlatformId uint64
}

func (e *SendQueueFullError) Error() string {
	if e.PlatformId == 0 {
		return "Outgoing frame queue to server is full"
	}
	return fmt.Sprintf("Outgoing frame queue for client %d is full", e.PlatformId)
}
