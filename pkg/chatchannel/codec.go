package chatchannel

import (
	"encoding/base64"

	"github.com/sessamekesh/spanreed-overlay/pkg/errors"
	"github.com/sessamekesh/spanreed-overlay/pkg/wire"
)

// HeaderFixedSize covers the discriminator and the client nonce. The type key
// follows as a length-prefixed string.
const HeaderFixedSize = 8

type Header struct {
	Discriminator uint32
	ClientNonce   int32
	TypeKey       string
}

// ClientRegister is sent once by a client so the server knows it can decode
// chat-carried messages.
type ClientRegister struct {
	ClientNonce int32
}

func (*ClientRegister) TypeKey() string {
	return "overlay.ClientRegister"
}

func (m *ClientRegister) Serialize(w *wire.Writer) {
	w.WriteInt32(m.ClientNonce)
}

func (m *ClientRegister) Deserialize(r *wire.Reader) error {
	nonce, err := r.ReadInt32()
	if err != nil {
		return err
	}
	m.ClientNonce = nonce
	return nil
}

func WriteHeader(w *wire.Writer, typeKey string, clientNonce int32) {
	w.WriteUint32(wire.Discriminator)
	w.WriteInt32(clientNonce)
	w.WriteString(typeKey)
}

// ReadHeader reads and validates the chat header. On error the reader should
// be considered consumed.
func ReadHeader(r *wire.Reader) (Header, error) {
	if r.Remaining() < HeaderFixedSize {
		return Header{}, &errors.Underflow{
			MessageName: "ChatMessage::Header",
			MsgSize:     r.Len(),
			MinimumSize: HeaderFixedSize,
		}
	}

	discriminator, err := r.ReadUint32()
	if err != nil {
		return Header{}, err
	}
	if discriminator != wire.Discriminator {
		return Header{}, &errors.InvalidDiscriminator{
			Expected: wire.Discriminator,
			Actual:   discriminator,
		}
	}

	clientNonce, err := r.ReadInt32()
	if err != nil {
		return Header{}, err
	}

	typeKey, err := r.ReadString()
	if err != nil {
		return Header{}, err
	}

	return Header{
		Discriminator: discriminator,
		ClientNonce:   clientNonce,
		TypeKey:       typeKey,
	}, nil
}

// EncodeText produces the printable chat line carrying msg.
func EncodeText(typeKey string, clientNonce int32, msg wire.Message) string {
	w := wire.NewWriter(64)
	WriteHeader(w, typeKey, clientNonce)
	msg.Serialize(w)
	return base64.StdEncoding.EncodeToString(w.Bytes())
}

// DecodeText reverses EncodeText up to the payload. The returned reader is
// positioned at the first payload byte.
func DecodeText(text string) (Header, *wire.Reader, error) {
	raw, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return Header{}, nil, err
	}

	r := wire.NewReader(raw)
	header, err := ReadHeader(r)
	if err != nil {
		return Header{}, nil, err
	}
	return header, r, nil
}
