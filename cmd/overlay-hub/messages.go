package main

import "github.com/sessamekesh/spanreed-overlay/pkg/wire"

// Ping goes client to server on the binary channel.
type Ping struct {
	Sequence uint32
	SentAt   int64
}

func (*Ping) TypeKey() string { return "overlay-hub.Ping" }

func (m *Ping) Serialize(w *wire.Writer) {
	w.WriteUint32(m.Sequence)
	w.WriteInt64(m.SentAt)
}

func (m *Ping) Deserialize(r *wire.Reader) error {
	var err error
	if m.Sequence, err = r.ReadUint32(); err != nil {
		return err
	}
	m.SentAt, err = r.ReadInt64()
	return err
}

// Pong answers a Ping on the chat channel.
type Pong struct {
	Sequence uint32
	SentAt   int64
}

func (*Pong) TypeKey() string { return "overlay-hub.Pong" }

func (m *Pong) Serialize(w *wire.Writer) {
	w.WriteUint32(m.Sequence)
	w.WriteInt64(m.SentAt)
}

func (m *Pong) Deserialize(r *wire.Reader) error {
	var err error
	if m.Sequence, err = r.ReadUint32(); err != nil {
		return err
	}
	m.SentAt, err = r.ReadInt64()
	return err
}

// Greeting is sent once to each client right after its handshake.
type Greeting struct {
	CharacterName string
	Motd          string
}

func (*Greeting) TypeKey() string { return "overlay-hub.Greeting" }

func (m *Greeting) Serialize(w *wire.Writer) {
	w.WriteString(m.CharacterName)
	w.WriteString(m.Motd)
}

func (m *Greeting) Deserialize(r *wire.Reader) error {
	var err error
	if m.CharacterName, err = r.ReadString(); err != nil {
		return err
	}
	m.Motd, err = r.ReadString()
	return err
}
