// Package host describes what the overlay needs from the host simulation.
// The host owns entity storage, users, chat delivery and the network event
// transport; the overlay only reaches it through these interfaces.
package host

import (
	"fmt"

	"github.com/sessamekesh/spanreed-overlay/pkg/wire"
)

type Side uint8

const (
	SideServer Side = iota
	SideClient
)

func (s Side) String() string {
	switch s {
	case SideServer:
		return "server"
	case SideClient:
		return "client"
	}
	return "unknown"
}

// EventKind is the host's network event discriminator.
type EventKind uint32

type ComponentType string

type Entity struct {
	Index   int32
	Version int32
}

var NullEntity = Entity{}

func (e Entity) IsNull() bool {
	return e == NullEntity
}

func (e Entity) String() string {
	return fmt.Sprintf("Entity(%d:%d)", e.Index, e.Version)
}

// FromCharacter identifies the sender of an inbound event. A null User
// entity means the event came from the server.
type FromCharacter struct {
	User      Entity
	Character Entity
}

type User struct {
	PlatformID    uint64
	CharacterName string
	Entity        Entity
}

type DeserializeParams struct {
	FromCharacter FromCharacter
}

type SerializeEventFunc func(kind EventKind, out *wire.Writer, entity Entity) error

type DeserializeEventFunc func(in *wire.Reader, params DeserializeParams) error

type Detour interface {
	Undo() error
}

// WireInterceptor replaces the host's event serialize/deserialize entry
// points. Each call returns the entry point that was active before it so the
// hook can pass through.
type WireInterceptor interface {
	DetourSerialize(hook SerializeEventFunc) (SerializeEventFunc, Detour, error)
	DetourDeserialize(hook DeserializeEventFunc) (DeserializeEventFunc, Detour, error)
}

type EntityManager interface {
	GetComponentObject(entity Entity, component ComponentType) (any, bool)
	GetUser(entity Entity) (User, bool)
}

// EventEmitter queues a network event of the given kind with data attached to
// a fresh event entity. A nil target sends to the server from a client, or
// to every connected client from the server.
type EventEmitter interface {
	EmitNetworkEvent(kind EventKind, target *User, component ComponentType, data any) error
}

type ChatSender interface {
	SendSystemMessage(to User, text string) error
}

// ChatFilter returns true when text was consumed and must not be displayed.
type ChatFilter func(text string) bool

type ChatListener interface {
	AddChatFilter(filter ChatFilter) (remove func())
}
