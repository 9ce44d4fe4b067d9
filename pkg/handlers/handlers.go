package handlers

import (
	"fmt"

	"github.com/sessamekesh/spanreed-overlay/pkg/host"
	"github.com/sessamekesh/spanreed-overlay/pkg/wire"
)

// BinaryHandler decodes and dispatches one payload type carried on the
// intercepted host event transport. Either direction may be nil.
type BinaryHandler struct {
	TypeKey string

	// Runs on the client for payloads sent by the server.
	OnServerReceive func(r *wire.Reader) error

	// Runs on the server for payloads sent by a client.
	OnClientReceive func(from host.FromCharacter, r *wire.Reader) error
}

// ChatHandler decodes a server-originated payload that arrived inside a chat
// message. It only ever runs on the client.
type ChatHandler struct {
	TypeKey string

	OnReceiveFromServer func(r *wire.Reader) error
}

// SafeInvoke runs fn and converts a panic into an error, so a faulty
// handler cannot unwind into host code.
func SafeInvoke(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return fn()
}
