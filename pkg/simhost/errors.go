package simhost

import (
	"fmt"

	"github.com/sessamekesh/spanreed-overlay/pkg/host"
)

type MissingEntityError struct {
	Entity host.Entity
}

func (e *MissingEntityError) Error() string {
	return fmt.Sprintf("Missing entity %s", e.Entity)
}

type UnknownEventKindError struct {
	Kind host.EventKind
}

func (e *UnknownEventKindError) Error() string {
	return fmt.Sprintf("Unknown network event kind 0x%08X", uint32(e.Kind))
}

type NotConnectedError struct {
	PlatformId uint64
}

func (e *NotConnectedError) Error() string {
	if e.PlatformId == 0 {
		return "Not connected to a server"
	}
	return fmt.Sprintf("No connection for platformId=%d", e.PlatformId)
}
