package simhost

import (
	"sync"

	"github.com/sessamekesh/spanreed-overlay/pkg/errors"
	"github.com/sessamekesh/spanreed-overlay/pkg/host"
)

type serializeLayer struct {
	hook   host.SerializeEventFunc
	undone bool
}

type deserializeLayer struct {
	hook   host.DeserializeEventFunc
	undone bool
}

// entryPoints holds the host's serialize/deserialize functions as a stack of
// detours over the native implementation.
type entryPoints struct {
	mut_layers        sync.RWMutex
	nativeSerialize   host.SerializeEventFunc
	nativeDeserialize host.DeserializeEventFunc
	serializeLayers   []*serializeLayer
	deserializeLayers []*deserializeLayer
}

func (e *entryPoints) currentSerialize() host.SerializeEventFunc {
	e.mut_layers.RLock()
	defer e.mut_layers.RUnlock()
	return e.topSerialize()
}

func (e *entryPoints) topSerialize() host.SerializeEventFunc {
	if len(e.serializeLayers) == 0 {
		return e.nativeSerialize
	}
	return e.serializeLayers[len(e.serializeLayers)-1].hook
}

func (e *entryPoints) currentDeserialize() host.DeserializeEventFunc {
	e.mut_layers.RLock()
	defer e.mut_layers.RUnlock()
	return e.topDeserialize()
}

func (e *entryPoints) topDeserialize() host.DeserializeEventFunc {
	if len(e.deserializeLayers) == 0 {
		return e.nativeDeserialize
	}
	return e.deserializeLayers[len(e.deserializeLayers)-1].hook
}

func (e *entryPoints) DetourSerialize(hook host.SerializeEventFunc) (host.SerializeEventFunc, host.Detour, error) {
	if hook == nil {
		return nil, nil, &errors.MissingFieldError{MessageName: "DetourSerialize", FieldName: "hook"}
	}
	e.mut_layers.Lock()
	defer e.mut_layers.Unlock()

	original := e.topSerialize()

	layer := &serializeLayer{hook: hook}
	e.serializeLayers = append(e.serializeLayers, layer)

	return original, detourFunc(func() error {
		e.mut_layers.Lock()
		defer e.mut_layers.Unlock()

		if layer.undone {
			return nil
		}
		if e.serializeLayers[len(e.serializeLayers)-1] != layer {
			return &errors.DetourNotTop{Target: "SerializeEvent"}
		}
		e.serializeLayers = e.serializeLayers[:len(e.serializeLayers)-1]
		layer.undone = true
		return nil
	}), nil
}

func (e *entryPoints) DetourDeserialize(hook host.DeserializeEventFunc) (host.DeserializeEventFunc, host.Detour, error) {
	if hook == nil {
		return nil, nil, &errors.MissingFieldError{MessageName: "DetourDeserialize", FieldName: "hook"}
	}
	e.mut_layers.Lock()
	defer e.mut_layers.Unlock()

	original := e.topDeserialize()

	layer := &deserializeLayer{hook: hook}
	e.deserializeLayers = append(e.deserializeLayers, layer)

	return original, detourFunc(func() error {
		e.mut_layers.Lock()
		defer e.mut_layers.Unlock()

		if layer.undone {
			return nil
		}
		if e.deserializeLayers[len(e.deserializeLayers)-1] != layer {
			return &errors.DetourNotTop{Target: "DeserializeEvent"}
		}
		e.deserializeLayers = e.deserializeLayers[:len(e.deserializeLayers)-1]
		layer.undone = true
		return nil
	}), nil
}

// DetourCount reports how many serialize and deserialize detours are active.
func (e *entryPoints) DetourCount() (int, int) {
	e.mut_layers.RLock()
	defer e.mut_layers.RUnlock()
	return len(e.serializeLayers), len(e.deserializeLayers)
}

type detourFunc func() error

func (f detourFunc) Undo() error {
	return f()
}
