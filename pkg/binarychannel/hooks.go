package binarychannel

import (
	"github.com/sessamekesh/spanreed-overlay/internal/metrics"
	"github.com/sessamekesh/spanreed-overlay/pkg/errors"
	"github.com/sessamekesh/spanreed-overlay/pkg/handlers"
	"github.com/sessamekesh/spanreed-overlay/pkg/host"
	"github.com/sessamekesh/spanreed-overlay/pkg/wire"
	"go.uber.org/zap"
)

// serializeHook runs in place of the host's serialize entry point. Every
// kind other than EventKind goes to the original untouched.
func (p *Protocol) serializeHook(kind host.EventKind, out *wire.Writer, entity host.Entity) error {
	if kind != EventKind {
		original, _ := p.originals()
		return original(kind, out, entity)
	}

	obj, has := p.entities.GetComponentObject(entity, CustomNetworkEventComponent)
	event, ok := obj.(*CustomNetworkEvent)
	if !has || !ok || event.Message == nil {
		return &errors.MissingComponent{
			Component: string(CustomNetworkEventComponent),
			Entity:    entity.String(),
		}
	}

	out.WriteUint32(wire.Discriminator)
	return handlers.SafeInvoke(func() error {
		event.Serialize(out)
		return nil
	})
}

// deserializeHook runs in place of the host's deserialize entry point. A
// buffer that does not start with the discriminator is rewound to where it
// was and handed to the original.
func (p *Protocol) deserializeHook(in *wire.Reader, params host.DeserializeParams) error {
	start := in.Position()

	eventId, err := in.ReadUint32()
	if err != nil || eventId != wire.Discriminator {
		in.SetPosition(start)
		_, original := p.originals()
		return original(in, params)
	}

	typeKey, err := in.ReadString()
	if err != nil {
		p.log.Warn("Failed to read custom event type key", zap.Error(err))
		p.metrics.Dropped(metrics.ChannelBinary, metrics.DropMalformed)
		return nil
	}

	handler, has := p.registry.Lookup(typeKey)
	if !has {
		p.log.Debug("No handler registered for custom event", zap.String("typeKey", typeKey))
		p.metrics.Dropped(metrics.ChannelBinary, metrics.DropUnknownType)
		return nil
	}

	p.dispatch(typeKey, handler, in, params.FromCharacter)
	return nil
}

func (p *Protocol) dispatch(typeKey string, handler handlers.BinaryHandler, in *wire.Reader, from host.FromCharacter) {
	isFromServer := from.User.IsNull()

	var invoke func() error
	switch {
	case isFromServer && handler.OnServerReceive != nil:
		invoke = func() error { return handler.OnServerReceive(in) }
	case !isFromServer && handler.OnClientReceive != nil:
		invoke = func() error { return handler.OnClientReceive(from, in) }
	default:
		p.log.Debug("Handler has no callback for this direction",
			zap.String("typeKey", typeKey),
			zap.Bool("fromServer", isFromServer))
		p.metrics.Dropped(metrics.ChannelBinary, metrics.DropNoHandler)
		return
	}

	if err := handlers.SafeInvoke(invoke); err != nil {
		p.log.Error("Error handling incoming network event",
			zap.String("typeKey", typeKey),
			zap.Bool("fromServer", isFromServer),
			zap.Error(err))
		p.metrics.Fault(metrics.ChannelBinary)
		return
	}

	p.metrics.Dispatched(metrics.ChannelBinary)
}
