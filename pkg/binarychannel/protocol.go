package binarychannel

import (
	goerrs "errors"
	"sync"

	"github.com/sessamekesh/spanreed-overlay/internal/metrics"
	"github.com/sessamekesh/spanreed-overlay/pkg/errors"
	"github.com/sessamekesh/spanreed-overlay/pkg/handlers"
	"github.com/sessamekesh/spanreed-overlay/pkg/host"
	"github.com/sessamekesh/spanreed-overlay/pkg/registry"
	"github.com/sessamekesh/spanreed-overlay/pkg/typekey"
	"github.com/sessamekesh/spanreed-overlay/pkg/wire"
	"go.uber.org/zap"
)

// EventKind is the host event kind reserved for overlay traffic. It reuses
// the wire discriminator so the serialize hook can match on it directly.
const EventKind = host.EventKind(wire.Discriminator)

const CustomNetworkEventComponent host.ComponentType = "overlay.CustomNetworkEvent"

// CustomNetworkEvent is the component attached to an outbound event entity.
type CustomNetworkEvent struct {
	TypeKey string
	Message wire.Message
}

func (e *CustomNetworkEvent) Serialize(out *wire.Writer) {
	out.WriteString(e.TypeKey)
	e.Message.Serialize(out)
}

type ProtocolParams struct {
	Side        host.Side
	Interceptor host.WireInterceptor
	Entities    host.EntityManager
	Events      host.EventEmitter

	// Created when nil.
	Registry *registry.Registry[handlers.BinaryHandler]

	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

type Protocol struct {
	side        host.Side
	interceptor host.WireInterceptor
	entities    host.EntityManager
	events      host.EventEmitter
	registry    *registry.Registry[handlers.BinaryHandler]
	metrics     *metrics.Metrics
	log         *zap.Logger

	mut_detours         sync.RWMutex
	installed           bool
	serializeOriginal   host.SerializeEventFunc
	deserializeOriginal host.DeserializeEventFunc
	serializeDetour     host.Detour
	deserializeDetour   host.Detour
}

func CreateProtocol(params ProtocolParams) (*Protocol, error) {
	if params.Interceptor == nil {
		return nil, &errors.MissingFieldError{MessageName: "binarychannel.ProtocolParams", FieldName: "Interceptor"}
	}
	if params.Entities == nil {
		return nil, &errors.MissingFieldError{MessageName: "binarychannel.ProtocolParams", FieldName: "Entities"}
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	reg := params.Registry
	if reg == nil {
		reg = registry.CreateRegistry[handlers.BinaryHandler]("binary")
	}

	return &Protocol{
		side:        params.Side,
		interceptor: params.Interceptor,
		entities:    params.Entities,
		events:      params.Events,
		registry:    reg,
		metrics:     params.Metrics,
		log:         logger.With(zap.String("handler", "BinaryChannel"), zap.Stringer("side", params.Side)),
	}, nil
}

func (p *Protocol) Registry() *registry.Registry[handlers.BinaryHandler] {
	return p.registry
}

func (p *Protocol) Side() host.Side {
	return p.side
}

func (p *Protocol) IsInstalled() bool {
	p.mut_detours.RLock()
	defer p.mut_detours.RUnlock()
	return p.installed
}

// Install detours the host's serialize and deserialize entry points.
func (p *Protocol) Install() error {
	p.mut_detours.Lock()
	defer p.mut_detours.Unlock()

	if p.installed {
		return &errors.AlreadyInstalled{Name: "binary channel interception"}
	}

	serializeOriginal, serializeDetour, err := p.interceptor.DetourSerialize(p.serializeHook)
	if err != nil {
		return err
	}

	deserializeOriginal, deserializeDetour, err := p.interceptor.DetourDeserialize(p.deserializeHook)
	if err != nil {
		return goerrs.Join(err, serializeDetour.Undo())
	}

	p.serializeOriginal = serializeOriginal
	p.deserializeOriginal = deserializeOriginal
	p.serializeDetour = serializeDetour
	p.deserializeDetour = deserializeDetour
	p.installed = true

	p.log.Info("Installed binary channel interception", zap.Uint32("discriminator", wire.Discriminator))
	return nil
}

// Uninstall restores the host's original entry points. It is a no-op when
// nothing is installed.
func (p *Protocol) Uninstall() error {
	p.mut_detours.Lock()
	defer p.mut_detours.Unlock()

	if !p.installed {
		return nil
	}

	err := goerrs.Join(p.deserializeDetour.Undo(), p.serializeDetour.Undo())
	p.installed = false
	p.serializeDetour = nil
	p.deserializeDetour = nil

	if err != nil {
		p.log.Error("Failed to fully remove binary channel interception", zap.Error(err))
		return err
	}

	p.log.Info("Removed binary channel interception")
	return nil
}

func (p *Protocol) originals() (host.SerializeEventFunc, host.DeserializeEventFunc) {
	p.mut_detours.RLock()
	defer p.mut_detours.RUnlock()
	return p.serializeOriginal, p.deserializeOriginal
}

func (p *Protocol) SendToServer(msg wire.Message) error {
	if p.side != host.SideClient {
		return &errors.WrongSide{Operation: "SendToServer", Required: "client"}
	}
	return p.emit(nil, msg)
}

func (p *Protocol) SendToClient(to host.User, msg wire.Message) error {
	if p.side != host.SideServer {
		return &errors.WrongSide{Operation: "SendToClient", Required: "server"}
	}
	return p.emit(&to, msg)
}

func (p *Protocol) SendToAllClients(msg wire.Message) error {
	if p.side != host.SideServer {
		return &errors.WrongSide{Operation: "SendToAllClients", Required: "server"}
	}
	return p.emit(nil, msg)
}

func (p *Protocol) emit(target *host.User, msg wire.Message) error {
	if p.events == nil {
		return &errors.MissingFieldError{MessageName: "binarychannel.ProtocolParams", FieldName: "Events"}
	}

	typeKey := typekey.ForValue(msg)
	err := p.events.EmitNetworkEvent(EventKind, target, CustomNetworkEventComponent, &CustomNetworkEvent{
		TypeKey: typeKey,
		Message: msg,
	})
	if err != nil {
		p.log.Warn("Failed to emit custom network event", zap.String("typeKey", typeKey), zap.Error(err))
		return err
	}

	p.metrics.Sent(metrics.ChannelBinary)
	return nil
}

func RegisterType[T any, PT interface {
	*T
	wire.Message
}](p *Protocol, onServerReceive func(T), onClientReceive func(host.FromCharacter, T)) error {
	key := typekey.Of[T]()
	handler := handlers.BinaryHandler{TypeKey: key}

	if onServerReceive != nil {
		handler.OnServerReceive = func(r *wire.Reader) error {
			var msg T
			if err := PT(&msg).Deserialize(r); err != nil {
				return err
			}
			onServerReceive(msg)
			return nil
		}
	}

	if onClientReceive != nil {
		handler.OnClientReceive = func(from host.FromCharacter, r *wire.Reader) error {
			var msg T
			if err := PT(&msg).Deserialize(r); err != nil {
				return err
			}
			onClientReceive(from, msg)
			return nil
		}
	}

	if err := p.registry.Register(key, handler); err != nil {
		return err
	}

	p.log.Debug("Registered binary message type", zap.String("typeKey", key))
	return nil
}

func UnregisterType[T any](p *Protocol) {
	p.registry.Unregister(typekey.Of[T]())
}
