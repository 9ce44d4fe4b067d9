package chatchannel

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/sessamekesh/spanreed-overlay/internal"
	"github.com/sessamekesh/spanreed-overlay/internal/metrics"
	"github.com/sessamekesh/spanreed-overlay/pkg/errors"
	"github.com/sessamekesh/spanreed-overlay/pkg/handlers"
	"github.com/sessamekesh/spanreed-overlay/pkg/host"
	"github.com/sessamekesh/spanreed-overlay/pkg/registry"
	"github.com/sessamekesh/spanreed-overlay/pkg/typekey"
	"github.com/sessamekesh/spanreed-overlay/pkg/wire"
	"go.uber.org/zap"
)

// Handshake carries ClientRegister from client to server over some channel
// other than chat, which only flows server to client.
type Handshake interface {
	ListenClientRegister(onRegister func(from host.FromCharacter, req ClientRegister)) error
	StopListening()
	SendClientRegister(req ClientRegister) error
}

type EvictionPolicy uint8

const (
	// EvictNever keeps a client's nonce until the process exits.
	EvictNever EvictionPolicy = iota
	// EvictOnDisconnect drops a client's nonce when the host reports it gone.
	EvictOnDisconnect
)

type ConnectionListener func(user host.User)

type ProtocolParams struct {
	Side host.Side

	// Server side.
	Chat     host.ChatSender
	Entities host.EntityManager
	Clients  *internal.SupportedClientsTable

	Handshake Handshake

	// Created when nil.
	Registry *registry.Registry[handlers.ChatHandler]

	// Zero picks a random nonce.
	ClientNonce    int32
	EvictionPolicy EvictionPolicy

	GetNowTimestamp func() int64

	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

type Protocol struct {
	side      host.Side
	chat      host.ChatSender
	entities  host.EntityManager
	clients   *internal.SupportedClientsTable
	handshake Handshake
	registry  *registry.Registry[handlers.ChatHandler]
	eviction  EvictionPolicy
	now       func() int64
	metrics   *metrics.Metrics
	log       *zap.Logger

	clientNonce int32

	mut_listeners sync.RWMutex
	listeners     []ConnectionListener
}

func CreateProtocol(params ProtocolParams) (*Protocol, error) {
	if params.Side == host.SideServer && params.Chat == nil {
		return nil, &errors.MissingFieldError{MessageName: "chatchannel.ProtocolParams", FieldName: "Chat"}
	}
	if params.Side == host.SideServer && params.Entities == nil {
		return nil, &errors.MissingFieldError{MessageName: "chatchannel.ProtocolParams", FieldName: "Entities"}
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	reg := params.Registry
	if reg == nil {
		reg = registry.CreateRegistry[handlers.ChatHandler]("chat")
	}

	clients := params.Clients
	if clients == nil {
		clients = internal.CreateSupportedClientsTable()
	}

	now := params.GetNowTimestamp
	if now == nil {
		startTime := time.Now()
		now = func() int64 {
			return time.Since(startTime).Microseconds()
		}
	}

	clientNonce := params.ClientNonce
	if clientNonce == 0 {
		clientNonce = rand.Int32()
	}

	return &Protocol{
		side:        params.Side,
		chat:        params.Chat,
		entities:    params.Entities,
		clients:     clients,
		handshake:   params.Handshake,
		registry:    reg,
		eviction:    params.EvictionPolicy,
		now:         now,
		metrics:     params.Metrics,
		log:         logger.With(zap.String("handler", "ChatChannel"), zap.Stringer("side", params.Side)),
		clientNonce: clientNonce,
	}, nil
}

func (p *Protocol) Registry() *registry.Registry[handlers.ChatHandler] {
	return p.registry
}

func (p *Protocol) ClientNonce() int32 {
	return p.clientNonce
}

func (p *Protocol) AddConnectionListener(listener ConnectionListener) {
	p.mut_listeners.Lock()
	defer p.mut_listeners.Unlock()
	p.listeners = append(p.listeners, listener)
}

//
// Server side

func (p *Protocol) RegisterClientInitialisationType() error {
	if p.side != host.SideServer {
		return &errors.WrongSide{Operation: "RegisterClientInitialisationType", Required: "server"}
	}
	if p.handshake == nil {
		return &errors.MissingFieldError{MessageName: "chatchannel.ProtocolParams", FieldName: "Handshake"}
	}

	return p.handshake.ListenClientRegister(p.onClientRegister)
}

// UnregisterClientInitialisationType stops accepting handshakes. Clients
// already recorded stay recorded.
func (p *Protocol) UnregisterClientInitialisationType() error {
	if p.side != host.SideServer {
		return &errors.WrongSide{Operation: "UnregisterClientInitialisationType", Required: "server"}
	}
	if p.handshake != nil {
		p.handshake.StopListening()
	}
	return nil
}

func (p *Protocol) onClientRegister(from host.FromCharacter, req ClientRegister) {
	user, has := p.entities.GetUser(from.User)
	if !has {
		p.log.Warn("ClientRegister from unknown user entity", zap.Stringer("entity", from.User))
		return
	}

	p.clients.Record(user.PlatformID, req.ClientNonce, p.now())
	p.metrics.SetSupportedClients(p.clients.Len())
	p.log.Info("Client registered for chat channel",
		zap.Uint64("platformId", user.PlatformID),
		zap.String("characterName", user.CharacterName))

	p.mut_listeners.RLock()
	listeners := make([]ConnectionListener, len(p.listeners))
	copy(listeners, p.listeners)
	p.mut_listeners.RUnlock()

	for _, listener := range listeners {
		err := handlers.SafeInvoke(func() error {
			listener(user)
			return nil
		})
		if err != nil {
			p.log.Error("Client connection listener failed", zap.Uint64("platformId", user.PlatformID), zap.Error(err))
		}
	}
}

func (p *Protocol) IsClientReady(platformId uint64) bool {
	return p.clients.HasClient(platformId)
}

// SendToClient delivers msg as a chat line. Clients that have not completed
// the handshake are skipped without error.
func (p *Protocol) SendToClient(to host.User, msg wire.Message) error {
	if p.side != host.SideServer {
		return &errors.WrongSide{Operation: "SendToClient", Required: "server"}
	}

	typeKey := typekey.ForValue(msg)
	clientNonce, has := p.clients.GetNonce(to.PlatformID)
	if !has {
		p.log.Debug("User nonce not present in supported clients",
			zap.Uint64("platformId", to.PlatformID),
			zap.String("typeKey", typeKey))
		p.metrics.Dropped(metrics.ChannelChat, metrics.DropClientNotReady)
		return nil
	}

	text := EncodeText(typeKey, clientNonce, msg)
	if err := p.chat.SendSystemMessage(to, text); err != nil {
		p.log.Warn("Failed to send chat channel message",
			zap.Uint64("platformId", to.PlatformID),
			zap.String("typeKey", typeKey),
			zap.Error(err))
		return err
	}

	p.metrics.Sent(metrics.ChannelChat)
	return nil
}

func (p *Protocol) HandleClientDisconnected(user host.User) {
	if p.eviction != EvictOnDisconnect {
		return
	}

	p.clients.Remove(user.PlatformID)
	p.metrics.SetSupportedClients(p.clients.Len())
	p.log.Debug("Evicted disconnected client", zap.Uint64("platformId", user.PlatformID))
}

//
// Client side

func (p *Protocol) InitialiseClient() error {
	if p.side != host.SideClient {
		return &errors.WrongSide{Operation: "InitialiseClient", Required: "client"}
	}
	if p.handshake == nil {
		return &errors.MissingFieldError{MessageName: "chatchannel.ProtocolParams", FieldName: "Handshake"}
	}

	return p.handshake.SendClientRegister(ClientRegister{ClientNonce: p.clientNonce})
}

// TryDecodeChatText is offered every chat line the client displays. It
// returns true when the line is overlay traffic and must not be shown.
func (p *Protocol) TryDecodeChatText(text string) bool {
	header, r, err := DecodeText(text)
	if err != nil {
		p.log.Debug("Chat line is not a chat channel message", zap.Error(err))
		return false
	}

	if header.ClientNonce != p.clientNonce {
		p.log.Debug("Chat channel message carries another client's nonce",
			zap.Int32("nonce", header.ClientNonce),
			zap.String("typeKey", header.TypeKey))
	}

	handler, has := p.registry.Lookup(header.TypeKey)
	if !has {
		p.log.Debug("No handler registered for chat channel message", zap.String("typeKey", header.TypeKey))
		p.metrics.Dropped(metrics.ChannelChat, metrics.DropUnknownType)
		return true
	}

	err = handlers.SafeInvoke(func() error {
		return handler.OnReceiveFromServer(r)
	})
	if err != nil {
		p.log.Error("Error handling incoming network event", zap.String("typeKey", header.TypeKey), zap.Error(err))
		p.metrics.Fault(metrics.ChannelChat)
		return true
	}

	p.metrics.Dispatched(metrics.ChannelChat)
	return true
}

func RegisterType[T any, PT interface {
	*T
	wire.Message
}](p *Protocol, onServerMessage func(T)) error {
	key := typekey.Of[T]()

	err := p.registry.Register(key, handlers.ChatHandler{
		TypeKey: key,
		OnReceiveFromServer: func(r *wire.Reader) error {
			var msg T
			if err := PT(&msg).Deserialize(r); err != nil {
				return err
			}
			onServerMessage(msg)
			return nil
		},
	})
	if err != nil {
		return err
	}

	p.log.Debug("Registered chat message type", zap.String("typeKey", key))
	return nil
}

func UnregisterType[T any](p *Protocol) {
	p.registry.Unregister(typekey.Of[T]())
}
