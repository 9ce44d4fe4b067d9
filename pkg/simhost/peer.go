// Package simhost is an in-process stand-in for the host simulation: an
// entity store, a network layer whose serialize/deserialize entry points can
// be detoured, and a native chat event rendered through chat filters.
package simhost

import (
	goerrs "errors"
	"sort"
	"sync"

	"github.com/sessamekesh/spanreed-overlay/pkg/errors"
	"github.com/sessamekesh/spanreed-overlay/pkg/host"
	"github.com/sessamekesh/spanreed-overlay/pkg/wire"
	"go.uber.org/zap"
)

// Native event kinds. Real hosts carry dozens; two are enough to exercise
// pass-through.
const (
	EventKindChatMessage host.EventKind = 0x01
	EventKindNative      host.EventKind = 0x02
)

const (
	ChatMessageComponent host.ComponentType = "simhost.ChatMessage"
	NativeEventComponent host.ComponentType = "simhost.NativeEvent"
)

type ChatMessage struct {
	Text string
}

type NativeEvent struct {
	Body []byte
}

type ReceivedEvent struct {
	Kind host.EventKind
	Body []byte
	From host.FromCharacter
}

type queuedEvent struct {
	kind   host.EventKind
	entity host.Entity
	target *host.User
}

type clientConnection struct {
	user host.User
	send func(frame []byte) error
}

type chatFilterEntry struct {
	filter host.ChatFilter
}

type PeerParams struct {
	Logger *zap.Logger
}

type Peer struct {
	*EntityStore
	entryPoints

	side host.Side
	log  *zap.Logger

	mut_outbox sync.Mutex
	outbox     []queuedEvent

	mut_connections sync.RWMutex
	connections     map[uint64]*clientConnection
	serverSend      func(frame []byte) error

	mut_chat    sync.RWMutex
	chatFilters []*chatFilterEntry
	chatLog     []string
	suppressed  int

	mut_received sync.Mutex
	received     []ReceivedEvent
}

func CreateServer(params PeerParams) *Peer {
	return createPeer(host.SideServer, params)
}

func CreateClient(params PeerParams) *Peer {
	return createPeer(host.SideClient, params)
}

func createPeer(side host.Side, params PeerParams) *Peer {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	p := &Peer{
		EntityStore: CreateEntityStore(),
		side:        side,
		log:         logger.With(zap.String("handler", "SimHost"), zap.Stringer("side", side)),
		connections: make(map[uint64]*clientConnection),
	}
	p.nativeSerialize = p.serializeNative
	p.nativeDeserialize = p.deserializeNative
	return p
}

func (p *Peer) Side() host.Side {
	return p.side
}

// SerializeEvent is the entry point the network layer calls for every
// outbound event. It runs whatever detour is currently installed.
func (p *Peer) SerializeEvent(kind host.EventKind, out *wire.Writer, entity host.Entity) error {
	return p.currentSerialize()(kind, out, entity)
}

// DeserializeEvent is the entry point the network layer calls for every
// inbound event buffer.
func (p *Peer) DeserializeEvent(in *wire.Reader, params host.DeserializeParams) error {
	return p.currentDeserialize()(in, params)
}

func (p *Peer) serializeNative(kind host.EventKind, out *wire.Writer, entity host.Entity) error {
	switch kind {
	case EventKindChatMessage:
		data, _ := p.GetComponentObject(entity, ChatMessageComponent)
		msg, ok := data.(*ChatMessage)
		if !ok {
			return &errors.MissingComponent{Component: string(ChatMessageComponent), Entity: entity.String()}
		}
		out.WriteUint32(uint32(kind))
		out.WriteString(msg.Text)
		return nil
	case EventKindNative:
		data, _ := p.GetComponentObject(entity, NativeEventComponent)
		msg, ok := data.(*NativeEvent)
		if !ok {
			return &errors.MissingComponent{Component: string(NativeEventComponent), Entity: entity.String()}
		}
		out.WriteUint32(uint32(kind))
		out.WriteBytes(msg.Body)
		return nil
	}

	return &UnknownEventKindError{Kind: kind}
}

func (p *Peer) deserializeNative(in *wire.Reader, params host.DeserializeParams) error {
	rawKind, err := in.ReadUint32()
	if err != nil {
		return err
	}

	kind := host.EventKind(rawKind)
	switch kind {
	case EventKindChatMessage:
		text, err := in.ReadString()
		if err != nil {
			return err
		}
		p.displayChat(text)
		p.recordReceived(ReceivedEvent{Kind: kind, Body: []byte(text), From: params.FromCharacter})
		return nil
	case EventKindNative:
		body, err := in.ReadBytes()
		if err != nil {
			return err
		}
		p.recordReceived(ReceivedEvent{Kind: kind, Body: body, From: params.FromCharacter})
		return nil
	}

	return &UnknownEventKindError{Kind: kind}
}

func (p *Peer) recordReceived(ev ReceivedEvent) {
	p.mut_received.Lock()
	defer p.mut_received.Unlock()
	p.received = append(p.received, ev)
}

// ReceivedNativeEvents lists native events the host itself decoded.
func (p *Peer) ReceivedNativeEvents() []ReceivedEvent {
	p.mut_received.Lock()
	defer p.mut_received.Unlock()

	out := make([]ReceivedEvent, len(p.received))
	copy(out, p.received)
	return out
}

//
// Outbound events

func (p *Peer) EmitNetworkEvent(kind host.EventKind, target *host.User, component host.ComponentType, data any) error {
	entity := p.CreateEntity()
	if err := p.SetComponentObject(entity, component, data); err != nil {
		return err
	}

	var targetCopy *host.User
	if target != nil {
		t := *target
		targetCopy = &t
	}

	p.mut_outbox.Lock()
	defer p.mut_outbox.Unlock()
	p.outbox = append(p.outbox, queuedEvent{kind: kind, entity: entity, target: targetCopy})
	return nil
}

func (p *Peer) SendNativeEvent(target *host.User, body []byte) error {
	return p.EmitNetworkEvent(EventKindNative, target, NativeEventComponent, &NativeEvent{Body: body})
}

func (p *Peer) SendSystemMessage(to host.User, text string) error {
	if p.side != host.SideServer {
		return &errors.WrongSide{Operation: "SendSystemMessage", Required: "server"}
	}
	return p.EmitNetworkEvent(EventKindChatMessage, &to, ChatMessageComponent, &ChatMessage{Text: text})
}

func (p *Peer) PendingEvents() int {
	p.mut_outbox.Lock()
	defer p.mut_outbox.Unlock()
	return len(p.outbox)
}

// Tick serializes every queued event and hands the frames to the transport.
// Event entities are destroyed whether or not serialization succeeded.
func (p *Peer) Tick() error {
	p.mut_outbox.Lock()
	events := p.outbox
	p.outbox = nil
	p.mut_outbox.Unlock()

	var errs []error
	for _, ev := range events {
		out := wire.NewWriter(64)
		err := p.SerializeEvent(ev.kind, out, ev.entity)
		p.DestroyEntity(ev.entity)
		if err != nil {
			p.log.Warn("Failed to serialize network event", zap.Uint32("kind", uint32(ev.kind)), zap.Error(err))
			errs = append(errs, err)
			continue
		}

		if err := p.deliver(ev.target, out.Bytes()); err != nil {
			p.log.Warn("Failed to deliver network event", zap.Uint32("kind", uint32(ev.kind)), zap.Error(err))
			errs = append(errs, err)
		}
	}

	return goerrs.Join(errs...)
}

func (p *Peer) deliver(target *host.User, frame []byte) error {
	if p.side == host.SideClient {
		p.mut_connections.RLock()
		send := p.serverSend
		p.mut_connections.RUnlock()

		if send == nil {
			return &NotConnectedError{}
		}
		return send(frame)
	}

	p.mut_connections.RLock()
	var routes []*clientConnection
	if target != nil {
		connection, has := p.connections[target.PlatformID]
		if !has {
			p.mut_connections.RUnlock()
			return &NotConnectedError{PlatformId: target.PlatformID}
		}
		routes = append(routes, connection)
	} else {
		for _, connection := range p.connections {
			routes = append(routes, connection)
		}
	}
	p.mut_connections.RUnlock()

	var errs []error
	for _, route := range routes {
		if err := route.send(frame); err != nil {
			errs = append(errs, err)
		}
	}
	return goerrs.Join(errs...)
}

//
// Connections

// ConnectClient creates the user entity for a newly connected client and
// routes frames addressed to it through send.
func (p *Peer) ConnectClient(platformId uint64, characterName string, send func(frame []byte) error) (host.User, error) {
	if p.side != host.SideServer {
		return host.User{}, &errors.WrongSide{Operation: "ConnectClient", Required: "server"}
	}

	userEntity := p.CreateEntity()
	user := host.User{
		PlatformID:    platformId,
		CharacterName: characterName,
		Entity:        userEntity,
	}
	if err := p.SetComponentObject(userEntity, UserComponent, user); err != nil {
		return host.User{}, err
	}

	p.mut_connections.Lock()
	defer p.mut_connections.Unlock()

	if previous, has := p.connections[platformId]; has {
		p.DestroyEntity(previous.user.Entity)
	}
	p.connections[platformId] = &clientConnection{user: user, send: send}

	p.log.Info("Client connected", zap.Uint64("platformId", platformId), zap.String("characterName", characterName))
	return user, nil
}

func (p *Peer) DisconnectClient(platformId uint64) (host.User, bool) {
	p.mut_connections.Lock()
	connection, has := p.connections[platformId]
	delete(p.connections, platformId)
	p.mut_connections.Unlock()

	if !has {
		return host.User{}, false
	}

	p.DestroyEntity(connection.user.Entity)
	p.log.Info("Client disconnected", zap.Uint64("platformId", platformId))
	return connection.user, true
}

func (p *Peer) Users() []host.User {
	p.mut_connections.RLock()
	defer p.mut_connections.RUnlock()

	users := make([]host.User, 0, len(p.connections))
	for _, connection := range p.connections {
		users = append(users, connection.user)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].PlatformID < users[j].PlatformID })
	return users
}

func (p *Peer) ReceiveFromClient(platformId uint64, frame []byte) error {
	p.mut_connections.RLock()
	connection, has := p.connections[platformId]
	p.mut_connections.RUnlock()

	if !has {
		return &NotConnectedError{PlatformId: platformId}
	}

	return p.DeserializeEvent(wire.NewReader(frame), host.DeserializeParams{
		FromCharacter: host.FromCharacter{User: connection.user.Entity},
	})
}

func (p *Peer) ConnectServer(send func(frame []byte) error) error {
	if p.side != host.SideClient {
		return &errors.WrongSide{Operation: "ConnectServer", Required: "client"}
	}

	p.mut_connections.Lock()
	defer p.mut_connections.Unlock()
	p.serverSend = send
	return nil
}

func (p *Peer) DisconnectServer() {
	p.mut_connections.Lock()
	defer p.mut_connections.Unlock()
	p.serverSend = nil
}

func (p *Peer) ReceiveFromServer(frame []byte) error {
	return p.DeserializeEvent(wire.NewReader(frame), host.DeserializeParams{})
}

// Connect links a client peer to a server peer in memory. Frames are
// delivered synchronously during Tick.
func Connect(server, client *Peer, platformId uint64, characterName string) (host.User, error) {
	user, err := server.ConnectClient(platformId, characterName, client.ReceiveFromServer)
	if err != nil {
		return host.User{}, err
	}

	err = client.ConnectServer(func(frame []byte) error {
		return server.ReceiveFromClient(platformId, frame)
	})
	if err != nil {
		return host.User{}, err
	}
	return user, nil
}

//
// Chat

func (p *Peer) AddChatFilter(filter host.ChatFilter) func() {
	entry := &chatFilterEntry{filter: filter}

	p.mut_chat.Lock()
	defer p.mut_chat.Unlock()
	p.chatFilters = append(p.chatFilters, entry)

	return func() {
		p.mut_chat.Lock()
		defer p.mut_chat.Unlock()
		for i, e := range p.chatFilters {
			if e == entry {
				p.chatFilters = append(p.chatFilters[:i], p.chatFilters[i+1:]...)
				return
			}
		}
	}
}

func (p *Peer) displayChat(text string) {
	p.mut_chat.RLock()
	filters := make([]*chatFilterEntry, len(p.chatFilters))
	copy(filters, p.chatFilters)
	p.mut_chat.RUnlock()

	for _, entry := range filters {
		if entry.filter(text) {
			p.mut_chat.Lock()
			p.suppressed++
			p.mut_chat.Unlock()
			return
		}
	}

	p.mut_chat.Lock()
	defer p.mut_chat.Unlock()
	p.chatLog = append(p.chatLog, text)
}

// ChatLog returns the chat lines that were displayed.
func (p *Peer) ChatLog() []string {
	p.mut_chat.RLock()
	defer p.mut_chat.RUnlock()

	out := make([]string, len(p.chatLog))
	copy(out, p.chatLog)
	return out
}

func (p *Peer) SuppressedChatLines() int {
	p.mut_chat.RLock()
	defer p.mut_chat.RUnlock()
	return p.suppressed
}
