package chatchannel_test

import (
	"encoding/base64"
	goerrs "errors"
	"sync"
	"testing"

	"github.com/sessamekesh/spanreed-overlay/internal/metrics"
	"github.com/sessamekesh/spanreed-overlay/pkg/chatchannel"
	"github.com/sessamekesh/spanreed-overlay/pkg/errors"
	"github.com/sessamekesh/spanreed-overlay/pkg/host"
	"github.com/sessamekesh/spanreed-overlay/pkg/typekey"
	"github.com/sessamekesh/spanreed-overlay/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type greeting struct {
	Text string
}

func (m *greeting) Serialize(w *wire.Writer) {
	w.WriteString(m.Text)
}

func (m *greeting) Deserialize(r *wire.Reader) error {
	text, err := r.ReadString()
	if err != nil {
		return err
	}
	m.Text = text
	return nil
}

type counter struct {
	X int32
}

func (m *counter) Serialize(w *wire.Writer) {
	w.WriteInt32(m.X)
}

func (m *counter) Deserialize(r *wire.Reader) error {
	x, err := r.ReadInt32()
	if err != nil {
		return err
	}
	m.X = x
	return nil
}

//
// Fakes

type sentLine struct {
	to   host.User
	text string
}

type fakeChat struct {
	mut_lines sync.Mutex
	lines     []sentLine
}

func (c *fakeChat) SendSystemMessage(to host.User, text string) error {
	c.mut_lines.Lock()
	defer c.mut_lines.Unlock()
	c.lines = append(c.lines, sentLine{to: to, text: text})
	return nil
}

type fakeUsers map[host.Entity]host.User

func (u fakeUsers) GetComponentObject(host.Entity, host.ComponentType) (any, bool) {
	return nil, false
}

func (u fakeUsers) GetUser(entity host.Entity) (host.User, bool) {
	user, has := u[entity]
	return user, has
}

// loopbackHandshake hands a client's ClientRegister straight to whatever the
// server registered.
type loopbackHandshake struct {
	onRegister func(host.FromCharacter, chatchannel.ClientRegister)
	from       host.FromCharacter
	stopped    bool
}

func (h *loopbackHandshake) ListenClientRegister(onRegister func(host.FromCharacter, chatchannel.ClientRegister)) error {
	h.onRegister = onRegister
	h.stopped = false
	return nil
}

func (h *loopbackHandshake) StopListening() {
	h.onRegister = nil
	h.stopped = true
}

func (h *loopbackHandshake) SendClientRegister(req chatchannel.ClientRegister) error {
	if h.onRegister != nil {
		h.onRegister(h.from, req)
	}
	return nil
}

var alucard = host.User{
	PlatformID:    76561198000000001,
	CharacterName: "Alucard",
	Entity:        host.Entity{Index: 12, Version: 1},
}

type chatFixture struct {
	chat      *fakeChat
	handshake *loopbackHandshake
	server    *chatchannel.Protocol
	client    *chatchannel.Protocol
	metrics   *metrics.Metrics
	logs      *observer.ObservedLogs
}

func createChatFixture(t *testing.T, eviction chatchannel.EvictionPolicy) *chatFixture {
	t.Helper()

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	m := metrics.New(nil)
	chat := &fakeChat{}
	handshake := &loopbackHandshake{from: host.FromCharacter{User: alucard.Entity}}

	server, err := chatchannel.CreateProtocol(chatchannel.ProtocolParams{
		Side:            host.SideServer,
		Chat:            chat,
		Entities:        fakeUsers{alucard.Entity: alucard},
		Handshake:       handshake,
		EvictionPolicy:  eviction,
		GetNowTimestamp: func() int64 { return 1000 },
		Metrics:         m,
		Logger:          logger,
	})
	require.NoError(t, err)

	client, err := chatchannel.CreateProtocol(chatchannel.ProtocolParams{
		Side:        host.SideClient,
		Handshake:   handshake,
		ClientNonce: 42,
		Metrics:     m,
		Logger:      logger,
	})
	require.NoError(t, err)

	return &chatFixture{
		chat:      chat,
		handshake: handshake,
		server:    server,
		client:    client,
		metrics:   m,
		logs:      logs,
	}
}

func (f *chatFixture) handshakeClient(t *testing.T) {
	t.Helper()
	require.NoError(t, f.server.RegisterClientInitialisationType())
	require.NoError(t, f.client.InitialiseClient())
}

func TestServerRequiresChatAndEntities(t *testing.T) {
	_, err := chatchannel.CreateProtocol(chatchannel.ProtocolParams{Side: host.SideServer, Logger: zap.NewNop()})
	var missing *errors.MissingFieldError
	require.True(t, goerrs.As(err, &missing))
	assert.Equal(t, "Chat", missing.FieldName)

	client, err := chatchannel.CreateProtocol(chatchannel.ProtocolParams{Side: host.SideClient, Logger: zap.NewNop()})
	require.NoError(t, err)
	assert.NotZero(t, client.ClientNonce())
}

func TestHandshakeRecordsNonceAndNotifiesListeners(t *testing.T) {
	f := createChatFixture(t, chatchannel.EvictNever)

	var notified []host.User
	f.server.AddConnectionListener(func(user host.User) {
		notified = append(notified, user)
	})
	f.server.AddConnectionListener(func(host.User) {
		panic("listener exploded")
	})

	assert.False(t, f.server.IsClientReady(alucard.PlatformID))
	f.handshakeClient(t)

	assert.True(t, f.server.IsClientReady(alucard.PlatformID))
	assert.Equal(t, []host.User{alucard}, notified)
	assert.Equal(t, 1, f.logs.FilterMessage("Client connection listener failed").Len())
}

func TestHandshakeFromUnknownEntityIsIgnored(t *testing.T) {
	f := createChatFixture(t, chatchannel.EvictNever)
	f.handshake.from = host.FromCharacter{User: host.Entity{Index: 99, Version: 1}}

	f.handshakeClient(t)
	assert.False(t, f.server.IsClientReady(alucard.PlatformID))
}

func TestSendToUnreadyClientIsSkipped(t *testing.T) {
	f := createChatFixture(t, chatchannel.EvictNever)

	require.NoError(t, f.server.SendToClient(alucard, &greeting{Text: "hi"}))

	assert.Empty(t, f.chat.lines)
	assert.Equal(t, 1.0, f.metrics.DroppedCount(metrics.ChannelChat, metrics.DropClientNotReady))
}

func TestSendToClientRoundTrip(t *testing.T) {
	f := createChatFixture(t, chatchannel.EvictNever)
	f.handshakeClient(t)

	var got []greeting
	require.NoError(t, chatchannel.RegisterType[greeting](f.client, func(msg greeting) {
		got = append(got, msg)
	}))

	require.NoError(t, f.server.SendToClient(alucard, &greeting{Text: "welcome"}))
	require.Len(t, f.chat.lines, 1)
	assert.Equal(t, alucard, f.chat.lines[0].to)

	header, _, err := chatchannel.DecodeText(f.chat.lines[0].text)
	require.NoError(t, err)
	assert.Equal(t, int32(42), header.ClientNonce)
	assert.Equal(t, typekey.Of[greeting](), header.TypeKey)

	assert.True(t, f.client.TryDecodeChatText(f.chat.lines[0].text))
	assert.Equal(t, []greeting{{Text: "welcome"}}, got)
	assert.Equal(t, 1.0, f.metrics.DispatchedCount(metrics.ChannelChat))
}

func TestTryDecodeRejectsOrdinaryChat(t *testing.T) {
	f := createChatFixture(t, chatchannel.EvictNever)

	wrongDiscriminator := wire.NewWriter(16)
	wrongDiscriminator.WriteUint32(0xDEADBEEF)
	wrongDiscriminator.WriteInt32(42)
	wrongDiscriminator.WriteString("k")

	for _, text := range []string{
		"",
		"hello there!",
		base64.StdEncoding.EncodeToString([]byte{0x0D, 0xD0, 0x0F}),
		base64.StdEncoding.EncodeToString(wrongDiscriminator.Bytes()),
	} {
		assert.False(t, f.client.TryDecodeChatText(text), "text %q", text)
	}
	assert.Equal(t, 0, f.logs.FilterLevelExact(zap.ErrorLevel).Len())
}

func TestUnknownChatTypeIsConsumed(t *testing.T) {
	f := createChatFixture(t, chatchannel.EvictNever)

	text := chatchannel.EncodeText("not.registered", 42, &greeting{})
	assert.True(t, f.client.TryDecodeChatText(text))
	assert.Equal(t, 1.0, f.metrics.DroppedCount(metrics.ChannelChat, metrics.DropUnknownType))
}

func TestForeignNonceStillDispatches(t *testing.T) {
	f := createChatFixture(t, chatchannel.EvictNever)

	var got []counter
	require.NoError(t, chatchannel.RegisterType[counter](f.client, func(msg counter) {
		got = append(got, msg)
	}))

	text := chatchannel.EncodeText(typekey.Of[counter](), 7, &counter{X: 3})
	assert.True(t, f.client.TryDecodeChatText(text))
	assert.Equal(t, []counter{{X: 3}}, got)
}

func TestFailingHandlerIsContained(t *testing.T) {
	f := createChatFixture(t, chatchannel.EvictNever)

	require.NoError(t, chatchannel.RegisterType[greeting](f.client, func(greeting) {
		panic("boom")
	}))
	var got []counter
	require.NoError(t, chatchannel.RegisterType[counter](f.client, func(msg counter) {
		got = append(got, msg)
	}))

	assert.True(t, f.client.TryDecodeChatText(chatchannel.EncodeText(typekey.Of[greeting](), 42, &greeting{Text: "x"})))
	assert.True(t, f.client.TryDecodeChatText(chatchannel.EncodeText(typekey.Of[counter](), 42, &counter{X: 7})))

	assert.Equal(t, []counter{{X: 7}}, got)
	faults := f.logs.FilterMessage("Error handling incoming network event").
		FilterField(zap.String("typeKey", typekey.Of[greeting]()))
	assert.Equal(t, 1, faults.Len())
	assert.Equal(t, 1.0, f.metrics.FaultCount(metrics.ChannelChat))
}

func TestEvictionPolicy(t *testing.T) {
	never := createChatFixture(t, chatchannel.EvictNever)
	never.handshakeClient(t)
	never.server.HandleClientDisconnected(alucard)
	assert.True(t, never.server.IsClientReady(alucard.PlatformID))

	onDisconnect := createChatFixture(t, chatchannel.EvictOnDisconnect)
	onDisconnect.handshakeClient(t)
	onDisconnect.server.HandleClientDisconnected(alucard)
	assert.False(t, onDisconnect.server.IsClientReady(alucard.PlatformID))
}

func TestUnregisterClientInitialisationKeepsRecordedClients(t *testing.T) {
	f := createChatFixture(t, chatchannel.EvictNever)
	f.handshakeClient(t)

	require.NoError(t, f.server.UnregisterClientInitialisationType())
	assert.True(t, f.handshake.stopped)
	assert.True(t, f.server.IsClientReady(alucard.PlatformID))
}

func TestWrongSideOperations(t *testing.T) {
	f := createChatFixture(t, chatchannel.EvictNever)

	var wrongSide *errors.WrongSide
	assert.True(t, goerrs.As(f.client.SendToClient(alucard, &greeting{}), &wrongSide))
	assert.True(t, goerrs.As(f.client.RegisterClientInitialisationType(), &wrongSide))
	assert.True(t, goerrs.As(f.client.UnregisterClientInitialisationType(), &wrongSide))
	assert.True(t, goerrs.As(f.server.InitialiseClient(), &wrongSide))
}

func TestDuplicateChatRegistration(t *testing.T) {
	f := createChatFixture(t, chatchannel.EvictNever)

	require.NoError(t, chatchannel.RegisterType[greeting](f.client, func(greeting) {}))
	err := chatchannel.RegisterType[greeting](f.client, func(greeting) {})

	var dup *errors.DuplicateRegistration
	assert.True(t, goerrs.As(err, &dup))

	chatchannel.UnregisterType[greeting](f.client)
	assert.Equal(t, 0, f.client.Registry().Len())
}
