package binarychannel_test

import (
	goerrs "errors"
	"testing"

	"github.com/sessamekesh/spanreed-overlay/internal/metrics"
	"github.com/sessamekesh/spanreed-overlay/pkg/binarychannel"
	"github.com/sessamekesh/spanreed-overlay/pkg/errors"
	"github.com/sessamekesh/spanreed-overlay/pkg/host"
	"github.com/sessamekesh/spanreed-overlay/pkg/simhost"
	"github.com/sessamekesh/spanreed-overlay/pkg/typekey"
	"github.com/sessamekesh/spanreed-overlay/pkg/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type position struct {
	X float32
	Y float32
}

func (m *position) Serialize(w *wire.Writer) {
	w.WriteFloat32(m.X)
	w.WriteFloat32(m.Y)
}

func (m *position) Deserialize(r *wire.Reader) error {
	var err error
	if m.X, err = r.ReadFloat32(); err != nil {
		return err
	}
	m.Y, err = r.ReadFloat32()
	return err
}

type explode struct{}

func (*explode) Serialize(*wire.Writer) {}

func (*explode) Deserialize(*wire.Reader) error { return nil }

type fixture struct {
	server      *simhost.Peer
	client      *simhost.Peer
	user        host.User
	serverProto *binarychannel.Protocol
	clientProto *binarychannel.Protocol
	metrics     *metrics.Metrics
	logs        *observer.ObservedLogs
}

func createFixture(t *testing.T) *fixture {
	t.Helper()

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)
	m := metrics.New(nil)

	server := simhost.CreateServer(simhost.PeerParams{Logger: zap.NewNop()})
	client := simhost.CreateClient(simhost.PeerParams{Logger: zap.NewNop()})
	user, err := simhost.Connect(server, client, 76561198000000001, "Alucard")
	require.NoError(t, err)

	serverProto, err := binarychannel.CreateProtocol(binarychannel.ProtocolParams{
		Side:        host.SideServer,
		Interceptor: server,
		Entities:    server,
		Events:      server,
		Metrics:     m,
		Logger:      logger,
	})
	require.NoError(t, err)

	clientProto, err := binarychannel.CreateProtocol(binarychannel.ProtocolParams{
		Side:        host.SideClient,
		Interceptor: client,
		Entities:    client,
		Events:      client,
		Metrics:     m,
		Logger:      logger,
	})
	require.NoError(t, err)

	require.NoError(t, serverProto.Install())
	require.NoError(t, clientProto.Install())

	return &fixture{
		server:      server,
		client:      client,
		user:        user,
		serverProto: serverProto,
		clientProto: clientProto,
		metrics:     m,
		logs:        logs,
	}
}

func customFrame(typeKey string, payload wire.Message) []byte {
	w := wire.NewWriter(32)
	w.WriteUint32(wire.Discriminator)
	w.WriteString(typeKey)
	if payload != nil {
		payload.Serialize(w)
	}
	return w.Bytes()
}

func TestClientToServerRoundTrip(t *testing.T) {
	f := createFixture(t)

	var got []position
	var gotFrom []host.FromCharacter
	require.NoError(t, binarychannel.RegisterType[position](f.serverProto, nil, func(from host.FromCharacter, msg position) {
		got = append(got, msg)
		gotFrom = append(gotFrom, from)
	}))

	require.NoError(t, f.clientProto.SendToServer(&position{X: 1.5, Y: -2}))
	require.NoError(t, f.client.Tick())

	require.Len(t, got, 1)
	assert.Equal(t, position{X: 1.5, Y: -2}, got[0])
	assert.Equal(t, f.user.Entity, gotFrom[0].User)
	assert.Empty(t, f.server.ReceivedNativeEvents())
	assert.Equal(t, 1.0, f.metrics.DispatchedCount(metrics.ChannelBinary))
}

func TestServerToClientRoundTrip(t *testing.T) {
	f := createFixture(t)

	var got []position
	require.NoError(t, binarychannel.RegisterType[position](f.clientProto, func(msg position) {
		got = append(got, msg)
	}, nil))

	require.NoError(t, f.serverProto.SendToClient(f.user, &position{X: 7, Y: 8}))
	require.NoError(t, f.serverProto.SendToAllClients(&position{X: 9, Y: 10}))
	require.NoError(t, f.server.Tick())

	assert.Equal(t, []position{{X: 7, Y: 8}, {X: 9, Y: 10}}, got)
}

func TestNativeTrafficPassesThrough(t *testing.T) {
	f := createFixture(t)

	require.NoError(t, f.server.SendNativeEvent(&f.user, []byte("native")))
	require.NoError(t, f.server.SendSystemMessage(f.user, "hello"))
	require.NoError(t, f.server.Tick())

	events := f.client.ReceivedNativeEvents()
	require.Len(t, events, 2)
	assert.Equal(t, simhost.EventKindNative, events[0].Kind)
	assert.Equal(t, []byte("native"), events[0].Body)
	assert.Equal(t, []string{"hello"}, f.client.ChatLog())
}

func TestInterceptionIsNoopForNativeBuffers(t *testing.T) {
	source := simhost.CreateServer(simhost.PeerParams{Logger: zap.NewNop()})
	var frames [][]byte
	for _, body := range []string{"", "a", "abcdefgh", "0123456789abcdef"} {
		entity := source.CreateEntity()
		require.NoError(t, source.SetComponentObject(entity, simhost.NativeEventComponent, &simhost.NativeEvent{Body: []byte(body)}))
		w := wire.NewWriter(16)
		require.NoError(t, source.SerializeEvent(simhost.EventKindNative, w, entity))
		frames = append(frames, w.Bytes())
	}

	plain := simhost.CreateClient(simhost.PeerParams{Logger: zap.NewNop()})
	intercepted := simhost.CreateClient(simhost.PeerParams{Logger: zap.NewNop()})
	proto, err := binarychannel.CreateProtocol(binarychannel.ProtocolParams{
		Side:        host.SideClient,
		Interceptor: intercepted,
		Entities:    intercepted,
		Events:      intercepted,
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)
	require.NoError(t, proto.Install())

	for _, frame := range frames {
		plainReader := wire.NewReader(frame)
		interceptedReader := wire.NewReader(frame)

		plainErr := plain.DeserializeEvent(plainReader, host.DeserializeParams{})
		interceptedErr := intercepted.DeserializeEvent(interceptedReader, host.DeserializeParams{})

		assert.Equal(t, plainErr, interceptedErr)
		assert.Equal(t, plainReader.Position(), interceptedReader.Position())
	}

	assert.Equal(t, plain.ReceivedNativeEvents(), intercepted.ReceivedNativeEvents())
}

func TestShortBufferRewindsBeforePassThrough(t *testing.T) {
	f := createFixture(t)

	r := wire.NewReader([]byte{0x01, 0x02})
	err := f.client.DeserializeEvent(r, host.DeserializeParams{})

	var underflow *errors.Underflow
	assert.True(t, goerrs.As(err, &underflow))
	assert.Equal(t, 0, r.Position())
}

func TestUnknownTypeIsDropped(t *testing.T) {
	f := createFixture(t)

	err := f.client.ReceiveFromServer(customFrame("not.registered.Type", &position{}))
	require.NoError(t, err)

	assert.Empty(t, f.client.ReceivedNativeEvents())
	assert.Equal(t, 1.0, f.metrics.DroppedCount(metrics.ChannelBinary, metrics.DropUnknownType))
	assert.Equal(t, 0, f.logs.FilterLevelExact(zap.ErrorLevel).Len())
}

func TestHandlerFaultIsContained(t *testing.T) {
	f := createFixture(t)

	require.NoError(t, binarychannel.RegisterType[explode](f.clientProto, func(explode) {
		panic("boom")
	}, nil))

	var got []position
	require.NoError(t, binarychannel.RegisterType[position](f.clientProto, func(msg position) {
		got = append(got, msg)
	}, nil))

	require.NoError(t, f.serverProto.SendToClient(f.user, &explode{}))
	require.NoError(t, f.serverProto.SendToClient(f.user, &position{X: 3, Y: 4}))
	require.NoError(t, f.server.Tick())

	assert.Equal(t, []position{{X: 3, Y: 4}}, got)

	faults := f.logs.FilterMessage("Error handling incoming network event").
		FilterField(zap.String("typeKey", typekey.Of[explode]()))
	assert.Equal(t, 1, faults.Len())
	assert.Equal(t, 1.0, f.metrics.FaultCount(metrics.ChannelBinary))
}

func TestDecodeFaultIsContained(t *testing.T) {
	f := createFixture(t)

	called := false
	require.NoError(t, binarychannel.RegisterType[position](f.clientProto, func(position) {
		called = true
	}, nil))

	// key present, payload truncated
	frame := customFrame(typekey.Of[position](), nil)
	require.NoError(t, f.client.ReceiveFromServer(append(frame, 0x01)))

	assert.False(t, called)
	assert.Equal(t, 1.0, f.metrics.FaultCount(metrics.ChannelBinary))
}

func TestMissingDirectionIsDropped(t *testing.T) {
	f := createFixture(t)

	require.NoError(t, binarychannel.RegisterType[position](f.serverProto, func(position) {}, nil))
	require.NoError(t, f.clientProto.SendToServer(&position{}))
	require.NoError(t, f.client.Tick())

	assert.Equal(t, 1.0, f.metrics.DroppedCount(metrics.ChannelBinary, metrics.DropNoHandler))
}

func TestDuplicateRegistration(t *testing.T) {
	f := createFixture(t)

	require.NoError(t, binarychannel.RegisterType[position](f.clientProto, func(position) {}, nil))
	err := binarychannel.RegisterType[position](f.clientProto, func(position) {}, nil)

	var dup *errors.DuplicateRegistration
	assert.True(t, goerrs.As(err, &dup))

	binarychannel.UnregisterType[position](f.clientProto)
	binarychannel.UnregisterType[position](f.clientProto)
	assert.Equal(t, 0, f.clientProto.Registry().Len())
}

func TestWrongSideSends(t *testing.T) {
	f := createFixture(t)

	var wrongSide *errors.WrongSide
	assert.True(t, goerrs.As(f.serverProto.SendToServer(&position{}), &wrongSide))
	assert.True(t, goerrs.As(f.clientProto.SendToClient(f.user, &position{}), &wrongSide))
	assert.True(t, goerrs.As(f.clientProto.SendToAllClients(&position{}), &wrongSide))
}

func TestInstallUninstallRestoresEntryPoints(t *testing.T) {
	f := createFixture(t)

	var already *errors.AlreadyInstalled
	assert.True(t, goerrs.As(f.clientProto.Install(), &already))

	require.NoError(t, f.clientProto.Uninstall())
	require.NoError(t, f.clientProto.Uninstall())
	assert.False(t, f.clientProto.IsInstalled())

	serializeCount, deserializeCount := f.client.DetourCount()
	assert.Equal(t, 0, serializeCount)
	assert.Equal(t, 0, deserializeCount)

	// Without interception the host no longer recognises custom frames.
	err := f.client.ReceiveFromServer(customFrame(typekey.Of[position](), &position{}))
	var unknown *simhost.UnknownEventKindError
	assert.True(t, goerrs.As(err, &unknown))

	require.NoError(t, f.clientProto.Install())
}

func TestSerializeWithoutComponentFails(t *testing.T) {
	f := createFixture(t)

	entity := f.server.CreateEntity()
	err := f.server.SerializeEvent(binarychannel.EventKind, wire.NewWriter(8), entity)

	var missing *errors.MissingComponent
	assert.True(t, goerrs.As(err, &missing))
}
