// Package overlay ties the binary channel and the chat channel to one host:
// it installs the interception, runs the chat handshake over the binary
// channel and owns both registries for the lifetime of a Start/Stop cycle.
package overlay

import (
	goerrs "errors"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sessamekesh/spanreed-overlay/internal/metrics"
	"github.com/sessamekesh/spanreed-overlay/pkg/binarychannel"
	"github.com/sessamekesh/spanreed-overlay/pkg/chatchannel"
	"github.com/sessamekesh/spanreed-overlay/pkg/errors"
	"github.com/sessamekesh/spanreed-overlay/pkg/host"
	"github.com/sessamekesh/spanreed-overlay/pkg/wire"
	"go.uber.org/zap"
)

// Host is everything the overlay needs from the host simulation.
type Host interface {
	host.WireInterceptor
	host.EntityManager
	host.EventEmitter
	host.ChatSender
	host.ChatListener
}

type OverlayConfig struct {
	Side host.Side
	Host Host

	// Zero picks a random nonce.
	ClientNonce       int32
	EvictOnDisconnect bool

	// Metrics are registered here when set; otherwise on a private registry.
	MetricsRegisterer prometheus.Registerer

	Logger *zap.Logger
}

type Overlay struct {
	side    host.Side
	host    Host
	binary  *binarychannel.Protocol
	chat    *chatchannel.Protocol
	metrics *metrics.Metrics
	log     *zap.Logger

	mut_lifecycle    sync.Mutex
	started          bool
	removeChatFilter func()
}

func CreateOverlay(config OverlayConfig) (*Overlay, error) {
	if config.Host == nil {
		return nil, &errors.MissingFieldError{MessageName: "overlay.OverlayConfig", FieldName: "Host"}
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}

	m := metrics.New(config.MetricsRegisterer)

	binary, err := binarychannel.CreateProtocol(binarychannel.ProtocolParams{
		Side:        config.Side,
		Interceptor: config.Host,
		Entities:    config.Host,
		Events:      config.Host,
		Metrics:     m,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	eviction := chatchannel.EvictNever
	if config.EvictOnDisconnect {
		eviction = chatchannel.EvictOnDisconnect
	}

	chat, err := chatchannel.CreateProtocol(chatchannel.ProtocolParams{
		Side:           config.Side,
		Chat:           config.Host,
		Entities:       config.Host,
		Handshake:      &binaryHandshake{protocol: binary},
		ClientNonce:    config.ClientNonce,
		EvictionPolicy: eviction,
		Metrics:        m,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}

	return &Overlay{
		side:    config.Side,
		host:    config.Host,
		binary:  binary,
		chat:    chat,
		metrics: m,
		log:     logger.With(zap.String("handler", "Overlay"), zap.Stringer("side", config.Side)),
	}, nil
}

func (o *Overlay) Binary() *binarychannel.Protocol {
	return o.binary
}

func (o *Overlay) Chat() *chatchannel.Protocol {
	return o.chat
}

func (o *Overlay) Metrics() *metrics.Metrics {
	return o.metrics
}

func (o *Overlay) Side() host.Side {
	return o.side
}

// Start installs the interception. On the server it begins accepting
// handshakes; on the client it starts filtering chat and sends its nonce.
func (o *Overlay) Start() error {
	o.mut_lifecycle.Lock()
	defer o.mut_lifecycle.Unlock()

	if o.started {
		return &errors.AlreadyInstalled{Name: "overlay"}
	}

	if err := o.binary.Install(); err != nil {
		return err
	}

	switch o.side {
	case host.SideServer:
		if err := o.chat.RegisterClientInitialisationType(); err != nil {
			return goerrs.Join(err, o.binary.Uninstall())
		}
	case host.SideClient:
		o.removeChatFilter = o.host.AddChatFilter(o.chat.TryDecodeChatText)
		if err := o.chat.InitialiseClient(); err != nil {
			o.removeChatFilter()
			o.removeChatFilter = nil
			return goerrs.Join(err, o.binary.Uninstall())
		}
	}

	o.started = true
	o.log.Info("Overlay started", zap.Int32("clientNonce", o.chat.ClientNonce()))
	return nil
}

// Stop undoes Start and clears both registries.
func (o *Overlay) Stop() error {
	o.mut_lifecycle.Lock()
	defer o.mut_lifecycle.Unlock()

	if !o.started {
		return nil
	}

	var errs []error
	switch o.side {
	case host.SideServer:
		errs = append(errs, o.chat.UnregisterClientInitialisationType())
	case host.SideClient:
		if o.removeChatFilter != nil {
			o.removeChatFilter()
			o.removeChatFilter = nil
		}
	}

	errs = append(errs, o.binary.Uninstall())
	o.binary.Registry().Clear()
	o.chat.Registry().Clear()
	o.started = false

	err := goerrs.Join(errs...)
	if err != nil {
		o.log.Error("Overlay stopped with errors", zap.Error(err))
		return err
	}

	o.log.Info("Overlay stopped")
	return nil
}

func (o *Overlay) AddConnectionListener(listener chatchannel.ConnectionListener) {
	o.chat.AddConnectionListener(listener)
}

// IsClientReady reports whether user completed the handshake and can
// receive chat channel messages.
func (o *Overlay) IsClientReady(user host.User) bool {
	return o.chat.IsClientReady(user.PlatformID)
}

func (o *Overlay) HandleUserDisconnected(user host.User) {
	o.chat.HandleClientDisconnected(user)
}

// SendToClient delivers msg over the chat channel.
func (o *Overlay) SendToClient(user host.User, msg wire.Message) error {
	return o.chat.SendToClient(user, msg)
}

// SendToServer delivers msg over the binary channel.
func (o *Overlay) SendToServer(msg wire.Message) error {
	return o.binary.SendToServer(msg)
}

// binaryHandshake carries ClientRegister on the binary channel's client to
// server path.
type binaryHandshake struct {
	protocol *binarychannel.Protocol
}

func (h *binaryHandshake) ListenClientRegister(onRegister func(from host.FromCharacter, req chatchannel.ClientRegister)) error {
	return binarychannel.RegisterType[chatchannel.ClientRegister](h.protocol, nil, onRegister)
}

func (h *binaryHandshake) StopListening() {
	binarychannel.UnregisterType[chatchannel.ClientRegister](h.protocol)
}

func (h *binaryHandshake) SendClientRegister(req chatchannel.ClientRegister) error {
	return h.protocol.SendToServer(&req)
}
