package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ClientHost is the client half of a host simulation as seen by the
// transport. simhost.Peer satisfies it.
type ClientHost interface {
	ConnectServer(send func(frame []byte) error) error
	DisconnectServer()
	ReceiveFromServer(frame []byte) error
	Tick() error
}

type WebsocketServerLinkParams struct {
	// ws:// or wss:// URL of the server's WebSocket endpoint.
	ServerUrl string

	PlatformId    uint64
	CharacterName string

	OutgoingQueueLength int
	TickInterval        time.Duration
	HandshakeTimeout    time.Duration

	Logger *zap.Logger
}

// WebsocketServerLink connects one ClientHost to a server over WebSocket.
type WebsocketServerLink struct {
	params WebsocketServerLinkParams
	host   ClientHost
	dialer *websocket.Dialer

	mut_host sync.Mutex

	log *zap.Logger
}

func CreateWebsocketServerLink(clientHost ClientHost, params WebsocketServerLinkParams) (*WebsocketServerLink, error) {
	if clientHost == nil {
		return nil, errors.New("websocket server link requires a client host")
	}
	if params.ServerUrl == "" {
		return nil, errors.New("websocket server link requires a server URL")
	}
	if params.PlatformId == 0 {
		return nil, &InvalidHelloError{Reason: "platform id must be non-zero"}
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.OutgoingQueueLength <= 0 {
		params.OutgoingQueueLength = 64
	}
	if params.TickInterval <= 0 {
		params.TickInterval = 50 * time.Millisecond
	}
	if params.HandshakeTimeout <= 0 {
		params.HandshakeTimeout = 10 * time.Second
	}

	return &WebsocketServerLink{
		params: params,
		host:   clientHost,
		dialer: &websocket.Dialer{
			HandshakeTimeout: params.HandshakeTimeout,
		},
		log: logger.With(
			zap.String("handler", "WebSocketLink"),
			zap.Uint64("platformId", params.PlatformId)),
	}, nil
}

// Do runs fn with exclusive access to the host.
func (l *WebsocketServerLink) Do(fn func() error) error {
	l.mut_host.Lock()
	defer l.mut_host.Unlock()
	return fn()
}

func (l *WebsocketServerLink) Tick() error {
	return l.Do(l.host.Tick)
}

// Run dials the server, announces the client and pumps frames both ways
// until ctx is done or the server goes away. onConnected, when set, runs
// once the host is linked and before any frame is read.
func (l *WebsocketServerLink) Run(ctx context.Context, onConnected func() error) error {
	c, _, err := l.dialer.DialContext(ctx, l.params.ServerUrl, nil)
	if err != nil {
		l.log.Error("Failed to dial server", zap.String("url", l.params.ServerUrl), zap.Error(err))
		return err
	}
	defer c.Close()

	if err := c.WriteMessage(websocket.BinaryMessage, encodeHello(l.params.PlatformId, l.params.CharacterName)); err != nil {
		l.log.Error("Failed to send hello frame", zap.Error(err))
		return err
	}

	outgoingMessages := make(chan []byte, l.params.OutgoingQueueLength)
	err = l.Do(func() error {
		return l.host.ConnectServer(func(frame []byte) error {
			select {
			case outgoingMessages <- frame:
				return nil
			default:
				return &SendQueueFullError{}
			}
		})
	})
	if err != nil {
		return err
	}
	defer l.Do(func() error {
		l.host.DisconnectServer()
		return nil
	})

	l.log.Info("Connected to server", zap.String("url", l.params.ServerUrl))

	if onConnected != nil {
		if err := l.Do(onConnected); err != nil {
			return err
		}
	}

	done := make(chan struct{})
	wg := sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(l.params.TickInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				c.Close()
				return
			case <-done:
				return
			case <-ticker.C:
				if err := l.Tick(); err != nil {
					l.log.Warn("Host tick reported errors", zap.Error(err))
				}
			case frame := <-outgoingMessages:
				if err := c.WriteMessage(websocket.BinaryMessage, frame); err != nil {
					l.log.Warn("Failed to write frame to server", zap.Error(err))
					c.Close()
					return
				}
			}
		}
	}()

	readFrames(c, l.log, func(payload []byte) error {
		return l.Do(func() error {
			return l.host.ReceiveFromServer(payload)
		})
	})

	close(done)
	wg.Wait()

	l.log.Info("Disconnected from server")
	return nil
}
