package transport

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sessamekesh/spanreed-overlay/pkg/host"
	utils "github.com/sessamekesh/spanreed-overlay/pkg/util"
	"go.uber.org/zap"
)

// ServerHost is the server half of a host simulation as seen by the
// transport. simhost.Peer satisfies it.
type ServerHost interface {
	ConnectClient(platformId uint64, characterName string, send func(frame []byte) error) (host.User, error)
	DisconnectClient(platformId uint64) (host.User, bool)
	ReceiveFromClient(platformId uint64, frame []byte) error
	Tick() error
}

type wsConnectionChannels struct {
	User             host.User
	OutgoingMessages chan []byte
	CloseRequest     chan struct{}
}

type WebsocketClientHandlerParams struct {
	ListenAddress    string
	ListenEndpoint   string
	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	MaxReadMessageSize int64

	// Frames queued per connection before sends start failing. Default 64.
	OutgoingQueueLength int

	// How often queued host events are flushed. Default 50ms.
	TickInterval time.Duration

	// Called after a client's connection is gone and its user entity removed.
	OnClientDisconnected func(user host.User)

	Logger *zap.Logger
}

// WebsocketClientHandler accepts game clients over WebSocket and feeds their
// frames into a ServerHost. All host access is serialized through one mutex,
// so the host sees a single-threaded network stage. Lock order is
// mut_connections before mut_host; code running under mut_host must not
// touch the connections map.
type WebsocketClientHandler struct {
	upgrader *websocket.Upgrader
	params   WebsocketClientHandlerParams
	host     ServerHost

	mut_host sync.Mutex

	mut_connections sync.RWMutex
	connections     map[uint64]*wsConnectionChannels

	log       *zap.Logger
	stringGen *utils.RandomStringGenerator
}

func checkOrigin(r *http.Request, params WebsocketClientHandlerParams) bool {
	origin := r.Header.Get("Origin")
	if slices.Contains(params.DenylistedHosts, origin) {
		return false
	}

	if params.AllowAllHosts {
		return true
	}

	return slices.Contains(params.AllowlistedHosts, origin)
}

func CreateWebsocketClientHandler(serverHost ServerHost, params WebsocketClientHandlerParams) (*WebsocketClientHandler, error) {
	if serverHost == nil {
		return nil, errors.New("websocket client handler requires a server host")
	}

	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.ListenEndpoint == "" {
		params.ListenEndpoint = "/ws"
	}
	if params.OutgoingQueueLength <= 0 {
		params.OutgoingQueueLength = 64
	}
	if params.TickInterval <= 0 {
		params.TickInterval = 50 * time.Millisecond
	}

	return &WebsocketClientHandler{
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r, params)
			},
		},
		params:      params,
		host:        serverHost,
		connections: make(map[uint64]*wsConnectionChannels),

		log:       logger.With(zap.String("handler", "WebSocket")),
		stringGen: utils.CreateRandomStringGenerator(time.Now().UnixMicro()),
	}, nil
}

// Do runs fn with exclusive access to the host.
func (ws *WebsocketClientHandler) Do(fn func() error) error {
	ws.mut_host.Lock()
	defer ws.mut_host.Unlock()
	return fn()
}

// Tick flushes the host's queued events out to the connected clients.
func (ws *WebsocketClientHandler) Tick() error {
	return ws.Do(ws.host.Tick)
}

func (ws *WebsocketClientHandler) ConnectedClients() int {
	ws.mut_connections.RLock()
	defer ws.mut_connections.RUnlock()
	return len(ws.connections)
}

func (ws *WebsocketClientHandler) readHello(c *websocket.Conn) (*helloMessage, error) {
	msgType, payload, msgErr := c.ReadMessage()
	if msgErr != nil {
		return nil, msgErr
	}

	if msgType != websocket.BinaryMessage {
		return nil, &NonBinaryMessage{}
	}

	return decodeHello(payload)
}

func (ws *WebsocketClientHandler) onWsRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	log := ws.log.With(
		zap.String("wsConnId", ws.stringGen.GetRandomString(6)),
	)

	log.Info("New WebSocket request")
	c, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Failed to upgrade HTTP request to WebSocket connection", zap.Error(err))
		return
	}
	defer c.Close()

	if ws.params.MaxReadMessageSize > 0 {
		c.SetReadLimit(ws.params.MaxReadMessageSize)
	}

	hello, err := ws.readHello(c)
	if err != nil {
		log.Warn("Error reading hello frame", zap.Error(err))
		c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad hello"))
		return
	}

	platformId := hello.PlatformId
	log = log.With(zap.Uint64("platformId", platformId))

	outgoingMessages := make(chan []byte, ws.params.OutgoingQueueLength)
	closeRequest := make(chan struct{}, 1)

	// mut_connections is held across every host connect and disconnect so a
	// closing connection never tears down a newer one for the same client.
	ws.mut_connections.Lock()
	var user host.User
	err = ws.Do(func() error {
		var connectErr error
		user, connectErr = ws.host.ConnectClient(platformId, hello.CharacterName, func(frame []byte) error {
			select {
			case outgoingMessages <- frame:
				return nil
			default:
				return &SendQueueFullError{PlatformId: platformId}
			}
		})
		return connectErr
	})
	if err != nil {
		ws.mut_connections.Unlock()
		log.Error("Host refused client connection", zap.Error(err))
		return
	}

	if previous, has := ws.connections[platformId]; has {
		log.Warn("Client reconnected, closing previous connection")
		select {
		case previous.CloseRequest <- struct{}{}:
		default:
		}
	}
	channels := &wsConnectionChannels{
		User:             user,
		OutgoingMessages: outgoingMessages,
		CloseRequest:     closeRequest,
	}
	ws.connections[platformId] = channels
	ws.mut_connections.Unlock()
	log.Debug("Added client to WebSocket handler connections map")

	defer func() {
		ws.mut_connections.Lock()
		current, has := ws.connections[platformId]
		if has && current != channels {
			// A newer connection for the same platform id owns the user now.
			ws.mut_connections.Unlock()
			return
		}
		delete(ws.connections, platformId)

		var disconnected host.User
		var had bool
		ws.Do(func() error {
			disconnected, had = ws.host.DisconnectClient(platformId)
			return nil
		})
		ws.mut_connections.Unlock()

		if had && ws.params.OnClientDisconnected != nil {
			ws.params.OnClientDisconnected(disconnected)
		}
		log.Debug("Removed client from WebSocket handler connections map")
	}()

	done := make(chan struct{})
	wg := sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				c.Close()
				return
			case <-done:
				return
			case <-closeRequest:
				log.Info("Closing client connection on request")
				c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				c.Close()
				return
			case frame := <-outgoingMessages:
				if err := c.WriteMessage(websocket.BinaryMessage, frame); err != nil {
					log.Warn("Failed to write frame to client", zap.Error(err))
					c.Close()
					return
				}
			}
		}
	}()

	readFrames(c, log, func(payload []byte) error {
		return ws.Do(func() error {
			return ws.host.ReceiveFromClient(platformId, payload)
		})
	})

	close(done)
	wg.Wait()
}

// readFrames pumps binary frames into onFrame until the connection ends.
func readFrames(c *websocket.Conn, log *zap.Logger, onFrame func(payload []byte) error) {
	expectedCloseErrors := []int{websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived}
	for {
		msgType, payload, msgErr := c.ReadMessage()
		if msgErr != nil {
			if websocket.IsCloseError(msgErr, expectedCloseErrors...) {
				closeError, ok := msgErr.(*websocket.CloseError)
				if ok {
					log.Info("Received close request", zap.Int("closeCode", closeError.Code), zap.String("closeMsg", closeError.Text))
				} else {
					log.Info("Received close request")
				}
				return
			}

			if websocket.IsUnexpectedCloseError(msgErr, expectedCloseErrors...) {
				log.Warn("Received unexpected close", zap.Error(msgErr))
				return
			}

			if strings.Contains(msgErr.Error(), "use of closed network connection") {
				log.Info("Closing connection, probably from locally initiated close")
				return
			}

			log.Error("Received unexpected WebSocket error on message read", zap.Error(msgErr))
			return
		}

		if msgType != websocket.BinaryMessage {
			log.Info("Received non-binary message, ignoring", zap.Int("size", len(payload)))
			continue
		}

		if err := onFrame(payload); err != nil {
			log.Warn("Host rejected incoming frame", zap.Int("size", len(payload)), zap.Error(err))
		}
	}
}

// Handler exposes the WebSocket endpoint for mounting on an existing mux.
func (ws *WebsocketClientHandler) Handler(ctx context.Context) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws.onWsRequest(ctx, w, r)
	})
}

// RunTicks flushes host events every TickInterval until ctx is done.
func (ws *WebsocketClientHandler) RunTicks(ctx context.Context) {
	ticker := time.NewTicker(ws.params.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.Tick(); err != nil {
				ws.log.Warn("Host tick reported errors", zap.Error(err))
			}
		}
	}
}

// Start serves the WebSocket endpoint on ListenAddress, plus any extra
// routes, and blocks until ctx is done and the server has shut down.
func (ws *WebsocketClientHandler) Start(ctx context.Context, extraRoutes map[string]http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle(ws.params.ListenEndpoint, ws.Handler(ctx))
	for pattern, handler := range extraRoutes {
		mux.Handle(pattern, handler)
	}

	server := &http.Server{
		Addr:              ws.params.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var serveErr error
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()

		ws.log.Sugar().Infof("Starting WebSocket server at %s", ws.params.ListenAddress)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			ws.log.Error("Unexpected WebSocket server close!", zap.Error(err))
			serveErr = err
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()

		<-ctx.Done()

		shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownRelease()
		ws.log.Info("Attempting to trigger shutdown of WebSocket server")

		if err := server.Shutdown(shutdownCtx); err != nil {
			ws.log.Error("Failed to gracefully shut down WebSocket server", zap.Error(err))
			return
		}
		ws.log.Info("Successfully shutdown WebSocket server")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ws.RunTicks(ctx)
	}()

	wg.Wait()

	ws.log.Info("All WebSocket server goroutines finished. Exiting gracefully!")
	return serveErr
}
