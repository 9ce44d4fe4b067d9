// Demo binary for the overlay: runs a simulated host server or client, links
// them over WebSocket and exchanges a few message types on both channels.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sessamekesh/spanreed-overlay/internal/config"
	"github.com/sessamekesh/spanreed-overlay/pkg/binarychannel"
	"github.com/sessamekesh/spanreed-overlay/pkg/chatchannel"
	"github.com/sessamekesh/spanreed-overlay/pkg/host"
	"github.com/sessamekesh/spanreed-overlay/pkg/overlay"
	"github.com/sessamekesh/spanreed-overlay/pkg/simhost"
	"github.com/sessamekesh/spanreed-overlay/pkg/transport"
	"go.uber.org/zap"
)

func main() {
	//
	// Flags
	configPath := flag.String("config", "", "Path to a TOML config file")
	role := flag.String("role", "", "server or client")
	listenAddress := flag.String("listen", "", "Address the server listens on")
	serverUrl := flag.String("server-url", "", "WebSocket URL the client dials")
	platformId := flag.Uint64("platform-id", 0, "Platform id the client logs in with")
	characterName := flag.String("name", "", "Character name the client logs in with")
	clientNonce := flag.String("nonce", "", "Client nonce (0 picks a random one)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("Failed to load configuration! %s\n", err.Error())
		os.Exit(1)
	}

	var flagErr error
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "role":
			cfg.Role = config.Role(*role)
		case "listen":
			cfg.ListenAddress = *listenAddress
		case "server-url":
			cfg.ServerUrl = *serverUrl
		case "platform-id":
			cfg.PlatformId = *platformId
		case "name":
			cfg.CharacterName = *characterName
		case "nonce":
			n, err := config.ParseClientNonce(*clientNonce)
			if err != nil {
				flagErr = fmt.Errorf("-nonce: %w", err)
				return
			}
			cfg.ClientNonce = n
		}
	})
	if flagErr != nil {
		fmt.Printf("Failed to load configuration! %s\n", flagErr.Error())
		os.Exit(1)
	}

	logger := zap.Must(zap.NewProduction())
	if os.Getenv("APP_ENV") == "development" {
		logger = zap.Must(zap.NewDevelopment())
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid configuration", zap.Error(err))
		return
	}

	shutdownCtx, shutdownRelease := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer shutdownRelease()

	switch cfg.Role {
	case config.RoleServer:
		err = runServer(shutdownCtx, cfg, logger)
	case config.RoleClient:
		err = runClient(shutdownCtx, cfg, logger)
	}
	if err != nil {
		logger.Error("Overlay hub exited with error", zap.Error(err))
		os.Exit(1)
	}

	logger.Info("Overlay hub shut down")
}

func runServer(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	serverHost := simhost.CreateServer(simhost.PeerParams{Logger: logger})

	o, err := overlay.CreateOverlay(overlay.OverlayConfig{
		Side:              host.SideServer,
		Host:              serverHost,
		EvictOnDisconnect: cfg.EvictOnDisconnect,
		MetricsRegisterer: prometheus.DefaultRegisterer,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	if err := o.Start(); err != nil {
		return err
	}
	defer o.Stop()

	// Handlers and listeners below run on the transport's host goroutine, so
	// they talk to the overlay directly.
	o.AddConnectionListener(func(user host.User) {
		err := o.SendToClient(user, &Greeting{
			CharacterName: user.CharacterName,
			Motd:          "Welcome to the overlay demo",
		})
		if err != nil {
			logger.Warn("Failed to greet client", zap.Uint64("platformId", user.PlatformID), zap.Error(err))
		}
	})

	err = binarychannel.RegisterType[Ping](o.Binary(), nil, func(from host.FromCharacter, ping Ping) {
		user, has := serverHost.GetUser(from.User)
		if !has {
			logger.Warn("Ping from unknown user entity", zap.Stringer("entity", from.User))
			return
		}
		if err := o.SendToClient(user, &Pong{Sequence: ping.Sequence, SentAt: ping.SentAt}); err != nil {
			logger.Warn("Failed to answer ping", zap.Uint64("platformId", user.PlatformID), zap.Error(err))
		}
	})
	if err != nil {
		return err
	}

	wsHandler, err := transport.CreateWebsocketClientHandler(serverHost, transport.WebsocketClientHandlerParams{
		ListenAddress:      cfg.ListenAddress,
		ListenEndpoint:     cfg.ListenEndpoint,
		AllowAllHosts:      cfg.AllowAllHosts,
		AllowlistedHosts:   cfg.AllowlistedHosts,
		DenylistedHosts:    cfg.DenylistedHosts,
		MaxReadMessageSize: cfg.MaxReadMessageSize,
		TickInterval:       cfg.TickInterval,
		OnClientDisconnected: func(user host.User) {
			o.HandleUserDisconnected(user)
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	extraRoutes := map[string]http.Handler{}
	if cfg.MetricsEndpoint != "" {
		extraRoutes[cfg.MetricsEndpoint] = promhttp.Handler()
	}

	return wsHandler.Start(ctx, extraRoutes)
}

func runClient(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	clientHost := simhost.CreateClient(simhost.PeerParams{Logger: logger})

	o, err := overlay.CreateOverlay(overlay.OverlayConfig{
		Side:        host.SideClient,
		Host:        clientHost,
		ClientNonce: cfg.ClientNonce,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer o.Stop()

	err = chatchannel.RegisterType[Greeting](o.Chat(), func(greeting Greeting) {
		logger.Info("Greeted by server",
			zap.String("characterName", greeting.CharacterName),
			zap.String("motd", greeting.Motd))
	})
	if err != nil {
		return err
	}

	err = chatchannel.RegisterType[Pong](o.Chat(), func(pong Pong) {
		rtt := time.Since(time.UnixMicro(pong.SentAt))
		logger.Info("Pong", zap.Uint32("sequence", pong.Sequence), zap.Duration("rtt", rtt))
	})
	if err != nil {
		return err
	}

	link, err := transport.CreateWebsocketServerLink(clientHost, transport.WebsocketServerLinkParams{
		ServerUrl:     cfg.ServerUrl,
		PlatformId:    cfg.PlatformId,
		CharacterName: cfg.CharacterName,
		TickInterval:  cfg.TickInterval,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	linkCtx, linkRelease := context.WithCancel(ctx)
	defer linkRelease()

	var connected atomic.Bool
	wg := sync.WaitGroup{}

	wg.Add(1)
	go func() {
		defer wg.Done()

		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		var sequence uint32
		for {
			select {
			case <-linkCtx.Done():
				return
			case <-ticker.C:
				if !connected.Load() {
					continue
				}
				sequence++
				err := link.Do(func() error {
					return o.SendToServer(&Ping{Sequence: sequence, SentAt: time.Now().UnixMicro()})
				})
				if err != nil {
					logger.Warn("Failed to send ping", zap.Uint32("sequence", sequence), zap.Error(err))
				}
			}
		}
	}()

	err = link.Run(linkCtx, func() error {
		if err := o.Start(); err != nil {
			return err
		}
		connected.Store(true)
		return nil
	})
	linkRelease()
	wg.Wait()

	return err
}
