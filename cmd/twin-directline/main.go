// twin-directline is a WonderTwin twin that emulates the Bot Framework
// Direct Line channel. It relays activities between a test client and a bot
// endpoint, authenticates the bot's callbacks, and pushes the bot's replies
// to the client over a per-conversation websocket.
//
// Integration method: point the bot's serviceUrl at --service-url
// Realtime channel: separate listener on --ws-port (/ws/conversation/{id}, /ws/trace)
package main

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/pflag"

	"github.com/wondertwin-ai/twin-directline/internal/api"
	"github.com/wondertwin-ai/twin-directline/internal/attachment"
	"github.com/wondertwin-ai/twin-directline/internal/auth"
	"github.com/wondertwin-ai/twin-directline/internal/config"
	"github.com/wondertwin-ai/twin-directline/internal/conversation"
	"github.com/wondertwin-ai/twin-directline/internal/endpoint"
	"github.com/wondertwin-ai/twin-directline/internal/keys"
	"github.com/wondertwin-ai/twin-directline/internal/realtime"
	"github.com/wondertwin-ai/twin-directline/pkg/admin"
	"github.com/wondertwin-ai/twin-directline/pkg/store"
	"github.com/wondertwin-ai/twin-directline/pkg/twincore"
)

func main() {
	cfg, err := config.Load("twin-directline", os.Args[1:], os.Stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	policy, err := realtime.ParsePolicy(cfg.DuplicateSocket)
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}

	twin := twincore.New(&twincore.Config{Name: "twin-directline", Port: cfg.Port, Verbose: cfg.Verbose})
	logger := twin.Logger

	ln, err := twin.Listen()
	if err != nil {
		log.Fatalf("failed to bind HTTP listener: %v", err)
	}
	wsLn, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.WSPort))
	if err != nil {
		log.Fatalf("failed to bind realtime listener: %v", err)
	}
	wsPort := wsLn.Addr().(*net.TCPAddr).Port
	serviceURL := cfg.ResolvedServiceURL(twin.Config.Port)

	clock := store.NewClock()
	client := &http.Client{Timeout: cfg.HTTPTimeout}

	// Inbound bot token verification
	authenticator := auth.New(auth.Config{
		Public: auth.PublicCloud(keys.NewResolver(keys.Config{
			DiscoveryURL: cfg.PublicOpenIDURL, HTTPClient: client, Clock: clock, Logger: logger,
		})),
		Government: auth.GovernmentCloud(keys.NewResolver(keys.Config{
			DiscoveryURL: cfg.GovOpenIDURL, HTTPClient: client, Clock: clock, Logger: logger,
		})),
		Clock:  clock,
		Logger: logger,
	})

	// Bot endpoints, seeded from the bot profile file
	endpoints := endpoint.NewRegistry(endpoint.RegistryConfig{
		HTTPClient:              client,
		Clock:                   clock,
		Logger:                  logger,
		PublicTokenEndpoint:     cfg.TokenEndpoint,
		GovernmentTokenEndpoint: cfg.GovTokenEndpoint,
	})
	bots, err := config.LoadBots(cfg.BotsFile)
	if err != nil {
		log.Fatalf("failed to load bots: %v", err)
	}
	for _, b := range bots {
		if _, err := endpoints.Register(b.Spec()); err != nil {
			log.Fatalf("failed to register bot %q: %v", b.ID, err)
		}
	}

	// Realtime channels
	hub := realtime.NewHub(realtime.HubConfig{Policy: policy, Logger: logger})
	trace := realtime.NewTraceHub(realtime.DefaultWriteTimeout, logger)
	twin.Middleware().SetTraceSink(trace)

	attachments := attachment.NewStore()
	conversations := conversation.NewRegistry(conversation.Config{
		ServiceURL: serviceURL,
		Locale:     cfg.Locale,
		Clock:      clock,
		Logger:     logger,
		Publisher:  hub,
		Fetcher:    attachment.NewFetcher(attachments, serviceURL, client),
	})

	// API handlers
	apiHandler := api.NewHandler(api.Config{
		Conversations: conversations,
		Endpoints:     endpoints,
		Attachments:   attachments,
		Hub:           hub,
		Trace:         trace,
		Authenticate:  authenticator.Middleware,
		ServiceURL:    serviceURL,
		WSPort:        wsPort,
		Logger:        logger,
	})
	apiHandler.Routes(twin.Router)

	// Admin control plane
	adminHandler := admin.NewHandler(apiHandler, twin.Middleware(), clock)
	adminHandler.Routes(twin.Router)

	wsRouter := chi.NewRouter()
	wsRouter.Use(chimw.Recoverer)
	realtime.NewHandler(hub, trace, logger).Routes(wsRouter)

	logger.Info("twin-directline ready",
		"port", twin.Config.Port,
		"ws_port", wsPort,
		"service_url", serviceURL,
		"bots", len(bots),
		"duplicate_socket", string(policy),
	)

	if err := twin.Serve(ln, twincore.Sidecar{Name: "realtime", Listener: wsLn, Handler: wsRouter}); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
