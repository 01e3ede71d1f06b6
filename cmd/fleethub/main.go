package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/driftworks/fleethub/auth"
	"github.com/driftworks/fleethub/config"
	"github.com/driftworks/fleethub/server"
)

func main() {
	configPath := flag.String("config", "fleethub.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "error", err.Error())
		os.Exit(1)
	}

	keys := auth.NewKeyStore()
	for _, k := range cfg.AccessKeys {
		keys.Put(auth.Identity{Key: k.Key, Admin: k.Admin, Permissions: k.Permissions})
	}

	devices := server.NewDeviceCatalog()
	for _, d := range cfg.Devices {
		devices.Store(server.Device{GUID: d.GUID, Name: d.Name, NetworkID: d.NetworkID})
	}

	var mcpServer *server.MCPServer
	if cfg.MCP {
		mcpServer = server.NewMCPServer()
	}

	fleetServer := server.NewFleetServer(server.FleetServerOptions{
		Store:          server.NewMemStore(cfg.Store.Retention, cfg.Store.MaxEntries),
		Devices:        devices,
		MCP:            mcpServer,
		MaxWaitTimeout: cfg.Poll.MaxTimeout,
		DefaultTake:    cfg.Poll.Take,
	})

	restServer := server.NewRESTTransport(cfg.REST.Addr, fleetServer.Poller(), fleetServer.Bus(), fleetServer.Devices(), keys, cfg.Poll.DefaultTimeout)
	restServer.SetName("Main REST server")
	fleetServer.RegisterTransport(restServer)

	wsServer := server.NewWSTransport(cfg.Websocket.Addr, fleetServer.Registry(), fleetServer.Bus(), fleetServer.Devices(), keys)
	wsServer.SetName("Main WebSocket server")
	fleetServer.RegisterTransport(wsServer)

	if err := fleetServer.Start(); err != nil {
		slog.Error("Error starting fleethub server", "error", err.Error())
		os.Exit(1)
	}
}
