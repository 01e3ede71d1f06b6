package server

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// FleetServerOptions configures a FleetServer. Zero-value fields get
// defaults; supply your own Store to back catch-up queries with a shared
// cluster cache instead of process memory.
type FleetServerOptions struct {
	Registry *SubscriptionRegistry
	Store    RecentMessageStore
	Devices  *DeviceCatalog
	Clock    Clock
	MCP      *MCPServer

	MaxWaitTimeout time.Duration
	DefaultTake    int
}

// FleetServer owns the core components and the transports. Construction
// order matters: registry and store exist first, the dispatcher is wired to
// both, the bus and poller on top, transports last.
type FleetServer struct {
	registry   *SubscriptionRegistry
	store      RecentMessageStore
	devices    *DeviceCatalog
	dispatcher *Dispatcher
	bus        *MessageBus
	poller     *Poller
	mcp        *MCPServer
	transports []Transport
}

func NewFleetServer(opts FleetServerOptions) *FleetServer {
	if opts.Registry == nil {
		opts.Registry = NewSubscriptionRegistry()
	}
	if opts.Store == nil {
		opts.Store = NewMemStore(2*time.Minute, 100000)
	}
	if opts.Devices == nil {
		opts.Devices = NewDeviceCatalog()
	}
	if opts.Clock == nil {
		opts.Clock = NewClock()
	}
	if opts.MaxWaitTimeout == 0 {
		opts.MaxWaitTimeout = 60 * time.Second
	}
	if opts.DefaultTake == 0 {
		opts.DefaultTake = 1000
	}

	dispatcher := NewDispatcher(opts.Registry, opts.Store)
	bus := NewMessageBus(dispatcher, opts.Devices, opts.Clock)
	poller := NewPoller(opts.Registry, opts.Store, opts.Devices, opts.MaxWaitTimeout, opts.DefaultTake)

	s := &FleetServer{
		registry:   opts.Registry,
		store:      opts.Store,
		devices:    opts.Devices,
		dispatcher: dispatcher,
		bus:        bus,
		poller:     poller,
		mcp:        opts.MCP,
	}
	if s.mcp != nil {
		s.mcp.RegisterTools(s.devices, s.registry, s.bus)
	}
	return s
}

func (s *FleetServer) Registry() *SubscriptionRegistry { return s.registry }
func (s *FleetServer) Devices() *DeviceCatalog         { return s.devices }
func (s *FleetServer) Bus() *MessageBus                { return s.bus }
func (s *FleetServer) Poller() *Poller                 { return s.poller }

func (s *FleetServer) RegisterTransport(t Transport) {
	s.transports = append(s.transports, t)
}

func setupLogger() {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	slog.SetDefault(slog.New(handler))
}

// Start runs all transports until an interrupt arrives, then drains: new
// polls are rejected, open connections are closed so held coordinators
// resolve and remove their subscriptions.
func (s *FleetServer) Start() error {
	setupLogger()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.Run(ctx)
}

func (s *FleetServer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.mcp != nil {
		// stdio server lives for the process; not part of the drain group
		go func() {
			if err := s.mcp.Start(); err != nil {
				slog.Error("MCP server exited", "error", err.Error())
			}
		}()
	}
	for _, t := range s.transports {
		g.Go(t.Start)
	}
	g.Go(func() error {
		<-ctx.Done()
		s.shutdown()
		return nil
	})

	return g.Wait()
}

func (s *FleetServer) shutdown() {
	slog.Info("Shutting down transports and server")
	s.poller.Close()
	for _, t := range s.transports {
		if err := t.Shutdown(); err != nil {
			slog.Error("There was an error when shutting down transport server", "error", err.Error())
		}
	}
}
