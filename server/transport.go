package server

// Transport is a thin adapter between a wire protocol and the core. The REST
// adapter turns long-poll requests into Poller calls; the WebSocket adapter
// turns subscribe actions into persistent registry subscriptions. Both are
// wired by the FleetServer and share its lifecycle.
type Transport interface {
	Start() error
	Shutdown() error
	Meta() TransportMetadata
}

type TransportMetadata struct {
	Name      string
	Protocol  string
	Address   string
	Connected bool
}
