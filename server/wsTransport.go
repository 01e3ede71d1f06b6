package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/driftworks/fleethub/auth"
	"github.com/driftworks/fleethub/proto"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for now
	},
}

// WSTransport serves persistent subscriptions over WebSocket. Subscribe
// actions register re-firing subscriptions in the shared registry; closing
// the connection tears all of them down.
type WSTransport struct {
	Addr string

	registry *SubscriptionRegistry
	bus      *MessageBus
	devices  *DeviceCatalog
	keys     *auth.KeyStore

	server   *http.Server
	sessions map[string]*WSSession
	smu      sync.RWMutex

	name        string
	maxSessions int
	connected   bool
}

func NewWSTransport(addr string, registry *SubscriptionRegistry, bus *MessageBus, devices *DeviceCatalog, keys *auth.KeyStore) *WSTransport {
	return &WSTransport{
		Addr:        addr,
		registry:    registry,
		bus:         bus,
		devices:     devices,
		keys:        keys,
		sessions:    make(map[string]*WSSession),
		maxSessions: 256,
	}
}

func (t *WSTransport) Start() error {
	slog.Info("Starting WebSocket server", "addr", t.Addr)

	mux := http.NewServeMux()
	mux.HandleFunc("/", t.handleWebSocket)

	t.server = &http.Server{
		Addr:    t.Addr,
		Handler: mux,
	}

	t.connected = true
	err := t.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		t.connected = false
		return err
	}
	return nil
}

func (t *WSTransport) Shutdown() error {
	slog.Info("Shutting down WebSocket server", "addr", t.Addr)
	t.connected = false
	if t.server != nil {
		return t.server.Close()
	}
	return nil
}

func (t *WSTransport) Meta() TransportMetadata {
	return TransportMetadata{
		Name:      t.name,
		Protocol:  "websocket",
		Address:   t.Addr,
		Connected: t.connected,
	}
}

func (t *WSTransport) SetName(name string) {
	t.name = name
}

func (t *WSTransport) SetMaxSessions(n int) {
	t.maxSessions = n
}

func (t *WSTransport) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		token = r.URL.Query().Get("accessKey")
	}
	identity, ok := t.keys.Resolve(token)
	if !ok {
		http.Error(w, "invalid access key", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("Failed to upgrade connection", "error", err)
		return
	}

	session := NewWSSession(conn, identity)

	// count and insert under one lock so concurrent upgrades cannot slip
	// past the cap together
	t.smu.Lock()
	if len(t.sessions) >= t.maxSessions {
		t.smu.Unlock()
		slog.Warn("Max sessions reached, rejecting connection", "remote_addr", r.RemoteAddr)
		conn.Close()
		return
	}
	t.sessions[session.ID] = session
	t.smu.Unlock()

	go t.handleConnection(session, r.RemoteAddr)
}

func (t *WSTransport) handleConnection(session *WSSession, remoteAddr string) {
	slog.Info("WebSocket session connected", "addr", remoteAddr)

	go session.writeLoop()

	defer func() {
		t.smu.Lock()
		delete(t.sessions, session.ID)
		t.smu.Unlock()

		// connection teardown removes every subscription the session owned,
		// same as an unsubscribe of each handle
		for _, subID := range session.drainHandles() {
			t.registry.Remove(subID)
		}

		session.close()
		slog.Info("WebSocket session disconnected", "addr", remoteAddr, "id", session.ID)
	}()

	conn := session.conn
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("WebSocket connection error", "addr", remoteAddr, "error", err)
			}
			break
		}

		var env proto.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			slog.Warn("Invalid JSON envelope received", "error", err, "data", string(raw))
			continue
		}

		slog.Debug("WebSocket action received", "action", env.Action, "sessionId", session.ID)
		t.handleAction(session, env)
	}
}

func (t *WSTransport) handleAction(session *WSSession, env proto.Envelope) {
	var (
		payload any
		err     error
	)

	switch env.Action {
	case proto.ActionNotificationSubscribe:
		payload, err = t.subscribe(session, env, proto.KindNotification, auth.ActionGetNotification)
	case proto.ActionCommandSubscribe:
		payload, err = t.subscribe(session, env, proto.KindCommand, auth.ActionGetCommand)
	case proto.ActionNotificationUnsubscribe, proto.ActionCommandUnsubscribe:
		err = t.unsubscribe(session, env)
	case proto.ActionNotificationInsert:
		payload, err = t.insert(session, env, auth.ActionCreateNotification, t.bus.PublishNotification)
	case proto.ActionCommandInsert:
		payload, err = t.insert(session, env, auth.ActionCreateCommand, t.bus.PublishCommand)
	case proto.ActionCommandUpdate:
		payload, err = t.updateCommand(session, env)
	default:
		err = fmt.Errorf("unknown action %q", env.Action)
	}

	reply := proto.Envelope{Action: env.Action, RequestID: env.RequestID, Status: proto.StatusSuccess}
	if err != nil {
		reply.Status = proto.StatusError
		reply.Error = err.Error()
	} else if payload != nil {
		data, merr := json.Marshal(payload)
		if merr != nil {
			reply.Status = proto.StatusError
			reply.Error = "failed to encode response"
		} else {
			reply.Payload = data
		}
	}
	if err := session.send(reply); err != nil {
		slog.Warn("Failed to send reply", "sessionId", session.ID, "error", err.Error())
	}
}

func (t *WSTransport) subscribe(session *WSSession, env proto.Envelope, kind proto.Kind, action string) (any, error) {
	if !session.Identity.CanAct(action) {
		return nil, fmt.Errorf("action not permitted")
	}
	var body proto.SubscribePayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &body); err != nil {
			return nil, fmt.Errorf("invalid subscribe payload: %w", err)
		}
	}

	keys := []string{Wildcard}
	if len(body.DeviceGUIDs) > 0 {
		keys = t.devices.Accessible(body.DeviceGUIDs, session.Identity)
		if len(keys) == 0 {
			return nil, fmt.Errorf("no accessible devices in subscription")
		}
	}

	handle := uuid.NewString()
	subIDs := make([]string, 0, len(keys))
	for _, key := range keys {
		sub := NewSubscription(session.Identity, kind, key, body.Names, true, session.push)
		t.registry.Add(sub)
		subIDs = append(subIDs, sub.ID)
	}
	session.addHandle(handle, subIDs)

	return proto.SubscribeAckPayload{SubscriptionID: handle}, nil
}

func (t *WSTransport) unsubscribe(session *WSSession, env proto.Envelope) error {
	var body proto.UnsubscribePayload
	if err := json.Unmarshal(env.Payload, &body); err != nil {
		return fmt.Errorf("invalid unsubscribe payload: %w", err)
	}
	// removing an unknown or already-removed handle is a no-op
	for _, subID := range session.removeHandle(body.SubscriptionID) {
		t.registry.Remove(subID)
	}
	return nil
}

func (t *WSTransport) insert(session *WSSession, env proto.Envelope, action string, publish func(proto.Message) (proto.Message, error)) (any, error) {
	if !session.Identity.CanAct(action) {
		return nil, fmt.Errorf("action not permitted")
	}
	var body proto.InsertPayload
	if err := json.Unmarshal(env.Payload, &body); err != nil || body.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	device, ok := t.devices.Get(body.DeviceGUID)
	if !ok || !session.Identity.CanAccess(device.GUID, device.NetworkID) {
		return nil, fmt.Errorf("device not found")
	}
	return publish(proto.Message{DeviceGUID: body.DeviceGUID, Name: body.Name, Payload: body.Payload})
}

func (t *WSTransport) updateCommand(session *WSSession, env proto.Envelope) (any, error) {
	if !session.Identity.CanAct(auth.ActionUpdateCommand) {
		return nil, fmt.Errorf("action not permitted")
	}
	var body proto.CommandUpdatePayload
	if err := json.Unmarshal(env.Payload, &body); err != nil || body.CommandID == "" || body.Status == "" {
		return nil, fmt.Errorf("commandId and status are required")
	}
	device, ok := t.devices.Get(body.DeviceGUID)
	if !ok || !session.Identity.CanAccess(device.GUID, device.NetworkID) {
		return nil, fmt.Errorf("device not found")
	}
	return t.bus.PublishCommandUpdate(proto.Message{
		DeviceGUID: body.DeviceGUID,
		CommandID:  body.CommandID,
		Name:       body.Status,
		Status:     body.Status,
		Result:     body.Result,
	})
}

func generateSessionID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
