package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/driftworks/fleethub/auth"
	"github.com/driftworks/fleethub/proto"
)

type identityKey struct{}

// RESTTransport serves the long-poll and CRUD-facing HTTP API. It resolves
// the caller's access key, checks the per-endpoint action, and delegates
// everything else to the Poller and MessageBus.
type RESTTransport struct {
	Addr string

	poller  *Poller
	bus     *MessageBus
	devices *DeviceCatalog
	keys    *auth.KeyStore

	defaultWait time.Duration
	server      *http.Server

	name      string
	connected bool
}

func NewRESTTransport(addr string, poller *Poller, bus *MessageBus, devices *DeviceCatalog, keys *auth.KeyStore, defaultWait time.Duration) *RESTTransport {
	return &RESTTransport{
		Addr:        addr,
		poller:      poller,
		bus:         bus,
		devices:     devices,
		keys:        keys,
		defaultWait: defaultWait,
	}
}

func (t *RESTTransport) Start() error {
	slog.Info("Starting REST server", "addr", t.Addr)

	t.server = &http.Server{
		Addr:    t.Addr,
		Handler: t.router(),
	}

	t.connected = true
	err := t.server.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		t.connected = false
		return err
	}
	return nil
}

// Shutdown closes open connections outright: held polls see their request
// context cancel and tear their subscriptions down.
func (t *RESTTransport) Shutdown() error {
	slog.Info("Shutting down REST server", "addr", t.Addr)
	t.connected = false
	if t.server != nil {
		return t.server.Close()
	}
	return nil
}

func (t *RESTTransport) Meta() TransportMetadata {
	return TransportMetadata{
		Name:      t.name,
		Protocol:  "http",
		Address:   t.Addr,
		Connected: t.connected,
	}
}

func (t *RESTTransport) SetName(name string) {
	t.name = name
}

func (t *RESTTransport) router() http.Handler {
	r := chi.NewRouter()
	r.Use(t.authenticate)

	r.Get("/device", t.handleListDevices)

	r.Route("/device/{deviceGuid}", func(r chi.Router) {
		r.Get("/notification", t.queryHandler(proto.KindNotification, auth.ActionGetNotification))
		r.Get("/notification/poll", t.pollHandler(proto.KindNotification, auth.ActionGetNotification))
		r.Post("/notification", t.handleInsertNotification)

		r.Get("/command", t.queryHandler(proto.KindCommand, auth.ActionGetCommand))
		r.Get("/command/poll", t.pollHandler(proto.KindCommand, auth.ActionGetCommand))
		r.Post("/command", t.handleInsertCommand)
		r.Get("/command/{commandId}/poll", t.handlePollCommandUpdate)
		r.Put("/command/{commandId}", t.handleUpdateCommand)
	})

	// pollMany: no device scope in the path, deviceGuids as a query param
	r.Get("/device/notification/poll", t.pollHandler(proto.KindNotification, auth.ActionGetNotification))
	r.Get("/device/command/poll", t.pollHandler(proto.KindCommand, auth.ActionGetCommand))

	return r
}

func (t *RESTTransport) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if token == "" {
			token = r.URL.Query().Get("accessKey")
		}
		identity, ok := t.keys.Resolve(token)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid access key")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, identity)))
	})
}

func callerIdentity(r *http.Request) auth.Identity {
	identity, _ := r.Context().Value(identityKey{}).(auth.Identity)
	return identity
}

// pollHandler serves both the device-scoped poll and pollMany: with a
// {deviceGuid} URL param the scope is that one device, otherwise the
// optional deviceGuids query param (or wildcard).
func (t *RESTTransport) pollHandler(kind proto.Kind, action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := callerIdentity(r)
		if !identity.CanAct(action) {
			writeError(w, http.StatusForbidden, "action not permitted")
			return
		}

		since, err := sinceParam(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		timeout, err := t.waitParam(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		req := PollRequest{
			Identity: identity,
			Kind:     kind,
			Names:    csvParam(r, "names"),
			Since:    since,
			Timeout:  timeout,
		}
		if guid := chi.URLParam(r, "deviceGuid"); guid != "" {
			req.DeviceGUIDs = []string{guid}
		} else {
			req.DeviceGUIDs = csvParam(r, "deviceGuids")
		}

		t.respondPoll(w, r, req)
	}
}

// queryHandler is the pure catch-up read: no waiting, everything retained
// unless a timestamp narrows it.
func (t *RESTTransport) queryHandler(kind proto.Kind, action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity := callerIdentity(r)
		if !identity.CanAct(action) {
			writeError(w, http.StatusForbidden, "action not permitted")
			return
		}

		since, err := sinceParam(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if since == nil {
			since = new(int64)
		}
		take, err := takeParam(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req := PollRequest{
			Identity:    identity,
			Kind:        kind,
			DeviceGUIDs: []string{chi.URLParam(r, "deviceGuid")},
			Names:       csvParam(r, "names"),
			Since:       since,
			Limit:       take,
		}

		t.respondPoll(w, r, req)
	}
}

func (t *RESTTransport) handlePollCommandUpdate(w http.ResponseWriter, r *http.Request) {
	identity := callerIdentity(r)
	if !identity.CanAct(auth.ActionGetCommand) {
		writeError(w, http.StatusForbidden, "action not permitted")
		return
	}

	since, err := sinceParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	timeout, err := t.waitParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	req := PollRequest{
		Identity:  identity,
		Kind:      proto.KindCommandUpdate,
		CommandID: chi.URLParam(r, "commandId"),
		Since:     since,
		Timeout:   timeout,
	}

	t.respondPoll(w, r, req)
}

func (t *RESTTransport) respondPoll(w http.ResponseWriter, r *http.Request, req PollRequest) {
	msgs, err := t.poller.Poll(r.Context(), req)
	if err != nil {
		switch {
		case r.Context().Err() != nil:
			// caller is gone, nothing to write
		case errors.Is(err, ErrShuttingDown):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			slog.Error("Poll failed", "error", err.Error())
			writeError(w, http.StatusInternalServerError, "poll failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (t *RESTTransport) handleInsertNotification(w http.ResponseWriter, r *http.Request) {
	t.insert(w, r, auth.ActionCreateNotification, t.bus.PublishNotification)
}

func (t *RESTTransport) handleInsertCommand(w http.ResponseWriter, r *http.Request) {
	t.insert(w, r, auth.ActionCreateCommand, t.bus.PublishCommand)
}

func (t *RESTTransport) insert(w http.ResponseWriter, r *http.Request, action string, publish func(proto.Message) (proto.Message, error)) {
	identity := callerIdentity(r)
	if !identity.CanAct(action) {
		writeError(w, http.StatusForbidden, "action not permitted")
		return
	}
	guid := chi.URLParam(r, "deviceGuid")
	device, ok := t.devices.Get(guid)
	if !ok || !identity.CanAccess(device.GUID, device.NetworkID) {
		// unknown and forbidden devices are indistinguishable to the caller
		writeError(w, http.StatusNotFound, "device not found")
		return
	}

	var body proto.InsertPayload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	msg, err := publish(proto.Message{DeviceGUID: guid, Name: body.Name, Payload: body.Payload})
	if err != nil {
		slog.Error("Publish failed", "device", guid, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "publish failed")
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (t *RESTTransport) handleUpdateCommand(w http.ResponseWriter, r *http.Request) {
	identity := callerIdentity(r)
	if !identity.CanAct(auth.ActionUpdateCommand) {
		writeError(w, http.StatusForbidden, "action not permitted")
		return
	}
	guid := chi.URLParam(r, "deviceGuid")
	device, ok := t.devices.Get(guid)
	if !ok || !identity.CanAccess(device.GUID, device.NetworkID) {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}

	var body struct {
		Status string          `json:"status"`
		Result json.RawMessage `json:"result,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Status == "" {
		writeError(w, http.StatusBadRequest, "status is required")
		return
	}

	msg, err := t.bus.PublishCommandUpdate(proto.Message{
		DeviceGUID: guid,
		CommandID:  chi.URLParam(r, "commandId"),
		Name:       body.Status,
		Status:     body.Status,
		Result:     body.Result,
	})
	if err != nil {
		slog.Error("Command update failed", "device", guid, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "publish failed")
		return
	}
	writeJSON(w, http.StatusOK, msg)
}

func (t *RESTTransport) handleListDevices(w http.ResponseWriter, r *http.Request) {
	identity := callerIdentity(r)
	if !identity.CanAct(auth.ActionGetDevice) {
		writeError(w, http.StatusForbidden, "action not permitted")
		return
	}
	visible := make([]Device, 0)
	for _, d := range t.devices.List() {
		if identity.CanAccess(d.GUID, d.NetworkID) {
			visible = append(visible, d)
		}
	}
	writeJSON(w, http.StatusOK, visible)
}

// waitParam reads waitTimeout in seconds. Absent means the configured
// default; zero or negative means "don't wait"; anything non-numeric is the
// caller's error, never coerced.
func (t *RESTTransport) waitParam(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("waitTimeout")
	if raw == "" {
		return t.defaultWait, nil
	}
	secs, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid waitTimeout %q", raw)
	}
	return time.Duration(secs) * time.Second, nil
}

// sinceParam reads the timestamp query param (microseconds). Nil means no
// catch-up was requested.
func sinceParam(r *http.Request) (*int64, error) {
	raw := r.URL.Query().Get("timestamp")
	if raw == "" {
		return nil, nil
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp %q", raw)
	}
	return &ts, nil
}

func takeParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("take")
	if raw == "" {
		return 0, nil
	}
	take, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid take %q", raw)
	}
	return take, nil
}

func csvParam(r *http.Request, name string) []string {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to write response", "error", err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg, "status": status})
}
