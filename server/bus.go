package server

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/driftworks/fleethub/proto"
)

var ErrUnknownDevice = errors.New("unknown device")

// MessageBus is the ingestion point for the CRUD layer and the transports.
// It stamps each message with an id and a timestamp from the shared clock,
// resolves the device's network, and hands it to the dispatcher. In a
// clustered deployment the bus also broadcasts to peer instances before the
// local dispatch runs; this process-local bus only dispatches locally.
type MessageBus struct {
	dispatcher *Dispatcher
	devices    *DeviceCatalog
	clock      Clock
}

func NewMessageBus(dispatcher *Dispatcher, devices *DeviceCatalog, clock Clock) *MessageBus {
	return &MessageBus{dispatcher: dispatcher, devices: devices, clock: clock}
}

func (b *MessageBus) PublishNotification(msg proto.Message) (proto.Message, error) {
	msg.Kind = proto.KindNotification
	return b.publish(msg)
}

func (b *MessageBus) PublishCommand(msg proto.Message) (proto.Message, error) {
	msg.Kind = proto.KindCommand
	return b.publish(msg)
}

// PublishCommandUpdate republishes a command's terminal status/result as a
// distinct message routed to waiters keyed by the command id.
func (b *MessageBus) PublishCommandUpdate(msg proto.Message) (proto.Message, error) {
	if msg.CommandID == "" {
		return proto.Message{}, errors.New("command update without command id")
	}
	msg.Kind = proto.KindCommandUpdate
	return b.publish(msg)
}

func (b *MessageBus) publish(msg proto.Message) (proto.Message, error) {
	device, ok := b.devices.Get(msg.DeviceGUID)
	if !ok {
		return proto.Message{}, fmt.Errorf("publishing %s for %s: %w", msg.Kind, msg.DeviceGUID, ErrUnknownDevice)
	}
	msg.NetworkID = device.NetworkID
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Timestamp = b.clock.Now()

	if err := b.dispatcher.Publish(msg); err != nil {
		return proto.Message{}, err
	}
	return msg, nil
}
