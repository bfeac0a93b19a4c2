package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/KevinKickass/OpenPrintCore/internal/types"
)

// InmemBroker is an in-process Broker used by tests and broker-less
// development setups. The device side of the contract is exposed so a
// test can play the role of a printer.
type InmemBroker struct {
	mu         sync.Mutex
	deliveries map[string]chan DeliveryMessage

	heartbeats chan HeartbeatMessage
	results    chan ResultMessage
}

var _ Broker = (*InmemBroker)(nil)

func NewInmemBroker() *InmemBroker {
	return &InmemBroker{
		deliveries: make(map[string]chan DeliveryMessage),
		heartbeats: make(chan HeartbeatMessage, 256),
		results:    make(chan ResultMessage, 256),
	}
}

func (b *InmemBroker) PublishDelivery(ctx context.Context, deviceID string, msg DeliveryMessage) error {
	b.mu.Lock()
	ch, ok := b.deliveries[deviceID]
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: no subscriber for device %s", types.ErrTransportUnavailable, deviceID)
	}

	select {
	case ch <- msg:
		return nil
	default:
		return fmt.Errorf("%w: delivery buffer full for device %s", types.ErrTransportUnavailable, deviceID)
	}
}

func (b *InmemBroker) Heartbeats() <-chan HeartbeatMessage {
	return b.heartbeats
}

func (b *InmemBroker) Results() <-chan ResultMessage {
	return b.results
}

func (b *InmemBroker) Close() error {
	return nil
}

// SubscribeDeliveries registers a device-side subscription on its
// delivery topic.
func (b *InmemBroker) SubscribeDeliveries(deviceID string) <-chan DeliveryMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.deliveries[deviceID]
	if !ok {
		ch = make(chan DeliveryMessage, 64)
		b.deliveries[deviceID] = ch
	}
	return ch
}

// UnsubscribeDeliveries drops the device-side subscription, simulating
// a device that disconnected from the broker.
func (b *InmemBroker) UnsubscribeDeliveries(deviceID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.deliveries, deviceID)
}

// PublishHeartbeat is the device side of the presence topic.
func (b *InmemBroker) PublishHeartbeat(hb HeartbeatMessage) {
	b.heartbeats <- hb
}

// PublishResult is the device side of the results topic.
func (b *InmemBroker) PublishResult(res ResultMessage) {
	b.results <- res
}
