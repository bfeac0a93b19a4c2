package transport

import "context"

// Broker is the pub/sub transport between the server and the printer
// fleet. The server publishes deliveries; heartbeats and results flow
// back on the returned channels.
type Broker interface {
	PublishDelivery(ctx context.Context, deviceID string, msg DeliveryMessage) error
	Heartbeats() <-chan HeartbeatMessage
	Results() <-chan ResultMessage
	Close() error
}
