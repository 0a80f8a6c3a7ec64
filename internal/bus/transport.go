// Package bus carries protocol messages between clients and pillars over a
// publish/subscribe transport.
//
// Destinations are plain strings. Pillars of a collection subscribe to the
// collection topic and to their own queue; clients subscribe to their own
// queue and receive every answer there.
package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned by transports after Close.
var ErrClosed = errors.New("transport closed")

// Handler receives one frame published to a subscribed destination.
// Local calls the handlers of one subscription sequentially; network
// transports may call them concurrently.
type Handler func(data []byte)

// Unsubscribe cancels a subscription. Calling it more than once is a no-op.
type Unsubscribe func()

// Transport is a byte-level publish/subscribe bus.
type Transport interface {
	// Publish delivers data to every current subscriber of destination.
	Publish(ctx context.Context, destination string, data []byte) error

	// Subscribe registers h for frames published to destination.
	Subscribe(destination string, h Handler) (Unsubscribe, error)

	// Close releases the transport. Pending deliveries may be dropped.
	Close() error
}

// CollectionTopic returns the broadcast destination of a collection.
func CollectionTopic(collectionID string) string {
	return "collection." + collectionID
}

// PillarQueue returns the destination a pillar receives direct requests on.
func PillarQueue(pillarID string) string {
	return "pillar." + pillarID
}

// ClientQueue returns the destination a client receives answers on.
func ClientQueue(clientID string) string {
	return "client." + clientID
}
