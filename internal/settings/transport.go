package settings

import (
	"context"
	"crypto/ed25519"
	"fmt"

	"bitrepo/internal/bus"
	"bitrepo/internal/bus/natsbus"
	"bitrepo/internal/bus/quicbus"
)

// Connect opens the configured bus for component name.
// The local bus is in-process only and cannot be connected to.
func (b Bus) Connect(ctx context.Context, name string, key ed25519.PrivateKey) (bus.Transport, error) {
	switch b.Kind {
	case BusQUIC:
		c, err := quicbus.Dial(ctx, quicbus.Config{PrivateKey: key}, b.Address)
		if err != nil {
			return nil, fmt.Errorf("dial quic bus %s:\n%w", b.Address, err)
		}

		return c, nil

	case BusNATS:
		t, err := natsbus.Connect(b.Address, name)
		if err != nil {
			return nil, fmt.Errorf("connect nats bus %s:\n%w", b.Address, err)
		}

		return t, nil

	case BusLocal:
		return nil, fmt.Errorf("local bus has no remote endpoint")

	default:
		return nil, fmt.Errorf("unknown bus kind %q", b.Kind)
	}
}
