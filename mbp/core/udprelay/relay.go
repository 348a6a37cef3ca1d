package udprelay

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Relay pumps packets both ways between two Tunnels until either
// side errors or ctx is cancelled, closing the span as soon as one
// direction ends (spec.md §4.8 step 3's server-side UDP relay: the
// tcpman stream on one side, a real UDP socket dialing each packet's
// own destination on the other).
func Relay(ctx context.Context, a, b Tunnel) error {
	var g errgroup.Group
	errc := make(chan error, 2)
	g.Go(func() error { errc <- pump(a, b); return nil })
	g.Go(func() error { errc <- pump(b, a); return nil })

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		return err
	}
}

func pump(from, to Tunnel) error {
	for {
		addr, payload, err := from.Recv()
		if err != nil {
			return err
		}
		if err := to.Send(addr, payload); err != nil {
			return err
		}
	}
}
