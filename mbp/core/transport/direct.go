package transport

import (
	"context"
	"fmt"
	"net"

	"mlkmbp/mbp/core/netaddr"
)

// dialDirect connects straight to dst, letting the stdlib resolver
// handle a Name address the same way net.Dial always has.
func dialDirect(ctx context.Context, dst netaddr.Address) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", dst.String())
	if err != nil {
		return nil, fmt.Errorf("transport: direct dial %s: %w", dst.String(), err)
	}
	return conn, nil
}
