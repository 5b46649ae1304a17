// Package transport provides the pluggable full-duplex byte stream the
// wire codec runs over (spec §6): "the canonical choices are a persistent
// bidirectional stream framework or a framed websocket, but the envelope
// content is identical." This package supplies the websocket
// implementation; Listener and Dialer are the seam a different transport
// would plug into.
package transport

import (
	"context"
	"io"
)

// Listener accepts inbound connections and hands each to handle, which owns
// the connection's full lifetime — it must not return until the connection
// should be torn down.
type Listener interface {
	Serve(ctx context.Context, handle func(ctx context.Context, conn io.ReadWriteCloser)) error
	Close() error
}

// Dialer opens an outbound connection to addr.
type Dialer interface {
	Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error)
}
