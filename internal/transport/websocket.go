package transport

import (
	"context"
	"io"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/coder/websocket"
)

// WSListenerOptions configures WSListener.
type WSListenerOptions struct {
	Addr         string
	Path         string   // default "/v1/connect"
	AllowOrigins []string // passed through to websocket.AcceptOptions.OriginPatterns

	// AdminHandler, if set, serves every request whose path does not match
	// Path on the same listen address — the core exposes one LISTEN_ADDRESS
	// for both the data-plane upgrade and the admin REST surface (spec §6).
	AdminHandler http.Handler
}

// WSListener serves the wire protocol framed over websocket connections
// accepted on one HTTP path. Each accepted connection is handed to the
// caller-supplied handle function for the connection's full lifetime — the
// underlying HTTP request does not return until handle does.
type WSListener struct {
	opts   WSListenerOptions
	server *http.Server
}

func NewWSListener(opts WSListenerOptions) *WSListener {
	if opts.Path == "" {
		opts.Path = "/v1/connect"
	}
	return &WSListener{opts: opts}
}

func (l *WSListener) Serve(ctx context.Context, handle func(ctx context.Context, conn io.ReadWriteCloser)) error {
	mux := http.NewServeMux()
	mux.HandleFunc(l.opts.Path, func(w http.ResponseWriter, r *http.Request) {
		wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: l.opts.AllowOrigins,
		})
		if err != nil {
			return
		}
		conn := newWSConn(r.Context(), wsConn)
		handle(r.Context(), conn)
	})
	if l.opts.AdminHandler != nil {
		mux.Handle("/", l.opts.AdminHandler)
	}

	l.server = &http.Server{Addr: l.opts.Addr, Handler: mux}

	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", l.opts.Addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		if serveErr := l.server.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (l *WSListener) Close() error {
	if l.server == nil {
		return nil
	}
	return l.server.Close()
}

// WSDialer opens outbound websocket connections. It is used by the core's
// own test harnesses and by any adapter that chooses a websocket client
// rather than an arbitrary bidirectional stream.
type WSDialer struct{}

func (WSDialer) Dial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	conn, _, err := websocket.Dial(ctx, addr, nil)
	if err != nil {
		return nil, err
	}
	return newWSConn(ctx, conn), nil
}

// wsConn adapts a *websocket.Conn's message-oriented Read/Write to the
// byte-stream io.ReadWriteCloser the codec's length-prefixed framing
// expects. A frame's length prefix and body may land in separate websocket
// messages; Read buffers the tail of whichever message it last pulled so
// io.ReadFull's partial reads are transparent to the caller.
type wsConn struct {
	conn    *websocket.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	readBuf []byte
}

func newWSConn(ctx context.Context, conn *websocket.Conn) *wsConn {
	cctx, cancel := context.WithCancel(ctx)
	return &wsConn{conn: conn, ctx: cctx, cancel: cancel}
}

func (c *wsConn) Read(p []byte) (int, error) {
	for len(c.readBuf) == 0 {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				return 0, io.EOF
			}
			return 0, err
		}
		c.readBuf = data
	}
	n := copy(p, c.readBuf)
	c.readBuf = c.readBuf[n:]
	return n, nil
}

func (c *wsConn) Write(p []byte) (int, error) {
	if err := c.conn.Write(c.ctx, websocket.MessageBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (c *wsConn) Close() error {
	c.cancel()
	return c.conn.Close(websocket.StatusNormalClosure, "closed")
}
