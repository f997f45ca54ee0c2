// Package proxy terminates the three frontend wire protocols (Postgres,
// MySQL, TDS), resolves a routing identity from each one's login frame, and
// splices the resulting connection to an upstream database.
package proxy

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
)

// ConnectionHandler drives one accepted connection through a protocol's
// handshake broker and, on success, into the splicer.
type ConnectionHandler interface {
	Handle(ctx context.Context, clientConn net.Conn) error
}

// splice pumps bytes bidirectionally between client and upstream until
// either side reaches EOF or errors. Closing either socket terminates both
// directions — this is a coarse close, not a half-close: simpler, and it
// tolerates drivers that never shut down cleanly (spec §4.5).
func splice(ctx context.Context, client, upstream net.Conn, onBytes func(direction string, n int64)) error {
	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		n, err := io.Copy(upstream, client)
		if onBytes != nil {
			onBytes("client_to_upstream", n)
		}
		errCh <- err
		if tc, ok := upstream.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		n, err := io.Copy(client, upstream)
		if onBytes != nil {
			onBytes("upstream_to_client", n)
		}
		errCh <- err
		if tc, ok := client.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
	}()

	select {
	case <-ctx.Done():
		client.Close()
		upstream.Close()
	case err := <-errCh:
		client.Close()
		upstream.Close()
		wg.Wait()
		if err != nil && err != io.EOF {
			return err
		}
		return nil
	}

	wg.Wait()
	return nil
}

// newTraceID mints a per-connection correlation id for structured logs, so
// the lines a protocol handler logs for one session (handshake failures,
// "routed connection") can be joined without reading raw socket addresses.
func newTraceID() string {
	return uuid.New().String()
}
