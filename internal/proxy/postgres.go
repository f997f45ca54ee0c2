package proxy

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	pgproto3 "github.com/jackc/pgproto3/v2"

	"github.com/tenantproxy/gateway/internal/metrics"
	"github.com/tenantproxy/gateway/internal/routing"
)

const (
	pgProtocolVersion3 = 3<<16 | 0
	pgSSLRequestCode   = 80877103
	pgMaxStartupLen    = 10000
	pgMaxSSLAttempts   = 3
)

// paramPair is one key/value entry from a Postgres startup packet, kept in
// wire order — a Go map would lose that order, and the round-trip rebuild
// (testable property 3) depends on it.
type paramPair struct {
	key, value string
}

// PostgresHandler implements the Postgres frontend/backend protocol's
// startup phase: SSL decline, parameter parsing, routing, and the optional
// database-field rewrite, before handing off to the splicer.
type PostgresHandler struct {
	Upstreams        routing.UpstreamMap
	Metrics          *metrics.Collector
	HandshakeTimeout time.Duration
}

var _ ConnectionHandler = (*PostgresHandler)(nil)

// Handle implements ConnectionHandler.
func (h *PostgresHandler) Handle(ctx context.Context, clientConn net.Conn) error {
	traceID := newTraceID()
	acceptedAt := time.Now()
	deadline := h.handshakeDeadline()
	if deadline != (time.Time{}) {
		clientConn.SetDeadline(deadline)
	}

	version, params, rawParamBlock, err := h.readStartupMessage(clientConn)
	if err != nil {
		slog.Info("postgres handshake parse failed", "trace", traceID, "error", err)
		return nil
	}

	dbName, userName := lookupParam(params, "database"), lookupParam(params, "user")
	if dbName == "" && userName == "" {
		h.sendError(clientConn, "FATAL", "XX000", "no database or user provided in startup parameters")
		return fmt.Errorf("postgres: startup frame carried no routing identity")
	}

	target, kind, err := routing.ResolveDetailed(h.Upstreams, dbName, routing.Postgres, userName)
	h.metricsRoute(string(kind))
	if err != nil {
		h.sendError(clientConn, "FATAL", "XX000", "Unknown tenant/source: "+err.Error())
		return nil
	}

	if target.Database != "" {
		params = setParam(params, "database", target.Database)
	}

	upstreamAddr := net.JoinHostPort(target.Host, portString(target.Port))
	upstream, err := net.DialTimeout("tcp", upstreamAddr, 10*time.Second)
	if err != nil {
		h.sendError(clientConn, "FATAL", "08006", "cannot connect to upstream database")
		return fmt.Errorf("postgres: dialing upstream %s: %w", upstreamAddr, err)
	}
	defer upstream.Close()

	outbound := rawParamBlock
	if target.Database != "" {
		outbound = buildStartupPacket(version, params)
	}
	if _, err := upstream.Write(outbound); err != nil {
		return fmt.Errorf("postgres: forwarding startup packet: %w", err)
	}

	slog.Info("routed connection", "trace", traceID, "protocol", "postgres", "database", dbName, "upstream", upstreamAddr)

	if h.Metrics != nil {
		h.Metrics.ConnectionOpened("postgres")
		defer h.Metrics.ConnectionClosed("postgres")
		h.Metrics.HandshakeDuration("postgres", time.Since(acceptedAt).Seconds())
	}

	clientConn.SetDeadline(time.Time{})
	upstream.SetDeadline(time.Time{})

	return splice(ctx, clientConn, upstream, h.metricsBytes)
}

func (h *PostgresHandler) handshakeDeadline() time.Time {
	if h.HandshakeTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(h.HandshakeTimeout)
}

func (h *PostgresHandler) metricsRoute(result string) {
	if h.Metrics != nil {
		h.Metrics.RouteResolved("postgres", result)
	}
}

func (h *PostgresHandler) metricsBytes(direction string, n int64) {
	if h.Metrics != nil {
		h.Metrics.BytesSpliced("postgres", direction, n)
	}
}

// readStartupMessage reads one or more length-prefixed startup frames,
// declining every SSL probe with 'N', until it reaches a real startup
// packet. It returns the parsed ordered parameters and the verbatim raw
// bytes of that packet for a bit-exact round trip when no override applies.
func (h *PostgresHandler) readStartupMessage(conn net.Conn) (int32, []paramPair, []byte, error) {
	for attempt := 0; attempt <= pgMaxSSLAttempts; attempt++ {
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return 0, nil, nil, fmt.Errorf("reading startup length: %w", err)
		}
		msgLen := int(binary.BigEndian.Uint32(lenBuf))
		if msgLen < 8 || msgLen > pgMaxStartupLen {
			return 0, nil, nil, fmt.Errorf("invalid startup message length: %d", msgLen)
		}

		body := make([]byte, msgLen-4)
		if _, err := io.ReadFull(conn, body); err != nil {
			return 0, nil, nil, fmt.Errorf("reading startup body: %w", err)
		}

		version := int32(binary.BigEndian.Uint32(body[:4]))
		if version == pgSSLRequestCode {
			if _, err := conn.Write([]byte{'N'}); err != nil {
				return 0, nil, nil, fmt.Errorf("declining SSL request: %w", err)
			}
			continue
		}

		params, err := parseStartupParams(body[4:])
		if err != nil {
			return 0, nil, nil, err
		}

		raw := make([]byte, msgLen)
		copy(raw[:4], lenBuf)
		copy(raw[4:], body)
		return version, params, raw, nil
	}
	return 0, nil, nil, fmt.Errorf("too many SSL negotiation attempts")
}

// parseStartupParams walks the NUL-terminated (key, value) pairs following
// the protocol version, stopping at an empty key (spec §4.2).
func parseStartupParams(data []byte) ([]paramPair, error) {
	var params []paramPair
	for len(data) > 0 {
		keyEnd := indexByte(data, 0)
		if keyEnd < 0 {
			return nil, fmt.Errorf("unterminated startup key")
		}
		if keyEnd == 0 {
			break // trailing NUL terminator
		}
		key := string(data[:keyEnd])
		data = data[keyEnd+1:]

		valEnd := indexByte(data, 0)
		if valEnd < 0 {
			return nil, fmt.Errorf("unterminated startup value for %q", key)
		}
		value := string(data[:valEnd])
		data = data[valEnd+1:]

		params = append(params, paramPair{key: key, value: value})
	}
	return params, nil
}

func indexByte(data []byte, b byte) int {
	for i, c := range data {
		if c == b {
			return i
		}
	}
	return -1
}

func lookupParam(params []paramPair, key string) string {
	for _, p := range params {
		if p.key == key {
			return p.value
		}
	}
	return ""
}

// setParam replaces the value of an existing key in place, preserving its
// wire position; it is only reached when an override applies, so the
// round-trip invariant (no override ⇒ byte-identical rebuild) is untouched.
func setParam(params []paramPair, key, value string) []paramPair {
	out := make([]paramPair, len(params))
	copy(out, params)
	for i, p := range out {
		if p.key == key {
			out[i].value = value
			return out
		}
	}
	return append(out, paramPair{key: key, value: value})
}

// buildStartupPacket rebuilds a startup frame from scratch: Int32(version)
// followed by (key\0value\0)* and a trailing \0, prefixed with its own
// length (spec §4.2 "Startup packet rebuild").
func buildStartupPacket(version int32, params []paramPair) []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, uint32(version))
	for _, p := range params {
		body = append(body, p.key...)
		body = append(body, 0)
		body = append(body, p.value...)
		body = append(body, 0)
	}
	body = append(body, 0)

	msg := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(msg[:4], uint32(4+len(body)))
	copy(msg[4:], body)
	return msg
}

// sendError emits a Postgres ErrorResponse using pgproto3's encoder instead
// of hand-assembling the field block; field ordering inside ErrorResponse is
// not wire-significant, unlike the startup parameter block above.
func (h *PostgresHandler) sendError(conn net.Conn, severity, code, message string) {
	msg := &pgproto3.ErrorResponse{Severity: severity, Code: code, Message: message}
	buf, err := msg.Encode(nil)
	if err != nil {
		return
	}
	conn.Write(buf)
}

func portString(port int) string {
	return fmt.Sprintf("%d", port)
}
