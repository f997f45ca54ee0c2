package proxy

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"
	"unicode/utf16"

	"github.com/tenantproxy/gateway/internal/metrics"
	"github.com/tenantproxy/gateway/internal/routing"
)

const (
	tdsHeaderSize     = 8
	tdsTypeLogin7     = 0x10
	tdsLogin7MinSize  = 72
	tdsMaxPayloadSize = 1 << 20
)

// TDSHandler implements the minimal slice of the TDS wire protocol this
// gateway needs: read the Login7 packet, pull the database field out of its
// fixed offset table, route, and splice the rest of the session through
// unmodified (spec §4.4).
type TDSHandler struct {
	Upstreams        routing.UpstreamMap
	Metrics          *metrics.Collector
	HandshakeTimeout time.Duration
}

var _ ConnectionHandler = (*TDSHandler)(nil)

// Handle implements ConnectionHandler.
func (h *TDSHandler) Handle(ctx context.Context, clientConn net.Conn) error {
	traceID := newTraceID()
	acceptedAt := time.Now()
	if h.HandshakeTimeout > 0 {
		clientConn.SetDeadline(time.Now().Add(h.HandshakeTimeout))
	}

	header, payload, err := readTDSPacket(clientConn)
	if err != nil {
		slog.Info("tds handshake read failed", "trace", traceID, "error", err)
		return nil
	}
	if header[0] != tdsTypeLogin7 {
		// Not a login frame (e.g. prelogin) — this gateway has nothing to
		// route on yet and closes silently rather than guess.
		slog.Info("tds connection closed before login7", "trace", traceID, "type", header[0])
		return nil
	}

	database, err := extractLogin7Database(payload)
	if err != nil {
		slog.Info("tds login7 parse failed", "trace", traceID, "error", err)
		return nil
	}

	target, kind, err := routing.ResolveDetailed(h.Upstreams, database, routing.SQLServer, "")
	h.metricsRoute(string(kind))
	if err != nil {
		// TDS has no client-facing error frame this gateway constructs here
		// (spec §9 Open Question 3) — close silently, same as an unparseable
		// login.
		slog.Info("tds route not found", "trace", traceID, "database", database, "error", err)
		return nil
	}

	upstreamAddr := net.JoinHostPort(target.Host, portString(target.Port))
	upstream, err := net.DialTimeout("tcp", upstreamAddr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("tds: dialing upstream %s: %w", upstreamAddr, err)
	}
	defer upstream.Close()

	if err := writeTDSPacket(upstream, header, payload); err != nil {
		return fmt.Errorf("tds: forwarding login7 packet: %w", err)
	}

	slog.Info("routed connection", "trace", traceID, "protocol", "tds", "database", database, "upstream", upstreamAddr)
	if h.Metrics != nil {
		h.Metrics.ConnectionOpened("tds")
		defer h.Metrics.ConnectionClosed("tds")
		h.Metrics.HandshakeDuration("tds", time.Since(acceptedAt).Seconds())
	}

	clientConn.SetDeadline(time.Time{})
	upstream.SetDeadline(time.Time{})

	return splice(ctx, clientConn, upstream, h.metricsBytes)
}

func (h *TDSHandler) metricsRoute(result string) {
	if h.Metrics != nil {
		h.Metrics.RouteResolved("tds", result)
	}
}

func (h *TDSHandler) metricsBytes(direction string, n int64) {
	if h.Metrics != nil {
		h.Metrics.BytesSpliced("tds", direction, n)
	}
}

// readTDSPacket reads one 8-byte TDS header and its payload (spec §4.4 "TDS
// packet framing"). The header is returned verbatim so it can be forwarded
// unmodified — this gateway never needs to alter packet type, status, or
// length.
func readTDSPacket(conn net.Conn) ([]byte, []byte, error) {
	header := make([]byte, tdsHeaderSize)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, nil, fmt.Errorf("reading tds header: %w", err)
	}
	length := int(binary.BigEndian.Uint16(header[2:4]))
	if length < tdsHeaderSize || length > tdsMaxPayloadSize {
		return nil, nil, fmt.Errorf("invalid tds packet length: %d", length)
	}
	payload := make([]byte, length-tdsHeaderSize)
	if len(payload) > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return nil, nil, fmt.Errorf("reading tds payload: %w", err)
		}
	}
	return header, payload, nil
}

func writeTDSPacket(conn net.Conn, header, payload []byte) error {
	if _, err := conn.Write(header); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := conn.Write(payload)
	return err
}

// extractLogin7Database pulls just the database field (offset 68/70 in the
// Login7 variable-length field table) out of the payload — the only field
// this gateway routes on (spec §4.4).
func extractLogin7Database(payload []byte) (string, error) {
	if len(payload) < tdsLogin7MinSize {
		return "", fmt.Errorf("login7 payload too short: %d bytes (need >= %d)", len(payload), tdsLogin7MinSize)
	}

	const databaseFieldOffset = 68
	ib := int(binary.LittleEndian.Uint16(payload[databaseFieldOffset : databaseFieldOffset+2]))
	cch := int(binary.LittleEndian.Uint16(payload[databaseFieldOffset+2 : databaseFieldOffset+4]))
	if cch == 0 {
		return "", nil
	}

	byteLen := cch * 2
	if ib+byteLen > len(payload) {
		return "", fmt.Errorf("database field at offset %d, len %d chars overflows payload (%d bytes)", ib, cch, len(payload))
	}

	return decodeUTF16LE(payload[ib : ib+byteLen])
}

func decodeUTF16LE(b []byte) (string, error) {
	if len(b)%2 != 0 {
		return "", fmt.Errorf("utf-16le data has odd length %d", len(b))
	}
	u16 := make([]uint16, len(b)/2)
	for i := range u16 {
		u16[i] = binary.LittleEndian.Uint16(b[i*2 : i*2+2])
	}
	return string(utf16.Decode(u16)), nil
}
