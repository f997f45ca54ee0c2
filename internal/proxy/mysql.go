package proxy

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/tenantproxy/gateway/internal/metrics"
	"github.com/tenantproxy/gateway/internal/routing"
)

// MySQL capability flags this gateway cares about (spec §4.3).
const (
	clientLongPassword               uint32 = 0x00000001
	clientLongFlag                   uint32 = 0x00000004
	clientConnectWithDB              uint32 = 0x00000008
	clientProtocol41                 uint32 = 0x00000200
	clientSecureConnection           uint32 = 0x00008000
	clientPluginAuth                 uint32 = 0x00080000
	clientConnectAttrs               uint32 = 0x00100000
	clientPluginAuthLenencClientData uint32 = 0x00200000
	clientDeprecateEOF               uint32 = 0x01000000

	// ourCaps is what this gateway advertises in its synthetic greeting:
	// the set that maximizes the chance a client sends parseable database
	// and auth framing (spec §4.3 "Capability flags we advertise").
	ourCaps = clientLongPassword | clientLongFlag | clientConnectWithDB |
		clientProtocol41 | clientSecureConnection | clientPluginAuth |
		clientPluginAuthLenencClientData | clientConnectAttrs | clientDeprecateEOF

	mysqlErrPacketTag byte = 0xff

	defaultPluginName = "mysql_native_password"
)

// MySQLHandler implements the MySQL client/server protocol's login phase:
// synthetic greeting, HandshakeResponse41 parse, routing, auth-switch to the
// real upstream salt, and a reconstructed HandshakeResponse41 — all without
// the gateway ever holding a usable password (spec §4.3, invariant 4).
type MySQLHandler struct {
	Upstreams        routing.UpstreamMap
	Metrics          *metrics.Collector
	HandshakeTimeout time.Duration
}

var _ ConnectionHandler = (*MySQLHandler)(nil)

type clientHandshake struct {
	capabilityFlags uint32
	maxPacket       uint32
	charset         byte
	username        string
	authResponse    []byte
	database        string
	pluginName      string
	attrs           []byte
}

type upstreamHandshake struct {
	capabilityFlags uint32
	authData        []byte
	pluginName      string
}

// Handle implements ConnectionHandler.
func (h *MySQLHandler) Handle(ctx context.Context, clientConn net.Conn) error {
	traceID := newTraceID()
	acceptedAt := time.Now()
	if h.HandshakeTimeout > 0 {
		clientConn.SetDeadline(time.Now().Add(h.HandshakeTimeout))
	}

	salt0, err := randomSalt()
	if err != nil {
		return fmt.Errorf("mysql: generating salt: %w", err)
	}
	if err := writeMySQLPacket(clientConn, buildHandshakeV10(salt0), 0); err != nil {
		return fmt.Errorf("mysql: sending synthetic handshake: %w", err)
	}

	loginPayload, clientSeq, err := readMySQLPacket(clientConn)
	if err != nil {
		slog.Info("mysql handshake parse failed", "trace", traceID, "error", err)
		return nil
	}
	client, err := parseHandshakeResponse41(loginPayload)
	if err != nil {
		slog.Info("mysql handshake parse failed", "trace", traceID, "error", err)
		return nil
	}

	if client.database == "" && client.username == "" {
		h.sendErr(clientConn, "no database or tenant identity in user name", clientSeq+1)
		return fmt.Errorf("mysql: login frame carried no routing identity")
	}

	target, kind, err := routing.ResolveDetailed(h.Upstreams, client.database, routing.MySQL, client.username)
	h.metricsRoute(string(kind))
	if err != nil {
		h.sendErr(clientConn, "Unknown tenant/source: "+err.Error(), clientSeq+1)
		return nil
	}

	upstreamAddr := net.JoinHostPort(target.Host, portString(target.Port))
	upstream, err := net.DialTimeout("tcp", upstreamAddr, 10*time.Second)
	if err != nil {
		h.sendErr(clientConn, "cannot connect to upstream database", clientSeq+1)
		return fmt.Errorf("mysql: dialing upstream %s: %w", upstreamAddr, err)
	}
	defer upstream.Close()

	greetingPayload, _, err := readMySQLPacket(upstream)
	if err != nil {
		return fmt.Errorf("mysql: reading upstream greeting: %w", err)
	}
	up, err := parseUpstreamHandshake(greetingPayload)
	if err != nil {
		return fmt.Errorf("mysql: parsing upstream greeting: %w", err)
	}

	if target.Database != "" {
		client.database = target.Database
	}

	// AUTH_SWITCH: ask the client to re-encrypt against the upstream's real
	// salt. The bytes the client sent us (hashed against salt0) are never
	// forwarded — only what comes back from this exchange is (property 7).
	authSwitch := buildAuthSwitchRequest(up.pluginName, up.authData)
	if err := writeMySQLPacket(clientConn, authSwitch, clientSeq+1); err != nil {
		return fmt.Errorf("mysql: sending auth switch request: %w", err)
	}
	reAuth, authRespSeq, err := readMySQLPacket(clientConn)
	if err != nil {
		return fmt.Errorf("mysql: reading re-authenticated response: %w", err)
	}

	caps := client.capabilityFlags & up.capabilityFlags
	relayPayload := buildHandshakeResponse41(client, reAuth, caps, up.pluginName)
	if err := writeMySQLPacket(upstream, relayPayload, 1); err != nil {
		return fmt.Errorf("mysql: relaying handshake response upstream: %w", err)
	}

	upstreamReply, _, err := readMySQLPacket(upstream)
	if err != nil {
		return fmt.Errorf("mysql: reading upstream auth reply: %w", err)
	}
	if err := writeMySQLPacket(clientConn, upstreamReply, authRespSeq+1); err != nil {
		return fmt.Errorf("mysql: forwarding auth reply to client: %w", err)
	}
	if len(upstreamReply) > 0 && upstreamReply[0] == mysqlErrPacketTag {
		slog.Info("mysql upstream rejected auth", "trace", traceID, "upstream", upstreamAddr)
		// Per spec: relay the ERR verbatim (done above) and still enter
		// splice — the upstream will typically close shortly on its own.
	}

	slog.Info("routed connection", "trace", traceID, "protocol", "mysql", "database", client.database, "upstream", upstreamAddr)
	if h.Metrics != nil {
		h.Metrics.ConnectionOpened("mysql")
		defer h.Metrics.ConnectionClosed("mysql")
		h.Metrics.HandshakeDuration("mysql", time.Since(acceptedAt).Seconds())
	}

	clientConn.SetDeadline(time.Time{})
	upstream.SetDeadline(time.Time{})

	return splice(ctx, clientConn, upstream, h.metricsBytes)
}

func (h *MySQLHandler) metricsRoute(result string) {
	if h.Metrics != nil {
		h.Metrics.RouteResolved("mysql", result)
	}
}

func (h *MySQLHandler) metricsBytes(direction string, n int64) {
	if h.Metrics != nil {
		h.Metrics.BytesSpliced("mysql", direction, n)
	}
}

func (h *MySQLHandler) sendErr(conn net.Conn, message string, seq byte) {
	writeMySQLPacket(conn, buildErrPacket(1049, "08S01", message), seq)
}

func randomSalt() ([]byte, error) {
	salt := make([]byte, 20)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	// MySQL auth data is NUL-terminated in several framings; a stray zero
	// byte inside it would truncate the salt early.
	for i, b := range salt {
		if b == 0 {
			salt[i] = 1
		}
	}
	return salt, nil
}

// buildHandshakeV10 builds the synthetic greeting this gateway sends before
// it knows anything about the client, so it can learn the tenant from the
// client's response (spec §4.3 START).
func buildHandshakeV10(salt []byte) []byte {
	var buf []byte
	buf = append(buf, 10) // protocol version
	buf = append(buf, "8.0.0-gateway"...)
	buf = append(buf, 0)
	buf = append(buf, 1, 0, 0, 0) // connection id
	buf = append(buf, salt[:8]...)
	buf = append(buf, 0) // filler
	buf = append(buf, byte(ourCaps), byte(ourCaps>>8))
	buf = append(buf, 33) // utf8_general_ci
	buf = append(buf, 0x02, 0x00)
	buf = append(buf, byte(ourCaps>>16), byte(ourCaps>>24))
	buf = append(buf, byte(len(salt)+1))
	buf = append(buf, make([]byte, 10)...)
	buf = append(buf, salt[8:]...)
	buf = append(buf, 0)
	buf = append(buf, defaultPluginName...)
	buf = append(buf, 0)
	return buf
}

// parseHandshakeResponse41 extracts what the gateway needs to route and,
// later, to rebuild an upstream-facing handshake (spec §4.3 CLIENT_LOGIN).
func parseHandshakeResponse41(payload []byte) (clientHandshake, error) {
	if len(payload) < 32 {
		return clientHandshake{}, fmt.Errorf("handshake response too short: %d bytes", len(payload))
	}

	var c clientHandshake
	c.capabilityFlags = binary.LittleEndian.Uint32(payload[0:4])
	c.maxPacket = binary.LittleEndian.Uint32(payload[4:8])
	c.charset = payload[8]
	pos := 32

	username, next, err := readNullTerminated(payload, pos)
	if err != nil {
		return clientHandshake{}, fmt.Errorf("reading username: %w", err)
	}
	c.username = string(username)
	pos = next

	switch {
	case c.capabilityFlags&clientPluginAuthLenencClientData != 0:
		n, next, err := readLenencInt(payload, pos)
		if err != nil {
			return clientHandshake{}, fmt.Errorf("reading lenenc auth length: %w", err)
		}
		pos = next
		if pos+int(n) > len(payload) {
			return clientHandshake{}, fmt.Errorf("auth response overflows payload")
		}
		c.authResponse = payload[pos : pos+int(n)]
		pos += int(n)
	case c.capabilityFlags&clientSecureConnection != 0:
		if pos >= len(payload) {
			return clientHandshake{}, fmt.Errorf("missing auth response length byte")
		}
		n := int(payload[pos])
		pos++
		if pos+n > len(payload) {
			return clientHandshake{}, fmt.Errorf("auth response overflows payload")
		}
		c.authResponse = payload[pos : pos+n]
		pos += n
	default:
		auth, next, err := readNullTerminated(payload, pos)
		if err != nil {
			return clientHandshake{}, fmt.Errorf("reading null-terminated auth response: %w", err)
		}
		c.authResponse = auth
		pos = next
	}

	if c.capabilityFlags&clientConnectWithDB != 0 && pos < len(payload) {
		db, next, err := readNullTerminated(payload, pos)
		if err == nil {
			c.database = string(db)
			pos = next
		}
	}

	c.pluginName = defaultPluginName
	if c.capabilityFlags&clientPluginAuth != 0 && pos < len(payload) {
		plugin, next, err := readNullTerminated(payload, pos)
		if err == nil {
			if len(plugin) > 0 {
				c.pluginName = string(plugin)
			}
			pos = next
		}
	}

	if c.capabilityFlags&clientConnectAttrs != 0 && pos < len(payload) {
		n, next, err := readLenencInt(payload, pos)
		if err == nil && next+int(n) <= len(payload) {
			c.attrs = payload[next : next+int(n)]
		}
	}

	return c, nil
}

// parseUpstreamHandshake parses the real server's Handshake v10 greeting.
// The auth-plugin-data is split across two fixed regions; the open question
// in the source about where the plugin name starts is resolved here as
// "immediately after the second auth-data half" (spec §9). The NUL that
// terminates the second half is not part of the returned salt.
func parseUpstreamHandshake(payload []byte) (upstreamHandshake, error) {
	if len(payload) < 1 {
		return upstreamHandshake{}, fmt.Errorf("empty upstream handshake")
	}
	if payload[0] != 10 {
		return upstreamHandshake{}, fmt.Errorf("unsupported protocol version byte %d", payload[0])
	}
	pos := 1
	_, next, err := readNullTerminated(payload, pos)
	if err != nil {
		return upstreamHandshake{}, fmt.Errorf("reading server version: %w", err)
	}
	pos = next
	pos += 4 // connection id

	if pos+8 > len(payload) {
		return upstreamHandshake{}, fmt.Errorf("handshake too short for auth-data part 1")
	}
	part1 := append([]byte(nil), payload[pos:pos+8]...)
	pos += 8
	pos++ // filler

	if pos+2 > len(payload) {
		return upstreamHandshake{}, fmt.Errorf("handshake too short for capability flags (low)")
	}
	capLow := binary.LittleEndian.Uint16(payload[pos : pos+2])
	pos += 2
	pos++ // charset
	pos += 2 // status flags

	if pos+2 > len(payload) {
		return upstreamHandshake{}, fmt.Errorf("handshake too short for capability flags (high)")
	}
	capHigh := binary.LittleEndian.Uint16(payload[pos : pos+2])
	pos += 2
	capabilityFlags := uint32(capLow) | uint32(capHigh)<<16

	var authDataLen int
	if capabilityFlags&clientPluginAuth != 0 {
		if pos >= len(payload) {
			return upstreamHandshake{}, fmt.Errorf("handshake too short for auth-data length byte")
		}
		authDataLen = int(payload[pos])
	}
	pos++
	pos += 10 // reserved
	if pos > len(payload) {
		return upstreamHandshake{}, fmt.Errorf("handshake too short for reserved block")
	}

	part2Len := 12
	if authDataLen != 0 {
		part2Len = authDataLen - 8
		if part2Len < 13 {
			part2Len = 13
		}
	}
	if pos+part2Len > len(payload) {
		part2Len = len(payload) - pos
	}
	if part2Len < 0 {
		part2Len = 0
	}
	part2 := payload[pos : pos+part2Len]
	pos += part2Len
	if len(part2) > 0 && part2[len(part2)-1] == 0 {
		part2 = part2[:len(part2)-1]
	}

	pluginName := defaultPluginName
	if capabilityFlags&clientPluginAuth != 0 && pos < len(payload) {
		name, _, err := readNullTerminated(payload, pos)
		if err == nil && len(name) > 0 {
			pluginName = string(name)
		}
	}

	return upstreamHandshake{
		capabilityFlags: capabilityFlags,
		authData:        append(append([]byte(nil), part1...), part2...),
		pluginName:      pluginName,
	}, nil
}

// buildAuthSwitchRequest builds the 0xFE packet that tells the client to
// re-send auth data hashed against the upstream's real salt and plugin.
func buildAuthSwitchRequest(pluginName string, authData []byte) []byte {
	var buf []byte
	buf = append(buf, 0xFE)
	buf = append(buf, pluginName...)
	buf = append(buf, 0)
	buf = append(buf, authData...)
	return buf
}

// buildHandshakeResponse41 reconstructs a HandshakeResponse41 using the
// client's original fields but the upstream-compatible capability
// intersection, auth plugin, and re-authenticated response bytes.
func buildHandshakeResponse41(c clientHandshake, authResponse []byte, caps uint32, pluginName string) []byte {
	var buf []byte
	buf = append(buf, byte(caps), byte(caps>>8), byte(caps>>16), byte(caps>>24))
	buf = append(buf, byte(c.maxPacket), byte(c.maxPacket>>8), byte(c.maxPacket>>16), byte(c.maxPacket>>24))
	buf = append(buf, c.charset)
	buf = append(buf, make([]byte, 23)...)
	buf = append(buf, c.username...)
	buf = append(buf, 0)

	switch {
	case caps&clientPluginAuthLenencClientData != 0:
		buf = append(buf, encodeLenencInt(uint64(len(authResponse)))...)
		buf = append(buf, authResponse...)
	case caps&clientSecureConnection != 0:
		buf = append(buf, byte(len(authResponse)))
		buf = append(buf, authResponse...)
	default:
		buf = append(buf, authResponse...)
		buf = append(buf, 0)
	}

	if caps&clientConnectWithDB != 0 {
		buf = append(buf, c.database...)
		buf = append(buf, 0)
	}
	if caps&clientPluginAuth != 0 {
		buf = append(buf, pluginName...)
		buf = append(buf, 0)
	}
	if caps&clientConnectAttrs != 0 {
		buf = append(buf, encodeLenencInt(uint64(len(c.attrs)))...)
		buf = append(buf, c.attrs...)
	}
	return buf
}

// buildErrPacket builds a minimal ERR_Packet (spec §4.3 "ERR packet format").
func buildErrPacket(code uint16, sqlState, message string) []byte {
	var buf []byte
	buf = append(buf, mysqlErrPacketTag)
	buf = append(buf, byte(code), byte(code>>8))
	buf = append(buf, '#')
	state := sqlState
	for len(state) < 5 {
		state += " "
	}
	buf = append(buf, state[:5]...)
	buf = append(buf, message...)
	return buf
}

// readMySQLPacket reads one 4-byte-header MySQL packet and returns its
// payload and sequence id (spec §4.3 "MySQL packet framing").
func readMySQLPacket(conn net.Conn) ([]byte, byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(conn, header); err != nil {
		return nil, 0, err
	}
	length := int(header[0]) | int(header[1])<<8 | int(header[2])<<16
	seq := header[3]
	if length < 0 || length > 1<<24 {
		return nil, 0, fmt.Errorf("mysql packet too large: %d", length)
	}
	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(conn, payload); err != nil {
			return nil, 0, err
		}
	}
	return payload, seq, nil
}

func writeMySQLPacket(conn net.Conn, payload []byte, seq byte) error {
	header := []byte{byte(len(payload)), byte(len(payload) >> 8), byte(len(payload) >> 16), seq}
	if _, err := conn.Write(header); err != nil {
		return err
	}
	_, err := conn.Write(payload)
	return err
}

func readNullTerminated(data []byte, offset int) ([]byte, int, error) {
	end := offset
	for end < len(data) && data[end] != 0 {
		end++
	}
	if end >= len(data) {
		return nil, 0, fmt.Errorf("unterminated string at offset %d", offset)
	}
	return data[offset:end], end + 1, nil
}

// readLenencInt decodes a MySQL length-encoded integer (spec §4.3
// "Length-encoded integer decoding").
func readLenencInt(data []byte, offset int) (uint64, int, error) {
	if offset >= len(data) {
		return 0, 0, fmt.Errorf("lenenc int out of bounds at %d", offset)
	}
	first := data[offset]
	switch {
	case first < 0xFB:
		return uint64(first), offset + 1, nil
	case first == 0xFC:
		if offset+3 > len(data) {
			return 0, 0, fmt.Errorf("lenenc int (2-byte) out of bounds")
		}
		return uint64(binary.LittleEndian.Uint16(data[offset+1 : offset+3])), offset + 3, nil
	case first == 0xFD:
		if offset+4 > len(data) {
			return 0, 0, fmt.Errorf("lenenc int (3-byte) out of bounds")
		}
		v := uint64(data[offset+1]) | uint64(data[offset+2])<<8 | uint64(data[offset+3])<<16
		return v, offset + 4, nil
	case first == 0xFE:
		if offset+9 > len(data) {
			return 0, 0, fmt.Errorf("lenenc int (8-byte) out of bounds")
		}
		return binary.LittleEndian.Uint64(data[offset+1 : offset+9]), offset + 9, nil
	default:
		return 0, 0, fmt.Errorf("invalid length-encoded integer prefix 0x%x", first)
	}
}

func encodeLenencInt(v uint64) []byte {
	switch {
	case v < 0xFB:
		return []byte{byte(v)}
	case v <= 0xFFFF:
		return []byte{0xFC, byte(v), byte(v >> 8)}
	case v <= 0xFFFFFF:
		return []byte{0xFD, byte(v), byte(v >> 8), byte(v >> 16)}
	default:
		b := make([]byte, 9)
		b[0] = 0xFE
		binary.LittleEndian.PutUint64(b[1:], v)
		return b
	}
}
