package proxy

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/tenantproxy/gateway/internal/metrics"
	"github.com/tenantproxy/gateway/internal/routing"
)

func startFakeUpstream(t *testing.T, handle func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		handle(conn)
	}()
	return ln.Addr().String()
}

func writeRaw(t *testing.T, conn net.Conn, b []byte) {
	t.Helper()
	if _, err := conn.Write(b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func encodeStartupPacket(params map[string]string) []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint32(body, uint32(pgProtocolVersion3))
	for k, v := range params {
		body = append(body, k...)
		body = append(body, 0)
		body = append(body, v...)
		body = append(body, 0)
	}
	body = append(body, 0)
	msg := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(msg[:4], uint32(len(msg)))
	copy(msg[4:], body)
	return msg
}

func TestPostgresHandlerRoutesAndForwardsRawStartup(t *testing.T) {
	var gotStartup []byte
	upstreamAddr := startFakeUpstream(t, func(conn net.Conn) {
		defer conn.Close()
		lenBuf := make([]byte, 4)
		if _, err := conn.Read(lenBuf); err != nil {
			return
		}
		msgLen := binary.BigEndian.Uint32(lenBuf)
		rest := make([]byte, msgLen-4)
		conn.Read(rest)
		gotStartup = append(append([]byte(nil), lenBuf...), rest...)
	})
	host, port := splitHostPort(t, upstreamAddr)

	upstreams := routing.UpstreamMap{"acme": {Host: host, Port: port}}
	h := &PostgresHandler{Upstreams: upstreams, HandshakeTimeout: time.Second}

	client, server := net.Pipe()
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- h.Handle(context.Background(), server) }()

	startup := encodeStartupPacket(map[string]string{"user": "app", "database": "acme"})
	writeRaw(t, client, startup)

	time.Sleep(100 * time.Millisecond)
	client.Close()
	<-done

	if !bytes.Equal(gotStartup, startup) {
		t.Errorf("expected byte-identical startup forward (no override), got %x want %x", gotStartup, startup)
	}
}

func TestPostgresHandlerRecordsHandshakeDuration(t *testing.T) {
	upstreamAddr := startFakeUpstream(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 4096)
		conn.Read(buf)
	})
	host, port := splitHostPort(t, upstreamAddr)

	upstreams := routing.UpstreamMap{"acme": {Host: host, Port: port}}
	m := metrics.New()
	h := &PostgresHandler{Upstreams: upstreams, Metrics: m, HandshakeTimeout: time.Second}

	client, server := net.Pipe()
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- h.Handle(context.Background(), server) }()

	writeRaw(t, client, encodeStartupPacket(map[string]string{"user": "app", "database": "acme"}))
	time.Sleep(100 * time.Millisecond)
	client.Close()
	<-done

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatal(err)
	}
	var sampleCount uint64
	for _, f := range families {
		if f.GetName() == "gateway_handshake_duration_seconds" {
			sampleCount = f.GetMetric()[0].GetHistogram().GetSampleCount()
		}
	}
	if sampleCount == 0 {
		t.Error("expected a successful handshake to record a gateway_handshake_duration_seconds sample")
	}
}

func TestPostgresHandlerDeclinesSSLThenParsesStartup(t *testing.T) {
	upstreamAddr := startFakeUpstream(t, func(conn net.Conn) {
		defer conn.Close()
		buf := make([]byte, 4096)
		conn.Read(buf)
	})
	host, port := splitHostPort(t, upstreamAddr)

	upstreams := routing.UpstreamMap{"acme": {Host: host, Port: port}}
	h := &PostgresHandler{Upstreams: upstreams, HandshakeTimeout: time.Second}

	client, server := net.Pipe()
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- h.Handle(context.Background(), server) }()

	sslReq := make([]byte, 8)
	binary.BigEndian.PutUint32(sslReq[:4], 8)
	binary.BigEndian.PutUint32(sslReq[4:], pgSSLRequestCode)
	writeRaw(t, client, sslReq)

	resp := make([]byte, 1)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(resp); err != nil {
		t.Fatalf("reading SSL decline: %v", err)
	}
	if resp[0] != 'N' {
		t.Fatalf("expected 'N' SSL decline, got %q", resp[0])
	}

	writeRaw(t, client, encodeStartupPacket(map[string]string{"database": "acme"}))
	time.Sleep(100 * time.Millisecond)
	client.Close()
	<-done
}

func TestPostgresHandlerSendsErrorResponseOnUnknownRoute(t *testing.T) {
	h := &PostgresHandler{Upstreams: routing.UpstreamMap{}, HandshakeTimeout: time.Second}

	client, server := net.Pipe()
	defer client.Close()

	done := make(chan error, 1)
	go func() { done <- h.Handle(context.Background(), server) }()

	writeRaw(t, client, encodeStartupPacket(map[string]string{"database": "nonexistent", "user": "app"}))

	buf := make([]byte, 512)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(buf)
	if err != nil {
		t.Fatalf("reading error response: %v", err)
	}
	if buf[0] != 'E' {
		t.Fatalf("expected ErrorResponse ('E'), got %q", buf[0])
	}
	if !bytes.Contains(buf[:n], []byte("Unknown tenant/source")) {
		t.Errorf("expected error message to mention unknown tenant/source, got %q", buf[:n])
	}
	<-done
}

func TestBuildAndParseStartupPacketRoundTrip(t *testing.T) {
	params := []paramPair{{"user", "app"}, {"database", "acme"}}
	packet := buildStartupPacket(pgProtocolVersion3, params)

	msgLen := binary.BigEndian.Uint32(packet[:4])
	if int(msgLen) != len(packet) {
		t.Fatalf("length prefix %d does not match packet length %d", msgLen, len(packet))
	}

	parsed, err := parseStartupParams(packet[8:])
	if err != nil {
		t.Fatalf("parseStartupParams: %v", err)
	}
	if lookupParam(parsed, "user") != "app" || lookupParam(parsed, "database") != "acme" {
		t.Errorf("round trip mismatch: %+v", parsed)
	}
}

func TestSetParamPreservesPositionOnUpdate(t *testing.T) {
	params := []paramPair{{"user", "app"}, {"database", "old"}, {"application_name", "x"}}
	updated := setParam(params, "database", "new")

	if updated[1].key != "database" || updated[1].value != "new" {
		t.Errorf("expected database updated in place at index 1, got %+v", updated)
	}
	if len(updated) != len(params) {
		t.Errorf("expected no new entries appended, got %d want %d", len(updated), len(params))
	}
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("splitting %q: %v", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing port %q: %v", portStr, err)
	}
	return host, port
}
