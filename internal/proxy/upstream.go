package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
)

// dialUpstreamProxy opens a tunnel through a chained proxy with an
// explicit CONNECT, then TLS-wraps for HTTPS targets. The header
// terminator is read byte-by-byte so no tunneled bytes are consumed.
func dialUpstreamProxy(ctx context.Context, proxyAddr, targetHostPort string, useTLS bool) (net.Conn, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("dial upstream proxy: %w", err)
	}

	connect := fmt.Sprintf(
		"CONNECT %s HTTP/1.1\r\nHost: %s\r\nProxy-Connection: Keep-Alive\r\n\r\n",
		targetHostPort, targetHostPort)
	if _, err := conn.Write([]byte(connect)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write connect: %w", err)
	}

	header, err := readHeaderBlock(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read connect response: %w", err)
	}
	statusLine, _, _ := strings.Cut(header, "\r\n")
	if !strings.Contains(statusLine, " 200 ") && !strings.HasSuffix(statusLine, " 200") {
		conn.Close()
		return nil, fmt.Errorf("upstream proxy refused connect: %s", statusLine)
	}

	if !useTLS {
		return conn, nil
	}

	host, _, err := net.SplitHostPort(targetHostPort)
	if err != nil {
		host = targetHostPort
	}
	tlsConn := tls.Client(conn, &tls.Config{
		ServerName:         host,
		InsecureSkipVerify: true,
		NextProtos:         []string{"http/1.1"},
	})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("upstream tls handshake: %w", err)
	}
	return tlsConn, nil
}

// readHeaderBlock consumes bytes one at a time until the blank line that
// ends the header block.
func readHeaderBlock(conn net.Conn) (string, error) {
	var header []byte
	buf := make([]byte, 1)
	for {
		if _, err := conn.Read(buf); err != nil {
			return "", err
		}
		header = append(header, buf[0])
		if len(header) >= 4 && string(header[len(header)-4:]) == "\r\n\r\n" {
			return string(header), nil
		}
		if len(header) > 32*1024 {
			return "", fmt.Errorf("connect response header too large")
		}
	}
}
