package net

import (
	"context"
	"fmt"
	"net"
	"time"
)

// GetEphemeralTCPPort returns a loopback TCP port that was free when checked.
func GetEphemeralTCPPort() (int, error) {
	addr, err := net.ResolveTCPAddr("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("resolving 127.0.0.1:0: %w", err)
	}
	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("listening to acquire port: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}

// WaitForTCP dials addr until a connection succeeds or ctx is done.
// The returned connection is open and owned by the caller.
func WaitForTCP(ctx context.Context, addr string, interval time.Duration) (net.Conn, error) {
	var dialer net.Dialer
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for %s: %w (last error: %s)", addr, ctx.Err(), err)
		case <-ticker.C:
		}
	}
}
