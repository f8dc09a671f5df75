package upload

import (
	"context"
	"net"
	"net/url"
	"time"
)

// DialCheck reports the network as online when a TCP connection to the
// backend host can be opened within timeout.
func DialCheck(baseURL string, timeout time.Duration) Connectivity {
	address := dialAddress(baseURL)
	return ConnectivityFunc(func(ctx context.Context) bool {
		if address == "" {
			return true
		}
		dialer := net.Dialer{Timeout: timeout}
		conn, err := dialer.DialContext(ctx, "tcp", address)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	})
}

func dialAddress(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	port := u.Port()
	if port == "" {
		port = "443"
		if u.Scheme == "http" {
			port = "80"
		}
	}
	return net.JoinHostPort(u.Hostname(), port)
}
