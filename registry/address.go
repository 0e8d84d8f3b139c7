package registry

import (
	"net"
	"net/url"
	"strings"
)

// ResolveAdvertiseAddress determines the address this process is
// reachable at from the registry's side of the network. It opens a UDP
// socket toward the registry host and reads the chosen local endpoint;
// no packet is sent. Falls back to loopback when the route cannot be
// determined.
func ResolveAdvertiseAddress(registryURL string) string {
	host := registryHost(registryURL)
	if host == "" {
		return "127.0.0.1"
	}

	conn, err := net.Dial("udp", net.JoinHostPort(host, "9"))
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	local, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || local.IP == nil {
		return "127.0.0.1"
	}
	return local.IP.String()
}

// registryHost extracts the host from a registry connection string,
// accepting both URLs (redis://host:port) and bare host:port pairs.
func registryHost(raw string) string {
	if raw == "" {
		return ""
	}
	if strings.Contains(raw, "://") {
		if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
			return u.Hostname()
		}
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		return host
	}
	return raw
}
