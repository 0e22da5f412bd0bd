package tools

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrBlockedEndpoint is returned for tool-server endpoints that point at
// loopback, private or link-local addresses, or use a disallowed scheme.
var ErrBlockedEndpoint = errors.New("tool server endpoint blocked")

var allowedSchemes = map[string]bool{"http": true, "https": true, "ws": true, "wss": true}

// ValidateEndpoint rejects endpoints that could reach internal networks.
// Hostnames are not resolved; only literal addresses and localhost names are
// checked.
func ValidateEndpoint(endpoint string) error {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil {
		return fmt.Errorf("%w: invalid URL: %v", ErrBlockedEndpoint, err)
	}
	if !allowedSchemes[strings.ToLower(u.Scheme)] {
		return fmt.Errorf("%w: scheme %q must be http, https, ws or wss", ErrBlockedEndpoint, u.Scheme)
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrBlockedEndpoint)
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return fmt.Errorf("%w: %s is a loopback host", ErrBlockedEndpoint, host)
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return nil
	}
	switch {
	case ip.IsLoopback(), ip.IsUnspecified():
		return fmt.Errorf("%w: %s is a loopback address", ErrBlockedEndpoint, host)
	case ip.IsPrivate():
		return fmt.Errorf("%w: %s is a private address", ErrBlockedEndpoint, host)
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return fmt.Errorf("%w: %s is a link-local address", ErrBlockedEndpoint, host)
	}
	return nil
}
