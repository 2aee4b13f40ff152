package wire

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrInvalidRelayURL is returned for relay URLs that cannot be normalized
var ErrInvalidRelayURL = errors.New("invalid relay url")

// NormalizeRelayURL parses and reserializes a relay URL so that equivalent
// spellings collapse to one canonical form: lowercase scheme and host, no
// trailing dot on the host, no default port (80 for ws, 443 for wss) and no
// trailing slash on the path.
func NormalizeRelayURL(relayURL string) (string, error) {
	relayURL = strings.TrimSpace(relayURL)
	if relayURL == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidRelayURL)
	}

	// Quick reject for obviously bad URLs (no colon = no protocol)
	if !strings.Contains(relayURL, "://") {
		return "", fmt.Errorf("%w: %q has no scheme", ErrInvalidRelayURL, relayURL)
	}

	parsed, err := url.Parse(relayURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRelayURL, err)
	}

	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidRelayURL, parsed.Scheme)
	}

	host := strings.TrimSuffix(strings.ToLower(parsed.Hostname()), ".")
	if host == "" {
		return "", fmt.Errorf("%w: %q has no host", ErrInvalidRelayURL, relayURL)
	}

	port := parsed.Port()
	if (scheme == "ws" && port == "80") || (scheme == "wss" && port == "443") {
		port = ""
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteString("://")
	switch {
	case port != "":
		b.WriteString(net.JoinHostPort(host, port))
	case strings.Contains(host, ":"):
		b.WriteString("[" + host + "]")
	default:
		b.WriteString(host)
	}

	if path := strings.TrimRight(parsed.EscapedPath(), "/"); path != "" {
		b.WriteString(path)
	}
	if parsed.RawQuery != "" {
		b.WriteString("?")
		b.WriteString(parsed.RawQuery)
	}
	return b.String(), nil
}
