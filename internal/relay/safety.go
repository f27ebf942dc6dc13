package relay

import (
	"net"
	"net/url"
	"strings"
)

// IsURLSafe validates that a relay URL is safe to connect to.
// Allows localhost for development but blocks other private IP ranges.
func IsURLSafe(relayURL string) bool {
	parsed, err := url.Parse(relayURL)
	if err != nil {
		return false
	}

	// Only allow ws:// and wss:// schemes
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return false
	}

	host := parsed.Hostname()
	if host == "" {
		return false
	}

	if isLoopbackHost(host) {
		return true
	}
	if isInternalHost(host) {
		return false
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// Unresolvable here may still be a valid external host
		return !strings.HasSuffix(host, ".")
	}

	for _, ip := range ips {
		if !isIPSafe(ip) {
			return false
		}
	}
	return true
}

// isIPSafe allows loopback but blocks other private ranges
func isIPSafe(ip net.IP) bool {
	if ip == nil {
		return false
	}
	if ip.IsLoopback() {
		return true
	}
	if ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() {
		return false
	}
	if ip.IsUnspecified() || ip.IsMulticast() {
		return false
	}
	return true
}

// NormalizeURL validates and normalizes a relay URL from config or NIP-65 events.
// Returns empty string if URL is invalid/malformed.
func NormalizeURL(relayURL string) string {
	relayURL = strings.TrimSpace(relayURL)
	if relayURL == "" || !strings.Contains(relayURL, "://") {
		return ""
	}
	// Garbage text pasted as URL, or double protocols (wss://https://...)
	if strings.Contains(relayURL, "%20") || strings.Contains(relayURL, "+") || strings.Count(relayURL, "://") > 1 {
		return ""
	}

	parsed, err := url.Parse(relayURL)
	if err != nil {
		return ""
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "ws" && scheme != "wss" {
		return ""
	}

	host := strings.ToLower(parsed.Hostname())
	if len(host) < 3 || strings.Contains(host, " ") {
		return ""
	}
	if !strings.Contains(host, ".") && host != "localhost" {
		return ""
	}
	if isInternalHost(host) {
		return ""
	}

	// Normalize: strip trailing slash, lowercase
	result := scheme + "://" + host
	if parsed.Port() != "" {
		result += ":" + parsed.Port()
	}
	if parsed.Path != "" && parsed.Path != "/" {
		result += parsed.Path
	}
	return result
}

// NormalizeURLs normalizes a list, dropping invalid entries and duplicates
func NormalizeURLs(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		n := NormalizeURL(u)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

func isInternalHost(host string) bool {
	host = strings.ToLower(host)
	return strings.HasSuffix(host, ".local") ||
		strings.HasSuffix(host, ".internal") ||
		strings.HasSuffix(host, ".onion") ||
		strings.HasSuffix(host, ".localhost")
}

func isLoopbackHost(host string) bool {
	host = strings.ToLower(host)
	return host == "localhost" || host == "::1" || strings.HasPrefix(host, "127.")
}
