package ws

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// IsOriginAllowed validates r.Header["Origin"] against an allow-list.
//
// The relay's websocket upgrade endpoint (NODECRYPT_RELAY_WS_PATH) is
// meant to be reachable from browser-hosted NodeCrypt web clients as
// well as the reference nodecrypt-client CLI, which never sends an
// Origin header at all — hence allowNoOrigin as a separate knob from
// the allow-list rather than folding "no origin" into just another
// list entry.
//
// Allowed entries support:
//   - Full Origin values with scheme, e.g. "https://example.com" or "http://127.0.0.1:5173"
//   - Hostnames, e.g. "example.com"
//   - Wildcard hostnames, e.g. "*.example.com" (matches subdomains only, not example.com itself)
//   - Exact non-standard Origin values, e.g. "null"
//
// If the request has no Origin header, allowNoOrigin controls acceptance.
func IsOriginAllowed(r *http.Request, allowed []string, allowNoOrigin bool) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return allowNoOrigin
	}
	parsed, err := url.Parse(origin)
	host := ""
	hostname := ""
	if err == nil {
		// Host names compare case-insensitively.
		host = strings.ToLower(parsed.Host)
		hostname = strings.ToLower(parsed.Hostname())
	}
	for _, entry := range allowed {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		// If entry contains a scheme, treat it as a full Origin value match.
		if strings.Contains(entry, "://") {
			if origin == entry {
				return true
			}
			continue
		}
		lowerEntry := strings.ToLower(entry)
		// Support wildcard hostname entries like "*.example.com", which match
		// any subdomain (e.g. "a.example.com") but not "example.com" itself.
		if strings.HasPrefix(lowerEntry, "*.") {
			base := strings.TrimPrefix(lowerEntry, "*.")
			if hostname != "" && base != "" {
				if strings.HasSuffix(hostname, "."+base) {
					return true
				}
			}
			continue
		}
		// If the entry looks like host:port, compare it against the parsed Host.
		// This keeps the "example.com" form as hostname-only, while enabling an explicit port allow-list.
		if host != "" {
			if _, _, err := net.SplitHostPort(lowerEntry); err == nil {
				if host == lowerEntry {
					return true
				}
				continue
			}
		}
		// Otherwise, treat it as a hostname allow-list entry (e.g. "example.com").
		if hostname != "" && hostname == lowerEntry {
			return true
		}
		// Also allow exact string matches for non-standard Origin values (e.g. "null").
		if origin == entry {
			return true
		}
	}
	return false
}

// NewOriginChecker returns a websocket upgrader CheckOrigin function,
// plugged into UpgraderOptions.CheckOrigin by nodecrypt-relay's
// --allow-origin/--allow-no-origin flags (NODECRYPT_RELAY_ALLOW_ORIGIN,
// NODECRYPT_RELAY_ALLOW_NO_ORIGIN). Rejecting here happens before any
// envelope is read, so a disallowed origin never reaches ClientSession
// and costs the relay nothing beyond the HTTP upgrade attempt.
func NewOriginChecker(allowed []string, allowNoOrigin bool) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		return IsOriginAllowed(r, allowed, allowNoOrigin)
	}
}
