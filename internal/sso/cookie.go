package sso

import (
	"strings"

	"github.com/plexhost/domainmap/internal/platform"
)

// CookieDomain derives the shared cookie domain for a network: the explicit
// override when set, otherwise the network's own domain with any www prefix
// dropped. Always returned with a leading dot.
func CookieDomain(n platform.Network) string {
	if n.CookieDomain != "" {
		return "." + strings.TrimPrefix(n.CookieDomain, ".")
	}
	d := "." + n.Domain
	if strings.HasPrefix(d, ".www.") {
		d = d[4:]
	}
	return d
}

// IsMainDomain reports whether host sits on the network's canonical cookie
// domain — either the base domain itself or any host under it. Hosts outside
// that suffix are mapped domains and need the SSO handshake.
func IsMainDomain(host string, n platform.Network) bool {
	cookieDomain := CookieDomain(n)

	if len(cookieDomain) > len(host) {
		// The base domain itself (cookie domain minus the leading dot)
		// still counts as main.
		return cookieDomain[1:] == host
	}
	return strings.HasSuffix(host, cookieDomain)
}

// MappedCookieDomain scopes the session cookie set on a mapped domain,
// stripping a www prefix so www and bare forms share the session.
func MappedCookieDomain(mappedDomain string) string {
	return strings.TrimPrefix(mappedDomain, "www.")
}
