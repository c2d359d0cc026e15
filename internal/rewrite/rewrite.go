// Package rewrite biases generated absolute URLs toward the mapped domain of
// the current request. State is carried in an explicit RequestContext rather
// than any ambient global.
package rewrite

import (
	"context"
	"net/url"
	"strings"

	"github.com/plexhost/domainmap/internal/mapping"
	"github.com/plexhost/domainmap/internal/netmapping"
	"github.com/plexhost/domainmap/internal/platform"
)

// RequestContext is the per-request resolution outcome. Zero values mean "no
// mapping applies to this request".
type RequestContext struct {
	Site    platform.Site
	Network platform.Network

	SiteMapping    *mapping.Mapping
	NetworkMapping *netmapping.NetworkMapping
}

type ctxKey struct{}

func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

func FromContext(ctx context.Context) *RequestContext {
	if rc, ok := ctx.Value(ctxKey{}).(*RequestContext); ok {
		return rc
	}
	return nil
}

// SiteURL rewrites an absolute URL generated for a site's canonical domain so
// it points at the request's mapped domain instead. No-op when no active
// mapping applies, when the URL was generated for a different site, or when
// the URL host is not the site's canonical host.
func SiteURL(rc *RequestContext, siteID int64, rawURL string) string {
	if rc == nil || rc.SiteMapping == nil || !rc.SiteMapping.Active {
		return rawURL
	}
	if siteID != rc.Site.ID {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	if !strings.EqualFold(u.Host, rc.Site.Domain) {
		return rawURL
	}
	u.Host = rc.SiteMapping.Domain
	return u.String()
}

// NetworkURL rewrites an absolute URL generated under the network's canonical
// domain suffix so it carries the mapped network domain instead. The
// substituted segment loses any www prefix.
func NetworkURL(rc *RequestContext, networkID int64, rawURL string) string {
	if rc == nil || rc.NetworkMapping == nil || !rc.NetworkMapping.Active {
		return rawURL
	}
	if networkID != rc.Network.ID {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	host := strings.ToLower(u.Host)
	suffix := strings.ToLower(rc.Network.Domain)
	if host != suffix && !strings.HasSuffix(host, "."+suffix) {
		return rawURL
	}
	mapped := strings.TrimPrefix(rc.NetworkMapping.Domain, "www.")
	u.Host = host[:len(host)-len(suffix)] + mapped
	return u.String()
}
