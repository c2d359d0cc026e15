package resolver

import (
	"net/http"

	"github.com/plexhost/domainmap/internal/rewrite"
)

// Middleware resolves the request host before the rest of the stack runs and
// stashes the outcome as the request's rewrite.RequestContext. Resolution
// failures are logged, never fatal: the platform's default tenant selection
// still applies downstream.
func (r *Resolver) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		rc := &rewrite.RequestContext{}
		ctx := req.Context()

		site, m, ok, err := r.ResolveSite(ctx, req.Host)
		if err != nil {
			r.log.Error().Err(err).Str("host", req.Host).Msg("site resolution failed")
		} else if ok {
			rc.Site = site
			rc.SiteMapping = &m
		}

		if r.multinetwork && rc.SiteMapping == nil {
			site, nm, ok, err := r.ResolveNetworkSite(ctx, req.Host, req.URL.Path)
			if err != nil {
				r.log.Error().Err(err).Str("host", req.Host).Msg("network resolution failed")
			} else if ok {
				rc.Site = site
				rc.NetworkMapping = &nm
				if network, nerr := r.platform.NetworkByID(ctx, nm.NetworkID); nerr == nil {
					rc.Network = network
				}
			}
		}

		next.ServeHTTP(w, req.WithContext(rewrite.WithRequestContext(ctx, rc)))
	})
}
