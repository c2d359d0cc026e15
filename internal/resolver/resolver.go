package resolver

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	"github.com/plexhost/domainmap/internal/mapping"
	"github.com/plexhost/domainmap/internal/netmapping"
	"github.com/plexhost/domainmap/internal/platform"
)

// Policy controls candidate generation. Injected rather than hook-dispatched
// so deployments can tune depth without patching the resolver.
type Policy struct {
	// Segments is how many dot-delimited suffixes of the host to try in
	// multinetwork mode. 2 means "a.b.c" is checked as "a.b.c" and "b.c".
	Segments int
	// ExpandWWW adds the www/no-www twin of each candidate.
	ExpandWWW bool
}

func DefaultPolicy() Policy { return Policy{Segments: 2, ExpandWWW: true} }

// WWWVariants returns the host as given, then its www/no-www complement.
func WWWVariants(host string) []string {
	if strings.HasPrefix(host, "www.") {
		return []string{host, strings.TrimPrefix(host, "www.")}
	}
	return []string{host, "www." + host}
}

// SuffixCandidates progressively strips leading labels from host up to the
// policy's segment depth, optionally expanding each with its www twin.
// Generation order is cosmetic; matching prefers the longest domain anyway.
func SuffixCandidates(host string, p Policy) []string {
	segments := p.Segments
	if segments < 1 {
		segments = 1
	}
	parts := strings.SplitN(strings.Trim(host, "."), ".", segments)

	var domains []string
	for len(parts) > 1 {
		domains = append(domains, strings.Join(parts, "."))
		parts = parts[1:]
	}
	domains = append(domains, parts[0])

	if !p.ExpandWWW {
		return domains
	}
	out := make([]string, 0, len(domains)*2)
	seen := make(map[string]bool, len(domains)*2)
	for _, d := range domains {
		for _, v := range WWWVariants(d) {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}

// NormalizeHost lower-cases a Host header and strips any port.
func NormalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if i := strings.LastIndexByte(host, ':'); i >= 0 && !strings.Contains(host[i:], ".") {
		host = host[:i]
	}
	return strings.Trim(host, ".")
}

// Resolver turns inbound Host headers into tenant decisions. It only ever
// offers an opinion: any miss or inactive mapping defers to the platform's
// default site resolution.
type Resolver struct {
	mappings     mapping.Store
	netmappings  *netmapping.SQLStore
	platform     *platform.Platform
	policy       Policy
	multinetwork bool
	log          zerolog.Logger
}

func New(m mapping.Store, nm *netmapping.SQLStore, p *platform.Platform, policy Policy, multinetwork bool, log zerolog.Logger) *Resolver {
	return &Resolver{
		mappings:     m,
		netmappings:  nm,
		platform:     p,
		policy:       policy,
		multinetwork: multinetwork,
		log:          log,
	}
}

// ResolveSite maps a request host to a site via a site-level mapping.
// ok is false when resolution has no opinion.
func (r *Resolver) ResolveSite(ctx context.Context, host string) (platform.Site, mapping.Mapping, bool, error) {
	host = NormalizeHost(host)
	if host == "" {
		return platform.Site{}, mapping.Mapping{}, false, nil
	}

	m, err := r.mappings.GetByDomain(ctx, WWWVariants(host))
	if err != nil {
		if errors.Is(err, mapping.ErrNotFound) {
			return platform.Site{}, mapping.Mapping{}, false, nil
		}
		return platform.Site{}, mapping.Mapping{}, false, err
	}
	if !m.Active {
		return platform.Site{}, mapping.Mapping{}, false, nil
	}

	site, err := r.platform.SiteByID(ctx, m.SiteID)
	if err != nil {
		if errors.Is(err, platform.ErrNotFound) {
			// Mapping points at a deleted site; defer.
			return platform.Site{}, mapping.Mapping{}, false, nil
		}
		return platform.Site{}, mapping.Mapping{}, false, err
	}
	return site, m, true, nil
}

// ResolveNetworkSite maps a request host to a site through a network-level
// mapping: find the active network mapping with the longest matching suffix,
// swap that suffix for the network's canonical domain, and resolve the site
// at the reconstructed canonical host.
func (r *Resolver) ResolveNetworkSite(ctx context.Context, host, path string) (platform.Site, netmapping.NetworkMapping, bool, error) {
	host = NormalizeHost(host)
	if host == "" {
		return platform.Site{}, netmapping.NetworkMapping{}, false, nil
	}

	m, err := r.netmappings.GetActiveByDomain(ctx, SuffixCandidates(host, r.policy))
	if err != nil {
		if errors.Is(err, mapping.ErrNotFound) {
			return platform.Site{}, netmapping.NetworkMapping{}, false, nil
		}
		return platform.Site{}, netmapping.NetworkMapping{}, false, err
	}

	network, err := r.platform.NetworkByID(ctx, m.NetworkID)
	if err != nil {
		if errors.Is(err, platform.ErrNotFound) {
			return platform.Site{}, netmapping.NetworkMapping{}, false, nil
		}
		return platform.Site{}, netmapping.NetworkMapping{}, false, err
	}

	// Replace the mapped suffix with the network's canonical domain to get
	// the real lookup key. The match may be a www-expanded candidate rather
	// than a literal suffix of the host, so strip whichever form is present.
	suffix := m.Domain
	if !strings.HasSuffix(host, suffix) {
		suffix = strings.TrimPrefix(suffix, "www.")
		if !strings.HasSuffix(host, suffix) {
			return platform.Site{}, netmapping.NetworkMapping{}, false, nil
		}
	}
	subdomain := host[:len(host)-len(suffix)]
	site, err := r.platform.SiteByHostPath(ctx, subdomain+network.Domain, path)
	if err != nil {
		if errors.Is(err, platform.ErrNotFound) {
			return platform.Site{}, netmapping.NetworkMapping{}, false, nil
		}
		return platform.Site{}, netmapping.NetworkMapping{}, false, err
	}
	return site, m, true, nil
}

// ResolveNetwork maps a request host directly to a network (www toggle only,
// no suffix walk).
func (r *Resolver) ResolveNetwork(ctx context.Context, host string) (platform.Network, netmapping.NetworkMapping, bool, error) {
	host = NormalizeHost(host)
	if host == "" {
		return platform.Network{}, netmapping.NetworkMapping{}, false, nil
	}

	m, err := r.netmappings.GetByDomain(ctx, WWWVariants(host))
	if err != nil {
		if errors.Is(err, mapping.ErrNotFound) {
			return platform.Network{}, netmapping.NetworkMapping{}, false, nil
		}
		return platform.Network{}, netmapping.NetworkMapping{}, false, err
	}
	if !m.Active {
		return platform.Network{}, netmapping.NetworkMapping{}, false, nil
	}

	network, err := r.platform.NetworkByID(ctx, m.NetworkID)
	if err != nil {
		if errors.Is(err, platform.ErrNotFound) {
			return platform.Network{}, netmapping.NetworkMapping{}, false, nil
		}
		return platform.Network{}, netmapping.NetworkMapping{}, false, err
	}
	return network, m, true, nil
}
