package mapping

import (
	"errors"
	"net/url"
	"regexp"
	"strings"
)

// Mapping associates an extra (non-canonical) domain with a site. At most one
// mapping may own a given literal domain string; the table enforces this with
// a unique constraint.
type Mapping struct {
	ID     int64  `json:"id"`
	SiteID int64  `json:"site_id"`
	Domain string `json:"domain"`
	Active bool   `json:"active"`
}

var (
	ErrNotFound      = errors.New("mapping not found")
	ErrInvalidID     = errors.New("invalid id")
	ErrInvalidDomain = errors.New("invalid domain")
	ErrDomainExists  = errors.New("domain already mapped")
	ErrInsertFailed  = errors.New("mapping insert failed")
	ErrUpdateFailed  = errors.New("mapping update failed")
	ErrDeleteFailed  = errors.New("mapping delete failed")
)

var domainRe = regexp.MustCompile(`^[a-zA-Z0-9.-]+$`)

// NormalizeDomain accepts a bare host or a full URL and returns the validated
// lower-cased host. Ports and paths are stripped.
func NormalizeDomain(raw string) (string, error) {
	d := strings.TrimSpace(raw)
	if strings.Contains(d, "://") {
		u, err := url.Parse(d)
		if err != nil || u.Hostname() == "" {
			return "", ErrInvalidDomain
		}
		d = u.Hostname()
	}
	if i := strings.IndexByte(d, ':'); i >= 0 {
		d = d[:i]
	}
	d = strings.ToLower(strings.Trim(d, "."))
	d = trimLabels(d)
	if d == "" || len(d) > 255 || !domainRe.MatchString(d) {
		return "", ErrInvalidDomain
	}
	return d, nil
}

// trimLabels caps each dot-delimited label at the DNS limit of 63 octets.
func trimLabels(d string) string {
	labels := strings.Split(d, ".")
	for i, l := range labels {
		if len(l) > 63 {
			labels[i] = l[:63]
		}
	}
	return strings.Join(labels, ".")
}
