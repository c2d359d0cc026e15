// Package verify checks that a customer's DNS actually points a custom
// domain at this platform before the alias goes live.
package verify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

type RecordType string

const (
	CNAME RecordType = "CNAME"
	A     RecordType = "A"
)

// Marker is the body the platform answers probe requests with.
const Marker = "domainmap"

// CheckParam flags a request as a verification probe.
const CheckParam = "domainmap_check"

var (
	ErrNoRecord    = errors.New("verify: domain has no matching DNS record")
	ErrWrongRecord = errors.New("verify: DNS record points elsewhere")
	ErrUnreachable = errors.New("verify: domain is not responding")
	ErrNotLinked   = errors.New("verify: domain does not serve this platform")
)

type Checker struct {
	resolver *net.Resolver
	http     *resty.Client
}

func NewChecker() *Checker {
	return &Checker{
		resolver: net.DefaultResolver,
		http: resty.New().
			SetTimeout(10 * time.Second).
			SetRedirectPolicy(resty.NoRedirectPolicy()),
	}
}

// Verify checks host's CNAME or A record against the allowed targets, then
// probes the domain over HTTP to confirm it reaches this install.
func (c *Checker) Verify(ctx context.Context, host string, targets []string, typ RecordType) error {
	if typ != A {
		typ = CNAME
	}

	var records []string
	switch typ {
	case CNAME:
		cname, err := c.resolver.LookupCNAME(ctx, host)
		if err != nil || cname == "" {
			return fmt.Errorf("%w (%s)", ErrNoRecord, typ)
		}
		records = []string{strings.TrimSuffix(cname, ".")}
	case A:
		addrs, err := c.resolver.LookupHost(ctx, host)
		if err != nil || len(addrs) == 0 {
			return fmt.Errorf("%w (%s)", ErrNoRecord, typ)
		}
		records = addrs
	}

	matched := false
	for _, rec := range records {
		for _, allowed := range targets {
			if strings.Contains(rec, allowed) {
				matched = true
			}
		}
	}
	if !matched {
		return fmt.Errorf("%w: %s is %s, expected one of %s",
			ErrWrongRecord, typ, strings.Join(records, ", "), strings.Join(targets, ", "))
	}

	resp, err := c.http.R().SetContext(ctx).Get("http://" + host + "/?" + CheckParam + "=1")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%w: responded with %d", ErrUnreachable, resp.StatusCode())
	}
	if strings.TrimSpace(string(resp.Body())) != Marker {
		return ErrNotLinked
	}
	return nil
}

// Middleware answers verification probes with the install marker on any
// path, so a freshly pointed domain can be confirmed before it is mapped.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get(CheckParam) != "" {
			w.Header().Set("Content-Type", "text/plain")
			fmt.Fprint(w, Marker)
			return
		}
		next.ServeHTTP(w, r)
	})
}
