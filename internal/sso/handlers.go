// Package sso implements the cross-domain single-sign-on handshake: a page
// on a mapped domain loads a bootstrap script from the canonical domain,
// which (for authenticated viewers) bounces the browser through a one-time
// login token back to the mapped domain. No session cookie ever crosses an
// origin boundary.
//
// Protocol failures answer with a bare status code and empty body on
// purpose: nothing observable should distinguish "bad nonce" from "no such
// token" for an unauthenticated caller.
package sso

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/plexhost/domainmap/internal/platform"
	"github.com/plexhost/domainmap/internal/resolver"
	"github.com/plexhost/domainmap/internal/rewrite"
)

const (
	// TestCookie is the cookie the head snippet round-trips before starting
	// the handshake, so cookie-less browsers are left alone.
	TestCookie = "platform_test_cookie"

	actionSSO   = "domainmap-sso"
	actionLogin = "domainmap-sso-login"

	// BootstrapPath and LoginPath are the served endpoints.
	BootstrapPath = "/sso-bootstrap"
	LoginPath     = "/sso-login"
)

var hostSanitizeRe = regexp.MustCompile(`[^a-z0-9.-]+`)

type Service struct {
	noncer   *Noncer
	tokens   *TokenStore
	platform *platform.Platform
	sessions *platform.Sessions
	tokenTTL time.Duration
	now      func() time.Time
	log      zerolog.Logger
}

func NewService(noncer *Noncer, tokens *TokenStore, p *platform.Platform, sessions *platform.Sessions, tokenTTL time.Duration, log zerolog.Logger) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 5 * time.Minute
	}
	return &Service{
		noncer:   noncer,
		tokens:   tokens,
		platform: p,
		sessions: sessions,
		tokenTTL: tokenTTL,
		now:      time.Now,
		log:      log,
	}
}

func jsAction(site int64, host, back string) string {
	return fmt.Sprintf("%s|%d|%s|%s", actionSSO, site, host, back)
}

func loginAction(key string) string {
	return actionLogin + "|" + key
}

func sanitizeHost(h string) string {
	return hostSanitizeRe.ReplaceAllString(strings.ToLower(h), "")
}

func schemeFor(r *http.Request) string {
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		return "https"
	}
	return "http"
}

// mainHost is the canonical host all SSO action URLs point at: the main
// site of the main network. When no site sits at the network's own domain
// and path yet, the network domain stands in.
func (s *Service) mainHost(r *http.Request) (string, error) {
	n, err := s.platform.MainNetwork(r.Context())
	if err != nil {
		return "", err
	}
	site, err := s.platform.MainSite(r.Context(), n)
	if err != nil {
		if errors.Is(err, platform.ErrNotFound) {
			return n.Domain, nil
		}
		return "", err
	}
	return site.Domain, nil
}

func (s *Service) isMainDomain(r *http.Request) (bool, error) {
	n, err := s.platform.MainNetwork(r.Context())
	if err != nil {
		return false, err
	}
	return IsMainDomain(resolver.NormalizeHost(r.Host), n), nil
}

// HeadScript builds the snippet injected into every page render on a
// non-canonical domain. Empty when the viewer is already authenticated here
// or the request is on the canonical domain — nothing to bridge.
func (s *Service) HeadScript(r *http.Request) string {
	if _, ok := s.sessions.UserFromRequest(r); ok {
		return ""
	}
	main, err := s.isMainDomain(r)
	if err != nil {
		s.log.Error().Err(err).Msg("sso head script skipped")
		return ""
	}
	if main {
		return ""
	}
	rc := rewrite.FromContext(r.Context())
	if rc == nil || rc.Site.ID == 0 {
		return ""
	}

	host := resolver.NormalizeHost(r.Host)
	back := schemeFor(r) + "://" + host + r.URL.RequestURI()

	mainHost, err := s.mainHost(r)
	if err != nil {
		s.log.Error().Err(err).Msg("sso head script skipped")
		return ""
	}

	q := url.Values{}
	q.Set("host", host)
	q.Set("back", back)
	q.Set("site", strconv.FormatInt(rc.Site.ID, 10))
	q.Set("nonce", s.noncer.Create(jsAction(rc.Site.ID, host, back)))
	src := schemeFor(r) + "://" + mainHost + BootstrapPath + "?" + q.Encode()

	return fmt.Sprintf(`<script src="%s"></script>
<script type="text/javascript">
if ('function' === typeof DomainmapSSO) {
	document.cookie = "%s=cookie check; path=/";
	if (document.cookie.match(/(;|^)\s*%s\=/)) {
		DomainmapSSO();
	}
}
</script>`, src, TestCookie, TestCookie)
}

// Bootstrap serves the script the head snippet loads from the canonical
// domain. Anonymous viewers at this origin get an empty body: they have no
// session to extend, and the silence leaks nothing.
func (s *Service) Bootstrap(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/javascript")

	if _, ok := s.sessions.UserFromRequest(r); !ok {
		return
	}

	host := sanitizeHost(r.URL.Query().Get("host"))
	back := r.URL.Query().Get("back")
	site, _ := strconv.ParseInt(r.URL.Query().Get("site"), 10, 64)

	action := jsAction(site, host, back)
	if !s.noncer.Verify(r.URL.Query().Get("nonce"), action) {
		return
	}

	q := url.Values{}
	q.Set("host", host)
	q.Set("back", back)
	q.Set("site", strconv.FormatInt(site, 10))
	// Recreate the nonce in case we sit on a tick boundary.
	q.Set("nonce", s.noncer.Create(action))
	loginURL := schemeFor(r) + "://" + resolver.NormalizeHost(r.Host) + LoginPath + "?" + q.Encode()

	fmt.Fprintf(w, `window.DomainmapSSO = function() {
	if (typeof document.location.host != 'undefined' && document.location.host != '%s') {
		return;
	}

	document.write('<body>');
	document.body.style.display='none';
	window.location = '%s&fragment='+encodeURIComponent(document.location.hash);
};
`, host, loginURL)
}

// Login dispatches on which side of the handshake this host is: the
// canonical domain answers the request leg, mapped domains the response leg.
// Misrouting a leg would leak a token exchange to the wrong origin, so an
// undecidable side is a hard error, not a guess.
func (s *Service) Login(w http.ResponseWriter, r *http.Request) {
	main, err := s.isMainDomain(r)
	if err != nil {
		s.log.Error().Err(err).Msg("main network lookup failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if main {
		s.loginRequest(w, r)
		return
	}
	s.loginResponse(w, r)
}

// loginRequest runs on the canonical domain: the mapped host sent the viewer
// here. Verify the nonce, require an authenticated session, mint a one-time
// token and bounce the browser back.
func (s *Service) loginRequest(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	host := sanitizeHost(q.Get("host"))
	back := q.Get("back")
	fragment := q.Get("fragment")
	site, _ := strconv.ParseInt(q.Get("site"), 10, 64)

	if !s.noncer.Verify(q.Get("nonce"), jsAction(site, host, back)) {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	user, ok := s.sessions.UserFromRequest(r)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	// Fold the fragment into back so the token carries one URL.
	if fragment != "" {
		if !strings.HasPrefix(fragment, "#") {
			back += "#"
		}
		back += fragment
	}

	key, err := s.tokens.Mint(r.Context(), user, site, back)
	if err != nil {
		s.log.Error().Err(err).Int64("user", user).Msg("sso token mint failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	rq := url.Values{}
	rq.Set("key", key)
	rq.Set("nonce", s.noncer.Create(loginAction(key)))
	http.Redirect(w, r, schemeFor(r)+"://"+host+LoginPath+"?"+rq.Encode(), http.StatusFound)
}

// loginResponse runs back on the mapped domain with the one-time token key.
// The token is burned before expiry and binding checks so a replayed key can
// never win twice.
func (s *Service) loginResponse(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	key := q.Get("key")

	if !s.noncer.Verify(q.Get("nonce"), loginAction(key)) {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	tok, err := s.tokens.Consume(r.Context(), key)
	if err != nil {
		if errors.Is(err, ErrTokenNotFound) || errors.Is(err, ErrTokenConsumed) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		s.log.Error().Err(err).Msg("sso token consume failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	if s.now().Unix() >= tok.Time+int64(s.tokenTTL/time.Second) {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	rc := rewrite.FromContext(r.Context())
	if rc == nil || rc.Site.ID == 0 || tok.Site != rc.Site.ID {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	back := tok.Back
	if back == "" {
		// Land on the site's front page, rewritten onto the mapped domain.
		back = rewrite.SiteURL(rc, rc.Site.ID, s.platform.HomeURL(rc.Site, schemeFor(r)))
	}

	if user, ok := s.sessions.UserFromRequest(r); ok && user == tok.User {
		// Already them; nothing to establish.
		http.Redirect(w, r, back, http.StatusFound)
		return
	}

	cookieDomain := MappedCookieDomain(resolver.NormalizeHost(r.Host))
	if err := s.sessions.SetAuthCookie(w, tok.User, cookieDomain); err != nil {
		s.log.Error().Err(err).Int64("user", tok.User).Msg("sso session establish failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, back, http.StatusFound)
}
