package sso

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/plexhost/domainmap/internal/cache"
	"github.com/plexhost/domainmap/internal/db"
	"github.com/plexhost/domainmap/internal/mapping"
	"github.com/plexhost/domainmap/internal/netmapping"
	"github.com/plexhost/domainmap/internal/platform"
	"github.com/plexhost/domainmap/internal/resolver"
)

const (
	mainHost   = "platform.test"
	mappedHost = "tenant.example.com"
)

type ssoEnv struct {
	svc      *Service
	sessions *platform.Sessions
	router   http.Handler
	mw       func(http.Handler) http.Handler
	db       *sql.DB
}

var handlerDBSeq int

func newSSOEnv(t *testing.T) (*ssoEnv, context.Context) {
	t.Helper()
	ctx := context.Background()
	handlerDBSeq++
	dsn := fmt.Sprintf("file:sso_handlers_test_%d?mode=memory&cache=shared", handlerDBSeq)
	dbh, err := db.Open(ctx, db.DriverSQLite, dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	dbh.SetMaxOpenConns(1)
	t.Cleanup(func() { dbh.Close() })

	fixtures := []string{
		`INSERT INTO networks (domain, path) VALUES ('platform.test', '/')`,
		`INSERT INTO sites (network_id, domain, path, title) VALUES
			(1, 'platform.test', '/', 'Main'),
			(1, 't.platform.test', '/', 'Tenant')`,
		`INSERT INTO users (username) VALUES ('alice'), ('bob')`,
	}
	for _, q := range fixtures {
		if _, err := dbh.Exec(q); err != nil {
			t.Fatalf("fixture: %v", err)
		}
	}

	p := platform.New(dbh)
	sessions := platform.NewSessions("session-secret")
	ms := mapping.NewSQLStore(dbh, db.DriverSQLite, cache.NewMemory(), nil, zerolog.Nop())
	if _, err := ms.Create(ctx, 2, mappedHost, true); err != nil {
		t.Fatalf("create mapping: %v", err)
	}
	ns := netmapping.NewSQLStore(dbh, db.DriverSQLite, cache.NewMemory(), nil, zerolog.Nop())
	res := resolver.New(ms, ns, p, resolver.DefaultPolicy(), false, zerolog.Nop())

	svc := NewService(
		NewNoncer("nonce-secret", 24*time.Hour),
		NewTokenStore(dbh, "token-secret"),
		p, sessions, 5*time.Minute, zerolog.Nop())

	r := chi.NewRouter()
	r.Use(res.Middleware)
	r.Get(BootstrapPath, svc.Bootstrap)
	r.Get(LoginPath, svc.Login)
	r.Post(LoginPath, svc.Login)

	return &ssoEnv{svc: svc, sessions: sessions, router: r, mw: res.Middleware, db: dbh}, ctx
}

func (e *ssoEnv) get(t *testing.T, host, target string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	req.Host = host
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *ssoEnv) sessionCookie(t *testing.T, userID int64) *http.Cookie {
	t.Helper()
	tok, err := e.sessions.Issue(userID)
	if err != nil {
		t.Fatalf("issue session: %v", err)
	}
	return &http.Cookie{Name: platform.SessionCookie, Value: tok}
}

func TestHeadScriptOnMappedDomain(t *testing.T) {
	env, _ := newSSOEnv(t)

	var script string
	h := env.mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		script = env.svc.HeadScript(r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/some/page?x=1", nil)
	req.Host = mappedHost
	h.ServeHTTP(httptest.NewRecorder(), req)

	if !strings.Contains(script, mainHost+BootstrapPath) {
		t.Errorf("script must load the bootstrap from the canonical host:\n%s", script)
	}
	if !strings.Contains(script, TestCookie) {
		t.Error("script must round-trip the test cookie")
	}
	if !strings.Contains(script, "host="+mappedHost) {
		t.Error("script src must carry the mapped host")
	}
}

func TestHeadScriptEmptyCases(t *testing.T) {
	env, _ := newSSOEnv(t)

	run := func(host string, cookies ...*http.Cookie) string {
		var script string
		h := env.mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			script = env.svc.HeadScript(r)
		}))
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Host = host
		for _, c := range cookies {
			req.AddCookie(c)
		}
		h.ServeHTTP(httptest.NewRecorder(), req)
		return script
	}

	if s := run(mainHost); s != "" {
		t.Errorf("canonical domain must get no script, got:\n%s", s)
	}
	if s := run(mappedHost, env.sessionCookie(t, 1)); s != "" {
		t.Errorf("authenticated viewer must get no script, got:\n%s", s)
	}
	if s := run("unmapped.example.net"); s != "" {
		t.Errorf("unmapped host must get no script, got:\n%s", s)
	}
}

func TestBootstrapAnonymousIsEmpty(t *testing.T) {
	env, _ := newSSOEnv(t)

	w := env.get(t, mainHost, BootstrapPath+"?host="+mappedHost+"&back=x&site=2&nonce=whatever")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Body.Len() != 0 {
		t.Errorf("anonymous bootstrap must be empty, got %q", w.Body.String())
	}
}

func TestBootstrapEmitsLoginRedirector(t *testing.T) {
	env, _ := newSSOEnv(t)

	back := "http://" + mappedHost + "/page"
	q := url.Values{}
	q.Set("host", mappedHost)
	q.Set("back", back)
	q.Set("site", "2")
	q.Set("nonce", env.svc.noncer.Create(jsAction(2, mappedHost, back)))

	w := env.get(t, mainHost, BootstrapPath+"?"+q.Encode(), env.sessionCookie(t, 1))
	body := w.Body.String()
	if !strings.Contains(body, "window.DomainmapSSO") {
		t.Fatalf("bootstrap must define the redirector, got:\n%s", body)
	}
	if !strings.Contains(body, mainHost+LoginPath) {
		t.Errorf("redirector must target the canonical login endpoint:\n%s", body)
	}

	// A stale or forged nonce gets silence, not an error page.
	q.Set("nonce", "0123456789ab")
	w = env.get(t, mainHost, BootstrapPath+"?"+q.Encode(), env.sessionCookie(t, 1))
	if w.Body.Len() != 0 {
		t.Errorf("bad nonce must yield an empty body, got %q", w.Body.String())
	}
}

// runRequestLeg performs the canonical-domain half of the handshake and
// returns the redirect URL pointed back at the mapped domain.
func runRequestLeg(t *testing.T, env *ssoEnv, userID int64, back string) *url.URL {
	t.Helper()
	q := url.Values{}
	q.Set("host", mappedHost)
	q.Set("back", back)
	q.Set("site", "2")
	q.Set("fragment", "")
	q.Set("nonce", env.svc.noncer.Create(jsAction(2, mappedHost, back)))

	w := env.get(t, mainHost, LoginPath+"?"+q.Encode(), env.sessionCookie(t, userID))
	if w.Code != http.StatusFound {
		t.Fatalf("request leg status = %d, want 302", w.Code)
	}
	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	return loc
}

func TestLoginHandshake(t *testing.T) {
	env, _ := newSSOEnv(t)
	back := "http://" + mappedHost + "/welcome"

	loc := runRequestLeg(t, env, 1, back)
	if loc.Host != mappedHost || loc.Path != LoginPath {
		t.Fatalf("redirect target = %s", loc)
	}
	if loc.Query().Get("key") == "" || loc.Query().Get("nonce") == "" {
		t.Fatalf("redirect must carry key and nonce: %s", loc)
	}

	// Response leg on the mapped domain: establishes the session and sends
	// the viewer to where they started.
	w := env.get(t, mappedHost, loc.Path+"?"+loc.RawQuery)
	if w.Code != http.StatusFound {
		t.Fatalf("response leg status = %d, want 302", w.Code)
	}
	if got := w.Header().Get("Location"); got != back {
		t.Errorf("final redirect = %q, want %q", got, back)
	}

	var session *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == platform.SessionCookie {
			session = c
		}
	}
	if session == nil {
		t.Fatal("response leg must set the session cookie")
	}
	if session.Domain != mappedHost {
		t.Errorf("cookie domain = %q, want %q", session.Domain, mappedHost)
	}
	if !session.HttpOnly {
		t.Error("session cookie must be HttpOnly")
	}
}

func TestLoginFoldsFragmentIntoBack(t *testing.T) {
	env, _ := newSSOEnv(t)
	back := "http://" + mappedHost + "/page"

	q := url.Values{}
	q.Set("host", mappedHost)
	q.Set("back", back)
	q.Set("site", "2")
	q.Set("fragment", "#section-3")
	q.Set("nonce", env.svc.noncer.Create(jsAction(2, mappedHost, back)))

	w := env.get(t, mainHost, LoginPath+"?"+q.Encode(), env.sessionCookie(t, 1))
	if w.Code != http.StatusFound {
		t.Fatalf("request leg status = %d", w.Code)
	}
	loc, _ := url.Parse(w.Header().Get("Location"))

	w = env.get(t, mappedHost, loc.Path+"?"+loc.RawQuery)
	if got := w.Header().Get("Location"); got != back+"#section-3" {
		t.Errorf("final redirect = %q, want fragment folded in", got)
	}
}

func TestLoginRequestFailures(t *testing.T) {
	env, _ := newSSOEnv(t)
	back := "http://" + mappedHost + "/page"

	// Bad nonce: forbidden.
	q := url.Values{}
	q.Set("host", mappedHost)
	q.Set("back", back)
	q.Set("site", "2")
	q.Set("nonce", "0123456789ab")
	w := env.get(t, mainHost, LoginPath+"?"+q.Encode(), env.sessionCookie(t, 1))
	if w.Code != http.StatusForbidden {
		t.Errorf("bad nonce status = %d, want 403", w.Code)
	}

	// Valid nonce but anonymous: unauthorized.
	q.Set("nonce", env.svc.noncer.Create(jsAction(2, mappedHost, back)))
	w = env.get(t, mainHost, LoginPath+"?"+q.Encode())
	if w.Code != http.StatusUnauthorized {
		t.Errorf("anonymous status = %d, want 401", w.Code)
	}
}

func TestLoginResponseReplay(t *testing.T) {
	env, _ := newSSOEnv(t)
	back := "http://" + mappedHost + "/page"

	loc := runRequestLeg(t, env, 1, back)

	if w := env.get(t, mappedHost, loc.Path+"?"+loc.RawQuery); w.Code != http.StatusFound {
		t.Fatalf("first redemption status = %d", w.Code)
	}
	// The token burned on first redemption; a replay cannot find it.
	if w := env.get(t, mappedHost, loc.Path+"?"+loc.RawQuery); w.Code != http.StatusNotFound {
		t.Errorf("replay status = %d, want 404", w.Code)
	}
}

func TestLoginResponseExpiry(t *testing.T) {
	env, _ := newSSOEnv(t)
	back := "http://" + mappedHost + "/page"

	loc := runRequestLeg(t, env, 1, back)

	// Move the clock past the token TTL. The nonce lifespan is much longer,
	// so only the token expiry check trips.
	env.svc.now = func() time.Time { return time.Now().Add(6 * time.Minute) }
	if w := env.get(t, mappedHost, loc.Path+"?"+loc.RawQuery); w.Code != http.StatusForbidden {
		t.Errorf("expired token status = %d, want 403", w.Code)
	}
}

func TestLoginResponseSiteMismatch(t *testing.T) {
	env, _ := newSSOEnv(t)
	back := "http://" + mappedHost + "/page"

	// Token bound to a different site than the one the mapped host resolves
	// to: rejected before any session is set.
	q := url.Values{}
	q.Set("host", mappedHost)
	q.Set("back", back)
	q.Set("site", "1")
	q.Set("nonce", env.svc.noncer.Create(jsAction(1, mappedHost, back)))
	w := env.get(t, mainHost, LoginPath+"?"+q.Encode(), env.sessionCookie(t, 1))
	if w.Code != http.StatusFound {
		t.Fatalf("request leg status = %d", w.Code)
	}
	loc, _ := url.Parse(w.Header().Get("Location"))

	if w := env.get(t, mappedHost, loc.Path+"?"+loc.RawQuery); w.Code != http.StatusBadRequest {
		t.Errorf("site mismatch status = %d, want 400", w.Code)
	}
}

func TestLoginResponseAlreadyAuthenticated(t *testing.T) {
	env, _ := newSSOEnv(t)
	back := "http://" + mappedHost + "/page"

	loc := runRequestLeg(t, env, 1, back)

	// Same user already has a session on the mapped domain: redirect without
	// re-setting the cookie.
	w := env.get(t, mappedHost, loc.Path+"?"+loc.RawQuery, env.sessionCookie(t, 1))
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d", w.Code)
	}
	if len(w.Result().Cookies()) != 0 {
		t.Error("no new cookie expected for an already-authenticated viewer")
	}
}

func TestLoginResponseEmptyBack(t *testing.T) {
	env, ctx := newSSOEnv(t)

	// A token minted without a return URL lands on the site's front page,
	// rewritten onto the mapped domain.
	key, err := env.svc.tokens.Mint(ctx, 1, 2, "")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	q := url.Values{}
	q.Set("key", key)
	q.Set("nonce", env.svc.noncer.Create(loginAction(key)))

	w := env.get(t, mappedHost, LoginPath+"?"+q.Encode())
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d", w.Code)
	}
	if loc := w.Header().Get("Location"); loc != "http://"+mappedHost+"/" {
		t.Errorf("redirect = %q, want mapped front page", loc)
	}
}

func TestLoginNetworkLookupFailure(t *testing.T) {
	env, _ := newSSOEnv(t)

	// Without a main network the handler cannot tell which handshake leg it
	// is serving; neither leg may run on a guess.
	if _, err := env.db.Exec(`DELETE FROM networks`); err != nil {
		t.Fatalf("delete networks: %v", err)
	}
	if w := env.get(t, mainHost, LoginPath); w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
}

func TestHeadScriptMainSiteFallback(t *testing.T) {
	env, _ := newSSOEnv(t)

	// No site sits at the main network's own domain and path; the network
	// domain stands in as the bootstrap host.
	if _, err := env.db.Exec(`DELETE FROM sites WHERE id=1`); err != nil {
		t.Fatalf("delete main site: %v", err)
	}

	var script string
	h := env.mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		script = env.svc.HeadScript(r)
	}))
	req := httptest.NewRequest(http.MethodGet, "/page", nil)
	req.Host = mappedHost
	h.ServeHTTP(httptest.NewRecorder(), req)

	if !strings.Contains(script, mainHost+BootstrapPath) {
		t.Errorf("script must fall back to the network domain:\n%s", script)
	}
}

func TestCookieDomain(t *testing.T) {
	cases := []struct {
		network platform.Network
		want    string
	}{
		{platform.Network{Domain: "example.com"}, ".example.com"},
		{platform.Network{Domain: "www.example.com"}, ".example.com"},
		{platform.Network{Domain: "example.com", CookieDomain: "shared.test"}, ".shared.test"},
		{platform.Network{Domain: "example.com", CookieDomain: ".shared.test"}, ".shared.test"},
	}
	for i, c := range cases {
		if got := CookieDomain(c.network); got != c.want {
			t.Errorf("case %d: CookieDomain = %q, want %q", i, got, c.want)
		}
	}
}

func TestIsMainDomain(t *testing.T) {
	n := platform.Network{Domain: "platform.test"}
	cases := map[string]bool{
		"platform.test":      true,
		"sub.platform.test":  true,
		"tenant.example.com": false,
		"notplatform.test":   false,
	}
	for host, want := range cases {
		if got := IsMainDomain(host, n); got != want {
			t.Errorf("IsMainDomain(%q) = %v, want %v", host, got, want)
		}
	}
}

func TestMappedCookieDomain(t *testing.T) {
	if got := MappedCookieDomain("www.tenant.example.com"); got != "tenant.example.com" {
		t.Errorf("got %q", got)
	}
	if got := MappedCookieDomain("tenant.example.com"); got != "tenant.example.com" {
		t.Errorf("got %q", got)
	}
}
