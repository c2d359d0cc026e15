// Package platform is the tenant-platform collaborator: canonical site and
// network records, user lookup and session cookies. The mapping stores and
// the SSO protocol call into it; it never reaches back into them.
package platform

import (
	"context"
	"database/sql"
	"errors"
	"strings"
)

var ErrNotFound = errors.New("platform: not found")

// Site is an isolated tenant with a canonical domain of record.
type Site struct {
	ID        int64  `json:"id"`
	NetworkID int64  `json:"network_id"`
	Domain    string `json:"domain"`
	Path      string `json:"path"`
	Title     string `json:"title"`
}

// Network groups sites sharing infrastructure and a canonical domain.
type Network struct {
	ID           int64  `json:"id"`
	Domain       string `json:"domain"`
	Path         string `json:"path"`
	CookieDomain string `json:"cookie_domain"`
}

type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type Platform struct{ db *sql.DB }

func New(db *sql.DB) *Platform { return &Platform{db: db} }

func (p *Platform) SiteByID(ctx context.Context, id int64) (Site, error) {
	var s Site
	err := p.db.QueryRowContext(ctx,
		`SELECT id, network_id, domain, path, title FROM sites WHERE id=$1`, id).
		Scan(&s.ID, &s.NetworkID, &s.Domain, &s.Path, &s.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return Site{}, ErrNotFound
	}
	return s, err
}

// SiteByHostPath resolves a site by its canonical domain, preferring the
// longest path that prefixes the request path.
func (p *Platform) SiteByHostPath(ctx context.Context, host, path string) (Site, error) {
	if path == "" {
		path = "/"
	}
	rows, err := p.db.QueryContext(ctx,
		`SELECT id, network_id, domain, path, title FROM sites WHERE domain=$1 ORDER BY LENGTH(path) DESC`,
		strings.ToLower(host))
	if err != nil {
		return Site{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var s Site
		if err := rows.Scan(&s.ID, &s.NetworkID, &s.Domain, &s.Path, &s.Title); err != nil {
			return Site{}, err
		}
		if strings.HasPrefix(path, s.Path) {
			return s, nil
		}
	}
	if err := rows.Err(); err != nil {
		return Site{}, err
	}
	return Site{}, ErrNotFound
}

func (p *Platform) NetworkByID(ctx context.Context, id int64) (Network, error) {
	var n Network
	err := p.db.QueryRowContext(ctx,
		`SELECT id, domain, path, cookie_domain FROM networks WHERE id=$1`, id).
		Scan(&n.ID, &n.Domain, &n.Path, &n.CookieDomain)
	if errors.Is(err, sql.ErrNoRows) {
		return Network{}, ErrNotFound
	}
	return n, err
}

// MainNetwork is the lowest-numbered network, the top of a multinetwork
// install.
func (p *Platform) MainNetwork(ctx context.Context) (Network, error) {
	var n Network
	err := p.db.QueryRowContext(ctx,
		`SELECT id, domain, path, cookie_domain FROM networks ORDER BY id LIMIT 1`).
		Scan(&n.ID, &n.Domain, &n.Path, &n.CookieDomain)
	if errors.Is(err, sql.ErrNoRows) {
		return Network{}, ErrNotFound
	}
	return n, err
}

// MainSite is the site living at the network's own domain and path.
func (p *Platform) MainSite(ctx context.Context, n Network) (Site, error) {
	var s Site
	err := p.db.QueryRowContext(ctx,
		`SELECT id, network_id, domain, path, title FROM sites WHERE domain=$1 AND path=$2`,
		n.Domain, n.Path).
		Scan(&s.ID, &s.NetworkID, &s.Domain, &s.Path, &s.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return Site{}, ErrNotFound
	}
	return s, err
}

func (p *Platform) UserByID(ctx context.Context, id int64) (User, error) {
	var u User
	err := p.db.QueryRowContext(ctx,
		`SELECT id, username FROM users WHERE id=$1`, id).
		Scan(&u.ID, &u.Username)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	return u, err
}

// HomeURL is the canonical absolute URL for a site.
func (p *Platform) HomeURL(s Site, scheme string) string {
	if scheme == "" {
		scheme = "http"
	}
	return scheme + "://" + s.Domain + s.Path
}
