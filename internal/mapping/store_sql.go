package mapping

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/plexhost/domainmap/internal/cache"
	"github.com/plexhost/domainmap/internal/db"
	"github.com/plexhost/domainmap/internal/events"
)

const cacheTTL = 12 * time.Hour

type SQLStore struct {
	db     *sql.DB
	driver db.Driver
	cache  cache.Cache
	events *events.Log
	log    zerolog.Logger
}

func NewSQLStore(dbh *sql.DB, driver db.Driver, c cache.Cache, ev *events.Log, log zerolog.Logger) *SQLStore {
	return &SQLStore{db: dbh, driver: driver, cache: c, events: ev, log: log}
}

func domainKey(d string) string { return "mapping:domain:" + d }
func siteKey(id int64) string   { return "mapping:id:" + strconv.FormatInt(id, 10) }

func (s *SQLStore) Get(ctx context.Context, id int64) (Mapping, error) {
	if id <= 0 {
		return Mapping{}, ErrInvalidID
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, site_id, domain, active FROM domain_mappings WHERE id=$1`, id)
	var m Mapping
	if err := row.Scan(&m.ID, &m.SiteID, &m.Domain, &m.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Mapping{}, ErrNotFound
		}
		return Mapping{}, err
	}
	return m, nil
}

func (s *SQLStore) GetBySite(ctx context.Context, siteID int64) ([]Mapping, error) {
	if siteID <= 0 {
		return nil, ErrInvalidID
	}

	// Check cache first
	if v, ok, _ := s.cache.Get(ctx, siteKey(siteID)); ok && !cache.IsNegative(v) {
		var ms []Mapping
		if err := json.Unmarshal([]byte(v), &ms); err == nil {
			return ms, nil
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, site_id, domain, active FROM domain_mappings WHERE site_id=$1 ORDER BY id`, siteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ms []Mapping
	for rows.Next() {
		var m Mapping
		if err := rows.Scan(&m.ID, &m.SiteID, &m.Domain, &m.Active); err != nil {
			return nil, err
		}
		ms = append(ms, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if buf, err := json.Marshal(ms); err == nil {
		_ = s.cache.Set(ctx, siteKey(siteID), string(buf), cacheTTL)
	}
	return ms, nil
}

func (s *SQLStore) GetByDomain(ctx context.Context, candidates []string) (Mapping, error) {
	if len(candidates) == 0 {
		return Mapping{}, ErrNotFound
	}

	// Check cache first; a confirmed record wins immediately, and if every
	// candidate is confirmed absent we never touch the backing store.
	negatives := 0
	for _, d := range candidates {
		v, ok, _ := s.cache.Get(ctx, domainKey(d))
		if !ok {
			continue
		}
		if cache.IsNegative(v) {
			negatives++
			continue
		}
		var m Mapping
		if err := json.Unmarshal([]byte(v), &m); err == nil {
			return m, nil
		}
	}
	if negatives == len(candidates) {
		return Mapping{}, ErrNotFound
	}

	placeholders := make([]string, len(candidates))
	args := make([]any, len(candidates))
	for i, d := range candidates {
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args[i] = d
	}
	query := fmt.Sprintf(
		`SELECT id, site_id, domain, active FROM domain_mappings
		 WHERE domain IN (%s) ORDER BY LENGTH(domain) DESC LIMIT 1`,
		strings.Join(placeholders, ","))

	row := s.db.QueryRowContext(ctx, query, args...)
	var m Mapping
	if err := row.Scan(&m.ID, &m.SiteID, &m.Domain, &m.Active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			for _, d := range candidates {
				_ = s.cache.Set(ctx, domainKey(d), cache.Negative, cacheTTL)
			}
			return Mapping{}, ErrNotFound
		}
		return Mapping{}, err
	}

	for _, d := range candidates {
		if d == m.Domain {
			continue
		}
		_ = s.cache.Set(ctx, domainKey(d), cache.Negative, cacheTTL)
	}
	s.cachePut(ctx, m)
	return m, nil
}

func (s *SQLStore) Create(ctx context.Context, siteID int64, domain string, active bool) (Mapping, error) {
	if siteID <= 0 {
		return Mapping{}, ErrInvalidID
	}
	domain, err := NormalizeDomain(domain)
	if err != nil {
		return Mapping{}, err
	}

	if existing, err := s.GetByDomain(ctx, []string{domain}); err == nil {
		if existing.SiteID != siteID {
			return Mapping{}, ErrDomainExists
		}
		// Already mapped to this site, nothing to do.
		return existing, nil
	}
	// Any lookup failure (including a missing table) falls through to the
	// insert path; the unique constraint is the authoritative guard.

	m, err := s.insert(ctx, siteID, domain, active)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the check-then-insert race; the constraint is authoritative.
			return Mapping{}, ErrDomainExists
		}
		// The table may not exist yet: provision once and retry.
		if terr := db.EnsureMappingTable(ctx, s.db, s.driver); terr != nil {
			return Mapping{}, fmt.Errorf("%w: %v", ErrInsertFailed, err)
		}
		m, err = s.insert(ctx, siteID, domain, active)
		if err != nil {
			if isUniqueViolation(err) {
				return Mapping{}, ErrDomainExists
			}
			return Mapping{}, fmt.Errorf("%w: %v", ErrInsertFailed, err)
		}
	}

	_ = s.cache.Delete(ctx, siteKey(siteID))
	s.cachePut(ctx, m) // also clears any negative entry for this domain
	s.emit(ctx, events.TypeMappingCreated, m.Domain, m)
	return m, nil
}

func (s *SQLStore) insert(ctx context.Context, siteID int64, domain string, active bool) (Mapping, error) {
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO domain_mappings (site_id, domain, active) VALUES ($1,$2,$3) RETURNING id`,
		siteID, domain, active)
	var id int64
	if err := row.Scan(&id); err != nil {
		return Mapping{}, err
	}
	return Mapping{ID: id, SiteID: siteID, Domain: domain, Active: active}, nil
}

func (s *SQLStore) Update(ctx context.Context, m Mapping, upd Update) (Mapping, bool, error) {
	sets := []string{}
	args := []any{}
	old := m

	if upd.Domain != nil {
		d, err := NormalizeDomain(*upd.Domain)
		if err != nil {
			return m, false, err
		}
		if d != m.Domain {
			existing, err := s.GetByDomain(ctx, []string{d})
			if err == nil && existing.ID != m.ID {
				return m, false, ErrDomainExists
			}
			if err != nil && !errors.Is(err, ErrNotFound) {
				return m, false, err
			}
			args = append(args, d)
			sets = append(sets, "domain=$"+strconv.Itoa(len(args)))
			m.Domain = d
		}
	}
	if upd.Active != nil && *upd.Active != m.Active {
		args = append(args, *upd.Active)
		sets = append(sets, "active=$"+strconv.Itoa(len(args)))
		m.Active = *upd.Active
	}
	if len(sets) == 0 {
		return m, false, nil
	}

	args = append(args, m.ID)
	query := fmt.Sprintf(`UPDATE domain_mappings SET %s WHERE id=$%d`,
		strings.Join(sets, ", "), len(args))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		if isUniqueViolation(err) {
			return old, false, ErrDomainExists
		}
		return old, false, fmt.Errorf("%w: %v", ErrUpdateFailed, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return old, false, ErrUpdateFailed
	}

	_ = s.cache.Delete(ctx, siteKey(m.SiteID))
	if old.Domain != m.Domain {
		_ = s.cache.Delete(ctx, domainKey(old.Domain))
	}
	s.cachePut(ctx, m)
	s.emit(ctx, events.TypeMappingUpdated, m.Domain, map[string]Mapping{"old": old, "new": m})
	return m, true, nil
}

func (s *SQLStore) Delete(ctx context.Context, m Mapping) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM domain_mappings WHERE id=$1`, m.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDeleteFailed, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDeleteFailed
	}

	_ = s.cache.Delete(ctx, siteKey(m.SiteID))
	_ = s.cache.Set(ctx, domainKey(m.Domain), cache.Negative, cacheTTL)
	s.emit(ctx, events.TypeMappingDeleted, m.Domain, m)
	return nil
}

func (s *SQLStore) SetActive(ctx context.Context, m Mapping, active bool) (Mapping, bool, error) {
	return s.Update(ctx, m, Update{Active: &active})
}

func (s *SQLStore) SetDomain(ctx context.Context, m Mapping, domain string) (Mapping, bool, error) {
	return s.Update(ctx, m, Update{Domain: &domain})
}

// MakePrimary swaps the mapping's domain into the site's canonical domain
// slot. The old canonical domain is kept as an active alias, created before
// the swap so no request window exists where neither domain resolves. The
// steps are not atomic: if the swap fails the alias is compensated away; if
// the final cleanup delete fails the leftover alias row is logged and left
// (it now aliases the previous canonical domain, which still resolves here).
func (s *SQLStore) MakePrimary(ctx context.Context, m Mapping) error {
	var oldDomain string
	err := s.db.QueryRowContext(ctx, `SELECT domain FROM sites WHERE id=$1`, m.SiteID).Scan(&oldDomain)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}

	alias, err := s.Create(ctx, m.SiteID, oldDomain, true)
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, `UPDATE sites SET domain=$1 WHERE id=$2`, m.Domain, m.SiteID); err != nil {
		if derr := s.Delete(ctx, alias); derr != nil {
			s.log.Error().Err(derr).Str("domain", alias.Domain).
				Msg("could not undo alias after failed canonical swap")
		}
		return fmt.Errorf("%w: %v", ErrUpdateFailed, err)
	}

	if err := s.Delete(ctx, m); err != nil {
		// Leftover alias for the now-canonical domain; harmless but log it.
		s.log.Warn().Err(err).Int64("mapping", m.ID).Str("domain", m.Domain).
			Msg("could not remove promoted mapping")
	}

	_ = s.cache.Delete(ctx, siteKey(m.SiteID))
	s.emit(ctx, events.TypeMappingMadePrimary, m.Domain, map[string]any{
		"mapping": m, "previous_canonical": oldDomain,
	})
	return nil
}

func (s *SQLStore) cachePut(ctx context.Context, m Mapping) {
	if buf, err := json.Marshal(m); err == nil {
		_ = s.cache.Set(ctx, domainKey(m.Domain), string(buf), cacheTTL)
	}
}

func (s *SQLStore) emit(ctx context.Context, typ, key string, data any) {
	if s.events == nil {
		return
	}
	if err := s.events.Append(ctx, typ, key, data); err != nil {
		s.log.Warn().Err(err).Str("type", typ).Str("key", key).Msg("event append failed")
	}
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate key")
}
