package netmapping

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
	"github.com/plexhost/domainmap/internal/mapping"
)

const cacheTTL = 12 * time.Hour

// SQLStore persists network mappings as JSON blobs in network_attrs. Every
// read deserializes the blob and every write re-serializes the full record.
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

func networkKey(id int64) string { return "netmap:id:" + strconv.FormatInt(id, 10) }
func domainKey(d string) string  { return "netmap:domain:" + KeyForDomain(d) }

type row struct {
	id        int64
	networkID int64
	attrKey   string
	attrValue string
}

func (r row) toMapping() (NetworkMapping, error) {
	var rec record
	if err := json.Unmarshal([]byte(r.attrValue), &rec); err != nil {
		return NetworkMapping{}, fmt.Errorf("corrupt network mapping blob %d: %w", r.id, err)
	}
	return NetworkMapping{ID: r.id, NetworkID: r.networkID, Domain: rec.Domain, Active: rec.Active}, nil
}

func serialize(m NetworkMapping) (string, error) {
	buf, err := json.Marshal(record{Domain: m.Domain, Active: m.Active})
	return string(buf), err
}

func (s *SQLStore) Get(ctx context.Context, id int64) (NetworkMapping, error) {
	if id <= 0 {
		return NetworkMapping{}, mapping.ErrInvalidID
	}
	var r row
	err := s.db.QueryRowContext(ctx,
		`SELECT id, network_id, attr_key, attr_value FROM network_attrs WHERE id=$1`, id).
		Scan(&r.id, &r.networkID, &r.attrKey, &r.attrValue)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NetworkMapping{}, mapping.ErrNotFound
		}
		return NetworkMapping{}, err
	}
	// Double-check this attribute row really is one of ours.
	if !strings.HasPrefix(r.attrKey, KeyPrefix) {
		return NetworkMapping{}, mapping.ErrInvalidID
	}
	return r.toMapping()
}

func (s *SQLStore) GetByNetwork(ctx context.Context, networkID int64) ([]NetworkMapping, error) {
	if networkID <= 0 {
		return nil, mapping.ErrInvalidID
	}

	if v, ok, _ := s.cache.Get(ctx, networkKey(networkID)); ok && !cache.IsNegative(v) {
		var ms []NetworkMapping
		if err := json.Unmarshal([]byte(v), &ms); err == nil {
			return ms, nil
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, network_id, attr_key, attr_value FROM network_attrs
		 WHERE network_id=$1 AND attr_key LIKE $2 ORDER BY id`,
		networkID, KeyPrefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ms []NetworkMapping
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.networkID, &r.attrKey, &r.attrValue); err != nil {
			return nil, err
		}
		m, err := r.toMapping()
		if err != nil {
			return nil, err
		}
		ms = append(ms, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if buf, err := json.Marshal(ms); err == nil {
		_ = s.cache.Set(ctx, networkKey(networkID), string(buf), cacheTTL)
	}
	return ms, nil
}

func (s *SQLStore) GetByDomain(ctx context.Context, candidates []string) (NetworkMapping, error) {
	if len(candidates) == 0 {
		return NetworkMapping{}, mapping.ErrNotFound
	}

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
		var m NetworkMapping
		if err := json.Unmarshal([]byte(v), &m); err == nil {
			return m, nil
		}
	}
	if negatives == len(candidates) {
		return NetworkMapping{}, mapping.ErrNotFound
	}

	placeholders := make([]string, len(candidates))
	args := make([]any, len(candidates))
	for i, d := range candidates {
		placeholders[i] = "$" + strconv.Itoa(i+1)
		args[i] = KeyForDomain(d)
	}
	query := fmt.Sprintf(
		`SELECT id, network_id, attr_key, attr_value FROM network_attrs WHERE attr_key IN (%s)`,
		strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return NetworkMapping{}, err
	}
	defer rows.Close()

	var found []NetworkMapping
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.networkID, &r.attrKey, &r.attrValue); err != nil {
			return NetworkMapping{}, err
		}
		m, err := r.toMapping()
		if err != nil {
			return NetworkMapping{}, err
		}
		found = append(found, m)
	}
	if err := rows.Err(); err != nil {
		return NetworkMapping{}, err
	}

	if len(found) == 0 {
		for _, d := range candidates {
			_ = s.cache.Set(ctx, domainKey(d), cache.Negative, cacheTTL)
		}
		return NetworkMapping{}, mapping.ErrNotFound
	}

	// A shorter domain must never shadow a longer, more specific match.
	best := found[0]
	for _, m := range found[1:] {
		if len(m.Domain) > len(best.Domain) {
			best = m
		}
	}
	s.cachePut(ctx, best)
	return best, nil
}

// GetActiveByDomain filters to active mappings only, again preferring the
// longest literal domain among the matches.
func (s *SQLStore) GetActiveByDomain(ctx context.Context, candidates []string) (NetworkMapping, error) {
	var best NetworkMapping
	ok := false
	for _, d := range candidates {
		m, err := s.GetByDomain(ctx, []string{d})
		if err != nil {
			if errors.Is(err, mapping.ErrNotFound) {
				continue
			}
			return NetworkMapping{}, err
		}
		if !m.Active {
			continue
		}
		if !ok || len(m.Domain) > len(best.Domain) {
			best = m
			ok = true
		}
	}
	if !ok {
		return NetworkMapping{}, mapping.ErrNotFound
	}
	return best, nil
}

func (s *SQLStore) Create(ctx context.Context, networkID int64, domain string, active bool) (NetworkMapping, error) {
	if networkID <= 0 {
		return NetworkMapping{}, mapping.ErrInvalidID
	}
	domain, err := mapping.NormalizeDomain(domain)
	if err != nil {
		return NetworkMapping{}, err
	}

	if existing, err := s.GetByDomain(ctx, []string{domain}); err == nil {
		if existing.NetworkID != networkID {
			return NetworkMapping{}, mapping.ErrDomainExists
		}
		return existing, nil
	}
	// Lookup failures (including a missing table) fall through to the insert
	// path, which provisions the table once and retries.

	m := NetworkMapping{NetworkID: networkID, Domain: domain, Active: active}
	m.ID, err = s.insert(ctx, m)
	if err != nil {
		if terr := db.EnsureNetworkAttrsTable(ctx, s.db, s.driver); terr != nil {
			return NetworkMapping{}, fmt.Errorf("%w: %v", mapping.ErrInsertFailed, err)
		}
		m.ID, err = s.insert(ctx, m)
		if err != nil {
			return NetworkMapping{}, fmt.Errorf("%w: %v", mapping.ErrInsertFailed, err)
		}
	}

	_ = s.cache.Delete(ctx, networkKey(networkID))
	s.cachePut(ctx, m)
	s.emit(ctx, events.TypeMappingCreated, m.Domain, m)
	return m, nil
}

func (s *SQLStore) insert(ctx context.Context, m NetworkMapping) (int64, error) {
	blob, err := serialize(m)
	if err != nil {
		return 0, err
	}
	row := s.db.QueryRowContext(ctx,
		`INSERT INTO network_attrs (network_id, attr_key, attr_value) VALUES ($1,$2,$3) RETURNING id`,
		m.NetworkID, KeyForDomain(m.Domain), blob)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *SQLStore) Update(ctx context.Context, m NetworkMapping, upd mapping.Update) (NetworkMapping, bool, error) {
	old := m
	changed := false

	if upd.Domain != nil {
		d, err := mapping.NormalizeDomain(*upd.Domain)
		if err != nil {
			return m, false, err
		}
		if d != m.Domain {
			existing, err := s.GetByDomain(ctx, []string{d})
			if err == nil && existing.ID != m.ID {
				return m, false, mapping.ErrDomainExists
			}
			if err != nil && !errors.Is(err, mapping.ErrNotFound) {
				return m, false, err
			}
			m.Domain = d
			changed = true
		}
	}
	if upd.Active != nil && *upd.Active != m.Active {
		m.Active = *upd.Active
		changed = true
	}
	if !changed {
		return m, false, nil
	}

	blob, err := serialize(m)
	if err != nil {
		return old, false, err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE network_attrs SET attr_key=$1, attr_value=$2 WHERE id=$3`,
		KeyForDomain(m.Domain), blob, m.ID)
	if err != nil {
		return old, false, fmt.Errorf("%w: %v", mapping.ErrUpdateFailed, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return old, false, mapping.ErrUpdateFailed
	}

	_ = s.cache.Delete(ctx, networkKey(m.NetworkID))
	if old.Domain != m.Domain {
		_ = s.cache.Delete(ctx, domainKey(old.Domain))
	}
	s.cachePut(ctx, m)
	s.emit(ctx, events.TypeMappingUpdated, m.Domain, map[string]NetworkMapping{"old": old, "new": m})
	return m, true, nil
}

func (s *SQLStore) Delete(ctx context.Context, m NetworkMapping) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM network_attrs WHERE id=$1`, m.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", mapping.ErrDeleteFailed, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return mapping.ErrDeleteFailed
	}

	_ = s.cache.Delete(ctx, networkKey(m.NetworkID))
	_ = s.cache.Set(ctx, domainKey(m.Domain), cache.Negative, cacheTTL)
	s.emit(ctx, events.TypeMappingDeleted, m.Domain, m)
	return nil
}

func (s *SQLStore) SetActive(ctx context.Context, m NetworkMapping, active bool) (NetworkMapping, bool, error) {
	return s.Update(ctx, m, mapping.Update{Active: &active})
}

func (s *SQLStore) SetDomain(ctx context.Context, m NetworkMapping, domain string) (NetworkMapping, bool, error) {
	return s.Update(ctx, m, mapping.Update{Domain: &domain})
}

func (s *SQLStore) cachePut(ctx context.Context, m NetworkMapping) {
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
