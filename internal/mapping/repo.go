package mapping

import "context"

// Update carries the mutable fields; nil means "leave as is".
type Update struct {
	Domain *string
	Active *bool
}

type Store interface {
	Get(ctx context.Context, id int64) (Mapping, error)
	GetBySite(ctx context.Context, siteID int64) ([]Mapping, error)

	// GetByDomain checks candidates in order against the cache, then falls
	// back to one backing-store query preferring the longest domain.
	GetByDomain(ctx context.Context, candidates []string) (Mapping, error)

	Create(ctx context.Context, siteID int64, domain string, active bool) (Mapping, error)

	// Update persists changed fields only; updated is false when nothing in
	// upd differs from the current record.
	Update(ctx context.Context, m Mapping, upd Update) (out Mapping, updated bool, err error)
	Delete(ctx context.Context, m Mapping) error

	SetActive(ctx context.Context, m Mapping, active bool) (Mapping, bool, error)
	SetDomain(ctx context.Context, m Mapping, domain string) (Mapping, bool, error)

	// MakePrimary promotes the mapping's domain to the site's canonical
	// domain, keeping the old canonical domain as an active alias.
	MakePrimary(ctx context.Context, m Mapping) error
}
