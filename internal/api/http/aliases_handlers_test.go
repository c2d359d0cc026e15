package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/plexhost/domainmap/internal/mapping"
)

// fakeStore is an in-memory mapping.Store for handler tests.
type fakeStore struct {
	nextID int64
	m      map[int64]mapping.Mapping
}

func newFakeStore() *fakeStore {
	return &fakeStore{nextID: 1, m: make(map[int64]mapping.Mapping)}
}

func (f *fakeStore) Get(_ context.Context, id int64) (mapping.Mapping, error) {
	if id <= 0 {
		return mapping.Mapping{}, mapping.ErrInvalidID
	}
	m, ok := f.m[id]
	if !ok {
		return mapping.Mapping{}, mapping.ErrNotFound
	}
	return m, nil
}

func (f *fakeStore) GetBySite(_ context.Context, siteID int64) ([]mapping.Mapping, error) {
	if siteID <= 0 {
		return nil, mapping.ErrInvalidID
	}
	var out []mapping.Mapping
	for _, m := range f.m {
		if m.SiteID == siteID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) GetByDomain(_ context.Context, candidates []string) (mapping.Mapping, error) {
	var best mapping.Mapping
	for _, m := range f.m {
		for _, d := range candidates {
			if m.Domain == d && len(m.Domain) > len(best.Domain) {
				best = m
			}
		}
	}
	if best.ID == 0 {
		return mapping.Mapping{}, mapping.ErrNotFound
	}
	return best, nil
}

func (f *fakeStore) Create(ctx context.Context, siteID int64, domain string, active bool) (mapping.Mapping, error) {
	if siteID <= 0 {
		return mapping.Mapping{}, mapping.ErrInvalidID
	}
	domain, err := mapping.NormalizeDomain(domain)
	if err != nil {
		return mapping.Mapping{}, err
	}
	if existing, err := f.GetByDomain(ctx, []string{domain}); err == nil {
		if existing.SiteID != siteID {
			return mapping.Mapping{}, mapping.ErrDomainExists
		}
		return existing, nil
	}
	m := mapping.Mapping{ID: f.nextID, SiteID: siteID, Domain: domain, Active: active}
	f.nextID++
	f.m[m.ID] = m
	return m, nil
}

func (f *fakeStore) Update(ctx context.Context, m mapping.Mapping, upd mapping.Update) (mapping.Mapping, bool, error) {
	changed := false
	if upd.Domain != nil {
		d, err := mapping.NormalizeDomain(*upd.Domain)
		if err != nil {
			return m, false, err
		}
		if d != m.Domain {
			if existing, err := f.GetByDomain(ctx, []string{d}); err == nil && existing.ID != m.ID {
				return m, false, mapping.ErrDomainExists
			}
			m.Domain = d
			changed = true
		}
	}
	if upd.Active != nil && *upd.Active != m.Active {
		m.Active = *upd.Active
		changed = true
	}
	if changed {
		f.m[m.ID] = m
	}
	return m, changed, nil
}

func (f *fakeStore) Delete(_ context.Context, m mapping.Mapping) error {
	if _, ok := f.m[m.ID]; !ok {
		return mapping.ErrDeleteFailed
	}
	delete(f.m, m.ID)
	return nil
}

func (f *fakeStore) SetActive(ctx context.Context, m mapping.Mapping, active bool) (mapping.Mapping, bool, error) {
	return f.Update(ctx, m, mapping.Update{Active: &active})
}

func (f *fakeStore) SetDomain(ctx context.Context, m mapping.Mapping, domain string) (mapping.Mapping, bool, error) {
	return f.Update(ctx, m, mapping.Update{Domain: &domain})
}

func (f *fakeStore) MakePrimary(_ context.Context, m mapping.Mapping) error {
	if _, ok := f.m[m.ID]; !ok {
		return mapping.ErrNotFound
	}
	delete(f.m, m.ID)
	return nil
}

var _ mapping.Store = (*fakeStore)(nil)

func newAliasRouter(store mapping.Store) http.Handler {
	r := chi.NewRouter()
	r.Get("/sites/{siteID}/aliases", ListSiteAliasesHandler(store))
	r.Post("/sites/{siteID}/aliases", CreateSiteAliasHandler(store))
	r.Get("/aliases/{id}", GetAliasHandler(store))
	r.Patch("/aliases/{id}", UpdateAliasHandler(store))
	r.Delete("/aliases/{id}", DeleteAliasHandler(store))
	r.Post("/aliases/{id}/primary", MakePrimaryHandler(store))
	r.Post("/aliases/bulk", BulkAliasActionHandler(store))
	return r
}

func do(t *testing.T, h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != "" {
		rd = bytes.NewReader([]byte(body))
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, rd)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestCreateAndListAliases(t *testing.T) {
	h := newAliasRouter(newFakeStore())

	w := do(t, h, http.MethodPost, "/sites/2/aliases", `{"domain":"Shop.Example.com","active":true}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", w.Code, w.Body.String())
	}
	var created mapping.Mapping
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if created.Domain != "shop.example.com" || !created.Active {
		t.Errorf("created = %+v", created)
	}

	w = do(t, h, http.MethodGet, "/sites/2/aliases", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var list []mapping.Mapping
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 1 || list[0].ID != created.ID {
		t.Errorf("list = %+v", list)
	}

	// A site with no aliases lists as an empty array, not null.
	w = do(t, h, http.MethodGet, "/sites/3/aliases", "")
	if strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("empty list body = %q", w.Body.String())
	}
}

func TestCreateAliasValidation(t *testing.T) {
	h := newAliasRouter(newFakeStore())

	if w := do(t, h, http.MethodPost, "/sites/2/aliases", `{`); w.Code != http.StatusBadRequest {
		t.Errorf("bad json status = %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/sites/2/aliases", `{"active":true}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing domain status = %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/sites/2/aliases", `{"domain":"not a domain"}`); w.Code != http.StatusBadRequest {
		t.Errorf("malformed domain status = %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/sites/0/aliases", `{"domain":"a.example.com"}`); w.Code != http.StatusBadRequest {
		t.Errorf("bad site id status = %d", w.Code)
	}
}

func TestCreateAliasConflict(t *testing.T) {
	store := newFakeStore()
	h := newAliasRouter(store)

	if w := do(t, h, http.MethodPost, "/sites/2/aliases", `{"domain":"a.example.com"}`); w.Code != http.StatusCreated {
		t.Fatalf("first create status = %d", w.Code)
	}
	if w := do(t, h, http.MethodPost, "/sites/3/aliases", `{"domain":"a.example.com"}`); w.Code != http.StatusConflict {
		t.Errorf("conflict status = %d", w.Code)
	}
}

func TestUpdateAlias(t *testing.T) {
	store := newFakeStore()
	h := newAliasRouter(store)

	m, _ := store.Create(context.Background(), 2, "a.example.com", false)

	w := do(t, h, http.MethodPatch, "/aliases/1", `{"active":true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("patch status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Mapping mapping.Mapping `json:"mapping"`
		Updated bool            `json:"updated"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Updated || !resp.Mapping.Active || resp.Mapping.ID != m.ID {
		t.Errorf("resp = %+v", resp)
	}

	// No-op patch reports updated=false.
	w = do(t, h, http.MethodPatch, "/aliases/1", `{"active":true}`)
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Updated {
		t.Error("second identical patch must be a no-op")
	}

	if w := do(t, h, http.MethodPatch, "/aliases/99", `{"active":true}`); w.Code != http.StatusNotFound {
		t.Errorf("missing id status = %d", w.Code)
	}
}

func TestDeleteAlias(t *testing.T) {
	store := newFakeStore()
	h := newAliasRouter(store)
	store.Create(context.Background(), 2, "a.example.com", true)

	if w := do(t, h, http.MethodDelete, "/aliases/1", ""); w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", w.Code)
	}
	if w := do(t, h, http.MethodDelete, "/aliases/1", ""); w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d", w.Code)
	}
}

func TestBulkAliasAction(t *testing.T) {
	store := newFakeStore()
	h := newAliasRouter(store)
	ctx := context.Background()
	store.Create(ctx, 2, "a.example.com", false)
	store.Create(ctx, 2, "b.example.com", false)

	// ID 99 does not exist and is skipped, not fatal.
	w := do(t, h, http.MethodPost, "/aliases/bulk", `{"action":"activate","ids":[1,2,99]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("bulk status = %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]int
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["processed"] != 2 {
		t.Errorf("processed = %d, want 2", resp["processed"])
	}

	if w := do(t, h, http.MethodPost, "/aliases/bulk", `{"action":"promote","ids":[1]}`); w.Code != http.StatusBadRequest {
		t.Errorf("unknown action status = %d", w.Code)
	}

	w = do(t, h, http.MethodPost, "/aliases/bulk", `{"action":"delete","ids":[1,2]}`)
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["processed"] != 2 {
		t.Errorf("bulk delete processed = %d", resp["processed"])
	}
	if ms, _ := store.GetBySite(ctx, 2); len(ms) != 0 {
		t.Errorf("aliases left after bulk delete: %+v", ms)
	}
}

func TestAdminAuth(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	h := AdminAuth("ops", string(hash))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin/aliases/1", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no credentials status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/aliases/1", nil)
	req.SetBasicAuth("ops", "wrong")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("wrong password status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/aliases/1", nil)
	req.SetBasicAuth("ops", "hunter2")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("valid credentials status = %d", w.Code)
	}
}
