// Package http is the administrative JSON surface for managing domain
// aliases. Unlike the SSO endpoints, admin calls return inline error text:
// the caller is authenticated and entitled to know what went wrong.
package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/plexhost/domainmap/internal/mapping"
)

var validate = validator.New()

type aliasRequest struct {
	Domain string `json:"domain" validate:"required,max=255"`
	Active bool   `json:"active"`
}

type aliasUpdateRequest struct {
	Domain *string `json:"domain,omitempty" validate:"omitempty,max=255"`
	Active *bool   `json:"active,omitempty"`
}

type bulkRequest struct {
	Action string  `json:"action" validate:"required,oneof=activate deactivate delete"`
	IDs    []int64 `json:"ids" validate:"required,min=1,dive,gt=0"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, mapping.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, mapping.ErrInvalidID), errors.Is(err, mapping.ErrInvalidDomain):
		status = http.StatusBadRequest
	case errors.Is(err, mapping.ErrDomainExists):
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, mapping.ErrInvalidID
	}
	return id, nil
}

func ListSiteAliasesHandler(store mapping.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		siteID, err := pathID(r, "siteID")
		if err != nil {
			writeErr(w, err)
			return
		}
		ms, err := store.GetBySite(r.Context(), siteID)
		if err != nil {
			writeErr(w, err)
			return
		}
		if ms == nil {
			ms = []mapping.Mapping{}
		}
		writeJSON(w, http.StatusOK, ms)
	}
}

func CreateSiteAliasHandler(store mapping.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		siteID, err := pathID(r, "siteID")
		if err != nil {
			writeErr(w, err)
			return
		}
		var req aliasRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad json"})
			return
		}
		if err := validate.Struct(req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		m, err := store.Create(r.Context(), siteID, req.Domain, req.Active)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, m)
	}
}

func GetAliasHandler(store mapping.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeErr(w, err)
			return
		}
		m, err := store.Get(r.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	}
}

func UpdateAliasHandler(store mapping.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeErr(w, err)
			return
		}
		var req aliasUpdateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad json"})
			return
		}
		if err := validate.Struct(req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		m, err := store.Get(r.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}
		m, updated, err := store.Update(r.Context(), m, mapping.Update{Domain: req.Domain, Active: req.Active})
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"mapping": m, "updated": updated})
	}
}

func DeleteAliasHandler(store mapping.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeErr(w, err)
			return
		}
		m, err := store.Get(r.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}
		if err := store.Delete(r.Context(), m); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func MakePrimaryHandler(store mapping.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := pathID(r, "id")
		if err != nil {
			writeErr(w, err)
			return
		}
		m, err := store.Get(r.Context(), id)
		if err != nil {
			writeErr(w, err)
			return
		}
		if err := store.MakePrimary(r.Context(), m); err != nil {
			writeErr(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// BulkAliasActionHandler applies one action to a batch of mapping IDs, the
// shape the alias list form posts. Rows that fail are skipped and counted,
// matching bulk-edit semantics elsewhere in the platform.
func BulkAliasActionHandler(store mapping.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req bulkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad json"})
			return
		}
		if err := validate.Struct(req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}

		processed := 0
		for _, id := range req.IDs {
			m, err := store.Get(r.Context(), id)
			if err != nil {
				continue
			}
			switch req.Action {
			case "activate":
				if _, updated, err := store.SetActive(r.Context(), m, true); err == nil && updated {
					processed++
				}
			case "deactivate":
				if _, updated, err := store.SetActive(r.Context(), m, false); err == nil && updated {
					processed++
				}
			case "delete":
				if err := store.Delete(r.Context(), m); err == nil {
					processed++
				}
			}
		}
		writeJSON(w, http.StatusOK, map[string]int{"processed": processed})
	}
}
