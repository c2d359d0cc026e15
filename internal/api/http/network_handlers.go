package http

import (
	"encoding/json"
	"net/http"

	"github.com/plexhost/domainmap/internal/mapping"
	"github.com/plexhost/domainmap/internal/netmapping"
)

func ListNetworkAliasesHandler(store *netmapping.SQLStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		networkID, err := pathID(r, "networkID")
		if err != nil {
			writeErr(w, err)
			return
		}
		ms, err := store.GetByNetwork(r.Context(), networkID)
		if err != nil {
			writeErr(w, err)
			return
		}
		if ms == nil {
			ms = []netmapping.NetworkMapping{}
		}
		writeJSON(w, http.StatusOK, ms)
	}
}

func CreateNetworkAliasHandler(store *netmapping.SQLStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		networkID, err := pathID(r, "networkID")
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
		m, err := store.Create(r.Context(), networkID, req.Domain, req.Active)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, m)
	}
}

func UpdateNetworkAliasHandler(store *netmapping.SQLStore) http.HandlerFunc {
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

func DeleteNetworkAliasHandler(store *netmapping.SQLStore) http.HandlerFunc {
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
