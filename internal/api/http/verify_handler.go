package http

import (
	"encoding/json"
	"net/http"

	"github.com/plexhost/domainmap/internal/mapping"
	"github.com/plexhost/domainmap/internal/verify"
)

type verifyRequest struct {
	Type string `json:"type" validate:"omitempty,oneof=CNAME A"`
}

// VerifyAliasHandler runs the DNS + HTTP ownership check for a mapped
// domain. Failures come back as 422 with the human-readable reason; the
// admin UI shows it inline.
func VerifyAliasHandler(store mapping.Store, checker *verify.Checker, targets []string) http.HandlerFunc {
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

		var req verifyRequest
		if r.Body != nil && r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad json"})
				return
			}
			if err := validate.Struct(req); err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
		}

		if len(targets) == 0 {
			writeJSON(w, http.StatusUnprocessableEntity,
				map[string]string{"error": "no verification targets configured"})
			return
		}
		if err := checker.Verify(r.Context(), m.Domain, targets, verify.RecordType(req.Type)); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"verified": true})
	}
}
