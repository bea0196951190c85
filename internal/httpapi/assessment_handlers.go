package httpapi

import (
	"net/http"
	"strings"

	"studykit.org/internal/assessment"
	"studykit.org/internal/auth"
)

type createAssessmentRequest struct {
	Identifier string `json:"identifier"`
	Revision   int    `json:"revision,omitempty"`
	Title      string `json:"title,omitempty"`
	Summary    string `json:"summary,omitempty"`
	OwnerID    string `json:"ownerId,omitempty"`
}

type updateAssessmentRequest struct {
	Title   string `json:"title,omitempty"`
	Summary string `json:"summary,omitempty"`
	Version int64  `json:"version"`
}

func (a *API) handleAssessmentsCollection(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	if !caller.Privileged() {
		writeError(w, r, http.StatusForbidden, "caller is not an administrative account")
		return
	}
	switch r.Method {
	case http.MethodGet:
		limit, err := parseNonNegativeInt(r.URL.Query().Get("pageSize"), 50, 100)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "pageSize "+err.Error())
			return
		}
		offset, err := parseNonNegativeInt(r.URL.Query().Get("offsetBy"), 0, 0)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "offsetBy "+err.Error())
			return
		}
		includeDeleted := parseBool(r.URL.Query().Get("includeDeleted"))
		items, total, err := a.assessments.List(r.Context(), includeDeleted, limit, offset)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, pagedResponse{Items: items, Total: total})
	case http.MethodPost:
		if !caller.HasAnyRole(auth.RoleDeveloper, auth.RoleAdmin) {
			writeError(w, r, http.StatusForbidden, "caller cannot create assessments")
			return
		}
		var req createAssessmentRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		owner := strings.TrimSpace(req.OwnerID)
		if owner == "" && len(caller.OrgIDs) > 0 {
			owner = caller.OrgIDs[0]
		}
		rec, err := a.assessments.Create(r.Context(), assessment.Assessment{
			Identifier: req.Identifier,
			Revision:   req.Revision,
			Title:      req.Title,
			Summary:    req.Summary,
			OwnerID:    owner,
		})
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		a.audit(r.Context(), "assessment.create", map[string]any{
			"guid":       rec.GUID,
			"identifier": rec.Identifier,
			"revision":   rec.Revision,
		})
		w.Header().Set("Location", "/v1/assessments/"+rec.GUID)
		writeJSON(w, http.StatusCreated, rec)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleAssessmentResource covers /v1/assessments/{guid} and the revision
// listing /v1/assessments/{guid}/revisions.
func (a *API) handleAssessmentResource(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	if !caller.Privileged() {
		writeError(w, r, http.StatusForbidden, "caller is not an administrative account")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/assessments/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	guid := parts[0]

	if len(parts) == 2 && parts[1] == "revisions" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.listAssessmentRevisions(w, r, guid)
		return
	}
	if len(parts) != 1 {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		rec, err := a.assessments.Get(r.Context(), guid)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case http.MethodPost:
		if !caller.HasAnyRole(auth.RoleDeveloper, auth.RoleAdmin) {
			writeError(w, r, http.StatusForbidden, "caller cannot modify assessments")
			return
		}
		var req updateAssessmentRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		rec, err := a.assessments.Update(r.Context(), assessment.Assessment{
			GUID:    guid,
			Title:   req.Title,
			Summary: req.Summary,
			Version: req.Version,
		})
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		a.audit(r.Context(), "assessment.update", map[string]any{"guid": guid, "version": rec.Version})
		writeJSON(w, http.StatusOK, rec)
	case http.MethodDelete:
		physical := parseBool(r.URL.Query().Get("physical"))
		if physical && !caller.Admin() {
			writeError(w, r, http.StatusForbidden, "physical delete requires the admin role")
			return
		}
		if !caller.HasAnyRole(auth.RoleDeveloper, auth.RoleAdmin) {
			writeError(w, r, http.StatusForbidden, "caller cannot delete assessments")
			return
		}
		if err := a.assessments.Delete(r.Context(), guid, physical); err != nil {
			handleServiceError(w, r, err)
			return
		}
		a.audit(r.Context(), "assessment.delete", map[string]any{"guid": guid, "physical": physical})
		writeJSON(w, http.StatusOK, map[string]any{"message": "Assessment deleted."})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}

// listAssessmentRevisions resolves the guid to its identifier, then pages the
// identifier's revisions newest first.
func (a *API) listAssessmentRevisions(w http.ResponseWriter, r *http.Request, guid string) {
	rec, err := a.assessments.Get(r.Context(), guid)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	limit, err := parseNonNegativeInt(r.URL.Query().Get("pageSize"), 50, 100)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "pageSize "+err.Error())
		return
	}
	offset, err := parseNonNegativeInt(r.URL.Query().Get("offsetBy"), 0, 0)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "offsetBy "+err.Error())
		return
	}
	includeDeleted := parseBool(r.URL.Query().Get("includeDeleted"))

	items, total, err := a.assessments.ListRevisions(r.Context(), rec.Identifier, includeDeleted, limit, offset)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pagedResponse{Items: items, Total: total})
}
