package httpapi

import (
	"net/http"
	"strings"

	"studykit.org/internal/auth"
	"studykit.org/internal/study"
)

type createStudyRequest struct {
	ID      string `json:"id,omitempty"`
	Name    string `json:"name"`
	Details string `json:"details,omitempty"`
	Phase   string `json:"phase,omitempty"`
}

type updateStudyRequest struct {
	Name    string `json:"name"`
	Details string `json:"details,omitempty"`
	Phase   string `json:"phase,omitempty"`
	Version int64  `json:"version"`
}

type pagedResponse struct {
	Items any `json:"items"`
	Total int `json:"total"`
}

func (a *API) handleStudiesCollection(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		a.listStudies(w, r, caller)
	case http.MethodPost:
		a.createStudy(w, r, caller)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleStudyResource dispatches /v1/studies/{id} and its nested resources.
func (a *API) handleStudyResource(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/studies/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	studyID := parts[0]

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			a.getStudy(w, r, caller, studyID)
		case http.MethodPost:
			a.updateStudy(w, r, caller, studyID)
		case http.MethodDelete:
			a.deleteStudy(w, r, caller, studyID)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost, http.MethodDelete)
		}
		return
	}

	switch parts[1] {
	case "enrollments":
		a.handleStudyEnrollments(w, r, caller, studyID, parts[2:])
	case "externalids":
		a.handleStudyExternalIDs(w, r, caller, studyID, parts[2:])
	case "sponsors":
		a.handleStudySponsors(w, r, caller, studyID, parts[2:])
	case "participants":
		if len(parts) == 3 && parts[2] == "search" && r.Method == http.MethodPost {
			a.searchStudyParticipants(w, r, caller, studyID)
			return
		}
		writeError(w, r, http.StatusNotFound, "resource not found")
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) listStudies(w http.ResponseWriter, r *http.Request, caller auth.Caller) {
	if !caller.Privileged() {
		writeError(w, r, http.StatusForbidden, "caller is not an administrative account")
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

	items, total, err := a.studies.ListStudies(r.Context(), includeDeleted, limit, offset)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pagedResponse{Items: items, Total: total})
}

func (a *API) createStudy(w http.ResponseWriter, r *http.Request, caller auth.Caller) {
	if !caller.HasAnyRole(auth.RoleDeveloper, auth.RoleAdmin) {
		writeError(w, r, http.StatusForbidden, "caller cannot create studies")
		return
	}
	var req createStudyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	st, err := a.studies.CreateStudy(r.Context(), study.Study{
		ID:      req.ID,
		Name:    req.Name,
		Details: req.Details,
		Phase:   req.Phase,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "study.create", map[string]any{"studyId": st.ID})
	w.Header().Set("Location", "/v1/studies/"+st.ID)
	writeJSON(w, http.StatusCreated, st)
}

func (a *API) getStudy(w http.ResponseWriter, r *http.Request, caller auth.Caller, studyID string) {
	if err := a.resolver.Authorize(r.Context(), caller, studyID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	st, err := a.studies.GetStudy(r.Context(), studyID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) updateStudy(w http.ResponseWriter, r *http.Request, caller auth.Caller, studyID string) {
	if !caller.HasAnyRole(auth.RoleDeveloper, auth.RoleAdmin) {
		writeError(w, r, http.StatusForbidden, "caller cannot modify studies")
		return
	}
	var req updateStudyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	st, err := a.studies.UpdateStudy(r.Context(), study.Study{
		ID:      studyID,
		Name:    req.Name,
		Details: req.Details,
		Phase:   req.Phase,
		Version: req.Version,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "study.update", map[string]any{"studyId": st.ID, "version": st.Version})
	writeJSON(w, http.StatusOK, st)
}

func (a *API) deleteStudy(w http.ResponseWriter, r *http.Request, caller auth.Caller, studyID string) {
	physical := parseBool(r.URL.Query().Get("physical"))
	if physical && !caller.Admin() {
		writeError(w, r, http.StatusForbidden, "physical delete requires the admin role")
		return
	}
	if !caller.HasAnyRole(auth.RoleDeveloper, auth.RoleAdmin) {
		writeError(w, r, http.StatusForbidden, "caller cannot delete studies")
		return
	}
	if err := a.studies.DeleteStudy(r.Context(), studyID, physical); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "study.delete", map[string]any{"studyId": studyID, "physical": physical})
	writeJSON(w, http.StatusOK, map[string]any{"message": "Study deleted."})
}

func (a *API) handleStudySponsors(w http.ResponseWriter, r *http.Request, caller auth.Caller, studyID string, rest []string) {
	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		if err := a.resolver.Authorize(r.Context(), caller, studyID); err != nil {
			handleServiceError(w, r, err)
			return
		}
		sponsors, err := a.studies.ListSponsors(r.Context(), studyID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, pagedResponse{Items: sponsors, Total: len(sponsors)})
	case len(rest) == 0 && r.Method == http.MethodPost:
		if !caller.Admin() {
			writeError(w, r, http.StatusForbidden, "sponsorship changes require the admin role")
			return
		}
		var req struct {
			OrgID string `json:"orgId"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err := a.studies.AddSponsor(r.Context(), studyID, req.OrgID); err != nil {
			handleServiceError(w, r, err)
			return
		}
		a.audit(r.Context(), "study.sponsor.add", map[string]any{"studyId": studyID, "orgId": req.OrgID})
		writeJSON(w, http.StatusCreated, map[string]any{"message": "Sponsor added."})
	case len(rest) == 1 && r.Method == http.MethodDelete:
		if !caller.Admin() {
			writeError(w, r, http.StatusForbidden, "sponsorship changes require the admin role")
			return
		}
		if err := a.studies.RemoveSponsor(r.Context(), studyID, rest[0]); err != nil {
			handleServiceError(w, r, err)
			return
		}
		a.audit(r.Context(), "study.sponsor.remove", map[string]any{"studyId": studyID, "orgId": rest[0]})
		writeJSON(w, http.StatusOK, map[string]any{"message": "Sponsor removed."})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}

func (a *API) handleOrgsCollection(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		if !caller.Privileged() {
			writeError(w, r, http.StatusForbidden, "caller is not an administrative account")
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
		items, total, err := a.studies.ListOrganizations(r.Context(), limit, offset)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, pagedResponse{Items: items, Total: total})
	case http.MethodPost:
		if !caller.Admin() {
			writeError(w, r, http.StatusForbidden, "organization changes require the admin role")
			return
		}
		var req struct {
			ID          string `json:"id,omitempty"`
			Name        string `json:"name"`
			Description string `json:"description,omitempty"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		org, err := a.studies.CreateOrganization(r.Context(), study.Organization{
			ID:          req.ID,
			Name:        req.Name,
			Description: req.Description,
		})
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		a.audit(r.Context(), "org.create", map[string]any{"orgId": org.ID})
		w.Header().Set("Location", "/v1/organizations/"+org.ID)
		writeJSON(w, http.StatusCreated, org)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleOrgResource(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	if !caller.Privileged() {
		writeError(w, r, http.StatusForbidden, "caller is not an administrative account")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/organizations/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	orgID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		org, err := a.studies.GetOrganization(r.Context(), orgID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, org)
	case len(parts) == 2 && parts[1] == "members" && r.Method == http.MethodPost:
		if !caller.Admin() {
			writeError(w, r, http.StatusForbidden, "membership changes require the admin role")
			return
		}
		var req struct {
			AccountID string `json:"accountId"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if _, err := a.studies.GetOrganization(r.Context(), orgID); err != nil {
			handleServiceError(w, r, err)
			return
		}
		acct, err := a.accounts.SetOrgMembership(r.Context(), req.AccountID, orgID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		a.audit(r.Context(), "org.member.add", map[string]any{"orgId": orgID, "accountId": acct.ID})
		writeJSON(w, http.StatusCreated, map[string]any{"message": "Member added."})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}
