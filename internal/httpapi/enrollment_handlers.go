package httpapi

import (
	"net/http"
	"time"

	"studykit.org/internal/account"
	"studykit.org/internal/auth"
)

type enrollRequest struct {
	AccountID       string `json:"accountId"`
	ExternalID      string `json:"externalId,omitempty"`
	ConsentRequired bool   `json:"consentRequired,omitempty"`
}

type createExternalIDRequest struct {
	Identifier string `json:"identifier"`
}

// handleStudyEnrollments covers listing, enrolling and withdrawing within one
// study. Every path runs through the scope resolver first, so an out-of-scope
// coordinator is rejected and an unprivileged caller learns nothing about the
// study's existence.
func (a *API) handleStudyEnrollments(w http.ResponseWriter, r *http.Request, caller auth.Caller, studyID string, rest []string) {
	if err := a.resolver.Authorize(r.Context(), caller, studyID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	if _, err := a.studies.GetStudy(r.Context(), studyID); err != nil {
		handleServiceError(w, r, err)
		return
	}

	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
		a.listStudyEnrollments(w, r, studyID)
	case len(rest) == 0 && r.Method == http.MethodPost:
		a.enrollIntoStudy(w, r, caller, studyID)
	case len(rest) == 1 && r.Method == http.MethodDelete:
		a.withdrawFromStudy(w, r, caller, studyID, rest[0])
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}

func (a *API) listStudyEnrollments(w http.ResponseWriter, r *http.Request, studyID string) {
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
	filter := r.URL.Query().Get("enrollmentFilter")

	items, total, err := a.enrollments.EnrollmentsForStudy(r.Context(), studyID, filter, limit, offset)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pagedResponse{Items: items, Total: total})
}

func (a *API) enrollIntoStudy(w http.ResponseWriter, r *http.Request, caller auth.Caller, studyID string) {
	var req enrollRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := a.accounts.Get(r.Context(), req.AccountID); err != nil {
		handleServiceError(w, r, err)
		return
	}

	rec, err := a.enrollments.Enroll(r.Context(), req.AccountID, studyID, req.ExternalID, req.ConsentRequired, caller.AccountID, time.Time{})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "enrollment.enroll", map[string]any{
		"accountId":  req.AccountID,
		"studyId":    studyID,
		"externalId": req.ExternalID,
	})
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) withdrawFromStudy(w http.ResponseWriter, r *http.Request, caller auth.Caller, studyID, accountID string) {
	note := r.URL.Query().Get("withdrawalNote")
	rec, err := a.enrollments.Withdraw(r.Context(), accountID, studyID, note, caller.AccountID, time.Time{})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "enrollment.withdraw", map[string]any{
		"accountId": accountID,
		"studyId":   studyID,
	})
	writeJSON(w, http.StatusOK, rec)
}

// handleStudyExternalIDs manages the study's identifier namespace.
func (a *API) handleStudyExternalIDs(w http.ResponseWriter, r *http.Request, caller auth.Caller, studyID string, rest []string) {
	if err := a.resolver.Authorize(r.Context(), caller, studyID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	if _, err := a.studies.GetStudy(r.Context(), studyID); err != nil {
		handleServiceError(w, r, err)
		return
	}

	switch {
	case len(rest) == 0 && r.Method == http.MethodGet:
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
		items, total, err := a.enrollments.ListExternalIDs(r.Context(), studyID, r.URL.Query().Get("idFilter"), limit, offset)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, pagedResponse{Items: items, Total: total})
	case len(rest) == 0 && r.Method == http.MethodPost:
		var req createExternalIDRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		rec, err := a.enrollments.CreateExternalID(r.Context(), req.Identifier, studyID)
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
		a.audit(r.Context(), "externalid.create", map[string]any{"studyId": studyID, "identifier": rec.Identifier})
		writeJSON(w, http.StatusCreated, rec)
	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := a.enrollments.DeleteExternalID(r.Context(), studyID, rest[0]); err != nil {
			handleServiceError(w, r, err)
			return
		}
		a.audit(r.Context(), "externalid.delete", map[string]any{"studyId": studyID, "identifier": rest[0]})
		writeJSON(w, http.StatusOK, map[string]any{"message": "External identifier deleted."})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}

// searchStudyParticipants is the study-scoped search: the study id from the
// path overrides whatever the body carries, after the scope check passes.
func (a *API) searchStudyParticipants(w http.ResponseWriter, r *http.Request, caller auth.Caller, studyID string) {
	if err := a.resolver.Authorize(r.Context(), caller, studyID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	var params account.RequestParams
	if err := decodeJSON(w, r, &params); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	params.EnrolledInStudyID = studyID

	list, err := a.accounts.Search(r.Context(), params)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}
