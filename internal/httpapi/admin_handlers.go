package httpapi

import (
	"net/http"
	"strings"
	"time"

	"studykit.org/internal/auth"
	"studykit.org/internal/enrollment"
)

type migrateEnrollmentsRequest struct {
	Enrollments []migrateEnrollmentRow `json:"enrollments"`
}

type migrateEnrollmentRow struct {
	StudyID         string     `json:"studyId"`
	ExternalID      string     `json:"externalId,omitempty"`
	ConsentRequired bool       `json:"consentRequired,omitempty"`
	EnrolledOn      time.Time  `json:"enrolledOn,omitempty"`
	EnrolledBy      string     `json:"enrolledBy,omitempty"`
	WithdrawnOn     *time.Time `json:"withdrawnOn,omitempty"`
	WithdrawnBy     string     `json:"withdrawnBy,omitempty"`
	WithdrawalNote  string     `json:"withdrawalNote,omitempty"`
}

// handleAdminParticipantResource serves the privileged backfill surface:
// POST /v1/admin/participants/{id}/enrollments rewrites the account's entire
// enrollment history in one call. Workers and admins only.
func (a *API) handleAdminParticipantResource(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	if !caller.HasAnyRole(auth.RoleWorker, auth.RoleAdmin) {
		writeError(w, r, http.StatusForbidden, "enrollment migration requires the worker or admin role")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/admin/participants/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "enrollments" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	accountID := parts[0]

	if _, err := a.accounts.Get(r.Context(), accountID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	var req migrateEnrollmentsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	rows := make([]enrollment.Enrollment, 0, len(req.Enrollments))
	for _, row := range req.Enrollments {
		rows = append(rows, enrollment.Enrollment{
			StudyID:         row.StudyID,
			ExternalID:      row.ExternalID,
			ConsentRequired: row.ConsentRequired,
			EnrolledOn:      row.EnrolledOn,
			EnrolledBy:      row.EnrolledBy,
			WithdrawnOn:     row.WithdrawnOn,
			WithdrawnBy:     row.WithdrawnBy,
			WithdrawalNote:  row.WithdrawalNote,
		})
	}

	stored, err := a.enrollments.MigrateEnrollments(r.Context(), accountID, rows)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "enrollment.migrate", map[string]any{
		"accountId": accountID,
		"rows":      len(stored),
	})
	writeJSON(w, http.StatusOK, pagedResponse{Items: stored, Total: len(stored)})
}
