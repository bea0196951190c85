package httpapi

import (
	"net/http"
	"strings"
	"time"

	"studykit.org/internal/account"
	"studykit.org/internal/auth"
	"studykit.org/internal/enrollment"
)

type participantResponse struct {
	account.Account
	ExternalIDs map[string]string `json:"externalIds,omitempty"`
}

type updateParticipantRequest struct {
	FirstName  string            `json:"firstName,omitempty"`
	LastName   string            `json:"lastName,omitempty"`
	Email      string            `json:"email,omitempty"`
	Phone      string            `json:"phone,omitempty"`
	DataGroups []string          `json:"dataGroups,omitempty"`
	Languages  []string          `json:"languages,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`

	// Deprecated enrollment-by-profile-update surface. EnrolledStudies is
	// reconciled against the active enrollments: listed studies are enrolled,
	// active studies missing from the list are withdrawn. ExternalIDs maps
	// study id to identifier for enrollments created this way.
	EnrolledStudies *[]string         `json:"enrolledStudies,omitempty"`
	ExternalIDs     map[string]string `json:"externalIds,omitempty"`
}

type withdrawAppRequest struct {
	Reason string `json:"reason,omitempty"`
}

type selfEnrollRequest struct {
	StudyID         string `json:"studyId"`
	ExternalID      string `json:"externalId,omitempty"`
	ConsentRequired bool   `json:"consentRequired,omitempty"`
}

// handleParticipantSearch is the app-wide search. Coordinators are scoped to
// sponsored studies and must use the study search; global-scope roles pass.
func (a *API) handleParticipantSearch(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !caller.HasAnyRole(auth.RoleAdmin, auth.RoleResearcher, auth.RoleDeveloper, auth.RoleWorker) {
		writeError(w, r, http.StatusForbidden, "app-wide search requires a global-scope role")
		return
	}
	var params account.RequestParams
	if err := decodeJSON(w, r, &params); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	list, err := a.accounts.Search(r.Context(), params)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *API) handleSelf(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		a.getParticipant(w, r, caller.AccountID)
	case http.MethodPost:
		a.updateParticipant(w, r, caller, caller.AccountID, true)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// handleWithdrawFromApp withdraws the caller from every study at once. The
// participant-visible identifier map is empty afterwards; the ledger rows
// stay behind for administrative queries.
func (a *API) handleWithdrawFromApp(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req withdrawAppRequest
	if err := decodeJSON(w, r, &req); err != nil && !strings.Contains(err.Error(), "request body is required") {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	withdrawn, err := a.enrollments.WithdrawFromApp(r.Context(), caller.AccountID, req.Reason, caller.AccountID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "enrollment.withdraw_from_app", map[string]any{
		"accountId": caller.AccountID,
		"studies":   len(withdrawn),
	})
	writeJSON(w, http.StatusOK, pagedResponse{Items: withdrawn, Total: len(withdrawn)})
}

// handleParticipantResource dispatches /v1/participants/{id} and nested
// routes. The literal id "self" resolves to the caller's own account.
func (a *API) handleParticipantResource(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.caller(w, r)
	if !ok {
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/v1/participants/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if parts[0] == "externalId" {
		if len(parts) == 2 && r.Method == http.MethodGet {
			a.getParticipantByExternalID(w, r, caller, parts[1])
			return
		}
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	accountID := parts[0]
	self := false
	if accountID == "self" {
		accountID = caller.AccountID
		self = true
	}
	if !self && !caller.Privileged() {
		// Do not reveal whether the account exists.
		writeError(w, r, http.StatusNotFound, "account not found")
		return
	}

	if len(parts) == 1 {
		switch r.Method {
		case http.MethodGet:
			a.getParticipant(w, r, accountID)
		case http.MethodPost:
			a.updateParticipant(w, r, caller, accountID, self)
		case http.MethodDelete:
			a.deleteParticipant(w, r, caller, accountID)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost, http.MethodDelete)
		}
		return
	}

	if parts[1] != "enrollments" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		a.listParticipantEnrollments(w, r, accountID)
	case len(parts) == 2 && r.Method == http.MethodPost:
		a.enrollParticipant(w, r, caller, accountID, self)
	case len(parts) == 3 && r.Method == http.MethodDelete:
		a.withdrawParticipant(w, r, caller, accountID, parts[2], self)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost, http.MethodDelete)
	}
}

func (a *API) getParticipant(w http.ResponseWriter, r *http.Request, accountID string) {
	acct, err := a.accounts.Get(r.Context(), accountID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	visible, err := a.enrollments.VisibleExternalIDs(r.Context(), accountID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	resp := participantResponse{Account: acct}
	if len(visible) > 0 {
		resp.ExternalIDs = visible
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) getParticipantByExternalID(w http.ResponseWriter, r *http.Request, caller auth.Caller, externalID string) {
	studyID := strings.TrimSpace(r.URL.Query().Get("studyId"))
	if studyID == "" {
		writeError(w, r, http.StatusBadRequest, "studyId query parameter is required")
		return
	}
	if err := a.resolver.Authorize(r.Context(), caller, studyID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	rec, err := a.enrollments.GetExternalID(r.Context(), studyID, externalID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if rec.AssignedAccountID == "" {
		writeError(w, r, http.StatusNotFound, "external identifier is not assigned")
		return
	}
	a.getParticipant(w, r, rec.AssignedAccountID)
}

func (a *API) updateParticipant(w http.ResponseWriter, r *http.Request, caller auth.Caller, accountID string, self bool) {
	var req updateParticipantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.EnrolledStudies != nil && self && !caller.Privileged() {
		writeError(w, r, http.StatusForbidden, "enrollment changes through profile updates require an administrative caller")
		return
	}

	acct, err := a.accounts.Update(r.Context(), account.Account{
		ID:         accountID,
		Email:      req.Email,
		Phone:      req.Phone,
		FirstName:  req.FirstName,
		LastName:   req.LastName,
		DataGroups: req.DataGroups,
		Languages:  req.Languages,
		Attributes: req.Attributes,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	if req.EnrolledStudies != nil {
		if err := a.reconcileEnrollments(w, r, caller, accountID, *req.EnrolledStudies, req.ExternalIDs); err != nil {
			return
		}
	}

	a.audit(r.Context(), "participant.update", map[string]any{"accountId": accountID})
	a.getParticipant(w, r, acct.ID)
}

// reconcileEnrollments backs the deprecated enroll-by-profile-update path.
// Listed studies are enrolled through the normal ledger path, so smuggling a
// fresh identifier into an already-enrolled study hits the same single-active
// check as an explicit enroll. Active studies missing from the list are
// treated as an alias of explicit withdrawal. Writes the HTTP error itself
// and returns non-nil when the update must stop.
func (a *API) reconcileEnrollments(w http.ResponseWriter, r *http.Request, caller auth.Caller, accountID string, studyIDs []string, extIDs map[string]string) error {
	current, err := a.enrollments.EnrollmentsForAccount(r.Context(), accountID)
	if err != nil {
		handleServiceError(w, r, err)
		return err
	}
	wanted := make(map[string]struct{}, len(studyIDs))
	for _, studyID := range studyIDs {
		wanted[studyID] = struct{}{}
	}

	for _, rec := range current {
		if rec.Withdrawn() {
			continue
		}
		if _, keep := wanted[rec.StudyID]; keep {
			continue
		}
		if _, err := a.enrollments.Withdraw(r.Context(), accountID, rec.StudyID, "removed via profile update", caller.AccountID, time.Time{}); err != nil {
			handleServiceError(w, r, err)
			return err
		}
	}

	active := make(map[string]enrollment.Enrollment)
	for _, rec := range current {
		if !rec.Withdrawn() {
			active[rec.StudyID] = rec
		}
	}
	for _, studyID := range studyIDs {
		extID := extIDs[studyID]
		if _, ok := active[studyID]; ok && extID == "" {
			// Already enrolled and no identifier change requested.
			continue
		}
		if err := a.resolver.Authorize(r.Context(), caller, studyID); err != nil {
			handleServiceError(w, r, err)
			return err
		}
		if _, err := a.enrollments.Enroll(r.Context(), accountID, studyID, extID, false, caller.AccountID, time.Time{}); err != nil {
			handleServiceError(w, r, err)
			return err
		}
	}
	return nil
}

// deleteParticipant physically removes the account, cascading to the ledger
// and releasing its identifiers.
func (a *API) deleteParticipant(w http.ResponseWriter, r *http.Request, caller auth.Caller, accountID string) {
	if !caller.Admin() {
		writeError(w, r, http.StatusForbidden, "account deletion requires the admin role")
		return
	}
	if _, err := a.accounts.Get(r.Context(), accountID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	if err := a.enrollments.DeleteForAccount(r.Context(), accountID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	if err := a.accounts.Delete(r.Context(), accountID); err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "participant.delete", map[string]any{"accountId": accountID})
	writeJSON(w, http.StatusOK, map[string]any{"message": "Account deleted."})
}

func (a *API) listParticipantEnrollments(w http.ResponseWriter, r *http.Request, accountID string) {
	items, err := a.enrollments.EnrollmentsForAccount(r.Context(), accountID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pagedResponse{Items: items, Total: len(items)})
}

func (a *API) enrollParticipant(w http.ResponseWriter, r *http.Request, caller auth.Caller, accountID string, self bool) {
	var req selfEnrollRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !self {
		if err := a.resolver.Authorize(r.Context(), caller, req.StudyID); err != nil {
			handleServiceError(w, r, err)
			return
		}
	}
	st, err := a.studies.GetStudy(r.Context(), req.StudyID)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	if st.Deleted {
		writeError(w, r, http.StatusNotFound, "study not found")
		return
	}

	rec, err := a.enrollments.Enroll(r.Context(), accountID, req.StudyID, req.ExternalID, req.ConsentRequired, caller.AccountID, time.Time{})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	a.audit(r.Context(), "enrollment.enroll", map[string]any{
		"accountId":  accountID,
		"studyId":    req.StudyID,
		"externalId": req.ExternalID,
	})
	writeJSON(w, http.StatusCreated, rec)
}

func (a *API) withdrawParticipant(w http.ResponseWriter, r *http.Request, caller auth.Caller, accountID, studyID string, self bool) {
	if !self {
		if err := a.resolver.Authorize(r.Context(), caller, studyID); err != nil {
			handleServiceError(w, r, err)
			return
		}
	}
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
