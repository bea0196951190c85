package httpapi

import (
	"net/http"
	"strings"
	"time"

	"studykit.org/internal/account"
	"studykit.org/internal/auth"
)

type signUpRequest struct {
	Email           string            `json:"email,omitempty"`
	Phone           string            `json:"phone,omitempty"`
	Password        string            `json:"password"`
	FirstName       string            `json:"firstName,omitempty"`
	LastName        string            `json:"lastName,omitempty"`
	DataGroups      []string          `json:"dataGroups,omitempty"`
	Languages       []string          `json:"languages,omitempty"`
	Attributes      map[string]string `json:"attributes,omitempty"`
	StudyID         string            `json:"studyId,omitempty"`
	ExternalID      string            `json:"externalId,omitempty"`
	ConsentRequired bool              `json:"consentRequired,omitempty"`
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signInResponse struct {
	Token     string          `json:"token"`
	ExpiresAt time.Time       `json:"expiresAt"`
	Account   account.Account `json:"account"`
}

const tokenTTL = time.Hour

// handleSignUp registers an account and optionally enrolls it in a study in
// the same call. The response never discloses whether the identifier was
// already registered.
func (a *API) handleSignUp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req signUpRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.ExternalID) != "" && strings.TrimSpace(req.StudyID) == "" {
		writeError(w, r, http.StatusBadRequest, "externalId requires a studyId")
		return
	}

	acct, err := a.accounts.SignUp(r.Context(), account.Account{
		Email:      req.Email,
		Phone:      req.Phone,
		FirstName:  req.FirstName,
		LastName:   req.LastName,
		DataGroups: req.DataGroups,
		Languages:  req.Languages,
		Attributes: req.Attributes,
	}, req.Password)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}

	if strings.TrimSpace(req.StudyID) != "" {
		if _, err := a.studies.GetStudy(r.Context(), req.StudyID); err != nil {
			handleServiceError(w, r, err)
			return
		}
		_, err := a.enrollments.Enroll(r.Context(), acct.ID, req.StudyID, req.ExternalID, req.ConsentRequired, acct.ID, time.Time{})
		if err != nil {
			handleServiceError(w, r, err)
			return
		}
	}

	a.audit(r.Context(), "auth.signup", map[string]any{
		"accountId": acct.ID,
		"studyId":   req.StudyID,
	})
	writeJSON(w, http.StatusCreated, map[string]any{"message": "Signed up."})
}

func (a *API) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req signInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	acct, err := a.accounts.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		// Credential failures are 401 at the transport even though the
		// domain reports them as authorization errors.
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
		return
	}

	var orgs []string
	if acct.OrgMembership != "" {
		orgs = []string{acct.OrgMembership}
	}
	token, err := auth.GenerateToken(acct.ID, acct.Roles, orgs, tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	a.audit(r.Context(), "auth.signin", map[string]any{"accountId": acct.ID})
	writeJSON(w, http.StatusOK, signInResponse{
		Token:     token,
		ExpiresAt: time.Now().UTC().Add(tokenTTL),
		Account:   acct,
	})
}
