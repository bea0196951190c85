package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"studykit.org/internal/account"
	"studykit.org/internal/assessment"
	"studykit.org/internal/audit"
	"studykit.org/internal/auth"
	"studykit.org/internal/enrollment"
	"studykit.org/internal/errs"
	"studykit.org/internal/obs"
	"studykit.org/internal/study"
)

// ReadyProbe reports whether downstream storage is reachable.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Config carries the service dependencies for the HTTP layer.
type Config struct {
	Accounts    account.Service
	Studies     study.Service
	Enrollments enrollment.Service
	Assessments assessment.Service
	Resolver    *auth.Resolver
	ReadyProbe  ReadyProbe
	Version     string

	// RateBurst and RatePerSecond bound each client IP; zero disables the
	// limiter (tests run unlimited).
	RateBurst     int
	RatePerSecond int
}

// API is the HTTP layer.
type API struct {
	mux           *http.ServeMux
	accounts      account.Service
	studies       study.Service
	enrollments   enrollment.Service
	assessments   assessment.Service
	resolver      *auth.Resolver
	readyProbe    ReadyProbe
	version       string
	rateBurst     int
	ratePerSecond int
}

func New(cfg Config) *API {
	a := &API{
		mux:           http.NewServeMux(),
		accounts:      cfg.Accounts,
		studies:       cfg.Studies,
		enrollments:   cfg.Enrollments,
		assessments:   cfg.Assessments,
		resolver:      cfg.Resolver,
		readyProbe:    cfg.ReadyProbe,
		version:       cfg.Version,
		rateBurst:     cfg.RateBurst,
		ratePerSecond: cfg.RatePerSecond,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// authentication
	a.mux.HandleFunc("/v1/auth/signup", a.handleSignUp)
	a.mux.HandleFunc("/v1/auth/signin", a.handleSignIn)

	// studies, organizations, enrollment, external ids
	a.mux.HandleFunc("/v1/studies", a.handleStudiesCollection)
	a.mux.HandleFunc("/v1/studies/", a.handleStudyResource)
	a.mux.HandleFunc("/v1/organizations", a.handleOrgsCollection)
	a.mux.HandleFunc("/v1/organizations/", a.handleOrgResource)

	// participants and search
	a.mux.HandleFunc("/v1/participants/search", a.handleParticipantSearch)
	a.mux.HandleFunc("/v1/participants/self", a.handleSelf)
	a.mux.HandleFunc("/v1/participants/self/withdraw", a.handleWithdrawFromApp)
	a.mux.HandleFunc("/v1/participants/", a.handleParticipantResource)

	// assessments
	a.mux.HandleFunc("/v1/assessments", a.handleAssessmentsCollection)
	a.mux.HandleFunc("/v1/assessments/", a.handleAssessmentResource)

	// privileged backfill
	a.mux.HandleFunc("/v1/admin/participants/", a.handleAdminParticipantResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler wires the middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	if a.rateBurst > 0 && a.ratePerSecond > 0 {
		h = RateLimit(h, a.rateBurst, a.ratePerSecond)
	}
	h = Logging(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "studykit-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "studykit-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	_ = audit.LogEvent(ctx, event, fields)
}

// caller returns the authenticated caller or writes a 401.
func (a *API) caller(w http.ResponseWriter, r *http.Request) (auth.Caller, bool) {
	caller, ok := auth.CallerFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return auth.Caller{}, false
	}
	return caller, true
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// handleServiceError maps the domain error taxonomy onto HTTP statuses.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errs.ErrInvalidEntity):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, errs.ErrUnauthorized):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, errs.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, errs.ErrAlreadyExists), errors.Is(err, errs.ErrConstraintViolation):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parseNonNegativeInt(raw string, def, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val < 0 {
		return 0, errors.New("must be a non-negative integer")
	}
	if max > 0 && val > max {
		return 0, errors.New("value out of range")
	}
	return val, nil
}

func parseBool(raw string) bool {
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && v
}
