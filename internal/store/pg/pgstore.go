// Package pg is the Postgres backing for the account, study, enrollment and
// assessment services. One Store implements all four interfaces over a shared
// connection pool.
package pg

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"studykit.org/internal/account"
	"studykit.org/internal/assessment"
	"studykit.org/internal/enrollment"
	"studykit.org/internal/study"
)

type Store struct {
	db *sql.DB
}

var (
	_ account.Service    = (*Store)(nil)
	_ study.Service      = (*Store)(nil)
	_ enrollment.Service = (*Store)(nil)
	_ assessment.Service = (*AssessmentStore)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewFromDB wraps an existing pool. Tests use it to inject a mock driver.
func NewFromDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// --- helpers ---

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// String slices and maps live in jsonb columns; the stdlib driver round-trips
// them as []byte.
func toJSON(v any) []byte {
	if v == nil {
		return []byte("null")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("null")
	}
	return data
}

func fromJSONSlice(data []byte) []string {
	var out []string
	_ = json.Unmarshal(data, &out)
	return out
}

func fromJSONMap(data []byte) map[string]string {
	var out map[string]string
	_ = json.Unmarshal(data, &out)
	return out
}

// Filter strings are literal text; LIKE would read % and _ as wildcards.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string { return likeEscaper.Replace(s) }

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
