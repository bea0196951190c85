package study

import (
	"regexp"
	"time"
)

// Study is a research study. Version supports optimistic locking: updates
// must present the version they read, and every successful write bumps it.
// Deleted marks a logical delete; the row survives for audit and history.
type Study struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Details    string    `json:"details,omitempty"`
	Phase      string    `json:"phase,omitempty"`
	Version    int64     `json:"version"`
	Deleted    bool      `json:"deleted"`
	CreatedOn  time.Time `json:"createdOn"`
	ModifiedOn time.Time `json:"modifiedOn"`
}

// Organization groups administrative accounts and sponsors studies.
type Organization struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedOn   time.Time `json:"createdOn"`
	ModifiedOn  time.Time `json:"modifiedOn"`
}

var identifierPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// ValidIdentifier reports whether a caller-chosen id is acceptable.
func ValidIdentifier(id string) bool {
	return len(id) <= 60 && identifierPattern.MatchString(id)
}
