package account

import "strings"

// Merge applies an update request onto the stored account. Immutable-once-set
// fields are handled one by one: a conflicting value is dropped without error,
// an empty stored field accepts a first value. Roles, org membership and
// status have dedicated admin operations and are never touched here. Every
// Service implementation routes updates through this one function so the
// immutability rules cannot drift between backends.
func Merge(stored Account, in Account) Account {
	out := stored

	if stored.Email == "" && strings.TrimSpace(in.Email) != "" {
		out.Email = normalizeEmail(in.Email)
	}
	if stored.Phone == "" && strings.TrimSpace(in.Phone) != "" {
		out.Phone = strings.TrimSpace(in.Phone)
	}

	out.FirstName = strings.TrimSpace(in.FirstName)
	out.LastName = strings.TrimSpace(in.LastName)
	out.DataGroups = dedupeStrings(in.DataGroups)
	out.Languages = dedupeStrings(in.Languages)
	if in.Attributes == nil {
		out.Attributes = nil
	} else {
		attrs := make(map[string]string, len(in.Attributes))
		for k, v := range in.Attributes {
			attrs[k] = v
		}
		out.Attributes = attrs
	}
	return out
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
