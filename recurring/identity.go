/*
identity.go - Identity set resolution

PURPOSE:
  One person can be referenced by several foreign keys: the auth subject id,
  a profile document id, and a legacy employee record id. Assignments made
  at different times by different people use different ones. The resolver
  collects them once per request into an IdentitySet, which the visibility
  filter then matches against without further lookups.

RULES:
  - The subject id is always in the set
  - Profile and legacy employee ids are added when their email matches the
    principal's email (case-insensitive)
  - A failing lookup is logged and skipped; the partial set is returned
  - The set is for matching only. Writes always use the subject id.
*/
package recurring

import (
	"context"
	"log/slog"
	"sort"
	"strings"
)

// =============================================================================
// IDENTITY SET
// =============================================================================

// IdentitySet is an immutable set of identifiers for one principal.
type IdentitySet struct {
	ids map[string]struct{}
}

// NewIdentitySet builds a set, dropping empty and duplicate ids.
func NewIdentitySet(ids ...string) IdentitySet {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			m[id] = struct{}{}
		}
	}
	return IdentitySet{ids: m}
}

func (s IdentitySet) Contains(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// ContainsAny reports whether any of ids is in the set.
func (s IdentitySet) ContainsAny(ids ...string) bool {
	for _, id := range ids {
		if s.Contains(id) {
			return true
		}
	}
	return false
}

func (s IdentitySet) Len() int { return len(s.ids) }

// Slice returns the ids sorted.
func (s IdentitySet) Slice() []string {
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// With returns a new set that also holds ids.
func (s IdentitySet) With(ids ...string) IdentitySet {
	return NewIdentitySet(append(s.Slice(), ids...)...)
}

// =============================================================================
// RESOLVER
// =============================================================================

type IdentityResolver struct {
	Profiles  ProfileDirectory
	Employees EmployeeDirectory
	Logger    *slog.Logger
}

// Resolve returns every identifier known to refer to p. It never fails.
func (r *IdentityResolver) Resolve(ctx context.Context, p Principal) IdentitySet {
	ids := []string{p.SubjectID}
	email := strings.TrimSpace(strings.ToLower(p.Email))
	if email == "" {
		return NewIdentitySet(ids...)
	}

	if r.Profiles != nil {
		found, err := r.Profiles.ProfileIDsByEmail(ctx, email)
		if err != nil {
			r.logger().WarnContext(ctx, "profile lookup failed, continuing with partial identity set",
				"subject", p.SubjectID, "err", err)
		} else {
			ids = append(ids, found...)
		}
	}

	if r.Employees != nil {
		found, err := r.Employees.EmployeeIDsByEmail(ctx, email)
		if err != nil {
			r.logger().WarnContext(ctx, "employee lookup failed, continuing with partial identity set",
				"subject", p.SubjectID, "err", err)
		} else {
			ids = append(ids, found...)
		}
	}

	return NewIdentitySet(ids...)
}

func (r *IdentityResolver) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}
