/*
visibility.go - Which tasks a principal can see

PURPOSE:
  Employees reach a task through any of three independent mechanisms. A task
  is visible when at least one matches:

    RuleDirect   task.ContactIDs contains one of the principal's identifiers
    RuleTeam     task.TeamID is one of the principal's teams
    RuleMapping  a TeamMemberMappings entry names one of the identifiers

  The rules are ORed. Managers fill in mappings independently of team
  membership, so a task reachable only through a mapping must still show up.

PURITY:
  Everything here is a pure function of (tasks, identities, teams). The same
  snapshot always yields the same subset in the same order.

PRIVILEGED ACCESS:
  Admin and manager bypass is decided by Engine.ListVisibleTasks, not here.
*/
package recurring

// AssignmentRule is one of the three visibility mechanisms.
type AssignmentRule int

const (
	RuleDirect AssignmentRule = iota
	RuleTeam
	RuleMapping
)

func (r AssignmentRule) String() string {
	switch r {
	case RuleDirect:
		return "direct"
	case RuleTeam:
		return "team"
	case RuleMapping:
		return "mapping"
	default:
		return "unknown"
	}
}

// AllRules lists every rule in evaluation order.
var AllRules = []AssignmentRule{RuleDirect, RuleTeam, RuleMapping}

// TeamSet is the set of teams a principal belongs to.
type TeamSet map[TeamID]bool

func NewTeamSet(ids ...TeamID) TeamSet {
	s := make(TeamSet, len(ids))
	for _, id := range ids {
		s[id] = true
	}
	return s
}

// Matches evaluates a single rule.
func (r AssignmentRule) Matches(task Task, ids IdentitySet, teams TeamSet) bool {
	switch r {
	case RuleDirect:
		for _, c := range task.ContactIDs {
			if ids.Contains(string(c)) {
				return true
			}
		}
	case RuleTeam:
		return task.TeamID != nil && teams[*task.TeamID]
	case RuleMapping:
		for _, m := range task.TeamMemberMappings {
			if ids.Contains(m.UserID) {
				return true
			}
		}
	}
	return false
}

// MatchedRules returns every rule that makes task visible.
func MatchedRules(task Task, ids IdentitySet, teams TeamSet) []AssignmentRule {
	var out []AssignmentRule
	for _, r := range AllRules {
		if r.Matches(task, ids, teams) {
			out = append(out, r)
		}
	}
	return out
}

// IsVisible is true when any rule matches.
func IsVisible(task Task, ids IdentitySet, teams TeamSet) bool {
	for _, r := range AllRules {
		if r.Matches(task, ids, teams) {
			return true
		}
	}
	return false
}

// VisibleTasks returns the visible subset, preserving input order.
func VisibleTasks(tasks []Task, ids IdentitySet, teams TeamSet) []Task {
	visible, _ := Partition(tasks, ids, teams)
	return visible
}

// Partition splits tasks into visible and hidden, preserving input order.
func Partition(tasks []Task, ids IdentitySet, teams TeamSet) (visible, hidden []Task) {
	for _, t := range tasks {
		if IsVisible(t, ids, teams) {
			visible = append(visible, t)
		} else {
			hidden = append(hidden, t)
		}
	}
	return visible, hidden
}
