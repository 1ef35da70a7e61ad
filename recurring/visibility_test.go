package recurring_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/warp/staffdesk/recurring"
)

func teamPtr(id recurring.TeamID) *recurring.TeamID { return &id }

func visibilityTasks() []recurring.Task {
	start := date(2025, time.January, 1)
	base := recurring.Task{Pattern: recurring.PatternMonthly, StartDate: start, NextOccurrence: start}

	direct := base
	direct.ID, direct.ContactIDs = "direct", []recurring.ClientID{"emp-17"}

	team := base
	team.ID, team.TeamID = "team", teamPtr("tax")

	mapped := base
	mapped.ID = "mapped"
	mapped.TeamMemberMappings = []recurring.TeamMemberMapping{
		{UserID: "u-asha", ClientIDs: []recurring.ClientID{"c1"}},
	}

	hidden := base
	hidden.ID, hidden.ContactIDs, hidden.TeamID = "hidden", []recurring.ClientID{"someone-else"}, teamPtr("audit")

	return []recurring.Task{direct, team, mapped, hidden}
}

func TestIsVisible_EachRuleOnItsOwn(t *testing.T) {
	ids := recurring.NewIdentitySet("auth-1", "emp-17", "u-asha")
	teams := recurring.NewTeamSet("tax")
	tasks := visibilityTasks()

	assert.Equal(t, []recurring.AssignmentRule{recurring.RuleDirect}, recurring.MatchedRules(tasks[0], ids, teams))
	assert.Equal(t, []recurring.AssignmentRule{recurring.RuleTeam}, recurring.MatchedRules(tasks[1], ids, teams))
	assert.Equal(t, []recurring.AssignmentRule{recurring.RuleMapping}, recurring.MatchedRules(tasks[2], ids, teams))
	assert.Empty(t, recurring.MatchedRules(tasks[3], ids, teams))
}

func TestIsVisible_MappingOnly(t *testing.T) {
	// GIVEN: A task with no contacts and no team, only a mapping for u-asha
	// WHEN: Asha, known by her profile id, checks visibility
	// THEN: The task is visible

	task := visibilityTasks()[2]
	ids := recurring.NewIdentitySet("auth-1", "u-asha")

	assert.True(t, recurring.IsVisible(task, ids, recurring.NewTeamSet()))
	assert.False(t, recurring.IsVisible(task, recurring.NewIdentitySet("auth-1"), recurring.NewTeamSet()))
}

func TestPartition_PreservesOrder(t *testing.T) {
	ids := recurring.NewIdentitySet("emp-17", "u-asha")
	visible, hidden := recurring.Partition(visibilityTasks(), ids, recurring.NewTeamSet("tax"))

	var got []recurring.TaskID
	for _, t := range visible {
		got = append(got, t.ID)
	}
	assert.Equal(t, []recurring.TaskID{"direct", "team", "mapped"}, got)
	assert.Len(t, hidden, 1)
	assert.Len(t, recurring.VisibleTasks(visibilityTasks(), ids, recurring.NewTeamSet()), 2)
}

func TestAssignmentRule_String(t *testing.T) {
	assert.Equal(t, "direct", recurring.RuleDirect.String())
	assert.Equal(t, "team", recurring.RuleTeam.String())
	assert.Equal(t, "mapping", recurring.RuleMapping.String())
}
