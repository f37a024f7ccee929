package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGateOrderCoversLifecycle(t *testing.T) {
	order := GateOrder()
	require.Len(t, order, 9)

	// Each gate's entry state must be the previous gate's passed state,
	// starting from the post-creation status.
	entry := StatusRequirementsReview
	for _, g := range order {
		assert.Equal(t, entry, g.Entry, "gate %s", g.ID)
		entry = g.Next
	}
	assert.Equal(t, StatusDone, entry)
}

func TestGateAgents(t *testing.T) {
	human := []GateID{GateRequirements, GateTestPlan, GateImplementationStart, GateMerge}
	agents := map[GateID]AgentName{
		GateTechnicalReview: AgentPlannerReviewer,
		GateSplitEvaluation: AgentSplitter,
		GateImplementation:  AgentPRCreator,
		GateCodeReview:      AgentValidator,
		GateDocumentation:   AgentDocUpdater,
	}

	for _, id := range human {
		g, err := GateByID(id)
		require.NoError(t, err)
		assert.True(t, g.Human(), "gate %s should be human-confirmed", id)
	}
	for id, agent := range agents {
		g, err := GateByID(id)
		require.NoError(t, err)
		assert.False(t, g.Human(), "gate %s should be agent-evaluated", id)
		assert.Equal(t, agent, g.Agent)
	}
}

func TestGateByIDUnknown(t *testing.T) {
	_, err := GateByID("deploy")
	assert.Error(t, err)
}

func TestGatesPassedIsPrefix(t *testing.T) {
	assert.True(t, GatesPassedIsPrefix(nil))
	assert.True(t, GatesPassedIsPrefix([]GateID{GateRequirements}))
	assert.True(t, GatesPassedIsPrefix([]GateID{GateRequirements, GateTestPlan, GateTechnicalReview}))

	// Skipping a gate breaks the prefix.
	assert.False(t, GatesPassedIsPrefix([]GateID{GateTestPlan}))
	assert.False(t, GatesPassedIsPrefix([]GateID{GateRequirements, GateTechnicalReview}))

	// Too many entries.
	all := make([]GateID, 0, 10)
	for _, g := range GateOrder() {
		all = append(all, g.ID)
	}
	assert.True(t, GatesPassedIsPrefix(all))
	assert.False(t, GatesPassedIsPrefix(append(all, GateMerge)))
}

func TestVerdictValid(t *testing.T) {
	assert.True(t, VerdictApproved.Valid())
	assert.True(t, VerdictNeedsRevision.Valid())
	assert.True(t, VerdictRejected.Valid())
	assert.False(t, Verdict("").Valid())
	assert.False(t, Verdict("maybe").Valid())
}

func TestInvocationOpen(t *testing.T) {
	inv := &GateInvocation{}
	assert.True(t, inv.Open())

	inv.Verdict = VerdictApproved
	assert.False(t, inv.Open())

	abandoned := &GateInvocation{Abandoned: true}
	assert.False(t, abandoned.Open())
}
