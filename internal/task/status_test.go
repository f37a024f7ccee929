package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusOrder(t *testing.T) {
	order := StatusOrder()
	require.Len(t, order, 11)
	assert.Equal(t, StatusDraft, order[0])
	assert.Equal(t, StatusDone, order[len(order)-1])
	assert.NotContains(t, order, StatusBlocked)
}

func TestStatusNext(t *testing.T) {
	next, err := StatusDraft.Next()
	require.NoError(t, err)
	assert.Equal(t, StatusRequirementsReview, next)

	next, err = StatusReadyToMerge.Next()
	require.NoError(t, err)
	assert.Equal(t, StatusDone, next)

	_, err = StatusDone.Next()
	assert.Error(t, err)

	_, err = StatusBlocked.Next()
	assert.Error(t, err)
}

func TestStatusPredicates(t *testing.T) {
	tests := []struct {
		status   Status
		valid    bool
		terminal bool
		active   bool
	}{
		{StatusDraft, true, false, true},
		{StatusInProgress, true, false, true},
		{StatusDone, true, true, false},
		{StatusBlocked, true, false, false},
		{Status("archived"), false, false, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.valid, tt.status.Valid())
			assert.Equal(t, tt.terminal, tt.status.Terminal())
			assert.Equal(t, tt.active, tt.status.Active())
		})
	}
}

// The internal-to-tracker vocabulary mapping is fixed; any change here
// silently desynchronizes the tracker board.
func TestTrackerStatusTable(t *testing.T) {
	want := map[Status]TrackerStatus{
		StatusDraft:                  TrackerBusinessReview,
		StatusRequirementsReview:     TrackerBusinessReview,
		StatusTestPlanReview:         TrackerBusinessReview,
		StatusTechnicalReview:        TrackerBusinessReview,
		StatusSplitEvaluation:        TrackerBusinessReview,
		StatusReadyForImplementation: TrackerReadyForImplementation,
		StatusInProgress:             TrackerInProgress,
		StatusInReview:               TrackerInReview,
		StatusDocumentationUpdate:    TrackerInReview,
		StatusReadyToMerge:           TrackerReadyToMerge,
		StatusDone:                   TrackerDone,
		StatusBlocked:                TrackerBlocked,
	}
	for status, expected := range want {
		got, err := TrackerStatusFor(status)
		require.NoError(t, err, "status %s", status)
		assert.Equal(t, expected, got, "status %s", status)
	}

	_, err := TrackerStatusFor(Status("archived"))
	assert.Error(t, err)
}
