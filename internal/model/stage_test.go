package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition_HappyPath(t *testing.T) {
	t.Parallel()

	path := []Stage{
		StageCreated,
		StageResearching,
		StageResearched,
		StageGeneratingMessage,
		StageMessageReady,
		StageDelivering,
		StageDelivered,
		StageCompleted,
	}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, CanTransition(path[i], path[i+1]), "%s -> %s", path[i], path[i+1])
	}
}

func TestCanTransition_Rejected(t *testing.T) {
	t.Parallel()

	tests := []struct {
		from, to Stage
	}{
		{StageCreated, StageDelivering},
		{StageResearched, StageDelivered},
		{StageCompleted, StageResearching},
		{StageCompleted, StageFailed},
		{StageDelivered, StageFailed},
		{StageFailed, StageCompleted},
		{StageMessageReady, StageResearching},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			t.Parallel()
			assert.False(t, CanTransition(tt.from, tt.to))
		})
	}
}

func TestCanTransition_FailureAndRerun(t *testing.T) {
	t.Parallel()

	for _, s := range []Stage{StageCreated, StageResearching, StageResearched, StageGeneratingMessage, StageMessageReady, StageDelivering} {
		assert.True(t, CanTransition(s, StageFailed), "%s -> FAILED", s)
	}
	assert.True(t, CanTransition(StageFailed, StageResearching))
	assert.True(t, CanTransition(StageFailed, StageDelivering))
	assert.False(t, CanTransition(StageFailed, StageGeneratingMessage))
}

func TestCanTransition_WorkingStagesReenter(t *testing.T) {
	t.Parallel()

	for _, s := range AllStages() {
		assert.Equal(t, s.Working(), CanTransition(s, s), "self transition for %s", s)
	}
}

func TestStagePredicates(t *testing.T) {
	t.Parallel()

	assert.True(t, StageCompleted.Valid())
	assert.False(t, Stage("SENT").Valid())
	assert.True(t, StageDelivered.Settled())
	assert.True(t, StageFailed.Settled())
	assert.False(t, StageDelivering.Settled())
	assert.Len(t, AllStages(), 9)
}
