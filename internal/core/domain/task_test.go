package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskStatusTerminal(t *testing.T) {
	tests := []struct {
		status TaskStatus
		want   bool
	}{
		{TaskStatusPending, false},
		{TaskStatusRunning, false},
		{TaskStatusPaused, false},
		{TaskStatusCompleted, true},
		{TaskStatusFailed, true},
		{TaskStatusCancelled, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.status.Terminal(), string(tt.status))
	}
}

func TestPayloadFileID(t *testing.T) {
	assert.Equal(t, "f1", Payload{"file_id": "f1"}.FileID())
	assert.Empty(t, Payload{"file_id": 42}.FileID())
	assert.Empty(t, Payload{}.FileID())
	assert.Empty(t, Payload(nil).FileID())
}

func TestTaskCloneIsolatesPayload(t *testing.T) {
	orig := &Task{ID: "t1", Payload: Payload{"k": "v"}}
	clone := orig.Clone()
	clone.Payload["k"] = "changed"

	assert.Equal(t, "v", orig.Payload["k"])
	assert.Equal(t, "t1", clone.ID)
}
