package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskKindValid(t *testing.T) {
	for _, k := range []TaskKind{KindCreateNode, KindUpdateCard, KindCreateShape, KindUpdateShape, KindDeleteShape} {
		assert.True(t, k.Valid(), string(k))
	}
	assert.False(t, TaskKind("Teleport").Valid())
	assert.False(t, TaskKind("").Valid())
}

func TestTaskBoardID(t *testing.T) {
	payload, err := json.Marshal(CreateShapePayload{BoardID: "b1", ShapeID: "s1"})
	require.NoError(t, err)
	task := Task{Kind: KindCreateShape, Payload: payload}
	assert.Equal(t, "b1", task.BoardID())

	nodePayload, err := json.Marshal(CreateNodePayload{NodeID: "n1"})
	require.NoError(t, err)
	task = Task{Kind: KindCreateNode, Payload: nodePayload}
	assert.Empty(t, task.BoardID())
}

func TestDecodePayloadByKind(t *testing.T) {
	payload, err := json.Marshal(UpdateCardPayload{CardID: "c1", Payload: json.RawMessage(`{"title":"x"}`)})
	require.NoError(t, err)
	task := Task{Kind: KindUpdateCard, Payload: payload}

	v, err := task.DecodePayload()
	require.NoError(t, err)
	p, ok := v.(UpdateCardPayload)
	require.True(t, ok)
	assert.Equal(t, "c1", p.CardID)
}

func TestDecodePayloadUnknownKind(t *testing.T) {
	task := Task{Kind: "Bogus", Payload: []byte(`{}`)}
	_, err := task.DecodePayload()
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestRetryClassification(t *testing.T) {
	assert.True(t, IsRetryable(&RateLimitedError{}))
	assert.True(t, IsRetryable(&TransientError{Status: 502}))
	assert.False(t, IsRetryable(&PermanentError{Status: 400}))
	assert.False(t, IsRetryable(ErrNotFound))

	hint := RetryAfterHint(&TransientError{Status: 502})
	assert.Nil(t, hint)
}

func TestJobStatusTerminal(t *testing.T) {
	assert.True(t, JobSucceeded.Terminal())
	assert.True(t, JobFailed.Terminal())
	assert.False(t, JobQueued.Terminal())
	assert.False(t, JobRunning.Terminal())
}
