package workspace

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cloud-shuttle/muster/pkg/types"
)

func TestIdempotencyKey_Deterministic(t *testing.T) {
	item := &types.WorkItem{
		ID:       "item-1",
		WorkType: types.WorkTypeEngineer,
		Payload:  json.RawMessage(`{"task":"refactor"}`),
	}
	agent := &types.Agent{Key: "engineer"}

	assert.Equal(t, IdempotencyKey(item, agent), IdempotencyKey(item, agent))
}

func TestIdempotencyKey_PayloadChangesKey(t *testing.T) {
	agent := &types.Agent{Key: "engineer"}
	a := &types.WorkItem{ID: "item-1", WorkType: types.WorkTypeEngineer, Payload: json.RawMessage(`{"task":"a"}`)}
	b := &types.WorkItem{ID: "item-1", WorkType: types.WorkTypeEngineer, Payload: json.RawMessage(`{"task":"b"}`)}

	assert.NotEqual(t, IdempotencyKey(a, agent), IdempotencyKey(b, agent))
}

func TestIdempotencyKey_AgentChangesKey(t *testing.T) {
	item := &types.WorkItem{ID: "item-1", WorkType: types.WorkTypeEngineer, Payload: json.RawMessage(`{}`)}

	assert.NotEqual(t,
		IdempotencyKey(item, &types.Agent{Key: "engineer"}),
		IdempotencyKey(item, &types.Agent{Key: "reviewer"}))
}
