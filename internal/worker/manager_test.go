package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/cloud-shuttle/muster/pkg/types"
)

func TestManager_ConcurrencySlots(t *testing.T) {
	m := NewManager(nil, nil, 4, time.Second, 0, zap.NewNop())

	agent := &types.Agent{ID: "a1", Key: "engineer", MaxConcurrency: 2}

	assert.True(t, m.acquireSlot(agent))
	assert.True(t, m.acquireSlot(agent))
	assert.False(t, m.acquireSlot(agent), "agent is at its cap")

	m.releaseSlot(agent)
	assert.True(t, m.acquireSlot(agent))
}

func TestManager_UnsetConcurrencyDefaultsToOne(t *testing.T) {
	m := NewManager(nil, nil, 4, time.Second, 0, zap.NewNop())

	agent := &types.Agent{ID: "a2", Key: "pm"}
	assert.True(t, m.acquireSlot(agent))
	assert.False(t, m.acquireSlot(agent))

	other := &types.Agent{ID: "a3", Key: "gtm"}
	assert.True(t, m.acquireSlot(other), "slots are tracked per agent")
}

func TestManager_ReleaseWithoutAcquireIsHarmless(t *testing.T) {
	m := NewManager(nil, nil, 1, time.Second, 0, zap.NewNop())

	agent := &types.Agent{ID: "a4", Key: "engineer", MaxConcurrency: 1}
	m.releaseSlot(agent)

	assert.True(t, m.acquireSlot(agent))
	assert.False(t, m.acquireSlot(agent), "the cap still holds after a spurious release")
}
