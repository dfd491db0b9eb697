package test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/agentruntime/store"
)

func TestAgentRegistrationStore(t *testing.T) {
	ctx := context.Background()
	ts := NewTestingStore(ctx, t)

	r, err := ts.UpsertAgentRegistration(ctx, &store.AgentRegistration{AgentID: 2, TenantID: 1, Config: `{"agentId":2}`})
	require.NoError(t, err)
	assert.Equal(t, int32(2), r.AgentID)
	assert.Greater(t, r.CreatedTs, int64(0))

	_, err = ts.UpsertAgentRegistration(ctx, &store.AgentRegistration{AgentID: 1, TenantID: 1, Config: `{"agentId":1}`})
	require.NoError(t, err)

	r, err = ts.UpsertAgentRegistration(ctx, &store.AgentRegistration{AgentID: 2, TenantID: 1, Config: `{"agentId":2,"name":"v2"}`})
	require.NoError(t, err)
	assert.Equal(t, `{"agentId":2,"name":"v2"}`, r.Config)

	list, err := ts.ListAgentRegistrations(ctx, &store.FindAgentRegistration{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int32(1), list[0].AgentID)
	assert.Equal(t, int32(2), list[1].AgentID)

	require.NoError(t, ts.DeleteAgentRegistration(ctx, &store.DeleteAgentRegistration{AgentID: 2}))
	agentID := int32(2)
	list, err = ts.ListAgentRegistrations(ctx, &store.FindAgentRegistration{AgentID: &agentID})
	require.NoError(t, err)
	assert.Empty(t, list)
}
