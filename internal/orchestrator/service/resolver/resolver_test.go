package resolver

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetops/appcontrol/internal/orchestrator/database"
	"github.com/fleetops/appcontrol/internal/orchestrator/model"
)

type fakeStore struct {
	servers     []*model.Server
	mappings    []*model.ApplicationMapping
	haServers   []*model.HAProxyServer
	backends    []*model.HAProxyBackend
	haInstances []*database.HAProxyInstanceWithServer

	calls int
}

func (f *fakeStore) ServersByIDs(_ context.Context, ids []int64) ([]*model.Server, error) {
	f.calls++
	out := []*model.Server{}
	for _, s := range f.servers {
		for _, id := range ids {
			if s.ID == id {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) ActiveHAProxyMappings(_ context.Context, instanceIDs []int64) ([]*model.ApplicationMapping, error) {
	f.calls++
	out := []*model.ApplicationMapping{}
	for _, m := range f.mappings {
		for _, id := range instanceIDs {
			if m.InstanceID == id {
				out = append(out, m)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) HAProxyServersByIDs(_ context.Context, ids []int64) ([]*model.HAProxyServer, error) {
	f.calls++
	out := []*model.HAProxyServer{}
	for _, s := range f.haServers {
		for _, id := range ids {
			if s.ID == id {
				out = append(out, s)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) BackendsByIDs(_ context.Context, ids []int64) ([]*model.HAProxyBackend, error) {
	f.calls++
	out := []*model.HAProxyBackend{}
	for _, b := range f.backends {
		for _, id := range ids {
			if b.ID == id {
				out = append(out, b)
			}
		}
	}
	return out, nil
}

func (f *fakeStore) HAProxyInstancesByIDs(_ context.Context, ids []int64) ([]*database.HAProxyInstanceWithServer, error) {
	f.calls++
	out := []*database.HAProxyInstanceWithServer{}
	for _, hi := range f.haInstances {
		for _, id := range ids {
			if hi.ID == id {
				out = append(out, hi)
			}
		}
	}
	return out, nil
}

func fullChainStore() *fakeStore {
	return &fakeStore{
		servers: []*model.Server{
			{ID: 10, Name: "web1.dc1", Addr: "10.0.0.1"},
			{ID: 11, Name: "web2.dc1", Addr: "10.0.0.2"},
			{ID: 20, Name: "lb1.dc1", Addr: "10.0.0.20", IsHAProxyNode: true},
		},
		mappings: []*model.ApplicationMapping{
			{ID: 1, InstanceID: 1, EntityType: model.MappingHAProxyServer, EntityID: 100, IsActive: true},
		},
		haServers: []*model.HAProxyServer{
			{ID: 100, Name: "ha_billing_1", BackendID: 200},
		},
		backends: []*model.HAProxyBackend{
			{ID: 200, Name: "backend_billing", HAProxyInstanceID: 300},
		},
		haInstances: []*database.HAProxyInstanceWithServer{
			{
				HAProxyInstance: model.HAProxyInstance{ID: 300, ServerID: 20, APIPort: 5555, APIBasePath: "/v2"},
				Server:          model.Server{ID: 20, Name: "lb1.dc1", Addr: "10.0.0.20"},
			},
		},
	}
}

func instances() []*model.ApplicationInstance {
	return []*model.ApplicationInstance{
		{ID: 1, Name: "billing_1", ServerID: 10},
		{ID: 2, Name: "billing_2", ServerID: 11},
	}
}

func TestResolveFullChain(t *testing.T) {
	store := fullChainStore()
	r := New(store)

	out, err := r.Resolve(context.Background(), instances())
	require.NoError(t, err)
	require.Len(t, out, 2)

	mapped := out[1]
	require.NotNil(t, mapped)
	require.NoError(t, mapped.Err)
	assert.Equal(t, "web1.dc1", mapped.Server.Name)
	require.True(t, mapped.HasHAProxy())
	assert.Equal(t, "ha_billing_1", mapped.HAProxyServer.Name)
	assert.Equal(t, "backend_billing", mapped.Backend.Name)
	assert.Equal(t, "http://10.0.0.20:5555/v2", mapped.APIURL)
	assert.False(t, mapped.StaleMapping)

	unmapped := out[2]
	require.NotNil(t, unmapped)
	require.NoError(t, unmapped.Err)
	assert.False(t, unmapped.HasHAProxy())
}

func TestResolveQueryCountIsBounded(t *testing.T) {
	store := fullChainStore()
	// widen the batch; the store call count must not grow with it
	many := []*model.ApplicationInstance{}
	for i := int64(1); i <= 50; i++ {
		many = append(many, &model.ApplicationInstance{ID: i, Name: "billing", ServerID: 10})
	}

	_, err := New(store).Resolve(context.Background(), many)
	require.NoError(t, err)
	assert.LessOrEqual(t, store.calls, 5)
}

func TestResolveNoMappingsSkipsChainReads(t *testing.T) {
	store := fullChainStore()
	store.mappings = nil

	out, err := New(store).Resolve(context.Background(), instances())
	require.NoError(t, err)
	assert.False(t, out[1].HasHAProxy())
	// servers + mappings only
	assert.Equal(t, 2, store.calls)
}

func TestResolveMissingServerIsFatalForInstance(t *testing.T) {
	store := fullChainStore()
	store.servers = store.servers[2:] // drop both web servers

	out, err := New(store).Resolve(context.Background(), instances())
	require.NoError(t, err)
	require.Error(t, out[1].Err)
	assert.Equal(t, model.CodeMapping, model.CodeOf(out[1].Err))
	require.Error(t, out[2].Err)
}

func TestResolveBrokenChainDegrades(t *testing.T) {
	t.Run("haproxy server gone", func(t *testing.T) {
		store := fullChainStore()
		store.haServers = nil
		out, err := New(store).Resolve(context.Background(), instances())
		require.NoError(t, err)
		assert.False(t, out[1].HasHAProxy())
		assert.True(t, out[1].StaleMapping)
		assert.NoError(t, out[1].Err)
	})

	t.Run("backend gone", func(t *testing.T) {
		store := fullChainStore()
		store.backends = nil
		out, err := New(store).Resolve(context.Background(), instances())
		require.NoError(t, err)
		assert.False(t, out[1].HasHAProxy())
		assert.True(t, out[1].StaleMapping)
	})

	t.Run("haproxy instance gone", func(t *testing.T) {
		store := fullChainStore()
		store.haInstances = nil
		out, err := New(store).Resolve(context.Background(), instances())
		require.NoError(t, err)
		assert.False(t, out[1].HasHAProxy())
		assert.True(t, out[1].StaleMapping)
	})
}

func TestResolveEmptyInput(t *testing.T) {
	store := fullChainStore()
	out, err := New(store).Resolve(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Zero(t, store.calls)
}
