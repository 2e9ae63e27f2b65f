package resolver

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/fleetops/appcontrol/internal/orchestrator/database"
	"github.com/fleetops/appcontrol/internal/orchestrator/model"
)

// Store is the batch-read surface the resolver needs. Implemented by the
// database repos; fakes stand in for tests.
type Store interface {
	ServersByIDs(ctx context.Context, ids []int64) ([]*model.Server, error)
	ActiveHAProxyMappings(ctx context.Context, instanceIDs []int64) ([]*model.ApplicationMapping, error)
	HAProxyServersByIDs(ctx context.Context, ids []int64) ([]*model.HAProxyServer, error)
	BackendsByIDs(ctx context.Context, ids []int64) ([]*model.HAProxyBackend, error)
	HAProxyInstancesByIDs(ctx context.Context, ids []int64) ([]*database.HAProxyInstanceWithServer, error)
}

// Resolution is everything the executors need to know about one instance's
// placement. The haproxy tuple is nil for instances without a live mapping.
type Resolution struct {
	Server          *model.Server
	Mapping         *model.ApplicationMapping
	HAProxyServer   *model.HAProxyServer
	Backend         *model.HAProxyBackend
	HAProxyInstance *model.HAProxyInstance
	APIURL          string

	// StaleMapping marks an active mapping whose haproxy chain no longer
	// resolves; reconciliation may deactivate it unless operator-pinned.
	StaleMapping bool

	// Err is set when the instance cannot be updated at all (no Server row).
	Err error
}

// HasHAProxy reports whether the full haproxy tuple resolved.
func (r *Resolution) HasHAProxy() bool {
	return r.HAProxyServer != nil && r.Backend != nil && r.HAProxyInstance != nil
}

// Resolver batch-loads instance placement. A Resolve call costs at most five
// store reads regardless of how many instances the task targets; together
// with the instance load itself that keeps a task at six queries total.
type Resolver struct {
	store Store
}

func New(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve maps each instance id to its placement. Broken haproxy chains
// degrade to a resolution without the haproxy tuple; a missing Server is
// fatal for that instance only and is reported via Resolution.Err.
func (r *Resolver) Resolve(ctx context.Context, instances []*model.ApplicationInstance) (map[int64]*Resolution, error) {
	out := make(map[int64]*Resolution, len(instances))
	if len(instances) == 0 {
		return out, nil
	}

	// 1. servers for all target instances
	serverIDs := make([]int64, 0, len(instances))
	seenServer := map[int64]bool{}
	instanceIDs := make([]int64, 0, len(instances))
	for _, inst := range instances {
		instanceIDs = append(instanceIDs, inst.ID)
		if !seenServer[inst.ServerID] {
			seenServer[inst.ServerID] = true
			serverIDs = append(serverIDs, inst.ServerID)
		}
	}
	servers, err := r.store.ServersByIDs(ctx, serverIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load servers: %w", err)
	}
	serverByID := make(map[int64]*model.Server, len(servers))
	for _, s := range servers {
		serverByID[s.ID] = s
	}

	for _, inst := range instances {
		res := &Resolution{Server: serverByID[inst.ServerID]}
		if res.Server == nil {
			res.Err = model.NewError(model.CodeMapping,
				"instance %d (%s) references missing server %d", inst.ID, inst.Name, inst.ServerID)
		}
		out[inst.ID] = res
	}

	// 2. active haproxy mappings
	mappings, err := r.store.ActiveHAProxyMappings(ctx, instanceIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load mappings: %w", err)
	}
	if len(mappings) == 0 {
		return out, nil
	}

	haServerIDs := make([]int64, 0, len(mappings))
	for _, m := range mappings {
		if res, ok := out[m.InstanceID]; ok {
			res.Mapping = m
		}
		haServerIDs = append(haServerIDs, m.EntityID)
	}

	// 3. haproxy servers
	haServers, err := r.store.HAProxyServersByIDs(ctx, haServerIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load haproxy servers: %w", err)
	}
	haServerByID := make(map[int64]*model.HAProxyServer, len(haServers))
	backendIDs := make([]int64, 0, len(haServers))
	seenBackend := map[int64]bool{}
	for _, s := range haServers {
		haServerByID[s.ID] = s
		if !seenBackend[s.BackendID] {
			seenBackend[s.BackendID] = true
			backendIDs = append(backendIDs, s.BackendID)
		}
	}

	// 4. backends
	backends, err := r.store.BackendsByIDs(ctx, backendIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load haproxy backends: %w", err)
	}
	backendByID := make(map[int64]*model.HAProxyBackend, len(backends))
	haInstanceIDs := make([]int64, 0, len(backends))
	seenHAInstance := map[int64]bool{}
	for _, b := range backends {
		backendByID[b.ID] = b
		if !seenHAInstance[b.HAProxyInstanceID] {
			seenHAInstance[b.HAProxyInstanceID] = true
			haInstanceIDs = append(haInstanceIDs, b.HAProxyInstanceID)
		}
	}

	// 5. haproxy instances with their owning server
	haInstances, err := r.store.HAProxyInstancesByIDs(ctx, haInstanceIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load haproxy instances: %w", err)
	}
	haInstanceByID := make(map[int64]*database.HAProxyInstanceWithServer, len(haInstances))
	for _, hi := range haInstances {
		haInstanceByID[hi.ID] = hi
	}

	// hash-join the chain; any missing link degrades that instance to the
	// no-haproxy shape
	for _, m := range mappings {
		res, ok := out[m.InstanceID]
		if !ok || res.Err != nil {
			continue
		}
		haServer := haServerByID[m.EntityID]
		if haServer == nil {
			res.StaleMapping = true
			continue
		}
		backend := backendByID[haServer.BackendID]
		if backend == nil {
			res.StaleMapping = true
			continue
		}
		hi := haInstanceByID[backend.HAProxyInstanceID]
		if hi == nil {
			res.StaleMapping = true
			continue
		}
		res.HAProxyServer = haServer
		res.Backend = backend
		res.HAProxyInstance = &hi.HAProxyInstance
		res.APIURL = fmt.Sprintf("http://%s:%d%s", hi.Server.Addr, hi.APIPort, hi.APIBasePath)
	}

	staleCount := 0
	for _, res := range out {
		if res.StaleMapping {
			staleCount++
		}
	}
	if staleCount > 0 {
		log.Warn().Int("instances", staleCount).Msg("active haproxy mappings with broken chains")
	}

	return out, nil
}
