package database

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/fleetops/appcontrol/internal/orchestrator/model"
)

// MappingRepo loads the instance->HAProxy mapping chain in id-set batches,
// one query per level of the hierarchy.
type MappingRepo struct {
	db *Database
}

func NewMappingRepo(db *Database) *MappingRepo {
	return &MappingRepo{db: db}
}

// ActiveHAProxyMappings returns the active haproxy_server mappings for the
// instance id set.
func (r *MappingRepo) ActiveHAProxyMappings(ctx context.Context, instanceIDs []int64) ([]*model.ApplicationMapping, error) {
	const q = `SELECT id, instance_id, entity_type, entity_id, is_manual, is_active, created_by, created_at, reason
	FROM app_mappings
	WHERE instance_id = ANY($1) AND entity_type = $2 AND is_active`
	rows, err := r.db.QueryContext(ctx, q, pq.Array(instanceIDs), model.MappingHAProxyServer)
	if err != nil {
		return nil, fmt.Errorf("failed to query mappings: %w", err)
	}
	defer rows.Close()

	var mappings []*model.ApplicationMapping
	for rows.Next() {
		var m model.ApplicationMapping
		if err := rows.Scan(&m.ID, &m.InstanceID, &m.EntityType, &m.EntityID,
			&m.IsManual, &m.IsActive, &m.CreatedBy, &m.CreatedAt, &m.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan mapping: %w", err)
		}
		mappings = append(mappings, &m)
	}
	return mappings, rows.Err()
}

// HAProxyServersByIDs loads haproxy server rows by id set.
func (r *MappingRepo) HAProxyServersByIDs(ctx context.Context, ids []int64) ([]*model.HAProxyServer, error) {
	const q = `SELECT id, backend_id, name, status, weight, cur_conns, max_conns, last_change_sec
	FROM haproxy_servers WHERE id = ANY($1)`
	rows, err := r.db.QueryContext(ctx, q, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query haproxy servers: %w", err)
	}
	defer rows.Close()

	var servers []*model.HAProxyServer
	for rows.Next() {
		var s model.HAProxyServer
		if err := rows.Scan(&s.ID, &s.BackendID, &s.Name, &s.Status, &s.Weight,
			&s.CurConns, &s.MaxConns, &s.LastChangeSec); err != nil {
			return nil, fmt.Errorf("failed to scan haproxy server: %w", err)
		}
		servers = append(servers, &s)
	}
	return servers, rows.Err()
}

// BackendsByIDs loads backend rows by id set.
func (r *MappingRepo) BackendsByIDs(ctx context.Context, ids []int64) ([]*model.HAProxyBackend, error) {
	const q = `SELECT id, haproxy_instance_id, name FROM haproxy_backends WHERE id = ANY($1)`
	rows, err := r.db.QueryContext(ctx, q, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query haproxy backends: %w", err)
	}
	defer rows.Close()

	var backends []*model.HAProxyBackend
	for rows.Next() {
		var b model.HAProxyBackend
		if err := rows.Scan(&b.ID, &b.HAProxyInstanceID, &b.Name); err != nil {
			return nil, fmt.Errorf("failed to scan haproxy backend: %w", err)
		}
		backends = append(backends, &b)
	}
	return backends, rows.Err()
}

// HAProxyInstanceWithServer is an haproxy instance eager-joined with its
// owning fleet server, used to derive the management API URL.
type HAProxyInstanceWithServer struct {
	model.HAProxyInstance
	Server model.Server
}

// HAProxyInstancesByIDs loads haproxy instance rows by id set, joined with
// their owning server.
func (r *MappingRepo) HAProxyInstancesByIDs(ctx context.Context, ids []int64) ([]*HAProxyInstanceWithServer, error) {
	const q = `SELECT h.id, h.server_id, h.name, h.api_port, h.api_base_path,
		s.id, s.name, s.addr, s.last_seen_at, s.status, s.is_haproxy_node, s.is_eureka_node
	FROM haproxy_instances h
	JOIN servers s ON s.id = h.server_id
	WHERE h.id = ANY($1)`
	rows, err := r.db.QueryContext(ctx, q, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query haproxy instances: %w", err)
	}
	defer rows.Close()

	var instances []*HAProxyInstanceWithServer
	for rows.Next() {
		var hi HAProxyInstanceWithServer
		if err := rows.Scan(&hi.ID, &hi.ServerID, &hi.Name, &hi.APIPort, &hi.APIBasePath,
			&hi.Server.ID, &hi.Server.Name, &hi.Server.Addr, &hi.Server.LastSeenAt,
			&hi.Server.Status, &hi.Server.IsHAProxyNode, &hi.Server.IsEurekaNode); err != nil {
			return nil, fmt.Errorf("failed to scan haproxy instance: %w", err)
		}
		instances = append(instances, &hi)
	}
	return instances, rows.Err()
}

// DeactivateAutoMappings deactivates non-manual mappings for the instances.
// Manual mappings are operator-pinned and never auto-replaced.
func (r *MappingRepo) DeactivateAutoMappings(ctx context.Context, instanceIDs []int64, reason string) error {
	const q = `UPDATE app_mappings SET is_active = FALSE, reason = $1
	WHERE instance_id = ANY($2) AND is_active AND NOT is_manual`
	_, err := r.db.ExecContext(ctx, q, reason, pq.Array(instanceIDs))
	if err != nil {
		return fmt.Errorf("failed to deactivate mappings: %w", err)
	}
	return nil
}
