package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/fleetops/appcontrol/internal/orchestrator/model"
)

// InstanceRepo loads instances, servers and groups. Reads are batched by id
// set so a task over 40-100 instances costs a fixed number of round-trips.
type InstanceRepo struct {
	db *Database
}

func NewInstanceRepo(db *Database) *InstanceRepo {
	return &InstanceRepo{db: db}
}

const instanceColumns = `id, name, app_type, server_id, group_id, catalog_id, state,
	version, distr_path, image, tag, compose_file, eureka_app, addr,
	custom_playbook_path, custom_distr_url, custom_distr_ext, deleted_at`

func scanInstance(scan func(dest ...any) error) (*model.ApplicationInstance, error) {
	var inst model.ApplicationInstance
	err := scan(&inst.ID, &inst.Name, &inst.AppType, &inst.ServerID, &inst.GroupID,
		&inst.CatalogID, &inst.State, &inst.Version, &inst.DistrPath, &inst.Image,
		&inst.Tag, &inst.Compose, &inst.EurekaApp, &inst.Addr,
		&inst.CustomPlaybookPath, &inst.CustomDistrURL, &inst.CustomDistrExt, &inst.DeletedAt)
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

// InstancesByIDs returns the non-deleted instances in the id set.
func (r *InstanceRepo) InstancesByIDs(ctx context.Context, ids []int64) ([]*model.ApplicationInstance, error) {
	q := `SELECT ` + instanceColumns + ` FROM app_instances
	WHERE id = ANY($1) AND deleted_at IS NULL`
	rows, err := r.db.QueryContext(ctx, q, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query instances: %w", err)
	}
	defer rows.Close()

	var instances []*model.ApplicationInstance
	for rows.Next() {
		inst, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan instance: %w", err)
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// ServersByIDs returns the servers in the id set.
func (r *InstanceRepo) ServersByIDs(ctx context.Context, ids []int64) ([]*model.Server, error) {
	const q = `SELECT id, name, addr, last_seen_at, status, is_haproxy_node, is_eureka_node
	FROM servers WHERE id = ANY($1)`
	rows, err := r.db.QueryContext(ctx, q, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to query servers: %w", err)
	}
	defer rows.Close()

	var servers []*model.Server
	for rows.Next() {
		var s model.Server
		if err := rows.Scan(&s.ID, &s.Name, &s.Addr, &s.LastSeenAt, &s.Status,
			&s.IsHAProxyNode, &s.IsEurekaNode); err != nil {
			return nil, fmt.Errorf("failed to scan server: %w", err)
		}
		servers = append(servers, &s)
	}
	return servers, rows.Err()
}

// Group returns one application group, or nil when it does not exist.
func (r *InstanceRepo) Group(ctx context.Context, id int64) (*model.ApplicationGroup, error) {
	const q = `SELECT id, name, playbook_path, distr_url, distr_ext, strategy
	FROM app_groups WHERE id = $1`
	var g model.ApplicationGroup
	err := r.db.QueryRowContext(ctx, q, id).Scan(&g.ID, &g.Name, &g.PlaybookPath,
		&g.DistrURL, &g.DistrExt, &g.Strategy)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query group: %w", err)
	}
	return &g, nil
}

// UpdateDeployedVersion records the post-update observed fields on an instance.
func (r *InstanceRepo) UpdateDeployedVersion(ctx context.Context, id int64, version, distrPath, image, tag string) error {
	const q = `UPDATE app_instances SET version = $1, distr_path = $2, image = $3, tag = $4
	WHERE id = $5 AND deleted_at IS NULL`
	_, err := r.db.ExecContext(ctx, q, version, distrPath, image, tag, id)
	if err != nil {
		return fmt.Errorf("failed to update instance version: %w", err)
	}
	return nil
}

// MarkStateUnknown flags instances as unknown until the next agent poll
// confirms their post-update state.
func (r *InstanceRepo) MarkStateUnknown(ctx context.Context, ids []int64) error {
	const q = `UPDATE app_instances SET state = $1 WHERE id = ANY($2) AND deleted_at IS NULL`
	_, err := r.db.ExecContext(ctx, q, model.InstanceUnknown, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to mark instances unknown: %w", err)
	}
	return nil
}
