// Package instance implements the Instance Manager of spec.md §3.6/§4.9
// (component C9): CRUD over instances, the authoritative name index, and
// execute_action's local-store-plus-downlink-propagation semantics.
// Grounded on the teacher's manager package CRUD style (create/delete
// with companion index maintenance) and on
// original_source/services/modsrv/src/routing_loader.rs's
// instance/routing relationship.
package instance

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"

	jsoniter "github.com/json-iterator/go"

	"github.com/comsrv/edge-core/internal/coreerr"
	"github.com/comsrv/edge-core/internal/logging"
	"github.com/comsrv/edge-core/internal/routing"
	"github.com/comsrv/edge-core/internal/rtdb"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const instancesDDL = `CREATE TABLE IF NOT EXISTS instances (
	instance_id INTEGER PRIMARY KEY,
	instance_name TEXT NOT NULL UNIQUE,
	product_name TEXT NOT NULL,
	properties TEXT NOT NULL DEFAULT '{}'
)`

// Instance is the spec.md §3.6 record.
type Instance struct {
	InstanceID   uint16
	InstanceName string
	ProductName  string
	Properties   map[string]interface{}
}

// CreateRequest is the input to Create.
type CreateRequest struct {
	InstanceID   uint16
	InstanceName string
	ProductName  string
	Properties   map[string]interface{}
}

// Manager is the Instance Manager of spec.md §4.9.
type Manager struct {
	db    *sql.DB
	rtdb  rtdb.Rtdb
	prop  *routing.Propagator
	log   *logging.Logger
}

// New wires a Manager to its SQLite store, the shared Rtdb, and the
// Routing Propagator used by ExecuteAction's downlink step.
func New(db *sql.DB, r rtdb.Rtdb, prop *routing.Propagator) (*Manager, error) {
	if _, err := db.Exec(instancesDDL); err != nil {
		return nil, coreerr.New(coreerr.Storage, "instance.migrate", err)
	}
	return &Manager{db: db, rtdb: r, prop: prop, log: logging.Named("instance")}, nil
}

func nameIndexKey() string { return "inst:name:index" }
func measurementKey(id uint16) string { return fmt.Sprintf("inst:%d:M", id) }
func actionKey(id uint16) string      { return fmt.Sprintf("inst:%d:A", id) }
func nameKey(id uint16) string        { return fmt.Sprintf("inst:%d:name", id) }

// Create validates id/name uniqueness, inserts the row, and appends the
// name index entry, per spec.md §4.9. M/A hashes are left to be created
// lazily by the first uplink/downlink write (spec.md: "create empty M/A
// hashes (lazy OK)").
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Instance, error) {
	var exists int
	err := m.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM instances WHERE instance_id = ? OR instance_name = ?`,
		req.InstanceID, req.InstanceName).Scan(&exists)
	if err != nil {
		return Instance{}, coreerr.New(coreerr.Storage, "instance.create", err)
	}
	if exists > 0 {
		return Instance{}, coreerr.New(coreerr.AlreadyExists, "instance.create",
			fmt.Errorf("instance id %d or name %q already in use", req.InstanceID, req.InstanceName))
	}

	props := req.Properties
	if props == nil {
		props = map[string]interface{}{}
	}
	propsJSON, _ := json.Marshal(props)

	if _, err := m.db.ExecContext(ctx,
		`INSERT INTO instances (instance_id, instance_name, product_name, properties) VALUES (?, ?, ?, ?)`,
		req.InstanceID, req.InstanceName, req.ProductName, string(propsJSON)); err != nil {
		return Instance{}, coreerr.New(coreerr.Storage, "instance.create", err)
	}

	if err := m.rtdb.HashSet(ctx, nameIndexKey(), req.InstanceName, []byte(fmt.Sprintf("%d", req.InstanceID))); err != nil {
		m.log.Warnf("name index update failed for instance %d: %v", req.InstanceID, err)
	}
	_ = m.rtdb.Set(ctx, nameKey(req.InstanceID), []byte(req.InstanceName))

	m.log.Infof("created instance %d (%s)", req.InstanceID, req.InstanceName)
	return Instance{InstanceID: req.InstanceID, InstanceName: req.InstanceName, ProductName: req.ProductName, Properties: props}, nil
}

// Delete removes the row, its name index entry, its M/A hashes, and any
// routing entries that reference it (spec.md §4.9).
func (m *Manager) Delete(ctx context.Context, id uint16) error {
	inst, err := m.Get(ctx, id)
	if err != nil {
		return err
	}

	if _, err := m.db.ExecContext(ctx, `DELETE FROM instances WHERE instance_id = ?`, id); err != nil {
		return coreerr.New(coreerr.Storage, "instance.delete", err)
	}
	if _, err := m.db.ExecContext(ctx, `DELETE FROM action_routing WHERE instance_id = ?`, id); err != nil {
		m.log.Warnf("failed to purge action_routing for instance %d: %v", id, err)
	}
	if _, err := m.db.ExecContext(ctx, `DELETE FROM measurement_routing WHERE instance_id = ?`, id); err != nil {
		m.log.Warnf("failed to purge measurement_routing for instance %d: %v", id, err)
	}

	_ = m.rtdb.HashDel(ctx, nameIndexKey(), inst.InstanceName)
	_ = m.rtdb.Del(ctx, measurementKey(id))
	_ = m.rtdb.Del(ctx, actionKey(id))
	_ = m.rtdb.Del(ctx, nameKey(id))

	m.log.Infof("deleted instance %d (%s)", id, inst.InstanceName)
	return nil
}

// Get returns the instance record, or NotFound if id is unknown.
func (m *Manager) Get(ctx context.Context, id uint16) (Instance, error) {
	var inst Instance
	var propsJSON string
	inst.InstanceID = id
	err := m.db.QueryRowContext(ctx, `SELECT instance_name, product_name, properties FROM instances WHERE instance_id = ?`, id).
		Scan(&inst.InstanceName, &inst.ProductName, &propsJSON)
	if err == sql.ErrNoRows {
		return Instance{}, coreerr.New(coreerr.NotFound, "instance.get", fmt.Errorf("instance %d not found", id))
	}
	if err != nil {
		return Instance{}, coreerr.New(coreerr.Storage, "instance.get", err)
	}
	props := map[string]interface{}{}
	_ = json.Unmarshal([]byte(propsJSON), &props)
	inst.Properties = props
	return inst, nil
}

// List returns every instance, optionally filtered by product name.
func (m *Manager) List(ctx context.Context, product string) ([]Instance, error) {
	query := `SELECT instance_id, instance_name, product_name, properties FROM instances`
	args := []interface{}{}
	if product != "" {
		query += ` WHERE product_name = ?`
		args = append(args, product)
	}
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, coreerr.New(coreerr.Storage, "instance.list", err)
	}
	defer rows.Close()

	var out []Instance
	for rows.Next() {
		var inst Instance
		var propsJSON string
		if err := rows.Scan(&inst.InstanceID, &inst.InstanceName, &inst.ProductName, &propsJSON); err != nil {
			return nil, coreerr.New(coreerr.Storage, "instance.list", err)
		}
		props := map[string]interface{}{}
		_ = json.Unmarshal([]byte(propsJSON), &props)
		inst.Properties = props
		out = append(out, inst)
	}
	return out, rows.Err()
}

// RebuildNameIndex scans the instances table and rewrites inst:name:index
// in one pipelined batch, per spec.md §4.9's recovery path.
func (m *Manager) RebuildNameIndex(ctx context.Context) error {
	instances, err := m.List(ctx, "")
	if err != nil {
		return err
	}
	fields := make([]rtdb.HashField, 0, len(instances))
	for _, inst := range instances {
		fields = append(fields, rtdb.HashField{Field: inst.InstanceName, Value: []byte(fmt.Sprintf("%d", inst.InstanceID))})
	}
	if len(fields) == 0 {
		return nil
	}
	if err := m.rtdb.HashMSet(ctx, nameIndexKey(), fields); err != nil {
		return coreerr.New(coreerr.Storage, "instance.rebuild_name_index", err)
	}
	return nil
}

// ExecuteAction implements spec.md §4.8's downlink rule plus §4.9's local
// store step: it always writes inst:{id}:A[{action}]=value, then
// propagates via Downlink if a route exists. It returns Ok even when no
// route exists (spec.md §7: "intentional and documented").
func (m *Manager) ExecuteAction(ctx context.Context, instanceID uint16, actionID uint32, value float64, commandID string, timestampMs int64) error {
	field := fmt.Sprintf("%d", actionID)
	if err := m.rtdb.HashSet(ctx, actionKey(instanceID), field, []byte(formatValue(value))); err != nil {
		return coreerr.New(coreerr.Storage, "instance.execute_action", err)
	}

	if _, err := m.prop.Downlink(ctx, instanceID, actionID, value, commandID, timestampMs); err != nil {
		m.log.Warnf("downlink propagation failed for instance %d action %d: %v", instanceID, actionID, err)
	}
	return nil
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
