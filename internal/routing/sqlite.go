package routing

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/comsrv/edge-core/internal/coreerr"
	"github.com/comsrv/edge-core/internal/slotstore"
)

// measurementRoutingDDL and actionRoutingDDL are the canonical tables of
// spec.md §6.4, created on first open so a fresh deployment boots without
// a separate migration step.
const (
	measurementRoutingDDL = `CREATE TABLE IF NOT EXISTS measurement_routing (
		channel_id INTEGER NOT NULL,
		channel_type TEXT NOT NULL CHECK (channel_type IN ('T','S')),
		channel_point_id INTEGER NOT NULL,
		instance_id INTEGER NOT NULL,
		measurement_id INTEGER NOT NULL,
		UNIQUE(channel_id, channel_type, channel_point_id)
	)`
	actionRoutingDDL = `CREATE TABLE IF NOT EXISTS action_routing (
		instance_id INTEGER NOT NULL,
		action_id INTEGER NOT NULL,
		channel_id INTEGER NOT NULL,
		channel_type TEXT NOT NULL CHECK (channel_type IN ('C','A')),
		channel_point_id INTEGER NOT NULL,
		UNIQUE(instance_id, action_id)
	)`
)

// SQLiteSource is the canonical routing Source of spec.md §6.4, backed by
// github.com/mattn/go-sqlite3 (the driver evidenced in the pack by
// gocryptotrader's database layer).
type SQLiteSource struct {
	db *sql.DB
}

// OpenSQLiteSource opens (creating if absent) the SQLite config database at
// path and ensures both routing tables exist.
func OpenSQLiteSource(path string) (*SQLiteSource, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, coreerr.New(coreerr.Storage, "routing.open_sqlite", err)
	}
	if _, err := db.Exec(measurementRoutingDDL); err != nil {
		return nil, coreerr.New(coreerr.Storage, "routing.migrate", err)
	}
	if _, err := db.Exec(actionRoutingDDL); err != nil {
		return nil, coreerr.New(coreerr.Storage, "routing.migrate", err)
	}
	return &SQLiteSource{db: db}, nil
}

func (s *SQLiteSource) Close() error { return s.db.Close() }

func (s *SQLiteSource) LoadMeasurementRouting(ctx context.Context) ([]MeasurementRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT channel_id, channel_type, channel_point_id, instance_id, measurement_id FROM measurement_routing`)
	if err != nil {
		return nil, coreerr.New(coreerr.Storage, "routing.load_measurement_routing", err)
	}
	defer rows.Close()

	var out []MeasurementRow
	for rows.Next() {
		var r MeasurementRow
		var channelType string
		if err := rows.Scan(&r.ChannelID, &channelType, &r.ChannelPointID, &r.InstanceID, &r.MeasurementID); err != nil {
			return nil, coreerr.New(coreerr.Storage, "routing.load_measurement_routing", err)
		}
		pt, err := parseUplinkType(channelType)
		if err != nil {
			return nil, err
		}
		r.ChannelType = pt
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteSource) LoadActionRouting(ctx context.Context) ([]ActionRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT instance_id, action_id, channel_id, channel_type, channel_point_id FROM action_routing`)
	if err != nil {
		return nil, coreerr.New(coreerr.Storage, "routing.load_action_routing", err)
	}
	defer rows.Close()

	var out []ActionRow
	for rows.Next() {
		var a ActionRow
		var channelType string
		if err := rows.Scan(&a.InstanceID, &a.ActionID, &a.ChannelID, &channelType, &a.ChannelPointID); err != nil {
			return nil, coreerr.New(coreerr.Storage, "routing.load_action_routing", err)
		}
		pt, err := parseDownlinkType(channelType)
		if err != nil {
			return nil, err
		}
		a.ChannelType = pt
		out = append(out, a)
	}
	return out, rows.Err()
}

func parseUplinkType(s string) (slotstore.PointType, error) {
	switch s {
	case "T":
		return slotstore.Telemetry, nil
	case "S":
		return slotstore.Signal, nil
	default:
		return 0, coreerr.New(coreerr.Config, "routing.parse_channel_type", fmt.Errorf("measurement_routing.channel_type must be T or S, got %q", s))
	}
}

func parseDownlinkType(s string) (slotstore.PointType, error) {
	switch s {
	case "C":
		return slotstore.Control, nil
	case "A":
		return slotstore.Adjustment, nil
	default:
		return 0, coreerr.New(coreerr.Config, "routing.parse_channel_type", fmt.Errorf("action_routing.channel_type must be C or A, got %q", s))
	}
}
