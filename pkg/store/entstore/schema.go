package entstore

import (
	"entgo.io/ent/dialect"
	"entgo.io/ent/dialect/sql/schema"
	"entgo.io/ent/schema/field"
)

const (
	eventsTable     = "events"
	snapshotsTable  = "snapshots"
	readModelsTable = "read_models"
)

var timeType = map[string]string{
	dialect.Postgres: "timestamptz",
	dialect.SQLite:   "datetime",
}

var (
	// EventsColumns holds the columns for the "events" table. The auto
	// incremented id is the global position.
	EventsColumns = []*schema.Column{
		{Name: "id", Type: field.TypeInt64, Increment: true},
		{Name: "event_id", Type: field.TypeString, Unique: true, Size: 64},
		{Name: "aggregate_id", Type: field.TypeString, Size: 255},
		{Name: "aggregate_type", Type: field.TypeString, Size: 255},
		{Name: "seq", Type: field.TypeInt64},
		{Name: "type", Type: field.TypeString, Size: 255},
		{Name: "schema_version", Type: field.TypeInt, Default: 1},
		{Name: "payload", Type: field.TypeJSON},
		{Name: "metadata", Type: field.TypeJSON, Nullable: true},
		{Name: "created_at", Type: field.TypeTime, SchemaType: timeType},
	}
	EventsTable = &schema.Table{
		Name:       eventsTable,
		Columns:    EventsColumns,
		PrimaryKey: []*schema.Column{EventsColumns[0]},
		Indexes: []*schema.Index{
			{
				Name:    "event_aggregate_id_seq",
				Unique:  true,
				Columns: []*schema.Column{EventsColumns[2], EventsColumns[4]},
			},
		},
	}

	// SnapshotsColumns holds the columns for the "snapshots" table. Only the
	// latest snapshot per aggregate is kept.
	SnapshotsColumns = []*schema.Column{
		{Name: "aggregate_id", Type: field.TypeString, Size: 255},
		{Name: "aggregate_type", Type: field.TypeString, Size: 255},
		{Name: "version", Type: field.TypeInt64},
		{Name: "state", Type: field.TypeJSON},
		{Name: "created_at", Type: field.TypeTime, SchemaType: timeType},
	}
	SnapshotsTable = &schema.Table{
		Name:       snapshotsTable,
		Columns:    SnapshotsColumns,
		PrimaryKey: []*schema.Column{SnapshotsColumns[0]},
	}

	// ReadModelsColumns holds the columns for the "read_models" table.
	ReadModelsColumns = []*schema.Column{
		{Name: "category", Type: field.TypeString, Size: 128},
		{Name: "id", Type: field.TypeString, Size: 255},
		{Name: "version", Type: field.TypeInt64},
		{Name: "payload", Type: field.TypeJSON},
		{Name: "sources", Type: field.TypeJSON, Nullable: true},
		{Name: "created_at", Type: field.TypeTime, SchemaType: timeType},
		{Name: "updated_at", Type: field.TypeTime, SchemaType: timeType},
	}
	ReadModelsTable = &schema.Table{
		Name:       readModelsTable,
		Columns:    ReadModelsColumns,
		PrimaryKey: []*schema.Column{ReadModelsColumns[0], ReadModelsColumns[1]},
	}

	// Tables holds every table managed by Migrate.
	Tables = []*schema.Table{EventsTable, SnapshotsTable, ReadModelsTable}
)
