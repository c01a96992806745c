package store

import "context"

// EventStore defines operations for aggregate event streams.
type EventStore interface {
	// Append writes events atomically. It fails with an optimistic concurrency
	// conflict unless the stream's last sequence equals expectedVersion.
	// Records must carry Seq expectedVersion+1, expectedVersion+2, ...
	Append(ctx context.Context, aggregateID string, expectedVersion int64, events []EventRecord) ([]EventRecord, error)
	// ReadFrom lists events with Seq > afterSeq in ascending order. limit <= 0 means no limit.
	ReadFrom(ctx context.Context, aggregateID string, afterSeq int64, limit int) ([]EventRecord, error)
	LastSeq(ctx context.Context, aggregateID string) (int64, error)
	// ReadAll lists events of every stream with Position > afterPosition in append order.
	ReadAll(ctx context.Context, afterPosition int64, limit int) ([]EventRecord, error)
}

// SnapshotStore defines operations for reading/writing snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, s SnapshotRecord) error
	LoadSnapshot(ctx context.Context, aggregateID string) (SnapshotRecord, bool, error)
}

// Store aggregates event and snapshot stores.
type Store interface {
	EventStore
	SnapshotStore
}

// ReadModelBackend is the execute/query capability behind read model stores.
// Write methods report rows affected; they never treat zero rows as an error.
type ReadModelBackend interface {
	FetchReadModel(ctx context.Context, category, id string) (ReadModelRow, bool, error)
	// InsertReadModel returns 0 when a row with the same id already exists.
	InsertReadModel(ctx context.Context, row ReadModelRow) (int64, error)
	// UpdateReadModel writes row only where the stored version equals expectedVersion.
	UpdateReadModel(ctx context.Context, row ReadModelRow, expectedVersion int64) (int64, error)
	DeleteReadModel(ctx context.Context, category, id string) (int64, error)
	DeleteAllReadModels(ctx context.Context, category string) (int64, error)
}
