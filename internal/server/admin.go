package server

import (
	"RaffleLedger/internal/persistence"
	"RaffleLedger/internal/projection"
	"context"
	"database/sql"
)

// PostgresAdmin is the AdminStore backed by the event log database.
type PostgresAdmin struct {
	db        *sql.DB
	snapshots *persistence.SnapshotManager
}

func NewPostgresAdmin(db *sql.DB) *PostgresAdmin {
	return &PostgresAdmin{db: db, snapshots: persistence.NewSnapshotManager(db)}
}

func (a *PostgresAdmin) LatestSequence(ctx context.Context) (int64, error) {
	return a.snapshots.GetLatestSequence(ctx)
}

func (a *PostgresAdmin) RebuildProjections(ctx context.Context) error {
	return projection.RebuildProjections(ctx, a.db)
}
