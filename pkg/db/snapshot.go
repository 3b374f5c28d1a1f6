package db

import (
	"database/sql"

	"gorm.io/gorm"
)

// SnapshotTxOptions returns read-only repeatable-read options where the
// dialect honours them. SQLite serializes a transaction's reads on its own.
func SnapshotTxOptions(conn *gorm.DB) []*sql.TxOptions {
	if conn == nil || conn.Dialector == nil {
		return nil
	}
	switch conn.Dialector.Name() {
	case "postgres", "mysql":
		return []*sql.TxOptions{{ReadOnly: true, Isolation: sql.LevelRepeatableRead}}
	default:
		return nil
	}
}
