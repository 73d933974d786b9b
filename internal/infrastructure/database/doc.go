// Package database provides SQLite connectivity for homegate.
//
// It manages:
//   - the connection (WAL mode, busy timeout, foreign keys on)
//   - embedded, forward-only schema migrations tracked in schema_migrations
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
