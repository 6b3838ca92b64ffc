// Package database opens the SQLite file that backs the relay's message
// history and applies its embedded schema migrations.
//
// The pool is limited to one connection (SQLite has a single writer). WAL
// mode and a busy timeout are set through the DSN, and the file is created
// with 0600 permissions.
//
// Usage:
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations live in the top-level migrations package as
// YYYYMMDD_HHMMSS_description.up.sql / .down.sql pairs and are additive.
package database
