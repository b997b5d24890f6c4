package intentstore

import "database/sql"

// migrate creates the schema if it doesn't exist.
func migrate(db *sql.DB) error {
	const schema = `
		CREATE TABLE IF NOT EXISTS intents (
			agent_type  TEXT PRIMARY KEY,
			description TEXT NOT NULL,
			examples    TEXT NOT NULL DEFAULT '[]',
			tags        TEXT NOT NULL DEFAULT '[]',
			embedding   BLOB,
			ord         INTEGER NOT NULL,
			updated_at  TEXT NOT NULL
		);
	`
	_, err := db.Exec(schema)
	return err
}
