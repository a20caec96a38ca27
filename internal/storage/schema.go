package storage

import (
	"database/sql"
	"fmt"
)

// CurrentSchemaVersion is the latest schema version.
// Bump this when adding a migration.
const CurrentSchemaVersion = 1

// Timestamps are unix nanoseconds so that a restored snapshot is bit-identical
// to the one that was saved.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS sources (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    path         TEXT NOT NULL UNIQUE,
    type         TEXT NOT NULL DEFAULT 'local',
    last_scanned INTEGER
);

-- Items are deck entries; retired items keep their cards and history.
CREATE TABLE IF NOT EXISTS items (
    hash       TEXT PRIMARY KEY,
    prompt     TEXT NOT NULL,
    answer     TEXT NOT NULL DEFAULT '',
    context    TEXT NOT NULL DEFAULT '',
    source_id  INTEGER REFERENCES sources(id) ON DELETE SET NULL,
    retired_at INTEGER
);

CREATE INDEX IF NOT EXISTS idx_items_source ON items(source_id);

CREATE TABLE IF NOT EXISTS cards (
    id             TEXT PRIMARY KEY,
    learner_id     TEXT NOT NULL,
    item_hash      TEXT NOT NULL REFERENCES items(hash),
    state          INTEGER NOT NULL DEFAULT 0,
    due            INTEGER NOT NULL,
    stability      REAL NOT NULL DEFAULT 0,
    difficulty     REAL NOT NULL DEFAULT 0,
    elapsed_days   REAL NOT NULL DEFAULT 0,
    scheduled_days REAL NOT NULL DEFAULT 0,
    reps           INTEGER NOT NULL DEFAULT 0,
    lapses         INTEGER NOT NULL DEFAULT 0,
    last_review    INTEGER,
    created_at     INTEGER NOT NULL,
    UNIQUE (learner_id, item_hash)
);

CREATE INDEX IF NOT EXISTS idx_cards_learner_due ON cards(learner_id, due);

-- seq orders entries for undo; id is the public identifier.
CREATE TABLE IF NOT EXISTS review_logs (
    seq              INTEGER PRIMARY KEY AUTOINCREMENT,
    id               TEXT NOT NULL UNIQUE,
    card_id          TEXT NOT NULL REFERENCES cards(id) ON DELETE CASCADE,
    rating           INTEGER NOT NULL,
    state_before     INTEGER NOT NULL,
    state_after      INTEGER NOT NULL,
    response_time_ms INTEGER,
    elapsed_days     REAL NOT NULL,
    scheduled_days   REAL NOT NULL,
    reviewed_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_review_logs_card ON review_logs(card_id, seq DESC);

CREATE TABLE IF NOT EXISTS learner_stats (
    learner_id     TEXT PRIMARY KEY,
    times_reviewed INTEGER NOT NULL DEFAULT 0,
    times_correct  INTEGER NOT NULL DEFAULT 0
);
`

// migrate applies schema migrations based on user_version.
func migrate(conn *sql.DB) error {
	version, err := userVersion(conn)
	if err != nil {
		return err
	}

	if version < 1 {
		if _, err := conn.Exec(schemaV1); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if err := setUserVersion(conn, 1); err != nil {
			return err
		}
	}

	return nil
}

func userVersion(conn *sql.DB) (int, error) {
	var version int
	if err := conn.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get user_version: %w", err)
	}
	return version, nil
}

func setUserVersion(conn *sql.DB, version int) error {
	if _, err := conn.Exec(fmt.Sprintf("PRAGMA user_version=%d", version)); err != nil {
		return fmt.Errorf("failed to set user_version: %w", err)
	}
	return nil
}
