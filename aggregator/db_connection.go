package aggregator

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/avast/retry-go"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteConfig represents the SQLite configuration
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// Catalog tables map stable identities (greenhouses, nodes, sensor kinds)
// to row ids; the two fact tables are append-only and idempotent on
// (ts_ms, entity, sensor_type_id, agg).
const schema = `
CREATE TABLE IF NOT EXISTS greenhouse_id (
    id INTEGER PRIMARY KEY
);
CREATE TABLE IF NOT EXISTS sensor_type (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    key TEXT NOT NULL UNIQUE,
    unit TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS greenhouse_average (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ts_ms INTEGER NOT NULL,
    greenhouse_id INTEGER NOT NULL,
    sensor_type_id INTEGER NOT NULL,
    value REAL,
    nodes INTEGER NOT NULL,
    agg TEXT NOT NULL,
    window_sec INTEGER NOT NULL,
    UNIQUE(ts_ms, greenhouse_id, sensor_type_id, agg),
    FOREIGN KEY (greenhouse_id) REFERENCES greenhouse_id(id) ON DELETE CASCADE,
    FOREIGN KEY (sensor_type_id) REFERENCES sensor_type(id) ON DELETE RESTRICT
);
CREATE TABLE IF NOT EXISTS node_name (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    greenhouse_id INTEGER NOT NULL,
    node_id INTEGER NOT NULL,
    label TEXT NOT NULL,
    UNIQUE(greenhouse_id, node_id),
    FOREIGN KEY (greenhouse_id) REFERENCES greenhouse_id(id) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS node_values (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ts_ms INTEGER NOT NULL,
    node_id INTEGER NOT NULL,
    sensor_type_id INTEGER NOT NULL,
    value REAL,
    agg TEXT NOT NULL,
    window_sec INTEGER NOT NULL,
    UNIQUE(ts_ms, node_id, sensor_type_id, agg),
    FOREIGN KEY (node_id) REFERENCES node_name(id) ON DELETE CASCADE,
    FOREIGN KEY (sensor_type_id) REFERENCES sensor_type(id) ON DELETE RESTRICT
);

CREATE INDEX IF NOT EXISTS idx_node_values_ts ON node_values(ts_ms);
CREATE INDEX IF NOT EXISTS idx_ghavg_ts ON greenhouse_average(ts_ms);
`

// NewDbConnection opens the configured SQLite database, applies the
// durability pragmas (WAL journal, NORMAL sync, foreign keys on) and
// initializes the schema. The open is retried a few times before giving
// up; a final failure means no persistence for this process.
func NewDbConnection(config SQLiteConfig) (*sql.DB, error) {
	if dir := filepath.Dir(config.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("database directory error: %s", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on", config.Path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("database connection error: %s", err)
	}

	// One writer goroutine owns all writes; a single connection avoids
	// SQLITE_BUSY between the pool's connections.
	db.SetMaxOpenConns(1)

	err = retry.Do(
		func() error {
			if err := db.Ping(); err != nil {
				return err
			}
			_, err := db.Exec(schema)
			return err
		},
		retry.Attempts(5),
	)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("database init error: %s", err)
	}

	return db, nil
}
