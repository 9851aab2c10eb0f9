package knowledge

import (
	"fmt"

	"github.com/sodateru/sodateru/pkg/config"
)

// dialect holds the SQL that differs between backends. Embeddings and
// metadata are JSON in both: JSONB on postgres, TEXT on sqlite.
type dialect struct {
	name       string
	schema     []string
	upsertNode string
	upsertEdge string
	clearEdges string
	clearNodes string
}

const (
	selectNodes = `SELECT id, content, embedding, metadata FROM nodes ORDER BY id`
	selectEdges = `SELECT source, target, weight, type FROM edges ORDER BY source, target, type`
	countNodes  = `SELECT COUNT(*) FROM nodes`
	countEdges  = `SELECT COUNT(*) FROM edges`
)

var sqliteDialect = dialect{
	name: config.DialectSQLite,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			id        TEXT PRIMARY KEY,
			content   TEXT NOT NULL,
			embedding TEXT,
			metadata  TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS edges (
			source TEXT NOT NULL,
			target TEXT NOT NULL,
			weight REAL NOT NULL,
			type   TEXT NOT NULL,
			PRIMARY KEY (source, target, type),
			FOREIGN KEY (source) REFERENCES nodes(id) ON DELETE CASCADE ON UPDATE CASCADE,
			FOREIGN KEY (target) REFERENCES nodes(id) ON DELETE CASCADE ON UPDATE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_type ON edges(type)`,
	},
	upsertNode: `INSERT INTO nodes (id, content, embedding, metadata) VALUES (?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			content = excluded.content,
			embedding = excluded.embedding,
			metadata = excluded.metadata`,
	upsertEdge: `INSERT INTO edges (source, target, weight, type) VALUES (?, ?, ?, ?)
		ON CONFLICT (source, target, type) DO UPDATE SET weight = excluded.weight`,
	clearEdges: `DELETE FROM edges`,
	clearNodes: `DELETE FROM nodes`,
}

var postgresDialect = dialect{
	name: config.DialectPostgres,
	schema: []string{
		`CREATE TABLE IF NOT EXISTS nodes (
			id        TEXT PRIMARY KEY,
			content   TEXT NOT NULL,
			embedding JSONB,
			metadata  JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS edges (
			source TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE ON UPDATE CASCADE,
			target TEXT NOT NULL REFERENCES nodes(id) ON DELETE CASCADE ON UPDATE CASCADE,
			weight DOUBLE PRECISION NOT NULL,
			type   TEXT NOT NULL,
			PRIMARY KEY (source, target, type)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_type ON edges(type)`,
	},
	upsertNode: `INSERT INTO nodes (id, content, embedding, metadata) VALUES ($1, $2, $3::jsonb, $4::jsonb)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata`,
	upsertEdge: `INSERT INTO edges (source, target, weight, type) VALUES ($1, $2, $3, $4)
		ON CONFLICT (source, target, type) DO UPDATE SET weight = EXCLUDED.weight`,
	clearEdges: `DELETE FROM edges`,
	clearNodes: `TRUNCATE TABLE nodes CASCADE`,
}

func dialectFor(name string) (dialect, error) {
	switch name {
	case config.DialectSQLite:
		return sqliteDialect, nil
	case config.DialectPostgres, "postgresql":
		return postgresDialect, nil
	}
	return dialect{}, fmt.Errorf("knowledge: unsupported database type %q", name)
}
