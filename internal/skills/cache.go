package skills

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Cache persists skill embeddings in SQLite, keyed by
// (embedding model, skill name, content digest). Keying on the digest
// makes invalidation explicit: a skill whose retrieval text changed
// misses the cache and is re-embedded instead of silently reusing a
// stale vector. Callers serialize access through the Catalog lock.
type Cache struct {
	db *sql.DB
}

// OpenCache opens (or creates) the embedding cache database.
func OpenCache(dbPath string) (*Cache, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open embedding cache: %w", err)
	}

	c := &Cache{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate embedding cache schema: %w", err)
	}
	return c, nil
}

// Close closes the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}

func (c *Cache) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS skill_embeddings (
		model      TEXT NOT NULL,
		skill      TEXT NOT NULL,
		digest     TEXT NOT NULL,
		vector     BLOB NOT NULL,
		created_at TEXT NOT NULL,
		PRIMARY KEY (model, skill, digest)
	);
	`
	_, err := c.db.Exec(schema)
	return err
}

// Get returns the cached vector for the key, or ok=false on a miss.
func (c *Cache) Get(model, skill, digest string) (vec []float32, ok bool, err error) {
	var blob []byte
	row := c.db.QueryRow(
		`SELECT vector FROM skill_embeddings WHERE model = ? AND skill = ? AND digest = ?`,
		model, skill, digest)
	if err := row.Scan(&blob); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("query embedding cache: %w", err)
	}

	vec, err = decodeVector(blob)
	if err != nil {
		return nil, false, err
	}
	return vec, true, nil
}

// Put stores a vector, replacing any previous entry for the same key.
// Old entries for the same (model, skill) under a different digest are
// removed so the cache never grows with dead content versions.
func (c *Cache) Put(model, skill, digest string, vec []float32) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("begin embedding cache tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`DELETE FROM skill_embeddings WHERE model = ? AND skill = ? AND digest != ?`,
		model, skill, digest); err != nil {
		return fmt.Errorf("prune stale embeddings: %w", err)
	}
	if _, err := tx.Exec(
		`INSERT OR REPLACE INTO skill_embeddings (model, skill, digest, vector, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		model, skill, digest, encodeVector(vec), time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("store embedding: %w", err)
	}

	return tx.Commit()
}

func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d is not a multiple of 4", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}
