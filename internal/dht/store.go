package dht

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// PersistentStore persists routing-table contacts to SQLite so a restarted
// node can seed its table without a cold bootstrap, grounded on the
// teacher's PersistentStore (same sql.Open/schema/upsert idiom, applied to
// DHT contacts instead of transfer sessions).
type PersistentStore struct {
	db *sql.DB
}

// NewPersistentStore opens (or creates) a SQLite-backed contact store at
// dbPath.
func NewPersistentStore(dbPath string) (*PersistentStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("dht: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(time.Hour)

	store := &PersistentStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *PersistentStore) initSchema() error {
	const schema = `
		CREATE TABLE IF NOT EXISTS dht_contacts (
			id BLOB PRIMARY KEY,
			desc BLOB NOT NULL,
			last_seen TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_dht_contacts_last_seen ON dht_contacts(last_seen);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Upsert persists or refreshes one contact.
func (s *PersistentStore) Upsert(c Contact) error {
	_, err := s.db.Exec(
		`INSERT INTO dht_contacts (id, desc, last_seen) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET desc = excluded.desc, last_seen = excluded.last_seen`,
		c.ID[:], c.Desc, c.LastSeen,
	)
	return err
}

// LoadAll returns every persisted contact, for seeding a Table on startup.
func (s *PersistentStore) LoadAll() ([]Contact, error) {
	rows, err := s.db.Query(`SELECT id, desc, last_seen FROM dht_contacts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var idBytes, desc []byte
		var lastSeen time.Time
		if err := rows.Scan(&idBytes, &desc, &lastSeen); err != nil {
			return nil, err
		}
		var c Contact
		copy(c.ID[:], idBytes)
		c.Desc = desc
		c.LastSeen = lastSeen
		out = append(out, c)
	}
	return out, rows.Err()
}

// Prune removes contacts not seen since before cutoff, returning the
// number removed.
func (s *PersistentStore) Prune(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM dht_contacts WHERE last_seen < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close releases the underlying database handle.
func (s *PersistentStore) Close() error {
	return s.db.Close()
}

// Seed loads persisted contacts from s into t.
func Seed(t *Table, s *PersistentStore) error {
	contacts, err := s.LoadAll()
	if err != nil {
		return err
	}
	for _, c := range contacts {
		t.Update(c.ID, c.Desc)
	}
	return nil
}
