package main

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

func stateDBPathFromDataDir(dataDir string) string {
	dataDir = strings.TrimSpace(dataDir)
	if dataDir == "" {
		dataDir = defaultDataDir
	}
	return filepath.Join(dataDir, "state", "kawpool.db")
}

// stateStore keeps bans and the found-block log in sqlite.
type stateStore struct {
	db *sql.DB
}

func openStateStore(dbPath string) (*stateStore, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// sqlite serializes writers anyway
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := ensureStateTables(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &stateStore{db: db}, nil
}

func ensureStateTables(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS bans (
			ip TEXT PRIMARY KEY,
			worker TEXT,
			reason TEXT,
			banned_at_unix INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS bans_banned_at_idx ON bans (banned_at_unix)`,
		`CREATE TABLE IF NOT EXISTS found_blocks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at_unix INTEGER NOT NULL,
			height INTEGER NOT NULL,
			hash TEXT NOT NULL,
			worker TEXT,
			accepted INTEGER NOT NULL,
			rpc_error TEXT,
			json TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS found_blocks_height_idx ON found_blocks (height)`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *stateStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *stateStore) SaveBan(ip, worker, reason string, at time.Time) error {
	_, err := s.db.Exec(`INSERT OR REPLACE INTO bans (ip, worker, reason, banned_at_unix) VALUES (?, ?, ?, ?)`,
		ip, worker, reason, at.Unix())
	return err
}

func (s *stateStore) DeleteBan(ip string) error {
	_, err := s.db.Exec(`DELETE FROM bans WHERE ip = ?`, ip)
	return err
}

// LoadBans returns bans issued at or after since. Older rows are removed.
func (s *stateStore) LoadBans(since time.Time) (map[string]time.Time, error) {
	if _, err := s.db.Exec(`DELETE FROM bans WHERE banned_at_unix < ?`, since.Unix()); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`SELECT ip, banned_at_unix FROM bans`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]time.Time)
	for rows.Next() {
		var ip string
		var at int64
		if err := rows.Scan(&ip, &at); err != nil {
			return nil, err
		}
		out[ip] = time.Unix(at, 0)
	}
	return out, rows.Err()
}

type foundBlockRow struct {
	At       time.Time
	Height   int64
	Hash     string
	Worker   string
	Accepted bool
	RPCError string
	Record   shareRecord
}

func (s *stateStore) RecordFoundBlock(rec shareRecord, accepted bool, rpcErr string, at time.Time) error {
	data, err := fastJSONMarshal(rec)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO found_blocks (created_at_unix, height, hash, worker, accepted, rpc_error, json)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		at.Unix(), rec.Height, rec.BlockHash, rec.Worker, accepted, rpcErr, string(data))
	return err
}

func (s *stateStore) RecentFoundBlocks(limit int) ([]foundBlockRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`SELECT created_at_unix, height, hash, worker, accepted, rpc_error, json
		FROM found_blocks ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []foundBlockRow
	for rows.Next() {
		var (
			row      foundBlockRow
			at       int64
			worker   sql.NullString
			rpcErr   sql.NullString
			recordJS string
		)
		if err := rows.Scan(&at, &row.Height, &row.Hash, &worker, &row.Accepted, &rpcErr, &recordJS); err != nil {
			return nil, err
		}
		row.At = time.Unix(at, 0)
		row.Worker = worker.String
		row.RPCError = rpcErr.String
		if err := fastJSONUnmarshal([]byte(recordJS), &row.Record); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
