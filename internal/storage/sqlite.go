package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS pool_state (
		id INTEGER PRIMARY KEY,
		data TEXT NOT NULL,
		saved_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("create table: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Save(state *PoolState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	// Keep only the latest state.
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM pool_state"); err != nil {
		return fmt.Errorf("delete old state: %w", err)
	}

	if _, err := tx.Exec("INSERT INTO pool_state (data, saved_at) VALUES (?, ?)",
		string(data), time.Now()); err != nil {
		return fmt.Errorf("insert state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

func (s *SQLiteStorage) Load() (*PoolState, error) {
	var data string
	err := s.db.QueryRow("SELECT data FROM pool_state ORDER BY id DESC LIMIT 1").Scan(&data)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("query state: %w", err)
	}

	var state PoolState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("unmarshal JSON: %w", err)
	}

	return &state, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
