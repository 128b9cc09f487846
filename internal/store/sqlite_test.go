package store

import (
	"path/filepath"
	"testing"
	"time"

	"swap-executor/internal/config"
)

func TestNewSQLite_InMemorySharesOneConnection(t *testing.T) {
	st, err := NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 8})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	defer st.Close()

	if _, err := st.DB().Exec(`CREATE TABLE probe (id INTEGER PRIMARY KEY)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := st.DB().Exec(`INSERT INTO probe (id) VALUES (1)`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var count int
	if err := st.DB().QueryRow(`SELECT COUNT(*) FROM probe`).Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row, got %d", count)
	}
}

func TestNewSQLite_CreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "data", "executor.db")
	st, err := NewSQLite(config.DatabaseConfig{
		Path:            path,
		MaxOpenConns:    2,
		MaxIdleConns:    1,
		ConnMaxLifetime: time.Minute,
	})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
}

func TestClose_NilDatabase(t *testing.T) {
	if err := (&Store{}).Close(); err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
}
