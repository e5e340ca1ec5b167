package store

import (
	"context"
	"path/filepath"
	"testing"

	"ladder-bot/internal/config"
)

func TestNewSQLite_InMemorySharesSchema(t *testing.T) {
	st, err := NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 4, MaxIdleConns: 4})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	defer st.Close()

	if _, err := st.DB().Exec(`CREATE TABLE sample (id INTEGER)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := st.DB().Exec(`INSERT INTO sample (id) VALUES (1)`); err != nil {
		t.Fatalf("insert into table created on the same in-memory database: %v", err)
	}
}

func TestNewSQLite_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ladder.db")
	st, err := NewSQLite(config.DatabaseConfig{Path: path, MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	var nilStore Store
	if err := nilStore.Close(); err != nil {
		t.Fatalf("closing an empty store should be a no-op: %v", err)
	}
}

func TestMigrate_RollsBackOnFailure(t *testing.T) {
	st, err := NewSQLite(config.DatabaseConfig{InMemory: true})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	defer st.Close()

	err = st.Migrate(context.Background(),
		`CREATE TABLE first (id INTEGER)`,
		`CREATE TABLE broken (`,
	)
	if err == nil {
		t.Fatalf("expected migration error")
	}

	var n int
	if err := st.DB().QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = 'first'`).Scan(&n); err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	if n != 0 {
		t.Fatalf("failed migration must not leave partial tables")
	}

	if err := st.Migrate(context.Background(), `CREATE TABLE IF NOT EXISTS first (id INTEGER)`); err != nil {
		t.Fatalf("Migrate returned error: %v", err)
	}
}
