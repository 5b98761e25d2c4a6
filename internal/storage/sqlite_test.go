package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

// testDB creates a temporary SQLite database for testing.
func testDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	db, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewDB_CreatesFile(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	db, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	defer db.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}
}

func TestNewDB_AllTablesExist(t *testing.T) {
	db := testDB(t)

	expected := []string{
		"messages", "glyph_stats", "glyph_agents", "agent_stats", "agent_glyphs",
		"sequences", "sequence_agents", "proposals", "votes", "vocabulary",
		"audit_log", "counters", "identities",
	}
	for _, table := range expected {
		var name string
		err := db.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestNewDB_ReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	ctx := context.Background()

	db, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	if _, err := db.NextCounter(ctx, "test"); err != nil {
		t.Fatalf("NextCounter: %v", err)
	}
	db.Close()

	db, err = NewDB(dbPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()
	n, err := db.NextCounter(ctx, "test")
	if err != nil {
		t.Fatalf("NextCounter: %v", err)
	}
	if n != 2 {
		t.Fatalf("counter after reopen = %d, want 2", n)
	}
}

func TestDB_Close(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	db, err := NewDB(dbPath)
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// After close, queries should fail.
	var name string
	err = db.db.QueryRow("SELECT 1").Scan(&name)
	if err == nil {
		t.Fatal("expected error after Close, got nil")
	}
}

func TestNextCounter_Monotonic(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		n, err := db.NextCounter(ctx, CounterCompound)
		if err != nil {
			t.Fatalf("NextCounter: %v", err)
		}
		if n != want {
			t.Fatalf("NextCounter = %d, want %d", n, want)
		}
	}
	// Namespaces are independent.
	n, err := db.NextCounter(ctx, CounterBase)
	if err != nil {
		t.Fatalf("NextCounter: %v", err)
	}
	if n != 1 {
		t.Fatalf("base counter = %d, want 1", n)
	}
}

func TestFormatID(t *testing.T) {
	cases := []struct {
		namespace string
		n         int64
		want      string
	}{
		{CounterProposal, 7, "P007"},
		{CounterCompound, 1, "XC01"},
		{CounterBase, 12, "BG12"},
		{CounterCompound, 100, "XC100"},
	}
	for _, c := range cases {
		if got := FormatID(c.namespace, c.n); got != c.want {
			t.Errorf("FormatID(%s, %d) = %q, want %q", c.namespace, c.n, got, c.want)
		}
	}
}
