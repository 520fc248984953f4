package database

import (
	"context"
	"testing"
)

func TestNewDBSQLiteInMemory(t *testing.T) {
	db, err := NewDB("file::memory:?cache=shared", false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	var one int
	if err := db.NewSelect().ColumnExpr("1").Scan(context.Background(), &one); err != nil {
		t.Fatalf("select: %v", err)
	}
	if one != 1 {
		t.Fatalf("expected 1, got %d", one)
	}
}

func TestIsPostgres(t *testing.T) {
	if !IsPostgres("postgres://u:p@localhost:5432/db?sslmode=disable") {
		t.Fatalf("expected postgres DSN")
	}
	if IsPostgres("file::memory:") {
		t.Fatalf("expected sqlite DSN")
	}
}
