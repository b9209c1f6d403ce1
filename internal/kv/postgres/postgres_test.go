package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/tinygame/tinyfs/internal/kv"
)

var _ kv.Storage = (*Store)(nil)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dbURL := os.Getenv("TINYFS_TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TINYFS_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	s, err := Open(ctx, dbURL)
	if err != nil {
		t.Skipf("test DB not reachable: %v", err)
	}
	t.Cleanup(func() {
		s.Clear(context.Background())
		s.Close()
	})
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	return s
}

func TestStore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, ok, err := s.GetItem(ctx, "fs.sizelimited.version"); err != nil || ok {
		t.Fatalf("GetItem on empty table = %v, %v", ok, err)
	}

	if err := s.SetItem(ctx, "fs.sizelimited.version", "1"); err != nil {
		t.Fatalf("SetItem: %v", err)
	}
	if err := s.SetItem(ctx, "fs.sizelimited.version", "2"); err != nil {
		t.Fatalf("SetItem (upsert): %v", err)
	}
	v, ok, err := s.GetItem(ctx, "fs.sizelimited.version")
	if err != nil || !ok || v != "2" {
		t.Errorf("GetItem = %q, %v, %v", v, ok, err)
	}

	if err := s.RemoveItem(ctx, "fs.sizelimited.version"); err != nil {
		t.Fatalf("RemoveItem: %v", err)
	}
	if _, ok, _ := s.GetItem(ctx, "fs.sizelimited.version"); ok {
		t.Error("item present after RemoveItem")
	}
}

func TestMigrateIdempotent(t *testing.T) {
	s := openTestStore(t)
	if err := s.Migrate(context.Background()); err != nil {
		t.Errorf("second Migrate: %v", err)
	}
}
