// Package testutil provides shared fixtures for tests that need a real
// session database.
package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/Veraticus/ledgerbot/internal/model"
	"github.com/Veraticus/ledgerbot/internal/storage"
)

// TestDB is a migrated SQLite session store that is closed when the test ends.
type TestDB struct {
	Storage *storage.SQLiteStorage
	t       *testing.T
	Path    string
}

// SetupTestDB creates an in-memory session database seeded with sessions.
func SetupTestDB(t *testing.T, sessions ...*model.Session) *TestDB {
	t.Helper()
	return setup(t, ":memory:", sessions)
}

// SetupFileDB creates a session database in a temporary directory, for tests
// that reopen it or hand its path to another component.
func SetupFileDB(t *testing.T, sessions ...*model.Session) *TestDB {
	t.Helper()
	return setup(t, filepath.Join(t.TempDir(), "ledgerbot.db"), sessions)
}

func setup(t *testing.T, path string, sessions []*model.Session) *TestDB {
	t.Helper()

	store, err := storage.NewSQLiteStorage(path)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	for _, s := range sessions {
		if err := store.Save(ctx, s); err != nil {
			t.Fatalf("failed to seed session for chat %s: %v", s.ChatID, err)
		}
	}

	return &TestDB{Storage: store, Path: path, t: t}
}

// MustLoad returns the stored session for chatID or fails the test when
// there is none.
func (db *TestDB) MustLoad(chatID string) *model.Session {
	db.t.Helper()
	s, err := db.Storage.Load(context.Background(), chatID)
	if err != nil {
		db.t.Fatalf("failed to load session for chat %s: %v", chatID, err)
	}
	if s == nil {
		db.t.Fatalf("no session stored for chat %s", chatID)
	}
	return s
}
