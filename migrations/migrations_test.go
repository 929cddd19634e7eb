package migrations

import (
	"context"
	"database/sql"
	"path/filepath"
	"reflect"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "deepread.db"))
	if err != nil {
		t.Fatalf("open sqlite db: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func TestApplySQLiteCreatesUsageTable(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	if err := Apply(context.Background(), db, DriverSQLite); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'usage_records'`).Scan(&count); err != nil {
		t.Fatalf("query sqlite_master: %v", err)
	}
	if count != 1 {
		t.Fatal("expected usage_records table to exist after migrations")
	}

	files, err := Files(DriverSQLite)
	if err != nil {
		t.Fatalf("Files() error: %v", err)
	}
	applied, err := Applied(context.Background(), db, DriverSQLite)
	if err != nil {
		t.Fatalf("Applied() error: %v", err)
	}
	if !reflect.DeepEqual(applied, files) {
		t.Fatalf("applied=%v, want %v", applied, files)
	}
}

func TestApplySQLiteIsIdempotent(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	for i := 0; i < 2; i++ {
		if err := Apply(context.Background(), db, " SQLite "); err != nil {
			t.Fatalf("Apply() #%d error: %v", i+1, err)
		}
	}
	applied, err := Applied(context.Background(), db, DriverSQLite)
	if err != nil {
		t.Fatalf("Applied() error: %v", err)
	}
	files, _ := Files(DriverSQLite)
	if len(applied) != len(files) {
		t.Fatalf("applied=%d, want %d", len(applied), len(files))
	}
}

func TestFilesAreOrderedPerDriver(t *testing.T) {
	t.Parallel()

	for _, driver := range []string{DriverSQLite, DriverPostgres} {
		files, err := Files(driver)
		if err != nil {
			t.Fatalf("Files(%q) error: %v", driver, err)
		}
		if len(files) == 0 {
			t.Fatalf("Files(%q) returned no migrations", driver)
		}
		for i := 1; i < len(files); i++ {
			if files[i-1] >= files[i] {
				t.Fatalf("Files(%q) not sorted: %v", driver, files)
			}
		}
	}
}

func TestApplyRejectsUnsupportedDriver(t *testing.T) {
	t.Parallel()

	if err := Apply(context.Background(), openTestDB(t), "mysql"); err == nil {
		t.Fatal("Apply() error=nil, want unsupported driver error")
	}
	if _, err := Files("mysql"); err == nil {
		t.Fatal("Files() error=nil, want unsupported driver error")
	}
}
