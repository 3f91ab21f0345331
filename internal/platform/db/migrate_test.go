package db

import (
	"testing"
	"testing/fstest"
)

func TestMigrator_Load(t *testing.T) {
	files := fstest.MapFS{
		"002_invoices.sql": {Data: []byte("CREATE TABLE invoices (id UUID PRIMARY KEY);")},
		"001_pricing.sql":  {Data: []byte("CREATE TABLE service_catalog (id UUID PRIMARY KEY);")},
		"010_reports.sql":  {Data: []byte("SELECT 1;")},
		"README.md":        {Data: []byte("notes")},
		"seed.sql":         {Data: []byte("SELECT 1;")},
		"abc_notnum.sql":   {Data: []byte("SELECT 1;")},
	}

	migrations, err := NewMigrator(nil, files).Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(migrations) != 3 {
		t.Fatalf("expected 3 migrations, got %d", len(migrations))
	}
	wantVersions := []int{1, 2, 10}
	for i, v := range wantVersions {
		if migrations[i].Version != v {
			t.Errorf("migration %d: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
	if migrations[0].Name != "001_pricing.sql" {
		t.Errorf("expected 001_pricing.sql first, got %s", migrations[0].Name)
	}
	if migrations[1].SQL != "CREATE TABLE invoices (id UUID PRIMARY KEY);" {
		t.Errorf("unexpected SQL: %s", migrations[1].SQL)
	}
}

func TestMigrator_Load_DuplicateVersion(t *testing.T) {
	files := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"001_b.sql": {Data: []byte("SELECT 2;")},
	}
	if _, err := NewMigrator(nil, files).Load(); err == nil {
		t.Error("expected error for duplicate version")
	}
}

func TestMigrator_Load_Empty(t *testing.T) {
	migrations, err := NewMigrator(nil, fstest.MapFS{}).Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(migrations) != 0 {
		t.Errorf("expected no migrations, got %d", len(migrations))
	}
}
