package tapedb_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/tapedb/pkg/tapedb"
)

// openTestController opens a controller over a fresh on-disk database and
// closes it when the test finishes.
func openTestController(t *testing.T) *tapedb.Controller {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.sqlite")

	ctrl, err := tapedb.Open(t.Context(), tapedb.Options{Path: path})
	if err != nil {
		t.Fatalf("open controller: %v", err)
	}

	t.Cleanup(func() { _ = ctrl.Close() })

	return ctrl
}

// newTestTable creates and initializes a plain table.
func newTestTable(t *testing.T, ctrl *tapedb.Controller, name string, indexes ...string) *tapedb.Table {
	t.Helper()

	table, err := tapedb.NewTable(ctrl, name)
	if err != nil {
		t.Fatalf("new table: %v", err)
	}

	err = table.Initialize(t.Context(), indexes...)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}

	return table
}

// newTestVersionedTable creates and initializes a versioned table.
func newTestVersionedTable(t *testing.T, ctrl *tapedb.Controller, name string, indexes ...string) *tapedb.VersionedTable {
	t.Helper()

	table, err := tapedb.NewVersionedTable(ctrl, name)
	if err != nil {
		t.Fatalf("new versioned table: %v", err)
	}

	err = table.Initialize(t.Context(), indexes...)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}

	return table
}

// rowText normalizes a text column value; the driver may hand back either
// string or []byte.
func rowText(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return ""
	}
}

func upsertTestDoc(ctx context.Context, t *testing.T, table *tapedb.Table, data map[string]any) int64 {
	t.Helper()

	id, err := table.Upsert(ctx, tapedb.Document{Data: data})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	return id
}
