package tapedb

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/natefinch/atomic"
)

// exportDoc is the on-disk shape of one exported document.
type exportDoc struct {
	ID      int64          `json:"id"`
	Version *int64         `json:"version,omitempty"`
	Data    map[string]any `json:"data"`
}

// Export writes every document in the table to path as a JSON array,
// ordered by id. The file is written atomically (temp file + rename), so a
// crash mid-export never leaves a truncated file behind.
func (t *Table) Export(ctx context.Context, path string) error {
	if ctx == nil {
		return errors.New("export: context is nil")
	}

	rows, err := t.ctrl.Execute(ctx, "SELECT id, data FROM "+t.name+" ORDER BY id")
	if err != nil {
		return withTable(fmt.Errorf("export: %w", err), t.name, 0)
	}

	return writeExport(path, rows, false, t.name)
}

// Export is [Table.Export] including each document's version.
func (t *VersionedTable) Export(ctx context.Context, path string) error {
	if ctx == nil {
		return errors.New("export: context is nil")
	}

	rows, err := t.ctrl.Execute(ctx, "SELECT id, version, data FROM "+t.name+" ORDER BY id")
	if err != nil {
		return withTable(fmt.Errorf("export: %w", err), t.name, 0)
	}

	return writeExport(path, rows, true, t.name)
}

func writeExport(path string, rows []Row, withVersion bool, table string) error {
	docs := make([]exportDoc, 0, len(rows))

	for _, row := range rows {
		doc, err := documentFromRow(row, withVersion)
		if err != nil {
			return withTable(fmt.Errorf("export: %w", err), table, 0)
		}

		docs = append(docs, exportDoc{ID: doc.ID, Version: doc.Version, Data: doc.Data})
	}

	buf, err := json.MarshalIndent(docs, "", "  ")
	if err != nil {
		return withTable(fmt.Errorf("export: %w", err), table, 0)
	}

	buf = append(buf, '\n')

	err = atomic.WriteFile(path, bytes.NewReader(buf))
	if err != nil {
		return withTable(fmt.Errorf("export: write %s: %w", path, err), table, 0)
	}

	return nil
}
