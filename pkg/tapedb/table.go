package tapedb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Table owns one logical collection stored as a single SQLite table:
// an autoincrementing integer id plus a JSON data column. Upserts are
// last-writer-wins; for conflict detection use [VersionedTable].
type Table struct {
	ctrl *Controller
	name string
	log  *slog.Logger
}

// NewTable binds a collection name to a controller. The name is
// interpolated into SQL and therefore allow-listed as a plain identifier.
func NewTable(ctrl *Controller, name string) (*Table, error) {
	if ctrl == nil {
		return nil, errors.New("new table: controller is nil")
	}

	if !isValidIdentifier(name) {
		return nil, fmt.Errorf("new table: invalid table name %q", name)
	}

	return &Table{ctrl: ctrl, name: name, log: ctrl.logger().With("table", name)}, nil
}

// Name returns the collection name.
func (t *Table) Name() string {
	return t.name
}

// Initialize creates the backing table if absent and ensures a secondary
// index keyed on each named field's extracted JSON value. Idempotent.
func (t *Table) Initialize(ctx context.Context, indexes ...string) error {
	if ctx == nil {
		return errors.New("initialize: context is nil")
	}

	query := "CREATE TABLE IF NOT EXISTS " + t.name + " (\n" +
		"    id INTEGER PRIMARY KEY AUTOINCREMENT,\n" +
		"    data JSON NOT NULL\n" +
		")"

	_, err := t.ctrl.Execute(ctx, query)
	if err != nil {
		return fmt.Errorf("initialize %s: %w", t.name, err)
	}

	err = t.createIndexes(ctx, indexes)
	if err != nil {
		return err
	}

	t.log.Debug("initialized", "indexes", len(indexes))

	return nil
}

// createIndexes ensures one index per named field.
func (t *Table) createIndexes(ctx context.Context, fields []string) error {
	for _, field := range fields {
		if !isValidIdentifier(field) {
			return fmt.Errorf("initialize %s: %w: invalid index field %q", t.name, ErrInvalidQuery, field)
		}

		query := "CREATE INDEX IF NOT EXISTS idx_" + t.name + "_" + field +
			" ON " + t.name + " (json_extract(data, '$." + field + "'))"

		_, err := t.ctrl.Execute(ctx, query)
		if err != nil {
			return fmt.Errorf("initialize %s: index %s: %w", t.name, field, err)
		}
	}

	return nil
}

// Upsert inserts doc when it has no id, or replaces the document stored at
// doc.ID (last writer wins, no conflict detection). Returns the effective id.
func (t *Table) Upsert(ctx context.Context, doc Document) (int64, error) {
	if ctx == nil {
		return 0, errors.New("upsert: context is nil")
	}

	data, err := encodeData(doc.Data)
	if err != nil {
		return 0, withTable(fmt.Errorf("upsert: %w", err), t.name, doc.ID)
	}

	rows, err := t.ctrl.Execute(ctx, upsertSQL(t.name), idParam(doc.ID), data)
	if err != nil {
		return 0, withTable(fmt.Errorf("upsert: %w", err), t.name, doc.ID)
	}

	id, err := idFromRows(rows)
	if err != nil {
		return 0, withTable(fmt.Errorf("upsert: %w", err), t.name, doc.ID)
	}

	t.log.Debug("upsert", "doc_id", id)

	return id, nil
}

// Find returns the document at id, or [ErrNotFound]. Absence is an expected
// outcome, not a failure of the table.
func (t *Table) Find(ctx context.Context, id int64) (*Document, error) {
	if ctx == nil {
		return nil, errors.New("find: context is nil")
	}

	rows, err := t.ctrl.Execute(ctx, "SELECT id, data FROM "+t.name+" WHERE id = ?", id)
	if err != nil {
		return nil, withTable(fmt.Errorf("find: %w", err), t.name, id)
	}

	if len(rows) == 0 {
		return nil, withTable(fmt.Errorf("find: %w", ErrNotFound), t.name, id)
	}

	doc, err := documentFromRow(rows[0], false)
	if err != nil {
		return nil, withTable(fmt.Errorf("find: %w", err), t.name, id)
	}

	return doc, nil
}

// Search returns all documents whose fields equal every given value.
// An empty condition set fails with [ErrInvalidQuery].
func (t *Table) Search(ctx context.Context, conditions map[string]any) ([]Document, error) {
	return t.SearchAdvanced(ctx, equalityConditions(conditions))
}

// SearchAdvanced returns all documents matching every clause, conjoined.
// Operators outside the fixed set and invalid field names fail with
// [ErrInvalidQuery] before any SQL reaches storage.
func (t *Table) SearchAdvanced(ctx context.Context, clauses []Condition) ([]Document, error) {
	if ctx == nil {
		return nil, errors.New("search: context is nil")
	}

	where, args, err := compileConditions(clauses, false)
	if err != nil {
		return nil, withTable(fmt.Errorf("search: %w", err), t.name, 0)
	}

	rows, err := t.ctrl.Execute(ctx,
		"SELECT id, data FROM "+t.name+" WHERE "+where+" ORDER BY id", args...)
	if err != nil {
		return nil, withTable(fmt.Errorf("search: %w", err), t.name, 0)
	}

	return documentsFromRows(rows, false, t.name)
}

// Delete removes the document at id. Deleting a missing id is a no-op.
func (t *Table) Delete(ctx context.Context, id int64) error {
	if ctx == nil {
		return errors.New("delete: context is nil")
	}

	_, err := t.ctrl.Execute(ctx, "DELETE FROM "+t.name+" WHERE id = ?", id)
	if err != nil {
		return withTable(fmt.Errorf("delete: %w", err), t.name, id)
	}

	return nil
}

// BulkUpsert applies all upserts as a single transaction; any failure rolls
// back the whole batch. Returns the effective ids in call order, with new
// documents assigned fresh ids by the batch's insertion order.
func (t *Table) BulkUpsert(ctx context.Context, docs []Document) ([]int64, error) {
	if ctx == nil {
		return nil, errors.New("bulk upsert: context is nil")
	}

	if len(docs) == 0 {
		return nil, nil
	}

	paramSets, err := upsertParams(docs, t.name)
	if err != nil {
		return nil, err
	}

	rows, err := t.ctrl.ExecuteMany(ctx, upsertSQL(t.name), paramSets)
	if err != nil {
		return nil, withTable(fmt.Errorf("bulk upsert: %w", err), t.name, 0)
	}

	ids, err := idsFromRows(rows)
	if err != nil {
		return nil, withTable(fmt.Errorf("bulk upsert: %w", err), t.name, 0)
	}

	t.log.Debug("bulk upsert", "docs", len(ids))

	return ids, nil
}

// putDocument adapts Upsert to the shape the record layer needs.
func (t *Table) putDocument(ctx context.Context, doc Document) (Document, error) {
	id, err := t.Upsert(ctx, doc)
	if err != nil {
		return Document{}, err
	}

	doc.ID = id
	doc.Version = nil

	return doc, nil
}

// putDocuments adapts BulkUpsert to the shape the record layer needs.
func (t *Table) putDocuments(ctx context.Context, docs []Document) ([]Document, error) {
	ids, err := t.BulkUpsert(ctx, docs)
	if err != nil {
		return nil, err
	}

	out := make([]Document, len(docs))
	for i := range docs {
		out[i] = docs[i]
		out[i].ID = ids[i]
		out[i].Version = nil
	}

	return out, nil
}

// upsertSQL is the shared insert-or-replace statement. A NULL id lets
// SQLite assign the next rowid; a present id replaces that document.
func upsertSQL(table string) string {
	return "INSERT INTO " + table + " (id, data) VALUES (?, json(?))" +
		" ON CONFLICT (id) DO UPDATE SET data = excluded.data RETURNING id"
}

// idParam maps the zero id to NULL so the store assigns one.
func idParam(id int64) any {
	if id == 0 {
		return nil
	}

	return id
}

// upsertParams encodes each document's payload into one param set.
func upsertParams(docs []Document, table string) ([][]any, error) {
	paramSets := make([][]any, 0, len(docs))

	for i := range docs {
		data, err := encodeData(docs[i].Data)
		if err != nil {
			return nil, withTable(
				fmt.Errorf("bulk upsert: document %d: %w", i+1, err), table, docs[i].ID)
		}

		paramSets = append(paramSets, []any{idParam(docs[i].ID), data})
	}

	return paramSets, nil
}

// idFromRows extracts the single RETURNING id.
func idFromRows(rows []Row) (int64, error) {
	if len(rows) == 0 || len(rows[0]) == 0 {
		return 0, errors.New("no id returned")
	}

	id, ok := asInt64(rows[0][0])
	if !ok {
		return 0, fmt.Errorf("returned id %T is not an integer", rows[0][0])
	}

	return id, nil
}

// idsFromRows extracts one RETURNING id per batch row, in order.
func idsFromRows(rows []Row) ([]int64, error) {
	ids := make([]int64, len(rows))

	for i, row := range rows {
		if len(row) == 0 {
			return nil, fmt.Errorf("row %d: no id returned", i+1)
		}

		id, ok := asInt64(row[0])
		if !ok {
			return nil, fmt.Errorf("row %d: returned id %T is not an integer", i+1, row[0])
		}

		ids[i] = id
	}

	return ids, nil
}

// documentsFromRows decodes a materialized result set.
func documentsFromRows(rows []Row, withVersion bool, table string) ([]Document, error) {
	docs := make([]Document, 0, len(rows))

	for _, row := range rows {
		doc, err := documentFromRow(row, withVersion)
		if err != nil {
			return nil, withTable(fmt.Errorf("search: %w", err), table, 0)
		}

		docs = append(docs, *doc)
	}

	return docs, nil
}
