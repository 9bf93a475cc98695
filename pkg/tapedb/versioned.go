package tapedb

import (
	"context"
	"errors"
	"fmt"
)

// VersionedTable extends [Table] with a version column and a
// compare-and-swap upsert protocol: updates succeed only when the supplied
// version equals the stored one, so of any number of racing updates against
// the same starting version exactly one wins and the rest fail with
// [ErrVersionConflict]. No automatic retry happens at this layer.
type VersionedTable struct {
	Table
}

// NewVersionedTable binds a versioned collection name to a controller.
func NewVersionedTable(ctrl *Controller, name string) (*VersionedTable, error) {
	base, err := NewTable(ctrl, name)
	if err != nil {
		return nil, err
	}

	return &VersionedTable{Table: *base}, nil
}

// Initialize creates the backing table with a version column if absent.
// A pre-existing table created without one is migrated lazily: the column
// is added and existing rows default to version 0. Idempotent.
func (t *VersionedTable) Initialize(ctx context.Context, indexes ...string) error {
	if ctx == nil {
		return errors.New("initialize: context is nil")
	}

	query := "CREATE TABLE IF NOT EXISTS " + t.name + " (\n" +
		"    id INTEGER PRIMARY KEY AUTOINCREMENT,\n" +
		"    version INTEGER NOT NULL DEFAULT 0,\n" +
		"    data JSON NOT NULL\n" +
		")"

	_, err := t.ctrl.Execute(ctx, query)
	if err != nil {
		return fmt.Errorf("initialize %s: %w", t.name, err)
	}

	err = t.ensureVersionColumn(ctx)
	if err != nil {
		return err
	}

	return t.createIndexes(ctx, indexes)
}

// ensureVersionColumn migrates tables that predate versioning.
func (t *VersionedTable) ensureVersionColumn(ctx context.Context) error {
	rows, err := t.ctrl.Execute(ctx, "PRAGMA table_info("+t.name+")")
	if err != nil {
		return fmt.Errorf("initialize %s: table info: %w", t.name, err)
	}

	for _, row := range rows {
		if len(row) < 2 {
			continue
		}

		name, ok := asBytes(row[1])
		if ok && string(name) == "version" {
			return nil
		}
	}

	_, err = t.ctrl.Execute(ctx,
		"ALTER TABLE "+t.name+" ADD COLUMN version INTEGER NOT NULL DEFAULT 0")
	if err != nil {
		return fmt.Errorf("initialize %s: add version column: %w", t.name, err)
	}

	t.log.Debug("added version column")

	return nil
}

// Upsert inserts doc at version 0 when it has no id and returns the
// assigned (id, 0).
//
// When doc.ID is set, doc.Version is required ([ErrMissingVersion]) and a
// single conditional write runs: the row is replaced and its version
// incremented only where id and version both match. The write and the
// returned-row check are one statement, so there is no read-then-write
// window. Zero matched rows (missing id or stale version) fail with
// [ErrVersionConflict] and leave the stored row unchanged. On success
// returns (id, oldVersion+1).
func (t *VersionedTable) Upsert(ctx context.Context, doc Document) (int64, int64, error) {
	if ctx == nil {
		return 0, 0, errors.New("upsert: context is nil")
	}

	data, err := encodeData(doc.Data)
	if err != nil {
		return 0, 0, withTable(fmt.Errorf("upsert: %w", err), t.name, doc.ID)
	}

	if doc.ID == 0 {
		rows, insertErr := t.ctrl.Execute(ctx,
			"INSERT INTO "+t.name+" (version, data) VALUES (0, json(?)) RETURNING id, version",
			data)
		if insertErr != nil {
			return 0, 0, withTable(fmt.Errorf("upsert: %w", insertErr), t.name, 0)
		}

		return t.identityFromRows(rows, 0)
	}

	if doc.Version == nil {
		return 0, 0, withTable(fmt.Errorf("upsert: %w", ErrMissingVersion), t.name, doc.ID)
	}

	rows, err := t.ctrl.Execute(ctx,
		"UPDATE "+t.name+" SET data = json(?), version = version + 1"+
			" WHERE id = ? AND version = ? RETURNING id, version",
		data, doc.ID, *doc.Version)
	if err != nil {
		return 0, 0, withTable(fmt.Errorf("upsert: %w", err), t.name, doc.ID)
	}

	if len(rows) == 0 {
		return 0, 0, withTable(fmt.Errorf("upsert: %w", ErrVersionConflict), t.name, doc.ID)
	}

	return t.identityFromRows(rows, doc.ID)
}

// identityFromRows extracts the RETURNING (id, version) pair.
func (t *VersionedTable) identityFromRows(rows []Row, docID int64) (int64, int64, error) {
	if len(rows) == 0 || len(rows[0]) != 2 {
		return 0, 0, withTable(errors.New("upsert: no identity returned"), t.name, docID)
	}

	id, idOK := asInt64(rows[0][0])
	version, versionOK := asInt64(rows[0][1])

	if !idOK || !versionOK {
		return 0, 0, withTable(errors.New("upsert: malformed identity row"), t.name, docID)
	}

	t.log.Debug("upsert", "doc_id", id, "version", version)

	return id, version, nil
}

// Find returns the document at id including its version, or [ErrNotFound].
func (t *VersionedTable) Find(ctx context.Context, id int64) (*Document, error) {
	if ctx == nil {
		return nil, errors.New("find: context is nil")
	}

	rows, err := t.ctrl.Execute(ctx,
		"SELECT id, version, data FROM "+t.name+" WHERE id = ?", id)
	if err != nil {
		return nil, withTable(fmt.Errorf("find: %w", err), t.name, id)
	}

	if len(rows) == 0 {
		return nil, withTable(fmt.Errorf("find: %w", ErrNotFound), t.name, id)
	}

	doc, err := documentFromRow(rows[0], true)
	if err != nil {
		return nil, withTable(fmt.Errorf("find: %w", err), t.name, id)
	}

	return doc, nil
}

// Search is [Table.Search] with version-aware rows.
func (t *VersionedTable) Search(ctx context.Context, conditions map[string]any) ([]Document, error) {
	return t.SearchAdvanced(ctx, equalityConditions(conditions))
}

// SearchAdvanced is [Table.SearchAdvanced] with version-aware rows; the
// version column itself is addressable in clauses.
func (t *VersionedTable) SearchAdvanced(ctx context.Context, clauses []Condition) ([]Document, error) {
	if ctx == nil {
		return nil, errors.New("search: context is nil")
	}

	where, args, err := compileConditions(clauses, true)
	if err != nil {
		return nil, withTable(fmt.Errorf("search: %w", err), t.name, 0)
	}

	rows, err := t.ctrl.Execute(ctx,
		"SELECT id, version, data FROM "+t.name+" WHERE "+where+" ORDER BY id", args...)
	if err != nil {
		return nil, withTable(fmt.Errorf("search: %w", err), t.name, 0)
	}

	return documentsFromRows(rows, true, t.name)
}

// BulkUpsert applies all upserts in one transaction; any failure rolls the
// whole batch back. Inserts store version 0; updates increment the stored
// version WITHOUT checking the supplied one — the batch path intentionally
// bypasses per-row optimistic locking. Returns the effective ids in call
// order; callers that need the resulting versions must re-fetch.
func (t *VersionedTable) BulkUpsert(ctx context.Context, docs []Document) ([]int64, error) {
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

	query := "INSERT INTO " + t.name + " (id, version, data) VALUES (?, 0, json(?))" +
		" ON CONFLICT (id) DO UPDATE SET data = excluded.data, version = version + 1" +
		" RETURNING id"

	rows, err := t.ctrl.ExecuteMany(ctx, query, paramSets)
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

// putDocument adapts the CAS upsert to the shape the record layer needs.
func (t *VersionedTable) putDocument(ctx context.Context, doc Document) (Document, error) {
	id, version, err := t.Upsert(ctx, doc)
	if err != nil {
		return Document{}, err
	}

	doc.ID = id
	doc.Version = &version

	return doc, nil
}

// putDocuments adapts BulkUpsert. Versions are left unset: the batch path
// does not report them, callers refresh.
func (t *VersionedTable) putDocuments(ctx context.Context, docs []Document) ([]Document, error) {
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
