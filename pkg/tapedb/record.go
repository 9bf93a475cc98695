package tapedb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Meta tracks a record's stored identity. Embed it by value in a record
// struct; it contributes nothing to the JSON payload:
//
//	type Monster struct {
//	    tapedb.Meta
//	    Name  string `json:"name"`
//	    Level int    `json:"level"`
//	}
type Meta struct {
	id         int64
	version    int64
	hasID      bool
	hasVersion bool
}

// ID returns the store-assigned id and whether one has been assigned yet.
func (m *Meta) ID() (int64, bool) {
	return m.id, m.hasID
}

// Version returns the stored version and whether one is known. Always
// unknown for records saved through a plain [Table].
func (m *Meta) Version() (int64, bool) {
	return m.version, m.hasVersion
}

func (m *Meta) meta() *Meta {
	return m
}

// setIdentity records the identity a table reported back.
func (m *Meta) setIdentity(doc Document) {
	m.id = doc.ID
	m.hasID = true

	if doc.Version != nil {
		m.version = *doc.Version
		m.hasVersion = true
	}
}

// Record is satisfied by any struct that embeds [Meta].
type Record interface {
	meta() *Meta
}

// Validator is implemented by record types carrying their own structural
// validation. It runs after decoding; failures surface as
// [ErrInvalidRecord], never silently coerced.
type Validator interface {
	Validate() error
}

// RecordTable is the table surface the record layer depends on. Both
// [*Table] and [*VersionedTable] implement it.
type RecordTable interface {
	Name() string
	Find(ctx context.Context, id int64) (*Document, error)
	Search(ctx context.Context, conditions map[string]any) ([]Document, error)

	putDocument(ctx context.Context, doc Document) (Document, error)
	putDocuments(ctx context.Context, docs []Document) ([]Document, error)
}

var (
	_ RecordTable = (*Table)(nil)
	_ RecordTable = (*VersionedTable)(nil)
)

// recordPtr constrains PT to "pointer to T that embeds Meta".
type recordPtr[T any] interface {
	*T
	Record
}

// Repo binds one record type to one table.
//
// The binding is explicit: construct a repo once and pass it where needed.
// There is no process-wide type registry, so two repos over different
// tables can coexist for the same record type.
type Repo[T any, PT recordPtr[T]] struct {
	table RecordTable
}

// NewRepo associates the record type T with table:
//
//	repo, err := tapedb.NewRepo[Monster](table)
func NewRepo[T any, PT recordPtr[T]](table RecordTable) (*Repo[T, PT], error) {
	if table == nil {
		return nil, fmt.Errorf("new repo: %w", ErrNoTable)
	}

	return &Repo[T, PT]{table: table}, nil
}

// FromID loads and validates the record stored at id. [ErrNotFound] when
// no document exists, [ErrInvalidRecord] when the stored data does not
// decode into T.
func (r *Repo[T, PT]) FromID(ctx context.Context, id int64) (PT, error) {
	if ctx == nil {
		return nil, errors.New("from id: context is nil")
	}

	doc, err := r.table.Find(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("from id: %w", err)
	}

	rec, err := r.decode(doc)
	if err != nil {
		return nil, withTable(fmt.Errorf("from id: %w", err), r.table.Name(), id)
	}

	return rec, nil
}

// FromIDWhere loads the record at id only if the stored document also
// satisfies every field-equality condition. [ErrNotFound] when the combined
// conditions match nothing.
func (r *Repo[T, PT]) FromIDWhere(ctx context.Context, id int64, conditions map[string]any) (PT, error) {
	if ctx == nil {
		return nil, errors.New("from id: context is nil")
	}

	merged := make(map[string]any, len(conditions)+1)
	for key, value := range conditions {
		merged[key] = value
	}

	merged["id"] = id

	docs, err := r.table.Search(ctx, merged)
	if err != nil {
		return nil, fmt.Errorf("from id: %w", err)
	}

	if len(docs) == 0 {
		return nil, withTable(fmt.Errorf("from id: %w", ErrNotFound), r.table.Name(), id)
	}

	rec, err := r.decode(&docs[0])
	if err != nil {
		return nil, withTable(fmt.Errorf("from id: %w", err), r.table.Name(), id)
	}

	return rec, nil
}

// Save upserts the record's fields and writes the returned id (and version,
// on a versioned table) back into the record.
//
// On a versioned table a stale version surfaces as [ErrVersionConflict];
// the record's in-memory fields are left as-is so the caller can
// [Repo.Refresh] and retry.
func (r *Repo[T, PT]) Save(ctx context.Context, rec PT) error {
	if ctx == nil {
		return errors.New("save: context is nil")
	}

	if rec == nil {
		return errors.New("save: record is nil")
	}

	doc, err := r.encode(rec)
	if err != nil {
		return fmt.Errorf("save: %w", err)
	}

	stored, err := r.table.putDocument(ctx, doc)
	if err != nil {
		return fmt.Errorf("save: %w", err)
	}

	rec.meta().setIdentity(stored)

	return nil
}

// Refresh re-fetches the record by its id and overwrites the record's
// fields and version in place. [ErrNotFound] when the row no longer exists.
func (r *Repo[T, PT]) Refresh(ctx context.Context, rec PT) error {
	if ctx == nil {
		return errors.New("refresh: context is nil")
	}

	if rec == nil {
		return errors.New("refresh: record is nil")
	}

	id, ok := rec.meta().ID()
	if !ok {
		return errors.New("refresh: record has no id")
	}

	doc, err := r.table.Find(ctx, id)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}

	fresh, err := r.decode(doc)
	if err != nil {
		return withTable(fmt.Errorf("refresh: %w", err), r.table.Name(), id)
	}

	*rec = *fresh

	return nil
}

// SaveAll saves every record as one batch with a single commit. New records
// are assigned distinct ids in call order.
//
// On a versioned table the batch bypasses per-record version checks and the
// resulting versions are NOT written back; [Repo.Refresh] each record to
// learn them. This asymmetry with [Repo.Save] is intentional: batch saves
// trade conflict detection for throughput.
func (r *Repo[T, PT]) SaveAll(ctx context.Context, recs []PT) error {
	if ctx == nil {
		return errors.New("save all: context is nil")
	}

	if len(recs) == 0 {
		return nil
	}

	docs := make([]Document, 0, len(recs))

	for i, rec := range recs {
		if rec == nil {
			return fmt.Errorf("save all: record %d is nil", i+1)
		}

		doc, err := r.encode(rec)
		if err != nil {
			return fmt.Errorf("save all: record %d: %w", i+1, err)
		}

		docs = append(docs, doc)
	}

	stored, err := r.table.putDocuments(ctx, docs)
	if err != nil {
		return fmt.Errorf("save all: %w", err)
	}

	for i, rec := range recs {
		m := rec.meta()
		m.id = stored[i].ID
		m.hasID = true

		if stored[i].Version != nil {
			m.version = *stored[i].Version
			m.hasVersion = true
		}
	}

	return nil
}

// encode serializes all fields except the identity into a Document carrying
// the record's current id and version.
func (r *Repo[T, PT]) encode(rec PT) (Document, error) {
	raw, err := json.Marshal(rec)
	if err != nil {
		return Document{}, fmt.Errorf("%w: encode: %w", ErrInvalidRecord, err)
	}

	var data map[string]any

	err = json.Unmarshal(raw, &data)
	if err != nil {
		return Document{}, fmt.Errorf("%w: encode: %w", ErrInvalidRecord, err)
	}

	doc := Document{Data: data}
	m := rec.meta()

	if id, ok := m.ID(); ok {
		doc.ID = id
	}

	if version, ok := m.Version(); ok {
		doc.Version = &version
	}

	return doc, nil
}

// decode validates a stored document into a fresh record.
func (r *Repo[T, PT]) decode(doc *Document) (PT, error) {
	rec := PT(new(T))

	raw, err := json.Marshal(doc.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}

	err = json.Unmarshal(raw, rec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
	}

	if v, ok := any(rec).(Validator); ok {
		err = v.Validate()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRecord, err)
		}
	}

	rec.meta().setIdentity(*doc)

	return rec, nil
}
