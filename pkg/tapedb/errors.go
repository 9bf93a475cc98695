package tapedb

import (
	"errors"
	"strconv"
)

// Sentinel errors returned by the public tapedb APIs. Check with [errors.Is].
var (
	// ErrConnect indicates the SQLite connection could not be established
	// or configured with the required journal mode.
	ErrConnect = errors.New("connect failed")

	// ErrNotConnected indicates an operation attempted on a closed
	// (or never opened) controller.
	ErrNotConnected = errors.New("not connected")

	// ErrNotFound indicates a lookup by id or conditions matched nothing.
	ErrNotFound = errors.New("not found")

	// ErrInvalidQuery indicates an empty condition set, an invalid field
	// name, or an operator outside the allowed set. Rejected before any
	// SQL reaches storage.
	ErrInvalidQuery = errors.New("invalid query")

	// ErrMissingVersion indicates an update on a versioned table without
	// a version.
	ErrMissingVersion = errors.New("missing version")

	// ErrVersionConflict indicates a conditional write matched no row:
	// the document is gone or its stored version no longer equals the
	// supplied one. Expected under contention; refresh and retry at the
	// business level.
	ErrVersionConflict = errors.New("version conflict")

	// ErrInvalidRecord indicates stored data that cannot be decoded or
	// validated into the target record type.
	ErrInvalidRecord = errors.New("invalid record")

	// ErrNoTable indicates a repo constructed without a table.
	ErrNoTable = errors.New("no table")
)

// Error is the uniform error type returned by Table and Repo operations.
//
// It appends document context to the underlying message:
//
//	find: not found (table=monsters doc_id=3)
//
// Use [errors.As] to extract the structured fields and [errors.Is] to check
// for sentinel errors such as [ErrNotFound] or [ErrVersionConflict].
type Error struct {
	// Table is the collection the operation ran against.
	Table string

	// DocID is the document id involved, when one was known. Zero means
	// the operation did not target a single document.
	DocID int64

	// Err is the underlying cause.
	Err error
}

// Error formats as "<cause> (table=X doc_id=N)".
func (e *Error) Error() string {
	if e == nil {
		return ""
	}

	cause := ""
	if e.Err != nil {
		cause = e.Err.Error()
	}

	suffix := e.suffix()
	if suffix == "" {
		return cause
	}

	if cause == "" {
		return suffix
	}

	return cause + " " + suffix
}

// Unwrap returns the underlying error for use with [errors.Is] and [errors.As].
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

func (e *Error) suffix() string {
	out := ""

	if e.Table != "" {
		out = "table=" + e.Table
	}

	if e.DocID != 0 {
		if out != "" {
			out += " "
		}

		out += "doc_id=" + strconv.FormatInt(e.DocID, 10)
	}

	if out == "" {
		return ""
	}

	return "(" + out + ")"
}

// withTable attaches table/document context at API boundaries.
// If err is already an *Error, missing fields are filled in-place.
func withTable(err error, table string, docID int64) error {
	if err == nil {
		return nil
	}

	existing := &Error{}
	if errors.As(err, &existing) {
		if existing.Table == "" && table != "" {
			existing.Table = table
		}

		if existing.DocID == 0 && docID != 0 {
			existing.DocID = docID
		}

		return existing
	}

	return &Error{Table: table, DocID: docID, Err: err}
}
