package tapedb

import (
	"encoding/json"
	"fmt"
)

// Document is one stored row: an arbitrary JSON object keyed by a
// store-assigned id, plus a version when it lives in a [VersionedTable].
//
// ID zero means "not yet assigned"; the store assigns a strictly positive
// id on first insert and it stays stable for the document's lifetime.
// Version nil means absent (plain tables, or a versioned insert that has
// not happened yet). Data holds the payload fields and never contains
// id or version themselves.
type Document struct {
	ID      int64
	Version *int64
	Data    map[string]any
}

// encodeData serializes the payload. A nil map stores as the empty object.
func encodeData(data map[string]any) (string, error) {
	if data == nil {
		return "{}", nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode data: %w", err)
	}

	return string(raw), nil
}

// documentFromRow decodes a materialized (id[, version], data) row.
func documentFromRow(row Row, withVersion bool) (*Document, error) {
	want := 2
	if withVersion {
		want = 3
	}

	if len(row) != want {
		return nil, fmt.Errorf("decode row: %d columns, want %d", len(row), want)
	}

	id, ok := asInt64(row[0])
	if !ok {
		return nil, fmt.Errorf("decode row: id %T is not an integer", row[0])
	}

	doc := &Document{ID: id}
	dataIdx := 1

	if withVersion {
		version, versionOK := asInt64(row[1])
		if !versionOK {
			return nil, fmt.Errorf("decode row: version %T is not an integer", row[1])
		}

		doc.Version = &version
		dataIdx = 2
	}

	raw, ok := asBytes(row[dataIdx])
	if !ok {
		return nil, fmt.Errorf("decode row: data %T is not text", row[dataIdx])
	}

	err := json.Unmarshal(raw, &doc.Data)
	if err != nil {
		return nil, fmt.Errorf("decode row: data: %w", err)
	}

	return doc, nil
}

// asInt64 normalizes the integer shapes the driver may hand back.
func asInt64(value any) (int64, bool) {
	switch v := value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	default:
		return 0, false
	}
}

// asBytes normalizes the text shapes the driver may hand back.
func asBytes(value any) ([]byte, bool) {
	switch v := value.(type) {
	case []byte:
		return v, true
	case string:
		return []byte(v), true
	default:
		return nil, false
	}
}
