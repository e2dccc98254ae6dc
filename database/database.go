// Package database holds the document stores the command interface restores
// into and truncates. Documents are generic JSON objects keyed by their "id"
// field, grouped in named collections.
package database

import (
	"context"
	"math"
	"strconv"

	errspkg "github.com/drblury/chassis/internal/runtime/errors"
)

// IDField is the document key used by Update and Delete.
const IDField = "id"

// Document is a JSON object.
type Document = map[string]any

// Store is a document store.
type Store interface {
	// Insert adds docs to collection. Inserting an existing id fails with
	// InvalidArgument.
	Insert(ctx context.Context, collection string, docs ...Document) error
	// Update merges the non-nil fields into the document called id.
	Update(ctx context.Context, collection, id string, fields Document) error
	Delete(ctx context.Context, collection, id string) error
	// Get returns the document called id, or NotFound.
	Get(ctx context.Context, collection, id string) (Document, error)
	// Truncate empties the named collections, or every collection when none
	// is given.
	Truncate(ctx context.Context, collections ...string) error
	Close() error
}

// IDOf extracts the id of doc as a string. JSON numbers are accepted when
// integral.
func IDOf(doc Document) (string, error) {
	switch v := doc[IDField].(type) {
	case string:
		if v != "" {
			return v, nil
		}
	case float64:
		if v == math.Trunc(v) {
			return strconv.FormatInt(int64(v), 10), nil
		}
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	}
	return "", errspkg.New(errspkg.KindInvalidArgument, "database.id", "document has no usable id")
}

// Merge copies the non-nil fields of fields over doc and returns doc.
func Merge(doc, fields Document) Document {
	if doc == nil {
		doc = make(Document, len(fields))
	}
	for k, v := range fields {
		if v == nil {
			continue
		}
		doc[k] = v
	}
	return doc
}

// ErrDuplicate builds the error stores return for an existing id.
func ErrDuplicate(op, collection, id string) error {
	return errspkg.Newf(errspkg.KindInvalidArgument, op, "document %s already exists in %s", id, collection)
}

// ErrMissing builds the error stores return for an unknown id.
func ErrMissing(op, collection, id string) error {
	return errspkg.Newf(errspkg.KindNotFound, op, "document %s does not exist in %s", id, collection)
}

// RequireCollection is the shared argument check of store implementations.
func RequireCollection(op, collection string) error {
	if collection == "" {
		return errspkg.New(errspkg.KindInvalidArgument, op, "collection is required")
	}
	return nil
}
