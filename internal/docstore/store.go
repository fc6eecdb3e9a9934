// Package docstore implements the per-user hierarchical document store that
// backs series, chapters, and reading progress.
//
// Documents live under users/{uid}/{collection}/{id}. Every operation is
// partitioned by the caller's user id; an empty user id is rejected before any
// I/O takes place.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

const maxSegmentLength = 190

var (
	// ErrNotFound indicates that the requested document does not exist.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrNotAuthenticated indicates a call was made without a user identifier.
	ErrNotAuthenticated = errors.New("docstore: user not authenticated")
	// ErrInvalidPath indicates a malformed collection path or document id.
	ErrInvalidPath = errors.New("docstore: invalid path")
	// ErrInvalidField indicates an unusable orderBy field name.
	ErrInvalidField = errors.New("docstore: invalid field name")
)

var fieldNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Fields holds the top-level fields of a stored document.
type Fields map[string]any

// Path addresses a single document inside a user's partition.
type Path struct {
	Collection string
	ID         string
}

// NewPath validates the collection path and document id.
func NewPath(collection, id string) (Path, error) {
	normalizedCollection, err := normalizeCollection(collection)
	if err != nil {
		return Path{}, err
	}
	trimmedID := strings.TrimSpace(id)
	if trimmedID == "" || strings.Contains(trimmedID, "/") || len(trimmedID) > maxSegmentLength {
		return Path{}, fmt.Errorf("%w: document id %q", ErrInvalidPath, id)
	}
	return Path{Collection: normalizedCollection, ID: trimmedID}, nil
}

// String renders the path relative to the user partition.
func (p Path) String() string {
	return p.Collection + "/" + p.ID
}

// SeriesCollection addresses users/{uid}/series.
func SeriesCollection() string {
	return "series"
}

// ChaptersCollection addresses users/{uid}/series/{slug}/chapters.
func ChaptersCollection(seriesSlug string) string {
	return "series/" + seriesSlug + "/chapters"
}

// ProgressCollection addresses users/{uid}/progress/{slug}/chapters.
func ProgressCollection(seriesSlug string) string {
	return "progress/" + seriesSlug + "/chapters"
}

// Document is a stored document with its server-side timestamps.
type Document struct {
	Path      Path
	Fields    Fields
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Decode unmarshals the document fields into target.
func (d Document) Decode(target any) error {
	encoded, err := json.Marshal(d.Fields)
	if err != nil {
		return err
	}
	return json.Unmarshal(encoded, target)
}

// Store is the persistence gateway consumed by the comic library.
type Store interface {
	SetDoc(ctx context.Context, userID string, path Path, fields Fields, merge bool) error
	GetDoc(ctx context.Context, userID string, path Path) (Document, error)
	GetDocs(ctx context.Context, userID string, collection string, orderBy string) ([]Document, error)
	UpdateDoc(ctx context.Context, userID string, path Path, fields Fields) error
	DeleteDoc(ctx context.Context, userID string, path Path) error
}

// FieldsOf converts a JSON-tagged value into document fields.
func FieldsOf(value any) (Fields, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	fields := Fields{}
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func requireUser(userID string) (string, error) {
	trimmed := strings.TrimSpace(userID)
	if trimmed == "" {
		return "", ErrNotAuthenticated
	}
	if len(trimmed) > maxSegmentLength {
		return "", fmt.Errorf("%w: user id exceeds %d characters", ErrInvalidPath, maxSegmentLength)
	}
	return trimmed, nil
}

func normalizeCollection(collection string) (string, error) {
	trimmed := strings.Trim(strings.TrimSpace(collection), "/")
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty collection", ErrInvalidPath)
	}
	segments := strings.Split(trimmed, "/")
	if len(segments)%2 == 0 {
		return "", fmt.Errorf("%w: collection %q addresses a document", ErrInvalidPath, collection)
	}
	for _, segment := range segments {
		if strings.TrimSpace(segment) == "" || len(segment) > maxSegmentLength {
			return "", fmt.Errorf("%w: collection %q", ErrInvalidPath, collection)
		}
	}
	return trimmed, nil
}

func validateOrderBy(field string) error {
	if field == "" {
		return nil
	}
	if !fieldNamePattern.MatchString(field) {
		return fmt.Errorf("%w: %q", ErrInvalidField, field)
	}
	return nil
}

// normalizeFields round-trips through JSON so every backend observes the same value shapes.
func normalizeFields(fields Fields) (Fields, error) {
	if fields == nil {
		return Fields{}, nil
	}
	return FieldsOf(fields)
}

func mergeFields(existing Fields, incoming Fields) Fields {
	merged := make(Fields, len(existing)+len(incoming))
	for key, value := range existing {
		merged[key] = value
	}
	for key, value := range incoming {
		merged[key] = value
	}
	return merged
}
