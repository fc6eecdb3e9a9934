package docstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and offline tooling.
type MemoryStore struct {
	mu        sync.RWMutex
	clock     func() time.Time
	documents map[string]map[string]Document
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore(clock func() time.Time) *MemoryStore {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryStore{
		clock:     clock,
		documents: make(map[string]map[string]Document),
	}
}

func (s *MemoryStore) SetDoc(ctx context.Context, userID string, path Path, fields Fields, merge bool) error {
	owner, err := requireUser(userID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	normalized, err := normalizeFields(fields)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock().UTC()
	partition := s.partition(owner)
	key := path.String()
	existing, found := partition[key]
	document := Document{Path: path, Fields: normalized, CreatedAt: now, UpdatedAt: now}
	if found {
		document.CreatedAt = existing.CreatedAt
		if merge {
			document.Fields = mergeFields(existing.Fields, normalized)
		}
	}
	partition[key] = document
	return nil
}

func (s *MemoryStore) GetDoc(ctx context.Context, userID string, path Path) (Document, error) {
	owner, err := requireUser(userID)
	if err != nil {
		return Document{}, err
	}
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	document, found := s.documents[owner][path.String()]
	if !found {
		return Document{}, ErrNotFound
	}
	return cloneDocument(document), nil
}

func (s *MemoryStore) GetDocs(ctx context.Context, userID string, collection string, orderBy string) ([]Document, error) {
	owner, err := requireUser(userID)
	if err != nil {
		return nil, err
	}
	normalizedCollection, err := normalizeCollection(collection)
	if err != nil {
		return nil, err
	}
	if err := validateOrderBy(orderBy); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	documents := make([]Document, 0)
	for _, document := range s.documents[owner] {
		if document.Path.Collection == normalizedCollection {
			documents = append(documents, cloneDocument(document))
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(documents, func(i, j int) bool {
		if orderBy != "" {
			if cmp := compareFieldValues(documents[i].Fields[orderBy], documents[j].Fields[orderBy]); cmp != 0 {
				return cmp < 0
			}
		}
		return documents[i].Path.ID < documents[j].Path.ID
	})
	return documents, nil
}

func (s *MemoryStore) UpdateDoc(ctx context.Context, userID string, path Path, fields Fields) error {
	owner, err := requireUser(userID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	normalized, err := normalizeFields(fields)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	partition := s.partition(owner)
	existing, found := partition[path.String()]
	if !found {
		return ErrNotFound
	}
	existing.Fields = mergeFields(existing.Fields, normalized)
	existing.UpdatedAt = s.clock().UTC()
	partition[path.String()] = existing
	return nil
}

func (s *MemoryStore) DeleteDoc(ctx context.Context, userID string, path Path) error {
	owner, err := requireUser(userID)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.documents[owner], path.String())
	return nil
}

func (s *MemoryStore) partition(userID string) map[string]Document {
	partition, ok := s.documents[userID]
	if !ok {
		partition = make(map[string]Document)
		s.documents[userID] = partition
	}
	return partition
}

func cloneDocument(document Document) Document {
	fields := make(Fields, len(document.Fields))
	for key, value := range document.Fields {
		fields[key] = value
	}
	document.Fields = fields
	return document
}

// compareFieldValues orders values the way SQLite orders json_extract results:
// missing < numbers (booleans as 0/1) < strings < everything else.
func compareFieldValues(left, right any) int {
	leftRank, leftNumber, leftText := classifyValue(left)
	rightRank, rightNumber, rightText := classifyValue(right)
	if leftRank != rightRank {
		if leftRank < rightRank {
			return -1
		}
		return 1
	}
	switch leftRank {
	case 1:
		switch {
		case leftNumber < rightNumber:
			return -1
		case leftNumber > rightNumber:
			return 1
		}
	case 2:
		return strings.Compare(leftText, rightText)
	}
	return 0
}

func classifyValue(value any) (int, float64, string) {
	switch typed := value.(type) {
	case nil:
		return 0, 0, ""
	case float64:
		return 1, typed, ""
	case bool:
		if typed {
			return 1, 1, ""
		}
		return 1, 0, ""
	case string:
		return 2, 0, typed
	default:
		return 3, 0, ""
	}
}
