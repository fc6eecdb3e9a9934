package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	queryUserCollection    = "user_id = ? AND collection = ?"
	queryUserCollectionDoc = "user_id = ? AND collection = ? AND doc_id = ?"
)

var errMissingDatabase = errors.New("docstore: database handle is required")

// Record is the SQL row backing one document.
type Record struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_documents_user_collection,priority:1"`
	Collection       string `gorm:"column:collection;primaryKey;size:400;not null;index:idx_documents_user_collection,priority:2"`
	DocID            string `gorm:"column:doc_id;primaryKey;size:190;not null"`
	BodyJSON         string `gorm:"column:body_json;type:text;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "documents"
}

// GormStoreConfig describes the dependencies of a GormStore.
type GormStoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// GormStore persists documents in a SQL database through GORM.
type GormStore struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewGormStore constructs a GormStore. The schema is expected to be migrated already.
func NewGormStore(cfg GormStoreConfig) (*GormStore, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GormStore{db: cfg.Database, clock: clock, logger: logger}, nil
}

func (s *GormStore) SetDoc(ctx context.Context, userID string, path Path, fields Fields, merge bool) error {
	owner, err := requireUser(userID)
	if err != nil {
		return err
	}
	normalized, err := normalizeFields(fields)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.clock().UTC().Unix()
		record := Record{
			UserID:           owner,
			Collection:       path.Collection,
			DocID:            path.ID,
			CreatedAtSeconds: now,
			UpdatedAtSeconds: now,
		}

		var existing Record
		lookupErr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryUserCollectionDoc, owner, path.Collection, path.ID).
			Take(&existing).Error
		switch {
		case errors.Is(lookupErr, gorm.ErrRecordNotFound):
		case lookupErr != nil:
			return lookupErr
		default:
			record.CreatedAtSeconds = existing.CreatedAtSeconds
			if merge {
				stored, decodeErr := decodeBody(existing.BodyJSON)
				if decodeErr != nil {
					return decodeErr
				}
				normalized = mergeFields(stored, normalized)
			}
		}

		body, err := json.Marshal(normalized)
		if err != nil {
			return err
		}
		record.BodyJSON = string(body)
		return tx.Save(&record).Error
	})
}

func (s *GormStore) GetDoc(ctx context.Context, userID string, path Path) (Document, error) {
	owner, err := requireUser(userID)
	if err != nil {
		return Document{}, err
	}
	var record Record
	err = s.db.WithContext(ctx).
		Where(queryUserCollectionDoc, owner, path.Collection, path.ID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	return recordToDocument(record)
}

func (s *GormStore) GetDocs(ctx context.Context, userID string, collection string, orderBy string) ([]Document, error) {
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

	query := s.db.WithContext(ctx).Where(queryUserCollection, owner, normalizedCollection)
	if orderBy != "" {
		query = query.Order(clause.OrderBy{Expression: clause.Expr{
			SQL:                "json_extract(body_json, ?) ASC, doc_id ASC",
			Vars:               []interface{}{"$." + orderBy},
			WithoutParentheses: true,
		}})
	} else {
		query = query.Order("doc_id ASC")
	}

	var records []Record
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}

	documents := make([]Document, 0, len(records))
	for _, record := range records {
		document, err := recordToDocument(record)
		if err != nil {
			s.logger.Warn("skipping undecodable document",
				zap.String("collection", record.Collection),
				zap.String("doc_id", record.DocID),
				zap.Error(err))
			continue
		}
		documents = append(documents, document)
	}
	return documents, nil
}

func (s *GormStore) UpdateDoc(ctx context.Context, userID string, path Path, fields Fields) error {
	owner, err := requireUser(userID)
	if err != nil {
		return err
	}
	normalized, err := normalizeFields(fields)
	if err != nil {
		return err
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Record
		lookupErr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where(queryUserCollectionDoc, owner, path.Collection, path.ID).
			Take(&existing).Error
		if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if lookupErr != nil {
			return lookupErr
		}
		stored, err := decodeBody(existing.BodyJSON)
		if err != nil {
			return err
		}
		body, err := json.Marshal(mergeFields(stored, normalized))
		if err != nil {
			return err
		}
		return tx.Model(&Record{}).
			Where(queryUserCollectionDoc, owner, path.Collection, path.ID).
			Updates(map[string]interface{}{
				"body_json":    string(body),
				"updated_at_s": s.clock().UTC().Unix(),
			}).Error
	})
}

func (s *GormStore) DeleteDoc(ctx context.Context, userID string, path Path) error {
	owner, err := requireUser(userID)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Where(queryUserCollectionDoc, owner, path.Collection, path.ID).
		Delete(&Record{}).Error
}

func recordToDocument(record Record) (Document, error) {
	fields, err := decodeBody(record.BodyJSON)
	if err != nil {
		return Document{}, err
	}
	return Document{
		Path:      Path{Collection: record.Collection, ID: record.DocID},
		Fields:    fields,
		CreatedAt: time.Unix(record.CreatedAtSeconds, 0).UTC(),
		UpdatedAt: time.Unix(record.UpdatedAtSeconds, 0).UTC(),
	}, nil
}

func decodeBody(body string) (Fields, error) {
	fields := Fields{}
	if body == "" {
		return fields, nil
	}
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return nil, fmt.Errorf("docstore: decode body: %w", err)
	}
	return fields, nil
}
