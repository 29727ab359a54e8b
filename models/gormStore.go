package models

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/possync/utils"
	mysqlDriver "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// StoredDocument is the row backing one Document.
type StoredDocument struct {
	Collection string    `gorm:"primaryKey;size:64" json:"collection"`
	Id         string    `gorm:"primaryKey;size:191" json:"id"`
	Position   int64     `gorm:"index;not null" json:"position"`
	Body       string    `gorm:"type:text;not null" json:"body"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime:false;index" json:"updated_at"`
	Deleted    bool      `gorm:"not null;default:false" json:"deleted"`
}

func (StoredDocument) TableName() string { return "documents" }

type StoredSetting struct {
	Key       string    `gorm:"primaryKey;size:100" json:"key"`
	Value     string    `gorm:"type:text" json:"value"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (StoredSetting) TableName() string { return "settings" }

// GormStore keeps every collection in a single documents table.
type GormStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, errors.New("gorm store: db is nil")
	}
	if err := db.AutoMigrate(&StoredDocument{}, &StoredSetting{}); err != nil {
		return nil, fmt.Errorf("gorm store: migrate: %w", err)
	}
	return &GormStore{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *GormStore) List(ctx context.Context, collection string) ([]Document, error) {
	var rows []StoredDocument
	if err := s.db.WithContext(ctx).
		Where("collection = ?", collection).
		Order("position ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list %s: %w", collection, err)
	}
	docs := make([]Document, 0, len(rows))
	for _, row := range rows {
		docs = append(docs, row.toDocument())
	}
	return docs, nil
}

func (s *GormStore) Get(ctx context.Context, collection string, id string) (*Document, error) {
	var row StoredDocument
	err := s.db.WithContext(ctx).
		Where("collection = ? AND id = ?", collection, id).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, utils.ErrorRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	doc := row.toDocument()
	return &doc, nil
}

func (s *GormStore) Save(ctx context.Context, collection string, docs []Document) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("collection = ?", collection).Delete(&StoredDocument{}).Error; err != nil {
			return fmt.Errorf("save %s: clear: %w", collection, err)
		}
		if len(docs) == 0 {
			return nil
		}
		rows := make([]StoredDocument, 0, len(docs))
		seen := make(map[string]int, len(docs))
		for _, doc := range docs {
			row := s.toRow(collection, doc)
			// last write wins within one replace
			if i, ok := seen[doc.Id]; ok {
				row.Position = rows[i].Position
				rows[i] = row
				continue
			}
			row.Position = int64(len(rows) + 1)
			seen[doc.Id] = len(rows)
			rows = append(rows, row)
		}
		if err := tx.CreateInBatches(rows, 200).Error; err != nil {
			return fmt.Errorf("save %s: %w", collection, err)
		}
		return nil
	})
}

func (s *GormStore) Upsert(ctx context.Context, collection string, doc Document) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := s.toRow(collection, doc)
		var count int64
		if err := tx.Model(&StoredDocument{}).
			Where("collection = ? AND id = ?", collection, doc.Id).
			Count(&count).Error; err != nil {
			return fmt.Errorf("upsert %s/%s: %w", collection, doc.Id, err)
		}
		if count == 0 {
			return s.create(tx, row)
		}
		if err := tx.Model(&StoredDocument{}).
			Where("collection = ? AND id = ?", collection, doc.Id).
			Updates(map[string]interface{}{
				"body":       row.Body,
				"updated_at": row.UpdatedAt,
				"deleted":    row.Deleted,
			}).Error; err != nil {
			return fmt.Errorf("upsert %s/%s: %w", collection, doc.Id, err)
		}
		return nil
	})
}

func (s *GormStore) Insert(ctx context.Context, collection string, doc Document) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.create(tx, s.toRow(collection, doc))
	})
}

func (s *GormStore) Delete(ctx context.Context, collection string, id string) error {
	if err := s.db.WithContext(ctx).
		Where("collection = ? AND id = ?", collection, id).
		Delete(&StoredDocument{}).Error; err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	return nil
}

func (s *GormStore) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var row StoredSetting
	err := s.db.WithContext(ctx).Where("`key` = ?", key).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return row.Value, true, nil
}

func (s *GormStore) SetSetting(ctx context.Context, key string, value string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&StoredSetting{}).Where("`key` = ?", key).Count(&count).Error; err != nil {
			return fmt.Errorf("set setting %s: %w", key, err)
		}
		if count == 0 {
			if err := tx.Create(&StoredSetting{Key: key, Value: value}).Error; err != nil {
				return fmt.Errorf("set setting %s: %w", key, err)
			}
			return nil
		}
		if err := tx.Model(&StoredSetting{}).Where("`key` = ?", key).Update("value", value).Error; err != nil {
			return fmt.Errorf("set setting %s: %w", key, err)
		}
		return nil
	})
}

func (s *GormStore) create(tx *gorm.DB, row StoredDocument) error {
	var maxPos int64
	if err := tx.Model(&StoredDocument{}).
		Where("collection = ?", row.Collection).
		Select("COALESCE(MAX(position), 0)").
		Scan(&maxPos).Error; err != nil {
		return fmt.Errorf("insert %s/%s: %w", row.Collection, row.Id, err)
	}
	row.Position = maxPos + 1
	if err := tx.Create(&row).Error; err != nil {
		if isDuplicateKeyErr(err) {
			return fmt.Errorf("%s/%s: %w", row.Collection, row.Id, ErrDuplicateDocument)
		}
		return fmt.Errorf("insert %s/%s: %w", row.Collection, row.Id, err)
	}
	return nil
}

func (s *GormStore) toRow(collection string, doc Document) StoredDocument {
	updatedAt := doc.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = s.now()
	}
	return StoredDocument{
		Collection: collection,
		Id:         doc.Id,
		Body:       string(doc.Body),
		UpdatedAt:  updatedAt.UTC(),
		Deleted:    doc.Deleted,
	}
}

func (row StoredDocument) toDocument() Document {
	return Document{
		Id:        row.Id,
		Body:      []byte(row.Body),
		UpdatedAt: row.UpdatedAt,
		Deleted:   row.Deleted,
	}
}

func isDuplicateKeyErr(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	// sqlite reports constraint violations only through the message
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
