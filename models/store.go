package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bitbucket.org/mmdatafocus/possync/utils"
)

// Local and server-side collection names.
const (
	CollectionProducts          = "products"
	CollectionCustomers         = "customers"
	CollectionSuppliers         = "suppliers"
	CollectionInternalSequences = "internalSequences"
	CollectionFiscalRanges      = "fiscalRanges"
	CollectionLocalFiscalBuffer = "localFiscalBuffer"
	CollectionInventoryLedger   = "inventoryLedger"
	CollectionTransactions      = "transactions"
	CollectionProductStocks     = "productStocks"
	CollectionZReports          = "zReports"
	CollectionCashMovements     = "cashMovements"
	CollectionSyncWatermarks    = "syncWatermarks"

	// server only
	CollectionSyncMetadata = "syncMetadata"
	CollectionTerminals    = "terminals"
	CollectionConfig       = "config"
)

// Scalar settings.
const (
	SettingGlobalSequence = "globalSequence"
)

var ErrDuplicateDocument = errors.New("document already exists")

// Document is one stored record of a collection. Body is the record's JSON encoding.
type Document struct {
	Id        string
	Body      json.RawMessage
	UpdatedAt time.Time
	Deleted   bool
}

// Store is the collection store every component persists through.
// Operations are atomic per call; there are no transactions spanning collections.
// List returns documents in insertion order.
type Store interface {
	List(ctx context.Context, collection string) ([]Document, error)
	// Get returns utils.ErrorRecordNotFound when id is absent.
	Get(ctx context.Context, collection string, id string) (*Document, error)
	// Save replaces the whole collection with docs.
	Save(ctx context.Context, collection string, docs []Document) error
	Upsert(ctx context.Context, collection string, doc Document) error
	// Insert fails with ErrDuplicateDocument when id already exists.
	Insert(ctx context.Context, collection string, doc Document) error
	Delete(ctx context.Context, collection string, id string) error

	GetSetting(ctx context.Context, key string) (string, bool, error)
	SetSetting(ctx context.Context, key string, value string) error
}

// Record is anything stored in a collection.
type Record interface {
	GetId() string
}

type documentMetaCarrier interface {
	GetUpdatedAt() time.Time
	IsDeleted() bool
}

// DocumentMeta carries the fields delta sync relies on.
type DocumentMeta struct {
	UpdatedAt time.Time `json:"updatedAt,omitempty"`
	Deleted   bool      `json:"deleted,omitempty"`
}

func (m DocumentMeta) GetUpdatedAt() time.Time { return m.UpdatedAt }
func (m DocumentMeta) IsDeleted() bool         { return m.Deleted }

func ToDocument[T Record](item T) (Document, error) {
	body, err := json.Marshal(item)
	if err != nil {
		return Document{}, fmt.Errorf("encode %s: %w", item.GetId(), err)
	}
	doc := Document{Id: item.GetId(), Body: body}
	if meta, ok := any(item).(documentMetaCarrier); ok {
		doc.UpdatedAt = meta.GetUpdatedAt()
		doc.Deleted = meta.IsDeleted()
	}
	return doc, nil
}

func FromDocument[T any](doc Document) (T, error) {
	var out T
	if err := json.Unmarshal(doc.Body, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", doc.Id, err)
	}
	return out, nil
}

// GetAll decodes every document of collection, in stored order.
func GetAll[T any](ctx context.Context, s Store, collection string) ([]T, error) {
	docs, err := s.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		item, err := FromDocument[T](doc)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", collection, err)
		}
		out = append(out, item)
	}
	return out, nil
}

// GetOne returns utils.ErrorRecordNotFound when id is absent.
func GetOne[T any](ctx context.Context, s Store, collection string, id string) (*T, error) {
	doc, err := s.Get(ctx, collection, id)
	if err != nil {
		return nil, err
	}
	item, err := FromDocument[T](*doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", collection, err)
	}
	return &item, nil
}

// FindOne is GetOne that reports absence as (nil, nil).
func FindOne[T any](ctx context.Context, s Store, collection string, id string) (*T, error) {
	item, err := GetOne[T](ctx, s, collection, id)
	if errors.Is(err, utils.ErrorRecordNotFound) {
		return nil, nil
	}
	return item, err
}

func SaveAll[T Record](ctx context.Context, s Store, collection string, items []T) error {
	docs := make([]Document, 0, len(items))
	for _, item := range items {
		doc, err := ToDocument(item)
		if err != nil {
			return fmt.Errorf("%s: %w", collection, err)
		}
		docs = append(docs, doc)
	}
	return s.Save(ctx, collection, docs)
}

func UpsertOne[T Record](ctx context.Context, s Store, collection string, item T) error {
	doc, err := ToDocument(item)
	if err != nil {
		return fmt.Errorf("%s: %w", collection, err)
	}
	return s.Upsert(ctx, collection, doc)
}

func InsertOne[T Record](ctx context.Context, s Store, collection string, item T) error {
	doc, err := ToDocument(item)
	if err != nil {
		return fmt.Errorf("%s: %w", collection, err)
	}
	return s.Insert(ctx, collection, doc)
}
