package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type documentModel struct {
	Collection string    `gorm:"column:collection;primaryKey;size:64"`
	Key        string    `gorm:"column:doc_key;primaryKey;size:256"`
	Doc        string    `gorm:"column:doc;type:jsonb;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (documentModel) TableName() string {
	return "zendell_documents"
}

// PostgresStore keeps documents in a jsonb column.
type PostgresStore struct {
	db *gorm.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open gorm database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql db: %w", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if err := db.WithContext(ctx).AutoMigrate(&documentModel{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate documents: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *PostgresStore) Get(ctx context.Context, collection, key string, out any) error {
	var rec documentModel
	err := s.db.WithContext(ctx).
		Where("collection = ? AND doc_key = ?", collection, key).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return unavailable(fmt.Sprintf("get %s/%s", collection, key), err)
	}
	if err := json.Unmarshal([]byte(rec.Doc), out); err != nil {
		return fmt.Errorf("decode %s/%s: %w", collection, key, err)
	}
	return nil
}

func (s *PostgresStore) Upsert(ctx context.Context, collection, key string, doc any) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", collection, key, err)
	}
	if err := upsertGorm(s.db.WithContext(ctx), collection, key, data); err != nil {
		return unavailable(fmt.Sprintf("upsert %s/%s", collection, key), err)
	}
	return nil
}

func upsertGorm(db *gorm.DB, collection, key string, data []byte) error {
	rec := documentModel{Collection: collection, Key: key, Doc: string(data)}
	return db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "doc_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"doc", "updated_at"}),
	}).Create(&rec).Error
}

func (s *PostgresStore) AppendToArray(ctx context.Context, collection, key, field string, value any, capacity int) error {
	if !fieldNameRegex.MatchString(field) {
		return fmt.Errorf("invalid field %q", field)
	}
	normalized, err := normalize(value)
	if err != nil {
		return fmt.Errorf("encode value: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		doc := map[string]any{}
		var rec documentModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("collection = ? AND doc_key = ?", collection, key).
			First(&rec).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
		case err != nil:
			return err
		default:
			if err := json.Unmarshal([]byte(rec.Doc), &doc); err != nil {
				return fmt.Errorf("decode %s/%s: %w", collection, key, err)
			}
		}

		appendCapped(doc, field, normalized, capacity)
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode %s/%s: %w", collection, key, err)
		}
		return upsertGorm(tx, collection, key, data)
	})
	if err != nil {
		return unavailable(fmt.Sprintf("append %s/%s.%s", collection, key, field), err)
	}
	return nil
}

func (s *PostgresStore) scoped(ctx context.Context, collection string, filter map[string]any) (*gorm.DB, error) {
	q := s.db.WithContext(ctx).Model(&documentModel{}).Where("collection = ?", collection)

	fields := make([]string, 0, len(filter))
	for f := range filter {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		data, err := json.Marshal(filter[f])
		if err != nil {
			return nil, fmt.Errorf("filter %s: %w", f, err)
		}
		q = q.Where("doc -> ? = ?::jsonb", f, string(data))
	}
	return q, nil
}

func (s *PostgresStore) Find(ctx context.Context, collection string, q Query) ([]json.RawMessage, error) {
	if err := validateQuery(q); err != nil {
		return nil, err
	}
	query, err := s.scoped(ctx, collection, q.Filter)
	if err != nil {
		return nil, err
	}

	if q.Sort != "" {
		dir := "ASC"
		if q.Desc {
			dir = "DESC"
		}
		query = query.Order(clause.OrderBy{Expression: clause.Expr{
			SQL:                "doc -> ? " + dir + ", created_at " + dir,
			Vars:               []any{q.Sort},
			WithoutParentheses: true,
		}})
	} else {
		query = query.Order("created_at ASC")
	}
	if q.Limit > 0 {
		query = query.Limit(q.Limit)
	}

	var docs []string
	if err := query.Pluck("doc", &docs).Error; err != nil {
		return nil, unavailable("find "+collection, err)
	}
	out := make([]json.RawMessage, 0, len(docs))
	for _, d := range docs {
		out = append(out, json.RawMessage(d))
	}
	return out, nil
}

func (s *PostgresStore) Keys(ctx context.Context, collection string) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).Model(&documentModel{}).
		Where("collection = ?", collection).
		Order("doc_key").
		Pluck("doc_key", &keys).Error
	if err != nil {
		return nil, unavailable("keys "+collection, err)
	}
	return keys, nil
}

func (s *PostgresStore) Count(ctx context.Context, collection string, filter map[string]any) (int, error) {
	if err := validateQuery(Query{Filter: filter}); err != nil {
		return 0, err
	}
	query, err := s.scoped(ctx, collection, filter)
	if err != nil {
		return 0, err
	}
	var n int64
	if err := query.Count(&n).Error; err != nil {
		return 0, unavailable("count "+collection, err)
	}
	return int(n), nil
}
