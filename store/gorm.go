package store

import (
	"context"
	"fmt"
	"unicode/utf8"

	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// node is one leaf of the tree, Value holds the JSON encoded scalar.
type node struct {
	Path  string         `gorm:"primaryKey"`
	Value datatypes.JSON `gorm:"not null"`
}

// GormBackend keeps the leaves in a SQL table (sqlite or postgres). Subtrees are read with prefix queries on the
// primary key.
type GormBackend struct {
	db *gorm.DB
}

// NewGormBackend opens the database. dbType is "sqlite" or "postgres".
func NewGormBackend(dbType, dsn string) (*GormBackend, error) {
	var dial gorm.Dialector
	switch dbType {
	case "postgres":
		dial = postgres.Open(dsn)

	case "sqlite":
		dial = sqlite.Open(dsn)

	default:
		return nil, fmt.Errorf("invalid gorm database type %q", dbType)
	}
	db, err := gorm.Open(dial, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, err
	}
	if dbType == "sqlite" {
		// a single connection serializes writers and keeps ":memory:" databases alive
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	err = db.Migrator().AutoMigrate(&node{})
	if err != nil {
		return nil, err
	}
	return &GormBackend{db: db}, nil
}

// subtreeCondition matches path and its descendants. The prefix is compared with substr instead of LIKE, which
// ignores case on sqlite.
func subtreeCondition(tx *gorm.DB, path string) *gorm.DB {
	if path == "" {
		return tx.Where("path <> ?", "")
	}
	prefix := path + pathSep
	return tx.Where("path = ? OR substr(path, 1, ?) = ?", path, utf8.RuneCountInString(prefix), prefix)
}

func (b *GormBackend) Read(ctx context.Context, path string) ([]Leaf, error) {
	return readNodes(b.db.WithContext(ctx), path)
}

func readNodes(tx *gorm.DB, path string) ([]Leaf, error) {
	nodes := make([]node, 0)
	err := subtreeCondition(tx, path).Order("path").Find(&nodes).Error
	if err != nil {
		return nil, err
	}
	leaves := make([]Leaf, 0, len(nodes))
	for _, n := range nodes {
		leaves = append(leaves, Leaf{Path: n.Path, Value: string(n.Value)})
	}
	return leaves, nil
}

func (b *GormBackend) Write(ctx context.Context, fn func(Writer) error) error {
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormWriter{tx: tx})
	})
}

func (b *GormBackend) Close() error {
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type gormWriter struct {
	tx *gorm.DB
}

// Read locks the rows on postgres, so concurrent read-modify-write transactions on the same subtree serialize.
func (w *gormWriter) Read(path string) ([]Leaf, error) {
	tx := w.tx
	if tx.Dialector.Name() == "postgres" {
		tx = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return readNodes(tx, path)
}

func (w *gormWriter) Put(path, value string) error {
	n := node{Path: path, Value: datatypes.JSON(value)}
	return w.tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&n).Error
}

func (w *gormWriter) Delete(path string) error {
	return w.tx.Where("path = ?", path).Delete(&node{}).Error
}

func (w *gormWriter) DeleteTree(path string) error {
	return subtreeCondition(w.tx, path).Delete(&node{}).Error
}
