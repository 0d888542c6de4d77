package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"orderflow/pkg/utils"
)

type txKey struct{}

// Transactor runs fn inside a database transaction. Repositories called with the ctx
// passed to fn join that transaction. A nested call runs under a savepoint of the outer
// one, so its failure rolls back only its own writes.
type Transactor interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
}

type gormTransactor struct {
	db *gorm.DB
}

// NewTransactor creates a Transactor over db
func NewTransactor(db *gorm.DB) Transactor {
	return &gormTransactor{db: db}
}

func (t *gormTransactor) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return conn(ctx, t.db).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// InTransaction reports whether ctx carries a transaction
func InTransaction(ctx context.Context) bool {
	_, ok := ctx.Value(txKey{}).(*gorm.DB)
	return ok
}

func conn(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return db.WithContext(ctx)
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.NotFound(format, args...)
	}
	return err
}

// ErrDuplicate is returned when an insert violates a unique key. The MySQL dialector
// reports it when gorm.Config.TranslateError is set.
var ErrDuplicate = gorm.ErrDuplicatedKey

// IsDuplicate reports whether err is a unique key violation
func IsDuplicate(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey)
}
