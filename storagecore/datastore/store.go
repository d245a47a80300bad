package datastore

import (
	"context"

	"gorm.io/gorm"
)

type contextKey int

// ContextKeyTransaction is the key under which the current gorm transaction
// is stashed in a context.
const ContextKeyTransaction contextKey = iota

// Store abstracts the relational store so tests can swap in sqlite or a mock
// driver.
type Store interface {
	Open() error
	Close()
	// CreateTransaction begins a transaction and returns a context carrying it.
	CreateTransaction(ctx context.Context) context.Context
	// GetTransaction returns the transaction carried by ctx, or nil.
	GetTransaction(ctx context.Context) *gorm.DB
	// WithNewTransaction runs f inside a fresh transaction, committing on nil
	// error and rolling back otherwise.
	WithNewTransaction(f func(ctx context.Context) error) error
	// WithTransaction runs f in the transaction carried by ctx, beginning one
	// if absent.
	WithTransaction(ctx context.Context, f func(ctx context.Context) error) error
	GetDB() *gorm.DB
}

var instance Store = &postgresStore{}

func GetStore() Store {
	return instance
}
