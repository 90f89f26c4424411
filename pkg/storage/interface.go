package storage

import (
	"context"
	"errors"

	"github.com/epw80/studyhall/pkg/keys"
)

var (
	ErrNotFound        = errors.New("item not found")
	ErrAlreadyExists   = errors.New("item already exists")
	ErrConditionFailed = errors.New("condition check failed")
	ErrInvalidCursor   = errors.New("invalid pagination cursor")
	ErrEmptyPatch      = errors.New("patch has no updates")
	ErrMissingKey      = errors.New("item has no primary key")
)

const (
	DefaultQueryLimit = 25
	MaxQueryLimit     = 1000
)

// Store defines the key-value operations every component depends on.
// Implementations must be safe for concurrent use, give read-your-write on a
// single key, and apply each Update atomically including its conditions.
type Store interface {
	// Get returns the item stored under key, or ErrNotFound.
	// Items whose expiry has passed are reported as not found.
	Get(ctx context.Context, key keys.Key) (Item, error)

	// Put overwrites the whole item. Projection keys that depend on
	// classification fields are recomputed from the item itself.
	// With IfNotExists the write fails with ErrAlreadyExists when the key is taken.
	Put(ctx context.Context, item Item, opts ...PutOption) error

	// Update applies a field-level patch and returns the item as written.
	// The item is created when absent unless a condition requires otherwise.
	// Failed conditions return ErrConditionFailed and leave the item untouched.
	Update(ctx context.Context, key keys.Key, patch *Patch) (Item, error)

	// Delete removes the item. Deleting a missing item is not an error unless
	// a condition is given and fails.
	Delete(ctx context.Context, key keys.Key, conds ...Condition) error

	// QueryByPartition returns items of one partition in sort key order,
	// optionally restricted to a sort key prefix.
	QueryByPartition(ctx context.Context, partitionKey string, opts QueryOptions) (*Page, error)

	// QueryByIndex returns items of one secondary index partition in index
	// sort key order.
	QueryByIndex(ctx context.Context, index, partitionKey string, opts QueryOptions) (*Page, error)
}

// QueryOptions controls range queries.
type QueryOptions struct {
	SortKeyPrefix string
	// Limit bounds the number of returned items.
	Limit int
	// Cursor continues a previous query with identical parameters.
	Cursor     string
	Descending bool
}

func (o QueryOptions) limit() int {
	switch {
	case o.Limit <= 0:
		return DefaultQueryLimit
	case o.Limit > MaxQueryLimit:
		return MaxQueryLimit
	}
	return o.Limit
}

// Page is one page of query results.
type Page struct {
	Items []Item
	// NextCursor is empty when no further items remain.
	NextCursor string
}

type putOptions struct {
	ifNotExists bool
}

// PutOption modifies a Put.
type PutOption func(*putOptions)

// IfNotExists makes Put fail with ErrAlreadyExists instead of overwriting.
func IfNotExists() PutOption {
	return func(o *putOptions) { o.ifNotExists = true }
}

func collectPutOptions(opts []PutOption) putOptions {
	var o putOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
