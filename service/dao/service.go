package dao

import (
	"context"
)

// Service is the minimal persistence contract required by the engine:
// insert/overwrite, find by id, delete and list.
type Service[K comparable, T any] interface {
	Save(ctx context.Context, t *T) error

	Load(ctx context.Context, id K) (*T, error)

	Delete(ctx context.Context, id K) error

	List(ctx context.Context, parameters ...*Parameter) ([]*T, error)
}

// Versioned extends Service with compare-and-swap semantics: SaveWithVersion
// persists t only when the stored copy still carries the expected version,
// and bumps the version on success.  Structural races on the session
// aggregate are detected through this contract.
type Versioned[K comparable, T any] interface {
	Service[K, T]

	SaveWithVersion(ctx context.Context, t *T, expected int) error
}
