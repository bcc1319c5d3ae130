package database

import (
	"context"

	"github.com/capstanhq/capstan/pkg/types"
)

// Engine is the database collaborator. All operations are synchronous and
// fail loudly; a partial dump or restore is never left in place.
type Engine interface {
	// Ping verifies connectivity with the configured credentials.
	Ping(ctx context.Context, spec *types.DatabaseSpec) error

	// Dump writes a logical dump of the database to path.
	Dump(ctx context.Context, spec *types.DatabaseSpec, path string) error

	// Restore drops and recreates the database, then loads the dump at
	// path.
	Restore(ctx context.Context, spec *types.DatabaseSpec, path string) error
}
