// Package persist implements the ambient persistence contract named
// in spec §4.7/§6: opaque blobs keyed by (key, interval, scope, arena),
// used today by the static flag game (spec §4.5) and available to any
// future module through the same Store interface. Grounded on the
// teacher's internal/persist package (db.go's pgxpool wrapper,
// migrations.go's goose setup, and the per-entity repos' context
// -timeout-per-call style), generalized from one table per game
// entity to a single opaque-blob table since the zone server has no
// character/item/clan domain to persist.
package persist

import (
	"context"
	"fmt"
	"time"
)

// Scope distinguishes state that belongs to one arena instance from
// state shared process-wide.
type Scope string

const (
	ScopeArena  Scope = "arena"
	ScopeGlobal Scope = "global"
)

// Store is the external persistence contract the core depends on.
// interval names a persistence cadence/version ("current", "daily",
// ...), arena is empty for ScopeGlobal records. Implementations must
// treat (key, interval, scope, arena) as the full identity of a blob:
// Set overwrites any existing blob at that identity.
type Store interface {
	Get(ctx context.Context, key, interval string, scope Scope, arena string) ([]byte, error)
	Set(ctx context.Context, key, interval string, scope Scope, arena string, data []byte) error
}

// ErrNotFound is returned by Get when no blob exists at the given
// identity.
var ErrNotFound = fmt.Errorf("persist: blob not found")

// DefaultCallTimeout is the per-call context budget callers should
// wrap Store calls in, matching the teacher's per-save
// context.WithTimeout(ctx, 5*time.Second) pattern.
const DefaultCallTimeout = 5 * time.Second
