package stores

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/sorteia/sorteia/pkg/ordering"
)

// Driver names a store backend.
type Driver string

const (
	DriverSQLite Driver = "sqlite"
	DriverBolt   Driver = "bolt"
)

// Config holds store configuration
type Config struct {
	Driver          Driver        `yaml:"driver" validate:"omitempty,oneof=sqlite bolt"`
	Path            string        `yaml:"path" validate:"required"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"min=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"min=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	BusyTimeout     time.Duration `yaml:"busy_timeout"`
}

// Store is a persistence backend holding both the order records and the
// documents being ordered.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Orders returns the order record view of the store.
	Orders() ordering.OrderStore

	// Resources returns the read-only document view of the store.
	Resources() ordering.ResourceStore

	// Document administration. The ordering engine never calls these.
	PutDocument(ctx context.Context, doc *ordering.Document) error
	RemoveDocument(ctx context.Context, collection, id string) error
	Collections(ctx context.Context) ([]string, error)
}

// Open creates the store selected by cfg.Driver. The store still needs Init
// and Migrate.
func Open(cfg Config) (Store, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		return NewSQLiteStore(cfg)
	case DriverBolt:
		return NewBoltStore(cfg)
	default:
		return nil, fmt.Errorf("unknown store driver: %q", cfg.Driver)
	}
}

// matchDocument applies f to doc in Go. skipOwner and skipFields let callers
// that already filtered in the backend avoid the work twice.
func matchDocument(doc ordering.Document, f ordering.Filter, skipOwner, skipFields bool) (bool, error) {
	if !skipOwner && f.OwnerID != "" && doc.OwnerID != f.OwnerID {
		return false, nil
	}
	if !skipFields {
		for k, want := range f.Fields {
			if !valuesEqual(doc.Data[k], want) {
				return false, nil
			}
		}
	}
	return f.Where.Match(doc.Env())
}

// valuesEqual compares decoded document values. Numbers compare by value
// regardless of the concrete type the codec produced.
func valuesEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		return ok && fa == fb
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}
