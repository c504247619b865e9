package resources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sentra-qms/sentra-authz/internal/shared"
)

// Instance is one concrete resource row as seen by contextual conditions and
// overrides: a flat field map, the way the owning services expose it.
type Instance map[string]any

// Fetcher loads a resource instance for context evaluation. Implementations
// must respect ctx deadlines; the resolver treats a timeout as "context
// inapplicable", never as an allow.
type Fetcher interface {
	Fetch(ctx context.Context, resourceType, resourceID string) (Instance, error)
}

// Store is a PostgreSQL Fetcher over a fixed registry of resource tables.
// Each platform service owns its table; this read path only projects rows to
// JSON for field access.
type Store struct {
	pool    *pgxpool.Pool
	tables  map[string]string
	timeout time.Duration
}

// DefaultTables maps resource types to their owning tables.
func DefaultTables() map[string]string {
	return map[string]string{
		shared.ResourceCustomer:   "customers",
		shared.ResourceSupplier:   "suppliers",
		shared.ResourceInspection: "inspections",
		shared.ResourceDocument:   "documents",
		shared.ResourceReport:     "reports",
	}
}

// NewStore constructs a Store. A non-positive timeout defaults to two seconds.
func NewStore(pool *pgxpool.Pool, tables map[string]string, timeout time.Duration) *Store {
	if tables == nil {
		tables = DefaultTables()
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Store{pool: pool, tables: tables, timeout: timeout}
}

// Fetch loads one resource row as a field map. Unknown resource types and
// missing rows are ErrNotFound; deadline overruns surface as ErrTimeout.
func (s *Store) Fetch(ctx context.Context, resourceType, resourceID string) (Instance, error) {
	table, ok := s.tables[resourceType]
	if !ok {
		return nil, shared.NotFoundf("resource type %s", resourceType)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var payload []byte
	query := fmt.Sprintf(`SELECT row_to_json(t) FROM %s t WHERE t.id = $1`, table)
	err := s.pool.QueryRow(ctx, query, resourceID).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, shared.NotFoundf("%s %s", resourceType, resourceID)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("resources: fetch %s/%s: %w", resourceType, resourceID, shared.ErrTimeout)
		}
		return nil, err
	}

	var instance Instance
	if err := json.Unmarshal(payload, &instance); err != nil {
		return nil, err
	}
	return instance, nil
}
