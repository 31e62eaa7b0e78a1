package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/sorteia/sorteia/pkg/ordering"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// maxIDsPerQuery bounds the IN list of FindByIDs.
const maxIDsPerQuery = 500

// SQLiteStore implements Store on SQLite. Order records live in the
// custom_sortings table and documents in the resources table.
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}

	// every connection to :memory: is a separate database
	if isMemoryPath(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

func (s *SQLiteStore) dsn() string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", s.cfg.BusyTimeout.Milliseconds()))
	if !isMemoryPath(s.cfg.Path) {
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(NORMAL)")
	}
	q.Set("_txlock", "immediate")

	sep := "?"
	if strings.Contains(s.cfg.Path, "?") {
		sep = "&"
	}
	return s.cfg.Path + sep + q.Encode()
}

// Init opens the database connection and enables WAL mode for file databases.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is alive.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// Orders returns the custom_sortings view of the store.
func (s *SQLiteStore) Orders() ordering.OrderStore {
	return sqliteOrders{s: s}
}

// Resources returns the resources view of the store.
func (s *SQLiteStore) Resources() ordering.ResourceStore {
	return sqliteResources{s: s}
}

// withTx runs fn in a transaction. _txlock=immediate makes every transaction
// take the write lock on BEGIN.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func toNanos(t time.Time) int64 { return t.UTC().UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

const selectSorting = `
	SELECT id, owner_id, collection_name, resource_id, position, created_at, updated_at
	FROM custom_sortings
`

const sortingOrder = ` ORDER BY position ASC, updated_at DESC, resource_id ASC`

func scanSorting(row rowScanner) (ordering.OrderRecord, error) {
	var (
		rec                  ordering.OrderRecord
		createdAt, updatedAt int64
	)
	err := row.Scan(
		&rec.ID,
		&rec.OwnerID,
		&rec.Collection,
		&rec.ResourceID,
		&rec.Position,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return rec, err
	}
	rec.CreatedAt = fromNanos(createdAt)
	rec.UpdatedAt = fromNanos(updatedAt)
	return rec, nil
}

type sqliteOrders struct {
	s *SQLiteStore
}

// Upsert inserts the record or moves the existing one for the same resource.
func (o sqliteOrders) Upsert(ctx context.Context, rec ordering.OrderRecord) (ordering.UpsertResult, error) {
	var res ordering.UpsertResult
	err := o.s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = upsertSorting(ctx, tx, rec)
		return err
	})
	if err != nil {
		return ordering.UpsertResult{}, err
	}
	return res, nil
}

// Place upserts rec and renumbers its partition with plan in one immediate
// transaction.
func (o sqliteOrders) Place(ctx context.Context, rec ordering.OrderRecord, plan func([]ordering.OrderRecord) []ordering.PositionUpdate) (ordering.UpsertResult, error) {
	var res ordering.UpsertResult
	p := ordering.Partition{OwnerID: rec.OwnerID, Collection: rec.Collection}

	err := o.s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		res, err = upsertSorting(ctx, tx, rec)
		if err != nil {
			return err
		}

		recs, err := findSortings(ctx, tx, p)
		if err != nil {
			return err
		}
		updates := plan(recs)
		if err := applyPositions(ctx, tx, p, updates); err != nil {
			return err
		}
		for _, u := range updates {
			if u.ResourceID == rec.ResourceID {
				res.Record.Position = u.Position
			}
		}
		return nil
	})
	if err != nil {
		return ordering.UpsertResult{}, err
	}
	return res, nil
}

func upsertSorting(ctx context.Context, tx *sql.Tx, rec ordering.OrderRecord) (ordering.UpsertResult, error) {
	rec.CreatedAt = fromNanos(toNanos(rec.CreatedAt))
	rec.UpdatedAt = fromNanos(toNanos(rec.UpdatedAt))

	cur, err := scanSorting(tx.QueryRowContext(ctx,
		selectSorting+` WHERE owner_id = ? AND collection_name = ? AND resource_id = ?`,
		rec.OwnerID, rec.Collection, rec.ResourceID))

	if errors.Is(err, sql.ErrNoRows) {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO custom_sortings (
				id, owner_id, collection_name, resource_id, position, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			rec.ID,
			rec.OwnerID,
			rec.Collection,
			rec.ResourceID,
			rec.Position,
			toNanos(rec.CreatedAt),
			toNanos(rec.UpdatedAt),
		)
		if err != nil {
			return ordering.UpsertResult{}, fmt.Errorf("failed to insert custom sorting: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return ordering.UpsertResult{}, fmt.Errorf("failed to get rows affected: %w", err)
		}
		return ordering.UpsertResult{Inserted: n > 0, Record: rec}, nil
	}
	if err != nil {
		return ordering.UpsertResult{}, fmt.Errorf("failed to get custom sorting: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE custom_sortings SET position = ?, updated_at = ? WHERE id = ?`,
		rec.Position, toNanos(rec.UpdatedAt), cur.ID)
	if err != nil {
		return ordering.UpsertResult{}, fmt.Errorf("failed to update custom sorting: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return ordering.UpsertResult{}, fmt.Errorf("failed to get rows affected: %w", err)
	}

	prev := cur.Position
	cur.Position = rec.Position
	cur.UpdatedAt = rec.UpdatedAt
	return ordering.UpsertResult{Modified: n > 0, Record: cur, PreviousPosition: &prev}, nil
}

// BulkUpsert applies each record in its own transaction.
func (o sqliteOrders) BulkUpsert(ctx context.Context, recs []ordering.OrderRecord) (ordering.BulkResult, error) {
	var res ordering.BulkResult
	for i, rec := range recs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		up, err := o.Upsert(ctx, rec)
		if err != nil {
			res.Failures = append(res.Failures, ordering.BulkFailure{
				Index:      i,
				ResourceID: rec.ResourceID,
				Error:      err.Error(),
			})
			continue
		}
		switch {
		case up.Inserted:
			res.Inserted++
		case up.Modified:
			res.Modified++
		}
	}
	return res, nil
}

// Find lists the partition sorted by position.
func (o sqliteOrders) Find(ctx context.Context, p ordering.Partition) ([]ordering.OrderRecord, error) {
	return findSortings(ctx, o.s.db, p)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func findSortings(ctx context.Context, q queryer, p ordering.Partition) ([]ordering.OrderRecord, error) {
	rows, err := q.QueryContext(ctx,
		selectSorting+` WHERE owner_id = ? AND collection_name = ?`+sortingOrder,
		p.OwnerID, p.Collection)
	if err != nil {
		return nil, fmt.Errorf("failed to list custom sortings: %w", err)
	}
	defer rows.Close()

	recs := []ordering.OrderRecord{}
	for rows.Next() {
		rec, err := scanSorting(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan custom sorting: %w", err)
		}
		recs = append(recs, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating custom sortings: %w", err)
	}

	return recs, nil
}

// DeleteAt removes the record at index position of the partition's read
// order.
func (o sqliteOrders) DeleteAt(ctx context.Context, p ordering.Partition, position int) (*ordering.OrderRecord, error) {
	if position < 0 {
		return nil, ordering.ErrOrderNotFound
	}
	return o.deleteWhere(ctx,
		selectSorting+` WHERE owner_id = ? AND collection_name = ?`+sortingOrder+` LIMIT 1 OFFSET ?`,
		p.OwnerID, p.Collection, position)
}

// DeleteResource removes the record of resourceID.
func (o sqliteOrders) DeleteResource(ctx context.Context, p ordering.Partition, resourceID string) (*ordering.OrderRecord, error) {
	return o.deleteWhere(ctx,
		selectSorting+` WHERE owner_id = ? AND collection_name = ? AND resource_id = ?`,
		p.OwnerID, p.Collection, resourceID)
}

func (o sqliteOrders) deleteWhere(ctx context.Context, query string, args ...any) (*ordering.OrderRecord, error) {
	var deleted ordering.OrderRecord
	err := o.s.withTx(ctx, func(tx *sql.Tx) error {
		rec, err := scanSorting(tx.QueryRowContext(ctx, query, args...))
		if errors.Is(err, sql.ErrNoRows) {
			return ordering.ErrOrderNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to get custom sorting: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM custom_sortings WHERE id = ?`, rec.ID); err != nil {
			return fmt.Errorf("failed to delete custom sorting: %w", err)
		}
		deleted = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &deleted, nil
}

// Rewrite reads the partition and applies plan in one immediate transaction,
// so no other writer can interleave.
func (o sqliteOrders) Rewrite(ctx context.Context, p ordering.Partition, plan func([]ordering.OrderRecord) []ordering.PositionUpdate) (int, error) {
	var changed int
	err := o.s.withTx(ctx, func(tx *sql.Tx) error {
		recs, err := findSortings(ctx, tx, p)
		if err != nil {
			return err
		}

		updates := plan(recs)
		if err := applyPositions(ctx, tx, p, updates); err != nil {
			return err
		}
		changed = len(updates)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

func applyPositions(ctx context.Context, tx *sql.Tx, p ordering.Partition, updates []ordering.PositionUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	stmt, err := tx.PrepareContext(ctx, `
		UPDATE custom_sortings SET position = ?
		WHERE owner_id = ? AND collection_name = ? AND resource_id = ?
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare position update: %w", err)
	}
	defer stmt.Close()

	for _, u := range updates {
		if _, err := stmt.ExecContext(ctx, u.Position, p.OwnerID, p.Collection, u.ResourceID); err != nil {
			return fmt.Errorf("failed to update position of %s: %w", u.ResourceID, err)
		}
	}
	return nil
}

const selectResource = `
	SELECT id, collection_name, owner_id, document, created_at
	FROM resources
`

func scanResource(row rowScanner) (ordering.Document, error) {
	var (
		doc       ordering.Document
		body      string
		createdAt int64
	)
	if err := row.Scan(&doc.ID, &doc.Collection, &doc.OwnerID, &body, &createdAt); err != nil {
		return doc, err
	}
	doc.CreatedAt = fromNanos(createdAt)
	if body != "" {
		if err := json.Unmarshal([]byte(body), &doc.Data); err != nil {
			return doc, fmt.Errorf("failed to decode document %s: %w", doc.ID, err)
		}
	}
	return doc, nil
}

type sqliteResources struct {
	s *SQLiteStore
}

// FindOwned returns the document when owner owns it.
func (r sqliteResources) FindOwned(ctx context.Context, collection, id, owner string) (*ordering.Document, error) {
	doc, err := scanResource(r.s.db.QueryRowContext(ctx,
		selectResource+` WHERE collection_name = ? AND id = ? AND owner_id = ?`,
		collection, id, owner))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ordering.ErrResourceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return &doc, nil
}

// Count counts matching documents. Filters with a Where expression or
// non-scalar field matches are evaluated in Go.
func (r sqliteResources) Count(ctx context.Context, collection string, f ordering.Filter) (int, error) {
	where, args, residual := buildResourceWhere(collection, f)
	if residual.Where == nil && len(residual.Fields) == 0 {
		var n int
		err := r.s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM resources WHERE `+where, args...).Scan(&n)
		if err != nil {
			return 0, fmt.Errorf("failed to count resources: %w", err)
		}
		return n, nil
	}

	docs, err := r.Find(ctx, collection, f)
	if err != nil {
		return 0, err
	}
	return len(docs), nil
}

// Find returns matching documents in insertion order.
func (r sqliteResources) Find(ctx context.Context, collection string, f ordering.Filter) ([]ordering.Document, error) {
	where, args, residual := buildResourceWhere(collection, f)

	rows, err := r.s.db.QueryContext(ctx, selectResource+` WHERE `+where+` ORDER BY rowid`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	docs := []ordering.Document{}
	for rows.Next() {
		doc, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		ok, err := matchDocument(doc, residual, true, false)
		if err != nil {
			return nil, err
		}
		if ok {
			docs = append(docs, doc)
		}
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}

	return docs, nil
}

// FindByIDs returns the documents whose id is in ids, in insertion order.
func (r sqliteResources) FindByIDs(ctx context.Context, collection string, ids []string) ([]ordering.Document, error) {
	docs := []ordering.Document{}
	for start := 0; start < len(ids); start += maxIDsPerQuery {
		end := start + maxIDsPerQuery
		if end > len(ids) {
			end = len(ids)
		}
		chunk := ids[start:end]

		args := make([]any, 0, len(chunk)+1)
		args = append(args, collection)
		for _, id := range chunk {
			args = append(args, id)
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(chunk)), ",")

		rows, err := r.s.db.QueryContext(ctx,
			selectResource+` WHERE collection_name = ? AND id IN (`+placeholders+`) ORDER BY rowid`, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to get resources: %w", err)
		}
		for rows.Next() {
			doc, err := scanResource(rows)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("failed to scan resource: %w", err)
			}
			docs = append(docs, doc)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("error iterating resources: %w", err)
		}
	}
	return docs, nil
}

// buildResourceWhere turns the owner and scalar field matches of f into SQL.
// The returned residual filter holds what SQL could not express.
func buildResourceWhere(collection string, f ordering.Filter) (string, []any, ordering.Filter) {
	clauses := []string{"collection_name = ?"}
	args := []any{collection}
	residual := ordering.Filter{Where: f.Where}

	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id = ?")
		args = append(args, f.OwnerID)
	}

	keys := make([]string, 0, len(f.Fields))
	for k := range f.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v, ok := sqlScalar(f.Fields[k])
		if !ok {
			if residual.Fields == nil {
				residual.Fields = make(map[string]any)
			}
			residual.Fields[k] = f.Fields[k]
			continue
		}
		clauses = append(clauses, "json_extract(document, ?) = ?")
		args = append(args, jsonPath(k), v)
	}

	return strings.Join(clauses, " AND "), args, residual
}

func jsonPath(key string) string {
	return `$."` + strings.ReplaceAll(key, `"`, `\"`) + `"`
}

// sqlScalar converts v to the value json_extract yields for it.
func sqlScalar(v any) (any, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	if f, ok := toFloat(v); ok {
		return f, true
	}
	return nil, false
}

// PutDocument inserts or replaces a document.
func (s *SQLiteStore) PutDocument(ctx context.Context, doc *ordering.Document) error {
	if doc.ID == "" || doc.Collection == "" {
		return fmt.Errorf("document id and collection are required")
	}
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}

	body, err := json.Marshal(doc.Data)
	if err != nil {
		return fmt.Errorf("failed to encode document %s: %w", doc.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO resources (id, collection_name, owner_id, document, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(collection_name, id) DO UPDATE SET
			owner_id = excluded.owner_id,
			document = excluded.document
	`,
		doc.ID,
		doc.Collection,
		doc.OwnerID,
		string(body),
		toNanos(doc.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to put document: %w", err)
	}

	return nil
}

// RemoveDocument deletes a document. Order records that reference it are
// left in place.
func (s *SQLiteStore) RemoveDocument(ctx context.Context, collection, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM resources WHERE collection_name = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("%w: %s/%s", ordering.ErrResourceNotFound, collection, id)
	}

	return nil
}

// Collections lists every collection with documents or order records.
func (s *SQLiteStore) Collections(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT collection_name FROM resources
		UNION
		SELECT collection_name FROM custom_sortings
		ORDER BY 1
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan collection: %w", err)
		}
		names = append(names, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating collections: %w", err)
	}

	return names, nil
}
