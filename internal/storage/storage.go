// Package storage is the JSONB-backed storage gateway (spec.md §4.4):
// per-collection schema management, document CRUD, filter lowering,
// row lifting, and update-operator application. Grounded on the
// teacher's pkg/platform/sql/flakiness/db.go for the idempotent
// CREATE TABLE/INDEX IF NOT EXISTS migration style; the JSONB operator
// translation it replaces is grounded conceptually on
// original_source/src/documentdb.rs and database.rs.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/fauxdb/mongopg-gateway/internal/bson"
	"github.com/fauxdb/mongopg-gateway/internal/gatewayerr"
	"github.com/fauxdb/mongopg-gateway/internal/pool"
)

// Gateway is the storage component handlers call into.
type Gateway struct {
	pool         *pool.Pool
	acquireTO    time.Duration
	queryTO      time.Duration
}

// New builds a storage Gateway bound to an already-configured pool.
func New(p *pool.Pool, acquireTimeout, queryTimeout time.Duration) *Gateway {
	return &Gateway{pool: p, acquireTO: acquireTimeout, queryTO: queryTimeout}
}

func (g *Gateway) acquire(ctx context.Context) (*pool.Conn, error) {
	return g.pool.Acquire(ctx, g.acquireTO)
}

// EnsureCollection idempotently creates the per-collection table and
// its GIN index (spec.md §4.4).
func (g *Gateway) EnsureCollection(ctx context.Context, db, coll string) error {
	table, err := tableName(db, coll)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindInvalidArgument, "invalid collection name", err)
	}
	schema, _ := sanitizeIdent(db)
	conn, err := g.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Execute(ctx, g.queryTO, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, quoteIdent(schema))); err != nil {
		return gatewayerr.Wrap(gatewayerr.KindBackendQuery, "create schema", err)
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (id BIGSERIAL PRIMARY KEY, data JSONB NOT NULL)`, table)
	if _, err := conn.Execute(ctx, g.queryTO, ddl); err != nil {
		return gatewayerr.Wrap(gatewayerr.KindBackendQuery, "create collection table", err)
	}
	idxName := quoteIdent(coll + "_data_gin")
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s USING GIN (data)`, idxName, table)
	if _, err := conn.Execute(ctx, g.queryTO, idx); err != nil {
		return gatewayerr.Wrap(gatewayerr.KindBackendQuery, "create gin index", err)
	}
	return g.ensureIndexesTable(ctx, conn, db)
}

func (g *Gateway) ensureIndexesTable(ctx context.Context, conn *pool.Conn, db string) error {
	table, err := indexesTable(db)
	if err != nil {
		return err
	}
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		collection TEXT NOT NULL,
		name TEXT NOT NULL,
		key_pattern JSONB NOT NULL,
		unique_index BOOLEAN NOT NULL DEFAULT FALSE,
		sparse BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (collection, name)
	)`, table)
	if _, err := conn.Execute(ctx, g.queryTO, ddl); err != nil {
		return gatewayerr.Wrap(gatewayerr.KindBackendQuery, "create index metadata table", err)
	}
	return nil
}

// DropCollection idempotently drops a collection's table.
func (g *Gateway) DropCollection(ctx context.Context, db, coll string) error {
	table, err := tableName(db, coll)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindInvalidArgument, "invalid collection name", err)
	}
	conn, err := g.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Execute(ctx, g.queryTO, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, table)); err != nil {
		return gatewayerr.Wrap(gatewayerr.KindBackendQuery, "drop collection table", err)
	}
	if idxTable, err := indexesTable(db); err == nil {
		_, _ = conn.Execute(ctx, g.queryTO, fmt.Sprintf(`DELETE FROM %s WHERE collection = $1`, idxTable), coll)
	}
	return nil
}

// DatabaseInfo is one entry of a listDatabases response.
type DatabaseInfo struct {
	Name       string
	SizeOnDisk int64
	Empty      bool
}

// ListDatabases enumerates every schema except pg_catalog,
// information_schema, pg_toast and public, with each
// schema's on-disk size from pg_database_size-equivalent accounting
// (spec.md §4.6's listDatabases table).
func (g *Gateway) ListDatabases(ctx context.Context) ([]DatabaseInfo, error) {
	conn, err := g.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, g.queryTO, `
		SELECT n.nspname,
		       COALESCE(SUM(pg_total_relation_size(c.oid)), 0) AS size_on_disk,
		       COUNT(c.oid) = 0 AS empty
		FROM pg_namespace n
		LEFT JOIN pg_class c ON c.relnamespace = n.oid AND c.relkind = 'r'
		WHERE n.nspname NOT IN ('pg_catalog', 'information_schema', 'pg_toast', 'public')
		GROUP BY n.nspname
		ORDER BY n.nspname`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dbs []DatabaseInfo
	for rows.Next() {
		var info DatabaseInfo
		if err := rows.Scan(&info.Name, &info.SizeOnDisk, &info.Empty); err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.KindBackendQuery, "scan database info", err)
		}
		dbs = append(dbs, info)
	}
	return dbs, rows.Err()
}

// ListCollections returns table names in db's schema, excluding the
// gateway's own index metadata side table.
func (g *Gateway) ListCollections(ctx context.Context, db string) ([]string, error) {
	schema, err := sanitizeIdent(db)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInvalidArgument, "invalid database name", err)
	}
	conn, err := g.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, g.queryTO, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = $1 AND table_name <> '__gateway_indexes'
		ORDER BY table_name`, schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.KindBackendQuery, "scan collection name", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// Insert stores a document, generating `_id` if absent (spec.md
// §4.4). The Postgres row id is internal and never exposed.
func (g *Gateway) Insert(ctx context.Context, db, coll string, doc *bson.Document) (bson.Value, error) {
	if _, ok := doc.Get("_id"); !ok {
		doc.Append("_id", bson.ObjectIDVal(bson.NewObjectID()))
	}
	idVal, _ := doc.Get("_id")

	payload, err := MarshalDocument(doc)
	if err != nil {
		return bson.Value{}, gatewayerr.Wrap(gatewayerr.KindInternal, "marshal document", err)
	}
	table, err := tableName(db, coll)
	if err != nil {
		return bson.Value{}, gatewayerr.Wrap(gatewayerr.KindInvalidArgument, "invalid collection name", err)
	}

	conn, err := g.acquire(ctx)
	if err != nil {
		return bson.Value{}, err
	}
	defer conn.Release()

	_, err = conn.Execute(ctx, g.queryTO,
		fmt.Sprintf(`INSERT INTO %s (data) VALUES ($1::jsonb)`, table), payload)
	if err != nil {
		return bson.Value{}, gatewayerr.Wrap(gatewayerr.KindBackendQuery, "insert document", err)
	}
	return idVal, nil
}

// FindResult is the outcome of a Find call.
type FindResult struct {
	Documents []*bson.Document
	More      bool
}

// Find runs filter/skip/limit/sort against a collection, per spec.md
// §4.4. When limit <= 0 all matches are returned and More is always
// false; sort fields lower to ORDER BY on the JSON-extracted field.
func (g *Gateway) Find(ctx context.Context, db, coll string, filter *bson.Document, skip, limit int32, sort *bson.Document) (*FindResult, error) {
	table, err := tableName(db, coll)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInvalidArgument, "invalid collection name", err)
	}
	whereClause, args, err := LowerFilter(filter)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT data FROM %s WHERE %s`, table, whereClause)
	query += lowerSort(sort)
	fetchLimit := limit
	if limit > 0 {
		fetchLimit = limit + 1 // fetch one extra row to detect "more"
	}
	if fetchLimit > 0 {
		query += fmt.Sprintf(" LIMIT %d", fetchLimit)
	}
	if skip > 0 {
		query += fmt.Sprintf(" OFFSET %d", skip)
	}

	conn, err := g.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, g.queryTO, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	docs, err := scanDocuments(rows)
	if err != nil {
		return nil, err
	}

	more := false
	if limit > 0 && int32(len(docs)) > limit {
		docs = docs[:limit]
		more = true
	}
	return &FindResult{Documents: docs, More: more}, nil
}

func lowerSort(sort *bson.Document) string {
	if sort == nil || sort.Len() == 0 {
		return ""
	}
	clause := " ORDER BY "
	first := true
	sort.Each(func(name string, v bson.Value) bool {
		if !first {
			clause += ", "
		}
		first = false
		dir := "ASC"
		if iv, ok := v.AsFloat64(); ok && iv < 0 {
			dir = "DESC"
		}
		clause += jsonField(name) + " " + dir
		return true
	})
	return clause
}

func scanDocuments(rows pgx.Rows) ([]*bson.Document, error) {
	var docs []*bson.Document
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.KindBackendQuery, "scan document row", err)
		}
		doc, err := LiftRow(payload)
		if err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.KindInternal, "lift stored document", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// Count returns the number of documents matching filter.
func (g *Gateway) Count(ctx context.Context, db, coll string, filter *bson.Document) (int64, error) {
	table, err := tableName(db, coll)
	if err != nil {
		return 0, gatewayerr.Wrap(gatewayerr.KindInvalidArgument, "invalid collection name", err)
	}
	whereClause, args, err := LowerFilter(filter)
	if err != nil {
		return 0, err
	}

	conn, err := g.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, g.queryTO, fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s`, table, whereClause), args...)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var count int64
	if rows.Next() {
		if err := rows.Scan(&count); err != nil {
			return 0, gatewayerr.Wrap(gatewayerr.KindBackendQuery, "scan count", err)
		}
	}
	return count, rows.Err()
}

// UpdateResult reports the outcome of Update.
type UpdateResult struct {
	Matched    int64
	Modified   int64
	UpsertedID bson.Value
	Upserted   bool
}

// Update applies updateSpec to every row matching filter (or just the
// first if !multi), upserting a seed document when nothing matched
// and upsert is set (spec.md §4.4).
func (g *Gateway) Update(ctx context.Context, db, coll string, filter, updateSpec *bson.Document, multi, upsert bool) (*UpdateResult, error) {
	table, err := tableName(db, coll)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindInvalidArgument, "invalid collection name", err)
	}
	whereClause, args, err := LowerFilter(filter)
	if err != nil {
		return nil, err
	}

	conn, err := g.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	limitClause := ""
	if !multi {
		limitClause = " LIMIT 1"
	}
	query := fmt.Sprintf(`SELECT id, data FROM %s WHERE %s%s`, table, whereClause, limitClause)
	rows, err := conn.Query(ctx, g.queryTO, query, args...)
	if err != nil {
		return nil, err
	}

	type row struct {
		id   int64
		data *bson.Document
	}
	var matched []row
	for rows.Next() {
		var id int64
		var payload []byte
		if err := rows.Scan(&id, &payload); err != nil {
			rows.Close()
			return nil, gatewayerr.Wrap(gatewayerr.KindBackendQuery, "scan update candidate", err)
		}
		doc, err := LiftRow(payload)
		if err != nil {
			rows.Close()
			return nil, gatewayerr.Wrap(gatewayerr.KindInternal, "lift stored document", err)
		}
		matched = append(matched, row{id: id, data: doc})
	}
	rowErr := rows.Err()
	rows.Close()
	if rowErr != nil {
		return nil, rowErr
	}

	if len(matched) == 0 {
		if !upsert {
			return &UpdateResult{}, nil
		}
		seed := seedFromFilter(filter)
		updated, err := ApplyUpdate(seed, updateSpec)
		if err != nil {
			return nil, err
		}
		id, err := g.Insert(ctx, db, coll, updated)
		if err != nil {
			return nil, err
		}
		return &UpdateResult{Upserted: true, UpsertedID: id}, nil
	}

	var modified int64
	for _, m := range matched {
		updatedDoc, err := ApplyUpdate(m.data, updateSpec)
		if err != nil {
			return nil, err
		}
		// A row the filter matches still counts against `matched` even
		// when the update is a no-op; only count and write it as
		// `modified` when the document actually changes (spec.md §8
		// property 8: a repeated identical $set reports modified=0).
		if bson.Equal(bson.Doc(m.data), bson.Doc(updatedDoc)) {
			continue
		}
		payload, err := MarshalDocument(updatedDoc)
		if err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.KindInternal, "marshal updated document", err)
		}
		n, err := conn.Execute(ctx, g.queryTO, fmt.Sprintf(`UPDATE %s SET data = $1::jsonb WHERE id = $2`, table), payload, m.id)
		if err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.KindBackendQuery, "apply update", err)
		}
		modified += n
	}
	return &UpdateResult{Matched: int64(len(matched)), Modified: modified}, nil
}

// seedFromFilter builds the document an upsert inserts when nothing
// matched, taken from the filter's equality terms (spec.md §4.4).
func seedFromFilter(filter *bson.Document) *bson.Document {
	seed := bson.NewDocument()
	if filter == nil {
		return seed
	}
	filter.Each(func(name string, v bson.Value) bool {
		if name == "$and" || name == "$or" || name == "$not" {
			return true
		}
		if v.Kind != bson.KindDocument {
			seed.Append(name, v)
		}
		return true
	})
	return seed
}

// Delete removes rows matching filter, at most one if !multi.
func (g *Gateway) Delete(ctx context.Context, db, coll string, filter *bson.Document, multi bool) (int64, error) {
	table, err := tableName(db, coll)
	if err != nil {
		return 0, gatewayerr.Wrap(gatewayerr.KindInvalidArgument, "invalid collection name", err)
	}
	whereClause, args, err := LowerFilter(filter)
	if err != nil {
		return 0, err
	}

	conn, err := g.acquire(ctx)
	if err != nil {
		return 0, err
	}
	defer conn.Release()

	var query string
	if multi {
		query = fmt.Sprintf(`DELETE FROM %s WHERE %s`, table, whereClause)
	} else {
		query = fmt.Sprintf(`DELETE FROM %s WHERE ctid IN (SELECT ctid FROM %s WHERE %s LIMIT 1)`, table, table, whereClause)
	}
	n, err := conn.Execute(ctx, g.queryTO, query, args...)
	if err != nil {
		return 0, gatewayerr.Wrap(gatewayerr.KindBackendQuery, "delete documents", err)
	}
	return n, nil
}
