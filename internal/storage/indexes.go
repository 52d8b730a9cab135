package storage

import (
	"context"
	"fmt"

	"github.com/fauxdb/mongopg-gateway/internal/bson"
	"github.com/fauxdb/mongopg-gateway/internal/gatewayerr"
)

// IndexSpec is one entry of a createIndexes request: a key pattern
// ({field: 1|-1, ...}) plus the name and flags the side table
// persists.
type IndexSpec struct {
	Name       string
	KeyPattern *bson.Document
	Unique     bool
	Sparse     bool
}

// CreateIndexes persists index metadata in the database schema's
// `__gateway_indexes` side table and, for single-key patterns, creates
// a real Postgres expression index on the lowered JSON field (the
// general multi-key case is already covered by the GIN index every
// collection gets from EnsureCollection).
func (g *Gateway) CreateIndexes(ctx context.Context, db, coll string, specs []IndexSpec) error {
	table, err := tableName(db, coll)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.KindInvalidArgument, "invalid collection name", err)
	}
	idxTable, err := indexesTable(db)
	if err != nil {
		return err
	}

	conn, err := g.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	for _, spec := range specs {
		keyJSON, err := MarshalDocument(spec.KeyPattern)
		if err != nil {
			return gatewayerr.Wrap(gatewayerr.KindInternal, "marshal index key pattern", err)
		}
		_, err = conn.Execute(ctx, g.queryTO, fmt.Sprintf(`
			INSERT INTO %s (collection, name, key_pattern, unique_index, sparse)
			VALUES ($1, $2, $3::jsonb, $4, $5)
			ON CONFLICT (collection, name) DO UPDATE SET key_pattern = EXCLUDED.key_pattern`, idxTable),
			coll, spec.Name, keyJSON, spec.Unique, spec.Sparse)
		if err != nil {
			return gatewayerr.Wrap(gatewayerr.KindBackendQuery, "persist index metadata", err)
		}

		if spec.KeyPattern.Len() == 1 {
			field := spec.KeyPattern.Names()[0]
			if field == "_id" {
				continue
			}
			sfield, err := sanitizeIdent(sqlSafeIndexComponent(field))
			if err != nil {
				return gatewayerr.Wrap(gatewayerr.KindInvalidArgument, "unsupported index field name", err)
			}
			idxName := quoteIdent(coll + "_" + sfield + "_idx")
			ddl := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s ((%s))`, idxName, table, jsonField(field))
			if _, err := conn.Execute(ctx, g.queryTO, ddl); err != nil {
				return gatewayerr.Wrap(gatewayerr.KindBackendQuery, "create field index", err)
			}
		}
	}
	return nil
}

// sqlSafeIndexComponent maps a dotted field path onto an identifier
// fragment safe for an index name.
func sqlSafeIndexComponent(field string) string {
	out := make([]byte, len(field))
	for i := 0; i < len(field); i++ {
		c := field[i]
		if c == '.' {
			out[i] = '_'
		} else {
			out[i] = c
		}
	}
	return string(out)
}

// DropIndexes removes index metadata rows: all of the collection's rows
// when names is empty, otherwise the named ones. The Postgres expression
// indexes CreateIndexes built are left in place.
func (g *Gateway) DropIndexes(ctx context.Context, db, coll string, names []string) error {
	idxTable, err := indexesTable(db)
	if err != nil {
		return err
	}
	conn, err := g.acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if len(names) == 0 {
		if _, err := conn.Execute(ctx, g.queryTO, fmt.Sprintf(`DELETE FROM %s WHERE collection = $1`, idxTable), coll); err != nil {
			return gatewayerr.Wrap(gatewayerr.KindBackendQuery, "drop all index metadata", err)
		}
		return nil
	}
	for _, name := range names {
		if _, err := conn.Execute(ctx, g.queryTO, fmt.Sprintf(`DELETE FROM %s WHERE collection = $1 AND name = $2`, idxTable), coll, name); err != nil {
			return gatewayerr.Wrap(gatewayerr.KindBackendQuery, "drop index metadata", err)
		}
	}
	return nil
}

// ListIndexes reads the persisted index metadata back, ordered by index
// name.
func (g *Gateway) ListIndexes(ctx context.Context, db, coll string) ([]IndexSpec, error) {
	idxTable, err := indexesTable(db)
	if err != nil {
		return nil, err
	}
	conn, err := g.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, g.queryTO, fmt.Sprintf(
		`SELECT name, key_pattern, unique_index, sparse FROM %s WHERE collection = $1 ORDER BY name`, idxTable), coll)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var specs []IndexSpec
	for rows.Next() {
		var name string
		var keyJSON []byte
		var unique, sparse bool
		if err := rows.Scan(&name, &keyJSON, &unique, &sparse); err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.KindBackendQuery, "scan index metadata", err)
		}
		keyDoc, err := LiftRow(keyJSON)
		if err != nil {
			return nil, gatewayerr.Wrap(gatewayerr.KindInternal, "lift index key pattern", err)
		}
		specs = append(specs, IndexSpec{Name: name, KeyPattern: keyDoc, Unique: unique, Sparse: sparse})
	}
	return specs, rows.Err()
}
