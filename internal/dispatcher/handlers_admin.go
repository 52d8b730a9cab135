package dispatcher

import (
	"context"

	"github.com/fauxdb/mongopg-gateway/internal/bson"
	"github.com/fauxdb/mongopg-gateway/internal/gatewayerr"
	"github.com/fauxdb/mongopg-gateway/internal/storage"
)

func handleCreate(ctx context.Context, deps *Deps, _ *Session, db string, cmd *bson.Document) (*bson.Document, error) {
	coll, err := requireCollection(cmd)
	if err != nil {
		return nil, err
	}
	if err := deps.Storage.EnsureCollection(ctx, db, coll); err != nil {
		return nil, err
	}
	return okDoc(), nil
}

func handleDrop(ctx context.Context, deps *Deps, _ *Session, db string, cmd *bson.Document) (*bson.Document, error) {
	coll, err := requireCollection(cmd)
	if err != nil {
		return nil, err
	}
	if err := deps.Storage.DropCollection(ctx, db, coll); err != nil {
		return nil, err
	}
	return okDoc(), nil
}

func handleListCollections(ctx context.Context, deps *Deps, _ *Session, db string, _ *bson.Document) (*bson.Document, error) {
	names, err := deps.Storage.ListCollections(ctx, db)
	if err != nil {
		return nil, err
	}
	entries := make([]bson.Value, len(names))
	for i, name := range names {
		entries[i] = bson.Doc(bson.NewDocument().
			Append("name", bson.String(name)).
			Append("type", bson.String("collection")))
	}
	c := bson.NewDocument().
		Append("firstBatch", bson.Array(entries)).
		Append("id", bson.Int64Val(0)).
		Append("ns", bson.String(db+".$cmd.listCollections"))
	return okDoc().Append("cursor", bson.Doc(c)), nil
}

func handleListDatabases(ctx context.Context, deps *Deps, _ *Session, _ string, _ *bson.Document) (*bson.Document, error) {
	dbs, err := deps.Storage.ListDatabases(ctx)
	if err != nil {
		return nil, err
	}
	var total int64
	entries := make([]bson.Value, len(dbs))
	for i, d := range dbs {
		total += d.SizeOnDisk
		entries[i] = bson.Doc(bson.NewDocument().
			Append("name", bson.String(d.Name)).
			Append("sizeOnDisk", bson.Int64Val(d.SizeOnDisk)).
			Append("empty", bson.Bool(d.Empty)))
	}
	return okDoc().
		Append("databases", bson.Array(entries)).
		Append("totalSize", bson.Int64Val(total)), nil
}

// parseIndexSpecs reads the `indexes` array of a createIndexes command
// into storage.IndexSpec values (spec.md §4.6's createIndexes row).
func parseIndexSpecs(cmd *bson.Document) ([]storage.IndexSpec, error) {
	entries := getArrayField(cmd, "indexes")
	specs := make([]storage.IndexSpec, 0, len(entries))
	for _, v := range entries {
		if v.Kind != bson.KindDocument {
			return nil, gatewayerr.New(gatewayerr.KindInvalidArgument, "createIndexes: each index must be a document")
		}
		entry := v.Doc
		key := getDocumentField(entry, "key")
		if key == nil {
			return nil, gatewayerr.New(gatewayerr.KindInvalidArgument, "createIndexes: index missing 'key'")
		}
		name, err := entry.GetString("name")
		if err != nil {
			return nil, gatewayerr.New(gatewayerr.KindInvalidArgument, "createIndexes: index missing 'name'")
		}
		specs = append(specs, storage.IndexSpec{
			Name:       name,
			KeyPattern: key,
			Unique:     getBoolField(entry, "unique", false),
			Sparse:     getBoolField(entry, "sparse", false),
		})
	}
	return specs, nil
}

func handleCreateIndexes(ctx context.Context, deps *Deps, _ *Session, db string, cmd *bson.Document) (*bson.Document, error) {
	coll, err := requireCollection(cmd)
	if err != nil {
		return nil, err
	}
	before, err := deps.Storage.ListIndexes(ctx, db, coll)
	if err != nil {
		return nil, err
	}
	specs, err := parseIndexSpecs(cmd)
	if err != nil {
		return nil, err
	}
	if err := deps.Storage.CreateIndexes(ctx, db, coll, specs); err != nil {
		return nil, err
	}
	after, err := deps.Storage.ListIndexes(ctx, db, coll)
	if err != nil {
		return nil, err
	}
	return okDoc().
		Append("numIndexesBefore", bson.Int32Val(int32(len(before)))).
		Append("numIndexesAfter", bson.Int32Val(int32(len(after)))), nil
}

func handleDropIndexes(ctx context.Context, deps *Deps, _ *Session, db string, cmd *bson.Document) (*bson.Document, error) {
	coll, err := requireCollection(cmd)
	if err != nil {
		return nil, err
	}
	var names []string
	if v, ok := cmd.Get("index"); ok {
		switch v.Kind {
		case bson.KindString:
			if v.Str != "*" {
				names = []string{v.Str}
			}
		case bson.KindArray:
			for _, e := range v.Arr {
				if e.Kind == bson.KindString {
					names = append(names, e.Str)
				}
			}
		}
	}
	if err := deps.Storage.DropIndexes(ctx, db, coll, names); err != nil {
		return nil, err
	}
	return okDoc(), nil
}

func handleListIndexes(ctx context.Context, deps *Deps, _ *Session, db string, cmd *bson.Document) (*bson.Document, error) {
	coll, err := requireCollection(cmd)
	if err != nil {
		return nil, err
	}
	specs, err := deps.Storage.ListIndexes(ctx, db, coll)
	if err != nil {
		return nil, err
	}
	entries := make([]bson.Value, 0, len(specs)+1)
	entries = append(entries, bson.Doc(bson.NewDocument().
		Append("key", bson.Doc(bson.NewDocument().Append("_id", bson.Int32Val(1)))).
		Append("name", bson.String("_id_")).
		Append("ns", bson.String(namespace(db, coll)))))
	for _, s := range specs {
		entry := bson.NewDocument().
			Append("key", bson.Doc(s.KeyPattern)).
			Append("name", bson.String(s.Name)).
			Append("ns", bson.String(namespace(db, coll)))
		if s.Unique {
			entry.Append("unique", bson.Bool(true))
		}
		if s.Sparse {
			entry.Append("sparse", bson.Bool(true))
		}
		entries = append(entries, bson.Doc(entry))
	}
	c := bson.NewDocument().
		Append("firstBatch", bson.Array(entries)).
		Append("id", bson.Int64Val(0)).
		Append("ns", bson.String(namespace(db, coll)+".$cmd.listIndexes"))
	return okDoc().Append("cursor", bson.Doc(c)), nil
}

// handleExplain always rejects rather than silently executing the
// wrapped command, per spec.md §9's redesign note on the source's
// oscillating explain/passthrough behavior.
func handleExplain(context.Context, *Deps, *Session, string, *bson.Document) (*bson.Document, error) {
	return nil, gatewayerr.New(gatewayerr.KindNotImplemented, "explain is not implemented")
}
