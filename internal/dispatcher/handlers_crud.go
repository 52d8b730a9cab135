package dispatcher

import (
	"context"

	"github.com/fauxdb/mongopg-gateway/internal/bson"
	"github.com/fauxdb/mongopg-gateway/internal/gatewayerr"
)

func requireCollection(cmd *bson.Document) (string, error) {
	coll, ok := commandTarget(cmd)
	if !ok || coll == "" {
		return "", gatewayerr.New(gatewayerr.KindInvalidArgument, "command requires a collection name")
	}
	return coll, nil
}

func emptyFilterIfAbsent(v bson.Value, ok bool) *bson.Document {
	if !ok || v.Kind != bson.KindDocument {
		return bson.NewDocument()
	}
	return v.Doc
}

func handleInsert(ctx context.Context, deps *Deps, _ *Session, db string, cmd *bson.Document) (*bson.Document, error) {
	coll, err := requireCollection(cmd)
	if err != nil {
		return nil, err
	}
	if err := deps.Storage.EnsureCollection(ctx, db, coll); err != nil {
		return nil, err
	}
	documents := getArrayField(cmd, "documents")
	ordered := getBoolField(cmd, "ordered", true)

	var inserted int32
	var writeErrors []bson.Value
	for i, dv := range documents {
		if dv.Kind != bson.KindDocument {
			continue
		}
		_, err := deps.Storage.Insert(ctx, db, coll, dv.Doc)
		if err != nil {
			ge := classify(err)
			writeErrors = append(writeErrors, bson.Doc(bson.NewDocument().
				Append("index", bson.Int32Val(int32(i))).
				Append("code", bson.Int32Val(ge.Code())).
				Append("errmsg", bson.String(ge.Error()))))
			if ordered {
				break
			}
			continue
		}
		inserted++
	}

	reply := okDoc().Append("n", bson.Int32Val(inserted))
	if len(writeErrors) > 0 {
		reply.Append("writeErrors", bson.Array(writeErrors))
	}
	return reply, nil
}

func handleUpdate(ctx context.Context, deps *Deps, _ *Session, db string, cmd *bson.Document) (*bson.Document, error) {
	coll, err := requireCollection(cmd)
	if err != nil {
		return nil, err
	}
	if err := deps.Storage.EnsureCollection(ctx, db, coll); err != nil {
		return nil, err
	}
	updates := getArrayField(cmd, "updates")

	var matched, modified int32
	var upserted []bson.Value
	for i, uv := range updates {
		if uv.Kind != bson.KindDocument {
			continue
		}
		filter := emptyFilterIfAbsent(uv.Doc.Get("q"))
		spec := getDocumentField(uv.Doc, "u")
		if spec == nil {
			spec = bson.NewDocument()
		}
		multi := getBoolField(uv.Doc, "multi", false)
		upsert := getBoolField(uv.Doc, "upsert", false)

		result, err := deps.Storage.Update(ctx, db, coll, filter, spec, multi, upsert)
		if err != nil {
			return nil, err
		}
		matched += int32(result.Matched)
		modified += int32(result.Modified)
		if result.Upserted {
			matched++
			upserted = append(upserted, bson.Doc(bson.NewDocument().
				Append("index", bson.Int32Val(int32(i))).
				Append("_id", result.UpsertedID)))
		}
	}

	reply := okDoc().Append("n", bson.Int32Val(matched)).Append("nModified", bson.Int32Val(modified))
	if len(upserted) > 0 {
		reply.Append("upserted", bson.Array(upserted))
	}
	return reply, nil
}

func handleDelete(ctx context.Context, deps *Deps, _ *Session, db string, cmd *bson.Document) (*bson.Document, error) {
	coll, err := requireCollection(cmd)
	if err != nil {
		return nil, err
	}
	if err := deps.Storage.EnsureCollection(ctx, db, coll); err != nil {
		return nil, err
	}
	deletes := getArrayField(cmd, "deletes")

	var total int32
	for _, dv := range deletes {
		if dv.Kind != bson.KindDocument {
			continue
		}
		filter := emptyFilterIfAbsent(dv.Doc.Get("q"))
		limit := getInt32Field(dv.Doc, "limit", 0)
		n, err := deps.Storage.Delete(ctx, db, coll, filter, limit == 0)
		if err != nil {
			return nil, err
		}
		total += int32(n)
	}
	return okDoc().Append("n", bson.Int32Val(total)), nil
}

func handleCount(ctx context.Context, deps *Deps, _ *Session, db string, cmd *bson.Document) (*bson.Document, error) {
	coll, err := requireCollection(cmd)
	if err != nil {
		return nil, err
	}
	if err := deps.Storage.EnsureCollection(ctx, db, coll); err != nil {
		return nil, err
	}
	filter := emptyFilterIfAbsent(cmd.Get("query"))
	if filter.Len() == 0 {
		filter = emptyFilterIfAbsent(cmd.Get("filter"))
	}
	n, err := deps.Storage.Count(ctx, db, coll, filter)
	if err != nil {
		return nil, err
	}
	return okDoc().Append("n", bson.Int64Val(n)), nil
}
