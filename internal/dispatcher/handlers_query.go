package dispatcher

import (
	"context"

	"github.com/fauxdb/mongopg-gateway/internal/aggregation"
	"github.com/fauxdb/mongopg-gateway/internal/bson"
	"github.com/fauxdb/mongopg-gateway/internal/cursor"
)

func cursorEnvelope(ns string, id int64, docs []*bson.Document, firstBatchKey string) *bson.Document {
	arr := make([]bson.Value, len(docs))
	for i, d := range docs {
		arr[i] = bson.Doc(d)
	}
	c := bson.NewDocument().
		Append(firstBatchKey, bson.Array(arr)).
		Append("id", bson.Int64Val(id)).
		Append("ns", bson.String(ns))
	return okDoc().Append("cursor", bson.Doc(c))
}

func handleFind(ctx context.Context, deps *Deps, sess *Session, db string, cmd *bson.Document) (*bson.Document, error) {
	coll, err := requireCollection(cmd)
	if err != nil {
		return nil, err
	}
	if err := deps.Storage.EnsureCollection(ctx, db, coll); err != nil {
		return nil, err
	}
	filter := emptyFilterIfAbsent(cmd.Get("filter"))
	sort := getDocumentField(cmd, "sort")
	skip := getInt32Field(cmd, "skip", 0)
	batchSize := getInt32Field(cmd, "batchSize", int32(deps.Config.Performance.BatchSize))
	limit := getInt32Field(cmd, "limit", 0)

	result, err := deps.Storage.Find(ctx, db, coll, filter, skip, limit, sort)
	if err != nil {
		return nil, err
	}

	projection := getDocumentField(cmd, "projection")
	docs := result.Documents
	if projection != nil {
		for i, d := range docs {
			docs[i] = aggregation.ApplyProjection(d, projection)
		}
	}

	ns := namespace(db, coll)
	if len(docs) <= int(batchSize) {
		return cursorEnvelope(ns, 0, docs, "firstBatch"), nil
	}
	c := sess.Cursors.New(ns, cursor.NewSliceBatch(docs))
	firstBatch, id, err := sess.Cursors.Advance(c.ID, batchSize)
	if err != nil {
		return nil, err
	}
	return cursorEnvelope(ns, id, firstBatch, "firstBatch"), nil
}

func handleGetMore(_ context.Context, deps *Deps, sess *Session, db string, cmd *bson.Document) (*bson.Document, error) {
	cursorID := getInt64Field(cmd, "getMore", 0)
	coll, _ := cmd.GetString("collection")
	batchSize := getInt32Field(cmd, "batchSize", int32(deps.Config.Performance.BatchSize))

	docs, id, err := sess.Cursors.Advance(cursorID, batchSize)
	if err != nil {
		return nil, err
	}
	return cursorEnvelope(namespace(db, coll), id, docs, "nextBatch"), nil
}

func handleKillCursors(_ context.Context, _ *Deps, sess *Session, _ string, cmd *bson.Document) (*bson.Document, error) {
	ids := getArrayField(cmd, "cursors")
	var targets []int64
	for _, v := range ids {
		if f, ok := v.AsFloat64(); ok {
			targets = append(targets, int64(f))
		}
	}
	killed, notFound := sess.Cursors.KillMany(targets)

	toArray := func(ids []int64) []bson.Value {
		out := make([]bson.Value, len(ids))
		for i, id := range ids {
			out[i] = bson.Int64Val(id)
		}
		return out
	}
	return okDoc().
		Append("cursorsKilled", bson.Array(toArray(killed))).
		Append("cursorsNotFound", bson.Array(toArray(notFound))), nil
}

func handleAggregate(ctx context.Context, deps *Deps, sess *Session, db string, cmd *bson.Document) (*bson.Document, error) {
	coll, err := requireCollection(cmd)
	if err != nil {
		return nil, err
	}
	if err := deps.Storage.EnsureCollection(ctx, db, coll); err != nil {
		return nil, err
	}
	pipelineArg := getArrayField(cmd, "pipeline")
	stages, err := aggregation.ParsePipeline(pipelineArg)
	if err != nil {
		return nil, err
	}

	batchSize := int32(deps.Config.Performance.BatchSize)
	if cursorOpt := getDocumentField(cmd, "cursor"); cursorOpt != nil {
		batchSize = getInt32Field(cursorOpt, "batchSize", batchSize)
	}

	var docs []*bson.Document
	if plan, ok := aggregation.BuildPlan(stages); ok {
		result, err := deps.Storage.Find(ctx, db, coll, plan.Filter, plan.Skip, plan.Limit, plan.Sort)
		if err != nil {
			return nil, err
		}
		docs = result.Documents
		if plan.Projection != nil {
			for i, d := range docs {
				docs[i] = aggregation.ApplyProjection(d, plan.Projection)
			}
		}
	} else {
		all, err := deps.Storage.Find(ctx, db, coll, bson.NewDocument(), 0, 0, nil)
		if err != nil {
			return nil, err
		}
		docs, err = aggregation.Execute(stages, all.Documents)
		if err != nil {
			return nil, err
		}
	}

	ns := namespace(db, coll)
	if len(docs) <= int(batchSize) {
		return cursorEnvelope(ns, 0, docs, "firstBatch"), nil
	}
	c := sess.Cursors.New(ns, cursor.NewSliceBatch(docs))
	firstBatch, id, err := sess.Cursors.Advance(c.ID, batchSize)
	if err != nil {
		return nil, err
	}
	return cursorEnvelope(ns, id, firstBatch, "firstBatch"), nil
}
