package rag

import (
	"context"

	"kbindex/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// instrumentedStore 为向量后端记录指标与追踪
type instrumentedStore struct {
	inner  VectorStore
	tracer trace.Tracer
}

func instrument(store VectorStore) VectorStore {
	if _, ok := store.(*instrumentedStore); ok {
		return store
	}
	return &instrumentedStore{inner: store, tracer: otel.Tracer("kbindex/internal/rag/vectorstore")}
}

func (s *instrumentedStore) Backend() Backend { return s.inner.Backend() }

func (s *instrumentedStore) Add(ctx context.Context, collection string, chunks []Chunk) ([]string, error) {
	ctx, span := s.start(ctx, "add", collection)
	defer span.End()
	span.SetAttributes(attribute.Int("chunks", len(chunks)))

	ids, err := s.inner.Add(ctx, collection, chunks)
	s.finish(span, "add", err)
	return ids, err
}

func (s *instrumentedStore) Delete(ctx context.Context, collection string, ids []string) (bool, error) {
	ctx, span := s.start(ctx, "delete", collection)
	defer span.End()
	span.SetAttributes(attribute.Int("ids", len(ids)))

	ok, err := s.inner.Delete(ctx, collection, ids)
	s.finish(span, "delete", err)
	return ok, err
}

func (s *instrumentedStore) DeleteCollection(ctx context.Context, collection string) error {
	ctx, span := s.start(ctx, "delete_collection", collection)
	defer span.End()

	err := s.inner.DeleteCollection(ctx, collection)
	s.finish(span, "delete_collection", err)
	return err
}

func (s *instrumentedStore) ListIDs(ctx context.Context, collection string) ([]string, error) {
	ctx, span := s.start(ctx, "list_ids", collection)
	defer span.End()

	ids, err := s.inner.ListIDs(ctx, collection)
	s.finish(span, "list_ids", err)
	return ids, err
}

func (s *instrumentedStore) start(ctx context.Context, op, collection string) (context.Context, trace.Span) {
	ctx, span := s.tracer.Start(ctx, "VectorStore."+op)
	span.SetAttributes(
		attribute.String("backend", string(s.inner.Backend())),
		attribute.String("collection", collection),
	)
	return ctx, span
}

func (s *instrumentedStore) finish(span trace.Span, op string, err error) {
	metrics.ObserveVectorOp(string(s.inner.Backend()), op, err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, op+" failed")
	}
}
