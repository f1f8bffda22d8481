package logging

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/warden/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with trace/debug logging and OpenTelemetry spans.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/warden/storage"),
		sys:    sys,
	}
}

func (b *backend) start(ctx context.Context, op string) (context.Context, trace.Span, pslog.Logger, time.Time, func(string, error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "warden.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("warden.storage.operation", op),
		attribute.String("warden.sys", b.sys),
	)
	span.AddEvent("warden.storage.begin")

	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	ctx = pslog.ContextWithLogger(ctx, logger)
	return ctx, span, logger, begin, func(result string, err error) {
		duration := time.Since(begin).Milliseconds()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.AddEvent("warden.storage.end", trace.WithAttributes(
			attribute.String("warden.storage.result", result),
			attribute.Int64("warden.storage.duration_ms", duration),
		))
	}
}

func (b *backend) LoadRecord(ctx context.Context, key string) (storage.RecordResult, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "load_record")
	defer span.End()

	verbose.Trace("storage.load_record.begin", "key", key)
	result, err := b.inner.LoadRecord(ctx, key)
	if err != nil {
		finish("error", err)
		verbose.Debug("storage.load_record.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return result, err
	}
	owner := ""
	generation := int64(0)
	expires := int64(0)
	if result.Record != nil {
		owner = result.Record.OwnerID
		generation = result.Record.Generation
		expires = result.Record.LeaseExpiryUnix
	}
	span.SetAttributes(
		attribute.Bool("warden.storage.found", result.Record != nil),
		attribute.Int64("warden.storage.generation", generation),
	)
	finish("ok", nil)
	verbose.Debug("storage.load_record.success",
		"key", key,
		"owner", owner,
		"generation", generation,
		"lease_expires_at", expires,
		"etag", result.ETag,
		"elapsed", time.Since(begin),
	)
	return result, nil
}

func (b *backend) StoreRecord(ctx context.Context, key string, rec *storage.Record, expectedETag string) (string, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "store_record")
	defer span.End()

	owner := ""
	generation := int64(0)
	expires := int64(0)
	if rec != nil {
		owner = rec.OwnerID
		generation = rec.Generation
		expires = rec.LeaseExpiryUnix
	}
	span.SetAttributes(
		attribute.Bool("warden.storage.expected_etag", expectedETag != ""),
		attribute.Int64("warden.storage.generation", generation),
	)
	verbose.Trace("storage.store_record.begin",
		"key", key,
		"expected_etag", expectedETag,
		"owner", owner,
		"generation", generation,
		"lease_expires_at", expires,
	)
	newETag, err := b.inner.StoreRecord(ctx, key, rec, expectedETag)
	if err != nil {
		finish("error", err)
		verbose.Debug("storage.store_record.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return newETag, err
	}
	finish("ok", nil)
	verbose.Debug("storage.store_record.success", "key", key, "new_etag", newETag, "elapsed", time.Since(begin))
	return newETag, nil
}

func (b *backend) DeleteRecord(ctx context.Context, key string, expectedETag string) error {
	ctx, span, verbose, begin, finish := b.start(ctx, "delete_record")
	defer span.End()

	span.SetAttributes(attribute.Bool("warden.storage.expected_etag", expectedETag != ""))
	verbose.Trace("storage.delete_record.begin", "key", key, "expected_etag", expectedETag)
	err := b.inner.DeleteRecord(ctx, key, expectedETag)
	if err != nil {
		finish("error", err)
		verbose.Debug("storage.delete_record.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return err
	}
	finish("ok", nil)
	verbose.Debug("storage.delete_record.success", "key", key, "elapsed", time.Since(begin))
	return nil
}

func (b *backend) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "list_objects")
	defer span.End()

	span.SetAttributes(
		attribute.String("warden.storage.prefix", opts.Prefix),
		attribute.String("warden.storage.start_after", opts.StartAfter),
		attribute.Int("warden.storage.limit", opts.Limit),
	)
	verbose.Trace("storage.list_objects.begin",
		"prefix", opts.Prefix,
		"start_after", opts.StartAfter,
		"limit", opts.Limit,
	)
	result, err := b.inner.ListObjects(ctx, opts)
	if err != nil {
		finish("error", err)
		verbose.Debug("storage.list_objects.error", "error", err, "elapsed", time.Since(begin))
		return result, err
	}
	count := 0
	if result != nil {
		count = len(result.Objects)
	}
	span.SetAttributes(attribute.Int("warden.storage.object_count", count))
	finish("ok", nil)
	verbose.Debug("storage.list_objects.success",
		"prefix", opts.Prefix,
		"count", count,
		"truncated", result != nil && result.Truncated,
		"elapsed", time.Since(begin),
	)
	return result, nil
}

func (b *backend) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "get_object")
	defer span.End()

	verbose.Trace("storage.get_object.begin", "key", key)
	result, err := b.inner.GetObject(ctx, key)
	if err != nil {
		finish("error", err)
		verbose.Debug("storage.get_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return result, err
	}
	etag := ""
	size := int64(0)
	if result.Info != nil {
		etag = result.Info.ETag
		size = result.Info.Size
	}
	span.SetAttributes(
		attribute.Bool("warden.storage.has_etag", etag != ""),
		attribute.Int64("warden.storage.object_size", size),
	)
	finish("ok", nil)
	verbose.Debug("storage.get_object.success", "key", key, "etag", etag, "size", size, "elapsed", time.Since(begin))
	return result, nil
}

func (b *backend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	ctx, span, verbose, begin, finish := b.start(ctx, "put_object")
	defer span.End()

	span.SetAttributes(
		attribute.Bool("warden.storage.expected_etag", opts.ExpectedETag != ""),
		attribute.Bool("warden.storage.if_not_exists", opts.IfNotExists),
	)
	verbose.Trace("storage.put_object.begin",
		"key", key,
		"expected_etag", opts.ExpectedETag,
		"if_not_exists", opts.IfNotExists,
		"content_type", opts.ContentType,
	)
	info, err := b.inner.PutObject(ctx, key, body, opts)
	if err != nil {
		finish("error", err)
		verbose.Debug("storage.put_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return info, err
	}
	etag := ""
	size := int64(0)
	if info != nil {
		etag = info.ETag
		size = info.Size
	}
	span.SetAttributes(attribute.Bool("warden.storage.has_etag", etag != ""))
	finish("ok", nil)
	verbose.Debug("storage.put_object.success", "key", key, "etag", etag, "size", size, "elapsed", time.Since(begin))
	return info, nil
}

func (b *backend) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	ctx, span, verbose, begin, finish := b.start(ctx, "delete_object")
	defer span.End()

	span.SetAttributes(
		attribute.Bool("warden.storage.expected_etag", opts.ExpectedETag != ""),
		attribute.Bool("warden.storage.ignore_not_found", opts.IgnoreNotFound),
	)
	verbose.Trace("storage.delete_object.begin",
		"key", key,
		"expected_etag", opts.ExpectedETag,
		"ignore_not_found", opts.IgnoreNotFound,
	)
	err := b.inner.DeleteObject(ctx, key, opts)
	if err != nil {
		finish("error", err)
		verbose.Debug("storage.delete_object.error", "key", key, "error", err, "elapsed", time.Since(begin))
		return err
	}
	finish("ok", nil)
	verbose.Debug("storage.delete_object.success", "key", key, "elapsed", time.Since(begin))
	return nil
}

func (b *backend) Close() error {
	_, span, verbose, begin, finish := b.start(context.Background(), "close")
	defer span.End()

	verbose.Trace("storage.close.begin")
	err := b.inner.Close()
	if err != nil {
		finish("error", err)
		verbose.Debug("storage.close.error", "error", err, "elapsed", time.Since(begin))
		return err
	}
	finish("ok", nil)
	verbose.Debug("storage.close.success", "elapsed", time.Since(begin))
	return nil
}

func (b *backend) SubscribeRecordChanges(key string) (storage.ChangeSubscription, error) {
	if feed, ok := b.inner.(storage.ChangeFeed); ok {
		return feed.SubscribeRecordChanges(key)
	}
	return nil, storage.ErrNotImplemented
}
