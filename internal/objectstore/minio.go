package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/evolvesystems/audiotricks-sub001/internal/domain"
)

// MinioStore implements ChunkStore against a MinIO deployment using the
// low-level Core API for multipart primitives.
type MinioStore struct {
	core   *minio.Core
	bucket string
	logger zerolog.Logger
}

// NewMinioStore connects to MinIO and ensures the bucket exists.
func NewMinioStore(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool, logger zerolog.Logger) (*MinioStore, error) {
	core, err := minio.NewCore(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := core.Client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket existence: %w", err)
	}
	if !exists {
		if err := core.Client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
		logger.Info().Str("bucket", bucket).Msg("bucket created")
	}

	return &MinioStore{
		core:   core,
		bucket: bucket,
		logger: logger.With().Str("component", "minio_store").Logger(),
	}, nil
}

func (m *MinioStore) Provider() domain.StorageProvider { return domain.ProviderMinIO }

func (m *MinioStore) BeginMultipart(ctx context.Context, key, contentType string) (string, error) {
	ctx, span := tracer.Start(ctx, "minio.begin_multipart",
		trace.WithAttributes(attribute.String("object_key", key)))
	defer span.End()

	uploadID, err := m.core.NewMultipartUpload(ctx, m.bucket, key, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		span.RecordError(err)
		m.logger.Error().Err(err).Str("key", key).Msg("new multipart upload failed")
		return "", classifyMinio(fmt.Errorf("new multipart upload: %w", err))
	}

	m.logger.Debug().Str("key", key).Str("upload_id", uploadID).Msg("multipart upload opened")
	return uploadID, nil
}

func (m *MinioStore) PutPart(ctx context.Context, key, uploadID string, ordinal int, data []byte) (Part, error) {
	ctx, span := tracer.Start(ctx, "minio.put_part",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int("ordinal", ordinal),
			attribute.Int("size_bytes", len(data)),
		))
	defer span.End()

	var etag string
	err := retryTransient(ctx, putRetries, func() error {
		part, err := m.core.PutObjectPart(ctx, m.bucket, key, uploadID, ordinal+1,
			bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
		if err != nil {
			return classifyMinio(fmt.Errorf("put object part %d: %w", ordinal, err))
		}
		etag = part.ETag
		return nil
	})
	if err != nil {
		span.RecordError(err)
		m.logger.Error().Err(err).Str("key", key).Int("ordinal", ordinal).Msg("put part failed")
		return Part{}, err
	}

	return Part{Ordinal: ordinal, Token: etag}, nil
}

func (m *MinioStore) CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) (string, error) {
	ctx, span := tracer.Start(ctx, "minio.complete_multipart",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int("parts", len(parts)),
		))
	defer span.End()

	ordered, err := orderParts(parts)
	if err != nil {
		span.RecordError(err)
		return "", err
	}

	completed := make([]minio.CompletePart, 0, len(ordered))
	for _, p := range ordered {
		completed = append(completed, minio.CompletePart{
			PartNumber: p.Ordinal + 1,
			ETag:       p.Token,
		})
	}

	info, err := m.core.CompleteMultipartUpload(ctx, m.bucket, key, uploadID, completed, minio.PutObjectOptions{})
	if err != nil {
		span.RecordError(err)
		m.logger.Error().Err(err).Str("key", key).Str("upload_id", uploadID).Msg("complete multipart upload failed")
		return "", classifyMinio(fmt.Errorf("complete multipart upload: %w", err))
	}

	location := info.Location
	if location == "" {
		location = m.objectURL(key)
	}
	m.logger.Info().Str("key", key).Int("parts", len(ordered)).Msg("multipart upload completed")
	return location, nil
}

func (m *MinioStore) AbortMultipart(ctx context.Context, key, uploadID string) error {
	ctx, span := tracer.Start(ctx, "minio.abort_multipart",
		trace.WithAttributes(attribute.String("object_key", key)))
	defer span.End()

	if err := m.core.AbortMultipartUpload(ctx, m.bucket, key, uploadID); err != nil {
		// Aborting an upload that no longer exists is a no-op.
		if minio.ToErrorResponse(err).Code == "NoSuchUpload" {
			return nil
		}
		span.RecordError(err)
		return classifyMinio(fmt.Errorf("abort multipart upload: %w", err))
	}
	return nil
}

func (m *MinioStore) PutSingle(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	ctx, span := tracer.Start(ctx, "minio.put_single",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int("size_bytes", len(data)),
		))
	defer span.End()

	err := retryTransient(ctx, putRetries, func() error {
		_, err := m.core.Client.PutObject(ctx, m.bucket, key,
			bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{ContentType: contentType})
		if err != nil {
			return classifyMinio(fmt.Errorf("put object: %w", err))
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		m.logger.Error().Err(err).Str("key", key).Msg("put object failed")
		return "", err
	}

	return m.objectURL(key), nil
}

func (m *MinioStore) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	ctx, span := tracer.Start(ctx, "minio.presign_get",
		trace.WithAttributes(attribute.String("object_key", key)))
	defer span.End()

	u, err := m.core.Client.PresignedGetObject(ctx, m.bucket, key, ttl, nil)
	if err != nil {
		span.RecordError(err)
		return "", classifyMinio(fmt.Errorf("presign get object: %w", err))
	}
	return u.String(), nil
}

func (m *MinioStore) objectURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", m.core.Client.EndpointURL().String(), m.bucket, key)
}

func classifyMinio(err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	if resp.Code == "" {
		// Network-level failure, worth retrying.
		return Transient(err)
	}
	switch resp.Code {
	case "SlowDown", "InternalError", "ServiceUnavailable", "RequestTimeout":
		return Transient(err)
	}
	if resp.StatusCode >= 500 {
		return Transient(err)
	}
	return Permanent(err)
}
