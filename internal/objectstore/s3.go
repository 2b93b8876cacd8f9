package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/evolvesystems/audiotricks-sub001/internal/domain"
)

const putRetries = 2

// S3Store implements ChunkStore against AWS S3 (or any S3-compatible endpoint).
type S3Store struct {
	client   *s3.Client
	bucket   string
	region   string
	endpoint string
	logger   zerolog.Logger
}

func NewS3Store(client *s3.Client, bucket, region, endpoint string, logger zerolog.Logger) *S3Store {
	return &S3Store{
		client:   client,
		bucket:   bucket,
		region:   region,
		endpoint: strings.TrimRight(endpoint, "/"),
		logger:   logger.With().Str("component", "s3_store").Logger(),
	}
}

func (s *S3Store) Provider() domain.StorageProvider { return domain.ProviderS3 }

func (s *S3Store) BeginMultipart(ctx context.Context, key, contentType string) (string, error) {
	ctx, span := tracer.Start(ctx, "s3.begin_multipart",
		trace.WithAttributes(attribute.String("object_key", key)))
	defer span.End()

	out, err := s.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		span.RecordError(err)
		s.logger.Error().Err(err).Str("key", key).Msg("create multipart upload failed")
		return "", classifyS3(fmt.Errorf("create multipart upload: %w", err))
	}

	uploadID := aws.ToString(out.UploadId)
	s.logger.Debug().Str("key", key).Str("upload_id", uploadID).Msg("multipart upload opened")
	return uploadID, nil
}

func (s *S3Store) PutPart(ctx context.Context, key, uploadID string, ordinal int, data []byte) (Part, error) {
	ctx, span := tracer.Start(ctx, "s3.put_part",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int("ordinal", ordinal),
			attribute.Int("size_bytes", len(data)),
		))
	defer span.End()

	// S3 part numbers are 1-based.
	partNumber := int32(ordinal + 1)

	var etag string
	err := retryTransient(ctx, putRetries, func() error {
		out, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			UploadId:      aws.String(uploadID),
			PartNumber:    aws.Int32(partNumber),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
		})
		if err != nil {
			return classifyS3(fmt.Errorf("upload part %d: %w", ordinal, err))
		}
		etag = aws.ToString(out.ETag)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		s.logger.Error().Err(err).Str("key", key).Int("ordinal", ordinal).Msg("upload part failed")
		return Part{}, err
	}

	return Part{Ordinal: ordinal, Token: etag}, nil
}

func (s *S3Store) CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) (string, error) {
	ctx, span := tracer.Start(ctx, "s3.complete_multipart",
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

	completed := make([]types.CompletedPart, 0, len(ordered))
	for _, p := range ordered {
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(p.Token),
			PartNumber: aws.Int32(int32(p.Ordinal + 1)),
		})
	}

	out, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		span.RecordError(err)
		s.logger.Error().Err(err).Str("key", key).Str("upload_id", uploadID).Msg("complete multipart upload failed")
		return "", classifyS3(fmt.Errorf("complete multipart upload: %w", err))
	}

	location := aws.ToString(out.Location)
	if location == "" {
		location = s.objectURL(key)
	}
	s.logger.Info().Str("key", key).Int("parts", len(ordered)).Msg("multipart upload completed")
	return location, nil
}

func (s *S3Store) AbortMultipart(ctx context.Context, key, uploadID string) error {
	ctx, span := tracer.Start(ctx, "s3.abort_multipart",
		trace.WithAttributes(attribute.String("object_key", key)))
	defer span.End()

	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
	if err != nil {
		// Aborting an upload that no longer exists is a no-op.
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NoSuchUpload" {
			return nil
		}
		span.RecordError(err)
		return classifyS3(fmt.Errorf("abort multipart upload: %w", err))
	}
	return nil
}

func (s *S3Store) PutSingle(ctx context.Context, key string, data []byte, contentType string) (string, error) {
	ctx, span := tracer.Start(ctx, "s3.put_single",
		trace.WithAttributes(
			attribute.String("object_key", key),
			attribute.Int("size_bytes", len(data)),
		))
	defer span.End()

	err := retryTransient(ctx, putRetries, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(key),
			Body:          bytes.NewReader(data),
			ContentLength: aws.Int64(int64(len(data))),
			ContentType:   aws.String(contentType),
		})
		if err != nil {
			return classifyS3(fmt.Errorf("put object: %w", err))
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		s.logger.Error().Err(err).Str("key", key).Msg("put object failed")
		return "", err
	}

	return s.objectURL(key), nil
}

func (s *S3Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	ctx, span := tracer.Start(ctx, "s3.presign_get",
		trace.WithAttributes(attribute.String("object_key", key)))
	defer span.End()

	presigner := s3.NewPresignClient(s.client)
	presigned, err := presigner.PresignGetObject(ctx,
		&s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		},
		s3.WithPresignExpires(ttl),
	)
	if err != nil {
		span.RecordError(err)
		return "", classifyS3(fmt.Errorf("presign get object: %w", err))
	}
	return presigned.URL, nil
}

func (s *S3Store) objectURL(key string) string {
	if s.endpoint != "" {
		return fmt.Sprintf("%s/%s/%s", s.endpoint, s.bucket, key)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.bucket, s.region, key)
}

// transientS3Codes covers throttling and server-side failures worth retrying.
var transientS3Codes = map[string]struct{}{
	"InternalError":        {},
	"ServiceUnavailable":   {},
	"SlowDown":             {},
	"RequestTimeout":       {},
	"Throttling":           {},
	"ThrottlingException":  {},
	"RequestLimitExceeded": {},
}

func classifyS3(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, ok := transientS3Codes[apiErr.ErrorCode()]; ok {
			return Transient(err)
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return Transient(err)
		}
		return Permanent(err)
	}
	// Network-level failures (connection reset, timeouts) are retryable.
	return Transient(err)
}
