package objectstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/evolvesystems/audiotricks-sub001/internal/domain"
)

var tracer = otel.Tracer("audiotricks-objectstore")

// Part identifies a remotely stored piece of a multipart upload.
type Part struct {
	Ordinal int    // 0-based chunk ordinal
	Token   string // provider part identifier (ETag)
}

// ChunkStore is the remote object store contract. Implementations must make
// PutPart idempotent per (uploadID, ordinal) and AbortMultipart safe to call
// on an already-aborted upload.
type ChunkStore interface {
	// BeginMultipart opens a provider multipart transaction and returns its
	// upload id.
	BeginMultipart(ctx context.Context, key, contentType string) (string, error)

	// PutPart durably stores one part. Re-sending an ordinal overwrites the
	// previous bytes for that ordinal.
	PutPart(ctx context.Context, key, uploadID string, ordinal int, data []byte) (Part, error)

	// CompleteMultipart assembles the final object. The part list must cover
	// every ordinal 0..n-1 exactly once; gaps or duplicates are rejected
	// without calling the provider.
	CompleteMultipart(ctx context.Context, key, uploadID string, parts []Part) (string, error)

	// AbortMultipart releases provider-side state for an open transaction.
	AbortMultipart(ctx context.Context, key, uploadID string) error

	// PutSingle stores a whole payload in one call.
	PutSingle(ctx context.Context, key string, data []byte, contentType string) (string, error)

	// PresignGet returns a time-limited download URL for a stored object.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)

	Provider() domain.StorageProvider
}

// orderParts sorts parts by ordinal and verifies full coverage of 0..n-1.
func orderParts(parts []Part) ([]Part, error) {
	if len(parts) == 0 {
		return nil, Permanent(fmt.Errorf("empty part list"))
	}
	ordered := make([]Part, len(parts))
	copy(ordered, parts)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Ordinal < ordered[j].Ordinal })
	for i, p := range ordered {
		if p.Ordinal != i {
			return nil, Permanent(fmt.Errorf("part list does not cover ordinal %d", i))
		}
		if p.Token == "" {
			return nil, Permanent(fmt.Errorf("part %d has no token", p.Ordinal))
		}
	}
	return ordered, nil
}
