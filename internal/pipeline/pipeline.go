package pipeline

import (
	"context"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/evolvesystems/audiotricks-sub001/internal/domain"
)

var tracer = otel.Tracer("audiotricks-pipeline")

// Artifact points a provider at the stored audio object for one session.
type Artifact struct {
	SessionID uuid.UUID
	Key       string
	URL       string
	MimeType  string
}

// Transcriber produces a transcript for an audio artifact.
type Transcriber interface {
	Transcribe(ctx context.Context, artifact Artifact) (domain.TranscriptionResult, error)
}

// Summarizer condenses an artifact, given the transcript when one exists.
type Summarizer interface {
	Summarize(ctx context.Context, artifact Artifact, transcript string) (domain.SummaryResult, error)
}

// Analyzer extracts sentiment, topics, and entities from an artifact.
type Analyzer interface {
	Analyze(ctx context.Context, artifact Artifact, transcript string) (domain.AnalysisResult, error)
}

// Providers is the operation registry the orchestrator dispatches through.
type Providers struct {
	Transcriber Transcriber
	Summarizer  Summarizer
	Analyzer    Analyzer
}
