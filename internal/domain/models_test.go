package domain

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanTransitionSession(t *testing.T) {
	cases := []struct {
		from, to SessionStatus
		ok       bool
	}{
		{SessionPending, SessionUploading, true},
		{SessionPending, SessionCompleted, true}, // single-shot uploads never pass through uploading
		{SessionPending, SessionFailed, true},
		{SessionPending, SessionCancelled, true},
		{SessionUploading, SessionCompleted, true},
		{SessionUploading, SessionFailed, true},
		{SessionUploading, SessionCancelled, true},
		{SessionUploading, SessionPending, false},
		{SessionCompleted, SessionFailed, false},
		{SessionCompleted, SessionCancelled, false},
		{SessionFailed, SessionUploading, false},
		{SessionCancelled, SessionCompleted, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"_to_"+string(tc.to), func(t *testing.T) {
			require.Equal(t, tc.ok, CanTransitionSession(tc.from, tc.to))
		})
	}
}

func TestCanTransitionJob(t *testing.T) {
	cases := []struct {
		from, to JobStatus
		ok       bool
	}{
		{JobPending, JobProcessing, true},
		{JobPending, JobFailed, true},
		{JobPending, JobCompleted, false}, // a job must be claimed before it can finish
		{JobProcessing, JobCompleted, true},
		{JobProcessing, JobFailed, true},
		{JobProcessing, JobPending, false},
		{JobCompleted, JobProcessing, false},
		{JobCompleted, JobFailed, false},
		{JobFailed, JobProcessing, false},
	}
	for _, tc := range cases {
		t.Run(string(tc.from)+"_to_"+string(tc.to), func(t *testing.T) {
			require.Equal(t, tc.ok, CanTransitionJob(tc.from, tc.to))
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	require.False(t, SessionPending.Terminal())
	require.False(t, SessionUploading.Terminal())
	require.True(t, SessionCompleted.Terminal())
	require.True(t, SessionFailed.Terminal())
	require.True(t, SessionCancelled.Terminal())

	require.False(t, JobPending.Terminal())
	require.False(t, JobProcessing.Terminal())
	require.True(t, JobCompleted.Terminal())
	require.True(t, JobFailed.Terminal())
}

func TestOperationKindKnown(t *testing.T) {
	require.True(t, OpTranscribe.Known())
	require.True(t, OpSummarize.Known())
	require.True(t, OpAnalyze.Known())
	require.False(t, OperationKind("translate").Known())
	require.False(t, OperationKind("").Known())
}

func TestJobResultsMerge(t *testing.T) {
	var r JobResults
	require.False(t, r.Has(OpTranscribe))

	r.Merge(OperationResult{
		Operation:     OpTranscribe,
		Transcription: &TranscriptionResult{Text: "hello", DurationSeconds: 12.5},
	})
	require.True(t, r.Has(OpTranscribe))
	require.False(t, r.Has(OpSummarize))
	require.Equal(t, "hello", r.Transcription.Text)

	r.Merge(OperationResult{
		Operation: OpSummarize,
		Summary:   &SummaryResult{Summary: "greeting"},
	})
	require.True(t, r.Has(OpTranscribe))
	require.True(t, r.Has(OpSummarize))

	// A later result for the same operation replaces the earlier one.
	r.Merge(OperationResult{
		Operation:     OpTranscribe,
		Transcription: &TranscriptionResult{Text: "hello again"},
	})
	require.Equal(t, "hello again", r.Transcription.Text)
}

func TestJobResultsMergeIgnoresMismatchedPayload(t *testing.T) {
	var r JobResults

	// Payload on the wrong field must not be folded in.
	r.Merge(OperationResult{
		Operation: OpTranscribe,
		Summary:   &SummaryResult{Summary: "misfiled"},
	})
	require.False(t, r.Has(OpTranscribe))
	require.False(t, r.Has(OpSummarize))

	// A nil payload leaves an existing result untouched.
	r.Merge(OperationResult{
		Operation: OpAnalyze,
		Analysis:  &AnalysisResult{Sentiment: "positive"},
	})
	r.Merge(OperationResult{Operation: OpAnalyze})
	require.True(t, r.Has(OpAnalyze))
	require.Equal(t, "positive", r.Analysis.Sentiment)
}

func TestOperationResultFragment(t *testing.T) {
	frag := OperationResult{
		Operation: OpAnalyze,
		Analysis:  &AnalysisResult{Topics: []string{"weather"}},
	}.Fragment()

	require.True(t, frag.Has(OpAnalyze))
	require.Nil(t, frag.Transcription)
	require.Nil(t, frag.Summary)
}
