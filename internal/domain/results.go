package domain

// TranscriptSegment is a timestamped slice of the transcript.
type TranscriptSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// TranscriptionResult is the structured output of the transcribe operation.
type TranscriptionResult struct {
	Text            string              `json:"text"`
	Language        string              `json:"language,omitempty"`
	DurationSeconds float64             `json:"durationSeconds,omitempty"`
	Segments        []TranscriptSegment `json:"segments,omitempty"`
}

// SummaryResult is the structured output of the summarize operation.
type SummaryResult struct {
	Summary   string   `json:"summary"`
	KeyPoints []string `json:"keyPoints,omitempty"`
}

// AnalysisResult is the structured output of the analyze operation.
type AnalysisResult struct {
	Sentiment string   `json:"sentiment,omitempty"`
	Topics    []string `json:"topics,omitempty"`
	Entities  []string `json:"entities,omitempty"`
}

// OperationResult carries the output of exactly one operation. Exactly one of
// the payload fields is set, matching Operation.
type OperationResult struct {
	Operation     OperationKind        `json:"operation"`
	Transcription *TranscriptionResult `json:"transcription,omitempty"`
	Summary       *SummaryResult       `json:"summary,omitempty"`
	Analysis      *AnalysisResult      `json:"analysis,omitempty"`
}

// JobResults collects per-operation outputs, filled in as each operation
// completes. Fields stay nil for operations that never ran.
type JobResults struct {
	Transcription *TranscriptionResult `json:"transcription,omitempty"`
	Summary       *SummaryResult       `json:"summary,omitempty"`
	Analysis      *AnalysisResult      `json:"analysis,omitempty"`
}

// Merge folds a partial result into the set. Later results for the same
// operation overwrite earlier ones.
func (r *JobResults) Merge(partial OperationResult) {
	switch partial.Operation {
	case OpTranscribe:
		if partial.Transcription != nil {
			r.Transcription = partial.Transcription
		}
	case OpSummarize:
		if partial.Summary != nil {
			r.Summary = partial.Summary
		}
	case OpAnalyze:
		if partial.Analysis != nil {
			r.Analysis = partial.Analysis
		}
	}
}

// Has reports whether a result for the given operation is present.
func (r JobResults) Has(op OperationKind) bool {
	switch op {
	case OpTranscribe:
		return r.Transcription != nil
	case OpSummarize:
		return r.Summary != nil
	case OpAnalyze:
		return r.Analysis != nil
	}
	return false
}

// Fragment returns a JobResults holding only the partial result, suitable for
// merging into a stored result set.
func (partial OperationResult) Fragment() JobResults {
	var r JobResults
	r.Merge(partial)
	return r
}
